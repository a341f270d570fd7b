package trackerclient

import (
	"net"
	"strconv"
	"strings"
	"testing"

	"github.com/happyfish100/fastdfs-sub012/pkg/connpool"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// listenEcho starts a listener that accepts connections and closes them
// immediately, just enough for connpool's dial to succeed without a real
// tracker protocol behind it.
func listenEcho(t *testing.T) connpool.Key {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			c.Close()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return connpool.Key{Host: host, Port: port}
}

func TestGetConnectionRoundRobin(t *testing.T) {
	pool := connpool.New(connpool.DefaultConfig())
	defer pool.Stop()

	a := listenEcho(t)
	b := listenEcho(t)
	g := New(pool, []connpool.Key{a, b})

	key1, conn1, err := g.GetConnection()
	require.NoError(t, err)
	g.Release(key1, conn1, false)

	key2, conn2, err := g.GetConnection()
	require.NoError(t, err)
	g.Release(key2, conn2, false)

	assert.NotEqual(t, key1, key2)
}

func TestGetConnectionSkipsDeadTracker(t *testing.T) {
	pool := connpool.New(connpool.DefaultConfig())
	defer pool.Stop()

	dead := connpool.Key{Host: "127.0.0.1", Port: 1} // nothing listening
	alive := listenEcho(t)
	g := New(pool, []connpool.Key{dead, alive})

	key, conn, err := g.GetConnection()
	require.NoError(t, err)
	assert.Equal(t, alive, key)
	g.Release(key, conn, false)
}

func TestBroadcastAggregation(t *testing.T) {
	pool := connpool.New(connpool.DefaultConfig())
	defer pool.Stop()

	a := listenEcho(t)
	b := listenEcho(t)
	g := New(pool, []connpool.Key{a, b})

	err := g.Broadcast(func(conn *frame.Conn) (bool, error) {
		return false, nil
	})
	assert.NoError(t, err)
}

func TestBroadcastAllNotFound(t *testing.T) {
	pool := connpool.New(connpool.DefaultConfig())
	defer pool.Stop()

	a := listenEcho(t)
	b := listenEcho(t)
	g := New(pool, []connpool.Key{a, b})

	err := g.Broadcast(func(conn *frame.Conn) (bool, error) {
		return false, ferr.NotFound
	})
	assert.ErrorIs(t, err, ferr.NotFound)
}

func TestBroadcastPartialSuccessIsSuccess(t *testing.T) {
	pool := connpool.New(connpool.DefaultConfig())
	defer pool.Stop()

	a := listenEcho(t)
	b := listenEcho(t)
	g := New(pool, []connpool.Key{a, b})

	first := true
	err := g.Broadcast(func(conn *frame.Conn) (bool, error) {
		if first {
			first = false
			return false, nil
		}
		return false, ferr.NotFound
	})
	assert.NoError(t, err)
}

func TestServersReturnsCopy(t *testing.T) {
	pool := connpool.New(connpool.DefaultConfig())
	defer pool.Stop()

	a := listenEcho(t)
	g := New(pool, []connpool.Key{a})

	servers := g.Servers()
	servers[0] = connpool.Key{Host: "mutated"}
	assert.False(t, strings.Contains(g.Servers()[0].Host, "mutated"))
}
