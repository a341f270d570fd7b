package connpool

import (
	"net"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func listenOnce(t *testing.T) Key {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	t.Cleanup(func() { ln.Close() })

	var mu sync.Mutex
	var accepted []net.Conn
	t.Cleanup(func() {
		mu.Lock()
		defer mu.Unlock()
		for _, c := range accepted {
			c.Close()
		}
	})

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			accepted = append(accepted, c)
			mu.Unlock()
		}
	}()

	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return Key{Host: host, Port: port}
}

func TestAcquireReleaseReusesIdleConnection(t *testing.T) {
	pool := New(DefaultConfig())
	defer pool.Stop()

	key := listenOnce(t)
	conn, err := pool.Acquire(key)
	require.NoError(t, err)
	pool.Release(key, conn, true)

	conn2, err := pool.Acquire(key)
	require.NoError(t, err)
	assert.Same(t, conn, conn2)
}

func TestAcquireBlocksUntilReleaseFreesASlot(t *testing.T) {
	cfg := DefaultConfig()
	cfg.MaxPerKey = 1
	pool := New(cfg)
	defer pool.Stop()

	key := listenOnce(t)
	first, err := pool.Acquire(key)
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		second, err := pool.Acquire(key)
		assert.NoError(t, err)
		pool.Release(key, second, false)
		close(done)
	}()

	select {
	case <-done:
		t.Fatal("second Acquire returned before the slot was released")
	case <-time.After(50 * time.Millisecond):
	}

	pool.Release(key, first, false)

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("second Acquire stayed blocked after Release freed its slot")
	}
}

// TestDialFailureWakesBlockedWaiter is a regression test for a bug where
// Acquire's dial-failure path decremented inUse without signaling
// b.waitCh, unlike Release. A waiter blocked because the bucket was at
// MaxPerKey would then never wake once that in-flight dial failed and
// freed its slot.
func TestDialFailureWakesBlockedWaiter(t *testing.T) {
	b := &bucket{inUse: 1, waitCh: make(chan struct{})}
	wait := b.waitCh

	b.mu.Lock()
	releaseSlot(b)
	b.mu.Unlock()

	select {
	case <-wait:
	default:
		t.Fatal("releaseSlot did not signal the waiter")
	}
	assert.Equal(t, 0, b.inUse)
	assert.Nil(t, b.waitCh)
}

func TestAcquireDialFailureReturnsErrorAndFreesSlot(t *testing.T) {
	pool := New(DefaultConfig())
	defer pool.Stop()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	host, portStr, err := net.SplitHostPort(ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	ln.Close() // nothing listens at this address any more

	key := Key{Host: host, Port: port}
	_, err = pool.Acquire(key)
	require.Error(t, err)

	b := pool.bucketFor(key)
	b.mu.Lock()
	defer b.mu.Unlock()
	assert.Equal(t, 0, b.inUse)
}
