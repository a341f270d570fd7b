package syncengine

import (
	"bytes"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"sync"
	"testing"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/connpool"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/happyfish100/fastdfs-sub012/pkg/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeRegistry reports a single peer's lifecycle status.
type fakeRegistry struct {
	mu     sync.Mutex
	status ftype.StorageStatus
}

func (f *fakeRegistry) setStatus(s ftype.StorageStatus) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.status = s
}

func (f *fakeRegistry) Storage(id string) (*ftype.StorageServer, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.status == ftype.StorageNone {
		return nil, ferr.NotFound
	}
	return &ftype.StorageServer{ID: id, Status: f.status}, nil
}

// fakePeer accepts one connection at a time and records every command
// it receives, acknowledging each with a success response.
type fakePeer struct {
	mu        sync.Mutex
	truncates int
	recvLines []string

	ln net.Listener
}

func newFakePeer(t *testing.T) *fakePeer {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	p := &fakePeer{ln: ln}
	go p.acceptLoop()
	t.Cleanup(func() { ln.Close() })
	return p
}

func (p *fakePeer) acceptLoop() {
	for {
		c, err := p.ln.Accept()
		if err != nil {
			return
		}
		go p.serve(c)
	}
}

func (p *fakePeer) serve(c net.Conn) {
	conn := frame.NewConn(c, 5*time.Second, 0)
	defer conn.Close()
	for {
		cmd, body, err := conn.RecvRequest()
		if err != nil {
			return
		}
		switch cmd {
		case proto.CmdTruncateBinlogFile:
			p.mu.Lock()
			p.truncates++
			p.mu.Unlock()
		case proto.CmdSyncBinlog:
			p.mu.Lock()
			for _, line := range bytes.Split(bytes.TrimRight(body, "\n"), []byte("\n")) {
				if len(line) > 0 {
					p.recvLines = append(p.recvLines, string(line))
				}
			}
			p.mu.Unlock()
		case proto.CmdActiveTest:
			// no state to record
		}
		if err := conn.SendResponse(0, nil); err != nil {
			return
		}
	}
}

func (p *fakePeer) key(t *testing.T) connpool.Key {
	t.Helper()
	host, portStr, err := net.SplitHostPort(p.ln.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return connpool.Key{Host: host, Port: port}
}

func (p *fakePeer) lines() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.recvLines))
	copy(out, p.recvLines)
	return out
}

func (p *fakePeer) truncateCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.truncates
}

func writeBinlog(t *testing.T, path string, lines ...string) {
	t.Helper()
	var buf bytes.Buffer
	for _, l := range lines {
		buf.WriteString(l)
		buf.WriteByte('\n')
	}
	require.NoError(t, os.WriteFile(path, buf.Bytes(), 0644))
}

func testConfig(dir string, peer connpool.Key) Config {
	cfg := DefaultConfig()
	cfg.Peer = peer
	cfg.BinlogPath = filepath.Join(dir, "binlog")
	cfg.MarkPath = filepath.Join(dir, "peer.mark")
	cfg.HeartbeatInterval = time.Hour // don't fire active-test during these tests
	cfg.MinBackoff = 10 * time.Millisecond
	cfg.MaxBackoff = 50 * time.Millisecond
	return cfg
}

func TestWorkerSyncsRecordsInOrderAndAnnouncesTruncate(t *testing.T) {
	dir := t.TempDir()
	peer := newFakePeer(t)
	writeBinlog(t, filepath.Join(dir, "binlog"), "upload a", "upload b", "delete c")

	pool := connpool.New(connpool.DefaultConfig())
	defer pool.Stop()
	reg := &fakeRegistry{status: ftype.StorageActive}

	cfg := testConfig(dir, peer.key(t))
	cfg.PeerID = "storage-1"
	w, err := NewWorker(cfg, pool, reg)
	require.NoError(t, err)
	w.Start()
	defer w.Stop(time.Second)

	require.Eventually(t, func() bool {
		return len(peer.lines()) == 3
	}, 2*time.Second, 10*time.Millisecond)

	assert.Equal(t, []string{"upload a", "upload b", "delete c"}, peer.lines())
	assert.Equal(t, 1, peer.truncateCount())

	fi, err := os.Stat(filepath.Join(dir, "binlog"))
	require.NoError(t, err)
	require.Eventually(t, func() bool {
		return w.Offset() == fi.Size()
	}, time.Second, 10*time.Millisecond)
}

func TestWorkerExitsWhenPeerGone(t *testing.T) {
	dir := t.TempDir()
	peer := newFakePeer(t)
	writeBinlog(t, filepath.Join(dir, "binlog"), "upload a")

	pool := connpool.New(connpool.DefaultConfig())
	defer pool.Stop()
	reg := &fakeRegistry{status: ftype.StorageDeleted}

	cfg := testConfig(dir, peer.key(t))
	cfg.PeerID = "storage-gone"
	w, err := NewWorker(cfg, pool, reg)
	require.NoError(t, err)
	w.Start()

	select {
	case <-w.doneCh:
	case <-time.After(time.Second):
		t.Fatal("worker did not exit after peer left the cluster")
	}
}

func TestWorkerResetOffsetReannounces(t *testing.T) {
	dir := t.TempDir()
	peer := newFakePeer(t)
	writeBinlog(t, filepath.Join(dir, "binlog"), "upload a")

	pool := connpool.New(connpool.DefaultConfig())
	defer pool.Stop()
	reg := &fakeRegistry{status: ftype.StorageActive}

	cfg := testConfig(dir, peer.key(t))
	cfg.PeerID = "storage-2"
	w, err := NewWorker(cfg, pool, reg)
	require.NoError(t, err)
	w.Start()
	defer w.Stop(time.Second)

	require.Eventually(t, func() bool {
		return peer.truncateCount() == 1 && len(peer.lines()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	w.ResetOffset()

	require.Eventually(t, func() bool {
		return peer.truncateCount() == 2
	}, 2*time.Second, 10*time.Millisecond)
	// The rewound worker ships the binlog again from offset 0.
	assert.Eventually(t, func() bool {
		return len(peer.lines()) == 2 && w.Offset() == int64(len("upload a\n"))
	}, 2*time.Second, 10*time.Millisecond)
}

func TestSetEnsureIsIdempotentAndRemoveStops(t *testing.T) {
	dir := t.TempDir()
	peer := newFakePeer(t)
	writeBinlog(t, filepath.Join(dir, "binlog"))

	pool := connpool.New(connpool.DefaultConfig())
	defer pool.Stop()
	reg := &fakeRegistry{status: ftype.StorageActive}

	set := NewSet()
	cfg := testConfig(dir, peer.key(t))
	require.NoError(t, set.Ensure("storage-3", cfg, pool, reg))
	require.NoError(t, set.Ensure("storage-3", cfg, pool, reg))
	assert.Len(t, set.Peers(), 1)

	set.Remove("storage-3")
	assert.Empty(t, set.Peers())
}
