package storaged

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/binlog"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/proto"
	"github.com/happyfish100/fastdfs-sub012/pkg/syncengine"
	"github.com/happyfish100/fastdfs-sub012/pkg/trunk"
	"github.com/happyfish100/fastdfs-sub012/pkg/trunkbinlog"
	"github.com/happyfish100/fastdfs-sub012/pkg/trunkcontainer"
	"github.com/stretchr/testify/require"
)

// activateTrunkServer wires a trunkState directly, bypassing the
// tracker-driven reconcilePeers path that normally activates it, so
// trunk command handlers can be exercised in isolation.
func activateTrunkServer(t *testing.T, srv *Server) {
	t.Helper()
	binlogPath := filepath.Join(srv.cfg.DataDir, "trunk_binlog.dat")
	snapshotPath := filepath.Join(srv.cfg.DataDir, "storage_trunk.dat")

	index, err := trunkbinlog.LoadIndex(binlogPath, snapshotPath, srv.cfg.SlotMin, srv.cfg.Alignment)
	require.NoError(t, err)
	binlogW, err := binlog.OpenWriter(binlogPath)
	require.NoError(t, err)
	t.Cleanup(func() { binlogW.Close() })

	creators := map[int]*trunkcontainer.Creator{
		0: trunkcontainer.NewCreator(srv.cfg.StorePaths[0].Root, 0, srv.cfg.TrunkFileSize, int64(index.MaxTrunkFileID(0))),
	}
	ts := &trunkState{
		index:    index,
		binlogW:  binlogW,
		appender: trunkbinlog.NewAppender(binlogW),
		creators: creators,
		syncSet:  syncengine.NewSet(),
		clock:    func() int64 { return time.Now().Unix() },
	}
	ts.alloc = trunk.NewAllocator(index, ts.appender, allCreators{byPath: creators}, srv.cfg.TrunkFileSize)

	srv.mu.Lock()
	srv.trunk = ts
	srv.isTrunkServer = true
	srv.mu.Unlock()
}

func TestTrunkAllocConfirmFreeRoundTrip(t *testing.T) {
	srv := newTestServer(t)
	activateTrunkServer(t, srv)
	conn := dial(t, srv)

	var allocBody []byte
	allocBody = frame.PackInt32(allocBody, 0)
	allocBody = frame.PackInt64(allocBody, 1024)
	require.NoError(t, conn.SendRequest(proto.CmdTrunkAllocSpace, allocBody))
	status, resp, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)

	info, rest, err := decodeTrunkFullInfo(resp)
	require.NoError(t, err)
	require.Empty(t, rest)
	require.Equal(t, int64(1024), info.Size)

	confirmBody := append(encodeTrunkFullInfo(info), 0) // 0 = success
	require.NoError(t, conn.SendRequest(proto.CmdTrunkAllocConfirm, confirmBody))
	status, _, err = conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)

	before := srv.trunk.index.TotalFree()

	freeBody := encodeTrunkFullInfo(info)
	require.NoError(t, conn.SendRequest(proto.CmdTrunkFreeSpace, freeBody))
	status, _, err = conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)

	require.Equal(t, before+1024, srv.trunk.index.TotalFree())
}

func TestTrunkCommandsRejectedWithoutTrunkRole(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv)

	var allocBody []byte
	allocBody = frame.PackInt32(allocBody, 0)
	allocBody = frame.PackInt64(allocBody, 1024)
	require.NoError(t, conn.SendRequest(proto.CmdTrunkAllocSpace, allocBody))
	status, _, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.NotEqual(t, byte(0), status)
}

func TestTrunkAllocRollsBackOnFailureStatus(t *testing.T) {
	srv := newTestServer(t)
	activateTrunkServer(t, srv)
	conn := dial(t, srv)

	before := srv.trunk.index.TotalFree()

	var allocBody []byte
	allocBody = frame.PackInt32(allocBody, 0)
	allocBody = frame.PackInt64(allocBody, 2048)
	require.NoError(t, conn.SendRequest(proto.CmdTrunkAllocSpace, allocBody))
	status, resp, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)
	info, _, err := decodeTrunkFullInfo(resp)
	require.NoError(t, err)

	confirmBody := append(encodeTrunkFullInfo(info), 2) // 2 = failed, roll back
	require.NoError(t, conn.SendRequest(proto.CmdTrunkAllocConfirm, confirmBody))
	status, _, err = conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)

	// Rolling back returns the block (plus a freshly created container's
	// leftover space) to the free pool; free space can only have grown.
	require.GreaterOrEqual(t, srv.trunk.index.TotalFree(), before)
}
