package storaged

import (
	"net"
	"strconv"
	"testing"

	"github.com/happyfish100/fastdfs-sub012/pkg/connpool"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/fileid"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/happyfish100/fastdfs-sub012/pkg/proto"
	"github.com/stretchr/testify/require"
)

// wireAsPeers makes replica aware of source as a sync partner: a peer
// entry pointing at source's bound address, keyed by source's storage
// id, the same shape reconcilePeers builds from a LIST_STORAGE reply.
func wireAsPeers(t *testing.T, replica, source *Server) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(source.listener.Addr().String())
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)

	replica.mu.Lock()
	replica.peers[source.cfg.StorageID] = peerInfo{
		ID:     source.cfg.StorageID,
		Addr:   connpool.Key{Host: host, Port: port},
		Status: ftype.StorageActive,
	}
	replica.mu.Unlock()
}

func TestReplayFileContentFetchesCurrentBytesFromSource(t *testing.T) {
	source := newTestServer(t)
	replica := newTestServer(t)
	wireAsPeers(t, replica, source)

	conn := dial(t, source)
	payload := []byte("replicate me")
	require.NoError(t, conn.SendRequest(proto.CmdUploadFile, uploadBody(0, "txt", payload)))
	_, resp, err := conn.RecvResponse(0)
	require.NoError(t, err)
	name := string(resp[:indexZero(resp)])

	rec := ftype.StorageBinlogRecord{Op: ftype.OpUpload, Group: source.cfg.Group, Filename: name, SourceID: source.cfg.StorageID}
	require.NoError(t, replica.applyStorageSyncLine(ftype.EncodeStorageBinlogRecord(rec)))

	id, err := fileid.Parse(name)
	require.NoError(t, err)
	store, err := replica.storeFor(id.PathIndex)
	require.NoError(t, err)
	f, err := store.Open(id.SubHigh, id.SubLow, name)
	require.NoError(t, err)
	defer f.Close()
}

func TestReplayDeleteIsIdempotent(t *testing.T) {
	source := newTestServer(t)
	replica := newTestServer(t)
	wireAsPeers(t, replica, source)

	conn := dial(t, source)
	require.NoError(t, conn.SendRequest(proto.CmdUploadFile, uploadBody(0, "txt", []byte("gone soon"))))
	_, resp, err := conn.RecvResponse(0)
	require.NoError(t, err)
	name := string(resp[:indexZero(resp)])

	rec := ftype.StorageBinlogRecord{Op: ftype.OpUpload, Group: source.cfg.Group, Filename: name, SourceID: source.cfg.StorageID}
	require.NoError(t, replica.applyStorageSyncLine(ftype.EncodeStorageBinlogRecord(rec)))

	delRec := ftype.StorageBinlogRecord{Op: ftype.OpDelete, Group: source.cfg.Group, Filename: name, SourceID: source.cfg.StorageID}
	require.NoError(t, replica.applyStorageSyncLine(ftype.EncodeStorageBinlogRecord(delRec)))
	// Replaying the same delete again must stay a no-op.
	require.NoError(t, replica.applyStorageSyncLine(ftype.EncodeStorageBinlogRecord(delRec)))
}

func TestHandleSyncBinlogDispatchesByFieldCount(t *testing.T) {
	source := newTestServer(t)
	replica := newTestServer(t)
	wireAsPeers(t, replica, source)
	activateTrunkServer(t, replica)

	conn := dial(t, source)
	require.NoError(t, conn.SendRequest(proto.CmdUploadFile, uploadBody(0, "txt", []byte("mixed batch"))))
	_, resp, err := conn.RecvResponse(0)
	require.NoError(t, err)
	name := string(resp[:indexZero(resp)])

	storageRec := ftype.StorageBinlogRecord{Op: ftype.OpUpload, Group: source.cfg.Group, Filename: name, SourceID: source.cfg.StorageID}
	trunkRec := ftype.TrunkBinlogRecord{Op: ftype.TrunkAddSpace, PathIndex: 0, SubPathHigh: 1, SubPathLow: 2, TrunkFileID: 99, Offset: 0, Size: 4096}

	body := []byte(ftype.EncodeStorageBinlogRecord(storageRec) + "\n" + ftype.EncodeTrunkBinlogRecord(trunkRec) + "\n")
	_, err = replica.handleSyncBinlog(body)
	require.NoError(t, err)
}

func TestHandleSyncBinlogRejectsMalformedLine(t *testing.T) {
	replica := newTestServer(t)
	_, err := replica.handleSyncBinlog([]byte("not a real binlog line at all\n"))
	require.Error(t, err)
	require.True(t, ferr.Is(err, ferr.Protocol))
}

func TestApplyTrunkSyncLineRequiresTrunkRole(t *testing.T) {
	replica := newTestServer(t)
	rec := ftype.TrunkBinlogRecord{Op: ftype.TrunkAddSpace, PathIndex: 0, SubPathHigh: 1, SubPathLow: 2, TrunkFileID: 1, Offset: 0, Size: 4096}
	err := replica.applyTrunkSyncLine(ftype.EncodeTrunkBinlogRecord(rec))
	require.Error(t, err)
	require.True(t, ferr.Is(err, ferr.InvalidState))
}

func TestHandleTruncateBinlogFileAcknowledges(t *testing.T) {
	replica := newTestServer(t)
	resp, err := replica.handleTruncateBinlogFile([]byte("storage-1"))
	require.NoError(t, err)
	require.Nil(t, resp)
}

func TestActiveTestRequestSucceeds(t *testing.T) {
	srv := newTestServer(t)
	conn := dial(t, srv)
	require.NoError(t, conn.SendRequest(proto.CmdActiveTest, nil))
	status, _, err := conn.RecvResponse(0)
	require.NoError(t, err)
	require.Equal(t, byte(0), status)
}
