package registry

import (
	"testing"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAddGroupIsIdempotent(t *testing.T) {
	r := New()
	g1, err := r.AddGroup("group1", 4)
	require.NoError(t, err)
	g2, err := r.AddGroup("group1", 4)
	require.NoError(t, err)
	assert.Equal(t, g1.Name, g2.Name)
	assert.Equal(t, 1, r.GroupCount())
}

func TestDeleteGroupRefusesNonEmpty(t *testing.T) {
	r := New()
	_, err := r.JoinStorage("group1", "storage-1", "10.0.0.1", 23000, 1)
	require.NoError(t, err)

	err = r.DeleteGroup("group1")
	require.ErrorIs(t, err, ferr.Busy)
}

func TestDeleteGroupRemovesEmptyGroup(t *testing.T) {
	r := New()
	_, err := r.AddGroup("group1", 4)
	require.NoError(t, err)

	require.NoError(t, r.DeleteGroup("group1"))
	_, err = r.Group("group1")
	require.ErrorIs(t, err, ferr.NotFound)
}

func TestGroupAndListGroupsReturnCopies(t *testing.T) {
	r := New()
	_, err := r.JoinStorage("group1", "storage-1", "10.0.0.1", 23000, 1)
	require.NoError(t, err)

	g, err := r.Group("group1")
	require.NoError(t, err)
	g.StoreIDs[0] = "tampered"

	fresh, err := r.Group("group1")
	require.NoError(t, err)
	assert.Equal(t, "storage-1", fresh.StoreIDs[0], "mutating a returned copy must not affect the registry")
}

func TestJoinStorageThenHeartbeatActivatesFirstMember(t *testing.T) {
	r := New()
	st, err := r.JoinStorage("group1", "storage-1", "10.0.0.1", 23000, 1)
	require.NoError(t, err)
	assert.Equal(t, ftype.StorageInit, st.Status)

	require.NoError(t, r.Heartbeat("storage-1", "10.0.0.1", 23000, []ftype.StorePath{{Index: 0, TotalMB: 1000, FreeMB: 900}}))
	st, err = r.Storage("storage-1")
	require.NoError(t, err)
	assert.Equal(t, ftype.StorageWaitSync, st.Status)

	_, err = r.SyncSource("group1", "storage-1")
	require.ErrorIs(t, err, ferr.Exhausted, "lone member has no sync source yet")
	require.NoError(t, r.MarkActive("storage-1"))

	st, err = r.Storage("storage-1")
	require.NoError(t, err)
	assert.Equal(t, ftype.StorageActive, st.Status)
}

func TestJoinStorageIsIdempotentPerID(t *testing.T) {
	r := New()
	first, err := r.JoinStorage("group1", "storage-1", "10.0.0.1", 23000, 1)
	require.NoError(t, err)
	second, err := r.JoinStorage("group1", "storage-1", "10.0.0.9", 9999, 4)
	require.NoError(t, err)
	assert.Same(t, first, second, "rejoining an existing id returns the existing entry unchanged")
}

func TestHeartbeatFromUnknownStorageFails(t *testing.T) {
	r := New()
	err := r.Heartbeat("ghost", "10.0.0.1", 23000, nil)
	require.ErrorIs(t, err, ferr.InvalidState)
}

func TestHeartbeatRefreshesIPAndPaths(t *testing.T) {
	r := New()
	_, err := r.JoinStorage("group1", "storage-1", "10.0.0.1", 23000, 1)
	require.NoError(t, err)

	paths := []ftype.StorePath{{Index: 0, TotalMB: 500, FreeMB: 400}}
	require.NoError(t, r.Heartbeat("storage-1", "10.0.0.2", 24000, paths))

	st, err := r.Storage("storage-1")
	require.NoError(t, err)
	assert.Equal(t, "10.0.0.2", st.IP)
	assert.Equal(t, 24000, st.Port)
	assert.Equal(t, paths, st.StorePaths)
}

func TestReportIPChangedThenHeartbeatConfirmsActive(t *testing.T) {
	r := New()
	_, err := r.JoinStorage("group1", "storage-1", "10.0.0.1", 23000, 1)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat("storage-1", "10.0.0.1", 23000, nil))
	require.NoError(t, r.MarkActive("storage-1"))

	require.NoError(t, r.ReportIPChanged("storage-1", "10.0.0.9", 23001))
	st, err := r.Storage("storage-1")
	require.NoError(t, err)
	assert.Equal(t, ftype.StorageIPChanged, st.Status)
	assert.Equal(t, "10.0.0.9", st.IP)

	require.NoError(t, r.Heartbeat("storage-1", "10.0.0.9", 23001, nil))
	st, err = r.Storage("storage-1")
	require.NoError(t, err)
	assert.Equal(t, ftype.StorageActive, st.Status)
}

func TestSetGroupWriteServerPersists(t *testing.T) {
	r := New()
	_, err := r.AddGroup("group1", 1)
	require.NoError(t, err)

	require.NoError(t, r.SetGroupWriteServer("group1", 3))
	g, err := r.Group("group1")
	require.NoError(t, err)
	assert.Equal(t, 3, g.CurrentWriteServer)
}

func TestSetGroupWriteServerUnknownGroup(t *testing.T) {
	r := New()
	err := r.SetGroupWriteServer("nope", 1)
	require.ErrorIs(t, err, ferr.NotFound)
}

func TestDeleteStorageRefusesActiveOrOnline(t *testing.T) {
	r := New()
	_, err := r.JoinStorage("group1", "storage-1", "10.0.0.1", 23000, 1)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat("storage-1", "10.0.0.1", 23000, nil))
	require.NoError(t, r.MarkActive("storage-1"))

	err = r.DeleteStorage("storage-1")
	require.ErrorIs(t, err, ferr.Busy)

	require.NoError(t, r.MarkOffline("storage-1"))
	require.NoError(t, r.DeleteStorage("storage-1"))

	_, err = r.Storage("storage-1")
	require.ErrorIs(t, err, ferr.NotFound)
	g, err := r.Group("group1")
	require.NoError(t, err)
	assert.Empty(t, g.StoreIDs)
}

func TestSetTrunkServerRequiresActiveMember(t *testing.T) {
	r := New()
	_, err := r.JoinStorage("group1", "storage-1", "10.0.0.1", 23000, 1)
	require.NoError(t, err)

	err = r.SetTrunkServer("group1", "storage-1")
	require.ErrorIs(t, err, ferr.InvalidState, "storage is still INIT, not ACTIVE")

	require.NoError(t, r.Heartbeat("storage-1", "10.0.0.1", 23000, nil))
	require.NoError(t, r.MarkActive("storage-1"))
	require.NoError(t, r.SetTrunkServer("group1", "storage-1"))

	ts, err := r.TrunkServer("group1")
	require.NoError(t, err)
	assert.Equal(t, "storage-1", ts.ID)
	assert.True(t, ts.IsTrunkServer)
}

func TestTrunkServerUnassignedIsBusy(t *testing.T) {
	r := New()
	_, err := r.AddGroup("group1", 1)
	require.NoError(t, err)
	_, err = r.TrunkServer("group1")
	require.ErrorIs(t, err, ferr.Busy)
}

func TestSyncSourcePicksOldestActivePeerExcludingDest(t *testing.T) {
	r := New()
	_, err := r.JoinStorage("group1", "storage-1", "10.0.0.1", 23000, 1)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat("storage-1", "10.0.0.1", 23000, nil))
	require.NoError(t, r.MarkActive("storage-1"))

	_, err = r.JoinStorage("group1", "storage-2", "10.0.0.2", 23000, 1)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat("storage-2", "10.0.0.2", 23000, nil))

	src, err := r.SyncSource("group1", "storage-2")
	require.NoError(t, err)
	assert.Equal(t, "storage-1", src)

	require.NoError(t, r.MarkSyncing("storage-2", src))
	st, err := r.Storage("storage-2")
	require.NoError(t, err)
	assert.Equal(t, ftype.StorageSyncing, st.Status)
	assert.Equal(t, "storage-1", st.SourceStorageID)
}

func TestChangelogReturnsEntriesAfterSeq(t *testing.T) {
	r := New()
	_, err := r.JoinStorage("group1", "storage-1", "10.0.0.1", 23000, 1)
	require.NoError(t, err)
	require.NoError(t, r.Heartbeat("storage-1", "10.0.0.1", 23000, nil))
	require.NoError(t, r.MarkActive("storage-1"))

	all := r.Changelog(0)
	require.Len(t, all, 3) // NONE->INIT, INIT->WAIT_SYNC, WAIT_SYNC->ACTIVE

	tail := r.Changelog(all[0].Seq)
	assert.Len(t, tail, 2)
}

func TestLeaderAndPeerCount(t *testing.T) {
	r := New()
	assert.False(t, r.IsLeader())
	r.SetLeader(true)
	assert.True(t, r.IsLeader())

	r.SetPeerCount(3)
	assert.Equal(t, 3, r.PeerCount())
}

func TestStorageCountByStatus(t *testing.T) {
	r := New()
	_, err := r.JoinStorage("group1", "storage-1", "10.0.0.1", 23000, 1)
	require.NoError(t, err)
	_, err = r.JoinStorage("group1", "storage-2", "10.0.0.2", 23000, 1)
	require.NoError(t, err)

	counts := r.StorageCountByStatus()
	assert.Equal(t, 2, counts["group1"][ftype.StorageInit.String()])
}
