package reconciler

import (
	"testing"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	storages []*ftype.StorageServer
	offlined []string
}

func (f *fakeRegistry) ListAllStorages() []*ftype.StorageServer {
	return f.storages
}

func (f *fakeRegistry) MarkOffline(id string) error {
	f.offlined = append(f.offlined, id)
	for _, s := range f.storages {
		if s.ID == id {
			s.Status = ftype.StorageOffline
		}
	}
	return nil
}

func TestReconcileStoragesMarksStaleOffline(t *testing.T) {
	now := time.Now()
	reg := &fakeRegistry{
		storages: []*ftype.StorageServer{
			{ID: "fresh", Group: "group1", Status: ftype.StorageOnline, LastHeartbeat: now},
			{ID: "stale", Group: "group1", Status: ftype.StorageActive, LastHeartbeat: now.Add(-time.Hour)},
			{ID: "already-offline", Group: "group1", Status: ftype.StorageOffline, LastHeartbeat: now.Add(-time.Hour)},
			{ID: "deleted", Group: "group1", Status: ftype.StorageDeleted, LastHeartbeat: now.Add(-time.Hour)},
		},
	}

	r := NewReconciler(reg)
	r.StaleAfter = 30 * time.Second
	r.reconcileStorages()

	require.Len(t, reg.offlined, 1)
	assert.Equal(t, "stale", reg.offlined[0])
	assert.Equal(t, ftype.StorageOffline, reg.storages[1].Status)
	assert.Equal(t, ftype.StorageOnline, reg.storages[0].Status)
}

func TestReconcileStoragesNoneStale(t *testing.T) {
	now := time.Now()
	reg := &fakeRegistry{
		storages: []*ftype.StorageServer{
			{ID: "a", Group: "group1", Status: ftype.StorageOnline, LastHeartbeat: now},
			{ID: "b", Group: "group1", Status: ftype.StorageActive, LastHeartbeat: now.Add(-5 * time.Second)},
		},
	}

	r := NewReconciler(reg)
	r.StaleAfter = 30 * time.Second
	r.reconcileStorages()

	assert.Empty(t, reg.offlined)
}

func TestReconcileStoragesDefersOfflineWhenProberReports(t *testing.T) {
	now := time.Now()
	reg := &fakeRegistry{
		storages: []*ftype.StorageServer{
			{ID: "stale-but-reachable", Group: "group1", Status: ftype.StorageActive, IP: "127.0.0.1", Port: 23000, LastHeartbeat: now.Add(-time.Hour)},
		},
	}

	r := NewReconciler(reg)
	r.StaleAfter = 30 * time.Second
	r.Prober = func(addr string) bool {
		assert.Equal(t, "127.0.0.1:23000", addr)
		return true
	}
	r.reconcileStorages()

	assert.Empty(t, reg.offlined)
	assert.Equal(t, ftype.StorageActive, reg.storages[0].Status)
}

func TestReconcileStoragesOfflinesWhenProberFails(t *testing.T) {
	now := time.Now()
	reg := &fakeRegistry{
		storages: []*ftype.StorageServer{
			{ID: "stale-and-unreachable", Group: "group1", Status: ftype.StorageActive, IP: "127.0.0.1", Port: 23000, LastHeartbeat: now.Add(-time.Hour)},
		},
	}

	r := NewReconciler(reg)
	r.StaleAfter = 30 * time.Second
	r.Prober = func(addr string) bool { return false }
	r.reconcileStorages()

	require.Len(t, reg.offlined, 1)
	assert.Equal(t, "stale-and-unreachable", reg.offlined[0])
}

func TestStartStop(t *testing.T) {
	reg := &fakeRegistry{}
	r := NewReconciler(reg)
	r.Start()
	r.Stop()
}
