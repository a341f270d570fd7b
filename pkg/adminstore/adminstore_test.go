package adminstore

import (
	"testing"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	groups   []*ftype.Group
	storages []*ftype.StorageServer
}

func (f *fakeRegistry) ListGroups() []*ftype.Group             { return f.groups }
func (f *fakeRegistry) ListAllStorages() []*ftype.StorageServer { return f.storages }

func TestRebuildAndList(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	reg := &fakeRegistry{
		groups: []*ftype.Group{
			{Name: "group1", StorePathCount: 2},
			{Name: "group2", StorePathCount: 1},
		},
		storages: []*ftype.StorageServer{
			{ID: "s1", Group: "group1", Status: ftype.StorageActive},
			{ID: "s2", Group: "group2", Status: ftype.StorageOnline},
		},
	}
	require.NoError(t, s.Rebuild(reg))

	groups, err := s.ListGroups()
	require.NoError(t, err)
	assert.Len(t, groups, 2)

	g, err := s.Group("group1")
	require.NoError(t, err)
	assert.Equal(t, 2, g.StorePathCount)

	storages, err := s.ListStorages("group2")
	require.NoError(t, err)
	require.Len(t, storages, 1)
	assert.Equal(t, "s2", storages[0].ID)

	all, err := s.ListAllStorages()
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestGroupNotFound(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	_, err = s.Group("nope")
	assert.ErrorIs(t, err, ferr.NotFound)
}

func TestPutDeleteGroup(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutGroup(&ftype.Group{Name: "g1"}))
	g, err := s.Group("g1")
	require.NoError(t, err)
	assert.Equal(t, "g1", g.Name)

	require.NoError(t, s.DeleteGroup("g1"))
	_, err = s.Group("g1")
	assert.ErrorIs(t, err, ferr.NotFound)
}

func TestPutDeleteStorage(t *testing.T) {
	s, err := Open(t.TempDir())
	require.NoError(t, err)
	defer s.Close()

	require.NoError(t, s.PutStorage(&ftype.StorageServer{ID: "s1", Group: "g1"}))
	storages, err := s.ListStorages("g1")
	require.NoError(t, err)
	require.Len(t, storages, 1)

	require.NoError(t, s.DeleteStorage("s1"))
	storages, err = s.ListStorages("g1")
	require.NoError(t, err)
	assert.Empty(t, storages)
}
