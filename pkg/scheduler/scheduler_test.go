package scheduler

import (
	"fmt"
	"testing"

	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	groups   map[string]*ftype.Group
	storages map[string][]*ftype.StorageServer
}

func newFakeRegistry() *fakeRegistry {
	return &fakeRegistry{
		groups:   make(map[string]*ftype.Group),
		storages: make(map[string][]*ftype.StorageServer),
	}
}

func (f *fakeRegistry) addGroup(name string, storages ...*ftype.StorageServer) {
	f.groups[name] = &ftype.Group{Name: name}
	f.storages[name] = storages
}

func (f *fakeRegistry) ListGroups() []*ftype.Group {
	out := make([]*ftype.Group, 0, len(f.groups))
	for _, g := range f.groups {
		out = append(out, g)
	}
	return out
}

func (f *fakeRegistry) ListStorages(group string) ([]*ftype.StorageServer, error) {
	return f.storages[group], nil
}

func (f *fakeRegistry) Group(name string) (*ftype.Group, error) {
	g, ok := f.groups[name]
	if !ok {
		return nil, fmt.Errorf("group not found: %s", name)
	}
	return g, nil
}

func activeServer(id string, freeMB, totalMB int64) *ftype.StorageServer {
	return &ftype.StorageServer{
		ID:     id,
		Status: ftype.StorageActive,
		StorePaths: []ftype.StorePath{
			{Index: 0, Path: "/data0", TotalMB: totalMB, FreeMB: freeMB},
		},
	}
}

func TestSelectGroupExplicit(t *testing.T) {
	reg := newFakeRegistry()
	reg.addGroup("group1", activeServer("s1", 10000, 100000))

	s := NewScheduler(reg)
	g, err := s.SelectGroup(GroupRoundRobin, "group1")
	require.NoError(t, err)
	assert.Equal(t, "group1", g.Name)
}

func TestSelectGroupExplicitNotWritable(t *testing.T) {
	reg := newFakeRegistry()
	reg.addGroup("group1", activeServer("s1", 0, 100000))

	s := NewScheduler(reg)
	_, err := s.SelectGroup(GroupRoundRobin, "group1")
	assert.Error(t, err)
}

func TestSelectGroupMostFree(t *testing.T) {
	reg := newFakeRegistry()
	reg.addGroup("small", activeServer("s1", 5000, 100000))
	reg.addGroup("big", activeServer("s2", 50000, 100000))

	s := NewScheduler(reg)
	g, err := s.SelectGroup(GroupMostFree, "")
	require.NoError(t, err)
	assert.Equal(t, "big", g.Name)
}

func TestSelectGroupReservedSpaceBoundary(t *testing.T) {
	reg := newFakeRegistry()
	reserved := ftype.DefaultReservedMB
	reg.addGroup("low", activeServer("s1", reserved-1, 10000))
	reg.addGroup("high", activeServer("s2", reserved+1, 10000))

	s := NewScheduler(reg)
	counts := map[string]int{}
	for i := 0; i < 1000; i++ {
		g, err := s.SelectGroup(GroupRoundRobin, "")
		require.NoError(t, err)
		counts[g.Name]++
	}
	assert.Equal(t, 1000, counts["high"])
	assert.Equal(t, 0, counts["low"])
}

func TestSelectGroupRoundRobin(t *testing.T) {
	reg := newFakeRegistry()
	reg.addGroup("a", activeServer("s1", 10000, 100000))
	reg.addGroup("b", activeServer("s2", 10000, 100000))

	s := NewScheduler(reg)
	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		g, err := s.SelectGroup(GroupRoundRobin, "")
		require.NoError(t, err)
		seen[g.Name]++
	}
	assert.Equal(t, 2, seen["a"])
	assert.Equal(t, 2, seen["b"])
}

func TestSelectWriteServerSkipsNonActiveAndAdvancesIndex(t *testing.T) {
	reg := newFakeRegistry()
	inactive := activeServer("s1", 10000, 100000)
	inactive.Status = ftype.StorageOffline
	active1 := activeServer("s2", 10000, 100000)
	active2 := activeServer("s3", 10000, 100000)
	reg.addGroup("group1", inactive, active1, active2)

	s := NewScheduler(reg)
	group := reg.groups["group1"]

	got, err := s.SelectWriteServer(group)
	require.NoError(t, err)
	assert.Equal(t, "s2", got.ID)
	assert.Equal(t, 2, group.CurrentWriteServer)

	got, err = s.SelectWriteServer(group)
	require.NoError(t, err)
	assert.Equal(t, "s3", got.ID)
}

func TestSelectStorePathPicksWritable(t *testing.T) {
	st := &ftype.StorageServer{
		ID: "s1",
		StorePaths: []ftype.StorePath{
			{Index: 0, TotalMB: 100000, FreeMB: 0},
			{Index: 1, TotalMB: 100000, FreeMB: 50000},
		},
	}
	s := NewScheduler(newFakeRegistry())
	p, err := s.SelectStorePath(st, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, p.Index)
}

func TestSelectStorePathNoneWritable(t *testing.T) {
	st := &ftype.StorageServer{
		ID: "s1",
		StorePaths: []ftype.StorePath{
			{Index: 0, TotalMB: 100000, FreeMB: 0},
		},
	}
	s := NewScheduler(newFakeRegistry())
	_, err := s.SelectStorePath(st, 0)
	assert.Error(t, err)
}
