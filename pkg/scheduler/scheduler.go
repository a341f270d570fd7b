// Package scheduler implements the tracker's storage selection policy
// (spec §8 "Storage selection policy (upload routing)"): given an
// upload, pick a group and a writable storage server within it.
package scheduler

import (
	"fmt"
	"sort"
	"sync"

	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/happyfish100/fastdfs-sub012/pkg/log"
	"github.com/happyfish100/fastdfs-sub012/pkg/metrics"
	"github.com/rs/zerolog"
)

// GroupMode selects how Scheduler.SelectGroup picks among candidate
// groups (spec §8 "Group selection modes").
type GroupMode int

const (
	// GroupRoundRobin cycles through every writable group in turn.
	GroupRoundRobin GroupMode = iota
	// GroupMostFree picks the writable group with the most free space.
	GroupMostFree
)

// Registry is the subset of *registry.Registry the scheduler needs.
type Registry interface {
	ListGroups() []*ftype.Group
	ListStorages(group string) ([]*ftype.StorageServer, error)
	Group(name string) (*ftype.Group, error)
}

// Scheduler selects a group and writable storage server for uploads.
type Scheduler struct {
	registry Registry
	logger   zerolog.Logger

	mu            sync.Mutex
	groupRRIndex  int
	ReservedMB    int64   // absolute reserved-space floor per store path
	ReservedRatio float64 // reserved space as a fraction of a path's total
}

// NewScheduler creates a Scheduler over registry with the spec's default
// reserved-space thresholds (spec §8: "free_mb - pending_alloc >=
// max(reserved_mb, reserved_ratio * total_mb)").
func NewScheduler(registry Registry) *Scheduler {
	return &Scheduler{
		registry:      registry,
		logger:        log.WithComponent("scheduler"),
		ReservedMB:    ftype.DefaultReservedMB,
		ReservedRatio: ftype.DefaultReservedRatio,
	}
}

// reservedThreshold returns the minimum free MB a store path must retain
// to accept writes.
func (s *Scheduler) reservedThreshold(totalMB int64) int64 {
	ratioFloor := int64(float64(totalMB) * s.ReservedRatio)
	if ratioFloor > s.ReservedMB {
		return ratioFloor
	}
	return s.ReservedMB
}

// pathWritable reports whether a store path has free space at or above
// the reserved threshold.
func (s *Scheduler) pathWritable(p ftype.StorePath) bool {
	return p.FreeMB-s.reservedThreshold(p.TotalMB) >= 0
}

// groupWritable reports whether a group has at least one store path,
// on any active member, at or above the reserved threshold.
func (s *Scheduler) groupWritable(storages []*ftype.StorageServer) bool {
	for _, st := range storages {
		if st.Status != ftype.StorageActive {
			continue
		}
		for _, p := range st.StorePaths {
			if s.pathWritable(p) {
				return true
			}
		}
	}
	return false
}

// SelectGroup picks a group to route an upload to, per mode. explicit,
// when non-empty, always wins (spec §8 mode (b)).
func (s *Scheduler) SelectGroup(mode GroupMode, explicit string) (*ftype.Group, error) {
	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.StorageSelectionLatency)

	if explicit != "" {
		g, err := s.registry.Group(explicit)
		if err != nil {
			metrics.StorageSelectionsTotal.WithLabelValues(explicit, "not_found").Inc()
			return nil, fmt.Errorf("group %q: %w", explicit, err)
		}
		storages, err := s.registry.ListStorages(explicit)
		if err != nil || !s.groupWritable(storages) {
			metrics.StorageSelectionsTotal.WithLabelValues(explicit, "not_writable").Inc()
			return nil, fmt.Errorf("group %q has no writable storage", explicit)
		}
		metrics.StorageSelectionsTotal.WithLabelValues(explicit, "selected").Inc()
		return g, nil
	}

	groups := s.registry.ListGroups()
	sort.Slice(groups, func(i, j int) bool { return groups[i].Name < groups[j].Name })
	var writable []*ftype.Group
	var writableStorages [][]*ftype.StorageServer
	for _, g := range groups {
		storages, err := s.registry.ListStorages(g.Name)
		if err != nil {
			continue
		}
		if s.groupWritable(storages) {
			writable = append(writable, g)
			writableStorages = append(writableStorages, storages)
		}
	}
	if len(writable) == 0 {
		metrics.StorageSelectionsTotal.WithLabelValues("", "exhausted").Inc()
		return nil, fmt.Errorf("no writable group available")
	}

	switch mode {
	case GroupMostFree:
		best := 0
		bestFree := groupFreeMB(writableStorages[0])
		for i := 1; i < len(writable); i++ {
			free := groupFreeMB(writableStorages[i])
			if free > bestFree {
				best, bestFree = i, free
			}
		}
		metrics.StorageSelectionsTotal.WithLabelValues(writable[best].Name, "selected").Inc()
		return writable[best], nil
	default: // GroupRoundRobin
		s.mu.Lock()
		idx := s.groupRRIndex % len(writable)
		s.groupRRIndex++
		s.mu.Unlock()
		metrics.StorageSelectionsTotal.WithLabelValues(writable[idx].Name, "selected").Inc()
		return writable[idx], nil
	}
}

// groupFreeMB is the minimum per-storage free MB among active members,
// matching the group capacity invariant (spec §3: "a group's capacity
// equals the minimum capacity among its active members").
func groupFreeMB(storages []*ftype.StorageServer) int64 {
	var min int64 = -1
	for _, st := range storages {
		if st.Status != ftype.StorageActive {
			continue
		}
		free := st.FreeMB()
		if min == -1 || free < min {
			min = free
		}
	}
	if min == -1 {
		return 0
	}
	return min
}

// SelectWriteServer picks the next writable ACTIVE storage server within
// a group, round-robin starting from Group.CurrentWriteServer (spec §8
// "Within-group write server").
func (s *Scheduler) SelectWriteServer(group *ftype.Group) (*ftype.StorageServer, error) {
	storages, err := s.registry.ListStorages(group.Name)
	if err != nil {
		return nil, fmt.Errorf("listing storages for group %q: %w", group.Name, err)
	}
	if len(storages) == 0 {
		return nil, fmt.Errorf("group %q has no storage members", group.Name)
	}

	start := group.CurrentWriteServer
	for i := 0; i < len(storages); i++ {
		idx := (start + i) % len(storages)
		st := storages[idx]
		if st.Status != ftype.StorageActive {
			continue
		}
		if !s.groupWritable([]*ftype.StorageServer{st}) {
			continue
		}
		group.CurrentWriteServer = (idx + 1) % len(storages)
		return st, nil
	}
	return nil, fmt.Errorf("group %q has no writable ACTIVE storage server", group.Name)
}

// SelectStorePath picks the next writable store path on a storage
// server, round-robin across paths that pass the reserved-space check
// (spec §8 "Store-path index").
func (s *Scheduler) SelectStorePath(st *ftype.StorageServer, startIndex int) (ftype.StorePath, error) {
	if len(st.StorePaths) == 0 {
		return ftype.StorePath{}, fmt.Errorf("storage %q has no store paths", st.ID)
	}
	for i := 0; i < len(st.StorePaths); i++ {
		idx := (startIndex + i) % len(st.StorePaths)
		p := st.StorePaths[idx]
		if s.pathWritable(p) {
			return p, nil
		}
	}
	return ftype.StorePath{}, fmt.Errorf("storage %q has no writable store path", st.ID)
}
