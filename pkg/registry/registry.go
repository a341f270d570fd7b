// Package registry implements the tracker-side group registry (spec
// §4.4): an in-memory model of groups and their storage servers, guarded
// by a single reader-writer lock, with every mutation appended to a
// changelog and the whole model periodically snapshotted to disk.
package registry

import (
	"fmt"
	"sync"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
)

// Registry is the single source of truth for cluster membership on one
// tracker. Trackers do not share a registry process, and registries are
// not replicated between trackers (pkg/trackerpeer only elects a leader);
// each is fed by its storage servers' heartbeats, never via a consensus
// log (spec §1 Non-goals).
type Registry struct {
	mu sync.RWMutex

	groups   map[string]*ftype.Group
	storages map[string]*ftype.StorageServer // keyed by storage ID

	changelog []ftype.ChangeLogEntry
	nextSeq   int64

	leader    bool
	peerCount int
}

// New creates an empty Registry. Callers that need persistence load a
// snapshot into it afterward via Load (pkg/registry/persist.go).
func New() *Registry {
	return &Registry{
		groups:   make(map[string]*ftype.Group),
		storages: make(map[string]*ftype.StorageServer),
	}
}

// SetLeader records whether this tracker currently holds the
// leader-elected-serializer role (pkg/trackerpeer drives this).
func (r *Registry) SetLeader(leader bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.leader = leader
}

// IsLeader reports whether this tracker is currently the leader.
func (r *Registry) IsLeader() bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.leader
}

// SetPeerCount records the number of configured tracker peers, for
// metrics and quorum-free liveness reporting.
func (r *Registry) SetPeerCount(n int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peerCount = n
}

// PeerCount returns the configured tracker peer count.
func (r *Registry) PeerCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.peerCount
}

// GroupCount returns the number of groups known to this registry.
func (r *Registry) GroupCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.groups)
}

// StorageCountByStatus returns group -> status string -> count, for the
// metrics collector.
func (r *Registry) StorageCountByStatus() map[string]map[string]int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	out := make(map[string]map[string]int)
	for _, s := range r.storages {
		if out[s.Group] == nil {
			out[s.Group] = make(map[string]int)
		}
		out[s.Group][s.Status.String()]++
	}
	return out
}

// appendChangelogLocked records a mutation and returns its assigned sequence
// number. Callers hold r.mu for write already; appendChangelogLocked assumes
// that and does not lock itself.
func (r *Registry) appendChangelogLocked(storageID string, before, after ftype.StorageStatus) ftype.ChangeLogEntry {
	r.nextSeq++
	entry := ftype.ChangeLogEntry{
		Seq:       r.nextSeq,
		Timestamp: time.Now().Unix(),
		StorageID: storageID,
		Before:    before,
		After:     after,
	}
	r.changelog = append(r.changelog, entry)
	return entry
}

// Changelog returns every changelog entry with Seq > afterSeq, in order;
// used by tracker peer replication to catch a peer up (spec §4.4).
func (r *Registry) Changelog(afterSeq int64) []ftype.ChangeLogEntry {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []ftype.ChangeLogEntry
	for _, e := range r.changelog {
		if e.Seq > afterSeq {
			out = append(out, e)
		}
	}
	return out
}

// AddGroup registers a new, empty group. It is idempotent: adding a group
// that already exists with the same store-path count is a no-op.
func (r *Registry) AddGroup(name string, storePathCount int) (*ftype.Group, error) {
	if len(name) == 0 || len(name) > ftype.GroupNameMaxLen {
		return nil, fmt.Errorf("group name %q exceeds %d bytes: %w", name, ftype.GroupNameMaxLen, ferr.Protocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.groups[name]; ok {
		return g, nil
	}
	g := &ftype.Group{Name: name, StorePathCount: storePathCount}
	r.groups[name] = g
	return g, nil
}

// DeleteGroup removes a group. Per spec §9's flagged open question ("the
// source's tracker_delete_group does not appear to check that the group
// is empty"), this implementation chooses to enforce the safer behavior:
// refuse deletion while the group still has members.
func (r *Registry) DeleteGroup(name string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[name]
	if !ok {
		return fmt.Errorf("group %q: %w", name, ferr.NotFound)
	}
	if len(g.StoreIDs) > 0 {
		return fmt.Errorf("group %q still has %d storage members: %w", name, len(g.StoreIDs), ferr.Busy)
	}
	delete(r.groups, name)
	return nil
}

// Group returns a group by name.
func (r *Registry) Group(name string) (*ftype.Group, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	g, ok := r.groups[name]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", name, ferr.NotFound)
	}
	cp := *g
	cp.StoreIDs = append([]string(nil), g.StoreIDs...)
	return &cp, nil
}

// ListGroups returns every group, in no particular order.
func (r *Registry) ListGroups() []*ftype.Group {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ftype.Group, 0, len(r.groups))
	for _, g := range r.groups {
		cp := *g
		cp.StoreIDs = append([]string(nil), g.StoreIDs...)
		out = append(out, &cp)
	}
	return out
}

// ListStorages returns every storage server in a group, in join order.
func (r *Registry) ListStorages(group string) ([]*ftype.StorageServer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[group]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", group, ferr.NotFound)
	}
	out := make([]*ftype.StorageServer, 0, len(g.StoreIDs))
	for _, id := range g.StoreIDs {
		if s, ok := r.storages[id]; ok {
			out = append(out, s)
		}
	}
	return out, nil
}

// ListAllStorages returns every storage server known to the registry
// across every group.
func (r *Registry) ListAllStorages() []*ftype.StorageServer {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]*ftype.StorageServer, 0, len(r.storages))
	for _, s := range r.storages {
		out = append(out, s)
	}
	return out
}

// Storage returns one storage server by ID.
func (r *Registry) Storage(id string) (*ftype.StorageServer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.storages[id]
	if !ok {
		return nil, fmt.Errorf("storage %q: %w", id, ferr.NotFound)
	}
	return s, nil
}
