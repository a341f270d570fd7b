package registry

import (
	"fmt"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
)

// JoinStorage registers a new storage server in a group, or returns the
// existing entry if this storage id already joined (the group argument is
// not compared) (spec §4.4's
// state machine starts every new member at INIT). The group is created
// if it does not yet exist.
func (r *Registry) JoinStorage(group, id, ip string, port int, storePathCount int) (*ftype.StorageServer, error) {
	if len(id) > ftype.StorageIDMaxSize {
		return nil, fmt.Errorf("storage id %q exceeds %d bytes: %w", id, ftype.StorageIDMaxSize, ferr.Protocol)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if s, ok := r.storages[id]; ok {
		return s, nil
	}

	g, ok := r.groups[group]
	if !ok {
		g = &ftype.Group{Name: group, StorePathCount: storePathCount}
		r.groups[group] = g
	}

	now := time.Now()
	s := &ftype.StorageServer{
		ID:            id,
		IP:            ip,
		Port:          port,
		Group:         group,
		Status:        ftype.StorageInit,
		JoinTime:      now,
		LastHeartbeat: now,
		LastSyncedAt:  make(map[string]time.Time),
	}
	r.storages[id] = s
	g.StoreIDs = append(g.StoreIDs, id)
	g.LastChangeSeq = r.nextSeq + 1

	r.appendChangelogLocked(id, ftype.StorageNone, ftype.StorageInit)
	return s, nil
}

// Heartbeat applies a storage server's periodic report: refreshes
// LastHeartbeat, IP/port and store-path capacity, and advances
// INIT storages to WAIT_SYNC and OFFLINE storages to ONLINE (spec §4.4, §4.5). A storage
// heartbeating from a previously reported new address while IP_CHANGED
// is treated as the admin confirmation the state diagram calls for: the
// address is now stable, so it returns to ACTIVE.
func (r *Registry) Heartbeat(id, ip string, port int, paths []ftype.StorePath) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.storages[id]
	if !ok {
		return fmt.Errorf("heartbeat from unknown storage %q: %w", id, ferr.InvalidState)
	}
	s.LastHeartbeat = time.Now()
	if ip != "" {
		s.IP, s.Port = ip, port
	}
	if paths != nil {
		s.StorePaths = paths
	}

	switch s.Status {
	case ftype.StorageInit:
		r.transitionLocked(s, ftype.StorageWaitSync)
	case ftype.StorageOffline:
		r.transitionLocked(s, ftype.StorageOnline)
	case ftype.StorageIPChanged:
		r.transitionLocked(s, ftype.StorageActive)
	}
	return nil
}

// ReportIPChanged records that a storage server has detected its own
// address changing (e.g. across a restart) and moves it to IP_CHANGED
// pending confirmation (spec §4.4 "(any) -- ip change report --> IP_CHANGED").
func (r *Registry) ReportIPChanged(id, newIP string, newPort int) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.storages[id]
	if !ok {
		return fmt.Errorf("storage %q: %w", id, ferr.NotFound)
	}
	s.IP, s.Port = newIP, newPort
	r.transitionLocked(s, ftype.StorageIPChanged)
	return nil
}

// SetGroupWriteServer persists the round-robin write-server cursor the
// scheduler advances (pkg/scheduler.SelectWriteServer operates on a
// snapshot copy of the group and can't write the cursor back itself).
func (r *Registry) SetGroupWriteServer(group string, idx int) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	g, ok := r.groups[group]
	if !ok {
		return fmt.Errorf("group %q: %w", group, ferr.NotFound)
	}
	g.CurrentWriteServer = idx
	return nil
}

// transitionLocked moves a storage between states and records the
// transition in the changelog. Callers must hold r.mu.
func (r *Registry) transitionLocked(s *ftype.StorageServer, to ftype.StorageStatus) {
	from := s.Status
	s.Status = to
	r.appendChangelogLocked(s.ID, from, to)
}

// MarkSyncing transitions a storage from WAIT_SYNC to SYNCING once a
// sync source has been chosen for it (spec §4.5).
func (r *Registry) MarkSyncing(id, sourceID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.storages[id]
	if !ok {
		return fmt.Errorf("storage %q: %w", id, ferr.NotFound)
	}
	s.SourceStorageID = sourceID
	s.LastSourceUpdate = time.Now()
	r.transitionLocked(s, ftype.StorageSyncing)
	return nil
}

// MarkActive transitions a storage to ACTIVE. Per spec §9's flagged
// caveat, this is driven by a report from the sync *destination*
// declaring it has caught up, not by the source.
func (r *Registry) MarkActive(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.storages[id]
	if !ok {
		return fmt.Errorf("storage %q: %w", id, ferr.NotFound)
	}
	r.transitionLocked(s, ftype.StorageActive)
	return nil
}

// MarkOffline transitions a storage to OFFLINE, typically because its
// heartbeat has gone stale (pkg/reconciler drives this).
func (r *Registry) MarkOffline(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.storages[id]
	if !ok {
		return fmt.Errorf("storage %q: %w", id, ferr.NotFound)
	}
	if s.Status == ftype.StorageOffline || s.Status == ftype.StorageDeleted {
		return nil
	}
	r.transitionLocked(s, ftype.StorageOffline)
	return nil
}

// DeleteStorage removes a storage server from its group. An ACTIVE
// storage cannot be deleted directly (spec §8 boundary scenario 5): it
// must be offlined first.
func (r *Registry) DeleteStorage(id string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	s, ok := r.storages[id]
	if !ok {
		return fmt.Errorf("storage %q: %w", id, ferr.NotFound)
	}
	if s.Status == ftype.StorageActive || s.Status == ftype.StorageOnline {
		return fmt.Errorf("storage %q is %s, offline it before deleting: %w", id, s.Status, ferr.Busy)
	}

	r.transitionLocked(s, ftype.StorageDeleted)
	delete(r.storages, id)

	if g, ok := r.groups[s.Group]; ok {
		for i, sid := range g.StoreIDs {
			if sid == id {
				g.StoreIDs = append(g.StoreIDs[:i], g.StoreIDs[i+1:]...)
				break
			}
		}
		if g.TrunkServerID == id {
			g.TrunkServerID = ""
		}
	}
	return nil
}

// SetTrunkServer assigns the authoritative trunk server for a group
// (spec §4.6 "ownership transfer is an explicit admin command"). The
// target storage must already be an ACTIVE member of the group, which
// keeps a rejoining peer from silently assuming the role.
func (r *Registry) SetTrunkServer(group, storageID string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	g, ok := r.groups[group]
	if !ok {
		return fmt.Errorf("group %q: %w", group, ferr.NotFound)
	}
	s, ok := r.storages[storageID]
	if !ok || s.Group != group {
		return fmt.Errorf("storage %q is not a member of group %q: %w", storageID, group, ferr.NotFound)
	}
	if s.Status != ftype.StorageActive {
		return fmt.Errorf("storage %q is not ACTIVE: %w", storageID, ferr.InvalidState)
	}

	if g.TrunkServerID != "" {
		if old, ok := r.storages[g.TrunkServerID]; ok {
			old.IsTrunkServer = false
		}
	}
	g.TrunkServerID = storageID
	s.IsTrunkServer = true
	return nil
}

// TrunkServer returns the group's current trunk server, or an error if
// none is assigned yet (spec §4.6: "if g_trunk_server.ip == '' the
// operation fails with try again later").
func (r *Registry) TrunkServer(group string) (*ftype.StorageServer, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[group]
	if !ok {
		return nil, fmt.Errorf("group %q: %w", group, ferr.NotFound)
	}
	if g.TrunkServerID == "" {
		return nil, fmt.Errorf("group %q has no trunk server yet: %w", group, ferr.Busy)
	}
	return r.storages[g.TrunkServerID], nil
}

// SyncSource implements get_sync_src_server (spec §4.5): for a newly
// joined destination, picks the ACTIVE peer in the same group with the
// oldest LastSourceUpdate, excluding the destination itself.
func (r *Registry) SyncSource(group, destID string) (string, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	g, ok := r.groups[group]
	if !ok {
		return "", fmt.Errorf("group %q: %w", group, ferr.NotFound)
	}

	var best *ftype.StorageServer
	for _, id := range g.StoreIDs {
		if id == destID {
			continue
		}
		s, ok := r.storages[id]
		if !ok || s.Status != ftype.StorageActive {
			continue
		}
		if best == nil || s.LastSourceUpdate.Before(best.LastSourceUpdate) {
			best = s
		}
	}
	if best == nil {
		return "", fmt.Errorf("no active sync source in group %q: %w", group, ferr.Exhausted)
	}
	return best.ID, nil
}
