package trackerd

import (
	"fmt"
	"net"
	"strconv"

	"github.com/happyfish100/fastdfs-sub012/pkg/events"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/happyfish100/fastdfs-sub012/pkg/metrics"
	"github.com/happyfish100/fastdfs-sub012/pkg/scheduler"
)

// Field widths for fixed fields on the wire (spec §9).
const (
	groupField   = 16 // ftype.GroupNameMaxLen + 1
	storageField = ftype.StorageIDMaxSize
)

func (s *Server) schedulerMode() scheduler.GroupMode {
	if s.cfg.GroupMode == GroupMostFree {
		return scheduler.GroupMostFree
	}
	return scheduler.GroupRoundRobin
}

// storeTarget is one (ip, port, group, store_path_index) routing answer.
type storeTarget struct {
	ip        string
	port      int
	group     string
	pathIndex int
}

func encodeStoreTarget(t storeTarget) []byte {
	var b []byte
	b = frame.PackFixed(b, t.group, groupField)
	b = frame.PackZString(b, t.ip)
	b = frame.PackInt32(b, int32(t.port))
	b = frame.PackInt32(b, int32(t.pathIndex))
	return b
}

func encodeStoreTargets(ts []storeTarget) []byte {
	var b []byte
	b = frame.PackInt32(b, int32(len(ts)))
	for _, t := range ts {
		b = append(b, encodeStoreTarget(t)...)
	}
	return b
}

// handleQueryStore implements SERVICE_QUERY_STORE_{WITHOUT,WITH}_GROUP_{ONE,ALL}.
// withGroup requests a 16-byte group name as the whole body; without-group
// requests have no body.
func (s *Server) handleQueryStore(body []byte, withGroup, all bool) ([]byte, error) {
	explicit := ""
	if withGroup {
		g, _, err := frame.UnpackFixed(body, groupField)
		if err != nil {
			return nil, err
		}
		explicit = g
	}

	group, err := s.scheduler.SelectGroup(s.schedulerMode(), explicit)
	if err != nil {
		return nil, fmt.Errorf("select group: %w", err)
	}

	if !all {
		target, err := s.pickWriteTarget(group)
		if err != nil {
			return nil, err
		}
		return encodeStoreTarget(target), nil
	}

	storages, err := s.registry.ListStorages(group.Name)
	if err != nil {
		return nil, err
	}
	var out []storeTarget
	for _, st := range storages {
		if st.Status != ftype.StorageActive {
			continue
		}
		p, err := s.scheduler.SelectStorePath(st, 0)
		if err != nil {
			continue
		}
		out = append(out, storeTarget{ip: st.IP, port: st.Port, group: group.Name, pathIndex: p.Index})
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("group %q has no writable storage: %w", group.Name, ferr.Exhausted)
	}
	return encodeStoreTargets(out), nil
}

// pickWriteTarget selects one writable server in group via round-robin
// and persists the advanced cursor back to the registry.
func (s *Server) pickWriteTarget(group *ftype.Group) (storeTarget, error) {
	st, err := s.scheduler.SelectWriteServer(group)
	if err != nil {
		return storeTarget{}, fmt.Errorf("select write server: %w", err)
	}
	if err := s.registry.SetGroupWriteServer(group.Name, group.CurrentWriteServer); err != nil {
		s.logger.Warn().Err(err).Str("group", group.Name).Msg("failed to persist write-server cursor")
	}
	p, err := s.scheduler.SelectStorePath(st, 0)
	if err != nil {
		return storeTarget{}, err
	}
	return storeTarget{ip: st.IP, port: st.Port, group: group.Name, pathIndex: p.Index}, nil
}

// handleQueryFetch implements SERVICE_QUERY_FETCH_{ONE,ALL}: body is a
// 16-byte group followed by a zero-terminated filename. The filename is
// only used to validate the request shape here; any ACTIVE group member
// can serve a read since the group is fully replicated (spec §3).
func (s *Server) handleQueryFetch(body []byte, all bool) ([]byte, error) {
	group, rest, err := frame.UnpackFixed(body, groupField)
	if err != nil {
		return nil, err
	}
	if idx := indexZero(rest); idx < 0 {
		return nil, fmt.Errorf("fetch request missing filename terminator: %w", ferr.Protocol)
	}

	storages, err := s.registry.ListStorages(group)
	if err != nil {
		return nil, err
	}
	var out []storeTarget
	for _, st := range storages {
		if st.Status != ftype.StorageActive {
			continue
		}
		out = append(out, storeTarget{ip: st.IP, port: st.Port, group: group})
		if !all {
			break
		}
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("group %q has no storage that can serve reads: %w", group, ferr.NotFound)
	}
	if all {
		return encodeStoreTargets(out), nil
	}
	return encodeStoreTarget(out[0]), nil
}

// handleQueryUpdate implements SERVICE_QUERY_UPDATE: same shape as
// fetch-one, since every ACTIVE member accepts mutations under the
// full-replication model this cluster uses (spec §3 Non-goals: no
// partial replicas).
func (s *Server) handleQueryUpdate(body []byte) ([]byte, error) {
	return s.handleQueryFetch(body, false)
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}

func encodeGroup(g *ftype.Group) []byte {
	var b []byte
	b = frame.PackFixed(b, g.Name, groupField)
	b = frame.PackInt32(b, int32(len(g.StoreIDs)))
	b = frame.PackInt32(b, int32(g.StorePathCount))
	b = frame.PackFixed(b, g.TrunkServerID, storageField)
	b = frame.PackInt32(b, int32(g.CurrentWriteServer))
	return b
}

// handleListAllGroups implements SERVER_LIST_ALL_GROUPS.
func (s *Server) handleListAllGroups() ([]byte, error) {
	groups, err := s.admin.ListGroups()
	if err != nil {
		return nil, err
	}
	var b []byte
	b = frame.PackInt32(b, int32(len(groups)))
	for _, g := range groups {
		b = append(b, encodeGroup(g)...)
	}
	return b, nil
}

// handleListOneGroup implements LIST_ONE_GROUP: body is a 16-byte group name.
func (s *Server) handleListOneGroup(body []byte) ([]byte, error) {
	name, _, err := frame.UnpackFixed(body, groupField)
	if err != nil {
		return nil, err
	}
	g, err := s.admin.Group(name)
	if err != nil {
		return nil, err
	}
	return encodeGroup(g), nil
}

func encodeStorage(st *ftype.StorageServer) []byte {
	var b []byte
	b = frame.PackFixed(b, st.ID, storageField)
	b = frame.PackZString(b, st.IP)
	b = frame.PackInt32(b, int32(st.Port))
	b = frame.PackFixed(b, st.Group, groupField)
	b = append(b, byte(st.Status))
	b = frame.PackInt64(b, st.JoinTime.Unix())
	b = frame.PackInt64(b, st.LastHeartbeat.Unix())
	b = frame.PackInt64(b, st.TotalMB())
	b = frame.PackInt64(b, st.FreeMB())
	if st.IsTrunkServer {
		b = append(b, 1)
	} else {
		b = append(b, 0)
	}
	return b
}

// handleListStorage implements LIST_STORAGE: body is a 16-byte group
// name, empty for "every storage in the cluster".
func (s *Server) handleListStorage(body []byte) ([]byte, error) {
	group, _, err := frame.UnpackFixed(body, groupField)
	if err != nil {
		return nil, err
	}

	var storages []*ftype.StorageServer
	if group == "" {
		storages, err = s.admin.ListAllStorages()
	} else {
		storages, err = s.admin.ListStorages(group)
	}
	if err != nil {
		return nil, err
	}

	var b []byte
	b = frame.PackInt32(b, int32(len(storages)))
	for _, st := range storages {
		b = append(b, encodeStorage(st)...)
	}
	return b, nil
}

// handleDeleteGroup implements SERVER_DELETE_GROUP.
func (s *Server) handleDeleteGroup(body []byte) ([]byte, error) {
	name, _, err := frame.UnpackFixed(body, groupField)
	if err != nil {
		return nil, err
	}
	if err := s.registry.DeleteGroup(name); err != nil {
		return nil, err
	}
	s.publish(events.EventGroupDeleted, "group deleted", map[string]string{"group": name})
	return nil, nil
}

// handleDeleteStorage implements SERVER_DELETE_STORAGE: body is
// group(16) + storage id(16).
func (s *Server) handleDeleteStorage(body []byte) ([]byte, error) {
	group, rest, err := frame.UnpackFixed(body, groupField)
	if err != nil {
		return nil, err
	}
	id, _, err := frame.UnpackFixed(rest, storageField)
	if err != nil {
		return nil, err
	}
	if err := s.registry.DeleteStorage(id); err != nil {
		return nil, err
	}
	s.publish(events.EventStorageDeleted, "storage deleted", map[string]string{"group": group, "storage_id": id})
	return nil, nil
}

// handleSetTrunkServer implements SET_TRUNK_SERVER: body is group(16) +
// storage id(16).
func (s *Server) handleSetTrunkServer(body []byte) ([]byte, error) {
	group, rest, err := frame.UnpackFixed(body, groupField)
	if err != nil {
		return nil, err
	}
	id, _, err := frame.UnpackFixed(rest, storageField)
	if err != nil {
		return nil, err
	}
	if err := s.registry.SetTrunkServer(group, id); err != nil {
		return nil, err
	}
	s.publish(events.EventTrunkServerChanged, "trunk server changed", map[string]string{"group": group, "storage_id": id})
	return nil, nil
}

// handleStorageBeat implements STORAGE_BEAT: body is storage id(16) +
// group(16) + port(int32) + path count(int32) + per path
// {index(int32), total_mb(int64), free_mb(int64)}. A beat from an
// unknown storage id joins it to the named group first.
func (s *Server) handleStorageBeat(body []byte, remoteAddr net.Addr) ([]byte, error) {
	id, rest, err := frame.UnpackFixed(body, storageField)
	if err != nil {
		return nil, err
	}
	group, rest, err := frame.UnpackFixed(rest, groupField)
	if err != nil {
		return nil, err
	}
	port32, err := frame.UnpackInt32(rest)
	if err != nil {
		return nil, err
	}
	rest = rest[4:]
	count32, err := frame.UnpackInt32(rest)
	if err != nil {
		return nil, err
	}
	rest = rest[4:]

	paths := make([]ftype.StorePath, 0, count32)
	for i := int32(0); i < count32; i++ {
		idx, err := frame.UnpackInt32(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[4:]
		totalMB, err := frame.UnpackInt64(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[8:]
		freeMB, err := frame.UnpackInt64(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[8:]
		paths = append(paths, ftype.StorePath{Index: int(idx), TotalMB: totalMB, FreeMB: freeMB})
	}

	ip := remoteIP(remoteAddr)
	if _, err := s.registry.Storage(id); ferr.Is(err, ferr.NotFound) {
		if _, err := s.registry.JoinStorage(group, id, ip, int(port32), len(paths)); err != nil {
			return nil, err
		}
		s.publish(events.EventStorageJoined, "storage joined", map[string]string{"group": group, "storage_id": id})
	}

	if err := s.registry.Heartbeat(id, ip, int(port32), paths); err != nil {
		return nil, err
	}

	st, err := s.registry.Storage(id)
	if err != nil {
		return nil, err
	}
	syncSource := ""
	if st.Status == ftype.StorageWaitSync {
		syncSource, err = s.assignSyncSource(group, id)
		if err != nil && !ferr.Is(err, ferr.Exhausted) {
			s.logger.Warn().Err(err).Str("storage_id", id).Msg("sync source selection failed")
		}
	}
	s.publish(events.EventStorageStatus, "storage heartbeat", map[string]string{"group": group, "storage_id": id})

	var b []byte
	if s.election != nil {
		b = frame.PackInt64(b, s.election.LeaderChangeCount())
	} else {
		b = frame.PackInt64(b, 0)
	}
	b = append(b, byte(st.Status))
	b = frame.PackFixed(b, syncSource, storageField)
	return b, nil
}

// assignSyncSource picks a sync source for a WAIT_SYNC storage. When no
// other ACTIVE member exists yet (a fresh group's first member), the
// storage has nothing to catch up on and is activated immediately.
func (s *Server) assignSyncSource(group, destID string) (string, error) {
	src, err := s.registry.SyncSource(group, destID)
	if err != nil {
		if ferr.Is(err, ferr.Exhausted) {
			return "", s.registry.MarkActive(destID)
		}
		return "", err
	}
	if err := s.registry.MarkSyncing(destID, src); err != nil {
		return "", err
	}
	return src, nil
}

// handleReportIPChanged implements STORAGE_REPORT_IP_CHANGED: body is
// storage id(16) + new ip (zstring) + new port(int32).
func (s *Server) handleReportIPChanged(body []byte) ([]byte, error) {
	id, rest, err := frame.UnpackFixed(body, storageField)
	if err != nil {
		return nil, err
	}
	nul := indexZero(rest)
	if nul < 0 {
		return nil, fmt.Errorf("ip-changed report missing ip terminator: %w", ferr.Protocol)
	}
	newIP := string(rest[:nul])
	rest = rest[nul+1:]
	port, err := frame.UnpackInt32(rest)
	if err != nil {
		return nil, err
	}
	if err := s.registry.ReportIPChanged(id, newIP, int(port)); err != nil {
		return nil, err
	}
	s.publish(events.EventStorageStatus, "storage ip changed", map[string]string{"storage_id": id})
	return nil, nil
}

// handleReportStatus implements STORAGE_REPORT_STATUS: the sync
// destination's declaration that it has caught up (spec §9). Body is
// storage id(16).
func (s *Server) handleReportStatus(body []byte) ([]byte, error) {
	id, _, err := frame.UnpackFixed(body, storageField)
	if err != nil {
		return nil, err
	}
	if err := s.registry.MarkActive(id); err != nil {
		return nil, err
	}
	s.publish(events.EventStorageStatus, "storage active", map[string]string{"storage_id": id})
	return nil, nil
}

// handleReportTrunkFree implements STORAGE_REPORT_TRUNK_FREE: body is
// storage id(16) + path index(int32) + free bytes(int64). This is a
// metrics-only report; the authoritative free-space index lives on the
// group's trunk server (pkg/trunk), not in the tracker registry.
func (s *Server) handleReportTrunkFree(body []byte) ([]byte, error) {
	id, rest, err := frame.UnpackFixed(body, storageField)
	if err != nil {
		return nil, err
	}
	pathIdx, err := frame.UnpackInt32(rest)
	if err != nil {
		return nil, err
	}
	rest = rest[4:]
	freeBytes, err := frame.UnpackInt64(rest)
	if err != nil {
		return nil, err
	}
	label := id + ":" + strconv.Itoa(int(pathIdx))
	metrics.TrunkFreeBytes.WithLabelValues(label).Set(float64(freeBytes))
	return nil, nil
}

// handleGetStatus implements STORAGE_GET_STATUS: body is storage id(16).
func (s *Server) handleGetStatus(body []byte) ([]byte, error) {
	id, _, err := frame.UnpackFixed(body, storageField)
	if err != nil {
		return nil, err
	}
	st, err := s.registry.Storage(id)
	if err != nil {
		return nil, err
	}
	var b []byte
	b = append(b, byte(st.Status))
	b = frame.PackInt64(b, st.JoinTime.Unix())
	b = frame.PackInt64(b, st.LastHeartbeat.Unix())
	return b, nil
}

// handleGetServerID implements STORAGE_GET_SERVER_ID: body is
// group(16) + ip (zstring) + port(int32); resolves the storage ID
// already registered at that address, if any.
func (s *Server) handleGetServerID(body []byte) ([]byte, error) {
	group, rest, err := frame.UnpackFixed(body, groupField)
	if err != nil {
		return nil, err
	}
	nul := indexZero(rest)
	if nul < 0 {
		return nil, fmt.Errorf("get-server-id request missing ip terminator: %w", ferr.Protocol)
	}
	ip := string(rest[:nul])
	rest = rest[nul+1:]
	port, err := frame.UnpackInt32(rest)
	if err != nil {
		return nil, err
	}

	storages, err := s.registry.ListStorages(group)
	if err != nil {
		return nil, err
	}
	for _, st := range storages {
		if st.IP == ip && st.Port == int(port) {
			return frame.PackFixed(nil, st.ID, storageField), nil
		}
	}
	return nil, fmt.Errorf("no storage registered at %s:%d in group %q: %w", ip, port, group, ferr.NotFound)
}

func remoteIP(addr net.Addr) string {
	host, _, err := net.SplitHostPort(addr.String())
	if err != nil {
		return addr.String()
	}
	return host
}
