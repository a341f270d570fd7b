package storaged

import (
	"fmt"
	"net"
	"path/filepath"
	"sync"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/binlog"
	"github.com/happyfish100/fastdfs-sub012/pkg/connpool"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/happyfish100/fastdfs-sub012/pkg/log"
	"github.com/happyfish100/fastdfs-sub012/pkg/metrics"
	"github.com/happyfish100/fastdfs-sub012/pkg/proto"
	"github.com/happyfish100/fastdfs-sub012/pkg/storepath"
	"github.com/happyfish100/fastdfs-sub012/pkg/syncengine"
	"github.com/happyfish100/fastdfs-sub012/pkg/trackerclient"
	"github.com/rs/zerolog"
)

// Server is one storage node: a wire-protocol listener over its store
// paths, plus the heartbeat and peer-sync loops a storage node runs
// regardless of client traffic.
type Server struct {
	cfg Config

	stores  map[int]*storepath.Store
	pool    *connpool.Pool
	tracker *trackerclient.TrackerGroup
	binlogW *binlog.Writer
	syncSet *syncengine.Set

	fileSeq int64 // atomic; seeds the fan-out hash for freshly uploaded files

	mu            sync.RWMutex
	peers         map[string]peerInfo
	trunk         *trunkState
	isTrunkServer bool

	logger   zerolog.Logger
	listener net.Listener

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New constructs a Server from cfg, opening its store paths, binlog and
// connection pool. It does not bind a listener; call Start for that.
func New(cfg Config) (*Server, error) {
	stores := make(map[int]*storepath.Store, len(cfg.StorePaths))
	for _, sp := range cfg.StorePaths {
		st, err := storepath.New(sp.Root)
		if err != nil {
			return nil, err
		}
		stores[sp.Index] = st
	}

	poolCfg := connpool.DefaultConfig()
	if cfg.NetworkTimeout > 0 {
		poolCfg.NetworkTimeout = cfg.NetworkTimeout
	}
	if cfg.MaxPkgSize > 0 {
		poolCfg.MaxPkgSize = cfg.MaxPkgSize
	}
	pool := connpool.New(poolCfg)

	trackerKeys := make([]connpool.Key, 0, len(cfg.TrackerServers))
	for _, addr := range cfg.TrackerServers {
		key, err := parseHostPort(addr)
		if err != nil {
			return nil, err
		}
		trackerKeys = append(trackerKeys, key)
	}

	binlogW, err := binlog.OpenWriter(filepath.Join(cfg.DataDir, "storage_binlog.dat"))
	if err != nil {
		return nil, err
	}

	return &Server{
		cfg:     cfg,
		stores:  stores,
		pool:    pool,
		tracker: trackerclient.New(pool, trackerKeys),
		binlogW: binlogW,
		syncSet: syncengine.NewSet(),
		peers:   make(map[string]peerInfo),
		logger:  log.WithComponent("storaged"),
		stopCh:  make(chan struct{}),
	}, nil
}

func parseHostPort(addr string) (connpool.Key, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return connpool.Key{}, fmt.Errorf("malformed tracker address %q: %w", addr, ferr.Protocol)
	}
	var port int
	if _, err := fmt.Sscanf(portStr, "%d", &port); err != nil {
		return connpool.Key{}, fmt.Errorf("malformed tracker port in %q: %w", addr, ferr.Protocol)
	}
	return connpool.Key{Host: host, Port: port}, nil
}

// Start binds the listener and begins the accept loop plus the
// heartbeat and peer-sync background workers.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("storage listen on %s: %w", s.cfg.BindAddr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", s.cfg.BindAddr).Str("storage_id", s.cfg.StorageID).Msg("storage listening")

	s.wg.Add(1)
	go s.acceptLoop()

	s.wg.Add(1)
	go s.heartbeatLoop()

	s.wg.Add(1)
	go s.peerSyncLoop()

	return nil
}

// Stop closes the listener, stops every sync worker, and waits for
// in-flight connections and background workers to exit.
func (s *Server) Stop() {
	close(s.stopCh)
	if s.listener != nil {
		s.listener.Close()
	}
	s.syncSet.StopAll()
	s.mu.RLock()
	trunk := s.trunk
	s.mu.RUnlock()
	if trunk != nil {
		trunk.syncSet.StopAll()
	}
	s.wg.Wait()
	s.binlogW.Close()
	s.logger.Info().Msg("storage stopped")
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.stopCh:
				return
			default:
				s.logger.Error().Err(err).Msg("accept failed")
				return
			}
		}
		s.wg.Add(1)
		go s.handleConn(conn)
	}
}

func (s *Server) handleConn(netConn net.Conn) {
	defer s.wg.Done()
	conn := frame.NewConn(netConn, s.cfg.NetworkTimeout, s.cfg.MaxPkgSize)
	defer conn.Close()

	for {
		cmd, body, err := conn.RecvRequest()
		if err != nil {
			return
		}

		timer := metrics.NewTimer()
		respBody, herr := s.dispatch(cmd, body)
		timer.ObserveDurationVec(metrics.RequestDuration, cmdName(cmd))

		status := ferr.StatusOf(herr)
		metrics.RequestsTotal.WithLabelValues(cmdName(cmd), fmt.Sprint(status)).Inc()

		if sendErr := conn.SendResponse(status, respBody); sendErr != nil {
			return
		}
		if ferr.Is(herr, ferr.Transport) || ferr.Is(herr, ferr.Protocol) {
			return
		}
	}
}

func (s *Server) dispatch(cmd byte, body []byte) ([]byte, error) {
	switch cmd {
	case proto.CmdUploadFile:
		return s.handleUpload(body, opKindPlain)
	case proto.CmdUploadAppenderFile:
		return s.handleUpload(body, opKindAppender)
	case proto.CmdUploadSlaveFile:
		return s.handleUploadSlave(body)
	case proto.CmdDeleteFile:
		return s.handleDelete(body)
	case proto.CmdSetMetadata:
		return s.handleSetMetadata(body)
	case proto.CmdGetMetadata:
		return s.handleGetMetadata(body)
	case proto.CmdQueryFileInfo:
		return s.handleQueryFileInfo(body)
	case proto.CmdDownloadFile:
		return s.handleDownload(body)
	case proto.CmdAppendFile:
		return s.handleAppend(body)
	case proto.CmdModifyFile:
		return s.handleModify(body)
	case proto.CmdTruncateFile:
		return s.handleTruncate(body)
	case proto.CmdRegenerateAppenderFilename:
		return s.handleRegenerateAppenderFilename(body)
	case proto.CmdTrunkAllocSpace:
		return s.handleTrunkAllocSpace(body)
	case proto.CmdTrunkAllocConfirm:
		return s.handleTrunkAllocConfirm(body)
	case proto.CmdTrunkFreeSpace:
		return s.handleTrunkFreeSpace(body)
	case proto.CmdSyncBinlog:
		return s.handleSyncBinlog(body)
	case proto.CmdTruncateBinlogFile:
		return s.handleTruncateBinlogFile(body)
	case proto.CmdActiveTest:
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown command 0x%02x: %w", cmd, ferr.Protocol)
	}
}

func cmdName(cmd byte) string {
	return fmt.Sprintf("0x%02x", cmd)
}

// heartbeatLoop periodically reports this node's identity and per-path
// capacity to its tracker group (spec §4.5's storage-side beat).
func (s *Server) heartbeatLoop() {
	defer s.wg.Done()
	interval := s.cfg.HeartbeatInterval
	if interval <= 0 {
		interval = DefaultConfig().HeartbeatInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.beatOnce()
	for {
		select {
		case <-ticker.C:
			s.beatOnce()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) beatOnce() {
	_, myPort, err := net.SplitHostPort(s.cfg.BindAddr)
	if err != nil {
		myPort = s.cfg.BindAddr
	}
	var port int
	fmt.Sscanf(myPort, "%d", &port)

	body := encodeStorageBeat(s.cfg.StorageID, s.cfg.Group, port, s.pathStats())
	err = s.tracker.Do(func(conn *frame.Conn) (bool, error) {
		if err := conn.SendRequest(proto.CmdStorageBeat, body); err != nil {
			return false, err
		}
		_, _, err := conn.RecvResponse(0)
		return err == nil, err
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("heartbeat failed")
	}
}

// peerSyncLoop keeps this node's sync.Set (and, while this node is the
// group's trunk server, its trunk sync.Set) reconciled against the
// tracker's current view of group membership.
func (s *Server) peerSyncLoop() {
	defer s.wg.Done()
	interval := s.cfg.PeerSyncInterval
	if interval <= 0 {
		interval = DefaultConfig().PeerSyncInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	s.reconcilePeers()
	for {
		select {
		case <-ticker.C:
			s.reconcilePeers()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) reconcilePeers() {
	var listed []peerInfo
	err := s.tracker.Do(func(conn *frame.Conn) (bool, error) {
		if err := conn.SendRequest(proto.CmdServerListStorage, frame.PackFixed(nil, s.cfg.Group, groupField)); err != nil {
			return false, err
		}
		_, body, err := conn.RecvResponse(0)
		if err != nil {
			return false, err
		}
		listed, err = decodeStorageList(body)
		return err == nil, err
	})
	if err != nil {
		s.logger.Warn().Err(err).Msg("peer list refresh failed")
		return
	}

	s.mu.Lock()
	fresh := make(map[string]peerInfo, len(listed))
	var weAreTrunkServer bool
	for _, p := range listed {
		if p.ID == s.cfg.StorageID {
			weAreTrunkServer = p.IsTrunkServer
			continue
		}
		fresh[p.ID] = p
	}
	s.peers = fresh
	s.isTrunkServer = weAreTrunkServer
	s.mu.Unlock()

	for id, p := range fresh {
		cfg := syncengine.DefaultConfig()
		cfg.Peer = p.Addr
		cfg.BinlogPath = s.binlogW.Path()
		cfg.MarkPath = filepath.Join(s.cfg.DataDir, "sync_"+id+".mark")
		if err := s.syncSet.Ensure(id, cfg, s.pool, storageRegistry{srv: s}); err != nil {
			s.logger.Warn().Err(err).Str("peer_id", id).Msg("failed to start sync worker")
		}
	}
	for _, id := range s.syncSet.Peers() {
		if _, ok := fresh[id]; !ok {
			s.syncSet.Remove(id)
		}
	}

	if weAreTrunkServer {
		s.ensureTrunkState()
		s.mu.RLock()
		ts := s.trunk
		s.mu.RUnlock()
		if ts != nil {
			for id, p := range fresh {
				cfg := syncengine.DefaultConfig()
				cfg.SyncCmd = proto.CmdSyncBinlog
				cfg.TruncateCmd = proto.CmdTruncateBinlogFile
				cfg.Peer = p.Addr
				cfg.BinlogPath = ts.binlogW.Path()
				cfg.MarkPath = filepath.Join(s.cfg.DataDir, "trunk_sync_"+id+".mark")
				if err := ts.syncSet.Ensure(id, cfg, s.pool, storageRegistry{srv: s}); err != nil {
					s.logger.Warn().Err(err).Str("peer_id", id).Msg("failed to start trunk sync worker")
				}
			}
			for _, id := range ts.syncSet.Peers() {
				if _, ok := fresh[id]; !ok {
					ts.syncSet.Remove(id)
				}
			}
		}
	}
}

// storageRegistry adapts Server's cached peer map to syncengine.Registry,
// so sync workers notice a peer leaving the group without the storage
// node needing a full tracker-side registry of its own.
type storageRegistry struct {
	srv *Server
}

func (r storageRegistry) Storage(id string) (*ftype.StorageServer, error) {
	r.srv.mu.RLock()
	p, ok := r.srv.peers[id]
	r.srv.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("peer %q: %w", id, ferr.NotFound)
	}
	return &ftype.StorageServer{ID: p.ID, Status: p.Status}, nil
}
