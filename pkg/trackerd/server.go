package trackerd

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/adminstore"
	"github.com/happyfish100/fastdfs-sub012/pkg/events"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/log"
	"github.com/happyfish100/fastdfs-sub012/pkg/metrics"
	"github.com/happyfish100/fastdfs-sub012/pkg/proto"
	"github.com/happyfish100/fastdfs-sub012/pkg/reconciler"
	"github.com/happyfish100/fastdfs-sub012/pkg/registry"
	"github.com/happyfish100/fastdfs-sub012/pkg/scheduler"
	"github.com/happyfish100/fastdfs-sub012/pkg/trackerpeer"
	"github.com/rs/zerolog"
)

// Server is one tracker node: a wire-protocol listener over the
// registry, plus the background work a tracker owns regardless of
// client traffic.
type Server struct {
	cfg Config

	registry   *registry.Registry
	scheduler  *scheduler.Scheduler
	election   *trackerpeer.Election
	reconciler *reconciler.Reconciler
	admin      *adminstore.Store
	broker     *events.Broker

	logger   zerolog.Logger
	listener net.Listener

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// New wires a Server over already-constructed dependencies. Callers
// build the registry, scheduler, election and admin store themselves
// (typically in cmd/fdfs-trackerd) since their construction needs
// config this package doesn't own (data directory, peer list).
func New(cfg Config, reg *registry.Registry, sched *scheduler.Scheduler, election *trackerpeer.Election, admin *adminstore.Store, broker *events.Broker) *Server {
	return &Server{
		cfg:        cfg,
		registry:   reg,
		scheduler:  sched,
		election:   election,
		reconciler: newStorageReconciler(reg),
		admin:      admin,
		broker:     broker,
		logger:     log.WithComponent("trackerd"),
		stopCh:     make(chan struct{}),
	}
}

// Start opens the listener and begins the accept loop plus background
// workers. It returns once the listener is bound; the accept loop and
// workers continue on goroutines.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.cfg.BindAddr)
	if err != nil {
		return fmt.Errorf("tracker listen on %s: %w", s.cfg.BindAddr, err)
	}
	s.listener = ln
	s.logger.Info().Str("addr", s.cfg.BindAddr).Msg("tracker listening")

	s.reconciler.Start()

	if s.broker != nil {
		s.wg.Add(1)
		go s.adminSyncLoop()
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.wg.Add(1)
	go s.metricsLoop()

	return nil
}

// Stop closes the listener and waits for in-flight connections and
// background workers to exit.
func (s *Server) Stop() {
	close(s.stopCh)
	s.reconciler.Stop()
	if s.listener != nil {
		s.listener.Close()
	}
	s.wg.Wait()
	s.logger.Info().Msg("tracker stopped")
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
		respBody, herr := s.dispatch(cmd, body, netConn.RemoteAddr())
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

// dispatch routes one request to its handler. remoteAddr is the TCP
// peer address, used to learn a storage server's observed IP on
// STORAGE_BEAT without trusting a client-supplied value.
func (s *Server) dispatch(cmd byte, body []byte, remoteAddr net.Addr) ([]byte, error) {
	switch cmd {
	case proto.CmdServiceQueryStoreWithoutGroupOne:
		return s.handleQueryStore(body, false, false)
	case proto.CmdServiceQueryStoreWithoutGroupAll:
		return s.handleQueryStore(body, false, true)
	case proto.CmdServiceQueryStoreWithGroupOne:
		return s.handleQueryStore(body, true, false)
	case proto.CmdServiceQueryStoreWithGroupAll:
		return s.handleQueryStore(body, true, true)
	case proto.CmdServiceQueryFetchOne:
		return s.handleQueryFetch(body, false)
	case proto.CmdServiceQueryFetchAll:
		return s.handleQueryFetch(body, true)
	case proto.CmdServiceQueryUpdate:
		return s.handleQueryUpdate(body)
	case proto.CmdServerListAllGroups:
		return s.handleListAllGroups()
	case proto.CmdServerListOneGroup:
		return s.handleListOneGroup(body)
	case proto.CmdServerListStorage:
		return s.handleListStorage(body)
	case proto.CmdServerDeleteGroup:
		return s.handleDeleteGroup(body)
	case proto.CmdServerDeleteStorage:
		return s.handleDeleteStorage(body)
	case proto.CmdServerSetTrunkServer:
		return s.handleSetTrunkServer(body)
	case proto.CmdStorageBeat:
		return s.handleStorageBeat(body, remoteAddr)
	case proto.CmdStorageReportIPChanged:
		return s.handleReportIPChanged(body)
	case proto.CmdStorageReportStatus:
		return s.handleReportStatus(body)
	case proto.CmdStorageReportTrunkFree:
		return s.handleReportTrunkFree(body)
	case proto.CmdStorageGetStatus:
		return s.handleGetStatus(body)
	case proto.CmdStorageGetServerID:
		return s.handleGetServerID(body)
	default:
		return nil, fmt.Errorf("unknown command 0x%02x: %w", cmd, ferr.Protocol)
	}
}

// newStorageReconciler builds a reconciler that double-checks a stale
// storage's listening port over TCP before offlining it, rather than
// offlining purely on a missed heartbeat deadline.
func newStorageReconciler(reg *registry.Registry) *reconciler.Reconciler {
	r := reconciler.NewReconciler(reg)
	r.Prober = reconciler.TCPProber(2 * time.Second)
	return r
}

func cmdName(cmd byte) string {
	return fmt.Sprintf("0x%02x", cmd)
}

// metricsLoop periodically republishes registry-derived gauges, mirroring
// the teacher's pkg/manager/metrics_collector.go polling shape.
func (s *Server) metricsLoop() {
	defer s.wg.Done()
	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.publishMetrics()
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) publishMetrics() {
	metrics.GroupsTotal.Set(float64(s.registry.GroupCount()))
	if s.election != nil {
		if s.election.IsLeader() {
			metrics.TrackerIsLeader.Set(1)
		} else {
			metrics.TrackerIsLeader.Set(0)
		}
	}
	for group, byStatus := range s.registry.StorageCountByStatus() {
		for status, n := range byStatus {
			metrics.StoragesTotal.WithLabelValues(group, status).Set(float64(n))
		}
	}
}

// adminSyncLoop keeps the adminstore read projection current by
// reacting to registry mutation events, rather than polling.
func (s *Server) adminSyncLoop() {
	defer s.wg.Done()
	sub := s.broker.Subscribe()
	defer s.broker.Unsubscribe(sub)

	for {
		select {
		case ev := <-sub:
			s.applyAdminEvent(ev)
		case <-s.stopCh:
			return
		}
	}
}

func (s *Server) applyAdminEvent(ev *events.Event) {
	switch ev.Type {
	case events.EventGroupCreated:
		if g, err := s.registry.Group(ev.Metadata["group"]); err == nil {
			s.logAdminErr(s.admin.PutGroup(g), "sync group")
		}
	case events.EventGroupDeleted:
		s.logAdminErr(s.admin.DeleteGroup(ev.Metadata["group"]), "remove group projection")
	case events.EventStorageJoined, events.EventStorageStatus:
		if st, err := s.registry.Storage(ev.Metadata["storage_id"]); err == nil {
			s.logAdminErr(s.admin.PutStorage(st), "sync storage")
		}
		if g, err := s.registry.Group(ev.Metadata["group"]); err == nil {
			s.logAdminErr(s.admin.PutGroup(g), "sync group")
		}
	case events.EventStorageDeleted:
		s.logAdminErr(s.admin.DeleteStorage(ev.Metadata["storage_id"]), "remove storage projection")
	case events.EventTrunkServerChanged:
		if g, err := s.registry.Group(ev.Metadata["group"]); err == nil {
			s.logAdminErr(s.admin.PutGroup(g), "sync group")
		}
	}
}

func (s *Server) logAdminErr(err error, what string) {
	if err != nil {
		s.logger.Warn().Err(err).Msg(what)
	}
}

func (s *Server) publish(typ events.EventType, msg string, meta map[string]string) {
	if s.broker == nil {
		return
	}
	s.broker.Publish(&events.Event{Type: typ, Message: msg, Metadata: meta})
}
