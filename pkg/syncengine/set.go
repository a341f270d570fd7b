package syncengine

import (
	"sync"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/connpool"
	"github.com/happyfish100/fastdfs-sub012/pkg/log"
	"github.com/rs/zerolog"
)

// killWait is how long Set.StopAll waits for workers to exit on their
// own before moving on, mirroring the source's kill_trunk_sync_threads
// (spec §4.9: "waits up to ~1 s, then forcibly aborts survivors").
const killWait = time.Second

// Set owns one Worker per remote peer — the "sync thread array" a
// storage node keeps for its group's storage binlog, or a trunk server
// keeps for its group's trunk binlog (spec §4.9).
type Set struct {
	mu      sync.Mutex
	workers map[string]*Worker
	logger  zerolog.Logger
}

// NewSet creates an empty Set.
func NewSet() *Set {
	return &Set{
		workers: make(map[string]*Worker),
		logger:  log.WithComponent("syncengine"),
	}
}

// Ensure starts a worker for peerID if one isn't already running. It is
// a no-op if the peer already has a running worker, so group membership
// reconciliation can call it unconditionally for every current peer.
func (s *Set) Ensure(peerID string, cfg Config, pool *connpool.Pool, registry Registry) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workers[peerID]; ok {
		return nil
	}
	cfg.PeerID = peerID
	w, err := NewWorker(cfg, pool, registry)
	if err != nil {
		return err
	}
	w.Start()
	s.workers[peerID] = w
	s.logger.Info().Str("peer_id", peerID).Msg("sync worker registered")
	return nil
}

// Remove stops and forgets the worker for peerID, if any, e.g. when
// peerID leaves the group.
func (s *Set) Remove(peerID string) {
	s.mu.Lock()
	w, ok := s.workers[peerID]
	delete(s.workers, peerID)
	s.mu.Unlock()

	if !ok {
		return
	}
	w.Stop(killWait)
}

// ResetOffset requests a reseed for peerID's worker, if it has one.
func (s *Set) ResetOffset(peerID string) {
	s.mu.Lock()
	w, ok := s.workers[peerID]
	s.mu.Unlock()
	if ok {
		w.ResetOffset()
	}
}

// Peers lists the peer IDs this set currently has a worker for.
func (s *Set) Peers() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]string, 0, len(s.workers))
	for id := range s.workers {
		out = append(out, id)
	}
	return out
}

// StopAll stops every worker, waiting up to killWait total rather than
// per-worker: all Stop calls run concurrently so shutdown time doesn't
// scale with peer count.
func (s *Set) StopAll() {
	s.mu.Lock()
	workers := make([]*Worker, 0, len(s.workers))
	for _, w := range s.workers {
		workers = append(workers, w)
	}
	s.workers = make(map[string]*Worker)
	s.mu.Unlock()

	var wg sync.WaitGroup
	for _, w := range workers {
		wg.Add(1)
		go func(w *Worker) {
			defer wg.Done()
			w.Stop(killWait)
		}(w)
	}
	wg.Wait()
}
