// Package reconciler periodically sweeps the tracker's registry for
// storage servers whose heartbeat has gone stale and marks them OFFLINE
// (spec §4.4). It is deliberately passive: it never deletes a storage
// server or reassigns its group membership, since only an explicit admin
// command does that (spec §8 boundary scenario 5).
package reconciler

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/happyfish100/fastdfs-sub012/pkg/health"
	"github.com/happyfish100/fastdfs-sub012/pkg/log"
	"github.com/happyfish100/fastdfs-sub012/pkg/metrics"
	"github.com/rs/zerolog"
)

// Registry is the subset of *registry.Registry the reconciler needs.
// Declared locally, as the teacher's reconciler did against *manager.Manager,
// since pkg/registry has no reason to import pkg/reconciler back.
type Registry interface {
	ListAllStorages() []*ftype.StorageServer
	MarkOffline(id string) error
}

// Reconciler ensures storage liveness in the registry matches reality.
type Reconciler struct {
	registry Registry
	logger   zerolog.Logger
	mu       sync.Mutex
	stopCh   chan struct{}

	// StaleAfter is the heartbeat age after which a storage server is
	// marked OFFLINE. Defaults to 30s.
	StaleAfter time.Duration

	// Prober, when set, actively re-checks a stale storage's listening
	// port before offlining it: a storage still accepting TCP connections
	// is given one more cycle, since the stale heartbeat alone may just be
	// a delayed report rather than a dead process. Nil (the default)
	// offlines on heartbeat staleness alone.
	Prober func(addr string) bool
}

// TCPProber builds a Prober backed by pkg/health's TCPChecker.
func TCPProber(timeout time.Duration) func(addr string) bool {
	return func(addr string) bool {
		checker := health.NewTCPChecker(addr).WithTimeout(timeout)
		return checker.Check(context.Background()).Healthy
	}
}

// NewReconciler creates a new reconciler over registry.
func NewReconciler(registry Registry) *Reconciler {
	return &Reconciler{
		registry:   registry,
		logger:     log.WithComponent("reconciler"),
		stopCh:     make(chan struct{}),
		StaleAfter: 30 * time.Second,
	}
}

// Start begins the reconciliation loop.
func (r *Reconciler) Start() {
	go r.run()
}

// Stop stops the reconciler.
func (r *Reconciler) Stop() {
	close(r.stopCh)
}

func (r *Reconciler) run() {
	ticker := time.NewTicker(10 * time.Second)
	defer ticker.Stop()

	r.logger.Info().Msg("reconciler started")

	for {
		select {
		case <-ticker.C:
			r.reconcile()
		case <-r.stopCh:
			r.logger.Info().Msg("reconciler stopped")
			return
		}
	}
}

// reconcile performs one reconciliation cycle.
func (r *Reconciler) reconcile() {
	timer := metrics.NewTimer()
	defer func() {
		timer.ObserveDuration(metrics.ReconciliationDuration)
		metrics.ReconciliationCyclesTotal.Inc()
	}()

	r.mu.Lock()
	defer r.mu.Unlock()

	r.reconcileStorages()
}

// reconcileStorages marks storage servers OFFLINE once their heartbeat
// has been stale for longer than StaleAfter. A storage already OFFLINE
// or DELETED is left alone.
func (r *Reconciler) reconcileStorages() {
	now := time.Now()
	for _, s := range r.registry.ListAllStorages() {
		if s.Status == ftype.StorageOffline || s.Status == ftype.StorageDeleted {
			continue
		}
		if now.Sub(s.LastHeartbeat) <= r.StaleAfter {
			continue
		}

		if r.Prober != nil && r.Prober(fmt.Sprintf("%s:%d", s.IP, s.Port)) {
			r.logger.Warn().
				Str("storage_id", s.ID).
				Str("group", s.Group).
				Msg("storage heartbeat stale but port still reachable, deferring offline")
			continue
		}

		r.logger.Warn().
			Str("storage_id", s.ID).
			Str("group", s.Group).
			Dur("no_heartbeat_duration", now.Sub(s.LastHeartbeat)).
			Msg("storage heartbeat stale, marking offline")

		if err := r.registry.MarkOffline(s.ID); err != nil {
			r.logger.Error().
				Err(err).
				Str("storage_id", s.ID).
				Msg("failed to mark storage offline")
		}
	}
}
