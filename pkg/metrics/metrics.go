package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

var (
	// Cluster metrics
	GroupsTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fdfs_groups_total",
			Help: "Total number of replication groups known to this tracker",
		},
	)

	StoragesTotal = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fdfs_storages_total",
			Help: "Total number of storage servers by group and status",
		},
		[]string{"group", "status"},
	)

	TrackerIsLeader = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fdfs_tracker_is_leader",
			Help: "Whether this tracker is the elected leader among its peers (1 = leader, 0 = follower)",
		},
	)

	TrackerPeersTotal = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "fdfs_tracker_peers_total",
			Help: "Total number of peer trackers configured",
		},
	)

	// Request metrics
	RequestsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdfs_requests_total",
			Help: "Total number of wire-protocol requests by command and status",
		},
		[]string{"cmd", "status"},
	)

	RequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "fdfs_request_duration_seconds",
			Help:    "Wire-protocol request duration in seconds",
			Buckets: prometheus.DefBuckets,
		},
		[]string{"cmd"},
	)

	// Storage-selection metrics
	StorageSelectionLatency = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fdfs_storage_selection_latency_seconds",
			Help:    "Time taken to pick a storage server for an upload or query",
			Buckets: prometheus.DefBuckets,
		},
	)

	StorageSelectionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdfs_storage_selections_total",
			Help: "Total number of storage-selection outcomes by group and result",
		},
		[]string{"group", "result"},
	)

	// Sync engine metrics
	BinlogOffset = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fdfs_sync_binlog_offset",
			Help: "Current binlog send offset for a (local storage, remote peer) sync pair",
		},
		[]string{"peer"},
	)

	BinlogLag = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fdfs_sync_binlog_lag_bytes",
			Help: "Bytes of local binlog not yet acknowledged by a peer",
		},
		[]string{"peer"},
	)

	SyncRecordsSentTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdfs_sync_records_sent_total",
			Help: "Total number of binlog records shipped to a peer",
		},
		[]string{"peer"},
	)

	SyncReconnectsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdfs_sync_reconnects_total",
			Help: "Total number of sync-worker reconnects to a peer",
		},
		[]string{"peer"},
	)

	// Trunk allocator metrics
	TrunkFreeBytes = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "fdfs_trunk_free_bytes",
			Help: "Total free space tracked by the trunk allocator, per store path",
		},
		[]string{"path"},
	)

	TrunkAllocDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fdfs_trunk_alloc_duration_seconds",
			Help:    "Time taken to service a trunk alloc_space call",
			Buckets: prometheus.DefBuckets,
		},
	)

	TrunkAllocationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdfs_trunk_allocations_total",
			Help: "Total number of trunk allocations by outcome",
		},
		[]string{"outcome"},
	)

	TrunkCompactionsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "fdfs_trunk_compactions_total",
			Help: "Total number of trunk binlog compactions by outcome",
		},
		[]string{"outcome"},
	)

	TrunkCompactionDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fdfs_trunk_compaction_duration_seconds",
			Help:    "Time taken for a trunk binlog compaction pass",
			Buckets: []float64{0.1, 0.5, 1, 5, 10, 30, 60, 120, 300},
		},
	)

	// Reconciler metrics
	ReconciliationDuration = prometheus.NewHistogram(
		prometheus.HistogramOpts{
			Name:    "fdfs_reconciliation_duration_seconds",
			Help:    "Time taken for a heartbeat reconciliation cycle",
			Buckets: prometheus.DefBuckets,
		},
	)

	ReconciliationCyclesTotal = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "fdfs_reconciliation_cycles_total",
			Help: "Total number of reconciliation cycles completed",
		},
	)
)

func init() {
	prometheus.MustRegister(GroupsTotal)
	prometheus.MustRegister(StoragesTotal)
	prometheus.MustRegister(TrackerIsLeader)
	prometheus.MustRegister(TrackerPeersTotal)
	prometheus.MustRegister(RequestsTotal)
	prometheus.MustRegister(RequestDuration)
	prometheus.MustRegister(StorageSelectionLatency)
	prometheus.MustRegister(StorageSelectionsTotal)
	prometheus.MustRegister(BinlogOffset)
	prometheus.MustRegister(BinlogLag)
	prometheus.MustRegister(SyncRecordsSentTotal)
	prometheus.MustRegister(SyncReconnectsTotal)
	prometheus.MustRegister(TrunkFreeBytes)
	prometheus.MustRegister(TrunkAllocDuration)
	prometheus.MustRegister(TrunkAllocationsTotal)
	prometheus.MustRegister(TrunkCompactionsTotal)
	prometheus.MustRegister(TrunkCompactionDuration)
	prometheus.MustRegister(ReconciliationDuration)
	prometheus.MustRegister(ReconciliationCyclesTotal)
}

// Handler returns the Prometheus HTTP handler.
func Handler() http.Handler {
	return promhttp.Handler()
}

// Timer is a helper for timing operations.
type Timer struct {
	start time.Time
}

// NewTimer creates a new timer.
func NewTimer() *Timer {
	return &Timer{start: time.Now()}
}

// ObserveDuration records the duration to a histogram.
func (t *Timer) ObserveDuration(histogram prometheus.Histogram) {
	duration := time.Since(t.start).Seconds()
	histogram.Observe(duration)
}

// ObserveDurationVec records the duration to a histogram vec with labels.
func (t *Timer) ObserveDurationVec(histogram prometheus.ObserverVec, labels ...string) {
	duration := time.Since(t.start).Seconds()
	histogram.WithLabelValues(labels...).Observe(duration)
}

// Duration returns the elapsed time since the timer started.
func (t *Timer) Duration() time.Duration {
	return time.Since(t.start)
}
