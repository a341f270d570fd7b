// Package syncengine runs one worker per remote peer in a replication
// group, shipping binlog records from a local binlog file to that peer
// in strict order (spec §4.5). The trunk server's per-peer trunk binlog
// sync (spec §4.9) is the same worker driven over the trunk binlog
// file and the trunk command pair instead of the storage commands.
package syncengine

import (
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/binlog"
	"github.com/happyfish100/fastdfs-sub012/pkg/connpool"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/happyfish100/fastdfs-sub012/pkg/log"
	"github.com/happyfish100/fastdfs-sub012/pkg/metrics"
	"github.com/happyfish100/fastdfs-sub012/pkg/proto"
	"github.com/rs/zerolog"
)

// pollInterval bounds how often a worker re-checks an empty binlog for
// new data when it isn't yet time for an active-test ping.
const pollInterval = 200 * time.Millisecond

// Registry is the subset of *registry.Registry a worker needs to notice
// its peer leaving the cluster.
type Registry interface {
	Storage(id string) (*ftype.StorageServer, error)
}

// Config configures one Worker.
type Config struct {
	// PeerID is the remote storage server's ID, used for metric labels
	// and to look up its current lifecycle status.
	PeerID string
	// Peer is the (host, port) this worker connects to.
	Peer connpool.Key
	// BinlogPath is the local binlog file being shipped.
	BinlogPath string
	// MarkPath is this (binlog, peer) pair's durable offset cursor.
	MarkPath string
	// SyncCmd and TruncateCmd select the command pair used on the wire:
	// CmdSyncBinlog/CmdTruncateBinlogFile for storage binlog sync,
	// or the trunk equivalents for trunk binlog sync (spec §4.9).
	SyncCmd           byte
	TruncateCmd       byte
	PrereadSize       int
	HeartbeatInterval time.Duration
	MinBackoff        time.Duration
	MaxBackoff        time.Duration
}

// DefaultConfig fills in the knobs the spec gives defaults for.
func DefaultConfig() Config {
	return Config{
		SyncCmd:           proto.CmdSyncBinlog,
		TruncateCmd:       proto.CmdTruncateBinlogFile,
		PrereadSize:       256 * 1024,
		HeartbeatInterval: 30 * time.Second,
		MinBackoff:        time.Second,
		MaxBackoff:        30 * time.Second,
	}
}

// Worker ships one local binlog to one remote peer, in order, at least
// once, advancing its persisted offset only after the peer acknowledges
// a frame (spec §4.5).
type Worker struct {
	cfg      Config
	pool     *connpool.Pool
	registry Registry
	mark     *binlog.Mark
	logger   zerolog.Logger

	stopCh  chan struct{}
	doneCh  chan struct{}
	resetCh chan struct{}
}

// NewWorker opens cfg's mark file and returns a Worker ready to Start.
func NewWorker(cfg Config, pool *connpool.Pool, registry Registry) (*Worker, error) {
	if cfg.PrereadSize <= 0 {
		cfg.PrereadSize = DefaultConfig().PrereadSize
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = DefaultConfig().HeartbeatInterval
	}
	if cfg.MinBackoff <= 0 {
		cfg.MinBackoff = DefaultConfig().MinBackoff
	}
	if cfg.MaxBackoff <= 0 {
		cfg.MaxBackoff = DefaultConfig().MaxBackoff
	}

	mark, err := binlog.OpenMark(cfg.MarkPath)
	if err != nil {
		return nil, err
	}

	return &Worker{
		cfg:      cfg,
		pool:     pool,
		registry: registry,
		mark:     mark,
		logger:   log.WithComponent("syncengine").With().Str("peer", cfg.Peer.String()).Logger(),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
		resetCh:  make(chan struct{}, 1),
	}, nil
}

// Start launches the worker's loop in its own goroutine.
func (w *Worker) Start() { go w.run() }

// Stop signals the worker to exit and blocks until it has flushed its
// offset and returned, or timeout elapses (spec §4.9's bounded wait on
// shutdown).
func (w *Worker) Stop(timeout time.Duration) {
	close(w.stopCh)
	select {
	case <-w.doneCh:
	case <-time.After(timeout):
		w.logger.Warn().Msg("sync worker did not exit within shutdown timeout")
	}
}

// ResetOffset requests that the worker rewind to offset 0 and
// re-announce via its truncate command, mirroring the tracker's
// reset_binlog_offset control signal used to seed a newly joined peer.
func (w *Worker) ResetOffset() {
	select {
	case w.resetCh <- struct{}{}:
	default:
	}
}

// Offset returns the worker's current persisted send offset.
func (w *Worker) Offset() int64 { return w.mark.Offset() }

func (w *Worker) run() {
	defer close(w.doneCh)
	w.logger.Info().Msg("sync worker started")
	backoff := w.cfg.MinBackoff

	for {
		select {
		case <-w.stopCh:
			return
		default:
		}

		if w.peerGone() {
			w.logger.Info().Msg("peer left the cluster, sync worker exiting")
			return
		}

		if err := w.runConnection(); err != nil {
			w.logger.Warn().Err(err).Msg("sync connection failed, reconnecting")
			metrics.SyncReconnectsTotal.WithLabelValues(w.cfg.PeerID).Inc()
			select {
			case <-time.After(backoff):
			case <-w.stopCh:
				return
			}
			backoff = nextBackoff(backoff, w.cfg.MaxBackoff)
			continue
		}
		backoff = w.cfg.MinBackoff
	}
}

func (w *Worker) peerGone() bool {
	st, err := w.registry.Storage(w.cfg.PeerID)
	if err != nil {
		// Not found at all reads the same as deleted: nothing left to
		// sync to.
		return ferr.Is(err, ferr.NotFound)
	}
	switch st.Status {
	case ftype.StorageDeleted, ftype.StorageIPChanged, ftype.StorageNone:
		return true
	default:
		return false
	}
}

// runConnection opens the binlog at the current offset, acquires a
// connection to the peer, and ships records until the worker is
// stopped, a reset is requested, or an error forces a reconnect.
// A nil return means the connection ended cleanly (stop or reset); a
// non-nil return means the caller should back off and retry.
func (w *Worker) runConnection() error {
	offset := w.mark.Offset()
	reader, err := binlog.OpenReader(w.cfg.BinlogPath, offset)
	if err != nil {
		return err
	}
	defer reader.Close()

	conn, err := w.pool.Acquire(w.cfg.Peer)
	if err != nil {
		return err
	}
	keep := true
	defer func() { w.pool.Release(w.cfg.Peer, conn, keep) }()

	if offset == 0 {
		if err := w.announceTruncate(conn); err != nil {
			keep = false
			return err
		}
	}

	var buf []byte
	lastData := time.Now()

	for {
		select {
		case <-w.stopCh:
			return nil
		case <-w.resetCh:
			if err := w.mark.SetOffset(0); err != nil {
				w.logger.Error().Err(err).Msg("failed to reset sync offset")
			}
			return nil
		default:
		}

		if len(buf) == 0 {
			chunk, n, err := reader.Preread(w.cfg.PrereadSize)
			if err != nil {
				keep = false
				return err
			}
			if n > 0 {
				buf = chunk
				lastData = time.Now()
			}
		}

		if len(buf) == 0 {
			if time.Since(lastData) >= w.cfg.HeartbeatInterval {
				if err := w.activeTest(conn); err != nil {
					keep = false
					return err
				}
				lastData = time.Now()
				continue
			}
			select {
			case <-time.After(pollInterval):
			case <-w.stopCh:
				return nil
			case <-w.resetCh:
				if err := w.mark.SetOffset(0); err != nil {
					w.logger.Error().Err(err).Msg("failed to reset sync offset")
				}
				return nil
			}
			continue
		}

		sent := len(buf)
		if err := conn.SendRequest(w.cfg.SyncCmd, buf); err != nil {
			keep = false
			return err
		}
		if _, _, err := conn.RecvResponse(0); err != nil {
			keep = false
			return err
		}

		records := len(binlog.SplitLines(buf))
		newOffset := offset + int64(sent)
		if err := w.advanceOffset(newOffset, records); err != nil {
			w.logger.Error().Err(err).Msg("failed to persist sync offset")
		}
		offset = newOffset
		buf = nil
	}
}

func (w *Worker) announceTruncate(conn *frame.Conn) error {
	if err := conn.SendRequest(w.cfg.TruncateCmd, []byte(w.cfg.PeerID)); err != nil {
		return err
	}
	_, _, err := conn.RecvResponse(0)
	return err
}

func (w *Worker) activeTest(conn *frame.Conn) error {
	if err := conn.SendRequest(proto.CmdActiveTest, nil); err != nil {
		return err
	}
	_, _, err := conn.RecvResponse(0)
	return err
}

func (w *Worker) advanceOffset(newOffset int64, records int) error {
	metrics.SyncRecordsSentTotal.WithLabelValues(w.cfg.PeerID).Add(float64(records))
	metrics.BinlogOffset.WithLabelValues(w.cfg.PeerID).Set(float64(newOffset))
	return w.mark.SetOffset(newOffset)
}

func nextBackoff(cur, max time.Duration) time.Duration {
	next := cur * 2
	if next > max {
		return max
	}
	return next
}
