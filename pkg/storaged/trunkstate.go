package storaged

import (
	"fmt"
	"path/filepath"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/binlog"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/metrics"
	"github.com/happyfish100/fastdfs-sub012/pkg/syncengine"
	"github.com/happyfish100/fastdfs-sub012/pkg/trunk"
	"github.com/happyfish100/fastdfs-sub012/pkg/trunkbinlog"
	"github.com/happyfish100/fastdfs-sub012/pkg/trunkcontainer"
)

// trunkState is active only while this storage node holds its group's
// trunk server role (spec §4.6, §4.7): the free-space index, the
// allocator built over it, the container creators it uses per store
// path, and its own binlog plus the sync workers shipping it to peers.
type trunkState struct {
	index     *trunk.Index
	alloc     *trunk.Allocator
	binlogW   *binlog.Writer
	appender  *trunkbinlog.Appender
	creators  map[int]*trunkcontainer.Creator
	syncSet   *syncengine.Set
	clock     trunk.Clock
}

// ensureTrunkState loads (or keeps) the trunk index and allocator for a
// node that has just learned it is its group's trunk server. It is a
// no-op once the state is built; trunk-server status only ever grows
// more stable, never flaps at heartbeat-loop cadence.
func (s *Server) ensureTrunkState() {
	s.mu.RLock()
	already := s.trunk != nil
	s.mu.RUnlock()
	if already {
		return
	}

	binlogPath := filepath.Join(s.cfg.DataDir, "trunk_binlog.dat")
	snapshotPath := filepath.Join(s.cfg.DataDir, "storage_trunk.dat")

	index, err := trunkbinlog.LoadIndex(binlogPath, snapshotPath, s.cfg.SlotMin, s.cfg.Alignment)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to load trunk index, trunk server role not activated")
		return
	}
	binlogW, err := binlog.OpenWriter(binlogPath)
	if err != nil {
		s.logger.Error().Err(err).Msg("failed to open trunk binlog, trunk server role not activated")
		return
	}

	creators := make(map[int]*trunkcontainer.Creator, len(s.cfg.StorePaths))
	for _, sp := range s.cfg.StorePaths {
		startID := int64(index.MaxTrunkFileID(sp.Index))
		creators[sp.Index] = trunkcontainer.NewCreator(sp.Root, sp.Index, s.cfg.TrunkFileSize, startID)
	}

	ts := &trunkState{
		index:    index,
		binlogW:  binlogW,
		appender: trunkbinlog.NewAppender(binlogW),
		creators: creators,
		syncSet:  syncengine.NewSet(),
		clock:    func() int64 { return time.Now().Unix() },
	}
	ts.alloc = trunk.NewAllocator(index, ts.appender, allCreators{byPath: creators}, s.cfg.TrunkFileSize)

	s.mu.Lock()
	s.trunk = ts
	s.mu.Unlock()

	s.logger.Info().Msg("activated trunk server role")
	metrics.TrunkFreeBytes.WithLabelValues(s.cfg.StorageID).Set(float64(index.TotalFree()))
}

// allCreators dispatches pkg/trunk.ContainerCreator to the creator
// registered for the requested store path.
type allCreators struct {
	byPath map[int]*trunkcontainer.Creator
}

func (c allCreators) CreateContainer(pathIndex int) (int, int64, int, int, error) {
	creator, ok := c.byPath[pathIndex]
	if !ok {
		return 0, 0, 0, 0, fmt.Errorf("no trunk container creator for store path %d: %w", pathIndex, ferr.NotFound)
	}
	return creator.CreateContainer(pathIndex)
}
