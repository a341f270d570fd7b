package trunk

import (
	"fmt"
	"sync/atomic"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
)

// BinlogAppender records the space operations an Allocator performs, so a
// caller (pkg/trunkbinlog) can persist them and replay them on restart.
// The Allocator does not interpret timestamps; it is the caller's job to
// stamp records before or as they are appended.
type BinlogAppender interface {
	AppendAddSpace(rec ftype.TrunkBinlogRecord) error
	AppendDelSpace(rec ftype.TrunkBinlogRecord) error
}

// ContainerCreator creates a new trunk container file for a store path
// when no existing free block is large enough (spec §4.6 step 4).
type ContainerCreator interface {
	CreateContainer(pathIndex int) (trunkFileID int, size int64, subHigh, subLow int, err error)
}

// Allocator implements spec §4.6's alloc_space/alloc_confirm/free_space
// protocol over an Index. It runs only on a group's trunk server.
//
// Locking is done through index.mu (trunk_mem_lock) rather than a
// mutex of the Allocator's own, so a locally-driven Alloc/Confirm/Free
// can never race ApplyRecord or Snapshot replaying or persisting the
// same Index from another goroutine (incoming trunk binlog sync,
// periodic snapshotting). The lock is never held across network I/O.
type Allocator struct {
	index         *Index
	binlog        BinlogAppender
	containers    ContainerCreator
	trunkFileSize int64

	// holds tracks in-flight HOLD blocks so Confirm can find them by the
	// TrunkFullInfo the caller was handed back from Alloc.
	holds map[ftype.TrunkFullInfo]*Block
}

// NewAllocator wires an Index, the binlog it should record operations to,
// and the container-file factory it uses when it runs out of space.
func NewAllocator(index *Index, appender BinlogAppender, containers ContainerCreator, trunkFileSize int64) *Allocator {
	return &Allocator{
		index:         index,
		binlog:        appender,
		containers:    containers,
		trunkFileSize: trunkFileSize,
		holds:         make(map[ftype.TrunkFullInfo]*Block),
	}
}

// Clock lets tests and the supervisor control the binlog record
// timestamp without the allocator depending on wall-clock time directly.
type Clock func() int64

// Alloc implements spec §4.6's alloc_space(size) -> TrunkFullInfo.
func (a *Allocator) Alloc(pathIndex int, size int64, clock Clock) (ftype.TrunkFullInfo, error) {
	want := a.index.Align(size)

	a.index.mu.Lock()
	defer a.index.mu.Unlock()

	b := a.index.findFreeLocked(pathIndex, want)
	if b == nil {
		fileID, fileSize, subHigh, subLow, err := a.containers.CreateContainer(pathIndex)
		if err != nil {
			return ftype.TrunkFullInfo{}, fmt.Errorf("create trunk container: %w", err)
		}
		whole := &Block{Info: ftype.TrunkFullInfo{
			PathIndex: pathIndex, SubPathHigh: subHigh, SubPathLow: subLow,
			TrunkFileID: fileID, Offset: 0, Size: fileSize, Status: ftype.BlockFree,
		}}
		if err := a.index.insertLocked(whole); err != nil {
			return ftype.TrunkFullInfo{}, err
		}
		b = a.index.findFreeLocked(pathIndex, want)
		if b == nil {
			return ftype.TrunkFullInfo{}, fmt.Errorf("new container smaller than requested size: %w", ferr.Internal)
		}
	}

	original := b.Info
	a.index.removeLocked(b)
	// original was FREE; it is leaving the free set entirely (split into
	// an allocation plus, maybe, a residual free piece).
	decFree(a.index, original.Size)

	allocated := ftype.TrunkFullInfo{
		PathIndex: original.PathIndex, SubPathHigh: original.SubPathHigh, SubPathLow: original.SubPathLow,
		TrunkFileID: original.TrunkFileID, Offset: original.Offset, Size: want, Status: ftype.BlockHold,
	}

	residualSize := original.Size - want
	ts := int64(0)
	if clock != nil {
		ts = clock()
	}
	if err := a.binlog.AppendDelSpace(toTrunkRecord(ts, ftype.TrunkDelSpace, original)); err != nil {
		return ftype.TrunkFullInfo{}, err
	}

	if residualSize >= a.index.slotMin {
		residual := &Block{Info: ftype.TrunkFullInfo{
			PathIndex: original.PathIndex, SubPathHigh: original.SubPathHigh, SubPathLow: original.SubPathLow,
			TrunkFileID: original.TrunkFileID, Offset: original.Offset + want, Size: residualSize, Status: ftype.BlockFree,
		}}
		if err := a.index.insertLocked(residual); err != nil {
			return ftype.TrunkFullInfo{}, err
		}
		if err := a.binlog.AppendAddSpace(toTrunkRecord(ts, ftype.TrunkAddSpace, residual.Info)); err != nil {
			return ftype.TrunkFullInfo{}, err
		}
	}
	// A residual smaller than slot_min is discarded: neither tracked nor
	// binlogged as free space, per spec §4.6 step 5.

	holdBlock := &Block{Info: allocated}
	a.index.insertHoldLocked(holdBlock)
	a.holds[allocated] = holdBlock

	return allocated, nil
}

// Confirm implements spec §4.6's alloc_confirm(trunk_info, status).
// status == nil or ferr.AlreadyExist means success/collision: the HOLD
// block is permanently removed. Any other error rolls the block back to
// FREE at its original position.
func (a *Allocator) Confirm(info ftype.TrunkFullInfo, status error, clock Clock) error {
	a.index.mu.Lock()
	defer a.index.mu.Unlock()

	b, ok := a.holds[info]
	if !ok {
		return fmt.Errorf("confirm: no in-flight allocation for %+v: %w", info, ferr.NotFound)
	}
	delete(a.holds, info)
	a.index.removeLocked(b)

	ts := int64(0)
	if clock != nil {
		ts = clock()
	}

	if status == nil || ferr.Is(status, ferr.AlreadyExist) {
		return a.binlog.AppendDelSpace(toTrunkRecord(ts, ftype.TrunkDelSpace, b.Info))
	}

	b.Info.Status = ftype.BlockFree
	if err := a.index.insertLocked(b); err != nil {
		return err
	}
	return a.binlog.AppendAddSpace(toTrunkRecord(ts, ftype.TrunkAddSpace, b.Info))
}

// Free implements spec §4.6's free_space(trunk_info): called when a
// logical file stored inside a trunk is deleted. It reinserts the range
// as FREE, coalescing with adjacent FREE blocks in the same container.
func (a *Allocator) Free(info ftype.TrunkFullInfo, clock Clock) error {
	a.index.mu.Lock()
	defer a.index.mu.Unlock()

	ts := int64(0)
	if clock != nil {
		ts = clock()
	}
	offset, size := info.Offset, info.Size
	left, right := a.index.adjacentLocked(info.PathIndex, info.TrunkFileID, offset, size)
	if left != nil {
		a.index.removeLocked(left)
		decFree(a.index, left.Info.Size)
		if err := a.binlog.AppendDelSpace(toTrunkRecord(ts, ftype.TrunkDelSpace, left.Info)); err != nil {
			return err
		}
		offset = left.Info.Offset
		size += left.Info.Size
	}
	if right != nil {
		a.index.removeLocked(right)
		decFree(a.index, right.Info.Size)
		if err := a.binlog.AppendDelSpace(toTrunkRecord(ts, ftype.TrunkDelSpace, right.Info)); err != nil {
			return err
		}
		size += right.Info.Size
	}

	merged := &Block{Info: ftype.TrunkFullInfo{
		PathIndex: info.PathIndex, SubPathHigh: info.SubPathHigh, SubPathLow: info.SubPathLow,
		TrunkFileID: info.TrunkFileID, Offset: offset, Size: size, Status: ftype.BlockFree,
	}}
	if err := a.index.insertLocked(merged); err != nil {
		return err
	}
	return a.binlog.AppendAddSpace(toTrunkRecord(ts, ftype.TrunkAddSpace, merged.Info))
}

// ApplyRecord replays one binlog record (local or synced from a peer
// trunk server) into the index. Index.ApplyRecord takes index.mu
// itself, the same lock Alloc/Confirm/Free hold, so a synced record
// can never race a concurrently-running local allocation.
func (a *Allocator) ApplyRecord(rec ftype.TrunkBinlogRecord) error {
	return a.index.ApplyRecord(rec)
}

func toTrunkRecord(ts int64, op ftype.TrunkOp, info ftype.TrunkFullInfo) ftype.TrunkBinlogRecord {
	return ftype.TrunkBinlogRecord{
		Timestamp: ts, Op: op, PathIndex: info.PathIndex,
		SubPathHigh: info.SubPathHigh, SubPathLow: info.SubPathLow,
		TrunkFileID: info.TrunkFileID, Offset: info.Offset, Size: info.Size,
	}
}

func decFree(ix *Index, n int64) {
	atomic.AddInt64(&ix.freeTotal, -n)
}

// insertHoldLocked adds a HOLD block to both indexes without touching
// freeTotal — HOLD blocks are not free space. Callers must hold ix.mu
// (Alloc, its only caller, holds it).
func (ix *Index) insertHoldLocked(b *Block) {
	fk := fileKey{b.Info.PathIndex, b.Info.TrunkFileID}
	list := ix.byFile[fk]
	pos := 0
	for pos < len(list) && list[pos].Info.Offset < b.Info.Offset {
		pos++
	}
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = b
	ix.byFile[fk] = list
	ix.insertBySizeLocked(b)
}
