// Package trunk implements the free-space allocator that lives on a
// group's trunk server (spec §4.6): two indexes over the same set of FREE
// blocks — one keyed by exact block size for first-fit allocation, one
// keyed by (store path, trunk file) for overlap detection and coalescing
// — plus the alloc/confirm/free protocol built on top of them.
package trunk

import (
	"fmt"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
)

// Block is one free-space extent tracked in the index. The same *Block
// is reachable from both the by-size and by-file views; changing its
// Info.Status in place is how alloc/confirm/free move it between them.
type Block struct {
	Info ftype.TrunkFullInfo
}

// fileKey identifies one container file within one store path.
type fileKey struct {
	pathIndex   int
	trunkFileID int
}

// Index holds every FREE block for a group, indexed both ways, together
// with the HOLD blocks of allocations still awaiting confirm. A single
// mutex guards it, matching spec §5's "trunk_mem_lock": held across
// alloc/confirm/free, never across network I/O.
type Index struct {
	mu sync.Mutex

	// bySize[pathIndex][size] is the FIFO of free blocks of exactly that
	// size for that store path.
	bySize map[int]map[int64][]*Block
	// sizeKeys[pathIndex] is bySize[pathIndex]'s keys, kept sorted
	// ascending so allocation can binary-search for the first size class
	// >= the requested size.
	sizeKeys map[int][]int64

	// byFile[fileKey] is that container's free blocks, sorted by offset,
	// used to reject overlapping inserts and to coalesce neighbors.
	byFile map[fileKey][]*Block

	freeTotal int64 // atomic; sum of all FREE block sizes

	slotMin   int64
	alignment int64
}

// NewIndex creates an empty Index. slotMin is the minimum tracked block
// size (spec §4.6: smaller residuals are discarded); alignment, if > 0,
// rounds allocation requests up to a multiple of itself.
func NewIndex(slotMin, alignment int64) *Index {
	return &Index{
		bySize:    make(map[int]map[int64][]*Block),
		sizeKeys:  make(map[int][]int64),
		byFile:    make(map[fileKey][]*Block),
		slotMin:   slotMin,
		alignment: alignment,
	}
}

// TotalFree returns the current sum of FREE block sizes.
func (ix *Index) TotalFree() int64 {
	return atomic.LoadInt64(&ix.freeTotal)
}

// Align rounds size up to the minimum tracked block size, then to the
// configured allocation alignment (spec §4.6 step 1).
func (ix *Index) Align(size int64) int64 {
	if size <= ix.slotMin {
		return ix.slotMin
	}
	if ix.alignment > 0 && size%ix.alignment != 0 {
		size += ix.alignment - size%ix.alignment
	}
	return size
}

// insertLocked adds a FREE block to both indexes. Callers must hold ix.mu.
// It rejects (spec-configurable as reject-or-ignore; this implementation
// rejects) any block whose range overlaps an existing FREE block in the
// same container.
func (ix *Index) insertLocked(b *Block) error {
	if b.Info.Status != ftype.BlockFree {
		return fmt.Errorf("insertLocked: block is not FREE: %w", ferr.InvalidState)
	}
	fk := fileKey{b.Info.PathIndex, b.Info.TrunkFileID}
	list := ix.byFile[fk]
	pos := sort.Search(len(list), func(i int) bool { return list[i].Info.Offset >= b.Info.Offset })
	if pos < len(list) && list[pos].Info.Offset < b.Info.Offset+b.Info.Size {
		return fmt.Errorf("block [%d,%d) overlaps existing block at %d: %w",
			b.Info.Offset, b.Info.Offset+b.Info.Size, list[pos].Info.Offset, ferr.AlreadyExist)
	}
	if pos > 0 {
		prev := list[pos-1]
		if prev.Info.Offset+prev.Info.Size > b.Info.Offset {
			return fmt.Errorf("block [%d,%d) overlaps preceding block at %d: %w",
				b.Info.Offset, b.Info.Offset+b.Info.Size, prev.Info.Offset, ferr.AlreadyExist)
		}
	}
	list = append(list, nil)
	copy(list[pos+1:], list[pos:])
	list[pos] = b
	ix.byFile[fk] = list

	ix.insertBySizeLocked(b)
	atomic.AddInt64(&ix.freeTotal, b.Info.Size)
	return nil
}

func (ix *Index) insertBySizeLocked(b *Block) {
	p := b.Info.PathIndex
	if ix.bySize[p] == nil {
		ix.bySize[p] = make(map[int64][]*Block)
	}
	size := b.Info.Size
	if _, ok := ix.bySize[p][size]; !ok {
		keys := ix.sizeKeys[p]
		pos := sort.Search(len(keys), func(i int) bool { return keys[i] >= size })
		keys = append(keys, 0)
		copy(keys[pos+1:], keys[pos:])
		keys[pos] = size
		ix.sizeKeys[p] = keys
	}
	ix.bySize[p][size] = append(ix.bySize[p][size], b)
}

// removeLocked detaches b from both indexes. Callers must hold ix.mu. It
// does not adjust freeTotal — callers decide whether the block's size
// still counts as free (e.g. a HOLD promotion keeps the block out of
// freeTotal, while a permanent delete after confirm also removes it).
func (ix *Index) removeLocked(b *Block) {
	fk := fileKey{b.Info.PathIndex, b.Info.TrunkFileID}
	list := ix.byFile[fk]
	for i, x := range list {
		if x == b {
			ix.byFile[fk] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(ix.byFile[fk]) == 0 {
		delete(ix.byFile, fk)
	}

	p := b.Info.PathIndex
	size := b.Info.Size
	sizeList := ix.bySize[p][size]
	for i, x := range sizeList {
		if x == b {
			sizeList = append(sizeList[:i], sizeList[i+1:]...)
			break
		}
	}
	if len(sizeList) == 0 {
		delete(ix.bySize[p], size)
		keys := ix.sizeKeys[p]
		pos := sort.Search(len(keys), func(i int) bool { return keys[i] >= size })
		if pos < len(keys) && keys[pos] == size {
			ix.sizeKeys[p] = append(keys[:pos], keys[pos+1:]...)
		}
	} else {
		ix.bySize[p][size] = sizeList
	}
}

// findFreeLocked returns the first block in the smallest size class >=
// want whose status is FREE (not HOLD), skipping classes that are
// entirely HOLD (spec §4.6 step 3). Callers must hold ix.mu.
func (ix *Index) findFreeLocked(pathIndex int, want int64) *Block {
	keys := ix.sizeKeys[pathIndex]
	start := sort.Search(len(keys), func(i int) bool { return keys[i] >= want })
	for _, size := range keys[start:] {
		for _, b := range ix.bySize[pathIndex][size] {
			if b.Info.Status == ftype.BlockFree {
				return b
			}
		}
	}
	return nil
}

// ApplyRecord replays one trunk binlog record against the index: an
// add-space record inserts a FREE block, a del-space record removes it.
// Used during startup replay (pkg/trunkbinlog) where the caller does not
// hold ix.mu itself.
func (ix *Index) ApplyRecord(rec ftype.TrunkBinlogRecord) error {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	b := &Block{Info: ftype.TrunkFullInfo{
		PathIndex: rec.PathIndex, SubPathHigh: rec.SubPathHigh, SubPathLow: rec.SubPathLow,
		TrunkFileID: rec.TrunkFileID, Offset: rec.Offset, Size: rec.Size, Status: ftype.BlockFree,
	}}
	switch rec.Op {
	case ftype.TrunkAddSpace:
		return ix.insertLocked(b)
	case ftype.TrunkDelSpace:
		fk := fileKey{rec.PathIndex, rec.TrunkFileID}
		for _, existing := range ix.byFile[fk] {
			if existing.Info.Offset == rec.Offset && existing.Info.Size == rec.Size {
				ix.removeLocked(existing)
				atomic.AddInt64(&ix.freeTotal, -existing.Info.Size)
				return nil
			}
		}
		// del-space for a range never added as FREE (e.g. a too-small
		// split residual, spec §4.6 step 5): nothing to remove.
		return nil
	default:
		return fmt.Errorf("unknown trunk binlog op %q: %w", rec.Op, ferr.Protocol)
	}
}

// Snapshot returns one add-space record per currently-FREE block, in the
// format pkg/trunkbinlog persists to storage_trunk.dat.
func (ix *Index) Snapshot() []ftype.TrunkBinlogRecord {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	var out []ftype.TrunkBinlogRecord
	for _, list := range ix.byFile {
		for _, b := range list {
			if b.Info.Status != ftype.BlockFree {
				continue
			}
			out = append(out, ftype.TrunkBinlogRecord{
				Op:          ftype.TrunkAddSpace,
				PathIndex:   b.Info.PathIndex,
				SubPathHigh: b.Info.SubPathHigh,
				SubPathLow:  b.Info.SubPathLow,
				TrunkFileID: b.Info.TrunkFileID,
				Offset:      b.Info.Offset,
				Size:        b.Info.Size,
			})
		}
	}
	return out
}

// MaxTrunkFileID returns the highest trunk container id this index has
// seen for pathIndex, or 0 if none. A restarted trunk server seeds each
// store path's container-id counter from this value so freshly created
// containers never collide with ones the binlog already knows about.
func (ix *Index) MaxTrunkFileID(pathIndex int) int {
	ix.mu.Lock()
	defer ix.mu.Unlock()

	max := 0
	for fk := range ix.byFile {
		if fk.pathIndex == pathIndex && fk.trunkFileID > max {
			max = fk.trunkFileID
		}
	}
	return max
}

// adjacentLocked returns the existing FREE blocks in the same container
// that directly abut [offset, offset+size) on the left and/or right, for
// coalescing a newly-freed range before it is inserted. Callers must hold
// ix.mu.
func (ix *Index) adjacentLocked(pathIndex, trunkFileID int, offset, size int64) (left, right *Block) {
	fk := fileKey{pathIndex, trunkFileID}
	list := ix.byFile[fk]
	pos := sort.Search(len(list), func(i int) bool { return list[i].Info.Offset >= offset })
	if pos > 0 && list[pos-1].Info.Offset+list[pos-1].Info.Size == offset {
		left = list[pos-1]
	}
	if pos < len(list) && list[pos].Info.Offset == offset+size {
		right = list[pos]
	}
	return left, right
}
