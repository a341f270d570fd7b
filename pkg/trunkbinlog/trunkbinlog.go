// Package trunkbinlog persists the trunk free-space index (spec §4.8):
// an append-only text binlog of add-space/del-space operations, a
// periodic snapshot (storage_trunk.dat) that lets startup skip most of
// the binlog, and a staged, crash-recoverable compaction protocol.
package trunkbinlog

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/happyfish100/fastdfs-sub012/pkg/binlog"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
	"github.com/happyfish100/fastdfs-sub012/pkg/trunk"
)

// Appender adapts a binlog.Writer to trunk.BinlogAppender, so the
// allocator can record add-space/del-space without knowing about files.
type Appender struct {
	w *binlog.Writer
}

// NewAppender wraps an already-open binlog writer.
func NewAppender(w *binlog.Writer) *Appender { return &Appender{w: w} }

func (a *Appender) AppendAddSpace(rec ftype.TrunkBinlogRecord) error {
	rec.Op = ftype.TrunkAddSpace
	_, err := a.w.Append(ftype.EncodeTrunkBinlogRecord(rec))
	return err
}

func (a *Appender) AppendDelSpace(rec ftype.TrunkBinlogRecord) error {
	rec.Op = ftype.TrunkDelSpace
	_, err := a.w.Append(ftype.EncodeTrunkBinlogRecord(rec))
	return err
}

var _ trunk.BinlogAppender = (*Appender)(nil)

// LoadIndex rebuilds a trunk.Index by loading the snapshot at
// snapshotPath (if present) and replaying the binlog at binlogPath from
// the snapshot's recorded offset, or from the start if there is no
// snapshot (spec §4.8 "if no snapshot exists, the full binlog is
// replayed").
func LoadIndex(binlogPath, snapshotPath string, slotMin, alignment int64) (*trunk.Index, error) {
	index := trunk.NewIndex(slotMin, alignment)

	offset, err := loadSnapshotInto(index, snapshotPath)
	if err != nil {
		return nil, err
	}

	r, err := binlog.OpenReader(binlogPath, offset)
	if err != nil {
		if os.IsNotExist(err) {
			return index, nil
		}
		return nil, err
	}
	defer r.Close()

	for {
		buf, n, err := r.Preread(4 << 20)
		if err != nil {
			return nil, err
		}
		if n == 0 {
			break
		}
		for _, line := range binlog.SplitLines(buf) {
			rec, err := ftype.DecodeTrunkBinlogRecord(line)
			if err != nil {
				return nil, err
			}
			if err := index.ApplyRecord(rec); err != nil {
				return nil, err
			}
		}
	}
	return index, nil
}

// loadSnapshotInto reads storage_trunk.dat (first line: binlog offset;
// remaining lines: add-space records for every FREE block) and returns
// the recorded offset. A missing snapshot is not an error: offset 0.
func loadSnapshotInto(index *trunk.Index, path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("open trunk snapshot %s: %w", path, ferr.Internal)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	if !sc.Scan() {
		return 0, nil
	}
	offset, err := strconv.ParseInt(strings.TrimSpace(sc.Text()), 10, 64)
	if err != nil {
		return 0, fmt.Errorf("bad trunk snapshot offset in %s: %w", path, ferr.Protocol)
	}
	for sc.Scan() {
		line := sc.Text()
		if line == "" {
			continue
		}
		rec, err := ftype.DecodeTrunkBinlogRecord(line)
		if err != nil {
			return 0, err
		}
		if err := index.ApplyRecord(rec); err != nil {
			return 0, err
		}
	}
	if err := sc.Err(); err != nil {
		return 0, fmt.Errorf("read trunk snapshot %s: %w", path, ferr.Internal)
	}
	return offset, nil
}

// SaveSnapshot writes the current FREE block set to path with
// rename-after-write durability, recording offset as the binlog position
// this snapshot is valid as-of (spec §4.8 step 2).
func SaveSnapshot(index *trunk.Index, path string, offset int64) error {
	tmp := path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create trunk snapshot tmp %s: %w", tmp, ferr.Internal)
	}
	w := bufio.NewWriter(f)
	fmt.Fprintf(w, "%d\n", offset)
	for _, rec := range index.Snapshot() {
		fmt.Fprintln(w, ftype.EncodeTrunkBinlogRecord(rec))
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush trunk snapshot tmp %s: %w", tmp, ferr.Internal)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync trunk snapshot tmp %s: %w", tmp, ferr.Internal)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close trunk snapshot tmp %s: %w", tmp, ferr.Internal)
	}
	if err := os.Rename(tmp, path); err != nil {
		return fmt.Errorf("rename trunk snapshot tmp %s: %w", tmp, ferr.Internal)
	}
	return nil
}
