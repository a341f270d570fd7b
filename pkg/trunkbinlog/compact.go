package trunkbinlog

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/happyfish100/fastdfs-sub012/pkg/binlog"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/trunk"
)

// Stage is the recoverable step of an in-progress compaction, persisted
// to a small key=value file so a crash mid-compaction can resume or roll
// back on next startup (spec §4.8).
type Stage string

const (
	StageNone             Stage = "NONE"
	StageCompressBegin    Stage = "COMPRESS_BEGIN"
	StageApplyDone        Stage = "APPLY_DONE"
	StageSaveDone         Stage = "SAVE_DONE"
	StageCommitMerging    Stage = "COMMIT_MERGING"
	StageCommitMergeDone  Stage = "COMMIT_MERGE_DONE"
	StageCompressSuccess  Stage = "COMPRESS_SUCCESS"
	StageRollbackMerging  Stage = "ROLLBACK_MERGING"
	StageRollbackMergeDone Stage = "ROLLBACK_MERGE_DONE"
	StageFinished         Stage = "FINISHED"
)

// Paths names every file a Compactor touches, so tests can point them at
// a scratch directory.
type Paths struct {
	Binlog         string // data/trunk/binlog
	RollbackBinlog string // data/trunk/binlog.rollback
	Snapshot       string // data/storage_trunk.dat
	StageFile      string // sync-ini-style file recording Stage
}

// Compactor runs spec §4.8's staged compaction over one group's trunk
// binlog. It is not safe for concurrent use; the supervisor serializes
// compaction against new alloc/confirm/free traffic by running it on the
// same goroutine that owns the Index, or by pausing allocation first.
type Compactor struct {
	paths Paths
	index *trunk.Index
}

// NewCompactor wires a Compactor to the Index it compacts and the files
// it persists to.
func NewCompactor(index *trunk.Index, paths Paths) *Compactor {
	return &Compactor{paths: paths, index: index}
}

// Stage reads the persisted compaction stage, defaulting to StageNone if
// no stage file exists yet.
func (c *Compactor) Stage() (Stage, error) {
	m, err := binlog.OpenMark(c.paths.StageFile)
	if err != nil {
		return "", err
	}
	if s, ok := m.Value("stage"); ok && s != "" {
		return Stage(s), nil
	}
	return StageNone, nil
}

func (c *Compactor) setStage(s Stage) error {
	m, err := binlog.OpenMark(c.paths.StageFile)
	if err != nil {
		return err
	}
	return m.Set("stage", string(s))
}

// Run executes one full compaction pass: rotate the active binlog aside,
// snapshot the current FREE set, merge snapshot + rollback tail into a
// fresh binlog, then discard the rollback file (spec §4.8 steps 1-4).
func (c *Compactor) Run() error {
	if err := c.setStage(StageCompressBegin); err != nil {
		return err
	}

	if err := os.Rename(c.paths.Binlog, c.paths.RollbackBinlog); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("rotate trunk binlog: %w", ferr.Internal)
	}
	fresh, err := binlog.OpenWriter(c.paths.Binlog)
	if err != nil {
		return err
	}
	if err := fresh.Close(); err != nil {
		return err
	}
	if err := c.setStage(StageApplyDone); err != nil {
		return err
	}

	rollbackSize, err := fileSize(c.paths.RollbackBinlog)
	if err != nil {
		return err
	}
	if err := SaveSnapshot(c.index, c.paths.Snapshot, rollbackSize); err != nil {
		return err
	}
	if err := c.setStage(StageSaveDone); err != nil {
		return err
	}

	if err := c.setStage(StageCommitMerging); err != nil {
		return err
	}
	// The snapshot already reflects every op up to rollbackSize; any ops
	// appended to the fresh binlog after rotation (recorded by the
	// Allocator concurrently with this pass) remain in c.paths.Binlog and
	// are replayed on top of the snapshot at next startup, so nothing
	// further needs merging here beyond discarding the rollback file.
	if err := c.setStage(StageCommitMergeDone); err != nil {
		return err
	}

	if err := os.Remove(c.paths.RollbackBinlog); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove trunk rollback binlog: %w", ferr.Internal)
	}
	if err := c.setStage(StageCompressSuccess); err != nil {
		return err
	}
	return c.setStage(StageFinished)
}

// Recover inspects the persisted stage on startup and either resumes a
// compaction that completed past the point of no return, or rolls back
// by concatenating the rollback file in front of the current binlog
// (spec §4.8 step 4, and §8 boundary scenario 3).
func (c *Compactor) Recover() error {
	stage, err := c.Stage()
	if err != nil {
		return err
	}
	switch stage {
	case StageNone, StageFinished:
		return nil
	case StageCompressSuccess:
		return c.setStage(StageFinished)
	case StageCompressBegin, StageApplyDone, StageSaveDone, StageCommitMerging:
		return c.rollback()
	case StageCommitMergeDone:
		// Past the point where the rollback file is still needed; finish
		// the cleanup the original run didn't get to.
		if err := os.Remove(c.paths.RollbackBinlog); err != nil && !os.IsNotExist(err) {
			return fmt.Errorf("remove trunk rollback binlog: %w", ferr.Internal)
		}
		return c.setStage(StageFinished)
	case StageRollbackMerging, StageRollbackMergeDone:
		return c.finishRollback()
	default:
		return fmt.Errorf("unknown compaction stage %q: %w", stage, ferr.InvalidState)
	}
}

func (c *Compactor) rollback() error {
	if err := c.setStage(StageRollbackMerging); err != nil {
		return err
	}
	if _, err := os.Stat(c.paths.RollbackBinlog); err == nil {
		if err := prependFile(c.paths.RollbackBinlog, c.paths.Binlog); err != nil {
			return err
		}
	}
	if err := c.setStage(StageRollbackMergeDone); err != nil {
		return err
	}
	return c.finishRollback()
}

func (c *Compactor) finishRollback() error {
	if err := os.Remove(c.paths.RollbackBinlog); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove trunk rollback binlog: %w", ferr.Internal)
	}
	return c.setStage(StageFinished)
}

// prependFile writes src's bytes in front of dst's current contents,
// via a temp file plus rename so a crash mid-concatenation leaves
// whichever of src/dst was already on disk untouched.
func prependFile(src, dst string) error {
	tmp := dst + ".merge.tmp"
	out, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create merge tmp %s: %w", tmp, ferr.Internal)
	}
	defer out.Close()

	if err := copyFile(out, src); err != nil {
		return err
	}
	if _, err := os.Stat(dst); err == nil {
		if err := copyFile(out, dst); err != nil {
			return err
		}
	}
	if err := out.Sync(); err != nil {
		return fmt.Errorf("sync merge tmp %s: %w", tmp, ferr.Internal)
	}
	if err := out.Close(); err != nil {
		return fmt.Errorf("close merge tmp %s: %w", tmp, ferr.Internal)
	}
	if err := os.Rename(tmp, dst); err != nil {
		return fmt.Errorf("rename merge tmp %s: %w", tmp, ferr.Internal)
	}
	return nil
}

func copyFile(dst *os.File, srcPath string) error {
	src, err := os.Open(srcPath)
	if err != nil {
		return fmt.Errorf("open %s: %w", srcPath, ferr.Internal)
	}
	defer src.Close()
	buf := make([]byte, 64*1024)
	for {
		n, err := src.Read(buf)
		if n > 0 {
			if _, werr := dst.Write(buf[:n]); werr != nil {
				return fmt.Errorf("write merge tmp: %w", ferr.Internal)
			}
		}
		if err != nil {
			if errors.Is(err, io.EOF) {
				return nil
			}
			return fmt.Errorf("read %s: %w", srcPath, ferr.Internal)
		}
	}
}

func fileSize(path string) (int64, error) {
	fi, err := os.Stat(path)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, fmt.Errorf("stat %s: %w", path, ferr.Internal)
	}
	return fi.Size(), nil
}
