// Package binlog implements the append-only, newline-delimited log shared
// by the storage binlog and the trunk binlog (spec §3): a single writer
// appends space-separated ASCII records, and any number of readers tail
// the file from a byte offset that survives process restarts in a mark
// file. Record encoding is left to the caller (pkg/ftype's
// StorageBinlogRecord/TrunkBinlogRecord plus a small codec), so one
// implementation serves both binlog kinds, matching spec §4.9's
// observation that the trunk binlog mirrors the storage binlog's sync
// semantics.
package binlog

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"sync"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
)

// Writer appends newline-terminated records to a single file. Writes are
// serialized by mu and flushed to the OS on every Append; callers that
// need durability across a crash should fsync via Sync.
type Writer struct {
	mu   sync.Mutex
	path string
	f    *os.File
}

// OpenWriter opens (creating if absent) the binlog file at path for
// appending.
func OpenWriter(path string) (*Writer, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("open binlog %s: %w", path, ferr.Internal)
	}
	return &Writer{path: path, f: f}, nil
}

// Append writes one record line (without its own trailing newline) plus a
// newline, and returns the file offset immediately after the write.
func (w *Writer) Append(line string) (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if _, err := w.f.WriteString(line); err != nil {
		return 0, fmt.Errorf("append binlog: %w", ferr.Internal)
	}
	if _, err := w.f.WriteString("\n"); err != nil {
		return 0, fmt.Errorf("append binlog: %w", ferr.Internal)
	}
	off, err := w.f.Seek(0, os.SEEK_CUR)
	if err != nil {
		return 0, fmt.Errorf("stat binlog offset: %w", ferr.Internal)
	}
	return off, nil
}

// Sync flushes the binlog to stable storage.
func (w *Writer) Sync() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Sync()
}

// Size returns the current on-disk size of the binlog.
func (w *Writer) Size() (int64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	fi, err := w.f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat binlog: %w", ferr.Internal)
	}
	return fi.Size(), nil
}

// Path returns the file path backing this writer.
func (w *Writer) Path() string { return w.path }

// Close closes the underlying file.
func (w *Writer) Close() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.f.Close()
}

// Reader tails a binlog file from an arbitrary starting offset, handing
// back whole newline-terminated records.
type Reader struct {
	path string
	f    *os.File
}

// OpenReader opens path for reading and seeks to offset.
func OpenReader(path string, offset int64) (*Reader, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open binlog %s: %w", path, ferr.Internal)
	}
	if offset > 0 {
		if _, err := f.Seek(offset, os.SEEK_SET); err != nil {
			f.Close()
			return nil, fmt.Errorf("seek binlog %s: %w", path, ferr.Internal)
		}
	}
	return &Reader{path: path, f: f}, nil
}

// Close closes the underlying file.
func (r *Reader) Close() error { return r.f.Close() }

// Preread reads up to maxBytes from the current position and trims the
// result back to the last newline boundary, so every byte returned is
// part of a complete record (spec §4.5 step 2). It returns the trimmed
// buffer and the number of bytes consumed from the file, which always
// equals len(buf); a partial trailing record is left for a later call.
func (r *Reader) Preread(maxBytes int) ([]byte, int, error) {
	buf := make([]byte, maxBytes)
	n, err := r.f.Read(buf)
	if err != nil && n == 0 {
		if errors.Is(err, io.EOF) {
			return nil, 0, nil
		}
		return nil, 0, fmt.Errorf("read binlog %s: %w", r.path, ferr.Internal)
	}
	buf = buf[:n]
	last := lastNewline(buf)
	if last < 0 {
		// No complete record yet; rewind so a future, larger read can see
		// the same bytes once more data has been appended.
		if _, serr := r.f.Seek(int64(-n), os.SEEK_CUR); serr != nil {
			return nil, 0, fmt.Errorf("rewind binlog %s: %w", r.path, ferr.Internal)
		}
		return nil, 0, nil
	}
	consumed := last + 1
	if consumed < n {
		if _, serr := r.f.Seek(int64(consumed-n), os.SEEK_CUR); serr != nil {
			return nil, 0, fmt.Errorf("rewind binlog %s: %w", r.path, ferr.Internal)
		}
	}
	return buf[:consumed], consumed, nil
}

func lastNewline(buf []byte) int {
	for i := len(buf) - 1; i >= 0; i-- {
		if buf[i] == '\n' {
			return i
		}
	}
	return -1
}

// SplitLines splits a buffer returned by Preread into its individual
// records (without trailing newlines).
func SplitLines(buf []byte) []string {
	var lines []string
	sc := bufio.NewScanner(bytes.NewReader(buf))
	sc.Buffer(make([]byte, 0, 64*1024), 16*1024*1024)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines
}
