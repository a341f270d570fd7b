package binlog

import (
	"bufio"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"sync"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
)

// Mark is a per-(local binlog, remote peer) sync cursor (spec §3 "mark
// file"): at minimum a binlog_offset key, persisted as key=value lines.
type Mark struct {
	mu     sync.Mutex
	path   string
	values map[string]string
}

// OpenMark loads (or creates) the mark file at path. A missing file
// starts at offset 0.
func OpenMark(path string) (*Mark, error) {
	m := &Mark{path: path, values: map[string]string{"binlog_offset": "0"}}
	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return m, nil
		}
		return nil, fmt.Errorf("open mark %s: %w", path, ferr.Internal)
	}
	defer f.Close()

	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		k, v, ok := strings.Cut(line, "=")
		if !ok {
			continue
		}
		m.values[k] = v
	}
	if err := sc.Err(); err != nil {
		return nil, fmt.Errorf("read mark %s: %w", path, ferr.Internal)
	}
	return m, nil
}

// Value returns an arbitrary persisted key, alongside whether it was set.
func (m *Mark) Value(key string) (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.values[key]
	return v, ok
}

// Offset returns the persisted binlog_offset.
func (m *Mark) Offset() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	n, _ := strconv.ParseInt(m.values["binlog_offset"], 10, 64)
	return n
}

// Set updates an arbitrary key in the mark and flushes it to disk with
// rename-after-write durability (spec §3).
func (m *Mark) Set(key, value string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.values[key] = value
	return m.flushLocked()
}

// SetOffset persists a new binlog_offset.
func (m *Mark) SetOffset(offset int64) error {
	return m.Set("binlog_offset", strconv.FormatInt(offset, 10))
}

func (m *Mark) flushLocked() error {
	tmp := m.path + ".tmp"
	f, err := os.Create(tmp)
	if err != nil {
		return fmt.Errorf("create mark tmp %s: %w", tmp, ferr.Internal)
	}
	w := bufio.NewWriter(f)
	// Deterministic order keeps the file diff-friendly and makes tests
	// reproducible.
	if v, ok := m.values["binlog_offset"]; ok {
		fmt.Fprintf(w, "binlog_offset=%s\n", v)
	}
	keys := make([]string, 0, len(m.values))
	for k := range m.values {
		if k != "binlog_offset" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		fmt.Fprintf(w, "%s=%s\n", k, m.values[k])
	}
	if err := w.Flush(); err != nil {
		f.Close()
		return fmt.Errorf("flush mark tmp %s: %w", tmp, ferr.Internal)
	}
	if err := f.Sync(); err != nil {
		f.Close()
		return fmt.Errorf("sync mark tmp %s: %w", tmp, ferr.Internal)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close mark tmp %s: %w", tmp, ferr.Internal)
	}
	if err := os.Rename(tmp, m.path); err != nil {
		return fmt.Errorf("rename mark tmp %s: %w", tmp, ferr.Internal)
	}
	return nil
}
