// Package storepath implements the narrow on-disk file store for
// non-trunked files that spec §1 places out of scope beyond the
// interface a storage node's upload/download/delete handlers need:
// create, open, stat, and remove a file under a store-path root, laid
// out by the same two-level subdirectory hashing the filename encoding
// describes (spec §3, §6 "<base>/data/<store-path-n>/data/HH/HH/...").
//
// Adapted from the teacher's local volume driver (pkg/volume): same
// mkdir-then-write shape, generalized from one volume directory per
// container to the two-level fan-out a store path needs.
package storepath

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
)

// Store is one store-path root on a storage server.
type Store struct {
	root string
}

// New returns a Store rooted at root, creating it if necessary.
func New(root string) (*Store, error) {
	if err := os.MkdirAll(root, 0755); err != nil {
		return nil, fmt.Errorf("create store-path root %s: %w", root, ferr.Internal)
	}
	return &Store{root: root}, nil
}

// Root returns the store path's root directory.
func (s *Store) Root() string { return s.root }

// Path returns the absolute path for a two-level-hashed filename
// (high, low subdirectories, then the file's base name).
func (s *Store) Path(high, low int, name string) string {
	return filepath.Join(s.root, "data", fmt.Sprintf("%02X", high), fmt.Sprintf("%02X", low), name)
}

// Create creates (or truncates) a file at the given address, creating
// its two-level subdirectory if necessary, and writes payload to it.
func (s *Store) Create(high, low int, name string, payload io.Reader) (int64, error) {
	path := s.Path(high, low, name)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return 0, fmt.Errorf("create subdirectory for %s: %w", path, ferr.Internal)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0644)
	if err != nil {
		return 0, fmt.Errorf("create %s: %w", path, ferr.Internal)
	}
	defer f.Close()

	n, err := io.Copy(f, payload)
	if err != nil {
		return n, fmt.Errorf("write %s: %w", path, ferr.Internal)
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("sync %s: %w", path, ferr.Internal)
	}
	return n, nil
}

// Open opens a file for reading.
func (s *Store) Open(high, low int, name string) (*os.File, error) {
	f, err := os.Open(s.Path(high, low, name))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%s: %w", name, ferr.NotFound)
		}
		return nil, fmt.Errorf("open %s: %w", name, ferr.Internal)
	}
	return f, nil
}

// Stat returns the size in bytes of a stored file.
func (s *Store) Stat(high, low int, name string) (int64, error) {
	fi, err := os.Stat(s.Path(high, low, name))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%s: %w", name, ferr.NotFound)
		}
		return 0, fmt.Errorf("stat %s: %w", name, ferr.Internal)
	}
	return fi.Size(), nil
}

// Remove deletes a stored file. Removing an already-absent file is not
// an error, matching the idempotent delete semantics storage handlers
// need when replaying a binlog record twice.
func (s *Store) Remove(high, low int, name string) error {
	if err := os.Remove(s.Path(high, low, name)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("remove %s: %w", name, ferr.Internal)
	}
	return nil
}

// Append appends data to an existing stored file (spec §4's "append to
// an existing file" upload variant).
func (s *Store) Append(high, low int, name string, data io.Reader) (int64, error) {
	path := s.Path(high, low, name)
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%s: %w", name, ferr.NotFound)
		}
		return 0, fmt.Errorf("open %s for append: %w", name, ferr.Internal)
	}
	defer f.Close()

	n, err := io.Copy(f, data)
	if err != nil {
		return n, fmt.Errorf("append %s: %w", name, ferr.Internal)
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("sync %s: %w", name, ferr.Internal)
	}
	return n, nil
}

// WriteAt overwrites an existing stored file at offset (MODIFY_FILE).
func (s *Store) WriteAt(high, low int, name string, offset int64, data io.Reader) (int64, error) {
	path := s.Path(high, low, name)
	f, err := os.OpenFile(path, os.O_WRONLY, 0644)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, fmt.Errorf("%s: %w", name, ferr.NotFound)
		}
		return 0, fmt.Errorf("open %s for write: %w", name, ferr.Internal)
	}
	defer f.Close()

	n, err := io.Copy(io.NewOffsetWriter(f, offset), data)
	if err != nil {
		return n, fmt.Errorf("write %s at %d: %w", name, offset, ferr.Internal)
	}
	if err := f.Sync(); err != nil {
		return n, fmt.Errorf("sync %s: %w", name, ferr.Internal)
	}
	return n, nil
}

// Truncate resizes an existing stored file (TRUNCATE_FILE).
func (s *Store) Truncate(high, low int, name string, size int64) error {
	path := s.Path(high, low, name)
	if err := os.Truncate(path, size); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%s: %w", name, ferr.NotFound)
		}
		return fmt.Errorf("truncate %s: %w", name, ferr.Internal)
	}
	return nil
}
