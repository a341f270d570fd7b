// Package trunkcontainer creates and addresses trunk container files
// (spec §4.7): large preallocated files under
// <store_path>/data/<sub_path_high>/<sub_path_low>/<id6> into which the
// trunk allocator packs many small logical files.
package trunkcontainer

import (
	"crypto/sha1"
	"encoding/base64"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
)

// subDirCount matches the two-level HH/HH fan-out the storage path layout
// uses everywhere else in the cluster (spec §6 "On-disk layouts").
const subDirCount = 256

// SubPath hashes a trunk file id into its two-level fan-out directory,
// the same way the storage path layout derives (sub_path_high,
// sub_path_low) from the base64 of a file's id (spec §4.7).
func SubPath(trunkFileID int) (high, low int) {
	sum := sha1.Sum([]byte(fmt.Sprintf("%d", trunkFileID)))
	encoded := base64.StdEncoding.EncodeToString(sum[:])
	h, l := 0, 0
	for _, c := range encoded {
		h = (h*31 + int(c)) & 0xff
	}
	for _, c := range encoded[len(encoded)/2:] {
		l = (l*31 + int(c)) & 0xff
	}
	return h % subDirCount, l % subDirCount
}

// Dir returns the directory a container with this (high, low) hash lives
// in, rooted at storePath.
func Dir(storePath string, high, low int) string {
	return filepath.Join(storePath, "data", fmt.Sprintf("%02X", high), fmt.Sprintf("%02X", low))
}

// FilePath returns the full path to trunk container id under storePath.
func FilePath(storePath string, high, low, trunkFileID int) string {
	return filepath.Join(Dir(storePath, high, low), fmt.Sprintf("%06d", trunkFileID))
}

// Creator creates trunk container files rooted at one store path,
// implementing pkg/trunk.ContainerCreator. File ids are assigned from an
// in-memory counter seeded by the caller; persistence of the next-id
// watermark is the supervisor's job (it is derived from the trunk binlog
// on replay, same as every other piece of trunk state).
type Creator struct {
	mu            sync.Mutex
	storePath     string
	pathIndex     int
	trunkFileSize int64
	nextID        int64
}

// NewCreator returns a Creator rooted at storePath (pathIndex identifies
// it among a storage server's configured store paths), starting file ids
// at startID+1.
func NewCreator(storePath string, pathIndex int, trunkFileSize int64, startID int64) *Creator {
	return &Creator{storePath: storePath, pathIndex: pathIndex, trunkFileSize: trunkFileSize, nextID: startID}
}

// CreateContainer implements pkg/trunk.ContainerCreator: it allocates the
// next file id, creates (or resizes up) the backing file to exactly
// trunk_file_size, and returns its address.
func (c *Creator) CreateContainer(pathIndex int) (trunkFileID int, size int64, subHigh, subLow int, err error) {
	if pathIndex != c.pathIndex {
		return 0, 0, 0, 0, fmt.Errorf("creator for path %d asked to create on path %d: %w", c.pathIndex, pathIndex, ferr.Internal)
	}
	id := int(atomic.AddInt64(&c.nextID, 1))
	high, low := SubPath(id)

	c.mu.Lock()
	defer c.mu.Unlock()

	dir := Dir(c.storePath, high, low)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return 0, 0, 0, 0, fmt.Errorf("mkdir %s: %w", dir, ferr.Internal)
	}
	path := FilePath(c.storePath, high, low, id)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("create trunk container %s: %w", path, ferr.Internal)
	}
	defer f.Close()

	fi, err := f.Stat()
	if err != nil {
		return 0, 0, 0, 0, fmt.Errorf("stat trunk container %s: %w", path, ferr.Internal)
	}
	if fi.Size() < c.trunkFileSize {
		if err := f.Truncate(c.trunkFileSize); err != nil {
			return 0, 0, 0, 0, fmt.Errorf("truncate trunk container %s: %w", path, ferr.Internal)
		}
	} else if fi.Size() > c.trunkFileSize {
		return 0, 0, 0, 0, fmt.Errorf("trunk container %s already larger than trunk_file_size: %w", path, ferr.InvalidState)
	}

	return id, c.trunkFileSize, high, low, nil
}

// Open opens an existing container file for slot reads/writes, verifying
// it is at least trunk_file_size (spec §4.7 "checked on startup").
func Open(storePath string, high, low, trunkFileID int, trunkFileSize int64) (*os.File, error) {
	path := FilePath(storePath, high, low, trunkFileID)
	f, err := os.OpenFile(path, os.O_RDWR, 0644)
	if err != nil {
		return nil, fmt.Errorf("open trunk container %s: %w", path, ferr.Internal)
	}
	fi, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat trunk container %s: %w", path, ferr.Internal)
	}
	if fi.Size() < trunkFileSize {
		if err := f.Truncate(trunkFileSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("resize-up trunk container %s: %w", path, ferr.Internal)
		}
	}
	return f, nil
}
