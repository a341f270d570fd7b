// Package fileid encodes and parses the logical remote filename a
// storage server hands back after a successful upload (spec §6 "Filename
// encoding"): a store-path index, a two-level fan-out directory, a
// base64 payload carrying the source storage server's ID, create
// timestamp, file size and a random disambiguator, and — for
// trunk-backed files — a second base64 segment addressing its slot
// inside a trunk container.
package fileid

import (
	"encoding/base64"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
)

// trunkSizeFlag is the designated high bit in the encoded file_size field
// that marks "this is a trunk-backed file" (spec §6).
const trunkSizeFlag = int64(1) << 62

// pathPrefix mirrors the classic FastDFS "M00"-style store-path prefix.
const pathPrefix = 'M'

// ID addresses one logical file on a storage server.
type ID struct {
	PathIndex       int
	SubHigh         int
	SubLow          int
	SourceStorageID string // ID of the storage server that created this file
	Timestamp       int64
	FileSize        int64
	Disambiguator   [4]byte
	Trunk           *ftype.TrunkFullInfo // nil for a plain, non-trunked file
	Ext             string
}

// New mints an ID for a freshly stored file. subHigh/subLow are the
// two-level fan-out directories the caller already chose; sourceStorageID
// is the local storage server's own ID, embedded so a read against any
// group member can tell where the file originated without a tracker
// round trip.
func New(pathIndex, subHigh, subLow int, sourceStorageID string, fileSize int64, ext string, trunk *ftype.TrunkFullInfo) ID {
	raw := uuid.New()
	var disambiguator [4]byte
	copy(disambiguator[:], raw[:4])
	return ID{
		PathIndex:       pathIndex,
		SubHigh:         subHigh,
		SubLow:          subLow,
		SourceStorageID: sourceStorageID,
		Timestamp:       time.Now().Unix(),
		FileSize:        fileSize,
		Disambiguator:   disambiguator,
		Trunk:           trunk,
		Ext:             strings.TrimPrefix(ext, "."),
	}
}

// IsTrunk reports whether this ID addresses a trunk-backed file.
func (id ID) IsTrunk() bool { return id.Trunk != nil }

// Name renders the logical remote filename.
func (id ID) Name() string {
	size := id.FileSize
	if id.Trunk != nil {
		size |= trunkSizeFlag
	}

	var payload []byte
	payload = frame.PackFixed(payload, id.SourceStorageID, ftype.StorageIDMaxSize)
	payload = frame.PackInt64(payload, id.Timestamp)
	payload = frame.PackInt64(payload, size)
	payload = append(payload, id.Disambiguator[:]...)
	encoded := base64.RawURLEncoding.EncodeToString(payload)

	name := fmt.Sprintf("%c%02X/%02X/%02X/%s", pathPrefix, id.PathIndex, id.SubHigh, id.SubLow, encoded)
	if id.Trunk != nil {
		var trunk []byte
		trunk = frame.PackInt32(trunk, int32(id.Trunk.TrunkFileID))
		trunk = frame.PackInt64(trunk, id.Trunk.Offset)
		trunk = frame.PackInt64(trunk, id.Trunk.Size)
		name += "_" + base64.RawURLEncoding.EncodeToString(trunk)
	}
	if id.Ext != "" {
		name += "." + id.Ext
	}
	return name
}

// Parse decodes a logical remote filename produced by Name back into an
// ID.
func Parse(name string) (ID, error) {
	parts := strings.SplitN(name, "/", 4)
	if len(parts) != 4 || len(parts[0]) != 3 || parts[0][0] != pathPrefix {
		return ID{}, fmt.Errorf("malformed remote filename %q: %w", name, ferr.Protocol)
	}

	pathIndex, err := strconv.ParseUint(parts[0][1:], 16, 32)
	if err != nil {
		return ID{}, fmt.Errorf("malformed store-path index in %q: %w", name, ferr.Protocol)
	}
	high, err := strconv.ParseUint(parts[1], 16, 32)
	if err != nil {
		return ID{}, fmt.Errorf("malformed fan-out directory in %q: %w", name, ferr.Protocol)
	}
	low, err := strconv.ParseUint(parts[2], 16, 32)
	if err != nil {
		return ID{}, fmt.Errorf("malformed fan-out directory in %q: %w", name, ferr.Protocol)
	}

	rest := parts[3]
	ext := ""
	if dot := strings.LastIndexByte(rest, '.'); dot >= 0 {
		ext = rest[dot+1:]
		rest = rest[:dot]
	}

	// The payload's base64 alphabet includes '_', so the trunk segment
	// separator is found by the payload's fixed encoded length instead.
	const payloadLen = ftype.StorageIDMaxSize + 20
	encodedPayload, trunkSeg, hasTrunkSeg := rest, "", false
	if encLen := base64.RawURLEncoding.EncodedLen(payloadLen); len(rest) > encLen && rest[encLen] == '_' {
		encodedPayload, trunkSeg, hasTrunkSeg = rest[:encLen], rest[encLen+1:], true
	}

	raw, err := base64.RawURLEncoding.DecodeString(encodedPayload)
	if err != nil || len(raw) != payloadLen {
		return ID{}, fmt.Errorf("malformed payload in %q: %w", name, ferr.Protocol)
	}
	sourceStorageID, rest2, err := frame.UnpackFixed(raw, ftype.StorageIDMaxSize)
	if err != nil {
		return ID{}, err
	}
	ts, err := frame.UnpackInt64(rest2)
	if err != nil {
		return ID{}, err
	}
	sizeField, err := frame.UnpackInt64(rest2[8:])
	if err != nil {
		return ID{}, err
	}
	var disambiguator [4]byte
	copy(disambiguator[:], rest2[16:20])

	isTrunk := sizeField&trunkSizeFlag != 0
	fileSize := sizeField &^ trunkSizeFlag

	if isTrunk != hasTrunkSeg {
		return ID{}, fmt.Errorf("trunk flag mismatch in %q: %w", name, ferr.Protocol)
	}

	id := ID{
		PathIndex:       int(pathIndex),
		SubHigh:         int(high),
		SubLow:          int(low),
		SourceStorageID: sourceStorageID,
		Timestamp:       ts,
		FileSize:        fileSize,
		Disambiguator:   disambiguator,
		Ext:             ext,
	}

	if isTrunk {
		trunkRaw, err := base64.RawURLEncoding.DecodeString(trunkSeg)
		if err != nil || len(trunkRaw) != 20 {
			return ID{}, fmt.Errorf("malformed trunk segment in %q: %w", name, ferr.Protocol)
		}
		trunkFileID, err := frame.UnpackInt32(trunkRaw)
		if err != nil {
			return ID{}, err
		}
		offset, err := frame.UnpackInt64(trunkRaw[4:])
		if err != nil {
			return ID{}, err
		}
		size, err := frame.UnpackInt64(trunkRaw[12:])
		if err != nil {
			return ID{}, err
		}
		id.Trunk = &ftype.TrunkFullInfo{
			PathIndex:   id.PathIndex,
			SubPathHigh: id.SubHigh,
			SubPathLow:  id.SubLow,
			TrunkFileID: int(trunkFileID),
			Offset:      offset,
			Size:        size,
		}
	}

	return id, nil
}
