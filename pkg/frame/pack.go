package frame

import (
	"encoding/binary"
	"fmt"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
)

// PackInt64 appends a big-endian 8-byte integer to dst.
func PackInt64(dst []byte, v int64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], uint64(v))
	return append(dst, b[:]...)
}

// UnpackInt64 reads a big-endian 8-byte integer from the front of src.
func UnpackInt64(src []byte) (int64, error) {
	if len(src) < 8 {
		return 0, fmt.Errorf("short int64 field (%d bytes): %w", len(src), ferr.Protocol)
	}
	return int64(binary.BigEndian.Uint64(src[:8])), nil
}

// PackInt32 appends a big-endian 4-byte integer to dst.
func PackInt32(dst []byte, v int32) []byte {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], uint32(v))
	return append(dst, b[:]...)
}

// UnpackInt32 reads a big-endian 4-byte integer from the front of src.
func UnpackInt32(src []byte) (int32, error) {
	if len(src) < 4 {
		return 0, fmt.Errorf("short int32 field (%d bytes): %w", len(src), ferr.Protocol)
	}
	return int32(binary.BigEndian.Uint32(src[:4])), nil
}

// PackFixed appends s to dst, zero-padded (or truncated) to exactly width
// bytes — used for fields the protocol requires at a fixed width, such as
// group names and storage IDs (spec §9).
func PackFixed(dst []byte, s string, width int) []byte {
	b := make([]byte, width)
	copy(b, s)
	return append(dst, b...)
}

// UnpackFixed reads a width-byte fixed field from the front of src and
// trims trailing zero bytes.
func UnpackFixed(src []byte, width int) (string, []byte, error) {
	if len(src) < width {
		return "", nil, fmt.Errorf("short fixed field (want %d, have %d): %w", width, len(src), ferr.Protocol)
	}
	field := src[:width]
	n := width
	for n > 0 && field[n-1] == 0 {
		n--
	}
	return string(field[:n]), src[width:], nil
}

// PackZString appends s followed by a single zero terminator byte.
func PackZString(dst []byte, s string) []byte {
	dst = append(dst, s...)
	return append(dst, 0)
}
