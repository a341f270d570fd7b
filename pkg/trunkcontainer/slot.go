package trunkcontainer

import (
	"fmt"
	"io"
	"os"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
)

// extNameWidth is the fixed width of a slot header's formatted extension
// field (spec §6). Six bytes covers every extension FastDFS-style
// deployments see in practice, with room to spare.
const extNameWidth = 6

// HeaderSize is the on-wire size of a trunk slot header: file_type(1) +
// alloc_size(4) + file_size(4) + crc32(4) + mtime(4) + ext_name(fixed).
const HeaderSize = 1 + 4 + 4 + 4 + 4 + extNameWidth

// EncodeHeader renders a slot header in the fixed layout spec §6
// describes.
func EncodeHeader(h ftype.TrunkHeader) []byte {
	buf := make([]byte, 0, HeaderSize)
	buf = append(buf, h.FileType)
	buf = frame.PackInt32(buf, h.AllocSize)
	buf = frame.PackInt32(buf, h.FileSize)
	buf = frame.PackInt32(buf, int32(h.CRC32))
	buf = frame.PackInt32(buf, h.Mtime)
	buf = frame.PackFixed(buf, h.ExtName, extNameWidth)
	return buf
}

// DecodeHeader parses a slot header from exactly HeaderSize bytes.
func DecodeHeader(buf []byte) (ftype.TrunkHeader, error) {
	if len(buf) < HeaderSize {
		return ftype.TrunkHeader{}, fmt.Errorf("short trunk header (%d bytes): %w", len(buf), ferr.Protocol)
	}
	h := ftype.TrunkHeader{FileType: buf[0]}
	rest := buf[1:]
	var err error
	if h.AllocSize, err = frame.UnpackInt32(rest); err != nil {
		return ftype.TrunkHeader{}, err
	}
	rest = rest[4:]
	if h.FileSize, err = frame.UnpackInt32(rest); err != nil {
		return ftype.TrunkHeader{}, err
	}
	rest = rest[4:]
	crc, err := frame.UnpackInt32(rest)
	if err != nil {
		return ftype.TrunkHeader{}, err
	}
	h.CRC32 = uint32(crc)
	rest = rest[4:]
	if h.Mtime, err = frame.UnpackInt32(rest); err != nil {
		return ftype.TrunkHeader{}, err
	}
	rest = rest[4:]
	ext, _, err := frame.UnpackFixed(rest, extNameWidth)
	if err != nil {
		return ftype.TrunkHeader{}, err
	}
	h.ExtName = ext
	return h, nil
}

// WriteSlot writes a header plus payload at offset within the already-open
// container file f. The caller (trunk allocator's confirm path) owns the
// TrunkFullInfo that reserved this offset.
func WriteSlot(f *os.File, offset int64, h ftype.TrunkHeader, payload []byte) error {
	buf := append(EncodeHeader(h), payload...)
	if _, err := f.WriteAt(buf, offset); err != nil {
		return fmt.Errorf("write trunk slot at %d: %w", offset, ferr.Internal)
	}
	return nil
}

// ReadSlotHeader reads and decodes just the header at offset, which is
// enough to tell a live slot from garbage (file_type != SlotTypeNone).
func ReadSlotHeader(f *os.File, offset int64) (ftype.TrunkHeader, error) {
	buf := make([]byte, HeaderSize)
	if _, err := f.ReadAt(buf, offset); err != nil {
		if err == io.EOF {
			return ftype.TrunkHeader{}, fmt.Errorf("read trunk slot header at %d: %w", offset, ferr.NotFound)
		}
		return ftype.TrunkHeader{}, fmt.Errorf("read trunk slot header at %d: %w", offset, ferr.Internal)
	}
	return DecodeHeader(buf)
}

// ReadSlotPayload reads size bytes of payload immediately after the
// header at offset.
func ReadSlotPayload(f *os.File, offset int64, size int32) ([]byte, error) {
	buf := make([]byte, size)
	if _, err := f.ReadAt(buf, offset+HeaderSize); err != nil {
		return nil, fmt.Errorf("read trunk slot payload at %d: %w", offset, ferr.Internal)
	}
	return buf, nil
}
