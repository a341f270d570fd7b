package storaged

import (
	"fmt"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
)

// trunkOrErr returns this node's active trunkState, or ferr.InvalidState
// if it is not currently its group's trunk server (spec §4.6: only the
// trunk server answers alloc_space/alloc_confirm/free_space).
func (s *Server) trunkOrErr() (*trunkState, error) {
	s.mu.RLock()
	ts, isTrunkServer := s.trunk, s.isTrunkServer
	s.mu.RUnlock()
	if !isTrunkServer || ts == nil {
		return nil, fmt.Errorf("not this group's trunk server: %w", ferr.InvalidState)
	}
	return ts, nil
}

// handleTrunkAllocSpace implements TRUNK_ALLOC_SPACE: body is path
// index(int32) + size(int64); response is the encoded TrunkFullInfo.
func (s *Server) handleTrunkAllocSpace(body []byte) ([]byte, error) {
	if len(body) < 12 {
		return nil, fmt.Errorf("short trunk-alloc request: %w", ferr.Protocol)
	}
	pathIndex, err := frame.UnpackInt32(body)
	if err != nil {
		return nil, err
	}
	size, err := frame.UnpackInt64(body[4:])
	if err != nil {
		return nil, err
	}

	ts, err := s.trunkOrErr()
	if err != nil {
		return nil, err
	}
	info, err := ts.alloc.Alloc(int(pathIndex), size, ts.clock)
	if err != nil {
		return nil, err
	}
	return encodeTrunkFullInfo(info), nil
}

// handleTrunkAllocConfirm implements TRUNK_ALLOC_CONFIRM: body is an
// encoded TrunkFullInfo + status byte (0 = success, 1 = already-exist
// collision, 2 = failed and must be rolled back to free).
func (s *Server) handleTrunkAllocConfirm(body []byte) ([]byte, error) {
	info, rest, err := decodeTrunkFullInfo(body)
	if err != nil {
		return nil, err
	}
	if len(rest) < 1 {
		return nil, fmt.Errorf("trunk-alloc-confirm request missing status byte: %w", ferr.Protocol)
	}

	ts, err := s.trunkOrErr()
	if err != nil {
		return nil, err
	}

	var status error
	switch rest[0] {
	case 0:
		status = nil
	case 1:
		status = ferr.AlreadyExist
	default:
		status = ferr.Internal
	}
	if err := ts.alloc.Confirm(info, status, ts.clock); err != nil {
		return nil, err
	}
	return nil, nil
}

// handleTrunkFreeSpace implements TRUNK_FREE_SPACE: body is an encoded
// TrunkFullInfo, for a logical file whose trunk slot is being released.
func (s *Server) handleTrunkFreeSpace(body []byte) ([]byte, error) {
	info, _, err := decodeTrunkFullInfo(body)
	if err != nil {
		return nil, err
	}
	ts, err := s.trunkOrErr()
	if err != nil {
		return nil, err
	}
	if err := ts.alloc.Free(info, ts.clock); err != nil {
		return nil, err
	}
	return nil, nil
}

// encodeTrunkFullInfo/decodeTrunkFullInfo lay out a TrunkFullInfo as
// path index(int32) + sub_high(int32) + sub_low(int32) +
// trunk_file_id(int32) + offset(int64) + size(int64), the same field
// order pkg/fileid uses for a trunk-backed filename's trailing segment.
func encodeTrunkFullInfo(info ftype.TrunkFullInfo) []byte {
	var b []byte
	b = frame.PackInt32(b, int32(info.PathIndex))
	b = frame.PackInt32(b, int32(info.SubPathHigh))
	b = frame.PackInt32(b, int32(info.SubPathLow))
	b = frame.PackInt32(b, int32(info.TrunkFileID))
	b = frame.PackInt64(b, info.Offset)
	b = frame.PackInt64(b, info.Size)
	return b
}

func decodeTrunkFullInfo(body []byte) (ftype.TrunkFullInfo, []byte, error) {
	if len(body) < 32 {
		return ftype.TrunkFullInfo{}, nil, fmt.Errorf("short trunk-info field (%d bytes): %w", len(body), ferr.Protocol)
	}
	pathIndex, err := frame.UnpackInt32(body)
	if err != nil {
		return ftype.TrunkFullInfo{}, nil, err
	}
	subHigh, err := frame.UnpackInt32(body[4:])
	if err != nil {
		return ftype.TrunkFullInfo{}, nil, err
	}
	subLow, err := frame.UnpackInt32(body[8:])
	if err != nil {
		return ftype.TrunkFullInfo{}, nil, err
	}
	trunkFileID, err := frame.UnpackInt32(body[12:])
	if err != nil {
		return ftype.TrunkFullInfo{}, nil, err
	}
	offset, err := frame.UnpackInt64(body[16:])
	if err != nil {
		return ftype.TrunkFullInfo{}, nil, err
	}
	size, err := frame.UnpackInt64(body[24:])
	if err != nil {
		return ftype.TrunkFullInfo{}, nil, err
	}
	info := ftype.TrunkFullInfo{
		PathIndex:   int(pathIndex),
		SubPathHigh: int(subHigh),
		SubPathLow:  int(subLow),
		TrunkFileID: int(trunkFileID),
		Offset:      offset,
		Size:        size,
	}
	return info, body[32:], nil
}
