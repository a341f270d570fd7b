package ftype

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
)

// EncodeStorageBinlogRecord renders a record as the space-separated ASCII
// line format spec §3 describes for the storage binlog.
func EncodeStorageBinlogRecord(r StorageBinlogRecord) string {
	return fmt.Sprintf("%d %s %s %s %s", r.Timestamp, r.Op, r.Group, r.Filename, r.SourceID)
}

// DecodeStorageBinlogRecord parses one storage binlog line.
func DecodeStorageBinlogRecord(line string) (StorageBinlogRecord, error) {
	fields := strings.SplitN(line, " ", 5)
	if len(fields) != 5 {
		return StorageBinlogRecord{}, fmt.Errorf("bad storage binlog record %q: %w", line, ferr.Protocol)
	}
	ts, err := strconv.ParseInt(fields[0], 10, 64)
	if err != nil {
		return StorageBinlogRecord{}, fmt.Errorf("bad timestamp in %q: %w", line, ferr.Protocol)
	}
	return StorageBinlogRecord{
		Timestamp: ts,
		Op:        StorageOp(fields[1]),
		Group:     fields[2],
		Filename:  fields[3],
		SourceID:  fields[4],
	}, nil
}

// EncodeTrunkBinlogRecord renders a record as the trunk binlog's
// space-separated ASCII line format.
func EncodeTrunkBinlogRecord(r TrunkBinlogRecord) string {
	return fmt.Sprintf("%d %s %d %d %d %d %d %d",
		r.Timestamp, r.Op, r.PathIndex, r.SubPathHigh, r.SubPathLow, r.TrunkFileID, r.Offset, r.Size)
}

// DecodeTrunkBinlogRecord parses one trunk binlog line.
func DecodeTrunkBinlogRecord(line string) (TrunkBinlogRecord, error) {
	fields := strings.Fields(line)
	if len(fields) != 8 {
		return TrunkBinlogRecord{}, fmt.Errorf("bad trunk binlog record %q: %w", line, ferr.Protocol)
	}
	ts, err1 := strconv.ParseInt(fields[0], 10, 64)
	pathIdx, err2 := strconv.Atoi(fields[2])
	high, err3 := strconv.Atoi(fields[3])
	low, err4 := strconv.Atoi(fields[4])
	fileID, err5 := strconv.Atoi(fields[5])
	offset, err6 := strconv.ParseInt(fields[6], 10, 64)
	size, err7 := strconv.ParseInt(fields[7], 10, 64)
	for _, e := range []error{err1, err2, err3, err4, err5, err6, err7} {
		if e != nil {
			return TrunkBinlogRecord{}, fmt.Errorf("bad trunk binlog record %q: %w", line, ferr.Protocol)
		}
	}
	return TrunkBinlogRecord{
		Timestamp:   ts,
		Op:          TrunkOp(fields[1]),
		PathIndex:   pathIdx,
		SubPathHigh: high,
		SubPathLow:  low,
		TrunkFileID: fileID,
		Offset:      offset,
		Size:        size,
	}, nil
}
