package storaged

import (
	"fmt"

	"github.com/happyfish100/fastdfs-sub012/pkg/connpool"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
	"github.com/happyfish100/fastdfs-sub012/pkg/ftype"
)

// Field widths mirror pkg/trackerd's wire constants (spec §9): every
// storage/tracker connection in the cluster agrees on the same fixed
// widths for group names and storage ids.
const (
	groupField   = 16
	storageField = ftype.StorageIDMaxSize
)

// peerInfo is what a storage node needs to know about another member of
// its group to sync binlogs and route trunk requests to it.
type peerInfo struct {
	ID            string
	Addr          connpool.Key
	Status        ftype.StorageStatus
	IsTrunkServer bool
}

// decodeStorageList parses a LIST_STORAGE response body, the same wire
// shape pkg/trackerd's encodeStorage produces.
func decodeStorageList(body []byte) ([]peerInfo, error) {
	if len(body) < 4 {
		return nil, fmt.Errorf("short storage list body: %w", ferr.Protocol)
	}
	count, err := frame.UnpackInt32(body)
	if err != nil {
		return nil, err
	}
	rest := body[4:]

	out := make([]peerInfo, 0, count)
	for i := int32(0); i < count; i++ {
		id, r, err := frame.UnpackFixed(rest, storageField)
		if err != nil {
			return nil, err
		}
		rest = r
		nul := indexZero(rest)
		if nul < 0 {
			return nil, fmt.Errorf("storage list entry missing ip terminator: %w", ferr.Protocol)
		}
		ip := string(rest[:nul])
		rest = rest[nul+1:]
		port, err := frame.UnpackInt32(rest)
		if err != nil {
			return nil, err
		}
		rest = rest[4:]
		// group name, fixed width; unused here since the request already
		// scoped the list to one group.
		_, rest, err = frame.UnpackFixed(rest, groupField)
		if err != nil {
			return nil, err
		}
		if len(rest) < 1+8+8+8+8+1 {
			return nil, fmt.Errorf("short storage list entry: %w", ferr.Protocol)
		}
		status := ftype.StorageStatus(rest[0])
		rest = rest[1:]
		rest = rest[8:] // join time
		rest = rest[8:] // last heartbeat
		rest = rest[8:] // total mb
		rest = rest[8:] // free mb
		isTrunk := rest[0] != 0
		rest = rest[1:]

		out = append(out, peerInfo{
			ID:            id,
			Addr:          connpool.Key{Host: ip, Port: int(port)},
			Status:        status,
			IsTrunkServer: isTrunk,
		})
	}
	return out, nil
}

func indexZero(b []byte) int {
	for i, c := range b {
		if c == 0 {
			return i
		}
	}
	return -1
}
