// Package ftype holds the cluster data model shared by the tracker and
// storage node implementations (spec §3): groups, storage servers, file
// identifiers and trunk addressing. Types here are plain data; the
// packages that own mutation (registry, trunk) hold the locks.
package ftype

import "time"

// Field-width limits from the wire protocol (spec §9), validated on decode.
const (
	GroupNameMaxLen  = 15
	StorageIDMaxSize = 16
)

// Default reserved-space thresholds for the storage selection policy
// (spec §8): a store path must keep at least max(ReservedMB,
// ReservedRatio*TotalMB) MB free before it is considered writable.
const (
	DefaultReservedMB    int64   = 100
	DefaultReservedRatio float64 = 0.01
)

// StorageStatus is a storage server's position in the lifecycle state
// machine described in spec §4.4.
type StorageStatus int

const (
	StorageNone StorageStatus = iota
	StorageInit
	StorageWaitSync
	StorageSyncing
	StorageOffline
	StorageOnline
	StorageActive
	StorageDeleted
	StorageIPChanged
)

func (s StorageStatus) String() string {
	switch s {
	case StorageNone:
		return "NONE"
	case StorageInit:
		return "INIT"
	case StorageWaitSync:
		return "WAIT_SYNC"
	case StorageSyncing:
		return "SYNCING"
	case StorageOffline:
		return "OFFLINE"
	case StorageOnline:
		return "ONLINE"
	case StorageActive:
		return "ACTIVE"
	case StorageDeleted:
		return "DELETED"
	case StorageIPChanged:
		return "IP_CHANGED"
	default:
		return "UNKNOWN"
	}
}

// OpCounters tracks attempted/successful counts and bytes for one kind of
// operation (upload, download, delete, append, modify, set-metadata).
type OpCounters struct {
	AttemptCount   int64
	SuccessCount   int64
	AttemptBytes   int64
	SuccessBytes   int64
}

// StorePath is one local storage path on a storage server, with its
// reported capacity in MB (spec §3 "storage paths and their per-path MB
// totals").
type StorePath struct {
	Index   int
	Path    string
	TotalMB int64
	FreeMB  int64
}

// StorageServer is one member of a Group (spec §3).
type StorageServer struct {
	ID        string
	IP        string
	Port      int
	Group     string
	Status    StorageStatus
	JoinTime  time.Time
	LastHeartbeat      time.Time
	LastSourceUpdate   time.Time
	LastSyncedAt       map[string]time.Time // peer storage ID -> last-synced timestamp
	IsTrunkServer      bool
	StorePaths         []StorePath

	Upload   OpCounters
	Download OpCounters
	Delete   OpCounters
	Append   OpCounters
	Modify   OpCounters
	Metadata OpCounters

	SourceStorageID string // the peer this server synced from when joining
}

// TotalMB is the sum of all store-path totals.
func (s *StorageServer) TotalMB() int64 {
	var sum int64
	for _, p := range s.StorePaths {
		sum += p.TotalMB
	}
	return sum
}

// FreeMB is the sum of all store-path free space.
func (s *StorageServer) FreeMB() int64 {
	var sum int64
	for _, p := range s.StorePaths {
		sum += p.FreeMB
	}
	return sum
}

// Group is a replication unit: a named set of storage servers holding
// identical file sets (spec §3).
type Group struct {
	Name               string
	StoreIDs           []string // member storage IDs, in join order
	StorePathCount     int
	TrunkServerID      string
	CurrentWriteServer int // round-robin index into active members
	LastChangeSeq      int64
}

// Binlog operation types (spec §3 "storage binlog").
type StorageOp string

const (
	OpUpload     StorageOp = "upload"
	OpAppend     StorageOp = "append"
	OpModify     StorageOp = "modify"
	OpTruncate   StorageOp = "truncate"
	OpDelete     StorageOp = "delete"
	OpCreateLink StorageOp = "create-link"
	OpDeleteLink StorageOp = "delete-link"
	OpSetMeta    StorageOp = "set-meta"
)

// StorageBinlogRecord is one line of the per-source storage binlog.
type StorageBinlogRecord struct {
	Timestamp int64
	Op        StorageOp
	Group     string
	Filename  string
	SourceID  string
}

// Trunk binlog operation types (spec §3 "trunk binlog").
type TrunkOp string

const (
	TrunkAddSpace TrunkOp = "add-space"
	TrunkDelSpace TrunkOp = "del-space"
)

// TrunkBinlogRecord is one line of the trunk binlog.
type TrunkBinlogRecord struct {
	Timestamp    int64
	Op           TrunkOp
	PathIndex    int
	SubPathHigh  int
	SubPathLow   int
	TrunkFileID  int
	Offset       int64
	Size         int64
}

// BlockStatus is a trunk free-space block's transient state (spec §3).
type BlockStatus int

const (
	BlockFree BlockStatus = iota
	BlockHold
)

// TrunkFullInfo addresses a byte range inside a trunk container (spec §3).
type TrunkFullInfo struct {
	PathIndex   int
	SubPathHigh int
	SubPathLow  int
	TrunkFileID int
	Offset      int64
	Size        int64
	Status      BlockStatus
}

// Slot type bytes inside a trunk container (spec §4.7).
const (
	SlotTypeNone    byte = 0
	SlotTypeRegular byte = 'F'
	SlotTypeLink    byte = 'L'
)

// TrunkHeader is the fixed header written at the start of every trunk slot
// (spec §3, §6).
type TrunkHeader struct {
	FileType  byte
	AllocSize int32
	FileSize  int32
	CRC32     uint32
	Mtime     int32
	ExtName   string // formatted, fixed-width on the wire
}

// ChangeLogEntry is one record of the tracker's storage-cluster changelog
// (spec §3).
type ChangeLogEntry struct {
	Seq       int64
	Timestamp int64
	StorageID string
	Before    StorageStatus
	After     StorageStatus
}
