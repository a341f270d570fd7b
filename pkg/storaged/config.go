package storaged

import "time"

// StorePathConfig is one local store path a storage server serves files
// from, identified by its index (spec §3 "storage paths").
type StorePathConfig struct {
	Index int
	Root  string // filesystem root; pkg/storepath lays data out under <Root>/data
}

// Config holds a storage process's runtime settings.
type Config struct {
	BindAddr string // e.g. ":23000", the classic FastDFS storage port

	NetworkTimeout time.Duration
	MaxPkgSize     int64

	StorageID  string
	Group      string
	StorePaths []StorePathConfig

	TrackerServers []string // host:port, passed to pkg/trackerclient

	HeartbeatInterval time.Duration
	PeerSyncInterval  time.Duration

	// TrunkFileSize sizes new trunk container files when this node is
	// asked to act as its group's trunk server (spec §4.7).
	TrunkFileSize int64
	// SlotMin and Alignment configure the trunk allocator's free-space
	// index (spec §4.6).
	SlotMin   int64
	Alignment int64

	// DataDir holds this node's own binlog, mark files and (if it is the
	// trunk server) trunk binlog/snapshot/stage files.
	DataDir string
}

// DefaultConfig returns a Config with the storage node's conventional
// defaults.
func DefaultConfig() Config {
	return Config{
		BindAddr:          ":23000",
		NetworkTimeout:    30 * time.Second,
		MaxPkgSize:        0, // frame.DefaultMaxPkgSize
		HeartbeatInterval: 30 * time.Second,
		PeerSyncInterval:  10 * time.Second,
		TrunkFileSize:     64 * 1024 * 1024,
		SlotMin:           256,
		Alignment:         256,
	}
}
