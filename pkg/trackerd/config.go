package trackerd

import "time"

// Config holds a tracker process's runtime settings.
type Config struct {
	BindAddr string // e.g. ":22122", the classic FastDFS tracker port

	NetworkTimeout time.Duration
	MaxPkgSize     int64

	// GroupMode selects the default group-selection policy for uploads
	// that don't name an explicit group (spec §8).
	GroupMode GroupMode
}

// GroupMode mirrors pkg/scheduler.GroupMode without importing it here,
// so callers can build a Config without also importing pkg/scheduler;
// Server translates it when constructing the scheduler call.
type GroupMode int

const (
	GroupRoundRobin GroupMode = iota
	GroupMostFree
)

// DefaultConfig returns a Config with the tracker's conventional
// defaults.
func DefaultConfig() Config {
	return Config{
		BindAddr:       ":22122",
		NetworkTimeout: 30 * time.Second,
		MaxPkgSize:     0, // frame.DefaultMaxPkgSize
		GroupMode:      GroupRoundRobin,
	}
}
