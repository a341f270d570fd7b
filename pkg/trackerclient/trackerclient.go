// Package trackerclient implements the tracker client (spec §4.3): a
// TrackerGroup holding an ordered array of tracker endpoints with a
// rotating index, and the aggregated-command semantics spec §7 requires
// for mutations that must reach every tracker.
package trackerclient

import (
	"sync"

	"github.com/happyfish100/fastdfs-sub012/pkg/connpool"
	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
)

// TrackerGroup is an ordered set of tracker endpoints with a rotating
// index for simple round-robin load spreading (spec §4.3).
type TrackerGroup struct {
	pool *connpool.Pool

	mu      sync.Mutex
	servers []connpool.Key
	index   int
}

// New creates a TrackerGroup over the given tracker endpoints, using
// pool for connection acquisition.
func New(pool *connpool.Pool, servers []connpool.Key) *TrackerGroup {
	return &TrackerGroup{pool: pool, servers: append([]connpool.Key(nil), servers...)}
}

// GetConnection implements spec §4.3's get_connection(): try the
// current tracker, then scan forward, then wrap; on success the index
// advances so the next caller picks a different tracker.
func (g *TrackerGroup) GetConnection() (connpool.Key, *frame.Conn, error) {
	g.mu.Lock()
	n := len(g.servers)
	start := g.index
	g.mu.Unlock()

	if n == 0 {
		return connpool.Key{}, nil, ferr.Exhausted
	}

	var lastErr error
	for i := 0; i < n; i++ {
		idx := (start + i) % n
		key := g.servers[idx]
		conn, err := g.pool.Acquire(key)
		if err == nil {
			g.mu.Lock()
			g.index = (idx + 1) % n
			g.mu.Unlock()
			return key, conn, nil
		}
		lastErr = err
	}
	return connpool.Key{}, nil, lastErr
}

// Release returns conn acquired via GetConnection back to the pool.
func (g *TrackerGroup) Release(key connpool.Key, conn *frame.Conn, keep bool) {
	g.pool.Release(key, conn, keep)
}

// Servers returns a copy of the group's current tracker endpoints.
func (g *TrackerGroup) Servers() []connpool.Key {
	g.mu.Lock()
	defer g.mu.Unlock()
	return append([]connpool.Key(nil), g.servers...)
}

// Do issues fn against one tracker connection, releasing it back to the
// pool afterward. keep controls whether the connection is returned to
// the idle pool (fn should set this false on any transport error).
func (g *TrackerGroup) Do(fn func(conn *frame.Conn) (keep bool, err error)) error {
	key, conn, err := g.GetConnection()
	if err != nil {
		return err
	}
	keep, err := fn(conn)
	g.Release(key, conn, keep)
	return err
}

// AggregateResult is the outcome of issuing a mutating command to every
// tracker in the group (spec §7 "Aggregated admin commands").
type AggregateResult struct {
	Successes int
	Errors    []error
}

// Broadcast issues fn against every tracker in the group and aggregates
// the result per spec §7: overall success if at least one tracker
// accepts and none returns a non-not-found error; not-found if every
// tracker reports not-found; otherwise the first non-trivial error.
func (g *TrackerGroup) Broadcast(fn func(conn *frame.Conn) (keep bool, err error)) error {
	servers := g.Servers()
	if len(servers) == 0 {
		return ferr.Exhausted
	}

	var successes int
	var firstNonTrivial error
	allNotFound := true

	for _, key := range servers {
		conn, err := g.pool.Acquire(key)
		if err != nil {
			allNotFound = false
			if firstNonTrivial == nil {
				firstNonTrivial = err
			}
			continue
		}
		keep, callErr := fn(conn)
		g.pool.Release(key, conn, keep)

		switch {
		case callErr == nil:
			successes++
			allNotFound = false
		case ferr.Is(callErr, ferr.NotFound):
			// leaves allNotFound untouched
		default:
			allNotFound = false
			if firstNonTrivial == nil {
				firstNonTrivial = callErr
			}
		}
	}

	switch {
	case successes > 0 && firstNonTrivial == nil:
		return nil
	case allNotFound:
		return ferr.NotFound
	default:
		return firstNonTrivial
	}
}
