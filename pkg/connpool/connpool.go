// Package connpool implements the per-endpoint connection pool used by
// every client that talks to a tracker or storage server (spec §4.2):
// a bounded FIFO of idle connections plus an in-use counter, keyed by
// (host, port), with an idle reaper sweeping stale connections.
package connpool

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/ferr"
	"github.com/happyfish100/fastdfs-sub012/pkg/frame"
)

// Key identifies one pooled endpoint.
type Key struct {
	Host string
	Port int
}

func (k Key) String() string { return fmt.Sprintf("%s:%d", k.Host, k.Port) }

type pooledConn struct {
	conn    *frame.Conn
	idleAt  time.Time
}

type bucket struct {
	mu     sync.Mutex
	idle   []*pooledConn
	inUse  int
	waitCh chan struct{}
}

// Config configures a Pool.
type Config struct {
	MaxPerKey      int           // max connections (idle + in-use) per key
	MaxIdle        int           // max idle connections retained per key
	IdleTimeout    time.Duration // idle connections older than this are reaped
	ConnectTimeout time.Duration
	NetworkTimeout time.Duration
	MaxPkgSize     int64
}

// DefaultConfig returns sensible defaults matching the spec's per-call
// timeout requirements (spec §5).
func DefaultConfig() Config {
	return Config{
		MaxPerKey:      32,
		MaxIdle:        8,
		IdleTimeout:    30 * time.Second,
		ConnectTimeout: 5 * time.Second,
		NetworkTimeout: 30 * time.Second,
		MaxPkgSize:     frame.DefaultMaxPkgSize,
	}
}

// Pool is a process-wide set of per-key connection buckets.
type Pool struct {
	cfg     Config
	mu      sync.Mutex
	buckets map[Key]*bucket
	stopCh  chan struct{}
}

// New creates a Pool and starts its idle-reaper goroutine.
func New(cfg Config) *Pool {
	p := &Pool{
		cfg:     cfg,
		buckets: make(map[Key]*bucket),
		stopCh:  make(chan struct{}),
	}
	go p.reapLoop()
	return p
}

// Stop halts the reaper goroutine. Existing connections are left as-is;
// callers should Release or Close what they are holding.
func (p *Pool) Stop() { close(p.stopCh) }

func (p *Pool) bucketFor(key Key) *bucket {
	p.mu.Lock()
	defer p.mu.Unlock()
	b, ok := p.buckets[key]
	if !ok {
		b = &bucket{}
		p.buckets[key] = b
	}
	return b
}

// Acquire returns an idle connection for key if one passes a liveness
// check, else opens a new one (blocking if in-use == MaxPerKey, per
// spec §4.2's "else waits").
func (p *Pool) Acquire(key Key) (*frame.Conn, error) {
	b := p.bucketFor(key)
	for {
		b.mu.Lock()
		for len(b.idle) > 0 {
			pc := b.idle[0]
			b.idle = b.idle[1:]
			if isAlive(pc.conn) {
				b.inUse++
				b.mu.Unlock()
				return pc.conn, nil
			}
			pc.conn.Close()
		}
		if b.inUse < p.cfg.MaxPerKey {
			b.inUse++
			b.mu.Unlock()
			conn, err := p.dial(key)
			if err != nil {
				b.mu.Lock()
				releaseSlot(b)
				b.mu.Unlock()
				return nil, err
			}
			return conn, nil
		}
		if b.waitCh == nil {
			b.waitCh = make(chan struct{})
		}
		wait := b.waitCh
		b.mu.Unlock()
		<-wait
	}
}

func (p *Pool) dial(key Key) (*frame.Conn, error) {
	c, err := net.DialTimeout("tcp", key.String(), p.cfg.ConnectTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", key, ferr.Transport)
	}
	return frame.NewConn(c, p.cfg.NetworkTimeout, p.cfg.MaxPkgSize), nil
}

// Release returns conn to key's idle list if keep is true and the idle
// list has room; otherwise it closes conn. Either way the in-use count is
// decremented and one blocked Acquire, if any, is unblocked.
func (p *Pool) Release(key Key, conn *frame.Conn, keep bool) {
	b := p.bucketFor(key)
	b.mu.Lock()
	if keep && len(b.idle) < p.cfg.MaxIdle {
		b.idle = append(b.idle, &pooledConn{conn: conn, idleAt: time.Now()})
	} else {
		conn.Close()
	}
	releaseSlot(b)
	b.mu.Unlock()
}

// releaseSlot gives back one in-use slot and wakes a blocked Acquire, if
// any. Both Release and Acquire's own failed-dial path return a slot
// this way, so a waiter is never stranded by a dial failure freeing the
// capacity it's waiting on. Callers must hold b.mu.
func releaseSlot(b *bucket) {
	b.inUse--
	if b.waitCh != nil {
		close(b.waitCh)
		b.waitCh = nil
	}
}

func (p *Pool) reapLoop() {
	ticker := time.NewTicker(p.cfg.IdleTimeout / 2)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.reapOnce()
		case <-p.stopCh:
			return
		}
	}
}

func (p *Pool) reapOnce() {
	p.mu.Lock()
	keys := make([]Key, 0, len(p.buckets))
	for k := range p.buckets {
		keys = append(keys, k)
	}
	p.mu.Unlock()

	cutoff := time.Now().Add(-p.cfg.IdleTimeout)
	for _, k := range keys {
		b := p.bucketFor(k)
		b.mu.Lock()
		kept := b.idle[:0]
		for _, pc := range b.idle {
			if pc.idleAt.Before(cutoff) {
				pc.conn.Close()
				continue
			}
			kept = append(kept, pc)
		}
		b.idle = kept
		b.mu.Unlock()
	}
}

// isAlive performs a cheap socket-level liveness probe: a zero-length,
// near-instant read that should return ErrDeadlineExceeded on a healthy
// idle connection and io.EOF (or another error) on a dead one.
func isAlive(c *frame.Conn) bool {
	if err := c.SetReadDeadline(time.Now().Add(time.Millisecond)); err != nil {
		return false
	}
	defer c.SetReadDeadline(time.Time{})
	one := make([]byte, 1)
	_, err := c.Read(one)
	if err == nil {
		// Unexpected data on an idle connection; treat the connection as
		// desynchronized rather than trust it.
		return false
	}
	ne, ok := err.(net.Error)
	return ok && ne.Timeout()
}
