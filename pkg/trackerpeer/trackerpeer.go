// Package trackerpeer implements leader election among tracker peers
// (spec §4.4 "Leader election among trackers"). It does not replicate the
// registry's system files to peers.
//
// Election is the simple scheme the spec describes: each peer's running
// start time is recorded through ReportPeer, and the tracker with
// the earliest start time (tie-broken by IP) becomes leader. This is
// deliberately not a consensus protocol (spec §1 Non-goals): a leader
// flap just means a different tracker serializes mutating admin
// commands for a while, not a loss of data.
package trackerpeer

import (
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/happyfish100/fastdfs-sub012/pkg/events"
	"github.com/happyfish100/fastdfs-sub012/pkg/log"
	"github.com/rs/zerolog"
)

// Peer identifies one tracker in the peer set.
type Peer struct {
	IP         string
	Port       int
	StartTime  time.Time
	LastReport time.Time
}

// Registry is the subset of *registry.Registry trackerpeer needs.
type Registry interface {
	SetLeader(leader bool)
	SetPeerCount(n int)
}

// Election tracks the tracker peer set and derives the current leader.
// self identifies this process among the peers it tracks.
type Election struct {
	mu       sync.Mutex
	self     Peer
	peers    map[string]Peer // keyed by "ip:port"
	registry Registry
	broker   *events.Broker
	logger   zerolog.Logger

	leaderChangeCount int64
	isLeader          bool
}

// NewElection creates an Election seeded with this process's own
// identity. self is added to the peer set automatically.
func NewElection(self Peer, registry Registry, broker *events.Broker) *Election {
	e := &Election{
		self:     self,
		peers:    map[string]Peer{peerKey(self.IP, self.Port): self},
		registry: registry,
		broker:   broker,
		logger:   log.WithComponent("trackerpeer"),
	}
	e.registry.SetPeerCount(1)
	e.recompute()
	return e
}

func peerKey(ip string, port int) string {
	return fmt.Sprintf("%s:%d", ip, port)
}

// ReportPeer records or refreshes a peer's running start time, as
// learned from a heartbeat reply or direct peer exchange.
func (e *Election) ReportPeer(p Peer) {
	e.mu.Lock()
	p.LastReport = time.Now()
	e.peers[peerKey(p.IP, p.Port)] = p
	n := len(e.peers)
	e.mu.Unlock()

	e.registry.SetPeerCount(n)
	e.recompute()
}

// RemovePeer drops a peer from the set, e.g. after its configured
// membership is removed.
func (e *Election) RemovePeer(ip string, port int) {
	e.mu.Lock()
	delete(e.peers, peerKey(ip, port))
	n := len(e.peers)
	e.mu.Unlock()

	e.registry.SetPeerCount(n)
	e.recompute()
}

// Leader returns the peer currently considered leader: earliest
// StartTime, ties broken by IP (spec §4.4).
func (e *Election) Leader() Peer {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderLocked()
}

func (e *Election) leaderLocked() Peer {
	peers := make([]Peer, 0, len(e.peers))
	for _, p := range e.peers {
		peers = append(peers, p)
	}
	sort.Slice(peers, func(i, j int) bool {
		if !peers[i].StartTime.Equal(peers[j].StartTime) {
			return peers[i].StartTime.Before(peers[j].StartTime)
		}
		return peers[i].IP < peers[j].IP
	})
	return peers[0]
}

// IsLeader reports whether this process is currently the elected
// leader.
func (e *Election) IsLeader() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.isLeader
}

// LeaderChangeCount returns how many times the leader has changed,
// mirroring the source's g_tracker_leader_chg_count so heartbeat
// replies can carry it for storage servers to notice a change.
func (e *Election) LeaderChangeCount() int64 {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.leaderChangeCount
}

// recompute re-derives the leader from the current peer set and
// publishes an event plus a registry update if it changed.
func (e *Election) recompute() {
	e.mu.Lock()
	leader := e.leaderLocked()
	wasLeader := e.isLeader
	nowLeader := leader.IP == e.self.IP && leader.Port == e.self.Port
	changed := nowLeader != wasLeader
	if changed {
		e.isLeader = nowLeader
		e.leaderChangeCount++
	}
	e.mu.Unlock()

	if !changed {
		return
	}

	e.registry.SetLeader(nowLeader)
	e.logger.Info().
		Bool("is_leader", nowLeader).
		Str("leader_ip", leader.IP).
		Msg("tracker leadership changed")

	if e.broker != nil {
		e.broker.Publish(&events.Event{
			Type:    events.EventTrackerLeaderElect,
			Message: "tracker leadership changed",
			Metadata: map[string]string{
				"leader_ip": leader.IP,
				"is_leader": boolStr(nowLeader),
			},
		})
	}
}

func boolStr(b bool) string {
	if b {
		return "true"
	}
	return "false"
}
