package trackerpeer

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	leader    bool
	leaderSet int
	peerCount int
}

func (f *fakeRegistry) SetLeader(leader bool) {
	f.leader = leader
	f.leaderSet++
}
func (f *fakeRegistry) SetPeerCount(n int) { f.peerCount = n }

func TestEarliestStartTimeWins(t *testing.T) {
	reg := &fakeRegistry{}
	now := time.Now()
	self := Peer{IP: "10.0.0.2", Port: 22122, StartTime: now}
	e := NewElection(self, reg, nil)

	e.ReportPeer(Peer{IP: "10.0.0.1", Port: 22122, StartTime: now.Add(-time.Hour)})

	assert.False(t, e.IsLeader())
	assert.Equal(t, "10.0.0.1", e.Leader().IP)
	assert.False(t, reg.leader)
}

func TestTieBrokenByIP(t *testing.T) {
	reg := &fakeRegistry{}
	now := time.Now()
	self := Peer{IP: "10.0.0.5", Port: 22122, StartTime: now}
	e := NewElection(self, reg, nil)

	e.ReportPeer(Peer{IP: "10.0.0.9", Port: 22122, StartTime: now})

	assert.Equal(t, "10.0.0.5", e.Leader().IP)
	assert.True(t, e.IsLeader())
}

func TestLeaderChangeCountIncrementsOnce(t *testing.T) {
	reg := &fakeRegistry{}
	now := time.Now()
	self := Peer{IP: "10.0.0.5", Port: 22122, StartTime: now}
	e := NewElection(self, reg, nil)
	require.Equal(t, int64(1), e.LeaderChangeCount())

	// A peer that started later does not take leadership.
	e.ReportPeer(Peer{IP: "10.0.0.9", Port: 22122, StartTime: now.Add(time.Minute)})
	assert.Equal(t, int64(1), e.LeaderChangeCount())

	// A peer with an earlier start time takes over.
	e.ReportPeer(Peer{IP: "10.0.0.1", Port: 22122, StartTime: now.Add(-time.Hour)})
	assert.Equal(t, int64(2), e.LeaderChangeCount())
	assert.False(t, e.IsLeader())
}

func TestRemovePeerRestoresLeadership(t *testing.T) {
	reg := &fakeRegistry{}
	now := time.Now()
	self := Peer{IP: "10.0.0.5", Port: 22122, StartTime: now}
	e := NewElection(self, reg, nil)

	e.ReportPeer(Peer{IP: "10.0.0.1", Port: 22122, StartTime: now.Add(-time.Hour)})
	assert.False(t, e.IsLeader())

	e.RemovePeer("10.0.0.1", 22122)
	assert.True(t, e.IsLeader())
	assert.Equal(t, 1, reg.peerCount)
}
