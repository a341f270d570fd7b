/*
Package events provides an in-memory event broker for cluster-wide
notifications: group lifecycle, storage status transitions, trunk server
handoff, tracker leader election, and sync-source selection.

# Architecture

Non-blocking pub/sub over buffered channels:

	┌──────────────────── EVENT BROKER ────────────────────────┐
	│                                                            │
	│  Publisher → Event Channel (buffer: 100)                  │
	│       ↓                                                    │
	│  Broadcast Loop                                            │
	│       ↓                                                    │
	│  Subscriber Channels (buffer: 50 each)                     │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

Event types:

  - group.created / group.deleted — registry mutations a tracker peer
    should replicate.
  - storage.joined / storage.status / storage.deleted — storage
    lifecycle transitions (spec §4.4's state machine).
  - trunk_server.changed — a group's authoritative trunk server changed;
    sync engines and the trunk allocator both need to know.
  - tracker.leader_elected — this tracker became (or stopped being) the
    serializing leader among its peers.
  - sync.source_chosen — get_sync_src_server picked a seed source for a
    newly joined storage (spec §4.5).
  - sync.reset_offset — an admin or tracker action is forcing a sync
    worker back to binlog offset 0.

Subscribers that fall behind drop events rather than block the
publisher; every event type here is also derivable by re-reading the
registry snapshot, so a dropped event only delays convergence, it never
loses it.
*/
package events
