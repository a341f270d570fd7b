/*
Package syncengine is the per-peer binlog shipper behind replication
(spec §4.5) and, reused over the trunk binlog, behind trunk-server
peer sync (spec §4.9).

	┌─────────────┐   preread    ┌──────────────┐
	│ local binlog │ ───────────▶│ Worker buffer │
	└─────────────┘              └──────┬───────┘
	                                     │ SYNC_BINLOG frame
	                                     ▼
	                              ┌──────────────┐
	                              │  remote peer  │
	                              └──────┬───────┘
	                                     │ ack
	                                     ▼
	                              ┌──────────────┐
	                              │  mark file    │  (offset persisted only
	                              └──────────────┘   after the ack)

One Worker owns one (local binlog, remote peer) pair. A Set is the
"sync thread array": one Worker per peer currently in the group, added
via Ensure as membership is learned and stopped via Remove or StopAll
as it changes. A new destination is seeded by rewinding its Worker's
mark to 0 and re-announcing TRUNCATE_BINLOG_FILE — ResetOffset is the
in-process trigger for the tracker's reset_binlog_offset signal.

Delivery is at-least-once: a frame is never considered sent until the
peer acknowledges it, and only then does the offset advance and get
persisted. A dead peer connection is retried with capped exponential
backoff; a peer observed as DELETED, IP_CHANGED, or NONE in the
registry ends the worker instead of retrying.
*/
package syncengine
