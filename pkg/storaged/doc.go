/*
Package storaged implements the storage node process (spec §4, §6): the
wire-protocol listener that serves file operations, the per-source binlog
a storage writes as it accepts uploads, the sync workers that ship that
binlog to every other member of its group, and — when this node holds the
group's trunk server role — the free-space allocator and its own binlog.

# Shape

	┌────────────┐  UPLOAD_FILE, DOWNLOAD_FILE, ...   ┌───────────────┐
	│   client    │ ──────────────────────────────────▶│   storaged    │
	└────────────┘                                     └──────┬────────┘
	                                                           │ writes
	                                                           ▼
	                                                   ┌───────────────┐
	                                                   │ store paths   │
	                                                   │ (pkg/storepath│
	                                                   │  + trunkcont.)│
	                                                   └──────┬────────┘
	                                                           │ appends
	                                                           ▼
	                                                   ┌───────────────┐
	                                                   │ binlog.Writer │
	                                                   └──────┬────────┘
	                                                           │ shipped by
	                                                           ▼
	                                                   pkg/syncengine.Set
	                                                   (one worker per peer)

A storage server also runs a heartbeat loop against its tracker group
(pkg/trackerclient), reporting per-path capacity. The loop does not
decode the tracker's reply: the lifecycle status and WAIT_SYNC source
that the tracker sends back are not read by the storage server.

Binlog sync is metadata-only: a SYNC_BINLOG frame carries lines naming an
operation and a filename, never file bytes. On receipt, storaged pulls
the referenced file directly from the peer that produced it, over a
second connection, the same way the real protocol separates log shipping
from bulk data transfer.
*/
package storaged
