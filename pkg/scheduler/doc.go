/*
Package scheduler implements the tracker's storage selection policy
(spec §8): given an upload, pick a group and a writable storage server
and store path within it.

# Group selection

	┌─────────────────────────────────────────────┐
	│              SelectGroup(mode)                │
	└────────────────┬──────────────────────────────┘
	                 │
	     explicit group name given?
	          │              │
	         yes             no
	          │              │
	          ▼              ▼
	   use that group   filter to writable groups
	   (if writable)         │
	                 ┌───────┴────────┐
	                 ▼                ▼
	          round-robin        most free space
	          over writable       among writable

A group is writable if at least one ACTIVE member has a store path whose
free space is at or above the reserved threshold.

# Reserved-space check

A store path is writable when:

	free_mb >= max(reserved_mb, reserved_ratio * total_mb)

free_mb is the value the storage server last reported; allocations still
in flight are not tracked and are not subtracted from it.

Scheduler carries ReservedMB and ReservedRatio as configurable fields,
defaulting to ftype.DefaultReservedMB and ftype.DefaultReservedRatio.

# Within-group and within-server selection

SelectWriteServer round-robins across a group's ACTIVE, writable members
starting from Group.CurrentWriteServer, advancing the index on success so
the next caller picks a different server. SelectStorePath does the same
across a storage server's store paths.

# Usage

	sched := scheduler.NewScheduler(registry)
	group, err := sched.SelectGroup(scheduler.GroupRoundRobin, "")
	server, err := sched.SelectWriteServer(group)
	path, err := sched.SelectStorePath(server, 0)
*/
package scheduler
