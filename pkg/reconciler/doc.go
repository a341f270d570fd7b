/*
Package reconciler detects storage servers whose heartbeat has gone
stale and marks them OFFLINE in the tracker's registry.

# Architecture

The reconciler runs a fixed 10-second loop, independent of the faster
heartbeat interval storage servers use to report in:

	┌───────────────────────────────────────────┐
	│          Reconciliation Loop               │
	│              (every 10s)                   │
	└────────────────┬────────────────────────────┘
	                 │
	                 ▼
	        List every storage server
	                 │
	                 ▼
	     now - LastHeartbeat > StaleAfter ?
	          │                    │
	         yes                   no
	          │                    │
	          ▼                    ▼
	   MarkOffline(id)        leave as-is

A storage already OFFLINE or DELETED is skipped, so the reconciler never
fights with an admin-issued deletion or a storage that is already known
to be down.

When Prober is set (pkg/health's TCPChecker, typically), a stale storage
gets one more chance: if its port still answers, the offline transition
is deferred a cycle rather than applied on a merely delayed heartbeat.

# Level-triggered, not edge-triggered

Like the teacher's original reconciliation loop, this one re-evaluates
the whole registry on every cycle rather than reacting to individual
heartbeat events. A missed cycle or two is harmless: the next cycle
still converges on the correct state.

# Usage

	rec := reconciler.NewReconciler(reg)
	rec.Start()
	defer rec.Stop()

Bringing a storage server back online is not the reconciler's job: once
its heartbeat resumes, Registry.Heartbeat transitions it out of OFFLINE
directly (pkg/registry).
*/
package reconciler
