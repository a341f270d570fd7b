/*
Package health provides a small active-liveness checker used to
double-check a storage server before the tracker's reconciler declares
it offline on heartbeat staleness alone (spec §4.4).

A stale heartbeat doesn't always mean a dead process — it can mean a
delayed report under load. TCPChecker dials the storage's address
directly; pkg/reconciler uses one as an optional Prober, deferring the
offline transition for one more cycle when the port is still reachable.

# Usage

	checker := health.NewTCPChecker("10.0.0.5:23000").WithTimeout(2 * time.Second)
	result := checker.Check(ctx)
	if !result.Healthy {
		// port unreachable, heartbeat staleness stands
	}

Status adds hysteresis on top of repeated Results, for callers that
want "N consecutive failures" rather than acting on a single check.
*/
package health
