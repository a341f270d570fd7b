/*
Package metrics provides Prometheus metrics collection and exposition for
the tracker and storage daemons.

Metrics cover cluster membership (groups, storage servers by status),
leader election, wire-protocol request volume and latency, binlog sync
lag per peer, and trunk allocator free space, allocation, and compaction
activity. Metrics are exposed via the standard Prometheus HTTP handler
for scraping.

	┌──────────────────── METRICS SYSTEM ──────────────────────┐
	│                                                            │
	│  Prometheus Registry (MustRegister at package init)       │
	│       ↓                                                    │
	│  Gauge: groups, storages-by-status, leader flag            │
	│  Counter: requests, sync reconnects, allocations            │
	│  Histogram: request latency, alloc latency, compaction time │
	│       ↓                                                    │
	│  Collector samples a Registry every 15s into the gauges     │
	│                                                            │
	└────────────────────────────────────────────────────────────┘

Counters and histograms are updated inline by the code that performs the
operation (request handlers, the sync engine, the trunk allocator);
gauges that reflect point-in-time cluster state are refreshed by
Collector, which polls the tracker registry on a timer rather than
being pushed to on every mutation.
*/
package metrics
