package metrics

import (
	"time"
)

// RegistrySource is the slice of the tracker registry the collector reads.
// Defined here (rather than importing pkg/registry) to avoid a metrics ->
// registry -> metrics import cycle; pkg/registry's Registry type satisfies
// it structurally.
type RegistrySource interface {
	GroupCount() int
	StorageCountByStatus() map[string]map[string]int // group -> status -> count
	IsLeader() bool
	PeerCount() int
}

// Collector periodically samples a Registry into the package-level
// Prometheus gauges.
type Collector struct {
	registry RegistrySource
	stopCh   chan struct{}
}

// NewCollector creates a collector over registry; Start samples it every
// 15 seconds.
func NewCollector(registry RegistrySource) *Collector {
	return &Collector{registry: registry, stopCh: make(chan struct{})}
}

// Start begins collecting metrics every 15 seconds until Stop is called.
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		c.collect()
		for {
			select {
			case <-ticker.C:
				c.collect()
			case <-c.stopCh:
				ticker.Stop()
				return
			}
		}
	}()
}

// Stop stops the collector.
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	GroupsTotal.Set(float64(c.registry.GroupCount()))

	for group, statuses := range c.registry.StorageCountByStatus() {
		for status, count := range statuses {
			StoragesTotal.WithLabelValues(group, status).Set(float64(count))
		}
	}

	if c.registry.IsLeader() {
		TrackerIsLeader.Set(1)
	} else {
		TrackerIsLeader.Set(0)
	}
	TrackerPeersTotal.Set(float64(c.registry.PeerCount()))
}
