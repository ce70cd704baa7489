package metrics

import (
	"time"

	"dmorch/pkg/storage"
	"dmorch/pkg/types"
)

// Collector periodically scans the store and republishes gauge metrics
// that aren't naturally updated as a side effect of a single operation
// (request/migration counts by stage).
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector over store.
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics every 15 seconds.
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
	c.collectRequestMetrics()
	c.collectMigrationMetrics()
}

func (c *Collector) collectRequestMetrics() {
	requests, err := c.store.ListRequests()
	if err != nil {
		return
	}

	counts := make(map[types.RequestType]map[types.Stage]int)
	for _, r := range requests {
		if counts[r.Type] == nil {
			counts[r.Type] = make(map[types.Stage]int)
		}
		counts[r.Type][r.Stage]++
	}

	for reqType, stages := range counts {
		for stage, n := range stages {
			RequestsByStage.WithLabelValues(string(reqType), stage.String()).Set(float64(n))
		}
	}
}

func (c *Collector) collectMigrationMetrics() {
	migrations, err := c.store.ListMigrations()
	if err != nil {
		return
	}

	counts := make(map[types.MigrationStage]int)
	for _, m := range migrations {
		counts[m.Stage]++
	}

	for stage, n := range counts {
		MigrationsByStage.WithLabelValues(stage.String()).Set(float64(n))
	}
}
