package metrics

import (
	"context"
	"time"

	"github.com/hashstack/foreman/pkg/storage"
)

// Collector periodically samples store-derived gauges
type Collector struct {
	store  storage.Store
	stopCh chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(store storage.Store) *Collector {
	return &Collector{
		store:  store,
		stopCh: make(chan struct{}),
	}
}

// Start begins collecting metrics
func (c *Collector) Start() {
	ticker := time.NewTicker(15 * time.Second)
	go func() {
		// Collect immediately on start
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

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	c.collectOutboxMetrics(ctx)
	c.collectDLQMetrics(ctx)
}

func (c *Collector) collectOutboxMetrics(ctx context.Context) {
	count, oldest, err := c.store.OutboxBacklog(ctx)
	if err != nil {
		return
	}

	OutboxBacklog.Set(float64(count))
	if oldest != nil {
		OutboxOldestAgeSeconds.Set(time.Since(*oldest).Seconds())
	} else {
		OutboxOldestAgeSeconds.Set(0)
	}
}

func (c *Collector) collectDLQMetrics(ctx context.Context) {
	stats, err := c.store.StatsDLQ(ctx, storage.DLQFilter{Unreplayed: true})
	if err != nil {
		return
	}

	DLQDepth.Set(float64(stats.Unreplayed))
}
