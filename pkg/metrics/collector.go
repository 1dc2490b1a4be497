package metrics

import (
	"context"
	"time"

	"github.com/migadu/bender/logger"
)

// ServerStats is a point-in-time view of one proxy server.
type ServerStats struct {
	Name            string
	OpenConnections int
	IdleUpstreams   int
}

// StatsProvider is implemented by anything that can report ServerStats.
type StatsProvider interface {
	Stats() ServerStats
}

// Collector periodically samples gauges that are cheaper to read than to
// maintain on every change.
type Collector struct {
	providers []StatsProvider
	interval  time.Duration
	stopCh    chan struct{}
}

// NewCollector creates a new metrics collector
func NewCollector(interval time.Duration, providers ...StatsProvider) *Collector {
	if interval <= 0 {
		interval = 15 * time.Second
	}
	return &Collector{
		providers: providers,
		interval:  interval,
		stopCh:    make(chan struct{}),
	}
}

// Start runs the collection loop until ctx is done or Stop is called.
func (c *Collector) Start(ctx context.Context) {
	c.collect()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	logger.Debug("MetricsCollector started", "interval", c.interval)

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

// Stop signals the collector to stop
func (c *Collector) Stop() {
	close(c.stopCh)
}

func (c *Collector) collect() {
	for _, p := range c.providers {
		stats := p.Stats()
		KeepAlivePoolIdle.WithLabelValues(stats.Name).Set(float64(stats.IdleUpstreams))
	}
}
