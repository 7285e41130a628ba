package metrics

import (
	"context"
	"os"
	"runtime"
	"sync"
	"time"
)

// QueueStatsProvider supplies queue-wide task totals for the gauges
type QueueStatsProvider interface {
	GlobalStats(ctx context.Context) (pending, processing int64, err error)
}

// Collector periodically refreshes the system and queue gauges
type Collector struct {
	metrics     *Metrics
	queueStats  QueueStatsProvider
	storagePath string
	interval    time.Duration
	startTime   time.Time

	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewCollector creates a new metrics collector
func NewCollector(m *Metrics, queueStats QueueStatsProvider, storagePath string, interval time.Duration) *Collector {
	if interval == 0 {
		interval = 10 * time.Second
	}

	return &Collector{
		metrics:     m,
		queueStats:  queueStats,
		storagePath: storagePath,
		interval:    interval,
		startTime:   time.Now(),
		stopCh:      make(chan struct{}),
	}
}

// Start begins the collector background loop
func (c *Collector) Start(ctx context.Context) {
	c.wg.Add(1)
	go c.loop(ctx)
}

// Stop stops the collector
func (c *Collector) Stop() {
	close(c.stopCh)
	c.wg.Wait()
}

func (c *Collector) loop(ctx context.Context) {
	defer c.wg.Done()

	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-c.stopCh:
			return
		case <-ticker.C:
			c.collect(ctx)
		}
	}
}

// collect refreshes current system state
func (c *Collector) collect(ctx context.Context) {
	c.metrics.UptimeSeconds.Set(time.Since(c.startTime).Seconds())
	c.metrics.Goroutines.Set(float64(runtime.NumGoroutine()))

	if c.storagePath != "" {
		if info, err := os.Stat(c.storagePath); err == nil {
			c.metrics.StorageUsedBytes.Set(float64(info.Size()))
		}
	}

	if c.queueStats != nil {
		pending, processing, err := c.queueStats.GlobalStats(ctx)
		if err == nil {
			c.metrics.QueuePending.Set(float64(pending))
			c.metrics.QueueProcessing.Set(float64(processing))
		}
	}
}
