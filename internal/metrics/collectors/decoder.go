// Package collectors periodically samples runtime state into metrics.
package collectors

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/smazurov/m2mdec/internal/metrics"
)

// StatsSource reports decoder buffer occupancy.
type StatsSource interface {
	PoolStats() metrics.PoolStats
}

// DecoderCollector samples a StatsSource on an interval.
type DecoderCollector struct {
	logger   *slog.Logger
	source   StatsSource
	interval time.Duration
	cancel   context.CancelFunc
	wg       sync.WaitGroup
}

// NewDecoderCollector creates a collector for one decoder.
func NewDecoderCollector(source StatsSource, interval time.Duration, logger *slog.Logger) *DecoderCollector {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &DecoderCollector{
		logger:   logger,
		source:   source,
		interval: interval,
	}
}

// Start begins sampling until ctx is cancelled or Stop is called.
func (c *DecoderCollector) Start(ctx context.Context) {
	ctx, c.cancel = context.WithCancel(ctx)
	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.run(ctx)
	}()
}

// Stop stops sampling and waits for the collector goroutine.
func (c *DecoderCollector) Stop() {
	if c.cancel != nil {
		c.cancel()
	}
	c.wg.Wait()
}

func (c *DecoderCollector) run(ctx context.Context) {
	c.logger.Debug("Starting decoder metrics collection", "interval", c.interval)
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.collect()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.collect()
		}
	}
}

func (c *DecoderCollector) collect() {
	stats := c.source.PoolStats()
	if stats.Device == "" {
		return
	}
	metrics.SetPoolStats(stats)
}
