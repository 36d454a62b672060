package channel

import (
	"context"
	"sync"
	"time"

	"tickerflow/internal/metrics"
	"tickerflow/internal/models"
	"tickerflow/logger"
)

// ChannelStats tracks enqueue/dropped counters.
type ChannelStats struct {
	Sent    int64
	Dropped int64
}

// Channels is the bounded hand-off between the feed connectors of one
// category and its batcher.
type Channels struct {
	Ticks chan models.Tick

	name      string
	stats     ChannelStats
	mu        sync.RWMutex
	log       *logger.Log
	closeOnce sync.Once
}

// NewChannels allocates the tick channel for one category.
func NewChannels(name string, bufferSize int) *Channels {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	log := logger.GetLogger()
	c := &Channels{
		Ticks: make(chan models.Tick, bufferSize),
		name:  name,
		log:   log,
	}

	log.WithComponent("channels").WithFields(logger.Fields{
		"category":    name,
		"buffer_size": bufferSize,
	}).Debug("tick channel initialized")

	return c
}

// Send enqueues a tick without blocking. A full channel drops the tick.
func (c *Channels) Send(ctx context.Context, tick models.Tick) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}

	select {
	case c.Ticks <- tick:
		c.mu.Lock()
		c.stats.Sent++
		c.mu.Unlock()
		return true
	default:
		c.mu.Lock()
		c.stats.Dropped++
		c.mu.Unlock()
		metrics.EmitDropMetric(c.log, metrics.DropMetricChannel, tick.Source, c.name, tick.Symbol, 1)
		return false
	}
}

// GetStats returns a snapshot of the counters.
func (c *Channels) GetStats() ChannelStats {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.stats
}

// StartMetricsReporting logs channel occupancy every interval until ctx ends.
func (c *Channels) StartMetricsReporting(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				stats := c.GetStats()
				c.log.WithComponent("channels").WithFields(logger.Fields{
					"category": c.name,
					"sent":     stats.Sent,
					"dropped":  stats.Dropped,
					"len":      len(c.Ticks),
					"cap":      cap(c.Ticks),
				}).Info("channel statistics")
			}
		}
	}()
}

// Close closes the tick channel once. Producers must be stopped first.
func (c *Channels) Close() {
	c.closeOnce.Do(func() {
		close(c.Ticks)
		c.log.WithComponent("channels").WithField("category", c.name).Debug("tick channel closed")
	})
}
