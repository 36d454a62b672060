package batcher

import (
	"context"
	"sync"
	"time"

	"tickerflow/internal/metrics"
	"tickerflow/internal/models"
	"tickerflow/logger"
)

const (
	DefaultBatchSize     = 100
	DefaultFlushInterval = 500 * time.Millisecond
	DefaultMaxQueueSize  = 1000
	shutdownFlushTimeout = 5 * time.Second
)

// Sink applies one flushed batch.
type Sink interface {
	ApplyBatch(ctx context.Context, ticks []models.Tick) models.BatchResult
}

// Options configures a Batcher. Zero values select the defaults.
type Options struct {
	Name          string
	BatchSize     int
	FlushInterval time.Duration
	MaxQueueSize  int
	Log           *logger.Log
}

// Batcher buffers ticks and hands them to the sink in batches, by size or on
// a timer. When the queue is full new ticks are shed.
type Batcher struct {
	sink Sink
	opts Options
	base *logger.Log
	log  *logger.Entry

	mu      sync.Mutex
	queue   []models.Tick
	flushMu sync.Mutex

	newTicker func(d time.Duration) (<-chan time.Time, func())
}

// New returns a batcher writing to sink.
func New(sink Sink, opts Options) *Batcher {
	if opts.BatchSize <= 0 {
		opts.BatchSize = DefaultBatchSize
	}
	if opts.FlushInterval <= 0 {
		opts.FlushInterval = DefaultFlushInterval
	}
	if opts.MaxQueueSize <= 0 {
		opts.MaxQueueSize = DefaultMaxQueueSize
	}
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	return &Batcher{
		sink:  sink,
		opts:  opts,
		base:  log,
		log:   log.WithComponent("batcher").WithField("category", opts.Name),
		queue: make([]models.Tick, 0, opts.BatchSize),
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Enqueue appends a tick. It returns false when the queue is full and the
// tick was dropped. Reaching the batch size flushes synchronously.
func (b *Batcher) Enqueue(ctx context.Context, tick models.Tick) bool {
	b.mu.Lock()
	if len(b.queue) >= b.opts.MaxQueueSize {
		b.mu.Unlock()
		b.log.WithFields(logger.Fields{
			"symbol":   tick.Symbol,
			"provider": tick.Source,
			"max":      b.opts.MaxQueueSize,
		}).Warn("queue is full, tick dropped")
		metrics.EmitDropMetric(b.base, metrics.DropMetricQueue, tick.Source, b.opts.Name, tick.Symbol, 1)
		return false
	}
	b.queue = append(b.queue, tick)
	full := len(b.queue) >= b.opts.BatchSize
	b.mu.Unlock()

	if full {
		b.Flush(ctx)
	}
	return true
}

// Len returns the number of queued ticks.
func (b *Batcher) Len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// Flush snapshots and clears the queue, then applies the snapshot. Flushes
// never overlap; an empty queue is a no-op.
func (b *Batcher) Flush(ctx context.Context) models.BatchResult {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.mu.Lock()
	if len(b.queue) == 0 {
		b.mu.Unlock()
		return models.BatchResult{}
	}
	snapshot := b.queue
	b.queue = make([]models.Tick, 0, b.opts.BatchSize)
	b.mu.Unlock()

	start := time.Now()
	res := b.sink.ApplyBatch(ctx, snapshot)
	took := time.Since(start)
	metrics.BatchApplied(res.Applied, res.Failed, took)

	b.log.WithFields(logger.Fields{
		"size":     len(snapshot),
		"applied":  res.Applied,
		"failed":   res.Failed,
		"duration": took.String(),
	}).Debug("batch flushed")
	return res
}

// Run drains in until it is closed or ctx ends, flushing on the timer. On
// cancellation the ticks already buffered in in are queued, and the queue is
// flushed once more before returning.
func (b *Batcher) Run(ctx context.Context, in <-chan models.Tick) {
	tick, stop := b.newTicker(b.opts.FlushInterval)
	defer stop()
	defer b.finalFlush(ctx)

	b.log.WithFields(logger.Fields{
		"batch_size":     b.opts.BatchSize,
		"flush_interval": b.opts.FlushInterval.String(),
		"max_queue_size": b.opts.MaxQueueSize,
	}).Info("batcher started")

	for {
		if ctx.Err() != nil {
			b.drain(ctx, in)
			return
		}
		select {
		case <-ctx.Done():
			b.drain(ctx, in)
			return
		case t, ok := <-in:
			if !ok {
				return
			}
			b.Enqueue(ctx, t)
		case <-tick:
			b.Flush(ctx)
		}
	}
}

// drain queues the ticks buffered in in at the time of the call without
// waiting for more.
func (b *Batcher) drain(ctx context.Context, in <-chan models.Tick) {
	pending := len(in)
	if pending == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
	defer cancel()
	drained := 0
	for ; pending > 0; pending-- {
		t, ok := <-in
		if !ok {
			break
		}
		b.Enqueue(flushCtx, t)
		drained++
	}
	b.log.WithField("ticks", drained).Debug("drained buffered ticks on shutdown")
}

func (b *Batcher) finalFlush(ctx context.Context) {
	if b.Len() == 0 {
		return
	}
	flushCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), shutdownFlushTimeout)
	defer cancel()
	res := b.Flush(flushCtx)
	b.log.WithFields(logger.Fields{
		"applied": res.Applied,
		"failed":  res.Failed,
	}).Info("final batch flushed")
}
