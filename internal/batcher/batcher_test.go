package batcher

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/internal/models"
)

type recordingSink struct {
	mu      sync.Mutex
	batches [][]models.Tick
	ctxErrs []error
	flushed chan struct{}
}

func newRecordingSink() *recordingSink {
	return &recordingSink{flushed: make(chan struct{}, 8)}
}

func (s *recordingSink) ApplyBatch(ctx context.Context, ticks []models.Tick) models.BatchResult {
	s.mu.Lock()
	s.batches = append(s.batches, append([]models.Tick(nil), ticks...))
	s.ctxErrs = append(s.ctxErrs, ctx.Err())
	s.mu.Unlock()
	s.flushed <- struct{}{}
	return models.BatchResult{Applied: len(ticks)}
}

func (s *recordingSink) snapshot() [][]models.Tick {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([][]models.Tick(nil), s.batches...)
}

func tick(i int) models.Tick {
	return models.Tick{Symbol: fmt.Sprintf("SYM%d", i), Price: float64(i + 1)}
}

func TestSizeTriggerFlushesOnce(t *testing.T) {
	sink := newRecordingSink()
	b := New(sink, Options{})
	ctx := context.Background()

	for i := 0; i < DefaultBatchSize; i++ {
		require.True(t, b.Enqueue(ctx, tick(i)))
	}

	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], DefaultBatchSize)
	assert.Equal(t, 0, b.Len())
}

func TestTimerTriggerFlushesSingleTick(t *testing.T) {
	sink := newRecordingSink()
	b := New(sink, Options{})
	ticks := make(chan time.Time)
	b.newTicker = func(time.Duration) (<-chan time.Time, func()) { return ticks, func() {} }

	in := make(chan models.Tick, 1)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, in)
		close(done)
	}()

	in <- tick(0)
	require.Eventually(t, func() bool { return b.Len() == 1 }, time.Second, 5*time.Millisecond)
	ticks <- time.Now()

	select {
	case <-sink.flushed:
	case <-time.After(time.Second):
		t.Fatal("timer did not flush")
	}
	cancel()
	<-done

	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Equal(t, []models.Tick{tick(0)}, batches[0])
}

func TestOverflowShedsNewest(t *testing.T) {
	sink := newRecordingSink()
	b := New(sink, Options{BatchSize: 5000, MaxQueueSize: DefaultMaxQueueSize})
	ctx := context.Background()

	accepted := 0
	for i := 0; i < DefaultMaxQueueSize+50; i++ {
		if b.Enqueue(ctx, tick(i)) {
			accepted++
		}
	}
	assert.Equal(t, DefaultMaxQueueSize, accepted)
	assert.Equal(t, DefaultMaxQueueSize, b.Len())

	b.Flush(ctx)
	batches := sink.snapshot()
	require.Len(t, batches, 1)
	require.Len(t, batches[0], DefaultMaxQueueSize)
	for i, tk := range batches[0] {
		require.Equal(t, tick(i).Symbol, tk.Symbol)
	}
}

func TestFlushEmptyIsNoop(t *testing.T) {
	sink := newRecordingSink()
	b := New(sink, Options{})
	assert.Equal(t, models.BatchResult{}, b.Flush(context.Background()))
	assert.Empty(t, sink.snapshot())
}

func TestRunFlushesRemainderOnClose(t *testing.T) {
	sink := newRecordingSink()
	b := New(sink, Options{FlushInterval: time.Hour})
	in := make(chan models.Tick, 3)
	in <- tick(0)
	in <- tick(1)
	close(in)

	b.Run(context.Background(), in)

	batches := sink.snapshot()
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
}

func TestRunDrainsBufferedTicksOnCancel(t *testing.T) {
	sink := newRecordingSink()
	b := New(sink, Options{BatchSize: 2, FlushInterval: time.Hour})
	in := make(chan models.Tick, 8)
	for i := 0; i < 5; i++ {
		in <- tick(i)
	}
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b.Run(ctx, in)

	total := 0
	for _, batch := range sink.snapshot() {
		total += len(batch)
	}
	assert.Equal(t, 5, total)
	assert.Zero(t, len(in))
	assert.Zero(t, b.Len())
	sink.mu.Lock()
	defer sink.mu.Unlock()
	for _, err := range sink.ctxErrs {
		assert.NoError(t, err, "shutdown flushes run on a live context")
	}
}

func TestConcurrentEnqueueKeepsEveryTick(t *testing.T) {
	sink := newRecordingSink()
	sink.flushed = make(chan struct{}, 1000)
	b := New(sink, Options{BatchSize: 10})
	ctx := context.Background()

	var wg sync.WaitGroup
	for w := 0; w < 4; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 50; i++ {
				b.Enqueue(ctx, tick(i))
			}
		}()
	}
	wg.Wait()
	b.Flush(ctx)

	total := 0
	for _, batch := range sink.snapshot() {
		total += len(batch)
	}
	assert.Equal(t, 200, total)
}
