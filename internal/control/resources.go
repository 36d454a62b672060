package control

import (
	"context"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"tickerflow/logger"
)

// resourceSnapshot is one host sample next to the pipeline stage counters.
type resourceSnapshot struct {
	Timestamp  time.Time `json:"timestamp"`
	CPUPercent float64   `json:"cpu_percent"`
	MemoryUsed uint64    `json:"memory_used"`
	MemoryPct  float64   `json:"memory_percent"`
	Goroutines int       `json:"goroutines"`
	Received   int64     `json:"ticks_received"`
	Dropped    int64     `json:"ticks_dropped"`
	Applied    int64     `json:"ticks_applied"`
	Failed     int64     `json:"ticks_failed"`
}

type resourceSampler struct {
	samples  *recent[resourceSnapshot]
	interval time.Duration

	cancel  context.CancelFunc
	running atomic.Bool
	wg      sync.WaitGroup
	log     *logger.Log
}

var (
	cpuPercentFn = func(ctx context.Context, interval time.Duration) ([]float64, error) {
		return cpu.PercentWithContext(ctx, interval, false)
	}
	memoryStatsFn = mem.VirtualMemoryWithContext
)

func newResourceSampler(limit int, interval time.Duration, log *logger.Log) *resourceSampler {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	return &resourceSampler{samples: newRecent[resourceSnapshot](limit), interval: interval, log: log}
}

func (s *resourceSampler) start(ctx context.Context) {
	if s == nil || s.running.Swap(true) {
		return
	}
	childCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.run(childCtx)
	}()
}

func (s *resourceSampler) stop() {
	if s == nil {
		return
	}
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.running.Store(false)
}

func (s *resourceSampler) snapshot() []resourceSnapshot {
	if s == nil {
		return nil
	}
	return s.samples.list()
}

// run samples continuously; the cpu call itself blocks for one interval.
func (s *resourceSampler) run(ctx context.Context) {
	for ctx.Err() == nil {
		cpuSamples, err := cpuPercentFn(ctx, s.interval)
		if err != nil {
			s.log.WithComponent("resource_sampler").WithError(err).Debug("failed to sample cpu usage")
			if !sleepCtx(ctx, s.interval) {
				return
			}
			continue
		}
		memStats, err := memoryStatsFn(ctx)
		if err != nil {
			s.log.WithComponent("resource_sampler").WithError(err).Debug("failed to sample memory usage")
			continue
		}

		snap := resourceSnapshot{
			Timestamp:  time.Now(),
			MemoryUsed: memStats.Used,
			MemoryPct:  memStats.UsedPercent,
			Goroutines: runtime.NumGoroutine(),
			Received:   logger.StageCount(logger.StageReceived),
			Dropped:    logger.StageCount(logger.StageDropped),
			Applied:    logger.StageCount(logger.StageApplied),
			Failed:     logger.StageCount(logger.StageFailed),
		}
		if len(cpuSamples) > 0 {
			snap.CPUPercent = cpuSamples[0]
		}
		s.samples.push(snap)
	}
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
