package logger

import (
	"context"
	"runtime"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// Ingestion stages tracked by the runtime report.
const (
	StageReceived = "received"
	StageDropped  = "dropped"
	StageApplied  = "applied"
	StageFailed   = "failed"
)

var (
	errorsStream int64
	errorsSink   int64
	warnsStream  int64
	warnsSink    int64
	stages       sync.Map // map[string]*int64
)

func recordWarn(component string) {
	switch componentGroup(component) {
	case "stream":
		atomic.AddInt64(&warnsStream, 1)
	case "sink":
		atomic.AddInt64(&warnsSink, 1)
	}
}

func recordError(component string) {
	switch componentGroup(component) {
	case "stream":
		atomic.AddInt64(&errorsStream, 1)
	case "sink":
		atomic.AddInt64(&errorsSink, 1)
	}
}

func componentGroup(component string) string {
	switch {
	case strings.HasSuffix(component, "_stream"), strings.HasSuffix(component, "_poller"), component == "connector":
		return "stream"
	case strings.Contains(component, "writer"), strings.Contains(component, "store"), component == "batcher":
		return "sink"
	default:
		return ""
	}
}

// RecordStage adds n to the counter of the given ingestion stage.
func RecordStage(stage string, n int) {
	if n <= 0 {
		return
	}
	v, _ := stages.LoadOrStore(stage, new(int64))
	atomic.AddInt64(v.(*int64), int64(n))
}

// StageCount returns the current value of an ingestion stage counter.
func StageCount(stage string) int64 {
	v, ok := stages.Load(stage)
	if !ok {
		return 0
	}
	return atomic.LoadInt64(v.(*int64))
}

// StartReport begins periodic logging of process and ingestion statistics.
func StartReport(ctx context.Context, log *Log, interval time.Duration) {
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
				logReport(ctx, log)
			}
		}
	}()
}

func logReport(ctx context.Context, log *Log) {
	cpuPercent, _ := cpu.Percent(0, false)
	cpuPct := 0.0
	if len(cpuPercent) > 0 {
		cpuPct = cpuPercent[0]
	}
	var memoryMB float64
	if memStats, err := mem.VirtualMemory(); err == nil {
		memoryMB = float64(memStats.Used) / 1024 / 1024
	}

	stageData := map[string]int64{}
	stages.Range(func(k, v any) bool {
		stageData[k.(string)] = atomic.LoadInt64(v.(*int64))
		return true
	})

	log.WithComponent("report").WithFields(Fields{
		"errors_stream": atomic.LoadInt64(&errorsStream),
		"errors_sink":   atomic.LoadInt64(&errorsSink),
		"warns_stream":  atomic.LoadInt64(&warnsStream),
		"warns_sink":    atomic.LoadInt64(&warnsSink),
		"stages":        stageData,
		"goroutines":    runtime.NumGoroutine(),
		"cpu_percent":   cpuPct,
		"memory_mb":     int64(memoryMB),
	}).Info("runtime report")

	data := []cwtypes.MetricDatum{
		{MetricName: aws.String("CPUPercent"), Unit: cwtypes.StandardUnitPercent, Value: aws.Float64(cpuPct)},
		{MetricName: aws.String("MemoryMB"), Unit: cwtypes.StandardUnitMegabytes, Value: aws.Float64(memoryMB)},
		{MetricName: aws.String("Goroutines"), Unit: cwtypes.StandardUnitCount, Value: aws.Float64(float64(runtime.NumGoroutine()))},
	}
	stageMetric := map[string]string{
		StageReceived: "TicksReceived",
		StageDropped:  "TicksDropped",
		StageApplied:  "RecordsApplied",
		StageFailed:   "RecordsFailed",
	}
	for stage, value := range stageData {
		name, ok := stageMetric[stage]
		if !ok {
			continue
		}
		data = append(data, cwtypes.MetricDatum{
			MetricName: aws.String(name),
			Unit:       cwtypes.StandardUnitCount,
			Value:      aws.Float64(float64(value)),
		})
	}

	publishMetrics(ctx, data)
}
