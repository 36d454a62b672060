package metrics

import "tickerflow/logger"

// DropMetric identifies the metric name emitted when ticks are shed.
type DropMetric string

const (
	// DropMetricChannel records ticks rejected by a full connector channel.
	DropMetricChannel DropMetric = "ticks_dropped_channel"
	// DropMetricQueue records ticks rejected by a full batcher queue.
	DropMetricQueue DropMetric = "ticks_dropped_queue"
	// DropMetricUnmapped records provider messages with no canonical symbol.
	DropMetricUnmapped DropMetric = "ticks_dropped_unmapped"
	// DropMetricBatch records ticks lost with a failed persistence batch.
	DropMetricBatch DropMetric = "ticks_dropped_batch"
)

// EmitDropMetric emits one drop event of count ticks. Empty metadata is left
// out of the metric fields.
func EmitDropMetric(log *logger.Log, metric DropMetric, provider, category, symbol string, count int) {
	if count <= 0 {
		return
	}
	fields := logger.Fields{}
	if provider != "" {
		fields["provider"] = provider
	}
	if category != "" {
		fields["category"] = category
	}
	if symbol != "" {
		fields["symbol"] = symbol
	}

	TicksDropped(string(metric), count)
	Emit(log, Event{
		Component: "tick_drops",
		Name:      string(metric),
		Value:     float64(count),
		Labels:    fields,
	})
}
