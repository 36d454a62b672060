// Registers:
//
//	#tickerflow_ticks_received_total
//	#tickerflow_ticks_unmapped_total
//	#tickerflow_ticks_dropped_total
//	#tickerflow_batches_total / tickerflow_records_total
//	#tickerflow_batch_apply_seconds
//	#tickerflow_connector_state
//	#tickerflow_promotions_total
//	#tickerflow_enrichment_total
//	#go_* and process_* system metrics
//
// Exposition is served by the control server through promhttp.
package metrics

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"

	"tickerflow/logger"
)

var (
	once            sync.Once
	ticksReceived   *prometheus.CounterVec
	ticksUnmapped   *prometheus.CounterVec
	ticksDropped    *prometheus.CounterVec
	batches         *prometheus.CounterVec
	records         *prometheus.CounterVec
	batchDuration   prometheus.Histogram
	connectorState  *prometheus.GaugeVec
	promotions      *prometheus.CounterVec
	enrichmentCalls *prometheus.CounterVec
)

// Init registers the collectors with reg, or the default registerer when reg
// is nil. Subsequent calls are no-ops.
func Init(reg prometheus.Registerer) {
	once.Do(func() {
		if reg == nil {
			reg = prometheus.DefaultRegisterer
		}
		ticksReceived = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickerflow_ticks_received_total",
			Help: "Normalized ticks produced by feed connectors",
		}, []string{"provider"})
		ticksUnmapped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickerflow_ticks_unmapped_total",
			Help: "Provider messages dropped because the symbol has no canonical mapping",
		}, []string{"provider"})
		ticksDropped = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickerflow_ticks_dropped_total",
			Help: "Ticks shed by a full channel or queue",
		}, []string{"stage"})
		batches = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickerflow_batches_total",
			Help: "Flushed batches by outcome",
		}, []string{"result"})
		records = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickerflow_records_total",
			Help: "Upsert operations by outcome",
		}, []string{"result"})
		batchDuration = prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "tickerflow_batch_apply_seconds",
			Help:    "Time spent applying one batch to the ticker store",
			Buckets: prometheus.DefBuckets,
		})
		connectorState = prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "tickerflow_connector_state",
			Help: "Current connector state (0 disconnected, 1 connecting, 2 handshaking, 3 subscribed, 4 fatal)",
		}, []string{"category", "provider"})
		promotions = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickerflow_promotions_total",
			Help: "Fallback promotions per category",
		}, []string{"category", "from", "to"})
		enrichmentCalls = prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tickerflow_enrichment_total",
			Help: "Range lookups by provider and outcome",
		}, []string{"provider", "result"})

		for _, c := range []prometheus.Collector{
			ticksReceived, ticksUnmapped, ticksDropped, batches, records,
			batchDuration, connectorState, promotions, enrichmentCalls,
		} {
			_ = reg.Register(c)
		}
		_ = reg.Register(collectors.NewGoCollector())
		_ = reg.Register(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	})
}

func TickReceived(provider string) {
	logger.RecordStage(logger.StageReceived, 1)
	if ticksReceived != nil {
		ticksReceived.WithLabelValues(provider).Inc()
	}
}

func TickUnmapped(provider string) {
	if ticksUnmapped != nil {
		ticksUnmapped.WithLabelValues(provider).Inc()
	}
}

func TicksDropped(stage string, n int) {
	logger.RecordStage(logger.StageDropped, n)
	if ticksDropped != nil {
		ticksDropped.WithLabelValues(stage).Add(float64(n))
	}
}

// BatchApplied records the outcome of one persistence write.
func BatchApplied(applied, failed int, took time.Duration) {
	logger.RecordStage(logger.StageApplied, applied)
	logger.RecordStage(logger.StageFailed, failed)
	if batches == nil {
		return
	}
	result := "applied"
	if failed > 0 && applied == 0 {
		result = "failed"
	}
	batches.WithLabelValues(result).Inc()
	records.WithLabelValues("applied").Add(float64(applied))
	records.WithLabelValues("failed").Add(float64(failed))
	batchDuration.Observe(took.Seconds())
}

func SetConnectorState(category, provider string, state int) {
	if connectorState != nil {
		connectorState.WithLabelValues(category, provider).Set(float64(state))
	}
}

func Promoted(category, from, to string) {
	if promotions != nil {
		promotions.WithLabelValues(category, from, to).Inc()
	}
}

func Enrichment(provider, result string) {
	if enrichmentCalls != nil {
		enrichmentCalls.WithLabelValues(provider, result).Inc()
	}
}
