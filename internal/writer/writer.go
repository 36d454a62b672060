package writer

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"tickerflow/internal/metrics"
	"tickerflow/internal/models"
	"tickerflow/internal/store"
	"tickerflow/logger"
)

// Policy adjusts how ticks from one provider are written.
type Policy struct {
	// RequireExisting skips symbols that are not stored yet.
	RequireExisting bool
	// DeriveChange fills a missing change with the difference to the
	// previously stored price. Stock ticks always derive it.
	DeriveChange bool
}

// AppliedBatch is what mirrors receive after a successful write.
type AppliedBatch struct {
	BatchID   string        `json:"batchId"`
	Ticks     []models.Tick `json:"ticks"`
	AppliedAt time.Time     `json:"appliedAt"`
}

// Mirror forwards applied batches downstream. Publish must not block the
// write path for long; failures are the mirror's own concern.
type Mirror interface {
	Publish(ctx context.Context, batch AppliedBatch)
}

// TickerWriter is the persistence sink: it turns ticks into upserts and
// applies them in one bulk write.
type TickerWriter struct {
	store    store.Store
	base     *logger.Log
	log      *logger.Entry
	mu       sync.RWMutex
	policies map[string]Policy
	mirrors  []Mirror
	now      func() time.Time
}

// NewTickerWriter returns a sink over st.
func NewTickerWriter(st store.Store, log *logger.Log, mirrors ...Mirror) *TickerWriter {
	if log == nil {
		log = logger.GetLogger()
	}
	return &TickerWriter{
		store:    st,
		base:     log,
		log:      log.WithComponent("ticker_writer"),
		policies: make(map[string]Policy),
		mirrors:  mirrors,
		now:      time.Now,
	}
}

// SetPolicy installs the write policy for ticks whose source is provider.
func (w *TickerWriter) SetPolicy(provider string, p Policy) {
	w.mu.Lock()
	w.policies[strings.ToLower(provider)] = p
	w.mu.Unlock()
}

func (w *TickerWriter) policy(provider string) Policy {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.policies[strings.ToLower(provider)]
}

// ApplyBatch writes ticks in order. A store failure drops the whole batch.
func (w *TickerWriter) ApplyBatch(ctx context.Context, ticks []models.Tick) models.BatchResult {
	if len(ticks) == 0 {
		return models.BatchResult{}
	}
	batchID := uuid.NewString()
	log := w.log.WithFields(logger.Fields{"batch_id": batchID, "size": len(ticks)})

	ticks = w.deriveChanges(ctx, log, ticks)
	ops := make([]store.Upsert, 0, len(ticks))
	for _, t := range ticks {
		ops = append(ops, w.toUpsert(t))
	}

	res, err := w.store.BulkUpsert(ctx, ops)
	if err != nil {
		log.WithError(err).Error("batch write failed; dropping batch")
		metrics.EmitDropMetric(w.base, metrics.DropMetricBatch, "", categoryOf(ticks), "", len(ticks))
		return models.BatchResult{Failed: len(ticks)}
	}

	log.WithFields(logger.Fields{
		"matched":  res.Matched,
		"modified": res.Modified,
		"inserted": res.Inserted,
		"skipped":  res.Skipped,
	}).Debug("batch applied")

	written := persisted(ticks, res.SkippedOps)
	if len(written) == 0 {
		return models.BatchResult{Applied: res.Applied()}
	}
	applied := AppliedBatch{BatchID: batchID, Ticks: written, AppliedAt: w.now()}
	for _, m := range w.mirrors {
		m.Publish(ctx, applied)
	}
	return models.BatchResult{Applied: res.Applied()}
}

// persisted drops the ticks at the skipped op indexes.
func persisted(ticks []models.Tick, skipped []int) []models.Tick {
	if len(skipped) == 0 {
		return ticks
	}
	drop := make(map[int]bool, len(skipped))
	for _, i := range skipped {
		drop[i] = true
	}
	out := make([]models.Tick, 0, len(ticks)-len(drop))
	for i, t := range ticks {
		if !drop[i] {
			out = append(out, t)
		}
	}
	return out
}

func (w *TickerWriter) toUpsert(t models.Tick) store.Upsert {
	updated := t.ObservedAt
	if updated.IsZero() {
		updated = w.now()
	}
	return store.Upsert{
		Symbol:          t.Symbol,
		Price:           t.Price,
		Change:          t.Change,
		Volume:          t.Volume,
		MarketCap:       t.MarketCap,
		High24h:         t.High,
		Low24h:          t.Low,
		High1h:          t.High1h,
		Low1h:           t.Low1h,
		High4h:          t.High4h,
		Low4h:           t.Low4h,
		UpdatedAt:       updated,
		Insert:          InsertDefaults(t.Symbol, t.Category),
		RequireExisting: w.policy(t.Source).RequireExisting,
	}
}

// InsertDefaults returns the fields a first-seen symbol is created with.
func InsertDefaults(symbol string, category models.Category) store.InsertDefaults {
	d := store.InsertDefaults{Name: symbol, Category: category}
	switch category {
	case models.CategoryCryptocurrency:
		if base, ok := strings.CutSuffix(symbol, "USDT"); ok && base != "" {
			d.Name = base + " to USDT"
		}
	case models.CategoryStock:
		d.Name = "Unknown"
		d.IsOpen = true
	case "":
		d.Category = models.CategoryOther
	}
	return d
}

func (w *TickerWriter) derives(t models.Tick) bool {
	return t.Category == models.CategoryStock || w.policy(t.Source).DeriveChange
}

// deriveChanges fills Change for stock ticks and DeriveChange providers, chaining
// through earlier ticks of the same batch.
func (w *TickerWriter) deriveChanges(ctx context.Context, log *logger.Entry, ticks []models.Tick) []models.Tick {
	var need []string
	seen := make(map[string]bool)
	for _, t := range ticks {
		if t.Change == nil && w.derives(t) && !seen[t.Symbol] {
			seen[t.Symbol] = true
			need = append(need, t.Symbol)
		}
	}
	if len(need) == 0 {
		return ticks
	}

	prev, err := w.store.Prices(ctx, need)
	if err != nil {
		log.WithError(err).Warn("could not load previous prices; change left unset")
		return ticks
	}

	out := make([]models.Tick, len(ticks))
	copy(out, ticks)
	for i := range out {
		t := &out[i]
		if !seen[t.Symbol] {
			continue
		}
		if t.Change == nil && w.derives(*t) {
			change := 0.0
			if p, ok := prev[t.Symbol]; ok {
				change = t.Price - p
			}
			t.Change = &change
		}
		prev[t.Symbol] = t.Price
	}
	return out
}

func categoryOf(ticks []models.Tick) string {
	if len(ticks) == 0 {
		return ""
	}
	return string(ticks[0].Category)
}
