package store

import (
	"context"
	"sort"
	"sync"

	"tickerflow/internal/models"
)

// Memory is an in-process store with the same upsert semantics as Postgres.
// It backs local runs and tests.
type Memory struct {
	mu      sync.RWMutex
	records map[string]models.TickerRecord
	failErr error
}

// NewMemory returns an empty store.
func NewMemory() *Memory {
	return &Memory{records: make(map[string]models.TickerRecord)}
}

// Seed stores records as if created by the directory administrator.
func (m *Memory) Seed(records ...models.TickerRecord) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, r := range records {
		m.records[r.Symbol] = r
	}
}

// FailWith makes every following BulkUpsert return err; nil restores writes.
func (m *Memory) FailWith(err error) {
	m.mu.Lock()
	m.failErr = err
	m.mu.Unlock()
}

// BulkUpsert applies ops in order under one lock.
func (m *Memory) BulkUpsert(ctx context.Context, ops []Upsert) (BulkResult, error) {
	var res BulkResult
	if err := ctx.Err(); err != nil {
		return res, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.failErr != nil {
		return res, m.failErr
	}

	for i, op := range ops {
		rec, exists := m.records[op.Symbol]
		switch {
		case !exists && op.RequireExisting:
			res.Skipped++
			res.SkippedOps = append(res.SkippedOps, i)
			continue
		case !exists:
			rec = models.TickerRecord{
				Symbol:      op.Symbol,
				Name:        op.Insert.Name,
				Description: op.Insert.Description,
				Category:    op.Insert.Category,
				IsOpen:      op.Insert.IsOpen,
			}
			res.Inserted++
		default:
			res.Matched++
			res.Modified++
		}

		rec.Price = op.Price
		set(&rec.Change, op.Change)
		set(&rec.Volume, op.Volume)
		set(&rec.MarketCap, op.MarketCap)
		set(&rec.High24h, op.High24h)
		set(&rec.Low24h, op.Low24h)
		set(&rec.High1h, op.High1h)
		set(&rec.Low1h, op.Low1h)
		set(&rec.High4h, op.High4h)
		set(&rec.Low4h, op.Low4h)
		rec.UpdatedAt = op.UpdatedAt
		m.records[op.Symbol] = rec
	}
	return res, nil
}

func set(dst *float64, v *float64) {
	if v != nil {
		*dst = *v
	}
}

// Prices returns the stored price for each known symbol.
func (m *Memory) Prices(_ context.Context, symbols []string) (map[string]float64, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]float64, len(symbols))
	for _, s := range symbols {
		if r, ok := m.records[s]; ok {
			out[s] = r.Price
		}
	}
	return out, nil
}

// Record returns one stored record.
func (m *Memory) Record(symbol string) (models.TickerRecord, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	r, ok := m.records[symbol]
	return r, ok
}

// Records returns all records ordered by symbol.
func (m *Memory) Records() []models.TickerRecord {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]models.TickerRecord, 0, len(m.records))
	for _, r := range m.records {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Symbol < out[j].Symbol })
	return out
}

func (m *Memory) Close() {}
