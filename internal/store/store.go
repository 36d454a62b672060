package store

import (
	"context"
	"time"

	"tickerflow/internal/models"
)

// InsertDefaults supplies required fields only when the record is created.
type InsertDefaults struct {
	Name        string
	Description string
	Category    models.Category
	IsOpen      bool
}

// Upsert is one ticker write. Nil optional fields leave the stored value
// untouched on update and default to zero on insert.
type Upsert struct {
	Symbol    string
	Price     float64
	Change    *float64
	Volume    *float64
	MarketCap *float64
	High24h   *float64
	Low24h    *float64
	High1h    *float64
	Low1h     *float64
	High4h    *float64
	Low4h     *float64
	UpdatedAt time.Time

	Insert InsertDefaults
	// RequireExisting skips the write when the symbol is not stored yet.
	RequireExisting bool
}

// BulkResult counts the outcome of a bulk upsert.
type BulkResult struct {
	Matched  int
	Modified int
	Inserted int
	Skipped  int
	// SkippedOps holds the indexes of operations that wrote nothing.
	SkippedOps []int
}

// Applied is the number of operations that changed the store.
func (r BulkResult) Applied() int {
	return r.Modified + r.Inserted
}

// Store persists ticker records. BulkUpsert applies operations in order and
// either applies all of them or returns an error.
type Store interface {
	BulkUpsert(ctx context.Context, ops []Upsert) (BulkResult, error)
	Prices(ctx context.Context, symbols []string) (map[string]float64, error)
	Close()
}
