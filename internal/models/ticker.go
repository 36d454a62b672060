package models

import (
	"fmt"
	"strings"
	"time"
)

// Category classifies a tracked instrument.
type Category string

const (
	CategoryCryptocurrency Category = "Cryptocurrency"
	CategoryStock          Category = "Stock"
	CategoryForex          Category = "Forex"
	CategoryCommodity      Category = "Commodity"
	CategoryETF            Category = "ETF"
	CategoryFuture         Category = "Future"
	CategoryOther          Category = "Other"
)

var categories = []Category{
	CategoryCryptocurrency,
	CategoryStock,
	CategoryForex,
	CategoryCommodity,
	CategoryETF,
	CategoryFuture,
	CategoryOther,
}

// ParseCategory matches a category name case-insensitively.
func ParseCategory(s string) (Category, error) {
	s = strings.TrimSpace(s)
	for _, c := range categories {
		if strings.EqualFold(string(c), s) {
			return c, nil
		}
	}
	return "", fmt.Errorf("unknown category %q", s)
}

// Instrument is one entry of the external instrument directory.
type Instrument struct {
	Symbol   string   `json:"symbol"`
	Name     string   `json:"name,omitempty"`
	Category Category `json:"category"`
}

// Tick is one normalized price observation. Optional fields are nil when the
// provider payload does not carry them.
type Tick struct {
	Symbol     string    `json:"symbol"`
	Price      float64   `json:"price"`
	Change     *float64  `json:"change,omitempty"`
	Volume     *float64  `json:"volume,omitempty"`
	High       *float64  `json:"high,omitempty"`
	Low        *float64  `json:"low,omitempty"`
	MarketCap  *float64  `json:"marketCap,omitempty"`
	High1h     *float64  `json:"high1h,omitempty"`
	Low1h      *float64  `json:"low1h,omitempty"`
	High4h     *float64  `json:"high4h,omitempty"`
	Low4h      *float64  `json:"low4h,omitempty"`
	Category   Category  `json:"category"`
	ObservedAt time.Time `json:"observedAt"`
	Source     string    `json:"source"`
}

// TickerRecord is the persisted per-symbol market state.
type TickerRecord struct {
	Symbol      string    `json:"symbol"`
	Name        string    `json:"name"`
	Description string    `json:"description"`
	Price       float64   `json:"price"`
	Change      float64   `json:"change"`
	Category    Category  `json:"category"`
	Volume      float64   `json:"volume"`
	MarketCap   float64   `json:"marketCap"`
	High24h     float64   `json:"high24h"`
	Low24h      float64   `json:"low24h"`
	High1h      float64   `json:"high1h"`
	Low1h       float64   `json:"low1h"`
	High4h      float64   `json:"high4h"`
	Low4h       float64   `json:"low4h"`
	IsOpen      bool      `json:"isOpen"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// Range is the high/low of one interval.
type Range struct {
	High float64 `json:"high"`
	Low  float64 `json:"low"`
}

// BatchResult reports the outcome of applying one flushed batch.
type BatchResult struct {
	Applied int `json:"applied"`
	Failed  int `json:"failed"`
}

// Float returns a pointer to v for optional tick fields.
func Float(v float64) *float64 {
	return &v
}
