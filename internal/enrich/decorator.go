package enrich

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"tickerflow/internal/models"
	"tickerflow/internal/reader"
	"tickerflow/logger"
)

const (
	DefaultCacheTTL     = time.Minute
	refreshCallDeadline = 30 * time.Second
)

// RangeSource is satisfied by Fetcher.
type RangeSource interface {
	FetchRange(ctx context.Context, symbol string, interval time.Duration) (models.Range, error)
}

type cached struct {
	rng models.Range
	ok  bool
	// triedAt is the start of the last refresh, successful or not.
	triedAt time.Time
}

// Decorator adds cached 1h and 4h ranges to ticks before they reach the
// batcher. Missing or stale entries are refreshed in the background so a
// tick is never held back by a REST call. A failed refresh is not retried
// until the TTL has passed again.
type Decorator struct {
	next      reader.Emitter
	source    RangeSource
	intervals []time.Duration
	ttl       time.Duration
	log       *logger.Entry

	mu    sync.RWMutex
	cache map[string]cached
	group singleflight.Group
	ctx   context.Context
	now   func() time.Time
}

// NewDecorator wraps next. Refreshes stop when ctx ends.
func NewDecorator(ctx context.Context, next reader.Emitter, source RangeSource, ttl time.Duration, intervals ...time.Duration) *Decorator {
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if len(intervals) == 0 {
		intervals = []time.Duration{time.Hour, 4 * time.Hour}
	}
	return &Decorator{
		next:      next,
		source:    source,
		intervals: intervals,
		ttl:       ttl,
		log:       logger.GetLogger().WithComponent("enrichment"),
		cache:     make(map[string]cached),
		ctx:       ctx,
		now:       time.Now,
	}
}

func cacheKey(symbol string, interval time.Duration) string {
	return symbol + "|" + interval.String()
}

// Send fills the range fields from cache and forwards the tick.
func (d *Decorator) Send(ctx context.Context, tick models.Tick) bool {
	for _, iv := range d.intervals {
		rng, ok := d.lookup(tick.Symbol, iv)
		if ok {
			apply(&tick, iv, rng)
		}
	}
	return d.next.Send(ctx, tick)
}

func (d *Decorator) lookup(symbol string, interval time.Duration) (models.Range, bool) {
	key := cacheKey(symbol, interval)
	d.mu.RLock()
	c := d.cache[key]
	d.mu.RUnlock()
	if d.now().Sub(c.triedAt) > d.ttl && d.claim(key) {
		d.refresh(symbol, interval)
	}
	return c.rng, c.ok
}

// claim marks key as being refreshed. It reports false when another
// caller already claimed it within the TTL.
func (d *Decorator) claim(key string) bool {
	now := d.now()
	d.mu.Lock()
	defer d.mu.Unlock()
	c := d.cache[key]
	if now.Sub(c.triedAt) <= d.ttl {
		return false
	}
	c.triedAt = now
	d.cache[key] = c
	return true
}

func (d *Decorator) refresh(symbol string, interval time.Duration) {
	key := cacheKey(symbol, interval)
	go func() {
		_, _, _ = d.group.Do(key, func() (any, error) {
			if d.ctx.Err() != nil {
				return nil, d.ctx.Err()
			}
			ctx, cancel := context.WithTimeout(d.ctx, refreshCallDeadline)
			defer cancel()
			rng, err := d.source.FetchRange(ctx, symbol, interval)
			if err != nil {
				d.log.WithError(err).WithFields(logger.Fields{
					"symbol":   symbol,
					"interval": interval.String(),
					"retry_in": d.ttl.String(),
				}).Debug("no enrichment available this cycle")
				return nil, err
			}
			d.mu.Lock()
			c := d.cache[key]
			c.rng, c.ok = rng, true
			d.cache[key] = c
			d.mu.Unlock()
			return rng, nil
		})
	}()
}

func apply(tick *models.Tick, interval time.Duration, rng models.Range) {
	switch interval {
	case time.Hour:
		tick.High1h, tick.Low1h = models.Float(rng.High), models.Float(rng.Low)
	case 4 * time.Hour:
		tick.High4h, tick.Low4h = models.Float(rng.High), models.Float(rng.Low)
	}
}
