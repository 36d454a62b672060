package enrich

import (
	"context"
	"errors"
	"fmt"
	"time"

	"tickerflow/internal/metrics"
	"tickerflow/internal/models"
	"tickerflow/internal/ratelimit"
	"tickerflow/internal/reader"
	"tickerflow/internal/symbols"
	"tickerflow/logger"
)

// ErrUnavailable means no provider produced a range this cycle.
var ErrUnavailable = errors.New("range data unavailable")

const DefaultCooldown = 5 * time.Second

// Fetcher asks range providers in priority order. Every call goes through
// the provider's limiter; a throttled call waits the cooldown and is retried
// once on the same provider before moving on.
type Fetcher struct {
	sources    []source
	normalizer *symbols.Normalizer
	cooldown   time.Duration
	base       *logger.Log
	log        *logger.Entry
	sleep      func(ctx context.Context, d time.Duration) bool
}

type source struct {
	fetcher reader.RangeFetcher
	limiter *ratelimit.Limiter
}

// NewFetcher builds a fetcher over providers, highest priority first.
// Limiters come from limits keyed by provider name.
func NewFetcher(normalizer *symbols.Normalizer, limits *ratelimit.Registry, cooldown time.Duration, log *logger.Log, providers ...reader.RangeFetcher) *Fetcher {
	if cooldown <= 0 {
		cooldown = DefaultCooldown
	}
	if log == nil {
		log = logger.GetLogger()
	}
	f := &Fetcher{
		normalizer: normalizer,
		cooldown:   cooldown,
		base:       log,
		log:        log.WithComponent("enrichment_fetcher"),
		sleep:      sleepCtx,
	}
	for _, p := range providers {
		f.sources = append(f.sources, source{fetcher: p, limiter: limits.Get(p.Provider())})
	}
	return f
}

func sleepCtx(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return true
	case <-t.C:
		return false
	}
}

// FetchRange returns the high and low of symbol over interval, or an error
// wrapping ErrUnavailable when every provider failed.
func (f *Fetcher) FetchRange(ctx context.Context, symbol string, interval time.Duration) (models.Range, error) {
	for _, src := range f.sources {
		provider := src.fetcher.Provider()
		native, err := f.normalizer.ToNative(provider, symbol)
		if err != nil {
			continue
		}
		rng, err := f.attempt(ctx, src, native, interval)
		if err == nil {
			metrics.Enrichment(provider, "ok")
			return rng, nil
		}
		if ctx.Err() != nil {
			return models.Range{}, ctx.Err()
		}
		metrics.Enrichment(provider, "failed")
		f.log.WithError(err).WithFields(logger.Fields{
			"provider": provider,
			"symbol":   symbol,
			"interval": interval.String(),
		}).Debug("range provider failed; trying next")
	}
	return models.Range{}, fmt.Errorf("%s %s: %w", symbol, interval, ErrUnavailable)
}

func (f *Fetcher) attempt(ctx context.Context, src source, native string, interval time.Duration) (models.Range, error) {
	provider := src.fetcher.Provider()
	call := func() (models.Range, error) {
		var rng models.Range
		err := src.limiter.Do(ctx, func(ctx context.Context) error {
			var err error
			rng, err = src.fetcher.FetchRange(ctx, native, interval)
			return err
		})
		return rng, err
	}

	rng, err := call()
	if !errors.Is(err, ratelimit.ErrRateLimited) {
		return rng, err
	}
	ratelimit.ReportRateLimitExceeded(f.base, provider, native, "range")
	metrics.Enrichment(provider, "rate_limited")
	if f.sleep(ctx, f.cooldown) {
		return models.Range{}, ctx.Err()
	}
	return call()
}
