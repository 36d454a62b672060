package orchestrator

import (
	"context"
	"errors"
	"math"
	"time"

	"tickerflow/internal/models"
	"tickerflow/internal/ratelimit"
	"tickerflow/internal/reader"
	"tickerflow/internal/symbols"
	"tickerflow/logger"
)

// sweeper fetches one quote per instrument, asking REST providers in priority
// order until one answers. It backs both the degraded poll loop and the
// reconciliation job.
type sweeper struct {
	category   models.Category
	fetchers   []reader.QuoteFetcher
	normalizer *symbols.Normalizer
	limits     *ratelimit.Registry
	emitter    reader.Emitter
	base       *logger.Log
	log        *logger.Entry
	now        func() time.Time
}

type sweepStats struct {
	Fetched int
	Missed  int
}

func (s *sweeper) sweep(ctx context.Context, instruments []string) sweepStats {
	var stats sweepStats
	for _, symbol := range instruments {
		if ctx.Err() != nil {
			break
		}
		tick, ok := s.fetchOne(ctx, symbol)
		if !ok {
			stats.Missed++
			continue
		}
		stats.Fetched++
		if s.emitter != nil {
			s.emitter.Send(ctx, tick)
		}
	}
	return stats
}

func (s *sweeper) fetchOne(ctx context.Context, symbol string) (models.Tick, bool) {
	for _, f := range s.fetchers {
		provider := f.Provider()
		native, err := s.normalizer.ToNative(provider, symbol)
		if err != nil {
			continue
		}
		var q reader.Quote
		err = s.limits.Get(provider).Do(ctx, func(ctx context.Context) error {
			var err error
			q, err = f.FetchQuote(ctx, native)
			return err
		})
		if err != nil {
			if errors.Is(err, ratelimit.ErrRateLimited) {
				ratelimit.ReportRateLimitExceeded(s.base, provider, native, "quote")
			}
			if ctx.Err() != nil {
				return models.Tick{}, false
			}
			s.log.WithError(err).WithFields(logger.Fields{
				"provider": provider,
				"symbol":   symbol,
			}).Debug("quote fetch failed; trying next provider")
			continue
		}
		if q.Price <= 0 || math.IsNaN(q.Price) || math.IsInf(q.Price, 0) {
			continue
		}
		return models.Tick{
			Symbol:     symbol,
			Price:      q.Price,
			Change:     q.Change,
			Volume:     q.Volume,
			High:       q.High,
			Low:        q.Low,
			MarketCap:  q.MarketCap,
			Category:   s.category,
			ObservedAt: s.now(),
			Source:     provider,
		}, true
	}
	return models.Tick{}, false
}
