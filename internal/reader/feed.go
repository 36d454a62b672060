package reader

import (
	"context"
	"errors"
	"math"
	"sync"
	"time"

	"tickerflow/internal/metrics"
	"tickerflow/internal/models"
	"tickerflow/internal/ratelimit"
	"tickerflow/internal/symbols"
	"tickerflow/logger"
)

// Options configures a Connector or Poller.
type Options struct {
	Category   models.Category
	Symbols    []string
	Normalizer *symbols.Normalizer
	Emitter    Emitter
	Observer   Observer
	RetryBase  time.Duration
	RetryMax   time.Duration
	KeepAlive  time.Duration
	Log        *logger.Log
}

// feed holds what the stream and poll loops share: state tracking,
// normalization and the hand-off to the emitter.
type feed struct {
	provider string
	opts     Options
	backoff  *Backoff
	base     *logger.Log
	log      *logger.Entry
	sleep    func(ctx context.Context, d time.Duration) bool
	now      func() time.Time

	mu       sync.Mutex
	state    State
	failures int
	running  bool
}

func newFeed(provider, component string, opts Options) *feed {
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	if opts.Normalizer == nil {
		opts.Normalizer = symbols.Default(nil)
	}
	return &feed{
		provider: provider,
		opts:     opts,
		backoff:  NewBackoff(opts.RetryBase, opts.RetryMax),
		base:     log,
		log: log.WithComponent(component).WithFields(logger.Fields{
			"provider": provider,
			"category": string(opts.Category),
		}),
		sleep: waitForReconnect,
		now:   time.Now,
	}
}

func (f *feed) begin() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.running {
		return errors.New(f.provider + " feed already running")
	}
	f.running = true
	return nil
}

func (f *feed) end() {
	f.mu.Lock()
	f.running = false
	f.mu.Unlock()
}

// State returns the current lifecycle state.
func (f *feed) State() State {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// Provider returns the provider identifier.
func (f *feed) Provider() string {
	return f.provider
}

func (f *feed) transition(s State, delay time.Duration, err error) {
	f.mu.Lock()
	switch s {
	case StateSubscribed:
		f.failures = 0
	}
	f.state = s
	ev := Event{
		Category: f.opts.Category,
		Provider: f.provider,
		State:    s,
		Failures: f.failures,
		Delay:    delay,
		Err:      err,
		At:       f.now(),
	}
	f.mu.Unlock()

	metrics.SetConnectorState(string(f.opts.Category), f.provider, int(s))
	if f.opts.Observer != nil {
		f.opts.Observer(ev)
	}
}

func (f *feed) recordFailure() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.failures++
	return f.failures
}

// reportLimit records provider throttling or bans recognised in err.
func (f *feed) reportLimit(kind string, err error) {
	if err == nil {
		return
	}
	ratelimit.ReportLimitFromMessage(f.base, f.provider, "", kind, err.Error())
}

// resolveNatives maps the tracked canonical symbols to provider identifiers.
func (f *feed) resolveNatives() ([]string, error) {
	natives, unmapped := f.opts.Normalizer.NativeSet(f.provider, f.opts.Symbols)
	for _, s := range unmapped {
		f.log.WithField("symbol", s).Warn("instrument has no mapping for provider; not subscribing")
	}
	if len(natives) == 0 {
		return nil, ErrNoSymbols
	}
	return natives, nil
}

// publish normalizes quotes and forwards them in order.
func (f *feed) publish(ctx context.Context, quotes []Quote) int {
	sent := 0
	for _, q := range quotes {
		if q.Price <= 0 || math.IsNaN(q.Price) || math.IsInf(q.Price, 0) {
			f.log.WithField("native", q.Native).Debug("skipping quote without a usable price")
			continue
		}
		canonical, err := f.opts.Normalizer.ToCanonical(f.provider, q.Native)
		if err != nil {
			metrics.TickUnmapped(f.provider)
			metrics.EmitDropMetric(f.base, metrics.DropMetricUnmapped, f.provider, string(f.opts.Category), q.Native, 1)
			f.log.WithField("native", q.Native).Warn("dropping tick for unmapped symbol")
			continue
		}
		tick := models.Tick{
			Symbol:     canonical,
			Price:      q.Price,
			Change:     q.Change,
			Volume:     q.Volume,
			High:       q.High,
			Low:        q.Low,
			MarketCap:  q.MarketCap,
			Category:   f.opts.Category,
			ObservedAt: f.now(),
			Source:     f.provider,
		}
		metrics.TickReceived(f.provider)
		if f.opts.Emitter != nil && f.opts.Emitter.Send(ctx, tick) {
			sent++
		}
	}
	return sent
}
