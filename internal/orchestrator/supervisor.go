package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"tickerflow/internal/directory"
	"tickerflow/internal/metrics"
	"tickerflow/internal/models"
	"tickerflow/internal/ratelimit"
	"tickerflow/internal/reader"
	"tickerflow/internal/symbols"
	"tickerflow/logger"
)

// ErrNoInstruments is returned when the directory lists nothing for a category.
var ErrNoInstruments = errors.New("no tracked instruments for category")

const (
	DefaultPromoteAfter = 5
	DefaultPollInterval = 30 * time.Second

	// ModeStream and friends describe what a supervisor is currently running.
	ModeStream    = "stream"
	ModeREST      = "rest"
	ModeExhausted = "exhausted"
	restProvider  = "rest"
)

// Runner is a feed the supervisor can start and abandon.
type Runner interface {
	Run(ctx context.Context) error
	Provider() string
}

// Factory builds the feed for one provider of a category. opts carries the
// observer the supervisor listens on.
type Factory func(provider string, opts reader.Options) (Runner, error)

// Directory lists tracked instruments.
type Directory interface {
	Instruments(ctx context.Context, category models.Category) ([]models.Instrument, error)
}

// Options configures one category supervisor.
type Options struct {
	Category     models.Category
	Providers    []string
	RestFetchers []reader.QuoteFetcher
	PromoteAfter int
	PollInterval time.Duration
	RetryBase    time.Duration
	RetryMax     time.Duration
	KeepAlive    time.Duration
	Normalizer   *symbols.Normalizer
	Limits       *ratelimit.Registry
	Emitter      reader.Emitter
	Log          *logger.Log
}

// Supervisor keeps exactly one sourcing strategy active for a category.
// It walks down the provider list when the active feed turns fatal or keeps
// failing, and ends on REST polling. It never moves back up.
type Supervisor struct {
	dir     Directory
	factory Factory
	opts    Options
	sweeper *sweeper
	log     *logger.Entry

	mu           sync.Mutex
	started      bool
	ctx          context.Context
	symbols      []string
	active       int
	cancelActive context.CancelFunc
	state        reader.State
	failures     int
	promotions   int
	lastErr      error
	startedAt    time.Time
	lastSweep    sweepStats
	lastSweepAt  time.Time

	wg        sync.WaitGroup
	newTicker func(d time.Duration) (<-chan time.Time, func())
}

// NewSupervisor builds a supervisor. Nothing runs until Start.
func NewSupervisor(dir Directory, factory Factory, opts Options) *Supervisor {
	if opts.PromoteAfter <= 0 {
		opts.PromoteAfter = DefaultPromoteAfter
	}
	if opts.PollInterval <= 0 {
		opts.PollInterval = DefaultPollInterval
	}
	if opts.Normalizer == nil {
		opts.Normalizer = symbols.Default(nil)
	}
	if opts.Limits == nil {
		opts.Limits = ratelimit.NewRegistry(nil)
	}
	log := opts.Log
	if log == nil {
		log = logger.GetLogger()
	}
	entry := log.WithComponent("orchestrator").WithField("category", string(opts.Category))
	return &Supervisor{
		dir:     dir,
		factory: factory,
		opts:    opts,
		log:     entry,
		sweeper: &sweeper{
			category:   opts.Category,
			fetchers:   opts.RestFetchers,
			normalizer: opts.Normalizer,
			limits:     opts.Limits,
			emitter:    opts.Emitter,
			base:       log,
			log:        entry,
			now:        time.Now,
		},
		newTicker: func(d time.Duration) (<-chan time.Time, func()) {
			t := time.NewTicker(d)
			return t.C, t.Stop
		},
	}
}

// Start reads the directory once and launches the primary provider. A
// directory failure is returned and nothing is started. ctx bounds the
// lifetime of every feed the supervisor launches.
func (s *Supervisor) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("%s supervisor already running", s.opts.Category)
	}
	s.mu.Unlock()

	instruments, err := s.dir.Instruments(ctx, s.opts.Category)
	if err != nil {
		return fmt.Errorf("%s: %w", s.opts.Category, err)
	}
	if len(instruments) == 0 {
		return fmt.Errorf("%s: %w", s.opts.Category, ErrNoInstruments)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started {
		return fmt.Errorf("%s supervisor already running", s.opts.Category)
	}
	s.started = true
	s.ctx = ctx
	s.symbols = directory.Symbols(instruments)
	s.startedAt = time.Now()

	s.log.WithFields(logger.Fields{
		"instruments": len(s.symbols),
		"providers":   s.opts.Providers,
	}).Info("starting category ingestion")
	s.launch(0)
	return nil
}

// launch starts the strategy at position i. Callers hold s.mu.
func (s *Supervisor) launch(i int) {
	s.active = i
	s.state = reader.StateDisconnected
	s.failures = 0

	if i >= len(s.opts.Providers) {
		if len(s.sweeper.fetchers) == 0 {
			s.log.Error("every provider is exhausted and no REST fallback is configured")
			return
		}
		s.log.WithField("interval", s.opts.PollInterval.String()).Warn("falling back to REST polling")
		s.wg.Add(1)
		go s.pollLoop(s.ctx)
		return
	}

	provider := s.opts.Providers[i]
	runner, err := s.factory(provider, reader.Options{
		Category:   s.opts.Category,
		Symbols:    append([]string(nil), s.symbols...),
		Normalizer: s.opts.Normalizer,
		Emitter:    s.opts.Emitter,
		Observer:   s.observer(i),
		RetryBase:  s.opts.RetryBase,
		RetryMax:   s.opts.RetryMax,
		KeepAlive:  s.opts.KeepAlive,
		Log:        s.opts.Log,
	})
	if err != nil {
		s.log.WithError(err).WithField("provider", provider).Error("cannot build provider feed; skipping it")
		s.lastErr = err
		s.advance(i, err)
		return
	}

	runCtx, cancel := context.WithCancel(s.ctx)
	s.cancelActive = cancel
	s.log.WithField("provider", provider).Info("activating provider")

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		err := runner.Run(runCtx)
		if err != nil && runCtx.Err() == nil {
			s.promote(i, err)
		}
	}()
}

func (s *Supervisor) observer(i int) reader.Observer {
	return func(ev reader.Event) {
		s.mu.Lock()
		if s.active == i {
			s.state = ev.State
			s.failures = ev.Failures
			if ev.Err != nil {
				s.lastErr = ev.Err
			}
		}
		s.mu.Unlock()

		switch {
		case ev.State == reader.StateFatal:
			s.promote(i, ev.Err)
		case ev.State == reader.StateDisconnected && ev.Failures >= s.opts.PromoteAfter:
			s.promote(i, fmt.Errorf("%d consecutive attempts without subscribing: %w", ev.Failures, ev.Err))
		}
	}
}

// promote abandons the feed at position i and starts the next strategy. Only
// the first call for the active position has any effect.
func (s *Supervisor) promote(i int, reason error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.started || s.active != i || s.ctx.Err() != nil {
		return
	}
	if s.cancelActive != nil {
		s.cancelActive()
		s.cancelActive = nil
	}
	s.advance(i, reason)
}

// advance moves from position i to i+1. Callers hold s.mu.
func (s *Supervisor) advance(i int, reason error) {
	from := s.opts.Providers[i]
	to := restProvider
	if i+1 < len(s.opts.Providers) {
		to = s.opts.Providers[i+1]
	}
	s.promotions++
	metrics.Promoted(string(s.opts.Category), from, to)
	s.log.WithError(reason).WithFields(logger.Fields{
		"from": from,
		"to":   to,
	}).Warn("promoting fallback provider")
	s.launch(i + 1)
}

func (s *Supervisor) pollLoop(ctx context.Context) {
	defer s.wg.Done()

	tick, stop := s.newTicker(s.opts.PollInterval)
	defer stop()

	for {
		s.pollOnce(ctx)
		select {
		case <-ctx.Done():
			return
		case <-tick:
		}
	}
}

func (s *Supervisor) pollOnce(ctx context.Context) {
	s.mu.Lock()
	syms := append([]string(nil), s.symbols...)
	s.mu.Unlock()

	stats := s.sweeper.sweep(ctx, syms)

	s.mu.Lock()
	s.lastSweep = stats
	s.lastSweepAt = time.Now()
	if stats.Fetched > 0 {
		s.state = reader.StateSubscribed
	} else {
		s.state = reader.StateDisconnected
	}
	s.mu.Unlock()

	s.log.WithFields(logger.Fields{
		"fetched": stats.Fetched,
		"missed":  stats.Missed,
	}).Debug("REST poll round complete")
}

// Reconcile re-reads the directory and fetches every instrument over REST,
// whatever the health of the active feed. A directory failure keeps the
// previous instrument list.
func (s *Supervisor) Reconcile(ctx context.Context) {
	instruments, err := s.dir.Instruments(ctx, s.opts.Category)
	switch {
	case err != nil:
		s.log.WithError(err).Warn("directory unavailable for reconciliation; using previous instruments")
	case len(instruments) > 0:
		s.mu.Lock()
		s.symbols = directory.Symbols(instruments)
		s.mu.Unlock()
	}

	s.mu.Lock()
	syms := append([]string(nil), s.symbols...)
	s.mu.Unlock()

	start := time.Now()
	stats := s.sweeper.sweep(ctx, syms)
	s.log.WithFields(logger.Fields{
		"instruments": len(syms),
		"fetched":     stats.Fetched,
		"missed":      stats.Missed,
		"took":        time.Since(start).String(),
	}).Info("reconciliation complete")
}

// Wait blocks until every feed launched by the supervisor has returned.
func (s *Supervisor) Wait() {
	s.wg.Wait()
}

// Status describes the active strategy of one category.
type Status struct {
	Category    string     `json:"category"`
	Provider    string     `json:"provider"`
	Mode        string     `json:"mode"`
	State       string     `json:"state"`
	Failures    int        `json:"failures"`
	Promotions  int        `json:"promotions"`
	Instruments int        `json:"instruments"`
	StartedAt   time.Time  `json:"startedAt"`
	LastError   string     `json:"lastError,omitempty"`
	LastSweep   *SweepInfo `json:"lastSweep,omitempty"`
}

// SweepInfo summarizes the latest REST poll round.
type SweepInfo struct {
	At      time.Time `json:"at"`
	Fetched int       `json:"fetched"`
	Missed  int       `json:"missed"`
}

// Status returns a snapshot for the control surface.
func (s *Supervisor) Status() Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := Status{
		Category:    string(s.opts.Category),
		State:       s.state.String(),
		Failures:    s.failures,
		Promotions:  s.promotions,
		Instruments: len(s.symbols),
		StartedAt:   s.startedAt,
	}
	switch {
	case s.active < len(s.opts.Providers):
		st.Provider = s.opts.Providers[s.active]
		st.Mode = ModeStream
	case len(s.sweeper.fetchers) > 0:
		st.Provider = restProvider
		st.Mode = ModeREST
	default:
		st.Mode = ModeExhausted
	}
	if s.lastErr != nil {
		st.LastError = s.lastErr.Error()
	}
	if !s.lastSweepAt.IsZero() {
		st.LastSweep = &SweepInfo{At: s.lastSweepAt, Fetched: s.lastSweep.Fetched, Missed: s.lastSweep.Missed}
	}
	return st
}
