package ratelimit

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"sync"

	"golang.org/x/sync/semaphore"
	"golang.org/x/time/rate"
)

// ErrRateLimited marks an upstream response that signals throttling.
var ErrRateLimited = errors.New("upstream rate limit exceeded")

// Limiter caps concurrent outbound requests to one upstream and optionally
// paces them. Callers suspend until a slot is free.
type Limiter struct {
	name  string
	slots *semaphore.Weighted
	size  int64
	pace  *rate.Limiter

	mu     sync.Mutex
	active int64
}

// New builds a limiter with the given number of concurrent slots. rps <= 0
// disables pacing.
func New(name string, slots int, rps float64, burst int) *Limiter {
	if slots <= 0 {
		slots = 1
	}
	l := &Limiter{
		name:  name,
		slots: semaphore.NewWeighted(int64(slots)),
		size:  int64(slots),
	}
	if rps > 0 {
		if burst <= 0 {
			burst = slots
		}
		l.pace = rate.NewLimiter(rate.Limit(rps), burst)
	}
	return l
}

// Do runs fn while holding one slot.
func (l *Limiter) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := l.slots.Acquire(ctx, 1); err != nil {
		return err
	}
	l.mu.Lock()
	l.active++
	l.mu.Unlock()
	defer func() {
		l.mu.Lock()
		l.active--
		l.mu.Unlock()
		l.slots.Release(1)
	}()

	if l.pace != nil {
		if err := l.pace.Wait(ctx); err != nil {
			return err
		}
	}
	return fn(ctx)
}

// InFlight reports how many calls currently hold a slot.
func (l *Limiter) InFlight() int64 {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.active
}

// Slots returns the configured concurrency.
func (l *Limiter) Slots() int64 {
	return l.size
}

// Name returns the upstream the limiter guards.
func (l *Limiter) Name() string {
	return l.name
}

// IsRateLimitStatus reports whether an HTTP status signals throttling.
func IsRateLimitStatus(code int) bool {
	return code == http.StatusTooManyRequests || code == http.StatusTeapot
}

// Registry hands out one shared limiter per upstream.
type Registry struct {
	mu       sync.Mutex
	limiters map[string]*Limiter
	defaults func(name string) *Limiter
}

// NewRegistry returns a registry that lazily creates limiters with newFn.
func NewRegistry(newFn func(name string) *Limiter) *Registry {
	if newFn == nil {
		newFn = func(name string) *Limiter { return New(name, 1, 0, 0) }
	}
	return &Registry{limiters: make(map[string]*Limiter), defaults: newFn}
}

// Get returns the limiter for name, creating it on first use.
func (r *Registry) Get(name string) *Limiter {
	name = strings.ToLower(name)
	r.mu.Lock()
	defer r.mu.Unlock()
	if l, ok := r.limiters[name]; ok {
		return l
	}
	l := r.defaults(name)
	r.limiters[name] = l
	return l
}
