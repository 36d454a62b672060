package reader

import (
	"context"
	"sync"
	"time"
)

const (
	defaultRetryBase = 5 * time.Second
	defaultRetryMax  = 60 * time.Second
	defaultKeepAlive = 20 * time.Second
)

// Backoff doubles the retry delay after every failed attempt up to Max and
// returns to Initial on Reset.
type Backoff struct {
	Initial time.Duration
	Max     time.Duration

	mu      sync.Mutex
	current time.Duration
}

// NewBackoff returns a backoff starting at initial and capped at max.
func NewBackoff(initial, max time.Duration) *Backoff {
	if initial <= 0 {
		initial = defaultRetryBase
	}
	if max <= 0 {
		max = defaultRetryMax
	}
	if max < initial {
		max = initial
	}
	return &Backoff{Initial: initial, Max: max, current: initial}
}

// Next returns the delay to wait now and doubles the following one.
func (b *Backoff) Next() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current <= 0 {
		b.current = b.Initial
	}
	d := b.current
	b.current *= 2
	if b.current > b.Max {
		b.current = b.Max
	}
	return d
}

// Current returns the delay Next would return without advancing.
func (b *Backoff) Current() time.Duration {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.current <= 0 {
		return b.Initial
	}
	return b.current
}

// Reset restores the initial delay.
func (b *Backoff) Reset() {
	b.mu.Lock()
	b.current = b.Initial
	b.mu.Unlock()
}

// waitForReconnect blocks for delay and reports true when ctx ended first.
func waitForReconnect(ctx context.Context, delay time.Duration) bool {
	if delay <= 0 {
		delay = defaultRetryBase
	}
	timer := time.NewTimer(delay)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return true
	case <-timer.C:
		return false
	}
}
