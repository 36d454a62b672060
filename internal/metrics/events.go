package metrics

import (
	"maps"
	"sync"
	"sync/atomic"
	"time"

	"tickerflow/logger"
)

// Kind tells a counted occurrence from a sampled level.
type Kind string

const (
	Counter Kind = "counter"
	Gauge   Kind = "gauge"
)

// Event is one pipeline occurrence worth surfacing to operators, such as
// shed ticks or a provider's reported request weight.
type Event struct {
	At        time.Time
	Component string
	Name      string
	Value     float64
	Kind      Kind
	Labels    logger.Fields
}

type subscriber struct {
	deliver func(Event)
}

var (
	// subscribers is replaced wholesale on every change so Emit never locks.
	subscribers atomic.Pointer[[]*subscriber]
	subscribeMu sync.Mutex
)

func currentSubscribers() []*subscriber {
	if p := subscribers.Load(); p != nil {
		return *p
	}
	return nil
}

// Subscribe delivers every later event to fn on the emitting goroutine. The
// returned func ends the subscription and may be called more than once.
func Subscribe(fn func(Event)) (unsubscribe func()) {
	if fn == nil {
		return func() {}
	}
	sub := &subscriber{deliver: fn}

	subscribeMu.Lock()
	next := append(append([]*subscriber(nil), currentSubscribers()...), sub)
	subscribers.Store(&next)
	subscribeMu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { removeSubscriber(sub) })
	}
}

func removeSubscriber(sub *subscriber) {
	subscribeMu.Lock()
	defer subscribeMu.Unlock()
	cur := currentSubscribers()
	next := make([]*subscriber, 0, len(cur))
	for _, s := range cur {
		if s != sub {
			next = append(next, s)
		}
	}
	subscribers.Store(&next)
}

// Emit records ev through the logger, which also forwards it to CloudWatch,
// then hands it to every subscriber. Unnamed events are ignored.
func Emit(log *logger.Log, ev Event) {
	if ev.Name == "" {
		return
	}
	if ev.Kind == "" {
		ev.Kind = Counter
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}
	if log == nil {
		log = logger.GetLogger()
	}
	ev.Labels = maps.Clone(ev.Labels)

	log.WithComponent(ev.Component).LogMetric(ev.Component, ev.Name, ev.Value, string(ev.Kind), ev.Labels)
	for _, sub := range currentSubscribers() {
		sub.deliver(ev)
	}
}
