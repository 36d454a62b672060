package metrics

import (
	"testing"
	"time"

	"tickerflow/logger"
)

func TestEmitFillsKindAndTime(t *testing.T) {
	events := make(chan Event, 1)
	unsubscribe := Subscribe(func(ev Event) { events <- ev })
	t.Cleanup(unsubscribe)

	Emit(nil, Event{Component: "batcher", Name: "flushed", Value: 7, Labels: logger.Fields{"category": "Stock"}})

	select {
	case ev := <-events:
		if ev.Kind != Counter {
			t.Fatalf("expected counter kind, got %s", ev.Kind)
		}
		if ev.At.IsZero() {
			t.Fatal("expected emit time to be set")
		}
	case <-time.After(50 * time.Millisecond):
		t.Fatal("subscriber not invoked")
	}
}

func TestEmitIgnoresUnnamedEvents(t *testing.T) {
	calls := 0
	unsubscribe := Subscribe(func(Event) { calls++ })
	t.Cleanup(unsubscribe)

	Emit(nil, Event{Component: "reader", Value: 1})
	if calls != 0 {
		t.Fatalf("unnamed event delivered %d times", calls)
	}
}

func TestEmitCopiesLabels(t *testing.T) {
	var got Event
	unsubscribe := Subscribe(func(ev Event) { got = ev })
	t.Cleanup(unsubscribe)

	labels := logger.Fields{"provider": "kraken"}
	Emit(nil, Event{Component: "reader", Name: "reconnects", Value: 1, Labels: labels})
	labels["provider"] = "okx"

	if got.Labels["provider"] != "kraken" {
		t.Fatalf("subscriber saw caller mutation: %v", got.Labels)
	}
}

func TestUnsubscribeStopsDeliveryAndIsIdempotent(t *testing.T) {
	calls := 0
	unsubscribe := Subscribe(func(Event) { calls++ })
	other := Subscribe(func(Event) {})
	t.Cleanup(other)

	unsubscribe()
	unsubscribe()
	Emit(nil, Event{Component: "test", Name: "noop", Value: 1})

	if calls != 0 {
		t.Fatalf("expected no delivery after unsubscribe, got %d", calls)
	}
	if n := len(currentSubscribers()); n < 1 {
		t.Fatalf("second unsubscribe removed another subscriber, %d left", n)
	}
}

func TestSubscribeNilIsNoop(t *testing.T) {
	before := len(currentSubscribers())
	unsubscribe := Subscribe(nil)
	unsubscribe()
	if after := len(currentSubscribers()); after != before {
		t.Fatalf("nil subscriber changed the set: %d -> %d", before, after)
	}
}
