package reader

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"tickerflow/internal/models"
	"tickerflow/internal/symbols"
)

type collectEmitter struct {
	mu    sync.Mutex
	ticks []models.Tick
	got   chan struct{}
}

func newCollectEmitter() *collectEmitter {
	return &collectEmitter{got: make(chan struct{}, 16)}
}

func (e *collectEmitter) Send(_ context.Context, tick models.Tick) bool {
	e.mu.Lock()
	e.ticks = append(e.ticks, tick)
	e.mu.Unlock()
	select {
	case e.got <- struct{}{}:
	default:
	}
	return true
}

func (e *collectEmitter) snapshot() []models.Tick {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]models.Tick(nil), e.ticks...)
}

type eventLog struct {
	mu     sync.Mutex
	events []Event
}

func (l *eventLog) observe(ev Event) {
	l.mu.Lock()
	l.events = append(l.events, ev)
	l.mu.Unlock()
}

func (l *eventLog) states() []State {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]State, 0, len(l.events))
	for _, ev := range l.events {
		out = append(out, ev.State)
	}
	return out
}

type fakeStream struct {
	provider  string
	url       string
	handshake error
}

func (f *fakeStream) Provider() string { return f.provider }

func (f *fakeStream) Endpoint([]string) (string, http.Header, error) {
	return f.url, nil, nil
}

func (f *fakeStream) Handshake(context.Context, *websocket.Conn) error { return f.handshake }

func (f *fakeStream) Subscriptions(natives []string) []any {
	return []any{map[string]any{"subscribe": natives}}
}

func (f *fakeStream) Parse(raw []byte) ([]Quote, error) {
	var msg struct {
		S   string  `json:"s"`
		P   float64 `json:"p"`
		Err string  `json:"err"`
	}
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	var quotes []Quote
	if msg.S != "" {
		quotes = []Quote{{Native: msg.S, Price: msg.P}}
	}
	if msg.Err != "" {
		return quotes, errors.New(msg.Err)
	}
	return quotes, nil
}

func wsURL(srv *httptest.Server) string {
	return "ws" + strings.TrimPrefix(srv.URL, "http")
}

func TestBackoffSequence(t *testing.T) {
	b := NewBackoff(5*time.Second, 60*time.Second)
	want := []time.Duration{5, 10, 20, 40, 60, 60}
	for i, w := range want {
		if got := b.Next(); got != w*time.Second {
			t.Fatalf("step %d: expected %v, got %v", i, w*time.Second, got)
		}
	}
	b.Reset()
	if got := b.Next(); got != 5*time.Second {
		t.Fatalf("expected reset to 5s, got %v", got)
	}
}

func TestNewBackoffDefaults(t *testing.T) {
	b := NewBackoff(0, 0)
	if b.Initial != defaultRetryBase || b.Max != defaultRetryMax {
		t.Fatalf("unexpected defaults: %+v", b)
	}
}

func TestConnectorStreamsAndDropsUnmapped(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"NOPE/USD","p":1}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"event":"heartbeat"}`))
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"XBT/USD","p":61000.5}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	emitter := newCollectEmitter()
	events := &eventLog{}
	c := NewConnector(&fakeStream{provider: symbols.Kraken, url: wsURL(srv)}, Options{
		Category:   models.CategoryCryptocurrency,
		Symbols:    []string{"BTCUSDT"},
		Normalizer: symbols.Default(nil),
		Emitter:    emitter,
		Observer:   events.observe,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-emitter.got:
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for tick")
	}
	cancel()
	if err := <-done; err != nil {
		t.Fatalf("expected nil on cancel, got %v", err)
	}

	ticks := emitter.snapshot()
	if len(ticks) != 1 {
		t.Fatalf("expected 1 tick, got %d", len(ticks))
	}
	if ticks[0].Symbol != "BTCUSDT" || ticks[0].Price != 61000.5 || ticks[0].Source != symbols.Kraken {
		t.Fatalf("unexpected tick: %+v", ticks[0])
	}
	states := events.states()
	if len(states) < 3 || states[0] != StateConnecting || states[1] != StateHandshaking || states[2] != StateSubscribed {
		t.Fatalf("unexpected state sequence: %v", states)
	}
}

func TestConnectorKeepsQuotesParsedAlongsideError(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		if _, _, err := conn.ReadMessage(); err != nil {
			return
		}
		_ = conn.WriteMessage(websocket.TextMessage, []byte(`{"s":"XBT/USD","p":60500,"err":"symbol limit exceeded"}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer srv.Close()

	emitter := newCollectEmitter()
	c := NewConnector(&fakeStream{provider: symbols.Kraken, url: wsURL(srv)}, Options{
		Category:   models.CategoryCryptocurrency,
		Symbols:    []string{"BTCUSDT"},
		Normalizer: symbols.Default(nil),
		Emitter:    emitter,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- c.Run(ctx) }()

	select {
	case <-emitter.got:
	case <-time.After(5 * time.Second):
		t.Fatal("quote sent with an error event was dropped")
	}
	cancel()
	<-done

	ticks := emitter.snapshot()
	if len(ticks) != 1 || ticks[0].Symbol != "BTCUSDT" || ticks[0].Price != 60500 {
		t.Fatalf("unexpected ticks: %+v", ticks)
	}
}

func TestConnectorAuthRejectedIsFatal(t *testing.T) {
	upgrader := websocket.Upgrader{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_, _, _ = conn.ReadMessage()
	}))
	defer srv.Close()

	events := &eventLog{}
	c := NewConnector(&fakeStream{
		provider:  symbols.Binance,
		url:       wsURL(srv),
		handshake: errors.New("bad key: " + ErrAuthRejected.Error()),
	}, Options{
		Category: models.CategoryCryptocurrency,
		Symbols:  []string{"BTCUSDT"},
		Observer: events.observe,
	})
	slept := 0
	c.sleep = func(context.Context, time.Duration) bool {
		slept++
		return true
	}
	// A plain handshake error is retried, not fatal.
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("expected nil after sleep interrupt, got %v", err)
	}
	if slept != 1 {
		t.Fatalf("expected one retry wait, got %d", slept)
	}

	fatal := NewConnector(&fakeStream{
		provider:  symbols.Binance,
		url:       wsURL(srv),
		handshake: ErrAuthRejected,
	}, Options{
		Category: models.CategoryCryptocurrency,
		Symbols:  []string{"BTCUSDT"},
		Observer: events.observe,
	})
	fatal.sleep = func(context.Context, time.Duration) bool {
		t.Fatal("fatal connector must not retry")
		return true
	}
	err := fatal.Run(context.Background())
	if !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	if fatal.State() != StateFatal {
		t.Fatalf("expected fatal state, got %v", fatal.State())
	}
}

func TestConnectorCountsFailuresWithBackoff(t *testing.T) {
	srv := httptest.NewServer(http.NotFoundHandler())
	url := wsURL(srv)
	srv.Close()

	var delays []time.Duration
	var failures []int
	c := NewConnector(&fakeStream{provider: symbols.Binance, url: url}, Options{
		Category: models.CategoryCryptocurrency,
		Symbols:  []string{"BTCUSDT"},
		Observer: func(ev Event) {
			if ev.State == StateDisconnected && ev.Delay > 0 {
				failures = append(failures, ev.Failures)
			}
		},
	})
	c.sleep = func(_ context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return len(delays) >= 5
	}
	if err := c.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	wantDelays := []time.Duration{5 * time.Second, 10 * time.Second, 20 * time.Second, 40 * time.Second, 60 * time.Second}
	for i, w := range wantDelays {
		if delays[i] != w {
			t.Fatalf("delay %d: expected %v, got %v", i, w, delays[i])
		}
		if failures[i] != i+1 {
			t.Fatalf("failure %d: expected count %d, got %d", i, i+1, failures[i])
		}
	}
}

func TestConnectorNoSymbols(t *testing.T) {
	c := NewConnector(&fakeStream{provider: symbols.Kraken}, Options{
		Category: models.CategoryCryptocurrency,
		Symbols:  []string{"UNKNOWNCOIN"},
	})
	if err := c.Run(context.Background()); !errors.Is(err, ErrNoSymbols) {
		t.Fatalf("expected ErrNoSymbols, got %v", err)
	}
}

type fakePoll struct {
	errs []error
	n    int
}

func (f *fakePoll) Provider() string { return symbols.Coinranking }

func (f *fakePoll) Fetch(context.Context, []string) ([]Quote, error) {
	f.n++
	if f.n <= len(f.errs) {
		return nil, f.errs[f.n-1]
	}
	return []Quote{{Native: "BTC", Price: 60000}}, nil
}

func TestPollerBackoffAndReset(t *testing.T) {
	emitter := newCollectEmitter()
	adapter := &fakePoll{errs: []error{errors.New("boom"), errors.New("boom")}}
	p := NewPoller(adapter, Options{
		Category: models.CategoryCryptocurrency,
		Symbols:  []string{"BTCUSDT"},
		Emitter:  emitter,
	})
	var delays []time.Duration
	p.sleep = func(_ context.Context, d time.Duration) bool {
		delays = append(delays, d)
		return len(delays) >= 3
	}
	if err := p.Run(context.Background()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	want := []time.Duration{5 * time.Second, 10 * time.Second, 5 * time.Second}
	for i, w := range want {
		if delays[i] != w {
			t.Fatalf("delay %d: expected %v, got %v", i, w, delays[i])
		}
	}
	ticks := emitter.snapshot()
	if len(ticks) != 1 || ticks[0].Symbol != "BTCUSDT" {
		t.Fatalf("unexpected ticks: %+v", ticks)
	}
}

func TestPollerAuthRejected(t *testing.T) {
	p := NewPoller(&fakePoll{errs: []error{ErrAuthRejected}}, Options{
		Category: models.CategoryCryptocurrency,
		Symbols:  []string{"BTCUSDT"},
	})
	if err := p.Run(context.Background()); !errors.Is(err, ErrAuthRejected) {
		t.Fatalf("expected ErrAuthRejected, got %v", err)
	}
	if p.State() != StateFatal {
		t.Fatalf("expected fatal, got %v", p.State())
	}
}

func TestNumberUnmarshal(t *testing.T) {
	var v struct {
		A Number `json:"a"`
		B Number `json:"b"`
		C Number `json:"c"`
		D Number `json:"d"`
	}
	if err := json.Unmarshal([]byte(`{"a":"1.5","b":2,"c":null,"d":""}`), &v); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !v.A.Valid || v.A.Value != 1.5 || !v.B.Valid || v.B.Value != 2 {
		t.Fatalf("unexpected values: %+v", v)
	}
	if v.C.Ptr() != nil || v.D.Ptr() != nil {
		t.Fatal("expected absent values")
	}
}
