package kraken

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"tickerflow/internal/reader"
	"tickerflow/internal/symbols"
)

const defaultStreamURL = "wss://ws.kraken.com"

// Stream consumes the v1 public ticker feed.
type Stream struct {
	url string
}

// NewStream returns a stream adapter. An empty url selects production.
func NewStream(url string) *Stream {
	if url = strings.TrimSpace(url); url == "" {
		url = defaultStreamURL
	}
	return &Stream{url: url}
}

func (s *Stream) Provider() string { return symbols.Kraken }

func (s *Stream) Endpoint([]string) (string, http.Header, error) {
	return s.url, nil, nil
}

func (s *Stream) Handshake(context.Context, *websocket.Conn) error { return nil }

type subscription struct {
	Name string `json:"name"`
}

type subscribeRequest struct {
	Event        string       `json:"event"`
	Pair         []string     `json:"pair"`
	Subscription subscription `json:"subscription"`
}

func (s *Stream) Subscriptions(natives []string) []any {
	return []any{subscribeRequest{
		Event:        "subscribe",
		Pair:         natives,
		Subscription: subscription{Name: "ticker"},
	}}
}

func (s *Stream) Ping(conn *websocket.Conn) error {
	return conn.WriteJSON(map[string]string{"event": "ping"})
}

type eventMessage struct {
	Event        string `json:"event"`
	Status       string `json:"status"`
	Pair         string `json:"pair"`
	ErrorMessage string `json:"errorMessage"`
}

// tickerFields holds the ticker object; the second element of each array is
// the rolling 24h value.
type tickerFields struct {
	Close  []reader.Number `json:"c"`
	Volume []reader.Number `json:"v"`
	High   []reader.Number `json:"h"`
	Low    []reader.Number `json:"l"`
	Open   []reader.Number `json:"o"`
}

func (s *Stream) Parse(raw []byte) ([]reader.Quote, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 {
		return nil, nil
	}
	if raw[0] == '{' {
		var ev eventMessage
		if err := json.Unmarshal(raw, &ev); err != nil {
			return nil, err
		}
		if ev.Event == "error" || ev.Status == "error" {
			return nil, fmt.Errorf("kraken %s %s: %s", ev.Event, ev.Pair, ev.ErrorMessage)
		}
		return nil, nil
	}

	var frame []json.RawMessage
	if err := json.Unmarshal(raw, &frame); err != nil {
		return nil, err
	}
	if len(frame) < 4 {
		return nil, nil
	}
	var channel, pair string
	if err := json.Unmarshal(frame[len(frame)-2], &channel); err != nil || channel != "ticker" {
		return nil, nil
	}
	if err := json.Unmarshal(frame[len(frame)-1], &pair); err != nil {
		return nil, err
	}
	var t tickerFields
	if err := json.Unmarshal(frame[1], &t); err != nil {
		return nil, err
	}
	if len(t.Close) == 0 || !t.Close[0].Valid {
		return nil, nil
	}

	q := reader.Quote{
		Native: pair,
		Price:  t.Close[0].Value,
		Volume: rolling(t.Volume),
		High:   rolling(t.High),
		Low:    rolling(t.Low),
	}
	if open := rolling(t.Open); open != nil && *open > 0 {
		pct := (q.Price - *open) / *open * 100
		q.Change = &pct
	}
	return []reader.Quote{q}, nil
}

func rolling(v []reader.Number) *float64 {
	if len(v) < 2 {
		return nil
	}
	return v[1].Ptr()
}
