package binance

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/gorilla/websocket"

	"tickerflow/internal/reader"
	"tickerflow/internal/symbols"
)

const defaultStreamURL = "wss://stream.binance.com:9443"

// Stream consumes the combined 24h ticker stream.
type Stream struct {
	baseURL string
}

// NewStream returns a stream adapter. An empty baseURL selects production.
func NewStream(baseURL string) *Stream {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultStreamURL
	}
	return &Stream{baseURL: baseURL}
}

func (s *Stream) Provider() string { return symbols.Binance }

func (s *Stream) Endpoint(natives []string) (string, http.Header, error) {
	if len(natives) == 0 {
		return "", nil, reader.ErrNoSymbols
	}
	streams := make([]string, 0, len(natives))
	for _, n := range natives {
		streams = append(streams, strings.ToLower(n)+"@ticker")
	}
	return fmt.Sprintf("%s/stream?streams=%s", s.baseURL, strings.Join(streams, "/")), nil, nil
}

func (s *Stream) Handshake(context.Context, *websocket.Conn) error { return nil }

// Subscriptions is empty: the combined stream URL carries the topics.
func (s *Stream) Subscriptions([]string) []any { return nil }

type combinedMessage struct {
	Stream string          `json:"stream"`
	Data   json.RawMessage `json:"data"`
}

func (s *Stream) Parse(raw []byte) ([]reader.Quote, error) {
	var env combinedMessage
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, err
	}
	payload := []byte(env.Data)
	if len(payload) == 0 {
		payload = raw
	}

	var ev gobinance.WsMarketStatEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		return nil, err
	}
	if ev.Symbol == "" || ev.LastPrice == "" {
		return nil, nil
	}
	price, ok := reader.ParseNumber(ev.LastPrice)
	if !ok {
		return nil, fmt.Errorf("binance ticker %s: bad price %q", ev.Symbol, ev.LastPrice)
	}
	return []reader.Quote{{
		Native: ev.Symbol,
		Price:  price,
		Change: optional(ev.PriceChangePercent),
		Volume: optional(ev.BaseVolume),
		High:   optional(ev.HighPrice),
		Low:    optional(ev.LowPrice),
	}}, nil
}

func optional(v string) *float64 {
	f, ok := reader.ParseNumber(v)
	if !ok {
		return nil
	}
	return &f
}
