package okx

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"

	"tickerflow/internal/reader"
	"tickerflow/internal/symbols"
)

const defaultStreamURL = "wss://ws.okx.com:8443/ws/v5/public"

// Stream consumes the public tickers channel.
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

func (s *Stream) Provider() string { return symbols.OKX }

func (s *Stream) Endpoint([]string) (string, http.Header, error) {
	return s.url, nil, nil
}

func (s *Stream) Handshake(context.Context, *websocket.Conn) error { return nil }

type channelArg struct {
	Channel string `json:"channel"`
	InstID  string `json:"instId"`
}

type subscribeRequest struct {
	Op   string       `json:"op"`
	Args []channelArg `json:"args"`
}

func (s *Stream) Subscriptions(natives []string) []any {
	args := make([]channelArg, 0, len(natives))
	for _, n := range natives {
		args = append(args, channelArg{Channel: "tickers", InstID: n})
	}
	return []any{subscribeRequest{Op: "subscribe", Args: args}}
}

// Ping sends the text keepalive OKX expects; the server answers "pong".
func (s *Stream) Ping(conn *websocket.Conn) error {
	return conn.WriteMessage(websocket.TextMessage, []byte("ping"))
}

type tickerData struct {
	InstID  string        `json:"instId"`
	Last    reader.Number `json:"last"`
	Open24h reader.Number `json:"open24h"`
	Vol24h  reader.Number `json:"vol24h"`
	High24h reader.Number `json:"high24h"`
	Low24h  reader.Number `json:"low24h"`
}

type pushMessage struct {
	Event string       `json:"event"`
	Code  string       `json:"code"`
	Msg   string       `json:"msg"`
	Arg   channelArg   `json:"arg"`
	Data  []tickerData `json:"data"`
}

func (s *Stream) Parse(raw []byte) ([]reader.Quote, error) {
	if string(raw) == "pong" {
		return nil, nil
	}
	var msg pushMessage
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.Event == "error" {
		return nil, fmt.Errorf("okx error %s: %s", msg.Code, msg.Msg)
	}
	if msg.Arg.Channel != "tickers" || len(msg.Data) == 0 {
		return nil, nil
	}
	quotes := make([]reader.Quote, 0, len(msg.Data))
	for _, d := range msg.Data {
		if d.InstID == "" || !d.Last.Valid {
			continue
		}
		quotes = append(quotes, d.quote())
	}
	return quotes, nil
}

func (d tickerData) quote() reader.Quote {
	q := reader.Quote{
		Native: d.InstID,
		Price:  d.Last.Value,
		Volume: d.Vol24h.Ptr(),
		High:   d.High24h.Ptr(),
		Low:    d.Low24h.Ptr(),
	}
	if d.Open24h.Valid && d.Open24h.Value > 0 {
		pct := (d.Last.Value - d.Open24h.Value) / d.Open24h.Value * 100
		q.Change = &pct
	}
	return q
}
