package alpaca

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

const defaultStreamURL = "wss://stream.data.alpaca.markets/v2/sip"

// Error codes that mean the credentials or plan will never be accepted.
var rejectCodes = map[int]bool{
	401: true, // not authenticated
	402: true, // auth failed
	409: true, // insufficient subscription
}

// Stream consumes the trade feed of the market data v2 API.
type Stream struct {
	url    string
	key    string
	secret string
}

// NewStream returns a stream adapter. An empty url selects the SIP feed.
func NewStream(url, key, secret string) *Stream {
	if url = strings.TrimSpace(url); url == "" {
		url = defaultStreamURL
	}
	return &Stream{url: url, key: key, secret: secret}
}

func (s *Stream) Provider() string { return symbols.Alpaca }

func (s *Stream) Endpoint([]string) (string, http.Header, error) {
	return s.url, nil, nil
}

type control struct {
	T    string `json:"T"`
	Msg  string `json:"msg"`
	Code int    `json:"code"`
}

type authRequest struct {
	Action string `json:"action"`
	Key    string `json:"key"`
	Secret string `json:"secret"`
}

// Handshake authenticates and waits for the "authenticated" control message.
func (s *Stream) Handshake(ctx context.Context, conn *websocket.Conn) error {
	if s.key == "" || s.secret == "" {
		return fmt.Errorf("%w: alpaca credentials not configured", reader.ErrAuthRejected)
	}
	if err := conn.WriteJSON(authRequest{Action: "auth", Key: s.key, Secret: s.secret}); err != nil {
		return err
	}
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var batch []control
		if err := conn.ReadJSON(&batch); err != nil {
			return err
		}
		for _, m := range batch {
			switch {
			case m.T == "success" && m.Msg == "authenticated":
				return nil
			case m.T == "error" && rejectCodes[m.Code]:
				return fmt.Errorf("%w: %d %s", reader.ErrAuthRejected, m.Code, m.Msg)
			case m.T == "error":
				return fmt.Errorf("alpaca error %d: %s", m.Code, m.Msg)
			}
		}
	}
}

type subscribeRequest struct {
	Action string   `json:"action"`
	Trades []string `json:"trades"`
}

func (s *Stream) Subscriptions(natives []string) []any {
	return []any{subscribeRequest{Action: "subscribe", Trades: natives}}
}

type event struct {
	T     string        `json:"T"`
	S     string        `json:"S"`
	Price reader.Number `json:"p"`
	Code  int           `json:"code"`
	Msg   string        `json:"msg"`
}

// Parse reads trade events. Change is left for the sink to derive from the
// stored price.
func (s *Stream) Parse(raw []byte) ([]reader.Quote, error) {
	raw = bytes.TrimSpace(raw)
	var batch []event
	if len(raw) > 0 && raw[0] == '{' {
		var single event
		if err := json.Unmarshal(raw, &single); err != nil {
			return nil, err
		}
		batch = []event{single}
	} else if err := json.Unmarshal(raw, &batch); err != nil {
		return nil, err
	}

	var quotes []reader.Quote
	for _, e := range batch {
		switch e.T {
		case "t":
			if e.S == "" || !e.Price.Valid {
				continue
			}
			quotes = append(quotes, reader.Quote{Native: strings.ToUpper(e.S), Price: e.Price.Value})
		case "error":
			return quotes, fmt.Errorf("alpaca error %d: %s", e.Code, e.Msg)
		}
	}
	return quotes, nil
}
