package cexio

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	"tickerflow/internal/reader"
	"tickerflow/internal/symbols"
)

const defaultStreamURL = "wss://ws.cex.io/ws"

// Stream consumes the authenticated ticker rooms.
type Stream struct {
	url    string
	key    string
	secret string
	now    func() time.Time
}

// NewStream returns a stream adapter. An empty url selects production.
func NewStream(url, key, secret string) *Stream {
	if url = strings.TrimSpace(url); url == "" {
		url = defaultStreamURL
	}
	return &Stream{url: url, key: key, secret: secret, now: time.Now}
}

func (s *Stream) Provider() string { return symbols.CexIO }

func (s *Stream) Endpoint([]string) (string, http.Header, error) {
	return s.url, nil, nil
}

type authPayload struct {
	Key       string `json:"key"`
	Signature string `json:"signature"`
	Timestamp string `json:"timestamp"`
}

type authRequest struct {
	E    string      `json:"e"`
	Auth authPayload `json:"auth"`
}

// sign returns hex(HMAC-SHA256(secret, timestamp+key)).
func sign(secret, timestamp, key string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + key))
	return hex.EncodeToString(mac.Sum(nil))
}

type message struct {
	E    string          `json:"e"`
	OK   string          `json:"ok"`
	Data json.RawMessage `json:"data"`
}

// Handshake sends the signed auth request and waits for its answer.
func (s *Stream) Handshake(ctx context.Context, conn *websocket.Conn) error {
	if s.key == "" || s.secret == "" {
		return fmt.Errorf("%w: cexio credentials not configured", reader.ErrAuthRejected)
	}
	ts := strconv.FormatInt(s.now().Unix(), 10)
	req := authRequest{E: "auth", Auth: authPayload{Key: s.key, Signature: sign(s.secret, ts, s.key), Timestamp: ts}}
	if err := conn.WriteJSON(req); err != nil {
		return err
	}

	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		var msg message
		if err := conn.ReadJSON(&msg); err != nil {
			return err
		}
		switch msg.E {
		case "auth":
			if msg.OK == "ok" {
				return nil
			}
			var detail struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(msg.Data, &detail)
			return fmt.Errorf("%w: %s", reader.ErrAuthRejected, detail.Error)
		case "ping":
			if err := conn.WriteJSON(map[string]string{"e": "pong"}); err != nil {
				return err
			}
		}
	}
}

type subscribeRequest struct {
	E     string   `json:"e"`
	Rooms []string `json:"rooms"`
}

func (s *Stream) Subscriptions(natives []string) []any {
	subs := make([]any, 0, len(natives))
	for _, n := range natives {
		subs = append(subs, subscribeRequest{E: "subscribe", Rooms: []string{"ticker-" + n}})
	}
	return subs
}

// Reply answers server pings.
func (s *Stream) Reply(raw []byte) any {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil || msg.E != "ping" {
		return nil
	}
	return map[string]string{"e": "pong"}
}

type tickerData struct {
	Pair    string        `json:"pair"`
	Last    reader.Number `json:"last"`
	Symbol1 string        `json:"symbol1"`
	Symbol2 string        `json:"symbol2"`
	Price   reader.Number `json:"price"`
	Volume  reader.Number `json:"volume"`
	High    reader.Number `json:"high"`
	Low     reader.Number `json:"low"`
}

func (s *Stream) Parse(raw []byte) ([]reader.Quote, error) {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	if msg.E != "ticker" && msg.E != "tick" {
		return nil, nil
	}
	var d tickerData
	if err := json.Unmarshal(msg.Data, &d); err != nil {
		return nil, err
	}
	native, price := d.Pair, d.Last
	if native == "" && d.Symbol1 != "" && d.Symbol2 != "" {
		native = d.Symbol1 + ":" + d.Symbol2
	}
	if !price.Valid {
		price = d.Price
	}
	if native == "" || !price.Valid {
		return nil, fmt.Errorf("cexio %s: missing pair or price", msg.E)
	}
	return []reader.Quote{{
		Native: native,
		Price:  price.Value,
		Volume: d.Volume.Ptr(),
		High:   d.High.Ptr(),
		Low:    d.Low.Ptr(),
	}}, nil
}
