package finnhub

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/gorilla/websocket"

	"tickerflow/internal/reader"
	"tickerflow/internal/symbols"
)

const (
	defaultStreamURL = "wss://ws.finnhub.io"
	defaultRESTURL   = "https://finnhub.io"
)

// Stream consumes the trade websocket. The API token travels in the URL, so
// a bad token surfaces as a rejected upgrade.
type Stream struct {
	url   string
	token string
}

// NewStream returns a stream adapter. An empty url selects production.
func NewStream(url, token string) *Stream {
	if url = strings.TrimSpace(url); url == "" {
		url = defaultStreamURL
	}
	return &Stream{url: url, token: token}
}

func (s *Stream) Provider() string { return symbols.Finnhub }

func (s *Stream) Endpoint([]string) (string, http.Header, error) {
	if s.token == "" {
		return "", nil, fmt.Errorf("%w: finnhub token not configured", reader.ErrAuthRejected)
	}
	return s.url + "?token=" + url.QueryEscape(s.token), nil, nil
}

func (s *Stream) Handshake(context.Context, *websocket.Conn) error { return nil }

type subscribeRequest struct {
	Type   string `json:"type"`
	Symbol string `json:"symbol"`
}

func (s *Stream) Subscriptions(natives []string) []any {
	subs := make([]any, 0, len(natives))
	for _, n := range natives {
		subs = append(subs, subscribeRequest{Type: "subscribe", Symbol: n})
	}
	return subs
}

type trade struct {
	Symbol string        `json:"s"`
	Price  reader.Number `json:"p"`
	Volume reader.Number `json:"v"`
	Time   int64         `json:"t"`
}

type message struct {
	Type string  `json:"type"`
	Msg  string  `json:"msg"`
	Data []trade `json:"data"`
}

// Parse reads trade batches; pings and other types are ignored.
func (s *Stream) Parse(raw []byte) ([]reader.Quote, error) {
	var msg message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return nil, err
	}
	switch msg.Type {
	case "trade":
	case "error":
		return nil, fmt.Errorf("finnhub error: %s", msg.Msg)
	default:
		return nil, nil
	}
	quotes := make([]reader.Quote, 0, len(msg.Data))
	for _, t := range msg.Data {
		if t.Symbol == "" || !t.Price.Valid {
			continue
		}
		quotes = append(quotes, reader.Quote{Native: t.Symbol, Price: t.Price.Value})
	}
	return quotes, nil
}

// REST serves the quote endpoint.
type REST struct {
	baseURL string
	token   string
	client  *http.Client
}

// NewREST returns a REST adapter. An empty baseURL selects production.
func NewREST(baseURL, token string, client *http.Client) *REST {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultRESTURL
	}
	if client == nil {
		client = reader.NewHTTPClient(0)
	}
	return &REST{baseURL: baseURL, token: token, client: client}
}

func (r *REST) Provider() string { return symbols.Finnhub }

type quoteResponse struct {
	Current       reader.Number `json:"c"`
	Change        reader.Number `json:"d"`
	PercentChange reader.Number `json:"dp"`
	High          reader.Number `json:"h"`
	Low           reader.Number `json:"l"`
	Open          reader.Number `json:"o"`
	PrevClose     reader.Number `json:"pc"`
}

// FetchQuote returns the latest quote. Finnhub answers unknown symbols with
// zeros, which is reported as an error.
func (r *REST) FetchQuote(ctx context.Context, native string) (reader.Quote, error) {
	q := url.Values{}
	q.Set("symbol", native)
	q.Set("token", r.token)
	var resp quoteResponse
	if err := reader.GetJSON(ctx, r.client, r.baseURL+"/api/v1/quote?"+q.Encode(), nil, &resp); err != nil {
		return reader.Quote{}, err
	}
	if !resp.Current.Valid || resp.Current.Value <= 0 {
		return reader.Quote{}, fmt.Errorf("finnhub quote %s: no price", native)
	}
	return reader.Quote{
		Native: native,
		Price:  resp.Current.Value,
		Change: resp.Change.Ptr(),
		High:   resp.High.Ptr(),
		Low:    resp.Low.Ptr(),
	}, nil
}
