package okx

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tickerflow/internal/models"
	"tickerflow/internal/reader"
	"tickerflow/internal/symbols"
)

const defaultRESTURL = "https://www.okx.com"

// REST serves tickers and candles from the public market API.
type REST struct {
	baseURL string
	client  *http.Client
}

// NewREST returns a REST adapter. An empty baseURL selects production.
func NewREST(baseURL string, client *http.Client) *REST {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultRESTURL
	}
	if client == nil {
		client = reader.NewHTTPClient(0)
	}
	return &REST{baseURL: baseURL, client: client}
}

func (r *REST) Provider() string { return symbols.OKX }

type envelope[T any] struct {
	Code string `json:"code"`
	Msg  string `json:"msg"`
	Data []T    `json:"data"`
}

func (e envelope[T]) err(what string) error {
	if e.Code != "" && e.Code != "0" {
		return fmt.Errorf("okx %s: code %s: %s", what, e.Code, e.Msg)
	}
	if len(e.Data) == 0 {
		return fmt.Errorf("okx %s: empty response", what)
	}
	return nil
}

// FetchQuote returns the current ticker for one instrument.
func (r *REST) FetchQuote(ctx context.Context, native string) (reader.Quote, error) {
	var resp envelope[tickerData]
	endpoint := r.baseURL + "/api/v5/market/ticker?instId=" + url.QueryEscape(native)
	if err := reader.GetJSON(ctx, r.client, endpoint, nil, &resp); err != nil {
		return reader.Quote{}, err
	}
	if err := resp.err("ticker " + native); err != nil {
		return reader.Quote{}, err
	}
	if !resp.Data[0].Last.Valid {
		return reader.Quote{}, fmt.Errorf("okx ticker %s: missing last price", native)
	}
	return resp.Data[0].quote(), nil
}

// FetchRange returns high and low of the latest candle. Rows are
// [ts, open, high, low, close, vol, ...].
func (r *REST) FetchRange(ctx context.Context, native string, interval time.Duration) (models.Range, error) {
	bar, err := barLabel(interval)
	if err != nil {
		return models.Range{}, err
	}
	var resp envelope[[]reader.Number]
	endpoint := fmt.Sprintf("%s/api/v5/market/candles?instId=%s&bar=%s&limit=1", r.baseURL, url.QueryEscape(native), bar)
	if err := reader.GetJSON(ctx, r.client, endpoint, nil, &resp); err != nil {
		return models.Range{}, err
	}
	if err := resp.err("candles " + native); err != nil {
		return models.Range{}, err
	}
	row := resp.Data[0]
	if len(row) < 5 || !row[2].Valid || !row[3].Valid {
		return models.Range{}, fmt.Errorf("okx candles %s: malformed row", native)
	}
	return models.Range{High: row[2].Value, Low: row[3].Value}, nil
}

func barLabel(d time.Duration) (string, error) {
	switch d {
	case time.Minute:
		return "1m", nil
	case 5 * time.Minute:
		return "5m", nil
	case 15 * time.Minute:
		return "15m", nil
	case 30 * time.Minute:
		return "30m", nil
	case time.Hour:
		return "1H", nil
	case 2 * time.Hour:
		return "2H", nil
	case 4 * time.Hour:
		return "4H", nil
	case 24 * time.Hour:
		return "1D", nil
	}
	return "", fmt.Errorf("okx: unsupported interval %s", d)
}
