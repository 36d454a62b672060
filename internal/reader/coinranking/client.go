package coinranking

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"tickerflow/internal/models"
	"tickerflow/internal/reader"
	"tickerflow/internal/symbols"
)

const (
	defaultBaseURL = "https://api.coinranking.com"
	// US dollar reference currency.
	defaultReferenceCurrency = "yhjMzLPhuIDl"
)

// Client polls coin prices from the Coinranking REST API. Natives are coin
// symbols such as "BTC"; the client resolves and caches their UUIDs.
type Client struct {
	baseURL   string
	apiKey    string
	reference string
	client    *http.Client

	mu    sync.RWMutex
	uuids map[string]string
}

// NewClient returns a client. Empty baseURL and reference select defaults.
func NewClient(baseURL, apiKey, reference string, client *http.Client) *Client {
	baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	if reference == "" {
		reference = defaultReferenceCurrency
	}
	if client == nil {
		client = reader.NewHTTPClient(5 * time.Second)
	}
	return &Client{
		baseURL:   baseURL,
		apiKey:    apiKey,
		reference: reference,
		client:    client,
		uuids:     make(map[string]string),
	}
}

func (c *Client) Provider() string { return symbols.Coinranking }

type coin struct {
	UUID      string        `json:"uuid"`
	Symbol    string        `json:"symbol"`
	Name      string        `json:"name"`
	Price     reader.Number `json:"price"`
	Change    reader.Number `json:"change"`
	Volume    reader.Number `json:"24hVolume"`
	MarketCap reader.Number `json:"marketCap"`
	High24h   reader.Number `json:"high24h"`
	Low24h    reader.Number `json:"low24h"`
}

type coinsResponse struct {
	Status string `json:"status"`
	Data   struct {
		Coins []coin `json:"coins"`
	} `json:"data"`
}

type coinResponse struct {
	Status string `json:"status"`
	Data   struct {
		Coin coin `json:"coin"`
	} `json:"data"`
}

func (c *Client) header() http.Header {
	h := http.Header{}
	if c.apiKey != "" {
		h.Set("x-access-token", c.apiKey)
	}
	return h
}

// resolve returns the cached UUID for a coin symbol, searching on a miss.
func (c *Client) resolve(ctx context.Context, native string) (string, error) {
	key := strings.ToUpper(native)
	c.mu.RLock()
	id, ok := c.uuids[key]
	c.mu.RUnlock()
	if ok {
		return id, nil
	}

	q := url.Values{}
	q.Set("search", strings.ToLower(native))
	q.Set("referenceCurrencyUuid", c.reference)
	var resp coinsResponse
	if err := reader.GetJSON(ctx, c.client, c.baseURL+"/v2/coins?"+q.Encode(), c.header(), &resp); err != nil {
		return "", err
	}
	for _, cn := range resp.Data.Coins {
		if strings.EqualFold(cn.Symbol, key) {
			c.mu.Lock()
			c.uuids[key] = cn.UUID
			c.mu.Unlock()
			return cn.UUID, nil
		}
	}
	return "", fmt.Errorf("coinranking: no coin for %q: %w", native, symbols.ErrNotFound)
}

func (c *Client) coin(ctx context.Context, native string) (coin, error) {
	id, err := c.resolve(ctx, native)
	if err != nil {
		return coin{}, err
	}
	q := url.Values{}
	q.Set("referenceCurrencyUuid", c.reference)
	var resp coinResponse
	if err := reader.GetJSON(ctx, c.client, c.baseURL+"/v2/coin/"+url.PathEscape(id)+"?"+q.Encode(), c.header(), &resp); err != nil {
		return coin{}, err
	}
	if !resp.Data.Coin.Price.Valid {
		return coin{}, fmt.Errorf("coinranking %s: missing price", native)
	}
	return resp.Data.Coin, nil
}

// FetchQuote returns price, change, volume and market cap for one coin.
func (c *Client) FetchQuote(ctx context.Context, native string) (reader.Quote, error) {
	cn, err := c.coin(ctx, native)
	if err != nil {
		return reader.Quote{}, err
	}
	high, low := cn.bounds()
	return reader.Quote{
		Native:    strings.ToUpper(native),
		Price:     cn.Price.Value,
		Change:    cn.Change.Ptr(),
		Volume:    cn.Volume.Ptr(),
		High:      &high,
		Low:       &low,
		MarketCap: cn.MarketCap.Ptr(),
	}, nil
}

// FetchRange has no candle data to offer and answers with the 24h bounds,
// falling back to the current price.
func (c *Client) FetchRange(ctx context.Context, native string, _ time.Duration) (models.Range, error) {
	cn, err := c.coin(ctx, native)
	if err != nil {
		return models.Range{}, err
	}
	high, low := cn.bounds()
	return models.Range{High: high, Low: low}, nil
}

func (cn coin) bounds() (high, low float64) {
	high, low = cn.Price.Value, cn.Price.Value
	if cn.High24h.Valid && cn.High24h.Value > 0 {
		high = cn.High24h.Value
	}
	if cn.Low24h.Valid && cn.Low24h.Value > 0 {
		low = cn.Low24h.Value
	}
	return high, low
}

// Fetch polls every native in turn. A round fails only when no coin could
// be fetched.
func (c *Client) Fetch(ctx context.Context, natives []string) ([]reader.Quote, error) {
	quotes := make([]reader.Quote, 0, len(natives))
	var errs []error
	for _, n := range natives {
		q, err := c.FetchQuote(ctx, n)
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			errs = append(errs, err)
			continue
		}
		quotes = append(quotes, q)
	}
	if len(quotes) == 0 && len(errs) > 0 {
		return nil, errors.Join(errs...)
	}
	return quotes, nil
}
