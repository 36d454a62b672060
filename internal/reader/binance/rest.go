package binance

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	gobinance "github.com/adshao/go-binance/v2"
	"github.com/adshao/go-binance/v2/common"

	"tickerflow/internal/models"
	"tickerflow/internal/ratelimit"
	"tickerflow/internal/reader"
	"tickerflow/internal/symbols"
)

// Binance answers throttled requests with this code alongside HTTP 429.
const codeTooManyRequests = -1003

// REST serves 24h ticker quotes and kline ranges from the spot API.
type REST struct {
	client *gobinance.Client
}

// NewREST returns a REST adapter. An empty baseURL selects production.
func NewREST(baseURL, apiKey, apiSecret string, httpClient *http.Client) *REST {
	client := gobinance.NewClient(apiKey, apiSecret)
	if baseURL = strings.TrimRight(strings.TrimSpace(baseURL), "/"); baseURL != "" {
		client.BaseURL = baseURL
	}
	if httpClient != nil {
		client.HTTPClient = httpClient
	}
	return &REST{client: client}
}

func (r *REST) Provider() string { return symbols.Binance }

// FetchQuote returns the 24h ticker statistics for one symbol.
func (r *REST) FetchQuote(ctx context.Context, native string) (reader.Quote, error) {
	stats, err := r.client.NewListPriceChangeStatsService().Symbol(native).Do(ctx)
	if err != nil {
		return reader.Quote{}, classify(err)
	}
	for _, st := range stats {
		if st == nil || !strings.EqualFold(st.Symbol, native) {
			continue
		}
		price, ok := reader.ParseNumber(st.LastPrice)
		if !ok {
			return reader.Quote{}, fmt.Errorf("binance ticker %s: bad price %q", native, st.LastPrice)
		}
		return reader.Quote{
			Native: st.Symbol,
			Price:  price,
			Change: optional(st.PriceChangePercent),
			Volume: optional(st.Volume),
			High:   optional(st.HighPrice),
			Low:    optional(st.LowPrice),
		}, nil
	}
	return reader.Quote{}, fmt.Errorf("binance ticker %s: not returned", native)
}

// FetchRange returns high and low of the latest kline of the interval.
func (r *REST) FetchRange(ctx context.Context, native string, interval time.Duration) (models.Range, error) {
	label, err := intervalLabel(interval)
	if err != nil {
		return models.Range{}, err
	}
	klines, err := r.client.NewKlinesService().Symbol(native).Interval(label).Limit(1).Do(ctx)
	if err != nil {
		return models.Range{}, classify(err)
	}
	if len(klines) == 0 || klines[0] == nil {
		return models.Range{}, fmt.Errorf("binance klines %s %s: empty", native, label)
	}
	high, okH := reader.ParseNumber(klines[0].High)
	low, okL := reader.ParseNumber(klines[0].Low)
	if !okH || !okL {
		return models.Range{}, fmt.Errorf("binance klines %s %s: bad range", native, label)
	}
	return models.Range{High: high, Low: low}, nil
}

func intervalLabel(d time.Duration) (string, error) {
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
		return "1h", nil
	case 2 * time.Hour:
		return "2h", nil
	case 4 * time.Hour:
		return "4h", nil
	case 24 * time.Hour:
		return "1d", nil
	}
	return "", fmt.Errorf("binance: unsupported interval %s", d)
}

func classify(err error) error {
	var apiErr *common.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code == codeTooManyRequests {
			return fmt.Errorf("%w: %s", ratelimit.ErrRateLimited, apiErr.Message)
		}
		if apiErr.Code == -2014 || apiErr.Code == -2015 {
			return fmt.Errorf("%w: %s", reader.ErrAuthRejected, apiErr.Message)
		}
	}
	return err
}
