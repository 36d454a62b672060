package directory

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"tickerflow/internal/models"
	"tickerflow/logger"
)

// ErrUnavailable is returned when the directory cannot be read.
var ErrUnavailable = errors.New("instrument directory unavailable")

// Client reads tracked instruments from the external directory service.
type Client struct {
	baseURL string
	http    *http.Client
	log     *logger.Log
}

// NewClient builds a directory client for baseURL (the /api/tickers path is
// appended).
func NewClient(baseURL string, timeout time.Duration, log *logger.Log) *Client {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if log == nil {
		log = logger.GetLogger()
	}
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: timeout},
		log:     log,
	}
}

type entry struct {
	Symbol   string `json:"symbol"`
	Name     string `json:"name"`
	Category string `json:"category"`
}

// Instruments returns the instruments of one category with upper-cased,
// de-duplicated symbols.
func (c *Client) Instruments(ctx context.Context, category models.Category) ([]models.Instrument, error) {
	endpoint := c.baseURL + "/api/tickers"
	if category != "" {
		endpoint += "?" + url.Values{"category": {string(category)}}.Encode()
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
	if err != nil {
		return nil, fmt.Errorf("build directory request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Cache-Control", "no-store")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnavailable, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: status %d", ErrUnavailable, resp.StatusCode)
	}

	var entries []entry
	if err := json.NewDecoder(resp.Body).Decode(&entries); err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrUnavailable, err)
	}

	seen := make(map[string]bool, len(entries))
	out := make([]models.Instrument, 0, len(entries))
	for _, e := range entries {
		cat, err := models.ParseCategory(e.Category)
		if err != nil {
			c.log.WithComponent("directory").WithFields(logger.Fields{
				"symbol":   e.Symbol,
				"category": e.Category,
			}).Debug("skipping instrument with unknown category")
			continue
		}
		if category != "" && cat != category {
			continue
		}
		symbol := strings.ToUpper(strings.TrimSpace(e.Symbol))
		if symbol == "" || seen[symbol] {
			continue
		}
		seen[symbol] = true
		out = append(out, models.Instrument{Symbol: symbol, Name: e.Name, Category: cat})
	}

	c.log.WithComponent("directory").WithFields(logger.Fields{
		"category": category,
		"count":    len(out),
	}).Info("fetched tracked instruments")

	return out, nil
}

// Symbols extracts the canonical symbols of a slice of instruments.
func Symbols(instruments []models.Instrument) []string {
	out := make([]string, len(instruments))
	for i, inst := range instruments {
		out[i] = inst.Symbol
	}
	return out
}
