package orchestrator

import (
	"fmt"
	"strings"
	"sync"

	"tickerflow/config"
	"tickerflow/internal/ratelimit"
	"tickerflow/internal/reader"
	"tickerflow/internal/reader/alpaca"
	"tickerflow/internal/reader/binance"
	"tickerflow/internal/reader/cexio"
	"tickerflow/internal/reader/coinranking"
	"tickerflow/internal/reader/finnhub"
	"tickerflow/internal/reader/kraken"
	"tickerflow/internal/reader/okx"
	"tickerflow/internal/symbols"
	"tickerflow/logger"
)

// Providers builds feeds and REST clients from configuration. REST clients
// are shared so caches and limiters apply across categories.
type Providers struct {
	cfg    *config.Config
	limits *ratelimit.Registry

	mu   sync.Mutex
	rest map[string]any
}

// NewProviders returns a provider catalogue for cfg.
func NewProviders(cfg *config.Config) *Providers {
	return &Providers{
		cfg: cfg,
		limits: ratelimit.NewRegistry(func(name string) *ratelimit.Limiter {
			pc := cfg.Provider(name)
			return ratelimit.New(name, pc.Slots, pc.RequestsPerSecond, 0)
		}),
		rest: make(map[string]any),
	}
}

// Limits returns the shared per-provider limiter registry.
func (p *Providers) Limits() *ratelimit.Registry {
	return p.limits
}

// Feed builds the streaming connector or poller for provider.
func (p *Providers) Feed(provider string, opts reader.Options) (Runner, error) {
	name := strings.ToLower(provider)
	pc := p.cfg.Provider(name)
	if pc.KeepAlive > 0 {
		opts.KeepAlive = pc.KeepAlive
	}

	var adapter reader.StreamAdapter
	switch name {
	case symbols.Binance:
		adapter = binance.NewStream(pc.StreamURL)
	case symbols.OKX:
		adapter = okx.NewStream(pc.StreamURL)
	case symbols.Kraken:
		adapter = kraken.NewStream(pc.StreamURL)
	case symbols.CexIO:
		adapter = cexio.NewStream(pc.StreamURL, pc.APIKey, pc.APISecret)
	case symbols.Alpaca:
		adapter = alpaca.NewStream(pc.StreamURL, pc.APIKey, pc.APISecret)
	case symbols.Finnhub:
		adapter = finnhub.NewStream(pc.StreamURL, pc.APIKey)
	case symbols.Coinranking:
		return reader.NewPoller(p.coinranking(), opts), nil
	default:
		return nil, fmt.Errorf("unsupported provider %q", provider)
	}
	return reader.NewConnector(adapter, opts), nil
}

func (p *Providers) coinranking() *coinranking.Client {
	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.rest[symbols.Coinranking].(*coinranking.Client); ok {
		return c
	}
	pc := p.cfg.Provider(symbols.Coinranking)
	c := coinranking.NewClient(pc.RestURL, pc.APIKey, pc.ReferenceCurrency, reader.NewHTTPClient(pc.Timeout))
	p.rest[symbols.Coinranking] = c
	return c
}

func (p *Providers) restClient(provider string) (any, error) {
	name := strings.ToLower(provider)
	if name == symbols.Coinranking {
		return p.coinranking(), nil
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	if c, ok := p.rest[name]; ok {
		return c, nil
	}
	pc := p.cfg.Provider(name)
	httpClient := reader.NewHTTPClient(pc.Timeout)

	var c any
	switch name {
	case symbols.Binance:
		c = binance.NewREST(pc.RestURL, pc.APIKey, pc.APISecret, httpClient).WithWeightReporting(logger.GetLogger())
	case symbols.OKX:
		c = okx.NewREST(pc.RestURL, httpClient)
	case symbols.Finnhub:
		c = finnhub.NewREST(pc.RestURL, pc.APIKey, httpClient)
	default:
		return nil, fmt.Errorf("provider %q has no REST client", provider)
	}
	p.rest[name] = c
	return c, nil
}

// QuoteFetchers returns the quote clients for names, in order.
func (p *Providers) QuoteFetchers(names []string) ([]reader.QuoteFetcher, error) {
	out := make([]reader.QuoteFetcher, 0, len(names))
	for _, n := range names {
		c, err := p.restClient(n)
		if err != nil {
			return nil, err
		}
		qf, ok := c.(reader.QuoteFetcher)
		if !ok {
			return nil, fmt.Errorf("provider %q cannot serve quotes", n)
		}
		out = append(out, qf)
	}
	return out, nil
}

// RangeFetchers returns the range clients for names, in order.
func (p *Providers) RangeFetchers(names []string) ([]reader.RangeFetcher, error) {
	out := make([]reader.RangeFetcher, 0, len(names))
	for _, n := range names {
		c, err := p.restClient(n)
		if err != nil {
			return nil, err
		}
		rf, ok := c.(reader.RangeFetcher)
		if !ok {
			return nil, fmt.Errorf("provider %q cannot serve ranges", n)
		}
		out = append(out, rf)
	}
	return out, nil
}
