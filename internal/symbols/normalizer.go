package symbols

import (
	"errors"
	"fmt"
	"strings"
	"sync"
)

// ErrNotFound is returned when a symbol has no mapping for a provider.
var ErrNotFound = errors.New("symbol mapping not found")

// Provider identifiers.
const (
	Binance     = "binance"
	OKX         = "okx"
	Kraken      = "kraken"
	CexIO       = "cexio"
	Coinranking = "coinranking"
	Alpaca      = "alpaca"
	Finnhub     = "finnhub"
)

// Mapper converts between one provider's native identifiers and canonical
// store symbols. Implementations must be deterministic and two-way.
type Mapper interface {
	ToCanonical(native string) (string, error)
	ToNative(canonical string) (string, error)
}

// Normalizer is a registry of per-provider mappers.
type Normalizer struct {
	mu      sync.RWMutex
	mappers map[string]Mapper
}

// NewNormalizer returns an empty registry.
func NewNormalizer() *Normalizer {
	return &Normalizer{mappers: make(map[string]Mapper)}
}

// Default returns a registry with every supported provider registered.
// overrides maps provider -> canonical -> native and takes precedence over the
// built-in rules.
func Default(overrides map[string]map[string]string) *Normalizer {
	n := NewNormalizer()
	builtin := map[string]Mapper{
		Binance:     identityMapper{},
		OKX:         separatorMapper{sep: "-"},
		Kraken:      newTableMapper(krakenPairs),
		CexIO:       separatorMapper{sep: ":"},
		Coinranking: quoteMapper{quote: "USDT"},
		Alpaca:      identityMapper{},
		Finnhub:     finnhubMapper{},
	}
	for provider, m := range builtin {
		if o := overrides[provider]; len(o) > 0 {
			m = WithOverrides(m, o)
		}
		n.Register(provider, m)
	}
	return n
}

// Register installs or replaces the mapper for a provider.
func (n *Normalizer) Register(provider string, m Mapper) {
	n.mu.Lock()
	n.mappers[strings.ToLower(provider)] = m
	n.mu.Unlock()
}

func (n *Normalizer) mapper(provider string) (Mapper, error) {
	n.mu.RLock()
	m, ok := n.mappers[strings.ToLower(provider)]
	n.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("provider %q: %w", provider, ErrNotFound)
	}
	return m, nil
}

// ToCanonical maps a provider-native identifier to the canonical symbol.
func (n *Normalizer) ToCanonical(provider, native string) (string, error) {
	m, err := n.mapper(provider)
	if err != nil {
		return "", err
	}
	return m.ToCanonical(native)
}

// ToNative maps a canonical symbol to the provider-native identifier.
func (n *Normalizer) ToNative(provider, canonical string) (string, error) {
	m, err := n.mapper(provider)
	if err != nil {
		return "", err
	}
	return m.ToNative(canonical)
}

// NativeSet resolves every canonical symbol for a provider. Unmapped symbols
// are returned separately so the caller can report them.
func (n *Normalizer) NativeSet(provider string, canonical []string) (natives []string, unmapped []string) {
	for _, c := range canonical {
		native, err := n.ToNative(provider, c)
		if err != nil {
			unmapped = append(unmapped, c)
			continue
		}
		natives = append(natives, native)
	}
	return natives, unmapped
}
