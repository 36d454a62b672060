package symbols

import (
	"fmt"
	"strings"
)

// quoteAssets lists recognised quote currencies, longest first so USDT wins
// over USD.
var quoteAssets = []string{"USDT", "USDC", "BUSD", "USD", "EUR", "GBP", "BTC", "ETH"}

var krakenPairs = map[string]string{
	"BTCUSDT":  "XBT/USD",
	"ETHUSDT":  "ETH/USD",
	"SOLUSDT":  "SOL/USD",
	"XRPUSDT":  "XRP/USD",
	"ADAUSDT":  "ADA/USD",
	"DOGEUSDT": "XDG/USD",
	"DOTUSDT":  "DOT/USD",
	"LTCUSDT":  "LTC/USD",
}

func splitQuote(canonical string) (base, quote string, ok bool) {
	for _, q := range quoteAssets {
		if strings.HasSuffix(canonical, q) && len(canonical) > len(q) {
			return canonical[:len(canonical)-len(q)], q, true
		}
	}
	return "", "", false
}

func isSymbolChars(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		switch {
		case r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '.':
		default:
			return false
		}
	}
	return true
}

// identityMapper keeps the identifier as-is apart from upper-casing.
type identityMapper struct{}

func (identityMapper) ToCanonical(native string) (string, error) {
	s := strings.ToUpper(strings.TrimSpace(native))
	if !isSymbolChars(s) {
		return "", fmt.Errorf("%q: %w", native, ErrNotFound)
	}
	return s, nil
}

func (m identityMapper) ToNative(canonical string) (string, error) {
	return m.ToCanonical(canonical)
}

// separatorMapper rewrites BTCUSDT as BTC<sep>USDT.
type separatorMapper struct {
	sep string
}

func (m separatorMapper) ToCanonical(native string) (string, error) {
	parts := strings.Split(strings.ToUpper(strings.TrimSpace(native)), m.sep)
	if len(parts) != 2 || !isSymbolChars(parts[0]) || !isQuote(parts[1]) {
		return "", fmt.Errorf("%q: %w", native, ErrNotFound)
	}
	return parts[0] + parts[1], nil
}

func (m separatorMapper) ToNative(canonical string) (string, error) {
	base, quote, ok := splitQuote(strings.ToUpper(canonical))
	if !ok || !isSymbolChars(base) {
		return "", fmt.Errorf("%q: %w", canonical, ErrNotFound)
	}
	return base + m.sep + quote, nil
}

func isQuote(s string) bool {
	for _, q := range quoteAssets {
		if s == q {
			return true
		}
	}
	return false
}

// quoteMapper drops a fixed quote suffix: BTCUSDT <-> BTC.
type quoteMapper struct {
	quote string
}

func (m quoteMapper) ToCanonical(native string) (string, error) {
	base := strings.ToUpper(strings.TrimSpace(native))
	if !isSymbolChars(base) {
		return "", fmt.Errorf("%q: %w", native, ErrNotFound)
	}
	return base + m.quote, nil
}

func (m quoteMapper) ToNative(canonical string) (string, error) {
	canonical = strings.ToUpper(canonical)
	base := strings.TrimSuffix(canonical, m.quote)
	if base == canonical || !isSymbolChars(base) {
		return "", fmt.Errorf("%q: %w", canonical, ErrNotFound)
	}
	return base, nil
}

// tableMapper maps through an explicit table only.
type tableMapper struct {
	toNative    map[string]string
	toCanonical map[string]string
}

func newTableMapper(pairs map[string]string) tableMapper {
	m := tableMapper{
		toNative:    make(map[string]string, len(pairs)),
		toCanonical: make(map[string]string, len(pairs)),
	}
	for canonical, native := range pairs {
		canonical = strings.ToUpper(canonical)
		m.toNative[canonical] = native
		m.toCanonical[native] = canonical
	}
	return m
}

func (m tableMapper) ToCanonical(native string) (string, error) {
	if c, ok := m.toCanonical[native]; ok {
		return c, nil
	}
	return "", fmt.Errorf("%q: %w", native, ErrNotFound)
}

func (m tableMapper) ToNative(canonical string) (string, error) {
	if n, ok := m.toNative[strings.ToUpper(canonical)]; ok {
		return n, nil
	}
	return "", fmt.Errorf("%q: %w", canonical, ErrNotFound)
}

// finnhubMapper handles the exchange-prefixed identifiers Finnhub uses for
// forex (OANDA:EUR_USD) and crypto (BINANCE:BTCUSDT); stocks are unprefixed.
type finnhubMapper struct{}

func (finnhubMapper) ToCanonical(native string) (string, error) {
	native = strings.TrimSpace(native)
	exchange, sym, prefixed := strings.Cut(native, ":")
	if !prefixed {
		return identityMapper{}.ToCanonical(native)
	}
	switch exchange {
	case "OANDA":
		base, quote, ok := strings.Cut(sym, "_")
		if !ok || !isSymbolChars(base) || !isSymbolChars(quote) {
			break
		}
		return base + "/" + quote, nil
	case "BINANCE":
		if _, _, ok := splitQuote(sym); ok && isSymbolChars(sym) {
			return sym, nil
		}
	}
	return "", fmt.Errorf("%q: %w", native, ErrNotFound)
}

func (finnhubMapper) ToNative(canonical string) (string, error) {
	canonical = strings.ToUpper(strings.TrimSpace(canonical))
	if base, quote, ok := strings.Cut(canonical, "/"); ok {
		if !isSymbolChars(base) || !isSymbolChars(quote) {
			return "", fmt.Errorf("%q: %w", canonical, ErrNotFound)
		}
		return "OANDA:" + base + "_" + quote, nil
	}
	if base, quote, ok := splitQuote(canonical); ok && (quote == "USDT" || quote == "USDC") && isSymbolChars(base) {
		return "BINANCE:" + canonical, nil
	}
	return identityMapper{}.ToNative(canonical)
}

type overrideMapper struct {
	base        Mapper
	toNative    map[string]string
	toCanonical map[string]string
}

// WithOverrides layers explicit canonical -> native pairs over m.
func WithOverrides(m Mapper, pairs map[string]string) Mapper {
	t := newTableMapper(pairs)
	return overrideMapper{base: m, toNative: t.toNative, toCanonical: t.toCanonical}
}

func (m overrideMapper) ToCanonical(native string) (string, error) {
	if c, ok := m.toCanonical[native]; ok {
		return c, nil
	}
	return m.base.ToCanonical(native)
}

func (m overrideMapper) ToNative(canonical string) (string, error) {
	if n, ok := m.toNative[strings.ToUpper(canonical)]; ok {
		return n, nil
	}
	return m.base.ToNative(canonical)
}
