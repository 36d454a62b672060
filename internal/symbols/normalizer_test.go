package symbols

import (
	"errors"
	"testing"
)

func TestNormalizerRoundTrip(t *testing.T) {
	n := Default(nil)
	cases := map[string][]string{
		Binance:     {"BTCUSDT", "ETHUSDT", "SOLUSDC"},
		OKX:         {"BTCUSDT", "ETHUSDT", "ETHBTC"},
		Kraken:      {"BTCUSDT", "ETHUSDT", "DOGEUSDT"},
		CexIO:       {"BTCUSDT", "XRPUSD"},
		Coinranking: {"BTCUSDT", "ETHUSDT"},
		Alpaca:      {"AAPL", "BRK.B"},
		Finnhub:     {"AAPL", "EUR/USD", "BTCUSDT"},
	}
	for provider, symbols := range cases {
		for _, s := range symbols {
			native, err := n.ToNative(provider, s)
			if err != nil {
				t.Fatalf("%s ToNative(%s): %v", provider, s, err)
			}
			back, err := n.ToCanonical(provider, native)
			if err != nil {
				t.Fatalf("%s ToCanonical(%s): %v", provider, native, err)
			}
			if back != s {
				t.Errorf("%s round trip %s -> %s -> %s", provider, s, native, back)
			}
		}
	}
}

func TestNativeForms(t *testing.T) {
	n := Default(nil)
	cases := []struct {
		provider, canonical, native string
	}{
		{Kraken, "BTCUSDT", "XBT/USD"},
		{OKX, "BTCUSDT", "BTC-USDT"},
		{CexIO, "ETHUSDT", "ETH:USDT"},
		{Coinranking, "BTCUSDT", "BTC"},
		{Finnhub, "EUR/USD", "OANDA:EUR_USD"},
		{Finnhub, "BTCUSDT", "BINANCE:BTCUSDT"},
	}
	for _, c := range cases {
		got, err := n.ToNative(c.provider, c.canonical)
		if err != nil {
			t.Fatalf("%s ToNative(%s): %v", c.provider, c.canonical, err)
		}
		if got != c.native {
			t.Errorf("%s ToNative(%s) = %s, want %s", c.provider, c.canonical, got, c.native)
		}
	}
}

func TestUnmappedSymbolsAreNotGuessed(t *testing.T) {
	n := Default(nil)
	cases := []struct {
		provider, native string
	}{
		{Kraken, "PEPE/USD"},
		{OKX, "BTCUSDT"},
		{OKX, "BTC-USDT-SWAP"},
		{CexIO, "BTC/USDT"},
		{Finnhub, "FXCM:EUR/USD"},
		{"unknown", "BTCUSDT"},
	}
	for _, c := range cases {
		if _, err := n.ToCanonical(c.provider, c.native); !errors.Is(err, ErrNotFound) {
			t.Errorf("%s ToCanonical(%s) err = %v, want ErrNotFound", c.provider, c.native, err)
		}
	}
}

func TestOverrides(t *testing.T) {
	n := Default(map[string]map[string]string{
		Kraken: {"pepeusdt": "PEPE/USD"},
	})
	native, err := n.ToNative(Kraken, "PEPEUSDT")
	if err != nil || native != "PEPE/USD" {
		t.Fatalf("ToNative = %q, %v", native, err)
	}
	canonical, err := n.ToCanonical(Kraken, "PEPE/USD")
	if err != nil || canonical != "PEPEUSDT" {
		t.Fatalf("ToCanonical = %q, %v", canonical, err)
	}
	if _, err := n.ToNative(Kraken, "BTCUSDT"); err != nil {
		t.Fatalf("built-in pair lost after override: %v", err)
	}
}

func TestNativeSet(t *testing.T) {
	n := Default(nil)
	natives, unmapped := n.NativeSet(Kraken, []string{"BTCUSDT", "PEPEUSDT"})
	if len(natives) != 1 || natives[0] != "XBT/USD" {
		t.Fatalf("natives = %v", natives)
	}
	if len(unmapped) != 1 || unmapped[0] != "PEPEUSDT" {
		t.Fatalf("unmapped = %v", unmapped)
	}
}
