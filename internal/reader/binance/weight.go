package binance

import (
	"net/http"
	"strconv"

	"tickerflow/internal/metrics"
	"tickerflow/logger"
)

var weightHeaders = []struct {
	key    string
	window string
}{
	{"X-MBX-USED-WEIGHT-1M", "1m"},
	{"X-MBX-USED-WEIGHT", "1m"},
	{"X-MBX-USED-WEIGHT-1S", "1s"},
}

// weightTransport reports the request weight Binance says this IP has used.
type weightTransport struct {
	base http.RoundTripper
	log  *logger.Log
}

func (t weightTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	base := t.base
	if base == nil {
		base = http.DefaultTransport
	}
	resp, err := base.RoundTrip(req)
	if err == nil {
		reportUsedWeight(t.log, resp, req.URL.Query().Get("symbol"))
	}
	return resp, err
}

// WithWeightReporting emits a used_weight gauge for every REST response.
func (r *REST) WithWeightReporting(log *logger.Log) *REST {
	if log == nil {
		return r
	}
	hc := *r.client.HTTPClient
	hc.Transport = weightTransport{base: hc.Transport, log: log}
	r.client.HTTPClient = &hc
	return r
}

// reportUsedWeight returns the parsed weight and whether a gauge was emitted.
func reportUsedWeight(log *logger.Log, resp *http.Response, symbol string) (float64, bool) {
	if log == nil || resp == nil {
		return 0, false
	}
	for _, h := range weightHeaders {
		value := resp.Header.Get(h.key)
		if value == "" {
			continue
		}
		used, err := strconv.ParseFloat(value, 64)
		if err != nil {
			log.WithComponent("binance_rest").WithFields(logger.Fields{
				"symbol": symbol,
				"header": h.key,
				"value":  value,
			}).WithError(err).Debug("failed to parse used weight header")
			continue
		}
		metrics.Emit(log, metrics.Event{
			Component: "binance_rest",
			Name:      "used_weight",
			Value:     used,
			Kind:      metrics.Gauge,
			Labels: logger.Fields{
				"provider": "binance",
				"symbol":   symbol,
				"window":   h.window,
			},
		})
		return used, true
	}
	return 0, false
}
