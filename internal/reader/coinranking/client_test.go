package coinranking

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/internal/ratelimit"
)

func newServer(t *testing.T, searches *int32) *httptest.Server {
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-access-token"))
		switch r.URL.Path {
		case "/v2/coins":
			atomic.AddInt32(searches, 1)
			assert.Equal(t, "yhjMzLPhuIDl", r.URL.Query().Get("referenceCurrencyUuid"))
			_, _ = w.Write([]byte(`{"status":"success","data":{"coins":[{"uuid":"wrapped","symbol":"WBTC"},{"uuid":"Qwsogvtv82FCd","symbol":"BTC"}]}}`))
		case "/v2/coin/Qwsogvtv82FCd":
			_, _ = w.Write([]byte(`{"status":"success","data":{"coin":{"uuid":"Qwsogvtv82FCd","symbol":"BTC","price":"61000.5","change":"-1.2","24hVolume":"30000000000","marketCap":"1200000000000"}}}`))
		default:
			http.NotFound(w, r)
		}
	}))
}

func TestFetchQuoteResolvesAndCachesUUID(t *testing.T) {
	var searches int32
	srv := newServer(t, &searches)
	defer srv.Close()

	c := NewClient(srv.URL, "secret", "", srv.Client())
	for i := 0; i < 2; i++ {
		q, err := c.FetchQuote(context.Background(), "BTC")
		require.NoError(t, err)
		assert.Equal(t, "BTC", q.Native)
		assert.Equal(t, 61000.5, q.Price)
		require.NotNil(t, q.Change)
		assert.Equal(t, -1.2, *q.Change)
		require.NotNil(t, q.MarketCap)
		assert.Equal(t, 61000.5, *q.High)
	}
	assert.Equal(t, int32(1), atomic.LoadInt32(&searches))

	rng, err := c.FetchRange(context.Background(), "BTC", time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 61000.5, rng.High)
	assert.Equal(t, 61000.5, rng.Low)
}

func TestFetchPartialRound(t *testing.T) {
	var searches int32
	srv := newServer(t, &searches)
	defer srv.Close()

	c := NewClient(srv.URL, "secret", "", srv.Client())
	quotes, err := c.Fetch(context.Background(), []string{"BTC", "NOPE"})
	require.NoError(t, err)
	require.Len(t, quotes, 1)

	_, err = c.Fetch(context.Background(), []string{"NOPE"})
	require.Error(t, err)
}

func TestRateLimited(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	_, err := NewClient(srv.URL, "secret", "", srv.Client()).FetchRange(context.Background(), "BTC", time.Hour)
	require.ErrorIs(t, err, ratelimit.ErrRateLimited)
}
