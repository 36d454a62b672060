package orchestrator

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/internal/batcher"
	"tickerflow/internal/channel"
	"tickerflow/internal/directory"
	"tickerflow/internal/models"
	"tickerflow/internal/reader"
	"tickerflow/internal/reader/binance"
	"tickerflow/internal/store"
	"tickerflow/internal/symbols"
	"tickerflow/internal/writer"
)

func TestEndToEndStreamTickReachesStore(t *testing.T) {
	dirSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tickers", r.URL.Path)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`[{"symbol":"BTCUSDT","category":"Cryptocurrency"}]`))
	}))
	defer dirSrv.Close()

	upgrader := websocket.Upgrader{}
	streams := make(chan string, 1)
	wsSrv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		streams <- r.URL.Query().Get("streams")
		conn, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer conn.Close()
		_ = conn.WriteMessage(websocket.TextMessage,
			[]byte(`{"stream":"btcusdt@ticker","data":{"e":"24hrTicker","s":"BTCUSDT","c":"61000.50","P":"1.25"}}`))
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer wsSrv.Close()
	wsBase := "ws" + strings.TrimPrefix(wsSrv.URL, "http")

	st := store.NewMemory()
	ticks := channel.NewChannels(string(models.CategoryCryptocurrency), 16)
	b := batcher.New(writer.NewTickerWriter(st, nil), batcher.Options{
		Name:          string(models.CategoryCryptocurrency),
		FlushInterval: 20 * time.Millisecond,
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		b.Run(ctx, ticks.Ticks)
		close(done)
	}()

	factory := func(provider string, opts reader.Options) (Runner, error) {
		return reader.NewConnector(binance.NewStream(wsBase), opts), nil
	}
	sup := NewSupervisor(directory.NewClient(dirSrv.URL, time.Second, nil), factory, Options{
		Category:  models.CategoryCryptocurrency,
		Providers: []string{symbols.Binance},
		Emitter:   ticks,
	})
	require.NoError(t, sup.Start(ctx))

	require.Eventually(t, func() bool {
		rec, ok := st.Record("BTCUSDT")
		return ok && rec.Price == 61000.50
	}, 5*time.Second, 10*time.Millisecond)

	assert.Equal(t, "btcusdt@ticker", <-streams)
	rec, _ := st.Record("BTCUSDT")
	assert.Equal(t, "BTC to USDT", rec.Name)
	assert.Equal(t, models.CategoryCryptocurrency, rec.Category)

	cancel()
	sup.Wait()
	<-done
}
