package writer

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	kafka "github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tickerflow/internal/models"
	"tickerflow/internal/store"
	"tickerflow/internal/symbols"
)

type captureMirror struct {
	batches []AppliedBatch
}

func (m *captureMirror) Publish(_ context.Context, b AppliedBatch) {
	m.batches = append(m.batches, b)
}

func crypto(symbol string, price float64) models.Tick {
	return models.Tick{Symbol: symbol, Price: price, Category: models.CategoryCryptocurrency, Source: symbols.Binance, ObservedAt: time.Now()}
}

func TestApplyBatchInsertsWithDefaultsAndLastWriteWins(t *testing.T) {
	st := store.NewMemory()
	mirror := &captureMirror{}
	w := NewTickerWriter(st, nil, mirror)

	res := w.ApplyBatch(context.Background(), []models.Tick{crypto("BTCUSDT", 60000), crypto("BTCUSDT", 61000.5)})
	assert.Equal(t, models.BatchResult{Applied: 2}, res)

	rec, ok := st.Record("BTCUSDT")
	require.True(t, ok)
	assert.Equal(t, 61000.5, rec.Price)
	assert.Equal(t, "BTC to USDT", rec.Name)
	assert.Equal(t, "", rec.Description)
	require.Len(t, mirror.batches, 1)
	assert.NotEmpty(t, mirror.batches[0].BatchID)
}

func TestApplyBatchFailureDropsBatch(t *testing.T) {
	st := store.NewMemory()
	st.FailWith(errors.New("connection refused"))
	mirror := &captureMirror{}
	w := NewTickerWriter(st, nil, mirror)

	res := w.ApplyBatch(context.Background(), []models.Tick{crypto("BTCUSDT", 1), crypto("ETHUSDT", 2)})
	assert.Equal(t, models.BatchResult{Failed: 2}, res)
	assert.Empty(t, mirror.batches)

	st.FailWith(nil)
	res = w.ApplyBatch(context.Background(), []models.Tick{crypto("ETHUSDT", 3)})
	assert.Equal(t, 1, res.Applied)
	_, ok := st.Record("BTCUSDT")
	assert.False(t, ok, "failed batch must not be retried")
}

func TestRequireExistingPolicy(t *testing.T) {
	st := store.NewMemory()
	st.Seed(models.TickerRecord{Symbol: "BTCUSDT", Price: 1})
	w := NewTickerWriter(st, nil)
	w.SetPolicy(symbols.Kraken, Policy{RequireExisting: true})

	btc, eth := crypto("BTCUSDT", 2), crypto("ETHUSDT", 3)
	btc.Source, eth.Source = symbols.Kraken, symbols.Kraken
	res := w.ApplyBatch(context.Background(), []models.Tick{btc, eth})
	assert.Equal(t, 1, res.Applied)
	assert.Equal(t, 0, res.Failed)
	_, ok := st.Record("ETHUSDT")
	assert.False(t, ok)
}

func TestDeriveChangeForStocks(t *testing.T) {
	st := store.NewMemory()
	st.Seed(models.TickerRecord{Symbol: "AAPL", Price: 180})
	w := NewTickerWriter(st, nil)
	w.SetPolicy(symbols.Alpaca, Policy{DeriveChange: true})

	stock := func(sym string, p float64) models.Tick {
		return models.Tick{Symbol: sym, Price: p, Category: models.CategoryStock, Source: symbols.Alpaca}
	}
	w.ApplyBatch(context.Background(), []models.Tick{stock("AAPL", 182), stock("AAPL", 185), stock("MSFT", 400)})

	aapl, _ := st.Record("AAPL")
	assert.Equal(t, 185.0, aapl.Price)
	assert.Equal(t, 3.0, aapl.Change)

	msft, ok := st.Record("MSFT")
	require.True(t, ok)
	assert.Equal(t, 0.0, msft.Change)
	assert.Equal(t, "Unknown", msft.Name)
	assert.True(t, msft.IsOpen)
}

func TestDeriveChangeForFinnhubStocksOnly(t *testing.T) {
	st := store.NewMemory()
	st.Seed(
		models.TickerRecord{Symbol: "AAPL", Price: 100, Change: 1, Category: models.CategoryStock},
		models.TickerRecord{Symbol: "EUR/USD", Price: 1.08, Change: 0.5, Category: models.CategoryForex},
	)
	w := NewTickerWriter(st, nil)
	w.SetPolicy(symbols.Alpaca, Policy{DeriveChange: true})

	w.ApplyBatch(context.Background(), []models.Tick{
		{Symbol: "AAPL", Price: 110, Category: models.CategoryStock, Source: symbols.Finnhub},
		{Symbol: "EUR/USD", Price: 1.09, Category: models.CategoryForex, Source: symbols.Finnhub},
	})

	aapl, _ := st.Record("AAPL")
	assert.Equal(t, 10.0, aapl.Change)
	eur, _ := st.Record("EUR/USD")
	assert.Equal(t, 0.5, eur.Change, "forex change is not derived")
}

func TestMirrorsOnlySeePersistedTicks(t *testing.T) {
	st := store.NewMemory()
	st.Seed(models.TickerRecord{Symbol: "ETHUSDT", Price: 1})
	mirror := &captureMirror{}
	w := NewTickerWriter(st, nil, mirror)
	w.SetPolicy(symbols.Kraken, Policy{RequireExisting: true})

	btc, eth := crypto("BTCUSDT", 61000), crypto("ETHUSDT", 3000)
	btc.Source, eth.Source = symbols.Kraken, symbols.Kraken

	res := w.ApplyBatch(context.Background(), []models.Tick{btc})
	assert.Equal(t, 0, res.Applied)
	assert.Empty(t, mirror.batches, "nothing stored, nothing mirrored")

	res = w.ApplyBatch(context.Background(), []models.Tick{btc, eth})
	assert.Equal(t, 1, res.Applied)
	require.Len(t, mirror.batches, 1)
	require.Len(t, mirror.batches[0].Ticks, 1)
	assert.Equal(t, "ETHUSDT", mirror.batches[0].Ticks[0].Symbol)
}

func TestInsertDefaults(t *testing.T) {
	assert.Equal(t, "ETH to USDT", InsertDefaults("ETHUSDT", models.CategoryCryptocurrency).Name)
	assert.Equal(t, "EUR/USD", InsertDefaults("EUR/USD", models.CategoryForex).Name)
	assert.Equal(t, models.CategoryOther, InsertDefaults("X", "").Category)
}

func TestRedisMirror(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	m := NewRedisMirror(client, time.Minute)
	defer m.Close()

	ctx := context.Background()
	sub := client.Subscribe(ctx, "prices.BTCUSDT")
	defer sub.Close()
	_, err := sub.Receive(ctx)
	require.NoError(t, err)

	m.Publish(ctx, AppliedBatch{BatchID: "b1", Ticks: []models.Tick{crypto("BTCUSDT", 1), crypto("BTCUSDT", 2)}})

	latest, err := m.Latest(ctx, []string{"BTCUSDT", "ETHUSDT"})
	require.NoError(t, err)
	require.Len(t, latest, 1)
	var got models.Tick
	require.NoError(t, json.Unmarshal([]byte(latest[0]), &got))
	assert.Equal(t, 2.0, got.Price)
	assert.True(t, mr.TTL("ticker:BTCUSDT") > 0)

	select {
	case msg := <-sub.Channel():
		assert.Equal(t, "prices.BTCUSDT", msg.Channel)
	case <-time.After(time.Second):
		t.Fatal("no price published")
	}
}

type fakeKafka struct {
	mu   sync.Mutex
	msgs []kafka.Message
	got  chan struct{}
}

func (f *fakeKafka) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	f.msgs = append(f.msgs, msgs...)
	f.mu.Unlock()
	f.got <- struct{}{}
	return nil
}

func (f *fakeKafka) Close() error { return nil }

func TestKafkaWriterKeysBySymbol(t *testing.T) {
	fake := &fakeKafka{got: make(chan struct{}, 1)}
	kw := newKafkaWriter(fake, "ticks", 4)
	ctx, cancel := context.WithCancel(context.Background())
	require.NoError(t, kw.Start(ctx))
	require.Error(t, kw.Start(ctx))

	kw.Publish(ctx, AppliedBatch{BatchID: "b1", Ticks: []models.Tick{crypto("BTCUSDT", 1), crypto("ETHUSDT", 2)}})
	select {
	case <-fake.got:
	case <-time.After(time.Second):
		t.Fatal("batch not written")
	}
	cancel()
	kw.Stop()

	fake.mu.Lock()
	defer fake.mu.Unlock()
	require.Len(t, fake.msgs, 2)
	assert.Equal(t, "BTCUSDT", string(fake.msgs[0].Key))
	assert.Equal(t, "b1", string(fake.msgs[0].Headers[0].Value))
}

func TestNewKafkaWriterValidation(t *testing.T) {
	_, err := NewKafkaWriter(nil, "ticks", 0)
	require.Error(t, err)
	_, err = NewKafkaWriter([]string{"localhost:9092"}, "", 0)
	require.Error(t, err)
}
