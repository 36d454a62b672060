package channel

import (
	"context"
	"testing"
	"time"

	"tickerflow/internal/models"
)

func TestSendDropsWhenFull(t *testing.T) {
	c := NewChannels("Cryptocurrency", 2)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		c.Send(ctx, models.Tick{Symbol: "BTCUSDT", Price: float64(i)})
	}

	stats := c.GetStats()
	if stats.Sent != 2 || stats.Dropped != 1 {
		t.Fatalf("stats = %+v, want 2 sent 1 dropped", stats)
	}
	if first := <-c.Ticks; first.Price != 0 {
		t.Fatalf("oldest tick was replaced: %+v", first)
	}
}

func TestSendAfterCancel(t *testing.T) {
	c := NewChannels("Stock", 1)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if c.Send(ctx, models.Tick{Symbol: "AAPL"}) {
		t.Fatalf("send succeeded on cancelled context")
	}
}

func TestCloseIsIdempotent(t *testing.T) {
	c := NewChannels("Forex", 1)
	ctx, cancel := context.WithCancel(context.Background())
	c.StartMetricsReporting(ctx, 5*time.Millisecond)
	time.Sleep(10 * time.Millisecond)
	cancel()
	c.Close()
	c.Close()
	if _, ok := <-c.Ticks; ok {
		t.Fatalf("channel still open")
	}
}
