package writer

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"tickerflow/logger"
)

const (
	keyPrefix     = "ticker:"
	channelPrefix = "prices."
)

// RedisMirror keeps the latest tick per symbol under ticker:<SYMBOL> and
// publishes it on prices.<SYMBOL>.
type RedisMirror struct {
	client *redis.Client
	ttl    time.Duration
	log    *logger.Entry
}

// NewRedisMirror wraps client. A zero ttl keeps keys without expiry.
func NewRedisMirror(client *redis.Client, ttl time.Duration) *RedisMirror {
	return &RedisMirror{
		client: client,
		ttl:    ttl,
		log:    logger.GetLogger().WithComponent("redis_mirror"),
	}
}

// Publish writes the batch in one pipeline. Later ticks for a symbol
// overwrite earlier ones.
func (m *RedisMirror) Publish(ctx context.Context, batch AppliedBatch) {
	if len(batch.Ticks) == 0 {
		return
	}
	pipe := m.client.Pipeline()
	for _, t := range batch.Ticks {
		payload, err := json.Marshal(t)
		if err != nil {
			continue
		}
		pipe.Set(ctx, keyPrefix+t.Symbol, payload, m.ttl)
		pipe.Publish(ctx, channelPrefix+t.Symbol, payload)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		m.log.WithError(err).WithField("batch_id", batch.BatchID).Warn("failed to mirror batch to redis")
	}
}

// Latest returns the mirrored tick payloads for symbols, skipping misses.
func (m *RedisMirror) Latest(ctx context.Context, symbols []string) ([]string, error) {
	if len(symbols) == 0 {
		return nil, nil
	}
	keys := make([]string, len(symbols))
	for i, s := range symbols {
		keys[i] = keyPrefix + s
	}
	vals, err := m.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}
	var out []string
	for _, v := range vals {
		if s, ok := v.(string); ok && s != "" {
			out = append(out, s)
		}
	}
	return out, nil
}

func (m *RedisMirror) Close() error {
	return m.client.Close()
}
