package reader

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"tickerflow/internal/models"
)

// Quote is one provider-native observation before symbol normalization.
// Optional fields stay nil when the payload does not carry them.
type Quote struct {
	Native    string
	Price     float64
	Change    *float64
	Volume    *float64
	High      *float64
	Low       *float64
	MarketCap *float64
}

// Emitter accepts normalized ticks. Send must not block.
type Emitter interface {
	Send(ctx context.Context, tick models.Tick) bool
}

// StreamAdapter supplies the provider-specific parts of a streaming feed.
type StreamAdapter interface {
	Provider() string
	// Endpoint returns the URL and headers to dial for the given native symbols.
	Endpoint(natives []string) (string, http.Header, error)
	// Handshake authenticates a fresh connection. It returns an error wrapping
	// ErrAuthRejected when the provider explicitly refuses the credentials.
	// Adapters without authentication return nil immediately.
	Handshake(ctx context.Context, conn *websocket.Conn) error
	// Subscriptions returns the requests to write after the handshake.
	Subscriptions(natives []string) []any
	// Parse extracts quotes from one message. Irrelevant messages yield no
	// quotes and no error; malformed tick payloads yield an error.
	Parse(raw []byte) ([]Quote, error)
}

// Pinger is implemented by adapters that need an application-level keepalive
// instead of websocket ping frames.
type Pinger interface {
	Ping(conn *websocket.Conn) error
}

// Replier is implemented by adapters that must answer some server messages,
// such as application-level pings, on the same connection.
type Replier interface {
	Reply(raw []byte) any
}

// PollAdapter supplies one fetch round for a polling feed.
type PollAdapter interface {
	Provider() string
	Fetch(ctx context.Context, natives []string) ([]Quote, error)
}

// QuoteFetcher returns a single latest quote over REST.
type QuoteFetcher interface {
	Provider() string
	FetchQuote(ctx context.Context, native string) (Quote, error)
}

// RangeFetcher returns the high and low of the most recent completed candle
// of the given interval.
type RangeFetcher interface {
	Provider() string
	FetchRange(ctx context.Context, native string, interval time.Duration) (models.Range, error)
}
