package reader

import (
	"errors"
	"time"

	"tickerflow/internal/models"
)

// ErrAuthRejected is returned by a handshake when the provider explicitly
// refuses the credentials. It moves the connector to StateFatal.
var ErrAuthRejected = errors.New("authentication rejected")

// ErrNoSymbols is returned when none of the tracked instruments can be mapped
// to the provider.
var ErrNoSymbols = errors.New("no mappable symbols for provider")

// State is the lifecycle position of one feed connector.
type State int32

const (
	StateDisconnected State = iota
	StateConnecting
	StateHandshaking
	StateSubscribed
	StateFatal
)

func (s State) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateHandshaking:
		return "handshaking"
	case StateSubscribed:
		return "subscribed"
	case StateFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// Event reports a state transition. Failures counts consecutive attempts
// that ended without reaching StateSubscribed.
type Event struct {
	Category models.Category
	Provider string
	State    State
	Failures int
	Delay    time.Duration
	Err      error
	At       time.Time
}

// Observer receives every transition of a connector. It is called from the
// connector goroutine and must not block.
type Observer func(Event)
