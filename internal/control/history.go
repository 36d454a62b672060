package control

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"
)

// recent is a fixed-size ring holding the newest values pushed into it.
type recent[T any] struct {
	mu   sync.Mutex
	ring []T
	head int
	size int
}

func newRecent[T any](capacity int) *recent[T] {
	if capacity <= 0 {
		capacity = defaultHistory
	}
	return &recent[T]{ring: make([]T, capacity)}
}

func (r *recent[T]) push(v T) {
	r.mu.Lock()
	r.ring[r.head] = v
	r.head = (r.head + 1) % len(r.ring)
	if r.size < len(r.ring) {
		r.size++
	}
	r.mu.Unlock()
}

// list returns the retained values oldest first.
func (r *recent[T]) list() []T {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]T, 0, r.size)
	start := (r.head - r.size + len(r.ring)) % len(r.ring)
	for i := 0; i < r.size; i++ {
		out = append(out, r.ring[(start+i)%len(r.ring)])
	}
	return out
}

type logLine struct {
	At        time.Time      `json:"at"`
	Level     string         `json:"level"`
	Component string         `json:"component,omitempty"`
	Message   string         `json:"message"`
	Fields    map[string]any `json:"fields,omitempty"`
}

// logFeed is a logrus hook exposing recent warnings and errors, such as
// unmapped symbols and failed batches, on /api/logs.
type logFeed struct {
	lines    *recent[logLine]
	detached atomic.Bool
}

func newLogFeed(capacity int) *logFeed {
	return &logFeed{lines: newRecent[logLine](capacity)}
}

func (f *logFeed) Levels() []logrus.Level {
	return logrus.AllLevels[:logrus.WarnLevel+1]
}

func (f *logFeed) Fire(entry *logrus.Entry) error {
	if f.detached.Load() {
		return nil
	}
	line := logLine{At: entry.Time, Level: entry.Level.String(), Message: entry.Message}
	for k, v := range entry.Data {
		if k == "component" {
			line.Component, _ = v.(string)
			continue
		}
		if line.Fields == nil {
			line.Fields = make(map[string]any, len(entry.Data))
		}
		line.Fields[k] = printable(v)
	}
	f.lines.push(line)
	return nil
}

// detach stops recording. logrus offers no way to remove a hook.
func (f *logFeed) detach() {
	f.detached.Store(true)
}

func printable(v any) any {
	switch val := v.(type) {
	case error:
		return val.Error()
	case fmt.Stringer:
		return val.String()
	}
	return v
}
