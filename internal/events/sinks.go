package events

import (
	"sync"

	"github.com/rs/zerolog"
)

// NewLogSink writes every event through the given logger, mapping event
// level to log level.
func NewLogSink(logger zerolog.Logger) Sink {
	l := logger.With().Str("component", "EventBus").Logger()
	return SinkFunc(func(e Event) {
		var ev *zerolog.Event
		switch e.Level {
		case LevelError:
			ev = l.Error()
		case LevelWarn:
			ev = l.Warn()
		default:
			ev = l.Info()
		}
		ev.Str("job_id", e.JobID).
			Str("kind", string(e.Kind)).
			Str("event", e.Name)
		if len(e.Payload) > 0 {
			ev.Interface("payload", e.Payload)
		}
		ev.Msg(e.Message)
	})
}

// Ring retains the most recent events for operator introspection.
type Ring struct {
	mu   sync.RWMutex
	buf  []Event
	next int
	full bool
}

// NewRing creates a ring holding up to capacity events.
func NewRing(capacity int) *Ring {
	if capacity <= 0 {
		capacity = 256
	}
	return &Ring{buf: make([]Event, capacity)}
}

// Handle stores the event, evicting the oldest once full.
func (r *Ring) Handle(e Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.buf[r.next] = e
	r.next = (r.next + 1) % len(r.buf)
	if r.next == 0 {
		r.full = true
	}
}

// Recent returns up to n events, newest first.
func (r *Ring) Recent(n int) []Event {
	r.mu.RLock()
	defer r.mu.RUnlock()

	size := r.next
	if r.full {
		size = len(r.buf)
	}
	if n <= 0 || n > size {
		n = size
	}

	out := make([]Event, 0, n)
	for i := 0; i < n; i++ {
		idx := (r.next - 1 - i + len(r.buf)) % len(r.buf)
		out = append(out, r.buf[idx])
	}
	return out
}

var _ Sink = (*Ring)(nil)
