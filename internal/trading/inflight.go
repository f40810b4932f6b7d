package trading

import (
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// inflightTimeout bounds how long an order call may sit in Placing
// before a newer call is allowed to steal the slot.
const inflightTimeout = 5 * time.Second

type inflightState int

const (
	inflightIdle inflightState = iota
	inflightPlacing
	inflightSettling
)

func (s inflightState) String() string {
	switch s {
	case inflightPlacing:
		return "placing"
	case inflightSettling:
		return "settling"
	default:
		return "idle"
	}
}

// inflight serializes order intents per symbol. One intent at a time
// moves Idle -> Placing -> Settling -> Idle; a concurrent intent is
// refused instead of queued. A Placing slot older than the timeout is
// treated as leaked and reclaimed, so a crashed call cannot wedge the
// symbol forever.
type inflight struct {
	mu        sync.Mutex
	state     inflightState
	startedAt time.Time
	orderID   int64
	timeout   time.Duration
	logger    zerolog.Logger
}

func newInflight(logger zerolog.Logger) *inflight {
	return &inflight{timeout: inflightTimeout, logger: logger}
}

// Acquire claims the slot for a new intent. It succeeds from Idle, or
// from a Placing state that has exceeded the timeout.
func (f *inflight) Acquire() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch f.state {
	case inflightIdle:
	case inflightPlacing:
		age := time.Since(f.startedAt)
		if age < f.timeout {
			return false
		}
		f.logger.Warn().
			Dur("age", age).
			Msg("order_inflight timeout, force releasing placing slot")
	default:
		return false
	}
	f.state = inflightPlacing
	f.startedAt = time.Now()
	f.orderID = 0
	return true
}

// Settle records the exchange order id once the order is acknowledged.
func (f *inflight) Settle(orderID int64) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == inflightPlacing {
		f.state = inflightSettling
		f.orderID = orderID
	}
}

// Reprice moves the slot back to Placing for the next chase attempt.
func (f *inflight) Reprice() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.state == inflightSettling {
		f.state = inflightPlacing
		f.startedAt = time.Now()
		f.orderID = 0
	}
}

// Release returns the slot to Idle.
func (f *inflight) Release() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.state = inflightIdle
	f.orderID = 0
}

// Snapshot returns the current state for status reporting.
func (f *inflight) Snapshot() (state string, orderID int64, since time.Time) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state.String(), f.orderID, f.startedAt
}
