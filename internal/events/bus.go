// Package events carries the engine's control-plane emissions: structured
// records for job lifecycle, order flow, risk decisions and operational
// logs. The bus fans out to registered sinks in emission order; sinks that
// do I/O buffer internally so a slow consumer cannot stall the engine.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Kind categorizes an event.
type Kind string

const (
	KindStatus Kind = "STATUS"
	KindOrder  Kind = "ORDER"
	KindRisk   Kind = "RISK"
	KindLog    Kind = "LOG"
)

// Level indicates event severity.
type Level string

const (
	LevelInfo  Level = "INFO"
	LevelWarn  Level = "WARN"
	LevelError Level = "ERROR"
)

// Event names emitted by the core.
const (
	JobStarted                 = "JOB_STARTED"
	JobStopped                 = "JOB_STOPPED"
	OrderPlaced                = "ORDER_PLACED"
	OrderFilled                = "ORDER_FILLED"
	OrderCanceled              = "ORDER_CANCELED"
	OrderRejectedRisk          = "ORDER_REJECTED_RISK"
	OrderRejectedMinNotional   = "ORDER_REJECTED_MIN_NOTIONAL"
	OrderRejectedMinQty        = "ORDER_REJECTED_MIN_QTY"
	OrderRejectedPrecision     = "ORDER_REJECTED_PRECISION"
	OrderRejectedCooldown      = "ORDER_REJECTED_STOPLOSS_COOLDOWN"
	OrderRejectedInflight      = "ORDER_REJECTED_INFLIGHT"
	OrderRejectedStopRequested = "ORDER_REJECTED_STOP_REQUESTED"
	ChaseAttempt               = "CHASE_ATTEMPT"
	ChaseFailed                = "CHASE_FAILED"
	StopLossCooldownStarted    = "STOPLOSS_COOLDOWN_STARTED"
	StopLossCooldownEnded      = "STOPLOSS_COOLDOWN_ENDED"
	UserStreamDisconnected     = "USER_STREAM_DISCONNECTED"
	UserStreamReconnected      = "USER_STREAM_RECONNECTED"
	LeverageSet                = "LEVERAGE_SET"
	LeverageSetSkipped         = "LEVERAGE_SET_SKIPPED"
	ExchangeInfoLoaded         = "EXCHANGE_INFO_LOADED"
	StrategyError              = "STRATEGY_ERROR"
	DailyReset                 = "DAILY_RESET"
)

// Event is one control-plane record.
type Event struct {
	JobID   string                 `json:"job_id"`
	TS      time.Time              `json:"ts"`
	Kind    Kind                   `json:"kind"`
	Name    string                 `json:"name"`
	Level   Level                  `json:"level"`
	Message string                 `json:"message"`
	Payload map[string]interface{} `json:"payload,omitempty"`
}

// Sink consumes events. Handle must return quickly; sinks doing I/O are
// expected to queue internally.
type Sink interface {
	Handle(Event)
}

// SinkFunc adapts a function to the Sink interface.
type SinkFunc func(Event)

// Handle calls f(e).
func (f SinkFunc) Handle(e Event) { f(e) }

const busBuffer = 1024

// Bus delivers events to sinks in emission order through a single
// dispatcher goroutine. Publish never blocks; when the buffer is full the
// event is dropped and counted.
type Bus struct {
	jobID string

	mu    sync.RWMutex
	sinks []Sink

	ch      chan Event
	done    chan struct{}
	dropped atomic.Int64

	closeOnce sync.Once
}

// NewBus creates a bus for one job and starts its dispatcher.
func NewBus(jobID string) *Bus {
	b := &Bus{
		jobID: jobID,
		ch:    make(chan Event, busBuffer),
		done:  make(chan struct{}),
	}
	go b.dispatch()
	return b
}

// AddSink registers a sink. Safe to call while the bus is running.
func (b *Bus) AddSink(s Sink) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.sinks = append(b.sinks, s)
}

// Publish enqueues an event, stamping job ID and timestamp.
func (b *Bus) Publish(kind Kind, level Level, name, message string, payload map[string]interface{}) {
	e := Event{
		JobID:   b.jobID,
		TS:      time.Now().UTC(),
		Kind:    kind,
		Name:    name,
		Level:   level,
		Message: message,
		Payload: payload,
	}
	select {
	case b.ch <- e:
	case <-b.done:
	default:
		b.dropped.Add(1)
	}
}

// Status publishes a STATUS event at Info.
func (b *Bus) Status(name, message string, payload map[string]interface{}) {
	b.Publish(KindStatus, LevelInfo, name, message, payload)
}

// Order publishes an ORDER event at Info.
func (b *Bus) Order(name, message string, payload map[string]interface{}) {
	b.Publish(KindOrder, LevelInfo, name, message, payload)
}

// Risk publishes a RISK event at Warn.
func (b *Bus) Risk(name, message string, payload map[string]interface{}) {
	b.Publish(KindRisk, LevelWarn, name, message, payload)
}

// Error publishes a LOG event at Error.
func (b *Bus) Error(name, message string, payload map[string]interface{}) {
	b.Publish(KindLog, LevelError, name, message, payload)
}

// Dropped returns how many events were lost to a full buffer.
func (b *Bus) Dropped() int64 { return b.dropped.Load() }

// Close stops the dispatcher after draining queued events.
func (b *Bus) Close() {
	b.closeOnce.Do(func() {
		close(b.done)
	})
}

func (b *Bus) dispatch() {
	for {
		select {
		case e := <-b.ch:
			b.deliver(e)
		case <-b.done:
			// Drain whatever is queued, then stop.
			for {
				select {
				case e := <-b.ch:
					b.deliver(e)
				default:
					return
				}
			}
		}
	}
}

func (b *Bus) deliver(e Event) {
	b.mu.RLock()
	sinks := b.sinks
	b.mu.RUnlock()
	for _, s := range sinks {
		s.Handle(e)
	}
}
