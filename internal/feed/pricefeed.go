// Package feed carries live market data: one kline socket per
// (symbol, interval) stream and one book-ticker socket per tradable
// symbol. Feeds normalize exchange payloads into ticks and snapshots;
// they hold no trading state.
package feed

import (
	"encoding/json"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
)

// StreamURLer resolves a raw stream name to a websocket URL.
type StreamURLer interface {
	StreamURL(stream string) string
}

// Tick is one normalized kline event. When IsNewBar is true the bar
// fields describe a candle that just closed; otherwise they describe
// the in-progress candle. Price always carries the freshest trade
// price.
type Tick struct {
	Symbol    string
	Interval  string
	Timestamp int64 // event time, ms
	Price     decimal.Decimal

	BarTime      int64 // open time, ms
	BarCloseTime int64
	Open         decimal.Decimal
	High         decimal.Decimal
	Low          decimal.Decimal
	Close        decimal.Decimal
	Volume       decimal.Decimal

	IsNewBar bool
}

const (
	tickBuffer       = 512
	maxReconnectWait = 30 * time.Second
)

// PriceFeed streams klines for one (symbol, interval) and emits ticks.
// Bar-close ticks are never dropped; in-progress ticks may be shed when
// the consumer lags.
type PriceFeed struct {
	symbol   string
	interval string
	urls     StreamURLer
	logger   zerolog.Logger

	out  chan Tick
	stop chan struct{}
	done chan struct{}

	mu      sync.Mutex
	conn    *websocket.Conn
	running bool

	// reader goroutine state
	curOpen       int64
	cur           binance.KlineData
	closedEmitted int64

	droppedTicks atomic.Int64
	droppedLate  atomic.Int64
}

// NewPriceFeed creates a feed for one stream. Start must be called
// before ticks flow.
func NewPriceFeed(urls StreamURLer, symbol, interval string, logger zerolog.Logger) *PriceFeed {
	return &PriceFeed{
		symbol:   strings.ToUpper(symbol),
		interval: interval,
		urls:     urls,
		logger: logger.With().
			Str("component", "price_feed").
			Str("symbol", strings.ToUpper(symbol)).
			Str("interval", interval).
			Logger(),
		out:  make(chan Tick, tickBuffer),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Ticks returns the tick channel. It is closed after Stop once the
// reader has exited.
func (f *PriceFeed) Ticks() <-chan Tick { return f.out }

// Start opens the socket and begins the read loop. Calling Start twice
// is a no-op.
func (f *PriceFeed) Start() {
	f.mu.Lock()
	if f.running {
		f.mu.Unlock()
		return
	}
	f.running = true
	f.mu.Unlock()

	go f.run()
}

// Stop closes the socket and stops the feed.
func (f *PriceFeed) Stop() {
	f.mu.Lock()
	if !f.running {
		f.mu.Unlock()
		return
	}
	f.running = false
	close(f.stop)
	if f.conn != nil {
		f.conn.Close()
	}
	f.mu.Unlock()

	<-f.done
}

// Dropped reports how many in-progress ticks were shed to a slow
// consumer and how many late candles were discarded.
func (f *PriceFeed) Dropped() (ticks, late int64) {
	return f.droppedTicks.Load(), f.droppedLate.Load()
}

func (f *PriceFeed) run() {
	defer close(f.done)
	defer close(f.out)

	streamName := strings.ToLower(f.symbol) + "@kline_" + f.interval
	wsURL := f.urls.StreamURL(streamName)
	wait := time.Second

	for {
		select {
		case <-f.stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			f.logger.Warn().Err(err).Dur("retry_in", wait).Msg("kline stream connect failed")
			if !f.sleep(wait) {
				return
			}
			wait = minDuration(wait*2, maxReconnectWait)
			continue
		}

		f.mu.Lock()
		if !f.running {
			f.mu.Unlock()
			conn.Close()
			return
		}
		f.conn = conn
		f.mu.Unlock()

		f.logger.Info().Str("stream", streamName).Msg("kline stream connected")
		wait = time.Second

		f.readLoop(conn)

		f.mu.Lock()
		f.conn = nil
		running := f.running
		f.mu.Unlock()
		conn.Close()
		if !running {
			return
		}

		f.logger.Warn().Msg("kline stream lost, reconnecting")
		if !f.sleep(3 * time.Second) {
			return
		}
	}
}

func (f *PriceFeed) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				f.logger.Debug().Err(err).Msg("kline stream read error")
			}
			return
		}

		var ev binance.KlineEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			f.logger.Warn().Err(err).Msg("bad kline payload")
			continue
		}
		if ev.Kline.StartTime == 0 {
			continue
		}
		f.handle(&ev)
	}
}

// handle advances the current-bar state and emits ticks. At most one
// bar-close tick is emitted per open time, whether the close is seen
// via the final-kline flag or inferred from the next open time.
func (f *PriceFeed) handle(ev *binance.KlineEvent) {
	k := ev.Kline

	switch {
	case f.curOpen == 0:
		f.curOpen = k.StartTime
		f.cur = k
	case k.StartTime < f.curOpen:
		f.droppedLate.Add(1)
		f.logger.Debug().
			Int64("open_time", k.StartTime).
			Int64("current", f.curOpen).
			Msg("late candle dropped")
		return
	case k.StartTime == f.curOpen:
		f.cur = k
	default:
		if f.curOpen > f.closedEmitted {
			f.emitClosed(f.cur, ev.EventTime, k.Close)
		}
		f.curOpen = k.StartTime
		f.cur = k
	}

	if k.IsFinal && k.StartTime > f.closedEmitted {
		f.emitClosed(k, ev.EventTime, k.Close)
		return
	}
	f.emitLive(ev.EventTime)
}

func (f *PriceFeed) emitClosed(bar binance.KlineData, eventTime int64, price decimal.Decimal) {
	f.closedEmitted = bar.StartTime
	f.send(Tick{
		Symbol:       f.symbol,
		Interval:     f.interval,
		Timestamp:    eventTime,
		Price:        price,
		BarTime:      bar.StartTime,
		BarCloseTime: bar.CloseTime,
		Open:         bar.Open,
		High:         bar.High,
		Low:          bar.Low,
		Close:        bar.Close,
		Volume:       bar.Volume,
		IsNewBar:     true,
	})
}

func (f *PriceFeed) emitLive(eventTime int64) {
	f.send(Tick{
		Symbol:       f.symbol,
		Interval:     f.interval,
		Timestamp:    eventTime,
		Price:        f.cur.Close,
		BarTime:      f.cur.StartTime,
		BarCloseTime: f.cur.CloseTime,
		Open:         f.cur.Open,
		High:         f.cur.High,
		Low:          f.cur.Low,
		Close:        f.cur.Close,
		Volume:       f.cur.Volume,
		IsNewBar:     false,
	})
}

// send never blocks the reader. When the buffer is full an in-progress
// tick is dropped; for a bar-close tick the oldest queued tick is shed
// to make room instead.
func (f *PriceFeed) send(t Tick) {
	select {
	case f.out <- t:
		return
	default:
	}

	if !t.IsNewBar {
		if n := f.droppedTicks.Add(1); n%100 == 1 {
			f.logger.Warn().Int64("dropped", n).Msg("tick consumer lagging")
		}
		return
	}

	select {
	case <-f.out:
		f.droppedTicks.Add(1)
	default:
	}
	select {
	case f.out <- t:
	default:
	}
}

func (f *PriceFeed) sleep(d time.Duration) bool {
	return waitOrStop(f.stop, d)
}

func waitOrStop(stop <-chan struct{}, d time.Duration) bool {
	select {
	case <-stop:
		return false
	case <-time.After(d):
		return true
	}
}

func minDuration(a, b time.Duration) time.Duration {
	if a < b {
		return a
	}
	return b
}
