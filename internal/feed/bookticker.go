package feed

import (
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
)

// Quote is the latest top of book for one symbol.
type Quote struct {
	BestBid   decimal.Decimal
	BestAsk   decimal.Decimal
	UpdatedAt time.Time
}

// BookTicker keeps the latest best bid and ask for one symbol. The
// router reads it when composing maker-safe limit prices and falls back
// to slippage pricing when the quote is stale.
type BookTicker struct {
	symbol string
	urls   StreamURLer
	logger zerolog.Logger

	stop chan struct{}
	done chan struct{}

	mu       sync.RWMutex
	conn     *websocket.Conn
	running  bool
	quote    Quote
	hasQuote bool
}

// NewBookTicker creates a book ticker feed for one symbol.
func NewBookTicker(urls StreamURLer, symbol string, logger zerolog.Logger) *BookTicker {
	return &BookTicker{
		symbol: strings.ToUpper(symbol),
		urls:   urls,
		logger: logger.With().
			Str("component", "book_ticker").
			Str("symbol", strings.ToUpper(symbol)).
			Logger(),
		stop: make(chan struct{}),
		done: make(chan struct{}),
	}
}

// Start opens the socket. Calling Start twice is a no-op.
func (b *BookTicker) Start() {
	b.mu.Lock()
	if b.running {
		b.mu.Unlock()
		return
	}
	b.running = true
	b.mu.Unlock()

	go b.run()
}

// Stop closes the socket.
func (b *BookTicker) Stop() {
	b.mu.Lock()
	if !b.running {
		b.mu.Unlock()
		return
	}
	b.running = false
	close(b.stop)
	if b.conn != nil {
		b.conn.Close()
	}
	b.mu.Unlock()

	<-b.done
}

// Quote returns the latest snapshot. ok is false before the first
// update arrives.
func (b *BookTicker) Quote() (Quote, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.quote, b.hasQuote
}

// Fresh returns the snapshot only when it is younger than maxAge.
func (b *BookTicker) Fresh(maxAge time.Duration) (Quote, bool) {
	q, ok := b.Quote()
	if !ok || time.Since(q.UpdatedAt) > maxAge {
		return Quote{}, false
	}
	return q, true
}

func (b *BookTicker) run() {
	defer close(b.done)

	streamName := strings.ToLower(b.symbol) + "@bookTicker"
	wsURL := b.urls.StreamURL(streamName)
	wait := time.Second

	for {
		select {
		case <-b.stop:
			return
		default:
		}

		conn, _, err := websocket.DefaultDialer.Dial(wsURL, nil)
		if err != nil {
			b.logger.Warn().Err(err).Dur("retry_in", wait).Msg("book ticker connect failed")
			if !waitOrStop(b.stop, wait) {
				return
			}
			wait = minDuration(wait*2, maxReconnectWait)
			continue
		}

		b.mu.Lock()
		if !b.running {
			b.mu.Unlock()
			conn.Close()
			return
		}
		b.conn = conn
		b.mu.Unlock()

		b.logger.Info().Str("stream", streamName).Msg("book ticker connected")
		wait = time.Second

		b.readLoop(conn)

		b.mu.Lock()
		b.conn = nil
		running := b.running
		b.mu.Unlock()
		conn.Close()
		if !running {
			return
		}

		if !waitOrStop(b.stop, 3*time.Second) {
			return
		}
	}
}

func (b *BookTicker) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			return
		}

		var ev binance.BookTickerEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			b.logger.Warn().Err(err).Msg("bad book ticker payload")
			continue
		}
		if ev.BidPrice.IsZero() && ev.AskPrice.IsZero() {
			continue
		}

		b.mu.Lock()
		b.quote = Quote{
			BestBid:   ev.BidPrice,
			BestAsk:   ev.AskPrice,
			UpdatedAt: time.Now(),
		}
		b.hasQuote = true
		b.mu.Unlock()
	}
}
