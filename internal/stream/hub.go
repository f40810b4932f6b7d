// Package stream maintains the single user-data websocket shared by all
// symbols, fans its events out to the per-symbol handlers, and covers
// outages with a REST polling fallback plus a trade reconciliation sweep
// on reconnect.
package stream

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/events"
)

const (
	healthInterval    = 5 * time.Second
	idleProbeAfter    = 60 * time.Second
	probeDeadline     = 5 * time.Second
	fallbackInterval  = 2 * time.Second
	keepAliveInterval = 20 * time.Minute
	requestTimeout    = 10 * time.Second
	reconcileLimit    = 1000
)

// keepAliveRetryDelays spaces the retries after a failed keepalive.
var keepAliveRetryDelays = []time.Duration{time.Minute, 2 * time.Minute, 4 * time.Minute}

// ExchangeAPI is the client surface the hub needs.
type ExchangeAPI interface {
	CreateListenKey(ctx context.Context) (string, error)
	KeepAliveListenKey(ctx context.Context, listenKey string) error
	CloseListenKey(ctx context.Context, listenKey string) error
	StreamURL(stream string) string
	GetAccountInfo(ctx context.Context) (*binance.AccountInfo, error)
	GetUserTrades(ctx context.Context, symbol string, startTime int64, limit int) ([]binance.UserTrade, error)
}

// Trade is a normalized fill. FromStream distinguishes live stream fills
// from ones recovered by REST polling or the reconciliation sweep.
type Trade struct {
	ID              int64
	OrderID         int64
	Symbol          string
	Side            binance.Side
	Price           decimal.Decimal
	Qty             decimal.Decimal
	Commission      decimal.Decimal
	CommissionAsset string
	RealizedPnL     decimal.Decimal
	Maker           bool
	Time            int64
	FromStream      bool
}

// Handler receives the hub's fan-out. Every event goes to every handler;
// handlers filter by their own symbol. Methods must return quickly: they
// run on the hub's read goroutine.
type Handler interface {
	Symbol() string
	OnAccountUpdate(ev *binance.AccountUpdateEvent)
	OnAccountSnapshot(info *binance.AccountInfo)
	OnOrderUpdate(ev *binance.OrderTradeUpdateEvent)
	OnTrade(tr Trade)
	OnDisconnect()
	OnReconnect()
}

// Hub owns the user-data stream connection and its recovery machinery.
type Hub struct {
	client    ExchangeAPI
	bus       *events.Bus
	logger    zerolog.Logger
	processed *ProcessedSet

	stop         chan struct{}
	runDone      chan struct{}
	healthDone   chan struct{}
	keepDone     chan struct{}
	fallbackDone chan struct{}

	mu              sync.RWMutex
	running         bool
	connected       bool
	fallbackActive  bool
	conn            *websocket.Conn
	listenKey       string
	handlers        []Handler
	lastMessage     time.Time
	lastTradeCheck  int64 // ms
	disconnectCount int
}

// NewHub creates a hub over the given client. The bus may be nil.
func NewHub(client ExchangeAPI, bus *events.Bus, logger zerolog.Logger) *Hub {
	return &Hub{
		client:       client,
		bus:          bus,
		logger:       logger.With().Str("component", "user_stream").Logger(),
		processed:    NewProcessedSet(DefaultProcessedCap),
		stop:         make(chan struct{}),
		runDone:      make(chan struct{}),
		healthDone:   make(chan struct{}),
		keepDone:     make(chan struct{}),
		fallbackDone: make(chan struct{}),
	}
}

// Register adds a handler. Must be called before Start.
func (h *Hub) Register(handler Handler) {
	h.mu.Lock()
	h.handlers = append(h.handlers, handler)
	h.mu.Unlock()
}

// Connected reports whether the stream is currently live.
func (h *Hub) Connected() bool {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.connected
}

// Processed exposes the trade-ID dedupe set shared with fill handling.
func (h *Hub) Processed() *ProcessedSet { return h.processed }

// Start obtains a listen key and launches the connection, health,
// keepalive and fallback loops. It fails when no key can be created.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.running {
		h.mu.Unlock()
		return nil
	}
	h.running = true
	h.lastTradeCheck = time.Now().UnixMilli()
	h.mu.Unlock()

	key, err := h.client.CreateListenKey(ctx)
	if err != nil {
		h.mu.Lock()
		h.running = false
		h.mu.Unlock()
		return err
	}
	h.mu.Lock()
	h.listenKey = key
	h.mu.Unlock()

	go h.run()
	go h.healthLoop()
	go h.keepAliveLoop()
	go h.fallbackLoop()

	h.logger.Info().Msg("user stream started")
	return nil
}

// Stop tears down the stream and closes the listen key.
func (h *Hub) Stop() {
	h.mu.Lock()
	if !h.running {
		h.mu.Unlock()
		return
	}
	h.running = false
	close(h.stop)
	if h.conn != nil {
		h.conn.Close()
	}
	key := h.listenKey
	h.mu.Unlock()

	<-h.runDone
	<-h.healthDone
	<-h.keepDone
	<-h.fallbackDone

	if key != "" {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		defer cancel()
		if err := h.client.CloseListenKey(ctx, key); err != nil {
			h.logger.Debug().Err(err).Msg("closing listen key")
		}
	}
	h.logger.Info().Msg("user stream stopped")
}

// run dials, reads until failure, and cycles with the reconnect backoff.
func (h *Hub) run() {
	defer close(h.runDone)

	for {
		select {
		case <-h.stop:
			return
		default:
		}

		key := h.ensureListenKey()
		if key == "" {
			if !h.wait(h.nextDelay()) {
				return
			}
			continue
		}

		conn, _, err := websocket.DefaultDialer.Dial(h.client.StreamURL(key), nil)
		if err != nil {
			h.logger.Warn().Err(err).Msg("user stream dial failed")
			h.enterOutage()
			if !h.wait(h.nextDelay()) {
				return
			}
			continue
		}

		conn.SetPongHandler(func(string) error {
			h.touch()
			return nil
		})

		h.mu.Lock()
		if !h.running {
			h.mu.Unlock()
			conn.Close()
			return
		}
		h.conn = conn
		h.connected = true
		h.lastMessage = time.Now()
		h.disconnectCount = 0
		wasDown := h.fallbackActive
		h.mu.Unlock()

		h.logger.Info().Msg("user stream connected")
		if wasDown {
			h.leaveOutage()
		}

		h.readLoop(conn)

		h.mu.Lock()
		h.conn = nil
		running := h.running
		h.mu.Unlock()
		conn.Close()
		if !running {
			return
		}

		h.enterOutage()
		if !h.wait(h.nextDelay()) {
			return
		}
	}
}

func (h *Hub) readLoop(conn *websocket.Conn) {
	for {
		_, message, err := conn.ReadMessage()
		if err != nil {
			if !websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				h.logger.Debug().Err(err).Msg("user stream read error")
			}
			return
		}
		h.handleMessage(message)
	}
}

func (h *Hub) handleMessage(message []byte) {
	h.touch()

	var header binance.StreamEventHeader
	if err := json.Unmarshal(message, &header); err != nil {
		h.logger.Warn().Err(err).Msg("unparseable user stream message")
		return
	}

	switch header.EventType {
	case binance.EventAccountUpdate:
		var ev binance.AccountUpdateEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			h.logger.Warn().Err(err).Msg("bad ACCOUNT_UPDATE payload")
			return
		}
		for _, handler := range h.snapshot() {
			handler.OnAccountUpdate(&ev)
		}

	case binance.EventOrderTradeUpdate:
		var ev binance.OrderTradeUpdateEvent
		if err := json.Unmarshal(message, &ev); err != nil {
			h.logger.Warn().Err(err).Msg("bad ORDER_TRADE_UPDATE payload")
			return
		}
		handlers := h.snapshot()
		for _, handler := range handlers {
			handler.OnOrderUpdate(&ev)
		}
		o := ev.Order
		if o.ExecutionType == "TRADE" && o.TradeID != 0 && h.processed.Add(o.TradeID) {
			tr := Trade{
				ID:              o.TradeID,
				OrderID:         o.OrderID,
				Symbol:          o.Symbol,
				Side:            o.Side,
				Price:           o.LastFilledPrice,
				Qty:             o.LastFilledQty,
				Commission:      o.Commission,
				CommissionAsset: o.CommissionAsset,
				RealizedPnL:     o.RealizedProfit,
				Maker:           o.IsMaker,
				Time:            o.OrderTradeTime,
				FromStream:      true,
			}
			for _, handler := range handlers {
				handler.OnTrade(tr)
			}
		}

	case binance.EventListenKeyExpired:
		h.logger.Warn().Msg("listen key expired, recycling connection")
		h.recycleConnection(true)

	case binance.EventMarginCall:
		h.logger.Warn().Msg("margin call received")

	default:
		h.logger.Debug().Str("event", header.EventType).Msg("unhandled user stream event")
	}
}

// healthLoop probes the socket. Silence alone is not failure: a probe is
// sent only after 60 s without traffic, and only a failed write counts
// as a disconnect.
func (h *Hub) healthLoop() {
	defer close(h.healthDone)

	ticker := time.NewTicker(healthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.mu.RLock()
			conn := h.conn
			connected := h.connected
			idle := time.Since(h.lastMessage)
			h.mu.RUnlock()

			if !connected || conn == nil || idle <= idleProbeAfter {
				continue
			}
			deadline := time.Now().Add(probeDeadline)
			if err := conn.WriteControl(websocket.PingMessage, []byte("hc"), deadline); err != nil {
				h.logger.Warn().Err(err).Dur("idle", idle).Msg("idle probe failed, forcing reconnect")
				conn.Close()
			}
		}
	}
}

// keepAliveLoop refreshes the listen key well inside the exchange's
// 25 minute expiry. After three failed rounds the key is abandoned and
// the reconnect path creates a fresh one.
func (h *Hub) keepAliveLoop() {
	defer close(h.keepDone)

	ticker := time.NewTicker(keepAliveInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.mu.RLock()
			key := h.listenKey
			h.mu.RUnlock()
			if key == "" {
				continue
			}

			var err error
			for attempt := 0; ; attempt++ {
				ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
				err = h.client.KeepAliveListenKey(ctx, key)
				cancel()
				if err == nil {
					break
				}
				if attempt >= len(keepAliveRetryDelays) {
					break
				}
				h.logger.Warn().Err(err).Int("attempt", attempt+1).Msg("listen key keepalive failed")
				if !h.wait(keepAliveRetryDelays[attempt]) {
					return
				}
			}
			if err != nil {
				h.logger.Error().Err(err).Msg("listen key keepalive exhausted, recycling connection")
				h.recycleConnection(true)
			}
		}
	}
}

// fallbackLoop polls account state and fills over REST while the stream
// is down, so positions and counters keep moving during an outage.
func (h *Hub) fallbackLoop() {
	defer close(h.fallbackDone)

	ticker := time.NewTicker(fallbackInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.stop:
			return
		case <-ticker.C:
			h.mu.RLock()
			active := h.fallbackActive
			h.mu.RUnlock()
			if !active {
				continue
			}

			ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
			info, err := h.client.GetAccountInfo(ctx)
			cancel()
			if err != nil {
				h.logger.Warn().Err(err).Msg("fallback account poll failed")
			} else {
				for _, handler := range h.snapshot() {
					handler.OnAccountSnapshot(info)
				}
			}
			h.sweepTrades(false)
		}
	}
}

// sweepTrades fetches fills since the last check for every handled
// symbol and ingests the ones the processed set has not seen.
func (h *Hub) sweepTrades(fromReconnect bool) {
	h.mu.RLock()
	since := h.lastTradeCheck
	h.mu.RUnlock()
	sweepStart := time.Now().UnixMilli()

	recovered := 0
	for _, symbol := range h.symbols() {
		ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
		trades, err := h.client.GetUserTrades(ctx, symbol, since, reconcileLimit)
		cancel()
		if err != nil {
			h.logger.Warn().Err(err).Str("symbol", symbol).Msg("trade sweep failed")
			continue
		}
		for _, ut := range trades {
			if !h.processed.Add(ut.ID) {
				continue
			}
			recovered++
			tr := Trade{
				ID:              ut.ID,
				OrderID:         ut.OrderID,
				Symbol:          ut.Symbol,
				Side:            ut.Side,
				Price:           ut.Price,
				Qty:             ut.Qty,
				Commission:      ut.Commission,
				CommissionAsset: ut.CommissionAsset,
				RealizedPnL:     ut.RealizedPnL,
				Maker:           ut.Maker,
				Time:            ut.Time,
				FromStream:      false,
			}
			for _, handler := range h.snapshot() {
				handler.OnTrade(tr)
			}
		}
	}

	h.mu.Lock()
	h.lastTradeCheck = sweepStart
	h.mu.Unlock()

	if fromReconnect || recovered > 0 {
		h.logger.Info().
			Int("recovered", recovered).
			Int64("since", since).
			Bool("reconnect_sweep", fromReconnect).
			Msg("trade sweep finished")
	}
}

// enterOutage flips to disconnected state once per outage.
func (h *Hub) enterOutage() {
	h.mu.Lock()
	if h.fallbackActive {
		h.mu.Unlock()
		return
	}
	h.connected = false
	h.fallbackActive = true
	h.mu.Unlock()

	h.logger.Warn().Msg("user stream disconnected, REST fallback active")
	h.event(events.UserStreamDisconnected, events.LevelWarn, "user stream disconnected")
	for _, handler := range h.snapshot() {
		handler.OnDisconnect()
	}
}

// leaveOutage runs the reconnect duties: fallback off, missed trades
// reconciled, handlers notified.
func (h *Hub) leaveOutage() {
	h.mu.Lock()
	h.fallbackActive = false
	h.mu.Unlock()

	h.sweepTrades(true)

	h.logger.Info().Msg("user stream reconnected, fallback off")
	h.event(events.UserStreamReconnected, events.LevelInfo, "user stream reconnected")
	for _, handler := range h.snapshot() {
		handler.OnReconnect()
	}
}

// recycleConnection drops the socket, optionally discarding the listen
// key so the reconnect path mints a fresh one.
func (h *Hub) recycleConnection(freshKey bool) {
	h.mu.Lock()
	if freshKey {
		h.listenKey = ""
	}
	conn := h.conn
	h.mu.Unlock()
	if conn != nil {
		conn.Close()
	}
}

func (h *Hub) ensureListenKey() string {
	h.mu.RLock()
	key := h.listenKey
	h.mu.RUnlock()
	if key != "" {
		return key
	}

	ctx, cancel := context.WithTimeout(context.Background(), requestTimeout)
	defer cancel()
	key, err := h.client.CreateListenKey(ctx)
	if err != nil {
		h.logger.Warn().Err(err).Msg("listen key creation failed")
		return ""
	}
	h.mu.Lock()
	h.listenKey = key
	h.mu.Unlock()
	return key
}

// nextDelay implements the reconnect backoff
// min(5 * (1 + n mod 5), 30) seconds.
func (h *Hub) nextDelay() time.Duration {
	h.mu.Lock()
	n := h.disconnectCount
	h.disconnectCount++
	h.mu.Unlock()

	secs := 5 * (1 + n%5)
	if secs > 30 {
		secs = 30
	}
	return time.Duration(secs) * time.Second
}

func (h *Hub) symbols() []string {
	seen := make(map[string]struct{})
	var out []string
	for _, handler := range h.snapshot() {
		s := handler.Symbol()
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	return out
}

func (h *Hub) snapshot() []Handler {
	h.mu.RLock()
	defer h.mu.RUnlock()
	out := make([]Handler, len(h.handlers))
	copy(out, h.handlers)
	return out
}

func (h *Hub) touch() {
	h.mu.Lock()
	h.lastMessage = time.Now()
	h.mu.Unlock()
}

func (h *Hub) event(name string, level events.Level, message string) {
	if h.bus == nil {
		return
	}
	h.bus.Publish(events.KindStatus, level, name, message, nil)
}

func (h *Hub) wait(d time.Duration) bool {
	select {
	case <-h.stop:
		return false
	case <-time.After(d):
		return true
	}
}
