package stream

import (
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/events"
)

type fakeAPI struct {
	mu         sync.Mutex
	wsBase     string
	keyCount   int
	keepalives int
	closedKeys []string
	trades     map[string][]binance.UserTrade
	account    *binance.AccountInfo
}

func (f *fakeAPI) CreateListenKey(ctx context.Context) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keyCount++
	return fmt.Sprintf("key-%d", f.keyCount), nil
}

func (f *fakeAPI) KeepAliveListenKey(ctx context.Context, listenKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.keepalives++
	return nil
}

func (f *fakeAPI) CloseListenKey(ctx context.Context, listenKey string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closedKeys = append(f.closedKeys, listenKey)
	return nil
}

func (f *fakeAPI) StreamURL(stream string) string {
	return f.wsBase + "/ws/" + stream
}

func (f *fakeAPI) GetAccountInfo(ctx context.Context) (*binance.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.account == nil {
		return &binance.AccountInfo{}, nil
	}
	return f.account, nil
}

func (f *fakeAPI) GetUserTrades(ctx context.Context, symbol string, startTime int64, limit int) ([]binance.UserTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.trades[symbol], nil
}

func (f *fakeAPI) keys() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.keyCount
}

type recHandler struct {
	mu           sync.Mutex
	symbol       string
	orderUpdates int
	trades       []Trade
	disconnects  int
	reconnects   int
}

func (r *recHandler) Symbol() string { return r.symbol }

func (r *recHandler) OnAccountUpdate(ev *binance.AccountUpdateEvent) {}

func (r *recHandler) OnAccountSnapshot(info *binance.AccountInfo) {}

func (r *recHandler) OnOrderUpdate(ev *binance.OrderTradeUpdateEvent) {
	r.mu.Lock()
	r.orderUpdates++
	r.mu.Unlock()
}

func (r *recHandler) OnTrade(tr Trade) {
	r.mu.Lock()
	r.trades = append(r.trades, tr)
	r.mu.Unlock()
}

func (r *recHandler) OnDisconnect() {
	r.mu.Lock()
	r.disconnects++
	r.mu.Unlock()
}

func (r *recHandler) OnReconnect() {
	r.mu.Lock()
	r.reconnects++
	r.mu.Unlock()
}

func (r *recHandler) counts() (orders, trades int) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.orderUpdates, len(r.trades)
}

func newStreamServer(t *testing.T) (*httptest.Server, chan *websocket.Conn) {
	t.Helper()
	up := websocket.Upgrader{}
	conns := make(chan *websocket.Conn, 4)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := up.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		conns <- conn
	}))
	t.Cleanup(srv.Close)
	return srv, conns
}

func waitCond(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func orderTradeMsg(symbol string, tradeID int64, execType string) binance.OrderTradeUpdateEvent {
	return binance.OrderTradeUpdateEvent{
		EventType: binance.EventOrderTradeUpdate,
		EventTime: time.Now().UnixMilli(),
		Order: binance.OrderUpdateData{
			Symbol:          symbol,
			Side:            binance.SideBuy,
			OrderID:         9000 + tradeID,
			ExecutionType:   execType,
			OrderStatus:     binance.OrderStatusFilled,
			TradeID:         tradeID,
			LastFilledQty:   decimal.RequireFromString("0.5"),
			LastFilledPrice: decimal.RequireFromString("42000"),
		},
	}
}

func TestHubFanOutAndTradeDedupe(t *testing.T) {
	srv, conns := newStreamServer(t)
	api := &fakeAPI{wsBase: "ws" + strings.TrimPrefix(srv.URL, "http")}

	hub := NewHub(api, nil, zerolog.Nop())
	btc := &recHandler{symbol: "BTCUSDT"}
	eth := &recHandler{symbol: "ETHUSDT"}
	hub.Register(btc)
	hub.Register(eth)

	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer hub.Stop()

	var conn *websocket.Conn
	select {
	case conn = <-conns:
	case <-time.After(2 * time.Second):
		t.Fatal("hub never connected")
	}
	defer conn.Close()

	conn.WriteJSON(orderTradeMsg("BTCUSDT", 500, "TRADE"))
	waitCond(t, "first trade", func() bool {
		_, n := btc.counts()
		return n == 1
	})

	// Fan-out goes to every handler; filtering is the handler's job.
	if _, n := eth.counts(); n != 1 {
		t.Errorf("eth handler trades = %d, want 1 (fan-out delivers to all)", n)
	}

	// Same trade ID again: order update flows, the fill does not.
	conn.WriteJSON(orderTradeMsg("BTCUSDT", 500, "TRADE"))
	waitCond(t, "second order update", func() bool {
		o, _ := btc.counts()
		return o == 2
	})
	if _, n := btc.counts(); n != 1 {
		t.Errorf("duplicate trade ingested, trades = %d", n)
	}

	// Non-trade execution types never produce fills.
	conn.WriteJSON(orderTradeMsg("BTCUSDT", 0, "NEW"))
	waitCond(t, "third order update", func() bool {
		o, _ := btc.counts()
		return o == 3
	})
	if _, n := btc.counts(); n != 1 {
		t.Errorf("NEW execution produced a fill, trades = %d", n)
	}

	if !hub.Connected() {
		t.Error("hub not marked connected")
	}
}

func TestHubStopClosesListenKey(t *testing.T) {
	srv, conns := newStreamServer(t)
	api := &fakeAPI{wsBase: "ws" + strings.TrimPrefix(srv.URL, "http")}

	hub := NewHub(api, nil, zerolog.Nop())
	if err := hub.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}
	select {
	case conn := <-conns:
		defer conn.Close()
	case <-time.After(2 * time.Second):
		t.Fatal("hub never connected")
	}

	hub.Stop()

	api.mu.Lock()
	defer api.mu.Unlock()
	if len(api.closedKeys) != 1 || api.closedKeys[0] != "key-1" {
		t.Fatalf("closed keys = %v, want [key-1]", api.closedKeys)
	}
}

func TestReconnectBackoffFormula(t *testing.T) {
	h := &Hub{}

	want := []time.Duration{
		5 * time.Second, 10 * time.Second, 15 * time.Second,
		20 * time.Second, 25 * time.Second,
		5 * time.Second, 10 * time.Second,
	}
	for i, w := range want {
		if got := h.nextDelay(); got != w {
			t.Errorf("delay %d = %v, want %v", i, got, w)
		}
	}
}

func TestSweepIngestsOnlyUnseenTrades(t *testing.T) {
	api := &fakeAPI{
		trades: map[string][]binance.UserTrade{
			"BTCUSDT": {
				{ID: 101, OrderID: 1, Symbol: "BTCUSDT", Side: binance.SideBuy, Price: decimal.RequireFromString("42000"), Qty: decimal.RequireFromString("0.1")},
				{ID: 102, OrderID: 2, Symbol: "BTCUSDT", Side: binance.SideSell, Price: decimal.RequireFromString("42100"), Qty: decimal.RequireFromString("0.1")},
			},
		},
	}
	hub := NewHub(api, nil, zerolog.Nop())
	handler := &recHandler{symbol: "BTCUSDT"}
	hub.Register(handler)

	hub.processed.Add(101)
	hub.sweepTrades(true)

	handler.mu.Lock()
	defer handler.mu.Unlock()
	if len(handler.trades) != 1 {
		t.Fatalf("ingested %d trades, want 1", len(handler.trades))
	}
	tr := handler.trades[0]
	if tr.ID != 102 || tr.FromStream {
		t.Errorf("trade = id %d from_stream %v, want 102 via REST", tr.ID, tr.FromStream)
	}

	// A second sweep finds nothing new.
	hub.sweepTrades(false)
	if len(handler.trades) != 1 {
		t.Errorf("re-sweep ingested duplicates, trades = %d", len(handler.trades))
	}
}

func TestOutageTransitions(t *testing.T) {
	api := &fakeAPI{trades: map[string][]binance.UserTrade{}}
	bus := events.NewBus("job-1")
	ring := events.NewRing(16)
	bus.AddSink(ring)
	defer bus.Close()

	hub := NewHub(api, bus, zerolog.Nop())
	handler := &recHandler{symbol: "BTCUSDT"}
	hub.Register(handler)

	hub.enterOutage()
	hub.enterOutage() // second call must be a no-op

	handler.mu.Lock()
	disconnects := handler.disconnects
	handler.mu.Unlock()
	if disconnects != 1 {
		t.Fatalf("disconnect notifications = %d, want 1", disconnects)
	}

	hub.leaveOutage()
	handler.mu.Lock()
	reconnects := handler.reconnects
	handler.mu.Unlock()
	if reconnects != 1 {
		t.Fatalf("reconnect notifications = %d, want 1", reconnects)
	}

	waitCond(t, "bus events", func() bool {
		names := map[string]bool{}
		for _, e := range ring.Recent(16) {
			names[e.Name] = true
		}
		return names[events.UserStreamDisconnected] && names[events.UserStreamReconnected]
	})

	hub.mu.RLock()
	active := hub.fallbackActive
	hub.mu.RUnlock()
	if active {
		t.Error("fallback still active after reconnect")
	}
}

func TestEnsureListenKeyMintsFreshKey(t *testing.T) {
	api := &fakeAPI{}
	hub := NewHub(api, nil, zerolog.Nop())

	if key := hub.ensureListenKey(); key != "key-1" {
		t.Fatalf("key = %q, want key-1", key)
	}
	// Cached while valid.
	if key := hub.ensureListenKey(); key != "key-1" {
		t.Fatalf("key = %q, want cached key-1", key)
	}
	if api.keys() != 1 {
		t.Fatalf("create calls = %d, want 1", api.keys())
	}

	// Expiry discards the key; the next ensure mints a new one.
	hub.recycleConnection(true)
	if key := hub.ensureListenKey(); key != "key-2" {
		t.Fatalf("key = %q, want key-2", key)
	}
}
