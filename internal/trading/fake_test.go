package trading

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/risk"
)

func d(s string) decimal.Decimal {
	v, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return v
}

// fakeExchange satisfies binance.FuturesAPI. Tests override placeFn,
// queryFn or cancelFn to script order outcomes; the default fills
// every order instantly at its limit price (or lastPrice for markets).
type fakeExchange struct {
	mu         sync.Mutex
	filters    binance.Filters
	account    binance.AccountInfo
	commission binance.CommissionRate
	trades     []binance.UserTrade
	lastPrice  decimal.Decimal

	placed        []binance.OrderParams
	orders        map[int64]*binance.Order
	nextID        int64
	leverageCalls int

	placeFn  func(call int, p binance.OrderParams) (*binance.Order, error)
	queryFn  func(orderID int64) (*binance.Order, error)
	cancelFn func(orderID int64) (*binance.Order, error)
}

func newFakeExchange() *fakeExchange {
	return &fakeExchange{
		filters: binance.Filters{
			Symbol:      "BTCUSDT",
			StepSize:    d("0.001"),
			TickSize:    d("0.1"),
			MinQty:      d("0.001"),
			MaxQty:      d("1000"),
			MinNotional: d("5"),
		},
		account: binance.AccountInfo{
			TotalWalletBalance: d("1000"),
			AvailableBalance:   d("1000"),
			Assets: []binance.AccountAsset{{
				Asset:            "USDT",
				WalletBalance:    d("1000"),
				AvailableBalance: d("1000"),
			}},
		},
		commission: binance.CommissionRate{Symbol: "BTCUSDT", Maker: d("0.0002"), Taker: d("0.0004")},
		lastPrice:  d("50000"),
		orders:     make(map[int64]*binance.Order),
	}
}

func (f *fakeExchange) setPosition(size, entry decimal.Decimal) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.account.Positions = []binance.AccountPos{{
		Symbol:      "BTCUSDT",
		PositionAmt: size,
		EntryPrice:  entry,
	}}
}

func (f *fakeExchange) placedParams() []binance.OrderParams {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]binance.OrderParams, len(f.placed))
	copy(out, f.placed)
	return out
}

func (f *fakeExchange) SyncTime(context.Context) error { return nil }
func (f *fakeExchange) TimeOffset() int64              { return 0 }

func (f *fakeExchange) GetExchangeInfo(context.Context) (*binance.ExchangeInfo, error) {
	return &binance.ExchangeInfo{}, nil
}

func (f *fakeExchange) GetSymbolFilters(ctx context.Context, symbol string) (binance.Filters, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.filters, nil
}

func (f *fakeExchange) GetTickerPrice(ctx context.Context, symbol string) (decimal.Decimal, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.lastPrice, nil
}

func (f *fakeExchange) GetMarkPrice(ctx context.Context, symbol string) (*binance.PremiumIndex, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return &binance.PremiumIndex{Symbol: symbol, MarkPrice: f.lastPrice}, nil
}

func (f *fakeExchange) GetKlines(ctx context.Context, symbol, interval string, startTime int64, limit int) ([]binance.Kline, error) {
	return nil, nil
}

func (f *fakeExchange) GetHistoricalKlines(ctx context.Context, symbol, interval string, count int) ([]binance.Kline, error) {
	return nil, nil
}

func (f *fakeExchange) GetAccountInfo(context.Context) (*binance.AccountInfo, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	info := f.account
	info.Assets = append([]binance.AccountAsset(nil), f.account.Assets...)
	info.Positions = append([]binance.AccountPos(nil), f.account.Positions...)
	return &info, nil
}

func (f *fakeExchange) SetLeverage(ctx context.Context, symbol string, leverage int) (*binance.LeverageResult, error) {
	f.mu.Lock()
	f.leverageCalls++
	f.mu.Unlock()
	return &binance.LeverageResult{Symbol: symbol, Leverage: leverage}, nil
}

func (f *fakeExchange) leverageSets() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.leverageCalls
}

func (f *fakeExchange) GetUserTrades(ctx context.Context, symbol string, startTime int64, limit int) ([]binance.UserTrade, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]binance.UserTrade(nil), f.trades...), nil
}

func (f *fakeExchange) GetCommissionRate(ctx context.Context, symbol string) (*binance.CommissionRate, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	c := f.commission
	return &c, nil
}

func (f *fakeExchange) PlaceOrder(ctx context.Context, p binance.OrderParams) (*binance.Order, error) {
	f.mu.Lock()
	f.placed = append(f.placed, p)
	call := len(f.placed)
	f.nextID++
	id := f.nextID
	fn := f.placeFn
	last := f.lastPrice
	f.mu.Unlock()

	if fn != nil {
		order, err := fn(call, p)
		if order != nil {
			if order.OrderID == 0 {
				order.OrderID = id
			}
			f.mu.Lock()
			f.orders[order.OrderID] = order
			f.mu.Unlock()
		}
		return order, err
	}

	price := p.Price
	if p.Type == binance.OrderTypeMarket {
		price = last
	}
	order := &binance.Order{
		OrderID:       id,
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Status:        binance.OrderStatusFilled,
		Side:          p.Side,
		Type:          p.Type,
		OrigQty:       p.Quantity,
		Price:         p.Price,
		ExecutedQty:   p.Quantity,
		AvgPrice:      price,
		ReduceOnly:    p.ReduceOnly,
	}
	f.mu.Lock()
	f.orders[id] = order
	f.mu.Unlock()
	return order, nil
}

func (f *fakeExchange) CancelOrder(ctx context.Context, symbol string, orderID int64) (*binance.Order, error) {
	f.mu.Lock()
	fn := f.cancelFn
	order := f.orders[orderID]
	f.mu.Unlock()
	if fn != nil {
		return fn(orderID)
	}
	if order == nil {
		return nil, &binance.APIError{Status: 400, Code: binance.CodeUnknownOrder, Msg: "Unknown order sent."}
	}
	cp := *order
	if !cp.Status.IsTerminal() {
		cp.Status = binance.OrderStatusCanceled
	}
	f.mu.Lock()
	f.orders[orderID] = &cp
	f.mu.Unlock()
	return &cp, nil
}

func (f *fakeExchange) QueryOrder(ctx context.Context, symbol string, orderID int64) (*binance.Order, error) {
	f.mu.Lock()
	fn := f.queryFn
	order := f.orders[orderID]
	f.mu.Unlock()
	if fn != nil {
		return fn(orderID)
	}
	if order == nil {
		return nil, &binance.APIError{Status: 400, Code: binance.CodeUnknownOrder, Msg: "Unknown order sent."}
	}
	cp := *order
	return &cp, nil
}

func (f *fakeExchange) GetOpenOrders(ctx context.Context, symbol string) ([]binance.Order, error) {
	return nil, nil
}

func (f *fakeExchange) CreateListenKey(context.Context) (string, error)  { return "test-key", nil }
func (f *fakeExchange) KeepAliveListenKey(context.Context, string) error { return nil }
func (f *fakeExchange) CloseListenKey(context.Context, string) error     { return nil }
func (f *fakeExchange) StreamURL(stream string) string                   { return "ws://unused/" + stream }

var _ binance.FuturesAPI = (*fakeExchange)(nil)

// newTestSymbol builds an initialized SymbolContext over a fake
// exchange. mutate, when non-nil, adjusts configs before construction.
func newTestSymbol(t *testing.T, mutate func(cfg *SymbolConfig, rc *risk.Config, fake *fakeExchange)) (*SymbolContext, *fakeExchange) {
	t.Helper()
	fake := newFakeExchange()
	cfg := SymbolConfig{
		Symbol:   "BTCUSDT",
		Interval: "5m",
		Leverage: 5,
		EntryPct: d("0.1"),
		UseChase: false,
		Chase: ChaseConfig{
			MaxAttempts:      5,
			Interval:         10 * time.Millisecond,
			SlippageBps:      d("1.0"),
			FallbackToMarket: true,
		},
	}
	rc := risk.Config{}
	if mutate != nil {
		mutate(&cfg, &rc, fake)
	}
	rm := risk.New(rc, cfg.Symbol, zerolog.Nop())
	s := NewSymbolContext(context.Background(), cfg, SymbolDeps{
		Client: fake,
		Logger: zerolog.Nop(),
		JobID:  "job-test",
		Risk:   rm,
	})
	t.Cleanup(s.Close)
	if err := s.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}
	return s, fake
}

// flush waits for all previously posted mailbox closures to run.
func flush(t *testing.T, s *SymbolContext) {
	t.Helper()
	if !s.box.call(func() {}) {
		t.Fatal("mailbox closed")
	}
}

// forcePosition installs position state directly, as if confirmed by
// earlier account updates.
func forcePosition(t *testing.T, s *SymbolContext, size, entry, entryBalance decimal.Decimal) {
	t.Helper()
	s.mu.Lock()
	s.position = Position{Size: size, EntryPrice: entry, EntryBalance: entryBalance}
	s.mu.Unlock()
}

// autoFill scripts instant fills that also advance the local position
// the way a confirming account update would, so reconciliation settles
// on its fast path.
func autoFill(s *SymbolContext, fake *fakeExchange) {
	fake.placeFn = func(call int, p binance.OrderParams) (*binance.Order, error) {
		fake.mu.Lock()
		price := p.Price
		if p.Type == binance.OrderTypeMarket || price.IsZero() {
			price = fake.lastPrice
		}
		fake.mu.Unlock()

		delta := p.Quantity
		if p.Side == binance.SideSell {
			delta = delta.Neg()
		}
		s.mu.Lock()
		s.position.Size = s.position.Size.Add(delta)
		s.mu.Unlock()

		return &binance.Order{
			ClientOrderID: p.ClientOrderID,
			Symbol:        p.Symbol,
			Status:        binance.OrderStatusFilled,
			Side:          p.Side,
			Type:          p.Type,
			OrigQty:       p.Quantity,
			Price:         p.Price,
			ExecutedQty:   p.Quantity,
			AvgPrice:      price,
			ReduceOnly:    p.ReduceOnly,
		}, nil
	}
}
