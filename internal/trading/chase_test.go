package trading

import (
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/feed"
	"futures-trading-engine/internal/risk"
)

type staticQuotes struct {
	bid, ask decimal.Decimal
}

func (q staticQuotes) Fresh(time.Duration) (feed.Quote, bool) {
	return feed.Quote{BestBid: q.bid, BestAsk: q.ask, UpdatedAt: time.Now()}, true
}

func newChaseSymbol(t *testing.T) (*SymbolContext, *fakeExchange) {
	t.Helper()
	return newTestSymbol(t, func(cfg *SymbolConfig, rc *risk.Config, fake *fakeExchange) {
		cfg.UseChase = true
	})
}

func restingOrder(p binance.OrderParams) *binance.Order {
	return &binance.Order{
		ClientOrderID: p.ClientOrderID,
		Symbol:        p.Symbol,
		Status:        binance.OrderStatusNew,
		Side:          p.Side,
		Type:          p.Type,
		TimeInForce:   p.TimeInForce,
		OrigQty:       p.Quantity,
		Price:         p.Price,
	}
}

func expiredOrder(p binance.OrderParams) *binance.Order {
	o := restingOrder(p)
	o.Status = binance.OrderStatusExpired
	return o
}

func filledOrder(s *SymbolContext, p binance.OrderParams, price string) *binance.Order {
	delta := p.Quantity
	if p.Side == binance.SideSell {
		delta = delta.Neg()
	}
	s.mu.Lock()
	s.position.Size = s.position.Size.Add(delta)
	s.mu.Unlock()

	o := restingOrder(p)
	o.Status = binance.OrderStatusFilled
	o.ExecutedQty = p.Quantity
	o.AvgPrice = d(price)
	return o
}

func TestChaseShortCircuitsWhenPositionAlreadyMoved(t *testing.T) {
	s, fake := newChaseSymbol(t)
	s.OnTick(d("50000"), 1_000_000)
	flush(t, s)

	fake.placeFn = func(call int, p binance.OrderParams) (*binance.Order, error) {
		return restingOrder(p), nil
	}
	fake.cancelFn = func(orderID int64) (*binance.Order, error) {
		// The fill lands while the cancel is on the wire.
		s.mu.Lock()
		s.position.Size = d("0.01")
		s.position.EntryPrice = d("50000")
		s.position.EntryBalance = d("1000")
		s.mu.Unlock()
		return &binance.Order{
			OrderID: orderID, Symbol: "BTCUSDT",
			Status: binance.OrderStatusCanceled,
			Side:   binance.SideBuy, Type: binance.OrderTypeLimit,
			OrigQty: d("0.01"),
		}, nil
	}

	res := s.Buy(d("0.01"), nil, "entry", true)
	if res.Status != StatusAlreadyFilled {
		t.Fatalf("result = %+v, want ALREADY_FILLED", res)
	}
	if n := len(fake.placedParams()); n != 1 {
		t.Fatalf("placed %d orders, want 1 before short circuit", n)
	}
	if state, _ := s.InflightState(); state != "idle" {
		t.Fatalf("inflight = %s, want idle after chase", state)
	}
}

func TestChaseRepricesAfterPostOnlyExpiry(t *testing.T) {
	s, fake := newChaseSymbol(t)
	s.OnTick(d("50000"), 1_000_000)
	flush(t, s)

	fake.placeFn = func(call int, p binance.OrderParams) (*binance.Order, error) {
		if call == 1 {
			return expiredOrder(p), nil
		}
		return filledOrder(s, p, p.Price.String()), nil
	}

	res := s.Buy(d("0.01"), nil, "entry", true)
	if res.Status != StatusFilled {
		t.Fatalf("result = %+v, want FILLED", res)
	}
	placed := fake.placedParams()
	if len(placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(placed))
	}
	for i, p := range placed {
		if p.Type != binance.OrderTypeLimit || p.TimeInForce != binance.TimeInForceGTX {
			t.Fatalf("attempt %d must be post-only limit, got %s %s", i+1, p.Type, p.TimeInForce)
		}
		// slippage fallback: 50000 offset by 1bp, rounded to tick
		if !p.Price.Equal(d("49995")) {
			t.Fatalf("attempt %d price = %s, want 49995", i+1, p.Price)
		}
	}
	if !strings.HasSuffix(placed[0].ClientOrderID, "-1") || !strings.HasSuffix(placed[1].ClientOrderID, "-2") {
		t.Fatalf("attempt ids = %q %q", placed[0].ClientOrderID, placed[1].ClientOrderID)
	}
	base0 := strings.TrimSuffix(placed[0].ClientOrderID, "-1")
	base1 := strings.TrimSuffix(placed[1].ClientOrderID, "-2")
	if base0 != base1 || !strings.HasPrefix(base0, "chase-") {
		t.Fatalf("attempts must share one chase intent id: %q vs %q", base0, base1)
	}
}

func TestChaseFoldsPartialFillIntoRemainder(t *testing.T) {
	s, fake := newChaseSymbol(t)
	s.OnTick(d("50000"), 1_000_000)
	flush(t, s)

	fake.placeFn = func(call int, p binance.OrderParams) (*binance.Order, error) {
		if call == 1 {
			return restingOrder(p), nil
		}
		return filledOrder(s, p, p.Price.String()), nil
	}
	fake.cancelFn = func(orderID int64) (*binance.Order, error) {
		placed := fake.placedParams()
		first := placed[0]
		s.mu.Lock()
		s.position.Size = s.position.Size.Add(d("0.004"))
		s.mu.Unlock()
		return &binance.Order{
			OrderID: orderID, Symbol: first.Symbol,
			Status: binance.OrderStatusCanceled,
			Side:   first.Side, Type: first.Type,
			OrigQty: first.Quantity, Price: first.Price,
			ExecutedQty: d("0.004"), AvgPrice: first.Price,
		}, nil
	}

	res := s.Buy(d("0.01"), nil, "entry", true)
	if res.Status != StatusFilled {
		t.Fatalf("result = %+v, want FILLED", res)
	}
	if !res.ExecutedQty.Equal(d("0.01")) {
		t.Fatalf("executed = %s, want 0.01 across attempts", res.ExecutedQty)
	}
	placed := fake.placedParams()
	if len(placed) != 2 {
		t.Fatalf("placed %d orders, want 2", len(placed))
	}
	if !placed[1].Quantity.Equal(d("0.006")) {
		t.Fatalf("second attempt qty = %s, want remaining 0.006", placed[1].Quantity)
	}
	if !s.Position().Size.Equal(d("0.01")) {
		t.Fatalf("position = %s, want 0.01", s.Position().Size)
	}
}

func TestChaseFallsBackToMarketAfterExhaustion(t *testing.T) {
	s, fake := newChaseSymbol(t)
	s.OnTick(d("50000"), 1_000_000)
	flush(t, s)

	fake.placeFn = func(call int, p binance.OrderParams) (*binance.Order, error) {
		if call <= 5 {
			return expiredOrder(p), nil
		}
		return filledOrder(s, p, "50001"), nil
	}

	res := s.Buy(d("0.01"), nil, "entry", true)
	if res.Status != StatusFilled {
		t.Fatalf("result = %+v, want FILLED via fallback", res)
	}
	placed := fake.placedParams()
	if len(placed) != 6 {
		t.Fatalf("placed %d orders, want 5 attempts + market", len(placed))
	}
	last := placed[5]
	if last.Type != binance.OrderTypeMarket {
		t.Fatalf("fallback type = %s, want MARKET", last.Type)
	}
	if !strings.HasSuffix(last.ClientOrderID, "-mkt") {
		t.Fatalf("fallback id = %q", last.ClientOrderID)
	}
	if !res.ExecutedQty.Equal(d("0.01")) {
		t.Fatalf("executed = %s", res.ExecutedQty)
	}
}

func TestChaseFailsWithoutMarketFallback(t *testing.T) {
	s, fake := newTestSymbol(t, func(cfg *SymbolConfig, rc *risk.Config, fake *fakeExchange) {
		cfg.UseChase = true
		cfg.Chase.FallbackToMarket = false
	})
	s.OnTick(d("50000"), 1_000_000)
	flush(t, s)

	fake.placeFn = func(call int, p binance.OrderParams) (*binance.Order, error) {
		return expiredOrder(p), nil
	}

	res := s.Buy(d("0.01"), nil, "entry", true)
	if res.Status != StatusFailed {
		t.Fatalf("result = %+v, want FAILED", res)
	}
	if !errors.Is(res.Err, ErrChaseFailed) {
		t.Fatalf("err = %v, want ErrChaseFailed", res.Err)
	}
	if n := len(fake.placedParams()); n != 5 {
		t.Fatalf("placed %d orders, want exactly max attempts", n)
	}
	if state, _ := s.InflightState(); state != "idle" {
		t.Fatalf("inflight = %s, want idle after failure", state)
	}
}

func TestChaseUsesBookTickerPricing(t *testing.T) {
	s, fake := newTestSymbol(t, func(cfg *SymbolConfig, rc *risk.Config, fake *fakeExchange) {
		cfg.UseChase = true
	})
	s.quotes = staticQuotes{bid: d("49999.9"), ask: d("50000.1")}
	s.OnTick(d("50000"), 1_000_000)
	flush(t, s)

	fake.placeFn = func(call int, p binance.OrderParams) (*binance.Order, error) {
		return filledOrder(s, p, p.Price.String()), nil
	}

	res := s.Buy(d("0.01"), nil, "entry", true)
	if res.Status != StatusFilled {
		t.Fatalf("result = %+v", res)
	}
	placed := fake.placedParams()
	// one tick inside the ask: 50000.1 - 0.1
	if !placed[0].Price.Equal(d("50000.0")) {
		t.Fatalf("price = %s, want 50000.0 (best ask minus tick)", placed[0].Price)
	}

	fake.placeFn = func(call int, p binance.OrderParams) (*binance.Order, error) {
		return filledOrder(s, p, p.Price.String()), nil
	}
	res = s.Sell(d("0.01"), nil, "exit", true)
	if res.Status != StatusFilled {
		t.Fatalf("sell result = %+v", res)
	}
	placed = fake.placedParams()
	sellPrice := placed[len(placed)-1].Price
	if !sellPrice.Equal(d("50000.0")) {
		t.Fatalf("sell price = %s, want 50000.0 (best bid plus tick)", sellPrice)
	}
}
