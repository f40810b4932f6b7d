package portfolio

import (
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/indicator"
	"futures-trading-engine/internal/strategy"
	"futures-trading-engine/internal/trading"
)

// StreamContext routes the strategy contract to one (symbol, interval)
// stream. The engine constructs a fresh value per callback; strategies
// must not retain it. Portfolio-wide reads go through the Portfolio,
// everything else to the stream's own SymbolContext.
type StreamContext struct {
	portfolio  *Portfolio
	sym        *trading.SymbolContext
	indicators *indicator.Context
	interval   string
}

var _ strategy.Context = StreamContext{}

func NewStreamContext(p *Portfolio, sym *trading.SymbolContext, ind *indicator.Context, interval string) StreamContext {
	return StreamContext{portfolio: p, sym: sym, indicators: ind, interval: interval}
}

func (c StreamContext) Symbol() string   { return c.sym.Symbol() }
func (c StreamContext) Interval() string { return c.interval }

func (c StreamContext) CurrentPrice() decimal.Decimal { return c.sym.MarkPrice() }

func (c StreamContext) PositionSize() decimal.Decimal { return c.sym.Position().Size }

func (c StreamContext) PositionEntryPrice() decimal.Decimal { return c.sym.Position().EntryPrice }

func (c StreamContext) PositionEntryBalance() decimal.Decimal {
	return c.sym.Position().EntryBalance
}

func (c StreamContext) UnrealizedPnL() decimal.Decimal { return c.sym.UnrealizedPnL() }

func (c StreamContext) Balance() decimal.Decimal { return c.sym.AvailableBalance() }

func (c StreamContext) TotalEquity() decimal.Decimal { return c.portfolio.TotalEquity() }

func (c StreamContext) Leverage() int { return c.sym.Leverage() }

func (c StreamContext) OpenOrders() []trading.OpenOrder { return c.sym.OpenOrders() }

func (c StreamContext) Indicator(name string, params ...float64) (float64, error) {
	return c.indicators.Value(name, params...)
}

func (c StreamContext) IndicatorAll(name string, params ...float64) (map[string]float64, error) {
	return c.indicators.Values(name, params...)
}

func (c StreamContext) RegisterIndicator(name string, fn indicator.Func) error {
	return c.indicators.Register(name, fn)
}

func (c StreamContext) CalcEntryQuantity(entryPct, price *decimal.Decimal) decimal.Decimal {
	return c.sym.CalcEntryQuantity(entryPct, price)
}

func (c StreamContext) Buy(qty decimal.Decimal, price *decimal.Decimal, reason string, useChase *bool) trading.OrderResult {
	return c.sym.Buy(qty, price, reason, c.chase(useChase))
}

func (c StreamContext) Sell(qty decimal.Decimal, price *decimal.Decimal, reason string, useChase *bool) trading.OrderResult {
	return c.sym.Sell(qty, price, reason, c.chase(useChase))
}

func (c StreamContext) EnterLong(reason string, entryPct *decimal.Decimal) trading.OrderResult {
	return c.sym.EnterLong(reason, entryPct)
}

func (c StreamContext) EnterShort(reason string, entryPct *decimal.Decimal) trading.OrderResult {
	return c.sym.EnterShort(reason, entryPct)
}

func (c StreamContext) ClosePosition(reason string, useChase *bool) trading.OrderResult {
	return c.sym.ClosePosition(reason, useChase)
}

func (c StreamContext) chase(override *bool) bool {
	if override != nil {
		return *override
	}
	return c.sym.Config().UseChase
}
