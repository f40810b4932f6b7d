// Package strategy defines the contract trading strategies implement
// and a name registry the binary uses to construct them from config.
package strategy

import (
	"fmt"
	"sort"
	"sync"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/indicator"
	"futures-trading-engine/internal/trading"
)

// Bar is one market update delivered to a strategy. Ticks inside a
// forming candle carry the live values with IsNewBar false; the update
// that closes a candle carries the final values with IsNewBar true.
type Bar struct {
	Symbol   string
	Interval string

	Open   decimal.Decimal
	High   decimal.Decimal
	Low    decimal.Decimal
	Close  decimal.Decimal
	Volume decimal.Decimal

	// BarTimestamp is the open time of the candle this update belongs
	// to, in epoch milliseconds. Timestamp is the exchange event time.
	BarTimestamp int64
	Timestamp    int64

	IsNewBar bool
}

// Context is the strategy's only view of the engine. It is bound to one
// (symbol, interval) stream per callback and must not be retained
// across callbacks.
type Context interface {
	// Symbol returns the symbol this context is bound to
	Symbol() string

	// Interval returns the candle interval this context is bound to
	Interval() string

	// CurrentPrice returns the latest mark price
	CurrentPrice() decimal.Decimal

	// PositionSize returns the signed position size, negative for short
	PositionSize() decimal.Decimal

	// PositionEntryPrice returns the average entry price, zero when flat
	PositionEntryPrice() decimal.Decimal

	// PositionEntryBalance returns the wallet balance captured when the
	// position was opened
	PositionEntryBalance() decimal.Decimal

	// UnrealizedPnL returns the open position's unrealized profit
	UnrealizedPnL() decimal.Decimal

	// Balance returns the available quote balance
	Balance() decimal.Decimal

	// TotalEquity returns wallet balance plus unrealized PnL across all
	// traded symbols
	TotalEquity() decimal.Decimal

	// Leverage returns the configured leverage for this symbol
	Leverage() int

	// OpenOrders returns the orders currently resting on the exchange
	OpenOrders() []trading.OpenOrder

	// Indicator computes a registered indicator over the closed-bar
	// window and returns its primary output
	Indicator(name string, params ...float64) (float64, error)

	// IndicatorAll returns every output of a multi-value indicator,
	// keyed by component name
	IndicatorAll(name string, params ...float64) (map[string]float64, error)

	// RegisterIndicator adds a custom indicator for this stream
	RegisterIndicator(name string, fn indicator.Func) error

	// CalcEntryQuantity sizes an entry from equity, leverage and the
	// entry percentage; nil arguments use the configured defaults
	CalcEntryQuantity(entryPct, price *decimal.Decimal) decimal.Decimal

	// Buy places a buy order. A nil price means market or chase
	// execution; a nil useChase keeps the configured execution style
	Buy(qty decimal.Decimal, price *decimal.Decimal, reason string, useChase *bool) trading.OrderResult

	// Sell places a sell order; see Buy
	Sell(qty decimal.Decimal, price *decimal.Decimal, reason string, useChase *bool) trading.OrderResult

	// EnterLong opens a long position sized by the entry percentage,
	// configured or overridden
	EnterLong(reason string, entryPct *decimal.Decimal) trading.OrderResult

	// EnterShort opens a short position; see EnterLong
	EnterShort(reason string, entryPct *decimal.Decimal) trading.OrderResult

	// ClosePosition closes the open position with a reduce-only order
	ClosePosition(reason string, useChase *bool) trading.OrderResult
}

// Strategy is implemented by trading strategies.
type Strategy interface {
	// Name returns the strategy name
	Name() string

	// RunOnTick reports whether OnBar should fire on every tick instead
	// of only on closed bars
	RunOnTick() bool

	// Initialize runs once before the first bar, on the first stream's
	// context
	Initialize(ctx Context) error

	// OnBar handles one market update
	OnBar(ctx Context, bar Bar) error
}

// Factory constructs a fresh strategy instance.
type Factory func() Strategy

var (
	registryMu sync.RWMutex
	registry   = make(map[string]Factory)
)

// Register makes a strategy available under name. It panics on a
// duplicate so collisions surface at startup.
func Register(name string, f Factory) {
	registryMu.Lock()
	defer registryMu.Unlock()
	if _, dup := registry[name]; dup {
		panic(fmt.Sprintf("strategy: duplicate registration for %q", name))
	}
	registry[name] = f
}

// New constructs the strategy registered under name.
func New(name string) (Strategy, error) {
	registryMu.RLock()
	f, ok := registry[name]
	registryMu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("strategy: unknown strategy %q (registered: %v)", name, Names())
	}
	return f(), nil
}

// Names lists the registered strategies in sorted order.
func Names() []string {
	registryMu.RLock()
	defer registryMu.RUnlock()
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
