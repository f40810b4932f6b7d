// Package trading owns per-symbol state and order execution: position,
// open orders, counters, the inflight guard, stop-loss evaluation and
// the chase-limit router. All mutations to a symbol's state run on its
// mailbox goroutine; order I/O runs on the calling goroutine.
package trading

import (
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/risk"
)

// Position is the per-symbol position state. Size is signed: positive
// long, negative short. EntryBalance is the wallet balance captured at
// the 0 to nonzero transition and cleared on full close.
type Position struct {
	Size          decimal.Decimal `json:"size"`
	EntryPrice    decimal.Decimal `json:"entry_price"`
	EntryBalance  decimal.Decimal `json:"entry_balance"`
	UnrealizedPnL decimal.Decimal `json:"unrealized_pnl"`
}

// IsOpen reports whether any position is held.
func (p Position) IsOpen() bool { return !p.Size.IsZero() }

// IsLong reports a positive position.
func (p Position) IsLong() bool { return p.Size.IsPositive() }

// IsShort reports a negative position.
func (p Position) IsShort() bool { return p.Size.IsNegative() }

// OpenOrder is the router-side record of an order that has not reached
// a terminal status.
type OpenOrder struct {
	OrderID       int64               `json:"order_id"`
	ClientOrderID string              `json:"client_order_id"`
	Side          binance.Side        `json:"side"`
	Type          binance.OrderType   `json:"type"`
	Price         decimal.Decimal     `json:"price"`
	Quantity      decimal.Decimal     `json:"quantity"`
	ExecutedQty   decimal.Decimal     `json:"executed_qty"`
	AvgPrice      decimal.Decimal     `json:"avg_price"`
	Status        binance.OrderStatus `json:"status"`
	ReduceOnly    bool                `json:"reduce_only"`
	Reason        string              `json:"reason"`
	CreatedAt     time.Time           `json:"created_at"`
	UpdatedAt     time.Time           `json:"updated_at"`
}

// ResultStatus classifies an order call's outcome.
type ResultStatus string

const (
	// StatusFilled: the intent completed and the fill was reconciled.
	StatusFilled ResultStatus = "FILLED"
	// StatusPlaced: a resting limit order was accepted; the fill will
	// arrive through the user stream.
	StatusPlaced ResultStatus = "PLACED"
	// StatusAlreadyFilled: the position had already moved the intended
	// amount before (or while) placing, so no further order was sent.
	StatusAlreadyFilled ResultStatus = "ALREADY_FILLED"
	// StatusRejected: a pre-trade check refused the intent.
	StatusRejected ResultStatus = "REJECTED"
	// StatusFailed: exchange I/O failed after retries.
	StatusFailed ResultStatus = "FAILED"
)

// OrderResult is what strategies get back from Buy, Sell and
// ClosePosition. Exactly one of the branches is meaningful: a receipt
// for FILLED/PLACED, the rejection event name for REJECTED, the wrapped
// I/O error for FAILED.
type OrderResult struct {
	Status      ResultStatus
	Order       *binance.Order
	ExecutedQty decimal.Decimal
	AvgPrice    decimal.Decimal
	Rejection   string // events.OrderRejected* name
	Detail      string
	Err         error
}

// Ok reports whether the intent ended in a fill or a resting order.
func (r OrderResult) Ok() bool {
	switch r.Status {
	case StatusFilled, StatusPlaced, StatusAlreadyFilled:
		return true
	}
	return false
}

func rejected(event, detail string) OrderResult {
	return OrderResult{Status: StatusRejected, Rejection: event, Detail: detail}
}

func failed(err error, detail string) OrderResult {
	return OrderResult{Status: StatusFailed, Err: err, Detail: detail}
}

// ChaseConfig tunes the chase-limit algorithm.
type ChaseConfig struct {
	MaxAttempts      int             `json:"max_attempts"`
	Interval         time.Duration   `json:"-"`
	IntervalMS       int64           `json:"interval_ms"`
	SlippageBps      decimal.Decimal `json:"slippage_bps"`
	FallbackToMarket bool            `json:"fallback_to_market"`
}

// DefaultChaseConfig returns the standard chase parameters.
func DefaultChaseConfig() ChaseConfig {
	return ChaseConfig{
		MaxAttempts:      5,
		Interval:         time.Second,
		SlippageBps:      decimal.NewFromFloat(1.0),
		FallbackToMarket: true,
	}
}

// SymbolConfig describes one tradable symbol.
type SymbolConfig struct {
	Symbol     string          `json:"symbol"`
	Interval   string          `json:"interval"`
	QuoteAsset string          `json:"quote_asset"`
	Leverage   int             `json:"leverage"`
	EntryPct   decimal.Decimal `json:"entry_pct"`
	UseChase   bool            `json:"use_chase"`
	Risk       risk.Config     `json:"risk"`
	Chase      ChaseConfig     `json:"chase"`
}

// Normalize fills defaults in place.
func (c *SymbolConfig) Normalize() {
	if c.QuoteAsset == "" {
		c.QuoteAsset = "USDT"
	}
	if c.Leverage <= 0 {
		c.Leverage = 1
	}
	if c.EntryPct.IsZero() {
		c.EntryPct = decimal.NewFromFloat(0.1)
	}
	if c.Chase.MaxAttempts <= 0 {
		c.Chase = DefaultChaseConfig()
	}
	if c.Chase.Interval <= 0 {
		if c.Chase.IntervalMS > 0 {
			c.Chase.Interval = time.Duration(c.Chase.IntervalMS) * time.Millisecond
		} else {
			c.Chase.Interval = time.Second
		}
	}
}

// RoundQtyToStep rounds a quantity down to the exchange step size.
func RoundQtyToStep(qty, step decimal.Decimal) decimal.Decimal {
	if step.IsZero() {
		return qty
	}
	return qty.Sub(qty.Mod(step))
}

// RoundPriceToTick rounds a price to the nearest tick.
func RoundPriceToTick(price, tick decimal.Decimal) decimal.Decimal {
	if tick.IsZero() {
		return price
	}
	return price.DivRound(tick, 0).Mul(tick)
}
