// Package portfolio aggregates per-symbol trading contexts into one
// account view and arbitrates growth-side risk across all of them.
package portfolio

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/trading"
)

// Portfolio owns the cross-symbol risk budget. Each SymbolContext
// enforces its own per-symbol limits; the portfolio layer sees every
// position at once and caps what any single order may add to the whole
// book. It implements trading.PortfolioGuard.
type Portfolio struct {
	risk   *risk.Manager
	bus    *events.Bus
	logger zerolog.Logger

	mu      sync.RWMutex
	symbols map[string]*trading.SymbolContext
	order   []string

	stopped atomic.Bool
}

func New(riskCfg risk.Config, bus *events.Bus, logger zerolog.Logger) *Portfolio {
	return &Portfolio{
		risk:    risk.New(riskCfg, "portfolio", logger),
		bus:     bus,
		logger:  logger.With().Str("component", "portfolio").Logger(),
		symbols: make(map[string]*trading.SymbolContext),
	}
}

// Register adds a symbol context. Symbols are registered once at start
// before any order flow; re-registering a symbol replaces it.
func (p *Portfolio) Register(s *trading.SymbolContext) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, ok := p.symbols[s.Symbol()]; !ok {
		p.order = append(p.order, s.Symbol())
	}
	p.symbols[s.Symbol()] = s
}

// Symbol returns the context registered for symbol.
func (p *Portfolio) Symbol(symbol string) (*trading.SymbolContext, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	s, ok := p.symbols[symbol]
	return s, ok
}

// Symbols returns every registered context in registration order.
func (p *Portfolio) Symbols() []*trading.SymbolContext {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]*trading.SymbolContext, 0, len(p.order))
	for _, name := range p.order {
		out = append(out, p.symbols[name])
	}
	return out
}

// TotalEquity is the primary wallet balance plus unrealized PnL summed
// over every symbol. All symbols trade one futures account, so the
// first registered symbol's wallet view is the account balance.
func (p *Portfolio) TotalEquity() decimal.Decimal {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.totalEquityLocked()
}

func (p *Portfolio) totalEquityLocked() decimal.Decimal {
	if len(p.order) == 0 {
		return decimal.Zero
	}
	equity := p.symbols[p.order[0]].WalletBalance()
	for _, name := range p.order {
		equity = equity.Add(p.symbols[name].UnrealizedPnL())
	}
	return equity
}

// ApproveGrowth validates one magnitude-growing order against the
// portfolio budget. newSize is the hypothetical position in the order's
// symbol after a full fill.
func (p *Portfolio) ApproveGrowth(symbol string, newSize, qty, price decimal.Decimal) error {
	if p.stopped.Load() {
		return fmt.Errorf("portfolio stop requested")
	}

	p.mu.RLock()
	equity := p.totalEquityLocked()
	leverage := 1
	exposure := decimal.Zero
	for _, name := range p.order {
		s := p.symbols[name]
		if s.Leverage() > leverage {
			leverage = s.Leverage()
		}
		size := s.Position().Size
		if name == symbol {
			size = newSize
		}
		exposure = exposure.Add(size.Abs().Mul(s.MarkPrice()))
	}
	multiplier := decimal.NewFromInt(int64(max(1, len(p.order))))
	p.mu.RUnlock()

	if !equity.IsPositive() {
		return fmt.Errorf("portfolio equity %s is not positive", equity)
	}
	budget := equity.Mul(decimal.NewFromInt(int64(leverage))).Mul(multiplier)
	cfg := p.risk.Config()

	if !cfg.MaxOrderSize.IsZero() {
		orderValue := qty.Abs().Mul(price)
		maxOrder := budget.Mul(cfg.MaxOrderSize)
		if orderValue.GreaterThan(maxOrder) {
			return fmt.Errorf("order value %s exceeds portfolio limit %s", orderValue, maxOrder)
		}
	}

	if !cfg.MaxPositionSize.IsZero() {
		maxExposure := budget.Mul(cfg.MaxPositionSize)
		if exposure.GreaterThan(maxExposure) {
			return fmt.Errorf("aggregate exposure %s would exceed portfolio limit %s", exposure, maxExposure)
		}
	}

	if ok, reason := p.risk.CanTrade(true); !ok {
		return fmt.Errorf("portfolio risk: %s", reason)
	}
	return nil
}

// RecordTrade folds a realized PnL into the portfolio counters.
func (p *Portfolio) RecordTrade(pnl decimal.Decimal) {
	p.risk.RecordTrade(pnl)
}

// StopRequested reports whether a shutdown is in progress.
func (p *Portfolio) StopRequested() bool { return p.stopped.Load() }

// RequestStop blocks all new orders portfolio-wide and flags every
// symbol context.
func (p *Portfolio) RequestStop() {
	if p.stopped.Swap(true) {
		return
	}
	for _, s := range p.Symbols() {
		s.SetStopRequested(true)
	}
	p.logger.Info().Msg("portfolio stop requested, new orders blocked")
}

// RiskSnapshot returns the portfolio-level risk counters.
func (p *Portfolio) RiskSnapshot() risk.Snapshot { return p.risk.Snapshot() }

// ResetDaily zeroes the daily counters and publishes the closing
// summary. The engine schedules it at UTC midnight.
func (p *Portfolio) ResetDaily() {
	before := p.risk.ResetDaily()

	payload := map[string]interface{}{
		"daily_pnl":          before.DailyRealizedPnL.String(),
		"consecutive_losses": before.ConsecutiveLosses,
		"total_equity":       p.TotalEquity().String(),
	}
	p.logger.Info().
		Str("daily_pnl", before.DailyRealizedPnL.String()).
		Msg("daily risk counters reset")
	if p.bus != nil {
		p.bus.Publish(events.KindRisk, events.LevelInfo, events.DailyReset,
			"daily risk counters reset", payload)
	}
}

var _ trading.PortfolioGuard = (*Portfolio)(nil)
