// Package risk evaluates pre-trade rules and tracks the loss counters
// they depend on. One Manager guards each symbol and one guards the
// portfolio; validators are pure, counters are updated only through
// RecordTrade and the cooldown hooks.
package risk

import (
	"fmt"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// Config holds the per-symbol or portfolio risk limits. Fractions are
// of equity times leverage; zero disables the respective rule.
type Config struct {
	MaxLeverage             int             `json:"max_leverage"`
	MaxPositionSize         decimal.Decimal `json:"max_position_size"`
	MaxOrderSize            decimal.Decimal `json:"max_order_size"`
	DailyLossLimit          decimal.Decimal `json:"daily_loss_limit"`
	MaxConsecutiveLosses    int             `json:"max_consecutive_losses"`
	StopLossPct             decimal.Decimal `json:"stop_loss_pct"`
	StopLossCooldownCandles int             `json:"stoploss_cooldown_candles"`
}

// Validate rejects configs that cannot be enforced.
func (c Config) Validate() error {
	if c.MaxLeverage < 0 {
		return fmt.Errorf("risk: max_leverage %d is negative", c.MaxLeverage)
	}
	if c.MaxPositionSize.IsNegative() || c.MaxOrderSize.IsNegative() {
		return fmt.Errorf("risk: position/order size fractions must not be negative")
	}
	if c.DailyLossLimit.IsNegative() {
		return fmt.Errorf("risk: daily_loss_limit must be an absolute (positive) amount")
	}
	if c.StopLossPct.IsNegative() {
		return fmt.Errorf("risk: stop_loss_pct must not be negative")
	}
	if c.MaxConsecutiveLosses < 0 || c.StopLossCooldownCandles < 0 {
		return fmt.Errorf("risk: counters must not be negative")
	}
	return nil
}

// Snapshot is a point-in-time view of the counters.
type Snapshot struct {
	ConsecutiveLosses int             `json:"consecutive_losses"`
	DailyRealizedPnL  decimal.Decimal `json:"daily_realized_pnl"`
	DailyTrades       int             `json:"daily_trades"`
	DailyWins         int             `json:"daily_wins"`
	DailyLosses       int             `json:"daily_losses"`
	CooldownUntil     int64           `json:"cooldown_until_bar_ts,omitempty"`
	Day               string          `json:"day"`
}

// Manager enforces a Config and owns the counters behind it.
type Manager struct {
	cfg    Config
	logger zerolog.Logger
	now    func() time.Time

	mu                sync.Mutex
	consecutiveLosses int
	dailyRealizedPnL  decimal.Decimal
	dailyTrades       int
	dailyWins         int
	dailyLosses       int
	cooldownUntil     int64
	day               string
}

// New creates a manager. The scope tag (symbol or "portfolio") only
// labels the logs.
func New(cfg Config, scope string, logger zerolog.Logger) *Manager {
	m := &Manager{
		cfg:    cfg,
		logger: logger.With().Str("component", "risk").Str("scope", scope).Logger(),
		now:    time.Now,
	}
	m.day = m.today()
	return m
}

// Config returns the limits this manager enforces.
func (m *Manager) Config() Config { return m.cfg }

// CanTrade evaluates the stateful denial rules. growing marks intents
// that would increase position magnitude; reducing intents skip the
// cooldown rule and normally skip CanTrade entirely at the call site.
func (m *Manager) CanTrade(growing bool) (bool, string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	if m.cfg.MaxConsecutiveLosses > 0 && m.consecutiveLosses >= m.cfg.MaxConsecutiveLosses {
		return false, fmt.Sprintf("consecutive losses %d reached limit %d",
			m.consecutiveLosses, m.cfg.MaxConsecutiveLosses)
	}
	if m.cfg.DailyLossLimit.IsPositive() && m.dailyRealizedPnL.LessThanOrEqual(m.cfg.DailyLossLimit.Neg()) {
		return false, fmt.Sprintf("daily loss %s breached limit %s",
			m.dailyRealizedPnL, m.cfg.DailyLossLimit.Neg())
	}
	if growing && m.cooldownUntil > 0 {
		return false, fmt.Sprintf("stop-loss cooldown active until bar %d", m.cooldownUntil)
	}
	return true, ""
}

// RecordTrade folds a finalized trade's PnL into the counters. A win
// resets the loss streak.
func (m *Manager) RecordTrade(pnl decimal.Decimal) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()

	m.dailyRealizedPnL = m.dailyRealizedPnL.Add(pnl)
	m.dailyTrades++
	if pnl.IsNegative() {
		m.consecutiveLosses++
		m.dailyLosses++
	} else {
		m.consecutiveLosses = 0
		m.dailyWins++
	}

	m.logger.Info().
		Str("pnl", pnl.String()).
		Str("daily_pnl", m.dailyRealizedPnL.String()).
		Int("consecutive_losses", m.consecutiveLosses).
		Msg("trade recorded")
}

// ValidateLeverage checks a requested leverage against the limit.
func (m *Manager) ValidateLeverage(leverage int) error {
	if leverage < 1 {
		return fmt.Errorf("leverage %d below 1", leverage)
	}
	if m.cfg.MaxLeverage > 0 && leverage > m.cfg.MaxLeverage {
		return fmt.Errorf("leverage %d exceeds limit %d", leverage, m.cfg.MaxLeverage)
	}
	return nil
}

// ValidateOrderSize checks a single order's notional against the
// max_order_size fraction of equity times leverage.
func (m *Manager) ValidateOrderSize(qty, price, equity decimal.Decimal, leverage int) error {
	if m.cfg.MaxOrderSize.IsZero() {
		return nil
	}
	notional := qty.Abs().Mul(price)
	limit := equity.Mul(decimal.NewFromInt(int64(leverage))).Mul(m.cfg.MaxOrderSize)
	if notional.GreaterThan(limit) {
		return fmt.Errorf("order notional %s exceeds limit %s", notional, limit)
	}
	return nil
}

// ValidatePositionSize checks the hypothetical post-fill position value
// against the max_position_size fraction of equity times leverage.
func (m *Manager) ValidatePositionSize(newSize, price, equity decimal.Decimal, leverage int) error {
	if m.cfg.MaxPositionSize.IsZero() {
		return nil
	}
	value := newSize.Abs().Mul(price)
	limit := equity.Mul(decimal.NewFromInt(int64(leverage))).Mul(m.cfg.MaxPositionSize)
	if value.GreaterThan(limit) {
		return fmt.Errorf("position value %s exceeds limit %s", value, limit)
	}
	return nil
}

// StartCooldown latches the stop-loss cooldown until the given bar
// open time.
func (m *Manager) StartCooldown(untilBarTS int64) {
	m.mu.Lock()
	m.cooldownUntil = untilBarTS
	m.mu.Unlock()
	m.logger.Warn().Int64("until_bar_ts", untilBarTS).Msg("stop-loss cooldown started")
}

// ClearCooldown releases the latch, reporting whether it was held.
func (m *Manager) ClearCooldown() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.cooldownUntil == 0 {
		return false
	}
	m.cooldownUntil = 0
	return true
}

// CooldownUntil returns the latched bar open time, 0 when inactive.
func (m *Manager) CooldownUntil() int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.cooldownUntil
}

// Snapshot returns the current counters.
func (m *Manager) Snapshot() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rolloverLocked()
	return Snapshot{
		ConsecutiveLosses: m.consecutiveLosses,
		DailyRealizedPnL:  m.dailyRealizedPnL,
		DailyTrades:       m.dailyTrades,
		DailyWins:         m.dailyWins,
		DailyLosses:       m.dailyLosses,
		CooldownUntil:     m.cooldownUntil,
		Day:               m.day,
	}
}

// ResetDaily zeroes the daily counters and returns what they held.
// The loss streak survives the day boundary: only a win clears it.
func (m *Manager) ResetDaily() Snapshot {
	m.mu.Lock()
	defer m.mu.Unlock()
	prev := Snapshot{
		ConsecutiveLosses: m.consecutiveLosses,
		DailyRealizedPnL:  m.dailyRealizedPnL,
		DailyTrades:       m.dailyTrades,
		DailyWins:         m.dailyWins,
		DailyLosses:       m.dailyLosses,
		CooldownUntil:     m.cooldownUntil,
		Day:               m.day,
	}
	m.resetDailyLocked()
	return prev
}

// rolloverLocked lazily resets daily counters when the UTC date moved,
// covering gaps if the scheduled reset never fired.
func (m *Manager) rolloverLocked() {
	today := m.today()
	if m.day == today {
		return
	}
	m.logger.Info().Str("from", m.day).Str("to", today).Msg("daily counters rolled over")
	m.resetDailyLocked()
}

func (m *Manager) resetDailyLocked() {
	m.dailyRealizedPnL = decimal.Zero
	m.dailyTrades = 0
	m.dailyWins = 0
	m.dailyLosses = 0
	m.day = m.today()
}

func (m *Manager) today() string {
	return m.now().UTC().Format("2006-01-02")
}
