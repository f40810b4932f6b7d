package risk

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newManager(cfg Config) *Manager {
	return New(cfg, "BTCUSDT", zerolog.Nop())
}

func TestCanTradeConsecutiveLosses(t *testing.T) {
	m := newManager(Config{MaxConsecutiveLosses: 3})

	for i := 0; i < 2; i++ {
		m.RecordTrade(dec("-10"))
	}
	if ok, _ := m.CanTrade(true); !ok {
		t.Fatal("denied below the streak limit")
	}

	m.RecordTrade(dec("-10"))
	ok, reason := m.CanTrade(true)
	if ok {
		t.Fatal("allowed at the streak limit")
	}
	if reason == "" {
		t.Error("denial carries no reason")
	}

	// A win clears the streak.
	m.RecordTrade(dec("5"))
	if ok, _ := m.CanTrade(true); !ok {
		t.Error("denied after a winning trade reset the streak")
	}
}

func TestCanTradeStreakLimitDisabled(t *testing.T) {
	m := newManager(Config{})
	for i := 0; i < 10; i++ {
		m.RecordTrade(dec("-10"))
	}
	if ok, _ := m.CanTrade(true); !ok {
		t.Fatal("streak limit of 0 must disable the rule")
	}
}

func TestCanTradeDailyLossLimit(t *testing.T) {
	m := newManager(Config{DailyLossLimit: dec("100")})

	m.RecordTrade(dec("-60"))
	if ok, _ := m.CanTrade(true); !ok {
		t.Fatal("denied before the daily limit")
	}

	m.RecordTrade(dec("-40"))
	if ok, _ := m.CanTrade(true); ok {
		t.Fatal("allowed at exactly the daily limit")
	}
	if snap := m.Snapshot(); !snap.DailyRealizedPnL.Equal(dec("-100")) {
		t.Errorf("daily pnl = %s, want -100", snap.DailyRealizedPnL)
	}
}

func TestCanTradeCooldownEntryOnly(t *testing.T) {
	m := newManager(Config{StopLossCooldownCandles: 3})

	m.StartCooldown(1_700_000_180_000)
	if ok, _ := m.CanTrade(true); ok {
		t.Fatal("entry allowed during cooldown")
	}
	if ok, _ := m.CanTrade(false); !ok {
		t.Fatal("exit denied during cooldown")
	}

	if !m.ClearCooldown() {
		t.Fatal("clear reported inactive cooldown")
	}
	if m.ClearCooldown() {
		t.Fatal("second clear reported active cooldown")
	}
	if ok, _ := m.CanTrade(true); !ok {
		t.Fatal("entry denied after cooldown cleared")
	}
}

func TestValidateLeverage(t *testing.T) {
	m := newManager(Config{MaxLeverage: 10})

	if err := m.ValidateLeverage(10); err != nil {
		t.Errorf("leverage at limit rejected: %v", err)
	}
	if err := m.ValidateLeverage(11); err == nil {
		t.Error("leverage over limit accepted")
	}
	if err := m.ValidateLeverage(0); err == nil {
		t.Error("zero leverage accepted")
	}
}

func TestValidateOrderSize(t *testing.T) {
	// equity 1000, leverage 5, fraction 0.1 -> limit 500 notional.
	m := newManager(Config{MaxOrderSize: dec("0.1")})
	equity := dec("1000")

	if err := m.ValidateOrderSize(dec("0.01"), dec("50000"), equity, 5); err != nil {
		t.Errorf("notional exactly at limit rejected: %v", err)
	}
	if err := m.ValidateOrderSize(dec("0.011"), dec("50000"), equity, 5); err == nil {
		t.Error("notional over limit accepted")
	}

	unlimited := newManager(Config{})
	if err := unlimited.ValidateOrderSize(dec("100"), dec("50000"), equity, 5); err != nil {
		t.Errorf("disabled limit rejected order: %v", err)
	}
}

func TestValidatePositionSize(t *testing.T) {
	// equity 1000, leverage 5, fraction 0.5 -> limit 2500 value.
	m := newManager(Config{MaxPositionSize: dec("0.5")})
	equity := dec("1000")

	if err := m.ValidatePositionSize(dec("-0.05"), dec("50000"), equity, 5); err != nil {
		t.Errorf("short position at limit rejected: %v", err)
	}
	if err := m.ValidatePositionSize(dec("0.051"), dec("50000"), equity, 5); err == nil {
		t.Error("position over limit accepted")
	}
}

func TestDailyRollover(t *testing.T) {
	m := newManager(Config{DailyLossLimit: dec("100")})
	m.RecordTrade(dec("-150"))
	if ok, _ := m.CanTrade(true); ok {
		t.Fatal("allowed after daily breach")
	}

	// Next UTC day: the lazy rollover must clear the daily counters.
	m.now = func() time.Time { return time.Now().Add(48 * time.Hour) }
	if ok, _ := m.CanTrade(true); !ok {
		t.Fatal("denied after date rollover")
	}
	snap := m.Snapshot()
	if !snap.DailyRealizedPnL.IsZero() || snap.DailyTrades != 0 {
		t.Errorf("daily counters not reset: %+v", snap)
	}
	// The loss streak is not a daily counter.
	if snap.ConsecutiveLosses != 1 {
		t.Errorf("consecutive losses = %d, want 1 across the day boundary", snap.ConsecutiveLosses)
	}
}

func TestResetDailyReturnsPreviousCounters(t *testing.T) {
	m := newManager(Config{})
	m.RecordTrade(dec("25"))
	m.RecordTrade(dec("-10"))

	prev := m.ResetDaily()
	if !prev.DailyRealizedPnL.Equal(dec("15")) || prev.DailyTrades != 2 || prev.DailyWins != 1 || prev.DailyLosses != 1 {
		t.Errorf("previous snapshot = %+v", prev)
	}
	if snap := m.Snapshot(); !snap.DailyRealizedPnL.IsZero() || snap.DailyTrades != 0 {
		t.Errorf("counters not cleared: %+v", snap)
	}
}

func TestConfigValidate(t *testing.T) {
	good := Config{MaxLeverage: 20, MaxPositionSize: dec("0.5"), MaxOrderSize: dec("0.1"), DailyLossLimit: dec("100")}
	if err := good.Validate(); err != nil {
		t.Fatalf("valid config rejected: %v", err)
	}

	bad := []Config{
		{MaxLeverage: -1},
		{MaxPositionSize: dec("-0.1")},
		{DailyLossLimit: dec("-5")},
		{StopLossPct: dec("-0.02")},
		{MaxConsecutiveLosses: -2},
	}
	for i, cfg := range bad {
		if err := cfg.Validate(); err == nil {
			t.Errorf("bad config %d accepted", i)
		}
	}
}
