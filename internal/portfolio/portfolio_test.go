package portfolio

import (
	"context"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/trading"
)

func d(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func newGuardSymbol(t *testing.T, symbol string, leverage int) *trading.SymbolContext {
	t.Helper()
	cfg := trading.SymbolConfig{Symbol: symbol, Interval: "5m", Leverage: leverage}
	rm := risk.New(risk.Config{}, symbol, zerolog.Nop())
	s := trading.NewSymbolContext(context.Background(), cfg, trading.SymbolDeps{
		Logger: zerolog.Nop(),
		Risk:   rm,
	})
	t.Cleanup(s.Close)
	return s
}

func seedSymbol(t *testing.T, s *trading.SymbolContext, wallet, posSize, entry, mark string) {
	t.Helper()
	info := &binance.AccountInfo{
		Assets: []binance.AccountAsset{{
			Asset:            "USDT",
			WalletBalance:    d(wallet),
			AvailableBalance: d(wallet),
		}},
	}
	if posSize != "0" {
		info.Positions = []binance.AccountPos{{
			Symbol:      s.Symbol(),
			PositionAmt: d(posSize),
			EntryPrice:  d(entry),
		}}
	}
	s.OnAccountSnapshot(info)
	s.OnTick(d(mark), time.Now().UnixMilli())

	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if s.WalletBalance().Equal(d(wallet)) && s.MarkPrice().Equal(d(mark)) {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("%s snapshot never applied", s.Symbol())
}

func newTestPortfolio(t *testing.T, rc risk.Config) (*Portfolio, *trading.SymbolContext, *trading.SymbolContext) {
	t.Helper()
	p := New(rc, nil, zerolog.Nop())

	btc := newGuardSymbol(t, "BTCUSDT", 5)
	eth := newGuardSymbol(t, "ETHUSDT", 5)
	p.Register(btc)
	p.Register(eth)

	// 1000 USDT wallet, existing 0.01 BTC long worth 500
	seedSymbol(t, btc, "1000", "0.01", "50000", "50000")
	seedSymbol(t, eth, "1000", "0", "", "3000")
	return p, btc, eth
}

func TestTotalEquityAggregatesUnrealizedPnL(t *testing.T) {
	p, btc, _ := newTestPortfolio(t, risk.Config{})

	if !p.TotalEquity().Equal(d("1000")) {
		t.Fatalf("equity = %s, want 1000", p.TotalEquity())
	}

	// mark moves 2500 above entry: +25 on 0.01
	seedSymbol(t, btc, "1000", "0.01", "50000", "52500")
	if !p.TotalEquity().Equal(d("1025")) {
		t.Fatalf("equity = %s, want 1025", p.TotalEquity())
	}
}

func TestApproveGrowthOrderValueLimit(t *testing.T) {
	// budget: 1000 equity x lev 5 x 2 symbols = 10000
	p, _, _ := newTestPortfolio(t, risk.Config{
		MaxOrderSize:    d("0.25"),
		MaxPositionSize: d("0.5"),
	})

	// 3000 value > 2500 order cap
	err := p.ApproveGrowth("ETHUSDT", d("1"), d("1"), d("3000"))
	if err == nil || !strings.Contains(err.Error(), "order value") {
		t.Fatalf("err = %v, want order value rejection", err)
	}

	// 1500 value, 500 + 3600 = 4100 exposure: both inside budget
	if err := p.ApproveGrowth("ETHUSDT", d("1.2"), d("0.5"), d("3000")); err != nil {
		t.Fatalf("ApproveGrowth: %v", err)
	}
}

func TestApproveGrowthAggregateExposureCap(t *testing.T) {
	p, _, _ := newTestPortfolio(t, risk.Config{
		MaxOrderSize:    d("0.25"),
		MaxPositionSize: d("0.5"),
	})

	// hypothetical ETH book of 1.6 x 3000 = 4800 plus BTC 500 breaches
	// the 5000 exposure cap even though the order itself is small
	err := p.ApproveGrowth("ETHUSDT", d("1.6"), d("0.5"), d("3000"))
	if err == nil || !strings.Contains(err.Error(), "exposure") {
		t.Fatalf("err = %v, want exposure rejection", err)
	}
}

func TestApproveGrowthPortfolioRiskGate(t *testing.T) {
	p, _, _ := newTestPortfolio(t, risk.Config{
		MaxOrderSize:         d("0.25"),
		MaxPositionSize:      d("0.5"),
		MaxConsecutiveLosses: 2,
	})

	p.RecordTrade(d("-1"))
	p.RecordTrade(d("-1"))

	err := p.ApproveGrowth("ETHUSDT", d("0.1"), d("0.1"), d("3000"))
	if err == nil || !strings.Contains(err.Error(), "portfolio risk") {
		t.Fatalf("err = %v, want portfolio risk rejection", err)
	}
}

func TestRequestStopBlocksGrowth(t *testing.T) {
	p, _, _ := newTestPortfolio(t, risk.Config{
		MaxOrderSize:    d("0.25"),
		MaxPositionSize: d("0.5"),
	})

	p.RequestStop()
	if !p.StopRequested() {
		t.Fatal("StopRequested must report true after RequestStop")
	}
	if err := p.ApproveGrowth("ETHUSDT", d("0.1"), d("0.1"), d("3000")); err == nil {
		t.Fatal("growth must be denied after stop")
	}
}

func TestResetDailyClearsCounters(t *testing.T) {
	p, _, _ := newTestPortfolio(t, risk.Config{DailyLossLimit: d("10")})

	p.RecordTrade(d("-25"))
	if ok, _ := p.risk.CanTrade(true); ok {
		t.Fatal("daily loss breach must deny trading")
	}
	p.ResetDaily()
	if ok, reason := p.risk.CanTrade(true); !ok {
		t.Fatalf("CanTrade after reset: %s", reason)
	}
	if !p.RiskSnapshot().DailyRealizedPnL.IsZero() {
		t.Fatalf("daily pnl = %s after reset", p.RiskSnapshot().DailyRealizedPnL)
	}
}
