package strategy

import (
	"errors"

	"futures-trading-engine/internal/indicator"
)

// RSIReversionConfig configures the RSI mean-reversion strategy.
type RSIReversionConfig struct {
	Period     float64
	Oversold   float64
	Overbought float64
}

// RSIReversion buys when RSI drops below the oversold level and sells
// when it rises above the overbought level, closing any opposite
// position first. It acts on closed bars only.
type RSIReversion struct {
	cfg RSIReversionConfig
}

func init() {
	Register("rsi-reversion", func() Strategy {
		return NewRSIReversion(RSIReversionConfig{})
	})
}

func NewRSIReversion(cfg RSIReversionConfig) *RSIReversion {
	if cfg.Period <= 0 {
		cfg.Period = 14
	}
	if cfg.Oversold <= 0 {
		cfg.Oversold = 30
	}
	if cfg.Overbought <= 0 {
		cfg.Overbought = 70
	}
	return &RSIReversion{cfg: cfg}
}

func (s *RSIReversion) Name() string { return "rsi-reversion" }

func (s *RSIReversion) RunOnTick() bool { return false }

func (s *RSIReversion) Initialize(ctx Context) error { return nil }

func (s *RSIReversion) OnBar(ctx Context, bar Bar) error {
	if !bar.IsNewBar {
		return nil
	}
	rsi, err := ctx.Indicator("rsi", s.cfg.Period)
	if err != nil {
		if errors.Is(err, indicator.ErrInsufficientData) {
			return nil
		}
		return err
	}

	pos := ctx.PositionSize()
	switch {
	case rsi <= s.cfg.Oversold:
		if pos.IsNegative() {
			if res := ctx.ClosePosition("rsi oversold, covering short", nil); !res.Ok() {
				return nil
			}
		}
		if !pos.IsPositive() {
			ctx.EnterLong("rsi oversold", nil)
		}
	case rsi >= s.cfg.Overbought:
		if pos.IsPositive() {
			if res := ctx.ClosePosition("rsi overbought, closing long", nil); !res.Ok() {
				return nil
			}
		}
		if !pos.IsNegative() {
			ctx.EnterShort("rsi overbought", nil)
		}
	}
	return nil
}
