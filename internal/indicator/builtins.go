package indicator

import (
	"fmt"
	"math"

	"github.com/markcheno/go-talib"
)

func registerBuiltins(c *Context) {
	c.register("rsi", rsi)
	c.register("sma", sma)
	c.register("ema", ema)
	c.register("macd", macd)
	c.register("bbands", bbands)
	c.register("atr", atr)
	c.register("stoch", stoch)
	c.register("adx", adx)
	c.register("close", lastOf((*Series).Closes))
	c.register("open", lastOf((*Series).Opens))
	c.register("high", lastOf((*Series).Highs))
	c.register("low", lastOf((*Series).Lows))
	c.register("volume", lastOf((*Series).Volumes))
}

func needBars(s *Series, n int) error {
	if s.Len() < n {
		return fmt.Errorf("%w: need %d bars, have %d", ErrInsufficientData, n, s.Len())
	}
	return nil
}

func lastValue(out []float64) (float64, error) {
	if len(out) == 0 {
		return 0, ErrInsufficientData
	}
	v := out[len(out)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0, ErrInsufficientData
	}
	return v, nil
}

func single(v float64) map[string]float64 {
	return map[string]float64{"value": v}
}

// rsi(period=14)
func rsi(s *Series, params ...float64) (map[string]float64, error) {
	period, err := intParam(params, 0, 14)
	if err != nil {
		return nil, err
	}
	if err := needBars(s, period+1); err != nil {
		return nil, err
	}
	v, err := lastValue(talib.Rsi(s.Closes(), period))
	if err != nil {
		return nil, err
	}
	return single(v), nil
}

// sma(period=20)
func sma(s *Series, params ...float64) (map[string]float64, error) {
	period, err := intParam(params, 0, 20)
	if err != nil {
		return nil, err
	}
	if err := needBars(s, period); err != nil {
		return nil, err
	}
	v, err := lastValue(talib.Sma(s.Closes(), period))
	if err != nil {
		return nil, err
	}
	return single(v), nil
}

// ema(period=20)
func ema(s *Series, params ...float64) (map[string]float64, error) {
	period, err := intParam(params, 0, 20)
	if err != nil {
		return nil, err
	}
	if err := needBars(s, period); err != nil {
		return nil, err
	}
	v, err := lastValue(talib.Ema(s.Closes(), period))
	if err != nil {
		return nil, err
	}
	return single(v), nil
}

// macd(fast=12, slow=26, signal=9): value, signal, hist.
func macd(s *Series, params ...float64) (map[string]float64, error) {
	fast, err := intParam(params, 0, 12)
	if err != nil {
		return nil, err
	}
	slow, err := intParam(params, 1, 26)
	if err != nil {
		return nil, err
	}
	signal, err := intParam(params, 2, 9)
	if err != nil {
		return nil, err
	}
	if fast >= slow {
		return nil, fmt.Errorf("indicator: macd fast period %d must be below slow period %d", fast, slow)
	}
	if err := needBars(s, slow+signal); err != nil {
		return nil, err
	}
	line, sig, hist := talib.Macd(s.Closes(), fast, slow, signal)
	lv, err := lastValue(line)
	if err != nil {
		return nil, err
	}
	sv, err := lastValue(sig)
	if err != nil {
		return nil, err
	}
	hv, err := lastValue(hist)
	if err != nil {
		return nil, err
	}
	return map[string]float64{"value": lv, "signal": sv, "hist": hv}, nil
}

// bbands(period=20, dev=2): upper, middle, lower.
func bbands(s *Series, params ...float64) (map[string]float64, error) {
	period, err := intParam(params, 0, 20)
	if err != nil {
		return nil, err
	}
	dev := paramOrDefault(params, 1, 2)
	if dev <= 0 {
		return nil, fmt.Errorf("indicator: bbands deviation must be positive, got %v", dev)
	}
	if err := needBars(s, period); err != nil {
		return nil, err
	}
	upper, middle, lower := talib.BBands(s.Closes(), period, dev, dev, 0)
	uv, err := lastValue(upper)
	if err != nil {
		return nil, err
	}
	mv, err := lastValue(middle)
	if err != nil {
		return nil, err
	}
	lv, err := lastValue(lower)
	if err != nil {
		return nil, err
	}
	return map[string]float64{"upper": uv, "middle": mv, "lower": lv}, nil
}

// atr(period=14)
func atr(s *Series, params ...float64) (map[string]float64, error) {
	period, err := intParam(params, 0, 14)
	if err != nil {
		return nil, err
	}
	if err := needBars(s, period+1); err != nil {
		return nil, err
	}
	v, err := lastValue(talib.Atr(s.Highs(), s.Lows(), s.Closes(), period))
	if err != nil {
		return nil, err
	}
	return single(v), nil
}

// stoch(fastK=14, slowK=3, slowD=3): k, d.
func stoch(s *Series, params ...float64) (map[string]float64, error) {
	fastK, err := intParam(params, 0, 14)
	if err != nil {
		return nil, err
	}
	slowK, err := intParam(params, 1, 3)
	if err != nil {
		return nil, err
	}
	slowD, err := intParam(params, 2, 3)
	if err != nil {
		return nil, err
	}
	if err := needBars(s, fastK+slowK+slowD); err != nil {
		return nil, err
	}
	k, d := talib.Stoch(s.Highs(), s.Lows(), s.Closes(), fastK, slowK, 0, slowD, 0)
	kv, err := lastValue(k)
	if err != nil {
		return nil, err
	}
	dv, err := lastValue(d)
	if err != nil {
		return nil, err
	}
	return map[string]float64{"k": kv, "d": dv}, nil
}

// adx(period=14)
func adx(s *Series, params ...float64) (map[string]float64, error) {
	period, err := intParam(params, 0, 14)
	if err != nil {
		return nil, err
	}
	if err := needBars(s, 2*period); err != nil {
		return nil, err
	}
	v, err := lastValue(talib.Adx(s.Highs(), s.Lows(), s.Closes(), period))
	if err != nil {
		return nil, err
	}
	return single(v), nil
}

// lastOf exposes the newest bar's field as an indicator.
func lastOf(extract func(*Series) []float64) Func {
	return func(s *Series, params ...float64) (map[string]float64, error) {
		if err := needBars(s, 1); err != nil {
			return nil, err
		}
		vals := extract(s)
		return single(vals[len(vals)-1]), nil
	}
}
