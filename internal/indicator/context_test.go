package indicator

import (
	"errors"
	"math"
	"testing"
)

// seedSeries fills a fresh series with n bars of gently oscillating
// prices so every built-in has data to chew on.
func seedSeries(n int) *Series {
	s := NewSeries(DefaultWindow)
	for i := 0; i < n; i++ {
		price := 100 + 10*math.Sin(float64(i)/5)
		s.Append(makeCandle(i, price))
	}
	return s
}

func TestContextBuiltins(t *testing.T) {
	ctx := NewContext(seedSeries(120))

	t.Run("rsi within bounds", func(t *testing.T) {
		v, err := ctx.Value("rsi", 14)
		if err != nil {
			t.Fatalf("rsi: %v", err)
		}
		if v < 0 || v > 100 {
			t.Errorf("rsi = %v, want 0..100", v)
		}
	})

	t.Run("sma matches arithmetic mean", func(t *testing.T) {
		s := NewSeries(DefaultWindow)
		for i := 1; i <= 30; i++ {
			s.Append(makeCandle(i, float64(i)))
		}
		v, err := NewContext(s).Value("sma", 5)
		if err != nil {
			t.Fatalf("sma: %v", err)
		}
		if math.Abs(v-28) > 1e-9 {
			t.Errorf("sma(5) over 26..30 = %v, want 28", v)
		}
	})

	t.Run("ema finite", func(t *testing.T) {
		v, err := ctx.Value("ema", 21)
		if err != nil {
			t.Fatalf("ema: %v", err)
		}
		if v < 80 || v > 120 {
			t.Errorf("ema = %v, outside the price range", v)
		}
	})

	t.Run("macd multi output", func(t *testing.T) {
		vals, err := ctx.Values("macd", 12, 26, 9)
		if err != nil {
			t.Fatalf("macd: %v", err)
		}
		for _, k := range []string{"value", "signal", "hist"} {
			if _, ok := vals[k]; !ok {
				t.Errorf("macd missing key %q", k)
			}
		}
		if math.Abs(vals["hist"]-(vals["value"]-vals["signal"])) > 1e-6 {
			t.Errorf("hist %v != value %v - signal %v", vals["hist"], vals["value"], vals["signal"])
		}
	})

	t.Run("bbands ordered", func(t *testing.T) {
		vals, err := ctx.Values("bbands", 20, 2)
		if err != nil {
			t.Fatalf("bbands: %v", err)
		}
		if !(vals["upper"] > vals["middle"] && vals["middle"] > vals["lower"]) {
			t.Errorf("bands not ordered: %v", vals)
		}
	})

	t.Run("stoch within bounds", func(t *testing.T) {
		vals, err := ctx.Values("stoch", 14, 3, 3)
		if err != nil {
			t.Fatalf("stoch: %v", err)
		}
		for _, k := range []string{"k", "d"} {
			if vals[k] < 0 || vals[k] > 100 {
				t.Errorf("stoch %s = %v, want 0..100", k, vals[k])
			}
		}
	})

	t.Run("atr positive", func(t *testing.T) {
		v, err := ctx.Value("atr", 14)
		if err != nil {
			t.Fatalf("atr: %v", err)
		}
		if v <= 0 {
			t.Errorf("atr = %v, want > 0", v)
		}
	})

	t.Run("adx within bounds", func(t *testing.T) {
		v, err := ctx.Value("adx", 14)
		if err != nil {
			t.Fatalf("adx: %v", err)
		}
		if v < 0 || v > 100 {
			t.Errorf("adx = %v, want 0..100", v)
		}
	})

	t.Run("close passthrough", func(t *testing.T) {
		v, err := ctx.Value("close")
		if err != nil {
			t.Fatalf("close: %v", err)
		}
		last, _ := ctx.Series().Last()
		if v != last.Close {
			t.Errorf("close = %v, want %v", v, last.Close)
		}
	})
}

func TestContextInsufficientData(t *testing.T) {
	ctx := NewContext(seedSeries(5))

	_, err := ctx.Value("rsi", 14)
	if !errors.Is(err, ErrInsufficientData) {
		t.Fatalf("err = %v, want ErrInsufficientData", err)
	}
}

func TestContextUnknownIndicator(t *testing.T) {
	ctx := NewContext(seedSeries(30))

	_, err := ctx.Value("vwap-ish")
	if !errors.Is(err, ErrUnknownIndicator) {
		t.Fatalf("err = %v, want ErrUnknownIndicator", err)
	}
}

func TestContextValueOnMultiOutput(t *testing.T) {
	ctx := NewContext(seedSeries(60))

	if _, err := ctx.Value("bbands", 20, 2); err == nil {
		t.Fatal("Value on bbands succeeded, want error pointing at Values")
	}
}

func TestContextCachePerClosedBar(t *testing.T) {
	series := seedSeries(60)
	ctx := NewContext(series)

	var computed int
	if err := ctx.Register("counting", func(s *Series, params ...float64) (map[string]float64, error) {
		computed++
		return map[string]float64{"value": float64(s.Len())}, nil
	}); err != nil {
		t.Fatalf("register: %v", err)
	}

	for i := 0; i < 3; i++ {
		if _, err := ctx.Value("counting"); err != nil {
			t.Fatalf("value: %v", err)
		}
	}
	if computed != 1 {
		t.Fatalf("computed %d times within one bar, want 1", computed)
	}

	series.Append(makeCandle(60, 105))
	if _, err := ctx.Value("counting"); err != nil {
		t.Fatalf("value after new bar: %v", err)
	}
	if computed != 2 {
		t.Fatalf("computed %d times after new bar, want 2", computed)
	}
}

func TestContextCacheKeyedByParams(t *testing.T) {
	ctx := NewContext(seedSeries(60))

	a, err := ctx.Value("sma", 5)
	if err != nil {
		t.Fatalf("sma(5): %v", err)
	}
	b, err := ctx.Value("sma", 30)
	if err != nil {
		t.Fatalf("sma(30): %v", err)
	}
	if a == b {
		t.Errorf("sma(5) and sma(30) both %v, parameter sets collided in cache", a)
	}
}

func TestContextRegisterValidation(t *testing.T) {
	ctx := NewContext(seedSeries(30))
	noop := func(s *Series, params ...float64) (map[string]float64, error) {
		return map[string]float64{"value": 1}, nil
	}

	if err := ctx.Register("", noop); err == nil {
		t.Error("empty name accepted")
	}
	if err := ctx.Register("custom", nil); err == nil {
		t.Error("nil func accepted")
	}
	if err := ctx.Register("RSI", noop); err == nil {
		t.Error("collision with built-in accepted")
	}
	if err := ctx.Register("custom", noop); err != nil {
		t.Fatalf("valid registration rejected: %v", err)
	}
	if err := ctx.Register("custom", noop); err == nil {
		t.Error("duplicate registration accepted")
	}

	v, err := ctx.Value("custom")
	if err != nil || v != 1 {
		t.Errorf("custom indicator = %v, %v", v, err)
	}
}

func TestContextBadParams(t *testing.T) {
	ctx := NewContext(seedSeries(60))

	if _, err := ctx.Value("rsi", -3); err == nil {
		t.Error("negative period accepted")
	}
	if _, err := ctx.Value("rsi", 14.5); err == nil {
		t.Error("fractional period accepted")
	}
	if _, err := ctx.Values("macd", 26, 12, 9); err == nil {
		t.Error("fast >= slow accepted")
	}
}
