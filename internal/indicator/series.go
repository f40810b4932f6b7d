// Package indicator maintains the per-stream OHLCV window and the
// indicator registry strategies read through. The window holds closed
// bars only; the latest tick price rides alongside as the mark price and
// never mutates the closed series.
package indicator

import "sync"

// DefaultWindow is the default closed-bar capacity of a series.
const DefaultWindow = 500

// Candle is one closed bar.
type Candle struct {
	OpenTime  int64
	CloseTime int64
	Open      float64
	High      float64
	Low       float64
	Close     float64
	Volume    float64
}

// Series is a sliding window of closed bars for one (symbol, interval)
// stream. Safe for concurrent use.
type Series struct {
	mu        sync.RWMutex
	candles   []Candle
	maxBars   int
	markPrice float64
}

// NewSeries creates a series with the given window capacity.
func NewSeries(maxBars int) *Series {
	if maxBars <= 0 {
		maxBars = DefaultWindow
	}
	return &Series{
		candles: make([]Candle, 0, maxBars),
		maxBars: maxBars,
	}
}

// Append adds a closed bar, evicting the oldest when the window is full.
// Bars that do not advance the series (open time not beyond the last) are
// dropped so replays and reconnects cannot corrupt history.
func (s *Series) Append(c Candle) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if n := len(s.candles); n > 0 && c.OpenTime <= s.candles[n-1].OpenTime {
		return false
	}
	if len(s.candles) == s.maxBars {
		copy(s.candles, s.candles[1:])
		s.candles = s.candles[:s.maxBars-1]
	}
	s.candles = append(s.candles, c)
	return true
}

// MarkPrice records the latest tick price.
func (s *Series) MarkPrice(p float64) {
	s.mu.Lock()
	s.markPrice = p
	s.mu.Unlock()
}

// Mark returns the latest tick price (zero before the first tick).
func (s *Series) Mark() float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markPrice
}

// Len returns the number of closed bars in the window.
func (s *Series) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.candles)
}

// Last returns the most recent closed bar and whether one exists.
func (s *Series) Last() (Candle, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) == 0 {
		return Candle{}, false
	}
	return s.candles[len(s.candles)-1], true
}

// LastCloseTime returns the close time of the newest bar, 0 when empty.
func (s *Series) LastCloseTime() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if len(s.candles) == 0 {
		return 0
	}
	return s.candles[len(s.candles)-1].CloseTime
}

// Closes returns a copy of the close prices, oldest first.
func (s *Series) Closes() []float64 {
	return s.extract(func(c Candle) float64 { return c.Close })
}

// Opens returns a copy of the open prices, oldest first.
func (s *Series) Opens() []float64 {
	return s.extract(func(c Candle) float64 { return c.Open })
}

// Highs returns a copy of the high prices, oldest first.
func (s *Series) Highs() []float64 {
	return s.extract(func(c Candle) float64 { return c.High })
}

// Lows returns a copy of the low prices, oldest first.
func (s *Series) Lows() []float64 {
	return s.extract(func(c Candle) float64 { return c.Low })
}

// Volumes returns a copy of the volumes, oldest first.
func (s *Series) Volumes() []float64 {
	return s.extract(func(c Candle) float64 { return c.Volume })
}

// Candles returns a copy of the window, oldest first.
func (s *Series) Candles() []Candle {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Candle, len(s.candles))
	copy(out, s.candles)
	return out
}

func (s *Series) extract(f func(Candle) float64) []float64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]float64, len(s.candles))
	for i, c := range s.candles {
		out[i] = f(c)
	}
	return out
}
