package indicator

import (
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
)

var (
	// ErrUnknownIndicator is returned when a name was never registered.
	ErrUnknownIndicator = errors.New("indicator: unknown indicator")

	// ErrInsufficientData is returned when the window holds fewer bars
	// than the indicator needs.
	ErrInsufficientData = errors.New("indicator: insufficient data")
)

// Func computes an indicator over the series. The returned map carries
// the output under "value" for single-output indicators; multi-output
// indicators use their own keys ("upper", "signal", "k", ...).
type Func func(s *Series, params ...float64) (map[string]float64, error)

type cacheEntry struct {
	closeTime int64
	values    map[string]float64
}

// Context binds a series to the indicator registry and caches results
// per closed bar, so repeated reads within one bar compute once.
type Context struct {
	series *Series

	mu    sync.Mutex
	fns   map[string]Func
	cache map[string]cacheEntry
}

// NewContext creates a context over the series with the built-in
// indicators registered.
func NewContext(series *Series) *Context {
	c := &Context{
		series: series,
		fns:    make(map[string]Func),
		cache:  make(map[string]cacheEntry),
	}
	registerBuiltins(c)
	return c
}

// Series exposes the underlying bar window.
func (c *Context) Series() *Series { return c.series }

// Register adds a custom indicator. Names are case-insensitive and may
// not collide with an existing registration.
func (c *Context) Register(name string, fn Func) error {
	name = strings.ToLower(strings.TrimSpace(name))
	if name == "" {
		return errors.New("indicator: empty name")
	}
	if fn == nil {
		return fmt.Errorf("indicator: nil func for %q", name)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if _, ok := c.fns[name]; ok {
		return fmt.Errorf("indicator: %q already registered", name)
	}
	c.fns[name] = fn
	return nil
}

// register installs built-ins without the collision check.
func (c *Context) register(name string, fn Func) {
	c.mu.Lock()
	c.fns[name] = fn
	c.mu.Unlock()
}

// Value returns the primary output of a single-output indicator.
func (c *Context) Value(name string, params ...float64) (float64, error) {
	vals, err := c.Values(name, params...)
	if err != nil {
		return 0, err
	}
	v, ok := vals["value"]
	if !ok {
		return 0, fmt.Errorf("indicator: %q has no primary value, read it with Values", name)
	}
	return v, nil
}

// Values computes the indicator, serving from cache while no new bar has
// closed since the last computation with the same name and parameters.
func (c *Context) Values(name string, params ...float64) (map[string]float64, error) {
	name = strings.ToLower(strings.TrimSpace(name))

	c.mu.Lock()
	fn, ok := c.fns[name]
	c.mu.Unlock()
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrUnknownIndicator, name)
	}

	key := cacheKey(name, params)
	closeTime := c.series.LastCloseTime()

	c.mu.Lock()
	if e, ok := c.cache[key]; ok && e.closeTime == closeTime {
		c.mu.Unlock()
		return e.values, nil
	}
	c.mu.Unlock()

	vals, err := fn(c.series, params...)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	c.cache[key] = cacheEntry{closeTime: closeTime, values: vals}
	c.mu.Unlock()
	return vals, nil
}

func cacheKey(name string, params []float64) string {
	var b strings.Builder
	b.WriteString(name)
	for _, p := range params {
		b.WriteByte('|')
		b.WriteString(strconv.FormatFloat(p, 'g', -1, 64))
	}
	return b.String()
}

// paramOrDefault reads params[i], falling back when absent.
func paramOrDefault(params []float64, i int, def float64) float64 {
	if i < len(params) {
		return params[i]
	}
	return def
}

// intParam reads params[i] as a positive integer period.
func intParam(params []float64, i int, def int) (int, error) {
	v := paramOrDefault(params, i, float64(def))
	n := int(v)
	if float64(n) != v || n <= 0 {
		return 0, fmt.Errorf("indicator: parameter %d must be a positive integer, got %v", i, v)
	}
	return n, nil
}
