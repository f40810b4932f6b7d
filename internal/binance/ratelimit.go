package binance

import (
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
)

// RequestPriority orders access to the request-weight budget. Higher
// priority tiers may consume a larger share of the per-minute budget, so
// order placement keeps working while market-data polling is throttled.
type RequestPriority int

const (
	PriorityCritical RequestPriority = iota // order place/cancel, listen key
	PriorityHigh                            // account, position state
	PriorityNormal                          // market data
)

func (p RequestPriority) String() string {
	switch p {
	case PriorityCritical:
		return "critical"
	case PriorityHigh:
		return "high"
	default:
		return "normal"
	}
}

// Request weights for the /fapi endpoints the core uses. Unlisted
// endpoints cost the default weight 1.
var endpointWeights = map[string]int{
	"/fapi/v1/time":           1,
	"/fapi/v1/exchangeInfo":   1,
	"/fapi/v1/klines":         10,
	"/fapi/v1/ticker/price":   1,
	"/fapi/v1/premiumIndex":   1,
	"/fapi/v1/order":          1,
	"/fapi/v1/openOrders":     40,
	"/fapi/v1/userTrades":     5,
	"/fapi/v2/account":        5,
	"/fapi/v1/leverage":       1,
	"/fapi/v1/listenKey":      1,
	"/fapi/v1/commissionRate": 20,
}

func endpointWeight(endpoint string) int {
	if w, ok := endpointWeights[endpoint]; ok {
		return w
	}
	// Query strings should not change the weight lookup.
	if i := strings.IndexByte(endpoint, '?'); i > 0 {
		if w, ok := endpointWeights[endpoint[:i]]; ok {
			return w
		}
	}
	return 1
}

// rateLimiter tracks the per-minute request-weight budget and the IP-ban
// latch fed by 418 responses. Non-critical requests are refused while the
// latch is set; critical ones (keepalive, cancel) pass through so recovery
// is not starved.
type rateLimiter struct {
	mu sync.Mutex

	maxWeight     int
	currentWeight int
	weightResetAt time.Time

	banUntil time.Time

	logger zerolog.Logger
}

func newRateLimiter(maxWeight int, logger zerolog.Logger) *rateLimiter {
	if maxWeight <= 0 {
		maxWeight = 2400
	}
	return &rateLimiter{
		maxWeight:     maxWeight,
		weightResetAt: time.Now().Add(time.Minute),
		logger:        logger.With().Str("component", "RateLimiter").Logger(),
	}
}

// thresholds per priority tier, as fractions of maxWeight.
func (r *rateLimiter) threshold(priority RequestPriority) int {
	switch priority {
	case PriorityCritical:
		return int(float64(r.maxWeight) * 0.95)
	case PriorityHigh:
		return int(float64(r.maxWeight) * 0.80)
	default:
		return int(float64(r.maxWeight) * 0.60)
	}
}

// tryAcquire checks and records the weight atomically. On refusal it
// returns the suggested wait.
func (r *rateLimiter) tryAcquire(endpoint string, priority RequestPriority) (bool, time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	if now.After(r.weightResetAt) {
		r.currentWeight = 0
		r.weightResetAt = now.Add(time.Minute)
	}

	if now.Before(r.banUntil) && priority != PriorityCritical {
		return false, time.Until(r.banUntil)
	}

	weight := endpointWeight(endpoint)
	if r.currentWeight+weight > r.threshold(priority) {
		wait := time.Until(r.weightResetAt)
		if wait < 0 {
			wait = 100 * time.Millisecond
		}
		return false, wait
	}

	r.currentWeight += weight
	return true, 0
}

// waitForSlot blocks until a slot is available or maxWait elapses.
func (r *rateLimiter) waitForSlot(endpoint string, priority RequestPriority, maxWait time.Duration) bool {
	deadline := time.Now().Add(maxWait)
	for {
		ok, wait := r.tryAcquire(endpoint, priority)
		if ok {
			return true
		}
		if time.Now().Add(wait).After(deadline) {
			return false
		}
		time.Sleep(wait)
	}
}

// recordBan latches the ban-expiry reported by a 418 response.
func (r *rateLimiter) recordBan(until time.Time) {
	if until.IsZero() {
		return
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if until.After(r.banUntil) {
		r.banUntil = until
		r.logger.Warn().
			Time("ban_until", until).
			Msg("IP ban reported by exchange, pausing non-critical requests")
	}
}

// bannedUntil returns the active ban expiry, zero when none.
func (r *rateLimiter) bannedUntil() time.Time {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Now().Before(r.banUntil) {
		return r.banUntil
	}
	return time.Time{}
}

// usage returns current weight consumption as a percentage.
func (r *rateLimiter) usage() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	if time.Now().After(r.weightResetAt) {
		return 0
	}
	return float64(r.currentWeight) / float64(r.maxWeight) * 100
}
