package binance

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// TestRateLimiterBudget exhausts the normal-priority share and verifies a
// critical request still passes.
func TestRateLimiterBudget(t *testing.T) {
	rl := newRateLimiter(100, zerolog.Nop())

	// Normal tier tops out at 60% of the budget.
	granted := 0
	for i := 0; i < 100; i++ {
		ok, _ := rl.tryAcquire("/fapi/v1/ticker/price", PriorityNormal)
		if !ok {
			break
		}
		granted++
	}
	if granted != 60 {
		t.Errorf("normal tier granted %d slots, want 60", granted)
	}

	if ok, _ := rl.tryAcquire("/fapi/v1/ticker/price", PriorityNormal); ok {
		t.Error("normal request granted above its threshold")
	}

	// Critical tier still has headroom up to 95%.
	if ok, _ := rl.tryAcquire("/fapi/v1/order", PriorityCritical); !ok {
		t.Error("critical request refused while budget remains")
	}
}

// TestRateLimiterBanLatch: banned IPs block normal requests but not
// critical ones (keepalive must get through).
func TestRateLimiterBanLatch(t *testing.T) {
	rl := newRateLimiter(2400, zerolog.Nop())
	rl.recordBan(time.Now().Add(time.Minute))

	if ok, wait := rl.tryAcquire("/fapi/v2/account", PriorityHigh); ok {
		t.Error("non-critical request granted during ban")
	} else if wait <= 0 {
		t.Error("ban refusal reported no wait hint")
	}

	if ok, _ := rl.tryAcquire("/fapi/v1/listenKey", PriorityCritical); !ok {
		t.Error("critical request refused during ban")
	}

	if until := rl.bannedUntil(); until.IsZero() {
		t.Error("bannedUntil lost the latch")
	}
}

// TestRateLimiterBanExpiry: expired bans clear automatically.
func TestRateLimiterBanExpiry(t *testing.T) {
	rl := newRateLimiter(2400, zerolog.Nop())
	rl.recordBan(time.Now().Add(-time.Second))

	if ok, _ := rl.tryAcquire("/fapi/v2/account", PriorityHigh); !ok {
		t.Error("request refused after ban expiry")
	}
	if until := rl.bannedUntil(); !until.IsZero() {
		t.Errorf("bannedUntil = %v after expiry, want zero", until)
	}
}

// TestEndpointWeight covers the lookup incl. query-string stripping.
func TestEndpointWeight(t *testing.T) {
	if w := endpointWeight("/fapi/v1/klines"); w != 10 {
		t.Errorf("klines weight = %d, want 10", w)
	}
	if w := endpointWeight("/fapi/v1/klines?symbol=BTCUSDT"); w != 10 {
		t.Errorf("klines with query weight = %d, want 10", w)
	}
	if w := endpointWeight("/fapi/v1/unknown"); w != 1 {
		t.Errorf("unknown endpoint weight = %d, want 1", w)
	}
}
