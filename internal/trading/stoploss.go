package trading

import (
	"fmt"

	"futures-trading-engine/internal/events"
)

// StopLossReason marks position closes initiated by the stop-loss
// monitor in order results, trade records and audit entries.
const StopLossReason = "StopLoss"

// shouldStopLossLocked decides whether the open position has lost more
// than the configured fraction of the balance committed at entry.
// Caller holds s.mu.
func (s *SymbolContext) shouldStopLossLocked() bool {
	if s.stopLossBusy {
		return false
	}
	stopPct := s.risk.Config().StopLossPct
	if !stopPct.IsPositive() {
		return false
	}
	pos := s.position
	if !pos.IsOpen() || !pos.EntryBalance.IsPositive() {
		return false
	}
	pnlPct := pos.UnrealizedPnL.Div(pos.EntryBalance)
	return pnlPct.LessThanOrEqual(stopPct.Neg())
}

// executeStopLoss closes the position and arms the cooldown. It runs on
// its own goroutine: closing goes through the normal order path, which
// must not be blocked by the mailbox.
func (s *SymbolContext) executeStopLoss() {
	defer func() {
		s.mu.Lock()
		s.stopLossBusy = false
		s.mu.Unlock()
	}()

	pos := s.Position()
	if !pos.IsOpen() {
		return
	}
	s.logger.Warn().
		Str("size", pos.Size.String()).
		Str("entry_price", pos.EntryPrice.String()).
		Str("unrealized_pnl", pos.UnrealizedPnL.String()).
		Str("mark_price", s.MarkPrice().String()).
		Msg("stop-loss triggered, closing position")
	s.audit("stop_loss", fmt.Sprintf("unrealized pnl %s breached stop, closing %s",
		pos.UnrealizedPnL, pos.Size), map[string]interface{}{
		"size":           pos.Size.String(),
		"entry_price":    pos.EntryPrice.String(),
		"entry_balance":  pos.EntryBalance.String(),
		"unrealized_pnl": pos.UnrealizedPnL.String(),
	})

	// Stop exits always go to market, never through the chase.
	noChase := false
	res := s.ClosePosition(StopLossReason, &noChase)
	if !res.Ok() {
		s.logger.Error().
			Str("status", string(res.Status)).
			Str("detail", res.Detail).
			Err(res.Err).
			Msg("stop-loss close did not complete, will retry on next tick")
		return
	}
	s.startCooldown()
}

// startCooldown arms the bar-based re-entry lockout after a stop-loss
// close. The window is measured from the bar that was forming when the
// stop fired.
func (s *SymbolContext) startCooldown() {
	candles := s.risk.Config().StopLossCooldownCandles
	if candles <= 0 || s.intervalMS == 0 {
		return
	}
	barTS := s.LastBarTS()
	if barTS == 0 {
		return
	}
	until := barTS + int64(candles)*s.intervalMS
	s.risk.StartCooldown(until)
	s.event(events.KindRisk, events.LevelWarn, events.StopLossCooldownStarted,
		fmt.Sprintf("re-entry locked for %d bars", candles), map[string]interface{}{
			"candles":          candles,
			"cooldown_until":   until,
			"triggered_bar_ts": barTS,
		})
	s.audit("cooldown_started", fmt.Sprintf("until bar %d", until), map[string]interface{}{
		"cooldown_until": until,
	})
}

// checkCooldownExit lifts the cooldown once a closed bar reaches the
// armed boundary. Runs on the mailbox.
func (s *SymbolContext) checkCooldownExit(closedBarTS int64) {
	until := s.risk.CooldownUntil()
	if until == 0 || closedBarTS < until {
		return
	}
	if !s.risk.ClearCooldown() {
		return
	}
	s.event(events.KindRisk, events.LevelInfo, events.StopLossCooldownEnded,
		"stop-loss cooldown expired, entries allowed again", map[string]interface{}{
			"cooldown_until": until,
			"bar_ts":         closedBarTS,
		})
	s.audit("cooldown_ended", fmt.Sprintf("bar %d reached cooldown boundary %d", closedBarTS, until), nil)
}
