package trading

import (
	"context"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/store"
)

// afterOrderFilled reconciles one filled (or partially filled then
// canceled) order into local state: it settles the post-fill position
// against the exchange, classifies the transition, realizes PnL,
// updates risk counters and writes the trade record. Idempotent per
// order id, so the router path and the user-stream path can both call
// it for the same order.
//
// baseline is the position observed when the order was approved. The
// router passes it and its arithmetic is trusted over a lagging REST
// view; stream-initiated reconciliation has no reliable baseline and
// defers to exchange data instead.
func (s *SymbolContext) afterOrderFilled(order *binance.Order, reason string, baseline *Position) {
	if order == nil || order.OrderID == 0 || !order.ExecutedQty.IsPositive() {
		return
	}
	if !s.processedOrders.Add(order.OrderID) {
		return
	}

	executed := order.ExecutedQty
	fillPrice := fillPriceOf(order)
	delta := executed
	if order.Side == binance.SideSell {
		delta = delta.Neg()
	}

	var before Position
	trustLocal := baseline != nil
	if trustLocal {
		before = *baseline
	} else {
		before = s.Position()
	}
	expected := before.Size.Add(delta)

	finalSize := s.settlePosition(expected, trustLocal)
	kind := classifyFill(before.Size, finalSize)
	closedQty := closedQuantity(before.Size, finalSize)

	realized := decimal.Zero
	if closedQty.IsPositive() && !before.EntryPrice.IsZero() {
		sign := decimal.NewFromInt(1)
		if before.Size.IsNegative() {
			sign = decimal.NewFromInt(-1)
		}
		realized = closedQty.Mul(sign).Mul(fillPrice.Sub(before.EntryPrice))
	}

	commission := s.takeCommission(order.OrderID)
	if commission.IsZero() {
		maker, taker := s.CommissionRates()
		rate := taker
		if order.Type == binance.OrderTypeLimit {
			rate = maker
		}
		commission = executed.Mul(fillPrice).Mul(rate)
	}

	s.applyFillTransition(before, finalSize, fillPrice)

	switch kind {
	case store.KindExit:
		// Gross PnL drives the counters; commission stays separate.
		s.risk.RecordTrade(realized)
		if s.guard != nil {
			s.guard.RecordTrade(realized)
		}
	}

	s.logger.Info().
		Int64("order_id", order.OrderID).
		Str("kind", kind).
		Str("side", string(order.Side)).
		Str("executed", executed.String()).
		Str("fill_price", fillPrice.String()).
		Str("position", finalSize.String()).
		Str("realized_pnl", realized.String()).
		Msg("order filled")
	s.orderEvent(events.OrderFilled, order, reason, map[string]interface{}{
		"kind":         kind,
		"executed_qty": executed.String(),
		"fill_price":   fillPrice.String(),
		"realized_pnl": realized.String(),
		"commission":   commission.String(),
		"position":     finalSize.String(),
	})
	s.audit("order_filled", fmt.Sprintf("%s %s %s @ %s -> position %s",
		kind, order.Side, executed, fillPrice, finalSize), map[string]interface{}{
		"order_id":     order.OrderID,
		"kind":         kind,
		"realized_pnl": realized.String(),
	})

	s.recordTrade(&store.TradeRecord{
		JobID:      s.jobID,
		Symbol:     s.cfg.Symbol,
		Side:       string(order.Side),
		Kind:       kind,
		Quantity:   executed,
		Price:      fillPrice,
		EntryPrice: before.EntryPrice,
		GrossPnL:   realized,
		Commission: commission,
		Reason:     reason,
		OrderIDs:   []int64{order.OrderID},
		ExecutedAt: time.Now().UTC(),
	})

	s.verifyOrderTrades(order.OrderID, executed)
}

// settlePosition resolves the post-fill position size. It prefers the
// user stream (bounded wait), then a REST snapshot, and finally the
// local arithmetic expectation. When trustLocal is set, a REST view
// that disagrees with the arithmetic is treated as lagging.
func (s *SymbolContext) settlePosition(expected decimal.Decimal, trustLocal bool) decimal.Decimal {
	if s.Position().Size.Equal(expected) {
		return expected
	}
	sig := s.accountWaitChan()
	select {
	case <-sig:
	case <-time.After(accountWaitTimeout):
	case <-s.ctx.Done():
	}
	if s.Position().Size.Equal(expected) {
		return expected
	}

	ctx, cancel := context.WithTimeout(context.Background(), storeIOTimeout)
	defer cancel()
	info, err := s.client.GetAccountInfo(ctx)
	if err != nil {
		s.logger.Warn().Err(err).Msg("post-fill account fetch failed, using local arithmetic")
		return expected
	}
	restSize := decimal.Zero
	for _, p := range info.Positions {
		if p.Symbol == s.cfg.Symbol {
			restSize = p.PositionAmt
		}
	}
	if restSize.Equal(expected) {
		s.OnAccountSnapshot(info)
		return expected
	}
	if trustLocal {
		s.logger.Warn().
			Str("rest_position", restSize.String()).
			Str("expected", expected.String()).
			Msg("REST position lags fill arithmetic, trusting local expectation")
		return expected
	}
	s.OnAccountSnapshot(info)
	return restSize
}

// applyFillTransition commits the position change on the mailbox,
// honoring the entry-field invariants. A magnitude increase blends the
// entry price; a reduction preserves it; a reversal or fresh entry
// rebases it at the fill price.
func (s *SymbolContext) applyFillTransition(before Position, afterSize, fillPrice decimal.Decimal) {
	s.box.call(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		switch {
		case afterSize.IsZero():
			s.position = Position{}
		case before.Size.IsZero() || before.Size.Sign() != afterSize.Sign():
			s.position = Position{
				Size:         afterSize,
				EntryPrice:   fillPrice,
				EntryBalance: s.walletBalance,
			}
		case afterSize.Abs().GreaterThan(before.Size.Abs()):
			added := afterSize.Abs().Sub(before.Size.Abs())
			entry := before.EntryPrice
			if entry.IsPositive() {
				entry = before.Size.Abs().Mul(entry).Add(added.Mul(fillPrice)).Div(afterSize.Abs())
			} else {
				entry = fillPrice
			}
			s.position.Size = afterSize
			s.position.EntryPrice = entry
			if s.position.EntryBalance.IsZero() {
				s.position.EntryBalance = s.walletBalance
			}
		default:
			s.position.Size = afterSize
			s.position.EntryPrice = before.EntryPrice
			s.position.EntryBalance = before.EntryBalance
		}
		if s.position.IsOpen() && s.markPrice.IsPositive() && s.position.EntryPrice.IsPositive() {
			s.position.UnrealizedPnL = s.position.Size.Mul(s.markPrice.Sub(s.position.EntryPrice))
		}
	})
}

// classifyFill labels the position transition.
func classifyFill(before, after decimal.Decimal) string {
	switch {
	case before.IsZero() && !after.IsZero():
		return store.KindEntry
	case !before.IsZero() && after.IsZero():
		return store.KindExit
	case !before.IsZero() && before.Sign() != after.Sign():
		// Reversal: the old position fully closed on the way through.
		return store.KindExit
	default:
		return store.KindAdjust
	}
}

// closedQuantity is how much of the prior position a transition closed.
func closedQuantity(before, after decimal.Decimal) decimal.Decimal {
	if before.IsZero() {
		return decimal.Zero
	}
	if after.IsZero() || before.Sign() != after.Sign() {
		return before.Abs()
	}
	if reduced := before.Abs().Sub(after.Abs()); reduced.IsPositive() {
		return reduced
	}
	return decimal.Zero
}

// verifyOrderTrades cross-checks the fill against the trade history and
// marks the trade ids as seen so reconciliation sweeps skip them.
// Discrepancies are logged, never corrected.
func (s *SymbolContext) verifyOrderTrades(orderID int64, executed decimal.Decimal) {
	ctx, cancel := context.WithTimeout(context.Background(), storeIOTimeout)
	defer cancel()
	since := time.Now().Add(-fillVerifyWindow).UnixMilli()
	trades, err := s.client.GetUserTrades(ctx, s.cfg.Symbol, since, 1000)
	if err != nil {
		s.logger.Debug().Err(err).Int64("order_id", orderID).Msg("fill verification fetch failed")
		return
	}
	sum := decimal.Zero
	for _, t := range trades {
		if t.OrderID != orderID {
			continue
		}
		if s.tradeIDs != nil {
			s.tradeIDs.Add(t.ID)
		}
		sum = sum.Add(t.Qty)
	}
	if !sum.Equal(executed) {
		s.logger.Warn().
			Int64("order_id", orderID).
			Str("trades_qty", sum.String()).
			Str("executed_qty", executed.String()).
			Msg("trade history does not match executed quantity")
	}
}
