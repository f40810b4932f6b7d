package trading

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/events"
)

// ErrChaseFailed is returned when every attempt expired or was canceled
// unfilled and the market fallback is disabled.
var ErrChaseFailed = errors.New("chase-limit gave up without a full fill")

// alreadyFilledEpsilon: a position that has moved at least (1-eps) of
// the intended quantity counts as done, covering fills from earlier
// attempts that land while the next one is being prepared.
var alreadyFilledEpsilon = decimal.NewFromFloat(0.05)

// runChase works an intent with post-only limit orders pegged to the
// top of the book, re-pricing once per interval, then falls back to a
// market order for whatever is left. The inflight slot is held by the
// caller for the whole run.
func (s *SymbolContext) runChase(in intent, first approval) OrderResult {
	cfg := s.cfg.Chase
	intentID := newClientOrderID("chase")
	total := first.qty
	remaining := total
	startSize := first.position.Size
	dir := decimal.NewFromInt(1)
	if in.side == binance.SideSell {
		dir = decimal.NewFromInt(-1)
	}
	threshold := total.Mul(decimal.NewFromInt(1).Sub(alreadyFilledEpsilon))

	var (
		orderIDs    []int64
		filledQty   decimal.Decimal
		filledQuote decimal.Decimal
		baseline    = first.position
	)

	avgFill := func() decimal.Decimal {
		if filledQty.IsPositive() {
			return filledQuote.Div(filledQty)
		}
		return decimal.Zero
	}
	foldFill := func(qty, price decimal.Decimal) {
		filledQty = filledQty.Add(qty)
		filledQuote = filledQuote.Add(qty.Mul(price))
	}
	finish := func(last *binance.Order) OrderResult {
		s.audit("chase_complete", fmt.Sprintf("intent %s filled %s of %s", intentID, filledQty, total),
			map[string]interface{}{
				"intent_id": intentID,
				"order_ids": orderIDs,
				"filled":    filledQty.String(),
				"requested": total.String(),
				"avg_price": avgFill().String(),
				"reason":    in.reason,
			})
		return OrderResult{Status: StatusFilled, Order: last, ExecutedQty: filledQty, AvgPrice: avgFill()}
	}

	for attempt := 1; attempt <= cfg.MaxAttempts; attempt++ {
		// A fill from a previous attempt (or an unrelated source) may
		// already have moved the position the intended amount.
		moved := s.Position().Size.Sub(startSize).Mul(dir)
		if moved.GreaterThanOrEqual(threshold) {
			s.logger.Info().
				Str("intent_id", intentID).
				Str("moved", moved.String()).
				Str("requested", total.String()).
				Msg("position already moved to target, skipping further attempts")
			s.audit("chase_already_filled", fmt.Sprintf("intent %s, position moved %s of %s", intentID, moved, total),
				map[string]interface{}{"intent_id": intentID, "order_ids": orderIDs})
			return OrderResult{Status: StatusAlreadyFilled, ExecutedQty: filledQty, AvgPrice: avgFill()}
		}

		// Precision and risk are re-validated for every attempt: the
		// account and the remaining quantity both change under us.
		var appr approval
		if !s.box.call(func() { appr = s.preTrade(intent{side: in.side, qty: remaining, reason: in.reason, reduceOnly: in.reduceOnly}) }) {
			return failed(errors.New("symbol context is shut down"), "mailbox closed")
		}
		if appr.reject != nil {
			if filledQty.IsPositive() {
				// Residual dropped below exchange minimums; the intent
				// is as complete as it can get.
				return finish(nil)
			}
			return s.finishRejected(in, *appr.reject)
		}
		remaining = appr.qty
		baseline = appr.position
		price := s.chasePrice(in.side, appr.refPrice)

		s.flight.Reprice()
		order, err := s.client.PlaceOrder(s.ctx, binance.OrderParams{
			Symbol:        s.cfg.Symbol,
			Side:          in.side,
			Type:          binance.OrderTypeLimit,
			Quantity:      remaining,
			Price:         price,
			TimeInForce:   binance.TimeInForceGTX,
			ReduceOnly:    in.reduceOnly,
			ClientOrderID: fmt.Sprintf("%s-%d", intentID, attempt),
		})
		if err != nil {
			if apiErr, ok := binance.AsAPIError(err); ok {
				switch {
				case apiErr.Code == binance.CodePostOnlyWouldCross:
					// The book crossed our price before the order
					// landed; re-price immediately.
					s.chaseEvent(intentID, attempt, price, remaining, "post-only rejected")
					continue
				case apiErr.Code == binance.CodeReduceOnlyRejected && in.reduceOnly:
					// Nothing left to reduce: the position closed
					// underneath us.
					return OrderResult{Status: StatusAlreadyFilled, ExecutedQty: filledQty, AvgPrice: avgFill()}
				}
			}
			return failed(err, fmt.Sprintf("chase attempt %d", attempt))
		}
		orderIDs = append(orderIDs, order.OrderID)
		s.flight.Settle(order.OrderID)
		s.chaseEvent(intentID, attempt, price, remaining, string(order.Status))

		if order.Status == binance.OrderStatusExpired {
			// GTX orders that would cross come back EXPIRED.
			continue
		}
		if order.Status == binance.OrderStatusFilled {
			foldFill(order.ExecutedQty, fillPriceOf(order))
			s.afterOrderFilled(order, in.reason, &baseline)
			return finish(order)
		}
		s.registerOrder(order, in.reason)

		if !s.sleep(cfg.Interval) {
			s.cancelQuietly(order.OrderID)
			return failed(s.ctx.Err(), "chase interrupted by shutdown")
		}

		current, err := s.client.QueryOrder(s.ctx, s.cfg.Symbol, order.OrderID)
		if err != nil {
			current = order
		}
		if current.Status == binance.OrderStatusFilled {
			s.forgetOrder(order.OrderID)
			foldFill(current.ExecutedQty, fillPriceOf(current))
			s.afterOrderFilled(current, in.reason, &baseline)
			return finish(current)
		}

		canceled, cerr := s.client.CancelOrder(s.ctx, s.cfg.Symbol, order.OrderID)
		if cerr != nil {
			if apiErr, ok := binance.AsAPIError(cerr); ok && apiErr.Code == binance.CodeUnknownOrder {
				// Cancel raced the fill; re-query for the final state.
				if q, qerr := s.client.QueryOrder(s.ctx, s.cfg.Symbol, order.OrderID); qerr == nil {
					canceled = q
				} else {
					canceled = current
				}
			} else {
				s.forgetOrder(order.OrderID)
				return failed(cerr, fmt.Sprintf("chase cancel attempt %d", attempt))
			}
		}
		s.forgetOrder(order.OrderID)

		if canceled.Status == binance.OrderStatusFilled {
			foldFill(canceled.ExecutedQty, fillPriceOf(canceled))
			s.afterOrderFilled(canceled, in.reason, &baseline)
			return finish(canceled)
		}
		if executed := canceled.ExecutedQty; executed.IsPositive() {
			foldFill(executed, fillPriceOf(canceled))
			s.afterOrderFilled(canceled, in.reason, &baseline)
			remaining = remaining.Sub(executed)
			s.orderEvent(events.OrderCanceled, canceled, in.reason, map[string]interface{}{
				"executed_qty": executed.String(),
				"attempt":      attempt,
			})
			if !remaining.IsPositive() {
				return finish(canceled)
			}
		} else {
			s.orderEvent(events.OrderCanceled, canceled, in.reason, map[string]interface{}{"attempt": attempt})
		}
	}

	if cfg.FallbackToMarket && remaining.IsPositive() {
		return s.chaseMarketFallback(in, intentID, remaining, baseline, orderIDs, filledQty, filledQuote)
	}

	s.event(events.KindOrder, events.LevelError, events.ChaseFailed,
		fmt.Sprintf("chase gave up after %d attempts, %s unfilled", cfg.MaxAttempts, remaining),
		map[string]interface{}{
			"intent_id": intentID,
			"order_ids": orderIDs,
			"remaining": remaining.String(),
			"filled":    filledQty.String(),
			"reason":    in.reason,
		})
	s.audit("chase_failed", fmt.Sprintf("intent %s, %s unfilled", intentID, remaining), map[string]interface{}{
		"intent_id": intentID,
		"order_ids": orderIDs,
	})
	return OrderResult{Status: StatusFailed, Err: ErrChaseFailed, Detail: events.ChaseFailed,
		ExecutedQty: filledQty, AvgPrice: avgFill()}
}

// chaseMarketFallback sweeps the residual quantity with a market order.
func (s *SymbolContext) chaseMarketFallback(in intent, intentID string, remaining decimal.Decimal,
	baseline Position, orderIDs []int64, filledQty, filledQuote decimal.Decimal) OrderResult {

	s.logger.Warn().
		Str("intent_id", intentID).
		Str("remaining", remaining.String()).
		Msg("chase exhausted, falling back to market order")

	order, err := s.client.PlaceOrder(s.ctx, binance.OrderParams{
		Symbol:        s.cfg.Symbol,
		Side:          in.side,
		Type:          binance.OrderTypeMarket,
		Quantity:      remaining,
		ReduceOnly:    in.reduceOnly,
		ClientOrderID: intentID + "-mkt",
	})
	if err != nil {
		s.event(events.KindOrder, events.LevelError, events.ChaseFailed,
			"market fallback failed: "+err.Error(), map[string]interface{}{
				"intent_id": intentID,
				"order_ids": orderIDs,
				"remaining": remaining.String(),
			})
		return failed(err, "chase market fallback")
	}
	s.flight.Settle(order.OrderID)
	s.orderEvent(events.OrderPlaced, order, in.reason, map[string]interface{}{
		"intent_id": intentID,
		"fallback":  true,
	})
	if !order.Status.IsTerminal() {
		if final, ferr := s.awaitTerminal(order.OrderID, 5*time.Second); ferr == nil && final != nil {
			order = final
		}
	}
	if order.ExecutedQty.IsPositive() {
		filledQty = filledQty.Add(order.ExecutedQty)
		filledQuote = filledQuote.Add(order.ExecutedQty.Mul(fillPriceOf(order)))
		s.afterOrderFilled(order, in.reason, &baseline)
	}
	avg := decimal.Zero
	if filledQty.IsPositive() {
		avg = filledQuote.Div(filledQty)
	}
	s.audit("chase_complete", fmt.Sprintf("intent %s closed by market fallback, filled %s", intentID, filledQty),
		map[string]interface{}{
			"intent_id": intentID,
			"order_ids": append(orderIDs, order.OrderID),
			"fallback":  true,
		})
	return OrderResult{Status: StatusFilled, Order: order, ExecutedQty: filledQty, AvgPrice: avg}
}

// chasePrice pegs to the top of the book when a fresh quote exists:
// one tick inside the spread. Without a quote it offsets the reference
// price by the configured slippage.
func (s *SymbolContext) chasePrice(side binance.Side, ref decimal.Decimal) decimal.Decimal {
	s.mu.RLock()
	tick := s.filters.TickSize
	s.mu.RUnlock()

	if s.quotes != nil {
		if q, ok := s.quotes.Fresh(quoteStaleAfter); ok {
			if side == binance.SideBuy && q.BestAsk.IsPositive() {
				if p := q.BestAsk.Sub(tick); p.IsPositive() {
					return RoundPriceToTick(p, tick)
				}
			}
			if side == binance.SideSell && q.BestBid.IsPositive() {
				return RoundPriceToTick(q.BestBid.Add(tick), tick)
			}
		}
	}
	slip := s.cfg.Chase.SlippageBps.Div(decimal.NewFromInt(10_000))
	if side == binance.SideBuy {
		return RoundPriceToTick(ref.Mul(decimal.NewFromInt(1).Sub(slip)), tick)
	}
	return RoundPriceToTick(ref.Mul(decimal.NewFromInt(1).Add(slip)), tick)
}

func (s *SymbolContext) chaseEvent(intentID string, attempt int, price, qty decimal.Decimal, status string) {
	s.event(events.KindOrder, events.LevelInfo, events.ChaseAttempt,
		fmt.Sprintf("attempt %d at %s for %s", attempt, price, qty), map[string]interface{}{
			"intent_id": intentID,
			"attempt":   attempt,
			"price":     price.String(),
			"qty":       qty.String(),
			"status":    status,
		})
}

// cancelQuietly is best-effort cleanup during shutdown.
func (s *SymbolContext) cancelQuietly(orderID int64) {
	ctx, cancel := context.WithTimeout(context.Background(), storeIOTimeout)
	defer cancel()
	if _, err := s.client.CancelOrder(ctx, s.cfg.Symbol, orderID); err != nil {
		if apiErr, ok := binance.AsAPIError(err); !ok || apiErr.Code != binance.CodeUnknownOrder {
			s.logger.Warn().Err(err).Int64("order_id", orderID).Msg("shutdown cancel failed")
		}
	}
	s.forgetOrder(orderID)
}
