package trading

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/events"
)

const terminalPollInterval = 250 * time.Millisecond

// intent is one order request flowing through the router.
type intent struct {
	side       binance.Side
	qty        decimal.Decimal
	price      *decimal.Decimal
	reason     string
	chase      bool
	reduceOnly bool
}

// approval is the outcome of the pre-trade checks: the step-adjusted
// quantity and reference price, plus the position snapshot the fill
// reconciliation will measure against. reject is non-nil on refusal.
type approval struct {
	qty      decimal.Decimal
	refPrice decimal.Decimal
	newSize  decimal.Decimal
	growing  bool
	position Position
	reject   *OrderResult
}

// Buy submits a buy order. A nil price means market execution, or the
// chase-limit algorithm when useChase is set. The call blocks until the
// intent reaches a terminal outcome or the order is resting.
func (s *SymbolContext) Buy(qty decimal.Decimal, price *decimal.Decimal, reason string, useChase bool) OrderResult {
	return s.submit(intent{side: binance.SideBuy, qty: qty, price: price, reason: reason, chase: useChase})
}

// Sell submits a sell order; see Buy.
func (s *SymbolContext) Sell(qty decimal.Decimal, price *decimal.Decimal, reason string, useChase bool) OrderResult {
	return s.submit(intent{side: binance.SideSell, qty: qty, price: price, reason: reason, chase: useChase})
}

// ClosePosition flattens the open position with a reduce-only intent.
// Reducing risk is never blocked by risk checks or cooldowns. A nil
// useChase keeps the configured execution style.
func (s *SymbolContext) ClosePosition(reason string, useChase *bool) OrderResult {
	pos := s.Position()
	if !pos.IsOpen() {
		return rejected(events.OrderRejectedRisk, "no open position to close")
	}
	chase := s.cfg.UseChase
	if useChase != nil {
		chase = *useChase
	}
	side := binance.SideSell
	if pos.IsShort() {
		side = binance.SideBuy
	}
	return s.submit(intent{
		side:       side,
		qty:        pos.Size.Abs(),
		reason:     reason,
		chase:      chase,
		reduceOnly: true,
	})
}

func (s *SymbolContext) submit(in intent) OrderResult {
	if !in.qty.IsPositive() {
		return s.finishRejected(in, rejected(events.OrderRejectedMinQty, "quantity must be positive"))
	}

	appr, ok := s.approve(in, true)
	if !ok {
		return failed(errors.New("symbol context is shut down"), "mailbox closed")
	}
	if appr.reject != nil {
		return s.finishRejected(in, *appr.reject)
	}
	defer s.flight.Release()

	if in.chase && in.price == nil {
		return s.runChase(in, appr)
	}
	return s.placeDirect(in, appr)
}

// approve runs the pre-trade checks as a synchronous mailbox request so
// the decision is serialized against fills and account updates. When
// acquire is set the inflight slot is claimed atomically with the
// approval.
func (s *SymbolContext) approve(in intent, acquire bool) (approval, bool) {
	var appr approval
	ok := s.box.call(func() {
		appr = s.preTrade(in)
		if appr.reject == nil && acquire && !s.flight.Acquire() {
			r := rejected(events.OrderRejectedInflight, "another order is already in flight")
			appr.reject = &r
		}
	})
	return appr, ok
}

// preTrade validates precision first, then the risk gates for intents
// that grow the position. Reduce-only and shrinking intents skip the
// risk gates entirely. Runs on the mailbox.
func (s *SymbolContext) preTrade(in intent) approval {
	s.mu.RLock()
	filters := s.filters
	loaded := s.filtersLoaded
	pos := s.position
	mark := s.markPrice
	s.mu.RUnlock()

	if s.stopRequested.Load() || (s.guard != nil && s.guard.StopRequested()) {
		return rejectApproval(events.OrderRejectedStopRequested, "shutdown in progress, new orders blocked")
	}
	if !loaded {
		return rejectApproval(events.OrderRejectedPrecision, "exchange filters not loaded")
	}

	qty := RoundQtyToStep(in.qty, filters.StepSize)
	if qty.IsZero() || (filters.MinQty.IsPositive() && qty.LessThan(filters.MinQty)) {
		return rejectApproval(events.OrderRejectedMinQty,
			fmt.Sprintf("quantity %s below exchange minimum %s", qty, filters.MinQty))
	}
	if filters.MaxQty.IsPositive() && qty.GreaterThan(filters.MaxQty) {
		qty = RoundQtyToStep(filters.MaxQty, filters.StepSize)
	}

	refPrice := mark
	if in.price != nil && in.price.IsPositive() {
		refPrice = RoundPriceToTick(*in.price, filters.TickSize)
	}
	if !refPrice.IsPositive() {
		return rejectApproval(events.OrderRejectedPrecision, "no reference price observed yet")
	}
	if notional := qty.Mul(refPrice); filters.MinNotional.IsPositive() && notional.LessThan(filters.MinNotional) {
		return rejectApproval(events.OrderRejectedMinNotional,
			fmt.Sprintf("notional %s below exchange minimum %s", notional, filters.MinNotional))
	}

	delta := qty
	if in.side == binance.SideSell {
		delta = delta.Neg()
	}
	newSize := pos.Size.Add(delta)
	growing := newSize.Abs().GreaterThan(pos.Size.Abs())

	if growing && !in.reduceOnly {
		if until := s.risk.CooldownUntil(); until > 0 {
			return rejectApproval(events.OrderRejectedCooldown,
				fmt.Sprintf("stop-loss cooldown active until bar %d", until))
		}
		if ok, reason := s.risk.CanTrade(true); !ok {
			return rejectApproval(events.OrderRejectedRisk, reason)
		}
		equity := s.equityForRisk()
		if err := s.risk.ValidateOrderSize(qty, refPrice, equity, s.cfg.Leverage); err != nil {
			return rejectApproval(events.OrderRejectedRisk, err.Error())
		}
		if err := s.risk.ValidatePositionSize(newSize, refPrice, equity, s.cfg.Leverage); err != nil {
			return rejectApproval(events.OrderRejectedRisk, err.Error())
		}
		if s.guard != nil {
			if err := s.guard.ApproveGrowth(s.cfg.Symbol, newSize, qty, refPrice); err != nil {
				return rejectApproval(events.OrderRejectedRisk, err.Error())
			}
		}
	}

	return approval{qty: qty, refPrice: refPrice, newSize: newSize, growing: growing, position: pos}
}

func rejectApproval(event, detail string) approval {
	r := rejected(event, detail)
	return approval{reject: &r}
}

// finishRejected publishes and logs a refusal before returning it.
func (s *SymbolContext) finishRejected(in intent, res OrderResult) OrderResult {
	s.logger.Warn().
		Str("side", string(in.side)).
		Str("qty", in.qty.String()).
		Str("reason", in.reason).
		Str("rejection", res.Rejection).
		Str("detail", res.Detail).
		Msg("order rejected before placement")
	s.event(events.KindRisk, events.LevelWarn, res.Rejection, res.Detail, map[string]interface{}{
		"side":   string(in.side),
		"qty":    in.qty.String(),
		"reason": in.reason,
	})
	s.audit("order_rejected", res.Detail, map[string]interface{}{
		"side":      string(in.side),
		"qty":       in.qty.String(),
		"reason":    in.reason,
		"rejection": res.Rejection,
	})
	return res
}

// placeDirect executes a plain market or GTC limit order.
func (s *SymbolContext) placeDirect(in intent, appr approval) OrderResult {
	params := binance.OrderParams{
		Symbol:        s.cfg.Symbol,
		Side:          in.side,
		Quantity:      appr.qty,
		ReduceOnly:    in.reduceOnly,
		ClientOrderID: newClientOrderID("order"),
	}
	if in.price != nil {
		params.Type = binance.OrderTypeLimit
		params.Price = appr.refPrice
		params.TimeInForce = binance.TimeInForceGTC
	} else {
		params.Type = binance.OrderTypeMarket
	}

	order, err := s.client.PlaceOrder(s.ctx, params)
	if err != nil {
		s.logger.Error().Err(err).
			Str("side", string(in.side)).
			Str("qty", appr.qty.String()).
			Msg("order placement failed")
		s.audit("order_failed", err.Error(), map[string]interface{}{
			"side": string(in.side),
			"qty":  appr.qty.String(),
		})
		return failed(err, "place order")
	}
	s.flight.Settle(order.OrderID)
	s.registerOrder(order, in.reason)
	s.orderEvent(events.OrderPlaced, order, in.reason, nil)

	if order.Status == binance.OrderStatusFilled {
		s.afterOrderFilled(order, in.reason, &appr.position)
		return OrderResult{Status: StatusFilled, Order: order, ExecutedQty: order.ExecutedQty, AvgPrice: fillPriceOf(order)}
	}
	if params.Type == binance.OrderTypeMarket {
		final, err := s.awaitTerminal(order.OrderID, 5*time.Second)
		if err == nil && final != nil {
			switch final.Status {
			case binance.OrderStatusFilled:
				s.afterOrderFilled(final, in.reason, &appr.position)
				return OrderResult{Status: StatusFilled, Order: final, ExecutedQty: final.ExecutedQty, AvgPrice: fillPriceOf(final)}
			case binance.OrderStatusExpired, binance.OrderStatusCanceled, binance.OrderStatusRejected:
				s.forgetOrder(order.OrderID)
				return OrderResult{Status: StatusFailed, Order: final,
					Detail: fmt.Sprintf("market order ended %s", final.Status)}
			}
		}
		// Status unknown; the user stream will reconcile the fill.
		s.logger.Warn().Int64("order_id", order.OrderID).Msg("market order not terminal yet, deferring to stream")
	}
	return OrderResult{Status: StatusPlaced, Order: order, ExecutedQty: order.ExecutedQty, AvgPrice: order.AvgPrice}
}

// awaitTerminal polls an order until it leaves the open states.
func (s *SymbolContext) awaitTerminal(orderID int64, timeout time.Duration) (*binance.Order, error) {
	deadline := time.Now().Add(timeout)
	for {
		order, err := s.client.QueryOrder(s.ctx, s.cfg.Symbol, orderID)
		if err != nil {
			return nil, err
		}
		if order.Status.IsTerminal() {
			return order, nil
		}
		if time.Now().After(deadline) {
			return order, nil
		}
		if !s.sleep(terminalPollInterval) {
			return order, s.ctx.Err()
		}
	}
}

// sleep waits ctx-aware; false means the root context was canceled.
func (s *SymbolContext) sleep(d time.Duration) bool {
	select {
	case <-time.After(d):
		return true
	case <-s.ctx.Done():
		return false
	}
}

// orderEvent publishes an order lifecycle event.
func (s *SymbolContext) orderEvent(name string, order *binance.Order, reason string, extra map[string]interface{}) {
	payload := map[string]interface{}{
		"order_id":        order.OrderID,
		"client_order_id": order.ClientOrderID,
		"side":            string(order.Side),
		"type":            string(order.Type),
		"qty":             order.OrigQty.String(),
		"price":           order.Price.String(),
		"status":          string(order.Status),
		"reason":          reason,
	}
	for k, v := range extra {
		payload[k] = v
	}
	msg := fmt.Sprintf("%s %s %s %s", order.Side, order.OrigQty, s.cfg.Symbol, strings.ToLower(string(order.Type)))
	s.event(events.KindOrder, events.LevelInfo, name, msg, payload)
}

func fillPriceOf(order *binance.Order) decimal.Decimal {
	if order.AvgPrice.IsPositive() {
		return order.AvgPrice
	}
	return order.Price
}

// newClientOrderID builds ids like "chase-1f3a9c2e". Binance caps the
// field at 36 characters.
func newClientOrderID(prefix string) string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return prefix + "-" + id[:8]
}
