package trading

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"futures-trading-engine/internal/binance"
	"futures-trading-engine/internal/events"
	"futures-trading-engine/internal/feed"
	"futures-trading-engine/internal/risk"
	"futures-trading-engine/internal/store"
	"futures-trading-engine/internal/stream"
)

const (
	// accountWaitTimeout is how long a fill waits for the user stream
	// to confirm the new position before falling back to REST.
	accountWaitTimeout = 500 * time.Millisecond
	// quoteStaleAfter bounds book-ticker freshness for chase pricing.
	quoteStaleAfter = 2 * time.Second
	// fillVerifyWindow is how far back the post-fill trade sweep looks.
	fillVerifyWindow = 5 * time.Minute

	auditRingSize  = 256
	storeIOTimeout = 5 * time.Second
	commissionCap  = 512
)

// Default commission rates used when the exchange lookup fails.
var (
	defaultMakerRate = decimal.NewFromFloat(0.0002)
	defaultTakerRate = decimal.NewFromFloat(0.0004)
)

// QuoteSource supplies fresh top-of-book quotes for chase pricing.
// *feed.BookTicker satisfies it.
type QuoteSource interface {
	Fresh(maxAge time.Duration) (feed.Quote, bool)
}

// PortfolioGuard is the account-wide admission check consulted before
// any position-growing order. Implemented by the portfolio layer; nil
// disables portfolio-level checks.
type PortfolioGuard interface {
	// ApproveGrowth validates one growing order against portfolio-wide
	// order-value and exposure caps. newSize is the hypothetical
	// post-fill signed size for the symbol.
	ApproveGrowth(symbol string, newSize, qty, price decimal.Decimal) error
	// RecordTrade folds a realized PnL into portfolio counters.
	RecordTrade(pnl decimal.Decimal)
	// TotalEquity is wallet balance plus unrealized PnL across symbols.
	TotalEquity() decimal.Decimal
	// StopRequested reports a shutdown in progress.
	StopRequested() bool
}

// SymbolDeps bundles the collaborators a SymbolContext needs.
type SymbolDeps struct {
	Client binance.FuturesAPI
	Bus    *events.Bus
	Store  store.Store
	Logger zerolog.Logger
	JobID  string
	Risk   *risk.Manager
	Guard  PortfolioGuard
	Quotes QuoteSource
	// Trades is the hub's processed trade-id set, shared so that ids
	// discovered by post-fill verification are not re-ingested by
	// reconciliation sweeps.
	Trades *stream.ProcessedSet
}

// SymbolContext owns all trading state for one symbol. Mutations run on
// the mailbox goroutine; reads take snapshots under an RWMutex; order
// I/O runs on the calling goroutine with the inflight guard held.
type SymbolContext struct {
	cfg    SymbolConfig
	client binance.FuturesAPI
	bus    *events.Bus
	store  store.Store
	logger zerolog.Logger
	jobID  string
	risk   *risk.Manager
	guard  PortfolioGuard
	quotes QuoteSource

	ctx    context.Context
	box    *mailbox
	flight *inflight

	// processedOrders makes fill reconciliation idempotent per order id
	// across the router and user-stream paths.
	processedOrders *stream.ProcessedSet
	// tradeIDs is shared with the stream hub.
	tradeIDs *stream.ProcessedSet

	intervalMS    int64
	stopRequested atomic.Bool

	mu            sync.RWMutex
	filters       binance.Filters
	filtersLoaded bool
	makerRate     decimal.Decimal
	takerRate     decimal.Decimal
	position      Position
	walletBalance decimal.Decimal
	availableBal  decimal.Decimal
	markPrice     decimal.Decimal
	lastBarTS     int64
	openOrders    map[int64]*OpenOrder
	commissions   map[int64]decimal.Decimal
	stopLossBusy  bool
	accountSignal chan struct{}
	audits        []store.AuditRecord
}

// NewSymbolContext builds the context and starts its mailbox. ctx
// bounds all order I/O; cancel it to abort in-flight exchange calls.
func NewSymbolContext(ctx context.Context, cfg SymbolConfig, deps SymbolDeps) *SymbolContext {
	cfg.Normalize()
	logger := deps.Logger.With().
		Str("component", "symbol").
		Str("symbol", cfg.Symbol).
		Logger()
	s := &SymbolContext{
		cfg:             cfg,
		client:          deps.Client,
		bus:             deps.Bus,
		store:           deps.Store,
		logger:          logger,
		jobID:           deps.JobID,
		risk:            deps.Risk,
		guard:           deps.Guard,
		quotes:          deps.Quotes,
		ctx:             ctx,
		flight:          newInflight(logger),
		processedOrders: stream.NewProcessedSet(stream.DefaultProcessedCap),
		tradeIDs:        deps.Trades,
		intervalMS:      binance.IntervalMillis(cfg.Interval),
		makerRate:       defaultMakerRate,
		takerRate:       defaultTakerRate,
		openOrders:      make(map[int64]*OpenOrder),
		commissions:     make(map[int64]decimal.Decimal),
		accountSignal:   make(chan struct{}),
	}
	s.box = newMailbox()
	return s
}

// Initialize prepares the symbol for trading: clock sync, exchange
// filters, the initial account snapshot, leverage (skipped when a
// position is already open) and commission rates. Any error aborts
// engine start.
func (s *SymbolContext) Initialize(ctx context.Context) error {
	if err := s.client.SyncTime(ctx); err != nil {
		return fmt.Errorf("sync time: %w", err)
	}

	filters, err := s.client.GetSymbolFilters(ctx, s.cfg.Symbol)
	if err != nil {
		return fmt.Errorf("exchange info for %s: %w", s.cfg.Symbol, err)
	}
	s.mu.Lock()
	s.filters = filters
	s.filtersLoaded = true
	s.mu.Unlock()
	s.event(events.KindStatus, events.LevelInfo, events.ExchangeInfoLoaded,
		"exchange filters loaded", map[string]interface{}{
			"tick_size":    filters.TickSize.String(),
			"step_size":    filters.StepSize.String(),
			"min_qty":      filters.MinQty.String(),
			"min_notional": filters.MinNotional.String(),
		})

	account, err := s.client.GetAccountInfo(ctx)
	if err != nil {
		return fmt.Errorf("account info: %w", err)
	}
	s.applyAccountInfo(account)

	if err := s.risk.ValidateLeverage(s.cfg.Leverage); err != nil {
		return fmt.Errorf("leverage config: %w", err)
	}
	if s.Position().IsOpen() {
		s.logger.Info().Msg("open position found, leaving leverage untouched")
		s.event(events.KindStatus, events.LevelInfo, events.LeverageSetSkipped,
			"leverage unchanged, position already open", map[string]interface{}{
				"leverage": s.cfg.Leverage,
			})
	} else {
		if _, err := s.client.SetLeverage(ctx, s.cfg.Symbol, s.cfg.Leverage); err != nil {
			return fmt.Errorf("set leverage: %w", err)
		}
		s.event(events.KindStatus, events.LevelInfo, events.LeverageSet,
			"leverage configured", map[string]interface{}{
				"leverage": s.cfg.Leverage,
			})
	}

	if rate, err := s.client.GetCommissionRate(ctx, s.cfg.Symbol); err != nil {
		s.logger.Warn().Err(err).Msg("commission rate lookup failed, using defaults")
	} else {
		s.mu.Lock()
		if rate.Maker.IsPositive() {
			s.makerRate = rate.Maker
		}
		if rate.Taker.IsPositive() {
			s.takerRate = rate.Taker
		}
		s.mu.Unlock()
	}
	return nil
}

// Close drains and stops the mailbox.
func (s *SymbolContext) Close() {
	s.box.close()
}

// SetStopRequested blocks new orders when true. In-flight calls finish.
func (s *SymbolContext) SetStopRequested(v bool) {
	s.stopRequested.Store(v)
}

// Config returns the symbol configuration.
func (s *SymbolContext) Config() SymbolConfig { return s.cfg }

// --- stream.Handler ---

// Symbol identifies this context to the user-stream hub.
func (s *SymbolContext) Symbol() string { return s.cfg.Symbol }

// OnAccountUpdate applies balance and position pushes for this symbol.
func (s *SymbolContext) OnAccountUpdate(ev *binance.AccountUpdateEvent) {
	if ev == nil {
		return
	}
	s.box.post(func() {
		s.mu.Lock()
		for _, b := range ev.Update.Balances {
			if b.Asset == s.cfg.QuoteAsset {
				s.walletBalance = b.WalletBalance
			}
		}
		for _, p := range ev.Update.Positions {
			if p.Symbol != s.cfg.Symbol {
				continue
			}
			if p.PositionSide != "" && p.PositionSide != "BOTH" {
				continue
			}
			s.applyPositionLocked(p.PositionAmount, p.EntryPrice, p.UnrealizedPnL)
		}
		s.signalAccountLocked()
		s.mu.Unlock()
	})
}

// OnAccountSnapshot applies a REST account snapshot, used while the
// user stream is down.
func (s *SymbolContext) OnAccountSnapshot(info *binance.AccountInfo) {
	if info == nil {
		return
	}
	s.box.post(func() { s.applyAccountInfo(info) })
}

// OnOrderUpdate maintains the open-order table and triggers fill
// reconciliation for orders that reach FILLED through the stream.
func (s *SymbolContext) OnOrderUpdate(ev *binance.OrderTradeUpdateEvent) {
	if ev == nil || ev.Order.Symbol != s.cfg.Symbol {
		return
	}
	o := ev.Order
	s.box.post(func() {
		var reason string
		now := time.Now().UTC()
		s.mu.Lock()
		oo := s.openOrders[o.OrderID]
		if oo == nil && !o.OrderStatus.IsTerminal() {
			oo = &OpenOrder{
				OrderID:       o.OrderID,
				ClientOrderID: o.ClientOrderID,
				Side:          o.Side,
				Type:          o.OrderType,
				Price:         o.OriginalPrice,
				Quantity:      o.OriginalQty,
				ReduceOnly:    o.IsReduceOnly,
				CreatedAt:     now,
			}
			s.openOrders[o.OrderID] = oo
		}
		if oo != nil {
			reason = oo.Reason
			oo.Status = o.OrderStatus
			oo.ExecutedQty = o.FilledAccumQty
			oo.AvgPrice = o.AveragePrice
			oo.UpdatedAt = now
		}
		if o.OrderStatus.IsTerminal() {
			delete(s.openOrders, o.OrderID)
		}
		s.mu.Unlock()

		if o.OrderStatus == binance.OrderStatusFilled {
			ord := orderFromUpdate(o)
			// Reconciliation blocks, so it cannot run on the mailbox.
			// The processed-order set keeps this idempotent against
			// the router's own reconciliation of the same order.
			go s.afterOrderFilled(ord, reason, nil)
		}
	})
}

// OnTrade accumulates per-order commissions and ingests trades that
// were recovered by reconciliation sweeps while the stream was down.
func (s *SymbolContext) OnTrade(tr stream.Trade) {
	if tr.Symbol != s.cfg.Symbol {
		return
	}
	s.box.post(func() {
		s.mu.Lock()
		if len(s.commissions) >= commissionCap {
			for id := range s.commissions {
				delete(s.commissions, id)
				break
			}
		}
		s.commissions[tr.OrderID] = s.commissions[tr.OrderID].Add(tr.Commission)
		s.mu.Unlock()

		s.audit("trade", fmt.Sprintf("trade %d order %d qty %s @ %s", tr.ID, tr.OrderID, tr.Qty, tr.Price),
			map[string]interface{}{
				"trade_id":     tr.ID,
				"order_id":     tr.OrderID,
				"side":         string(tr.Side),
				"qty":          tr.Qty.String(),
				"price":        tr.Price.String(),
				"realized_pnl": tr.RealizedPnL.String(),
				"from_stream":  tr.FromStream,
			})

		if tr.FromStream || tr.RealizedPnL.IsZero() || s.processedOrders.Contains(tr.OrderID) {
			return
		}
		// A realizing fill recovered after an outage whose order never
		// went through local reconciliation. Fold it into counters and
		// the trade log; position state arrives via account snapshots.
		s.risk.RecordTrade(tr.RealizedPnL)
		if s.guard != nil {
			s.guard.RecordTrade(tr.RealizedPnL)
		}
		s.logger.Warn().
			Int64("order_id", tr.OrderID).
			Str("realized_pnl", tr.RealizedPnL.String()).
			Msg("ingested missed trade from reconciliation sweep")
		s.recordTrade(&store.TradeRecord{
			JobID:      s.jobID,
			Symbol:     s.cfg.Symbol,
			Side:       string(tr.Side),
			Kind:       store.KindExit,
			Quantity:   tr.Qty,
			Price:      tr.Price,
			GrossPnL:   tr.RealizedPnL,
			Commission: tr.Commission,
			Reason:     "reconciled",
			OrderIDs:   []int64{tr.OrderID},
			ExecutedAt: time.UnixMilli(tr.Time).UTC(),
		})
	})
}

// OnDisconnect is the hub's outage notification.
func (s *SymbolContext) OnDisconnect() {
	s.audit("stream_down", "user stream lost, REST fallback active", nil)
}

// OnReconnect is the hub's recovery notification.
func (s *SymbolContext) OnReconnect() {
	s.audit("stream_up", "user stream restored", nil)
}

// --- market data entry points (called by the engine) ---

// OnTick applies an in-progress bar update: mark price, the forming
// bar's open time and a stop-loss evaluation.
func (s *SymbolContext) OnTick(price decimal.Decimal, barOpenTS int64) {
	s.box.post(func() { s.applyMark(price, barOpenTS) })
}

// OnNewBar handles a closed bar: the mark moves to the close, the
// forming bar advances and an expired stop-loss cooldown is lifted.
func (s *SymbolContext) OnNewBar(closedBarTS int64, closePrice decimal.Decimal) {
	s.box.post(func() {
		s.applyMark(closePrice, closedBarTS+s.intervalMS)
		s.checkCooldownExit(closedBarTS)
	})
}

// applyMark runs on the mailbox.
func (s *SymbolContext) applyMark(price decimal.Decimal, barOpenTS int64) {
	if price.IsZero() {
		return
	}
	var trigger bool
	s.mu.Lock()
	s.markPrice = price
	if barOpenTS > s.lastBarTS {
		s.lastBarTS = barOpenTS
	}
	if s.position.IsOpen() && !s.position.EntryPrice.IsZero() {
		s.position.UnrealizedPnL = s.position.Size.Mul(price.Sub(s.position.EntryPrice))
	}
	if s.shouldStopLossLocked() {
		s.stopLossBusy = true
		trigger = true
	}
	s.mu.Unlock()
	if trigger {
		go s.executeStopLoss()
	}
}

// --- snapshot accessors ---

// Position returns the current position snapshot.
func (s *SymbolContext) Position() Position {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position
}

// MarkPrice returns the last observed price.
func (s *SymbolContext) MarkPrice() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.markPrice
}

// WalletBalance returns the quote-asset wallet balance.
func (s *SymbolContext) WalletBalance() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.walletBalance
}

// AvailableBalance returns the quote-asset available balance.
func (s *SymbolContext) AvailableBalance() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.availableBal
}

// Equity is wallet balance plus this symbol's unrealized PnL.
func (s *SymbolContext) Equity() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.walletBalance.Add(s.position.UnrealizedPnL)
}

// UnrealizedPnL returns the position's floating PnL.
func (s *SymbolContext) UnrealizedPnL() decimal.Decimal {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.position.UnrealizedPnL
}

// Filters returns the exchange filters and whether they are loaded.
func (s *SymbolContext) Filters() (binance.Filters, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.filters, s.filtersLoaded
}

// Leverage returns the configured leverage.
func (s *SymbolContext) Leverage() int { return s.cfg.Leverage }

// LastBarTS returns the open time of the bar currently forming.
func (s *SymbolContext) LastBarTS() int64 {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.lastBarTS
}

// CommissionRates returns the maker and taker rates in force.
func (s *SymbolContext) CommissionRates() (maker, taker decimal.Decimal) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.makerRate, s.takerRate
}

// OpenOrders returns a snapshot of non-terminal orders.
func (s *SymbolContext) OpenOrders() []OpenOrder {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]OpenOrder, 0, len(s.openOrders))
	for _, o := range s.openOrders {
		out = append(out, *o)
	}
	return out
}

// RiskSnapshot returns the risk counters.
func (s *SymbolContext) RiskSnapshot() risk.Snapshot { return s.risk.Snapshot() }

// InflightState reports the order slot for status endpoints.
func (s *SymbolContext) InflightState() (state string, orderID int64) {
	state, orderID, _ = s.flight.Snapshot()
	return state, orderID
}

// RecentAudits returns up to n audit entries, newest first.
func (s *SymbolContext) RecentAudits(n int) []store.AuditRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if n <= 0 || n > len(s.audits) {
		n = len(s.audits)
	}
	out := make([]store.AuditRecord, 0, n)
	for i := len(s.audits) - 1; i >= 0 && len(out) < n; i-- {
		out = append(out, s.audits[i])
	}
	return out
}

// CalcEntryQuantity sizes an entry from equity, leverage and the entry
// fraction, respecting exchange precision bounds. A zero return means
// the order would be below the exchange minimum and must not be sent.
func (s *SymbolContext) CalcEntryQuantity(entryPct, price *decimal.Decimal) decimal.Decimal {
	s.mu.RLock()
	filters := s.filters
	loaded := s.filtersLoaded
	mark := s.markPrice
	s.mu.RUnlock()
	if !loaded {
		return decimal.Zero
	}

	pct := s.cfg.EntryPct
	if entryPct != nil && entryPct.IsPositive() {
		pct = *entryPct
	}
	if maxPos := s.risk.Config().MaxPositionSize; maxPos.IsPositive() && pct.GreaterThan(maxPos) {
		pct = maxPos
	}
	px := mark
	if price != nil && price.IsPositive() {
		px = *price
	}
	if !px.IsPositive() || !pct.IsPositive() {
		return decimal.Zero
	}

	equity := s.equityForRisk()
	notional := equity.Mul(decimal.NewFromInt(int64(s.cfg.Leverage))).Mul(pct)
	qty := RoundQtyToStep(notional.Div(px), filters.StepSize)
	if filters.MinQty.IsPositive() && qty.LessThan(filters.MinQty) {
		qty = filters.MinQty
	}
	if filters.MaxQty.IsPositive() && qty.GreaterThan(filters.MaxQty) {
		qty = RoundQtyToStep(filters.MaxQty, filters.StepSize)
	}
	if filters.MinNotional.IsPositive() && qty.Mul(px).LessThan(filters.MinNotional) {
		return decimal.Zero
	}
	return qty
}

// EnterLong sizes and submits a long entry using the configured entry
// fraction (or the override) and the default execution style.
func (s *SymbolContext) EnterLong(reason string, entryPct *decimal.Decimal) OrderResult {
	qty := s.CalcEntryQuantity(entryPct, nil)
	if qty.IsZero() {
		return rejected(events.OrderRejectedMinNotional, "calculated entry quantity is zero")
	}
	return s.Buy(qty, nil, reason, s.cfg.UseChase)
}

// EnterShort sizes and submits a short entry.
func (s *SymbolContext) EnterShort(reason string, entryPct *decimal.Decimal) OrderResult {
	qty := s.CalcEntryQuantity(entryPct, nil)
	if qty.IsZero() {
		return rejected(events.OrderRejectedMinNotional, "calculated entry quantity is zero")
	}
	return s.Sell(qty, nil, reason, s.cfg.UseChase)
}

// --- internal state plumbing ---

// applyAccountInfo takes the write lock itself; call off the lock.
func (s *SymbolContext) applyAccountInfo(info *binance.AccountInfo) {
	s.mu.Lock()
	defer s.mu.Unlock()
	found := false
	for _, a := range info.Assets {
		if a.Asset == s.cfg.QuoteAsset {
			s.walletBalance = a.WalletBalance
			s.availableBal = a.AvailableBalance
			found = true
		}
	}
	if !found {
		s.walletBalance = info.TotalWalletBalance
		s.availableBal = info.AvailableBalance
	}
	for _, p := range info.Positions {
		if p.Symbol == s.cfg.Symbol {
			s.applyPositionLocked(p.PositionAmt, p.EntryPrice, p.UnrealizedPnL)
		}
	}
	s.signalAccountLocked()
}

// applyPositionLocked enforces the position invariants: entry balance
// is captured at the flat-to-open transition and all entry fields are
// zeroed on close.
func (s *SymbolContext) applyPositionLocked(size, entryPrice, unrealized decimal.Decimal) {
	if size.IsZero() {
		s.position = Position{}
		return
	}
	if s.position.Size.IsZero() {
		s.position.EntryBalance = s.walletBalance
	}
	s.position.Size = size
	s.position.EntryPrice = entryPrice
	s.position.UnrealizedPnL = unrealized
}

func (s *SymbolContext) signalAccountLocked() {
	close(s.accountSignal)
	s.accountSignal = make(chan struct{})
}

// accountWaitChan returns a channel closed on the next account update.
func (s *SymbolContext) accountWaitChan() <-chan struct{} {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.accountSignal
}

// equityForRisk prefers the portfolio-wide equity when available.
func (s *SymbolContext) equityForRisk() decimal.Decimal {
	if s.guard != nil {
		if eq := s.guard.TotalEquity(); eq.IsPositive() {
			return eq
		}
	}
	return s.Equity()
}

// takeCommission drains accumulated stream commissions for an order.
func (s *SymbolContext) takeCommission(orderID int64) decimal.Decimal {
	s.mu.Lock()
	defer s.mu.Unlock()
	c, ok := s.commissions[orderID]
	if ok {
		delete(s.commissions, orderID)
	}
	return c
}

// registerOrder adds a freshly placed order to the open-order table.
func (s *SymbolContext) registerOrder(order *binance.Order, reason string) {
	if order == nil || order.Status.IsTerminal() {
		return
	}
	now := time.Now().UTC()
	s.box.post(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.openOrders[order.OrderID] = &OpenOrder{
			OrderID:       order.OrderID,
			ClientOrderID: order.ClientOrderID,
			Side:          order.Side,
			Type:          order.Type,
			Price:         order.Price,
			Quantity:      order.OrigQty,
			ExecutedQty:   order.ExecutedQty,
			AvgPrice:      order.AvgPrice,
			Status:        order.Status,
			ReduceOnly:    order.ReduceOnly,
			Reason:        reason,
			CreatedAt:     now,
			UpdatedAt:     now,
		}
	})
}

// forgetOrder drops an order from the open-order table.
func (s *SymbolContext) forgetOrder(orderID int64) {
	s.box.post(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		delete(s.openOrders, orderID)
	})
}

// audit appends to the in-memory ring and forwards to the store.
func (s *SymbolContext) audit(action, detail string, payload map[string]interface{}) {
	rec := store.AuditRecord{
		JobID:   s.jobID,
		Symbol:  s.cfg.Symbol,
		Action:  action,
		Detail:  detail,
		Payload: payload,
		At:      time.Now().UTC(),
	}
	s.mu.Lock()
	s.audits = append(s.audits, rec)
	if len(s.audits) > auditRingSize {
		s.audits = append(s.audits[:0:0], s.audits[len(s.audits)-auditRingSize:]...)
	}
	s.mu.Unlock()
	if s.store != nil {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), storeIOTimeout)
			defer cancel()
			if err := s.store.RecordAudit(ctx, &rec); err != nil {
				s.logger.Warn().Err(err).Str("action", action).Msg("audit store write failed")
			}
		}()
	}
}

// recordTrade forwards a trade record to the store.
func (s *SymbolContext) recordTrade(rec *store.TradeRecord) {
	if s.store == nil {
		return
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), storeIOTimeout)
		defer cancel()
		if err := s.store.RecordTrade(ctx, rec); err != nil {
			s.logger.Error().Err(err).Str("kind", rec.Kind).Msg("trade store write failed")
		}
	}()
}

// event publishes to the bus with the symbol stamped into the payload.
func (s *SymbolContext) event(kind events.Kind, level events.Level, name, msg string, payload map[string]interface{}) {
	if s.bus == nil {
		return
	}
	if payload == nil {
		payload = map[string]interface{}{}
	}
	payload["symbol"] = s.cfg.Symbol
	s.bus.Publish(kind, level, name, msg, payload)
}

func orderFromUpdate(o binance.OrderUpdateData) *binance.Order {
	return &binance.Order{
		OrderID:       o.OrderID,
		ClientOrderID: o.ClientOrderID,
		Symbol:        o.Symbol,
		Status:        o.OrderStatus,
		Side:          o.Side,
		Type:          o.OrderType,
		TimeInForce:   o.TimeInForce,
		OrigQty:       o.OriginalQty,
		Price:         o.OriginalPrice,
		ExecutedQty:   o.FilledAccumQty,
		AvgPrice:      o.AveragePrice,
		ReduceOnly:    o.IsReduceOnly,
		UpdateTime:    o.OrderTradeTime,
	}
}
