package engine

// Status summarizes the job for the status API. Values are read through
// the same accessors the trading path uses, so the report is consistent
// with what the strategy sees.
func (e *Engine) Status() map[string]interface{} {
	symbols := make([]string, 0, len(e.cfg.Symbols))
	for _, sc := range e.cfg.Symbols {
		symbols = append(symbols, sc.Symbol)
	}

	snap := e.portfolio.RiskSnapshot()
	status := map[string]interface{}{
		"job_id":             e.cfg.JobID,
		"strategy":           e.strat.Name(),
		"symbols":            symbols,
		"running":            e.started.Load() && !e.stopped.Load(),
		"stop_requested":     e.portfolio.StopRequested(),
		"stream_connected":   e.hub.Connected(),
		"total_equity":       e.portfolio.TotalEquity(),
		"daily_realized_pnl": snap.DailyRealizedPnL,
		"daily_trades":       snap.DailyTrades,
		"consecutive_losses": snap.ConsecutiveLosses,
	}
	if e.bus != nil {
		status["events_dropped"] = e.bus.Dropped()
	}
	return status
}

// Positions reports one row per configured symbol, open or flat.
func (e *Engine) Positions() []map[string]interface{} {
	out := make([]map[string]interface{}, 0, len(e.cfg.Symbols))
	for _, sc := range e.cfg.Symbols {
		sym := e.symbols[sc.Symbol]
		pos := sym.Position()
		state, orderID := sym.InflightState()

		row := map[string]interface{}{
			"symbol":         sym.Symbol(),
			"size":           pos.Size,
			"entry_price":    pos.EntryPrice,
			"entry_balance":  pos.EntryBalance,
			"unrealized_pnl": sym.UnrealizedPnL(),
			"mark_price":     sym.MarkPrice(),
			"wallet_balance": sym.WalletBalance(),
			"leverage":       sym.Leverage(),
			"interval":       sc.Interval,
			"inflight_state": state,
			"open_orders":    len(sym.OpenOrders()),
			"risk":           sym.RiskSnapshot(),
		}
		if orderID != 0 {
			row["inflight_order_id"] = orderID
		}
		out = append(out, row)
	}
	return out
}
