// Package store persists finalized trades and audit entries. The memory
// implementation always runs and backs the status API; the Postgres
// implementation is attached when a database is configured.
package store

import (
	"context"
	"sync"
	"time"

	"github.com/shopspring/decimal"
)

// Fill classification recorded with each trade.
const (
	KindEntry  = "ENTRY"
	KindExit   = "EXIT"
	KindAdjust = "ADJUST"
)

// TradeRecord is one reconciled fill event. Exit records carry the
// realized PnL of the round trip; commission is tracked separately from
// gross PnL.
type TradeRecord struct {
	ID         int64           `json:"id"`
	JobID      string          `json:"job_id"`
	Symbol     string          `json:"symbol"`
	Side       string          `json:"side"`
	Kind       string          `json:"kind"`
	Quantity   decimal.Decimal `json:"quantity"`
	Price      decimal.Decimal `json:"price"`
	EntryPrice decimal.Decimal `json:"entry_price"`
	GrossPnL   decimal.Decimal `json:"gross_pnl"`
	Commission decimal.Decimal `json:"commission"`
	Reason     string          `json:"reason"`
	OrderIDs   []int64         `json:"order_ids"`
	ExecutedAt time.Time       `json:"executed_at"`
}

// AuditRecord is one line of the per-symbol audit trail.
type AuditRecord struct {
	ID      int64                  `json:"id"`
	JobID   string                 `json:"job_id"`
	Symbol  string                 `json:"symbol"`
	Action  string                 `json:"action"`
	Detail  string                 `json:"detail"`
	Payload map[string]interface{} `json:"payload,omitempty"`
	At      time.Time              `json:"at"`
}

// Store receives trade and audit records and serves recent history.
type Store interface {
	RecordTrade(ctx context.Context, tr *TradeRecord) error
	RecordAudit(ctx context.Context, a *AuditRecord) error
	RecentTrades(ctx context.Context, symbol string, limit int) ([]*TradeRecord, error)
	RecentAudits(ctx context.Context, symbol string, limit int) ([]*AuditRecord, error)
	HealthCheck(ctx context.Context) error
	Close()
}

const memoryCap = 1000

// Memory is a bounded in-memory store. Oldest records are dropped once
// the cap is reached.
type Memory struct {
	mu     sync.Mutex
	nextID int64
	trades []*TradeRecord
	audits []*AuditRecord
}

// NewMemory creates an empty in-memory store.
func NewMemory() *Memory {
	return &Memory{}
}

func (m *Memory) RecordTrade(ctx context.Context, tr *TradeRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	tr.ID = m.nextID
	m.trades = append(m.trades, tr)
	if len(m.trades) > memoryCap {
		m.trades = append(m.trades[:0:0], m.trades[len(m.trades)-memoryCap:]...)
	}
	return nil
}

func (m *Memory) RecordAudit(ctx context.Context, a *AuditRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	a.ID = m.nextID
	m.audits = append(m.audits, a)
	if len(m.audits) > memoryCap {
		m.audits = append(m.audits[:0:0], m.audits[len(m.audits)-memoryCap:]...)
	}
	return nil
}

// RecentTrades returns up to limit trades, newest first. Empty symbol
// matches all symbols.
func (m *Memory) RecentTrades(ctx context.Context, symbol string, limit int) ([]*TradeRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*TradeRecord
	for i := len(m.trades) - 1; i >= 0 && len(out) < limit; i-- {
		if symbol == "" || m.trades[i].Symbol == symbol {
			out = append(out, m.trades[i])
		}
	}
	return out, nil
}

// RecentAudits returns up to limit audit lines, newest first.
func (m *Memory) RecentAudits(ctx context.Context, symbol string, limit int) ([]*AuditRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*AuditRecord
	for i := len(m.audits) - 1; i >= 0 && len(out) < limit; i-- {
		if symbol == "" || m.audits[i].Symbol == symbol {
			out = append(out, m.audits[i])
		}
	}
	return out, nil
}

func (m *Memory) HealthCheck(ctx context.Context) error { return nil }

func (m *Memory) Close() {}

// Tee fans writes out to several stores and reads from the first.
// Write errors on secondary stores are returned but the primary write
// still lands, so a database outage cannot lose the in-memory view.
type Tee struct {
	stores []Store
}

// NewTee creates a tee over the given stores. The first is primary.
func NewTee(stores ...Store) *Tee {
	return &Tee{stores: stores}
}

func (t *Tee) RecordTrade(ctx context.Context, tr *TradeRecord) error {
	var firstErr error
	for _, s := range t.stores {
		if err := s.RecordTrade(ctx, tr); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Tee) RecordAudit(ctx context.Context, a *AuditRecord) error {
	var firstErr error
	for _, s := range t.stores {
		if err := s.RecordAudit(ctx, a); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

func (t *Tee) RecentTrades(ctx context.Context, symbol string, limit int) ([]*TradeRecord, error) {
	return t.stores[0].RecentTrades(ctx, symbol, limit)
}

func (t *Tee) RecentAudits(ctx context.Context, symbol string, limit int) ([]*AuditRecord, error) {
	return t.stores[0].RecentAudits(ctx, symbol, limit)
}

func (t *Tee) HealthCheck(ctx context.Context) error {
	for _, s := range t.stores {
		if err := s.HealthCheck(ctx); err != nil {
			return err
		}
	}
	return nil
}

func (t *Tee) Close() {
	for _, s := range t.stores {
		s.Close()
	}
}
