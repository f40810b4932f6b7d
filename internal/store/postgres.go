package store

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
)

// PostgresConfig holds the connection settings.
type PostgresConfig struct {
	Enabled  bool   `json:"enabled"`
	Host     string `json:"host"`
	Port     int    `json:"port"`
	User     string `json:"user"`
	Password string `json:"password"`
	Database string `json:"database"`
	SSLMode  string `json:"ssl_mode"`
}

// Postgres persists records through a pgx connection pool.
type Postgres struct {
	pool   *pgxpool.Pool
	logger zerolog.Logger
}

// NewPostgres connects, verifies the connection and runs migrations.
func NewPostgres(ctx context.Context, cfg PostgresConfig, logger zerolog.Logger) (*Postgres, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parsing database config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	connectCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(connectCtx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(connectCtx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}

	p := &Postgres{
		pool:   pool,
		logger: logger.With().Str("component", "store").Logger(),
	}
	if err := p.migrate(ctx); err != nil {
		pool.Close()
		return nil, err
	}

	p.logger.Info().Str("database", cfg.Database).Msg("postgres store connected")
	return p, nil
}

func (p *Postgres) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS trades (
			id BIGSERIAL PRIMARY KEY,
			job_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			side VARCHAR(4) NOT NULL,
			kind VARCHAR(10) NOT NULL,
			quantity DECIMAL(20, 8) NOT NULL,
			price DECIMAL(20, 8) NOT NULL,
			entry_price DECIMAL(20, 8),
			gross_pnl DECIMAL(20, 8),
			commission DECIMAL(20, 8),
			reason TEXT,
			order_ids BIGINT[],
			executed_at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_symbol ON trades(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_executed_at ON trades(executed_at)`,
		`CREATE INDEX IF NOT EXISTS idx_trades_job ON trades(job_id)`,

		`CREATE TABLE IF NOT EXISTS audit_log (
			id BIGSERIAL PRIMARY KEY,
			job_id VARCHAR(64) NOT NULL,
			symbol VARCHAR(20) NOT NULL,
			action VARCHAR(64) NOT NULL,
			detail TEXT,
			payload JSONB,
			at TIMESTAMPTZ NOT NULL,
			created_at TIMESTAMPTZ DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_symbol ON audit_log(symbol)`,
		`CREATE INDEX IF NOT EXISTS idx_audit_at ON audit_log(at)`,
	}

	for i, migration := range migrations {
		if _, err := p.pool.Exec(ctx, migration); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

func (p *Postgres) RecordTrade(ctx context.Context, tr *TradeRecord) error {
	query := `
		INSERT INTO trades (job_id, symbol, side, kind, quantity, price, entry_price, gross_pnl, commission, reason, order_ids, executed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
		RETURNING id
	`
	return p.pool.QueryRow(
		ctx, query,
		tr.JobID, tr.Symbol, tr.Side, tr.Kind, tr.Quantity, tr.Price,
		tr.EntryPrice, tr.GrossPnL, tr.Commission, tr.Reason, tr.OrderIDs, tr.ExecutedAt,
	).Scan(&tr.ID)
}

func (p *Postgres) RecordAudit(ctx context.Context, a *AuditRecord) error {
	var payload []byte
	if a.Payload != nil {
		b, err := json.Marshal(a.Payload)
		if err != nil {
			return fmt.Errorf("marshaling audit payload: %w", err)
		}
		payload = b
	}
	query := `
		INSERT INTO audit_log (job_id, symbol, action, detail, payload, at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	return p.pool.QueryRow(ctx, query, a.JobID, a.Symbol, a.Action, a.Detail, payload, a.At).Scan(&a.ID)
}

func (p *Postgres) RecentTrades(ctx context.Context, symbol string, limit int) ([]*TradeRecord, error) {
	query := `
		SELECT id, job_id, symbol, side, kind, quantity, price, entry_price, gross_pnl, commission, reason, order_ids, executed_at
		FROM trades
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY executed_at DESC, id DESC
		LIMIT $2
	`
	rows, err := p.pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("querying trades: %w", err)
	}
	defer rows.Close()

	var out []*TradeRecord
	for rows.Next() {
		tr := &TradeRecord{}
		if err := rows.Scan(
			&tr.ID, &tr.JobID, &tr.Symbol, &tr.Side, &tr.Kind, &tr.Quantity, &tr.Price,
			&tr.EntryPrice, &tr.GrossPnL, &tr.Commission, &tr.Reason, &tr.OrderIDs, &tr.ExecutedAt,
		); err != nil {
			return nil, fmt.Errorf("scanning trade row: %w", err)
		}
		out = append(out, tr)
	}
	return out, rows.Err()
}

func (p *Postgres) RecentAudits(ctx context.Context, symbol string, limit int) ([]*AuditRecord, error) {
	query := `
		SELECT id, job_id, symbol, action, detail, payload, at
		FROM audit_log
		WHERE ($1 = '' OR symbol = $1)
		ORDER BY at DESC, id DESC
		LIMIT $2
	`
	rows, err := p.pool.Query(ctx, query, symbol, limit)
	if err != nil {
		return nil, fmt.Errorf("querying audit log: %w", err)
	}
	defer rows.Close()

	var out []*AuditRecord
	for rows.Next() {
		a := &AuditRecord{}
		var payload []byte
		if err := rows.Scan(&a.ID, &a.JobID, &a.Symbol, &a.Action, &a.Detail, &payload, &a.At); err != nil {
			return nil, fmt.Errorf("scanning audit row: %w", err)
		}
		if len(payload) > 0 {
			if err := json.Unmarshal(payload, &a.Payload); err != nil {
				p.logger.Warn().Err(err).Int64("id", a.ID).Msg("bad audit payload in store")
			}
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (p *Postgres) HealthCheck(ctx context.Context) error {
	return p.pool.Ping(ctx)
}

func (p *Postgres) Close() {
	p.pool.Close()
}
