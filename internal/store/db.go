package store

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/reversalpro/broker/internal/logging"
)

// DB wraps the PostgreSQL connection pool, grounded on the teacher's
// internal/database.DB.
type DB struct {
	Pool *pgxpool.Pool
}

// Config holds database connection configuration.
type Config struct {
	Host     string
	Port     int
	User     string
	Password string
	Database string
	SSLMode  string
}

// NewDB opens a connection pool and verifies connectivity.
func NewDB(cfg Config) (*DB, error) {
	dsn := fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		cfg.Host, cfg.Port, cfg.User, cfg.Password, cfg.Database, cfg.SSLMode,
	)

	poolConfig, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("store: parse config: %w", err)
	}
	poolConfig.MaxConns = 20
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute
	poolConfig.HealthCheckPeriod = time.Minute

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("store: create pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		return nil, fmt.Errorf("store: ping: %w", err)
	}

	logging.StoreContext("connect", cfg.Database).Info("connected to postgres")
	return &DB{Pool: pool}, nil
}

// Close releases the connection pool.
func (db *DB) Close() {
	if db.Pool != nil {
		db.Pool.Close()
	}
}

// Migrate creates the tables the core requires if they don't already
// exist. Column choices follow §3 and §6 of spec.md: composite PKs on
// bars, a unique index on signals, cascade delete from agents to their
// positions and logs.
func (db *DB) Migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS ohlcv_bars (
			time TIMESTAMPTZ NOT NULL,
			symbol VARCHAR(32) NOT NULL,
			timeframe VARCHAR(8) NOT NULL,
			open DOUBLE PRECISION NOT NULL,
			high DOUBLE PRECISION NOT NULL,
			low DOUBLE PRECISION NOT NULL,
			close DOUBLE PRECISION NOT NULL,
			volume DOUBLE PRECISION NOT NULL,
			PRIMARY KEY (time, symbol, timeframe)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_bars_symbol_tf_time ON ohlcv_bars(symbol, timeframe, time DESC)`,

		`CREATE TABLE IF NOT EXISTS pivots (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			timeframe VARCHAR(8) NOT NULL,
			time TIMESTAMPTZ NOT NULL,
			is_high BOOLEAN NOT NULL,
			bar_index INT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			actual_price DOUBLE PRECISION NOT NULL,
			is_preview BOOLEAN NOT NULL DEFAULT FALSE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (symbol, timeframe, time, is_high, is_preview)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_pivots_symbol_tf ON pivots(symbol, timeframe, is_high, created_at DESC)`,

		`CREATE TABLE IF NOT EXISTS reversal_signals (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			timeframe VARCHAR(8) NOT NULL,
			time TIMESTAMPTZ NOT NULL,
			bar_index INT NOT NULL,
			price DOUBLE PRECISION NOT NULL,
			actual_price DOUBLE PRECISION NOT NULL,
			is_bullish BOOLEAN NOT NULL,
			is_preview BOOLEAN NOT NULL DEFAULT FALSE,
			label VARCHAR(64) NOT NULL DEFAULT '',
			detected_at TIMESTAMPTZ NOT NULL,
			UNIQUE (time, symbol, timeframe, is_bullish)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_signals_symbol_tf ON reversal_signals(symbol, timeframe, time DESC)`,

		`CREATE TABLE IF NOT EXISTS zones (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			timeframe VARCHAR(8) NOT NULL,
			zone_type VARCHAR(8) NOT NULL,
			center_price DOUBLE PRECISION NOT NULL,
			top_price DOUBLE PRECISION NOT NULL,
			bottom_price DOUBLE PRECISION NOT NULL,
			start_bar INT NOT NULL,
			end_bar INT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_zones_symbol_tf ON zones(symbol, timeframe)`,

		`CREATE TABLE IF NOT EXISTS analysis_runs (
			id BIGSERIAL PRIMARY KEY,
			symbol VARCHAR(32) NOT NULL,
			timeframe VARCHAR(8) NOT NULL,
			run_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			current_atr DOUBLE PRECISION NOT NULL,
			current_threshold DOUBLE PRECISION NOT NULL,
			trend VARCHAR(16) NOT NULL,
			bar_count INT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_analysis_runs_symbol_tf ON analysis_runs(symbol, timeframe, run_at DESC)`,

		`CREATE TABLE IF NOT EXISTS agents (
			id BIGSERIAL PRIMARY KEY,
			name VARCHAR(64) NOT NULL UNIQUE,
			symbol VARCHAR(32) NOT NULL,
			timeframe VARCHAR(8) NOT NULL,
			trade_amount DOUBLE PRECISION NOT NULL,
			balance DOUBLE PRECISION NOT NULL DEFAULT 0,
			is_active BOOLEAN NOT NULL DEFAULT TRUE,
			mode VARCHAR(8) NOT NULL DEFAULT 'paper',
			sensitivity VARCHAR(16) NOT NULL DEFAULT 'High',
			signal_mode VARCHAR(32) NOT NULL DEFAULT 'Confirmed Only',
			atr_length INT NOT NULL DEFAULT 14,
			average_length INT NOT NULL DEFAULT 14,
			confirmation_bars INT NOT NULL DEFAULT 1,
			method VARCHAR(16) NOT NULL DEFAULT 'average',
			absolute_reversal DOUBLE PRECISION NOT NULL DEFAULT 0,
			analysis_limit INT NOT NULL DEFAULT 500,
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,

		`CREATE TABLE IF NOT EXISTS agent_positions (
			id BIGSERIAL PRIMARY KEY,
			agent_id BIGINT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			symbol VARCHAR(32) NOT NULL,
			side VARCHAR(5) NOT NULL,
			entry_price DOUBLE PRECISION NOT NULL,
			stop_loss DOUBLE PRECISION NOT NULL,
			original_stop_loss DOUBLE PRECISION NOT NULL,
			take_profit DOUBLE PRECISION NOT NULL,
			tp2 DOUBLE PRECISION NOT NULL,
			quantity DOUBLE PRECISION NOT NULL,
			original_quantity DOUBLE PRECISION NOT NULL,
			invested_eur DOUBLE PRECISION NOT NULL,
			best_price DOUBLE PRECISION NOT NULL,
			status VARCHAR(8) NOT NULL DEFAULT 'OPEN',
			partial_closed BOOLEAN NOT NULL DEFAULT FALSE,
			partial_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			entry_signal_time TIMESTAMPTZ NOT NULL,
			entry_signal_is_bullish BOOLEAN NOT NULL,
			exit_signal_id BIGINT,
			pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			pnl_percent DOUBLE PRECISION NOT NULL DEFAULT 0,
			unrealized_pnl DOUBLE PRECISION NOT NULL DEFAULT 0,
			opened_at TIMESTAMPTZ NOT NULL DEFAULT now(),
			closed_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_agent_status ON agent_positions(agent_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_positions_agent_signal ON agent_positions(agent_id, entry_signal_time, entry_signal_is_bullish)`,

		`CREATE TABLE IF NOT EXISTS agent_logs (
			id BIGSERIAL PRIMARY KEY,
			agent_id BIGINT NOT NULL REFERENCES agents(id) ON DELETE CASCADE,
			action VARCHAR(32) NOT NULL,
			details JSONB NOT NULL DEFAULT '{}',
			created_at TIMESTAMPTZ NOT NULL DEFAULT now()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_agent_logs_agent ON agent_logs(agent_id, created_at DESC)`,
	}

	for _, s := range stmts {
		if _, err := db.Pool.Exec(ctx, s); err != nil {
			return fmt.Errorf("store: migrate: %w", err)
		}
	}
	return nil
}
