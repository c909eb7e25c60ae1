package postgres

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/funhub-backend/internal/config"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Repository provides PostgreSQL-based data access. All durable atomicity
// guarantees live here: conditional updates for session consumption, the
// unique order-id index for payment replay, and per-owner row locks for
// debits.
type Repository struct {
	pool   *pgxpool.Pool
	logger *slog.Logger
}

// NewRepository creates a new PostgreSQL repository
func NewRepository(cfg *config.PostgresConfig, logger *slog.Logger) (*Repository, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.ConnectionString())
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}

	poolConfig.MaxConns = int32(cfg.MaxConnections)
	poolConfig.MinConns = int32(cfg.MinConnections)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(context.Background(), poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}

	if err := pool.Ping(context.Background()); err != nil {
		pool.Close()
		return nil, fmt.Errorf("connecting to database: %w", err)
	}

	return &Repository{
		pool:   pool,
		logger: logger,
	}, nil
}

// Close closes the database connection pool
func (r *Repository) Close() {
	r.pool.Close()
}

// Pool returns the underlying connection pool
func (r *Repository) Pool() *pgxpool.Pool {
	return r.pool
}

// RunMigrations executes database migrations
func (r *Repository) RunMigrations(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS accounts (
			id UUID PRIMARY KEY,
			email VARCHAR(255) NOT NULL UNIQUE,
			display_name VARCHAR(255) NOT NULL DEFAULT '',
			verified BOOLEAN NOT NULL DEFAULT TRUE,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			updated_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS players (
			id UUID PRIMARY KEY,
			device_id VARCHAR(255) NOT NULL UNIQUE,
			display_name VARCHAR(255) NOT NULL DEFAULT 'Anonymous',
			account_id UUID REFERENCES accounts(id),
			last_active_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE TABLE IF NOT EXISTS otp_challenges (
			id UUID PRIMARY KEY,
			email VARCHAR(255) NOT NULL,
			code CHAR(6) NOT NULL,
			device_id VARCHAR(255) NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			used_at TIMESTAMPTZ,
			attempts INT NOT NULL DEFAULT 0,
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
		)`,
		`CREATE INDEX IF NOT EXISTS idx_otp_challenges_email ON otp_challenges(email, created_at DESC)`,
		`CREATE TABLE IF NOT EXISTS game_sessions (
			id UUID PRIMARY KEY,
			player_id UUID NOT NULL REFERENCES players(id),
			game_id VARCHAR(64) NOT NULL,
			status VARCHAR(16) NOT NULL DEFAULT 'active',
			score BIGINT,
			min_score BIGINT NOT NULL,
			max_score BIGINT NOT NULL,
			max_score_rate DOUBLE PRECISION NOT NULL,
			max_duration_ms BIGINT NOT NULL,
			started_at TIMESTAMPTZ NOT NULL,
			expires_at TIMESTAMPTZ NOT NULL,
			ended_at TIMESTAMPTZ
		)`,
		`CREATE INDEX IF NOT EXISTS idx_game_sessions_expiry ON game_sessions(status, expires_at)`,
		`CREATE TABLE IF NOT EXISTS credit_transactions (
			id UUID PRIMARY KEY,
			account_id UUID REFERENCES accounts(id),
			player_id UUID REFERENCES players(id),
			delta BIGINT NOT NULL,
			reason VARCHAR(32) NOT NULL,
			external_order_id VARCHAR(128),
			created_at TIMESTAMPTZ NOT NULL DEFAULT NOW(),
			CHECK ((account_id IS NULL) <> (player_id IS NULL))
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_credit_transactions_order
			ON credit_transactions(external_order_id)
			WHERE external_order_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_account ON credit_transactions(account_id) WHERE account_id IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_credit_transactions_player ON credit_transactions(player_id) WHERE player_id IS NOT NULL`,
		`CREATE TABLE IF NOT EXISTS score_events (
			id UUID PRIMARY KEY,
			game_id VARCHAR(64) NOT NULL,
			player_id UUID NOT NULL REFERENCES players(id),
			score BIGINT NOT NULL,
			achieved_at TIMESTAMPTZ NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_score_events_window ON score_events(game_id, achieved_at DESC, score DESC)`,
		`CREATE TABLE IF NOT EXISTS leaderboard_entries (
			game_id VARCHAR(64) NOT NULL,
			player_id UUID NOT NULL REFERENCES players(id),
			score BIGINT NOT NULL,
			achieved_at TIMESTAMPTZ NOT NULL,
			PRIMARY KEY (game_id, player_id)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_leaderboard_entries_rank ON leaderboard_entries(game_id, score DESC, achieved_at ASC)`,
	}

	for _, migration := range migrations {
		_, err := r.pool.Exec(ctx, migration)
		if err != nil {
			return fmt.Errorf("executing migration: %w", err)
		}
	}

	r.logger.Info("database migrations completed")
	return nil
}
