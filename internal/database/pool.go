package database

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/rickgao/tick-relay/internal/config"
)

// Connect creates a connection pool and verifies it with a ping.
func Connect(ctx context.Context, cfg config.DBConfig) (*pgxpool.Pool, error) {
	poolCfg, err := ParsePoolConfig(cfg)
	if err != nil {
		return nil, err
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("create pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return pool, nil
}

// ParsePoolConfig builds the pgxpool configuration without connecting.
func ParsePoolConfig(cfg config.DBConfig) (*pgxpool.Config, error) {
	poolCfg, err := pgxpool.ParseConfig(BuildConnString(cfg))
	if err != nil {
		return nil, fmt.Errorf("parse connection string: %w", err)
	}

	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = int32(cfg.MaxConns)
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = int32(cfg.MinConns)
	}

	return poolCfg, nil
}

// Execer runs a single statement.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// SessionsSchema creates the session journal table.
const SessionsSchema = `
CREATE TABLE IF NOT EXISTS subscriber_sessions (
	subscriber_id   UUID        PRIMARY KEY,
	instance_id     TEXT        NOT NULL,
	filter          TEXT        NOT NULL,
	connected_at    TIMESTAMPTZ NOT NULL,
	disconnected_at TIMESTAMPTZ NOT NULL,
	reason          TEXT        NOT NULL
);
CREATE INDEX IF NOT EXISTS subscriber_sessions_disconnected_at_idx
	ON subscriber_sessions (disconnected_at);
`

// EnsureSchema creates the journal tables if they do not exist.
func EnsureSchema(ctx context.Context, db Execer) error {
	if _, err := db.Exec(ctx, SessionsSchema); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}
