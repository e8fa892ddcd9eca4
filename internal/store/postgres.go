package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// schema is applied idempotently at startup
const schema = `
CREATE TABLE IF NOT EXISTS clock_users (
	user_id TEXT PRIMARY KEY,
	clock   BIGINT NOT NULL DEFAULT -1
);

CREATE TABLE IF NOT EXISTS clock_records (
	user_id      TEXT        NOT NULL,
	clock        BIGINT      NOT NULL,
	source_table TEXT        NOT NULL,
	created_at   TIMESTAMPTZ NOT NULL DEFAULT now(),
	PRIMARY KEY (user_id, clock)
);

CREATE TABLE IF NOT EXISTS replica_sets (
	user_id          TEXT PRIMARY KEY,
	primary_endpoint TEXT        NOT NULL,
	secondaries      TEXT[]      NOT NULL,
	version          BIGINT      NOT NULL DEFAULT 0,
	updated_at       TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS replica_sets_primary_idx ON replica_sets (primary_endpoint, user_id);
`

// NewPostgresPool opens the pool shared by the clock and replica set stores
// and pings it once before returning.
func NewPostgresPool(
	ctx context.Context,
	host string,
	port int,
	database, user, password string,
	maxConns, minConns int,
) (*pgxpool.Pool, error) {
	cfg, err := pgxpool.ParseConfig(fmt.Sprintf("host=%s port=%d dbname=%s user=%s password=%s",
		host, port, database, user, password))
	if err != nil {
		return nil, fmt.Errorf("invalid postgres settings: %w", err)
	}
	if maxConns > 0 {
		cfg.MaxConns = int32(maxConns)
	}
	if minConns > 0 {
		cfg.MinConns = int32(minConns)
	}

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("postgres unreachable at %s:%d: %w", host, port, err)
	}
	return pool, nil
}

// EnsureSchema creates the tables used by the PostgreSQL stores
func EnsureSchema(ctx context.Context, pool *pgxpool.Pool) error {
	if _, err := pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("failed to apply schema: %w", err)
	}
	return nil
}
