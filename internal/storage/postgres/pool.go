// Package postgres provides Postgres-backed crawl history and persisted
// crawl lists.
package postgres

import (
	"context"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool.
type Config struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

// DB is the subset of *pgxpool.Pool the stores use. pgxmock pools satisfy
// it in tests.
type DB interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Close()
}

// Open connects a pool and verifies it with a ping.
func Open(ctx context.Context, cfg Config) (*pgxpool.Pool, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("database.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolCfg.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return pool, nil
}

// Schema creates the tables used by HistoryStore and CrawlListStore.
const Schema = `
CREATE TABLE IF NOT EXISTS crawl_runs (
	id            uuid PRIMARY KEY,
	auid          text NOT NULL,
	crawl_type    text NOT NULL,
	started_at    timestamptz NOT NULL,
	finished_at   timestamptz,
	status        text NOT NULL,
	result        text,
	error_message text
);
CREATE INDEX IF NOT EXISTS crawl_runs_auid_started ON crawl_runs (auid, started_at DESC);
CREATE TABLE IF NOT EXISTS host_stats (
	crawl_id    uuid NOT NULL REFERENCES crawl_runs (id) ON DELETE CASCADE,
	host        text NOT NULL,
	last_update timestamptz NOT NULL,
	fetches     bigint NOT NULL DEFAULT 0,
	bytes_total bigint NOT NULL DEFAULT 0,
	fetch_2xx   bigint NOT NULL DEFAULT 0,
	fetch_3xx   bigint NOT NULL DEFAULT 0,
	fetch_4xx   bigint NOT NULL DEFAULT 0,
	fetch_5xx   bigint NOT NULL DEFAULT 0,
	PRIMARY KEY (crawl_id, host)
);
CREATE TABLE IF NOT EXISTS crawl_lists (
	auid     text PRIMARY KEY,
	entries  jsonb NOT NULL,
	saved_at timestamptz NOT NULL DEFAULT now()
);
`

// Migrate applies Schema.
func Migrate(ctx context.Context, db DB) error {
	if _, err := db.Exec(ctx, Schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}
