// Package postgres is the PostgreSQL backend. Unlike the SQLite store it
// scores trigram similarity inside the database with pg_trgm, and serializes
// budget reservations with a transaction-scoped advisory lock so several
// server processes can share one ledger.
package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/jimmypocock/reporeconnoiter.com/internal/storage"
)

// Store implements storage.Backend on a pgx connection pool.
type Store struct {
	pool *pgxpool.Pool
	now  func() time.Time
}

var _ storage.Backend = (*Store)(nil)

// Config holds pool settings. URL is a standard postgres:// connection string.
type Config struct {
	URL             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	HealthCheck     time.Duration
}

// DefaultConfig returns a config with sensible pool defaults for url.
func DefaultConfig(url string) Config {
	return Config{
		URL:             url,
		MaxConns:        10,
		MinConns:        1,
		MaxConnLifetime: time.Hour,
		MaxConnIdleTime: 30 * time.Minute,
		HealthCheck:     time.Minute,
	}
}

// New connects, verifies the connection and ensures the schema exists.
func New(ctx context.Context, cfg Config) (*Store, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parsing connection string: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolConfig.MaxConns = cfg.MaxConns
	}
	if cfg.MinConns > 0 {
		poolConfig.MinConns = cfg.MinConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	}
	if cfg.MaxConnIdleTime > 0 {
		poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime
	}
	if cfg.HealthCheck > 0 {
		poolConfig.HealthCheckPeriod = cfg.HealthCheck
	}

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("creating connection pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("pinging database: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("initializing schema: %w", err)
	}

	return &Store{pool: pool, now: time.Now}, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Close releases the pool. It never fails.
func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func nullIfEmpty(v string) *string {
	if v == "" {
		return nil
	}
	return &v
}

func timeOrZero(t *time.Time) time.Time {
	if t == nil {
		return time.Time{}
	}
	return *t
}

const schema = `
CREATE EXTENSION IF NOT EXISTS pg_trgm;

CREATE TABLE IF NOT EXISTS users (
    id         TEXT PRIMARY KEY,
    name       TEXT NOT NULL,
    admin      BOOLEAN NOT NULL DEFAULT FALSE,
    created_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS api_keys (
    id            TEXT PRIMARY KEY,
    user_id       TEXT NOT NULL REFERENCES users(id),
    name          TEXT NOT NULL,
    prefix        TEXT NOT NULL,
    key_digest    TEXT NOT NULL UNIQUE,
    request_count INTEGER NOT NULL DEFAULT 0,
    created_at    TIMESTAMPTZ NOT NULL,
    last_used_at  TIMESTAMPTZ,
    revoked_at    TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_api_keys_prefix ON api_keys(prefix);

CREATE TABLE IF NOT EXISTS results (
    id                    TEXT PRIMARY KEY,
    kind                  TEXT NOT NULL,
    user_query            TEXT NOT NULL,
    normalized_query      TEXT NOT NULL,
    technologies          TEXT NOT NULL DEFAULT '',
    problem_domains       TEXT NOT NULL DEFAULT '',
    architecture_patterns TEXT NOT NULL DEFAULT '',
    payload               TEXT NOT NULL DEFAULT '{}',
    model                 TEXT NOT NULL DEFAULT '',
    input_tokens          INTEGER NOT NULL DEFAULT 0,
    output_tokens         INTEGER NOT NULL DEFAULT 0,
    cost_micros           BIGINT NOT NULL DEFAULT 0,
    view_count            INTEGER NOT NULL DEFAULT 0 CHECK (view_count >= 0),
    session_id            TEXT UNIQUE,
    user_id               TEXT NOT NULL DEFAULT '',
    created_at            TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_results_kind_created ON results(kind, created_at);
CREATE INDEX IF NOT EXISTS idx_results_user_created ON results(user_id, created_at);
CREATE INDEX IF NOT EXISTS idx_results_normalized_query_trgm ON results USING gin (normalized_query gin_trgm_ops);
CREATE INDEX IF NOT EXISTS idx_results_technologies_trgm ON results USING gin (technologies gin_trgm_ops);
CREATE INDEX IF NOT EXISTS idx_results_problem_domains_trgm ON results USING gin (problem_domains gin_trgm_ops);
CREATE INDEX IF NOT EXISTS idx_results_architecture_patterns_trgm ON results USING gin (architecture_patterns gin_trgm_ops);

CREATE TABLE IF NOT EXISTS categories (
    id            BIGSERIAL PRIMARY KEY,
    name          TEXT NOT NULL,
    category_type TEXT NOT NULL,
    UNIQUE (name, category_type)
);

CREATE TABLE IF NOT EXISTS result_categories (
    result_id        TEXT NOT NULL REFERENCES results(id),
    category_id      BIGINT NOT NULL REFERENCES categories(id),
    confidence_score NUMERIC(3,2) CHECK (confidence_score IS NULL OR (confidence_score >= 0 AND confidence_score <= 1)),
    assigned_by      TEXT NOT NULL DEFAULT 'inferred',
    PRIMARY KEY (result_id, category_id)
);

CREATE TABLE IF NOT EXISTS work_units (
    id                  TEXT PRIMARY KEY,
    session_id          TEXT NOT NULL UNIQUE,
    user_id             TEXT NOT NULL,
    kind                TEXT NOT NULL,
    status              TEXT NOT NULL DEFAULT 'processing',
    pending_cost_micros BIGINT NOT NULL DEFAULT 0,
    cost_micros         BIGINT NOT NULL DEFAULT 0,
    last_error          TEXT,
    created_at          TIMESTAMPTZ NOT NULL,
    settled_at          TIMESTAMPTZ
);
CREATE INDEX IF NOT EXISTS idx_work_units_kind_status_created ON work_units(kind, status, created_at);
CREATE INDEX IF NOT EXISTS idx_work_units_user_created ON work_units(user_id, kind, created_at);

CREATE TABLE IF NOT EXISTS jobs (
    id           TEXT PRIMARY KEY,
    type         TEXT NOT NULL,
    payload_json TEXT NOT NULL,
    status       TEXT NOT NULL DEFAULT 'pending',
    attempts     INTEGER NOT NULL DEFAULT 0,
    max_attempts INTEGER NOT NULL DEFAULT 3,
    run_after    TIMESTAMPTZ NOT NULL,
    created_at   TIMESTAMPTZ NOT NULL,
    updated_at   TIMESTAMPTZ NOT NULL,
    last_error   TEXT
);
CREATE INDEX IF NOT EXISTS idx_jobs_status_run_after ON jobs(status, run_after);
`
