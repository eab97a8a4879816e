// Package store is the database facade shared by the registry and collector
// services: a pooled Postgres connection, bulk COPY ingestion for bars, and
// the CRUD surface over registrations, subscriptions, assets and identities.
package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"

	_ "github.com/lib/pq"
)

// ErrNotOpen reports use of the store before Open (or after Close). Every
// access path fails loudly instead of dereferencing a nil pool.
var ErrNotOpen = errors.New("store: not open")

// ErrNotFound reports a lookup that matched no row.
var ErrNotFound = errors.New("store: not found")

// ErrExists reports an insert that collided with an existing row.
var ErrExists = errors.New("store: already exists")

// Store owns one *sql.DB pool. A Store is safe for concurrent use once
// opened; Open and Close are the caller's lifecycle responsibility.
type Store struct {
	db  *sql.DB
	log *slog.Logger
}

// New returns an unopened store.
func New() *Store {
	return &Store{log: slog.Default().With("component", "store")}
}

// NewWithDB wraps an existing database handle. Used by tests to substitute
// sqlmock or an in-memory engine.
func NewWithDB(db *sql.DB) *Store {
	return &Store{db: db, log: slog.Default().With("component", "store")}
}

// Open dials the Postgres pool and verifies it with a ping.
func (s *Store) Open(ctx context.Context, dsn string) error {
	if s.db != nil {
		return errors.New("store: already open")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return fmt.Errorf("store: failed to open pool: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return fmt.Errorf("store: failed to reach database: %w", err)
	}
	s.db = db
	s.log.InfoContext(ctx, "database pool opened")
	return nil
}

// Close drains the pool. Safe to call on an unopened store.
func (s *Store) Close() error {
	if s.db == nil {
		return nil
	}
	err := s.db.Close()
	s.db = nil
	return err
}

func (s *Store) handle() (*sql.DB, error) {
	if s.db == nil {
		return nil, ErrNotOpen
	}
	return s.db, nil
}

const schema = `
CREATE TABLE IF NOT EXISTS code_registry (
	class_name    TEXT NOT NULL,
	class_type    TEXT NOT NULL,
	class_subtype TEXT NOT NULL,
	file_path     TEXT NOT NULL,
	file_hash     TEXT NOT NULL,
	nonce         BYTEA,
	ciphertext    BYTEA,
	preferences   TEXT NOT NULL DEFAULT '{}',
	uploaded_at   TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (class_name, class_type)
);

CREATE TABLE IF NOT EXISTS provider_subscription (
	provider TEXT NOT NULL,
	interval TEXT NOT NULL,
	cron     TEXT NOT NULL,
	sym      TEXT NOT NULL,
	PRIMARY KEY (provider, interval, cron, sym)
);

CREATE TABLE IF NOT EXISTS historical_symbol_state (
	provider     TEXT NOT NULL,
	sym          TEXT NOT NULL,
	last_updated DATE NOT NULL,
	PRIMARY KEY (provider, sym)
);

CREATE TABLE IF NOT EXISTS historical_data (
	ts       TIMESTAMPTZ NOT NULL,
	sym      TEXT NOT NULL,
	provider TEXT NOT NULL,
	interval TEXT NOT NULL,
	o DOUBLE PRECISION NOT NULL,
	h DOUBLE PRECISION NOT NULL,
	l DOUBLE PRECISION NOT NULL,
	c DOUBLE PRECISION NOT NULL,
	v DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS live_data (
	ts       TIMESTAMPTZ NOT NULL,
	sym      TEXT NOT NULL,
	provider TEXT NOT NULL,
	interval TEXT NOT NULL,
	o DOUBLE PRECISION NOT NULL,
	h DOUBLE PRECISION NOT NULL,
	l DOUBLE PRECISION NOT NULL,
	c DOUBLE PRECISION NOT NULL,
	v DOUBLE PRECISION NOT NULL
);

CREATE TABLE IF NOT EXISTS assets (
	class_name     TEXT NOT NULL,
	class_type     TEXT NOT NULL,
	symbol         TEXT NOT NULL,
	external_id    TEXT,
	isin           TEXT,
	name           TEXT,
	exchange       TEXT,
	asset_class    TEXT,
	base_currency  TEXT,
	quote_currency TEXT,
	country        TEXT,
	PRIMARY KEY (class_name, class_type, symbol)
);

CREATE TABLE IF NOT EXISTS asset_identity (
	common_symbol TEXT PRIMARY KEY,
	figi          TEXT,
	name          TEXT,
	asset_class   TEXT,
	country       TEXT
);

CREATE TABLE IF NOT EXISTS asset_mapping (
	common_symbol TEXT NOT NULL,
	class_name    TEXT NOT NULL,
	class_type    TEXT NOT NULL,
	class_symbol  TEXT NOT NULL,
	is_active     BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (common_symbol, class_name, class_type, class_symbol)
);
`

// Init bootstraps the schema. Hypertable conversion and the watermark
// projection over historical_data belong to the database deployment, not to
// this facade.
func (s *Store) Init(ctx context.Context) error {
	db, err := s.handle()
	if err != nil {
		return err
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("store: schema bootstrap failed: %w", err)
	}
	return nil
}
