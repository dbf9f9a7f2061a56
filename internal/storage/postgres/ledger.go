// Package postgres provides the Postgres-backed sync ledger.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JakeFAU/gazette-sync/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// LedgerConfig controls the Postgres connection pool used for ledger rows.
type LedgerConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	QueryRow(context.Context, string, ...any) pgx.Row
	Close()
}

// Ledger records one row per (source, relative id) with the hash of the
// bytes last written.
type Ledger struct {
	pool  pool
	table string
}

// NewLedger connects to Postgres using the provided config.
func NewLedger(ctx context.Context, cfg LedgerConfig) (*Ledger, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
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
	p, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	l, err := NewLedgerWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	return l, nil
}

// NewLedgerWithPool constructs a ledger from an existing pool (primarily for testing).
func NewLedgerWithPool(p pool, table string) (*Ledger, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "sync_ledger"
	}
	if !validTableName.MatchString(table) {
		return nil, fmt.Errorf("invalid table name %q", table)
	}
	return &Ledger{pool: p, table: table}, nil
}

// Close releases the underlying pool resources.
func (l *Ledger) Close() {
	if l == nil || l.pool == nil {
		return
	}
	l.pool.Close()
}

// EnsureSchema creates the ledger table when missing.
func (l *Ledger) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	source       TEXT NOT NULL,
	relative_id  TEXT NOT NULL,
	content_hash TEXT NOT NULL,
	extension    TEXT NOT NULL,
	source_url   TEXT NOT NULL DEFAULT '',
	synced_at    TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (source, relative_id)
)`, l.table)
	if _, err := l.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create ledger table: %w", err)
	}
	return nil
}

// RecordArtifact upserts the ledger row for entry.
func (l *Ledger) RecordArtifact(ctx context.Context, entry crawler.LedgerEntry) error {
	if l == nil || l.pool == nil {
		return fmt.Errorf("ledger is not configured")
	}
	if entry.RelativeID == "" {
		return fmt.Errorf("relative id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (source, relative_id, content_hash, extension, source_url, synced_at)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (source, relative_id) DO UPDATE SET
	content_hash = EXCLUDED.content_hash,
	extension = EXCLUDED.extension,
	source_url = EXCLUDED.source_url,
	synced_at = EXCLUDED.synced_at`, l.table)

	args := []any{
		entry.Source,
		entry.RelativeID,
		entry.ContentHash,
		entry.Extension,
		entry.SourceURL,
		entry.SyncedAt,
	}
	if _, err := l.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("upsert ledger row: %w", err)
	}
	return nil
}

// Lookup returns the ledger row for (source, relativeID), or
// crawler.ErrNotFound.
func (l *Ledger) Lookup(ctx context.Context, source, relativeID string) (crawler.LedgerEntry, error) {
	query := fmt.Sprintf(`
SELECT source, relative_id, content_hash, extension, source_url, synced_at
FROM %s WHERE source = $1 AND relative_id = $2`, l.table)

	var e crawler.LedgerEntry
	err := l.pool.QueryRow(ctx, query, source, relativeID).Scan(
		&e.Source, &e.RelativeID, &e.ContentHash, &e.Extension, &e.SourceURL, &e.SyncedAt,
	)
	if errors.Is(err, pgx.ErrNoRows) {
		return crawler.LedgerEntry{}, crawler.ErrNotFound
	}
	if err != nil {
		return crawler.LedgerEntry{}, fmt.Errorf("lookup ledger row: %w", err)
	}
	return e, nil
}
