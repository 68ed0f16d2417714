// Package postgres provides the Postgres-backed outcome log.
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

	"github.com/JakeFAU/company-crawler/internal/crawler"
)

const defaultTable = "fetch_outcomes"

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// OutcomeStoreConfig controls the Postgres connection pool used for outcome rows.
type OutcomeStoreConfig struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type queryExecCloser interface {
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// OutcomeStore appends fetch outcomes to a Postgres table and reads recent ones
// back.
type OutcomeStore struct {
	pool  queryExecCloser
	table string
}

// NewOutcomeStore creates a Postgres-backed OutcomeStore using the provided config.
func NewOutcomeStore(ctx context.Context, cfg OutcomeStoreConfig) (*OutcomeStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	table, err := tableName(cfg.Table)
	if err != nil {
		return nil, err
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
	return &OutcomeStore{pool: pool, table: table}, nil
}

// NewOutcomeStoreWithPool constructs a store from an existing pool (primarily for testing).
func NewOutcomeStoreWithPool(pool queryExecCloser, table string) (*OutcomeStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	name, err := tableName(table)
	if err != nil {
		return nil, err
	}
	return &OutcomeStore{pool: pool, table: name}, nil
}

func tableName(table string) (string, error) {
	if table == "" {
		table = defaultTable
	}
	if !validTableName.MatchString(table) {
		return "", fmt.Errorf("invalid table name %q", table)
	}
	return table, nil
}

// Close releases the underlying pool resources.
func (s *OutcomeStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the outcome table and its lookup index if missing.
func (s *OutcomeStore) EnsureSchema(ctx context.Context) error {
	ddl := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %[1]s (
	id               TEXT PRIMARY KEY,
	url              TEXT NOT NULL,
	domain           TEXT NOT NULL,
	priority         INTEGER NOT NULL,
	status_code      INTEGER NOT NULL,
	bytes            INTEGER NOT NULL,
	content_hash     TEXT NOT NULL DEFAULT '',
	retries          INTEGER NOT NULL,
	used_headless    BOOLEAN NOT NULL DEFAULT FALSE,
	promotion_reason TEXT NOT NULL DEFAULT '',
	error_kind       TEXT NOT NULL DEFAULT '',
	error_text       TEXT NOT NULL DEFAULT '',
	duration_ms      BIGINT NOT NULL,
	settled_at       TIMESTAMPTZ NOT NULL
);
CREATE INDEX IF NOT EXISTS %[1]s_domain_settled_idx ON %[1]s (domain, settled_at DESC)`, s.table)
	if _, err := s.pool.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("ensure outcome schema: %w", err)
	}
	return nil
}

// RecordOutcome inserts one outcome row. It implements crawler.OutcomeRecorder.
func (s *OutcomeStore) RecordOutcome(ctx context.Context, out crawler.Outcome) error {
	if s == nil || s.pool == nil {
		return errors.New("outcome store is not configured")
	}
	if out.ID == "" {
		return errors.New("outcome id is required")
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	id,
	url,
	domain,
	priority,
	status_code,
	bytes,
	content_hash,
	retries,
	used_headless,
	promotion_reason,
	error_kind,
	error_text,
	duration_ms,
	settled_at
) VALUES (
	$1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14
)`, s.table)

	args := []any{
		out.ID,
		out.URL,
		out.Domain,
		out.Priority,
		out.StatusCode,
		out.Bytes,
		out.ContentHash,
		out.Retries,
		out.UsedHeadless,
		out.PromotionReason,
		out.ErrorKind,
		out.ErrorText,
		out.Duration.Milliseconds(),
		out.SettledAt,
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert outcome: %w", err)
	}
	return nil
}

// Recent returns up to limit outcomes, newest first. An empty domain matches
// every domain.
func (s *OutcomeStore) Recent(ctx context.Context, domain string, limit int) ([]crawler.Outcome, error) {
	if limit <= 0 {
		limit = 50
	}
	query := fmt.Sprintf(`
SELECT id, url, domain, priority, status_code, bytes, content_hash, retries,
	used_headless, promotion_reason, error_kind, error_text, duration_ms, settled_at
FROM %s
WHERE ($1 = '' OR domain = $1)
ORDER BY settled_at DESC
LIMIT $2`, s.table)

	rows, err := s.pool.Query(ctx, query, domain, limit)
	if err != nil {
		return nil, fmt.Errorf("list outcomes: %w", err)
	}
	defer rows.Close()

	var outcomes []crawler.Outcome
	for rows.Next() {
		var (
			out        crawler.Outcome
			durationMs int64
		)
		if err := rows.Scan(
			&out.ID,
			&out.URL,
			&out.Domain,
			&out.Priority,
			&out.StatusCode,
			&out.Bytes,
			&out.ContentHash,
			&out.Retries,
			&out.UsedHeadless,
			&out.PromotionReason,
			&out.ErrorKind,
			&out.ErrorText,
			&durationMs,
			&out.SettledAt,
		); err != nil {
			return nil, fmt.Errorf("scan outcome row: %w", err)
		}
		out.Duration = time.Duration(durationMs) * time.Millisecond
		outcomes = append(outcomes, out)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate outcome rows: %w", err)
	}
	return outcomes, nil
}
