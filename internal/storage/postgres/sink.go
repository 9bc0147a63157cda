// Package postgres stores listing records in Postgres.
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

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Config controls the Postgres connection pool used for listing rows.
type Config struct {
	DSN             string
	Table           string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
}

type pool interface {
	Begin(context.Context) (pgx.Tx, error)
	Exec(context.Context, string, ...any) (pgconn.CommandTag, error)
	Query(context.Context, string, ...any) (pgx.Rows, error)
	Close()
}

// Sink implements crawler.Sink on a Postgres table keyed by
// (country, category, location_key, url_key).
type Sink struct {
	pool  pool
	table string
}

// New connects, then creates the table if needed. Connection or schema
// failures are configuration errors.
func New(ctx context.Context, cfg Config) (*Sink, error) {
	if cfg.DSN == "" {
		return nil, crawler.NewConfigurationError("storage.postgres.dsn", "is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, &crawler.ConfigurationError{Field: "storage.postgres.dsn", Err: err}
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
	s, err := NewWithPool(p, cfg.Table)
	if err != nil {
		p.Close()
		return nil, err
	}
	if err := s.EnsureSchema(ctx); err != nil {
		p.Close()
		return nil, &crawler.ConfigurationError{Field: "storage.postgres", Err: err}
	}
	return s, nil
}

// NewWithPool builds a Sink over an existing pool.
func NewWithPool(p pool, table string) (*Sink, error) {
	if p == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if table == "" {
		table = "job_listings"
	}
	if !validTableName.MatchString(table) {
		return nil, crawler.NewConfigurationError("storage.postgres.table", "invalid table name %q", table)
	}
	return &Sink{pool: p, table: table}, nil
}

// Close releases the pool.
func (s *Sink) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// EnsureSchema creates the listings table.
func (s *Sink) EnsureSchema(ctx context.Context) error {
	query := fmt.Sprintf(`
CREATE TABLE IF NOT EXISTS %s (
	country      TEXT NOT NULL,
	category     TEXT NOT NULL,
	keyword      TEXT NOT NULL,
	title        TEXT NOT NULL,
	company      TEXT NOT NULL DEFAULT '',
	company_url  TEXT NOT NULL DEFAULT '',
	location     TEXT NOT NULL DEFAULT '',
	url          TEXT NOT NULL,
	benefit      TEXT NOT NULL DEFAULT '',
	posted_at    TEXT NOT NULL DEFAULT '',
	posted_text  TEXT NOT NULL DEFAULT '',
	scraped_at   TIMESTAMPTZ NOT NULL,
	location_key TEXT NOT NULL,
	url_key      TEXT NOT NULL,
	PRIMARY KEY (country, category, location_key, url_key)
)`, s.table)
	if _, err := s.pool.Exec(ctx, query); err != nil {
		return fmt.Errorf("create table %s: %w", s.table, err)
	}
	return nil
}

// Append inserts records in one transaction. Rows whose identity already
// exists under dest are skipped by the primary key.
func (s *Sink) Append(ctx context.Context, dest crawler.Destination, records []crawler.ListingRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin append: %w", err)
	}
	query := fmt.Sprintf(`
INSERT INTO %s (
	country, category, keyword, title, company, company_url, location, url,
	benefit, posted_at, posted_text, scraped_at, location_key, url_key
) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)
ON CONFLICT (country, category, location_key, url_key) DO NOTHING`, s.table)

	for _, rec := range records {
		id := crawler.IdentityOf(rec)
		if _, err := tx.Exec(ctx, query,
			dest.Country,
			dest.Category,
			rec.Keyword,
			rec.Title,
			rec.Company,
			rec.CompanyURL,
			rec.Location,
			rec.URL,
			rec.Benefit,
			rec.PostedAt,
			rec.PostedText,
			rec.ScrapedAt,
			id.Location,
			id.URL,
		); err != nil {
			return rollback(ctx, tx, fmt.Errorf("insert listing: %w", err))
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("commit append: %w", err)
	}
	return nil
}

// ExistingIdentities returns the identities stored under dest.
func (s *Sink) ExistingIdentities(ctx context.Context, dest crawler.Destination) ([]crawler.Identity, error) {
	query := fmt.Sprintf(`SELECT location_key, url_key FROM %s WHERE country = $1 AND category = $2`, s.table)
	rows, err := s.pool.Query(ctx, query, dest.Country, dest.Category)
	if err != nil {
		return nil, &crawler.ConfigurationError{Field: "storage.postgres", Err: fmt.Errorf("query identities: %w", err)}
	}
	defer rows.Close()

	var ids []crawler.Identity
	for rows.Next() {
		var id crawler.Identity
		if err := rows.Scan(&id.Location, &id.URL); err != nil {
			return nil, fmt.Errorf("scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate identities: %w", err)
	}
	return ids, nil
}

func rollback(ctx context.Context, tx pgx.Tx, cause error) error {
	if err := tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("%w (rollback: %v)", cause, err)
	}
	return cause
}
