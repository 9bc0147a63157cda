// Package sqlite stores listing records in a single SQLite file.
package sqlite

import (
	"context"
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	// Registers the "sqlite" driver.
	_ "modernc.org/sqlite"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

const migration = `
CREATE TABLE IF NOT EXISTS job_listings (
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
	scraped_at   DATETIME NOT NULL,
	location_key TEXT NOT NULL,
	url_key      TEXT NOT NULL,
	PRIMARY KEY (country, category, location_key, url_key)
);
CREATE INDEX IF NOT EXISTS idx_job_listings_destination ON job_listings(country, category);
`

// Sink implements crawler.Sink on SQLite.
type Sink struct {
	db *sql.DB
}

// Open opens (creating if needed) the database at path, configures WAL mode
// and migrates the schema. Failures are configuration errors.
func Open(ctx context.Context, path string) (*Sink, error) {
	if strings.TrimSpace(path) == "" {
		return nil, crawler.NewConfigurationError("storage.sqlite.path", "is required")
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o750); err != nil {
			return nil, &crawler.ConfigurationError{Field: "storage.sqlite.path", Err: err}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &crawler.ConfigurationError{Field: "storage.sqlite.path", Err: err}
	}
	// A single writer keeps SQLite from reporting SQLITE_BUSY.
	db.SetMaxOpenConns(1)
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, &crawler.ConfigurationError{Field: "storage.sqlite.path", Err: fmt.Errorf("exec %s: %w", pragma, err)}
		}
	}
	if _, err := db.ExecContext(ctx, migration); err != nil {
		_ = db.Close()
		return nil, &crawler.ConfigurationError{Field: "storage.sqlite.path", Err: fmt.Errorf("migrate: %w", err)}
	}
	return &Sink{db: db}, nil
}

// Close closes the database.
func (s *Sink) Close() error {
	return s.db.Close()
}

// Append inserts records in one transaction, ignoring identities already stored.
func (s *Sink) Append(ctx context.Context, dest crawler.Destination, records []crawler.ListingRecord) error {
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("sqlite: begin: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `
INSERT OR IGNORE INTO job_listings (
	country, category, keyword, title, company, company_url, location, url,
	benefit, posted_at, posted_text, scraped_at, location_key, url_key
) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		_ = tx.Rollback()
		return fmt.Errorf("sqlite: prepare insert: %w", err)
	}
	defer stmt.Close()

	for _, rec := range records {
		id := crawler.IdentityOf(rec)
		if _, err := stmt.ExecContext(ctx,
			dest.Country, dest.Category, rec.Keyword, rec.Title, rec.Company, rec.CompanyURL,
			rec.Location, rec.URL, rec.Benefit, rec.PostedAt, rec.PostedText,
			rec.ScrapedAt.UTC().Format(time.RFC3339Nano), id.Location, id.URL,
		); err != nil {
			_ = tx.Rollback()
			return fmt.Errorf("sqlite: insert listing: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("sqlite: commit: %w", err)
	}
	return nil
}

// ExistingIdentities returns the identities stored under dest.
func (s *Sink) ExistingIdentities(ctx context.Context, dest crawler.Destination) ([]crawler.Identity, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT location_key, url_key FROM job_listings WHERE country = ? AND category = ? ORDER BY rowid`,
		dest.Country, dest.Category,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: query identities: %w", err)
	}
	defer rows.Close()

	var ids []crawler.Identity
	for rows.Next() {
		var id crawler.Identity
		if err := rows.Scan(&id.Location, &id.URL); err != nil {
			return nil, fmt.Errorf("sqlite: scan identity: %w", err)
		}
		ids = append(ids, id)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("sqlite: iterate identities: %w", err)
	}
	return ids, nil
}
