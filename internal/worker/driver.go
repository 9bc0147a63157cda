// Package worker drives pagination for a single query: it fetches pages in
// batches through the dispatcher, retries transient failures, parses the
// results and decides when the query is exhausted.
package worker

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
	"github.com/JakeFAU/jobmarket-crawler/internal/metrics"
)

// DefaultEmptyThreshold is the share of empty pages in a batch that ends a query.
const DefaultEmptyThreshold = 0.7

// Page outcomes, also used as metric labels.
const (
	OutcomeRecords    = "records"
	OutcomeEmpty      = "empty"
	OutcomeFailed     = "failed"
	OutcomeParseError = "parse_error"
)

// StopReason explains why a query ended.
type StopReason string

// Stop reasons.
const (
	// StopEmpty: every page of the final batch was empty.
	StopEmpty StopReason = "empty"
	// StopThreshold: the empty share met the threshold but some pages had data.
	StopThreshold StopReason = "threshold"
	// StopPageLimit: the per-query page cap was reached.
	StopPageLimit StopReason = "page_limit"
)

// Config controls a Driver.
type Config struct {
	PageSize         int
	EmptyThreshold   float64
	MaxPagesPerQuery int
	ArchivePrefix    string
}

// Dispatcher bounds and paces page fetches.
type Dispatcher interface {
	Batch(ctx context.Context, n int, task func(ctx context.Context, i int)) error
	Rest(ctx context.Context) error
	BatchSize() int
}

// Pauser sleeps between retry rounds.
type Pauser interface {
	Pause(ctx context.Context, delay time.Duration) error
}

// Deps are the collaborators of a Driver. Archive and Hasher are optional.
type Deps struct {
	Fetcher    crawler.Fetcher
	Parser     crawler.Parser
	Identities crawler.IdentityGenerator
	Dispatcher Dispatcher
	Retry      crawler.RetryPolicy
	Pauser     Pauser
	Clock      crawler.Clock
	Archive    crawler.BlobStore
	Hasher     crawler.Hasher
}

// PageResult is the resolved outcome of one page.
type PageResult struct {
	Cursor   int
	Records  []crawler.ListingRecord
	Attempts int
	Outcome  string
	Err      error
}

// Empty reports whether the page produced no usable data.
func (r PageResult) Empty() bool {
	return len(r.Records) == 0
}

// Batch is one group of pages evaluated together, in cursor order.
type Batch struct {
	Key   crawler.DimensionKey
	Pages []PageResult
	Empty int
	// Stop is set on the final batch of a query.
	Stop StopReason
}

// Retries counts attempts beyond the first across the batch.
func (b Batch) Retries() int {
	n := 0
	for _, p := range b.Pages {
		if p.Attempts > 1 {
			n += p.Attempts - 1
		}
	}
	return n
}

// Driver produces Paginations.
type Driver struct {
	deps   Deps
	cfg    Config
	logger *zap.Logger
}

// New validates deps and cfg.
func New(deps Deps, cfg Config, logger *zap.Logger) (*Driver, error) {
	switch {
	case deps.Fetcher == nil:
		return nil, errors.New("fetcher is required")
	case deps.Parser == nil:
		return nil, errors.New("parser is required")
	case deps.Identities == nil:
		return nil, errors.New("identity generator is required")
	case deps.Dispatcher == nil:
		return nil, errors.New("dispatcher is required")
	case deps.Retry == nil:
		return nil, errors.New("retry policy is required")
	case deps.Pauser == nil:
		return nil, errors.New("pauser is required")
	case deps.Clock == nil:
		return nil, errors.New("clock is required")
	case deps.Archive != nil && deps.Hasher == nil:
		return nil, errors.New("archive requires a hasher")
	}
	if cfg.PageSize <= 0 {
		cfg.PageSize = crawler.DefaultPageSize
	}
	if cfg.EmptyThreshold == 0 {
		cfg.EmptyThreshold = DefaultEmptyThreshold
	}
	if cfg.EmptyThreshold < 0 || cfg.EmptyThreshold > 1 {
		return nil, fmt.Errorf("empty threshold must be within (0, 1], got %v", cfg.EmptyThreshold)
	}
	if cfg.MaxPagesPerQuery < 0 {
		return nil, fmt.Errorf("max pages per query must be >= 0")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Driver{deps: deps, cfg: cfg, logger: logger}, nil
}

// PageSize reports the cursor step between pages.
func (d *Driver) PageSize() int {
	return d.cfg.PageSize
}

// Paginate returns the lazy page sequence for key starting at cursor.
func (d *Driver) Paginate(key crawler.DimensionKey, cursor int) *Pagination {
	if cursor < 0 {
		cursor = 0
	}
	return &Pagination{
		driver: d,
		key:    key,
		next:   cursor,
		logger: d.logger.With(zap.Stringer("key", key)),
	}
}

// Pagination walks one query. It is not safe for concurrent use.
type Pagination struct {
	driver  *Driver
	key     crawler.DimensionKey
	next    int
	pages   int
	batches int
	stop    StopReason
	done    bool
	logger  *zap.Logger
}

// Cursor is the next cursor that would be fetched.
func (p *Pagination) Cursor() int {
	return p.next
}

// Stop reports why the sequence ended, or "" while it is still running.
func (p *Pagination) Stop() StopReason {
	return p.stop
}

// Next fetches and evaluates the next batch. It returns false once the query
// is exhausted. An error is returned only when ctx ends; page failures are
// reported inside the Batch.
func (p *Pagination) Next(ctx context.Context) (Batch, bool, error) {
	if p.done {
		return Batch{}, false, nil
	}
	d := p.driver
	size := d.deps.Dispatcher.BatchSize()
	if limit := d.cfg.MaxPagesPerQuery; limit > 0 {
		remaining := limit - p.pages
		if remaining <= 0 {
			p.finish(StopPageLimit)
			return Batch{}, false, nil
		}
		size = min(size, remaining)
	}
	if p.batches > 0 {
		if err := d.deps.Dispatcher.Rest(ctx); err != nil {
			return Batch{}, false, err
		}
	}

	results := make([]PageResult, size)
	for i := range results {
		results[i].Cursor = p.next + i*d.cfg.PageSize
	}
	if err := p.resolve(ctx, results); err != nil {
		return Batch{}, false, err
	}

	batch := Batch{Key: p.key, Pages: results}
	for _, r := range results {
		if r.Empty() {
			batch.Empty++
		}
	}
	p.next += size * d.cfg.PageSize
	p.pages += size
	p.batches++

	switch {
	case batch.Empty == size:
		batch.Stop = StopEmpty
	case float64(batch.Empty) >= d.cfg.EmptyThreshold*float64(size)-1e-9:
		batch.Stop = StopThreshold
	case d.cfg.MaxPagesPerQuery > 0 && p.pages >= d.cfg.MaxPagesPerQuery:
		batch.Stop = StopPageLimit
	}
	if batch.Stop != "" {
		p.finish(batch.Stop)
	}
	p.logger.Debug("batch evaluated",
		zap.Int("first_cursor", results[0].Cursor),
		zap.Int("pages", size),
		zap.Int("empty", batch.Empty),
		zap.String("stop", string(batch.Stop)),
	)
	return batch, true, nil
}

func (p *Pagination) finish(reason StopReason) {
	p.done = true
	p.stop = reason
	p.logger.Info("query finished", zap.String("reason", string(reason)), zap.Int("pages", p.pages))
}

// resolve fetches every page of the batch, retrying transient failures in
// rounds. Each round goes back through the dispatcher so slots are released
// while waiting out the backoff.
func (p *Pagination) resolve(ctx context.Context, results []PageResult) error {
	d := p.driver
	pending := make([]int, len(results))
	for i := range pending {
		pending[i] = i
	}

	for attempt := 1; ; attempt++ {
		round := pending
		err := d.deps.Dispatcher.Batch(ctx, len(round), func(ctx context.Context, j int) {
			idx := round[j]
			results[idx] = d.fetchPage(ctx, p.key, results[idx].Cursor, attempt)
		})
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}

		pending = nil
		for _, idx := range round {
			r := results[idx]
			if r.Outcome == OutcomeFailed && d.deps.Retry.ShouldRetry(r.Err, attempt) {
				pending = append(pending, idx)
			}
		}
		if len(pending) == 0 {
			return nil
		}

		delay := d.deps.Retry.Backoff(attempt)
		p.logger.Debug("retrying pages",
			zap.Int("pages", len(pending)),
			zap.Int("attempt", attempt+1),
			zap.Duration("delay", delay),
		)
		for range pending {
			metrics.ObserveRetry()
		}
		metrics.ObservePacingDelay("retry", delay)
		if err := d.deps.Pauser.Pause(ctx, delay); err != nil {
			return err
		}
	}
}

// fetchPage performs one attempt at one page.
func (d *Driver) fetchPage(ctx context.Context, key crawler.DimensionKey, cursor, attempt int) PageResult {
	res := PageResult{Cursor: cursor, Attempts: attempt}
	start := time.Now()

	resp, err := d.deps.Fetcher.Fetch(ctx, crawler.FetchRequest{
		Key:    key,
		Cursor: cursor,
		Client: d.deps.Identities.Next(),
	})
	if err != nil {
		res.Outcome = OutcomeFailed
		res.Err = err
		metrics.ObservePage(res.Outcome, time.Since(start))
		if ctx.Err() == nil {
			d.logger.Warn("page fetch failed",
				zap.Stringer("key", key),
				zap.Int("cursor", cursor),
				zap.Int("attempt", attempt),
				zap.Error(err),
			)
		}
		return res
	}

	d.archivePage(ctx, key, cursor, resp)

	records, err := d.deps.Parser.Parse(resp.Body, resp.ContentType)
	if err != nil {
		var parseErr *crawler.ParseError
		if !errors.As(err, &parseErr) {
			err = &crawler.ParseError{Err: err}
		}
		res.Outcome = OutcomeParseError
		res.Err = err
		metrics.ObservePage(res.Outcome, time.Since(start))
		d.logger.Warn("page parse failed", zap.Stringer("key", key), zap.Int("cursor", cursor), zap.Error(err))
		return res
	}

	scrapedAt := d.deps.Clock.Now()
	for i := range records {
		records[i].Country = key.Country
		records[i].Category = key.Category
		records[i].Keyword = key.Keyword
		records[i].ScrapedAt = scrapedAt
	}
	res.Records = records
	res.Outcome = OutcomeRecords
	if len(records) == 0 {
		res.Outcome = OutcomeEmpty
	}
	metrics.ObservePage(res.Outcome, time.Since(start))
	return res
}

// archivePage stores the raw body for offline re-parsing. Failures are logged only.
func (d *Driver) archivePage(ctx context.Context, key crawler.DimensionKey, cursor int, resp crawler.FetchResponse) {
	if d.deps.Archive == nil {
		return
	}
	hash, err := d.deps.Hasher.Hash(resp.Body)
	if err != nil {
		d.logger.Warn("hash page failed", zap.Error(err))
		return
	}
	path := d.archivePath(key, cursor, hash)
	contentType := resp.ContentType
	if contentType == "" {
		contentType = "text/html; charset=utf-8"
	}
	if _, err := d.deps.Archive.PutObject(ctx, path, contentType, bytes.NewReader(resp.Body)); err != nil {
		d.logger.Warn("archive page failed", zap.String("path", path), zap.Error(err))
	}
}

func (d *Driver) archivePath(key crawler.DimensionKey, cursor int, hash string) string {
	parts := []string{
		slug(key.Country),
		slug(key.Category),
		slug(key.Keyword),
		fmt.Sprintf("%06d-%s.html", cursor, hash),
	}
	if prefix := strings.Trim(d.cfg.ArchivePrefix, "/"); prefix != "" {
		parts = append([]string{prefix}, parts...)
	}
	return strings.Join(parts, "/")
}

func slug(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	return strings.Map(func(r rune) rune {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '-', r == '_':
			return r
		case r == ' ' || r == '/' || r == '.':
			return '-'
		default:
			if r > 127 {
				return r
			}
			return -1
		}
	}, s)
}
