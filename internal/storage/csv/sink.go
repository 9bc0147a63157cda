// Package csvsink writes listing records to one CSV file per destination,
// laid out as <output_dir>/<country>/<category>/<category>.csv.
package csvsink

import (
	"bytes"
	"context"
	"encoding/csv"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

// Columns is the header written to new files.
var Columns = []string{
	"country", "category", "keyword", "title", "company", "company_url",
	"location", "url", "benefit", "posted_at", "posted_text", "scraped_at",
}

// urlColumns are accepted names for the listing link, in preference order.
var urlColumns = []string{"url", "job_url", "link", "job_link", "apply_link"}

var nameReplacer = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_", "/", "_", `\`, "_", "|", "_", "?", "_", "*", "_",
)

// SanitizeName makes a dimension value safe as a path element.
func SanitizeName(name string) string {
	return strings.TrimSpace(nameReplacer.Replace(name))
}

// Config controls the CSV sink.
type Config struct {
	OutputDir string
}

// Sink implements crawler.Sink on CSV files.
type Sink struct {
	dir    string
	mu     sync.Mutex
	logger *zap.Logger
}

// New creates the output directory. Failure is a configuration error.
func New(cfg Config, logger *zap.Logger) (*Sink, error) {
	if strings.TrimSpace(cfg.OutputDir) == "" {
		return nil, crawler.NewConfigurationError("storage.output_dir", "must not be empty")
	}
	if err := os.MkdirAll(cfg.OutputDir, 0o750); err != nil {
		return nil, &crawler.ConfigurationError{Field: "storage.output_dir", Err: err}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Sink{dir: cfg.OutputDir, logger: logger}, nil
}

// Path returns the file backing dest.
func (s *Sink) Path(dest crawler.Destination) string {
	category := SanitizeName(dest.Category)
	return filepath.Join(s.dir, SanitizeName(dest.Country), category, category+".csv")
}

// Append adds records to dest's file, writing the header when the file is new.
// Rows follow the existing header so files from older runs stay consistent.
func (s *Sink) Append(ctx context.Context, dest crawler.Destination, records []crawler.ListingRecord) error {
	if len(records) == 0 {
		return nil
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(dest)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return &crawler.ConfigurationError{Field: "storage.output_dir", Err: err}
	}
	if dropped, err := trimTornTail(path); err != nil {
		return err
	} else if dropped > 0 {
		s.logger.Warn("dropped partial row left by an interrupted write",
			zap.String("path", path),
			zap.Int64("bytes", dropped),
		)
	}
	header, err := readHeader(path)
	if err != nil {
		return err
	}

	// #nosec G304 -- path is built from the configured output dir and sanitized names.
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("open %s: %w", path, err)
	}
	w := csv.NewWriter(f)
	if header == nil {
		header = Columns
		if err := w.Write(header); err != nil {
			_ = f.Close()
			return fmt.Errorf("write header: %w", err)
		}
	}
	for _, rec := range records {
		if err := w.Write(row(header, rec)); err != nil {
			_ = f.Close()
			return fmt.Errorf("write row: %w", err)
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		_ = f.Close()
		return fmt.Errorf("flush %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		_ = f.Close()
		return fmt.Errorf("sync %s: %w", path, err)
	}
	if err := f.Close(); err != nil {
		return fmt.Errorf("close %s: %w", path, err)
	}
	return nil
}

// ExistingIdentities reads the identities already stored for dest. It also
// creates the destination directory, so an unwritable output tree is reported
// before any fetch.
func (s *Sink) ExistingIdentities(ctx context.Context, dest crawler.Destination) ([]crawler.Identity, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(dest)
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return nil, &crawler.ConfigurationError{Field: "storage.output_dir", Err: err}
	}
	rows, header, err := readAll(path)
	if err != nil || header == nil {
		return nil, err
	}
	urlIdx, locIdx, err := identityColumns(path, header)
	if err != nil {
		return nil, err
	}
	ids := make([]crawler.Identity, 0, len(rows))
	for _, r := range rows {
		ids = append(ids, crawler.NewIdentity(field(r, locIdx), field(r, urlIdx)))
	}
	return ids, nil
}

// Compact rewrites dest's file without rows whose identity already appeared
// earlier in the file. It returns the number of rows removed.
func (s *Sink) Compact(ctx context.Context, dest crawler.Destination) (int, error) {
	if err := ctx.Err(); err != nil {
		return 0, err
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	path := s.Path(dest)
	rows, header, err := readAll(path)
	if err != nil || header == nil {
		return 0, err
	}
	urlIdx, locIdx, err := identityColumns(path, header)
	if err != nil {
		return 0, err
	}

	seen := make(map[crawler.Identity]struct{}, len(rows))
	kept := make([][]string, 0, len(rows))
	for _, r := range rows {
		id := crawler.NewIdentity(field(r, locIdx), field(r, urlIdx))
		if _, dup := seen[id]; dup {
			continue
		}
		seen[id] = struct{}{}
		kept = append(kept, r)
	}
	removed := len(rows) - len(kept)
	if removed == 0 {
		return 0, nil
	}
	if err := rewrite(path, header, kept); err != nil {
		return 0, err
	}
	s.logger.Info("compacted destination",
		zap.Stringer("destination", dest),
		zap.Int("removed", removed),
		zap.Int("remaining", len(kept)),
	)
	return removed, nil
}

// Destinations lists every destination file under the output directory.
func (s *Sink) Destinations() ([]crawler.Destination, error) {
	var out []crawler.Destination
	countries, err := os.ReadDir(s.dir)
	if err != nil {
		return nil, fmt.Errorf("list %s: %w", s.dir, err)
	}
	for _, c := range countries {
		if !c.IsDir() {
			continue
		}
		categories, err := os.ReadDir(filepath.Join(s.dir, c.Name()))
		if err != nil {
			return nil, fmt.Errorf("list %s: %w", c.Name(), err)
		}
		for _, cat := range categories {
			if !cat.IsDir() {
				continue
			}
			dest := crawler.Destination{Country: c.Name(), Category: cat.Name()}
			if _, err := os.Stat(s.Path(dest)); err == nil {
				out = append(out, dest)
			}
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out, nil
}

func identityColumns(path string, header []string) (urlIdx, locIdx int, err error) {
	index := make(map[string]int, len(header))
	for i, h := range header {
		index[strings.ToLower(strings.TrimSpace(h))] = i
	}
	urlIdx = -1
	for _, name := range urlColumns {
		if i, ok := index[name]; ok {
			urlIdx = i
			break
		}
	}
	if urlIdx < 0 {
		return 0, 0, crawler.NewConfigurationError("storage.output_dir", "%s has no url column (want one of %v)", path, urlColumns)
	}
	locIdx, ok := index["location"]
	if !ok {
		return 0, 0, crawler.NewConfigurationError("storage.output_dir", "%s has no location column", path)
	}
	return urlIdx, locIdx, nil
}

// trimTornTail truncates path back to its last newline. Rows never span
// lines, so anything after the final newline is a partial write. It returns
// the number of bytes removed.
func trimTornTail(path string) (int64, error) {
	// #nosec G304 -- path is built from the configured output dir.
	f, err := os.OpenFile(path, os.O_RDWR, 0)
	if errors.Is(err, fs.ErrNotExist) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return 0, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	if size == 0 {
		return 0, nil
	}

	const chunk = 4096
	buf := make([]byte, chunk)
	end := size
	for end > 0 {
		start := max(end-chunk, 0)
		n, err := f.ReadAt(buf[:end-start], start)
		if err != nil && !errors.Is(err, io.EOF) {
			return 0, fmt.Errorf("read %s: %w", path, err)
		}
		if i := bytes.LastIndexByte(buf[:n], '\n'); i >= 0 {
			end = start + int64(i) + 1
			break
		}
		end = start
	}
	if end == size {
		return 0, nil
	}
	if err := f.Truncate(end); err != nil {
		return 0, fmt.Errorf("truncate %s: %w", path, err)
	}
	if err := f.Sync(); err != nil {
		return 0, fmt.Errorf("sync %s: %w", path, err)
	}
	return size - end, nil
}

func readHeader(path string) ([]string, error) {
	// #nosec G304 -- path is built from the configured output dir.
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()
	r := newReader(f)
	header, err := r.Read()
	if errors.Is(err, io.EOF) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read header of %s: %w", path, err)
	}
	return header, nil
}

func readAll(path string) (rows [][]string, header []string, err error) {
	// #nosec G304 -- path is built from the configured output dir.
	f, err := os.Open(path)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil, nil
	}
	if err != nil {
		return nil, nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	all, err := newReader(f).ReadAll()
	if err != nil {
		return nil, nil, fmt.Errorf("read %s: %w", path, err)
	}
	if len(all) == 0 {
		return nil, nil, nil
	}
	return all[1:], all[0], nil
}

func rewrite(path string, header []string, rows [][]string) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), ".compact-*.csv")
	if err != nil {
		return fmt.Errorf("create temp file: %w", err)
	}
	tmpName := tmp.Name()
	w := csv.NewWriter(tmp)
	err = w.Write(header)
	if err == nil {
		err = w.WriteAll(rows)
	}
	if err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return fmt.Errorf("write %s: %w", tmpName, err)
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("close %s: %w", tmpName, err)
	}
	if err := os.Rename(tmpName, path); err != nil {
		_ = os.Remove(tmpName)
		return fmt.Errorf("replace %s: %w", path, err)
	}
	return nil
}

func newReader(r io.Reader) *csv.Reader {
	cr := csv.NewReader(r)
	cr.FieldsPerRecord = -1
	cr.LazyQuotes = true
	return cr
}

func field(r []string, i int) string {
	if i < 0 || i >= len(r) {
		return ""
	}
	return r[i]
}

func row(header []string, rec crawler.ListingRecord) []string {
	out := make([]string, len(header))
	for i, col := range header {
		out[i] = flatten(value(strings.ToLower(strings.TrimSpace(col)), rec))
	}
	return out
}

func value(col string, rec crawler.ListingRecord) string {
	switch col {
	case "country":
		return rec.Country
	case "category":
		return rec.Category
	case "keyword":
		return rec.Keyword
	case "title":
		return rec.Title
	case "company":
		return rec.Company
	case "company_url":
		return rec.CompanyURL
	case "location":
		return rec.Location
	case "url", "job_url", "link", "job_link", "apply_link":
		return rec.URL
	case "benefit":
		return rec.Benefit
	case "posted_at":
		return rec.PostedAt
	case "posted_text":
		return rec.PostedText
	case "scraped_at":
		if rec.ScrapedAt.IsZero() {
			return ""
		}
		return rec.ScrapedAt.UTC().Format(time.RFC3339)
	default:
		return ""
	}
}

// flatten keeps one record per line.
func flatten(s string) string {
	s = strings.ReplaceAll(s, "\r", "")
	return strings.TrimSpace(strings.ReplaceAll(s, "\n", " "))
}
