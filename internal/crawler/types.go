package crawler

import (
	"fmt"
	"time"
)

// DefaultPageSize is the number of listings the guest search endpoint returns per page.
const DefaultPageSize = 10

// DimensionKey identifies one search query.
type DimensionKey struct {
	Country  string `json:"country"`
	Category string `json:"category"`
	Keyword  string `json:"keyword"`
}

// Destination returns the sink address the key's records are written to.
func (k DimensionKey) Destination() Destination {
	return Destination{Country: k.Country, Category: k.Category}
}

func (k DimensionKey) String() string {
	return fmt.Sprintf("%s/%s/%s", k.Country, k.Category, k.Keyword)
}

// Destination addresses one sink collection: a category within a country.
type Destination struct {
	Country  string `json:"country"`
	Category string `json:"category"`
}

func (d Destination) String() string {
	return d.Country + "/" + d.Category
}

// Category groups the search keywords that belong to one job family.
type Category struct {
	Name     string   `json:"name" mapstructure:"name"`
	Keywords []string `json:"keywords" mapstructure:"keywords"`
}

// ListingRecord is one job card scraped from a search results page.
type ListingRecord struct {
	Country    string    `json:"country"`
	Category   string    `json:"category"`
	Keyword    string    `json:"keyword"`
	Title      string    `json:"title"`
	Company    string    `json:"company"`
	CompanyURL string    `json:"company_url,omitempty"`
	Location   string    `json:"location"`
	URL        string    `json:"url"`
	Benefit    string    `json:"benefit,omitempty"`
	PostedAt   string    `json:"posted_at,omitempty"`
	PostedText string    `json:"posted_text,omitempty"`
	ScrapedAt  time.Time `json:"scraped_at"`
}

// Identity is the dedup key of a listing: normalized location and URL.
type Identity struct {
	Location string `json:"location"`
	URL      string `json:"url"`
}

// IdentityOf derives the dedup identity of a record.
func IdentityOf(rec ListingRecord) Identity {
	return NewIdentity(rec.Location, rec.URL)
}

// NewIdentity normalizes a raw location/URL pair.
func NewIdentity(location, rawURL string) Identity {
	return Identity{
		Location: NormalizeLocation(location),
		URL:      CanonicalURL(rawURL),
	}
}

// Checkpoint is the persisted resume position of a run.
type Checkpoint struct {
	DimensionIndex int       `json:"dimension_index"`
	PageCursor     int       `json:"page_cursor"`
	CountryIndex   int       `json:"country_index"`
	JobIndex       int       `json:"job_index"`
	UpdatedAt      time.Time `json:"updated_at,omitzero"`
}

// IsZero reports whether the checkpoint points at the very beginning of a run.
func (c Checkpoint) IsZero() bool {
	return c.DimensionIndex == 0 && c.PageCursor == 0 && c.CountryIndex == 0 && c.JobIndex == 0
}

// KeyState is the lifecycle state of a dimension key within a run.
type KeyState string

// Key states.
const (
	KeyPending    KeyState = "pending"
	KeyInProgress KeyState = "in_progress"
	KeyCompleted  KeyState = "completed"
	KeyAborted    KeyState = "aborted"
)

// RunStatus is the terminal status of a run.
type RunStatus string

// Run statuses.
const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunCanceled  RunStatus = "canceled"
	RunAborted   RunStatus = "aborted"
)

// RunSummary aggregates counters for a whole run.
type RunSummary struct {
	RunID       string    `json:"run_id"`
	Status      RunStatus `json:"status"`
	StartedAt   time.Time `json:"started_at"`
	FinishedAt  time.Time `json:"finished_at,omitzero"`
	TotalKeys   int       `json:"total_keys"`
	StartIndex  int       `json:"start_index"`
	StartCursor int       `json:"start_cursor"`
	ErrorText   string    `json:"error_text,omitempty"`

	QueriesCompleted          int `json:"queries_completed"`
	QueriesStoppedByHeuristic int `json:"queries_stopped_by_heuristic"`
	QueriesAborted            int `json:"queries_aborted"`
	PagesFetched              int `json:"pages_fetched"`
	PagesEmpty                int `json:"pages_empty"`
	PagesFailed               int `json:"pages_failed"`
	ParseFailures             int `json:"parse_failures"`
	Retries                   int `json:"retries"`
	RecordsPersisted          int `json:"records_persisted"`
	RecordsDeduplicated       int `json:"records_deduplicated"`
}

// ClientProfile is the client identity presented on one request. Empty
// fields fall back to the fetcher's defaults.
type ClientProfile struct {
	UserAgent      string
	AcceptLanguage string
}

// FetchRequest describes one page fetch.
type FetchRequest struct {
	Key    DimensionKey
	Cursor int
	Client ClientProfile
}

// FetchResponse captures the raw page returned by a Fetcher.
type FetchResponse struct {
	URL         string
	StatusCode  int
	ContentType string
	Body        []byte
	Duration    time.Duration
}
