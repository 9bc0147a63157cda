package crawler

import (
	"context"
	"io"
	"time"
)

// Fetcher retrieves one results page for a query at a cursor.
type Fetcher interface {
	Fetch(ctx context.Context, request FetchRequest) (FetchResponse, error)
}

// Parser turns raw page content into listing records. An empty slice is a valid result.
type Parser interface {
	Parse(content []byte, contentType string) ([]ListingRecord, error)
}

// IdentityGenerator produces a fresh client profile per request.
type IdentityGenerator interface {
	Next() ClientProfile
}

// Sink persists listing records grouped by destination.
type Sink interface {
	Append(ctx context.Context, dest Destination, records []ListingRecord) error
	ExistingIdentities(ctx context.Context, dest Destination) ([]Identity, error)
}

// CheckpointStore persists the run's resume position.
type CheckpointStore interface {
	Load(ctx context.Context) (Checkpoint, error)
	Save(ctx context.Context, cp Checkpoint) error
}

// BlobStore writes raw artifacts and returns a URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data io.Reader) (string, error)
}

// Publisher pushes run notifications to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// RetryPolicy decides whether and when a failed fetch is attempted again.
type RetryPolicy interface {
	ShouldRetry(err error, attempt int) bool
	Backoff(attempt int) time.Duration
}

// Hasher computes content digests.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces run IDs.
type IDGenerator interface {
	NewID() (string, error)
}
