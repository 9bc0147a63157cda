package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

// Sink implements crawler.Sink in memory.
type Sink struct {
	mu   sync.RWMutex
	rows map[crawler.Destination][]crawler.ListingRecord
}

// NewSink creates an empty Sink.
func NewSink() *Sink {
	return &Sink{rows: make(map[crawler.Destination][]crawler.ListingRecord)}
}

// Append stores copies of records under dest.
func (s *Sink) Append(ctx context.Context, dest crawler.Destination, records []crawler.ListingRecord) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rows[dest] = append(s.rows[dest], records...)
	return nil
}

// ExistingIdentities returns the identities stored under dest.
func (s *Sink) ExistingIdentities(_ context.Context, dest crawler.Destination) ([]crawler.Identity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rows := s.rows[dest]
	ids := make([]crawler.Identity, 0, len(rows))
	for _, rec := range rows {
		ids = append(ids, crawler.IdentityOf(rec))
	}
	return ids, nil
}

// Records returns a copy of everything stored under dest.
func (s *Sink) Records(dest crawler.Destination) []crawler.ListingRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return append([]crawler.ListingRecord(nil), s.rows[dest]...)
}

// Destinations lists destinations holding records.
func (s *Sink) Destinations() []crawler.Destination {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]crawler.Destination, 0, len(s.rows))
	for d := range s.rows {
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].String() < out[j].String() })
	return out
}

// Len counts all stored records.
func (s *Sink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	n := 0
	for _, rows := range s.rows {
		n += len(rows)
	}
	return n
}
