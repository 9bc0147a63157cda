// Package dedup tracks listing identities that already reached a sink.
package dedup

import (
	"fmt"
	"sync"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

// Scope controls whether identities are tracked per destination or globally.
type Scope string

// Supported scopes.
const (
	ScopeDestination Scope = "destination"
	ScopeGlobal      Scope = "global"
)

// ParseScope validates a configured scope; empty means ScopeDestination.
func ParseScope(raw string) (Scope, error) {
	switch Scope(raw) {
	case "", ScopeDestination:
		return ScopeDestination, nil
	case ScopeGlobal:
		return ScopeGlobal, nil
	default:
		return "", fmt.Errorf("unknown dedup scope %q", raw)
	}
}

type entry struct {
	dest crawler.Destination
	id   crawler.Identity
}

// Index is a concurrency-safe set of persisted identities.
type Index struct {
	mu    sync.RWMutex
	scope Scope
	seen  map[entry]struct{}
}

// New creates an empty Index.
func New(scope Scope) *Index {
	if scope == "" {
		scope = ScopeDestination
	}
	return &Index{scope: scope, seen: make(map[entry]struct{})}
}

// Scope returns how identities are partitioned.
func (x *Index) Scope() Scope { return x.scope }

func (x *Index) key(dest crawler.Destination, id crawler.Identity) entry {
	if x.scope == ScopeGlobal {
		dest = crawler.Destination{}
	}
	return entry{dest: dest, id: id}
}

// Seen reports whether id was already recorded for dest.
func (x *Index) Seen(dest crawler.Destination, id crawler.Identity) bool {
	x.mu.RLock()
	defer x.mu.RUnlock()
	_, ok := x.seen[x.key(dest, id)]
	return ok
}

// Record marks id as persisted for dest.
func (x *Index) Record(dest crawler.Destination, id crawler.Identity) {
	x.mu.Lock()
	defer x.mu.Unlock()
	x.seen[x.key(dest, id)] = struct{}{}
}

// RecordAll marks every record's identity as persisted for dest.
func (x *Index) RecordAll(dest crawler.Destination, records []crawler.ListingRecord) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, rec := range records {
		x.seen[x.key(dest, crawler.IdentityOf(rec))] = struct{}{}
	}
}

// Seed loads identities already present in the sink.
func (x *Index) Seed(dest crawler.Destination, ids []crawler.Identity) {
	x.mu.Lock()
	defer x.mu.Unlock()
	for _, id := range ids {
		x.seen[x.key(dest, id)] = struct{}{}
	}
}

// Filter splits records into those not yet seen and duplicates, including
// duplicates within records itself. It does not record anything.
func (x *Index) Filter(dest crawler.Destination, records []crawler.ListingRecord) (fresh, duplicates []crawler.ListingRecord) {
	x.mu.RLock()
	defer x.mu.RUnlock()
	batch := make(map[crawler.Identity]struct{}, len(records))
	for _, rec := range records {
		id := crawler.IdentityOf(rec)
		if _, ok := x.seen[x.key(dest, id)]; ok {
			duplicates = append(duplicates, rec)
			continue
		}
		if _, ok := batch[id]; ok {
			duplicates = append(duplicates, rec)
			continue
		}
		batch[id] = struct{}{}
		fresh = append(fresh, rec)
	}
	return fresh, duplicates
}

// Len returns the number of tracked identities.
func (x *Index) Len() int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.seen)
}
