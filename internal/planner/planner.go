// Package planner enumerates the ordered cross product of search dimensions.
package planner

import (
	"fmt"
	"iter"
	"strings"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

// Dimensions lists the search space. Countries iterate outermost, then
// categories, then each category's keywords.
type Dimensions struct {
	Countries  []string
	Categories []crawler.Category
}

// Planner is an immutable, restartable enumeration of dimension keys.
type Planner struct {
	countries []string
	jobs      []job
}

// job is one (category, keyword) pair within a country.
type job struct {
	category string
	keyword  string
}

// New validates dims and builds a Planner. The inputs are copied.
func New(dims Dimensions) (*Planner, error) {
	if len(dims.Countries) == 0 {
		return nil, crawler.NewConfigurationError("dimensions.countries", "must not be empty")
	}
	if len(dims.Categories) == 0 {
		return nil, crawler.NewConfigurationError("dimensions.categories", "must not be empty")
	}
	countries := make([]string, 0, len(dims.Countries))
	for i, c := range dims.Countries {
		c = strings.TrimSpace(c)
		if c == "" {
			return nil, crawler.NewConfigurationError("dimensions.countries", "entry %d is blank", i)
		}
		countries = append(countries, c)
	}
	var jobs []job
	for _, cat := range dims.Categories {
		name := strings.TrimSpace(cat.Name)
		if name == "" {
			return nil, crawler.NewConfigurationError("dimensions.categories", "category name is blank")
		}
		if len(cat.Keywords) == 0 {
			return nil, crawler.NewConfigurationError("dimensions.categories", "category %q has no keywords", name)
		}
		for _, kw := range cat.Keywords {
			kw = strings.TrimSpace(kw)
			if kw == "" {
				return nil, crawler.NewConfigurationError("dimensions.categories", "category %q has a blank keyword", name)
			}
			jobs = append(jobs, job{category: name, keyword: kw})
		}
	}
	return &Planner{countries: countries, jobs: jobs}, nil
}

// Len returns the total number of dimension keys.
func (p *Planner) Len() int {
	return len(p.countries) * len(p.jobs)
}

// At returns the key at flat index i.
func (p *Planner) At(i int) (crawler.DimensionKey, error) {
	if i < 0 || i >= p.Len() {
		return crawler.DimensionKey{}, fmt.Errorf("dimension index %d out of range [0,%d)", i, p.Len())
	}
	ci, ji := p.Coordinates(i)
	j := p.jobs[ji]
	return crawler.DimensionKey{Country: p.countries[ci], Category: j.category, Keyword: j.keyword}, nil
}

// Keys yields (index, key) from start to the end of the enumeration.
func (p *Planner) Keys(start int) iter.Seq2[int, crawler.DimensionKey] {
	return func(yield func(int, crawler.DimensionKey) bool) {
		if start < 0 {
			start = 0
		}
		for i := start; i < p.Len(); i++ {
			ci, ji := p.Coordinates(i)
			j := p.jobs[ji]
			key := crawler.DimensionKey{Country: p.countries[ci], Category: j.category, Keyword: j.keyword}
			if !yield(i, key) {
				return
			}
		}
	}
}

// Coordinates splits a flat index into country and job indexes.
func (p *Planner) Coordinates(i int) (countryIndex, jobIndex int) {
	return i / len(p.jobs), i % len(p.jobs)
}

// Index is the inverse of Coordinates. Out-of-range job indexes roll over to
// the next country, matching how a finished country was checkpointed.
func (p *Planner) Index(countryIndex, jobIndex int) int {
	return countryIndex*len(p.jobs) + jobIndex
}

// Checkpoint builds the persisted resume record for index i and cursor.
func (p *Planner) Checkpoint(i, cursor int) crawler.Checkpoint {
	ci, ji := p.Coordinates(i)
	return crawler.Checkpoint{
		DimensionIndex: i,
		PageCursor:     cursor,
		CountryIndex:   ci,
		JobIndex:       ji,
	}
}

// Resolve maps a loaded checkpoint to a flat start index. Records written
// with only country/job indexes are honoured.
func (p *Planner) Resolve(cp crawler.Checkpoint) int {
	if cp.DimensionIndex == 0 && (cp.CountryIndex > 0 || cp.JobIndex > 0) {
		return p.Index(cp.CountryIndex, cp.JobIndex)
	}
	return cp.DimensionIndex
}

// Destinations lists the distinct sink destinations of keys from start on, in order.
func (p *Planner) Destinations(start int) []crawler.Destination {
	seen := make(map[crawler.Destination]struct{})
	var out []crawler.Destination
	for _, key := range p.Keys(start) {
		dest := key.Destination()
		if _, ok := seen[dest]; ok {
			continue
		}
		seen[dest] = struct{}{}
		out = append(out, dest)
	}
	return out
}

// Describe renders a short human summary of the plan.
func (p *Planner) Describe() string {
	return fmt.Sprintf("%d countries x %d queries = %d keys", len(p.countries), len(p.jobs), p.Len())
}
