package planner

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

func testDimensions() Dimensions {
	return Dimensions{
		Countries: []string{"Egypt", "Morocco"},
		Categories: []crawler.Category{
			{Name: "SWE", Keywords: []string{"backend", "frontend"}},
			{Name: "Data", Keywords: []string{"analyst"}},
		},
	}
}

func collect(p *Planner, start int) []crawler.DimensionKey {
	var out []crawler.DimensionKey
	for _, key := range p.Keys(start) {
		out = append(out, key)
	}
	return out
}

func TestPlannerOrder(t *testing.T) {
	t.Parallel()

	p, err := New(testDimensions())
	require.NoError(t, err)
	require.Equal(t, 6, p.Len())

	want := []crawler.DimensionKey{
		{Country: "Egypt", Category: "SWE", Keyword: "backend"},
		{Country: "Egypt", Category: "SWE", Keyword: "frontend"},
		{Country: "Egypt", Category: "Data", Keyword: "analyst"},
		{Country: "Morocco", Category: "SWE", Keyword: "backend"},
		{Country: "Morocco", Category: "SWE", Keyword: "frontend"},
		{Country: "Morocco", Category: "Data", Keyword: "analyst"},
	}
	assert.Equal(t, want, collect(p, 0))
}

func TestPlannerRestartReproducesSuffix(t *testing.T) {
	t.Parallel()

	p, err := New(testDimensions())
	require.NoError(t, err)
	full := collect(p, 0)
	for start := 0; start <= p.Len(); start++ {
		assert.Equal(t, full[start:], append([]crawler.DimensionKey{}, collect(p, start)...), "start=%d", start)
	}

	again, err := New(testDimensions())
	require.NoError(t, err)
	assert.Equal(t, full, collect(again, 0))
}

func TestPlannerAt(t *testing.T) {
	t.Parallel()

	p, err := New(testDimensions())
	require.NoError(t, err)

	key, err := p.At(4)
	require.NoError(t, err)
	assert.Equal(t, crawler.DimensionKey{Country: "Morocco", Category: "SWE", Keyword: "frontend"}, key)

	_, err = p.At(6)
	assert.Error(t, err)
	_, err = p.At(-1)
	assert.Error(t, err)
}

func TestPlannerEmptyDimensions(t *testing.T) {
	t.Parallel()

	cases := map[string]Dimensions{
		"no countries":  {Categories: testDimensions().Categories},
		"no categories": {Countries: []string{"Egypt"}},
		"no keywords": {
			Countries:  []string{"Egypt"},
			Categories: []crawler.Category{{Name: "SWE"}},
		},
		"blank country": {
			Countries:  []string{" "},
			Categories: testDimensions().Categories,
		},
	}
	for name, dims := range cases {
		t.Run(name, func(t *testing.T) {
			t.Parallel()
			_, err := New(dims)
			var cfgErr *crawler.ConfigurationError
			require.ErrorAs(t, err, &cfgErr)
		})
	}
}

func TestPlannerCopiesInputs(t *testing.T) {
	t.Parallel()

	dims := testDimensions()
	p, err := New(dims)
	require.NoError(t, err)
	dims.Countries[0] = "Changed"
	dims.Categories[0].Keywords[0] = "changed"

	key, err := p.At(0)
	require.NoError(t, err)
	assert.Equal(t, "Egypt", key.Country)
	assert.Equal(t, "backend", key.Keyword)
}

func TestPlannerCheckpointMapping(t *testing.T) {
	t.Parallel()

	p, err := New(testDimensions())
	require.NoError(t, err)

	cp := p.Checkpoint(4, 30)
	assert.Equal(t, 4, cp.DimensionIndex)
	assert.Equal(t, 30, cp.PageCursor)
	assert.Equal(t, 1, cp.CountryIndex)
	assert.Equal(t, 1, cp.JobIndex)
	assert.Equal(t, 4, p.Resolve(cp))

	legacy := crawler.Checkpoint{CountryIndex: 1, JobIndex: 2}
	assert.Equal(t, 5, p.Resolve(legacy))

	// A finished country was saved as (ci, len(jobs)).
	rolled := crawler.Checkpoint{CountryIndex: 0, JobIndex: 3}
	assert.Equal(t, 3, p.Resolve(rolled))
}

func TestPlannerDestinations(t *testing.T) {
	t.Parallel()

	p, err := New(testDimensions())
	require.NoError(t, err)

	assert.Equal(t, []crawler.Destination{
		{Country: "Egypt", Category: "SWE"},
		{Country: "Egypt", Category: "Data"},
		{Country: "Morocco", Category: "SWE"},
		{Country: "Morocco", Category: "Data"},
	}, p.Destinations(0))
	assert.Equal(t, []crawler.Destination{
		{Country: "Morocco", Category: "Data"},
	}, p.Destinations(5))
	assert.Empty(t, p.Destinations(6))
	assert.Equal(t, "2 countries x 3 queries = 6 keys", p.Describe())
}
