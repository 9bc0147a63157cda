package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

func TestSinkAppendAndIdentities(t *testing.T) {
	t.Parallel()

	sink := NewSink()
	dest := crawler.Destination{Country: "Egypt", Category: "Software Engineering"}
	other := crawler.Destination{Country: "Canada", Category: "Software Engineering"}

	require.NoError(t, sink.Append(context.Background(), dest, []crawler.ListingRecord{
		{Title: "Backend", Location: " Cairo ", URL: "https://eg.linkedin.com/jobs/view/1?refId=x"},
	}))
	require.NoError(t, sink.Append(context.Background(), other, []crawler.ListingRecord{
		{Title: "Go", Location: "Toronto", URL: "https://www.linkedin.com/jobs/view/2"},
	}))

	ids, err := sink.ExistingIdentities(context.Background(), dest)
	require.NoError(t, err)
	assert.Equal(t, []crawler.Identity{{Location: "cairo", URL: "https://www.linkedin.com/jobs/view/1"}}, ids)
	assert.Equal(t, 2, sink.Len())
	assert.Equal(t, []crawler.Destination{other, dest}, sink.Destinations())
	assert.Len(t, sink.Records(dest), 1)
}

func TestSinkAppendHonoursContext(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := NewSink().Append(ctx, crawler.Destination{}, []crawler.ListingRecord{{Title: "x"}})
	assert.ErrorIs(t, err, context.Canceled)
}
