package headless

import (
	"context"
	"net/http"
	"strconv"
	"testing"
	"time"

	"github.com/chromedp/cdproto/network"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/jobmarket-crawler/internal/crawler"
)

type fixedURLs struct{}

func (fixedURLs) SearchURL(key crawler.DimensionKey, cursor int) string {
	return "https://jobs.test/search?keywords=" + key.Keyword + "&start=" + strconv.Itoa(cursor)
}

func TestNewChromedpValidation(t *testing.T) {
	t.Parallel()

	_, err := NewChromedp(Config{MaxParallel: -1}, fixedURLs{})
	require.Error(t, err)

	_, err = NewChromedp(Config{}, nil)
	require.Error(t, err)

	fetcher, err := NewChromedp(Config{MaxParallel: 2}, fixedURLs{})
	require.NoError(t, err)
	defer fetcher.Close()
	assert.Equal(t, 2, cap(fetcher.limiter))
}

func TestFetcherNavTimeout(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{}
	assert.Equal(t, 10*time.Second, fetcher.navTimeout())
	fetcher.cfg.Timeout = 3 * time.Second
	assert.Equal(t, 3*time.Second, fetcher.navTimeout(), "fetch timeout bounds the render")
	fetcher.cfg.NavigationTimeout = time.Second
	assert.Equal(t, time.Second, fetcher.navTimeout())
}

func TestAcquireHonoursContext(t *testing.T) {
	t.Parallel()

	fetcher := &Fetcher{limiter: make(chan struct{}, 1)}
	require.NoError(t, fetcher.acquire(context.Background()))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, fetcher.acquire(ctx), context.Canceled)

	fetcher.release()
	require.NoError(t, fetcher.acquire(context.Background()))
}

func TestResponseMetaCaptureAndFallbacks(t *testing.T) {
	t.Parallel()

	meta := newResponseMeta()
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeImage,
		Response: &network.Response{
			Status: 500,
			URL:    "https://jobs.test/logo.png",
		},
	})
	meta.capture(&network.EventResponseReceived{
		Type: network.ResourceTypeDocument,
		Response: &network.Response{
			Status: 429,
			URL:    "https://jobs.test/search?start=10",
		},
	})
	status, url := meta.snapshotWithFallbacks("https://req", "")
	assert.Equal(t, http.StatusTooManyRequests, status)
	assert.Equal(t, "https://jobs.test/search?start=10", url)

	meta = newResponseMeta()
	status, url = meta.snapshotWithFallbacks("https://req", "https://final")
	assert.Equal(t, http.StatusOK, status)
	assert.Equal(t, "https://final", url)
}
