package system

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestClockNowUTC(t *testing.T) {
	t.Parallel()

	clk := New()
	before := time.Now().UTC().Add(-time.Second)
	got := clk.Now()
	after := time.Now().UTC().Add(time.Second)

	assert.Equal(t, time.UTC, got.Location())
	assert.True(t, got.After(before) && got.Before(after))
}

func TestPauseWaits(t *testing.T) {
	t.Parallel()

	start := time.Now()
	require.NoError(t, New().Pause(context.Background(), 20*time.Millisecond))
	assert.GreaterOrEqual(t, time.Since(start), 20*time.Millisecond)
}

func TestPauseHonoursCancellation(t *testing.T) {
	t.Parallel()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	err := New().Pause(ctx, time.Hour)
	require.ErrorIs(t, err, context.Canceled)

	assert.ErrorIs(t, New().Pause(ctx, 0), context.Canceled)
	assert.NoError(t, New().Pause(context.Background(), 0))
}
