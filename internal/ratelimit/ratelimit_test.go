package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/digkill/imagecredit/internal/clock"
)

func TestMemoryLimiterFixedWindow(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1_700_000_000, 0))
	l := NewMemoryLimiter(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		res, err := l.Allow(ctx, "ip:1.2.3.4", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, res.Allowed)
		assert.Equal(t, 2-i, res.Remaining)
	}

	res, err := l.Allow(ctx, "ip:1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, res.Allowed)
	assert.Equal(t, time.Minute, res.RetryAfter)

	other, err := l.Allow(ctx, "ip:5.6.7.8", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, other.Allowed)

	clk.Advance(time.Minute)
	res, err = l.Allow(ctx, "ip:1.2.3.4", 3, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
}

func TestLimiterValidatesArguments(t *testing.T) {
	l := NewMemoryLimiter(clock.System())
	_, err := l.Allow(context.Background(), "", 1, time.Second)
	assert.Error(t, err)
	_, err = l.Allow(context.Background(), "k", 0, time.Second)
	assert.Error(t, err)
	_, err = l.Allow(context.Background(), "k", 1, 0)
	assert.Error(t, err)
}

func TestMemoryLimiterEvictsFinishedWindows(t *testing.T) {
	clk := clock.NewFakeClock(time.Unix(1_700_000_000, 0))
	l := NewMemoryLimiter(clk)
	ctx := context.Background()

	for _, ip := range []string{"10.0.0.1", "10.0.0.2", "10.0.0.3"} {
		_, err := l.Allow(ctx, "preview:"+ip, 5, time.Minute)
		require.NoError(t, err)
	}
	assert.Len(t, l.windows, 3)

	clk.Advance(2 * time.Minute)
	res, err := l.Allow(ctx, "preview:10.0.0.9", 5, time.Minute)
	require.NoError(t, err)
	assert.True(t, res.Allowed)
	assert.Len(t, l.windows, 1)
	assert.Contains(t, l.windows, "preview:10.0.0.9")
}
