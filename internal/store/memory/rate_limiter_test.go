package memory

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRateLimiter_SlidingWindow(t *testing.T) {
	ctx := context.Background()
	now := time.Date(2026, 5, 4, 12, 0, 0, 0, time.UTC)
	l := NewRateLimiter()
	l.nowFn = func() time.Time { return now }

	for i := 0; i < 3; i++ {
		ok, err := l.Allow(ctx, "k", 3, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
	ok, err := l.Allow(ctx, "k", 3, time.Minute)
	require.NoError(t, err)
	assert.False(t, ok)

	ok, _ = l.Allow(ctx, "other", 3, time.Minute)
	assert.True(t, ok)

	now = now.Add(61 * time.Second)
	ok, _ = l.Allow(ctx, "k", 3, time.Minute)
	assert.True(t, ok)
}

func TestRateLimiter_NoLimit(t *testing.T) {
	l := NewRateLimiter()
	for i := 0; i < 10; i++ {
		ok, err := l.Allow(context.Background(), "k", 0, time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
	}
}
