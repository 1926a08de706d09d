package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMemoryLimiterFixedWindow(t *testing.T) {
	l := NewMemoryLimiter(2, time.Minute)
	ctx := context.Background()

	res, err := l.Limit(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Equal(t, 2, res.Limit)
	require.Equal(t, 1, res.Remaining)

	res, err = l.Limit(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, res.Success)
	require.Zero(t, res.Remaining)

	res, err = l.Limit(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, res.Success)
	require.Zero(t, res.Remaining)

	// Keys are independent.
	res, err = l.Limit(ctx, "user-2")
	require.NoError(t, err)
	require.True(t, res.Success)
}

func TestMemoryLimiterWindowReset(t *testing.T) {
	l := NewMemoryLimiter(1, time.Minute)
	base := time.Now()
	l.now = func() time.Time { return base }
	ctx := context.Background()

	res, err := l.Limit(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, res.Success)

	res, err = l.Limit(ctx, "user-1")
	require.NoError(t, err)
	require.False(t, res.Success)

	// Past the window boundary the count starts over.
	l.now = func() time.Time { return base.Add(time.Minute + time.Second) }
	res, err = l.Limit(ctx, "user-1")
	require.NoError(t, err)
	require.True(t, res.Success)
}
