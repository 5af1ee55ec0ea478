package cache

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestCache() (*Cache, *MemoryBackend, *time.Time) {
	now := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)
	mem := NewMemoryBackend()
	mem.nowFn = func() time.Time { return now }
	return New(mem, DefaultStaleness()), mem, &now
}

func TestStalenessPerKind(t *testing.T) {
	c, mem, now := newTestCache()
	ctx := context.Background()

	require.NoError(t, c.Set(ctx, KindPrice, "aapl", 190.5))
	require.NoError(t, c.Set(ctx, KindNews, "aapl", []string{"headline"}))

	*now = now.Add(11 * time.Minute)
	mem.nowFn = func() time.Time { return *now }

	var price float64
	ok, err := c.Get(ctx, KindPrice, "AAPL", &price)
	require.NoError(t, err)
	assert.False(t, ok, "price is stale after 10 minutes")

	var news []string
	ok, err = c.Get(ctx, KindNews, "AAPL", &news)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, []string{"headline"}, news)
}

func TestInvalidateWholeKind(t *testing.T) {
	c, _, _ := newTestCache()
	ctx := context.Background()
	require.NoError(t, c.Set(ctx, KindPrice, "A", 1.0))
	require.NoError(t, c.Set(ctx, KindPrice, "B", 2.0))
	require.NoError(t, c.Set(ctx, KindFundamentals, "A", 3.0))

	require.NoError(t, c.Invalidate(ctx, KindPrice, ""))

	var v float64
	ok, _ := c.Get(ctx, KindPrice, "A", &v)
	assert.False(t, ok)
	ok, _ = c.Get(ctx, KindFundamentals, "A", &v)
	assert.True(t, ok)
}

func TestGetOrLoadAndRefresh(t *testing.T) {
	c, _, _ := newTestCache()
	ctx := context.Background()
	var calls int32
	load := func(context.Context) (float64, error) {
		return float64(atomic.AddInt32(&calls, 1)), nil
	}

	v, err := GetOrLoad(ctx, c, KindPrice, "MSFT", load)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v)
	v, err = GetOrLoad(ctx, c, KindPrice, "MSFT", load)
	require.NoError(t, err)
	assert.Equal(t, 1.0, v, "second call is served from cache")

	v, err = Refresh(ctx, c, KindPrice, "MSFT", load)
	require.NoError(t, err)
	assert.Equal(t, 2.0, v)

	_, err = GetOrLoad(ctx, c, KindPrice, "FAIL", func(context.Context) (float64, error) {
		return 0, errors.New("feed down")
	})
	assert.Error(t, err)
}
