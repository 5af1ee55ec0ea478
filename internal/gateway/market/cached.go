package market

import (
	"context"
	"fmt"

	"corthex/internal/cache"
)

type fullFeed interface {
	PriceFeed
	FundamentalsFeed
}

// CachedFeed serves reads through the process-scoped cache.
type CachedFeed struct {
	inner fullFeed
	cache *cache.Cache
}

func NewCachedFeed(inner fullFeed, c *cache.Cache) *CachedFeed {
	return &CachedFeed{inner: inner, cache: c}
}

func (f *CachedFeed) GetPrice(ctx context.Context, ticker string) (float64, error) {
	return cache.GetOrLoad(ctx, f.cache, cache.KindPrice, NormalizeTicker(ticker), func(ctx context.Context) (float64, error) {
		return f.inner.GetPrice(ctx, ticker)
	})
}

// FreshPrice skips the cache. The verifier grades against it.
func (f *CachedFeed) FreshPrice(ctx context.Context, ticker string) (float64, error) {
	return cache.Refresh(ctx, f.cache, cache.KindPrice, NormalizeTicker(ticker), func(ctx context.Context) (float64, error) {
		return f.inner.GetPrice(ctx, ticker)
	})
}

func (f *CachedFeed) GetHistorical(ctx context.Context, ticker string, days int) ([]Candle, error) {
	key := fmt.Sprintf("%s@%d", NormalizeTicker(ticker), days)
	return cache.GetOrLoad(ctx, f.cache, cache.KindHistory, key, func(ctx context.Context) ([]Candle, error) {
		return f.inner.GetHistorical(ctx, ticker, days)
	})
}

func (f *CachedFeed) GetFundamentals(ctx context.Context, ticker string) (Fundamentals, error) {
	return cache.GetOrLoad(ctx, f.cache, cache.KindFundamentals, NormalizeTicker(ticker), func(ctx context.Context) (Fundamentals, error) {
		return f.inner.GetFundamentals(ctx, ticker)
	})
}

// Invalidate drops every cached entry of ticker.
func (f *CachedFeed) Invalidate(ctx context.Context, ticker string) error {
	t := NormalizeTicker(ticker)
	for _, kind := range []cache.Kind{cache.KindPrice, cache.KindFundamentals} {
		if err := f.cache.Invalidate(ctx, kind, t); err != nil {
			return err
		}
	}
	return f.cache.Invalidate(ctx, cache.KindHistory, "")
}
