package market

import (
	"context"
	"testing"

	"corthex/internal/cache"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

type mockFeed struct {
	mock.Mock
}

func (m *mockFeed) GetPrice(ctx context.Context, ticker string) (float64, error) {
	args := m.Called(ticker)
	return args.Get(0).(float64), args.Error(1)
}

func (m *mockFeed) GetHistorical(ctx context.Context, ticker string, days int) ([]Candle, error) {
	args := m.Called(ticker, days)
	return args.Get(0).([]Candle), args.Error(1)
}

func (m *mockFeed) GetFundamentals(ctx context.Context, ticker string) (Fundamentals, error) {
	args := m.Called(ticker)
	return args.Get(0).(Fundamentals), args.Error(1)
}

func TestCachedFeedServesRepeatReads(t *testing.T) {
	inner := new(mockFeed)
	inner.On("GetPrice", "005930").Return(71200.0, nil).Once()
	inner.On("GetPrice", "005930").Return(71500.0, nil).Once()

	f := NewCachedFeed(inner, cache.New(cache.NewMemoryBackend(), nil))
	ctx := context.Background()

	p, err := f.GetPrice(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, 71200.0, p)
	p, err = f.GetPrice(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, 71200.0, p)

	p, err = f.FreshPrice(ctx, "005930")
	require.NoError(t, err)
	assert.Equal(t, 71500.0, p)
	inner.AssertExpectations(t)
}

func TestNormalizeTicker(t *testing.T) {
	assert.Equal(t, "005930.KS", NormalizeTicker(" 005930 "))
	assert.Equal(t, "AAPL", NormalizeTicker("aapl"))
}
