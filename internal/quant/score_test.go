package quant

import (
	"context"
	"math"
	"math/rand"
	"testing"
	"time"

	"corthex/internal/gateway/market"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func series(n int, next func(i int, prev float64) float64) []market.Candle {
	out := make([]market.Candle, 0, n)
	px := 100.0
	start := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	for i := 0; i < n; i++ {
		px = next(i, px)
		out = append(out, market.Candle{
			Time: start.AddDate(0, 0, i), Open: px, High: px * 1.01, Low: px * 0.99, Close: px, Volume: 1000,
		})
	}
	return out
}

func TestScoreBoundsOnRandomSeries(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 200; round++ {
		n := rng.Intn(150)
		candles := series(n, func(_ int, prev float64) float64 {
			return math.Max(0.01, prev*(1+rng.NormFloat64()*0.04))
		})
		for i := range candles {
			candles[i].Volume = rng.Float64() * 5000
		}
		s := ScoreCandles("RND", candles)
		assert.GreaterOrEqual(t, s.Confidence, 30.0)
		assert.LessOrEqual(t, s.Confidence, 95.0)
		assert.Contains(t, []Vote{Buy, Sell, Neutral}, s.Direction)
		assert.Len(t, s.Components, 4)
	}
}

func TestUnanimousBeatsSplit(t *testing.T) {
	unanimous := []Component{
		{Vote: Buy, Strength: 1}, {Vote: Buy, Strength: 1}, {Vote: Buy, Strength: 1}, {Vote: Buy, Strength: 1},
	}
	split := []Component{
		{Vote: Buy, Strength: 1}, {Vote: Buy, Strength: 1}, {Vote: Sell, Strength: 1}, {Vote: Neutral},
	}
	half := []Component{
		{Vote: Buy, Strength: 1}, {Vote: Buy, Strength: 1}, {Vote: Neutral}, {Vote: Neutral},
	}
	dir, top := Aggregate(unanimous, 1)
	assert.Equal(t, Buy, dir)
	assert.Equal(t, 95.0, top)

	for _, comps := range [][]Component{split, half} {
		for _, vol := range []float64{0, 0.3, 1, 2} {
			_, c := Aggregate(comps, vol)
			assert.Greater(t, top, c)
		}
	}
}

func TestTieIsNeutral(t *testing.T) {
	dir, conf := Aggregate([]Component{
		{Vote: Buy, Strength: 1}, {Vote: Buy, Strength: 1}, {Vote: Sell, Strength: 1}, {Vote: Sell, Strength: 1},
	}, 1)
	assert.Equal(t, Neutral, dir)
	assert.Equal(t, 35.0, conf)
}

func TestShortHistoryVotesNeutral(t *testing.T) {
	s := ScoreCandles("NEW", series(10, func(_ int, p float64) float64 { return p + 1 }))
	assert.Equal(t, Neutral, s.Direction)
	for _, c := range s.Components {
		assert.Equal(t, Neutral, c.Vote, c.Name)
	}
}

func TestSteadyUptrendOrdersAverages(t *testing.T) {
	s := ScoreCandles("UP", series(120, func(_ int, p float64) float64 { return p * 1.01 }))
	var ma Component
	for _, c := range s.Components {
		if c.Name == "ma_order" {
			ma = c
		}
	}
	assert.Equal(t, Buy, ma.Vote)
	assert.Equal(t, 1.0, ma.Strength)
}

func TestAnchorHelpers(t *testing.T) {
	assert.True(t, WithinAnchor(70, 55, 20))
	assert.False(t, WithinAnchor(80, 55, 20))
	assert.Equal(t, 75.0, ClampToAnchor(90, 55, 20))
	assert.Equal(t, 35.0, ClampToAnchor(10, 55, 20))
}

type stubHistory struct{ candles []market.Candle }

func (s stubHistory) GetHistorical(context.Context, string, int) ([]market.Candle, error) {
	return s.candles, nil
}

func TestEngineCompute(t *testing.T) {
	e := NewEngine(stubHistory{series(100, func(_ int, p float64) float64 { return p * 0.99 })}, 0)
	s, err := e.Compute(context.Background(), "005930")
	require.NoError(t, err)
	assert.Equal(t, "005930.KS", s.Ticker)
	assert.Equal(t, 100, s.Bars)
	assert.Contains(t, s.PromptBlock(20), "within ±20")
}
