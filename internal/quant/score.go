package quant

import (
	"context"
	"fmt"
	"math"
	"strings"
	"time"

	"corthex/internal/gateway/market"

	talib "github.com/markcheno/go-talib"
)

type Vote string

const (
	Buy     Vote = "buy"
	Sell    Vote = "sell"
	Neutral Vote = "neutral"
)

const (
	rsiPeriod    = 14
	macdFast     = 12
	macdSlow     = 26
	macdSignal   = 9
	bbPeriod     = 20
	bbDev        = 2.0
	volumeWindow = 20

	baseConfidence = 35.0
	consensusSpan  = 55.0
	strengthSpan   = 10.0
	volumeBoost    = 5.0
	minConfidence  = 30.0
	maxConfidence  = 95.0
)

// Component is one indicator's vote. Strength is in [0,1].
type Component struct {
	Name     string  `json:"name"`
	Vote     Vote    `json:"vote"`
	Strength float64 `json:"strength"`
	Value    float64 `json:"value"`
	Detail   string  `json:"detail,omitempty"`
}

type Score struct {
	Ticker      string      `json:"ticker"`
	Direction   Vote        `json:"direction"`
	Confidence  float64     `json:"confidence"`
	Components  []Component `json:"components"`
	VolumeRatio float64     `json:"volume_ratio"`
	Bars        int         `json:"bars"`
	ComputedAt  time.Time   `json:"computed_at"`
}

type HistoryFeed interface {
	GetHistorical(ctx context.Context, ticker string, days int) ([]market.Candle, error)
}

// Engine computes the indicator consensus for a ticker from daily history.
type Engine struct {
	feed  HistoryFeed
	days  int
	nowFn func() time.Time
}

func NewEngine(feed HistoryFeed, days int) *Engine {
	if days < 90 {
		days = 120
	}
	return &Engine{feed: feed, days: days, nowFn: time.Now}
}

func (e *Engine) Compute(ctx context.Context, ticker string) (Score, error) {
	candles, err := e.feed.GetHistorical(ctx, ticker, e.days)
	if err != nil {
		return Score{}, fmt.Errorf("quant %s: %w", ticker, err)
	}
	s := ScoreCandles(market.NormalizeTicker(ticker), candles)
	s.ComputedAt = e.nowFn().UTC()
	return s, nil
}

// ScoreCandles is the pure scoring function. Too little history makes the
// affected indicators vote neutral rather than fail.
func ScoreCandles(ticker string, candles []market.Candle) Score {
	closes := make([]float64, 0, len(candles))
	for _, c := range candles {
		closes = append(closes, c.Close)
	}
	comps := []Component{
		rsiVote(closes),
		macdVote(closes),
		bollingerVote(closes),
		maOrderVote(closes),
	}
	ratio := volumeRatio(candles)
	dir, conf := Aggregate(comps, ratio)
	return Score{
		Ticker:      ticker,
		Direction:   dir,
		Confidence:  conf,
		Components:  comps,
		VolumeRatio: ratio,
		Bars:        len(candles),
	}
}

// Aggregate turns component votes into a direction and a confidence in
// [30,95]. Neutral votes abstain; equal buy and sell counts are neutral.
func Aggregate(comps []Component, volRatio float64) (Vote, float64) {
	counts := map[Vote]int{}
	strength := map[Vote]float64{}
	for _, c := range comps {
		counts[c.Vote]++
		strength[c.Vote] += clamp(c.Strength, 0, 1)
	}
	dir := Neutral
	switch {
	case counts[Buy] > counts[Sell]:
		dir = Buy
	case counts[Sell] > counts[Buy]:
		dir = Sell
	}
	conf := baseConfidence
	if dir != Neutral {
		conf += float64(counts[dir]) / float64(len(comps)) * consensusSpan
		conf += strength[dir] / float64(counts[dir]) * strengthSpan
		if volRatio >= 1.5 {
			conf += volumeBoost
		}
	}
	if volRatio > 0 && volRatio <= 0.5 {
		conf -= volumeBoost
	}
	return dir, math.Round(clamp(conf, minConfidence, maxConfidence)*10) / 10
}

func rsiVote(closes []float64) Component {
	c := Component{Name: "rsi14", Vote: Neutral}
	if len(closes) <= rsiPeriod {
		c.Detail = "insufficient data"
		return c
	}
	v := last(talib.Rsi(closes, rsiPeriod))
	c.Value = v
	switch {
	case v < 30:
		c.Vote, c.Strength = Buy, clamp(0.5+(30-v)/30, 0, 1)
	case v > 70:
		c.Vote, c.Strength = Sell, clamp(0.5+(v-70)/30, 0, 1)
	}
	c.Detail = fmt.Sprintf("RSI %.1f", v)
	return c
}

func macdVote(closes []float64) Component {
	c := Component{Name: "macd", Vote: Neutral}
	if len(closes) < macdSlow+macdSignal+1 {
		c.Detail = "insufficient data"
		return c
	}
	_, _, hist := talib.Macd(closes, macdFast, macdSlow, macdSignal)
	cur, prev := hist[len(hist)-1], hist[len(hist)-2]
	c.Value = cur
	switch {
	case prev <= 0 && cur > 0:
		c.Vote, c.Strength, c.Detail = Buy, 1, "golden cross"
	case prev >= 0 && cur < 0:
		c.Vote, c.Strength, c.Detail = Sell, 1, "dead cross"
	case cur > 0:
		c.Vote, c.Strength, c.Detail = Buy, 0.5, "histogram above zero"
	case cur < 0:
		c.Vote, c.Strength, c.Detail = Sell, 0.5, "histogram below zero"
	}
	return c
}

func bollingerVote(closes []float64) Component {
	c := Component{Name: "bollinger_pb", Vote: Neutral}
	if len(closes) < bbPeriod {
		c.Detail = "insufficient data"
		return c
	}
	upper, _, lower := talib.BBands(closes, bbPeriod, bbDev, bbDev, talib.SMA)
	u, l := last(upper), last(lower)
	if u <= l {
		c.Detail = "flat band"
		return c
	}
	pb := (closes[len(closes)-1] - l) / (u - l)
	c.Value = pb
	switch {
	case pb < 0.2:
		c.Vote, c.Strength = Buy, clamp(0.5+(0.2-pb)*2.5, 0, 1)
	case pb > 0.8:
		c.Vote, c.Strength = Sell, clamp(0.5+(pb-0.8)*2.5, 0, 1)
	}
	c.Detail = fmt.Sprintf("%%B %.2f", pb)
	return c
}

func maOrderVote(closes []float64) Component {
	c := Component{Name: "ma_order", Vote: Neutral}
	if len(closes) < 60 {
		c.Detail = "insufficient data"
		return c
	}
	px := closes[len(closes)-1]
	ma5, ma20, ma60 := last(talib.Sma(closes, 5)), last(talib.Sma(closes, 20)), last(talib.Sma(closes, 60))
	c.Value = ma5 - ma60
	switch {
	case ma5 > ma20 && ma20 > ma60:
		c.Vote, c.Strength, c.Detail = Buy, 0.7, "ma5>ma20>ma60"
		if px > ma5 {
			c.Strength, c.Detail = 1, "close>ma5>ma20>ma60"
		}
	case ma5 < ma20 && ma20 < ma60:
		c.Vote, c.Strength, c.Detail = Sell, 0.7, "ma5<ma20<ma60"
		if px < ma5 {
			c.Strength, c.Detail = 1, "close<ma5<ma20<ma60"
		}
	}
	return c
}

// volumeRatio compares the last bar's volume to the mean of the preceding
// window. Zero means unknown.
func volumeRatio(candles []market.Candle) float64 {
	if len(candles) < volumeWindow+1 {
		return 0
	}
	var sum float64
	prior := candles[len(candles)-1-volumeWindow : len(candles)-1]
	for _, c := range prior {
		sum += c.Volume
	}
	avg := sum / float64(len(prior))
	if avg <= 0 {
		return 0
	}
	return candles[len(candles)-1].Volume / avg
}

// WithinAnchor reports whether conf stays within tol points of anchor.
func WithinAnchor(conf, anchor, tol float64) bool {
	return math.Abs(conf-anchor) <= tol
}

// ClampToAnchor pulls conf back inside anchor±tol.
func ClampToAnchor(conf, anchor, tol float64) float64 {
	return clamp(conf, anchor-tol, anchor+tol)
}

// PromptBlock renders the score as an anchor section for synthesis prompts.
func (s Score) PromptBlock(tolerance float64) string {
	var b strings.Builder
	fmt.Fprintf(&b, "[Quant anchor] %s direction=%s confidence=%.0f\n", s.Ticker, s.Direction, s.Confidence)
	for _, c := range s.Components {
		fmt.Fprintf(&b, "- %s: %s (%.2f) %s\n", c.Name, c.Vote, c.Strength, c.Detail)
	}
	fmt.Fprintf(&b, "Your confidence must stay within ±%.0f of %.0f unless you state an explicit qualitative justification.\n",
		tolerance, s.Confidence)
	return b.String()
}

func last(series []float64) float64 {
	if len(series) == 0 {
		return 0
	}
	v := series[len(series)-1]
	if math.IsNaN(v) || math.IsInf(v, 0) {
		return 0
	}
	return v
}

func clamp(v, lo, hi float64) float64 {
	if math.IsNaN(v) {
		return lo
	}
	return math.Max(lo, math.Min(hi, v))
}
