package learning

import (
	"context"
	"fmt"
	"math"
	"time"

	"corthex/internal/store"
	"corthex/internal/store/model"
)

const (
	horizon3d = 3 * 24 * time.Hour
	horizon7d = 7 * 24 * time.Hour
)

// FreshPricer returns an uncached price.
type FreshPricer interface {
	FreshPrice(ctx context.Context, ticker string) (float64, error)
}

type VerifyReport struct {
	Filled3d int     `json:"filled_3d"`
	Filled7d int     `json:"filled_7d"`
	Skipped  int     `json:"skipped"`
	Learning *Report `json:"learning,omitempty"`
}

// Verifier grades predictions whose horizon has elapsed and, when new
// 7-day outcomes appear, runs the learning pipeline.
type Verifier struct {
	repo        store.PredictionRepository
	prices      FreshPricer
	pipeline    *Pipeline
	materiality float64
	nowFn       func() time.Time
}

func NewVerifier(repo store.PredictionRepository, prices FreshPricer, pipeline *Pipeline) *Verifier {
	v := &Verifier{repo: repo, prices: prices, pipeline: pipeline, nowFn: time.Now}
	if pipeline != nil {
		v.materiality = pipeline.Options().MaterialityPct
	} else {
		v.materiality = DefaultOptions().MaterialityPct
	}
	return v
}

// Grade decides correctness of a move from entry to price.
func Grade(dir model.Direction, entry, price, materialityPct float64) (correct bool, signedReturnPct float64) {
	if entry <= 0 {
		return false, 0
	}
	move := (price - entry) / entry * 100
	switch dir {
	case model.DirectionBuy:
		return move > 0, move
	case model.DirectionSell:
		return move < 0, -move
	default:
		return math.Abs(move) < materialityPct, -math.Abs(move)
	}
}

func (v *Verifier) Run(ctx context.Context) (VerifyReport, error) {
	var rep VerifyReport
	now := v.nowFn().UTC()
	prices := make(map[string]float64)
	priceOf := func(ticker string) (float64, bool) {
		if px, ok := prices[ticker]; ok {
			return px, px > 0
		}
		px, err := v.prices.FreshPrice(ctx, ticker)
		if err != nil || px <= 0 {
			log.Warnf("verify: price %s unavailable: %v", ticker, err)
			prices[ticker] = 0
			return 0, false
		}
		prices[ticker] = px
		return px, true
	}

	due3, err := v.repo.ListPredictions(ctx, store.PredictionFilter{Missing3d: true, CreatedBefore: now.Add(-horizon3d)})
	if err != nil {
		return rep, fmt.Errorf("list 3d due: %w", err)
	}
	for i := range due3 {
		p := due3[i]
		px, ok := priceOf(p.Ticker)
		if !ok {
			rep.Skipped++
			continue
		}
		correct, _ := Grade(p.Direction, p.PredictedPrice, px, v.materiality)
		p.ActualPrice3d, p.Correct3d = &px, &correct
		if err := v.repo.SavePrediction(ctx, &p); err != nil {
			return rep, fmt.Errorf("save 3d %s: %w", p.ID, err)
		}
		rep.Filled3d++
	}

	due7, err := v.repo.ListPredictions(ctx, store.PredictionFilter{Missing7d: true, CreatedBefore: now.Add(-horizon7d)})
	if err != nil {
		return rep, fmt.Errorf("list 7d due: %w", err)
	}
	for i := range due7 {
		p := due7[i]
		px, ok := priceOf(p.Ticker)
		if !ok {
			rep.Skipped++
			continue
		}
		correct, ret := Grade(p.Direction, p.PredictedPrice, px, v.materiality)
		ret = math.Round(ret*100) / 100
		verifiedAt := now
		p.ActualPrice7d, p.Correct7d, p.ReturnPct7d, p.VerifiedAt = &px, &correct, &ret, &verifiedAt
		if err := v.repo.SavePrediction(ctx, &p); err != nil {
			return rep, fmt.Errorf("save 7d %s: %w", p.ID, err)
		}
		rep.Filled7d++
	}
	log.Infof("verify: filled 3d=%d 7d=%d skipped=%d", rep.Filled3d, rep.Filled7d, rep.Skipped)
	if rep.Filled7d > 0 && v.pipeline != nil {
		lr := v.pipeline.Run(ctx)
		rep.Learning = &lr
	}
	return rep, nil
}
