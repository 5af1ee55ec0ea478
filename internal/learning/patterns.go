package learning

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"corthex/internal/store"
	"corthex/internal/store/model"
)

const (
	overconfidencePrefix = "overconfidence_"
	streakPrefix         = "ticker_streak_"
	biasPrefix           = "direction_bias_"
)

// MinePatterns runs the three rule scans over the verified history, oldest
// first, and returns the patterns that currently hold.
func MinePatterns(preds []model.Prediction, opts Options) []model.ErrorPattern {
	verified := make([]model.Prediction, 0, len(preds))
	for _, p := range preds {
		if p.Correct7d != nil {
			verified = append(verified, p)
		}
	}
	sort.SliceStable(verified, func(i, j int) bool { return verified[i].CreatedAt.Before(verified[j].CreatedAt) })

	var out []model.ErrorPattern
	out = append(out, overconfidence(verified, opts)...)
	out = append(out, streaks(verified, opts)...)
	out = append(out, directionBias(verified, opts)...)
	return out
}

func hit(correct, total int) float64 {
	if total == 0 {
		return 0
	}
	return float64(correct) / float64(total)
}

func overconfidence(preds []model.Prediction, opts Options) []model.ErrorPattern {
	var out []model.ErrorPattern
	for _, b := range BuildCalibration(preds) {
		if b.Lower < opts.OverconfidenceMinBucket || b.TotalCount < opts.OverconfidenceMinSamples {
			continue
		}
		rate := hit(b.CorrectCount, b.TotalCount)
		if rate >= opts.OverconfidenceHitRate {
			continue
		}
		out = append(out, model.ErrorPattern{
			PatternType:    fmt.Sprintf("%s%d", overconfidencePrefix, b.Lower),
			Description:    fmt.Sprintf("Stated confidence %s%% hit only %.0f%% over %d predictions", b.Bucket, rate*100, b.TotalCount),
			CorrectCount:   b.CorrectCount,
			IncorrectCount: b.TotalCount - b.CorrectCount,
			HitRate:        rate,
			Active:         true,
		})
	}
	return out
}

// streaks flags tickers whose most recent predictions are a run of misses.
func streaks(preds []model.Prediction, opts Options) []model.ErrorPattern {
	byTicker := make(map[string][]model.Prediction)
	var tickers []string
	for _, p := range preds {
		t := strings.ToUpper(p.Ticker)
		if _, ok := byTicker[t]; !ok {
			tickers = append(tickers, t)
		}
		byTicker[t] = append(byTicker[t], p)
	}
	sort.Strings(tickers)
	var out []model.ErrorPattern
	for _, t := range tickers {
		hist := byTicker[t]
		run := 0
		for i := len(hist) - 1; i >= 0 && !*hist[i].Correct7d; i-- {
			run++
		}
		if run < opts.StreakLength {
			continue
		}
		correct := 0
		for _, p := range hist {
			if *p.Correct7d {
				correct++
			}
		}
		rate := hit(correct, len(hist))
		out = append(out, model.ErrorPattern{
			PatternType:    streakPrefix + t,
			Description:    fmt.Sprintf("%s: %d consecutive misses, overall hit rate %.0f%% (%d/%d)", t, run, rate*100, correct, len(hist)),
			CorrectCount:   correct,
			IncorrectCount: len(hist) - correct,
			HitRate:        rate,
			Active:         true,
		})
	}
	return out
}

func directionBias(preds []model.Prediction, opts Options) []model.ErrorPattern {
	var out []model.ErrorPattern
	for _, dir := range []model.Direction{model.DirectionBuy, model.DirectionSell} {
		total, correct := 0, 0
		for _, p := range preds {
			if p.Direction != dir {
				continue
			}
			total++
			if *p.Correct7d {
				correct++
			}
		}
		if total < opts.BiasMinSamples {
			continue
		}
		rate := hit(correct, total)
		if rate >= opts.BiasHitRate {
			continue
		}
		out = append(out, model.ErrorPattern{
			PatternType:    biasPrefix + string(dir),
			Description:    fmt.Sprintf("%s calls hit %.0f%% over %d predictions", dir, rate*100, total),
			CorrectCount:   correct,
			IncorrectCount: total - correct,
			HitRate:        rate,
			Active:         true,
		})
	}
	return out
}

func minedFamily(patternType string) bool {
	for _, p := range []string{overconfidencePrefix, streakPrefix, biasPrefix} {
		if strings.HasPrefix(patternType, p) {
			return true
		}
	}
	return false
}

// RefreshPatterns upserts every current pattern and deactivates mined ones
// that no longer hold. Nothing is deleted.
func RefreshPatterns(ctx context.Context, repo Repository, opts Options) (int, error) {
	preds, err := repo.ListPredictions(ctx, store.PredictionFilter{VerifiedOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list verified: %w", err)
	}
	current := MinePatterns(preds, opts)
	live := make(map[string]struct{}, len(current))
	for _, p := range current {
		live[p.PatternType] = struct{}{}
		if err := repo.UpsertPattern(ctx, p); err != nil {
			return 0, fmt.Errorf("upsert %s: %w", p.PatternType, err)
		}
	}
	existing, err := repo.ListPatterns(ctx, true)
	if err != nil {
		return len(current), fmt.Errorf("list patterns: %w", err)
	}
	for _, p := range existing {
		if _, ok := live[p.PatternType]; ok || !minedFamily(p.PatternType) {
			continue
		}
		p.Active = false
		if err := repo.UpsertPattern(ctx, p); err != nil {
			return len(current), fmt.Errorf("deactivate %s: %w", p.PatternType, err)
		}
	}
	return len(current), nil
}
