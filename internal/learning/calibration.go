package learning

import (
	"context"
	"fmt"
	"math"
	"sort"

	"corthex/internal/store"
	"corthex/internal/store/model"
)

const z95 = 1.96

// BucketLower maps a confidence to the lower edge of its ten-point bucket.
// 100 belongs to 90-100.
func BucketLower(confidence float64) int {
	if confidence <= 0 {
		return 0
	}
	lower := int(confidence) / 10 * 10
	if lower > 90 {
		lower = 90
	}
	return lower
}

func BucketLabel(lower int) string { return fmt.Sprintf("%d-%d", lower, lower+10) }

// BetaPosterior returns the posterior mean and a normal-approximation 95%
// interval under a Beta(1,1) prior, clamped to [0,1].
func BetaPosterior(correct, total int) (alpha, beta, mean, lo, hi float64) {
	alpha = 1 + float64(correct)
	beta = 1 + float64(total-correct)
	sum := alpha + beta
	mean = alpha / sum
	sd := math.Sqrt(alpha * beta / (sum * sum * (sum + 1)))
	lo = math.Max(0, mean-z95*sd)
	hi = math.Min(1, mean+z95*sd)
	return alpha, beta, mean, lo, hi
}

// BuildCalibration recomputes the bucket table from scratch, bucketing by
// stated confidence. Unverified predictions are ignored.
func BuildCalibration(preds []model.Prediction) []model.CalibrationBucket {
	type tally struct{ total, correct int }
	byLower := make(map[int]*tally)
	for _, p := range preds {
		if p.Correct7d == nil {
			continue
		}
		l := BucketLower(p.StatedConfidence())
		t, ok := byLower[l]
		if !ok {
			t = &tally{}
			byLower[l] = t
		}
		t.total++
		if *p.Correct7d {
			t.correct++
		}
	}
	lowers := make([]int, 0, len(byLower))
	for l := range byLower {
		lowers = append(lowers, l)
	}
	sort.Ints(lowers)
	out := make([]model.CalibrationBucket, 0, len(lowers))
	for _, l := range lowers {
		t := byLower[l]
		a, b, mean, lo, hi := BetaPosterior(t.correct, t.total)
		out = append(out, model.CalibrationBucket{
			Bucket:       BucketLabel(l),
			Lower:        l,
			TotalCount:   t.total,
			CorrectCount: t.correct,
			ActualRate:   mean,
			Alpha:        a,
			Beta:         b,
			CILower:      lo,
			CIUpper:      hi,
		})
	}
	return out
}

func RebuildCalibration(ctx context.Context, repo Repository) (int, error) {
	preds, err := repo.ListPredictions(ctx, store.PredictionFilter{VerifiedOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list verified: %w", err)
	}
	buckets := BuildCalibration(preds)
	if err := repo.ReplaceCalibration(ctx, buckets); err != nil {
		return 0, fmt.Errorf("replace calibration: %w", err)
	}
	return len(buckets), nil
}
