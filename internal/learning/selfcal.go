package learning

import (
	"context"
	"fmt"
	"math"

	"corthex/internal/config"
	"corthex/internal/store"
)

type FactorReport struct {
	Factor        float64 `json:"factor"`
	Trades        int     `json:"trades"`
	WinRate       float64 `json:"win_rate"`
	AvgConfidence float64 `json:"avg_confidence"`
}

// SelfCalibration derives a live confidence multiplier from the most
// recent closed trades. It is independent of the calibration buckets.
type SelfCalibration struct {
	trades    store.TradeRepository
	window    int
	minTrades int
	min, max  float64
}

func NewSelfCalibration(trades store.TradeRepository, cfg config.TradingConfig) *SelfCalibration {
	d := config.Default().Trading
	s := &SelfCalibration{
		trades:    trades,
		window:    cfg.CalibrationWindow,
		minTrades: cfg.CalibrationMinTrades,
		min:       cfg.FactorMin,
		max:       cfg.FactorMax,
	}
	if s.window <= 0 {
		s.window = d.CalibrationWindow
	}
	if s.minTrades <= 0 {
		s.minTrades = d.CalibrationMinTrades
	}
	if s.min <= 0 || s.max < s.min {
		s.min, s.max = d.FactorMin, d.FactorMax
	}
	return s
}

// Factor is actual win rate over average stated confidence, clamped. Too
// few trades yields 1.
func (s *SelfCalibration) Factor(ctx context.Context) (FactorReport, error) {
	rows, err := s.trades.RecentClosedTrades(ctx, s.window)
	if err != nil {
		return FactorReport{Factor: 1}, fmt.Errorf("recent trades: %w", err)
	}
	rep := FactorReport{Factor: 1, Trades: len(rows)}
	if len(rows) == 0 {
		return rep, nil
	}
	wins := 0
	var conf float64
	for _, t := range rows {
		if t.Win {
			wins++
		}
		conf += t.Confidence
	}
	rep.WinRate = float64(wins) / float64(len(rows))
	rep.AvgConfidence = conf / float64(len(rows))
	if len(rows) < s.minTrades || rep.AvgConfidence <= 0 {
		return rep, nil
	}
	f := rep.WinRate / (rep.AvgConfidence / 100)
	rep.Factor = math.Max(s.min, math.Min(s.max, f))
	return rep, nil
}
