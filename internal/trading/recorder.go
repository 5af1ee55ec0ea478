package trading

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	"corthex/internal/config"
	"corthex/internal/gateway/market"
	"corthex/internal/learning"
	"corthex/internal/quant"
	"corthex/internal/store"
	"corthex/internal/store/model"

	"github.com/google/uuid"
)

type Repository interface {
	store.PredictionRepository
	store.TradeRepository
}

type FactorSource interface {
	Factor(ctx context.Context) (learning.FactorReport, error)
}

type AnchorSource interface {
	Compute(ctx context.Context, ticker string) (quant.Score, error)
}

type PriceSource interface {
	GetPrice(ctx context.Context, ticker string) (float64, error)
}

type Options struct {
	Mode            ExecutionMode
	AutoExecute     bool
	MinConfidence   float64
	AnchorTolerance float64
}

func OptionsFromConfig(cfg config.TradingConfig) (Options, error) {
	mode, err := ParseExecutionMode(cfg.Mode)
	if err != nil {
		return Options{}, err
	}
	return Options{
		Mode:            mode,
		AutoExecute:     cfg.AutoExecute,
		MinConfidence:   cfg.MinConfidence,
		AnchorTolerance: cfg.AnchorTolerance,
	}, nil
}

// SpecialistReport is one specialist's output on the chain that produced
// the signal.
type SpecialistReport struct {
	AgentID string
	Content string
	Tools   []string
	CostUSD float64
}

type RecordInput struct {
	ChainID     string
	TaskID      string
	Report      string
	Specialists []SpecialistReport
}

// Outcome is what happened to one parsed signal.
type Outcome struct {
	Signal       Signal  `json:"signal"`
	PredictionID string  `json:"prediction_id,omitempty"`
	Anchor       float64 `json:"anchor,omitempty"`
	Anchored     bool    `json:"anchored"`
	Factor       float64 `json:"factor"`
	Confidence   float64 `json:"confidence"`
	Execute      bool    `json:"execute"`
	Skipped      string  `json:"skipped,omitempty"`
}

// Recorder turns synthesis output into stored predictions and decides
// whether each one is executed.
type Recorder struct {
	repo     Repository
	parser   SignalParser
	factor   FactorSource
	anchor   AnchorSource
	prices   PriceSource
	executor OrderExecutor
	opts     Options
	nowFn    func() time.Time
}

func NewRecorder(repo Repository, parser SignalParser, factor FactorSource, anchor AnchorSource, prices PriceSource, executor OrderExecutor, opts Options) *Recorder {
	if executor == nil {
		executor = LogExecutor{}
	}
	if opts.AnchorTolerance <= 0 {
		opts.AnchorTolerance = config.Default().Trading.AnchorTolerance
	}
	return &Recorder{
		repo: repo, parser: parser, factor: factor, anchor: anchor,
		prices: prices, executor: executor, opts: opts, nowFn: time.Now,
	}
}

func (r *Recorder) Mode() ExecutionMode { return r.opts.Mode }

// Record parses report and stores one prediction per BUY/SELL signal.
// A report with no signal is not an error.
func (r *Recorder) Record(ctx context.Context, in RecordInput) ([]Outcome, error) {
	signals, err := r.parser.Parse(in.Report)
	if errors.Is(err, ErrNoSignal) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	factor := 1.0
	if r.factor != nil {
		rep, err := r.factor.Factor(ctx)
		if err != nil {
			log.Warnf("self-calibration unavailable, using 1.0: %v", err)
		} else {
			factor = rep.Factor
		}
	}
	out := make([]Outcome, 0, len(signals))
	for _, sig := range signals {
		o, err := r.recordOne(ctx, in, sig, factor)
		if err != nil {
			return out, err
		}
		out = append(out, o)
	}
	return out, nil
}

func (r *Recorder) recordOne(ctx context.Context, in RecordInput, sig Signal, factor float64) (Outcome, error) {
	o := Outcome{Signal: sig, Factor: factor, Confidence: sig.Confidence}
	if sig.Direction != model.DirectionBuy && sig.Direction != model.DirectionSell {
		o.Skipped = "no directional call"
		return o, nil
	}
	conf := sig.Confidence
	if r.anchor != nil {
		score, err := r.anchor.Compute(ctx, sig.Ticker)
		if err != nil {
			log.Warnf("quant anchor %s unavailable: %v", sig.Ticker, err)
		} else {
			o.Anchor = score.Confidence
			if !quant.WithinAnchor(conf, score.Confidence, r.opts.AnchorTolerance) && sig.Justification == "" {
				conf = quant.ClampToAnchor(conf, score.Confidence, r.opts.AnchorTolerance)
				o.Anchored = true
			}
		}
	}
	conf = math.Round(math.Max(0, math.Min(100, conf*factor))*10) / 10
	o.Confidence = conf

	price, err := r.prices.GetPrice(ctx, sig.Ticker)
	if err != nil || price <= 0 {
		o.Skipped = fmt.Sprintf("no price: %v", err)
		log.Warnf("signal %s %s skipped: %s", sig.Direction, sig.Ticker, o.Skipped)
		return o, nil
	}
	o.Execute = r.opts.AutoExecute && conf >= r.opts.MinConfidence
	p := &model.Prediction{
		ID:               uuid.NewString(),
		Ticker:           market.NormalizeTicker(sig.Ticker),
		Direction:        sig.Direction,
		Confidence:       conf,
		RawConfidence:    sig.Confidence,
		AnchorConfidence: o.Anchor,
		PredictedPrice:   price,
		TargetPrice:      sig.TargetPrice,
		TaskID:           in.TaskID,
		ChainID:          in.ChainID,
		Executed:         o.Execute,
		CreatedAt:        r.nowFn().UTC(),
	}
	if err := r.repo.SavePrediction(ctx, p); err != nil {
		return o, fmt.Errorf("save prediction %s: %w", sig.Ticker, err)
	}
	o.PredictionID = p.ID
	if err := r.repo.SaveContributions(ctx, r.contributions(p.ID, sig, in.Specialists)); err != nil {
		return o, fmt.Errorf("save contributions %s: %w", sig.Ticker, err)
	}
	log.Infof("prediction %s %s %s raw=%.1f anchor=%.1f factor=%.2f final=%.1f execute=%v mode=%s",
		p.ID, p.Ticker, p.Direction, sig.Confidence, o.Anchor, factor, conf, o.Execute, r.opts.Mode)
	if o.Execute {
		err := r.executor.Execute(ctx, Order{
			PredictionID: p.ID, Ticker: p.Ticker, Direction: p.Direction,
			Confidence: conf, Price: price, Mode: r.opts.Mode,
		})
		if err != nil {
			log.Errorf("execute %s: %v", p.ID, err)
		}
	}
	return o, nil
}

// contributions attributes the signal to each specialist by reading the
// specialist's own call on the same ticker. No call reads as HOLD.
func (r *Recorder) contributions(predictionID string, sig Signal, reports []SpecialistReport) []model.SpecialistContribution {
	out := make([]model.SpecialistContribution, 0, len(reports))
	for _, rep := range reports {
		rec := model.DirectionHold
		if calls, err := r.parser.Parse(rep.Content); err == nil {
			for _, c := range calls {
				if strings.EqualFold(c.Ticker, sig.Ticker) || market.NormalizeTicker(c.Ticker) == market.NormalizeTicker(sig.Ticker) {
					rec = c.Direction
					break
				}
			}
		}
		out = append(out, model.SpecialistContribution{
			PredictionID:   predictionID,
			AgentID:        rep.AgentID,
			Recommendation: rec,
			ToolsUsed:      append([]string(nil), rep.Tools...),
			CostUSD:        rep.CostUSD,
		})
	}
	return out
}

// CloseVerified books a closed trade for every executed prediction whose
// 7-day outcome is known and returns how many it saw. Already closed ones
// are left alone.
func (r *Recorder) CloseVerified(ctx context.Context) (int, error) {
	preds, err := r.repo.ListPredictions(ctx, store.PredictionFilter{VerifiedOnly: true})
	if err != nil {
		return 0, fmt.Errorf("list verified: %w", err)
	}
	n := 0
	for _, p := range preds {
		if !p.Executed || p.ActualPrice7d == nil {
			continue
		}
		t := &model.ClosedTrade{
			PredictionID: p.ID,
			Ticker:       p.Ticker,
			Direction:    p.Direction,
			Confidence:   p.StatedConfidence(),
			EntryPrice:   p.PredictedPrice,
			ExitPrice:    *p.ActualPrice7d,
			Win:          *p.Correct7d,
		}
		if p.ReturnPct7d != nil {
			t.PnLPct = *p.ReturnPct7d
		}
		if p.VerifiedAt != nil {
			t.ClosedAt = *p.VerifiedAt
		}
		if err := r.repo.SaveClosedTrade(ctx, t); err != nil {
			return n, fmt.Errorf("close %s: %w", p.ID, err)
		}
		n++
	}
	return n, nil
}
