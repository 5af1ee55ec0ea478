package learning

import (
	"context"
	"fmt"
	"math"

	"corthex/internal/store"
	"corthex/internal/store/model"
)

// Outcome grades one specialist against a verified prediction: 1 when its
// call matches the realized direction, 0 when it does not, 0.5 for HOLD or
// a move too small to matter.
func Outcome(p model.Prediction, rec model.Direction, materialityPct float64) float64 {
	if rec == model.DirectionHold || p.Correct7d == nil {
		return 0.5
	}
	if p.ReturnPct7d != nil && math.Abs(*p.ReturnPct7d) < materialityPct {
		return 0.5
	}
	if rec == realizedDirection(p) {
		return 1
	}
	return 0
}

// realizedDirection is the way the market actually went.
func realizedDirection(p model.Prediction) model.Direction {
	correct := p.Correct7d != nil && *p.Correct7d
	switch {
	case p.Direction == model.DirectionBuy && correct, p.Direction == model.DirectionSell && !correct:
		return model.DirectionBuy
	case p.Direction == model.DirectionSell && correct, p.Direction == model.DirectionBuy && !correct:
		return model.DirectionSell
	default:
		return model.DirectionHold
	}
}

// marketMovePct is the raw percentage move over the horizon, unsigned by
// the prediction's direction.
func marketMovePct(p model.Prediction) float64 {
	if p.ReturnPct7d == nil {
		return 0
	}
	if p.Direction == model.DirectionSell {
		return -*p.ReturnPct7d
	}
	return *p.ReturnPct7d
}

// ExpectedScore is the standard Elo expectation against the field average.
func ExpectedScore(rating, fieldAvg float64) float64 {
	return 1 / (1 + math.Pow(10, (fieldAvg-rating)/400))
}

func (o Options) kFactor(games int) float64 {
	if games < o.EloProvisionalGames {
		return o.EloKProvisional
	}
	return o.EloKStable
}

// eloBook is the in-memory copy of the rating table for one pass.
type eloBook struct {
	opts  Options
	rows  map[string]*model.AnalystElo
	order []string
}

func newEloBook(opts Options, rows []model.AnalystElo) *eloBook {
	b := &eloBook{opts: opts, rows: make(map[string]*model.AnalystElo, len(rows))}
	for i := range rows {
		r := rows[i]
		b.rows[r.AgentID] = &r
		b.order = append(b.order, r.AgentID)
	}
	return b
}

func (b *eloBook) ensure(agentID string) *model.AnalystElo {
	if r, ok := b.rows[agentID]; ok {
		return r
	}
	r := &model.AnalystElo{AgentID: agentID, EloRating: b.opts.EloInitial}
	b.rows[agentID] = r
	b.order = append(b.order, agentID)
	return r
}

func (b *eloBook) fieldAverage() float64 {
	if len(b.rows) == 0 {
		return b.opts.EloInitial
	}
	var sum float64
	for _, r := range b.rows {
		sum += r.EloRating
	}
	return sum / float64(len(b.rows))
}

// apply rates every participant of one prediction against the same field
// average, taken after newcomers join and before anyone moves.
func (b *eloBook) apply(p model.Prediction, contribs []model.SpecialistContribution) []model.AnalystElo {
	seen := make(map[string]model.Direction, len(contribs))
	var agents []string
	for _, c := range contribs {
		if c.AgentID == "" {
			continue
		}
		if _, ok := seen[c.AgentID]; ok {
			continue
		}
		seen[c.AgentID] = c.Recommendation
		agents = append(agents, c.AgentID)
		b.ensure(c.AgentID)
	}
	avg := b.fieldAverage()
	move := marketMovePct(p)
	type delta struct {
		row   *model.AnalystElo
		score float64
		ret   float64
	}
	deltas := make([]delta, 0, len(agents))
	for _, id := range agents {
		rec := seen[id]
		ret := 0.0
		switch rec {
		case model.DirectionBuy:
			ret = move
		case model.DirectionSell:
			ret = -move
		}
		deltas = append(deltas, delta{row: b.rows[id], score: Outcome(p, rec, b.opts.MaterialityPct), ret: ret})
	}
	out := make([]model.AnalystElo, 0, len(deltas))
	for _, d := range deltas {
		r := d.row
		k := b.opts.kFactor(r.TotalPredictions)
		r.EloRating += k * (d.score - ExpectedScore(r.EloRating, avg))
		r.AvgReturnPct = (r.AvgReturnPct*float64(r.TotalPredictions) + d.ret) / float64(r.TotalPredictions+1)
		r.TotalPredictions++
		if d.score == 1 {
			r.CorrectPredictions++
		}
		out = append(out, *r)
	}
	return out
}

// UpdateElo rates the specialists of every verified prediction not yet
// applied. Rating changes and the applied flag of each prediction are
// written together.
func UpdateElo(ctx context.Context, repo Repository, opts Options) (int, error) {
	preds, err := repo.ListPredictions(ctx, store.PredictionFilter{EloPending: true})
	if err != nil {
		return 0, fmt.Errorf("list elo pending: %w", err)
	}
	if len(preds) == 0 {
		return 0, nil
	}
	rows, err := repo.ListElo(ctx)
	if err != nil {
		return 0, fmt.Errorf("list elo: %w", err)
	}
	book := newEloBook(opts, rows)
	applied := 0
	for i := range preds {
		p := preds[i]
		contribs, err := repo.ListContributions(ctx, p.ID)
		if err != nil {
			return applied, fmt.Errorf("contributions of %s: %w", p.ID, err)
		}
		if err := repo.ApplyElo(ctx, p.ID, book.apply(p, contribs)...); err != nil {
			return applied, fmt.Errorf("apply elo for %s: %w", p.ID, err)
		}
		applied++
	}
	log.Infof("elo updated from %d prediction(s), field average %.1f", applied, book.fieldAverage())
	return applied, nil
}
