package learning

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"corthex/internal/store"
	"corthex/internal/store/model"
)

// UpdateTools credits every tool used on a verified prediction with that
// prediction's grade. A tool counts once per prediction however many
// specialists used it.
func UpdateTools(ctx context.Context, repo Repository) (int, error) {
	preds, err := repo.ListPredictions(ctx, store.PredictionFilter{ToolsPending: true})
	if err != nil {
		return 0, fmt.Errorf("list tools pending: %w", err)
	}
	applied := 0
	for i := range preds {
		p := preds[i]
		contribs, err := repo.ListContributions(ctx, p.ID)
		if err != nil {
			return applied, fmt.Errorf("contributions of %s: %w", p.ID, err)
		}
		correct := p.Correct7d != nil && *p.Correct7d
		var changed []model.ToolEffectiveness
		for _, name := range toolsOf(contribs) {
			t, err := repo.GetTool(ctx, name)
			if errors.Is(err, store.ErrNotFound) {
				t = model.ToolEffectiveness{ToolName: name}
			} else if err != nil {
				return applied, fmt.Errorf("load tool %s: %w", name, err)
			}
			if correct {
				t.UsedCorrect++
			} else {
				t.UsedIncorrect++
			}
			t.TotalUses++
			t.EffScore = float64(t.UsedCorrect) / float64(t.TotalUses)
			changed = append(changed, t)
		}
		if err := repo.ApplyTools(ctx, p.ID, changed...); err != nil {
			return applied, fmt.Errorf("apply tools for %s: %w", p.ID, err)
		}
		applied++
	}
	return applied, nil
}

func toolsOf(contribs []model.SpecialistContribution) []string {
	set := make(map[string]struct{})
	for _, c := range contribs {
		for _, t := range c.ToolsUsed {
			t = strings.TrimSpace(t)
			if t != "" {
				set[t] = struct{}{}
			}
		}
	}
	out := make([]string, 0, len(set))
	for t := range set {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
