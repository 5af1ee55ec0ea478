package learning

import (
	"context"
	"fmt"
	"strings"
)

// ContextBuilder renders the cautionary learning block for synthesis
// prompts.
type ContextBuilder struct {
	repo Repository
	top  int
}

func NewContextBuilder(repo Repository, opts Options) *ContextBuilder {
	return &ContextBuilder{repo: repo, top: opts.withDefaults().ContextTopAnalysts}
}

// Build returns "" when nothing has been learned yet.
func (b *ContextBuilder) Build(ctx context.Context) (string, error) {
	elo, err := b.repo.ListElo(ctx)
	if err != nil {
		return "", fmt.Errorf("list elo: %w", err)
	}
	buckets, err := b.repo.ListCalibration(ctx)
	if err != nil {
		return "", fmt.Errorf("list calibration: %w", err)
	}
	patterns, err := b.repo.ListPatterns(ctx, true)
	if err != nil {
		return "", fmt.Errorf("list patterns: %w", err)
	}
	tools, err := b.repo.ListTools(ctx)
	if err != nil {
		return "", fmt.Errorf("list tools: %w", err)
	}
	if len(elo) == 0 && len(buckets) == 0 && len(patterns) == 0 {
		return "", nil
	}

	var sb strings.Builder
	sb.WriteString("[Track record]\n")
	if len(elo) > 0 {
		sb.WriteString("Most reliable analysts (ELO):\n")
		for i, r := range elo {
			if i >= b.top {
				break
			}
			fmt.Fprintf(&sb, "- %s %.0f (%d/%d correct, avg return %+.2f%%)\n",
				r.AgentID, r.EloRating, r.CorrectPredictions, r.TotalPredictions, r.AvgReturnPct)
		}
	}
	if len(buckets) > 0 {
		sb.WriteString("Stated confidence vs realized hit rate:\n")
		for _, c := range buckets {
			fmt.Fprintf(&sb, "- %s%%: %.0f%% (95%% CI %.0f-%.0f, n=%d)\n",
				c.Bucket, c.ActualRate*100, c.CILower*100, c.CIUpper*100, c.TotalCount)
		}
	}
	if len(tools) > 0 {
		sb.WriteString("Tool effectiveness:\n")
		for i, t := range tools {
			if i >= b.top {
				break
			}
			fmt.Fprintf(&sb, "- %s %.0f%% over %d uses\n", t.ToolName, t.EffScore*100, t.TotalUses)
		}
	}
	if len(patterns) > 0 {
		sb.WriteString("Known error patterns, correct for these:\n")
		for _, p := range patterns {
			fmt.Fprintf(&sb, "- %s\n", p.Description)
		}
	}
	return sb.String(), nil
}
