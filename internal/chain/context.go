package chain

import (
	"context"
	"regexp"
	"sort"
	"strings"

	"corthex/internal/quant"
)

const maxAnchorTickers = 3

var (
	krxTickerPattern  = regexp.MustCompile(`\b\d{6}\b`)
	cashTickerPattern = regexp.MustCompile(`\$([A-Za-z]{1,5})\b`)
)

type TrackRecord interface {
	Build(ctx context.Context) (string, error)
}

type QuantScorer interface {
	Compute(ctx context.Context, ticker string) (quant.Score, error)
}

// SynthesisContext joins the learning track record with quant anchors for
// the tickers a command mentions.
type SynthesisContext struct {
	Record    TrackRecord
	Quant     QuantScorer
	Tolerance float64
	Watchlist []string
}

func (s SynthesisContext) PromptContext(ctx context.Context, command string) (string, error) {
	var blocks []string
	if s.Record != nil {
		block, err := s.Record.Build(ctx)
		if err != nil {
			log.Warnf("track record unavailable: %v", err)
		} else if block != "" {
			blocks = append(blocks, strings.TrimSpace(block))
		}
	}
	if s.Quant != nil {
		for _, t := range Tickers(command, s.Watchlist) {
			score, err := s.Quant.Compute(ctx, t)
			if err != nil {
				log.Warnf("quant anchor %s: %v", t, err)
				continue
			}
			blocks = append(blocks, strings.TrimSpace(score.PromptBlock(s.Tolerance)))
		}
	}
	return strings.Join(blocks, "\n\n"), nil
}

// Tickers finds six-digit KRX codes, $CASHTAGS and watchlist symbols in a
// command, in order of appearance without duplicates.
func Tickers(command string, watchlist []string) []string {
	type hit struct {
		at     int
		ticker string
	}
	var hits []hit
	for _, loc := range krxTickerPattern.FindAllStringIndex(command, -1) {
		hits = append(hits, hit{loc[0], command[loc[0]:loc[1]]})
	}
	for _, m := range cashTickerPattern.FindAllStringSubmatchIndex(command, -1) {
		hits = append(hits, hit{m[0], strings.ToUpper(command[m[2]:m[3]])})
	}
	upper := strings.ToUpper(command)
	for _, w := range watchlist {
		w = strings.ToUpper(strings.TrimSpace(w))
		if w == "" {
			continue
		}
		re := regexp.MustCompile(`\b` + regexp.QuoteMeta(w) + `\b`)
		if loc := re.FindStringIndex(upper); loc != nil {
			hits = append(hits, hit{loc[0], w})
		}
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].at < hits[j].at })
	seen := make(map[string]bool)
	var out []string
	for _, h := range hits {
		if seen[h.ticker] {
			continue
		}
		seen[h.ticker] = true
		out = append(out, h.ticker)
		if len(out) == maxAnchorTickers {
			break
		}
	}
	return out
}
