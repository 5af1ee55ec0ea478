package provider

import (
	"sort"
	"strings"

	"github.com/shopspring/decimal"
)

var (
	million       = decimal.NewFromInt(1_000_000)
	batchDiscount = decimal.NewFromFloat(0.5)
)

// Rate is a published per-million-token price.
type Rate struct {
	InputPerM  decimal.Decimal
	OutputPerM decimal.Decimal
}

// Pricing resolves a model name to its rate by longest prefix, so dated
// snapshots like claude-haiku-4-5-20251001 inherit their family price.
type Pricing struct {
	rates map[string]Rate
	keys  []string
}

func NewPricing() *Pricing {
	return &Pricing{rates: make(map[string]Rate)}
}

func (p *Pricing) Set(model string, inputPerM, outputPerM float64) {
	model = strings.ToLower(strings.TrimSpace(model))
	if model == "" {
		return
	}
	if _, ok := p.rates[model]; !ok {
		p.keys = append(p.keys, model)
		sort.Slice(p.keys, func(i, j int) bool { return len(p.keys[i]) > len(p.keys[j]) })
	}
	p.rates[model] = Rate{
		InputPerM:  decimal.NewFromFloat(inputPerM),
		OutputPerM: decimal.NewFromFloat(outputPerM),
	}
}

func (p *Pricing) Lookup(model string) (Rate, bool) {
	if p == nil {
		return Rate{}, false
	}
	model = strings.ToLower(strings.TrimSpace(model))
	for _, k := range p.keys {
		if strings.HasPrefix(model, k) {
			return p.rates[k], true
		}
	}
	return Rate{}, false
}

// Cost returns (in*rate_in + out*rate_out)/1e6, halved for the batch path.
// Unknown models cost zero.
func (p *Pricing) Cost(model string, inputTokens, outputTokens int, batch bool) decimal.Decimal {
	rate, ok := p.Lookup(model)
	if !ok {
		return decimal.Zero
	}
	cost := decimal.NewFromInt(int64(inputTokens)).Mul(rate.InputPerM).
		Add(decimal.NewFromInt(int64(outputTokens)).Mul(rate.OutputPerM)).
		Div(million)
	if batch {
		cost = cost.Mul(batchDiscount)
	}
	return cost
}

// Input returns the input rate of model, used to rank models by price.
func (p *Pricing) Input(model string) (decimal.Decimal, bool) {
	rate, ok := p.Lookup(model)
	return rate.InputPerM, ok
}

// Models lists every priced model name.
func (p *Pricing) Models() []string {
	if p == nil {
		return nil
	}
	out := append([]string(nil), p.keys...)
	sort.Strings(out)
	return out
}
