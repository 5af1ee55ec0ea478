package provider

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestPricingCostAndBatchDiscount(t *testing.T) {
	p := NewPricing()
	p.Set("claude-haiku-4-5", 1, 5)
	p.Set("claude-haiku", 0.8, 4)

	realtime := p.Cost("claude-haiku-4-5-20251001", 1000, 2000, false)
	assert.Equal(t, "0.011", realtime.String())

	batch := p.Cost("claude-haiku-4-5-20251001", 1000, 2000, true)
	assert.Equal(t, "0.0055", batch.String())

	assert.True(t, p.Cost("unknown-model", 1000, 1000, false).IsZero())
}
