package provider

import (
	"sort"
	"strings"

	"corthex/internal/config"
	"corthex/internal/logger"
)

// BuildProvidersFromConfig creates one adapter per configured provider and
// the shared price table. Disabled providers are still returned so the
// router can report them as unavailable.
func BuildProvidersFromConfig(cfg config.AIConfig) ([]ModelProvider, *Pricing) {
	pricing := NewPricing()
	ids := make([]string, 0, len(cfg.Providers))
	for id := range cfg.Providers {
		ids = append(ids, id)
	}
	sort.Strings(ids)

	out := make([]ModelProvider, 0, len(ids))
	for _, id := range ids {
		pc := cfg.Providers[id]
		for _, m := range pc.Models {
			pricing.Set(m.Name, m.InputPerM, m.OutputPerM)
		}
		enabled := pc.Enabled
		if enabled && strings.TrimSpace(pc.APIKey) == "" {
			logger.Warnf("provider %s enabled without api_key; disabling", id)
			enabled = false
		}
		switch pc.Kind {
		case "anthropic":
			out = append(out, NewAnthropicProvider(AnthropicOptions{
				ID: id, Enabled: enabled, Batch: pc.Batch, BaseURL: pc.APIURL,
				APIKey: pc.APIKey, Headers: pc.Headers, Timeout: pc.Timeout(),
			}, pricing))
		default:
			out = append(out, NewOpenAIProvider(OpenAIOptions{
				ID: id, Enabled: enabled, Batch: pc.Batch, BaseURL: pc.APIURL,
				APIKey: pc.APIKey, Headers: pc.Headers, Timeout: pc.Timeout(),
			}, pricing))
		}
	}
	return out, pricing
}
