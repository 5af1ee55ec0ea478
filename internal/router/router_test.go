package router

import (
	"context"
	"errors"
	"testing"
	"time"

	"corthex/internal/gateway/provider"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeProvider struct {
	id      string
	enabled bool
	fn      func(req provider.CompletionRequest) (provider.Completion, error)
}

func (f *fakeProvider) ID() string    { return f.id }
func (f *fakeProvider) Enabled() bool { return f.enabled }
func (f *fakeProvider) Complete(_ context.Context, req provider.CompletionRequest) (provider.Completion, error) {
	return f.fn(req)
}

func TestProviderFor(t *testing.T) {
	cases := map[string]string{
		"gpt-5-mini":       "openai",
		"o3-mini":          "openai",
		"claude-haiku-4-5": "anthropic",
		"gemini-2.5-flash": "google",
		"grok-4":           "xai",
		"deepseek-chat":    "deepseek",
	}
	for model, want := range cases {
		got, ok := ProviderFor(model)
		assert.True(t, ok, model)
		assert.Equal(t, want, got, model)
	}
	_, ok := ProviderFor("llama-3")
	assert.False(t, ok)
}

func TestAskTracksCostAndRecoversPanics(t *testing.T) {
	good := &fakeProvider{id: "anthropic", enabled: true, fn: func(req provider.CompletionRequest) (provider.Completion, error) {
		return provider.Completion{Content: "ok", CostUSD: 0.25}, nil
	}}
	bad := &fakeProvider{id: "openai", enabled: true, fn: func(req provider.CompletionRequest) (provider.Completion, error) {
		panic("boom")
	}}
	r := New([]provider.ModelProvider{good, bad}, nil, Options{})

	out, err := r.Ask(context.Background(), provider.CompletionRequest{Model: "claude-haiku-4-5"})
	require.NoError(t, err)
	assert.Equal(t, "ok", out.Content)
	r.RecordBatchCost("anthropic", 0.5)
	assert.InDelta(t, 0.75, r.TotalCost(), 1e-9)

	_, err = r.Ask(context.Background(), provider.CompletionRequest{Model: "gpt-5-mini"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "panic")

	_, err = r.Ask(context.Background(), provider.CompletionRequest{Model: "mystery-1"})
	assert.ErrorIs(t, err, ErrUnknownModel)
}

func TestCheapestModelSkipsTrippedProvider(t *testing.T) {
	failing := &fakeProvider{id: "openai", enabled: true, fn: func(req provider.CompletionRequest) (provider.Completion, error) {
		return provider.Completion{}, errors.New("503")
	}}
	backup := &fakeProvider{id: "anthropic", enabled: true, fn: func(req provider.CompletionRequest) (provider.Completion, error) {
		return provider.Completion{Content: "ok"}, nil
	}}
	r := New([]provider.ModelProvider{failing, backup}, nil, Options{
		ClassifierModels: []string{"gpt-5-nano", "claude-haiku-4-5"},
		BreakerThreshold: 1,
		BreakerCooldown:  time.Hour,
	})

	m, ok := r.CheapestModel()
	require.True(t, ok)
	assert.Equal(t, "gpt-5-nano", m)

	_, err := r.Ask(context.Background(), provider.CompletionRequest{Model: "gpt-5-nano"})
	require.Error(t, err)

	m, ok = r.CheapestModel()
	require.True(t, ok)
	assert.Equal(t, "claude-haiku-4-5", m)
}

func TestCheapestModelByPrice(t *testing.T) {
	p := &fakeProvider{id: "anthropic", enabled: true}
	pricing := provider.NewPricing()
	pricing.Set("claude-sonnet-4-5", 3, 15)
	pricing.Set("claude-haiku-4-5", 1, 5)
	pricing.Set("gpt-5-nano", 0.05, 0.4)
	r := New([]provider.ModelProvider{p}, pricing, Options{})

	m, ok := r.CheapestModel()
	require.True(t, ok)
	assert.Equal(t, "claude-haiku-4-5", m)
}
