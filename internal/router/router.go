package router

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"corthex/internal/gateway/provider"
	"corthex/internal/logger"
	"corthex/internal/pkg/circuit"

	"github.com/shopspring/decimal"
	"golang.org/x/time/rate"
)

var (
	ErrUnknownModel        = errors.New("router: no provider for model")
	ErrProviderUnavailable = errors.New("router: provider unavailable")
	ErrNoProvider          = errors.New("router: no provider available")
)

var log = logger.Named("router")

// prefixRule maps a model-name prefix to a provider id.
type prefixRule struct {
	prefix   string
	provider string
}

var defaultRules = []prefixRule{
	{"gpt-", "openai"},
	{"chatgpt-", "openai"},
	{"o1", "openai"},
	{"o3", "openai"},
	{"o4", "openai"},
	{"claude-", "anthropic"},
	{"gemini-", "google"},
	{"grok-", "xai"},
	{"deepseek-", "deepseek"},
}

// ProviderFor returns the provider id a model name maps to.
func ProviderFor(model string) (string, bool) {
	m := strings.ToLower(strings.TrimSpace(model))
	if m == "" {
		return "", false
	}
	for _, r := range defaultRules {
		if strings.HasPrefix(m, r.prefix) {
			return r.provider, true
		}
	}
	return "", false
}

// CallObserver receives one event per realtime call and per batch cost.
type CallObserver interface {
	ObserveCall(providerID, via string, costUSD float64, err error)
}

type Options struct {
	ClassifierModels []string
	DefaultModel     string
	Timeout          time.Duration
	BreakerThreshold int
	BreakerCooldown  time.Duration
	// RateLimits holds requests per second per provider id; zero means unlimited.
	RateLimits map[string]float64
	Bursts     map[string]int
	Observer   CallObserver
}

// Router resolves model names to provider adapters and keeps cumulative cost.
type Router struct {
	providers map[string]provider.ModelProvider
	pricing   *provider.Pricing
	limiters  map[string]*rate.Limiter
	breakers  map[string]*circuit.CircuitBreaker
	opts      Options

	mu             sync.Mutex
	totalCost      decimal.Decimal
	costByProvider map[string]decimal.Decimal
}

func New(providers []provider.ModelProvider, pricing *provider.Pricing, opts Options) *Router {
	if opts.Timeout <= 0 {
		opts.Timeout = 120 * time.Second
	}
	if opts.BreakerThreshold <= 0 {
		opts.BreakerThreshold = 3
	}
	if opts.BreakerCooldown <= 0 {
		opts.BreakerCooldown = 2 * time.Minute
	}
	if pricing == nil {
		pricing = provider.NewPricing()
	}
	r := &Router{
		providers:      make(map[string]provider.ModelProvider, len(providers)),
		pricing:        pricing,
		limiters:       make(map[string]*rate.Limiter),
		breakers:       make(map[string]*circuit.CircuitBreaker),
		opts:           opts,
		costByProvider: make(map[string]decimal.Decimal),
	}
	for _, p := range providers {
		if p == nil {
			continue
		}
		id := p.ID()
		r.providers[id] = p
		r.breakers[id] = circuit.NewCircuitBreaker(id, opts.BreakerThreshold, opts.BreakerCooldown)
		if rps := opts.RateLimits[id]; rps > 0 {
			burst := opts.Bursts[id]
			if burst <= 0 {
				burst = 1
			}
			r.limiters[id] = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
	return r
}

func (r *Router) Pricing() *provider.Pricing { return r.pricing }

func (r *Router) DefaultModel() string { return r.opts.DefaultModel }

// ProviderIDs returns the configured provider ids, sorted.
func (r *Router) ProviderIDs() []string {
	out := make([]string, 0, len(r.providers))
	for id := range r.providers {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// Available reports whether id is configured, enabled and not tripped.
func (r *Router) Available(id string) bool {
	p, ok := r.providers[id]
	if !ok || !p.Enabled() {
		return false
	}
	return r.breakers[id].State() != circuit.StateOpen
}

// Resolve maps a model to an available provider.
func (r *Router) Resolve(model string) (provider.ModelProvider, error) {
	id, ok := ProviderFor(model)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownModel, model)
	}
	p, ok := r.providers[id]
	if !ok || !p.Enabled() {
		return nil, fmt.Errorf("%w: %s (model %s)", ErrProviderUnavailable, id, model)
	}
	return p, nil
}

// BatchFor returns the batch capability of the provider serving model.
func (r *Router) BatchFor(providerID string) (provider.BatchProvider, bool) {
	p, ok := r.providers[providerID]
	if !ok || !p.Enabled() {
		return nil, false
	}
	return provider.AsBatch(p)
}

// CheapestModel picks the first classifier model whose provider is
// available, falling back to the lowest priced model overall.
func (r *Router) CheapestModel() (string, bool) {
	for _, m := range r.opts.ClassifierModels {
		if id, ok := ProviderFor(m); ok && r.Available(id) {
			return m, true
		}
	}
	var (
		best     string
		bestRate decimal.Decimal
	)
	for _, m := range r.pricing.Models() {
		id, ok := ProviderFor(m)
		if !ok || !r.Available(id) {
			continue
		}
		in, _ := r.pricing.Input(m)
		if best == "" || in.LessThan(bestRate) {
			best, bestRate = m, in
		}
	}
	if best == "" && r.opts.DefaultModel != "" {
		if id, ok := ProviderFor(r.opts.DefaultModel); ok && r.Available(id) {
			return r.opts.DefaultModel, true
		}
	}
	return best, best != ""
}

// Ask performs one realtime completion with rate limiting, a wall-clock
// timeout and breaker accounting. Panics in adapters come back as errors.
func (r *Router) Ask(ctx context.Context, req provider.CompletionRequest) (provider.Completion, error) {
	if strings.TrimSpace(req.Model) == "" {
		req.Model = r.opts.DefaultModel
	}
	p, err := r.Resolve(req.Model)
	if err != nil {
		return provider.Completion{}, err
	}
	id := p.ID()
	cb := r.breakers[id]
	if !cb.Allow() {
		return provider.Completion{}, fmt.Errorf("%w: %s circuit open", ErrProviderUnavailable, id)
	}
	cctx, cancel := context.WithTimeout(ctx, r.opts.Timeout)
	defer cancel()
	if lim := r.limiters[id]; lim != nil {
		if err := lim.Wait(cctx); err != nil {
			cb.RecordFailure()
			return provider.Completion{}, fmt.Errorf("%s rate limit: %w", id, err)
		}
	}
	out, err := invokeSafe(cctx, p, req)
	if err != nil {
		cb.RecordFailure()
		r.observe(id, "realtime", 0, err)
		log.Warnf("ask %s/%s failed: %v", id, req.Model, err)
		return provider.Completion{}, err
	}
	cb.RecordSuccess()
	r.AddCost(id, out.CostUSD)
	r.observe(id, "realtime", out.CostUSD, nil)
	return out, nil
}

func invokeSafe(ctx context.Context, p provider.ModelProvider, req provider.CompletionRequest) (out provider.Completion, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Warnf("provider %s panic: %v", p.ID(), rec)
			err = fmt.Errorf("provider %s panic: %v", p.ID(), rec)
		}
	}()
	return p.Complete(ctx, req)
}

// AddCost accumulates spend. Cost is append-only.
func (r *Router) AddCost(providerID string, usd float64) {
	if usd <= 0 {
		return
	}
	d := decimal.NewFromFloat(usd)
	r.mu.Lock()
	r.totalCost = r.totalCost.Add(d)
	r.costByProvider[providerID] = r.costByProvider[providerID].Add(d)
	r.mu.Unlock()
}

// RecordBatchCost books cost retrieved through the batch path.
func (r *Router) RecordBatchCost(providerID string, usd float64) {
	r.AddCost(providerID, usd)
	r.observe(providerID, "batch", usd, nil)
}

func (r *Router) TotalCost() float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.totalCost.InexactFloat64()
}

func (r *Router) CostByProvider() map[string]float64 {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make(map[string]float64, len(r.costByProvider))
	for k, v := range r.costByProvider {
		out[k] = v.InexactFloat64()
	}
	return out
}

func (r *Router) observe(providerID, via string, cost float64, err error) {
	if r.opts.Observer != nil {
		r.opts.Observer.ObserveCall(providerID, via, cost, err)
	}
}
