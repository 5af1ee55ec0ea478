package app

import (
	"context"
	"fmt"

	"corthex/internal/batch"
	"corthex/internal/cache"
	"corthex/internal/chain"
	"corthex/internal/config"
	"corthex/internal/config/loader"
	"corthex/internal/gateway/market"
	"corthex/internal/gateway/notifier"
	"corthex/internal/gateway/provider"
	"corthex/internal/learning"
	"corthex/internal/logger"
	"corthex/internal/metrics"
	"corthex/internal/quant"
	"corthex/internal/router"
	"corthex/internal/store/archive"
	"corthex/internal/store/gormstore"
	apihttp "corthex/internal/transport/http/api"
	"corthex/internal/trading"
)

// PriceFeed is everything the app needs from a market data source.
type PriceFeed interface {
	GetPrice(ctx context.Context, ticker string) (float64, error)
	FreshPrice(ctx context.Context, ticker string) (float64, error)
	GetHistorical(ctx context.Context, ticker string, days int) ([]market.Candle, error)
}

type AppBuilder struct {
	cfg *config.Config

	providersFn func(config.AIConfig) ([]provider.ModelProvider, *provider.Pricing)
	cacheFn     func(config.MarketConfig) (*cache.Cache, error)
	feedFn      func(config.MarketConfig, *cache.Cache) PriceFeed
	notifierFn  func(config.NotifyConfig) (notifier.TextNotifier, error)
	rosterFn    func(config.ChainConfig) (chain.Roster, error)
}

type AppBuilderOption func(*AppBuilder)

// WithProviders replaces the configured model providers.
func WithProviders(fn func(config.AIConfig) ([]provider.ModelProvider, *provider.Pricing)) AppBuilderOption {
	return func(b *AppBuilder) { b.providersFn = fn }
}

func WithPriceFeed(feed PriceFeed) AppBuilderOption {
	return func(b *AppBuilder) {
		b.feedFn = func(config.MarketConfig, *cache.Cache) PriceFeed { return feed }
	}
}

func WithRoster(r chain.Roster) AppBuilderOption {
	return func(b *AppBuilder) {
		b.rosterFn = func(config.ChainConfig) (chain.Roster, error) { return r, nil }
	}
}

func NewAppBuilder(cfg *config.Config, opts ...AppBuilderOption) *AppBuilder {
	b := &AppBuilder{
		cfg:         cfg,
		providersFn: provider.BuildProvidersFromConfig,
		cacheFn:     buildCache,
		feedFn:      buildPriceFeed,
		notifierFn:  buildNotifier,
		rosterFn:    buildRoster,
	}
	for _, opt := range opts {
		if opt != nil {
			opt(b)
		}
	}
	return b
}

func (b *AppBuilder) Build(ctx context.Context) (*App, error) {
	if ctx == nil {
		ctx = context.Background()
	}
	if b.cfg == nil {
		return nil, fmt.Errorf("nil config")
	}
	cfg := b.cfg
	a := &App{cfg: cfg}
	ok := false
	defer func() {
		if !ok {
			_ = a.Close()
		}
	}()

	rec := metrics.New()

	var err error
	if a.store, err = gormstore.NewGormStore(cfg.Store.Path); err != nil {
		return nil, fmt.Errorf("open store: %w", err)
	}
	if a.archive, err = archive.Open(cfg.Store.ArchivePath); err != nil {
		return nil, fmt.Errorf("open archive: %w", err)
	}
	if a.cache, err = b.cacheFn(cfg.Market); err != nil {
		return nil, fmt.Errorf("market cache: %w", err)
	}
	feed := b.feedFn(cfg.Market, a.cache)

	text, err := b.notifierFn(cfg.Notify)
	if err != nil {
		return nil, fmt.Errorf("notifier: %w", err)
	}
	roster, err := b.rosterFn(cfg.Chain)
	if err != nil {
		return nil, fmt.Errorf("roster: %w", err)
	}

	providers, pricing := b.providersFn(cfg.AI)
	models := router.New(providers, pricing, routerOptions(cfg.AI, rec))

	a.registry = batch.NewRegistry(a.store)
	submitter := batch.NewSubmitter(models, rec)
	a.poller = batch.NewPoller(a.registry, models, batch.PollerOptions{
		Interval: cfg.Batch.PollInterval,
		Costs:    models,
		Observer: rec,
	})

	a.quant = quant.NewEngine(feed, cfg.Market.HistoryDays)

	lopts := learning.OptionsFromConfig(cfg.Learning)
	pipeline := learning.NewPipeline(a.store, lopts, rec)
	a.verifier = learning.NewVerifier(a.store, feed, pipeline)
	selfcal := learning.NewSelfCalibration(a.store, cfg.Trading)

	parser, err := trading.NewSignalParser()
	if err != nil {
		return nil, fmt.Errorf("signal parser: %w", err)
	}
	topts, err := trading.OptionsFromConfig(cfg.Trading)
	if err != nil {
		return nil, err
	}
	a.recorder = trading.NewRecorder(a.store, parser, selfcal, a.quant, feed, nil, topts)

	repo := chain.NewRepository(a.store, cfg.Chain.HistoryCap)
	a.chains = chain.NewOrchestrator(repo, models, submitter, a.registry, a.poller, roster, chain.Options{
		BatchExpiry: cfg.Batch.Expiry(),
		MaxTokens:   cfg.Batch.MaxTokens,
		Context: chain.SynthesisContext{
			Record:    learning.NewContextBuilder(a.store, lopts),
			Quant:     a.quant,
			Tolerance: topts.AnchorTolerance,
			Watchlist: cfg.Trading.Watchlist,
		},
		Observer: rec,
		Sinks: []chain.Sink{
			chain.NotifierSink(text),
			chain.ArchiveSink(a.archive),
			chain.SignalSink(a.recorder, roster),
		},
	})

	a.http, err = apihttp.NewServer(apihttp.ServerConfig{
		Addr: cfg.App.HTTPAddr,
		Handler: &apihttp.Handler{
			Chains:          a.chains,
			Learning:        a.store,
			Quant:           a.quant,
			Factor:          selfcal,
			Costs:           models,
			Poller:          a.poller,
			AnchorTolerance: topts.AnchorTolerance,
		},
		Metrics: rec.Handler(),
	})
	if err != nil {
		return nil, err
	}

	a.Summary = buildSummary(cfg, models, roster, topts)
	ok = true
	return a, nil
}

func routerOptions(ai config.AIConfig, obs router.CallObserver) router.Options {
	opts := router.Options{
		ClassifierModels: ai.ClassifierModels,
		DefaultModel:     ai.DefaultModel,
		Timeout:          ai.RealtimeTimeout(),
		BreakerThreshold: ai.BreakerThreshold,
		BreakerCooldown:  ai.BreakerCooldown(),
		RateLimits:       make(map[string]float64),
		Bursts:           make(map[string]int),
		Observer:         obs,
	}
	for id, p := range ai.Providers {
		if p.RateLimitRPS > 0 {
			opts.RateLimits[id] = p.RateLimitRPS
			opts.Bursts[id] = p.Burst
		}
	}
	return opts
}

func buildCache(m config.MarketConfig) (*cache.Cache, error) {
	staleness := cache.Staleness{
		cache.KindPrice:        m.PriceTTL,
		cache.KindHistory:      m.PriceTTL,
		cache.KindNews:         m.NewsTTL,
		cache.KindFundamentals: m.FundamentalsTTL,
	}
	switch m.CacheBackend {
	case "redis":
		backend, err := cache.NewRedisBackend(m.RedisAddr, m.RedisPassword, m.RedisDB)
		if err != nil {
			return nil, err
		}
		logger.Infof("market cache: redis %s", m.RedisAddr)
		return cache.New(backend, staleness), nil
	default:
		return cache.New(cache.NewMemoryBackend(), staleness), nil
	}
}

func buildPriceFeed(_ config.MarketConfig, c *cache.Cache) PriceFeed {
	return market.NewCachedFeed(market.NewYahooFeed(0), c)
}

func buildNotifier(n config.NotifyConfig) (notifier.TextNotifier, error) {
	return notifier.New(n.Telegram)
}

func buildRoster(c config.ChainConfig) (chain.Roster, error) {
	l, err := loader.NewRosterLoader(c.DepartmentsPath, c.DefaultDepartment)
	if err != nil {
		return nil, err
	}
	l.Subscribe(func(snap loader.RosterSnapshot) {
		logger.Infof("roster v%d: %d departments", snap.Version, len(snap.Departments()))
	})
	return l, nil
}
