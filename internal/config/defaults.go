package config

import (
	"strings"
	"time"
)

const (
	defaultAppEnv            = "dev"
	defaultAppLogLevel       = "info"
	defaultAppLogFormat      = "text"
	defaultAppHTTPAddr       = ":8710"
	defaultAppLogPath        = "data/logs/corthex.log"
	defaultAppLLMLogPath     = "data/logs/corthex-llm.log"
	defaultRealtimeTimeout   = 120
	defaultProviderTimeout   = 90
	defaultBreakerThreshold  = 3
	defaultBreakerCooldown   = 120
	defaultPollInterval      = 60 * time.Second
	defaultBatchExpiryHours  = 24
	defaultBatchMaxTokens    = 4096
	defaultDepartmentsPath   = "configs/departments.yaml"
	defaultDepartment        = "general"
	defaultChainHistoryCap   = 50
	defaultVerifyInterval    = 6 * time.Hour
	defaultMateriality       = 0.5
	defaultEloInitial        = 1500
	defaultEloKProvisional   = 48
	defaultEloKStable        = 32
	defaultEloProvisional    = 30
	defaultOverconfBucket    = 70
	defaultOverconfHitRate   = 0.60
	defaultOverconfSamples   = 5
	defaultStreakLength      = 3
	defaultBiasHitRate       = 0.45
	defaultBiasSamples       = 5
	defaultContextTop        = 5
	defaultTradingMode       = "paper"
	defaultMinConfidence     = 65
	defaultCalibrationWindow = 20
	defaultCalibrationMin    = 5
	defaultFactorMin         = 0.5
	defaultFactorMax         = 1.5
	defaultAnchorTolerance   = 20
	defaultCacheBackend      = "memory"
	defaultPriceTTL          = 10 * time.Minute
	defaultNewsTTL           = time.Hour
	defaultFundamentalsTTL   = 6 * time.Hour
	defaultHistoryDays       = 120
	defaultStorePath         = "data/corthex.db"
	defaultArchivePath       = "data/corthex-archive.db"
	defaultTelegramAPI       = "https://api.telegram.org"
)

func (c *Config) applyDefaults(keys keySet) {
	c.App.applyDefaults(keys)
	c.AI.applyDefaults(keys)
	c.Batch.applyDefaults(keys)
	c.Chain.applyDefaults(keys)
	c.Learning.applyDefaults(keys)
	c.Trading.applyDefaults(keys)
	c.Market.applyDefaults(keys)
	c.Store.applyDefaults(keys)
	c.Notify.applyDefaults(keys)
}

// Default returns a configuration with every default applied, as if loaded
// from an empty file.
func Default() Config {
	var cfg Config
	cfg.applyDefaults(make(keySet))
	return cfg
}

func (a *AppConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("app.env", &a.Env, defaultAppEnv),
		stringFieldDefault("app.log_level", &a.LogLevel, defaultAppLogLevel),
		stringFieldDefault("app.log_format", &a.LogFormat, defaultAppLogFormat),
		stringFieldDefault("app.http_addr", &a.HTTPAddr, defaultAppHTTPAddr),
		stringFieldDefault("app.log_path", &a.LogPath, defaultAppLogPath),
		stringFieldDefault("app.llm_log_path", &a.LLMLog, defaultAppLLMLogPath),
	)
}

func (a *AIConfig) applyDefaults(keys keySet) {
	if a == nil {
		return
	}
	if a.Providers == nil {
		a.Providers = make(map[string]ProviderConfig)
	}
	applyFieldDefaults(keys,
		intFieldDefault("ai.realtime_timeout_seconds", &a.RealtimeTimeoutSeconds, defaultRealtimeTimeout),
		intFieldDefault("ai.breaker_threshold", &a.BreakerThreshold, defaultBreakerThreshold),
		intFieldDefault("ai.breaker_cooldown_seconds", &a.BreakerCooldownSeconds, defaultBreakerCooldown),
	)
	for id, p := range a.Providers {
		p.Kind = strings.ToLower(strings.TrimSpace(p.Kind))
		if p.Kind == "" {
			p.Kind = defaultKindFor(id)
		}
		if p.TimeoutSeconds <= 0 {
			p.TimeoutSeconds = defaultProviderTimeout
		}
		if p.Burst <= 0 {
			p.Burst = 1
		}
		a.Providers[strings.ToLower(strings.TrimSpace(id))] = p
	}
	a.ClassifierModels = normalizePreferenceList(a.ClassifierModels)
}

func defaultKindFor(id string) string {
	if strings.EqualFold(strings.TrimSpace(id), "anthropic") {
		return "anthropic"
	}
	return "openai"
}

func (b *BatchConfig) applyDefaults(keys keySet) {
	if b == nil {
		return
	}
	applyFieldDefaults(keys,
		durationFieldDefault("batch.poll_interval", &b.PollInterval, defaultPollInterval),
		intFieldDefault("batch.expiry_hours", &b.ExpiryHours, defaultBatchExpiryHours),
		intFieldDefault("batch.max_tokens", &b.MaxTokens, defaultBatchMaxTokens),
	)
}

func (c *ChainConfig) applyDefaults(keys keySet) {
	if c == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("chain.departments_path", &c.DepartmentsPath, defaultDepartmentsPath),
		stringFieldDefault("chain.default_department", &c.DefaultDepartment, defaultDepartment),
		intFieldDefault("chain.history_cap", &c.HistoryCap, defaultChainHistoryCap),
	)
}

func (l *LearningConfig) applyDefaults(keys keySet) {
	if l == nil {
		return
	}
	applyFieldDefaults(keys,
		durationFieldDefault("learning.verify_interval", &l.VerifyInterval, defaultVerifyInterval),
		floatFieldDefault("learning.materiality_pct", &l.MaterialityPct, defaultMateriality),
		floatFieldDefault("learning.elo_initial", &l.EloInitial, defaultEloInitial),
		floatFieldDefault("learning.elo_k_provisional", &l.EloKProvisional, defaultEloKProvisional),
		floatFieldDefault("learning.elo_k_stable", &l.EloKStable, defaultEloKStable),
		intFieldDefault("learning.elo_provisional_games", &l.EloProvisionalGames, defaultEloProvisional),
		intFieldDefault("learning.overconfidence_min_bucket", &l.OverconfidenceMinBucket, defaultOverconfBucket),
		floatFieldDefault("learning.overconfidence_hit_rate", &l.OverconfidenceHitRate, defaultOverconfHitRate),
		intFieldDefault("learning.overconfidence_min_samples", &l.OverconfidenceMinSamples, defaultOverconfSamples),
		intFieldDefault("learning.streak_length", &l.StreakLength, defaultStreakLength),
		floatFieldDefault("learning.bias_hit_rate", &l.BiasHitRate, defaultBiasHitRate),
		intFieldDefault("learning.bias_min_samples", &l.BiasMinSamples, defaultBiasSamples),
		intFieldDefault("learning.context_top_analysts", &l.ContextTopAnalysts, defaultContextTop),
	)
}

func (t *TradingConfig) applyDefaults(keys keySet) {
	if t == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("trading.mode", &t.Mode, defaultTradingMode),
		floatFieldDefault("trading.min_confidence", &t.MinConfidence, defaultMinConfidence),
		intFieldDefault("trading.calibration_window", &t.CalibrationWindow, defaultCalibrationWindow),
		intFieldDefault("trading.calibration_min_trades", &t.CalibrationMinTrades, defaultCalibrationMin),
		floatFieldDefault("trading.factor_min", &t.FactorMin, defaultFactorMin),
		floatFieldDefault("trading.factor_max", &t.FactorMax, defaultFactorMax),
		floatFieldDefault("trading.anchor_tolerance", &t.AnchorTolerance, defaultAnchorTolerance),
	)
	t.Mode = strings.ToLower(strings.TrimSpace(t.Mode))
	t.Watchlist = normalizeTickers(t.Watchlist)
}

func (m *MarketConfig) applyDefaults(keys keySet) {
	if m == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("market.cache_backend", &m.CacheBackend, defaultCacheBackend),
		durationFieldDefault("market.price_ttl", &m.PriceTTL, defaultPriceTTL),
		durationFieldDefault("market.news_ttl", &m.NewsTTL, defaultNewsTTL),
		durationFieldDefault("market.fundamentals_ttl", &m.FundamentalsTTL, defaultFundamentalsTTL),
		intFieldDefault("market.history_days", &m.HistoryDays, defaultHistoryDays),
	)
	m.CacheBackend = strings.ToLower(strings.TrimSpace(m.CacheBackend))
}

func (s *StoreConfig) applyDefaults(keys keySet) {
	if s == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("store.path", &s.Path, defaultStorePath),
		stringFieldDefault("store.archive_path", &s.ArchivePath, defaultArchivePath),
	)
}

func (n *NotifyConfig) applyDefaults(keys keySet) {
	if n == nil {
		return
	}
	applyFieldDefaults(keys,
		stringFieldDefault("notify.telegram.api_url", &n.Telegram.APIURL, defaultTelegramAPI),
	)
}

func applyFieldDefaults(keys keySet, defs ...fieldDefault) {
	for _, def := range defs {
		if def.apply == nil {
			continue
		}
		if def.key != "" && keys.isSet(def.key) {
			continue
		}
		if def.need != nil && !def.need() {
			continue
		}
		def.apply()
	}
}

func stringFieldDefault(key string, target *string, def string) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return strings.TrimSpace(*target) == "" },
		apply: func() { *target = def },
	}
}

func intFieldDefault(key string, target *int, def int) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func floatFieldDefault(key string, target *float64, def float64) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func durationFieldDefault(key string, target *time.Duration, def time.Duration) fieldDefault {
	return fieldDefault{
		key:   key,
		need:  func() bool { return *target <= 0 },
		apply: func() { *target = def },
	}
}

func normalizePreferenceList(pref []string) []string {
	if len(pref) == 0 {
		return nil
	}
	out := make([]string, 0, len(pref))
	seen := make(map[string]bool, len(pref))
	for _, id := range pref {
		id = strings.TrimSpace(id)
		if id == "" || seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

func normalizeTickers(in []string) []string {
	if len(in) == 0 {
		return nil
	}
	out := make([]string, 0, len(in))
	for _, t := range in {
		t = strings.ToUpper(strings.TrimSpace(t))
		if t != "" {
			out = append(out, t)
		}
	}
	return out
}
