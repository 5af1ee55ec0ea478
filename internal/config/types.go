package config

import (
	"strings"
	"time"
)

// Config is the root of corthex.yaml.
type Config struct {
	App      AppConfig      `toml:"app"`
	AI       AIConfig       `toml:"ai"`
	Batch    BatchConfig    `toml:"batch"`
	Chain    ChainConfig    `toml:"chain"`
	Learning LearningConfig `toml:"learning"`
	Trading  TradingConfig  `toml:"trading"`
	Market   MarketConfig   `toml:"market"`
	Store    StoreConfig    `toml:"store"`
	Notify   NotifyConfig   `toml:"notify"`
}

type AppConfig struct {
	Env       string `toml:"env"`
	LogLevel  string `toml:"log_level"`
	LogFormat string `toml:"log_format"`
	HTTPAddr  string `toml:"http_addr"`
	LogPath   string `toml:"log_path"`
	LLMLog    string `toml:"llm_log_path"`
	LLMDump   bool   `toml:"llm_dump_payload"`
}

type NotifyConfig struct {
	Telegram TelegramConfig `toml:"telegram"`
}

type TelegramConfig struct {
	Enabled  bool   `toml:"enabled"`
	BotToken string `toml:"bot_token"`
	ChatID   string `toml:"chat_id"`
	APIURL   string `toml:"api_url"`
}

// AIConfig lists the model providers and the routing knobs shared by them.
type AIConfig struct {
	Providers              map[string]ProviderConfig `toml:"providers"`
	ClassifierModels       []string                  `toml:"classifier_models"`
	DefaultModel           string                    `toml:"default_model"`
	RealtimeTimeoutSeconds int                       `toml:"realtime_timeout_seconds"`
	BreakerThreshold       int                       `toml:"breaker_threshold"`
	BreakerCooldownSeconds int                       `toml:"breaker_cooldown_seconds"`
}

// ProviderConfig describes one provider endpoint. Kind selects the wire
// protocol: "openai" (also used by OpenAI-compatible vendors) or "anthropic".
type ProviderConfig struct {
	Enabled        bool              `toml:"enabled"`
	Kind           string            `toml:"kind"`
	APIURL         string            `toml:"api_url"`
	APIKey         string            `toml:"api_key"`
	Headers        map[string]string `toml:"headers"`
	TimeoutSeconds int               `toml:"timeout_seconds"`
	Batch          bool              `toml:"batch"`
	RateLimitRPS   float64           `toml:"rate_limit_rps"`
	Burst          int               `toml:"burst"`
	Models         []ModelPrice      `toml:"models"`
}

// ModelPrice is the published per-million-token rate of one model.
type ModelPrice struct {
	Name       string  `toml:"name"`
	InputPerM  float64 `toml:"input_per_m"`
	OutputPerM float64 `toml:"output_per_m"`
}

func (p ProviderConfig) Timeout() time.Duration {
	return time.Duration(p.TimeoutSeconds) * time.Second
}

func (a AIConfig) RealtimeTimeout() time.Duration {
	return time.Duration(a.RealtimeTimeoutSeconds) * time.Second
}

func (a AIConfig) BreakerCooldown() time.Duration {
	return time.Duration(a.BreakerCooldownSeconds) * time.Second
}

// EnabledProviders returns the ids of enabled providers.
func (a AIConfig) EnabledProviders() []string {
	out := make([]string, 0, len(a.Providers))
	for id, p := range a.Providers {
		if p.Enabled {
			out = append(out, id)
		}
	}
	return out
}

type BatchConfig struct {
	PollInterval time.Duration `toml:"poll_interval"`
	ExpiryHours  int           `toml:"expiry_hours"`
	MaxTokens    int           `toml:"max_tokens"`
}

func (b BatchConfig) Expiry() time.Duration {
	return time.Duration(b.ExpiryHours) * time.Hour
}

type ChainConfig struct {
	DepartmentsPath   string `toml:"departments_path"`
	DefaultDepartment string `toml:"default_department"`
	HistoryCap        int    `toml:"history_cap"`
}

// LearningConfig carries every threshold of the learning pipeline.
type LearningConfig struct {
	VerifyInterval           time.Duration `toml:"verify_interval"`
	MaterialityPct           float64       `toml:"materiality_pct"`
	EloInitial               float64       `toml:"elo_initial"`
	EloKProvisional          float64       `toml:"elo_k_provisional"`
	EloKStable               float64       `toml:"elo_k_stable"`
	EloProvisionalGames      int           `toml:"elo_provisional_games"`
	OverconfidenceMinBucket  int           `toml:"overconfidence_min_bucket"`
	OverconfidenceHitRate    float64       `toml:"overconfidence_hit_rate"`
	OverconfidenceMinSamples int           `toml:"overconfidence_min_samples"`
	StreakLength             int           `toml:"streak_length"`
	BiasHitRate              float64       `toml:"bias_hit_rate"`
	BiasMinSamples           int           `toml:"bias_min_samples"`
	ContextTopAnalysts       int           `toml:"context_top_analysts"`
}

type TradingConfig struct {
	Mode                 string   `toml:"mode"`
	AutoExecute          bool     `toml:"auto_execute"`
	MinConfidence        float64  `toml:"min_confidence"`
	CalibrationWindow    int      `toml:"calibration_window"`
	CalibrationMinTrades int      `toml:"calibration_min_trades"`
	FactorMin            float64  `toml:"factor_min"`
	FactorMax            float64  `toml:"factor_max"`
	AnchorTolerance      float64  `toml:"anchor_tolerance"`
	Watchlist            []string `toml:"watchlist"`
}

type MarketConfig struct {
	CacheBackend    string        `toml:"cache_backend"`
	RedisAddr       string        `toml:"redis_addr"`
	RedisPassword   string        `toml:"redis_password"`
	RedisDB         int           `toml:"redis_db"`
	PriceTTL        time.Duration `toml:"price_ttl"`
	NewsTTL         time.Duration `toml:"news_ttl"`
	FundamentalsTTL time.Duration `toml:"fundamentals_ttl"`
	HistoryDays     int           `toml:"history_days"`
}

type StoreConfig struct {
	Path        string `toml:"path"`
	ArchivePath string `toml:"archive_path"`
}

// keySet tracks the dotted paths explicitly present in the config files.
type keySet map[string]struct{}

func (k keySet) mark(path string) {
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return
	}
	k[path] = struct{}{}
}

func (k keySet) isSet(path string) bool {
	if len(k) == 0 {
		return false
	}
	path = strings.ToLower(strings.TrimSpace(path))
	if path == "" {
		return false
	}
	_, ok := k[path]
	return ok
}

type fieldDefault struct {
	key   string
	need  func() bool
	apply func()
}
