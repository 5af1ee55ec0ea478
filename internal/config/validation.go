package config

import (
	"fmt"
	"strings"
	"time"
)

func validate(c *Config) error {
	if err := c.AI.validate(); err != nil {
		return err
	}
	if err := c.Batch.validate(); err != nil {
		return err
	}
	if err := c.Chain.validate(); err != nil {
		return err
	}
	if err := c.Learning.validate(); err != nil {
		return err
	}
	if err := c.Trading.validate(); err != nil {
		return err
	}
	if err := c.Market.validate(); err != nil {
		return err
	}
	if err := c.Notify.validate(); err != nil {
		return err
	}
	return nil
}

func (a *AIConfig) validate() error {
	for id, p := range a.Providers {
		if !p.Enabled {
			continue
		}
		switch p.Kind {
		case "openai", "anthropic":
		default:
			return fmt.Errorf("ai.providers.%s.kind must be openai or anthropic, got %q", id, p.Kind)
		}
		if strings.TrimSpace(p.APIURL) == "" {
			return fmt.Errorf("ai.providers.%s missing api_url", id)
		}
		if p.RateLimitRPS < 0 {
			return fmt.Errorf("ai.providers.%s.rate_limit_rps must be >= 0", id)
		}
		for _, m := range p.Models {
			if strings.TrimSpace(m.Name) == "" {
				return fmt.Errorf("ai.providers.%s.models contains entry without name", id)
			}
			if m.InputPerM < 0 || m.OutputPerM < 0 {
				return fmt.Errorf("ai.providers.%s.models.%s has negative price", id, m.Name)
			}
		}
	}
	if a.BreakerThreshold <= 0 {
		return fmt.Errorf("ai.breaker_threshold must be > 0")
	}
	return nil
}

func (b *BatchConfig) validate() error {
	if b.PollInterval < time.Second {
		return fmt.Errorf("batch.poll_interval must be at least 1s")
	}
	if b.ExpiryHours <= 0 {
		return fmt.Errorf("batch.expiry_hours must be > 0")
	}
	return nil
}

func (c *ChainConfig) validate() error {
	if strings.TrimSpace(c.DefaultDepartment) == "" {
		return fmt.Errorf("chain.default_department cannot be empty")
	}
	if c.HistoryCap <= 0 {
		return fmt.Errorf("chain.history_cap must be > 0")
	}
	return nil
}

func (l *LearningConfig) validate() error {
	if l.MaterialityPct < 0 {
		return fmt.Errorf("learning.materiality_pct must be >= 0")
	}
	if l.EloKProvisional <= 0 || l.EloKStable <= 0 {
		return fmt.Errorf("learning elo k-factors must be > 0")
	}
	if l.OverconfidenceMinBucket < 0 || l.OverconfidenceMinBucket > 90 {
		return fmt.Errorf("learning.overconfidence_min_bucket must be in [0,90]")
	}
	for name, rate := range map[string]float64{
		"overconfidence_hit_rate": l.OverconfidenceHitRate,
		"bias_hit_rate":           l.BiasHitRate,
	} {
		if rate < 0 || rate > 1 {
			return fmt.Errorf("learning.%s must be in [0,1]", name)
		}
	}
	if l.StreakLength < 1 {
		return fmt.Errorf("learning.streak_length must be >= 1")
	}
	return nil
}

func (t *TradingConfig) validate() error {
	switch t.Mode {
	case "live", "paper", "simulated":
	default:
		return fmt.Errorf("trading.mode must be live, paper or simulated, got %q", t.Mode)
	}
	if t.MinConfidence < 0 || t.MinConfidence > 100 {
		return fmt.Errorf("trading.min_confidence must be in [0,100]")
	}
	if t.FactorMin <= 0 || t.FactorMin > t.FactorMax {
		return fmt.Errorf("trading.factor_min must be > 0 and <= factor_max")
	}
	if t.CalibrationWindow <= 0 {
		return fmt.Errorf("trading.calibration_window must be > 0")
	}
	return nil
}

func (m *MarketConfig) validate() error {
	switch m.CacheBackend {
	case "memory":
	case "redis":
		if strings.TrimSpace(m.RedisAddr) == "" {
			return fmt.Errorf("market.cache_backend=redis requires market.redis_addr")
		}
	default:
		return fmt.Errorf("market.cache_backend must be memory or redis, got %q", m.CacheBackend)
	}
	return nil
}

func (n *NotifyConfig) validate() error {
	if n.Telegram.Enabled {
		if n.Telegram.BotToken == "" || n.Telegram.ChatID == "" {
			return fmt.Errorf("telegram notification enabled but missing bot_token or chat_id")
		}
	}
	return nil
}
