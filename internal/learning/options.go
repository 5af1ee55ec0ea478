package learning

import (
	"corthex/internal/config"
	"corthex/internal/logger"
	"corthex/internal/store"
)

var log = logger.Named("learning")

// Repository is the persistence the learning passes read and write.
type Repository interface {
	store.PredictionRepository
	store.LearningRepository
}

// Options holds every tunable threshold of the learning loop.
type Options struct {
	MaterialityPct           float64
	EloInitial               float64
	EloKProvisional          float64
	EloKStable               float64
	EloProvisionalGames      int
	OverconfidenceMinBucket  int
	OverconfidenceHitRate    float64
	OverconfidenceMinSamples int
	StreakLength             int
	BiasHitRate              float64
	BiasMinSamples           int
	ContextTopAnalysts       int
}

func OptionsFromConfig(cfg config.LearningConfig) Options {
	return Options{
		MaterialityPct:           cfg.MaterialityPct,
		EloInitial:               cfg.EloInitial,
		EloKProvisional:          cfg.EloKProvisional,
		EloKStable:               cfg.EloKStable,
		EloProvisionalGames:      cfg.EloProvisionalGames,
		OverconfidenceMinBucket:  cfg.OverconfidenceMinBucket,
		OverconfidenceHitRate:    cfg.OverconfidenceHitRate,
		OverconfidenceMinSamples: cfg.OverconfidenceMinSamples,
		StreakLength:             cfg.StreakLength,
		BiasHitRate:              cfg.BiasHitRate,
		BiasMinSamples:           cfg.BiasMinSamples,
		ContextTopAnalysts:       cfg.ContextTopAnalysts,
	}.withDefaults()
}

// DefaultOptions mirrors the shipped configuration defaults.
func DefaultOptions() Options {
	return Options{}.withDefaults()
}

func (o Options) withDefaults() Options {
	d := config.Default().Learning
	if o.MaterialityPct <= 0 {
		o.MaterialityPct = d.MaterialityPct
	}
	if o.EloInitial <= 0 {
		o.EloInitial = d.EloInitial
	}
	if o.EloKProvisional <= 0 {
		o.EloKProvisional = d.EloKProvisional
	}
	if o.EloKStable <= 0 {
		o.EloKStable = d.EloKStable
	}
	if o.EloProvisionalGames <= 0 {
		o.EloProvisionalGames = d.EloProvisionalGames
	}
	if o.OverconfidenceMinBucket <= 0 {
		o.OverconfidenceMinBucket = d.OverconfidenceMinBucket
	}
	if o.OverconfidenceHitRate <= 0 {
		o.OverconfidenceHitRate = d.OverconfidenceHitRate
	}
	if o.OverconfidenceMinSamples <= 0 {
		o.OverconfidenceMinSamples = d.OverconfidenceMinSamples
	}
	if o.StreakLength <= 0 {
		o.StreakLength = d.StreakLength
	}
	if o.BiasHitRate <= 0 {
		o.BiasHitRate = d.BiasHitRate
	}
	if o.BiasMinSamples <= 0 {
		o.BiasMinSamples = d.BiasMinSamples
	}
	if o.ContextTopAnalysts <= 0 {
		o.ContextTopAnalysts = d.ContextTopAnalysts
	}
	return o
}
