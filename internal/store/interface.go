package store

import (
	"context"
	"errors"
	"time"

	"corthex/internal/store/model"
)

var ErrNotFound = errors.New("store: not found")

// Settings is opaque JSON blob storage keyed by name. Chains and pending
// batch metadata live here.
type Settings interface {
	SaveSetting(ctx context.Context, key string, value any) error
	// LoadSetting decodes the stored value into dest and reports whether the
	// key existed. dest is left untouched when it did not.
	LoadSetting(ctx context.Context, key string, dest any) (bool, error)
}

// PredictionFilter narrows ListPredictions. Zero values do not filter.
type PredictionFilter struct {
	Ticker        string
	CreatedBefore time.Time
	Missing3d     bool
	Missing7d     bool
	VerifiedOnly  bool
	EloPending    bool
	ToolsPending  bool
	Limit         int
	Newest        bool
}

type PredictionRepository interface {
	SavePrediction(ctx context.Context, p *model.Prediction) error
	GetPrediction(ctx context.Context, id string) (model.Prediction, error)
	ListPredictions(ctx context.Context, f PredictionFilter) ([]model.Prediction, error)
	SaveContributions(ctx context.Context, rows []model.SpecialistContribution) error
	ListContributions(ctx context.Context, predictionID string) ([]model.SpecialistContribution, error)
}

type LearningRepository interface {
	GetElo(ctx context.Context, agentID string) (model.AnalystElo, error)
	ListElo(ctx context.Context) ([]model.AnalystElo, error)
	SaveElo(ctx context.Context, rows ...model.AnalystElo) error
	// ApplyElo saves the rating changes of one prediction and marks it
	// elo_applied in the same transaction.
	ApplyElo(ctx context.Context, predictionID string, rows ...model.AnalystElo) error

	// ReplaceCalibration swaps the whole bucket table in one transaction.
	ReplaceCalibration(ctx context.Context, buckets []model.CalibrationBucket) error
	ListCalibration(ctx context.Context) ([]model.CalibrationBucket, error)

	UpsertPattern(ctx context.Context, p model.ErrorPattern) error
	ListPatterns(ctx context.Context, activeOnly bool) ([]model.ErrorPattern, error)

	GetTool(ctx context.Context, name string) (model.ToolEffectiveness, error)
	SaveTool(ctx context.Context, t model.ToolEffectiveness) error
	ApplyTools(ctx context.Context, predictionID string, tools ...model.ToolEffectiveness) error
	ListTools(ctx context.Context) ([]model.ToolEffectiveness, error)
}

type TradeRepository interface {
	SaveClosedTrade(ctx context.Context, t *model.ClosedTrade) error
	RecentClosedTrades(ctx context.Context, limit int) ([]model.ClosedTrade, error)
}

// Store is the entry point for persistence.
type Store interface {
	Settings
	PredictionRepository
	LearningRepository
	TradeRepository
	Close() error
}
