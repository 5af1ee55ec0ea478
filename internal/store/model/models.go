package model

import (
	"time"

	"gorm.io/datatypes"
)

type Direction string

const (
	DirectionBuy  Direction = "BUY"
	DirectionSell Direction = "SELL"
	DirectionHold Direction = "HOLD"
)

// SettingModel stores one opaque JSON blob per key.
type SettingModel struct {
	Key       string         `gorm:"column:setting_key;primaryKey"`
	Value     datatypes.JSON `gorm:"column:value;type:TEXT"`
	UpdatedAt time.Time      `gorm:"column:updated_at"`
}

func (SettingModel) TableName() string { return "settings" }

// Prediction is a verifiable forecast. The actual/correct fields stay nil
// until the verifier fills them, exactly once per horizon.
type Prediction struct {
	ID               string     `gorm:"column:id;primaryKey" json:"id"`
	Ticker           string     `gorm:"column:ticker;index" json:"ticker"`
	Direction        Direction  `gorm:"column:direction" json:"direction"`
	Confidence       float64    `gorm:"column:confidence" json:"confidence"`
	RawConfidence    float64    `gorm:"column:raw_confidence" json:"raw_confidence"`
	AnchorConfidence float64    `gorm:"column:anchor_confidence" json:"anchor_confidence"`
	PredictedPrice   float64    `gorm:"column:predicted_price" json:"predicted_price"`
	TargetPrice      float64    `gorm:"column:target_price" json:"target_price"`
	TaskID           string     `gorm:"column:task_id;index" json:"task_id"`
	ChainID          string     `gorm:"column:chain_id" json:"chain_id"`
	Executed         bool       `gorm:"column:executed" json:"executed"`
	CreatedAt        time.Time  `gorm:"column:created_at;index" json:"created_at"`
	ActualPrice3d    *float64   `gorm:"column:actual_price_3d" json:"actual_price_3d,omitempty"`
	Correct3d        *bool      `gorm:"column:correct_3d" json:"correct_3d,omitempty"`
	ActualPrice7d    *float64   `gorm:"column:actual_price_7d" json:"actual_price_7d,omitempty"`
	Correct7d        *bool      `gorm:"column:correct_7d" json:"correct_7d,omitempty"`
	ReturnPct7d      *float64   `gorm:"column:return_pct_7d" json:"return_pct_7d,omitempty"`
	VerifiedAt       *time.Time `gorm:"column:verified_at" json:"verified_at,omitempty"`
	EloApplied       bool       `gorm:"column:elo_applied" json:"elo_applied"`
	ToolsApplied     bool       `gorm:"column:tools_applied" json:"tools_applied"`
}

func (Prediction) TableName() string { return "predictions" }

// Verified reports whether the 7-day outcome is known.
func (p Prediction) Verified() bool { return p.Correct7d != nil }

// StatedConfidence is the confidence the model announced, before the anchor
// and self-calibration adjusted it. Rows written before raw confidence was
// stored fall back to Confidence.
func (p Prediction) StatedConfidence() float64 {
	if p.RawConfidence > 0 {
		return p.RawConfidence
	}
	return p.Confidence
}

// SpecialistContribution attributes a prediction to one specialist.
type SpecialistContribution struct {
	ID             uint                        `gorm:"column:id;primaryKey;autoIncrement" json:"-"`
	PredictionID   string                      `gorm:"column:prediction_id;index" json:"prediction_id"`
	AgentID        string                      `gorm:"column:agent_id;index" json:"agent_id"`
	Recommendation Direction                   `gorm:"column:recommendation" json:"recommendation"`
	ToolsUsed      datatypes.JSONSlice[string] `gorm:"column:tools_used;type:TEXT" json:"tools_used"`
	CostUSD        float64                     `gorm:"column:cost_usd" json:"cost_usd"`
}

func (SpecialistContribution) TableName() string { return "specialist_contributions" }

type AnalystElo struct {
	AgentID            string    `gorm:"column:agent_id;primaryKey" json:"agent_id"`
	EloRating          float64   `gorm:"column:elo_rating" json:"elo_rating"`
	TotalPredictions   int       `gorm:"column:total_predictions" json:"total_predictions"`
	CorrectPredictions int       `gorm:"column:correct_predictions" json:"correct_predictions"`
	AvgReturnPct       float64   `gorm:"column:avg_return_pct" json:"avg_return_pct"`
	UpdatedAt          time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (AnalystElo) TableName() string { return "analyst_elo" }

type CalibrationBucket struct {
	Bucket       string    `gorm:"column:bucket;primaryKey" json:"bucket"`
	Lower        int       `gorm:"column:lower_bound" json:"lower"`
	TotalCount   int       `gorm:"column:total_count" json:"total_count"`
	CorrectCount int       `gorm:"column:correct_count" json:"correct_count"`
	ActualRate   float64   `gorm:"column:actual_rate" json:"actual_rate"`
	Alpha        float64   `gorm:"column:alpha" json:"alpha"`
	Beta         float64   `gorm:"column:beta" json:"beta"`
	CILower      float64   `gorm:"column:ci_lower" json:"ci_lower"`
	CIUpper      float64   `gorm:"column:ci_upper" json:"ci_upper"`
	UpdatedAt    time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (CalibrationBucket) TableName() string { return "calibration_buckets" }

type ErrorPattern struct {
	PatternType    string    `gorm:"column:pattern_type;primaryKey" json:"pattern_type"`
	Description    string    `gorm:"column:description" json:"description"`
	CorrectCount   int       `gorm:"column:correct_count" json:"correct_count"`
	IncorrectCount int       `gorm:"column:incorrect_count" json:"incorrect_count"`
	HitRate        float64   `gorm:"column:hit_rate" json:"hit_rate"`
	Active         bool      `gorm:"column:active" json:"active"`
	UpdatedAt      time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (ErrorPattern) TableName() string { return "error_patterns" }

type ToolEffectiveness struct {
	ToolName      string    `gorm:"column:tool_name;primaryKey" json:"tool_name"`
	UsedCorrect   int       `gorm:"column:used_correct" json:"used_correct"`
	UsedIncorrect int       `gorm:"column:used_incorrect" json:"used_incorrect"`
	TotalUses     int       `gorm:"column:total_uses" json:"total_uses"`
	EffScore      float64   `gorm:"column:eff_score" json:"eff_score"`
	UpdatedAt     time.Time `gorm:"column:updated_at" json:"updated_at"`
}

func (ToolEffectiveness) TableName() string { return "tool_effectiveness" }

// ClosedTrade is a realized trade used by the self-calibration factor.
type ClosedTrade struct {
	ID           uint      `gorm:"column:id;primaryKey;autoIncrement" json:"id"`
	PredictionID string    `gorm:"column:prediction_id;uniqueIndex" json:"prediction_id"`
	Ticker       string    `gorm:"column:ticker" json:"ticker"`
	Direction    Direction `gorm:"column:direction" json:"direction"`
	Confidence   float64   `gorm:"column:confidence" json:"confidence"`
	EntryPrice   float64   `gorm:"column:entry_price" json:"entry_price"`
	ExitPrice    float64   `gorm:"column:exit_price" json:"exit_price"`
	PnLPct       float64   `gorm:"column:pnl_pct" json:"pnl_pct"`
	Win          bool      `gorm:"column:win" json:"win"`
	ClosedAt     time.Time `gorm:"column:closed_at;index" json:"closed_at"`
}

func (ClosedTrade) TableName() string { return "closed_trades" }
