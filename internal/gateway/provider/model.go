package provider

import (
	"context"
	"errors"
	"time"
)

var ErrBatchUnsupported = errors.New("provider: batch api not supported")

type Message struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

// CompletionRequest is the provider-neutral chat request. Purpose only tags
// the transcript log.
type CompletionRequest struct {
	Model           string
	System          string
	Messages        []Message
	Temperature     float64
	MaxTokens       int
	ReasoningEffort string
	Purpose         string
}

type Completion struct {
	Provider     string
	Model        string
	Content      string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
}

// ModelProvider is the realtime completion capability.
type ModelProvider interface {
	ID() string
	Enabled() bool
	Complete(ctx context.Context, req CompletionRequest) (Completion, error)
}

type BatchState string

const (
	BatchPending    BatchState = "pending"
	BatchProcessing BatchState = "processing"
	BatchCompleted  BatchState = "completed"
	BatchFailed     BatchState = "failed"
	BatchExpired    BatchState = "expired"
)

// Terminal reports whether no further polling is needed.
func (s BatchState) Terminal() bool {
	switch s {
	case BatchCompleted, BatchFailed, BatchExpired:
		return true
	default:
		return false
	}
}

type BatchItem struct {
	CustomID string
	Request  CompletionRequest
}

type BatchStatus struct {
	State     BatchState
	Total     int
	Completed int
	Failed    int
	ExpiresAt time.Time
}

// BatchItemResult carries one request's outcome. Err is set instead of
// Content when the provider rejected that request.
type BatchItemResult struct {
	CustomID     string
	Content      string
	InputTokens  int
	OutputTokens int
	CostUSD      float64
	Err          string
}

// BatchProvider is the asynchronous, discounted completion capability.
type BatchProvider interface {
	SupportsBatch() bool
	SubmitBatch(ctx context.Context, items []BatchItem) (string, error)
	CheckBatch(ctx context.Context, batchID string) (BatchStatus, error)
	RetrieveBatch(ctx context.Context, batchID string) ([]BatchItemResult, error)
}

// AsBatch returns p's batch capability when it has one enabled.
func AsBatch(p ModelProvider) (BatchProvider, bool) {
	bp, ok := p.(BatchProvider)
	if !ok || !bp.SupportsBatch() {
		return nil, false
	}
	return bp, true
}
