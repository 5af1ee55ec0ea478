package batch

import (
	"errors"
	"regexp"
	"strings"

	"corthex/internal/gateway/provider"

	"github.com/google/uuid"
)

// UnsupportedProvider labels the synthesized group of requests whose model
// maps to no known provider.
const UnsupportedProvider = "unsupported"

var (
	ErrUnsupportedModel = errors.New("batch: model maps to no known provider")
	ErrNotConfigured    = errors.New("batch: provider not configured for batch")
)

// Request is one completion destined for a provider batch. CustomID must be
// unique within a submission; it is how results find their way back.
type Request struct {
	CustomID        string `json:"custom_id"`
	Message         string `json:"message"`
	SystemPrompt    string `json:"system_prompt,omitempty"`
	Model           string `json:"model"`
	MaxTokens       int    `json:"max_tokens,omitempty"`
	ReasoningEffort string `json:"reasoning_effort,omitempty"`
}

func (r Request) item() provider.BatchItem {
	return provider.BatchItem{
		CustomID: r.CustomID,
		Request: provider.CompletionRequest{
			Model:           r.Model,
			System:          r.SystemPrompt,
			Messages:        []provider.Message{{Role: "user", Content: r.Message}},
			MaxTokens:       r.MaxTokens,
			ReasoningEffort: r.ReasoningEffort,
			Purpose:         r.CustomID,
		},
	}
}

// SubmitResult describes one provider group. Err is set when the whole
// group was rejected; its CustomIDs are then the requests that failed.
type SubmitResult struct {
	BatchID   string
	Provider  string
	CustomIDs []string
	Err       error
}

func (r SubmitResult) OK() bool { return r.Err == nil && r.BatchID != "" }

var customIDUnsafe = regexp.MustCompile(`[^a-zA-Z0-9_-]+`)

// NewCustomID returns a provider-safe id ([A-Za-z0-9_-], at most 64 chars).
func NewCustomID(parts ...string) string {
	cleaned := make([]string, 0, len(parts)+1)
	for _, p := range parts {
		p = customIDUnsafe.ReplaceAllString(strings.TrimSpace(p), "-")
		p = strings.Trim(p, "-")
		if p != "" {
			cleaned = append(cleaned, p)
		}
	}
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	prefix := strings.Join(cleaned, "_")
	if max := 64 - len(suffix) - 1; len(prefix) > max {
		prefix = prefix[:max]
	}
	if prefix == "" {
		return suffix
	}
	return prefix + "_" + suffix
}
