package provider

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"corthex/internal/logger"

	"github.com/go-resty/resty/v2"
)

const anthropicVersion = "2023-06-01"

// AnthropicProvider speaks the Messages and Message Batches APIs.
type AnthropicProvider struct {
	id      string
	enabled bool
	batch   bool
	client  *resty.Client
	pricing *Pricing
}

type AnthropicOptions struct {
	ID      string
	Enabled bool
	Batch   bool
	BaseURL string
	APIKey  string
	Headers map[string]string
	Timeout time.Duration
}

func NewAnthropicProvider(opts AnthropicOptions, pricing *Pricing) *AnthropicProvider {
	base := strings.TrimSuffix(strings.TrimRight(opts.BaseURL, "/"), "/v1")
	if base == "" {
		base = "https://api.anthropic.com"
	}
	c := newRestClient(base, opts.Timeout, opts.Headers).
		SetHeader("anthropic-version", anthropicVersion)
	if opts.APIKey != "" {
		c.SetHeader("x-api-key", opts.APIKey)
	}
	return &AnthropicProvider{id: opts.ID, enabled: opts.Enabled, batch: opts.Batch, client: c, pricing: pricing}
}

func (p *AnthropicProvider) ID() string          { return p.id }
func (p *AnthropicProvider) Enabled() bool       { return p.enabled }
func (p *AnthropicProvider) SupportsBatch() bool { return p.batch }

type anthropicParams struct {
	Model       string    `json:"model"`
	MaxTokens   int       `json:"max_tokens"`
	System      string    `json:"system,omitempty"`
	Messages    []Message `json:"messages"`
	Temperature *float64  `json:"temperature,omitempty"`
}

type anthropicMessage struct {
	Model   string `json:"model"`
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
	Usage struct {
		InputTokens  int `json:"input_tokens"`
		OutputTokens int `json:"output_tokens"`
	} `json:"usage"`
}

func (m anthropicMessage) text() string {
	var b strings.Builder
	for _, c := range m.Content {
		if c.Type == "text" {
			b.WriteString(c.Text)
		}
	}
	return b.String()
}

type anthropicErrorBody struct {
	Error struct {
		Type    string `json:"type"`
		Message string `json:"message"`
	} `json:"error"`
}

func buildAnthropicParams(req CompletionRequest) anthropicParams {
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = 4096
	}
	msgs := make([]Message, 0, len(req.Messages))
	for _, m := range req.Messages {
		// the Messages API takes system text out of band
		if m.Role == "system" {
			continue
		}
		msgs = append(msgs, m)
	}
	t := req.Temperature
	return anthropicParams{
		Model:       req.Model,
		MaxTokens:   maxTokens,
		System:      strings.TrimSpace(req.System),
		Messages:    msgs,
		Temperature: &t,
	}
}

func (p *AnthropicProvider) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	params := buildAnthropicParams(req)
	call := logger.LLMCall{Provider: p.id, Model: req.Model, Via: "realtime", Purpose: req.Purpose}
	if payload, err := json.Marshal(params); err == nil {
		logger.LogLLMRequest(call, req.System, lastUserContent(req.Messages), string(payload))
	}
	var out anthropicMessage
	var eout anthropicErrorBody
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(params).
		ForceContentType("application/json").
		SetResult(&out).
		SetError(&eout).
		Post("/v1/messages")
	if err != nil {
		return Completion{}, fmt.Errorf("%s messages: %w", p.id, err)
	}
	if resp.IsError() {
		return Completion{}, apiError(p.id+" messages", resp, eout.Error.Message)
	}
	content := out.text()
	logger.LogLLMResponse(call, content)
	return Completion{
		Provider:     p.id,
		Model:        req.Model,
		Content:      content,
		InputTokens:  out.Usage.InputTokens,
		OutputTokens: out.Usage.OutputTokens,
		CostUSD:      p.pricing.Cost(req.Model, out.Usage.InputTokens, out.Usage.OutputTokens, false).InexactFloat64(),
	}, nil
}

type anthropicBatchRequest struct {
	CustomID string          `json:"custom_id"`
	Params   anthropicParams `json:"params"`
}

type anthropicBatch struct {
	ID               string `json:"id"`
	ProcessingStatus string `json:"processing_status"`
	ResultsURL       string `json:"results_url"`
	ExpiresAt        string `json:"expires_at"`
	RequestCounts    struct {
		Processing int `json:"processing"`
		Succeeded  int `json:"succeeded"`
		Errored    int `json:"errored"`
		Canceled   int `json:"canceled"`
		Expired    int `json:"expired"`
	} `json:"request_counts"`
}

func (p *AnthropicProvider) SubmitBatch(ctx context.Context, items []BatchItem) (string, error) {
	if !p.batch {
		return "", ErrBatchUnsupported
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%s batch: no requests", p.id)
	}
	reqs := make([]anthropicBatchRequest, 0, len(items))
	for _, it := range items {
		reqs = append(reqs, anthropicBatchRequest{CustomID: it.CustomID, Params: buildAnthropicParams(it.Request)})
		call := logger.LLMCall{Provider: p.id, Model: it.Request.Model, Via: "batch", Purpose: it.CustomID}
		logger.LogLLMRequest(call, it.Request.System, lastUserContent(it.Request.Messages), "")
	}
	var batch anthropicBatch
	var eout anthropicErrorBody
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(map[string]any{"requests": reqs}).
		ForceContentType("application/json").
		SetResult(&batch).
		SetError(&eout).
		Post("/v1/messages/batches")
	if err != nil {
		return "", fmt.Errorf("%s batch create: %w", p.id, err)
	}
	if resp.IsError() || batch.ID == "" {
		return "", apiError(p.id+" batch create", resp, eout.Error.Message)
	}
	return batch.ID, nil
}

func (p *AnthropicProvider) getBatch(ctx context.Context, batchID string) (anthropicBatch, error) {
	var batch anthropicBatch
	var eout anthropicErrorBody
	resp, err := p.client.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&batch).
		SetError(&eout).
		Get("/v1/messages/batches/" + batchID)
	if err != nil {
		return batch, fmt.Errorf("%s batch status: %w", p.id, err)
	}
	if resp.IsError() {
		return batch, apiError(p.id+" batch status", resp, eout.Error.Message)
	}
	return batch, nil
}

func mapAnthropicState(b anthropicBatch) BatchState {
	switch b.ProcessingStatus {
	case "in_progress", "canceling":
		return BatchProcessing
	case "ended":
		c := b.RequestCounts
		switch {
		case c.Succeeded > 0 || c.Errored > 0:
			return BatchCompleted
		case c.Expired > 0:
			return BatchExpired
		default:
			return BatchFailed
		}
	default:
		return BatchPending
	}
}

func (p *AnthropicProvider) CheckBatch(ctx context.Context, batchID string) (BatchStatus, error) {
	b, err := p.getBatch(ctx, batchID)
	if err != nil {
		return BatchStatus{}, err
	}
	c := b.RequestCounts
	st := BatchStatus{
		State:     mapAnthropicState(b),
		Total:     c.Processing + c.Succeeded + c.Errored + c.Canceled + c.Expired,
		Completed: c.Succeeded,
		Failed:    c.Errored + c.Canceled + c.Expired,
	}
	if t, err := time.Parse(time.RFC3339, b.ExpiresAt); err == nil {
		st.ExpiresAt = t
	}
	return st, nil
}

type anthropicResultLine struct {
	CustomID string `json:"custom_id"`
	Result   struct {
		Type    string           `json:"type"`
		Message anthropicMessage `json:"message"`
		Error   *struct {
			Error struct {
				Message string `json:"message"`
			} `json:"error"`
		} `json:"error"`
	} `json:"result"`
}

func (p *AnthropicProvider) RetrieveBatch(ctx context.Context, batchID string) ([]BatchItemResult, error) {
	b, err := p.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if b.ResultsURL == "" {
		return nil, fmt.Errorf("%s batch %s: results not ready", p.id, batchID)
	}
	resp, err := p.client.R().SetContext(ctx).Get(b.ResultsURL)
	if err != nil {
		return nil, fmt.Errorf("%s batch results: %w", p.id, err)
	}
	if resp.IsError() {
		return nil, apiError(p.id+" batch results", resp, "")
	}
	var out []BatchItemResult
	for _, line := range splitJSONL(resp.Body()) {
		var rl anthropicResultLine
		if err := json.Unmarshal([]byte(line), &rl); err != nil {
			logger.Warnf("%s batch %s: skip malformed result line: %v", p.id, batchID, err)
			continue
		}
		res := BatchItemResult{CustomID: rl.CustomID}
		switch rl.Result.Type {
		case "succeeded":
			msg := rl.Result.Message
			res.Content = msg.text()
			res.InputTokens = msg.Usage.InputTokens
			res.OutputTokens = msg.Usage.OutputTokens
			res.CostUSD = p.pricing.Cost(msg.Model, res.InputTokens, res.OutputTokens, true).InexactFloat64()
			logger.LogLLMResponse(logger.LLMCall{Provider: p.id, Model: msg.Model, Via: "batch", Purpose: rl.CustomID}, res.Content)
		case "errored":
			res.Err = "errored"
			if rl.Result.Error != nil && rl.Result.Error.Error.Message != "" {
				res.Err = rl.Result.Error.Error.Message
			}
		default:
			res.Err = rl.Result.Type
		}
		out = append(out, res)
	}
	return out, nil
}
