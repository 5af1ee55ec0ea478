package provider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"corthex/internal/logger"

	"github.com/go-resty/resty/v2"
)

// OpenAIProvider speaks the OpenAI chat-completions and Batch APIs. DeepSeek,
// xAI and Gemini's compatibility endpoint reuse it with batch disabled.
type OpenAIProvider struct {
	id      string
	enabled bool
	batch   bool
	client  *resty.Client
	pricing *Pricing
}

type OpenAIOptions struct {
	ID      string
	Enabled bool
	Batch   bool
	BaseURL string
	APIKey  string
	Headers map[string]string
	Timeout time.Duration
}

func NewOpenAIProvider(opts OpenAIOptions, pricing *Pricing) *OpenAIProvider {
	base := strings.TrimSuffix(strings.TrimRight(opts.BaseURL, "/"), "/chat/completions")
	if base == "" {
		base = "https://api.openai.com/v1"
	}
	c := newRestClient(base, opts.Timeout, opts.Headers)
	if opts.APIKey != "" {
		c.SetAuthToken(opts.APIKey)
	}
	return &OpenAIProvider{id: opts.ID, enabled: opts.Enabled, batch: opts.Batch, client: c, pricing: pricing}
}

func (p *OpenAIProvider) ID() string          { return p.id }
func (p *OpenAIProvider) Enabled() bool       { return p.enabled }
func (p *OpenAIProvider) SupportsBatch() bool { return p.batch }

type openAIChatBody struct {
	Model               string    `json:"model"`
	Messages            []Message `json:"messages"`
	Temperature         *float64  `json:"temperature,omitempty"`
	MaxCompletionTokens int       `json:"max_completion_tokens,omitempty"`
	ReasoningEffort     string    `json:"reasoning_effort,omitempty"`
}

type openAIChatResponse struct {
	Model   string `json:"model"`
	Choices []struct {
		Message struct {
			Content string `json:"content"`
		} `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
	} `json:"usage"`
}

type openAIErrorBody struct {
	Error struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func buildOpenAIBody(req CompletionRequest) openAIChatBody {
	msgs := make([]Message, 0, len(req.Messages)+1)
	if s := strings.TrimSpace(req.System); s != "" {
		msgs = append(msgs, Message{Role: "system", Content: s})
	}
	msgs = append(msgs, req.Messages...)
	body := openAIChatBody{
		Model:               req.Model,
		Messages:            msgs,
		MaxCompletionTokens: req.MaxTokens,
		ReasoningEffort:     req.ReasoningEffort,
	}
	// reasoning models reject a custom temperature
	if req.ReasoningEffort == "" {
		t := req.Temperature
		body.Temperature = &t
	}
	return body
}

func (p *OpenAIProvider) Complete(ctx context.Context, req CompletionRequest) (Completion, error) {
	body := buildOpenAIBody(req)
	call := logger.LLMCall{Provider: p.id, Model: req.Model, Via: "realtime", Purpose: req.Purpose}
	if payload, err := json.Marshal(body); err == nil {
		logger.LogLLMRequest(call, req.System, lastUserContent(req.Messages), string(payload))
	}
	var out openAIChatResponse
	var eout openAIErrorBody
	resp, err := p.client.R().
		SetContext(ctx).
		SetBody(body).
		ForceContentType("application/json").
		SetResult(&out).
		SetError(&eout).
		Post("/chat/completions")
	if err != nil {
		return Completion{}, fmt.Errorf("%s chat: %w", p.id, err)
	}
	if resp.IsError() {
		return Completion{}, apiError(p.id+" chat", resp, eout.Error.Message)
	}
	if len(out.Choices) == 0 {
		return Completion{}, fmt.Errorf("%s chat: empty choices", p.id)
	}
	content := out.Choices[0].Message.Content
	logger.LogLLMResponse(call, content)
	return Completion{
		Provider:     p.id,
		Model:        req.Model,
		Content:      content,
		InputTokens:  out.Usage.PromptTokens,
		OutputTokens: out.Usage.CompletionTokens,
		CostUSD:      p.pricing.Cost(req.Model, out.Usage.PromptTokens, out.Usage.CompletionTokens, false).InexactFloat64(),
	}, nil
}

type openAIBatchLine struct {
	CustomID string         `json:"custom_id"`
	Method   string         `json:"method"`
	URL      string         `json:"url"`
	Body     openAIChatBody `json:"body"`
}

type openAIBatch struct {
	ID            string `json:"id"`
	Status        string `json:"status"`
	OutputFileID  string `json:"output_file_id"`
	ErrorFileID   string `json:"error_file_id"`
	ExpiresAt     int64  `json:"expires_at"`
	RequestCounts struct {
		Total     int `json:"total"`
		Completed int `json:"completed"`
		Failed    int `json:"failed"`
	} `json:"request_counts"`
}

func (p *OpenAIProvider) SubmitBatch(ctx context.Context, items []BatchItem) (string, error) {
	if !p.batch {
		return "", ErrBatchUnsupported
	}
	if len(items) == 0 {
		return "", fmt.Errorf("%s batch: no requests", p.id)
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	for _, it := range items {
		line := openAIBatchLine{
			CustomID: it.CustomID,
			Method:   "POST",
			URL:      "/v1/chat/completions",
			Body:     buildOpenAIBody(it.Request),
		}
		if err := enc.Encode(line); err != nil {
			return "", err
		}
		call := logger.LLMCall{Provider: p.id, Model: it.Request.Model, Via: "batch", Purpose: it.CustomID}
		logger.LogLLMRequest(call, it.Request.System, lastUserContent(it.Request.Messages), "")
	}

	var file struct {
		ID string `json:"id"`
	}
	var eout openAIErrorBody
	resp, err := p.client.R().
		SetContext(ctx).
		SetFileReader("file", "batch.jsonl", bytes.NewReader(buf.Bytes())).
		SetFormData(map[string]string{"purpose": "batch"}).
		ForceContentType("application/json").
		SetResult(&file).
		SetError(&eout).
		Post("/files")
	if err != nil {
		return "", fmt.Errorf("%s batch upload: %w", p.id, err)
	}
	if resp.IsError() || file.ID == "" {
		return "", apiError(p.id+" batch upload", resp, eout.Error.Message)
	}

	var batch openAIBatch
	resp, err = p.client.R().
		SetContext(ctx).
		SetBody(map[string]string{
			"input_file_id":     file.ID,
			"endpoint":          "/v1/chat/completions",
			"completion_window": "24h",
		}).
		ForceContentType("application/json").
		SetResult(&batch).
		SetError(&eout).
		Post("/batches")
	if err != nil {
		return "", fmt.Errorf("%s batch create: %w", p.id, err)
	}
	if resp.IsError() || batch.ID == "" {
		return "", apiError(p.id+" batch create", resp, eout.Error.Message)
	}
	return batch.ID, nil
}

func (p *OpenAIProvider) getBatch(ctx context.Context, batchID string) (openAIBatch, error) {
	var batch openAIBatch
	var eout openAIErrorBody
	resp, err := p.client.R().
		SetContext(ctx).
		ForceContentType("application/json").
		SetResult(&batch).
		SetError(&eout).
		Get("/batches/" + batchID)
	if err != nil {
		return batch, fmt.Errorf("%s batch status: %w", p.id, err)
	}
	if resp.IsError() {
		return batch, apiError(p.id+" batch status", resp, eout.Error.Message)
	}
	return batch, nil
}

func mapOpenAIState(status string) BatchState {
	switch status {
	case "validating":
		return BatchPending
	case "in_progress", "finalizing", "cancelling":
		return BatchProcessing
	case "completed":
		return BatchCompleted
	case "expired":
		return BatchExpired
	default:
		return BatchFailed
	}
}

func (p *OpenAIProvider) CheckBatch(ctx context.Context, batchID string) (BatchStatus, error) {
	batch, err := p.getBatch(ctx, batchID)
	if err != nil {
		return BatchStatus{}, err
	}
	st := BatchStatus{
		State:     mapOpenAIState(batch.Status),
		Total:     batch.RequestCounts.Total,
		Completed: batch.RequestCounts.Completed,
		Failed:    batch.RequestCounts.Failed,
	}
	if batch.ExpiresAt > 0 {
		st.ExpiresAt = time.Unix(batch.ExpiresAt, 0)
	}
	return st, nil
}

type openAIResultLine struct {
	CustomID string `json:"custom_id"`
	Response *struct {
		StatusCode int                `json:"status_code"`
		Body       openAIChatResponse `json:"body"`
	} `json:"response"`
	Error *struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func (p *OpenAIProvider) RetrieveBatch(ctx context.Context, batchID string) ([]BatchItemResult, error) {
	batch, err := p.getBatch(ctx, batchID)
	if err != nil {
		return nil, err
	}
	if batch.OutputFileID == "" && batch.ErrorFileID == "" {
		return nil, fmt.Errorf("%s batch %s: no output file", p.id, batchID)
	}
	var out []BatchItemResult
	for _, fileID := range []string{batch.OutputFileID, batch.ErrorFileID} {
		if fileID == "" {
			continue
		}
		resp, err := p.client.R().SetContext(ctx).Get("/files/" + fileID + "/content")
		if err != nil {
			return nil, fmt.Errorf("%s batch results: %w", p.id, err)
		}
		if resp.IsError() {
			return nil, apiError(p.id+" batch results", resp, "")
		}
		for _, line := range splitJSONL(resp.Body()) {
			var rl openAIResultLine
			if err := json.Unmarshal([]byte(line), &rl); err != nil {
				logger.Warnf("%s batch %s: skip malformed result line: %v", p.id, batchID, err)
				continue
			}
			out = append(out, p.convertResult(rl))
		}
	}
	return out, nil
}

func (p *OpenAIProvider) convertResult(rl openAIResultLine) BatchItemResult {
	res := BatchItemResult{CustomID: rl.CustomID}
	switch {
	case rl.Error != nil:
		res.Err = rl.Error.Message
	case rl.Response == nil:
		res.Err = "missing response"
	case rl.Response.StatusCode/100 != 2:
		res.Err = fmt.Sprintf("status=%d", rl.Response.StatusCode)
	case len(rl.Response.Body.Choices) == 0:
		res.Err = "empty choices"
	default:
		body := rl.Response.Body
		res.Content = body.Choices[0].Message.Content
		res.InputTokens = body.Usage.PromptTokens
		res.OutputTokens = body.Usage.CompletionTokens
		res.CostUSD = p.pricing.Cost(body.Model, res.InputTokens, res.OutputTokens, true).InexactFloat64()
		logger.LogLLMResponse(logger.LLMCall{Provider: p.id, Model: body.Model, Via: "batch", Purpose: rl.CustomID}, res.Content)
	}
	return res
}

func lastUserContent(msgs []Message) string {
	for i := len(msgs) - 1; i >= 0; i-- {
		if msgs[i].Role == "user" {
			return msgs[i].Content
		}
	}
	return ""
}
