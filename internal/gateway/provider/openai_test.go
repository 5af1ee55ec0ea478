package provider

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testPricing() *Pricing {
	p := NewPricing()
	p.Set("gpt-5-mini", 0.25, 2)
	p.Set("claude-haiku-4-5", 1, 5)
	return p
}

func TestOpenAICompleteComputesCost(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		var body map[string]any
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		msgs := body["messages"].([]any)
		assert.Equal(t, "system", msgs[0].(map[string]any)["role"])
		_, _ = io.WriteString(w, `{"model":"gpt-5-mini","choices":[{"message":{"content":"{\"agent_id\":\"cio\"}"}}],"usage":{"prompt_tokens":4000,"completion_tokens":1000}}`)
	}))
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{ID: "openai", Enabled: true, BaseURL: srv.URL + "/v1", APIKey: "sk-test"}, testPricing())
	out, err := p.Complete(context.Background(), CompletionRequest{
		Model:    "gpt-5-mini",
		System:   "classify",
		Messages: []Message{{Role: "user", Content: "삼성전자 분석"}},
	})
	require.NoError(t, err)
	assert.Equal(t, `{"agent_id":"cio"}`, out.Content)
	assert.InDelta(t, 0.003, out.CostUSD, 1e-9)
}

func TestOpenAIBatchRoundTrip(t *testing.T) {
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/files", func(w http.ResponseWriter, r *http.Request) {
		require.NoError(t, r.ParseMultipartForm(1<<20))
		assert.Equal(t, "batch", r.FormValue("purpose"))
		f, _, err := r.FormFile("file")
		require.NoError(t, err)
		raw, _ := io.ReadAll(f)
		assert.Equal(t, 2, strings.Count(string(raw), "\n"))
		_, _ = io.WriteString(w, `{"id":"file_in"}`)
	})
	mux.HandleFunc("/v1/batches", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"batch_1","status":"validating"}`)
	})
	mux.HandleFunc("/v1/batches/batch_1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"batch_1","status":"completed","output_file_id":"file_out","request_counts":{"total":2,"completed":1,"failed":1}}`)
	})
	mux.HandleFunc("/v1/files/file_out/content", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"custom_id":"a","response":{"status_code":200,"body":{"model":"gpt-5-mini","choices":[{"message":{"content":"ok"}}],"usage":{"prompt_tokens":1000,"completion_tokens":0}}}}
{"custom_id":"b","response":{"status_code":500,"body":{}}}
`)
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	p := NewOpenAIProvider(OpenAIOptions{ID: "openai", Enabled: true, Batch: true, BaseURL: srv.URL + "/v1", APIKey: "k"}, testPricing())
	ctx := context.Background()
	id, err := p.SubmitBatch(ctx, []BatchItem{
		{CustomID: "a", Request: CompletionRequest{Model: "gpt-5-mini", Messages: []Message{{Role: "user", Content: "x"}}}},
		{CustomID: "b", Request: CompletionRequest{Model: "gpt-5-mini", Messages: []Message{{Role: "user", Content: "y"}}}},
	})
	require.NoError(t, err)
	assert.Equal(t, "batch_1", id)

	st, err := p.CheckBatch(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, BatchCompleted, st.State)

	results, err := p.RetrieveBatch(ctx, id)
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "ok", results[0].Content)
	assert.InDelta(t, 0.000125, results[0].CostUSD, 1e-12)
	assert.Equal(t, "b", results[1].CustomID)
	assert.NotEmpty(t, results[1].Err)
}

func TestBatchDisabledProvider(t *testing.T) {
	p := NewOpenAIProvider(OpenAIOptions{ID: "deepseek", Enabled: true}, testPricing())
	_, ok := AsBatch(p)
	assert.False(t, ok)
	_, err := p.SubmitBatch(context.Background(), []BatchItem{{CustomID: "a"}})
	assert.ErrorIs(t, err, ErrBatchUnsupported)
}
