package provider

import (
	"context"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicCompleteSendsHeaders(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v1/messages", r.URL.Path)
		assert.Equal(t, "ak", r.Header.Get("x-api-key"))
		assert.Equal(t, anthropicVersion, r.Header.Get("anthropic-version"))
		_, _ = io.WriteString(w, `{"model":"claude-haiku-4-5","content":[{"type":"text","text":"hello"}],"usage":{"input_tokens":1000,"output_tokens":1000}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider(AnthropicOptions{ID: "anthropic", Enabled: true, BaseURL: srv.URL, APIKey: "ak"}, testPricing())
	out, err := p.Complete(context.Background(), CompletionRequest{
		Model:    "claude-haiku-4-5",
		Messages: []Message{{Role: "user", Content: "hi"}},
	})
	require.NoError(t, err)
	assert.Equal(t, "hello", out.Content)
	assert.InDelta(t, 0.006, out.CostUSD, 1e-9)
}

func TestAnthropicStateMapping(t *testing.T) {
	var b anthropicBatch
	b.ProcessingStatus = "in_progress"
	assert.Equal(t, BatchProcessing, mapAnthropicState(b))

	b.ProcessingStatus = "ended"
	b.RequestCounts.Succeeded = 1
	assert.Equal(t, BatchCompleted, mapAnthropicState(b))

	b.RequestCounts.Succeeded = 0
	b.RequestCounts.Expired = 2
	assert.Equal(t, BatchExpired, mapAnthropicState(b))

	b.RequestCounts.Expired = 0
	b.RequestCounts.Canceled = 2
	assert.Equal(t, BatchFailed, mapAnthropicState(b))
}

func TestAnthropicRetrieveBatch(t *testing.T) {
	var srv *httptest.Server
	mux := http.NewServeMux()
	mux.HandleFunc("/v1/messages/batches/msgbatch_1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"id":"msgbatch_1","processing_status":"ended","results_url":"`+srv.URL+`/results/msgbatch_1","request_counts":{"succeeded":1,"errored":1}}`)
	})
	mux.HandleFunc("/results/msgbatch_1", func(w http.ResponseWriter, r *http.Request) {
		_, _ = io.WriteString(w, `{"custom_id":"x","result":{"type":"succeeded","message":{"model":"claude-haiku-4-5","content":[{"type":"text","text":"report"}],"usage":{"input_tokens":2000,"output_tokens":0}}}}
{"custom_id":"y","result":{"type":"errored","error":{"type":"error","error":{"type":"overloaded_error","message":"overloaded"}}}}`)
	})
	srv = httptest.NewServer(mux)
	defer srv.Close()

	p := NewAnthropicProvider(AnthropicOptions{ID: "anthropic", Enabled: true, Batch: true, BaseURL: srv.URL, APIKey: "ak"}, testPricing())
	results, err := p.RetrieveBatch(context.Background(), "msgbatch_1")
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "report", results[0].Content)
	assert.InDelta(t, 0.001, results[0].CostUSD, 1e-12)
	assert.Equal(t, "overloaded", results[1].Err)
}
