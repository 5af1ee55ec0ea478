package chain

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"corthex/internal/batch"
	"corthex/internal/config/loader"
	"corthex/internal/gateway/provider"
	"corthex/internal/router"

	"github.com/stretchr/testify/require"
)

type memSettings struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemSettings() *memSettings { return &memSettings{data: make(map[string][]byte)} }

func (m *memSettings) SaveSetting(_ context.Context, key string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return err
	}
	m.mu.Lock()
	m.data[key] = raw
	m.mu.Unlock()
	return nil
}

func (m *memSettings) LoadSetting(_ context.Context, key string, dest any) (bool, error) {
	m.mu.Lock()
	raw, ok := m.data[key]
	m.mu.Unlock()
	if !ok {
		return false, nil
	}
	return true, json.Unmarshal(raw, dest)
}

// fakeProvider serves both realtime and batch calls with canned replies.
type fakeProvider struct {
	id string

	mu          sync.Mutex
	disabled    bool
	submitErr   error
	completeErr error
	batchState  provider.BatchState
	reply       func(req provider.CompletionRequest) string
	seq         int
	batches     map[string][]provider.BatchItem
	submitted   []provider.BatchItem
	realtime    []provider.CompletionRequest
}

func newFakeProvider(id string) *fakeProvider {
	return &fakeProvider{
		id:         id,
		batchState: provider.BatchCompleted,
		reply:      defaultReply,
		batches:    make(map[string][]provider.BatchItem),
	}
}

func defaultReply(req provider.CompletionRequest) string {
	switch {
	case strings.Contains(req.System, "route commands"):
		return `{"agent_id": "finance", "reason": "money matters"}`
	case strings.Contains(req.System, "instruction per specialist"):
		return "Plan:\n```json\n{\"fin_analyst\": \"check the balance sheet\", \"fin_quant\": \"run the numbers\", \"ghost\": \"x\"}\n```"
	case strings.Contains(req.System, "Write one report"):
		return "final report from " + strings.Fields(strings.TrimPrefix(req.System, "You are "))[0]
	default:
		return "analysis: " + req.Messages[0].Content
	}
}

func (f *fakeProvider) ID() string { return f.id }

func (f *fakeProvider) Enabled() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return !f.disabled
}

func (f *fakeProvider) Complete(_ context.Context, req provider.CompletionRequest) (provider.Completion, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.realtime = append(f.realtime, req)
	if f.completeErr != nil {
		return provider.Completion{}, f.completeErr
	}
	return provider.Completion{Provider: f.id, Model: req.Model, Content: f.reply(req), CostUSD: 0.002}, nil
}

func (f *fakeProvider) SupportsBatch() bool { return true }

func (f *fakeProvider) SubmitBatch(_ context.Context, items []provider.BatchItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.seq++
	id := fmt.Sprintf("%s-b%d", f.id, f.seq)
	f.batches[id] = items
	f.submitted = append(f.submitted, items...)
	return id, nil
}

func (f *fakeProvider) CheckBatch(_ context.Context, id string) (provider.BatchStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.batches[id]; !ok {
		return provider.BatchStatus{}, errors.New("unknown batch")
	}
	return provider.BatchStatus{State: f.batchState, Total: len(f.batches[id])}, nil
}

func (f *fakeProvider) RetrieveBatch(_ context.Context, id string) ([]provider.BatchItemResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.BatchItemResult, 0, len(f.batches[id]))
	for _, it := range f.batches[id] {
		out = append(out, provider.BatchItemResult{CustomID: it.CustomID, Content: f.reply(it.Request), CostUSD: 0.001})
	}
	return out, nil
}

func (f *fakeProvider) realtimeCalls() []provider.CompletionRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]provider.CompletionRequest(nil), f.realtime...)
}

func (f *fakeProvider) submittedFor(step Step) []provider.BatchItem {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []provider.BatchItem
	for _, it := range f.submitted {
		if strings.HasPrefix(it.CustomID, string(step)+"_") {
			out = append(out, it)
		}
	}
	return out
}

type staticRoster struct{ snap loader.RosterSnapshot }

func (r staticRoster) Snapshot() loader.RosterSnapshot { return r.snap }

func testRoster() staticRoster {
	return staticRoster{snap: loader.NewStaticRoster("general",
		loader.Department{
			ID: "finance", Name: "Finance", Head: "cfo", HeadModel: "claude-sonnet-4",
			Keywords: []string{"stock"},
			Specialists: []loader.Specialist{
				{ID: "fin_analyst", Model: "gpt-4o", Role: "fundamentals", Tools: []string{"dart"}},
				{ID: "fin_quant", Model: "claude-haiku-3", Role: "quant", Tools: []string{"talib"}},
			},
		},
		loader.Department{ID: "legal", Name: "Legal", Head: "clo", HeadModel: "gpt-4o", Keywords: []string{"contract"}},
		loader.Department{ID: "general", Name: "General", Head: "chief"},
	)}
}

type sinkRecorder struct {
	mu     sync.Mutex
	events []Delivery
}

func (s *sinkRecorder) Deliver(_ context.Context, d Delivery) error {
	s.mu.Lock()
	s.events = append(s.events, d)
	s.mu.Unlock()
	return nil
}

func (s *sinkRecorder) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.events)
}

type harness struct {
	orch      *Orchestrator
	poller    *batch.Poller
	registry  *batch.Registry
	openai    *fakeProvider
	anthropic *fakeProvider
	sink      *sinkRecorder
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	return newHarnessWith(t, testRoster())
}

func newHarnessWith(t *testing.T, roster Roster) *harness {
	t.Helper()
	h := &harness{
		openai:    newFakeProvider("openai"),
		anthropic: newFakeProvider("anthropic"),
		sink:      &sinkRecorder{},
	}
	rt := router.New([]provider.ModelProvider{h.openai, h.anthropic}, nil, router.Options{
		ClassifierModels: []string{"gpt-4o-mini"},
		DefaultModel:     "claude-sonnet-4",
		Timeout:          5 * time.Second,
		BreakerThreshold: 100,
	})
	settings := newMemSettings()
	h.registry = batch.NewRegistry(settings)
	h.poller = batch.NewPoller(h.registry, rt, batch.PollerOptions{Interval: time.Hour})
	// no background loop; tests tick by hand
	dead, cancel := context.WithCancel(context.Background())
	cancel()
	h.poller.Attach(dead)
	h.orch = NewOrchestrator(NewRepository(settings, 0), rt, batch.NewSubmitter(rt, nil), h.registry, h.poller, roster, Options{
		BatchExpiry: time.Hour,
		MaxTokens:   1024,
		Sinks:       []Sink{h.sink},
	})
	return h
}

// settle ticks the poller until the chain is delivered.
func (h *harness) settle(t *testing.T, id string) Chain {
	t.Helper()
	ctx := context.Background()
	for i := 0; i < 10; i++ {
		c, err := h.orch.Get(ctx, id)
		require.NoError(t, err)
		if c.Delivered {
			return c
		}
		_, err = h.poller.Tick(ctx)
		require.NoError(t, err)
	}
	t.Fatalf("chain %s not delivered after 10 ticks", id)
	return Chain{}
}

func (h *harness) runToEnd(t *testing.T, command string, so StartOptions) Chain {
	t.Helper()
	ctx := context.Background()
	c, err := h.orch.Create(ctx, command, so)
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(ctx, c.ID))
	return h.settle(t, c.ID)
}
