package chain

import (
	"context"
	"errors"
	"testing"
	"time"

	"corthex/internal/batch"
	"corthex/internal/config/loader"
	"corthex/internal/gateway/provider"
	"corthex/internal/trading"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestChainHappyPathThroughBatches(t *testing.T) {
	h := newHarness(t)
	c := h.runToEnd(t, "what should we do about next quarter?", StartOptions{TaskID: "task-1"})

	assert.Equal(t, StepCompleted, c.Step)
	assert.Equal(t, StatusCompleted, c.Status)
	assert.True(t, c.Delivered)
	assert.Equal(t, "task-1", c.TaskID)
	assert.Equal(t, "finance", c.TargetID)
	assert.Equal(t, "money matters", c.Reason)
	assert.Contains(t, c.Output, "final report from cfo")
	assert.Empty(t, c.Label)

	assert.Equal(t, "batch", c.Results[StepClassify][classifierAgent].Via)
	assert.Equal(t, "realtime", c.Results[StepDelegation]["cfo"].Via)
	require.Len(t, c.Results[StepSpecialists], 2)
	for _, r := range c.Results[StepSpecialists] {
		assert.Equal(t, "batch", r.Via)
		assert.Equal(t, "finance", r.Department)
	}
	assert.Equal(t, "check the balance sheet", c.Instructions["fin_analyst"])
	assert.NotContains(t, c.Instructions, "ghost")
	assert.Len(t, c.CustomIDMap, 4)
	// classify + 2 specialists + synthesis in batch, delegation realtime
	assert.InDelta(t, 0.006, c.TotalCostUSD, 1e-9)

	specs := h.openai.submittedFor(StepSpecialists)
	require.Len(t, specs, 1)
	assert.Contains(t, specs[0].Request.Messages[0].Content, "check the balance sheet")
	assert.Contains(t, specs[0].Request.Messages[0].Content, "next quarter")
	assert.Equal(t, 1024, specs[0].Request.MaxTokens)

	synth := h.anthropic.submittedFor(StepSynthesis)
	require.Len(t, synth, 1)
	assert.Contains(t, synth[0].Request.Messages[0].Content, "### fin_analyst")
	assert.Contains(t, synth[0].Request.Messages[0].Content, "### fin_quant")
	assert.Equal(t, 1, h.sink.count())

	outstanding, err := h.registry.Outstanding(context.Background())
	require.NoError(t, err)
	assert.Empty(t, outstanding)
}

func TestKeywordMatchSkipsClassifierBatch(t *testing.T) {
	h := newHarness(t)
	c := h.runToEnd(t, "is this stock a buy?", StartOptions{})
	assert.Equal(t, "finance", c.TargetID)
	assert.Equal(t, "keyword match", c.Reason)
	assert.Empty(t, h.openai.submittedFor(StepClassify))
	assert.Empty(t, c.Results[StepClassify])
}

func TestDeliveryHappensOnce(t *testing.T) {
	h := newHarness(t)
	c := h.runToEnd(t, "review the contract", StartOptions{})
	require.True(t, c.Delivered)
	ctx := context.Background()

	for i := 0; i < 7; i++ {
		_, err := h.orch.Deliver(ctx, c.ID)
		assert.ErrorIs(t, err, ErrAlreadyDelivered)
		require.NoError(t, h.orch.Run(ctx, c.ID))
		_, err = h.poller.Tick(ctx)
		require.NoError(t, err)
	}
	assert.Equal(t, 1, h.sink.count())
}

func TestZeroSpecialistsMatchesSkippedDelegation(t *testing.T) {
	h := newHarness(t)
	a := h.runToEnd(t, "draft an NDA", StartOptions{Department: "legal"})
	b := h.runToEnd(t, "draft an NDA", StartOptions{Department: "legal", SkipDelegation: true})
	require.Equal(t, StatusCompleted, a.Status)
	require.Equal(t, StatusCompleted, b.Status)

	synth := h.openai.submittedFor(StepSynthesis)
	require.Len(t, synth, 2)
	assert.Equal(t, synth[0].Request.System, synth[1].Request.System)
	assert.Equal(t, synth[0].Request.Messages, synth[1].Request.Messages)
	assert.Equal(t, "Command:\ndraft an NDA", synth[0].Request.Messages[0].Content)

	// no head call and no specialist batch for an empty department
	assert.Empty(t, h.openai.realtimeCalls())
	assert.Empty(t, h.openai.submittedFor(StepSpecialists))
	assert.Empty(t, a.Results[StepDelegation])
}

func TestBroadcastFansOutToEveryDepartment(t *testing.T) {
	h := newHarness(t)
	c := h.runToEnd(t, "quarterly all-hands summary", StartOptions{Mode: ModeBroadcast})

	assert.Equal(t, StatusCompleted, c.Status)
	assert.ElementsMatch(t, []string{"finance", "general", "legal"}, c.Targets)
	assert.Contains(t, c.Output, "## Finance")
	assert.Contains(t, c.Output, "## General")
	assert.Contains(t, c.Output, "## Legal")
	assert.Len(t, c.Results[StepSynthesis], 3)
	assert.Empty(t, h.openai.submittedFor(StepClassify))
}

func TestBroadcastKeepsEveryDepartmentsSpecialists(t *testing.T) {
	h := newHarnessWith(t, staticRoster{snap: loader.NewStaticRoster("general",
		loader.Department{ID: "finance", Head: "cfo", HeadModel: "claude-sonnet-4",
			Specialists: []loader.Specialist{{ID: "fin_analyst", Model: "gpt-4o"}}},
		loader.Department{ID: "legal", Head: "clo", HeadModel: "gpt-4o",
			Specialists: []loader.Specialist{{ID: "legal_analyst", Model: "gpt-4o"}}},
	)})
	c := h.runToEnd(t, "review the merger", StartOptions{Mode: ModeBroadcast})

	require.Equal(t, StatusCompleted, c.Status)
	require.Len(t, c.Results[StepSpecialists], 2)
	assert.Equal(t, "finance", c.Results[StepSpecialists]["fin_analyst"].Department)
	assert.Equal(t, "legal", c.Results[StepSpecialists]["legal_analyst"].Department)
	require.Len(t, c.Results[StepSynthesis], 2)
	assert.Equal(t, "finance", c.Results[StepSynthesis]["cfo"].Department)
	assert.Equal(t, "legal", c.Results[StepSynthesis]["clo"].Department)
}

func TestSpecialistBatchFailureFallsBackToRealtime(t *testing.T) {
	h := newHarness(t)
	h.openai.batchState = provider.BatchFailed
	c := h.runToEnd(t, "value the company", StartOptions{Department: "finance"})

	require.Equal(t, StatusCompleted, c.Status)
	assert.Equal(t, "realtime", c.Results[StepSpecialists]["fin_analyst"].Via)
	assert.Equal(t, "batch", c.Results[StepSpecialists]["fin_quant"].Via)
	assert.Contains(t, c.Label, "fallback")
	assert.Contains(t, c.Fallbacks, "specialists: 1 realtime")
	assert.NotEmpty(t, c.Failures)
}

func TestPartialSpecialistsAreLabelled(t *testing.T) {
	h := newHarness(t)
	h.openai.submitErr = errors.New("openai batch down")
	h.openai.completeErr = errors.New("openai down")
	c := h.runToEnd(t, "value the company", StartOptions{Department: "finance"})

	require.Equal(t, StatusCompleted, c.Status)
	assert.Contains(t, c.Label, "1 of 2 specialists responded")
	assert.Contains(t, c.Report(), "1 of 2 specialists responded")
	require.Len(t, c.Batches[StepSpecialists], 2)
}

func TestSynthesisFailureFailsChainVisibly(t *testing.T) {
	h := newHarness(t)
	h.anthropic.submitErr = errors.New("anthropic batch down")
	h.anthropic.completeErr = errors.New("anthropic down")
	c := h.runToEnd(t, "value the company", StartOptions{Department: "finance"})

	assert.Equal(t, StepFailed, c.Step)
	assert.Equal(t, StatusFailed, c.Status)
	assert.True(t, c.Delivered)
	assert.Contains(t, c.Error, "synthesis")
	assert.Contains(t, c.Error, "anthropic")
	require.Equal(t, 1, h.sink.count())
	assert.Contains(t, h.sink.events[0].Content, "failed")
}

func TestMalformedClassificationRoutesToDefault(t *testing.T) {
	h := newHarness(t)
	h.openai.reply = func(req provider.CompletionRequest) string {
		if req.System == classifySystem {
			return "I think finance, probably"
		}
		return defaultReply(req)
	}
	c := h.runToEnd(t, "what now?", StartOptions{})
	assert.Equal(t, "general", c.TargetID)
	assert.Equal(t, "unparseable classification", c.Reason)
	assert.Equal(t, StatusCompleted, c.Status)
}

func TestClassifierBatchFailureAsksRealtime(t *testing.T) {
	h := newHarness(t)
	h.openai.batchState = provider.BatchExpired
	c := h.runToEnd(t, "what now?", StartOptions{Department: ""})
	assert.Equal(t, "finance", c.TargetID)
	assert.Equal(t, "realtime", c.Results[StepClassify][classifierAgent].Via)
	assert.Contains(t, c.Fallbacks, "classify: realtime")
}

func TestResumeSettlesPendingChainWithoutBatch(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.orch.Create(ctx, "what now?", StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(ctx, c.ID))
	c, err = h.orch.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StatusPending, c.Status)
	require.Len(t, c.Batches[StepClassify], 1)

	// the handle went terminal without the chain hearing about it
	_, err = h.registry.Update(ctx, c.Batches[StepClassify][0].BatchID, func(x *batch.Handle) {
		x.Status = provider.BatchFailed
	})
	require.NoError(t, err)

	n, err := h.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)
	c = h.settle(t, c.ID)
	assert.Equal(t, StatusCompleted, c.Status)
	assert.Equal(t, "realtime", c.Results[StepClassify][classifierAgent].Via)
	assert.Equal(t, "batch no longer tracked", c.Failures[c.Batches[StepClassify][0].CustomIDs[0]])
}

func TestResumeLeavesPolledChainsAlone(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.orch.Create(ctx, "what now?", StartOptions{})
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(ctx, c.ID))

	n, err := h.orch.Resume(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
	c, err = h.orch.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, c.Status)
	assert.Empty(t, c.Failures)
}

func TestNoProviderCompletesThroughDefaultHandler(t *testing.T) {
	h := newHarness(t)
	h.openai.disabled = true
	h.anthropic.disabled = true
	c := h.runToEnd(t, "what now?", StartOptions{})

	assert.Equal(t, StatusCompleted, c.Status)
	assert.Equal(t, "general", c.TargetID)
	assert.Equal(t, "default handler", c.Label)
	assert.Contains(t, c.Output, "No model provider")
	assert.Equal(t, 1, h.sink.count())
}

func TestCancelStopsFurtherWork(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.orch.Create(ctx, "value the company", StartOptions{Department: "finance"})
	require.NoError(t, err)
	require.NoError(t, h.orch.Run(ctx, c.ID))

	c, err = h.orch.Get(ctx, c.ID)
	require.NoError(t, err)
	require.Equal(t, StepSpecialists, c.Step)
	require.Equal(t, StatusPending, c.Status)

	c, err = h.orch.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, c.Status)
	assert.True(t, c.Cancelled)
	assert.True(t, c.Delivered)

	again, err := h.orch.Cancel(ctx, c.ID)
	require.NoError(t, err)
	assert.Equal(t, c.Error, again.Error)

	more, err := h.poller.Tick(ctx)
	require.NoError(t, err)
	assert.False(t, more)

	c, err = h.orch.Get(ctx, c.ID)
	require.NoError(t, err)
	assert.Empty(t, c.Results[StepSpecialists])
	assert.Empty(t, h.anthropic.submittedFor(StepSynthesis))
	assert.Equal(t, 1, h.sink.count())
}

func TestCancelAfterDeliveryIsRejected(t *testing.T) {
	h := newHarness(t)
	c := h.runToEnd(t, "review the contract", StartOptions{})
	_, err := h.orch.Cancel(context.Background(), c.ID)
	assert.ErrorIs(t, err, ErrAlreadyDelivered)
}

func TestWaitReturnsOnDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	c, err := h.orch.Start(ctx, "review the contract", StartOptions{})
	require.NoError(t, err)

	done := make(chan Chain, 1)
	go func() {
		wctx, cancel := context.WithTimeout(ctx, 5*time.Second)
		defer cancel()
		got, err := h.orch.Wait(wctx, c.ID)
		if err == nil {
			done <- got
		}
		close(done)
	}()

	require.Eventually(t, func() bool {
		_, _ = h.poller.Tick(ctx)
		got, err := h.orch.Get(ctx, c.ID)
		return err == nil && got.Delivered
	}, 5*time.Second, 20*time.Millisecond)

	select {
	case got, ok := <-done:
		require.True(t, ok)
		assert.True(t, got.Delivered)
		assert.Equal(t, "legal", got.TargetID)
	case <-time.After(5 * time.Second):
		t.Fatal("wait did not return")
	}
}

func TestRecordKeepsFirstResult(t *testing.T) {
	var c Chain
	assert.True(t, c.Record(StepSpecialists, AgentResult{AgentID: "a", Content: "first", CostUSD: 0.5}))
	assert.False(t, c.Record(StepSpecialists, AgentResult{AgentID: "a", Content: "second", CostUSD: 0.5}))
	r, ok := c.Result(StepSpecialists, "a")
	require.True(t, ok)
	assert.Equal(t, "first", r.Content)
	assert.InDelta(t, 0.5, c.TotalCostUSD, 1e-12)
}

func TestRepositoryHistoryKeepsActiveChains(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(newMemSettings(), 3)
	clock := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	repo.nowFn = func() time.Time {
		clock = clock.Add(time.Minute)
		return clock
	}
	create := func(id string, deliver bool) {
		_, err := repo.Create(ctx, Chain{ID: id, Step: StepClassify, Status: StatusRunning})
		require.NoError(t, err)
		if deliver {
			_, err = repo.Update(ctx, id, func(c *Chain) error {
				c.Step, c.Status, c.Delivered = StepCompleted, StatusCompleted, true
				return nil
			})
			require.NoError(t, err)
		}
	}
	for _, id := range []string{"d1", "d2", "d3", "d4", "d5"} {
		create(id, true)
	}
	create("a1", false)
	create("a2", false)

	chains, err := repo.List(ctx, 0)
	require.NoError(t, err)
	var ids []string
	for _, c := range chains {
		ids = append(ids, c.ID)
	}
	assert.ElementsMatch(t, []string{"d5", "a1", "a2"}, ids)

	_, err = repo.Get(ctx, "d1")
	assert.ErrorIs(t, err, ErrChainNotFound)
}

func TestUpdateErrorLeavesChainUntouched(t *testing.T) {
	ctx := context.Background()
	repo := NewRepository(newMemSettings(), 0)
	_, err := repo.Create(ctx, Chain{ID: "c1", Step: StepClassify})
	require.NoError(t, err)
	_, err = repo.Update(ctx, "c1", func(c *Chain) error {
		c.Step = StepSynthesis
		return ErrStepMismatch
	})
	require.ErrorIs(t, err, ErrStepMismatch)
	c, err := repo.Get(ctx, "c1")
	require.NoError(t, err)
	assert.Equal(t, StepClassify, c.Step)
}

func TestParseInstructions(t *testing.T) {
	d := testRoster().snap
	fin, ok := d.Department("finance")
	require.True(t, ok)

	got := parseInstructions(fin, `{"fin_analyst":" look at margins ","fin_quant":42,"intruder":"no"}`)
	assert.Equal(t, map[string]string{"fin_analyst": "look at margins"}, got)
	assert.Empty(t, parseInstructions(fin, "no json here"))
}

func TestTickers(t *testing.T) {
	got := Tickers("삼성전자 005930 vs $aapl and nvda, again 005930", []string{"NVDA", "TSLA"})
	assert.Equal(t, []string{"005930", "AAPL", "NVDA"}, got)
	assert.Empty(t, Tickers("no symbols here", nil))
}

type capturedSignals struct{ in []trading.RecordInput }

func (c *capturedSignals) Record(_ context.Context, in trading.RecordInput) ([]trading.Outcome, error) {
	c.in = append(c.in, in)
	return nil, nil
}

func TestSignalSinkCreditsCitedToolsOnly(t *testing.T) {
	rec := &capturedSignals{}
	c := Chain{ID: "c1", Status: StatusCompleted, Output: "BUY AAPL", Results: map[Step]map[string]AgentResult{
		StepSpecialists: {
			"fin_analyst": {AgentID: "fin_analyst", Department: "finance", Content: "Margins hold.\nTools used: DART"},
			"fin_quant":   {AgentID: "fin_quant", Department: "finance", Content: "Momentum is strong.\nTools used: none"},
		},
	}}
	require.NoError(t, SignalSink(rec, testRoster()).Deliver(context.Background(), Delivery{Chain: c}))

	require.Len(t, rec.in, 1)
	specs := rec.in[0].Specialists
	require.Len(t, specs, 2)
	assert.Equal(t, "fin_analyst", specs[0].AgentID)
	assert.Equal(t, []string{"dart"}, specs[0].Tools)
	assert.Empty(t, specs[1].Tools)
}
