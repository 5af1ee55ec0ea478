package chain

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"corthex/internal/batch"
	"corthex/internal/config/loader"
	"corthex/internal/gateway/provider"
	"corthex/internal/pkg/jsonutil"
	"corthex/internal/router"

	"github.com/tidwall/gjson"
	"golang.org/x/sync/errgroup"
)

const (
	classifierAgent   = "classifier"
	realtimeLimit     = 4
	noProviderMessage = "No model provider is available. The command was logged for the %s department and will not be analysed automatically."
)

type member struct {
	d loader.Department
	s loader.Specialist
}

// stepItem is one request of a stage together with the agent it answers for.
type stepItem struct {
	ref CustomIDRef
	req batch.Request
}

// submitStep persists the custom id map, submits every item and registers
// the accepted handles with the poller. Items whose provider group failed
// are recorded as failures right away. The chain is left pending when at
// least one batch is outstanding.
func (o *Orchestrator) submitStep(ctx context.Context, c Chain, step Step, items []stepItem) error {
	reqs := make([]batch.Request, 0, len(items))
	refs := make(map[string]CustomIDRef, len(items))
	for _, it := range items {
		if it.req.MaxTokens == 0 {
			it.req.MaxTokens = o.opts.MaxTokens
		}
		reqs = append(reqs, it.req)
		refs[it.req.CustomID] = it.ref
	}
	results := o.submitter.Submit(ctx, reqs)

	now := o.nowFn().UTC()
	var handles []batch.Handle
	for _, res := range results {
		if !res.OK() {
			continue
		}
		handles = append(handles, batch.Handle{
			BatchID:     res.BatchID,
			Provider:    res.Provider,
			Status:      provider.BatchPending,
			CustomIDs:   res.CustomIDs,
			Owner:       Owner,
			OwnerRef:    c.ID,
			Step:        string(step),
			SubmittedAt: now,
			ExpiresAt:   now.Add(o.opts.BatchExpiry),
		})
	}
	_, err := o.repo.Update(ctx, c.ID, func(x *Chain) error {
		if x.Step != step || x.Terminal() {
			return ErrStepMismatch
		}
		for id, ref := range refs {
			x.CustomIDMap[id] = ref
		}
		for _, res := range results {
			ref := BatchRef{BatchID: res.BatchID, Provider: res.Provider, CustomIDs: res.CustomIDs}
			if !res.OK() {
				cause := res.Err
				if cause == nil {
					cause = errors.New("empty batch id")
				}
				ref.Error = cause.Error()
				for _, id := range res.CustomIDs {
					x.Failures[id] = fmt.Sprintf("submit to %s: %v", res.Provider, cause)
				}
			}
			x.Batches[step] = append(x.Batches[step], ref)
		}
		if len(handles) > 0 {
			x.Status = StatusPending
		}
		return nil
	})
	if err != nil {
		return err
	}
	if len(handles) == 0 {
		log.Warnf("chain %s: every %s submission failed", c.ID, step)
		return nil
	}
	if err := o.handles.Add(ctx, handles...); err != nil {
		// nothing will poll these; settle them as failures so the stage
		// falls back to realtime
		_, uerr := o.repo.Update(ctx, c.ID, func(x *Chain) error {
			for _, h := range handles {
				for _, id := range h.CustomIDs {
					x.Failures[id] = "register batch: " + err.Error()
				}
			}
			x.Status = StatusRunning
			return nil
		})
		return errors.Join(fmt.Errorf("register %s batches: %w", step, err), uerr)
	}
	log.Infof("chain %s: %s submitted %d request(s) in %d batch(es)", c.ID, step, len(items), len(handles))
	o.poller.EnsureRunning()
	return nil
}

// ask is the realtime path used by delegation and by every fallback.
func (o *Orchestrator) ask(ctx context.Context, c Chain, step Step, agentID, dept, model, system, user string) (AgentResult, error) {
	if strings.TrimSpace(model) == "" {
		model = o.models.DefaultModel()
	}
	comp, err := o.models.Ask(ctx, provider.CompletionRequest{
		Model:     model,
		System:    system,
		Messages:  []provider.Message{{Role: "user", Content: user}},
		MaxTokens: o.opts.MaxTokens,
		Purpose:   fmt.Sprintf("%s/%s/%s", c.ID, step, agentID),
	})
	if err != nil {
		return AgentResult{}, fmt.Errorf("%s via %s: %w", agentID, providerName(model), err)
	}
	return AgentResult{
		AgentID:    agentID,
		Department: dept,
		Content:    comp.Content,
		Model:      comp.Model,
		Via:        "realtime",
		CostUSD:    comp.CostUSD,
		At:         o.nowFn().UTC(),
	}, nil
}

func providerName(model string) string {
	if id, ok := router.ProviderFor(model); ok {
		return id
	}
	return "model " + model
}

// targets resolves the chain's departments against the current roster.
// Departments removed since classification fall back to the default.
func (o *Orchestrator) targets(snap loader.RosterSnapshot, c Chain) []loader.Department {
	var out []loader.Department
	for _, id := range c.Targets {
		if d, ok := snap.Department(id); ok {
			out = append(out, d)
		}
	}
	if len(out) == 0 {
		out = append(out, snap.Default())
	}
	return out
}

func (o *Orchestrator) classify(ctx context.Context, c Chain) error {
	snap := o.roster.Snapshot()
	if len(c.stepIDs(StepClassify)) > 0 {
		return o.collectClassification(ctx, c, snap)
	}
	if c.Mode == ModeBroadcast {
		var ids []string
		for _, d := range snap.Departments() {
			ids = append(ids, d.ID)
		}
		if len(ids) == 0 {
			ids = []string{snap.Default().ID}
		}
		return o.routeTo(ctx, c, ids, "broadcast")
	}
	if len(c.Targets) > 0 {
		return o.routeTo(ctx, c, c.Targets, c.Reason)
	}
	if d, ok := snap.MatchKeywords(c.Command); ok {
		return o.routeTo(ctx, c, []string{d.ID}, "keyword match")
	}
	model, ok := o.models.CheapestModel()
	if !ok {
		return o.completeWithoutProvider(ctx, c, snap.Default())
	}
	cid := batch.NewCustomID(string(StepClassify), c.ID)
	return o.submitStep(ctx, c, StepClassify, []stepItem{{
		ref: CustomIDRef{AgentID: classifierAgent, Step: StepClassify},
		req: batch.Request{
			CustomID:     cid,
			Message:      classifyPrompt(c.Command, snap.Departments()),
			SystemPrompt: classifySystem,
			Model:        model,
			MaxTokens:    256,
		},
	}})
}

func (o *Orchestrator) collectClassification(ctx context.Context, c Chain, snap loader.RosterSnapshot) error {
	res, ok := c.Result(StepClassify, classifierAgent)
	var realtime *AgentResult
	if !ok {
		o.observeFallback(c.ID, StepClassify, "batch failed, asking in realtime")
		model, has := o.models.CheapestModel()
		if has {
			r, err := o.ask(ctx, c, StepClassify, classifierAgent, "", model, classifySystem, classifyPrompt(c.Command, snap.Departments()))
			if err == nil {
				res, ok, realtime = r, true, &r
			} else {
				log.Warnf("chain %s: realtime classification failed: %v", c.ID, err)
			}
		}
	}
	dept, reason := snap.Default(), "classification unavailable"
	if ok {
		dept, reason = parseClassification(snap, res.Content)
	}
	return o.advance(ctx, c.ID, StepClassify, StepDelegation, func(x *Chain) {
		if realtime != nil {
			x.Record(StepClassify, *realtime)
			x.Fallbacks = append(x.Fallbacks, "classify: realtime")
		}
		x.TargetID = dept.ID
		x.Targets = []string{dept.ID}
		x.Reason = reason
	})
}

// parseClassification reads {"agent_id", "reason"}. Anything unusable
// routes to the default department.
func parseClassification(snap loader.RosterSnapshot, content string) (loader.Department, string) {
	raw, ok := jsonutil.ExtractObject(content)
	if !ok || !gjson.Valid(raw) {
		return snap.Default(), "unparseable classification"
	}
	id := gjson.Get(raw, "agent_id").String()
	d, ok := snap.Department(id)
	if !ok {
		return snap.Default(), fmt.Sprintf("unknown department %q", id)
	}
	reason := strings.TrimSpace(gjson.Get(raw, "reason").String())
	if reason == "" {
		reason = "classified"
	}
	return d, reason
}

func (o *Orchestrator) routeTo(ctx context.Context, c Chain, ids []string, reason string) error {
	return o.advance(ctx, c.ID, StepClassify, StepDelegation, func(x *Chain) {
		x.Targets = append([]string(nil), ids...)
		x.TargetID = strings.Join(ids, ",")
		x.Reason = reason
	})
}

// completeWithoutProvider finishes the chain through the default handler
// when no model can be reached at all.
func (o *Orchestrator) completeWithoutProvider(ctx context.Context, c Chain, def loader.Department) error {
	o.observeFallback(c.ID, StepClassify, "no provider available")
	now := o.nowFn().UTC()
	_, err := o.repo.Update(ctx, c.ID, func(x *Chain) error {
		if x.Step != StepClassify {
			return ErrStepMismatch
		}
		x.TargetID = def.ID
		x.Targets = []string{def.ID}
		x.Reason = "no provider available"
		x.Step = StepCompleted
		x.Status = StatusCompleted
		x.Output = fmt.Sprintf(noProviderMessage, nameOr(def.Name, def.ID))
		x.Label = "default handler"
		x.Fallbacks = append(x.Fallbacks, "classify: default handler")
		x.CompletedAt = &now
		return nil
	})
	if err == nil {
		o.observeStage(StepCompleted)
	}
	return err
}

func (o *Orchestrator) delegate(ctx context.Context, c Chain) error {
	if c.SkipDelegation {
		return o.advance(ctx, c.ID, StepDelegation, StepSynthesis, nil)
	}
	depts := o.targets(o.roster.Snapshot(), c)
	type delegation struct {
		result       AgentResult
		instructions map[string]string
	}
	var (
		mu  sync.Mutex
		out []delegation
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(realtimeLimit)
	for _, d := range depts {
		if len(d.Specialists) == 0 {
			log.Infof("chain %s: %s has no specialists, delegation skipped", c.ID, d.ID)
			continue
		}
		d := d
		g.Go(func() error {
			res, err := o.ask(gctx, c, StepDelegation, d.Head, d.ID, d.HeadModel, delegationSystem(d), delegationPrompt(d, c.Command))
			if err != nil {
				// specialists still get the original command
				log.Warnf("chain %s: delegation for %s failed: %v", c.ID, d.ID, err)
				return nil
			}
			ins := parseInstructions(d, res.Content)
			mu.Lock()
			out = append(out, delegation{result: res, instructions: ins})
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return o.advance(ctx, c.ID, StepDelegation, StepSpecialists, func(x *Chain) {
		for _, dl := range out {
			x.Record(StepDelegation, dl.result)
			for id, text := range dl.instructions {
				if _, exists := x.Instructions[id]; !exists {
					x.Instructions[id] = text
				}
			}
		}
	})
}

// parseInstructions reads a specialist id -> instruction object. Unknown ids
// are ignored and malformed output yields an empty map.
func parseInstructions(d loader.Department, content string) map[string]string {
	out := make(map[string]string)
	raw, ok := jsonutil.ExtractObject(content)
	if !ok || !gjson.Valid(raw) {
		return out
	}
	known := make(map[string]bool, len(d.Specialists))
	for _, s := range d.Specialists {
		known[s.ID] = true
	}
	gjson.Parse(raw).ForEach(func(key, value gjson.Result) bool {
		id := strings.TrimSpace(key.String())
		text := strings.TrimSpace(value.String())
		if known[id] && value.Type == gjson.String && text != "" {
			out[id] = text
		}
		return true
	})
	return out
}

func (o *Orchestrator) runSpecialists(ctx context.Context, c Chain) error {
	depts := o.targets(o.roster.Snapshot(), c)
	if len(c.stepIDs(StepSpecialists)) > 0 {
		return o.collectSpecialists(ctx, c, depts)
	}
	var items []stepItem
	for _, d := range depts {
		for _, s := range d.Specialists {
			items = append(items, stepItem{
				ref: CustomIDRef{AgentID: s.ID, Department: d.ID, Step: StepSpecialists},
				req: batch.Request{
					CustomID:     batch.NewCustomID(string(StepSpecialists), s.ID),
					Message:      specialistPrompt(c.Instructions[s.ID], c.Command),
					SystemPrompt: specialistSystem(d, s),
					Model:        s.Model,
				},
			})
		}
	}
	if len(items) == 0 {
		log.Infof("chain %s: no specialists, passing command to synthesis", c.ID)
		return o.advance(ctx, c.ID, StepSpecialists, StepSynthesis, nil)
	}
	return o.submitStep(ctx, c, StepSpecialists, items)
}

// collectSpecialists retries every specialist whose batch failed through a
// realtime call. Specialists that still fail are left out of synthesis.
func (o *Orchestrator) collectSpecialists(ctx context.Context, c Chain, depts []loader.Department) error {
	byID := make(map[string]member)
	for _, d := range depts {
		for _, s := range d.Specialists {
			byID[s.ID] = member{d, s}
		}
	}
	var (
		mu        sync.Mutex
		recovered []AgentResult
	)
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(realtimeLimit)
	for _, cid := range sortedIDs(c.stepIDs(StepSpecialists)) {
		ref := c.CustomIDMap[cid]
		if _, ok := c.Result(StepSpecialists, ref.AgentID); ok {
			continue
		}
		entry, known := byID[ref.AgentID]
		if !known {
			continue
		}
		o.observeFallback(c.ID, StepSpecialists, fmt.Sprintf("%s: %s", ref.AgentID, c.Failures[cid]))
		g.Go(func() error {
			res, err := o.ask(gctx, c, StepSpecialists, entry.s.ID, entry.d.ID, entry.s.Model,
				specialistSystem(entry.d, entry.s), specialistPrompt(c.Instructions[entry.s.ID], c.Command))
			if err != nil {
				log.Warnf("chain %s: specialist %s unavailable: %v", c.ID, entry.s.ID, err)
				return nil
			}
			mu.Lock()
			recovered = append(recovered, res)
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()
	return o.advance(ctx, c.ID, StepSpecialists, StepSynthesis, func(x *Chain) {
		for _, r := range recovered {
			x.Record(StepSpecialists, r)
		}
		if len(recovered) > 0 {
			x.Fallbacks = append(x.Fallbacks, fmt.Sprintf("specialists: %d realtime", len(recovered)))
		}
	})
}

func (o *Orchestrator) synthesisItem(c Chain, d loader.Department, extra string) stepItem {
	var results []AgentResult
	for _, r := range c.Results[StepSpecialists] {
		if r.Department == d.ID {
			results = append(results, r)
		}
	}
	model := d.HeadModel
	if model == "" {
		model = o.models.DefaultModel()
	}
	return stepItem{
		ref: CustomIDRef{AgentID: d.Head, Department: d.ID, Step: StepSynthesis},
		req: batch.Request{
			CustomID:     batch.NewCustomID(string(StepSynthesis), d.ID),
			Message:      SynthesisPrompt(c.Command, results, extra),
			SystemPrompt: synthesisSystem(d),
			Model:        model,
		},
	}
}

func (o *Orchestrator) promptContext(ctx context.Context, c Chain) string {
	if o.opts.Context == nil {
		return ""
	}
	extra, err := o.opts.Context.PromptContext(ctx, c.Command)
	if err != nil {
		log.Warnf("chain %s: synthesis context: %v", c.ID, err)
		return ""
	}
	return extra
}

func (o *Orchestrator) synthesize(ctx context.Context, c Chain) error {
	depts := o.targets(o.roster.Snapshot(), c)
	if len(c.stepIDs(StepSynthesis)) > 0 {
		return o.collectSynthesis(ctx, c, depts)
	}
	extra := o.promptContext(ctx, c)
	items := make([]stepItem, 0, len(depts))
	for _, d := range depts {
		items = append(items, o.synthesisItem(c, d, extra))
	}
	return o.submitStep(ctx, c, StepSynthesis, items)
}

// collectSynthesis asks every head without a batch result once, in order.
// The chain fails only when no head produced a report.
func (o *Orchestrator) collectSynthesis(ctx context.Context, c Chain, depts []loader.Department) error {
	var (
		recovered []AgentResult
		causes    []string
		extra     string
		haveExtra bool
	)
	for _, d := range depts {
		if _, ok := c.Result(StepSynthesis, d.Head); ok {
			continue
		}
		if !haveExtra {
			extra, haveExtra = o.promptContext(ctx, c), true
		}
		o.observeFallback(c.ID, StepSynthesis, d.Head)
		it := o.synthesisItem(c, d, extra)
		res, err := o.ask(ctx, c, StepSynthesis, d.Head, d.ID, it.req.Model, it.req.SystemPrompt, it.req.Message)
		if err != nil {
			causes = append(causes, err.Error())
			continue
		}
		recovered = append(recovered, res)
	}
	have := len(c.Results[StepSynthesis]) + len(recovered)
	if have == 0 {
		return fmt.Errorf("%w: %s", ErrSynthesisFailed, strings.Join(causes, "; "))
	}
	now := o.nowFn().UTC()
	return o.advance(ctx, c.ID, StepSynthesis, StepCompleted, func(x *Chain) {
		for _, r := range recovered {
			x.Record(StepSynthesis, r)
		}
		if len(recovered) > 0 {
			x.Fallbacks = append(x.Fallbacks, fmt.Sprintf("synthesis: %d realtime", len(recovered)))
		}
		x.Status = StatusCompleted
		x.Output = composeOutput(*x, depts)
		x.Label = composeLabel(*x, depts)
		x.CompletedAt = &now
	})
}

// composeOutput is the single head report, or every department's report
// in roster order for broadcasts.
func composeOutput(c Chain, depts []loader.Department) string {
	if len(depts) == 1 {
		r, _ := c.Result(StepSynthesis, depts[0].Head)
		return strings.TrimSpace(r.Content)
	}
	var b strings.Builder
	for _, d := range depts {
		r, ok := c.Result(StepSynthesis, d.Head)
		if !ok {
			continue
		}
		if b.Len() > 0 {
			b.WriteString("\n\n")
		}
		fmt.Fprintf(&b, "## %s\n%s", nameOr(d.Name, d.ID), strings.TrimSpace(r.Content))
	}
	return b.String()
}

func composeLabel(c Chain, depts []loader.Department) string {
	var parts []string
	expected := 0
	for _, d := range depts {
		expected += len(d.Specialists)
	}
	if got := len(c.Results[StepSpecialists]); got < expected && !c.SkipDelegation {
		parts = append(parts, fmt.Sprintf("%d of %d specialists responded", got, expected))
	}
	heads := 0
	for _, d := range depts {
		if _, ok := c.Result(StepSynthesis, d.Head); ok {
			heads++
		}
	}
	if heads < len(depts) {
		parts = append(parts, fmt.Sprintf("%d of %d departments reported", heads, len(depts)))
	}
	for _, f := range c.Fallbacks {
		if strings.Contains(f, "realtime") || strings.Contains(f, "default handler") {
			parts = append(parts, "fallback")
			break
		}
	}
	return strings.Join(parts, "; ")
}

func sortedIDs(ids []string) []string {
	sort.Strings(ids)
	return ids
}
