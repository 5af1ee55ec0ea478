package chain

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"corthex/internal/batch"
	"corthex/internal/config/loader"
	"corthex/internal/gateway/provider"
	"corthex/internal/logger"

	"github.com/google/uuid"
)

var log = logger.Named("chain")

// Owner is the batch handler name chains register with the poller.
const Owner = "chain"

// Models is the realtime side of the model router.
type Models interface {
	Ask(ctx context.Context, req provider.CompletionRequest) (provider.Completion, error)
	CheapestModel() (string, bool)
	DefaultModel() string
}

type Submitter interface {
	Submit(ctx context.Context, reqs []batch.Request) []batch.SubmitResult
}

type HandleStore interface {
	Add(ctx context.Context, handles ...batch.Handle) error
	Outstanding(ctx context.Context) ([]batch.Handle, error)
}

// Supervisor is the batch poller as seen by chains.
type Supervisor interface {
	RegisterHandler(owner string, h batch.Handler)
	EnsureRunning()
	Tick(ctx context.Context) (bool, error)
}

type Roster interface {
	Snapshot() loader.RosterSnapshot
}

// PromptContext supplies extra synthesis context for a command, such as the
// track record block and quant anchors.
type PromptContext interface {
	PromptContext(ctx context.Context, command string) (string, error)
}

type Observer interface {
	StageEntered(step string)
	Delivered(status string)
	Fallback(step string)
}

type Options struct {
	BatchExpiry time.Duration
	MaxTokens   int
	Context     PromptContext
	Observer    Observer
	Sinks       []Sink
}

// StartOptions tune one chain. Department pins the target and skips
// classification; SkipDelegation sends the command straight to synthesis.
type StartOptions struct {
	TaskID         string
	Mode           Mode
	Department     string
	SkipDelegation bool
}

type Orchestrator struct {
	repo      *Repository
	models    Models
	submitter Submitter
	handles   HandleStore
	poller    Supervisor
	roster    Roster
	opts      Options

	locks sync.Map

	wmu     sync.Mutex
	waiters map[string][]chan struct{}

	nowFn func() time.Time
}

func NewOrchestrator(repo *Repository, models Models, submitter Submitter, handles HandleStore, poller Supervisor, roster Roster, opts Options) *Orchestrator {
	if opts.BatchExpiry <= 0 {
		opts.BatchExpiry = 24 * time.Hour
	}
	o := &Orchestrator{
		repo:      repo,
		models:    models,
		submitter: submitter,
		handles:   handles,
		poller:    poller,
		roster:    roster,
		opts:      opts,
		waiters:   make(map[string][]chan struct{}),
		nowFn:     time.Now,
	}
	poller.RegisterHandler(Owner, batch.Handler{
		OnComplete: o.onBatchComplete,
		OnFailed:   o.onBatchFailed,
		Cancelled:  o.cancelled,
	})
	return o
}

// AddSink appends a delivery sink. Sinks added after deliveries started only
// see later chains.
func (o *Orchestrator) AddSink(s Sink) {
	if s != nil {
		o.opts.Sinks = append(o.opts.Sinks, s)
	}
}

func (o *Orchestrator) lock(id string) func() {
	v, _ := o.locks.LoadOrStore(id, &sync.Mutex{})
	mu := v.(*sync.Mutex)
	mu.Lock()
	return mu.Unlock
}

// Create persists a new chain without running it.
func (o *Orchestrator) Create(ctx context.Context, command string, so StartOptions) (Chain, error) {
	command = strings.TrimSpace(command)
	if command == "" {
		return Chain{}, errors.New("chain: empty command")
	}
	mode := so.Mode
	if mode == "" {
		mode = ModeSingle
	}
	if mode != ModeSingle && mode != ModeBroadcast {
		return Chain{}, fmt.Errorf("chain: unknown mode %q", mode)
	}
	c := Chain{
		ID:      NewChainID(o.nowFn()),
		TaskID:  strings.TrimSpace(so.TaskID),
		Command: command,
		Mode:    mode,
		Step:    StepClassify,
		Status:  StatusRunning,

		SkipDelegation: so.SkipDelegation,
	}
	if c.TaskID == "" {
		c.TaskID = uuid.NewString()
	}
	if so.Department != "" {
		d, ok := o.roster.Snapshot().Department(so.Department)
		if !ok {
			return Chain{}, fmt.Errorf("%w: %s", ErrUnknownDepartment, so.Department)
		}
		c.TargetID = d.ID
		c.Targets = []string{d.ID}
		c.Reason = "pinned"
	}
	c, err := o.repo.Create(ctx, c)
	if err != nil {
		return Chain{}, err
	}
	log.Infof("chain %s created mode=%s task=%s", c.ID, c.Mode, c.TaskID)
	o.observeStage(StepClassify)
	return c, nil
}

// Start creates a chain and drives it in the background. The returned chain
// is the freshly created record.
func (o *Orchestrator) Start(ctx context.Context, command string, so StartOptions) (Chain, error) {
	c, err := o.Create(ctx, command, so)
	if err != nil {
		return Chain{}, err
	}
	go func(id string) {
		if err := o.Run(context.WithoutCancel(ctx), id); err != nil {
			log.Errorf("chain %s: %v", id, err)
		}
	}(c.ID)
	return c, nil
}

// Run drives a chain until it waits on a batch or has been delivered.
func (o *Orchestrator) Run(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()
	return o.drive(ctx, id)
}

// Resume restarts every chain that was mid-stage when the process stopped.
// Chains waiting on an outstanding batch are left to the poller; pending
// chains with nothing left to poll have their open requests marked failed
// so the stage falls back to realtime.
func (o *Orchestrator) Resume(ctx context.Context) (int, error) {
	chains, err := o.repo.List(ctx, 0)
	if err != nil {
		return 0, err
	}
	hs, err := o.handles.Outstanding(ctx)
	if err != nil {
		return 0, err
	}
	polled := make(map[string]bool, len(hs))
	for _, h := range hs {
		if h.Owner == Owner {
			polled[h.OwnerRef] = true
		}
	}
	n := 0
	for _, c := range chains {
		if c.Delivered {
			continue
		}
		if c.Status == StatusPending {
			if polled[c.ID] {
				continue
			}
			if err := o.settleOrphaned(ctx, c.ID); err != nil {
				log.Warnf("resume chain %s: %v", c.ID, err)
				continue
			}
		}
		if err := o.Run(ctx, c.ID); err != nil {
			log.Warnf("resume chain %s: %v", c.ID, err)
			continue
		}
		n++
	}
	return n, nil
}

// settleOrphaned fails the unanswered requests of a pending chain whose
// batches are no longer tracked.
func (o *Orchestrator) settleOrphaned(ctx context.Context, id string) error {
	unlock := o.lock(id)
	defer unlock()
	_, err := o.repo.Update(ctx, id, func(c *Chain) error {
		if c.Status != StatusPending || c.Terminal() {
			return ErrStepMismatch
		}
		for _, cid := range c.stepIDs(c.Step) {
			if _, done := c.Result(c.Step, c.CustomIDMap[cid].AgentID); done {
				continue
			}
			if _, failed := c.Failures[cid]; !failed {
				c.Failures[cid] = "batch no longer tracked"
			}
		}
		c.Status = StatusRunning
		return nil
	})
	if errors.Is(err, ErrStepMismatch) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Warnf("chain %s: pending with no outstanding batch, falling back", id)
	return nil
}

func (o *Orchestrator) Get(ctx context.Context, id string) (Chain, error) {
	return o.repo.Get(ctx, id)
}

func (o *Orchestrator) List(ctx context.Context, limit int) ([]Chain, error) {
	return o.repo.List(ctx, limit)
}

// CheckNow runs one poller pass immediately.
func (o *Orchestrator) CheckNow(ctx context.Context) (bool, error) {
	return o.poller.Tick(ctx)
}

func (o *Orchestrator) drive(ctx context.Context, id string) error {
	for {
		c, err := o.repo.Get(ctx, id)
		if err != nil {
			return err
		}
		if c.Delivered {
			return nil
		}
		if c.Terminal() {
			if _, err := o.Deliver(ctx, id); err != nil && !errors.Is(err, ErrAlreadyDelivered) {
				return err
			}
			return nil
		}
		if c.Status == StatusPending {
			return nil
		}
		var stageErr error
		switch c.Step {
		case StepClassify:
			stageErr = o.classify(ctx, c)
		case StepDelegation:
			stageErr = o.delegate(ctx, c)
		case StepSpecialists:
			stageErr = o.runSpecialists(ctx, c)
		case StepSynthesis:
			stageErr = o.synthesize(ctx, c)
		default:
			stageErr = fmt.Errorf("unknown step %q", c.Step)
		}
		if stageErr == nil || errors.Is(stageErr, ErrStepMismatch) {
			continue
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err := o.failChain(ctx, id, c.Step, stageErr); err != nil && !errors.Is(err, ErrStepMismatch) {
			return err
		}
	}
}

// advance moves the stored chain from one step to the next and applies fn
// in the same write.
func (o *Orchestrator) advance(ctx context.Context, id string, from, to Step, fn func(*Chain)) error {
	_, err := o.repo.Update(ctx, id, func(c *Chain) error {
		if !c.advance(from, to) {
			return ErrStepMismatch
		}
		c.Status = StatusRunning
		if fn != nil {
			fn(c)
		}
		return nil
	})
	if err != nil {
		return err
	}
	log.Infof("chain %s %s -> %s", id, from, to)
	o.observeStage(to)
	return nil
}

func (o *Orchestrator) failChain(ctx context.Context, id string, step Step, cause error) error {
	_, err := o.repo.Update(ctx, id, func(c *Chain) error {
		if c.Terminal() || c.Delivered {
			return ErrStepMismatch
		}
		c.Step = StepFailed
		c.Status = StatusFailed
		c.Error = fmt.Sprintf("%s stage failed: %v", step, cause)
		return nil
	})
	if err != nil {
		return err
	}
	log.Errorf("chain %s failed at %s: %v", id, step, cause)
	o.observeStage(StepFailed)
	return nil
}

// Cancel marks a chain failed before delivery. Cancelling twice is a no-op;
// cancelling a delivered chain returns ErrAlreadyDelivered. In-flight batch
// jobs are left to finish on the provider side and are no longer polled.
func (o *Orchestrator) Cancel(ctx context.Context, id string) (Chain, error) {
	already := false
	_, err := o.repo.Update(ctx, id, func(c *Chain) error {
		if c.Cancelled {
			already = true
			return nil
		}
		if c.Delivered {
			return ErrAlreadyDelivered
		}
		c.Cancelled = true
		c.Step = StepFailed
		c.Status = StatusFailed
		c.Error = "cancelled by operator"
		return nil
	})
	if err != nil {
		return Chain{}, err
	}
	if !already {
		log.Infof("chain %s cancelled", id)
		o.observeStage(StepFailed)
		if _, err := o.Deliver(ctx, id); err != nil && !errors.Is(err, ErrAlreadyDelivered) {
			return Chain{}, err
		}
	}
	return o.repo.Get(ctx, id)
}

// Wait blocks until the chain is delivered or ctx is done.
func (o *Orchestrator) Wait(ctx context.Context, id string) (Chain, error) {
	ch := make(chan struct{})
	o.wmu.Lock()
	o.waiters[id] = append(o.waiters[id], ch)
	o.wmu.Unlock()
	defer o.dropWaiter(id, ch)

	c, err := o.repo.Get(ctx, id)
	if err != nil {
		return Chain{}, err
	}
	if c.Delivered {
		return c, nil
	}
	select {
	case <-ch:
		return o.repo.Get(ctx, id)
	case <-ctx.Done():
		return Chain{}, ctx.Err()
	}
}

func (o *Orchestrator) dropWaiter(id string, ch chan struct{}) {
	o.wmu.Lock()
	defer o.wmu.Unlock()
	list := o.waiters[id]
	for i, w := range list {
		if w == ch {
			list = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(list) == 0 {
		delete(o.waiters, id)
	} else {
		o.waiters[id] = list
	}
}

func (o *Orchestrator) wake(id string) {
	o.wmu.Lock()
	list := o.waiters[id]
	delete(o.waiters, id)
	o.wmu.Unlock()
	for _, ch := range list {
		close(ch)
	}
}

func (o *Orchestrator) cancelled(ctx context.Context, ref string) bool {
	c, err := o.repo.Get(ctx, ref)
	if errors.Is(err, ErrChainNotFound) {
		return true
	}
	if err != nil {
		return false
	}
	return c.Delivered || c.Terminal()
}

func (o *Orchestrator) onBatchComplete(ctx context.Context, h batch.Handle, results []provider.BatchItemResult) error {
	unlock := o.lock(h.OwnerRef)
	defer unlock()
	step := Step(h.Step)
	got := make(map[string]bool, len(results))
	settled := false
	_, err := o.repo.Update(ctx, h.OwnerRef, func(c *Chain) error {
		if c.Step != step || c.Terminal() {
			return ErrStepMismatch
		}
		for _, r := range results {
			ref, ok := c.CustomIDMap[r.CustomID]
			if !ok || ref.Step != step {
				log.Warnf("chain %s: result for unknown custom id %s", c.ID, r.CustomID)
				continue
			}
			got[r.CustomID] = true
			if r.Err != "" {
				if _, done := c.Result(step, ref.AgentID); !done {
					c.Failures[r.CustomID] = r.Err
				}
				continue
			}
			c.Record(step, AgentResult{
				AgentID:    ref.AgentID,
				Department: ref.Department,
				Content:    r.Content,
				Via:        "batch",
				CostUSD:    r.CostUSD,
				At:         o.nowFn().UTC(),
			})
		}
		for _, id := range h.CustomIDs {
			if got[id] {
				continue
			}
			if ref, ok := c.CustomIDMap[id]; ok {
				if _, done := c.Result(step, ref.AgentID); !done {
					c.Failures[id] = "missing from batch output"
				}
			}
		}
		settled = c.stepSettled(step)
		if settled {
			c.Status = StatusRunning
		}
		return nil
	})
	if errors.Is(err, ErrStepMismatch) {
		log.Infof("chain %s: stale %s batch %s ignored", h.OwnerRef, h.Step, h.BatchID)
		return nil
	}
	if errors.Is(err, ErrChainNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Infof("chain %s: batch %s (%s) delivered %d result(s) for %s", h.OwnerRef, h.BatchID, h.Provider, len(results), step)
	if settled {
		if err := o.drive(ctx, h.OwnerRef); err != nil {
			log.Errorf("chain %s: %v", h.OwnerRef, err)
		}
	}
	return nil
}

func (o *Orchestrator) onBatchFailed(ctx context.Context, h batch.Handle, cause error) error {
	unlock := o.lock(h.OwnerRef)
	defer unlock()
	step := Step(h.Step)
	settled := false
	_, err := o.repo.Update(ctx, h.OwnerRef, func(c *Chain) error {
		if c.Step != step || c.Terminal() {
			return ErrStepMismatch
		}
		for _, id := range h.CustomIDs {
			ref, ok := c.CustomIDMap[id]
			if !ok {
				continue
			}
			if _, done := c.Result(step, ref.AgentID); !done {
				c.Failures[id] = cause.Error()
			}
		}
		settled = c.stepSettled(step)
		if settled {
			c.Status = StatusRunning
		}
		return nil
	})
	if errors.Is(err, ErrStepMismatch) || errors.Is(err, ErrChainNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	log.Warnf("chain %s: %s batch %s (%s) failed: %v", h.OwnerRef, step, h.BatchID, h.Provider, cause)
	if settled {
		if err := o.drive(ctx, h.OwnerRef); err != nil {
			log.Errorf("chain %s: %v", h.OwnerRef, err)
		}
	}
	return nil
}

func (o *Orchestrator) observeStage(step Step) {
	if o.opts.Observer != nil {
		o.opts.Observer.StageEntered(string(step))
	}
}

func (o *Orchestrator) observeFallback(id string, step Step, detail string) {
	log.Warnf("chain %s: %s fallback: %s", id, step, detail)
	if o.opts.Observer != nil {
		o.opts.Observer.Fallback(string(step))
	}
}
