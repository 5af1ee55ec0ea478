package batch

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"corthex/internal/gateway/provider"

	"golang.org/x/sync/errgroup"
	"golang.org/x/sync/singleflight"
)

const maxCallbackAttempts = 3

var ErrExpired = errors.New("batch: expired before completion")

// Handler receives the outcome of handles registered under its owner name.
// Cancelled, when set, is asked before any provider call; a cancelled owner
// ref gets its handles closed without callbacks.
type Handler struct {
	OnComplete func(ctx context.Context, h Handle, results []provider.BatchItemResult) error
	OnFailed   func(ctx context.Context, h Handle, cause error) error
	Cancelled  func(ctx context.Context, ownerRef string) bool
}

// CostRecorder books spend retrieved through the batch path.
type CostRecorder interface {
	RecordBatchCost(providerID string, usd float64)
}

type PollObserver interface {
	PollTick(result string)
	HandleFinished(providerID, state string)
}

type PollerOptions struct {
	Interval time.Duration
	Costs    CostRecorder
	Observer PollObserver
}

// Poller is the supervisor of the single polling loop. The loop exits on its
// own once nothing is outstanding; EnsureRunning starts it again.
type Poller struct {
	registry *Registry
	source   ProviderSource
	opts     PollerOptions

	hmu      sync.RWMutex
	handlers map[string]Handler

	mu      sync.Mutex
	running bool
	baseCtx context.Context
	done    chan struct{}

	tickGroup singleflight.Group
	nowFn     func() time.Time
}

func NewPoller(registry *Registry, source ProviderSource, opts PollerOptions) *Poller {
	if opts.Interval <= 0 {
		opts.Interval = 60 * time.Second
	}
	return &Poller{
		registry: registry,
		source:   source,
		opts:     opts,
		handlers: make(map[string]Handler),
		baseCtx:  context.Background(),
		nowFn:    time.Now,
	}
}

func (p *Poller) RegisterHandler(owner string, h Handler) {
	p.hmu.Lock()
	p.handlers[owner] = h
	p.hmu.Unlock()
}

func (p *Poller) handler(owner string) (Handler, bool) {
	p.hmu.RLock()
	defer p.hmu.RUnlock()
	h, ok := p.handlers[owner]
	return h, ok
}

// Attach binds the loop to a process context. Loops started afterwards stop
// when ctx is done.
func (p *Poller) Attach(ctx context.Context) {
	if ctx == nil {
		return
	}
	p.mu.Lock()
	p.baseCtx = ctx
	p.mu.Unlock()
}

func (p *Poller) IsAlive() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.running
}

// EnsureRunning starts the loop if it is not already running.
func (p *Poller) EnsureRunning() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.running || p.baseCtx.Err() != nil {
		return
	}
	p.running = true
	p.done = make(chan struct{})
	go p.loop(p.baseCtx, p.done)
	log.Infof("poller started interval=%s", p.opts.Interval)
}

// Done returns a channel closed when the current loop exits, or nil when no
// loop is running.
func (p *Poller) Done() <-chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.running {
		return nil
	}
	return p.done
}

func (p *Poller) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	t := time.NewTicker(p.opts.Interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			p.stop("context done")
			return
		case <-t.C:
		}
		more, err := p.Tick(ctx)
		if err != nil {
			log.Warnf("poll tick: %v", err)
			continue
		}
		if !more && p.stopIfIdle(ctx) {
			return
		}
	}
}

func (p *Poller) stop(reason string) {
	p.mu.Lock()
	p.running = false
	p.mu.Unlock()
	log.Infof("poller stopped: %s", reason)
}

// stopIfIdle clears running only if the registry is still empty under the
// supervisor lock, so a submission racing with shutdown either sees the
// loop alive or starts a fresh one.
func (p *Poller) stopIfIdle(ctx context.Context) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	hs, err := p.registry.Outstanding(ctx)
	if err != nil || len(hs) > 0 {
		return false
	}
	p.running = false
	log.Infof("poller idle, stopping")
	return true
}

// Tick runs one polling pass. Concurrent callers share a single pass. The
// bool reports whether handles remain outstanding afterwards.
func (p *Poller) Tick(ctx context.Context) (bool, error) {
	v, err, _ := p.tickGroup.Do("tick", func() (any, error) {
		return p.tick(ctx)
	})
	if err != nil {
		return true, err
	}
	return v.(bool), nil
}

func (p *Poller) tick(ctx context.Context) (bool, error) {
	hs, err := p.registry.Outstanding(ctx)
	if err != nil {
		p.observeTick("error")
		return true, err
	}
	if len(hs) == 0 {
		p.observeTick("idle")
		return false, nil
	}
	// Unrelated owners run concurrently; one owner's handles run in order.
	var (
		order []string
		byRef = make(map[string][]Handle)
	)
	for _, h := range hs {
		key := h.Owner + "/" + h.OwnerRef
		if _, ok := byRef[key]; !ok {
			order = append(order, key)
		}
		byRef[key] = append(byRef[key], h)
	}
	var g errgroup.Group
	for _, key := range order {
		group := byRef[key]
		g.Go(func() error {
			for _, h := range group {
				p.checkSafe(ctx, h)
			}
			return nil
		})
	}
	_ = g.Wait()
	p.observeTick("ok")
	left, err := p.registry.Outstanding(ctx)
	if err != nil {
		return true, err
	}
	return len(left) > 0, nil
}

func (p *Poller) checkSafe(ctx context.Context, h Handle) {
	defer func() {
		if rec := recover(); rec != nil {
			log.Errorf("check batch %s panic: %v", h.BatchID, rec)
		}
	}()
	if err := p.check(ctx, h); err != nil {
		log.Warnf("check batch %s (%s/%s): %v", h.BatchID, h.Owner, h.OwnerRef, err)
	}
}

func (p *Poller) check(ctx context.Context, h Handle) error {
	hd, ok := p.handler(h.Owner)
	if !ok {
		return p.note(ctx, h, fmt.Errorf("no handler registered for owner %q", h.Owner))
	}
	if hd.Cancelled != nil && hd.Cancelled(ctx, h.OwnerRef) {
		log.Infof("batch %s: owner %s cancelled, no longer polled", h.BatchID, h.OwnerRef)
		return p.finish(ctx, h, provider.BatchFailed, "cancelled")
	}
	bp, ok := p.source.BatchFor(h.Provider)
	if !ok {
		return p.fail(ctx, hd, h, provider.BatchFailed, fmt.Errorf("%w: %s", ErrNotConfigured, h.Provider))
	}
	if !h.ExpiresAt.IsZero() && p.nowFn().After(h.ExpiresAt) {
		return p.fail(ctx, hd, h, provider.BatchExpired, ErrExpired)
	}
	st, err := bp.CheckBatch(ctx, h.BatchID)
	if err != nil {
		// transient: retried on the next tick
		return p.note(ctx, h, err)
	}
	switch st.State {
	case provider.BatchCompleted:
		return p.complete(ctx, hd, bp, h)
	case provider.BatchFailed, provider.BatchExpired:
		return p.fail(ctx, hd, h, st.State, fmt.Errorf("provider reported %s", st.State))
	default:
		if st.State == h.Status && (st.ExpiresAt.IsZero() || !h.ExpiresAt.IsZero()) {
			return nil
		}
		_, err := p.registry.Update(ctx, h.BatchID, func(x *Handle) {
			if st.State != "" {
				x.Status = st.State
			}
			if x.ExpiresAt.IsZero() && !st.ExpiresAt.IsZero() {
				x.ExpiresAt = st.ExpiresAt
			}
		})
		return err
	}
}

func (p *Poller) complete(ctx context.Context, hd Handler, bp provider.BatchProvider, h Handle) error {
	results, err := bp.RetrieveBatch(ctx, h.BatchID)
	if err != nil {
		return p.fail(ctx, hd, h, provider.BatchFailed, fmt.Errorf("retrieve: %w", err))
	}
	if !h.CostBooked {
		var total float64
		for _, r := range results {
			total += r.CostUSD
		}
		if p.opts.Costs != nil {
			p.opts.Costs.RecordBatchCost(h.Provider, total)
		}
		if h, err = p.registry.Update(ctx, h.BatchID, func(x *Handle) { x.CostBooked = true }); err != nil {
			return err
		}
	}
	if hd.OnComplete != nil {
		if err := hd.OnComplete(ctx, h, results); err != nil {
			return p.retryCallback(ctx, hd, h, err)
		}
	}
	log.Infof("batch %s (%s) completed with %d results", h.BatchID, h.Provider, len(results))
	return p.finish(ctx, h, provider.BatchCompleted, "")
}

// retryCallback keeps the handle outstanding until the owner accepts the
// results or runs out of attempts.
func (p *Poller) retryCallback(ctx context.Context, hd Handler, h Handle, cause error) error {
	h, err := p.registry.Update(ctx, h.BatchID, func(x *Handle) {
		x.Attempts++
		x.LastError = cause.Error()
	})
	if err != nil {
		return err
	}
	if h.Attempts < maxCallbackAttempts {
		return fmt.Errorf("result callback (attempt %d): %w", h.Attempts, cause)
	}
	return p.fail(ctx, hd, h, provider.BatchFailed, fmt.Errorf("result callback gave up: %w", cause))
}

// fail hands the failure to the owner before the handle turns terminal. A
// callback error keeps the handle outstanding so the next tick repeats it,
// up to maxCallbackAttempts.
func (p *Poller) fail(ctx context.Context, hd Handler, h Handle, state provider.BatchState, cause error) error {
	log.Warnf("batch %s (%s) %s: %v", h.BatchID, h.Provider, state, cause)
	if hd.OnFailed != nil {
		failed := h
		failed.Status = state
		if cbErr := hd.OnFailed(ctx, failed, cause); cbErr != nil {
			h, err := p.registry.Update(ctx, h.BatchID, func(x *Handle) {
				x.FailAttempts++
				x.LastError = cbErr.Error()
			})
			if err != nil {
				return err
			}
			if h.FailAttempts < maxCallbackAttempts {
				return fmt.Errorf("failure callback (attempt %d): %w", h.FailAttempts, cbErr)
			}
			log.Errorf("batch %s: failure callback gave up after %d attempts: %v", h.BatchID, h.FailAttempts, cbErr)
			if err := p.finish(ctx, h, state, cause.Error()); err != nil {
				return err
			}
			return fmt.Errorf("failure callback gave up: %w", cbErr)
		}
	}
	return p.finish(ctx, h, state, cause.Error())
}

func (p *Poller) finish(ctx context.Context, h Handle, state provider.BatchState, lastErr string) error {
	_, err := p.registry.Update(ctx, h.BatchID, func(x *Handle) {
		x.Status = state
		if lastErr != "" {
			x.LastError = lastErr
		}
	})
	if p.opts.Observer != nil {
		p.opts.Observer.HandleFinished(h.Provider, string(state))
	}
	return err
}

func (p *Poller) note(ctx context.Context, h Handle, cause error) error {
	if _, err := p.registry.Update(ctx, h.BatchID, func(x *Handle) { x.LastError = cause.Error() }); err != nil {
		return err
	}
	return cause
}

func (p *Poller) observeTick(result string) {
	if p.opts.Observer != nil {
		p.opts.Observer.PollTick(result)
	}
}
