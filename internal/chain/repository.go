package chain

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"corthex/internal/store"
)

const (
	chainsKey         = "batch_chains"
	DefaultHistoryCap = 50
)

// Repository keeps every chain under one settings key. Writes are
// load-modify-save under a single mutex so a poller callback and a manual
// check never interleave on the same list.
type Repository struct {
	mu       sync.Mutex
	settings store.Settings
	cap      int
	nowFn    func() time.Time
}

func NewRepository(settings store.Settings, historyCap int) *Repository {
	if historyCap <= 0 {
		historyCap = DefaultHistoryCap
	}
	return &Repository{settings: settings, cap: historyCap, nowFn: time.Now}
}

func (r *Repository) load(ctx context.Context) ([]Chain, error) {
	var chains []Chain
	if _, err := r.settings.LoadSetting(ctx, chainsKey, &chains); err != nil {
		return nil, fmt.Errorf("load chains: %w", err)
	}
	return chains, nil
}

func (r *Repository) save(ctx context.Context, chains []Chain) error {
	if err := r.settings.SaveSetting(ctx, chainsKey, r.prune(chains)); err != nil {
		return fmt.Errorf("save chains: %w", err)
	}
	return nil
}

// prune keeps every undelivered chain plus the newest delivered ones up to
// the cap.
func (r *Repository) prune(chains []Chain) []Chain {
	if len(chains) <= r.cap {
		return chains
	}
	active := 0
	for _, c := range chains {
		if c.Active() {
			active++
		}
	}
	keepDone := r.cap - active
	if keepDone < 0 {
		keepDone = 0
	}
	done := make([]int, 0, len(chains)-active)
	for i, c := range chains {
		if !c.Active() {
			done = append(done, i)
		}
	}
	sort.SliceStable(done, func(a, b int) bool {
		return chains[done[a]].UpdatedAt.After(chains[done[b]].UpdatedAt)
	})
	drop := make(map[int]struct{}, len(done))
	for _, idx := range done[min(keepDone, len(done)):] {
		drop[idx] = struct{}{}
	}
	out := make([]Chain, 0, len(chains)-len(drop))
	for i, c := range chains {
		if _, ok := drop[i]; !ok {
			out = append(out, c)
		}
	}
	return out
}

func (r *Repository) Create(ctx context.Context, c Chain) (Chain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chains, err := r.load(ctx)
	if err != nil {
		return Chain{}, err
	}
	for _, existing := range chains {
		if existing.ID == c.ID {
			return Chain{}, fmt.Errorf("chain %s already exists", c.ID)
		}
	}
	now := r.nowFn().UTC()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now
	c.ensureMaps()
	chains = append(chains, c)
	if err := r.save(ctx, chains); err != nil {
		return Chain{}, err
	}
	return c, nil
}

func (r *Repository) Get(ctx context.Context, id string) (Chain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chains, err := r.load(ctx)
	if err != nil {
		return Chain{}, err
	}
	for _, c := range chains {
		if c.ID == id {
			c.ensureMaps()
			return c, nil
		}
	}
	return Chain{}, fmt.Errorf("%w: %s", ErrChainNotFound, id)
}

// List returns chains newest first, at most limit when limit > 0.
func (r *Repository) List(ctx context.Context, limit int) ([]Chain, error) {
	r.mu.Lock()
	chains, err := r.load(ctx)
	r.mu.Unlock()
	if err != nil {
		return nil, err
	}
	sort.SliceStable(chains, func(i, j int) bool { return chains[i].CreatedAt.After(chains[j].CreatedAt) })
	if limit > 0 && len(chains) > limit {
		chains = chains[:limit]
	}
	return chains, nil
}

// Update applies fn to a copy of the stored chain and saves it. When fn
// returns an error nothing is written and the error is returned with the
// unmodified chain.
func (r *Repository) Update(ctx context.Context, id string, fn func(*Chain) error) (Chain, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	chains, err := r.load(ctx)
	if err != nil {
		return Chain{}, err
	}
	for i := range chains {
		if chains[i].ID != id {
			continue
		}
		before := chains[i]
		work := chains[i]
		work.ensureMaps()
		if err := fn(&work); err != nil {
			return before, err
		}
		work.UpdatedAt = r.nowFn().UTC()
		chains[i] = work
		if err := r.save(ctx, chains); err != nil {
			return before, err
		}
		return work, nil
	}
	return Chain{}, fmt.Errorf("%w: %s", ErrChainNotFound, id)
}
