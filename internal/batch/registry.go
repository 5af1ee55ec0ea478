package batch

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"corthex/internal/gateway/provider"
	"corthex/internal/store"
)

const (
	pendingKey       = "pending_batches"
	terminalRetained = 100
)

// Handle is the persisted record of one submitted provider batch. Owner
// names the registered result handler; OwnerRef is the handler's own key
// (a chain id for chains).
type Handle struct {
	BatchID      string              `json:"batch_id"`
	Provider     string              `json:"provider"`
	Status       provider.BatchState `json:"status"`
	CustomIDs    []string            `json:"custom_ids"`
	Owner        string              `json:"owner"`
	OwnerRef     string              `json:"owner_ref"`
	Step         string              `json:"step"`
	SubmittedAt  time.Time           `json:"submitted_at"`
	ExpiresAt    time.Time           `json:"expires_at,omitempty"`
	CostBooked   bool                `json:"cost_booked,omitempty"`
	Attempts     int                 `json:"attempts,omitempty"`
	FailAttempts int                 `json:"fail_attempts,omitempty"`
	LastError    string              `json:"last_error,omitempty"`
}

func (h Handle) Terminal() bool { return h.Status.Terminal() }

// Registry keeps handles under one settings key. All writes are
// load-modify-save under a single mutex.
type Registry struct {
	settings store.Settings
	mu       sync.Mutex
}

func NewRegistry(settings store.Settings) *Registry {
	return &Registry{settings: settings}
}

func (r *Registry) load(ctx context.Context) ([]Handle, error) {
	var hs []Handle
	if _, err := r.settings.LoadSetting(ctx, pendingKey, &hs); err != nil {
		return nil, fmt.Errorf("load pending batches: %w", err)
	}
	return hs, nil
}

func (r *Registry) save(ctx context.Context, hs []Handle) error {
	if err := r.settings.SaveSetting(ctx, pendingKey, prune(hs)); err != nil {
		return fmt.Errorf("save pending batches: %w", err)
	}
	return nil
}

// Add records new handles. A batch id already present is left unchanged.
func (r *Registry) Add(ctx context.Context, handles ...Handle) error {
	if len(handles) == 0 {
		return nil
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, err := r.load(ctx)
	if err != nil {
		return err
	}
	known := make(map[string]struct{}, len(hs))
	for _, h := range hs {
		known[h.BatchID] = struct{}{}
	}
	for _, h := range handles {
		if h.BatchID == "" {
			continue
		}
		if _, ok := known[h.BatchID]; ok {
			continue
		}
		if h.Status == "" {
			h.Status = provider.BatchPending
		}
		hs = append(hs, h)
		known[h.BatchID] = struct{}{}
	}
	return r.save(ctx, hs)
}

func (r *Registry) All(ctx context.Context) ([]Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.load(ctx)
}

// Outstanding returns handles that still need polling.
func (r *Registry) Outstanding(ctx context.Context) ([]Handle, error) {
	all, err := r.All(ctx)
	if err != nil {
		return nil, err
	}
	out := all[:0]
	for _, h := range all {
		if !h.Terminal() {
			out = append(out, h)
		}
	}
	return out, nil
}

// Update applies fn to the stored handle and returns the result.
func (r *Registry) Update(ctx context.Context, batchID string, fn func(*Handle)) (Handle, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	hs, err := r.load(ctx)
	if err != nil {
		return Handle{}, err
	}
	for i := range hs {
		if hs[i].BatchID != batchID {
			continue
		}
		fn(&hs[i])
		updated := hs[i]
		return updated, r.save(ctx, hs)
	}
	return Handle{}, fmt.Errorf("batch %s: %w", batchID, store.ErrNotFound)
}

// prune keeps every outstanding handle and the most recent terminal ones.
func prune(hs []Handle) []Handle {
	terminal := 0
	for _, h := range hs {
		if h.Terminal() {
			terminal++
		}
	}
	if terminal <= terminalRetained {
		return hs
	}
	sorted := append([]Handle(nil), hs...)
	sort.SliceStable(sorted, func(i, j int) bool { return sorted[i].SubmittedAt.After(sorted[j].SubmittedAt) })
	drop := make(map[string]struct{})
	kept := 0
	for _, h := range sorted {
		if !h.Terminal() {
			continue
		}
		if kept < terminalRetained {
			kept++
			continue
		}
		drop[h.BatchID] = struct{}{}
	}
	out := hs[:0]
	for _, h := range hs {
		if _, ok := drop[h.BatchID]; !ok {
			out = append(out, h)
		}
	}
	return out
}
