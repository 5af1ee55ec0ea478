package batch

import (
	"context"
	"fmt"

	"corthex/internal/gateway/provider"
	"corthex/internal/logger"
	"corthex/internal/router"
)

var log = logger.Named("batch")

// ProviderSource hands out the batch capability of a provider id.
type ProviderSource interface {
	BatchFor(providerID string) (provider.BatchProvider, bool)
}

type SubmitObserver interface {
	BatchSubmitted(providerID string, err error)
}

// Submitter partitions requests by provider and submits one batch per group.
// It persists nothing; callers register the returned handles.
type Submitter struct {
	source   ProviderSource
	observer SubmitObserver
}

func NewSubmitter(source ProviderSource, observer SubmitObserver) *Submitter {
	return &Submitter{source: source, observer: observer}
}

type group struct {
	provider string
	reqs     []Request
}

// Submit returns one entry per provider group plus one for unsupported
// models. Every input custom id appears in exactly one entry; duplicate ids
// after the first are dropped with a warning.
func (s *Submitter) Submit(ctx context.Context, reqs []Request) []SubmitResult {
	groups := partition(reqs)
	out := make([]SubmitResult, 0, len(groups))
	for _, g := range groups {
		ids := customIDs(g.reqs)
		if g.provider == UnsupportedProvider {
			log.Warnf("%d request(s) with unknown model prefix: %v", len(ids), ids)
			out = append(out, SubmitResult{Provider: UnsupportedProvider, CustomIDs: ids, Err: ErrUnsupportedModel})
			continue
		}
		res := SubmitResult{Provider: g.provider, CustomIDs: ids}
		res.BatchID, res.Err = s.submitGroup(ctx, g)
		if res.Err != nil {
			log.Warnf("submit %s batch (%d items) failed: %v", g.provider, len(ids), res.Err)
		} else {
			log.Infof("submitted %s batch %s with %d items", g.provider, res.BatchID, len(ids))
		}
		if s.observer != nil {
			s.observer.BatchSubmitted(g.provider, res.Err)
		}
		out = append(out, res)
	}
	return out
}

func (s *Submitter) submitGroup(ctx context.Context, g group) (id string, err error) {
	if s.source == nil {
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, g.provider)
	}
	bp, ok := s.source.BatchFor(g.provider)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrNotConfigured, g.provider)
	}
	items := make([]provider.BatchItem, 0, len(g.reqs))
	for _, r := range g.reqs {
		items = append(items, r.item())
	}
	defer func() {
		if rec := recover(); rec != nil {
			err = fmt.Errorf("submit %s panic: %v", g.provider, rec)
		}
	}()
	id, err = bp.SubmitBatch(ctx, items)
	if err == nil && id == "" {
		err = fmt.Errorf("submit %s: empty batch id", g.provider)
	}
	return id, err
}

// partition keeps the first-seen order of providers so results are stable.
func partition(reqs []Request) []group {
	var (
		order []string
		byID  = make(map[string]*group)
		seen  = make(map[string]struct{}, len(reqs))
	)
	for _, r := range reqs {
		if _, dup := seen[r.CustomID]; dup {
			log.Warnf("duplicate custom_id %q dropped", r.CustomID)
			continue
		}
		seen[r.CustomID] = struct{}{}
		pid, ok := router.ProviderFor(r.Model)
		if !ok {
			pid = UnsupportedProvider
		}
		g, ok := byID[pid]
		if !ok {
			g = &group{provider: pid}
			byID[pid] = g
			order = append(order, pid)
		}
		g.reqs = append(g.reqs, r)
	}
	out := make([]group, 0, len(order))
	for _, pid := range order {
		out = append(out, *byID[pid])
	}
	return out
}

func customIDs(reqs []Request) []string {
	out := make([]string, 0, len(reqs))
	for _, r := range reqs {
		out = append(out, r.CustomID)
	}
	return out
}
