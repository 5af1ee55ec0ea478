package batch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"corthex/internal/gateway/provider"
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

type fakeBatch struct {
	mu        sync.Mutex
	submitErr error
	seq       int
	items     map[string][]provider.BatchItem
	states    map[string]provider.BatchState
	checkErr  map[string]error
	panicOn   map[string]bool
}

func newFakeBatch() *fakeBatch {
	return &fakeBatch{
		items:    make(map[string][]provider.BatchItem),
		states:   make(map[string]provider.BatchState),
		checkErr: make(map[string]error),
		panicOn:  make(map[string]bool),
	}
}

func (f *fakeBatch) SupportsBatch() bool { return true }

func (f *fakeBatch) SubmitBatch(_ context.Context, items []provider.BatchItem) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.submitErr != nil {
		return "", f.submitErr
	}
	f.seq++
	id := fmt.Sprintf("b%d", f.seq)
	f.items[id] = items
	f.states[id] = provider.BatchProcessing
	return id, nil
}

func (f *fakeBatch) setState(id string, st provider.BatchState) {
	f.mu.Lock()
	f.states[id] = st
	f.mu.Unlock()
}

func (f *fakeBatch) CheckBatch(_ context.Context, id string) (provider.BatchStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.panicOn[id] {
		panic("boom")
	}
	if err := f.checkErr[id]; err != nil {
		return provider.BatchStatus{}, err
	}
	st, ok := f.states[id]
	if !ok {
		return provider.BatchStatus{}, errors.New("unknown batch")
	}
	return provider.BatchStatus{State: st, Total: len(f.items[id])}, nil
}

func (f *fakeBatch) RetrieveBatch(_ context.Context, id string) ([]provider.BatchItemResult, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]provider.BatchItemResult, 0, len(f.items[id]))
	for _, it := range f.items[id] {
		out = append(out, provider.BatchItemResult{CustomID: it.CustomID, Content: "ok:" + it.CustomID, CostUSD: 0.01})
	}
	return out, nil
}

type fakeSource map[string]provider.BatchProvider

func (s fakeSource) BatchFor(id string) (provider.BatchProvider, bool) {
	bp, ok := s[id]
	return bp, ok
}

type costSink struct {
	mu    sync.Mutex
	total map[string]float64
}

func (c *costSink) RecordBatchCost(id string, usd float64) {
	c.mu.Lock()
	if c.total == nil {
		c.total = make(map[string]float64)
	}
	c.total[id] += usd
	c.mu.Unlock()
}
