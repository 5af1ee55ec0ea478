package circuit

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBreakerTripsAndRecovers(t *testing.T) {
	now := time.Date(2026, 1, 2, 9, 0, 0, 0, time.UTC)
	cb := NewCircuitBreaker("anthropic", 2, time.Minute)
	cb.nowFn = func() time.Time { return now }
	cb.SetStateChangeHandler(func(string, State, State) {})

	boom := errors.New("boom")
	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	assert.Equal(t, StateClosed, cb.State())
	assert.ErrorIs(t, cb.Do(func() error { return boom }), boom)
	assert.Equal(t, StateOpen, cb.State())
	assert.ErrorIs(t, cb.Do(func() error { return nil }), ErrOpen)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, StateHalfOpen, cb.State())
	assert.True(t, cb.Allow())
	assert.False(t, cb.Allow(), "only one probe while half-open")
	cb.RecordSuccess()
	assert.Equal(t, StateClosed, cb.State())
}
