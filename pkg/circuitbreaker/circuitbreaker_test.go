package circuitbreaker

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

var errTimeout = errors.New("request timed out")

func failing(context.Context) error { return errTimeout }
func passing(context.Context) error { return nil }

func newTestBreaker(threshold int, timeout time.Duration) (*CircuitBreaker, *time.Time) {
	now := time.Unix(1000, 0)
	cb := New(Config{FailureThreshold: threshold, SuccessThreshold: 1, Timeout: timeout})
	cb.now = func() time.Time { return now }
	return cb, &now
}

func TestCircuitBreaker_OpensAfterThreshold(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, failing), errTimeout)
	}
	assert.Equal(t, StateOpen, cb.State())

	called := false
	err := cb.Execute(ctx, func(context.Context) error {
		called = true
		return nil
	})
	assert.ErrorIs(t, err, ErrOpen)
	assert.False(t, called)
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb, _ := newTestBreaker(3, time.Second)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)
	assert.NoError(t, cb.Execute(ctx, passing))
	_ = cb.Execute(ctx, failing)
	_ = cb.Execute(ctx, failing)

	assert.Equal(t, StateClosed, cb.State())
}

func TestCircuitBreaker_HalfOpenProbe(t *testing.T) {
	cb, now := newTestBreaker(1, time.Second)
	ctx := context.Background()

	var transitions []State
	cb.OnStateChange(func(_, to State) { transitions = append(transitions, to) })

	_ = cb.Execute(ctx, failing)
	assert.Equal(t, StateOpen, cb.State())

	*now = now.Add(2 * time.Second)
	assert.NoError(t, cb.Execute(ctx, passing))
	assert.Equal(t, StateClosed, cb.State())
	assert.Equal(t, []State{StateOpen, StateHalfOpen, StateClosed}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	cb, now := newTestBreaker(1, time.Second)
	ctx := context.Background()

	_ = cb.Execute(ctx, failing)
	*now = now.Add(2 * time.Second)
	_ = cb.Execute(ctx, failing)

	assert.Equal(t, StateOpen, cb.State())
}

func TestCircuitBreaker_IsFailureFilter(t *testing.T) {
	rejected := errors.New("rejected by server")
	cb := New(Config{
		FailureThreshold: 1,
		Timeout:          time.Second,
		IsFailure:        func(err error) bool { return errors.Is(err, errTimeout) },
	})

	assert.ErrorIs(t, cb.Execute(context.Background(), func(context.Context) error { return rejected }), rejected)
	assert.Equal(t, StateClosed, cb.State())
}

func TestState_String(t *testing.T) {
	assert.Equal(t, "closed", StateClosed.String())
	assert.Equal(t, "open", StateOpen.String())
	assert.Equal(t, "half-open", StateHalfOpen.String())
	assert.Equal(t, "unknown", State(9).String())
}
