package resilience

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCircuitBreaker_OpensAndRecovers(t *testing.T) {
	now := time.Now()
	var transitions []CircuitState
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		FailureThreshold: 2,
		ResetTimeout:     time.Minute,
		OnStateChange:    func(_, to CircuitState) { transitions = append(transitions, to) },
	})
	cb.now = func() time.Time { return now }

	fail := func(context.Context) error { return errors.New("down") }
	ok := func(context.Context) error { return nil }

	require.Error(t, cb.Execute(context.Background(), fail))
	require.Error(t, cb.Execute(context.Background(), fail))
	assert.Equal(t, CircuitOpen, cb.State())

	err := cb.Execute(context.Background(), ok)
	assert.ErrorIs(t, err, ErrCircuitOpen)
	assert.True(t, IsTransient(err))

	now = now.Add(2 * time.Minute)
	assert.Equal(t, CircuitHalfOpen, cb.State())
	require.NoError(t, cb.Execute(context.Background(), ok))
	assert.Equal(t, CircuitClosed, cb.State())
	assert.Equal(t, []CircuitState{CircuitOpen, CircuitHalfOpen, CircuitClosed}, transitions)
}

func TestCircuitBreaker_HalfOpenFailureReopens(t *testing.T) {
	now := time.Now()
	cb := NewCircuitBreaker(CircuitBreakerConfig{FailureThreshold: 1, ResetTimeout: time.Second})
	cb.now = func() time.Time { return now }

	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("x") })
	now = now.Add(2 * time.Second)
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("x") })
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestCircuitBreaker_ShouldTrip(t *testing.T) {
	cb := NewCircuitBreaker(FromCircuitConfig(1, 30))
	_ = cb.Execute(context.Background(), func(context.Context) error { return errors.New("not transient") })
	assert.Equal(t, CircuitClosed, cb.State())

	_ = cb.Execute(context.Background(), func(context.Context) error {
		return NewTransientError(errors.New("503"), 503)
	})
	assert.Equal(t, CircuitOpen, cb.State())
}

func TestExecuteVal(t *testing.T) {
	cb := NewCircuitBreaker(DefaultCircuitBreakerConfig())
	v, err := ExecuteVal(context.Background(), cb, func(context.Context) (int, error) { return 7, nil })
	require.NoError(t, err)
	assert.Equal(t, 7, v)
	assert.Equal(t, "closed", cb.State().String())
	assert.Equal(t, "unknown", CircuitState(9).String())
}
