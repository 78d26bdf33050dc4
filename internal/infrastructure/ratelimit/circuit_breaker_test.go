package ratelimit

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"
)

func TestCircuitBreaker_StateMachine(t *testing.T) {
	clock := newTestClock()
	cb := NewCircuitBreaker(CircuitBreakerConfig{
		Name:            "test",
		MaxFailures:     3,
		OpenTimeout:     time.Second,
		MaxHalfOpenReqs: 2,
	}, zaptest.NewLogger(t))
	cb.now = clock.Now
	ctx := context.Background()

	fail := func(context.Context) error { return errStoreDown }
	succeed := func(context.Context) error { return nil }

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, cb.Execute(ctx, fail), errStoreDown)
	}
	assert.Equal(t, StateOpen, cb.GetState())

	err := cb.Execute(ctx, succeed)
	require.Error(t, err)
	assert.True(t, IsCircuitBreakerError(err))

	clock.Advance(time.Second)
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateHalfOpen, cb.GetState())
	require.NoError(t, cb.Execute(ctx, succeed))
	assert.Equal(t, StateClosed, cb.GetState())

	t.Run("half-open failure reopens", func(t *testing.T) {
		for i := 0; i < 3; i++ {
			_ = cb.Execute(ctx, fail)
		}
		clock.Advance(time.Second)
		assert.ErrorIs(t, cb.Execute(ctx, fail), errStoreDown)
		assert.Equal(t, StateOpen, cb.GetState())
	})

	t.Run("reset closes", func(t *testing.T) {
		cb.Reset()
		assert.Equal(t, StateClosed, cb.GetState())
		assert.NoError(t, cb.Execute(ctx, succeed))
	})
}

func TestCircuitBreaker_SuccessResetsFailureCount(t *testing.T) {
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 2}, zaptest.NewLogger(t))
	ctx := context.Background()

	_ = cb.Execute(ctx, func(context.Context) error { return errStoreDown })
	_ = cb.Execute(ctx, func(context.Context) error { return nil })
	_ = cb.Execute(ctx, func(context.Context) error { return errStoreDown })
	assert.Equal(t, StateClosed, cb.GetState())
}

func TestGuardedStore(t *testing.T) {
	env := newMemoryEnv(t)
	cb := NewCircuitBreaker(CircuitBreakerConfig{MaxFailures: 1}, zaptest.NewLogger(t))
	g := newGuardedStore(env.store, cb, time.Second)
	ctx := context.Background()

	t.Run("not found is not a failure", func(t *testing.T) {
		_, err := g.Get(ctx, "missing")
		assert.ErrorIs(t, err, ErrKeyNotFound)
		assert.False(t, errors.Is(err, ErrStoreUnavailable))
		assert.Equal(t, StateClosed, cb.GetState())
	})

	t.Run("failures are wrapped", func(t *testing.T) {
		failing := newGuardedStore(&failingStore{}, NewCircuitBreaker(CircuitBreakerConfig{}, zaptest.NewLogger(t)), time.Second)
		_, err := failing.SlidingWindow(ctx, "k", time.Now(), time.Minute)
		assert.ErrorIs(t, err, ErrStoreUnavailable)
	})

	t.Run("passes results through", func(t *testing.T) {
		ok, err := g.SetNX(ctx, "k", []byte("v"), time.Minute)
		require.NoError(t, err)
		assert.True(t, ok)
		b, err := g.Get(ctx, "k")
		require.NoError(t, err)
		assert.Equal(t, "v", string(b))
	})
}
