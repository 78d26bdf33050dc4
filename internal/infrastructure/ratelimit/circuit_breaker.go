// Package ratelimit provides circuit breaker functionality for the counter
// store so a dead backend trips quickly into fail-open behaviour.
package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
)

// CircuitBreakerState represents the state of a circuit breaker
type CircuitBreakerState int32

const (
	// StateClosed - normal operation, calls pass through
	StateClosed CircuitBreakerState = iota
	// StateOpen - calls are rejected without reaching the store
	StateOpen
	// StateHalfOpen - probing whether the store has recovered
	StateHalfOpen
)

func (s CircuitBreakerState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// CircuitBreakerConfig holds circuit breaker configuration
type CircuitBreakerConfig struct {
	Name            string        `yaml:"name" json:"name" mapstructure:"name"`
	MaxFailures     int           `yaml:"max_failures" json:"max_failures" mapstructure:"max_failures" validate:"gte=1"`
	OpenTimeout     time.Duration `yaml:"open_timeout" json:"open_timeout" mapstructure:"open_timeout" validate:"gt=0"`
	MaxHalfOpenReqs int           `yaml:"max_half_open_requests" json:"max_half_open_requests" mapstructure:"max_half_open_requests" validate:"gte=1"`
}

// DefaultCircuitBreakerConfig trips after five consecutive failures and
// retries after five seconds.
func DefaultCircuitBreakerConfig() CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:            "counter-store",
		MaxFailures:     5,
		OpenTimeout:     5 * time.Second,
		MaxHalfOpenReqs: 3,
	}
}

// CircuitBreaker implements the circuit breaker pattern
type CircuitBreaker struct {
	name            string
	maxFailures     int64
	openTimeout     time.Duration
	maxHalfOpenReqs int64
	now             func() time.Time

	state            int32 // CircuitBreakerState
	failureCount     int64
	lastFailureTime  int64 // Unix nano
	halfOpenCount    int64
	halfOpenSuccess  int64
	totalRequests    int64
	rejectedRequests int64
	failedRequests   int64

	logger *zap.Logger
}

// NewCircuitBreaker creates a new circuit breaker
func NewCircuitBreaker(config CircuitBreakerConfig, logger *zap.Logger) *CircuitBreaker {
	def := DefaultCircuitBreakerConfig()
	if config.MaxFailures <= 0 {
		config.MaxFailures = def.MaxFailures
	}
	if config.OpenTimeout <= 0 {
		config.OpenTimeout = def.OpenTimeout
	}
	if config.MaxHalfOpenReqs <= 0 {
		config.MaxHalfOpenReqs = def.MaxHalfOpenReqs
	}
	if config.Name == "" {
		config.Name = def.Name
	}
	return &CircuitBreaker{
		name:            config.Name,
		maxFailures:     int64(config.MaxFailures),
		openTimeout:     config.OpenTimeout,
		maxHalfOpenReqs: int64(config.MaxHalfOpenReqs),
		now:             time.Now,
		state:           int32(StateClosed),
		logger:          logger.Named("circuit_breaker"),
	}
}

// Execute runs fn with circuit breaker protection
func (cb *CircuitBreaker) Execute(ctx context.Context, fn func(context.Context) error) error {
	if !cb.allowRequest() {
		atomic.AddInt64(&cb.rejectedRequests, 1)
		return &CircuitBreakerError{
			State:   cb.GetState(),
			Message: fmt.Sprintf("circuit breaker %s is %s", cb.name, cb.GetState()),
		}
	}

	err := fn(ctx)
	if err != nil {
		cb.recordFailure()
	} else {
		cb.recordSuccess()
	}
	return err
}

func (cb *CircuitBreaker) allowRequest() bool {
	atomic.AddInt64(&cb.totalRequests, 1)

	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		return true

	case StateOpen:
		lastFailure := atomic.LoadInt64(&cb.lastFailureTime)
		if cb.now().UnixNano()-lastFailure < cb.openTimeout.Nanoseconds() {
			return false
		}
		if atomic.CompareAndSwapInt32(&cb.state, int32(StateOpen), int32(StateHalfOpen)) {
			atomic.StoreInt64(&cb.halfOpenCount, 0)
			atomic.StoreInt64(&cb.halfOpenSuccess, 0)
			cb.logger.Info("circuit breaker transitioning to half-open", zap.String("name", cb.name))
			storeBreakerState.WithLabelValues(cb.name).Set(float64(StateHalfOpen))
		}
		return atomic.AddInt64(&cb.halfOpenCount, 1) <= cb.maxHalfOpenReqs

	case StateHalfOpen:
		return atomic.AddInt64(&cb.halfOpenCount, 1) <= cb.maxHalfOpenReqs

	default:
		return false
	}
}

func (cb *CircuitBreaker) recordSuccess() {
	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		atomic.StoreInt64(&cb.failureCount, 0)
	case StateHalfOpen:
		if atomic.AddInt64(&cb.halfOpenSuccess, 1) >= cb.maxHalfOpenReqs {
			if atomic.CompareAndSwapInt32(&cb.state, int32(StateHalfOpen), int32(StateClosed)) {
				atomic.StoreInt64(&cb.failureCount, 0)
				cb.logger.Info("circuit breaker closed after successful half-open test",
					zap.String("name", cb.name))
				storeBreakerState.WithLabelValues(cb.name).Set(float64(StateClosed))
			}
		}
	}
}

func (cb *CircuitBreaker) recordFailure() {
	atomic.AddInt64(&cb.failedRequests, 1)
	failures := atomic.AddInt64(&cb.failureCount, 1)
	atomic.StoreInt64(&cb.lastFailureTime, cb.now().UnixNano())

	switch CircuitBreakerState(atomic.LoadInt32(&cb.state)) {
	case StateClosed:
		if failures >= cb.maxFailures &&
			atomic.CompareAndSwapInt32(&cb.state, int32(StateClosed), int32(StateOpen)) {
			cb.logger.Warn("circuit breaker opened due to failures",
				zap.String("name", cb.name),
				zap.Int64("failures", failures),
				zap.Int64("max_failures", cb.maxFailures))
			storeBreakerState.WithLabelValues(cb.name).Set(float64(StateOpen))
		}
	case StateHalfOpen:
		if atomic.CompareAndSwapInt32(&cb.state, int32(StateHalfOpen), int32(StateOpen)) {
			cb.logger.Warn("circuit breaker returned to open state during half-open test",
				zap.String("name", cb.name))
			storeBreakerState.WithLabelValues(cb.name).Set(float64(StateOpen))
		}
	}
}

// GetState returns the current state of the circuit breaker
func (cb *CircuitBreaker) GetState() CircuitBreakerState {
	return CircuitBreakerState(atomic.LoadInt32(&cb.state))
}

// CircuitBreakerMetrics is a point-in-time snapshot
type CircuitBreakerMetrics struct {
	Name             string `json:"name"`
	State            string `json:"state"`
	FailureCount     int64  `json:"failure_count"`
	TotalRequests    int64  `json:"total_requests"`
	RejectedRequests int64  `json:"rejected_requests"`
	FailedRequests   int64  `json:"failed_requests"`
}

// GetMetrics returns circuit breaker metrics
func (cb *CircuitBreaker) GetMetrics() CircuitBreakerMetrics {
	return CircuitBreakerMetrics{
		Name:             cb.name,
		State:            cb.GetState().String(),
		FailureCount:     atomic.LoadInt64(&cb.failureCount),
		TotalRequests:    atomic.LoadInt64(&cb.totalRequests),
		RejectedRequests: atomic.LoadInt64(&cb.rejectedRequests),
		FailedRequests:   atomic.LoadInt64(&cb.failedRequests),
	}
}

// Reset forces the breaker closed
func (cb *CircuitBreaker) Reset() {
	atomic.StoreInt32(&cb.state, int32(StateClosed))
	atomic.StoreInt64(&cb.failureCount, 0)
	atomic.StoreInt64(&cb.halfOpenCount, 0)
	atomic.StoreInt64(&cb.halfOpenSuccess, 0)
	storeBreakerState.WithLabelValues(cb.name).Set(float64(StateClosed))
	cb.logger.Info("circuit breaker reset", zap.String("name", cb.name))
}

// CircuitBreakerError is returned when the breaker rejects a call
type CircuitBreakerError struct {
	State   CircuitBreakerState
	Message string
}

func (e *CircuitBreakerError) Error() string {
	return e.Message
}

// IsCircuitBreakerError checks if an error is a circuit breaker error
func IsCircuitBreakerError(err error) bool {
	var cbErr *CircuitBreakerError
	return errors.As(err, &cbErr)
}

// guardedStore bounds every call with a timeout and routes it through the
// breaker. Failures come back wrapped in ErrStoreUnavailable.
type guardedStore struct {
	inner   Store
	breaker *CircuitBreaker
	timeout time.Duration
}

func newGuardedStore(inner Store, breaker *CircuitBreaker, timeout time.Duration) *guardedStore {
	return &guardedStore{inner: inner, breaker: breaker, timeout: timeout}
}

func (g *guardedStore) do(ctx context.Context, op string, fn func(context.Context) error) error {
	start := time.Now()
	var notFound bool
	err := g.breaker.Execute(ctx, func(ctx context.Context) error {
		if g.timeout > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, g.timeout)
			defer cancel()
		}
		err := fn(ctx)
		if errors.Is(err, ErrKeyNotFound) {
			notFound = true
			return nil
		}
		return err
	})
	storeLatency.WithLabelValues(op).Observe(time.Since(start).Seconds())
	if notFound && err == nil {
		return ErrKeyNotFound
	}
	if err != nil {
		storeErrors.WithLabelValues(op).Inc()
		return wrapStoreErr(op, err)
	}
	return nil
}

func (g *guardedStore) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration) (n int64, err error) {
	err = g.do(ctx, "sliding_window", func(ctx context.Context) error {
		n, err = g.inner.SlidingWindow(ctx, key, now, window)
		return err
	})
	return n, err
}

func (g *guardedStore) WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (n int64, err error) {
	err = g.do(ctx, "window_count", func(ctx context.Context) error {
		n, err = g.inner.WindowCount(ctx, key, now, window)
		return err
	})
	return n, err
}

func (g *guardedStore) Get(ctx context.Context, key string) (b []byte, err error) {
	err = g.do(ctx, "get", func(ctx context.Context) error {
		b, err = g.inner.Get(ctx, key)
		return err
	})
	return b, err
}

func (g *guardedStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return g.do(ctx, "set", func(ctx context.Context) error {
		return g.inner.Set(ctx, key, value, ttl)
	})
}

func (g *guardedStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (ok bool, err error) {
	err = g.do(ctx, "setnx", func(ctx context.Context) error {
		ok, err = g.inner.SetNX(ctx, key, value, ttl)
		return err
	})
	return ok, err
}

func (g *guardedStore) Exists(ctx context.Context, key string) (ok bool, err error) {
	err = g.do(ctx, "exists", func(ctx context.Context) error {
		ok, err = g.inner.Exists(ctx, key)
		return err
	})
	return ok, err
}

func (g *guardedStore) TTL(ctx context.Context, key string) (d time.Duration, err error) {
	err = g.do(ctx, "ttl", func(ctx context.Context) error {
		d, err = g.inner.TTL(ctx, key)
		return err
	})
	return d, err
}

func (g *guardedStore) Del(ctx context.Context, keys ...string) error {
	return g.do(ctx, "del", func(ctx context.Context) error {
		return g.inner.Del(ctx, keys...)
	})
}

func (g *guardedStore) HIncrBy(ctx context.Context, key string, fields map[string]int64, ttl time.Duration) error {
	return g.do(ctx, "hincrby", func(ctx context.Context) error {
		return g.inner.HIncrBy(ctx, key, fields, ttl)
	})
}

func (g *guardedStore) HGetAll(ctx context.Context, keys ...string) (out []map[string]string, err error) {
	err = g.do(ctx, "hgetall", func(ctx context.Context) error {
		out, err = g.inner.HGetAll(ctx, keys...)
		return err
	})
	return out, err
}

// Ping bypasses the breaker so health checks see the real backend.
func (g *guardedStore) Ping(ctx context.Context) error {
	return g.inner.Ping(ctx)
}

func (g *guardedStore) Close() error {
	return g.inner.Close()
}
