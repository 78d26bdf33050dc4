// slidingwindow.go: Log-based sliding window limiter over the counter store
package ratelimit

import (
	"context"
	"time"

	"go.uber.org/zap"
	"golang.org/x/time/rate"
)

// SlidingWindowLimiter admits at most MaxRequests events per key within
// any trailing Window. Every check records an event, admitted or not.
type SlidingWindowLimiter struct {
	store  Store
	keys   Keyspace
	now    func() time.Time
	logger *zap.Logger
	warn   *rate.Limiter
}

// NewSlidingWindowLimiter creates a limiter over store
func NewSlidingWindowLimiter(store Store, keys Keyspace, now func() time.Time, logger *zap.Logger) *SlidingWindowLimiter {
	if now == nil {
		now = time.Now
	}
	return &SlidingWindowLimiter{
		store:  store,
		keys:   keys,
		now:    now,
		logger: logger.Named("sliding_window"),
		warn:   newWarnSampler(),
	}
}

// newWarnSampler allows one fail-open warning per second with a small burst.
func newWarnSampler() *rate.Limiter {
	return rate.NewLimiter(rate.Every(time.Second), 5)
}

// Check consumes one slot for key. Store failures fail open and are never
// returned; the boolean reports whether the store was reached.
func (l *SlidingWindowLimiter) Check(ctx context.Context, key Key, cfg Config) (Result, bool) {
	now := l.now()
	reset := now.Add(cfg.Window)

	count, err := l.store.SlidingWindow(ctx, l.keys.Window(key), now, cfg.Window)
	if err != nil {
		if l.warn.Allow() {
			l.logger.Warn("rate limit store unavailable, failing open",
				zap.String("key", key.String()),
				zap.Error(err))
		}
		return Result{
			Allowed:         true,
			Limit:           cfg.MaxRequests,
			TotalHits:       0,
			RemainingPoints: max(cfg.MaxRequests-1, 0),
			ResetTime:       reset,
		}, false
	}

	res := Result{
		Limit:     cfg.MaxRequests,
		TotalHits: count + 1,
		ResetTime: reset,
	}
	if count >= int64(cfg.MaxRequests) {
		res.Allowed = false
		res.RemainingPoints = 0
		res.RetryAfter = time.Duration(ceilSeconds(cfg.Window)) * time.Second
		return res, true
	}
	res.Allowed = true
	res.RemainingPoints = cfg.MaxRequests - int(count+1)
	return res, true
}

// Count returns the live event count for key without recording one.
func (l *SlidingWindowLimiter) Count(ctx context.Context, key Key, cfg Config) (int64, error) {
	return l.store.WindowCount(ctx, l.keys.Window(key), l.now(), cfg.Window)
}

// Reset clears the window for key.
func (l *SlidingWindowLimiter) Reset(ctx context.Context, key Key) error {
	return l.store.Del(ctx, l.keys.Window(key))
}
