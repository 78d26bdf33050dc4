package ratelimit

import (
	"context"
	"errors"
	"net"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap/zaptest"
)

type testClock struct {
	mu  sync.Mutex
	now time.Time
}

func newTestClock() *testClock {
	return &testClock{now: time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

// testEnv pairs a store with a clock that also drives store-side TTLs
type testEnv struct {
	clock *testClock
	store Store
	mr    *miniredis.Miniredis
}

func (e *testEnv) Advance(d time.Duration) {
	e.clock.Advance(d)
	if e.mr != nil {
		e.mr.FastForward(d)
	}
}

func newMemoryEnv(t *testing.T) *testEnv {
	clock := newTestClock()
	store := NewMemoryStore(0, WithMemoryClock(clock.Now))
	t.Cleanup(func() { _ = store.Close() })
	return &testEnv{clock: clock, store: store}
}

func newRedisEnv(t *testing.T) *testEnv {
	mr := miniredis.RunT(t)
	store := NewRedisStoreFromClient(redis.NewClient(&redis.Options{Addr: mr.Addr(), ContextTimeoutEnabled: true}))
	t.Cleanup(func() { _ = store.Close() })
	return &testEnv{clock: newTestClock(), store: store, mr: mr}
}

func forEachBackend(t *testing.T, fn func(t *testing.T, env *testEnv)) {
	t.Run("memory", func(t *testing.T) { fn(t, newMemoryEnv(t)) })
	t.Run("redis", func(t *testing.T) { fn(t, newRedisEnv(t)) })
}

func (e *testEnv) service(t *testing.T, opts ...Option) *Service {
	base := []Option{WithClock(e.clock.Now), WithStoreTimeout(2 * time.Second)}
	svc := NewService(e.store, NewCategoryRegistry(DefaultCategories()), zaptest.NewLogger(t), append(base, opts...)...)
	t.Cleanup(svc.Close)
	return svc
}

// unresponsiveRedis accepts connections and never answers, like a wedged
// server behind a live TCP stack.
func unresponsiveRedis(t *testing.T) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	var (
		mu    sync.Mutex
		conns []net.Conn
	)
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			mu.Lock()
			conns = append(conns, c)
			mu.Unlock()
		}
	}()
	t.Cleanup(func() {
		_ = ln.Close()
		mu.Lock()
		defer mu.Unlock()
		for _, c := range conns {
			_ = c.Close()
		}
	})
	return ln.Addr().String()
}

var errStoreDown = errors.New("dial tcp 127.0.0.1:6379: connect: connection refused")

// failingStore fails every call and counts how often it was reached
type failingStore struct {
	calls atomic.Int64
}

func (s *failingStore) fail() error {
	s.calls.Add(1)
	return errStoreDown
}

func (s *failingStore) SlidingWindow(context.Context, string, time.Time, time.Duration) (int64, error) {
	return 0, s.fail()
}
func (s *failingStore) WindowCount(context.Context, string, time.Time, time.Duration) (int64, error) {
	return 0, s.fail()
}
func (s *failingStore) Get(context.Context, string) ([]byte, error) { return nil, s.fail() }
func (s *failingStore) Set(context.Context, string, []byte, time.Duration) error {
	return s.fail()
}
func (s *failingStore) SetNX(context.Context, string, []byte, time.Duration) (bool, error) {
	return false, s.fail()
}
func (s *failingStore) Exists(context.Context, string) (bool, error)       { return false, s.fail() }
func (s *failingStore) TTL(context.Context, string) (time.Duration, error) { return 0, s.fail() }
func (s *failingStore) Del(context.Context, ...string) error               { return s.fail() }
func (s *failingStore) HIncrBy(context.Context, string, map[string]int64, time.Duration) error {
	return s.fail()
}
func (s *failingStore) HGetAll(context.Context, ...string) ([]map[string]string, error) {
	return nil, s.fail()
}
func (s *failingStore) Ping(context.Context) error { return s.fail() }
func (s *failingStore) Close() error               { return nil }

// eventRecorder captures security events delivered to subscribers
type eventRecorder struct {
	mu     sync.Mutex
	events []SecurityEvent
}

func (r *eventRecorder) HandleSecurityEvent(_ context.Context, ev *SecurityEvent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, *ev)
	return nil
}

func (r *eventRecorder) names() []SecurityEventName {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]SecurityEventName, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Event
	}
	return out
}

func clientRequest(ip string) RequestContext {
	return RequestContext{RemoteAddr: ip + ":51234", Path: "/api/items", Method: "GET", UserAgent: "Mozilla/5.0"}
}
