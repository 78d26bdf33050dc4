// Package ratelimit provides monitoring and observability for the rate
// limiting engine: prometheus metrics and health checks.
package ratelimit

import (
	"context"
	"net/http"
	"sync"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const metricsNamespace = "ratewarden"

var (
	// Decision metrics
	rateLimitDecisions = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "decisions_total",
			Help:      "Rate limit decisions by category and outcome",
		},
		[]string{"category", "result"}, // "allowed", "limited", "blocked", "fail_open"
	)

	rateLimitLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "check_duration_seconds",
			Help:      "Time spent deciding a rate limit check",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5},
		},
		[]string{"category"},
	)

	blocksCreated = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "blocks_created_total",
			Help:      "Blocks created by source",
		},
		[]string{"category", "source"}, // "exceeded", "manual", "attack"
	)

	attackPatternsDetected = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "detector",
			Name:      "patterns_total",
			Help:      "Attack patterns detected by type and severity",
		},
		[]string{"type", "severity"},
	)

	// Store metrics
	storeErrors = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "ratelimit",
			Name:      "store_errors_total",
			Help:      "Counter store failures by operation",
		},
		[]string{"operation"},
	)

	storeLatency = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "operation_duration_seconds",
			Help:      "Counter store operation latency",
			Buckets:   []float64{0.0005, 0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25},
		},
		[]string{"operation"},
	)

	storeBreakerState = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "store",
			Name:      "circuit_breaker_state",
			Help:      "Circuit breaker state (0=closed, 1=open, 2=half-open)",
		},
		[]string{"name"},
	)

	redisConnectionPool = promauto.NewGaugeVec(
		prometheus.GaugeOpts{
			Namespace: metricsNamespace,
			Subsystem: "redis",
			Name:      "connection_pool",
			Help:      "Redis connection pool statistics",
		},
		[]string{"state"},
	)

	securityEventsEmitted = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: metricsNamespace,
			Subsystem: "events",
			Name:      "emitted_total",
			Help:      "Security events emitted by name",
		},
		[]string{"event"},
	)
)

// HealthChecker defines interface for health checking components
type HealthChecker interface {
	Name() string
	Check(ctx context.Context) error
}

// StoreHealthChecker pings the counter store
type StoreHealthChecker struct {
	name  string
	store Store
}

// NewStoreHealthChecker creates a checker for store
func NewStoreHealthChecker(name string, store Store) *StoreHealthChecker {
	return &StoreHealthChecker{name: name, store: store}
}

func (c *StoreHealthChecker) Name() string {
	return c.name
}

func (c *StoreHealthChecker) Check(ctx context.Context) error {
	return c.store.Ping(ctx)
}

// Monitor aggregates health checkers and samples backend statistics
type Monitor struct {
	logger   *zap.Logger
	mu       sync.RWMutex
	checkers []HealthChecker
	redis    *RedisStore
}

// NewMonitor creates a monitor; redis may be nil for the memory backend.
func NewMonitor(logger *zap.Logger, redis *RedisStore) *Monitor {
	return &Monitor{logger: logger.Named("monitor"), redis: redis}
}

// RegisterHealthChecker registers a health checker
func (m *Monitor) RegisterHealthChecker(checker HealthChecker) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.checkers = append(m.checkers, checker)
	m.logger.Info("registered health checker", zap.String("name", checker.Name()))
}

// CheckAll runs every checker; the map holds "healthy" or the error text.
func (m *Monitor) CheckAll(ctx context.Context) (map[string]string, bool) {
	m.mu.RLock()
	checkers := append([]HealthChecker(nil), m.checkers...)
	m.mu.RUnlock()

	results := make(map[string]string, len(checkers))
	healthy := true
	for _, c := range checkers {
		if err := c.Check(ctx); err != nil {
			results[c.Name()] = err.Error()
			healthy = false
			continue
		}
		results[c.Name()] = "healthy"
	}
	return results, healthy
}

// HealthHandler serves the aggregated health report
func (m *Monitor) HealthHandler(c *gin.Context) {
	ctx, cancel := context.WithTimeout(c.Request.Context(), 2*time.Second)
	defer cancel()

	checks, healthy := m.CheckAll(ctx)
	status := http.StatusOK
	overall := "healthy"
	if !healthy {
		status = http.StatusServiceUnavailable
		overall = "unhealthy"
	}
	c.JSON(status, gin.H{
		"status":    overall,
		"checks":    checks,
		"timestamp": time.Now().UTC(),
	})
}

// Run samples Redis pool statistics until ctx is done
func (m *Monitor) Run(ctx context.Context, every time.Duration) {
	if m.redis == nil || every <= 0 {
		return
	}
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			recordPoolStats(m.redis.PoolStats())
		}
	}
}

func recordPoolStats(stats *redis.PoolStats) {
	if stats == nil {
		return
	}
	redisConnectionPool.WithLabelValues("hits").Set(float64(stats.Hits))
	redisConnectionPool.WithLabelValues("misses").Set(float64(stats.Misses))
	redisConnectionPool.WithLabelValues("timeouts").Set(float64(stats.Timeouts))
	redisConnectionPool.WithLabelValues("total_conns").Set(float64(stats.TotalConns))
	redisConnectionPool.WithLabelValues("idle_conns").Set(float64(stats.IdleConns))
	redisConnectionPool.WithLabelValues("stale_conns").Set(float64(stats.StaleConns))
}
