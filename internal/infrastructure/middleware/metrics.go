// Package middleware provides the gin request pipeline pieces of the gateway:
// the rate limit guard, the route table and request metrics.
package middleware

import (
	"strconv"
	"sync/atomic"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	httpRequestsTotal = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratewarden",
			Subsystem: "http",
			Name:      "requests_total",
			Help:      "Total HTTP requests processed",
		},
		[]string{"method", "category", "status"},
	)

	httpRequestDuration = promauto.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: "ratewarden",
			Subsystem: "http",
			Name:      "request_duration_seconds",
			Help:      "Duration of HTTP requests",
			Buckets:   []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10},
		},
		[]string{"method", "category"},
	)

	httpActiveConnections = promauto.NewGauge(
		prometheus.GaugeOpts{
			Namespace: "ratewarden",
			Subsystem: "http",
			Name:      "active_connections",
			Help:      "Current number of in-flight HTTP requests",
		},
	)

	guardRejections = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratewarden",
			Subsystem: "guard",
			Name:      "rejections_total",
			Help:      "Requests rejected by the rate limit guard",
		},
		[]string{"category", "reason"},
	)

	captchaChallenges = promauto.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: "ratewarden",
			Subsystem: "guard",
			Name:      "captcha_challenges_total",
			Help:      "Responses flagged as requiring a captcha",
		},
		[]string{"category"},
	)
)

// InFlight counts requests currently being served. Its Load feeds adaptive
// rate limits.
type InFlight struct {
	current  atomic.Int64
	capacity int64
}

// NewInFlight tracks in-flight requests against capacity.
func NewInFlight(capacity int) *InFlight {
	if capacity <= 0 {
		capacity = 1
	}
	return &InFlight{capacity: int64(capacity)}
}

// Handler increments the counter for the lifetime of each request.
func (f *InFlight) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		f.current.Add(1)
		httpActiveConnections.Inc()
		defer func() {
			f.current.Add(-1)
			httpActiveConnections.Dec()
		}()
		c.Next()
	}
}

// Current returns the number of in-flight requests.
func (f *InFlight) Current() int64 {
	return f.current.Load()
}

// Load reports utilisation as a percentage of capacity.
func (f *InFlight) Load() float64 {
	return float64(f.current.Load()) * 100 / float64(f.capacity)
}

func observeRequest(c *gin.Context, category string, start time.Time) {
	method := c.Request.Method
	httpRequestsTotal.WithLabelValues(method, category, strconv.Itoa(c.Writer.Status())).Inc()
	httpRequestDuration.WithLabelValues(method, category).Observe(time.Since(start).Seconds())
}
