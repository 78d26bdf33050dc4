package middleware

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/ratewarden/internal/infrastructure/ratelimit"
)

type guardFixture struct {
	router  *gin.Engine
	service *ratelimit.Service
}

func newGuardFixture(t *testing.T, registry *ratelimit.CategoryRegistry, routes []RouteRule, status int, opts ...GuardOption) *guardFixture {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	store := ratelimit.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })
	svc := ratelimit.NewService(store, registry, logger, ratelimit.WithStoreTimeout(time.Second))

	table, err := NewRouteTable(routes, "")
	require.NoError(t, err)

	r := gin.New()
	r.Use(NewRateLimitGuard(svc, table, logger, opts...).Handler())
	r.Any("/*path", func(c *gin.Context) { c.Status(status) })
	return &guardFixture{router: r, service: svc}
}

func (f *guardFixture) do(method, path, remoteAddr string, header http.Header) *httptest.ResponseRecorder {
	req := httptest.NewRequest(method, path, nil)
	req.RemoteAddr = remoteAddr
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	w := httptest.NewRecorder()
	f.router.ServeHTTP(w, req)
	return w
}

func registryWith(t *testing.T, category string, cfg ratelimit.Config) *ratelimit.CategoryRegistry {
	t.Helper()
	r := ratelimit.NewCategoryRegistry(ratelimit.DefaultCategories())
	require.NoError(t, r.Set(category, cfg))
	return r
}

func TestGuard_HeadersAndRejection(t *testing.T) {
	reg := registryWith(t, ratelimit.CategoryAPIGeneral, ratelimit.Config{Window: time.Minute, MaxRequests: 2})
	f := newGuardFixture(t, reg, DefaultRoutes(), http.StatusOK)

	for _, remaining := range []string{"1", "0"} {
		w := f.do(http.MethodGet, "/api/items", "203.0.113.7:5000", nil)
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "2", w.Header().Get(HeaderLimit))
		assert.Equal(t, remaining, w.Header().Get(HeaderRemaining))
		reset, err := strconv.ParseInt(w.Header().Get(HeaderReset), 10, 64)
		require.NoError(t, err)
		assert.Greater(t, reset, time.Now().UnixMilli())
		assert.Empty(t, w.Header().Get(HeaderRetryAfter))
	}

	w := f.do(http.MethodGet, "/api/items", "203.0.113.7:5000", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "60", w.Header().Get(HeaderRetryAfter))
	assert.Equal(t, "0", w.Header().Get(HeaderRemaining))
	assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
	assert.Contains(t, w.Body.String(), `"retryAfter":60`)

	// other sources are unaffected
	w = f.do(http.MethodGet, "/api/items", "198.51.100.9:5000", nil)
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestGuard_BlockAfterExceeding(t *testing.T) {
	f := newGuardFixture(t, nil, DefaultRoutes(), http.StatusOK)

	for i := 0; i < 5; i++ {
		w := f.do(http.MethodPost, "/auth/login", "203.0.113.7:5000", nil)
		require.Equal(t, http.StatusOK, w.Code, "request %d", i+1)
	}

	w := f.do(http.MethodPost, "/auth/login", "203.0.113.7:5000", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "1800", w.Header().Get(HeaderRetryAfter))
	assert.Contains(t, w.Body.String(), "Temporarily Blocked")

	w = f.do(http.MethodPost, "/auth/login", "203.0.113.7:5000", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Contains(t, w.Body.String(), "Temporarily Blocked")
	retry, err := strconv.Atoi(w.Header().Get(HeaderRetryAfter))
	require.NoError(t, err)
	assert.InDelta(t, 1800, retry, 1)
}

func TestGuard_BruteForceDetectionBlocks(t *testing.T) {
	reg := registryWith(t, ratelimit.CategoryAuthLogin, ratelimit.Config{Window: time.Minute, MaxRequests: 1000})
	f := newGuardFixture(t, reg, DefaultRoutes(), http.StatusUnauthorized)

	for i := 0; i < 10; i++ {
		w := f.do(http.MethodPost, "/auth/login", "203.0.113.7:5000", nil)
		require.Equal(t, http.StatusUnauthorized, w.Code, "attempt %d", i+1)
	}

	w := f.do(http.MethodPost, "/auth/login", "203.0.113.7:5000", nil)
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Equal(t, "7200", w.Header().Get(HeaderRetryAfter))

	// other sources keep their own counters
	w = f.do(http.MethodPost, "/auth/login", "198.51.100.9:5000", nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGuard_CaptchaForSuspiciousCredentialStuffing(t *testing.T) {
	reg := registryWith(t, ratelimit.CategoryAuthLogin, ratelimit.Config{Window: time.Minute, MaxRequests: 1000})
	f := newGuardFixture(t, reg, DefaultRoutes(), http.StatusForbidden)
	header := http.Header{"User-Agent": {"python-requests/2.31"}}

	for i := 0; i < 5; i++ {
		w := f.do(http.MethodPost, "/auth/login", "203.0.113.7:5000", header)
		require.Equal(t, http.StatusForbidden, w.Code)
		assert.Empty(t, w.Header().Get(HeaderCaptchaRequired))
	}

	w := f.do(http.MethodPost, "/auth/login", "203.0.113.7:5000", header)
	assert.Equal(t, http.StatusForbidden, w.Code)
	assert.Equal(t, "true", w.Header().Get(HeaderCaptchaRequired))
}

func TestGuard_UserIDFromBearerToken(t *testing.T) {
	secret := []byte("test-secret")
	reg := registryWith(t, ratelimit.CategoryAPIGeneral, ratelimit.Config{Window: time.Minute, MaxRequests: 1})
	f := newGuardFixture(t, reg, DefaultRoutes(), http.StatusOK, WithJWTSecret(secret))

	sign := func(key []byte, sub string) http.Header {
		tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.RegisteredClaims{
			Subject:   sub,
			ExpiresAt: jwt.NewNumericDate(time.Now().Add(time.Hour)),
		}).SignedString(key)
		require.NoError(t, err)
		return http.Header{"Authorization": {"Bearer " + tok}}
	}

	t.Run("same user across addresses shares a window", func(t *testing.T) {
		h := sign(secret, "42")
		assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/items", "203.0.113.1:1", h).Code)
		assert.Equal(t, http.StatusTooManyRequests, f.do(http.MethodGet, "/api/items", "203.0.113.2:1", h).Code)
	})

	t.Run("forged tokens fall back to the address", func(t *testing.T) {
		h := sign([]byte("wrong"), "42")
		assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/items", "203.0.113.3:1", h).Code)
		assert.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/items", "203.0.113.4:1", h).Code)
	})
}

func TestGuard_UnknownCategory(t *testing.T) {
	routes := []RouteRule{{Method: AnyMethod, Pattern: "/ghost*", Category: "ghost:cat"}}
	f := newGuardFixture(t, nil, routes, http.StatusOK)

	w := f.do(http.MethodGet, "/ghost/1", "203.0.113.7:5000", nil)
	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Contains(t, w.Body.String(), "ghost:cat")
}

func TestGuard_AdaptiveLimits(t *testing.T) {
	f := newGuardFixture(t, nil, DefaultRoutes(), http.StatusOK, WithLoadFunc(func() float64 { return 95 }))

	w := f.do(http.MethodGet, "/api/items", "203.0.113.7:5000", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, "10", w.Header().Get(HeaderLimit))
	assert.Equal(t, "9", w.Header().Get(HeaderRemaining))
}

func TestInFlight(t *testing.T) {
	gin.SetMode(gin.TestMode)
	inflight := NewInFlight(4)
	var during float64

	r := gin.New()
	r.Use(inflight.Handler())
	r.GET("/", func(c *gin.Context) {
		during = inflight.Load()
		c.Status(http.StatusNoContent)
	})
	r.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, 25.0, during)
	assert.Zero(t, inflight.Current())
}

func spanAttrs(span sdktrace.ReadOnlySpan) map[attribute.Key]attribute.Value {
	out := make(map[attribute.Key]attribute.Value)
	for _, kv := range span.Attributes() {
		out[kv.Key] = kv.Value
	}
	return out
}

func TestGuard_SpanAttributes(t *testing.T) {
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)
	rec := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(rec))
	t.Cleanup(func() { _ = tp.Shutdown(context.Background()) })

	store := ratelimit.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })
	reg := registryWith(t, ratelimit.CategoryAPIGeneral, ratelimit.Config{Window: time.Minute, MaxRequests: 1})
	svc := ratelimit.NewService(store, reg, logger, ratelimit.WithStoreTimeout(time.Second))
	table, err := NewRouteTable(DefaultRoutes(), "")
	require.NoError(t, err)

	r := gin.New()
	r.Use(otelgin.Middleware("ratewarden", otelgin.WithTracerProvider(tp)))
	r.Use(NewRateLimitGuard(svc, table, logger).Handler())
	r.Any("/*path", func(c *gin.Context) { c.Status(http.StatusOK) })

	f := &guardFixture{router: r, service: svc}
	require.Equal(t, http.StatusOK, f.do(http.MethodGet, "/api/items", "203.0.113.7:5000", nil).Code)
	w := f.do(http.MethodGet, "/api/items", "203.0.113.7:5000", nil)
	require.Equal(t, http.StatusTooManyRequests, w.Code)

	spans := rec.Ended()
	require.Len(t, spans, 2)

	first := spanAttrs(spans[0])
	assert.Equal(t, ratelimit.CategoryAPIGeneral, first["ratelimit.category"].AsString())
	assert.Equal(t, "203.0.113.7", first["ratelimit.identifier"].AsString())
	assert.True(t, first["ratelimit.allowed"].AsBool())
	assert.Equal(t, int64(0), first["ratelimit.remaining"].AsInt64())

	second := spanAttrs(spans[1])
	assert.False(t, second["ratelimit.allowed"].AsBool())

	var problem struct {
		TraceID string `json:"traceId"`
	}
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &problem))
	assert.Equal(t, spans[1].SpanContext().TraceID().String(), problem.TraceID)
}
