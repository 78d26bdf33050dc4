package server

import (
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/ratewarden/internal/infrastructure/config"
	"github.com/Aidin1998/ratewarden/internal/infrastructure/middleware"
	"github.com/Aidin1998/ratewarden/internal/infrastructure/ratelimit"
)

func newTestServer(t *testing.T, upstream string, adminSecret []byte) *HTTPServer {
	t.Helper()
	gin.SetMode(gin.TestMode)
	logger := zaptest.NewLogger(t)

	store := ratelimit.NewMemoryStore(0)
	t.Cleanup(func() { _ = store.Close() })
	reg := ratelimit.NewCategoryRegistry(ratelimit.DefaultCategories())
	require.NoError(t, reg.Set(ratelimit.CategoryAPIGeneral, ratelimit.Config{Window: time.Minute, MaxRequests: 2}))
	svc := ratelimit.NewService(store, reg, logger, ratelimit.WithStoreTimeout(time.Second))

	routes, err := middleware.NewRouteTable(middleware.DefaultRoutes(), "")
	require.NoError(t, err)

	monitor := ratelimit.NewMonitor(logger, nil)
	monitor.RegisterHealthChecker(ratelimit.NewStoreHealthChecker("store", store))

	srv, err := NewHTTPServer(HTTPServerOptions{
		Config: &config.ServerConfig{
			ListenAddr:   ":0",
			UpstreamURL:  upstream,
			ReadTimeout:  time.Second,
			WriteTimeout: time.Second,
			MaxInFlight:  10,
		},
		Logger:      logger,
		Service:     svc,
		Guard:       middleware.NewRateLimitGuard(svc, routes, logger),
		Monitor:     monitor,
		AdminSecret: adminSecret,
	})
	require.NoError(t, err)
	return srv
}

// closeNotifyRecorder lets httputil.ReverseProxy run under gin, whose
// response writer asserts http.CloseNotifier on the underlying writer.
type closeNotifyRecorder struct {
	*httptest.ResponseRecorder
}

func (closeNotifyRecorder) CloseNotify() <-chan bool { return make(chan bool) }

func get(h http.Handler, path string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodGet, path, nil)
	req.RemoteAddr = "203.0.113.7:4000"
	w := httptest.NewRecorder()
	h.ServeHTTP(closeNotifyRecorder{w}, req)
	return w
}

func TestHTTPServer_ProxiesBehindGuard(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Upstream", "yes")
		_, _ = io.WriteString(w, "hello "+r.URL.Path)
	}))
	defer upstream.Close()
	h := newTestServer(t, upstream.URL, nil).Handler()

	for i := 0; i < 2; i++ {
		w := get(h, "/api/items")
		require.Equal(t, http.StatusOK, w.Code)
		assert.Equal(t, "hello /api/items", w.Body.String())
		assert.Equal(t, "yes", w.Header().Get("X-Upstream"))
		assert.NotEmpty(t, w.Header().Get(middleware.HeaderRemaining))
	}

	w := get(h, "/api/items")
	assert.Equal(t, http.StatusTooManyRequests, w.Code)
	assert.Empty(t, w.Header().Get("X-Upstream"))
}

func TestHTTPServer_OperationalEndpoints(t *testing.T) {
	h := newTestServer(t, "http://127.0.0.1:1", nil).Handler()

	w := get(h, "/health")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"store":"healthy"`)

	w = get(h, "/metrics")
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "go_goroutines")

	w = get(h, AdminPrefix+"/categories")
	assert.Equal(t, http.StatusOK, w.Code)
}

func TestHTTPServer_AdminRequiresToken(t *testing.T) {
	h := newTestServer(t, "http://127.0.0.1:1", []byte("s3cret")).Handler()

	w := get(h, AdminPrefix+"/categories")
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestHTTPServer_UpstreamDown(t *testing.T) {
	upstream := httptest.NewServer(http.NotFoundHandler())
	addr := upstream.URL
	upstream.Close()
	h := newTestServer(t, addr, nil).Handler()

	w := get(h, "/api/items")
	assert.Equal(t, http.StatusBadGateway, w.Code)
	assert.True(t, strings.HasPrefix(w.Header().Get("Content-Type"), "application/problem+json"))
}

func TestNewHTTPServer_Validation(t *testing.T) {
	_, err := NewHTTPServer(HTTPServerOptions{})
	assert.Error(t, err)

	logger := zaptest.NewLogger(t)
	svc := ratelimit.NewService(ratelimit.NewMemoryStore(0), nil, logger)
	routes, _ := middleware.NewRouteTable(nil, "")
	_, err = NewHTTPServer(HTTPServerOptions{
		Config:  &config.ServerConfig{UpstreamURL: "not-a-url"},
		Logger:  logger,
		Service: svc,
		Guard:   middleware.NewRateLimitGuard(svc, routes, logger),
	})
	assert.Error(t, err)
}
