package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func serve(t *testing.T, h gin.HandlerFunc, header map[string]string) (*httptest.ResponseRecorder, ProblemDetails) {
	t.Helper()
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.GET("/things/:id", h)

	req := httptest.NewRequest(http.MethodGet, "/things/7", nil)
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	var p ProblemDetails
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &p))
	return w, p
}

func TestUnifiedErrorHandler_Responses(t *testing.T) {
	tests := []struct {
		name   string
		h      gin.HandlerFunc
		status int
		title  string
		retry  int
	}{
		{"bad request", func(c *gin.Context) { BadRequest(c, "") }, http.StatusBadRequest, TitleValidationError, 0},
		{"forbidden", func(c *gin.Context) { DefaultHandler.Forbidden(c, "nope") }, http.StatusForbidden, TitleForbidden, 0},
		{"rate limit", func(c *gin.Context) { RateLimit(c, "slow down", 60) }, http.StatusTooManyRequests, TitleRateLimit, 60},
		{"blocked", func(c *gin.Context) { Blocked(c, "blocked", 1800) }, http.StatusTooManyRequests, TitleBlocked, 1800},
		{"unavailable", func(c *gin.Context) { ServiceUnavailable(c, "store down") }, http.StatusServiceUnavailable, TitleServiceUnavailable, 0},
		{"plain error", func(c *gin.Context) { HandleError(c, fmt.Errorf("boom")) }, http.StatusInternalServerError, TitleInternalError, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w, p := serve(t, tt.h, nil)
			assert.Equal(t, tt.status, w.Code)
			assert.Equal(t, "application/problem+json", w.Header().Get("Content-Type"))
			assert.Equal(t, tt.status, p.Status)
			assert.Equal(t, tt.title, p.Title)
			assert.Equal(t, tt.retry, p.RetryAfter)
			assert.Equal(t, "/things/7", p.Instance)
		})
	}
}

func TestUnifiedErrorHandler_ProblemPassthroughAndTraceID(t *testing.T) {
	problem := NewNotFoundError("no such thing", "/things/7").
		AddValidationError("id", "unknown", "missing")

	w, p := serve(t, func(c *gin.Context) {
		HandleError(c, fmt.Errorf("lookup: %w", problem))
	}, map[string]string{"X-Trace-ID": "abc123"})

	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Equal(t, "no such thing", p.Detail)
	assert.Equal(t, "abc123", p.TraceID)
	require.Len(t, p.Errors, 1)
	assert.Equal(t, "id", p.Errors[0].Field)
}

func TestUnifiedErrorMiddleware(t *testing.T) {
	gin.SetMode(gin.TestMode)
	r := gin.New()
	r.Use(UnifiedErrorMiddleware())
	r.GET("/fail", func(c *gin.Context) {
		_ = c.Error(NewServiceUnavailableError("store down", c.Request.URL.Path))
	})

	w := httptest.NewRecorder()
	r.ServeHTTP(w, httptest.NewRequest(http.MethodGet, "/fail", nil))
	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
	assert.Contains(t, w.Body.String(), TitleServiceUnavailable)
}
