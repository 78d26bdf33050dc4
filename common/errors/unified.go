package errors

import (
	stderrors "errors"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel/trace"
)

// UnifiedErrorHandler converts errors into RFC 7807 responses
type UnifiedErrorHandler struct{}

// NewUnifiedErrorHandler creates a new unified error handler
func NewUnifiedErrorHandler() *UnifiedErrorHandler {
	return &UnifiedErrorHandler{}
}

// HandleError writes err as a problem response. Non-problem errors become
// internal errors.
func (h *UnifiedErrorHandler) HandleError(c *gin.Context, err error) {
	var problemDetails *ProblemDetails
	if !stderrors.As(err, &problemDetails) {
		problemDetails = NewInternalError(err.Error(), c.Request.URL.Path)
	}
	h.writeResponse(c, problemDetails)
}

// Middleware renders the last gin error attached by a handler
func (h *UnifiedErrorHandler) Middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		c.Next()

		if len(c.Errors) > 0 && !c.Writer.Written() {
			h.HandleError(c, c.Errors.Last().Err)
			c.Abort()
		}
	}
}

// Convenience methods for common errors

// BadRequest creates a validation error response
func (h *UnifiedErrorHandler) BadRequest(c *gin.Context, detail string, fieldErrors ...ValidationError) {
	problemDetails := NewValidationError(detail, c.Request.URL.Path)
	if detail == "" {
		problemDetails.Detail = "Request validation failed"
	}
	problemDetails.Errors = fieldErrors
	h.writeResponse(c, problemDetails)
}

// Unauthorized creates an unauthorized error response
func (h *UnifiedErrorHandler) Unauthorized(c *gin.Context, detail string) {
	h.writeResponse(c, NewUnauthorizedError(detail, c.Request.URL.Path))
}

// Forbidden creates a forbidden error response
func (h *UnifiedErrorHandler) Forbidden(c *gin.Context, detail string) {
	h.writeResponse(c, NewForbiddenError(detail, c.Request.URL.Path))
}

// NotFoundError creates a not found error response
func (h *UnifiedErrorHandler) NotFoundError(c *gin.Context, detail string) {
	h.writeResponse(c, NewNotFoundError(detail, c.Request.URL.Path))
}

// RateLimit creates a rate limit error response
func (h *UnifiedErrorHandler) RateLimit(c *gin.Context, detail string, retryAfter int) {
	h.writeResponse(c, NewRateLimitError(detail, c.Request.URL.Path, retryAfter))
}

// Blocked creates a temporarily-blocked error response
func (h *UnifiedErrorHandler) Blocked(c *gin.Context, detail string, retryAfter int) {
	h.writeResponse(c, NewBlockedError(detail, c.Request.URL.Path, retryAfter))
}

// InternalServerError creates an internal server error response
func (h *UnifiedErrorHandler) InternalServerError(c *gin.Context, detail string) {
	h.writeResponse(c, NewInternalError(detail, c.Request.URL.Path))
}

// ServiceUnavailable creates a service unavailable error response
func (h *UnifiedErrorHandler) ServiceUnavailable(c *gin.Context, detail string) {
	h.writeResponse(c, NewServiceUnavailableError(detail, c.Request.URL.Path))
}

func (h *UnifiedErrorHandler) getTraceID(c *gin.Context) string {
	if sc := trace.SpanContextFromContext(c.Request.Context()); sc.HasTraceID() {
		return sc.TraceID().String()
	}
	if traceID, exists := c.Get("trace_id"); exists {
		if id, ok := traceID.(string); ok {
			return id
		}
	}
	return c.GetHeader("X-Trace-ID")
}

func (h *UnifiedErrorHandler) writeResponse(c *gin.Context, problemDetails *ProblemDetails) {
	if traceID := h.getTraceID(c); traceID != "" {
		problemDetails.WithTraceID(traceID)
	}

	c.Header("Content-Type", "application/problem+json")
	c.AbortWithStatusJSON(problemDetails.Status, problemDetails)
}

// Global unified error handler instance
var DefaultHandler = NewUnifiedErrorHandler()

// Convenience functions that use the default handler

// HandleError processes any error using the default handler
func HandleError(c *gin.Context, err error) {
	DefaultHandler.HandleError(c, err)
}

// UnifiedErrorMiddleware creates a middleware using the default handler
func UnifiedErrorMiddleware() gin.HandlerFunc {
	return DefaultHandler.Middleware()
}

func BadRequest(c *gin.Context, detail string, fieldErrors ...ValidationError) {
	DefaultHandler.BadRequest(c, detail, fieldErrors...)
}

func NotFoundError(c *gin.Context, detail string) {
	DefaultHandler.NotFoundError(c, detail)
}

func RateLimit(c *gin.Context, detail string, retryAfter int) {
	DefaultHandler.RateLimit(c, detail, retryAfter)
}

func Blocked(c *gin.Context, detail string, retryAfter int) {
	DefaultHandler.Blocked(c, detail, retryAfter)
}

func InternalServerError(c *gin.Context, detail string) {
	DefaultHandler.InternalServerError(c, detail)
}

func ServiceUnavailable(c *gin.Context, detail string) {
	DefaultHandler.ServiceUnavailable(c, detail)
}
