package errors

import (
	"fmt"
	"net/http"
	"time"
)

// ProblemDetails represents RFC 7807 compliant error response
// RFC 7807: Problem Details for HTTP APIs
type ProblemDetails struct {
	// Type is a URI reference that identifies the problem type
	Type string `json:"type"`
	// Title is a short, human-readable summary of the problem type
	Title string `json:"title"`
	// Status is the HTTP status code
	Status int `json:"status"`
	// Detail is a human-readable explanation specific to this occurrence of the problem
	Detail string `json:"detail"`
	// Instance is a URI reference that identifies the specific occurrence of the problem
	Instance string `json:"instance,omitempty"`
	// Timestamp when the error occurred
	Timestamp time.Time `json:"timestamp"`
	// TraceID for request tracing and debugging
	TraceID string `json:"traceId,omitempty"`
	// RetryAfter is the number of seconds a throttled client should wait
	RetryAfter int `json:"retryAfter,omitempty"`
	// Errors contains field-specific validation errors
	Errors []ValidationError `json:"errors,omitempty"`
}

// ValidationError represents field-specific validation errors
type ValidationError struct {
	Field   string `json:"field"`
	Message string `json:"message"`
	Code    string `json:"code,omitempty"`
}

// Standard error types with URIs
const (
	TypeValidationError    = "https://ratewarden.dev/errors/validation-error"
	TypeUnauthorized       = "https://ratewarden.dev/errors/unauthorized"
	TypeForbidden          = "https://ratewarden.dev/errors/forbidden"
	TypeNotFound           = "https://ratewarden.dev/errors/not-found"
	TypeRateLimit          = "https://ratewarden.dev/errors/rate-limit"
	TypeBlocked            = "https://ratewarden.dev/errors/blocked"
	TypeServiceUnavailable = "https://ratewarden.dev/errors/service-unavailable"
	TypeBadGateway         = "https://ratewarden.dev/errors/bad-gateway"
	TypeInternalError      = "https://ratewarden.dev/errors/internal-error"
)

// Standard error titles
const (
	TitleValidationError    = "Validation Error"
	TitleUnauthorized       = "Unauthorized"
	TitleForbidden          = "Forbidden"
	TitleNotFound           = "Not Found"
	TitleRateLimit          = "Rate Limit Exceeded"
	TitleBlocked            = "Temporarily Blocked"
	TitleServiceUnavailable = "Service Unavailable"
	TitleBadGateway         = "Bad Gateway"
	TitleInternalError      = "Internal Server Error"
)

// NewProblemDetails creates a new RFC 7807 compliant error
func NewProblemDetails(problemType, title string, status int, detail, instance string) *ProblemDetails {
	return &ProblemDetails{
		Type:      problemType,
		Title:     title,
		Status:    status,
		Detail:    detail,
		Instance:  instance,
		Timestamp: time.Now().UTC(),
	}
}

// WithTraceID adds a trace ID to the problem details
func (p *ProblemDetails) WithTraceID(traceID string) *ProblemDetails {
	p.TraceID = traceID
	return p
}

// WithRetryAfter sets the retry hint in seconds
func (p *ProblemDetails) WithRetryAfter(seconds int) *ProblemDetails {
	p.RetryAfter = seconds
	return p
}

// AddValidationError adds a single validation error
func (p *ProblemDetails) AddValidationError(field, message, code string) *ProblemDetails {
	p.Errors = append(p.Errors, ValidationError{
		Field:   field,
		Message: message,
		Code:    code,
	})
	return p
}

// Error implements the error interface
func (p *ProblemDetails) Error() string {
	return fmt.Sprintf("[%d] %s: %s", p.Status, p.Title, p.Detail)
}

// Common error constructors

// NewValidationError creates a validation error
func NewValidationError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeValidationError, TitleValidationError, http.StatusBadRequest, detail, instance)
}

// NewUnauthorizedError creates an unauthorized error
func NewUnauthorizedError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeUnauthorized, TitleUnauthorized, http.StatusUnauthorized, detail, instance)
}

// NewForbiddenError creates a forbidden error
func NewForbiddenError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeForbidden, TitleForbidden, http.StatusForbidden, detail, instance)
}

// NewNotFoundError creates a not found error
func NewNotFoundError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeNotFound, TitleNotFound, http.StatusNotFound, detail, instance)
}

// NewRateLimitError creates a rate limit error
func NewRateLimitError(detail, instance string, retryAfter int) *ProblemDetails {
	return NewProblemDetails(TypeRateLimit, TitleRateLimit, http.StatusTooManyRequests, detail, instance).
		WithRetryAfter(retryAfter)
}

// NewBlockedError creates the response for a temporarily blocked source
func NewBlockedError(detail, instance string, retryAfter int) *ProblemDetails {
	return NewProblemDetails(TypeBlocked, TitleBlocked, http.StatusTooManyRequests, detail, instance).
		WithRetryAfter(retryAfter)
}

// NewServiceUnavailableError creates a service unavailable error
func NewServiceUnavailableError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeServiceUnavailable, TitleServiceUnavailable, http.StatusServiceUnavailable, detail, instance)
}

// NewBadGatewayError reports an unreachable upstream
func NewBadGatewayError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeBadGateway, TitleBadGateway, http.StatusBadGateway, detail, instance)
}

// NewInternalError creates an internal server error
func NewInternalError(detail, instance string) *ProblemDetails {
	return NewProblemDetails(TypeInternalError, TitleInternalError, http.StatusInternalServerError, detail, instance)
}
