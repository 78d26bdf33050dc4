// admin_api.go: Admin API for rate limiting management
package ratelimit

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/go-playground/validator/v10"
	"github.com/microcosm-cc/bluemonday"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/ratewarden/common/errors"
)

// AdminAPI exposes category, block and statistics management over HTTP
type AdminAPI struct {
	service   *Service
	logger    *zap.Logger
	validate  *validator.Validate
	sanitizer *bluemonday.Policy
}

// AdminAPIResponse is the envelope for successful admin responses
type AdminAPIResponse struct {
	Success   bool        `json:"success"`
	Message   string      `json:"message,omitempty"`
	Data      interface{} `json:"data,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
}

// CategoryRequest updates a category; durations use Go syntax ("15m")
type CategoryRequest struct {
	Window        string `json:"window" validate:"required"`
	MaxRequests   int    `json:"max_requests" validate:"required,gte=1"`
	BlockDuration string `json:"block_duration,omitempty"`
	Description   string `json:"description,omitempty" validate:"max=256"`
}

// BlockRequest blocks one identifier in a category
type BlockRequest struct {
	Category   string `json:"category" validate:"required"`
	Identifier string `json:"identifier" validate:"required,max=256"`
	Duration   string `json:"duration" validate:"required"`
	Reason     string `json:"reason" validate:"max=512"`
}

// NewAdminAPI creates a new admin API instance
func NewAdminAPI(service *Service, logger *zap.Logger) *AdminAPI {
	return &AdminAPI{
		service:   service,
		logger:    logger.Named("admin_api"),
		validate:  validator.New(),
		sanitizer: bluemonday.StrictPolicy(),
	}
}

// RegisterRoutes mounts the admin endpoints on rg
func (api *AdminAPI) RegisterRoutes(rg *gin.RouterGroup) {
	rg.Use(apperrors.UnifiedErrorMiddleware())
	rg.GET("/categories", api.HandleListCategories)
	rg.GET("/categories/:category", api.HandleGetCategory)
	rg.PUT("/categories/:category", api.HandleUpdateCategory)
	rg.POST("/blocks", api.HandleBlock)
	rg.DELETE("/blocks/:category/:identifier", api.HandleUnblock)
	rg.GET("/keys/:category/:identifier", api.HandleKeyStatus)
	rg.DELETE("/keys/:category/:identifier", api.HandleResetKey)
	rg.GET("/statistics", api.HandleStatistics)
	rg.GET("/breaker", api.HandleBreaker)
}

func (api *AdminAPI) ok(c *gin.Context, status int, message string, data interface{}) {
	c.JSON(status, AdminAPIResponse{
		Success:   true,
		Message:   message,
		Data:      data,
		Timestamp: time.Now().UTC(),
	})
}

// fail maps engine errors to problem details; the group's error middleware
// renders them once the handler returns.
func (api *AdminAPI) fail(c *gin.Context, err error) {
	instance := c.Request.URL.Path
	var problem *apperrors.ProblemDetails
	switch {
	case errors.Is(err, ErrConfigNotFound):
		problem = apperrors.NewNotFoundError(err.Error(), instance)
	case errors.Is(err, ErrInvalidRange), errors.Is(err, ErrInvalidConfig):
		problem = apperrors.NewValidationError(err.Error(), instance)
	case errors.Is(err, ErrStoreUnavailable):
		api.logger.Error("admin request failed on store", zap.String("path", c.FullPath()), zap.Error(err))
		problem = apperrors.NewServiceUnavailableError("counter store unavailable", instance)
	default:
		api.logger.Error("admin request failed", zap.String("path", c.FullPath()), zap.Error(err))
		problem = apperrors.NewInternalError("internal error", instance)
	}
	_ = c.Error(problem)
}

func (api *AdminAPI) bind(c *gin.Context, dst interface{}) bool {
	if err := c.ShouldBindJSON(dst); err != nil {
		apperrors.BadRequest(c, "malformed JSON body")
		return false
	}
	if err := api.validate.Struct(dst); err != nil {
		var fields []apperrors.ValidationError
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, apperrors.ValidationError{
					Field:   fe.Field(),
					Message: fe.Error(),
					Code:    fe.Tag(),
				})
			}
		}
		apperrors.BadRequest(c, "request validation failed", fields...)
		return false
	}
	return true
}

func (api *AdminAPI) reason(raw string) string {
	return strings.TrimSpace(api.sanitizer.Sanitize(raw))
}

// HandleListCategories returns every category config
func (api *AdminAPI) HandleListCategories(c *gin.Context) {
	api.ok(c, http.StatusOK, "", api.service.Categories())
}

// HandleGetCategory returns one category config
func (api *AdminAPI) HandleGetCategory(c *gin.Context) {
	cfg, err := api.service.Config(c.Param("category"))
	if err != nil {
		api.fail(c, err)
		return
	}
	api.ok(c, http.StatusOK, "", cfg)
}

// HandleUpdateCategory installs or replaces a category at runtime
func (api *AdminAPI) HandleUpdateCategory(c *gin.Context) {
	var req CategoryRequest
	if !api.bind(c, &req) {
		return
	}
	window, err := time.ParseDuration(req.Window)
	if err != nil {
		apperrors.BadRequest(c, "invalid window", apperrors.ValidationError{Field: "window", Message: err.Error(), Code: "duration"})
		return
	}
	var block time.Duration
	if req.BlockDuration != "" {
		if block, err = time.ParseDuration(req.BlockDuration); err != nil {
			apperrors.BadRequest(c, "invalid block_duration",
				apperrors.ValidationError{Field: "block_duration", Message: err.Error(), Code: "duration"})
			return
		}
	}

	category := c.Param("category")
	cfg := Config{
		Window:        window,
		MaxRequests:   req.MaxRequests,
		BlockDuration: block,
		Description:   api.reason(req.Description),
	}
	if err := api.service.SetCategory(category, cfg); err != nil {
		api.fail(c, err)
		return
	}
	api.ok(c, http.StatusOK, "category updated", cfg)
}

// HandleBlock blocks an identifier
func (api *AdminAPI) HandleBlock(c *gin.Context) {
	var req BlockRequest
	if !api.bind(c, &req) {
		return
	}
	d, err := time.ParseDuration(req.Duration)
	if err != nil {
		apperrors.BadRequest(c, "invalid duration",
			apperrors.ValidationError{Field: "duration", Message: err.Error(), Code: "duration"})
		return
	}
	reason := api.reason(req.Reason)
	if reason == "" {
		reason = "manual block"
	}
	entry, err := api.service.BlockKey(c.Request.Context(), req.Category, req.Identifier, d, reason)
	if err != nil {
		api.fail(c, err)
		return
	}
	api.ok(c, http.StatusCreated, "key blocked", entry)
}

// HandleUnblock removes a block; unblocking an unblocked key succeeds
func (api *AdminAPI) HandleUnblock(c *gin.Context) {
	reason := api.reason(c.Query("reason"))
	if reason == "" {
		reason = "manual unblock"
	}
	api.service.UnblockKey(c.Request.Context(), c.Param("category"), c.Param("identifier"), reason)
	api.ok(c, http.StatusOK, "key unblocked", nil)
}

// HandleKeyStatus reports the live window count and block of a key
func (api *AdminAPI) HandleKeyStatus(c *gin.Context) {
	st, err := api.service.KeyStatus(c.Request.Context(), c.Param("category"), c.Param("identifier"))
	if err != nil {
		api.fail(c, err)
		return
	}
	api.ok(c, http.StatusOK, "", st)
}

// HandleResetKey clears a key's window
func (api *AdminAPI) HandleResetKey(c *gin.Context) {
	if err := api.service.ResetKey(c.Request.Context(), c.Param("category"), c.Param("identifier")); err != nil {
		api.fail(c, err)
		return
	}
	api.ok(c, http.StatusOK, "key reset", nil)
}

// HandleStatistics returns aggregate statistics for ?range=hour|day|week.
// Ranges are built from UTC clock-hour buckets; "hour" is the current one.
func (api *AdminAPI) HandleStatistics(c *gin.Context) {
	stats, err := api.service.GetStatistics(c.Request.Context(), c.DefaultQuery("range", "hour"))
	if err != nil {
		api.fail(c, err)
		return
	}
	api.ok(c, http.StatusOK, statisticsCoverage, stats)
}

const statisticsCoverage = "counts cover whole UTC clock hours from 'from' to 'to'"

// HandleBreaker reports the store circuit breaker
func (api *AdminAPI) HandleBreaker(c *gin.Context) {
	api.ok(c, http.StatusOK, "", api.service.BreakerMetrics())
}
