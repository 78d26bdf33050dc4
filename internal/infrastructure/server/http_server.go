// Package server assembles the gateway: a gin router serving health,
// metrics and the admin API, and proxying everything else to the upstream
// behind the rate limit guard.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httputil"
	"net/url"
	"time"

	"github.com/gin-contrib/cors"
	ginzap "github.com/gin-contrib/zap"
	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/ratewarden/common/errors"
	"github.com/Aidin1998/ratewarden/internal/infrastructure/config"
	"github.com/Aidin1998/ratewarden/internal/infrastructure/middleware"
	"github.com/Aidin1998/ratewarden/internal/infrastructure/ratelimit"
)

// AdminPrefix is where the admin API is mounted.
const AdminPrefix = "/admin/ratelimit"

// HTTPServerOptions contains options for creating an HTTPServer
type HTTPServerOptions struct {
	Config      *config.ServerConfig
	Logger      *zap.Logger
	Service     *ratelimit.Service
	Guard       *middleware.RateLimitGuard
	InFlight    *middleware.InFlight
	Monitor     *ratelimit.Monitor
	AdminSecret []byte
}

// HTTPServer is the gateway HTTP server
type HTTPServer struct {
	config   *config.ServerConfig
	logger   *zap.Logger
	router   *gin.Engine
	server   *http.Server
	proxy    *httputil.ReverseProxy
	upstream *url.URL
}

// NewHTTPServer creates the gateway server
func NewHTTPServer(opts HTTPServerOptions) (*HTTPServer, error) {
	if opts.Config == nil {
		return nil, errors.New("HTTP server config is required")
	}
	if opts.Logger == nil {
		return nil, errors.New("logger is required")
	}
	if opts.Service == nil || opts.Guard == nil {
		return nil, errors.New("rate limit service and guard are required")
	}
	upstream, err := url.Parse(opts.Config.UpstreamURL)
	if err != nil || upstream.Scheme == "" || upstream.Host == "" {
		return nil, fmt.Errorf("invalid upstream url %q", opts.Config.UpstreamURL)
	}
	if opts.InFlight == nil {
		opts.InFlight = middleware.NewInFlight(opts.Config.MaxInFlight)
	}

	s := &HTTPServer{
		config:   opts.Config,
		logger:   opts.Logger.Named("http"),
		router:   gin.New(),
		upstream: upstream,
	}
	s.proxy = httputil.NewSingleHostReverseProxy(upstream)
	s.proxy.ErrorHandler = s.proxyError

	s.setupMiddleware()
	s.setupRoutes(opts)

	s.server = &http.Server{
		Addr:         opts.Config.ListenAddr,
		Handler:      s.router,
		ReadTimeout:  opts.Config.ReadTimeout,
		WriteTimeout: opts.Config.WriteTimeout,
	}
	return s, nil
}

func (s *HTTPServer) setupMiddleware() {
	s.router.Use(ginzap.Ginzap(s.logger, time.RFC3339, true))
	s.router.Use(ginzap.RecoveryWithZap(s.logger, true))
	s.router.Use(otelgin.Middleware("ratewarden"))
	s.router.Use(func(c *gin.Context) {
		c.Header("X-Content-Type-Options", "nosniff")
		c.Next()
	})
}

func (s *HTTPServer) setupRoutes(opts HTTPServerOptions) {
	if opts.Monitor != nil {
		s.router.GET("/health", opts.Monitor.HealthHandler)
	}
	s.router.GET("/metrics", gin.WrapH(promhttp.Handler()))

	admin := s.router.Group(AdminPrefix)
	if len(opts.Config.AdminCORSOrigins) > 0 {
		admin.Use(cors.New(cors.Config{
			AllowOrigins:     opts.Config.AdminCORSOrigins,
			AllowMethods:     []string{"GET", "PUT", "POST", "DELETE", "OPTIONS"},
			AllowHeaders:     []string{"Origin", "Content-Type", "Authorization"},
			AllowCredentials: true,
			MaxAge:           12 * time.Hour,
		}))
	}
	if len(opts.AdminSecret) > 0 {
		admin.Use(middleware.AdminAuth(opts.AdminSecret, s.logger))
	} else {
		s.logger.Warn("admin API is unauthenticated; set ratelimit.jwt_secret to protect it")
	}
	ratelimit.NewAdminAPI(opts.Service, s.logger).RegisterRoutes(admin)

	// Everything else is proxied.
	s.router.NoRoute(opts.InFlight.Handler(), opts.Guard.Handler(), s.forward)
}

func (s *HTTPServer) forward(c *gin.Context) {
	s.proxy.ServeHTTP(c.Writer, c.Request)
}

func (s *HTTPServer) proxyError(w http.ResponseWriter, r *http.Request, err error) {
	s.logger.Warn("upstream request failed",
		zap.String("upstream", s.upstream.Host),
		zap.String("path", r.URL.Path),
		zap.Error(err))
	problem := apperrors.NewBadGatewayError("upstream unavailable", r.URL.Path)
	w.Header().Set("Content-Type", "application/problem+json")
	w.WriteHeader(problem.Status)
	_ = json.NewEncoder(w).Encode(problem)
}

// Handler exposes the router, mainly for tests.
func (s *HTTPServer) Handler() http.Handler {
	return s.router
}

// Start serves until the listener fails or Shutdown is called.
func (s *HTTPServer) Start() error {
	s.logger.Info("gateway listening",
		zap.String("addr", s.config.ListenAddr),
		zap.String("upstream", s.upstream.String()))
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *HTTPServer) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}
