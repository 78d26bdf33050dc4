package middleware

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/golang-jwt/jwt/v5"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	apperrors "github.com/Aidin1998/ratewarden/common/errors"
	"github.com/Aidin1998/ratewarden/internal/infrastructure/ratelimit"
)

// Response headers written by the guard.
const (
	HeaderLimit           = "X-RateLimit-Limit"
	HeaderRemaining       = "X-RateLimit-Remaining"
	HeaderReset           = "X-RateLimit-Reset"
	HeaderRetryAfter      = "Retry-After"
	HeaderCaptchaRequired = "X-Captcha-Required"
)

// UserIDKey is the gin context key an upstream auth middleware may set.
const UserIDKey = "userID"

// LoadFunc reports current system load as a percentage.
type LoadFunc func() float64

// GuardOption configures a RateLimitGuard
type GuardOption func(*RateLimitGuard)

// WithJWTSecret lets the guard read the user id from HS256 bearer tokens.
func WithJWTSecret(secret []byte) GuardOption {
	return func(g *RateLimitGuard) { g.jwtSecret = secret }
}

// WithLoadFunc enables adaptive limits driven by load.
func WithLoadFunc(load LoadFunc) GuardOption {
	return func(g *RateLimitGuard) { g.load = load }
}

// RateLimitGuard is the gin adapter in front of the rate limit service.
type RateLimitGuard struct {
	service   *ratelimit.Service
	routes    *RouteTable
	logger    *zap.Logger
	jwtSecret []byte
	load      LoadFunc
}

// NewRateLimitGuard creates a guard resolving categories through routes.
func NewRateLimitGuard(service *ratelimit.Service, routes *RouteTable, logger *zap.Logger, opts ...GuardOption) *RateLimitGuard {
	g := &RateLimitGuard{
		service: service,
		routes:  routes,
		logger:  logger.Named("guard"),
	}
	for _, o := range opts {
		o(g)
	}
	return g
}

// Handler returns the gin middleware.
//
// A request already blocked skips attack detection. Otherwise detectors run
// first so a block they place applies to this very request. After the
// downstream handler finishes, the auxiliary detector counters are fed from
// the response.
func (g *RateLimitGuard) Handler() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		ctx := c.Request.Context()
		category := g.routes.Match(c.Request.Method, c.Request.URL.Path)
		rc := g.requestContext(c)

		span := trace.SpanFromContext(ctx)
		span.SetAttributes(
			attribute.String("ratelimit.category", category),
			attribute.String("ratelimit.identifier", rc.DefaultIdentifier()),
		)

		if !g.service.IsBlocked(ctx, rc, category) {
			patterns := g.service.DetectAttackPatterns(ctx, rc)
			g.service.HandleAttackPatterns(ctx, rc, category, patterns)
			for _, p := range patterns {
				if p.RecommendedAction == ratelimit.ActionCaptcha {
					c.Header(HeaderCaptchaRequired, "true")
					captchaChallenges.WithLabelValues(category).Inc()
					break
				}
			}
			if len(patterns) > 0 {
				span.SetAttributes(attribute.Int("ratelimit.attack_patterns", len(patterns)))
			}
		}

		res, err := g.service.CheckRateLimit(ctx, rc, category, g.override(category))
		if err != nil {
			guardRejections.WithLabelValues(category, "config").Inc()
			g.logger.Error("rate limit check failed",
				zap.String("category", category),
				zap.String("path", rc.Path),
				zap.Error(err))
			if errors.Is(err, ratelimit.ErrConfigNotFound) {
				apperrors.InternalServerError(c, fmt.Sprintf("no rate limit configured for %q", category))
			} else {
				apperrors.InternalServerError(c, "rate limit check failed")
			}
			observeRequest(c, category, start)
			return
		}

		writeHeaders(c, res)
		span.SetAttributes(
			attribute.Bool("ratelimit.allowed", res.Allowed),
			attribute.Int("ratelimit.remaining", res.RemainingPoints),
		)
		if !res.Allowed {
			retry := res.RetryAfterSeconds()
			if res.Blocked {
				guardRejections.WithLabelValues(category, "blocked").Inc()
				apperrors.Blocked(c, "too many requests, temporarily blocked", retry)
			} else {
				guardRejections.WithLabelValues(category, "limited").Inc()
				apperrors.RateLimit(c, "rate limit exceeded", retry)
			}
			observeRequest(c, category, start)
			return
		}

		c.Next()

		g.recordSignals(ctx, c.Writer.Status(), category, rc)
		observeRequest(c, category, start)
	}
}

func (g *RateLimitGuard) override(category string) *ratelimit.Config {
	if g.load == nil {
		return nil
	}
	base, err := g.service.Config(category)
	if err != nil {
		return nil
	}
	adapted := ratelimit.AdaptiveConfig(base, g.load())
	return &adapted
}

func writeHeaders(c *gin.Context, res ratelimit.Result) {
	c.Header(HeaderLimit, strconv.Itoa(res.Limit))
	c.Header(HeaderRemaining, strconv.Itoa(res.RemainingPoints))
	c.Header(HeaderReset, strconv.FormatInt(res.ResetTime.UnixMilli(), 10))
	if !res.Allowed && res.RetryAfter > 0 {
		c.Header(HeaderRetryAfter, strconv.Itoa(res.RetryAfterSeconds()))
	}
}

// recordSignals feeds the detector counters from a served request.
func (g *RateLimitGuard) recordSignals(ctx context.Context, status int, category string, rc ratelimit.RequestContext) {
	id := rc.DefaultIdentifier()
	g.service.RecordSignal(ctx, ratelimit.AttackDDoS, id)
	if rc.Method == http.MethodGet {
		g.service.RecordSignal(ctx, ratelimit.AttackScraping, id)
	}
	if ratelimit.IsEnumerationPath(rc.Path) {
		g.service.RecordSignal(ctx, ratelimit.AttackEnumeration, id)
	}
	if strings.HasPrefix(category, "auth:") && (status == http.StatusUnauthorized || status == http.StatusForbidden) {
		g.service.RecordSignal(ctx, ratelimit.AttackBruteForce, id)
		g.service.RecordSignal(ctx, ratelimit.AttackCredentialStuffing, id)
	}
}

func (g *RateLimitGuard) requestContext(c *gin.Context) ratelimit.RequestContext {
	r := c.Request
	return ratelimit.RequestContext{
		UserID:         g.userID(c),
		ForwardedFor:   r.Header.Get("X-Forwarded-For"),
		RealIP:         r.Header.Get("X-Real-IP"),
		CFConnectingIP: r.Header.Get("CF-Connecting-IP"),
		RemoteAddr:     r.RemoteAddr,
		Path:           r.URL.RequestURI(),
		Method:         r.Method,
		UserAgent:      r.UserAgent(),
	}
}

// userID prefers an id set by upstream auth, then a verified bearer token.
// Unverifiable tokens are ignored; the request is keyed by address instead.
func (g *RateLimitGuard) userID(c *gin.Context) string {
	if v, ok := c.Get(UserIDKey); ok {
		if id, ok := v.(string); ok && id != "" {
			return id
		}
	}
	if len(g.jwtSecret) == 0 {
		return ""
	}
	raw, ok := strings.CutPrefix(c.GetHeader("Authorization"), "Bearer ")
	if !ok || raw == "" {
		return ""
	}

	var claims jwt.RegisteredClaims
	token, err := jwt.ParseWithClaims(raw, &claims, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return g.jwtSecret, nil
	})
	if err != nil || !token.Valid {
		g.logger.Debug("ignoring unverifiable bearer token", zap.Error(err))
		return ""
	}
	return claims.Subject
}
