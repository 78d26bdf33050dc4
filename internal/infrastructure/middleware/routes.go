package middleware

import (
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"

	"github.com/Aidin1998/ratewarden/internal/infrastructure/ratelimit"
)

// AnyMethod matches every HTTP method in a RouteRule.
const AnyMethod = "*"

// RouteRule maps requests to a rate limit category. A Pattern ending in "*"
// matches by prefix, anything else must match the path exactly.
type RouteRule struct {
	Method   string `mapstructure:"method" yaml:"method" json:"method" validate:"omitempty,oneof=* GET HEAD POST PUT PATCH DELETE OPTIONS"`
	Pattern  string `mapstructure:"pattern" yaml:"pattern" json:"pattern" validate:"required,startswith=/"`
	Category string `mapstructure:"category" yaml:"category" json:"category" validate:"required"`
}

func (r RouteRule) matches(method, path string) bool {
	if r.Method != "" && r.Method != AnyMethod && r.Method != method {
		return false
	}
	if prefix, ok := strings.CutSuffix(r.Pattern, "*"); ok {
		return strings.HasPrefix(path, prefix)
	}
	return path == r.Pattern
}

// RouteTable is built once at startup and read concurrently afterwards.
type RouteTable struct {
	rules    []RouteRule
	fallback string
}

// DefaultRoutes returns the built-in route table.
func DefaultRoutes() []RouteRule {
	return []RouteRule{
		{Method: "POST", Pattern: "/auth/login", Category: ratelimit.CategoryAuthLogin},
		{Method: "POST", Pattern: "/auth/register", Category: ratelimit.CategoryAuthRegister},
		{Method: "POST", Pattern: "/auth/password-reset*", Category: ratelimit.CategoryAuthPasswordReset},
		{Method: AnyMethod, Pattern: "/admin/users*", Category: ratelimit.CategoryAdminUsers},
		{Method: AnyMethod, Pattern: "/admin/*", Category: ratelimit.CategoryAdminConfig},
		{Method: "POST", Pattern: "/api/upload*", Category: ratelimit.CategoryAPIUpload},
		{Method: "GET", Pattern: "/api/search*", Category: ratelimit.CategoryAPISearch},
		{Method: "GET", Pattern: "/public/*", Category: ratelimit.CategoryPublicRead},
	}
}

// NewRouteTable validates rules and keeps their order; the first match wins.
// An empty fallback means api:general.
func NewRouteTable(rules []RouteRule, fallback string) (*RouteTable, error) {
	v := validator.New()
	for i, r := range rules {
		if err := v.Struct(r); err != nil {
			return nil, fmt.Errorf("route %d (%s %s): %w", i, r.Method, r.Pattern, err)
		}
	}
	if fallback == "" {
		fallback = ratelimit.CategoryAPIGeneral
	}
	return &RouteTable{rules: append([]RouteRule(nil), rules...), fallback: fallback}, nil
}

// Match returns the category for method and path.
func (t *RouteTable) Match(method, path string) string {
	for _, r := range t.rules {
		if r.matches(method, path) {
			return r.Category
		}
	}
	return t.fallback
}

// Categories lists every category the table can resolve to.
func (t *RouteTable) Categories() []string {
	seen := map[string]bool{t.fallback: true}
	out := []string{t.fallback}
	for _, r := range t.rules {
		if !seen[r.Category] {
			seen[r.Category] = true
			out = append(out, r.Category)
		}
	}
	return out
}
