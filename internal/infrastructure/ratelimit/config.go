// config.go: Category registry with defaults, validation and file loading
package ratelimit

import (
	"encoding/json"
	"fmt"
	"os"
	"sort"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"
)

var validate = validator.New()

// Validate checks the config invariants.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	return nil
}

// Built-in categories
const (
	CategoryAuthLogin         = "auth:login"
	CategoryAuthRegister      = "auth:register"
	CategoryAuthPasswordReset = "auth:password-reset"
	CategoryAPIGeneral        = "api:general"
	CategoryAPISearch         = "api:search"
	CategoryAPIUpload         = "api:upload"
	CategoryAdminConfig       = "admin:config"
	CategoryAdminUsers        = "admin:users"
	CategoryPublicRead        = "public:read"
)

// DefaultCategories returns the built-in category table.
func DefaultCategories() map[string]Config {
	return map[string]Config{
		CategoryAuthLogin: {
			Window: 15 * time.Minute, MaxRequests: 5, BlockDuration: 30 * time.Minute,
			Description: "login attempts",
		},
		CategoryAuthRegister: {
			Window: time.Hour, MaxRequests: 3, BlockDuration: time.Hour,
			Description: "account registration",
		},
		CategoryAuthPasswordReset: {
			Window: time.Hour, MaxRequests: 3, BlockDuration: time.Hour,
			Description: "password reset requests",
		},
		CategoryAPIGeneral: {Window: time.Minute, MaxRequests: 100, Description: "general API traffic"},
		CategoryAPISearch:  {Window: time.Minute, MaxRequests: 30, Description: "search queries"},
		CategoryAPIUpload:  {Window: time.Hour, MaxRequests: 10, Description: "file uploads"},
		CategoryAdminConfig: {
			Window: time.Minute, MaxRequests: 10, BlockDuration: 5 * time.Minute,
			Description: "admin configuration changes",
		},
		CategoryAdminUsers: {Window: time.Minute, MaxRequests: 30, Description: "admin user management"},
		CategoryPublicRead: {Window: time.Minute, MaxRequests: 300, Description: "public read-only content"},
	}
}

// CategoryRegistry holds per-category configs. Reads vastly outnumber
// writes, which only come from startup loading and admin overrides.
type CategoryRegistry struct {
	mu      sync.RWMutex
	configs map[string]Config
}

// NewCategoryRegistry creates a registry seeded with initial configs.
func NewCategoryRegistry(initial map[string]Config) *CategoryRegistry {
	r := &CategoryRegistry{configs: make(map[string]Config, len(initial))}
	for name, cfg := range initial {
		r.configs[name] = cfg
	}
	return r
}

// Get returns the config for category
func (r *CategoryRegistry) Get(category string) (Config, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	cfg, ok := r.configs[category]
	return cfg, ok
}

// Set validates and stores cfg. A key generator already registered for the
// category survives when cfg carries none.
func (r *CategoryRegistry) Set(category string, cfg Config) error {
	if category == "" {
		return fmt.Errorf("%w: empty category", ErrInvalidConfig)
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if prev, ok := r.configs[category]; ok && cfg.KeyGenerator == nil {
		cfg.KeyGenerator = prev.KeyGenerator
	}
	r.configs[category] = cfg
	return nil
}

// Names returns the registered categories, sorted.
func (r *CategoryRegistry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.configs))
	for n := range r.configs {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

// Snapshot returns a copy of every config.
func (r *CategoryRegistry) Snapshot() map[string]Config {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make(map[string]Config, len(r.configs))
	for n, c := range r.configs {
		out[n] = c
	}
	return out
}

// Merge validates every entry first, then applies them all.
func (r *CategoryRegistry) Merge(configs map[string]Config) error {
	for name, cfg := range configs {
		if err := cfg.Validate(); err != nil {
			return fmt.Errorf("category %s: %w", name, err)
		}
	}
	for name, cfg := range configs {
		if err := r.Set(name, cfg); err != nil {
			return err
		}
	}
	return nil
}

// LoadFromFile merges categories from a YAML or JSON file keyed by
// category name. Durations use Go syntax ("15m").
func (r *CategoryRegistry) LoadFromFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	var configs map[string]Config
	if yerr := yaml.Unmarshal(data, &configs); yerr != nil {
		configs = nil
		if jerr := json.Unmarshal(data, &configs); jerr != nil {
			return fmt.Errorf("parse %s: %w", path, yerr)
		}
	}
	return r.Merge(configs)
}
