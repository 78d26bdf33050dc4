// Package config loads gateway configuration from YAML, .env and
// RATEWARDEN_* environment variables.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/Aidin1998/ratewarden/internal/infrastructure/messaging"
	"github.com/Aidin1998/ratewarden/internal/infrastructure/middleware"
	"github.com/Aidin1998/ratewarden/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/ratewarden/pkg/otel"
)

// EnvPrefix prefixes every environment override, e.g. RATEWARDEN_REDIS_ADDR.
const EnvPrefix = "RATEWARDEN"

// Config is the full gateway configuration
type Config struct {
	Server    ServerConfig          `mapstructure:"server"`
	Redis     RedisConfig           `mapstructure:"redis"`
	RateLimit RateLimitConfig       `mapstructure:"ratelimit"`
	Kafka     messaging.KafkaConfig `mapstructure:"kafka"`
	Log       LogConfig             `mapstructure:"log"`
	Tracing   otel.Config           `mapstructure:"tracing"`
}

// ServerConfig configures the HTTP listener and the proxied upstream
type ServerConfig struct {
	ListenAddr       string        `mapstructure:"listen_addr" validate:"required"`
	UpstreamURL      string        `mapstructure:"upstream_url" validate:"required,url"`
	ReadTimeout      time.Duration `mapstructure:"read_timeout" validate:"gt=0"`
	WriteTimeout     time.Duration `mapstructure:"write_timeout" validate:"gt=0"`
	ShutdownTimeout  time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
	MaxInFlight      int           `mapstructure:"max_in_flight" validate:"gte=1"`
	AdminCORSOrigins []string      `mapstructure:"admin_cors_origins"`
}

// RedisConfig configures the shared counter store
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
	PoolSize int    `mapstructure:"pool_size" validate:"gte=0"`
}

// RateLimitConfig configures the rate limit engine and its guard
type RateLimitConfig struct {
	Backend          string                         `mapstructure:"backend" validate:"oneof=redis memory"`
	KeyPrefix        string                         `mapstructure:"key_prefix" validate:"required"`
	StoreTimeout     time.Duration                  `mapstructure:"store_timeout" validate:"gte=0"`
	SweepInterval    time.Duration                  `mapstructure:"sweep_interval" validate:"gte=0"`
	EventTTL         time.Duration                  `mapstructure:"event_ttl" validate:"gte=0"`
	StatsTTL         time.Duration                  `mapstructure:"stats_ttl" validate:"gte=0"`
	CircuitBreaker   ratelimit.CircuitBreakerConfig `mapstructure:"circuit_breaker"`
	Categories       map[string]ratelimit.Config    `mapstructure:"categories" validate:"dive"`
	CategoriesFile   string                         `mapstructure:"categories_file"`
	Routes           []middleware.RouteRule         `mapstructure:"routes" validate:"dive"`
	FallbackCategory string                         `mapstructure:"fallback_category"`
	JWTSecret        string                         `mapstructure:"jwt_secret"`
	Adaptive         bool                           `mapstructure:"adaptive"`
	Detectors        []ratelimit.DetectorRule       `mapstructure:"detectors" validate:"dive"`
}

// LogConfig configures zap
type LogConfig struct {
	Level string `mapstructure:"level" validate:"oneof=debug info warn error"`
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.listen_addr", ":8080")
	v.SetDefault("server.upstream_url", "http://127.0.0.1:9000")
	v.SetDefault("server.read_timeout", 15*time.Second)
	v.SetDefault("server.write_timeout", 30*time.Second)
	v.SetDefault("server.shutdown_timeout", 10*time.Second)
	v.SetDefault("server.max_in_flight", 1000)
	v.SetDefault("server.admin_cors_origins", []string{})

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
	v.SetDefault("redis.pool_size", 0)

	breaker := ratelimit.DefaultCircuitBreakerConfig()
	v.SetDefault("ratelimit.backend", "redis")
	v.SetDefault("ratelimit.key_prefix", ratelimit.DefaultKeyPrefix)
	v.SetDefault("ratelimit.store_timeout", ratelimit.DefaultStoreTimeout)
	v.SetDefault("ratelimit.sweep_interval", time.Minute)
	v.SetDefault("ratelimit.event_ttl", ratelimit.DefaultEventTTL)
	v.SetDefault("ratelimit.stats_ttl", ratelimit.DefaultStatsTTL)
	v.SetDefault("ratelimit.circuit_breaker.name", breaker.Name)
	v.SetDefault("ratelimit.circuit_breaker.max_failures", breaker.MaxFailures)
	v.SetDefault("ratelimit.circuit_breaker.open_timeout", breaker.OpenTimeout)
	v.SetDefault("ratelimit.circuit_breaker.max_half_open_requests", breaker.MaxHalfOpenReqs)
	v.SetDefault("ratelimit.categories_file", "")
	v.SetDefault("ratelimit.fallback_category", ratelimit.CategoryAPIGeneral)
	v.SetDefault("ratelimit.jwt_secret", "")
	v.SetDefault("ratelimit.adaptive", false)

	kafka := messaging.DefaultKafkaConfig()
	v.SetDefault("kafka.enabled", false)
	v.SetDefault("kafka.brokers", []string{})
	v.SetDefault("kafka.topic", kafka.Topic)
	v.SetDefault("kafka.batch_size", kafka.BatchSize)
	v.SetDefault("kafka.batch_timeout", kafka.BatchTimeout)
	v.SetDefault("kafka.write_timeout", kafka.WriteTimeout)
	v.SetDefault("kafka.max_attempts", kafka.MaxAttempts)
	v.SetDefault("kafka.compression", kafka.Compression)

	v.SetDefault("log.level", "info")

	v.SetDefault("tracing.enabled", false)
	v.SetDefault("tracing.exporter", otel.ExporterNone)
	v.SetDefault("tracing.service_name", "ratewarden")
	v.SetDefault("tracing.sample_ratio", 1.0)
}

// Load reads .env (if present), then each existing YAML file in order, then
// environment overrides. Missing files are skipped.
func Load(logger *zap.Logger, paths ...string) (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}

	v := viper.New()
	setDefaults(v)
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	var loaded []string
	for _, path := range paths {
		if _, err := os.Stat(path); errors.Is(err, fs.ErrNotExist) {
			logger.Debug("config file not found, skipping", zap.String("path", path))
			continue
		}
		v.SetConfigFile(path)
		if err := v.MergeInConfig(); err != nil {
			return nil, fmt.Errorf("failed to load config file %s: %w", path, err)
		}
		loaded = append(loaded, path)
	}
	if len(loaded) == 0 {
		logger.Warn("no configuration files found, using defaults and environment variables")
	} else {
		logger.Info("loaded configuration files", zap.Strings("files", loaded))
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct constraints and cross-field rules.
func (c *Config) Validate() error {
	if err := validator.New().Struct(c); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	if c.RateLimit.Backend == "redis" && c.Redis.Addr == "" {
		return errors.New("configuration validation failed: redis.addr is required for the redis backend")
	}
	if err := ratelimit.ValidateDetectorRules(c.RateLimit.Detectors); err != nil {
		return fmt.Errorf("configuration validation failed: %w", err)
	}
	return nil
}

// CategoryRegistry builds the registry: built-in defaults, then the
// categories file, then inline overrides.
func (c *Config) CategoryRegistry() (*ratelimit.CategoryRegistry, error) {
	reg := ratelimit.NewCategoryRegistry(ratelimit.DefaultCategories())
	if c.RateLimit.CategoriesFile != "" {
		if err := reg.LoadFromFile(c.RateLimit.CategoriesFile); err != nil {
			return nil, err
		}
	}
	if err := reg.Merge(c.RateLimit.Categories); err != nil {
		return nil, err
	}
	return reg, nil
}

// RouteTable builds the guard's route table, falling back to the built-in
// routes when none are configured.
func (c *Config) RouteTable() (*middleware.RouteTable, error) {
	routes := c.RateLimit.Routes
	if len(routes) == 0 {
		routes = middleware.DefaultRoutes()
	}
	return middleware.NewRouteTable(routes, c.RateLimit.FallbackCategory)
}
