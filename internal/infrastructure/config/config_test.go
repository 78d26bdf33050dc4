package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Aidin1998/ratewarden/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/ratewarden/pkg/otel"
)

func writeFile(t *testing.T, name, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(body), 0o600))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(zaptest.NewLogger(t), filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Server.ListenAddr)
	assert.Equal(t, "redis", cfg.RateLimit.Backend)
	assert.Equal(t, ratelimit.DefaultKeyPrefix, cfg.RateLimit.KeyPrefix)
	assert.Equal(t, ratelimit.DefaultStoreTimeout, cfg.RateLimit.StoreTimeout)
	assert.Equal(t, 5, cfg.RateLimit.CircuitBreaker.MaxFailures)
	assert.False(t, cfg.Kafka.Enabled)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, otel.ExporterNone, cfg.Tracing.Exporter)
	assert.Equal(t, 1.0, cfg.Tracing.SampleRatio)

	reg, err := cfg.CategoryRegistry()
	require.NoError(t, err)
	assert.Len(t, reg.Names(), len(ratelimit.DefaultCategories()))

	routes, err := cfg.RouteTable()
	require.NoError(t, err)
	assert.Equal(t, ratelimit.CategoryAuthLogin, routes.Match("POST", "/auth/login"))
}

func TestLoad_FileAndEnv(t *testing.T) {
	path := writeFile(t, "config.yaml", `
server:
  listen_addr: ":9090"
  upstream_url: "http://app.internal:3000"
ratelimit:
  backend: memory
  store_timeout: 100ms
  categories:
    auth:login:
      window: 10m
      max_requests: 3
      block_duration: 1h
  routes:
    - method: POST
      pattern: /login
      category: auth:login
  fallback_category: public:read
  detectors:
    - type: scraping
      window: 2m
      threshold: 60
      severity: low
      action: monitor
      confidence_cap: 70
kafka:
  enabled: true
  brokers: ["kafka-1:9092", "kafka-2:9092"]
tracing:
  enabled: true
  exporter: stdout
  sample_ratio: 0.25
`)
	t.Setenv("RATEWARDEN_LOG_LEVEL", "debug")
	t.Setenv("RATEWARDEN_SERVER_MAX_IN_FLIGHT", "250")

	cfg, err := Load(zaptest.NewLogger(t), path)
	require.NoError(t, err)

	assert.Equal(t, ":9090", cfg.Server.ListenAddr)
	assert.Equal(t, 250, cfg.Server.MaxInFlight)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "memory", cfg.RateLimit.Backend)
	assert.Equal(t, 100*time.Millisecond, cfg.RateLimit.StoreTimeout)
	assert.Equal(t, []string{"kafka-1:9092", "kafka-2:9092"}, cfg.Kafka.Brokers)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, otel.ExporterStdout, cfg.Tracing.Exporter)
	assert.Equal(t, 0.25, cfg.Tracing.SampleRatio)

	reg, err := cfg.CategoryRegistry()
	require.NoError(t, err)
	login, ok := reg.Get(ratelimit.CategoryAuthLogin)
	require.True(t, ok)
	assert.Equal(t, 3, login.MaxRequests)
	assert.Equal(t, time.Hour, login.BlockDuration)

	require.Len(t, cfg.RateLimit.Detectors, 1)
	assert.Equal(t, ratelimit.AttackScraping, cfg.RateLimit.Detectors[0].Type)
	assert.Equal(t, 2*time.Minute, cfg.RateLimit.Detectors[0].Window)
	assert.Equal(t, int64(60), cfg.RateLimit.Detectors[0].Threshold)

	routes, err := cfg.RouteTable()
	require.NoError(t, err)
	assert.Equal(t, ratelimit.CategoryAuthLogin, routes.Match("POST", "/login"))
	assert.Equal(t, ratelimit.CategoryPublicRead, routes.Match("POST", "/auth/login"))
}

func TestLoad_Invalid(t *testing.T) {
	tests := map[string]string{
		"unknown backend": "ratelimit:\n  backend: etcd\n",
		"bad upstream":    "server:\n  upstream_url: not a url\n",
		"bad category":    "ratelimit:\n  categories:\n    x:y:\n      window: 1m\n      max_requests: 0\n",
		"kafka no topic":  "kafka:\n  enabled: true\n  brokers: [\"k:9092\"]\n  topic: \"\"\n",
		"malformed":       "server: [",
		"trace exporter":  "tracing:\n  exporter: zipkin\n",
		"sample ratio":    "tracing:\n  sample_ratio: 2\n",
		"zero threshold":  "ratelimit:\n  detectors:\n    - {type: ddos, window: 1m, threshold: 0, severity: high, action: block}\n",
	}
	for name, body := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Load(zaptest.NewLogger(t), writeFile(t, "config.yaml", body))
			assert.Error(t, err)
		})
	}
}
