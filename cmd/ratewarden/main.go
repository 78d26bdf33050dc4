package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/Aidin1998/ratewarden/internal/infrastructure/config"
	"github.com/Aidin1998/ratewarden/internal/infrastructure/messaging"
	"github.com/Aidin1998/ratewarden/internal/infrastructure/middleware"
	"github.com/Aidin1998/ratewarden/internal/infrastructure/ratelimit"
	"github.com/Aidin1998/ratewarden/internal/infrastructure/server"
	"github.com/Aidin1998/ratewarden/pkg/logger"
	"github.com/Aidin1998/ratewarden/pkg/otel"
)

func main() {
	zapLogger, level, err := logger.NewLogger("info")
	if err != nil {
		log.Fatalf("Failed to create logger: %v", err)
	}
	defer func() { _ = zapLogger.Sync() }()

	paths := []string{"./config.yaml", "./configs/config.yaml", "/etc/ratewarden/config.yaml"}
	if p := os.Getenv("RATEWARDEN_CONFIG"); p != "" {
		paths = []string{p}
	}
	cfg, err := config.Load(zapLogger, paths...)
	if err != nil {
		zapLogger.Fatal("Failed to load configuration", zap.Error(err))
	}
	if l, err := zapcore.ParseLevel(cfg.Log.Level); err == nil {
		level.SetLevel(l)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	shutdownTracing, err := otel.Setup(ctx, cfg.Tracing)
	if err != nil {
		zapLogger.Fatal("Failed to set up tracing", zap.Error(err))
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracing(flushCtx); err != nil {
			zapLogger.Warn("Failed to flush traces", zap.Error(err))
		}
	}()

	// Counter store
	var (
		store      ratelimit.Store
		redisStore *ratelimit.RedisStore
	)
	switch cfg.RateLimit.Backend {
	case "memory":
		zapLogger.Warn("using in-process counter store; limits are not shared between instances")
		store = ratelimit.NewMemoryStore(cfg.RateLimit.SweepInterval)
	default:
		redisStore = ratelimit.NewRedisStore(ratelimit.RedisOptions{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
			PoolSize: cfg.Redis.PoolSize,
		})
		if err := redisStore.Ping(ctx); err != nil {
			// Fail open until Redis comes back.
			zapLogger.Warn("Redis unreachable at startup", zap.String("addr", cfg.Redis.Addr), zap.Error(err))
		}
		store = redisStore
	}
	defer func() { _ = store.Close() }()

	registry, err := cfg.CategoryRegistry()
	if err != nil {
		zapLogger.Fatal("Failed to build rate limit categories", zap.Error(err))
	}
	routes, err := cfg.RouteTable()
	if err != nil {
		zapLogger.Fatal("Failed to build route table", zap.Error(err))
	}

	svcOpts := []ratelimit.Option{
		ratelimit.WithKeyPrefix(cfg.RateLimit.KeyPrefix),
		ratelimit.WithStoreTimeout(cfg.RateLimit.StoreTimeout),
		ratelimit.WithCircuitBreaker(cfg.RateLimit.CircuitBreaker),
		ratelimit.WithEventTTL(cfg.RateLimit.EventTTL),
		ratelimit.WithStatsTTL(cfg.RateLimit.StatsTTL),
	}
	if len(cfg.RateLimit.Detectors) > 0 {
		svcOpts = append(svcOpts, ratelimit.WithDetectorRules(cfg.RateLimit.Detectors...))
	}
	svc := ratelimit.NewService(store, registry, zapLogger, svcOpts...)

	if cfg.Kafka.Enabled {
		sink, err := messaging.NewKafkaEventSink(cfg.Kafka, zapLogger)
		if err != nil {
			zapLogger.Fatal("Failed to create Kafka event sink", zap.Error(err))
		}
		defer func() { _ = sink.Close() }()
		svc.Events().Subscribe(sink)
	}
	svc.Start()
	defer svc.Close()

	monitor := ratelimit.NewMonitor(zapLogger, redisStore)
	monitor.RegisterHealthChecker(ratelimit.NewStoreHealthChecker("counter_store", store))
	go monitor.Run(ctx, 15*time.Second)

	inflight := middleware.NewInFlight(cfg.Server.MaxInFlight)
	guardOpts := []middleware.GuardOption{}
	if cfg.RateLimit.JWTSecret != "" {
		guardOpts = append(guardOpts, middleware.WithJWTSecret([]byte(cfg.RateLimit.JWTSecret)))
	}
	if cfg.RateLimit.Adaptive {
		guardOpts = append(guardOpts, middleware.WithLoadFunc(inflight.Load))
	}

	srv, err := server.NewHTTPServer(server.HTTPServerOptions{
		Config:      &cfg.Server,
		Logger:      zapLogger,
		Service:     svc,
		Guard:       middleware.NewRateLimitGuard(svc, routes, zapLogger, guardOpts...),
		InFlight:    inflight,
		Monitor:     monitor,
		AdminSecret: []byte(cfg.RateLimit.JWTSecret),
	})
	if err != nil {
		zapLogger.Fatal("Failed to create HTTP server", zap.Error(err))
	}

	errCh := make(chan error, 1)
	go func() { errCh <- srv.Start() }()

	select {
	case <-ctx.Done():
		zapLogger.Info("Shutting down gateway")
	case err := <-errCh:
		if err != nil {
			zapLogger.Error("HTTP server failed", zap.Error(err))
		}
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		zapLogger.Error("Graceful shutdown failed", zap.Error(err))
	}
}
