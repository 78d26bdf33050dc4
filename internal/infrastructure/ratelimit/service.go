package ratelimit

import (
	"context"
	"fmt"
	"math"
	"time"

	"go.uber.org/zap"
)

// DefaultStoreTimeout bounds every counter store call.
const DefaultStoreTimeout = 250 * time.Millisecond

// Service is the rate limiting facade used by the HTTP boundary and the
// admin API. It owns no counters; all shared state lives in the store.
type Service struct {
	logger     *zap.Logger
	registry   *CategoryRegistry
	store      Store
	breaker    *CircuitBreaker
	limiter    *SlidingWindowLimiter
	blocks     *BlockRegistry
	detector   *AttackPatternDetector
	events     *SecurityEventLog
	statistics *StatisticsRecorder

	now          func() time.Time
	keys         Keyspace
	storeTimeout time.Duration
	breakerCfg   CircuitBreakerConfig
	eventTTL     time.Duration
	statsTTL     time.Duration
	rules        []DetectorRule
}

// Option configures a Service
type Option func(*Service)

// WithClock replaces time.Now for every time-dependent decision.
func WithClock(now func() time.Time) Option {
	return func(s *Service) { s.now = now }
}

// WithKeyPrefix sets the store key prefix.
func WithKeyPrefix(prefix string) Option {
	return func(s *Service) { s.keys = Keyspace{Prefix: prefix} }
}

// WithStoreTimeout bounds each store call; zero disables the bound.
func WithStoreTimeout(d time.Duration) Option {
	return func(s *Service) { s.storeTimeout = d }
}

// WithCircuitBreaker configures the breaker in front of the store.
func WithCircuitBreaker(cfg CircuitBreakerConfig) Option {
	return func(s *Service) { s.breakerCfg = cfg }
}

// WithEventTTL sets how long security events are retained.
func WithEventTTL(d time.Duration) Option {
	return func(s *Service) { s.eventTTL = d }
}

// WithStatsTTL sets how long hourly statistics buckets are retained.
func WithStatsTTL(d time.Duration) Option {
	return func(s *Service) { s.statsTTL = d }
}

// WithDetectorRules replaces the built-in detector rules. Rules failing
// ValidateDetectorRules are logged and the built-in set is used instead;
// callers loading rules from configuration validate them up front.
func WithDetectorRules(rules ...DetectorRule) Option {
	return func(s *Service) { s.rules = rules }
}

// NewService wires the engine over store. The registry is shared with the
// caller; admin overrides made through the service are visible to it.
func NewService(store Store, registry *CategoryRegistry, logger *zap.Logger, opts ...Option) *Service {
	s := &Service{
		logger:       logger.Named("ratelimit"),
		registry:     registry,
		now:          time.Now,
		keys:         Keyspace{Prefix: DefaultKeyPrefix},
		storeTimeout: DefaultStoreTimeout,
		breakerCfg:   DefaultCircuitBreakerConfig(),
	}
	for _, o := range opts {
		o(s)
	}
	if s.registry == nil {
		s.registry = NewCategoryRegistry(DefaultCategories())
	}

	clock := func() time.Time { return s.now() }
	s.breaker = NewCircuitBreaker(s.breakerCfg, s.logger)
	s.breaker.now = clock
	s.store = newGuardedStore(store, s.breaker, s.storeTimeout)
	s.limiter = NewSlidingWindowLimiter(s.store, s.keys, clock, s.logger)
	s.blocks = NewBlockRegistry(s.store, s.keys, clock, s.logger)
	detector, err := NewAttackPatternDetector(s.store, s.keys, clock, s.logger, s.rules...)
	if err != nil {
		s.logger.Error("invalid detector rules, using built-in rules", zap.Error(err))
		detector, _ = NewAttackPatternDetector(s.store, s.keys, clock, s.logger)
	}
	s.detector = detector
	s.events = NewSecurityEventLog(s.store, s.keys, s.eventTTL, clock, s.logger)
	s.statistics = NewStatisticsRecorder(s.store, s.keys, s.statsTTL, clock, s.logger)
	return s
}

// Start begins delivering security events to subscribers.
func (s *Service) Start() {
	s.events.Start()
}

// Close drains queued security events. The store is owned by the caller.
func (s *Service) Close() {
	s.events.Stop()
}

// Events exposes the security event log for subscriptions.
func (s *Service) Events() *SecurityEventLog {
	return s.events
}

// Store returns the guarded store used by every component.
func (s *Service) Store() Store {
	return s.store
}

// BreakerMetrics reports the store circuit breaker state.
func (s *Service) BreakerMetrics() CircuitBreakerMetrics {
	return s.breaker.GetMetrics()
}

func (s *Service) resolve(category string, override *Config) (Config, error) {
	if override != nil {
		return *override, nil
	}
	cfg, ok := s.registry.Get(category)
	if !ok {
		return Config{}, fmt.Errorf("%w: %s", ErrConfigNotFound, category)
	}
	return cfg, nil
}

func (s *Service) keyFor(category string, rc RequestContext) Key {
	cfg, _ := s.registry.Get(category)
	return Key{Category: category, Identifier: rc.Identifier(cfg)}
}

// CheckRateLimit decides one request. Only ErrConfigNotFound is returned;
// store failures fail open.
func (s *Service) CheckRateLimit(ctx context.Context, rc RequestContext, category string, override *Config) (Result, error) {
	start := time.Now()
	defer func() {
		rateLimitLatency.WithLabelValues(category).Observe(time.Since(start).Seconds())
	}()

	cfg, err := s.resolve(category, override)
	if err != nil {
		return Result{}, err
	}
	key := Key{Category: category, Identifier: rc.Identifier(cfg)}

	if ttl := s.blocks.Remaining(ctx, key); ttl > 0 {
		rateLimitDecisions.WithLabelValues(category, string(OutcomeBlocked)).Inc()
		s.statistics.RecordDecision(ctx, key, OutcomeBlocked)
		return Result{
			Allowed:    false,
			Blocked:    true,
			Limit:      cfg.MaxRequests,
			ResetTime:  s.now().Add(ttl),
			RetryAfter: ttl,
		}, nil
	}

	res, reached := s.limiter.Check(ctx, key, cfg)
	if !reached {
		rateLimitDecisions.WithLabelValues(category, string(OutcomeFailOpen)).Inc()
		return res, nil
	}
	if res.Allowed {
		rateLimitDecisions.WithLabelValues(category, string(OutcomeAllowed)).Inc()
		s.statistics.RecordDecision(ctx, key, OutcomeAllowed)
		return res, nil
	}

	if cfg.BlockDuration > 0 {
		reason := fmt.Sprintf("rate limit exceeded: %d requests in %s", res.TotalHits, cfg.Window)
		if entry, created := s.blocks.BlockIfAbsent(ctx, key, cfg.BlockDuration, reason); created {
			blocksCreated.WithLabelValues(category, "exceeded").Inc()
			s.events.Emit(ctx, EventBlockCreated, key, map[string]interface{}{
				"reason":         reason,
				"total_hits":     res.TotalHits,
				"limit":          cfg.MaxRequests,
				"block_duration": cfg.BlockDuration.String(),
				"expires_at":     entry.ExpiresAt,
			})
			res.Blocked = true
			res.RetryAfter = cfg.BlockDuration
		}
	}

	if s.firstExceeded(ctx, key, cfg.Window) {
		s.events.Emit(ctx, EventRateLimitExceeded, key, map[string]interface{}{
			"total_hits": res.TotalHits,
			"limit":      cfg.MaxRequests,
			"window":     cfg.Window.String(),
			"path":       rc.Path,
			"method":     rc.Method,
			"user_agent": rc.UserAgent,
		})
	}
	rateLimitDecisions.WithLabelValues(category, string(OutcomeLimited)).Inc()
	s.statistics.RecordDecision(ctx, key, OutcomeLimited)
	return res, nil
}

// firstExceeded reports whether this is the first rejection of key within
// window. Later rejections are counted in metrics and statistics only.
func (s *Service) firstExceeded(ctx context.Context, key Key, window time.Duration) bool {
	ok, err := s.store.SetNX(ctx, s.keys.Exceeded(key), []byte(formatInt(s.now().UnixMilli())), window)
	if err != nil {
		s.logger.Debug("failed to mark rate limit exceeded", zap.String("key", key.String()), zap.Error(err))
		return false
	}
	return ok
}

// IsBlocked reports whether the request's key is blocked in category.
func (s *Service) IsBlocked(ctx context.Context, rc RequestContext, category string) bool {
	return s.blocks.IsBlocked(ctx, s.keyFor(category, rc))
}

// BlockKey blocks identifier in category for d, overwriting any live block.
// Unlike the request path, a store failure is reported to the caller.
func (s *Service) BlockKey(ctx context.Context, category, identifier string, d time.Duration, reason string) (BlockEntry, error) {
	if identifier == "" || category == "" {
		return BlockEntry{}, fmt.Errorf("%w: category and identifier are required", ErrInvalidConfig)
	}
	if d <= 0 {
		return BlockEntry{}, fmt.Errorf("%w: block duration must be positive", ErrInvalidConfig)
	}
	key := Key{Category: category, Identifier: identifier}
	entry, ok := s.blocks.Block(ctx, key, d, reason)
	if !ok {
		return BlockEntry{}, fmt.Errorf("%w: block for %s was not stored", ErrStoreUnavailable, key)
	}
	blocksCreated.WithLabelValues(category, "manual").Inc()
	s.events.Emit(ctx, EventManualBlock, key, map[string]interface{}{
		"reason":         reason,
		"block_duration": d.String(),
		"expires_at":     entry.ExpiresAt,
	})
	return entry, nil
}

// UnblockKey removes a block. Unblocking an unblocked key does nothing.
func (s *Service) UnblockKey(ctx context.Context, category, identifier, reason string) {
	key := Key{Category: category, Identifier: identifier}
	if !s.blocks.IsBlocked(ctx, key) {
		return
	}
	if s.blocks.Unblock(ctx, key) {
		s.events.Emit(ctx, EventManualUnblock, key, map[string]interface{}{"reason": reason})
	}
}

// DetectAttackPatterns runs every detector for the request's source.
func (s *Service) DetectAttackPatterns(ctx context.Context, rc RequestContext) []AttackPattern {
	patterns := s.detector.Detect(ctx, rc.DefaultIdentifier(), rc)
	for _, p := range patterns {
		attackPatternsDetected.WithLabelValues(string(p.Type), string(p.Severity)).Inc()
	}
	s.statistics.RecordPatterns(ctx, patterns)
	return patterns
}

// BlockDurationForSeverity maps a pattern severity to a block length.
func BlockDurationForSeverity(sev Severity) time.Duration {
	switch sev {
	case SeverityCritical:
		return 24 * time.Hour
	case SeverityHigh:
		return 2 * time.Hour
	case SeverityMedium:
		return 30 * time.Minute
	case SeverityLow:
		return 5 * time.Minute
	default:
		return 15 * time.Minute
	}
}

// HandleAttackPatterns audits every pattern and blocks the request's key in
// category when any pattern recommends it. The longest block wins and an
// existing longer block is left alone.
func (s *Service) HandleAttackPatterns(ctx context.Context, rc RequestContext, category string, patterns []AttackPattern) bool {
	if len(patterns) == 0 {
		return false
	}
	key := s.keyFor(category, rc)

	var blockFor time.Duration
	var cause *AttackPattern
	for i := range patterns {
		p := patterns[i]
		s.events.Emit(ctx, EventAttackDetected, key, map[string]interface{}{
			"type":               p.Type,
			"severity":           p.Severity,
			"confidence":         p.Confidence,
			"indicators":         p.Indicators,
			"recommended_action": p.RecommendedAction,
			"path":               rc.Path,
			"user_agent":         rc.UserAgent,
		})
		if p.RecommendedAction != ActionBlock {
			continue
		}
		if d := BlockDurationForSeverity(p.Severity); d > blockFor {
			blockFor = d
			cause = &patterns[i]
		}
	}
	if cause == nil {
		return false
	}

	if s.blocks.Remaining(ctx, key) >= blockFor {
		return true
	}
	reason := fmt.Sprintf("attack pattern %s (%s, confidence %d)", cause.Type, cause.Severity, cause.Confidence)
	entry, ok := s.blocks.Block(ctx, key, blockFor, reason)
	if !ok {
		return false
	}
	blocksCreated.WithLabelValues(category, "attack").Inc()
	s.events.Emit(ctx, EventBlockCreated, key, map[string]interface{}{
		"reason":         reason,
		"block_duration": blockFor.String(),
		"expires_at":     entry.ExpiresAt,
	})
	s.logger.Warn("blocked source for attack pattern",
		zap.String("key", key.String()),
		zap.String("pattern", string(cause.Type)),
		zap.Duration("duration", blockFor))
	return true
}

// RecordSignal increments the auxiliary counter behind detector t.
func (s *Service) RecordSignal(ctx context.Context, t AttackType, identifier string) {
	if err := s.detector.Record(ctx, t, identifier); err != nil {
		s.logger.Debug("failed to record attack signal",
			zap.String("detector", string(t)),
			zap.String("identifier", identifier),
			zap.Error(err))
	}
}

// loadMultiplier scales limits down as system load (percent) rises.
func loadMultiplier(load float64) float64 {
	switch {
	case load <= 60:
		return 1.0
	case load <= 70:
		return 0.7
	case load <= 80:
		return 0.5
	case load <= 90:
		return 0.3
	default:
		return 0.1
	}
}

// GetAdaptiveRateLimit derives a tighter config under load. It is pure.
func (s *Service) GetAdaptiveRateLimit(base Config, load float64) Config {
	return AdaptiveConfig(base, load)
}

// AdaptiveConfig scales MaxRequests by the load multiplier (never below
// one) and stretches BlockDuration by 2-m when set.
func AdaptiveConfig(base Config, load float64) Config {
	m := loadMultiplier(load)
	out := base
	out.MaxRequests = int(math.Max(1, math.Floor(float64(base.MaxRequests)*m)))
	if base.BlockDuration > 0 {
		out.BlockDuration = time.Duration(math.Round(float64(base.BlockDuration) * (2 - m)))
	}
	return out
}

// GetStatistics aggregates hourly buckets for "hour", "day" or "week".
func (s *Service) GetStatistics(ctx context.Context, rangeName string) (*Statistics, error) {
	return s.statistics.Get(ctx, rangeName)
}

// Config returns the registered config for category.
func (s *Service) Config(category string) (Config, error) {
	return s.resolve(category, nil)
}

// Categories returns every registered config.
func (s *Service) Categories() map[string]Config {
	return s.registry.Snapshot()
}

// SetCategory installs or replaces a category config at runtime.
func (s *Service) SetCategory(category string, cfg Config) error {
	if err := s.registry.Set(category, cfg); err != nil {
		return err
	}
	s.logger.Info("rate limit category updated",
		zap.String("category", category),
		zap.Duration("window", cfg.Window),
		zap.Int("max_requests", cfg.MaxRequests),
		zap.Duration("block_duration", cfg.BlockDuration))
	return nil
}

// ResetKey clears the window for identifier in category.
func (s *Service) ResetKey(ctx context.Context, category, identifier string) error {
	if _, err := s.resolve(category, nil); err != nil {
		return err
	}
	return s.limiter.Reset(ctx, Key{Category: category, Identifier: identifier})
}

// KeyStatus reports the window count and block entry for identifier.
func (s *Service) KeyStatus(ctx context.Context, category, identifier string) (*KeyStatus, error) {
	cfg, err := s.resolve(category, nil)
	if err != nil {
		return nil, err
	}
	key := Key{Category: category, Identifier: identifier}
	count, err := s.limiter.Count(ctx, key, cfg)
	if err != nil {
		return nil, err
	}
	st := &KeyStatus{
		Key:       key,
		Config:    cfg,
		Current:   count,
		Remaining: max(cfg.MaxRequests-int(count), 0),
	}
	if entry, ok := s.blocks.Get(ctx, key); ok {
		st.Block = entry
	}
	return st, nil
}
