// types.go: Core types, enums, and interfaces for rate limiting and attack detection
package ratelimit

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrConfigNotFound is returned when a category has no registered config and no override was given.
	ErrConfigNotFound = errors.New("rate limit config not found")
	// ErrInvalidRange is returned by statistics queries for an unknown range.
	ErrInvalidRange = errors.New("invalid statistics range")
	// ErrInvalidConfig is returned when a config fails validation.
	ErrInvalidConfig = errors.New("invalid rate limit config")
	// ErrStoreUnavailable wraps every failure talking to the counter store.
	ErrStoreUnavailable = errors.New("counter store unavailable")
	// ErrKeyNotFound is returned by store reads for absent keys.
	ErrKeyNotFound = errors.New("key not found")
)

// LoopbackIdentifier is used when a request carries no identifying signal.
const LoopbackIdentifier = "127.0.0.1"

// Config holds the limit for a single category
type Config struct {
	Window        time.Duration `json:"window" yaml:"window" mapstructure:"window" validate:"gt=0"`
	MaxRequests   int           `json:"max_requests" yaml:"max_requests" mapstructure:"max_requests" validate:"gte=1"`
	BlockDuration time.Duration `json:"block_duration,omitempty" yaml:"block_duration,omitempty" mapstructure:"block_duration" validate:"gte=0"`
	Description   string        `json:"description,omitempty" yaml:"description,omitempty" mapstructure:"description"`

	// KeyGenerator overrides identifier resolution for this category.
	KeyGenerator func(RequestContext) string `json:"-" yaml:"-" mapstructure:"-"`
}

// Key identifies one counter / block entry
type Key struct {
	Category   string `json:"category"`
	Identifier string `json:"identifier"`
}

func (k Key) String() string {
	return k.Category + ":" + k.Identifier
}

// Result is the outcome of a rate limit check
type Result struct {
	Allowed         bool          `json:"allowed"`
	Blocked         bool          `json:"blocked,omitempty"`
	Limit           int           `json:"limit"`
	TotalHits       int64         `json:"total_hits"`
	RemainingPoints int           `json:"remaining_points"`
	ResetTime       time.Time     `json:"reset_time"`
	RetryAfter      time.Duration `json:"retry_after,omitempty"`
}

// RetryAfterSeconds rounds RetryAfter up to whole seconds.
func (r Result) RetryAfterSeconds() int {
	return ceilSeconds(r.RetryAfter)
}

// BlockEntry is the value stored for a blocked key
type BlockEntry struct {
	Reason    string    `json:"reason"`
	CreatedAt time.Time `json:"created_at"`
	ExpiresAt time.Time `json:"expires_at"`
}

// AttackType enumerates the detectors
type AttackType string

const (
	AttackBruteForce         AttackType = "brute_force"
	AttackDDoS               AttackType = "ddos"
	AttackCredentialStuffing AttackType = "credential_stuffing"
	AttackEnumeration        AttackType = "enumeration"
	AttackScraping           AttackType = "scraping"
)

// Severity of a detected pattern
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

// Action recommended for a detected pattern
type Action string

const (
	ActionMonitor  Action = "monitor"
	ActionThrottle Action = "throttle"
	ActionCaptcha  Action = "captcha"
	ActionBlock    Action = "block"
)

// AttackPattern is a classified finding; never persisted
type AttackPattern struct {
	Type              AttackType `json:"type"`
	Severity          Severity   `json:"severity"`
	Confidence        int        `json:"confidence"`
	Indicators        []string   `json:"indicators"`
	RecommendedAction Action     `json:"recommended_action"`
}

// SecurityEventName names audit events
type SecurityEventName string

const (
	EventRateLimitExceeded SecurityEventName = "rate_limit_exceeded"
	EventBlockCreated      SecurityEventName = "block_created"
	EventManualBlock       SecurityEventName = "manual_block"
	EventManualUnblock     SecurityEventName = "manual_unblock"
	EventAttackDetected    SecurityEventName = "attack_pattern_detected"
)

// SecurityEvent is an append-only audit record
type SecurityEvent struct {
	ID         string                 `json:"id"`
	Timestamp  time.Time              `json:"timestamp"`
	Event      SecurityEventName      `json:"event"`
	Category   string                 `json:"category"`
	Identifier string                 `json:"identifier"`
	Details    map[string]interface{} `json:"details,omitempty"`
}

// RequestContext carries everything the engine reads from an inbound request
type RequestContext struct {
	UserID         string `json:"user_id,omitempty"`
	ForwardedFor   string `json:"forwarded_for,omitempty"`
	RealIP         string `json:"real_ip,omitempty"`
	CFConnectingIP string `json:"cf_connecting_ip,omitempty"`
	RemoteAddr     string `json:"remote_addr,omitempty"`
	Path           string `json:"path"`
	Method         string `json:"method"`
	UserAgent      string `json:"user_agent,omitempty"`
}

// Statistics is the aggregate report returned by GetStatistics
type Statistics struct {
	Range                 string                   `json:"range"`
	From                  time.Time                `json:"from"`
	To                    time.Time                `json:"to"`
	TotalRequests         int64                    `json:"total_requests"`
	BlockedRequests       int64                    `json:"blocked_requests"`
	TopBlockedIdentifiers []IdentifierCount        `json:"top_blocked_identifiers"`
	PatternCounts         map[AttackType]int64     `json:"pattern_counts"`
	Categories            map[string]CategoryStats `json:"categories"`
}

// IdentifierCount pairs an identifier with a count
type IdentifierCount struct {
	Identifier string `json:"identifier"`
	Count      int64  `json:"count"`
}

// CategoryStats is the per-category breakdown
type CategoryStats struct {
	Total   int64 `json:"total"`
	Blocked int64 `json:"blocked"`
}

// KeyStatus is the admin view of one key
type KeyStatus struct {
	Key       Key         `json:"key"`
	Config    Config      `json:"config"`
	Current   int64       `json:"current"`
	Remaining int         `json:"remaining"`
	Block     *BlockEntry `json:"block,omitempty"`
}

func ceilSeconds(d time.Duration) int {
	if d <= 0 {
		return 0
	}
	s := d / time.Second
	if d%time.Second != 0 {
		s++
	}
	return int(s)
}

func wrapStoreErr(op string, err error) error {
	if err == nil || errors.Is(err, ErrKeyNotFound) {
		return err
	}
	return fmt.Errorf("%s: %w: %v", op, ErrStoreUnavailable, err)
}
