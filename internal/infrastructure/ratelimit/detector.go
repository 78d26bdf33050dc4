package ratelimit

import (
	"context"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
)

// DetectorRule describes one heuristic detector
type DetectorRule struct {
	Type      AttackType    `yaml:"type" json:"type" mapstructure:"type" validate:"required"`
	Window    time.Duration `yaml:"window" json:"window" mapstructure:"window" validate:"gt=0"`
	Threshold int64         `yaml:"threshold" json:"threshold" mapstructure:"threshold" validate:"gte=1"`
	// SuspiciousThreshold applies instead of Threshold when the user agent
	// looks automated; zero disables the relaxation.
	SuspiciousThreshold int64    `yaml:"suspicious_threshold" json:"suspicious_threshold" mapstructure:"suspicious_threshold" validate:"gte=0"`
	Severity            Severity `yaml:"severity" json:"severity" mapstructure:"severity" validate:"oneof=low medium high critical"`
	Action              Action   `yaml:"action" json:"action" mapstructure:"action" validate:"oneof=monitor throttle captcha block"`
	// SuspiciousConfidence is reported for suspicious agents when set.
	SuspiciousConfidence int `yaml:"suspicious_confidence" json:"suspicious_confidence" mapstructure:"suspicious_confidence" validate:"gte=0,lte=100"`
	// ConfidenceCap bounds the count-derived confidence.
	ConfidenceCap int `yaml:"confidence_cap" json:"confidence_cap" mapstructure:"confidence_cap" validate:"gte=0,lte=100"`
	// PathGated rules only run on enumeration-shaped paths.
	PathGated bool `yaml:"path_gated" json:"path_gated" mapstructure:"path_gated"`
}

// Validate checks the rule bounds; Threshold is a divisor.
func (r DetectorRule) Validate() error {
	if err := validate.Struct(r); err != nil {
		return fmt.Errorf("%w: detector %q: %v", ErrInvalidConfig, r.Type, err)
	}
	return nil
}

// ValidateDetectorRules validates every rule and rejects duplicate types.
func ValidateDetectorRules(rules []DetectorRule) error {
	seen := make(map[AttackType]bool, len(rules))
	for _, r := range rules {
		if err := r.Validate(); err != nil {
			return err
		}
		if seen[r.Type] {
			return fmt.Errorf("%w: duplicate detector %q", ErrInvalidConfig, r.Type)
		}
		seen[r.Type] = true
	}
	return nil
}

// DefaultDetectorRules returns the five built-in detectors in report order.
func DefaultDetectorRules() []DetectorRule {
	return []DetectorRule{
		{
			Type: AttackBruteForce, Window: 5 * time.Minute, Threshold: 10,
			Severity: SeverityHigh, Action: ActionBlock, ConfidenceCap: 100,
		},
		{
			Type: AttackDDoS, Window: time.Minute, Threshold: 200,
			Severity: SeverityCritical, Action: ActionBlock, ConfidenceCap: 100,
		},
		{
			Type: AttackCredentialStuffing, Window: 10 * time.Minute, Threshold: 20, SuspiciousThreshold: 5,
			Severity: SeverityHigh, Action: ActionCaptcha, SuspiciousConfidence: 90, ConfidenceCap: 80,
		},
		{
			Type: AttackEnumeration, Window: 5 * time.Minute, Threshold: 50,
			Severity: SeverityMedium, Action: ActionThrottle, ConfidenceCap: 100, PathGated: true,
		},
		{
			Type: AttackScraping, Window: time.Minute, Threshold: 30, SuspiciousThreshold: 10,
			Severity: SeverityLow, Action: ActionMonitor, SuspiciousConfidence: 85, ConfidenceCap: 70,
		},
	}
}

// confidence is min(cap, count/threshold*100), or the fixed value for
// suspicious agents.
func (r DetectorRule) confidence(count int64, suspicious bool) int {
	if suspicious && r.SuspiciousConfidence > 0 {
		return r.SuspiciousConfidence
	}
	c := count * 100 / r.Threshold
	if c > int64(r.ConfidenceCap) {
		return r.ConfidenceCap
	}
	return int(c)
}

func (r DetectorRule) threshold(suspicious bool) int64 {
	if suspicious && r.SuspiciousThreshold > 0 {
		return r.SuspiciousThreshold
	}
	return r.Threshold
}

// AttackPatternDetector classifies a request against auxiliary windowed
// counters. Detection never writes; Record is the only mutator.
type AttackPatternDetector struct {
	store  Store
	keys   Keyspace
	now    func() time.Time
	rules  []DetectorRule
	byType map[AttackType]DetectorRule
	logger *zap.Logger
}

// NewAttackPatternDetector creates a detector with the given rules, or the
// defaults when rules is empty.
func NewAttackPatternDetector(store Store, keys Keyspace, now func() time.Time, logger *zap.Logger, rules ...DetectorRule) (*AttackPatternDetector, error) {
	if now == nil {
		now = time.Now
	}
	if len(rules) == 0 {
		rules = DefaultDetectorRules()
	}
	if err := ValidateDetectorRules(rules); err != nil {
		return nil, err
	}
	byType := make(map[AttackType]DetectorRule, len(rules))
	for _, r := range rules {
		byType[r.Type] = r
	}
	return &AttackPatternDetector{
		store:  store,
		keys:   keys,
		now:    now,
		rules:  rules,
		byType: byType,
		logger: logger.Named("detector"),
	}, nil
}

// Record adds one event to the auxiliary counter for t and identifier.
func (d *AttackPatternDetector) Record(ctx context.Context, t AttackType, identifier string) error {
	r, ok := d.byType[t]
	if !ok {
		return fmt.Errorf("unknown detector %q", t)
	}
	_, err := d.store.SlidingWindow(ctx, d.keys.Attack(t, identifier), d.now(), r.Window)
	return err
}

// Detect runs every detector concurrently and returns the findings in rule
// order. A detector whose counter cannot be read reports nothing.
func (d *AttackPatternDetector) Detect(ctx context.Context, identifier string, rc RequestContext) []AttackPattern {
	suspicious := IsSuspiciousUserAgent(rc.UserAgent)
	enumPath := IsEnumerationPath(rc.Path)
	now := d.now()

	found := make([]*AttackPattern, len(d.rules))
	var wg sync.WaitGroup
	for i, rule := range d.rules {
		if rule.PathGated && !enumPath {
			continue
		}
		wg.Add(1)
		go func(i int, rule DetectorRule) {
			defer wg.Done()
			count, err := d.store.WindowCount(ctx, d.keys.Attack(rule.Type, identifier), now, rule.Window)
			if err != nil {
				d.logger.Debug("detector read failed",
					zap.String("detector", string(rule.Type)),
					zap.String("identifier", identifier),
					zap.Error(err))
				return
			}
			found[i] = d.evaluate(rule, count, suspicious, rc)
		}(i, rule)
	}
	wg.Wait()

	var out []AttackPattern
	for _, p := range found {
		if p != nil {
			out = append(out, *p)
		}
	}
	return out
}

func (d *AttackPatternDetector) evaluate(rule DetectorRule, count int64, suspicious bool, rc RequestContext) *AttackPattern {
	threshold := rule.threshold(suspicious)
	if count < threshold {
		return nil
	}
	indicators := []string{
		fmt.Sprintf("%d events in %s (threshold %d)", count, rule.Window, threshold),
	}
	if suspicious && rule.SuspiciousThreshold > 0 {
		indicators = append(indicators, "suspicious user agent: "+rc.UserAgent)
	}
	if rule.PathGated {
		indicators = append(indicators, "enumeration-shaped path: "+rc.Path)
	}
	return &AttackPattern{
		Type:              rule.Type,
		Severity:          rule.Severity,
		Confidence:        rule.confidence(count, suspicious && rule.SuspiciousThreshold > 0),
		Indicators:        indicators,
		RecommendedAction: rule.Action,
	}
}
