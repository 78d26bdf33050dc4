package ratelimit

import (
	"context"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"
)

// DefaultStatsTTL keeps hourly buckets long enough to answer "week".
const DefaultStatsTTL = 8 * 24 * time.Hour

const topBlockedLimit = 10

// statistics ranges, in UTC clock-hour buckets counted back from the
// current one. "hour" is the current clock hour only, so at 10:05 it covers
// five minutes.
var statsRanges = map[string]int{
	"hour": 1,
	"day":  24,
	"week": 168,
}

// Outcome labels a recorded decision
type Outcome string

const (
	OutcomeAllowed  Outcome = "allowed"
	OutcomeLimited  Outcome = "limited"
	OutcomeBlocked  Outcome = "blocked"
	OutcomeFailOpen Outcome = "fail_open"
)

// StatisticsRecorder keeps hourly hash buckets of decisions and patterns
type StatisticsRecorder struct {
	store  Store
	keys   Keyspace
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger
}

// NewStatisticsRecorder creates a recorder; ttl <= 0 selects DefaultStatsTTL.
func NewStatisticsRecorder(store Store, keys Keyspace, ttl time.Duration, now func() time.Time, logger *zap.Logger) *StatisticsRecorder {
	if ttl <= 0 {
		ttl = DefaultStatsTTL
	}
	if now == nil {
		now = time.Now
	}
	return &StatisticsRecorder{store: store, keys: keys, ttl: ttl, now: now, logger: logger.Named("statistics")}
}

// RecordDecision counts one rate limit decision.
func (s *StatisticsRecorder) RecordDecision(ctx context.Context, key Key, outcome Outcome) {
	fields := map[string]int64{"total": 1}
	fields["cat:"+key.Category+":total"] = 1
	if outcome == OutcomeLimited || outcome == OutcomeBlocked {
		fields["blocked"] = 1
		fields["cat:"+key.Category+":blocked"] = 1
		fields["id:"+key.Identifier] = 1
	}
	s.incr(ctx, fields)
}

// RecordPatterns counts detected attack patterns.
func (s *StatisticsRecorder) RecordPatterns(ctx context.Context, patterns []AttackPattern) {
	if len(patterns) == 0 {
		return
	}
	fields := make(map[string]int64, len(patterns))
	for _, p := range patterns {
		fields["pattern:"+string(p.Type)]++
	}
	s.incr(ctx, fields)
}

func (s *StatisticsRecorder) incr(ctx context.Context, fields map[string]int64) {
	if err := s.store.HIncrBy(ctx, s.keys.Stats(s.now()), fields, s.ttl); err != nil {
		s.logger.Debug("failed to record statistics", zap.Error(err))
	}
}

// Get aggregates whole clock-hour buckets for rangeName ("hour", "day",
// "week"). From is the start of the oldest bucket read, so the report
// always states exactly what it covers.
func (s *StatisticsRecorder) Get(ctx context.Context, rangeName string) (*Statistics, error) {
	hours, ok := statsRanges[rangeName]
	if !ok {
		return nil, fmt.Errorf("%w: %q", ErrInvalidRange, rangeName)
	}

	now := s.now().UTC()
	current := now.Truncate(time.Hour)
	keys := make([]string, hours)
	for i := 0; i < hours; i++ {
		keys[i] = s.keys.Stats(current.Add(-time.Duration(i) * time.Hour))
	}

	buckets, err := s.store.HGetAll(ctx, keys...)
	if err != nil {
		return nil, err
	}

	stats := &Statistics{
		Range:         rangeName,
		From:          current.Add(-time.Duration(hours-1) * time.Hour),
		To:            now,
		PatternCounts: make(map[AttackType]int64),
		Categories:    make(map[string]CategoryStats),
	}
	blockedBy := make(map[string]int64)
	for _, bucket := range buckets {
		for field, raw := range bucket {
			n, err := strconv.ParseInt(raw, 10, 64)
			if err != nil {
				continue
			}
			switch {
			case field == "total":
				stats.TotalRequests += n
			case field == "blocked":
				stats.BlockedRequests += n
			case strings.HasPrefix(field, "id:"):
				blockedBy[strings.TrimPrefix(field, "id:")] += n
			case strings.HasPrefix(field, "pattern:"):
				stats.PatternCounts[AttackType(strings.TrimPrefix(field, "pattern:"))] += n
			case strings.HasPrefix(field, "cat:"):
				rest := strings.TrimPrefix(field, "cat:")
				i := strings.LastIndexByte(rest, ':')
				if i < 0 {
					continue
				}
				cs := stats.Categories[rest[:i]]
				switch rest[i+1:] {
				case "total":
					cs.Total += n
				case "blocked":
					cs.Blocked += n
				}
				stats.Categories[rest[:i]] = cs
			}
		}
	}
	stats.TopBlockedIdentifiers = topCounts(blockedBy, topBlockedLimit)
	return stats, nil
}

func topCounts(m map[string]int64, limit int) []IdentifierCount {
	out := make([]IdentifierCount, 0, len(m))
	for id, n := range m {
		out = append(out, IdentifierCount{Identifier: id, Count: n})
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Count != out[j].Count {
			return out[i].Count > out[j].Count
		}
		return out[i].Identifier < out[j].Identifier
	})
	if len(out) > limit {
		out = out[:limit]
	}
	return out
}
