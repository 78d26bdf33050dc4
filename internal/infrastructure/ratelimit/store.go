package ratelimit

import (
	"context"
	"time"
)

// Store is the shared counter store. Every multi-step operation is atomic
// with respect to concurrent callers on the same key.
type Store interface {
	// SlidingWindow trims entries with score <= now-window, counts what is
	// left, inserts one entry at now and refreshes the key TTL to window.
	// It returns the count observed before the insert.
	SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)
	// WindowCount trims and counts without inserting.
	WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error)

	Get(ctx context.Context, key string) ([]byte, error)
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error
	SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error)
	Exists(ctx context.Context, key string) (bool, error)
	TTL(ctx context.Context, key string) (time.Duration, error)
	Del(ctx context.Context, keys ...string) error

	// HIncrBy increments several hash fields and refreshes the key TTL.
	HIncrBy(ctx context.Context, key string, fields map[string]int64, ttl time.Duration) error
	// HGetAll reads several hashes at once; absent keys yield empty maps.
	HGetAll(ctx context.Context, keys ...string) ([]map[string]string, error)

	Ping(ctx context.Context) error
	Close() error
}

// Keyspace builds store keys under a common prefix
type Keyspace struct {
	Prefix string
}

// DefaultKeyPrefix is used when no prefix is configured.
const DefaultKeyPrefix = "ratewarden"

func (ks Keyspace) prefix() string {
	if ks.Prefix == "" {
		return DefaultKeyPrefix
	}
	return ks.Prefix
}

func (ks Keyspace) Window(k Key) string {
	return ks.prefix() + ":rl:" + k.Category + ":" + k.Identifier
}

func (ks Keyspace) Block(k Key) string {
	return ks.prefix() + ":block:" + k.Category + ":" + k.Identifier
}

// Exceeded marks that rate_limit_exceeded was already audited this window.
func (ks Keyspace) Exceeded(k Key) string {
	return ks.prefix() + ":exceeded:" + k.Category + ":" + k.Identifier
}

func (ks Keyspace) Attack(t AttackType, identifier string) string {
	return ks.prefix() + ":attack:" + string(t) + ":" + identifier
}

func (ks Keyspace) Event(ts time.Time, id string) string {
	return ks.prefix() + ":event:" + formatInt(ts.UnixMilli()) + ":" + id
}

// Stats buckets are hourly, keyed by UTC yyyymmddhh.
func (ks Keyspace) Stats(ts time.Time) string {
	return ks.prefix() + ":stats:" + ts.UTC().Format("2006010215")
}
