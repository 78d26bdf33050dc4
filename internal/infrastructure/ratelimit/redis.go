// redis.go: Redis-backed counter store for distributed rate limiting
package ratelimit

import (
	"context"
	"errors"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

// RedisStore implements Store on top of go-redis. Multi-step sequences run
// inside MULTI/EXEC so concurrent gateways observe them atomically.
type RedisStore struct {
	Client redis.UniversalClient
}

// RedisOptions configures NewRedisStore
type RedisOptions struct {
	Addr     string
	Password string
	DB       int
	PoolSize int
}

// NewRedisStore creates a store with its own client. Context deadlines
// bound every socket read and write, so a hung server costs at most the
// caller's store timeout.
func NewRedisStore(opts RedisOptions) *RedisStore {
	return &RedisStore{
		Client: redis.NewClient(&redis.Options{
			Addr:                  opts.Addr,
			Password:              opts.Password,
			DB:                    opts.DB,
			PoolSize:              opts.PoolSize,
			ContextTimeoutEnabled: true,
		}),
	}
}

// NewRedisStoreFromClient wraps an existing client (cluster, sentinel, tests).
// The client must be built with ContextTimeoutEnabled, otherwise go-redis
// ignores context deadlines and a hung server holds callers for ReadTimeout.
func NewRedisStoreFromClient(client redis.UniversalClient) *RedisStore {
	return &RedisStore{Client: client}
}

func (s *RedisStore) SlidingWindow(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	nowMs := now.UnixMilli()
	member := strconv.FormatInt(nowMs, 10) + "-" + uuid.NewString()

	pipe := s.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(nowMs-window.Milliseconds(), 10))
	card := pipe.ZCard(ctx, key)
	pipe.ZAdd(ctx, key, redis.Z{Score: float64(nowMs), Member: member})
	pipe.PExpire(ctx, key, window)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (s *RedisStore) WindowCount(ctx context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	pipe := s.Client.TxPipeline()
	pipe.ZRemRangeByScore(ctx, key, "-inf", strconv.FormatInt(now.UnixMilli()-window.Milliseconds(), 10))
	card := pipe.ZCard(ctx, key)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, err
	}
	return card.Val(), nil
}

func (s *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	b, err := s.Client.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrKeyNotFound
	}
	return b, err
}

func (s *RedisStore) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return s.Client.Set(ctx, key, value, ttl).Err()
}

func (s *RedisStore) SetNX(ctx context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	return s.Client.SetNX(ctx, key, value, ttl).Result()
}

func (s *RedisStore) Exists(ctx context.Context, key string) (bool, error) {
	n, err := s.Client.Exists(ctx, key).Result()
	return n > 0, err
}

// TTL returns ErrKeyNotFound for absent keys and 0 for keys without expiry.
func (s *RedisStore) TTL(ctx context.Context, key string) (time.Duration, error) {
	d, err := s.Client.PTTL(ctx, key).Result()
	if err != nil {
		return 0, err
	}
	// go-redis reports the -2/-1 sentinels as raw durations
	switch {
	case d == -2:
		return 0, ErrKeyNotFound
	case d < 0:
		return 0, nil
	}
	return d, nil
}

func (s *RedisStore) Del(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	return s.Client.Del(ctx, keys...).Err()
}

func (s *RedisStore) HIncrBy(ctx context.Context, key string, fields map[string]int64, ttl time.Duration) error {
	if len(fields) == 0 {
		return nil
	}
	pipe := s.Client.TxPipeline()
	for f, n := range fields {
		pipe.HIncrBy(ctx, key, f, n)
	}
	if ttl > 0 {
		pipe.Expire(ctx, key, ttl)
	}
	_, err := pipe.Exec(ctx)
	return err
}

func (s *RedisStore) HGetAll(ctx context.Context, keys ...string) ([]map[string]string, error) {
	if len(keys) == 0 {
		return nil, nil
	}
	pipe := s.Client.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(keys))
	for i, k := range keys {
		cmds[i] = pipe.HGetAll(ctx, k)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, err
	}
	out := make([]map[string]string, len(keys))
	for i, c := range cmds {
		out[i] = c.Val()
	}
	return out, nil
}

func (s *RedisStore) Ping(ctx context.Context) error {
	return s.Client.Ping(ctx).Err()
}

func (s *RedisStore) Close() error {
	return s.Client.Close()
}

// PoolStats exposes connection pool statistics for monitoring
func (s *RedisStore) PoolStats() *redis.PoolStats {
	return s.Client.PoolStats()
}
