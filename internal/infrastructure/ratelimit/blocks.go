package ratelimit

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"go.uber.org/zap"
)

// BlockRegistry holds TTL-scoped block entries. Read failures report the
// key as not blocked; write failures are logged and swallowed.
type BlockRegistry struct {
	store  Store
	keys   Keyspace
	now    func() time.Time
	logger *zap.Logger
}

// NewBlockRegistry creates a registry over store
func NewBlockRegistry(store Store, keys Keyspace, now func() time.Time, logger *zap.Logger) *BlockRegistry {
	if now == nil {
		now = time.Now
	}
	return &BlockRegistry{store: store, keys: keys, now: now, logger: logger.Named("blocks")}
}

func (r *BlockRegistry) entry(d time.Duration, reason string) ([]byte, BlockEntry) {
	now := r.now()
	e := BlockEntry{Reason: reason, CreatedAt: now, ExpiresAt: now.Add(d)}
	b, _ := json.Marshal(e)
	return b, e
}

// IsBlocked reports whether a live block exists for key.
func (r *BlockRegistry) IsBlocked(ctx context.Context, key Key) bool {
	ok, err := r.store.Exists(ctx, r.keys.Block(key))
	if err != nil {
		r.logger.Debug("block lookup failed", zap.String("key", key.String()), zap.Error(err))
		return false
	}
	return ok
}

// Get returns the block entry for key when one is live.
func (r *BlockRegistry) Get(ctx context.Context, key Key) (*BlockEntry, bool) {
	b, err := r.store.Get(ctx, r.keys.Block(key))
	if err != nil {
		if !errors.Is(err, ErrKeyNotFound) {
			r.logger.Debug("block read failed", zap.String("key", key.String()), zap.Error(err))
		}
		return nil, false
	}
	var e BlockEntry
	if err := json.Unmarshal(b, &e); err != nil {
		r.logger.Warn("corrupt block entry", zap.String("key", key.String()), zap.Error(err))
		return nil, false
	}
	return &e, true
}

// Block sets or overwrites the block for key.
func (r *BlockRegistry) Block(ctx context.Context, key Key, d time.Duration, reason string) (BlockEntry, bool) {
	b, e := r.entry(d, reason)
	if err := r.store.Set(ctx, r.keys.Block(key), b, d); err != nil {
		r.logger.Error("failed to create block", zap.String("key", key.String()), zap.Error(err))
		return e, false
	}
	return e, true
}

// BlockIfAbsent creates a block only when none is live. Exactly one of
// several concurrent callers observes true.
func (r *BlockRegistry) BlockIfAbsent(ctx context.Context, key Key, d time.Duration, reason string) (BlockEntry, bool) {
	b, e := r.entry(d, reason)
	ok, err := r.store.SetNX(ctx, r.keys.Block(key), b, d)
	if err != nil {
		r.logger.Error("failed to create block", zap.String("key", key.String()), zap.Error(err))
		return e, false
	}
	return e, ok
}

// Unblock deletes the block for key; absent keys are not an error.
func (r *BlockRegistry) Unblock(ctx context.Context, key Key) bool {
	if err := r.store.Del(ctx, r.keys.Block(key)); err != nil {
		r.logger.Error("failed to remove block", zap.String("key", key.String()), zap.Error(err))
		return false
	}
	return true
}

// Remaining returns the block TTL, zero when not blocked.
func (r *BlockRegistry) Remaining(ctx context.Context, key Key) time.Duration {
	d, err := r.store.TTL(ctx, r.keys.Block(key))
	if err != nil {
		return 0
	}
	return d
}
