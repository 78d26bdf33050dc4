package ratelimit

import (
	"context"
	"sync"
	"time"

	"github.com/tidwall/btree"
)

// MemoryStore is a single-process Store. It is only correct when one
// gateway instance serves all traffic; counters are not shared.
type MemoryStore struct {
	mu     sync.Mutex
	now    func() time.Time
	seq    uint64
	zsets  map[string]*memZSet
	values map[string]memValue
	hashes map[string]*memHash

	stop chan struct{}
	once sync.Once
}

type memEntry struct {
	ts  int64
	seq uint64
}

type memZSet struct {
	tree      *btree.BTreeG[memEntry]
	expiresAt time.Time
}

type memValue struct {
	data      []byte
	expiresAt time.Time
}

type memHash struct {
	fields    map[string]int64
	expiresAt time.Time
}

// MemoryStoreOption configures a MemoryStore
type MemoryStoreOption func(*MemoryStore)

// WithMemoryClock replaces time.Now for expiry decisions.
func WithMemoryClock(now func() time.Time) MemoryStoreOption {
	return func(s *MemoryStore) { s.now = now }
}

// NewMemoryStore creates the store and starts a janitor sweeping expired
// keys every sweep interval (disabled when sweep <= 0).
func NewMemoryStore(sweep time.Duration, opts ...MemoryStoreOption) *MemoryStore {
	s := &MemoryStore{
		now:    time.Now,
		zsets:  make(map[string]*memZSet),
		values: make(map[string]memValue),
		hashes: make(map[string]*memHash),
		stop:   make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}
	if sweep > 0 {
		go s.janitor(sweep)
	}
	return s
}

func lessEntry(a, b memEntry) bool {
	if a.ts != b.ts {
		return a.ts < b.ts
	}
	return a.seq < b.seq
}

func expired(at, now time.Time) bool {
	return !at.IsZero() && !now.Before(at)
}

func (s *MemoryStore) janitor(every time.Duration) {
	t := time.NewTicker(every)
	defer t.Stop()
	for {
		select {
		case <-t.C:
			s.sweep()
		case <-s.stop:
			return
		}
	}
}

func (s *MemoryStore) sweep() {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := s.now()
	for k, z := range s.zsets {
		if expired(z.expiresAt, now) {
			delete(s.zsets, k)
		}
	}
	for k, v := range s.values {
		if expired(v.expiresAt, now) {
			delete(s.values, k)
		}
	}
	for k, h := range s.hashes {
		if expired(h.expiresAt, now) {
			delete(s.hashes, k)
		}
	}
}

// zset returns the live set for key; caller holds mu.
func (s *MemoryStore) zset(key string, now time.Time, create bool) *memZSet {
	z, ok := s.zsets[key]
	if ok && expired(z.expiresAt, now) {
		delete(s.zsets, key)
		ok = false
	}
	if !ok {
		if !create {
			return nil
		}
		z = &memZSet{tree: btree.NewBTreeGOptions(lessEntry, btree.Options{NoLocks: true})}
		s.zsets[key] = z
	}
	return z
}

func trimZSet(z *memZSet, cutoff int64) {
	for {
		first, ok := z.tree.Min()
		if !ok || first.ts > cutoff {
			return
		}
		z.tree.Delete(first)
	}
}

func (s *MemoryStore) SlidingWindow(_ context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zset(key, s.now(), true)
	nowMs := now.UnixMilli()
	trimZSet(z, nowMs-window.Milliseconds())
	count := int64(z.tree.Len())
	s.seq++
	z.tree.Set(memEntry{ts: nowMs, seq: s.seq})
	z.expiresAt = s.now().Add(window)
	return count, nil
}

func (s *MemoryStore) WindowCount(_ context.Context, key string, now time.Time, window time.Duration) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	z := s.zset(key, s.now(), false)
	if z == nil {
		return 0, nil
	}
	trimZSet(z, now.UnixMilli()-window.Milliseconds())
	return int64(z.tree.Len()), nil
}

// value returns the live value for key; caller holds mu.
func (s *MemoryStore) value(key string) (memValue, bool) {
	v, ok := s.values[key]
	if ok && expired(v.expiresAt, s.now()) {
		delete(s.values, key)
		return memValue{}, false
	}
	return v, ok
}

func (s *MemoryStore) Get(_ context.Context, key string) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.value(key)
	if !ok {
		return nil, ErrKeyNotFound
	}
	return append([]byte(nil), v.data...), nil
}

func (s *MemoryStore) expiry(ttl time.Duration) time.Time {
	if ttl <= 0 {
		return time.Time{}
	}
	return s.now().Add(ttl)
}

func (s *MemoryStore) Set(_ context.Context, key string, value []byte, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.values[key] = memValue{data: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return nil
}

func (s *MemoryStore) SetNX(_ context.Context, key string, value []byte, ttl time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.value(key); ok {
		return false, nil
	}
	s.values[key] = memValue{data: append([]byte(nil), value...), expiresAt: s.expiry(ttl)}
	return true, nil
}

func (s *MemoryStore) Exists(_ context.Context, key string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.value(key); ok {
		return true, nil
	}
	return s.zset(key, s.now(), false) != nil, nil
}

func (s *MemoryStore) TTL(_ context.Context, key string) (time.Duration, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	var at time.Time
	if v, ok := s.value(key); ok {
		at = v.expiresAt
	} else if z := s.zset(key, s.now(), false); z != nil {
		at = z.expiresAt
	} else {
		return 0, ErrKeyNotFound
	}
	if at.IsZero() {
		return 0, nil
	}
	return at.Sub(s.now()), nil
}

func (s *MemoryStore) Del(_ context.Context, keys ...string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, k := range keys {
		delete(s.values, k)
		delete(s.zsets, k)
		delete(s.hashes, k)
	}
	return nil
}

func (s *MemoryStore) HIncrBy(_ context.Context, key string, fields map[string]int64, ttl time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	h, ok := s.hashes[key]
	if !ok || expired(h.expiresAt, s.now()) {
		h = &memHash{fields: make(map[string]int64, len(fields))}
		s.hashes[key] = h
	}
	for f, n := range fields {
		h.fields[f] += n
	}
	if ttl > 0 {
		h.expiresAt = s.now().Add(ttl)
	}
	return nil
}

func (s *MemoryStore) HGetAll(_ context.Context, keys ...string) ([]map[string]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]map[string]string, len(keys))
	now := s.now()
	for i, k := range keys {
		m := map[string]string{}
		if h, ok := s.hashes[k]; ok && !expired(h.expiresAt, now) {
			for f, n := range h.fields {
				m[f] = formatInt(n)
			}
		}
		out[i] = m
	}
	return out, nil
}

func (s *MemoryStore) Ping(context.Context) error { return nil }

// Close stops the janitor.
func (s *MemoryStore) Close() error {
	s.once.Do(func() { close(s.stop) })
	return nil
}
