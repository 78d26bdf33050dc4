package ratelimit

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"
)

// DefaultEventTTL bounds how long audit entries live in the store.
const DefaultEventTTL = 7 * 24 * time.Hour

// EventSubscriber receives security events off the request path
type EventSubscriber interface {
	HandleSecurityEvent(ctx context.Context, event *SecurityEvent) error
}

// SecurityEventLog is the append-only audit trail. Entries are written to
// the store with a TTL and logged; subscribers are fed from a queue.
type SecurityEventLog struct {
	store  Store
	keys   Keyspace
	ttl    time.Duration
	now    func() time.Time
	logger *zap.Logger

	events      chan *SecurityEvent
	mu          sync.RWMutex
	started     bool
	closed      bool
	subscribers []EventSubscriber
	wg          sync.WaitGroup
	startOnce   sync.Once
	stopOnce    sync.Once
}

// NewSecurityEventLog creates the log; ttl <= 0 selects DefaultEventTTL.
func NewSecurityEventLog(store Store, keys Keyspace, ttl time.Duration, now func() time.Time, logger *zap.Logger) *SecurityEventLog {
	if ttl <= 0 {
		ttl = DefaultEventTTL
	}
	if now == nil {
		now = time.Now
	}
	return &SecurityEventLog{
		store:  store,
		keys:   keys,
		ttl:    ttl,
		now:    now,
		logger: logger.Named("security_events"),
		events: make(chan *SecurityEvent, 1000),
	}
}

// Subscribe adds a security event subscriber
func (l *SecurityEventLog) Subscribe(s EventSubscriber) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.subscribers = append(l.subscribers, s)
}

// Start launches the subscriber dispatcher
func (l *SecurityEventLog) Start() {
	l.startOnce.Do(func() {
		l.mu.Lock()
		l.started = true
		l.mu.Unlock()
		l.wg.Add(1)
		go l.dispatch()
	})
}

// Stop drains queued events and waits for the dispatcher
func (l *SecurityEventLog) Stop() {
	l.stopOnce.Do(func() {
		l.mu.Lock()
		l.closed = true
		close(l.events)
		l.mu.Unlock()
		l.wg.Wait()
	})
}

// Emit records an event. Failures are logged, never returned.
func (l *SecurityEventLog) Emit(ctx context.Context, name SecurityEventName, key Key, details map[string]interface{}) *SecurityEvent {
	ev := &SecurityEvent{
		ID:         uuid.NewString(),
		Timestamp:  l.now(),
		Event:      name,
		Category:   key.Category,
		Identifier: key.Identifier,
		Details:    details,
	}
	securityEventsEmitted.WithLabelValues(string(name)).Inc()

	l.logger.Info("security event",
		zap.String("event_id", ev.ID),
		zap.String("event", string(name)),
		zap.String("category", key.Category),
		zap.String("identifier", key.Identifier),
		zap.Any("details", details))

	if b, err := json.Marshal(ev); err != nil {
		l.logger.Error("failed to encode security event", zap.String("event_id", ev.ID), zap.Error(err))
	} else if err := l.store.Set(ctx, l.keys.Event(ev.Timestamp, ev.ID), b, l.ttl); err != nil {
		l.logger.Warn("failed to persist security event", zap.String("event_id", ev.ID), zap.Error(err))
	}

	l.enqueue(ev)
	return ev
}

func (l *SecurityEventLog) enqueue(ev *SecurityEvent) {
	l.mu.RLock()
	defer l.mu.RUnlock()
	if !l.started || l.closed {
		return
	}
	select {
	case l.events <- ev:
	default:
		l.logger.Warn("security event queue full, dropping event",
			zap.String("event", string(ev.Event)),
			zap.String("event_id", ev.ID))
	}
}

func (l *SecurityEventLog) dispatch() {
	defer l.wg.Done()
	for ev := range l.events {
		l.mu.RLock()
		subs := append([]EventSubscriber(nil), l.subscribers...)
		l.mu.RUnlock()

		for _, s := range subs {
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := s.HandleSecurityEvent(ctx, ev); err != nil {
				l.logger.Error("failed to notify subscriber",
					zap.String("event_id", ev.ID),
					zap.Error(err))
			}
			cancel()
		}
	}
}
