// Package messaging publishes security events to Kafka.
package messaging

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync/atomic"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/Aidin1998/ratewarden/internal/infrastructure/ratelimit"
)

var eventsPublished = promauto.NewCounterVec(
	prometheus.CounterOpts{
		Namespace: "ratewarden",
		Subsystem: "kafka",
		Name:      "security_events_total",
		Help:      "Security events handed to Kafka by result",
	},
	[]string{"result"},
)

// messageWriter is the subset of *kafka.Writer the sink needs.
type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaEventSink streams security events to a topic, keyed by identifier so
// every event for one source lands on the same partition.
type KafkaEventSink struct {
	writer messageWriter
	topic  string
	logger *zap.Logger
	closed atomic.Bool
}

// NewKafkaEventSink creates a sink writing to cfg.Topic.
func NewKafkaEventSink(cfg KafkaConfig, logger *zap.Logger) (*KafkaEventSink, error) {
	if len(cfg.Brokers) == 0 || cfg.Topic == "" {
		return nil, errors.New("kafka brokers and topic are required")
	}
	codec, err := compressionCodec(cfg.Compression)
	if err != nil {
		return nil, err
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Topic:        cfg.Topic,
		Balancer:     &kafka.CRC32Balancer{},
		BatchSize:    cfg.BatchSize,
		BatchTimeout: cfg.BatchTimeout,
		WriteTimeout: cfg.WriteTimeout,
		MaxAttempts:  cfg.MaxAttempts,
		RequiredAcks: kafka.RequireOne,
		Compression:  codec,
	}
	return newKafkaEventSink(writer, cfg.Topic, logger), nil
}

func newKafkaEventSink(w messageWriter, topic string, logger *zap.Logger) *KafkaEventSink {
	return &KafkaEventSink{
		writer: w,
		topic:  topic,
		logger: logger.Named("kafka_sink"),
	}
}

// HandleSecurityEvent publishes one event.
func (s *KafkaEventSink) HandleSecurityEvent(ctx context.Context, ev *ratelimit.SecurityEvent) error {
	if s.closed.Load() {
		return errors.New("kafka sink closed")
	}
	data, err := json.Marshal(ev)
	if err != nil {
		eventsPublished.WithLabelValues("error").Inc()
		return fmt.Errorf("marshal security event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(ev.Identifier),
		Value: data,
		Time:  ev.Timestamp,
		Headers: []kafka.Header{
			{Key: "event", Value: []byte(ev.Event)},
			{Key: "category", Value: []byte(ev.Category)},
		},
	}
	if err := s.writer.WriteMessages(ctx, msg); err != nil {
		eventsPublished.WithLabelValues("error").Inc()
		s.logger.Warn("failed to publish security event",
			zap.String("topic", s.topic),
			zap.String("event_id", ev.ID),
			zap.Error(err))
		return err
	}
	eventsPublished.WithLabelValues("ok").Inc()
	return nil
}

// Close flushes pending writes.
func (s *KafkaEventSink) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	return s.writer.Close()
}
