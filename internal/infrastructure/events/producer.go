package events

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
	"github.com/eduflowhq/cdp-backend/internal/metrics"
)

// Publisher is the producing side of the pipeline. Payloads are
// serialized as JSON; keys choose the partition.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload interface{}) error
	PublishRaw(ctx context.Context, topic string, key, value []byte) error
	Close() error
}

// MessageWriter is the slice of kafka.Writer the producer depends on.
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaProducer publishes messages with an exponential retry ladder.
// A write is attempted maxRetries times; between attempts the producer
// sleeps backoff doubled per attempt. Every failed attempt counts toward
// the produce error metric; exhaustion is terminal.
type KafkaProducer struct {
	writer     MessageWriter
	logger     *zap.Logger
	metrics    *metrics.Registry
	maxRetries int
	backoff    time.Duration
}

// NewKafkaProducer builds a producer connected to the configured
// brokers. Writes require acknowledgement from all in-sync replicas and
// messages with the same key land on the same partition.
func NewKafkaProducer(cfg *config.KafkaConfig, logger *zap.Logger, m *metrics.Registry) (*KafkaProducer, error) {
	mech, tlsCfg, err := brokerSecurity(cfg)
	if err != nil {
		return nil, fmt.Errorf("configuring kafka producer: %w", err)
	}

	writer := &kafka.Writer{
		Addr:         kafka.TCP(cfg.Brokers...),
		Balancer:     &kafka.Hash{},
		RequiredAcks: kafka.RequireAll,
		// The retry ladder below owns redelivery; the writer must not
		// stack its own attempts on top.
		MaxAttempts:  1,
		BatchTimeout: 10 * time.Millisecond,
		Transport: &kafka.Transport{
			SASL:        mech,
			TLS:         tlsCfg,
			DialTimeout: 10 * time.Second,
		},
	}

	return NewKafkaProducerWithWriter(writer, cfg, logger, m), nil
}

// NewKafkaProducerWithWriter wires a producer around an existing writer.
func NewKafkaProducerWithWriter(w MessageWriter, cfg *config.KafkaConfig, logger *zap.Logger, m *metrics.Registry) *KafkaProducer {
	return &KafkaProducer{
		writer:     w,
		logger:     logger,
		metrics:    m,
		maxRetries: cfg.ProducerMaxRetries,
		backoff:    cfg.ProducerBackoff,
	}
}

// Publish serializes payload as JSON and produces it to topic.
func (p *KafkaProducer) Publish(ctx context.Context, topic, key string, payload interface{}) error {
	value, err := json.Marshal(payload)
	if err != nil {
		return errors.NewInternalError("marshaling kafka payload").WithCause(err)
	}
	return p.PublishRaw(ctx, topic, []byte(key), value)
}

// PublishRaw produces a pre-encoded message. A nil value is a tombstone.
func (p *KafkaProducer) PublishRaw(ctx context.Context, topic string, key, value []byte) error {
	msg := kafka.Message{
		Topic: topic,
		Key:   key,
		Value: value,
	}

	var lastErr error
	for attempt := 1; attempt <= p.maxRetries; attempt++ {
		err := p.writer.WriteMessages(ctx, msg)
		if err == nil {
			p.metrics.EventsProduced.WithLabelValues(topic).Inc()
			return nil
		}

		lastErr = err
		p.metrics.ProduceErrors.WithLabelValues(topic).Inc()
		p.logger.Warn("kafka produce failed",
			zap.String("topic", topic),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", p.maxRetries),
			zap.Error(err))

		if attempt < p.maxRetries {
			delay := p.backoff << (attempt - 1)
			select {
			case <-time.After(delay):
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}

	p.logger.Error("kafka produce exhausted retries",
		zap.String("topic", topic),
		zap.Int("attempts", p.maxRetries),
		zap.Error(lastErr))

	return errors.NewTransientError(
		"PUBLISH_EXHAUSTED",
		fmt.Sprintf("producing to %s failed after %d attempts", topic, p.maxRetries),
	).WithCause(lastErr)
}

// Close flushes buffered messages and releases the writer.
func (p *KafkaProducer) Close() error {
	return p.writer.Close()
}
