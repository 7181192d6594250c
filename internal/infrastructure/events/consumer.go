package events

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
)

// Consumer wraps a consumer-group reader with manual offset commits.
// Offsets are committed only through CommitMessages, so a crash between
// fetch and commit redelivers the batch.
type Consumer struct {
	reader *kafka.Reader
	logger *zap.Logger
}

// NewGroupConsumer joins groupID over the given topics.
func NewGroupConsumer(cfg *config.KafkaConfig, groupID string, topics []string, logger *zap.Logger) (*Consumer, error) {
	mech, tlsCfg, err := brokerSecurity(cfg)
	if err != nil {
		return nil, fmt.Errorf("configuring kafka consumer: %w", err)
	}

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     cfg.Brokers,
		GroupID:     groupID,
		GroupTopics: topics,
		MinBytes:    1,
		MaxBytes:    10 << 20,
		MaxWait:     500 * time.Millisecond,
		StartOffset: kafka.FirstOffset,
		Dialer: &kafka.Dialer{
			Timeout:       10 * time.Second,
			DualStack:     true,
			SASLMechanism: mech,
			TLS:           tlsCfg,
		},
	})

	logger.Info("kafka consumer joined",
		zap.String("group", groupID),
		zap.Strings("topics", topics))

	return &Consumer{reader: reader, logger: logger}, nil
}

// FetchMessage blocks until one message is available or ctx ends.
func (c *Consumer) FetchMessage(ctx context.Context) (kafka.Message, error) {
	return c.reader.FetchMessage(ctx)
}

// FetchBatch reads up to max messages, waiting at most wait for the
// batch to fill. A batch shorter than max is returned as soon as the
// window closes. Cancellation of ctx surfaces as an error so callers can
// distinguish shutdown from an empty poll.
func (c *Consumer) FetchBatch(ctx context.Context, max int, wait time.Duration) ([]kafka.Message, error) {
	batchCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	msgs := make([]kafka.Message, 0, max)
	for len(msgs) < max {
		m, err := c.reader.FetchMessage(batchCtx)
		if err != nil {
			if ctx.Err() != nil {
				return msgs, ctx.Err()
			}
			if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
				break
			}
			return msgs, err
		}
		msgs = append(msgs, m)
	}

	return msgs, nil
}

// CommitMessages marks msgs consumed for the group.
func (c *Consumer) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	return c.reader.CommitMessages(ctx, msgs...)
}

// Stats reports reader statistics since the previous call.
func (c *Consumer) Stats() kafka.ReaderStats {
	return c.reader.Stats()
}

// Close leaves the group and releases the reader.
func (c *Consumer) Close() error {
	return c.reader.Close()
}
