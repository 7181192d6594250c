// Package connector hosts the source-specific ingestion pipelines: the
// clickstream and mobile-app bus consumers and the Salesforce CDC
// poller. Each connector validates and normalizes its raw feed and
// republishes canonical events for the downstream pipeline.
package connector

import (
	"context"
	"fmt"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"
)

const (
	fetchBatchSize = 100
	pollTimeout    = time.Second
)

// Connector is a long-running ingestion pipeline. Run blocks until the
// context is canceled and returns nil on a clean shutdown.
type Connector interface {
	Name() string
	Run(ctx context.Context) error
}

// Consumer is the subset of the bus reader the connectors need. Each
// connector owns its consumer and closes it when Run returns.
type Consumer interface {
	FetchBatch(ctx context.Context, max int, wait time.Duration) ([]kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Publisher publishes events to the message bus. The producer is shared
// across connectors; its lifecycle belongs to the caller.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload interface{}) error
}

// consumeLoop drives a bus-fed connector: fetch a batch, hand every
// message to handle, commit the batch. Offsets are committed even when
// rows were skipped as invalid; skipping is terminal for a row.
func consumeLoop(ctx context.Context, logger *zap.Logger, consumer Consumer, name string, handle func(context.Context, kafka.Message)) error {
	defer func() {
		if err := consumer.Close(); err != nil {
			logger.Warn("consumer close failed",
				zap.String("connector", name),
				zap.Error(err))
		}
		logger.Info("connector stopped", zap.String("connector", name))
	}()

	for {
		batch, err := consumer.FetchBatch(ctx, fetchBatchSize, pollTimeout)
		if ctx.Err() != nil {
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetching %s batch: %w", name, err)
		}
		if len(batch) == 0 {
			continue
		}

		for _, msg := range batch {
			handle(ctx, msg)
		}

		if err := consumer.CommitMessages(ctx, batch...); err != nil {
			logger.Error("offset commit failed",
				zap.String("connector", name),
				zap.Error(err))
		}
	}
}

func asString(v interface{}) string {
	s, _ := v.(string)
	return s
}

// stringMap extracts the string-valued entries of a raw JSON object.
func stringMap(v interface{}) map[string]string {
	m, ok := v.(map[string]interface{})
	if !ok {
		return map[string]string{}
	}
	out := make(map[string]string, len(m))
	for k, val := range m {
		if s, ok := val.(string); ok {
			out[k] = s
		}
	}
	return out
}
