package events

import (
	"context"

	"go.uber.org/zap"
)

// TombstonePublisher writes null-valued records keyed by student ID so
// compacted downstream topics drop every record for an erased student.
type TombstonePublisher struct {
	producer Publisher
	logger   *zap.Logger
}

// NewTombstonePublisher returns a tombstone publisher over producer.
func NewTombstonePublisher(producer Publisher, logger *zap.Logger) *TombstonePublisher {
	return &TombstonePublisher{producer: producer, logger: logger}
}

// PublishTombstones emits one tombstone per topic for studentID. All
// topics are attempted; the first error is returned after the sweep.
func (t *TombstonePublisher) PublishTombstones(ctx context.Context, studentID string, topics []string) error {
	var firstErr error
	published := 0

	for _, topic := range topics {
		if err := t.producer.PublishRaw(ctx, topic, []byte(studentID), nil); err != nil {
			t.logger.Error("tombstone publish failed",
				zap.String("topic", topic),
				zap.Error(err))
			if firstErr == nil {
				firstErr = err
			}
			continue
		}
		published++
	}

	t.logger.Info("erasure tombstones published",
		zap.Int("topics_published", published),
		zap.Int("topics_requested", len(topics)))

	return firstErr
}
