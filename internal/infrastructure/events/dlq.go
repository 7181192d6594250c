package events

import (
	"context"
	"encoding/json"
	"time"

	"go.uber.org/zap"
)

// maxReasonLength caps the error text carried in a dead letter so a
// runaway stack trace cannot bloat the topic.
const maxReasonLength = 120

// DeadLetter is the envelope written to the dead letter topic. The
// original payload is preserved verbatim for replay.
type DeadLetter struct {
	OriginalPayload json.RawMessage `json:"original"`
	ErrorReason     string          `json:"error"`
	FirstFailureAt  time.Time       `json:"first_failure_at"`
	AttemptCount    int             `json:"attempt_count"`
}

// DeadLetterPublisher routes poisoned messages to the dead letter topic.
type DeadLetterPublisher struct {
	producer Publisher
	logger   *zap.Logger
}

// NewDeadLetterPublisher returns a publisher writing to TopicDeadLetter.
func NewDeadLetterPublisher(producer Publisher, logger *zap.Logger) *DeadLetterPublisher {
	return &DeadLetterPublisher{producer: producer, logger: logger}
}

// Send wraps original in a DeadLetter envelope and publishes it keyed by
// key. The reason is truncated to maxReasonLength characters.
func (d *DeadLetterPublisher) Send(ctx context.Context, key string, original []byte, reason string, attempts int) error {
	letter := DeadLetter{
		OriginalPayload: json.RawMessage(original),
		ErrorReason:     TruncateReason(reason),
		FirstFailureAt:  time.Now().UTC(),
		AttemptCount:    attempts,
	}

	// Raw payloads that are not valid JSON would corrupt the envelope,
	// so they are re-encoded as a JSON string.
	if !json.Valid(original) {
		quoted, err := json.Marshal(string(original))
		if err != nil {
			return err
		}
		letter.OriginalPayload = quoted
	}

	if err := d.producer.Publish(ctx, TopicDeadLetter, key, letter); err != nil {
		d.logger.Error("dead letter publish failed",
			zap.String("reason", letter.ErrorReason),
			zap.Error(err))
		return err
	}

	d.logger.Warn("event routed to dead letter queue",
		zap.String("reason", letter.ErrorReason),
		zap.Int("attempts", attempts))

	return nil
}

// TruncateReason caps an error reason at the dead letter limit. Metric
// labels derived from reasons share the same bound as the DLQ record.
func TruncateReason(reason string) string {
	runes := []rune(reason)
	if len(runes) <= maxReasonLength {
		return reason
	}
	return string(runes[:maxReasonLength])
}
