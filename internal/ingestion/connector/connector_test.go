package connector

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/require"
)

type published struct {
	topic   string
	key     string
	payload interface{}
}

type fakePublisher struct {
	records    []published
	failTopics map[string]error
}

func (f *fakePublisher) Publish(_ context.Context, topic, key string, payload interface{}) error {
	if err := f.failTopics[topic]; err != nil {
		return err
	}
	f.records = append(f.records, published{topic: topic, key: key, payload: payload})
	return nil
}

// fakeConsumer serves the configured batches in order, then cancels the
// loop context so Run returns.
type fakeConsumer struct {
	batches [][]kafka.Message
	cancel  context.CancelFunc
	commits [][]kafka.Message
	closed  bool
}

func (f *fakeConsumer) FetchBatch(ctx context.Context, _ int, _ time.Duration) ([]kafka.Message, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if len(f.batches) == 0 {
		f.cancel()
		return nil, context.Canceled
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeConsumer) CommitMessages(_ context.Context, msgs ...kafka.Message) error {
	f.commits = append(f.commits, msgs)
	return nil
}

func (f *fakeConsumer) Close() error {
	f.closed = true
	return nil
}

var _ Consumer = (*fakeConsumer)(nil)
var _ Publisher = (*fakePublisher)(nil)

func rawMessage(t *testing.T, topic string, offset int64, payload map[string]interface{}) kafka.Message {
	t.Helper()
	value, err := json.Marshal(payload)
	require.NoError(t, err)
	return kafka.Message{Topic: topic, Offset: offset, Value: value}
}
