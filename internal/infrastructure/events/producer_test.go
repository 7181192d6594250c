package events_test

import (
	"context"
	stderrors "errors"
	"sync"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/events"
	"github.com/eduflowhq/cdp-backend/internal/metrics"
)

type flakyWriter struct {
	mu       sync.Mutex
	failures int
	calls    int
	written  []kafka.Message
}

func (w *flakyWriter) WriteMessages(ctx context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	w.calls++
	if w.calls <= w.failures {
		return stderrors.New("broker unavailable")
	}
	w.written = append(w.written, msgs...)
	return nil
}

func (w *flakyWriter) Close() error { return nil }

func newTestProducer(w events.MessageWriter) (*events.KafkaProducer, *metrics.Registry) {
	cfg := &config.KafkaConfig{
		ProducerMaxRetries: 5,
		ProducerBackoff:    time.Millisecond,
	}
	m := metrics.NewNopRegistry()
	return events.NewKafkaProducerWithWriter(w, cfg, zap.NewNop(), m), m
}

func TestKafkaProducer_PublishFirstAttempt(t *testing.T) {
	writer := &flakyWriter{}
	producer, m := newTestProducer(writer)

	err := producer.Publish(context.Background(), events.TopicSegmentChanges, "p-1", map[string]string{"profile_id": "p-1"})
	require.NoError(t, err)

	assert.Equal(t, 1, writer.calls)
	require.Len(t, writer.written, 1)
	assert.Equal(t, events.TopicSegmentChanges, writer.written[0].Topic)
	assert.Equal(t, []byte("p-1"), writer.written[0].Key)
	assert.JSONEq(t, `{"profile_id":"p-1"}`, string(writer.written[0].Value))
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsProduced.WithLabelValues(events.TopicSegmentChanges)))
}

func TestKafkaProducer_RetriesThenSucceeds(t *testing.T) {
	writer := &flakyWriter{failures: 2}
	producer, m := newTestProducer(writer)

	err := producer.PublishRaw(context.Background(), events.TopicBigQueryStaging, []byte("k"), []byte(`{}`))
	require.NoError(t, err)

	assert.Equal(t, 3, writer.calls)
	assert.Equal(t, float64(1), testutil.ToFloat64(m.EventsProduced.WithLabelValues(events.TopicBigQueryStaging)))
	// Both failed attempts count, even though the publish succeeded.
	assert.Equal(t, float64(2), testutil.ToFloat64(m.ProduceErrors.WithLabelValues(events.TopicBigQueryStaging)))
}

func TestKafkaProducer_ExhaustsRetries(t *testing.T) {
	writer := &flakyWriter{failures: 100}
	producer, m := newTestProducer(writer)

	err := producer.PublishRaw(context.Background(), events.TopicBigQueryStaging, []byte("k"), []byte(`{}`))
	require.Error(t, err)

	var appErr *errors.AppError
	require.ErrorAs(t, err, &appErr)
	assert.Equal(t, "PUBLISH_EXHAUSTED", appErr.Code)
	assert.True(t, appErr.Retryable)

	assert.Equal(t, 5, writer.calls)
	assert.Equal(t, float64(5), testutil.ToFloat64(m.ProduceErrors.WithLabelValues(events.TopicBigQueryStaging)))
	assert.Equal(t, float64(0), testutil.ToFloat64(m.EventsProduced.WithLabelValues(events.TopicBigQueryStaging)))
}

func TestKafkaProducer_CanceledDuringBackoff(t *testing.T) {
	writer := &flakyWriter{failures: 100}
	cfg := &config.KafkaConfig{
		ProducerMaxRetries: 5,
		ProducerBackoff:    500 * time.Millisecond,
	}
	producer := events.NewKafkaProducerWithWriter(writer, cfg, zap.NewNop(), metrics.NewNopRegistry())

	ctx, cancel := context.WithCancel(context.Background())
	time.AfterFunc(20*time.Millisecond, cancel)

	err := producer.PublishRaw(ctx, events.TopicDeadLetter, []byte("k"), []byte(`{}`))
	require.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 1, writer.calls)
}
