// Package stream drives canonical events from the bus through identity
// resolution and profile building, staging the enriched result for the
// warehouse. Failed messages are routed to the dead letter queue; the
// consume loop itself never dies on a bad message.
package stream

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"
	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/domain/event"
	"github.com/eduflowhq/cdp-backend/internal/domain/profile"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/events"
	"github.com/eduflowhq/cdp-backend/internal/metrics"
)

// DLQ reasons for rejections ahead of the pipeline. Pipeline failures
// carry the error text instead, truncated to the dead letter bound.
const (
	reasonDeserialization = "deserialization"
	reasonUnknownSource   = "unknown_source"
)

const (
	// messageTimeout bounds one message's trip through the pipeline. It
	// stays below the consumer group session timeout so a slow store
	// cannot trigger a rebalance.
	messageTimeout = 30 * time.Second

	// commitTimeout bounds the offset commit that runs after shutdown
	// already canceled the loop context.
	commitTimeout = 5 * time.Second
)

// StagingRecord is the envelope staged for warehouse load: the event, the
// profile it resolved to, and the golden record after the update.
type StagingRecord struct {
	ProfileID       string                `json:"profile_id"`
	Event           *event.CanonicalEvent `json:"event"`
	ProfileSnapshot *profile.Profile      `json:"profile_snapshot"`
}

// Consumer is the batch-fetching slice of the group reader.
type Consumer interface {
	FetchBatch(ctx context.Context, max int, wait time.Duration) ([]kafka.Message, error)
	CommitMessages(ctx context.Context, msgs ...kafka.Message) error
	Stats() kafka.ReaderStats
	Close() error
}

// Publisher is the producing slice of the bus used for staging records.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload interface{}) error
	Close() error
}

// DeadLetterSink receives messages the pipeline could not process.
type DeadLetterSink interface {
	Send(ctx context.Context, key string, original []byte, reason string, attempts int) error
}

// Resolver maps an event to its profile.
type Resolver interface {
	Resolve(ctx context.Context, e *event.CanonicalEvent) (string, error)
}

// ProfileUpdater applies an event to the resolved profile.
type ProfileUpdater interface {
	UpdateProfile(ctx context.Context, profileID string, e *event.CanonicalEvent) (*profile.Profile, error)
}

// SegmentEvaluator recomputes rule-based segment membership after a
// profile update. Optional; evaluation failures never fail the event.
type SegmentEvaluator interface {
	Evaluate(ctx context.Context, p *profile.Profile) ([]string, error)
}

// Deduper suppresses redelivered events. Claim atomically records the
// event id and reports whether it was already present; Release undoes the
// claim of an event that did not complete, so a dead-lettered message can
// be replayed inside the TTL window.
type Deduper interface {
	Claim(ctx context.Context, eventID string) (duplicate bool, err error)
	Release(ctx context.Context, eventID string) error
}

// Pipeline bundles the per-message collaborators.
type Pipeline struct {
	Resolver Resolver
	Builder  ProfileUpdater
	Segments SegmentEvaluator
	Dedup    Deduper
}

// Service is the stream processor run loop.
type Service interface {
	// Run consumes batches until ctx is canceled. In-flight messages are
	// drained, their offsets committed, and the consumer and publisher
	// closed before Run returns.
	Run(ctx context.Context) error
}

type service struct {
	logger   *zap.Logger
	consumer Consumer
	producer Publisher
	dlq      DeadLetterSink
	pipe     Pipeline
	metrics  *metrics.Registry
	cfg      config.ProcessorConfig
	sem      chan struct{}
}

var _ Service = (*service)(nil)

// NewService wires the stream processor. Concurrency within one batch is
// bounded by cfg.MaxConcurrency.
func NewService(
	logger *zap.Logger,
	consumer Consumer,
	producer Publisher,
	dlq DeadLetterSink,
	pipe Pipeline,
	m *metrics.Registry,
	cfg config.ProcessorConfig,
) Service {
	return &service{
		logger:   logger,
		consumer: consumer,
		producer: producer,
		dlq:      dlq,
		pipe:     pipe,
		metrics:  m,
		cfg:      cfg,
		sem:      make(chan struct{}, cfg.MaxConcurrency),
	}
}

func (s *service) Run(ctx context.Context) error {
	defer s.shutdown()

	s.logger.Info("stream processor started",
		zap.String("group", s.cfg.GroupID),
		zap.Int("batch_size", s.cfg.BatchSize),
		zap.Int("max_concurrency", s.cfg.MaxConcurrency))

	for {
		batch, err := s.consumer.FetchBatch(ctx, s.cfg.BatchSize, s.cfg.PollTimeout)
		if ctx.Err() != nil {
			// A fetch interrupted by shutdown stays uncommitted and is
			// redelivered to the next group member.
			s.logger.Info("shutdown requested, stopping consume loop")
			return nil
		}
		if err != nil {
			return fmt.Errorf("fetching batch: %w", err)
		}
		if len(batch) == 0 {
			continue
		}

		s.runBatch(ctx, batch)
		s.observeLag()
	}
}

// runBatch processes every message concurrently and commits the batch
// offsets exactly once after all of them finished, successfully or into
// the dead letter queue.
func (s *service) runBatch(ctx context.Context, batch []kafka.Message) {
	var wg sync.WaitGroup
	for _, msg := range batch {
		wg.Add(1)
		go func(m kafka.Message) {
			defer wg.Done()
			s.sem <- struct{}{}
			defer func() { <-s.sem }()

			// In-flight work survives shutdown: the task context detaches
			// from the loop's cancellation and carries its own deadline.
			taskCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), messageTimeout)
			defer cancel()
			s.processOne(taskCtx, m)
		}(msg)
	}
	wg.Wait()

	s.commit(ctx, batch)
}

func (s *service) processOne(ctx context.Context, msg kafka.Message) {
	start := time.Now()
	defer func() {
		s.metrics.ProcessingLatency.Observe(time.Since(start).Seconds())
	}()

	var ev event.CanonicalEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		s.deadLetter(ctx, msg, reasonDeserialization, errors.NewDeserializationError(err.Error()))
		return
	}

	if !ev.Source.Valid() {
		s.deadLetter(ctx, msg, reasonUnknownSource, errors.NewUnknownSourceError(string(ev.Source)))
		return
	}

	// At-least-once delivery means the same event id can arrive again
	// after a rebalance or an uncommitted batch. A dedup outage degrades
	// to reprocessing, never to dropped events.
	var claimed bool
	if s.pipe.Dedup != nil {
		duplicate, err := s.pipe.Dedup.Claim(ctx, ev.EventID)
		switch {
		case err != nil:
			s.logger.Warn("event dedup claim failed",
				zap.String("event_id", ev.EventID),
				zap.Error(err))
		case duplicate:
			s.metrics.EventsDeduplicated.Inc()
			s.logger.Debug("duplicate event skipped",
				zap.String("event_id", ev.EventID),
				zap.Int64("offset", msg.Offset))
			return
		default:
			claimed = true
		}
	}

	profileID, err := s.pipe.Resolver.Resolve(ctx, &ev)
	if err != nil {
		s.failEvent(ctx, msg, claimed, ev.EventID, err)
		return
	}

	prof, err := s.pipe.Builder.UpdateProfile(ctx, profileID, &ev)
	if err != nil {
		s.failEvent(ctx, msg, claimed, ev.EventID, err)
		return
	}

	record := StagingRecord{ProfileID: profileID, Event: &ev, ProfileSnapshot: prof}
	if err := s.producer.Publish(ctx, events.TopicBigQueryStaging, profileID, record); err != nil {
		s.failEvent(ctx, msg, claimed, ev.EventID, err)
		return
	}

	s.metrics.EventsProcessed.WithLabelValues(string(ev.Source)).Inc()

	// The profile write already landed; a membership hiccup must not
	// push the event to the DLQ and replay the update.
	if s.pipe.Segments != nil {
		if _, err := s.pipe.Segments.Evaluate(ctx, prof); err != nil {
			s.logger.Warn("segment evaluation failed",
				zap.String("profile_id", profileID),
				zap.Error(err))
		}
	}
}

// failEvent routes a pipeline failure to the dead letter queue and frees
// the event's dedup claim so a replay of the dead letter is not mistaken
// for a duplicate.
func (s *service) failEvent(ctx context.Context, msg kafka.Message, claimed bool, eventID string, cause error) {
	if claimed {
		if err := s.pipe.Dedup.Release(ctx, eventID); err != nil {
			s.logger.Warn("event dedup release failed",
				zap.String("event_id", eventID),
				zap.Error(err))
		}
	}
	s.deadLetter(ctx, msg, cause.Error(), cause)
}

func (s *service) deadLetter(ctx context.Context, msg kafka.Message, reason string, cause error) {
	s.logger.Error("event processing failed, routing to dead letter queue",
		zap.String("topic", msg.Topic),
		zap.Int64("offset", msg.Offset),
		zap.Error(cause))

	if err := s.dlq.Send(ctx, string(msg.Key), msg.Value, reason, 1); err != nil {
		s.logger.Error("dead letter delivery failed",
			zap.Int64("offset", msg.Offset),
			zap.Error(err))
	}
	s.metrics.DLQTotal.WithLabelValues(events.TruncateReason(reason)).Inc()
}

// commit marks the batch consumed. When shutdown canceled the loop
// context after the tasks already ran, the commit falls back to a bounded
// background context: losing it would redeliver work already applied.
func (s *service) commit(ctx context.Context, batch []kafka.Message) {
	commitCtx := ctx
	if ctx.Err() != nil {
		var cancel context.CancelFunc
		commitCtx, cancel = context.WithTimeout(context.Background(), commitTimeout)
		defer cancel()
	}
	if err := s.consumer.CommitMessages(commitCtx, batch...); err != nil {
		s.logger.Error("offset commit failed",
			zap.Int("batch_size", len(batch)),
			zap.Error(err))
	}
}

func (s *service) observeLag() {
	stats := s.consumer.Stats()
	s.metrics.ConsumerLag.
		WithLabelValues(events.TopicProcessedInteractions, s.cfg.GroupID).
		Set(float64(stats.Lag))
}

func (s *service) shutdown() {
	if err := s.producer.Close(); err != nil {
		s.logger.Warn("producer close failed", zap.Error(err))
	}
	if err := s.consumer.Close(); err != nil {
		s.logger.Warn("consumer close failed", zap.Error(err))
	}
	s.logger.Info("stream processor stopped")
}
