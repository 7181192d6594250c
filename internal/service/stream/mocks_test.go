package stream

import (
	"context"
	"sync"
	"time"

	"github.com/segmentio/kafka-go"

	"github.com/eduflowhq/cdp-backend/internal/domain/event"
	"github.com/eduflowhq/cdp-backend/internal/domain/profile"
)

// fakeConsumer serves scripted batches and cancels the loop context once
// they are exhausted, so Run terminates deterministically.
type fakeConsumer struct {
	mu            sync.Mutex
	batches       [][]kafka.Message
	fetchErr      error
	cancel        context.CancelFunc
	commits       [][]kafka.Message
	commitCtxErrs []error
	commitErr     error
	onCommit      func()
	lag           int64
	closed        bool
}

func (f *fakeConsumer) FetchBatch(ctx context.Context, _ int, _ time.Duration) ([]kafka.Message, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	if len(f.batches) == 0 {
		if f.fetchErr != nil {
			return nil, f.fetchErr
		}
		f.cancel()
		return nil, context.Canceled
	}
	batch := f.batches[0]
	f.batches = f.batches[1:]
	return batch, nil
}

func (f *fakeConsumer) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.onCommit != nil {
		f.onCommit()
	}
	f.commits = append(f.commits, append([]kafka.Message(nil), msgs...))
	f.commitCtxErrs = append(f.commitCtxErrs, ctx.Err())
	return f.commitErr
}

func (f *fakeConsumer) Stats() kafka.ReaderStats {
	return kafka.ReaderStats{Lag: f.lag}
}

func (f *fakeConsumer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

var _ Consumer = (*fakeConsumer)(nil)

type published struct {
	topic   string
	key     string
	payload interface{}
}

type fakeProducer struct {
	mu         sync.Mutex
	records    []published
	failTopics map[string]error
	closed     bool
}

func (f *fakeProducer) Publish(_ context.Context, topic, key string, payload interface{}) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if err := f.failTopics[topic]; err != nil {
		return err
	}
	f.records = append(f.records, published{topic: topic, key: key, payload: payload})
	return nil
}

func (f *fakeProducer) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed = true
	return nil
}

func (f *fakeProducer) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.records)
}

var _ Publisher = (*fakeProducer)(nil)

type deadLetterRecord struct {
	key      string
	original []byte
	reason   string
	attempts int
}

type fakeDLQ struct {
	mu      sync.Mutex
	records []deadLetterRecord
	err     error
}

func (f *fakeDLQ) Send(_ context.Context, key string, original []byte, reason string, attempts int) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return f.err
	}
	f.records = append(f.records, deadLetterRecord{
		key:      key,
		original: append([]byte(nil), original...),
		reason:   reason,
		attempts: attempts,
	})
	return nil
}

var _ DeadLetterSink = (*fakeDLQ)(nil)

type fakeResolver struct {
	mu        sync.Mutex
	profileID string
	err       error
	calls     int
}

func (f *fakeResolver) Resolve(_ context.Context, _ *event.CanonicalEvent) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.err != nil {
		return "", f.err
	}
	return f.profileID, nil
}

var _ Resolver = (*fakeResolver)(nil)

type fakeBuilder struct {
	mu          sync.Mutex
	err         error
	delay       time.Duration
	onCall      func()
	calls       int
	inFlight    int
	maxInFlight int
	ctxErrs     []error
}

func (f *fakeBuilder) UpdateProfile(ctx context.Context, profileID string, _ *event.CanonicalEvent) (*profile.Profile, error) {
	f.mu.Lock()
	f.calls++
	f.inFlight++
	if f.inFlight > f.maxInFlight {
		f.maxInFlight = f.inFlight
	}
	f.ctxErrs = append(f.ctxErrs, ctx.Err())
	delay, err, onCall := f.delay, f.err, f.onCall
	f.mu.Unlock()

	if onCall != nil {
		onCall()
	}
	if delay > 0 {
		time.Sleep(delay)
	}

	f.mu.Lock()
	f.inFlight--
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}
	return &profile.Profile{
		ID:               profileID,
		EnrollmentStatus: profile.StatusInquiry,
		InteractionSummary: profile.InteractionSummary{
			TotalEvents: 3,
		},
		Version: 1,
	}, nil
}

var _ ProfileUpdater = (*fakeBuilder)(nil)

type fakeSegments struct {
	mu         sync.Mutex
	err        error
	calls      int
	profileIDs []string
}

func (f *fakeSegments) Evaluate(_ context.Context, p *profile.Profile) ([]string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.profileIDs = append(f.profileIDs, p.ID)
	if f.err != nil {
		return nil, f.err
	}
	return []string{"high_intent_prospect"}, nil
}

var _ SegmentEvaluator = (*fakeSegments)(nil)

// fakeDedup claims event ids in memory, mirroring the SETNX semantics of
// the Redis set.
type fakeDedup struct {
	mu       sync.Mutex
	seen     map[string]bool
	claimErr error
	claims   int
	releases []string
}

func newFakeDedup() *fakeDedup {
	return &fakeDedup{seen: make(map[string]bool)}
}

func (f *fakeDedup) Claim(_ context.Context, eventID string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.claimErr != nil {
		return false, f.claimErr
	}
	f.claims++
	if f.seen[eventID] {
		return true, nil
	}
	f.seen[eventID] = true
	return false, nil
}

func (f *fakeDedup) Release(_ context.Context, eventID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.releases = append(f.releases, eventID)
	delete(f.seen, eventID)
	return nil
}

var _ Deduper = (*fakeDedup)(nil)
