package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

// defaultDedupTTL keeps claims past the longest plausible redelivery
// window without growing the set forever.
const defaultDedupTTL = 24 * time.Hour

// DedupSet records processed event ids with SETNX so a redelivered
// message is recognized across processor instances. Claims expire with
// the TTL; the stream processor treats a dedup outage as a miss.
type DedupSet struct {
	client *redis.Client
	ttl    time.Duration
}

// NewDedupSet creates a dedup set on an established client. A
// non-positive ttl falls back to the default window.
func NewDedupSet(client *redis.Client, ttl time.Duration) *DedupSet {
	if ttl <= 0 {
		ttl = defaultDedupTTL
	}
	return &DedupSet{client: client, ttl: ttl}
}

// Claim atomically records the event id and reports whether it was
// already present.
func (d *DedupSet) Claim(ctx context.Context, eventID string) (bool, error) {
	created, err := d.client.SetNX(ctx, dedupKey(eventID), "1", d.ttl).Result()
	if err != nil {
		return false, errors.NewTransientError("DEDUP_CLAIM",
			"event dedup claim failed").WithCause(err)
	}
	return !created, nil
}

// Release frees the claim of an event that did not complete, so a replay
// inside the TTL window is processed instead of skipped.
func (d *DedupSet) Release(ctx context.Context, eventID string) error {
	if err := d.client.Del(ctx, dedupKey(eventID)).Err(); err != nil {
		return errors.NewTransientError("DEDUP_RELEASE",
			"event dedup release failed").WithCause(err)
	}
	return nil
}

func dedupKey(eventID string) string {
	return "dedup:event:" + eventID
}
