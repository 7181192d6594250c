package cache

import (
	"context"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eduflowhq/cdp-backend/internal/domain/consent"
	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

// Flags are stored as one-byte strings; a missing key sends the check to
// the ledger.
const (
	flagConsented = "1"
	flagDenied    = "0"
)

// ConsentCache implements the consent check cache on Redis. Entries
// expire with their TTL; cross-instance invalidation is best effort and
// the consent service tolerates a stale flag until the TTL runs out.
type ConsentCache struct {
	client *redis.Client
}

var _ consent.Cache = (*ConsentCache)(nil)

// NewConsentCache creates a consent cache on an established client.
func NewConsentCache(client *redis.Client) *ConsentCache {
	return &ConsentCache{client: client}
}

// GetConsent returns the cached flag for one student and channel.
func (c *ConsentCache) GetConsent(ctx context.Context, studentID string, ch consent.Channel) (bool, bool, error) {
	val, err := c.client.Get(ctx, consentKey(studentID, ch)).Result()
	if err != nil {
		if err == redis.Nil {
			return false, false, nil
		}
		return false, false, errors.NewTransientError("CACHE_READ",
			"consent cache read failed").WithCause(err)
	}
	return val == flagConsented, true, nil
}

// SetConsent caches the flag for one student and channel.
func (c *ConsentCache) SetConsent(ctx context.Context, studentID string, ch consent.Channel, consented bool, ttl time.Duration) error {
	if err := c.client.Set(ctx, consentKey(studentID, ch), flagValue(consented), ttl).Err(); err != nil {
		return errors.NewTransientError("CACHE_WRITE",
			"consent cache write failed").WithCause(err)
	}
	return nil
}

// BulkGetConsent fetches the flags for many students in one pipelined
// round trip. Students without a cached entry are absent from the result.
func (c *ConsentCache) BulkGetConsent(ctx context.Context, studentIDs []string, ch consent.Channel) (map[string]bool, error) {
	if len(studentIDs) == 0 {
		return map[string]bool{}, nil
	}

	pipe := c.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(studentIDs))
	for i, id := range studentIDs {
		cmds[i] = pipe.Get(ctx, consentKey(id, ch))
	}

	// Exec surfaces the first command error; a missing key is a miss,
	// not a failure of the round trip.
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, errors.NewTransientError("CACHE_READ",
			"consent cache bulk read failed").WithCause(err)
	}

	result := make(map[string]bool, len(studentIDs))
	for i, cmd := range cmds {
		val, err := cmd.Result()
		if err != nil {
			continue
		}
		result[studentIDs[i]] = val == flagConsented
	}
	return result, nil
}

// BulkSetConsent caches the flags for many students in one pipelined
// round trip.
func (c *ConsentCache) BulkSetConsent(ctx context.Context, flags map[string]bool, ch consent.Channel, ttl time.Duration) error {
	if len(flags) == 0 {
		return nil
	}

	pipe := c.client.Pipeline()
	for id, consented := range flags {
		pipe.Set(ctx, consentKey(id, ch), flagValue(consented), ttl)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		return errors.NewTransientError("CACHE_WRITE",
			"consent cache bulk write failed").WithCause(err)
	}
	return nil
}

// Invalidate drops the student's entries for every channel in one DEL, so
// an opt-out is visible on this instance immediately.
func (c *ConsentCache) Invalidate(ctx context.Context, studentID string) error {
	channels := consent.AllChannels()
	keys := make([]string, len(channels))
	for i, ch := range channels {
		keys[i] = consentKey(studentID, ch)
	}
	if err := c.client.Del(ctx, keys...).Err(); err != nil {
		return errors.NewTransientError("CACHE_INVALIDATE",
			"consent cache invalidation failed").WithCause(err)
	}
	return nil
}

func consentKey(studentID string, ch consent.Channel) string {
	return "consent:" + studentID + ":" + ch.String()
}

func flagValue(consented bool) string {
	if consented {
		return flagConsented
	}
	return flagDenied
}
