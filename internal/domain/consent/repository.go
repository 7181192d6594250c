package consent

import (
	"context"
	"time"
)

// Repository defines the interface for the consent ledger. Apply must
// persist the audit row and the channel state in one transaction; the state
// change is not durable unless its audit row is.
type Repository interface {
	// Get retrieves a student's consent record. Returns a not-found error
	// when the student has no record.
	Get(ctx context.Context, studentID string) (*Record, error)

	// Apply atomically appends the change to the consent audit trail and
	// upserts the channel state.
	Apply(ctx context.Context, change Change, state ChannelState) error

	// History returns a student's consent changes, oldest first.
	History(ctx context.Context, studentID string) ([]Change, error)

	// Delete removes a student's consent record and audit rows, for merges
	// and erasure. Returns the number of rows removed.
	Delete(ctx context.Context, studentID string) (int64, error)

	// BulkConsented reports the consent flag per student for one channel.
	// Students without a record map to false.
	BulkConsented(ctx context.Context, studentIDs []string, ch Channel) (map[string]bool, error)

	// CountByStudent reports residual consent rows, used by erasure
	// verification.
	CountByStudent(ctx context.Context, studentID string) (int64, error)
}

// Cache is a read-through cache over consent checks. Implementations expire
// entries rather than guaranteeing invalidation across instances.
type Cache interface {
	GetConsent(ctx context.Context, studentID string, ch Channel) (consented, found bool, err error)
	SetConsent(ctx context.Context, studentID string, ch Channel, consented bool, ttl time.Duration) error

	// BulkGetConsent returns the cached flags for the given students on
	// one channel. Students without a cached entry are absent from the
	// result; the caller resolves them against the ledger.
	BulkGetConsent(ctx context.Context, studentIDs []string, ch Channel) (map[string]bool, error)

	// BulkSetConsent caches flags for many students on one channel in a
	// single round trip.
	BulkSetConsent(ctx context.Context, flags map[string]bool, ch Channel, ttl time.Duration) error

	// Invalidate drops every channel entry for the student.
	Invalidate(ctx context.Context, studentID string) error
}
