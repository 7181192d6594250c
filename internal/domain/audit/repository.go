package audit

import (
	"context"
	"time"
)

// Repository defines the interface for audit trail persistence. Append
// assigns the sequence number and previous-hash link atomically, so callers
// pass unfrozen entries.
type Repository interface {
	// Append links the entry to the chain head and persists it.
	Append(ctx context.Context, entry *Entry) error

	// ListByStudent returns all entries for a student, oldest first.
	ListByStudent(ctx context.Context, studentID string) ([]*Entry, error)

	// ListByProfile returns all entries for a profile, oldest first.
	ListByProfile(ctx context.Context, profileID string) ([]*Entry, error)

	// ListByAction returns entries of one action recorded in [from, to).
	ListByAction(ctx context.Context, action Action, from, to time.Time) ([]*Entry, error)

	// ChainHead returns the hash and sequence number of the latest entry;
	// empty hash and zero sequence on an empty log.
	ChainHead(ctx context.Context) (string, int64, error)
}
