package profile

import (
	"context"

	"github.com/eduflowhq/cdp-backend/internal/domain/event"
)

// Repository defines the interface for profile persistence. The store must
// enforce that an identifier (type, value) pair belongs to at most one
// profile, and must apply Update as an atomic compare-and-set on Version.
type Repository interface {
	// GetByID retrieves a profile by its ID.
	GetByID(ctx context.Context, profileID string) (*Profile, error)

	// FindByIdentifier probes for the profile containing (t, value),
	// primary or absorbed. Returns a not-found error when none matches.
	FindByIdentifier(ctx context.Context, t event.IdentifierType, value string) (*Profile, error)

	// FindCandidatesByValues retrieves profiles sharing any of the given
	// identifier values, primary or not.
	FindCandidatesByValues(ctx context.Context, values []string) ([]*Profile, error)

	// Create inserts a new profile at its current version.
	Create(ctx context.Context, p *Profile) error

	// Update persists the profile if the stored version still equals
	// p.Version, atomically bumping it to p.Version+1 and refreshing
	// updated_at. Returns an optimistic-lock error on a version conflict.
	Update(ctx context.Context, p *Profile) error

	// Delete removes a profile and its identifier rows.
	Delete(ctx context.Context, profileID string) error

	// DeleteByStudent removes every profile row for a subject and returns
	// the number of records affected.
	DeleteByStudent(ctx context.Context, studentID string) (int64, error)

	// CountByStudent reports residual profile rows, used by erasure
	// verification.
	CountByStudent(ctx context.Context, studentID string) (int64, error)
}
