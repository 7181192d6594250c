// Package profile implements the profile builder: the single write path that
// folds a canonical event into its resolved golden record. Every write is an
// optimistic compare-and-set; conflicts are replayed on fresh state so no
// update is lost.
package profile

import (
	"context"

	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/domain/event"
	"github.com/eduflowhq/cdp-backend/internal/domain/profile"
)

// updateRetries bounds the optimistic write loop. Identity resolution can
// route one subject to several partitions, so concurrent writers are normal
// rather than exceptional.
const updateRetries = 3

// Service folds canonical events into profiles.
type Service interface {
	// UpdateProfile applies the event's transforms to the profile and
	// persists the candidate with a version check, retrying a stale read
	// up to the budget. Returns the stored profile.
	UpdateProfile(ctx context.Context, profileID string, e *event.CanonicalEvent) (*profile.Profile, error)
}

// Ensure service implements the interface
var _ Service = (*service)(nil)

type service struct {
	logger   *zap.Logger
	profiles profile.Repository
}

// NewService creates the profile builder service.
func NewService(logger *zap.Logger, profiles profile.Repository) Service {
	return &service{
		logger:   logger,
		profiles: profiles,
	}
}

// UpdateProfile runs the read-transform-write loop for one event.
func (s *service) UpdateProfile(ctx context.Context, profileID string, e *event.CanonicalEvent) (*profile.Profile, error) {
	var lastErr error
	for attempt := 1; attempt <= updateRetries; attempt++ {
		p, err := s.profiles.GetByID(ctx, profileID)
		if err != nil {
			return nil, err
		}

		apply(p, e)

		err = s.profiles.Update(ctx, p)
		if err == nil {
			return p, nil
		}
		if !errors.IsType(err, errors.ErrorTypeConflict) {
			return nil, err
		}

		lastErr = err
		s.logger.Debug("profile version conflict",
			zap.String("profile_id", profileID),
			zap.String("event_id", e.EventID),
			zap.Int("attempt", attempt))
	}
	return nil, lastErr
}

// apply runs the builder transforms in order on the candidate document.
// Contact info is overwritten only from the CRM; consent merges most
// restrictive; the interaction summary, engagement score and segment bands
// are recomputed; identifiers merge first-wins per type; the enrollment
// stage follows the funnel rules.
func apply(p *profile.Profile, e *event.CanonicalEvent) {
	now := profile.Now()

	if e.Source == event.SourceCRM {
		p.UpdateContactInfo(e.PersonalInfo)
	}
	p.MergeEventConsent(e.Consent, now)
	p.RecordInteraction(e.Source, e.Timestamp)
	p.RecalculateEngagement(now)
	p.MergeIdentifiers(e.Identifiers)
	p.ClaimStudentID(e.StudentID)

	if raw, ok := e.NormalizedData["enrollment_status"].(string); ok {
		p.ApplyEnrollmentStatus(raw, e.Source)
	}
}
