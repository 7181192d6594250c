// Package identity implements identity resolution: the deterministic and
// probabilistic cascade that links every canonical event to exactly one
// profile, and the reviewed merge that folds two profiles into one.
package identity

import (
	"context"
	"encoding/json"
	"strings"

	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/domain/audit"
	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/domain/event"
	"github.com/eduflowhq/cdp-backend/internal/domain/profile"
	"github.com/eduflowhq/cdp-backend/internal/metrics"
)

// autoMergeConfidence is the probabilistic score at or above which a
// candidate is linked without operator review.
const autoMergeConfidence = 0.85

// Confidence blend weights: name similarity dominates, identifier overlap
// breaks ties between same-named candidates.
const (
	nameWeight    = 0.6
	overlapWeight = 0.4
)

// mergeRetries bounds the optimistic write loop of a reviewed merge.
const mergeRetries = 3

// Service resolves events to profiles and executes reviewed merges.
type Service interface {
	// Resolve returns the profile ID for the event: a deterministic
	// identifier match, a high-confidence probabilistic match, or a
	// freshly created profile. Mid-confidence matches are flagged for
	// review before a new profile is created.
	Resolve(ctx context.Context, e *event.CanonicalEvent) (string, error)

	// Merge folds the secondary profile into the primary, typically after
	// a review-flag approval: identifiers are unioned, the consent
	// projection keeps only channels both sides agreed to, the consent
	// ledger is merged, and the secondary is deleted.
	Merge(ctx context.Context, primaryID, secondaryID string) (*profile.Profile, error)
}

// ConsentMerger folds the secondary subject's consent ledger into the
// primary's. Implemented by the consent service.
type ConsentMerger interface {
	MergeConsent(ctx context.Context, primaryStudentID, secondaryStudentID string) error
}

// Ensure service implements the interface
var _ Service = (*service)(nil)

type service struct {
	logger   *zap.Logger
	profiles profile.Repository
	auditLog audit.Repository
	consents ConsentMerger
	metrics  *metrics.Registry
}

// NewService creates the identity resolution service.
func NewService(
	logger *zap.Logger,
	profiles profile.Repository,
	auditLog audit.Repository,
	consents ConsentMerger,
	m *metrics.Registry,
) Service {
	return &service{
		logger:   logger,
		profiles: profiles,
		auditLog: auditLog,
		consents: consents,
		metrics:  m,
	}
}

// Resolve runs the resolution cascade for one event.
func (s *service) Resolve(ctx context.Context, e *event.CanonicalEvent) (string, error) {
	profileID, err := s.deterministicMatch(ctx, e.Identifiers)
	if err != nil {
		return "", err
	}
	if profileID != "" {
		s.metrics.ResolutionMatches.WithLabelValues(metrics.MatchDeterministic).Inc()
		s.logger.Debug("deterministic match",
			zap.String("profile_id", profileID),
			zap.String("event_id", e.EventID))
		return profileID, nil
	}

	candidate, confidence, err := s.probabilisticMatch(ctx, e)
	if err != nil {
		return "", err
	}
	if candidate != nil {
		if confidence >= autoMergeConfidence {
			s.metrics.ResolutionMatches.WithLabelValues(metrics.MatchProbabilistic).Inc()
			s.logger.Info("probabilistic auto-merge",
				zap.String("profile_id", candidate.ID),
				zap.String("event_id", e.EventID),
				zap.Float64("confidence", confidence))
			return candidate.ID, nil
		}

		if err := s.flagForReview(ctx, e, candidate, confidence); err != nil {
			return "", err
		}
		s.metrics.ResolutionMatches.WithLabelValues(metrics.MatchReviewFlagged).Inc()
		s.logger.Warn("low-confidence match flagged for review",
			zap.String("candidate_id", candidate.ID),
			zap.String("event_id", e.EventID),
			zap.Float64("confidence", confidence))
	}

	return s.createProfile(ctx, e)
}

// deterministicMatch probes the store for each identifier in event order.
// The first hit wins, so resolution is reproducible given the normalizer's
// fixed identifier ordering.
func (s *service) deterministicMatch(ctx context.Context, identifiers []event.Identifier) (string, error) {
	for _, ident := range identifiers {
		if !ident.Type.Valid() || ident.Value == "" {
			continue
		}
		p, err := s.profiles.FindByIdentifier(ctx, ident.Type, ident.Value)
		if err != nil {
			if errors.IsType(err, errors.ErrorTypeNotFound) {
				continue
			}
			return "", err
		}
		return p.ID, nil
	}
	return "", nil
}

// probabilisticMatch scores every profile sharing at least one identifier
// value with the event. It needs a name and at least one identifier; with
// either missing there is nothing to score. Returns the best candidate and
// its confidence, or nil when no candidate exists.
func (s *service) probabilisticMatch(ctx context.Context, e *event.CanonicalEvent) (*profile.Profile, float64, error) {
	eventValues := e.IdentifierValues()
	if e.PersonalInfo.Name == "" || len(eventValues) == 0 {
		return nil, 0, nil
	}

	queryValues := make([]string, 0, len(eventValues))
	seen := make(map[string]bool, len(eventValues))
	for _, ident := range e.Identifiers {
		if ident.Value == "" || seen[ident.Value] {
			continue
		}
		seen[ident.Value] = true
		queryValues = append(queryValues, ident.Value)
	}

	candidates, err := s.profiles.FindCandidatesByValues(ctx, queryValues)
	if err != nil {
		return nil, 0, err
	}

	eventName := strings.ToLower(e.PersonalInfo.Name)
	var (
		best           *profile.Profile
		bestConfidence float64
	)
	for _, candidate := range candidates {
		nameScore := nameSimilarity(eventName, strings.ToLower(candidate.PersonalInfo.Name))
		overlap := identifierOverlap(eventValues, candidate.IdentifierValues())
		confidence := nameWeight*nameScore + overlapWeight*overlap
		if best == nil || confidence > bestConfidence {
			best, bestConfidence = candidate, confidence
		}
	}
	return best, bestConfidence, nil
}

// flagForReview records a mid-confidence match for the operator review
// workflow. The entry carries the full event snapshot so review does not
// depend on raw topic retention. A failed append aborts resolution; the
// event is redelivered rather than silently dropped from the review queue.
func (s *service) flagForReview(ctx context.Context, e *event.CanonicalEvent, candidate *profile.Profile, confidence float64) error {
	snapshot, err := eventSnapshot(e)
	if err != nil {
		return err
	}

	entry, err := audit.NewEntry(audit.ActionReviewFlagged, e.StudentID, candidate.ID, map[string]interface{}{
		"candidate_id":   candidate.ID,
		"confidence":     confidence,
		"event_snapshot": snapshot,
	})
	if err != nil {
		return err
	}
	return s.auditLog.Append(ctx, entry)
}

// createProfile inserts a profile seeded from the event and audits the
// creation.
func (s *service) createProfile(ctx context.Context, e *event.CanonicalEvent) (string, error) {
	p := profile.NewFromEvent(e)
	if err := s.profiles.Create(ctx, p); err != nil {
		return "", err
	}

	entry, err := audit.NewEntry(audit.ActionProfileCreated, e.StudentID, p.ID, map[string]interface{}{
		"event_id": e.EventID,
		"source":   string(e.Source),
	})
	if err != nil {
		return "", err
	}
	if err := s.auditLog.Append(ctx, entry); err != nil {
		return "", err
	}

	s.metrics.ResolutionMatches.WithLabelValues(metrics.MatchNewProfile).Inc()
	s.logger.Info("profile created",
		zap.String("profile_id", p.ID),
		zap.String("event_id", e.EventID))
	return p.ID, nil
}

// Merge executes a reviewed merge. The primary absorbs the secondary's
// identifiers and loses any consent the secondary did not share; the
// secondary is deleted and the merge is audited. The primary write is an
// optimistic compare-and-set retried with a fresh read on conflict.
func (s *service) Merge(ctx context.Context, primaryID, secondaryID string) (*profile.Profile, error) {
	if primaryID == secondaryID {
		return nil, errors.NewValidationError("MERGE_SELF", "cannot merge a profile into itself")
	}

	secondary, err := s.profiles.GetByID(ctx, secondaryID)
	if err != nil {
		return nil, err
	}

	var primary *profile.Profile
	for attempt := 0; ; attempt++ {
		primary, err = s.profiles.GetByID(ctx, primaryID)
		if err != nil {
			return nil, err
		}

		primary.AbsorbIdentifiers(secondary)
		primary.AbsorbConsent(secondary, profile.Now())
		primary.ClaimStudentID(secondary.StudentID)

		err = s.profiles.Update(ctx, primary)
		if err == nil {
			break
		}
		if !errors.IsType(err, errors.ErrorTypeConflict) || attempt+1 >= mergeRetries {
			return nil, err
		}
	}

	if primary.StudentID != "" && secondary.StudentID != "" && primary.StudentID != secondary.StudentID {
		if err := s.consents.MergeConsent(ctx, primary.StudentID, secondary.StudentID); err != nil {
			return nil, err
		}
	}

	if err := s.profiles.Delete(ctx, secondaryID); err != nil {
		return nil, err
	}

	entry, err := audit.NewEntry(audit.ActionProfileMerged, primary.StudentID, primary.ID, map[string]interface{}{
		"primary_id":   primaryID,
		"secondary_id": secondaryID,
	})
	if err != nil {
		return nil, err
	}
	if err := s.auditLog.Append(ctx, entry); err != nil {
		return nil, err
	}

	s.logger.Info("profiles merged",
		zap.String("primary_id", primaryID),
		zap.String("secondary_id", secondaryID))
	return primary, nil
}

// eventSnapshot flattens the event into generic JSON values so the audit
// hash stays stable across a storage round-trip.
func eventSnapshot(e *event.CanonicalEvent) (map[string]interface{}, error) {
	raw, err := json.Marshal(e)
	if err != nil {
		return nil, errors.NewInternalError("failed to marshal event snapshot").WithCause(err)
	}
	var snapshot map[string]interface{}
	if err := json.Unmarshal(raw, &snapshot); err != nil {
		return nil, errors.NewInternalError("failed to normalize event snapshot").WithCause(err)
	}
	return snapshot, nil
}
