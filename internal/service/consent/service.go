// Package consent implements the consent manager: per-student, per-channel
// consent with an append-only audit trail, most-restrictive merge semantics,
// and the activation gate. Consent state is never durable without its audit
// row; the repository applies both in one transaction.
package consent

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/domain/audit"
	"github.com/eduflowhq/cdp-backend/internal/domain/consent"
	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/metrics"
)

// Service manages the consent ledger and answers consent checks.
type Service interface {
	// GetConsent returns the student's consent record, empty when nothing
	// was ever captured.
	GetConsent(ctx context.Context, studentID string) (*consent.Record, error)

	// UpdateConsent writes one channel transition and its audit row. Equal
	// values are still audited; re-consenting is a legally relevant act.
	UpdateConsent(ctx context.Context, studentID string, ch consent.Channel, consented bool, basis consent.LegalBasis, source consent.Source) error

	// CheckConsent reports the consent flag for one channel, false when no
	// record exists.
	CheckConsent(ctx context.Context, studentID string, ch consent.Channel) (bool, error)

	// MergeConsent folds the secondary student's ledger into the primary's,
	// channel-wise AND, then deletes the secondary record.
	MergeConsent(ctx context.Context, primaryStudentID, secondaryStudentID string) error

	// BulkCheck reports the consent flag per student for one channel.
	// Campaign pre-flight; students without a record map to false.
	BulkCheck(ctx context.Context, studentIDs []string, ch consent.Channel) (map[string]bool, error)

	// History returns the student's consent audit trail, oldest first.
	History(ctx context.Context, studentID string) ([]consent.Change, error)

	// Gate refuses activation on a non-consented channel: it writes a
	// consent_denied audit entry and returns a compliance error. Callers
	// must gate every outbound send.
	Gate(ctx context.Context, studentID string, ch consent.Channel) error
}

// Ensure service implements the interface
var _ Service = (*service)(nil)

type service struct {
	logger   *zap.Logger
	ledger   consent.Repository
	cache    consent.Cache
	auditLog audit.Repository
	metrics  *metrics.Registry
	cacheTTL time.Duration
}

// NewService creates the consent manager service. cacheTTL bounds how long a
// stale check result can be served after an update on another instance.
func NewService(
	logger *zap.Logger,
	ledger consent.Repository,
	cache consent.Cache,
	auditLog audit.Repository,
	m *metrics.Registry,
	cacheTTL time.Duration,
) Service {
	return &service{
		logger:   logger,
		ledger:   ledger,
		cache:    cache,
		auditLog: auditLog,
		metrics:  m,
		cacheTTL: cacheTTL,
	}
}

// GetConsent returns the full per-channel record, empty if absent.
func (s *service) GetConsent(ctx context.Context, studentID string) (*consent.Record, error) {
	record, err := s.ledger.Get(ctx, studentID)
	if err != nil {
		if errors.IsType(err, errors.ErrorTypeNotFound) {
			return consent.NewRecord(studentID), nil
		}
		return nil, err
	}
	return record, nil
}

// UpdateConsent applies one transition. The audit row and the channel state
// commit together; a failed audit aborts the mutation.
func (s *service) UpdateConsent(ctx context.Context, studentID string, ch consent.Channel, consented bool, basis consent.LegalBasis, source consent.Source) error {
	if !ch.Valid() {
		return errors.NewValidationError("INVALID_CHANNEL",
			"unknown consent channel: "+ch.String())
	}

	existing, err := s.GetConsent(ctx, studentID)
	if err != nil {
		return err
	}
	var oldValue *bool
	if state, ok := existing.State(ch); ok {
		v := state.Consented
		oldValue = &v
	}

	now := time.Now().UTC()
	change := consent.Change{
		StudentID:    studentID,
		Channel:      ch,
		OldValue:     oldValue,
		NewValue:     consented,
		LegalBasis:   basis,
		TermsVersion: consent.CurrentTermsVersion,
		Source:       source,
		Timestamp:    now,
	}
	if err := change.Validate(); err != nil {
		return err
	}
	state := consent.ChannelState{
		Consented:    consented,
		LegalBasis:   basis,
		TermsVersion: consent.CurrentTermsVersion,
		UpdatedAt:    now,
	}

	if err := s.ledger.Apply(ctx, change, state); err != nil {
		return err
	}

	if err := s.cache.Invalidate(ctx, studentID); err != nil {
		// The ledger already committed; a stale cache entry expires with
		// its TTL.
		s.logger.Warn("consent cache invalidation failed",
			zap.String("student_id", studentID),
			zap.Error(err))
	}

	s.logger.Info("consent updated",
		zap.String("student_id", studentID),
		zap.String("channel", ch.String()),
		zap.Bool("consented", consented),
		zap.String("source", source.String()))
	return nil
}

// CheckConsent answers a single-channel check through the cache.
func (s *service) CheckConsent(ctx context.Context, studentID string, ch consent.Channel) (bool, error) {
	consented, found, err := s.cache.GetConsent(ctx, studentID, ch)
	if err != nil {
		s.logger.Warn("consent cache read failed",
			zap.String("student_id", studentID),
			zap.Error(err))
	} else if found {
		s.countCheck(ch, consented)
		return consented, nil
	}

	record, err := s.GetConsent(ctx, studentID)
	if err != nil {
		return false, err
	}
	consented = record.ConsentedTo(ch)

	if err := s.cache.SetConsent(ctx, studentID, ch, consented, s.cacheTTL); err != nil {
		s.logger.Warn("consent cache write failed",
			zap.String("student_id", studentID),
			zap.Error(err))
	}
	s.countCheck(ch, consented)
	return consented, nil
}

// MergeConsent applies the most-restrictive rule across every channel and
// deletes the secondary record. Channels are visited in canonical order so
// the audit trail of a merge is reproducible.
func (s *service) MergeConsent(ctx context.Context, primaryStudentID, secondaryStudentID string) error {
	primary, err := s.GetConsent(ctx, primaryStudentID)
	if err != nil {
		return err
	}
	secondary, err := s.GetConsent(ctx, secondaryStudentID)
	if err != nil {
		return err
	}

	for _, ch := range consent.AllChannels() {
		merged := primary.ConsentedTo(ch) && secondary.ConsentedTo(ch)
		if state, ok := primary.State(ch); ok && state.Consented == merged {
			continue
		}
		if err := s.UpdateConsent(ctx, primaryStudentID, ch, merged, consent.BasisLegitimateInterest, consent.SourceAPI); err != nil {
			return err
		}
	}

	if _, err := s.ledger.Delete(ctx, secondaryStudentID); err != nil {
		return err
	}
	if err := s.cache.Invalidate(ctx, secondaryStudentID); err != nil {
		s.logger.Warn("consent cache invalidation failed",
			zap.String("student_id", secondaryStudentID),
			zap.Error(err))
	}

	s.logger.Info("consent ledgers merged",
		zap.String("primary_student_id", primaryStudentID),
		zap.String("secondary_student_id", secondaryStudentID))
	return nil
}

// BulkCheck answers a batch of single-channel checks. Cached flags are
// fetched in one pipelined round trip; only the misses hit the ledger and
// their answers are written back for the next campaign pre-flight.
func (s *service) BulkCheck(ctx context.Context, studentIDs []string, ch consent.Channel) (map[string]bool, error) {
	if !ch.Valid() {
		return nil, errors.NewValidationError("INVALID_CHANNEL",
			"unknown consent channel: "+ch.String())
	}
	if len(studentIDs) == 0 {
		return map[string]bool{}, nil
	}

	result, err := s.cache.BulkGetConsent(ctx, studentIDs, ch)
	if err != nil {
		s.logger.Warn("consent cache bulk read failed",
			zap.Int("students", len(studentIDs)),
			zap.Error(err))
		result = nil
	}
	if result == nil {
		result = make(map[string]bool, len(studentIDs))
	}

	var missing []string
	for _, id := range studentIDs {
		if _, ok := result[id]; !ok {
			missing = append(missing, id)
		}
	}

	if len(missing) > 0 {
		fromLedger, err := s.ledger.BulkConsented(ctx, missing, ch)
		if err != nil {
			return nil, err
		}
		if err := s.cache.BulkSetConsent(ctx, fromLedger, ch, s.cacheTTL); err != nil {
			s.logger.Warn("consent cache bulk write failed",
				zap.Int("students", len(fromLedger)),
				zap.Error(err))
		}
		for id, consented := range fromLedger {
			result[id] = consented
		}
	}

	for _, consented := range result {
		s.countCheck(ch, consented)
	}
	return result, nil
}

// History returns the consent audit trail, oldest first.
func (s *service) History(ctx context.Context, studentID string) ([]consent.Change, error) {
	return s.ledger.History(ctx, studentID)
}

// Gate hard-refuses activation without consent. The refusal is recorded in
// the hash-chained audit log; the returned error is never retryable.
func (s *service) Gate(ctx context.Context, studentID string, ch consent.Channel) error {
	consented, err := s.CheckConsent(ctx, studentID, ch)
	if err != nil {
		return err
	}
	if consented {
		return nil
	}

	entry, err := audit.NewEntry(audit.ActionConsentDenied, studentID, "", map[string]interface{}{
		"channel": ch.String(),
	})
	if err != nil {
		return err
	}
	if err := s.auditLog.Append(ctx, entry); err != nil {
		return err
	}

	s.logger.Warn("activation refused without consent",
		zap.String("student_id", studentID),
		zap.String("channel", ch.String()))
	return errors.NewConsentViolationError(ch.String(),
		"student has not consented to channel "+ch.String())
}

func (s *service) countCheck(ch consent.Channel, consented bool) {
	result := metrics.ResultDenied
	if consented {
		result = metrics.ResultAllowed
	}
	s.metrics.ConsentChecks.WithLabelValues(ch.String(), result).Inc()
}
