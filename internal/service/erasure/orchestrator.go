// Package erasure implements the right-to-erasure cascade: hard deletion of
// one subject across every store, per-store retries with backoff, a
// persisted deletion report, and post-deletion verification. A partial
// failure is surfaced for operator remediation, never retried end-to-end.
package erasure

import (
	"context"
	"time"

	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/domain/audit"
	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/infrastructure/config"
	"github.com/eduflowhq/cdp-backend/internal/metrics"
)

// Store names in the order the cascade visits them.
const (
	StorePostgres   = "postgres"
	StoreBigQuery   = "bigquery"
	StorePinecone   = "pinecone"
	StoreVertexAI   = "vertex_ai"
	StoreKafka      = "kafka"
	StoreSalesforce = "salesforce"
)

// maxStoreAttempts bounds per-store retries; the sleep before attempt n+1
// is 2^n seconds.
const maxStoreAttempts = 3

// StoreResult records one store's outcome within a deletion report.
type StoreResult struct {
	Store           string `json:"store"`
	Deleted         bool   `json:"deleted"`
	Error           string `json:"error,omitempty"`
	RecordsAffected int64  `json:"records_affected"`
}

// DeletionReport is the persisted record of one erasure cascade.
type DeletionReport struct {
	StudentID       string        `json:"student_id"`
	RequestedAt     time.Time     `json:"requested_at"`
	CompletedAt     time.Time     `json:"completed_at"`
	DurationSeconds float64       `json:"duration_seconds"`
	StoreResults    []StoreResult `json:"store_results"`
	FullyDeleted    bool          `json:"fully_deleted"`
}

// FailedStores lists the stores that did not confirm deletion.
func (r *DeletionReport) FailedStores() []string {
	var failed []string
	for _, sr := range r.StoreResults {
		if !sr.Deleted {
			failed = append(failed, sr.Store)
		}
	}
	return failed
}

// VerificationResult is the outcome of a post-deletion residual sweep.
type VerificationResult struct {
	StudentID   string          `json:"student_id"`
	VerifiedAt  time.Time       `json:"verified_at"`
	AllClear    bool            `json:"all_clear"`
	StoreChecks map[string]bool `json:"store_checks"`
}

// PrimaryStore is the slice of the profile store the cascade needs.
type PrimaryStore interface {
	DeleteByStudent(ctx context.Context, studentID string) (int64, error)
	CountByStudent(ctx context.Context, studentID string) (int64, error)
}

// ConsentLedger covers the subject's consent rows, state and audit alike.
type ConsentLedger interface {
	Delete(ctx context.Context, studentID string) (int64, error)
	CountByStudent(ctx context.Context, studentID string) (int64, error)
}

// Warehouse deletes the subject's rows from every warehouse table.
type Warehouse interface {
	DeleteByStudent(ctx context.Context, studentID string) (int64, error)
	CountByStudent(ctx context.Context, studentID string) (int64, error)
}

// VectorIndex removes the subject's embedding vectors.
type VectorIndex interface {
	DeleteByStudent(ctx context.Context, studentID string) (int64, error)
	CountByStudent(ctx context.Context, studentID string) (int64, error)
}

// FeatureStore removes the subject's feature entity. Entity deletion is
// definitive; the store offers no residual query.
type FeatureStore interface {
	DeleteEntity(ctx context.Context, entityType, entityID string) error
}

// Tombstoner publishes null-valued records keyed by the subject so
// compacted topics drop the subject's history.
type Tombstoner interface {
	PublishTombstones(ctx context.Context, studentID string, topics []string) error
}

// CRMMappings is the external-CRM mapping table. Removing the mapping stops
// every further push for the subject.
type CRMMappings interface {
	SalesforceID(ctx context.Context, studentID string) (string, error)
	Delete(ctx context.Context, studentID string) (int64, error)
}

// ReportStore persists deletion reports and verification outcomes for the
// operator remediation workflow.
type ReportStore interface {
	SaveReport(ctx context.Context, report *DeletionReport) error
	SaveVerification(ctx context.Context, result *VerificationResult) error
}

// Stores bundles the erasure targets in cascade order.
type Stores struct {
	Profiles   PrimaryStore
	Consents   ConsentLedger
	Warehouse  Warehouse
	Vectors    VectorIndex
	Features   FeatureStore
	Tombstones Tombstoner
	CRM        CRMMappings
}

// Service orchestrates subject erasure.
type Service interface {
	// DeleteStudent runs the full cascade and persists the report. On a
	// partial failure the report is returned together with a
	// PARTIAL_ERASURE error naming the failed stores.
	DeleteStudent(ctx context.Context, studentID string) (*DeletionReport, error)

	// VerifyDeletion re-queries the queryable stores for residuals and
	// audits the outcome.
	VerifyDeletion(ctx context.Context, studentID string) (*VerificationResult, error)
}

// Ensure service implements the interface
var _ Service = (*service)(nil)

type service struct {
	logger   *zap.Logger
	stores   Stores
	reports  ReportStore
	auditLog audit.Repository
	metrics  *metrics.Registry
	cfg      config.ErasureConfig

	// backoffUnit scales the 2^attempt retry sleep; one second in
	// production.
	backoffUnit time.Duration
}

// NewService creates the erasure orchestrator.
func NewService(
	logger *zap.Logger,
	stores Stores,
	reports ReportStore,
	auditLog audit.Repository,
	m *metrics.Registry,
	cfg config.ErasureConfig,
) Service {
	return &service{
		logger:      logger,
		stores:      stores,
		reports:     reports,
		auditLog:    auditLog,
		metrics:     m,
		cfg:         cfg,
		backoffUnit: time.Second,
	}
}

// DeleteStudent erases the subject across every store, in order. The
// cascade never stops early: a failed store is recorded and the next one
// still runs, so one broken dependency cannot block erasure elsewhere.
func (s *service) DeleteStudent(ctx context.Context, studentID string) (*DeletionReport, error) {
	if studentID == "" {
		return nil, errors.NewValidationError("MISSING_STUDENT_ID", "erasure requires a student id")
	}

	report := &DeletionReport{
		StudentID:   studentID,
		RequestedAt: time.Now().UTC(),
	}
	start := time.Now()
	s.logger.Info("erasure started", zap.String("student_id", studentID))

	steps := []struct {
		store   string
		timeout time.Duration
		fn      func(context.Context) (int64, error)
	}{
		{StorePostgres, s.cfg.StepTimeout, func(ctx context.Context) (int64, error) {
			return s.deletePrimary(ctx, studentID)
		}},
		{StoreBigQuery, s.cfg.StepTimeout, func(ctx context.Context) (int64, error) {
			return s.stores.Warehouse.DeleteByStudent(ctx, studentID)
		}},
		{StorePinecone, s.cfg.StepTimeout, func(ctx context.Context) (int64, error) {
			return s.stores.Vectors.DeleteByStudent(ctx, studentID)
		}},
		{StoreVertexAI, s.cfg.StepTimeout, func(ctx context.Context) (int64, error) {
			return 0, s.stores.Features.DeleteEntity(ctx, "student", studentID)
		}},
		{StoreKafka, s.cfg.FlushTimeout, func(ctx context.Context) (int64, error) {
			if err := s.stores.Tombstones.PublishTombstones(ctx, studentID, s.cfg.TombstoneTopics); err != nil {
				return 0, err
			}
			return int64(len(s.cfg.TombstoneTopics)), nil
		}},
		{StoreSalesforce, s.cfg.StepTimeout, func(ctx context.Context) (int64, error) {
			return s.deleteCRM(ctx, studentID)
		}},
	}

	for _, step := range steps {
		result := s.deleteWithRetry(ctx, step.store, step.timeout, step.fn)
		report.StoreResults = append(report.StoreResults, result)
	}

	report.CompletedAt = time.Now().UTC()
	report.DurationSeconds = time.Since(start).Seconds()
	failed := report.FailedStores()
	report.FullyDeleted = len(failed) == 0

	if err := s.auditReport(ctx, report); err != nil {
		return nil, err
	}
	if err := s.reports.SaveReport(ctx, report); err != nil {
		return nil, errors.NewInternalError("failed to persist deletion report").WithCause(err)
	}

	if !report.FullyDeleted {
		s.logger.Error("erasure left residuals",
			zap.String("student_id", studentID),
			zap.Strings("failed_stores", failed))
		return report, errors.NewPartialErasureError(studentID, failed)
	}

	s.logger.Info("erasure completed",
		zap.String("student_id", studentID),
		zap.Float64("duration_s", report.DurationSeconds))
	return report, nil
}

// deleteWithRetry runs one store's delete up to maxStoreAttempts times.
// Each attempt gets its own timeout; a canceled parent context stops the
// retry loop.
func (s *service) deleteWithRetry(ctx context.Context, store string, timeout time.Duration, fn func(context.Context) (int64, error)) StoreResult {
	for attempt := 1; attempt <= maxStoreAttempts; attempt++ {
		stepCtx, cancel := context.WithTimeout(ctx, timeout)
		affected, err := fn(stepCtx)
		cancel()
		if err == nil {
			s.metrics.ErasureStoreDeletes.WithLabelValues(store, metrics.OutcomeSuccess).Inc()
			return StoreResult{Store: store, Deleted: true, RecordsAffected: affected}
		}

		s.logger.Warn("erasure store delete failed",
			zap.String("store", store),
			zap.Int("attempt", attempt),
			zap.Int("max_attempts", maxStoreAttempts),
			zap.Error(err))

		if attempt < maxStoreAttempts {
			select {
			case <-time.After(s.backoffUnit << attempt):
			case <-ctx.Done():
				s.metrics.ErasureStoreDeletes.WithLabelValues(store, metrics.OutcomeFailure).Inc()
				return StoreResult{Store: store, Deleted: false, Error: ctx.Err().Error()}
			}
		}
	}

	s.metrics.ErasureStoreDeletes.WithLabelValues(store, metrics.OutcomeFailure).Inc()
	return StoreResult{Store: store, Deleted: false, Error: "max retries exceeded"}
}

// deletePrimary clears the subject from the primary store: profile rows
// plus the consent ledger with its audit trail.
func (s *service) deletePrimary(ctx context.Context, studentID string) (int64, error) {
	profiles, err := s.stores.Profiles.DeleteByStudent(ctx, studentID)
	if err != nil {
		return 0, err
	}
	consents, err := s.stores.Consents.Delete(ctx, studentID)
	if err != nil {
		return profiles, err
	}
	return profiles + consents, nil
}

// deleteCRM surfaces the deletion request for the external CRM record and
// removes the mapping so no further sync can recreate it.
func (s *service) deleteCRM(ctx context.Context, studentID string) (int64, error) {
	sfID, err := s.stores.CRM.SalesforceID(ctx, studentID)
	if err != nil && !errors.IsType(err, errors.ErrorTypeNotFound) {
		return 0, err
	}
	if sfID != "" {
		s.logger.Info("crm deletion requested",
			zap.String("student_id", studentID),
			zap.String("salesforce_id", sfID))
	}
	return s.stores.CRM.Delete(ctx, studentID)
}

// auditReport appends the cascade outcome to the hash-chained audit log.
func (s *service) auditReport(ctx context.Context, report *DeletionReport) error {
	entry, err := audit.NewEntry(audit.ActionErasureReport, report.StudentID, "", map[string]interface{}{
		"fully_deleted": report.FullyDeleted,
		"duration_s":    report.DurationSeconds,
		"store_results": report.StoreResults,
	})
	if err != nil {
		return err
	}
	return s.auditLog.Append(ctx, entry)
}

// VerifyDeletion re-queries the stores that can be queried for residuals.
// The outcome is audited whether or not the sweep comes back clear.
func (s *service) VerifyDeletion(ctx context.Context, studentID string) (*VerificationResult, error) {
	result := &VerificationResult{
		StudentID:   studentID,
		VerifiedAt:  time.Now().UTC(),
		StoreChecks: make(map[string]bool, 3),
	}

	profileCount, err := s.stores.Profiles.CountByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	consentCount, err := s.stores.Consents.CountByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	result.StoreChecks[StorePostgres] = profileCount+consentCount == 0

	warehouseCount, err := s.stores.Warehouse.CountByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	result.StoreChecks[StoreBigQuery] = warehouseCount == 0

	vectorCount, err := s.stores.Vectors.CountByStudent(ctx, studentID)
	if err != nil {
		return nil, err
	}
	result.StoreChecks[StorePinecone] = vectorCount == 0

	result.AllClear = true
	for _, clear := range result.StoreChecks {
		if !clear {
			result.AllClear = false
			break
		}
	}

	entry, err := audit.NewEntry(audit.ActionErasureVerified, studentID, "", map[string]interface{}{
		"all_clear":    result.AllClear,
		"store_checks": result.StoreChecks,
	})
	if err != nil {
		return nil, err
	}
	if err := s.auditLog.Append(ctx, entry); err != nil {
		return nil, err
	}
	if err := s.reports.SaveVerification(ctx, result); err != nil {
		return nil, errors.NewInternalError("failed to persist verification result").WithCause(err)
	}

	s.logger.Info("deletion verification",
		zap.String("student_id", studentID),
		zap.Bool("all_clear", result.AllClear))
	return result, nil
}
