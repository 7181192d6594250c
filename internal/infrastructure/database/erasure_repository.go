package database

import (
	"context"
	"encoding/json"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/service/erasure"
)

// ErasureRepository implements erasure.ReportStore. Reports reference the
// subject by its pseudonymous student id and survive the erasure they
// document; they are the legal record that deletion happened.
type ErasureRepository struct {
	db *pgxpool.Pool
}

func NewErasureRepository(db *pgxpool.Pool) *ErasureRepository {
	return &ErasureRepository{db: db}
}

// SaveReport persists one cascade's deletion report.
func (r *ErasureRepository) SaveReport(ctx context.Context, report *erasure.DeletionReport) error {
	results, err := json.Marshal(report.StoreResults)
	if err != nil {
		return errors.NewInternalError("failed to marshal store results").WithCause(err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO erasure_reports (
			student_id, requested_at, completed_at, duration_seconds,
			store_results, fully_deleted
		) VALUES ($1, $2, $3, $4, $5, $6)`,
		report.StudentID, report.RequestedAt, report.CompletedAt,
		report.DurationSeconds, results, report.FullyDeleted)
	if err != nil {
		return errors.NewInternalError("failed to insert deletion report").WithCause(err)
	}
	return nil
}

// SaveVerification persists a residual-sweep outcome.
func (r *ErasureRepository) SaveVerification(ctx context.Context, result *erasure.VerificationResult) error {
	checks, err := json.Marshal(result.StoreChecks)
	if err != nil {
		return errors.NewInternalError("failed to marshal store checks").WithCause(err)
	}

	_, err = r.db.Exec(ctx, `
		INSERT INTO erasure_verifications (
			student_id, verified_at, all_clear, store_checks
		) VALUES ($1, $2, $3, $4)`,
		result.StudentID, result.VerifiedAt, result.AllClear, checks)
	if err != nil {
		return errors.NewInternalError("failed to insert verification result").WithCause(err)
	}
	return nil
}
