package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

// CRMMappingRepository implements erasure.CRMMappings over the crm_mappings
// table. Rows are written by the reverse-ETL sync as it pushes profiles to
// the CRM; this side only reads them for erasure and removes them so no
// later sync can recreate the subject.
type CRMMappingRepository struct {
	db *pgxpool.Pool
}

func NewCRMMappingRepository(db *pgxpool.Pool) *CRMMappingRepository {
	return &CRMMappingRepository{db: db}
}

// SalesforceID returns the CRM record id mapped to the student. Returns a
// not-found error when the subject was never synced.
func (r *CRMMappingRepository) SalesforceID(ctx context.Context, studentID string) (string, error) {
	var salesforceID string
	err := r.db.QueryRow(ctx,
		`SELECT salesforce_id FROM crm_mappings WHERE student_id = $1`,
		studentID).Scan(&salesforceID)
	if err != nil {
		if isNoRows(err) {
			return "", errors.NewNotFoundError("crm mapping")
		}
		return "", errors.NewInternalError("failed to query crm mapping").WithCause(err)
	}
	return salesforceID, nil
}

// Delete removes the subject's mapping rows. Zero rows is not an error; an
// unsynced subject is already clean.
func (r *CRMMappingRepository) Delete(ctx context.Context, studentID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM crm_mappings WHERE student_id = $1`, studentID)
	if err != nil {
		return 0, errors.NewInternalError("failed to delete crm mapping").WithCause(err)
	}
	return tag.RowsAffected(), nil
}
