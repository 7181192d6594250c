package database

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eduflowhq/cdp-backend/internal/domain/consent"
	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

// ConsentRepository implements consent.Repository. The current projection
// lives in consent_states, one row per (student, channel); every transition
// lands in consent_audit first, inside the same transaction.
type ConsentRepository struct {
	db *pgxpool.Pool
}

func NewConsentRepository(db *pgxpool.Pool) *ConsentRepository {
	return &ConsentRepository{db: db}
}

// Get assembles a student's consent record from the channel rows.
func (r *ConsentRepository) Get(ctx context.Context, studentID string) (*consent.Record, error) {
	rows, err := r.db.Query(ctx, `
		SELECT channel, consented, legal_basis, terms_version, updated_at
		FROM consent_states
		WHERE student_id = $1
		ORDER BY channel`,
		studentID)
	if err != nil {
		return nil, errors.NewInternalError("failed to query consent states").WithCause(err)
	}
	defer rows.Close()

	record := consent.NewRecord(studentID)
	for rows.Next() {
		var (
			channel string
			state   consent.ChannelState
		)
		err := rows.Scan(&channel, &state.Consented, &state.LegalBasis,
			&state.TermsVersion, &state.UpdatedAt)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan consent state").WithCause(err)
		}
		record.Set(consent.Channel(channel), state)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to iterate consent states").WithCause(err)
	}

	if len(record.Channels) == 0 {
		return nil, errors.NewNotFoundError("consent record")
	}
	return record, nil
}

// Apply appends the change to the consent audit trail and upserts the
// channel state in one transaction. The audit row goes in first: if it
// cannot be written, no state change becomes durable.
func (r *ConsentRepository) Apply(ctx context.Context, change consent.Change, state consent.ChannelState) error {
	if err := change.Validate(); err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.NewInternalError("failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO consent_audit (
			student_id, channel, old_value, new_value,
			legal_basis, terms_version, source, occurred_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		change.StudentID, string(change.Channel), change.OldValue, change.NewValue,
		string(change.LegalBasis), change.TermsVersion, string(change.Source),
		change.Timestamp)
	if err != nil {
		return errors.NewInternalError("failed to insert consent audit row").WithCause(err)
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO consent_states (
			student_id, channel, consented, legal_basis, terms_version, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (student_id, channel) DO UPDATE SET
			consented = EXCLUDED.consented,
			legal_basis = EXCLUDED.legal_basis,
			terms_version = EXCLUDED.terms_version,
			updated_at = EXCLUDED.updated_at`,
		change.StudentID, string(change.Channel), state.Consented,
		string(state.LegalBasis), state.TermsVersion, state.UpdatedAt)
	if err != nil {
		return errors.NewInternalError("failed to upsert consent state").WithCause(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.NewInternalError("failed to commit transaction").WithCause(err)
	}
	return nil
}

// History returns a student's consent changes, oldest first.
func (r *ConsentRepository) History(ctx context.Context, studentID string) ([]consent.Change, error) {
	rows, err := r.db.Query(ctx, `
		SELECT student_id, channel, old_value, new_value,
		       legal_basis, terms_version, source, occurred_at
		FROM consent_audit
		WHERE student_id = $1
		ORDER BY occurred_at, id`,
		studentID)
	if err != nil {
		return nil, errors.NewInternalError("failed to query consent history").WithCause(err)
	}
	defer rows.Close()

	var changes []consent.Change
	for rows.Next() {
		var c consent.Change
		err := rows.Scan(&c.StudentID, &c.Channel, &c.OldValue, &c.NewValue,
			&c.LegalBasis, &c.TermsVersion, &c.Source, &c.Timestamp)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan consent change").WithCause(err)
		}
		changes = append(changes, c)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to iterate consent history").WithCause(err)
	}
	return changes, nil
}

// Delete removes a student's consent rows, state and audit alike, and
// returns the total rows removed. Zero rows is not an error.
func (r *ConsentRepository) Delete(ctx context.Context, studentID string) (int64, error) {
	tx, err := r.db.Begin(ctx)
	if err != nil {
		return 0, errors.NewInternalError("failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback(ctx)

	states, err := tx.Exec(ctx, `DELETE FROM consent_states WHERE student_id = $1`, studentID)
	if err != nil {
		return 0, errors.NewInternalError("failed to delete consent states").WithCause(err)
	}
	auditRows, err := tx.Exec(ctx, `DELETE FROM consent_audit WHERE student_id = $1`, studentID)
	if err != nil {
		return 0, errors.NewInternalError("failed to delete consent audit rows").WithCause(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return 0, errors.NewInternalError("failed to commit transaction").WithCause(err)
	}
	return states.RowsAffected() + auditRows.RowsAffected(), nil
}

// BulkConsented reports the consent flag per student for one channel.
// Students without a row map to false.
func (r *ConsentRepository) BulkConsented(ctx context.Context, studentIDs []string, ch consent.Channel) (map[string]bool, error) {
	consented := make(map[string]bool, len(studentIDs))
	for _, id := range studentIDs {
		consented[id] = false
	}
	if len(studentIDs) == 0 {
		return consented, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT student_id, consented
		FROM consent_states
		WHERE student_id = ANY($1) AND channel = $2`,
		studentIDs, string(ch))
	if err != nil {
		return nil, errors.NewInternalError("failed to query bulk consent").WithCause(err)
	}
	defer rows.Close()

	for rows.Next() {
		var (
			id string
			ok bool
		)
		if err := rows.Scan(&id, &ok); err != nil {
			return nil, errors.NewInternalError("failed to scan bulk consent row").WithCause(err)
		}
		consented[id] = ok
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to iterate bulk consent rows").WithCause(err)
	}
	return consented, nil
}

// CountByStudent reports residual consent rows for erasure verification,
// state and audit combined.
func (r *ConsentRepository) CountByStudent(ctx context.Context, studentID string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `
		SELECT (SELECT COUNT(*) FROM consent_states WHERE student_id = $1)
		     + (SELECT COUNT(*) FROM consent_audit WHERE student_id = $1)`,
		studentID).Scan(&count)
	if err != nil {
		return 0, errors.NewInternalError("failed to count consent rows").WithCause(err)
	}
	return count, nil
}
