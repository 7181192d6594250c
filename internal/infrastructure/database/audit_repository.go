package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eduflowhq/cdp-backend/internal/domain/audit"
	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

// auditChainLockKey is the advisory lock serializing chain appends. Every
// writer takes it for the duration of its transaction, so the head read,
// hash computation and insert form one atomic link.
const auditChainLockKey = int64(0x43445041554449) // "CDPAUDI"

// auditColumns is the select list shared by every audit query. The stored
// timestamp is the nanosecond integer the hash was computed over; reading it
// back through a timestamptz column would round to microseconds and break
// verification.
const auditColumns = `
	id, sequence_num, action, student_id, profile_id, details,
	timestamp_nano, previous_hash, entry_hash`

// AuditRepository implements audit.Repository over the append-only,
// hash-chained audit_log table.
type AuditRepository struct {
	db *pgxpool.Pool
}

func NewAuditRepository(db *pgxpool.Pool) *AuditRepository {
	return &AuditRepository{db: db}
}

// Append links the entry to the chain head and persists it. The advisory
// lock serializes concurrent writers across instances; a hashing failure
// aborts the transaction so no unverifiable row is ever stored.
func (r *AuditRepository) Append(ctx context.Context, entry *audit.Entry) error {
	if err := entry.Validate(); err != nil {
		return err
	}

	details, err := marshalDetails(entry.Details)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.NewInternalError("failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock($1)`, auditChainLockKey); err != nil {
		return errors.NewInternalError("failed to lock audit chain").WithCause(err)
	}

	previousHash, headSeq, err := chainHead(ctx, tx)
	if err != nil {
		return err
	}

	entry.SequenceNum = headSeq + 1
	if _, err := entry.ComputeHash(previousHash); err != nil {
		return err
	}

	_, err = tx.Exec(ctx, `
		INSERT INTO audit_log (
			id, sequence_num, action, student_id, profile_id, details,
			timestamp_nano, previous_hash, entry_hash
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		entry.ID, entry.SequenceNum, string(entry.Action),
		entry.StudentID, entry.ProfileID, details,
		entry.Timestamp.UnixNano(), entry.PreviousHash, entry.EntryHash)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("audit sequence number already exists")
		}
		return errors.NewInternalError("failed to insert audit entry").WithCause(err)
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.NewInternalError("failed to commit transaction").WithCause(err)
	}
	return nil
}

// ListByStudent returns all entries for a student, oldest first.
func (r *AuditRepository) ListByStudent(ctx context.Context, studentID string) ([]*audit.Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT`+auditColumns+`
		FROM audit_log
		WHERE student_id = $1
		ORDER BY sequence_num`,
		studentID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list audit entries by student").WithCause(err)
	}
	return scanEntries(rows)
}

// ListByProfile returns all entries for a profile, oldest first.
func (r *AuditRepository) ListByProfile(ctx context.Context, profileID string) ([]*audit.Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT`+auditColumns+`
		FROM audit_log
		WHERE profile_id = $1
		ORDER BY sequence_num`,
		profileID)
	if err != nil {
		return nil, errors.NewInternalError("failed to list audit entries by profile").WithCause(err)
	}
	return scanEntries(rows)
}

// ListByAction returns entries of one action recorded in [from, to).
func (r *AuditRepository) ListByAction(ctx context.Context, action audit.Action, from, to time.Time) ([]*audit.Entry, error) {
	rows, err := r.db.Query(ctx, `
		SELECT`+auditColumns+`
		FROM audit_log
		WHERE action = $1 AND timestamp_nano >= $2 AND timestamp_nano < $3
		ORDER BY sequence_num`,
		string(action), from.UnixNano(), to.UnixNano())
	if err != nil {
		return nil, errors.NewInternalError("failed to list audit entries by action").WithCause(err)
	}
	return scanEntries(rows)
}

// ChainHead returns the hash and sequence number of the latest entry; empty
// hash and zero sequence on an empty log.
func (r *AuditRepository) ChainHead(ctx context.Context) (string, int64, error) {
	return chainHead(ctx, r.db)
}

// VerifyChain re-reads the entries in [fromSeq, toSeq] and checks every link
// and digest. A range not starting at the genesis entry is anchored on the
// stored hash of the entry just before it.
func (r *AuditRepository) VerifyChain(ctx context.Context, fromSeq, toSeq int64) (bool, error) {
	if fromSeq < 1 || toSeq < fromSeq {
		return false, errors.NewValidationError("INVALID_RANGE",
			"verification range must satisfy 1 <= from <= to")
	}

	anchor := ""
	if fromSeq > 1 {
		err := r.db.QueryRow(ctx,
			`SELECT entry_hash FROM audit_log WHERE sequence_num = $1`,
			fromSeq-1).Scan(&anchor)
		if err != nil {
			if isNoRows(err) {
				return false, errors.NewNotFoundError("audit chain anchor")
			}
			return false, errors.NewInternalError("failed to load audit chain anchor").WithCause(err)
		}
	}

	rows, err := r.db.Query(ctx, `
		SELECT`+auditColumns+`
		FROM audit_log
		WHERE sequence_num BETWEEN $1 AND $2
		ORDER BY sequence_num`,
		fromSeq, toSeq)
	if err != nil {
		return false, errors.NewInternalError("failed to load audit chain range").WithCause(err)
	}
	entries, err := scanEntries(rows)
	if err != nil {
		return false, err
	}

	return audit.VerifyChainFrom(entries, anchor)
}

// chainHead reads the latest link inside or outside a transaction.
func chainHead(ctx context.Context, q queryer) (string, int64, error) {
	var (
		hash string
		seq  int64
	)
	err := q.QueryRow(ctx, `
		SELECT entry_hash, sequence_num
		FROM audit_log
		ORDER BY sequence_num DESC
		LIMIT 1`).Scan(&hash, &seq)
	if err != nil {
		if isNoRows(err) {
			return "", 0, nil
		}
		return "", 0, errors.NewInternalError("failed to read audit chain head").WithCause(err)
	}
	return hash, seq, nil
}

// marshalDetails encodes the details document; nil stays NULL so absence is
// distinguishable from an empty object under the hash.
func marshalDetails(details map[string]interface{}) ([]byte, error) {
	if details == nil {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, errors.NewInternalError("failed to marshal audit details").WithCause(err)
	}
	return raw, nil
}

// scanEntries reads rows in auditColumns order and closes them.
func scanEntries(rows pgx.Rows) ([]*audit.Entry, error) {
	defer rows.Close()

	var entries []*audit.Entry
	for rows.Next() {
		var (
			e       audit.Entry
			id      uuid.UUID
			action  string
			details []byte
			nano    int64
		)
		err := rows.Scan(&id, &e.SequenceNum, &action, &e.StudentID, &e.ProfileID,
			&details, &nano, &e.PreviousHash, &e.EntryHash)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan audit entry").WithCause(err)
		}

		e.ID = id
		e.Action = audit.Action(action)
		e.Timestamp = time.Unix(0, nano).UTC()
		if details != nil {
			if err := json.Unmarshal(details, &e.Details); err != nil {
				return nil, errors.NewInternalError("failed to decode audit details").WithCause(err)
			}
		}
		entries = append(entries, &e)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to iterate audit entries").WithCause(err)
	}
	return entries, nil
}
