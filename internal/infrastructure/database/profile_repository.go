package database

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
	"github.com/eduflowhq/cdp-backend/internal/domain/event"
	"github.com/eduflowhq/cdp-backend/internal/domain/profile"
)

// queryer is satisfied by both *pgxpool.Pool and pgx.Tx so identifier
// helpers can run inside or outside a transaction.
type queryer interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// profileColumns is the select list shared by every profile query. Queries
// using it must alias the profiles table as p.
const profileColumns = `
	p.id, p.student_id, p.personal_info, p.enrollment_status, p.segments,
	p.channel_consent, p.total_events, p.per_source_count, p.last_interaction_at,
	p.engagement_score, p.churn_risk, p.enrollment_probability, p.version,
	p.created_at, p.updated_at`

// ProfileRepository implements profile.Repository. Identifier rows live in
// profile_identifiers; a partial unique index on (id_type, id_value) WHERE
// is_primary enforces that a primary identifier belongs to one profile.
type ProfileRepository struct {
	db *pgxpool.Pool
}

func NewProfileRepository(db *pgxpool.Pool) *ProfileRepository {
	return &ProfileRepository{db: db}
}

// GetByID retrieves a profile with its identifier rows.
func (r *ProfileRepository) GetByID(ctx context.Context, profileID string) (*profile.Profile, error) {
	id, err := uuid.Parse(profileID)
	if err != nil {
		return nil, errors.NewValidationError("INVALID_PROFILE_ID", "profile id must be a UUID")
	}

	row := r.db.QueryRow(ctx, `SELECT`+profileColumns+` FROM profiles p WHERE p.id = $1`, id)
	p, err := scanProfile(row)
	if err != nil {
		if isNoRows(err) {
			return nil, errors.NewNotFoundError("profile")
		}
		return nil, errors.NewInternalError("failed to get profile").WithCause(err)
	}

	if err := loadIdentifiers(ctx, r.db, p); err != nil {
		return nil, err
	}
	return p, nil
}

// FindByIdentifier probes for the profile containing (t, value), primary or
// absorbed through a merge. Primary rows win when both exist so the probe
// stays deterministic.
func (r *ProfileRepository) FindByIdentifier(ctx context.Context, t event.IdentifierType, value string) (*profile.Profile, error) {
	row := r.db.QueryRow(ctx, `
		SELECT`+profileColumns+`
		FROM profiles p
		JOIN profile_identifiers pi ON pi.profile_id = p.id
		WHERE pi.id_type = $1 AND pi.id_value = $2
		ORDER BY pi.is_primary DESC, p.created_at, p.id
		LIMIT 1`,
		string(t), value)

	p, err := scanProfile(row)
	if err != nil {
		if isNoRows(err) {
			return nil, errors.NewNotFoundError("profile")
		}
		return nil, errors.NewInternalError("failed to find profile by identifier").WithCause(err)
	}

	if err := loadIdentifiers(ctx, r.db, p); err != nil {
		return nil, err
	}
	return p, nil
}

// FindCandidatesByValues retrieves profiles sharing any of the given
// identifier values, primary or not, oldest first.
func (r *ProfileRepository) FindCandidatesByValues(ctx context.Context, values []string) ([]*profile.Profile, error) {
	if len(values) == 0 {
		return nil, nil
	}

	rows, err := r.db.Query(ctx, `
		SELECT`+profileColumns+`
		FROM profiles p
		WHERE p.id IN (
			SELECT profile_id FROM profile_identifiers WHERE id_value = ANY($1)
		)
		ORDER BY p.created_at, p.id`,
		values)
	if err != nil {
		return nil, errors.NewInternalError("failed to query candidate profiles").WithCause(err)
	}
	defer rows.Close()

	var candidates []*profile.Profile
	for rows.Next() {
		p, err := scanProfile(rows)
		if err != nil {
			return nil, errors.NewInternalError("failed to scan candidate profile").WithCause(err)
		}
		candidates = append(candidates, p)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.NewInternalError("failed to iterate candidate profiles").WithCause(err)
	}

	for _, p := range candidates {
		if err := loadIdentifiers(ctx, r.db, p); err != nil {
			return nil, err
		}
	}
	return candidates, nil
}

// Create inserts the profile and its identifier rows in one transaction.
func (r *ProfileRepository) Create(ctx context.Context, p *profile.Profile) error {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return errors.NewValidationError("INVALID_PROFILE_ID", "profile id must be a UUID")
	}

	personalInfo, channelConsent, perSource, err := marshalProfileDocs(p)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.NewInternalError("failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback(ctx)

	_, err = tx.Exec(ctx, `
		INSERT INTO profiles (
			id, student_id, personal_info, enrollment_status, segments,
			channel_consent, total_events, per_source_count, last_interaction_at,
			engagement_score, churn_risk, enrollment_probability, version,
			created_at, updated_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15)`,
		id, p.StudentID, personalInfo, string(p.EnrollmentStatus), p.Segments,
		channelConsent, p.InteractionSummary.TotalEvents, perSource,
		p.InteractionSummary.LastInteractionAt,
		p.Scores.Engagement, p.Scores.ChurnRisk, p.Scores.EnrollmentProbability,
		p.Version, p.CreatedAt, p.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			return errors.NewConflictError("profile already exists")
		}
		return errors.NewInternalError("failed to insert profile").WithCause(err)
	}

	if err := upsertIdentifiers(ctx, tx, id, p.Identifiers); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.NewInternalError("failed to commit transaction").WithCause(err)
	}
	return nil
}

// Update persists the profile iff the stored version still equals p.Version,
// bumping it by one and refreshing updated_at. Identifier rows are upserted
// in the same transaction. On success p.Version and p.UpdatedAt reflect the
// stored row.
func (r *ProfileRepository) Update(ctx context.Context, p *profile.Profile) error {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return errors.NewValidationError("INVALID_PROFILE_ID", "profile id must be a UUID")
	}

	personalInfo, channelConsent, perSource, err := marshalProfileDocs(p)
	if err != nil {
		return err
	}

	tx, err := r.db.Begin(ctx)
	if err != nil {
		return errors.NewInternalError("failed to begin transaction").WithCause(err)
	}
	defer tx.Rollback(ctx)

	var (
		newVersion int64
		updatedAt  time.Time
	)
	err = tx.QueryRow(ctx, `
		UPDATE profiles SET
			student_id = $3, personal_info = $4, enrollment_status = $5,
			segments = $6, channel_consent = $7, total_events = $8,
			per_source_count = $9, last_interaction_at = $10,
			engagement_score = $11, churn_risk = $12, enrollment_probability = $13,
			version = version + 1, updated_at = now()
		WHERE id = $1 AND version = $2
		RETURNING version, updated_at`,
		id, p.Version,
		p.StudentID, personalInfo, string(p.EnrollmentStatus),
		p.Segments, channelConsent, p.InteractionSummary.TotalEvents,
		perSource, p.InteractionSummary.LastInteractionAt,
		p.Scores.Engagement, p.Scores.ChurnRisk, p.Scores.EnrollmentProbability).
		Scan(&newVersion, &updatedAt)
	if err != nil {
		if isNoRows(err) {
			return r.classifyUpdateMiss(ctx, tx, id)
		}
		return errors.NewInternalError("failed to update profile").WithCause(err)
	}

	if err := upsertIdentifiers(ctx, tx, id, p.Identifiers); err != nil {
		return err
	}

	if err := tx.Commit(ctx); err != nil {
		return errors.NewInternalError("failed to commit transaction").WithCause(err)
	}

	p.Version = newVersion
	p.UpdatedAt = updatedAt
	return nil
}

// classifyUpdateMiss distinguishes a stale version from a missing row after
// a zero-row compare-and-set.
func (r *ProfileRepository) classifyUpdateMiss(ctx context.Context, tx pgx.Tx, id uuid.UUID) error {
	var exists bool
	err := tx.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM profiles WHERE id = $1)`, id).Scan(&exists)
	if err != nil {
		return errors.NewInternalError("failed to check profile existence").WithCause(err)
	}
	if !exists {
		return errors.NewNotFoundError("profile")
	}
	return errors.NewOptimisticLockError("profile was modified concurrently")
}

// Delete removes a profile; identifier rows cascade.
func (r *ProfileRepository) Delete(ctx context.Context, profileID string) error {
	id, err := uuid.Parse(profileID)
	if err != nil {
		return errors.NewValidationError("INVALID_PROFILE_ID", "profile id must be a UUID")
	}

	tag, err := r.db.Exec(ctx, `DELETE FROM profiles WHERE id = $1`, id)
	if err != nil {
		return errors.NewInternalError("failed to delete profile").WithCause(err)
	}
	if tag.RowsAffected() == 0 {
		return errors.NewNotFoundError("profile")
	}
	return nil
}

// DeleteByStudent removes every profile for a subject and returns the number
// of profile rows removed. Zero rows is not an error; erasure treats an
// unknown subject as already clean.
func (r *ProfileRepository) DeleteByStudent(ctx context.Context, studentID string) (int64, error) {
	tag, err := r.db.Exec(ctx, `DELETE FROM profiles WHERE student_id = $1`, studentID)
	if err != nil {
		return 0, errors.NewInternalError("failed to delete profiles by student").WithCause(err)
	}
	return tag.RowsAffected(), nil
}

// CountByStudent reports residual profile rows for erasure verification.
func (r *ProfileRepository) CountByStudent(ctx context.Context, studentID string) (int64, error) {
	var count int64
	err := r.db.QueryRow(ctx, `SELECT COUNT(*) FROM profiles WHERE student_id = $1`, studentID).Scan(&count)
	if err != nil {
		return 0, errors.NewInternalError("failed to count profiles by student").WithCause(err)
	}
	return count, nil
}

// scanProfile reads one profile row in profileColumns order.
func scanProfile(row pgx.Row) (*profile.Profile, error) {
	var (
		p              profile.Profile
		id             uuid.UUID
		personalInfo   []byte
		channelConsent []byte
		perSource      []byte
	)

	err := row.Scan(
		&id, &p.StudentID, &personalInfo, &p.EnrollmentStatus, &p.Segments,
		&channelConsent, &p.InteractionSummary.TotalEvents, &perSource,
		&p.InteractionSummary.LastInteractionAt,
		&p.Scores.Engagement, &p.Scores.ChurnRisk, &p.Scores.EnrollmentProbability,
		&p.Version, &p.CreatedAt, &p.UpdatedAt)
	if err != nil {
		return nil, err
	}

	p.ID = id.String()
	if err := json.Unmarshal(personalInfo, &p.PersonalInfo); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(channelConsent, &p.ChannelConsent); err != nil {
		return nil, err
	}
	if err := json.Unmarshal(perSource, &p.InteractionSummary.PerSourceCount); err != nil {
		return nil, err
	}
	return &p, nil
}

// marshalProfileDocs encodes the profile's document columns. Nil maps are
// stored as empty objects so the columns stay NOT NULL.
func marshalProfileDocs(p *profile.Profile) (personalInfo, channelConsent, perSource []byte, err error) {
	personalInfo, err = json.Marshal(p.PersonalInfo)
	if err != nil {
		return nil, nil, nil, errors.NewInternalError("failed to marshal personal info").WithCause(err)
	}

	channelConsent = []byte(`{}`)
	if p.ChannelConsent != nil {
		channelConsent, err = json.Marshal(p.ChannelConsent)
		if err != nil {
			return nil, nil, nil, errors.NewInternalError("failed to marshal channel consent").WithCause(err)
		}
	}

	perSource = []byte(`{}`)
	if p.InteractionSummary.PerSourceCount != nil {
		perSource, err = json.Marshal(p.InteractionSummary.PerSourceCount)
		if err != nil {
			return nil, nil, nil, errors.NewInternalError("failed to marshal per-source counts").WithCause(err)
		}
	}
	return personalInfo, channelConsent, perSource, nil
}

// loadIdentifiers fills p.Identifiers in insertion order.
func loadIdentifiers(ctx context.Context, q queryer, p *profile.Profile) error {
	id, err := uuid.Parse(p.ID)
	if err != nil {
		return errors.NewValidationError("INVALID_PROFILE_ID", "profile id must be a UUID")
	}

	rows, err := q.Query(ctx, `
		SELECT id_type, id_value, is_primary
		FROM profile_identifiers
		WHERE profile_id = $1
		ORDER BY created_at, id_type, id_value`,
		id)
	if err != nil {
		return errors.NewInternalError("failed to load profile identifiers").WithCause(err)
	}
	defer rows.Close()

	p.Identifiers = nil
	for rows.Next() {
		var ident profile.Identifier
		if err := rows.Scan(&ident.Type, &ident.Value, &ident.Primary); err != nil {
			return errors.NewInternalError("failed to scan profile identifier").WithCause(err)
		}
		p.Identifiers = append(p.Identifiers, ident)
	}
	if err := rows.Err(); err != nil {
		return errors.NewInternalError("failed to iterate profile identifiers").WithCause(err)
	}
	return nil
}

// upsertIdentifiers reconciles the stored identifier rows with the profile's
// in-memory set. Rows the profile dropped (a merge moving them elsewhere)
// are removed; a primary claim already held by another profile surfaces as a
// conflict through the partial unique index.
func upsertIdentifiers(ctx context.Context, q queryer, profileID uuid.UUID, identifiers []profile.Identifier) error {
	types := make([]string, 0, len(identifiers))
	values := make([]string, 0, len(identifiers))
	for _, ident := range identifiers {
		types = append(types, string(ident.Type))
		values = append(values, ident.Value)
	}

	_, err := q.Exec(ctx, `
		DELETE FROM profile_identifiers
		WHERE profile_id = $1
		  AND (id_type, id_value) NOT IN (
			SELECT t, v FROM unnest($2::text[], $3::text[]) AS kept(t, v)
		  )`,
		profileID, types, values)
	if err != nil {
		return errors.NewInternalError("failed to prune profile identifiers").WithCause(err)
	}

	for _, ident := range identifiers {
		_, err := q.Exec(ctx, `
			INSERT INTO profile_identifiers (profile_id, id_type, id_value, is_primary)
			VALUES ($1, $2, $3, $4)
			ON CONFLICT (profile_id, id_type, id_value)
			DO UPDATE SET is_primary = EXCLUDED.is_primary`,
			profileID, string(ident.Type), ident.Value, ident.Primary)
		if err != nil {
			if isUniqueViolation(err) {
				return errors.NewConflictError("identifier is already claimed by another profile")
			}
			return errors.NewInternalError("failed to upsert profile identifier").WithCause(err)
		}
	}
	return nil
}
