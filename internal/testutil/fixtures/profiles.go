package fixtures

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eduflowhq/cdp-backend/internal/domain/event"
	"github.com/eduflowhq/cdp-backend/internal/domain/profile"
)

// ProfileBuilder builds test Profile aggregates.
type ProfileBuilder struct {
	t           *testing.T
	id          string
	studentID   string
	personal    event.PersonalInfo
	identifiers []profile.Identifier
	status      profile.EnrollmentStatus
	segments    []string
	consent     map[string]profile.ConsentEntry
	summary     profile.InteractionSummary
	scores      profile.Scores
	version     int64
	createdAt   time.Time
	updatedAt   time.Time
}

// NewProfileBuilder creates a ProfileBuilder with the defaults of a freshly
// created profile: anonymous, version zero, no identifiers.
func NewProfileBuilder(t *testing.T) *ProfileBuilder {
	t.Helper()
	return &ProfileBuilder{
		t:         t,
		id:        uuid.NewString(),
		status:    profile.StatusAnonymous,
		consent:   make(map[string]profile.ConsentEntry),
		summary:   profile.InteractionSummary{PerSourceCount: make(map[string]int64)},
		createdAt: FixedTime,
		updatedAt: FixedTime,
	}
}

// WithID sets the profile ID.
func (b *ProfileBuilder) WithID(id string) *ProfileBuilder {
	b.id = id
	return b
}

// WithStudentID sets the subject key.
func (b *ProfileBuilder) WithStudentID(studentID string) *ProfileBuilder {
	b.studentID = studentID
	return b
}

// WithPersonalInfo sets the PII fields.
func (b *ProfileBuilder) WithPersonalInfo(info event.PersonalInfo) *ProfileBuilder {
	b.personal = info
	return b
}

// WithIdentifier appends a non-primary identifier row.
func (b *ProfileBuilder) WithIdentifier(t event.IdentifierType, value string) *ProfileBuilder {
	b.identifiers = append(b.identifiers, profile.Identifier{Type: t, Value: value})
	return b
}

// WithPrimaryIdentifier appends a primary identifier row.
func (b *ProfileBuilder) WithPrimaryIdentifier(t event.IdentifierType, value string) *ProfileBuilder {
	b.identifiers = append(b.identifiers, profile.Identifier{Type: t, Value: value, Primary: true})
	return b
}

// WithStatus sets the enrollment funnel stage.
func (b *ProfileBuilder) WithStatus(status profile.EnrollmentStatus) *ProfileBuilder {
	b.status = status
	return b
}

// WithSegments sets the segment memberships.
func (b *ProfileBuilder) WithSegments(segments ...string) *ProfileBuilder {
	b.segments = segments
	return b
}

// WithConsent records a channel consent projection stamped with the
// builder's updated-at time.
func (b *ProfileBuilder) WithConsent(channel string, consented bool) *ProfileBuilder {
	b.consent[channel] = profile.ConsentEntry{Consented: consented, UpdatedAt: b.updatedAt}
	return b
}

// WithTotalEvents sets the interaction total.
func (b *ProfileBuilder) WithTotalEvents(n int64) *ProfileBuilder {
	b.summary.TotalEvents = n
	return b
}

// WithSourceCount sets the per-source interaction count.
func (b *ProfileBuilder) WithSourceCount(source event.Source, n int64) *ProfileBuilder {
	b.summary.PerSourceCount[string(source)] = n
	return b
}

// WithLastInteraction sets the last interaction time.
func (b *ProfileBuilder) WithLastInteraction(at time.Time) *ProfileBuilder {
	b.summary.LastInteractionAt = &at
	return b
}

// WithScores sets the behavioral scores.
func (b *ProfileBuilder) WithScores(scores profile.Scores) *ProfileBuilder {
	b.scores = scores
	return b
}

// WithVersion sets the optimistic-lock version.
func (b *ProfileBuilder) WithVersion(v int64) *ProfileBuilder {
	b.version = v
	return b
}

// WithTimestamps sets the created and updated times.
func (b *ProfileBuilder) WithTimestamps(createdAt, updatedAt time.Time) *ProfileBuilder {
	b.createdAt = createdAt
	b.updatedAt = updatedAt
	return b
}

// Build creates the Profile aggregate.
func (b *ProfileBuilder) Build() *profile.Profile {
	return &profile.Profile{
		ID:                 b.id,
		StudentID:          b.studentID,
		PersonalInfo:       b.personal,
		Identifiers:        b.identifiers,
		EnrollmentStatus:   b.status,
		Segments:           b.segments,
		ChannelConsent:     b.consent,
		InteractionSummary: b.summary,
		Scores:             b.scores,
		Version:            b.version,
		CreatedAt:          b.createdAt,
		UpdatedAt:          b.updatedAt,
	}
}
