// Package profile holds the golden-record aggregate produced by identity
// unification. A profile is mutated only through the builder pipeline and
// persisted with optimistic version checks, so every method here operates on
// an in-memory candidate document.
package profile

import (
	"time"

	"github.com/google/uuid"

	"github.com/eduflowhq/cdp-backend/internal/domain/event"
)

// Identifier is an identity-graph edge attached to a profile. At most one
// value per type is primary; non-primary rows arrive through merges and are
// kept for graph lookups.
type Identifier struct {
	Type    event.IdentifierType `json:"type"`
	Value   string               `json:"value"`
	Primary bool                 `json:"primary"`
}

// ConsentEntry is the per-channel consent projection carried on the profile.
// The audited consent ledger lives in the consent store; this projection is
// what segmentation and activation read.
type ConsentEntry struct {
	Consented    bool      `json:"consented"`
	LegalBasis   string    `json:"legal_basis,omitempty"`
	TermsVersion string    `json:"terms_version,omitempty"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// InteractionSummary aggregates event counts per profile.
type InteractionSummary struct {
	TotalEvents       int64            `json:"total_events"`
	PerSourceCount    map[string]int64 `json:"per_source_count"`
	LastInteractionAt *time.Time       `json:"last_interaction_at,omitempty"`
}

// Profile is the unified student record. StudentID is the best-known subject
// key; it is how erasure locates the profile and may be empty for anonymous
// visitors.
type Profile struct {
	ID                 string                  `json:"profile_id"`
	StudentID          string                  `json:"student_id,omitempty"`
	PersonalInfo       event.PersonalInfo      `json:"personal_info,omitzero"`
	Identifiers        []Identifier            `json:"identifiers,omitempty"`
	EnrollmentStatus   EnrollmentStatus        `json:"enrollment_status"`
	Segments           []string                `json:"segments,omitempty"`
	ChannelConsent     map[string]ConsentEntry `json:"channel_consent,omitempty"`
	InteractionSummary InteractionSummary      `json:"interaction_summary"`
	Scores             Scores                  `json:"scores"`
	Version            int64                   `json:"version"`
	CreatedAt          time.Time               `json:"created_at"`
	UpdatedAt          time.Time               `json:"updated_at"`
}

// NewFromEvent creates a profile seeded from an event that could not be
// resolved to an existing one. The first identifier of each type becomes
// primary. Version starts at zero; the storage layer bumps it on every write.
func NewFromEvent(e *event.CanonicalEvent) *Profile {
	now := clock.Now()
	p := &Profile{
		ID:               uuid.NewString(),
		StudentID:        e.StudentID,
		PersonalInfo:     e.PersonalInfo,
		EnrollmentStatus: StatusAnonymous,
		ChannelConsent:   make(map[string]ConsentEntry),
		InteractionSummary: InteractionSummary{
			PerSourceCount: make(map[string]int64),
		},
		Version:   0,
		CreatedAt: now,
		UpdatedAt: now,
	}
	for _, id := range e.Identifiers {
		p.AddIdentifier(id.Type, id.Value)
	}
	for channel, consented := range e.Consent {
		p.ChannelConsent[channel] = ConsentEntry{Consented: consented, UpdatedAt: now}
	}
	return p
}

// HasPrimaryIdentifier reports whether a primary identifier of the given
// type is present.
func (p *Profile) HasPrimaryIdentifier(t event.IdentifierType) bool {
	for _, id := range p.Identifiers {
		if id.Primary && id.Type == t {
			return true
		}
	}
	return false
}

// PrimaryIdentifier returns the primary value for the given type.
func (p *Profile) PrimaryIdentifier(t event.IdentifierType) (string, bool) {
	for _, id := range p.Identifiers {
		if id.Primary && id.Type == t {
			return id.Value, true
		}
	}
	return "", false
}

// HasIdentifier reports whether the exact (type, value) pair is present,
// primary or not.
func (p *Profile) HasIdentifier(t event.IdentifierType, value string) bool {
	for _, id := range p.Identifiers {
		if id.Type == t && id.Value == value {
			return true
		}
	}
	return false
}

// IdentifierValues returns the distinct identifier values across all rows.
func (p *Profile) IdentifierValues() map[string]bool {
	values := make(map[string]bool, len(p.Identifiers))
	for _, id := range p.Identifiers {
		if id.Value != "" {
			values[id.Value] = true
		}
	}
	return values
}

// AddIdentifier adds (t, value) as the primary identifier for its type. It is
// a no-op when a primary of that type already exists or value is empty; an
// existing non-primary row with the same pair is promoted instead of
// duplicated. Returns true when the profile changed.
func (p *Profile) AddIdentifier(t event.IdentifierType, value string) bool {
	if t == "" || value == "" || p.HasPrimaryIdentifier(t) {
		return false
	}
	for i, id := range p.Identifiers {
		if id.Type == t && id.Value == value {
			p.Identifiers[i].Primary = true
			return true
		}
	}
	p.Identifiers = append(p.Identifiers, Identifier{Type: t, Value: value, Primary: true})
	return true
}

// MergeIdentifiers applies the builder's identifier-merge step for every
// incoming identifier with non-empty type and value.
func (p *Profile) MergeIdentifiers(ids []event.Identifier) {
	for _, id := range ids {
		p.AddIdentifier(id.Type, id.Value)
	}
}

// AbsorbIdentifiers unions the identifier rows of a merged-away profile into
// this one. Moved rows lose primary status; the surviving profile's primary
// set is untouched.
func (p *Profile) AbsorbIdentifiers(secondary *Profile) {
	for _, id := range secondary.Identifiers {
		if p.HasIdentifier(id.Type, id.Value) {
			continue
		}
		p.Identifiers = append(p.Identifiers, Identifier{Type: id.Type, Value: id.Value, Primary: false})
	}
}

// AbsorbConsent folds a merged-away profile's consent projection into this
// one, channel-wise AND with absent reading as not consented. A merge joins
// two legal subjects; only channels both agreed to survive.
func (p *Profile) AbsorbConsent(secondary *Profile, at time.Time) {
	channels := make(map[string]bool, len(p.ChannelConsent)+len(secondary.ChannelConsent))
	for ch := range p.ChannelConsent {
		channels[ch] = true
	}
	for ch := range secondary.ChannelConsent {
		channels[ch] = true
	}
	if len(channels) == 0 {
		return
	}

	if p.ChannelConsent == nil {
		p.ChannelConsent = make(map[string]ConsentEntry, len(channels))
	}
	for ch := range channels {
		entry := p.ChannelConsent[ch]
		entry.Consented = p.ConsentedTo(ch) && secondary.ConsentedTo(ch)
		entry.UpdatedAt = at
		p.ChannelConsent[ch] = entry
	}
}

// UpdateContactInfo overwrites personal info fields present on the incoming
// record. Callers gate this on the event source; only the CRM is a source of
// truth for contact fields.
func (p *Profile) UpdateContactInfo(info event.PersonalInfo) {
	if info.Name != "" {
		p.PersonalInfo.Name = info.Name
	}
	if info.Email != "" {
		p.PersonalInfo.Email = info.Email
	}
	if info.Phone != "" {
		p.PersonalInfo.Phone = info.Phone
	}
}

// MergeEventConsent folds an event's consent flags into the profile
// projection, most-restrictive per channel. A channel absent from the profile
// counts as consented, so the incoming flag decides.
func (p *Profile) MergeEventConsent(consent map[string]bool, at time.Time) {
	if len(consent) == 0 {
		return
	}
	if p.ChannelConsent == nil {
		p.ChannelConsent = make(map[string]ConsentEntry, len(consent))
	}
	for channel, incoming := range consent {
		existing := true
		entry, ok := p.ChannelConsent[channel]
		if ok {
			existing = entry.Consented
		}
		entry.Consented = existing && incoming
		entry.UpdatedAt = at
		p.ChannelConsent[channel] = entry
	}
}

// RecordInteraction increments the interaction summary for one event.
func (p *Profile) RecordInteraction(source event.Source, at time.Time) {
	if p.InteractionSummary.PerSourceCount == nil {
		p.InteractionSummary.PerSourceCount = make(map[string]int64)
	}
	p.InteractionSummary.TotalEvents++
	p.InteractionSummary.PerSourceCount[string(source)]++
	if at.IsZero() {
		at = clock.Now()
	}
	at = at.UTC()
	p.InteractionSummary.LastInteractionAt = &at
}

// RecalculateEngagement recomputes the engagement score from the interaction
// summary and replaces the engagement-band segments.
func (p *Profile) RecalculateEngagement(now time.Time) {
	last := now
	if p.InteractionSummary.LastInteractionAt != nil {
		last = *p.InteractionSummary.LastInteractionAt
	}
	p.Scores.Engagement = EngagementScore(p.InteractionSummary.TotalEvents, last, now)
	p.Segments = SegmentsForEngagement(p.Scores.Engagement)
}

// ApplyEnrollmentStatus applies a funnel stage carried on an event. CRM
// events set any known stage; other sources may only move the status forward.
// Returns true when the status changed.
func (p *Profile) ApplyEnrollmentStatus(raw string, source event.Source) bool {
	status, err := ParseEnrollmentStatus(raw)
	if err != nil {
		return false
	}
	if status == p.EnrollmentStatus {
		return false
	}
	if source != event.SourceCRM && !p.EnrollmentStatus.Before(status) {
		return false
	}
	p.EnrollmentStatus = status
	return true
}

// ConsentedTo reports the projection's consent flag for a channel, false when
// the channel is absent.
func (p *Profile) ConsentedTo(channel string) bool {
	entry, ok := p.ChannelConsent[channel]
	return ok && entry.Consented
}

// ClaimStudentID records the subject key the first time an event carries
// one. An established key is never overwritten; conflicting keys indicate a
// missed merge and are left for review.
func (p *Profile) ClaimStudentID(studentID string) bool {
	if studentID == "" || p.StudentID != "" {
		return false
	}
	p.StudentID = studentID
	return true
}
