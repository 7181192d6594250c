// Package consent models per-student, per-channel communication consent with
// an append-only audit trail. The consent ledger is the legal record;
// profiles carry a read-only projection of it.
package consent

import (
	"fmt"
	"time"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

// CurrentTermsVersion is stamped on every consent update.
const CurrentTermsVersion = "v2.1"

// Channel represents a communication or processing channel.
type Channel string

const (
	ChannelEmail     Channel = "email"
	ChannelWhatsApp  Channel = "whatsapp"
	ChannelPush      Channel = "push"
	ChannelSMS       Channel = "sms"
	ChannelAnalytics Channel = "analytics"
	ChannelProfiling Channel = "profiling"
)

// AllChannels returns the channels in their canonical order.
func AllChannels() []Channel {
	return []Channel{
		ChannelEmail,
		ChannelWhatsApp,
		ChannelPush,
		ChannelSMS,
		ChannelAnalytics,
		ChannelProfiling,
	}
}

var validChannels = map[Channel]bool{
	ChannelEmail:     true,
	ChannelWhatsApp:  true,
	ChannelPush:      true,
	ChannelSMS:       true,
	ChannelAnalytics: true,
	ChannelProfiling: true,
}

// ParseChannel parses a string into a consent Channel.
func ParseChannel(s string) (Channel, error) {
	ch := Channel(s)
	if !validChannels[ch] {
		return "", errors.NewValidationError("INVALID_CHANNEL",
			fmt.Sprintf("invalid channel: %s", s))
	}
	return ch, nil
}

// Valid reports whether the channel is known.
func (c Channel) Valid() bool {
	return validChannels[c]
}

func (c Channel) String() string {
	return string(c)
}

// LegalBasis indicates the GDPR ground for a consent state.
type LegalBasis string

const (
	BasisConsent            LegalBasis = "consent"
	BasisLegitimateInterest LegalBasis = "legitimate_interest"
	BasisContract           LegalBasis = "contract"
)

func (b LegalBasis) String() string {
	return string(b)
}

// Source indicates where a consent update originated.
type Source string

const (
	SourceStudentPortal Source = "student_portal"
	SourceAPI           Source = "api"
	SourceImport        Source = "import"
)

func (s Source) String() string {
	return string(s)
}

// ChannelState is the current consent projection for one channel.
type ChannelState struct {
	Consented    bool       `json:"consented"`
	LegalBasis   LegalBasis `json:"legal_basis"`
	TermsVersion string     `json:"terms_version"`
	UpdatedAt    time.Time  `json:"updated_at"`
}

// Record is the per-student consent document. A missing channel means no
// consent was ever captured and reads as not consented.
type Record struct {
	StudentID string                   `json:"student_id"`
	Channels  map[Channel]ChannelState `json:"channels"`
	UpdatedAt time.Time                `json:"updated_at"`
}

// NewRecord returns an empty consent record for a student.
func NewRecord(studentID string) *Record {
	return &Record{
		StudentID: studentID,
		Channels:  make(map[Channel]ChannelState),
	}
}

// State returns the channel state and whether it was ever captured.
func (r *Record) State(ch Channel) (ChannelState, bool) {
	state, ok := r.Channels[ch]
	return state, ok
}

// ConsentedTo reports the consent flag for a channel, false when absent.
func (r *Record) ConsentedTo(ch Channel) bool {
	state, ok := r.Channels[ch]
	return ok && state.Consented
}

// Set stores the channel state and bumps the record timestamp.
func (r *Record) Set(ch Channel, state ChannelState) {
	if r.Channels == nil {
		r.Channels = make(map[Channel]ChannelState)
	}
	r.Channels[ch] = state
	if state.UpdatedAt.After(r.UpdatedAt) {
		r.UpdatedAt = state.UpdatedAt
	}
}

// Change captures one consent transition for the consent audit trail.
// OldValue is nil when no prior state existed for the channel. Change rows
// live next to the subject and are erased with it, unlike the hash-chained
// audit log.
type Change struct {
	StudentID    string     `json:"student_id"`
	Channel      Channel    `json:"channel"`
	OldValue     *bool      `json:"old_value"`
	NewValue     bool       `json:"new_value"`
	LegalBasis   LegalBasis `json:"legal_basis"`
	TermsVersion string     `json:"terms_version"`
	Source       Source     `json:"source"`
	Timestamp    time.Time  `json:"timestamp"`
}

// Validate checks that the change can be audited.
func (c Change) Validate() error {
	if c.StudentID == "" {
		return errors.NewValidationError("MISSING_STUDENT_ID", "consent change requires a student id")
	}
	if !c.Channel.Valid() {
		return errors.NewValidationError("INVALID_CHANNEL",
			fmt.Sprintf("invalid channel: %s", c.Channel))
	}
	return nil
}
