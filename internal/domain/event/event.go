// Package event defines the canonical event shape shared by every ingestion
// pipeline. Regardless of the original source format (JSON, CSV row, or
// WhatsApp text), events are converted into a CanonicalEvent before any
// downstream processing.
package event

import (
	"time"

	"github.com/google/uuid"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

// Source enumerates the originating system for a customer event.
type Source string

const (
	SourceWebsite  Source = "website"
	SourceApp      Source = "app"
	SourceCRM      Source = "crm"
	SourceEmail    Source = "email"
	SourceWhatsApp Source = "whatsapp"
)

// ValidSources is the closed set accepted by the stream processor; events
// with any other source are dead-lettered with reason "unknown_source".
var ValidSources = map[Source]bool{
	SourceWebsite:  true,
	SourceApp:      true,
	SourceCRM:      true,
	SourceEmail:    true,
	SourceWhatsApp: true,
}

// ParseSource converts a string into a Source.
func ParseSource(s string) (Source, error) {
	src := Source(s)
	if !ValidSources[src] {
		return "", errors.NewUnknownSourceError(s)
	}
	return src, nil
}

// Valid reports whether the source is in the valid set.
func (s Source) Valid() bool {
	return ValidSources[s]
}

// PersonalInfo carries the PII fields attached to an event or profile. All
// fields are optional to support anonymous and partial profiles.
type PersonalInfo struct {
	Name  string `json:"name,omitempty"`
	Email string `json:"email,omitempty"`
	Phone string `json:"phone,omitempty"`
}

// IsZero reports whether no PII field is set.
func (p PersonalInfo) IsZero() bool {
	return p.Name == "" && p.Email == "" && p.Phone == ""
}

// CanonicalEvent is the post-normalization event shape.
//
// Identifiers are emitted by the normalizer in ResolutionOrder; the identity
// resolver iterates them in slice order, so the slice order is part of the
// contract. RawData preserves the verbatim source payload for audit.
type CanonicalEvent struct {
	EventID        string                 `json:"event_id"`
	EventType      string                 `json:"event_type"`
	Source         Source                 `json:"source"`
	Timestamp      time.Time              `json:"timestamp"`
	StudentID      string                 `json:"student_id,omitempty"`
	Identifiers    []Identifier           `json:"identifiers,omitempty"`
	PersonalInfo   PersonalInfo           `json:"personal_info,omitzero"`
	Consent        map[string]bool        `json:"consent,omitempty"`
	RawData        map[string]interface{} `json:"raw_data,omitempty"`
	NormalizedData map[string]interface{} `json:"normalized_data,omitempty"`
}

// New constructs a CanonicalEvent with a generated event ID and the given
// timestamp coerced to UTC.
func New(eventType string, source Source, ts time.Time) CanonicalEvent {
	if ts.IsZero() {
		ts = time.Now().UTC()
	}
	return CanonicalEvent{
		EventID:   uuid.NewString(),
		EventType: eventType,
		Source:    source,
		Timestamp: ts.UTC(),
	}
}

// Validate enforces the canonical event invariants.
func (e *CanonicalEvent) Validate() error {
	if e.EventID == "" {
		return errors.NewValidationError("MISSING_EVENT_ID", "event_id is required")
	}
	if e.EventType == "" {
		return errors.NewValidationError("MISSING_EVENT_TYPE", "event_type is required")
	}
	if !e.Source.Valid() {
		return errors.NewUnknownSourceError(string(e.Source))
	}
	if e.Timestamp.IsZero() {
		return errors.NewValidationError("MISSING_TIMESTAMP", "timestamp is required")
	}
	for _, id := range e.Identifiers {
		if err := id.Validate(); err != nil {
			return err
		}
	}
	return nil
}

// IdentifierValues returns the distinct non-empty identifier values, used by
// the probabilistic matcher's Jaccard overlap.
func (e *CanonicalEvent) IdentifierValues() map[string]bool {
	values := make(map[string]bool, len(e.Identifiers))
	for _, id := range e.Identifiers {
		if id.Value != "" {
			values[id.Value] = true
		}
	}
	return values
}

// PartitionKey returns the bus partition key for the event so that per-source
// FIFO ordering holds: session for clickstream, device for mobile, sender or
// recipient for conversational channels, CRM record ID for CRM feeds.
func (e *CanonicalEvent) PartitionKey() string {
	var key string
	switch e.Source {
	case SourceWebsite:
		key = e.normalizedString("session_id")
	case SourceApp:
		key = e.normalizedString("device_id")
	case SourceWhatsApp:
		key = e.normalizedString("from_number")
	case SourceEmail:
		key = e.normalizedString("recipient_email")
	case SourceCRM:
		key = e.normalizedString("salesforce_id")
	}
	if key == "" {
		key = e.StudentID
	}
	if key == "" {
		key = e.EventID
	}
	return key
}

func (e *CanonicalEvent) normalizedString(field string) string {
	if e.NormalizedData == nil {
		return ""
	}
	if v, ok := e.NormalizedData[field].(string); ok {
		return v
	}
	return ""
}
