// Package fixtures provides builders for canonical events and profiles so
// tests assemble realistic entities without repeating field-by-field setup.
package fixtures

import (
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/eduflowhq/cdp-backend/internal/domain/event"
)

// FixedTime is the default event timestamp. A fixed instant keeps recency
// and engagement assertions deterministic.
var FixedTime = time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)

// EventBuilder builds canonical test events.
type EventBuilder struct {
	t           *testing.T
	eventID     string
	eventType   string
	source      event.Source
	timestamp   time.Time
	studentID   string
	identifiers []event.Identifier
	personal    event.PersonalInfo
	consent     map[string]bool
	raw         map[string]interface{}
	normalized  map[string]interface{}
}

// NewEventBuilder creates an EventBuilder defaulting to a website page view
// with a generated event ID and session identifier.
func NewEventBuilder(t *testing.T) *EventBuilder {
	t.Helper()
	return &EventBuilder{
		t:         t,
		eventID:   uuid.NewString(),
		eventType: "page_view",
		source:    event.SourceWebsite,
		timestamp: FixedTime,
		normalized: map[string]interface{}{
			"session_id": "sess-" + uuid.NewString()[:8],
		},
	}
}

// WithEventID sets the event ID.
func (b *EventBuilder) WithEventID(id string) *EventBuilder {
	b.eventID = id
	return b
}

// WithEventType sets the event type.
func (b *EventBuilder) WithEventType(eventType string) *EventBuilder {
	b.eventType = eventType
	return b
}

// WithSource sets the originating source.
func (b *EventBuilder) WithSource(source event.Source) *EventBuilder {
	b.source = source
	return b
}

// WithTimestamp sets the event timestamp.
func (b *EventBuilder) WithTimestamp(ts time.Time) *EventBuilder {
	b.timestamp = ts
	return b
}

// WithStudentID sets the subject key.
func (b *EventBuilder) WithStudentID(studentID string) *EventBuilder {
	b.studentID = studentID
	return b
}

// WithIdentifier appends an identifier. Call in resolution order when the
// order matters to the test.
func (b *EventBuilder) WithIdentifier(t event.IdentifierType, value string) *EventBuilder {
	b.identifiers = append(b.identifiers, event.Identifier{Type: t, Value: value})
	return b
}

// WithPersonalInfo sets the PII fields.
func (b *EventBuilder) WithPersonalInfo(info event.PersonalInfo) *EventBuilder {
	b.personal = info
	return b
}

// WithConsent records a channel consent signal on the event.
func (b *EventBuilder) WithConsent(channel string, granted bool) *EventBuilder {
	if b.consent == nil {
		b.consent = make(map[string]bool)
	}
	b.consent[channel] = granted
	return b
}

// WithRawData sets the verbatim source payload.
func (b *EventBuilder) WithRawData(raw map[string]interface{}) *EventBuilder {
	b.raw = raw
	return b
}

// WithNormalizedField sets one normalized payload field, replacing the
// default session identifier map on first use.
func (b *EventBuilder) WithNormalizedField(key string, value interface{}) *EventBuilder {
	if b.normalized == nil {
		b.normalized = make(map[string]interface{})
	}
	b.normalized[key] = value
	return b
}

// WithNormalizedData replaces the normalized payload wholesale.
func (b *EventBuilder) WithNormalizedData(data map[string]interface{}) *EventBuilder {
	b.normalized = data
	return b
}

// Build creates the CanonicalEvent.
func (b *EventBuilder) Build() *event.CanonicalEvent {
	return &event.CanonicalEvent{
		EventID:        b.eventID,
		EventType:      b.eventType,
		Source:         b.source,
		Timestamp:      b.timestamp.UTC(),
		StudentID:      b.studentID,
		Identifiers:    b.identifiers,
		PersonalInfo:   b.personal,
		Consent:        b.consent,
		RawData:        b.raw,
		NormalizedData: b.normalized,
	}
}

// EventScenarios provides common event shapes, one per ingestion source,
// mirroring what the normalizer emits for each.
type EventScenarios struct {
	t *testing.T
}

// NewEventScenarios creates an EventScenarios helper.
func NewEventScenarios(t *testing.T) *EventScenarios {
	t.Helper()
	return &EventScenarios{t: t}
}

// PageView creates a clickstream page view keyed by session.
func (es *EventScenarios) PageView(sessionID string) *event.CanonicalEvent {
	return NewEventBuilder(es.t).
		WithNormalizedData(map[string]interface{}{
			"session_id": sessionID,
			"page_url":   "https://eduflow.example/courses/data-science",
		}).
		WithIdentifier(event.IdentifierSessionID, sessionID).
		Build()
}

// ScreenView creates a mobile app event keyed by device.
func (es *EventScenarios) ScreenView(deviceID string) *event.CanonicalEvent {
	return NewEventBuilder(es.t).
		WithEventType("screen_view").
		WithSource(event.SourceApp).
		WithNormalizedData(map[string]interface{}{
			"device_id":   deviceID,
			"screen_name": "course_catalog",
		}).
		WithIdentifier(event.IdentifierDeviceID, deviceID).
		Build()
}

// WhatsAppInquiry creates an inbound WhatsApp message keyed by sender.
func (es *EventScenarios) WhatsAppInquiry(fromNumber string) *event.CanonicalEvent {
	return NewEventBuilder(es.t).
		WithEventType("whatsapp.course_inquiry").
		WithSource(event.SourceWhatsApp).
		WithPersonalInfo(event.PersonalInfo{Phone: fromNumber}).
		WithNormalizedData(map[string]interface{}{
			"intent":      "course_inquiry",
			"from_number": fromNumber,
		}).
		WithIdentifier(event.IdentifierPhone, fromNumber).
		Build()
}

// LeadUpdate creates a CRM lead change with full PII and a subject key.
func (es *EventScenarios) LeadUpdate(studentID, email string) *event.CanonicalEvent {
	return NewEventBuilder(es.t).
		WithEventType("lead.updated").
		WithSource(event.SourceCRM).
		WithStudentID(studentID).
		WithPersonalInfo(event.PersonalInfo{Name: "Jordan Reyes", Email: email}).
		WithNormalizedData(map[string]interface{}{
			"salesforce_id": "003" + uuid.NewString()[:12],
			"email":         email,
		}).
		WithIdentifier(event.IdentifierEmail, email).
		Build()
}

// EmailOpen creates an email engagement event keyed by recipient.
func (es *EventScenarios) EmailOpen(email string) *event.CanonicalEvent {
	return NewEventBuilder(es.t).
		WithEventType("email_open").
		WithSource(event.SourceEmail).
		WithNormalizedData(map[string]interface{}{
			"recipient_email": email,
			"campaign_id":     "welcome-series",
		}).
		WithIdentifier(event.IdentifierEmail, email).
		Build()
}
