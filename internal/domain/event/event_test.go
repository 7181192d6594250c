package event_test

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/eduflowhq/cdp-backend/internal/domain/event"
)

func TestParseSource(t *testing.T) {
	tests := []struct {
		name    string
		input   string
		want    event.Source
		wantErr bool
	}{
		{name: "website", input: "website", want: event.SourceWebsite},
		{name: "app", input: "app", want: event.SourceApp},
		{name: "crm", input: "crm", want: event.SourceCRM},
		{name: "email", input: "email", want: event.SourceEmail},
		{name: "whatsapp", input: "whatsapp", want: event.SourceWhatsApp},
		{name: "unknown source rejected", input: "tiktok", wantErr: true},
		{name: "empty rejected", input: "", wantErr: true},
		{name: "case sensitive", input: "Website", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := event.ParseSource(tt.input)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.True(t, got.Valid())
		})
	}
}

func TestNew(t *testing.T) {
	t.Run("generates event id and coerces timestamp to UTC", func(t *testing.T) {
		loc := time.FixedZone("CET", 3600)
		ts := time.Date(2025, 3, 15, 10, 30, 0, 0, loc)

		e := event.New("page_view", event.SourceWebsite, ts)

		assert.NotEmpty(t, e.EventID)
		assert.Equal(t, "page_view", e.EventType)
		assert.Equal(t, event.SourceWebsite, e.Source)
		assert.Equal(t, time.UTC, e.Timestamp.Location())
		assert.Equal(t, time.Date(2025, 3, 15, 9, 30, 0, 0, time.UTC), e.Timestamp)
	})

	t.Run("zero timestamp defaults to now", func(t *testing.T) {
		before := time.Now().UTC()
		e := event.New("app_opened", event.SourceApp, time.Time{})
		after := time.Now().UTC()

		assert.False(t, e.Timestamp.Before(before))
		assert.False(t, e.Timestamp.After(after))
	})

	t.Run("distinct event ids", func(t *testing.T) {
		a := event.New("page_view", event.SourceWebsite, time.Now())
		b := event.New("page_view", event.SourceWebsite, time.Now())
		assert.NotEqual(t, a.EventID, b.EventID)
	})
}

func TestCanonicalEvent_Validate(t *testing.T) {
	valid := func() event.CanonicalEvent {
		return event.CanonicalEvent{
			EventID:   "evt-1",
			EventType: "page_view",
			Source:    event.SourceWebsite,
			Timestamp: time.Now().UTC(),
		}
	}

	tests := []struct {
		name    string
		mutate  func(*event.CanonicalEvent)
		wantErr bool
	}{
		{name: "valid event", mutate: func(e *event.CanonicalEvent) {}},
		{
			name:    "missing event id",
			mutate:  func(e *event.CanonicalEvent) { e.EventID = "" },
			wantErr: true,
		},
		{
			name:    "missing event type",
			mutate:  func(e *event.CanonicalEvent) { e.EventType = "" },
			wantErr: true,
		},
		{
			name:    "invalid source",
			mutate:  func(e *event.CanonicalEvent) { e.Source = "fax" },
			wantErr: true,
		},
		{
			name:    "zero timestamp",
			mutate:  func(e *event.CanonicalEvent) { e.Timestamp = time.Time{} },
			wantErr: true,
		},
		{
			name: "invalid identifier",
			mutate: func(e *event.CanonicalEvent) {
				e.Identifiers = []event.Identifier{{Type: event.IdentifierEmail, Value: ""}}
			},
			wantErr: true,
		},
		{
			name: "valid identifiers",
			mutate: func(e *event.CanonicalEvent) {
				e.Identifiers = []event.Identifier{
					{Type: event.IdentifierEmail, Value: "ana@example.com"},
					{Type: event.IdentifierDeviceID, Value: "dev-42"},
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			e := valid()
			tt.mutate(&e)
			err := e.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestCanonicalEvent_PartitionKey(t *testing.T) {
	tests := []struct {
		name  string
		event event.CanonicalEvent
		want  string
	}{
		{
			name: "website keyed by session",
			event: event.CanonicalEvent{
				EventID:        "e1",
				Source:         event.SourceWebsite,
				StudentID:      "stu-1",
				NormalizedData: map[string]interface{}{"session_id": "sess-9"},
			},
			want: "sess-9",
		},
		{
			name: "app keyed by device",
			event: event.CanonicalEvent{
				EventID:        "e2",
				Source:         event.SourceApp,
				NormalizedData: map[string]interface{}{"device_id": "dev-7"},
			},
			want: "dev-7",
		},
		{
			name: "crm keyed by salesforce id",
			event: event.CanonicalEvent{
				EventID:        "e3",
				Source:         event.SourceCRM,
				NormalizedData: map[string]interface{}{"salesforce_id": "003XX"},
			},
			want: "003XX",
		},
		{
			name: "whatsapp keyed by sender",
			event: event.CanonicalEvent{
				EventID:        "e4",
				Source:         event.SourceWhatsApp,
				NormalizedData: map[string]interface{}{"from_number": "+34600111222"},
			},
			want: "+34600111222",
		},
		{
			name: "email keyed by recipient",
			event: event.CanonicalEvent{
				EventID:        "e5",
				Source:         event.SourceEmail,
				NormalizedData: map[string]interface{}{"recipient_email": "ana@example.com"},
			},
			want: "ana@example.com",
		},
		{
			name: "falls back to student id",
			event: event.CanonicalEvent{
				EventID:   "e6",
				Source:    event.SourceWebsite,
				StudentID: "stu-2",
			},
			want: "stu-2",
		},
		{
			name: "falls back to event id last",
			event: event.CanonicalEvent{
				EventID: "e7",
				Source:  event.SourceApp,
			},
			want: "e7",
		},
		{
			name: "non-string ordering field ignored",
			event: event.CanonicalEvent{
				EventID:        "e8",
				Source:         event.SourceWebsite,
				NormalizedData: map[string]interface{}{"session_id": 42},
			},
			want: "e8",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, tt.event.PartitionKey())
		})
	}
}

func TestCanonicalEvent_IdentifierValues(t *testing.T) {
	e := event.CanonicalEvent{
		Identifiers: []event.Identifier{
			{Type: event.IdentifierEmail, Value: "ana@example.com"},
			{Type: event.IdentifierPhone, Value: "+34600111222"},
			{Type: event.IdentifierDeviceID, Value: ""},
			{Type: event.IdentifierSessionID, Value: "ana@example.com"},
		},
	}

	values := e.IdentifierValues()
	assert.Len(t, values, 2)
	assert.True(t, values["ana@example.com"])
	assert.True(t, values["+34600111222"])
}

func TestPersonalInfo_IsZero(t *testing.T) {
	assert.True(t, event.PersonalInfo{}.IsZero())
	assert.False(t, event.PersonalInfo{Name: "Ana"}.IsZero())
	assert.False(t, event.PersonalInfo{Email: "ana@example.com"}.IsZero())
	assert.False(t, event.PersonalInfo{Phone: "+34600111222"}.IsZero())
}
