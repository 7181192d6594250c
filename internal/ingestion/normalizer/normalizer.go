// Package normalizer converts raw source payloads into canonical events:
// timestamps to UTC, source-specific field names to the unified schema,
// digit strings to integers, and identifiers emitted in resolution order.
// WhatsApp text additionally passes through rule-based intent detection
// and entity extraction.
//
// All three entry points are total functions over malformed input: a bad
// timestamp degrades to the current time with a logged warning, never an
// error.
package normalizer

import (
	"encoding/json"
	"strconv"
	"strings"
	"time"
	"unicode/utf8"

	"go.uber.org/zap"

	"github.com/eduflowhq/cdp-backend/internal/domain/event"
)

// Normalizer is a stateless converter shared by the connectors and the
// webhook ingress. Safe for concurrent use.
type Normalizer struct {
	logger *zap.Logger
}

// New builds a Normalizer.
func New(logger *zap.Logger) *Normalizer {
	return &Normalizer{logger: logger}
}

// NormalizeJSON converts a raw JSON payload from the given source.
//
// The timestamp comes from "timestamp" or "event_time", the event type
// from "event_type" or "event" (default "unknown"), and the subject from
// "user_id", "student_id" or "Id". The verbatim payload is preserved in
// RawData; NormalizedData holds the type-coerced copy.
func (n *Normalizer) NormalizeJSON(raw map[string]interface{}, source event.Source) event.CanonicalEvent {
	eventType := firstString(raw, "event_type", "event")
	if eventType == "" {
		eventType = "unknown"
	}

	ev := event.New(eventType, source, time.Time{})
	if id := asString(raw["event_id"]); id != "" {
		ev.EventID = id
	}
	if tsRaw := firstPresent(raw, "timestamp", "event_time"); tsRaw != nil {
		ev.Timestamp = n.parseOrNow(tsRaw, "timestamp")
	}
	ev.StudentID = firstString(raw, "user_id", "student_id", "Id")
	ev.RawData = raw
	ev.NormalizedData = n.coerceTypes(raw)
	// PII comes from the verbatim payload: coercion may have turned a
	// digit-only phone string into an integer.
	ev.PersonalInfo = collectPersonalInfo(raw)
	ev.Consent = collectConsent(raw)
	attachIdentifiers(&ev)
	return ev
}

// NormalizeCSVRow converts one CSV row using a column-to-field mapping.
// Unmapped columns are dropped from NormalizedData but survive in RawData.
// The source is always CRM and the event type defaults to "csv_import".
func (n *Normalizer) NormalizeCSVRow(row map[string]string, schemaMap map[string]string) event.CanonicalEvent {
	mapped := make(map[string]interface{}, len(schemaMap))
	for csvCol, field := range schemaMap {
		if v, ok := row[csvCol]; ok {
			mapped[field] = v
		}
	}

	eventType := asString(mapped["event_type"])
	if eventType == "" {
		eventType = "csv_import"
	}

	ev := event.New(eventType, event.SourceCRM, time.Time{})
	if tsRaw := firstPresent(mapped, "timestamp", "event_time"); tsRaw != nil {
		ev.Timestamp = n.parseOrNow(tsRaw, "timestamp")
	}
	ev.StudentID = firstString(mapped, "student_id", "salesforce_id")

	raw := make(map[string]interface{}, len(row))
	for k, v := range row {
		raw[k] = v
	}
	ev.RawData = raw
	ev.NormalizedData = mapped
	ev.PersonalInfo = collectPersonalInfo(mapped)
	attachIdentifiers(&ev)
	return ev
}

// NormalizeWhatsAppText converts an inbound WhatsApp message. The event
// type carries the detected intent ("whatsapp.<intent>") and the sender's
// number doubles as the phone identifier.
func (n *Normalizer) NormalizeWhatsAppText(body string, metadata map[string]interface{}) event.CanonicalEvent {
	intent := DetectIntent(body)

	ev := event.New("whatsapp."+intent, event.SourceWhatsApp, time.Time{})
	if tsRaw := metadata["timestamp"]; tsRaw != nil {
		ev.Timestamp = n.parseOrNow(tsRaw, "timestamp")
	}
	ev.StudentID = asString(metadata["student_id"])

	raw := make(map[string]interface{}, len(metadata)+1)
	raw["body"] = body
	for k, v := range metadata {
		raw[k] = v
	}
	ev.RawData = raw

	fromNumber := asString(metadata["from_number"])
	ev.NormalizedData = map[string]interface{}{
		"intent":      intent,
		"entities":    ExtractEntities(body),
		"from_number": fromNumber,
		"message_sid": asString(metadata["message_sid"]),
		"body_length": utf8.RuneCountInString(body),
	}
	ev.PersonalInfo = event.PersonalInfo{Phone: fromNumber}
	attachIdentifiers(&ev)
	return ev
}

// coerceTypes produces the normalized copy of a raw payload: keys ending
// in "_at" (and "timestamp") become UTC strings, digit strings become
// integers, nil is preserved, everything else passes through.
func (n *Normalizer) coerceTypes(data map[string]interface{}) map[string]interface{} {
	coerced := make(map[string]interface{}, len(data))
	for key, value := range data {
		coerced[key] = n.coerceValue(key, value)
	}
	return coerced
}

func (n *Normalizer) coerceValue(key string, value interface{}) interface{} {
	if value == nil {
		return nil
	}
	if strings.HasSuffix(key, "_at") || key == "timestamp" {
		return n.parseOrNow(value, key).Format(time.RFC3339)
	}
	if s, ok := value.(string); ok && isDigits(s) {
		if i, err := strconv.Atoi(s); err == nil {
			return i
		}
	}
	return value
}

func (n *Normalizer) parseOrNow(raw interface{}, field string) time.Time {
	ts, ok := ParseTimestamp(raw)
	if !ok {
		n.logger.Warn("unparseable timestamp, defaulting to now",
			zap.String("field", field),
			zap.Any("value", raw))
	}
	return ts
}

// attachIdentifiers emits the event's identifiers in resolution order so
// deterministic matching stays reproducible across runs. Email and phone
// fall back to personal info when the normalized fields are absent.
// Overlong values are dropped rather than truncated: a truncated
// identifier could alias unrelated subjects.
func attachIdentifiers(ev *event.CanonicalEvent) {
	for _, t := range event.ResolutionOrder {
		value := asString(ev.NormalizedData[string(t)])
		switch t {
		case event.IdentifierEmail:
			if value == "" {
				value = ev.PersonalInfo.Email
			}
		case event.IdentifierPhone:
			if value == "" {
				value = ev.PersonalInfo.Phone
			}
		}
		if value == "" || len(value) > event.MaxIdentifierLength {
			continue
		}
		ev.Identifiers = append(ev.Identifiers, event.Identifier{Type: t, Value: value})
	}
}

func collectPersonalInfo(data map[string]interface{}) event.PersonalInfo {
	info := event.PersonalInfo{
		Name:  asString(data["name"]),
		Email: asString(data["email"]),
		Phone: asString(data["phone"]),
	}
	if info.Name == "" {
		first := asString(data["first_name"])
		last := asString(data["last_name"])
		info.Name = strings.TrimSpace(first + " " + last)
	}
	return info
}

func collectConsent(raw map[string]interface{}) map[string]bool {
	switch m := raw["consent"].(type) {
	case map[string]bool:
		return m
	case map[string]interface{}:
		consent := make(map[string]bool, len(m))
		for channel, v := range m {
			if b, ok := v.(bool); ok {
				consent[channel] = b
			}
		}
		return consent
	}
	return nil
}

func asString(v interface{}) string {
	switch s := v.(type) {
	case string:
		return s
	case json.Number:
		return s.String()
	}
	return ""
}

// firstString returns the first key whose value is a non-empty string.
func firstString(m map[string]interface{}, keys ...string) string {
	for _, k := range keys {
		if s := asString(m[k]); s != "" {
			return s
		}
	}
	return ""
}

// firstPresent returns the first key whose value is set, skipping nil and
// empty strings.
func firstPresent(m map[string]interface{}, keys ...string) interface{} {
	for _, k := range keys {
		v, ok := m[k]
		if !ok || v == nil {
			continue
		}
		if s, isStr := v.(string); isStr && s == "" {
			continue
		}
		return v
	}
	return nil
}

func isDigits(s string) bool {
	if s == "" {
		return false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
