package telemetry

import (
	"regexp"
	"strings"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// RedactedValue replaces any field or substring identified as PII.
const RedactedValue = "[REDACTED]"

// piiFieldKeys are field names whose values are always replaced
// wholesale, regardless of content.
var piiFieldKeys = map[string]struct{}{
	"email":          {},
	"email_address":  {},
	"phone":          {},
	"phone_number":   {},
	"mobile":         {},
	"first_name":     {},
	"last_name":      {},
	"full_name":      {},
	"name":           {},
	"student_name":   {},
	"guardian_name":  {},
	"parent_email":   {},
	"personal_email": {},
}

var (
	emailPattern = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)
	phonePattern = regexp.MustCompile(`\+?\d[\d\-\s()]{7,}\d`)
)

// redactingCore wraps another core and scrubs PII from entries before
// they are written. Field keys on the deny list are replaced with
// RedactedValue; other string fields and the entry message have email
// and phone substrings replaced in place. Structured values (objects,
// reflected maps) pass through untouched, so callers must not log raw
// profile or event payloads.
type redactingCore struct {
	zapcore.Core
}

// NewRedactingCore wraps core with PII redaction.
func NewRedactingCore(core zapcore.Core) zapcore.Core {
	return &redactingCore{Core: core}
}

func (c *redactingCore) With(fields []zapcore.Field) zapcore.Core {
	return &redactingCore{Core: c.Core.With(redactFields(fields))}
}

func (c *redactingCore) Check(ent zapcore.Entry, ce *zapcore.CheckedEntry) *zapcore.CheckedEntry {
	if c.Enabled(ent.Level) {
		return ce.AddCore(ent, c)
	}
	return ce
}

func (c *redactingCore) Write(ent zapcore.Entry, fields []zapcore.Field) error {
	ent.Message = ScrubText(ent.Message)
	return c.Core.Write(ent, redactFields(fields))
}

func redactFields(fields []zapcore.Field) []zapcore.Field {
	out := make([]zapcore.Field, len(fields))
	copy(out, fields)

	for i := range out {
		if _, ok := piiFieldKeys[strings.ToLower(out[i].Key)]; ok {
			out[i] = zap.String(out[i].Key, RedactedValue)
			continue
		}

		if out[i].Type == zapcore.StringType {
			out[i].String = ScrubText(out[i].String)
		}
	}

	return out
}

// ScrubText replaces email and phone substrings with RedactedValue.
func ScrubText(s string) string {
	s = emailPattern.ReplaceAllString(s, RedactedValue)
	return phonePattern.ReplaceAllString(s, RedactedValue)
}
