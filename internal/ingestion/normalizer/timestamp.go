package normalizer

import (
	"encoding/json"
	"math"
	"strings"
	"time"
)

// namedOffsets rewrites timezone abbreviations that ISO-8601 parsers
// reject into numeric offsets. Order matters: CEST must be rewritten
// before EST, which it contains.
var namedOffsets = []struct {
	abbr   string
	offset string
}{
	{"CET", "+01:00"},
	{"CEST", "+02:00"},
	{"EST", "-05:00"},
	{"PST", "-08:00"},
	{"IST", "+05:30"},
}

// isoLayouts are tried in order against cleaned timestamp strings. Naive
// forms (no offset) parse as UTC.
var isoLayouts = []string{
	time.RFC3339Nano,
	"2006-01-02T15:04:05.999999999",
	"2006-01-02 15:04:05.999999999Z07:00",
	"2006-01-02 15:04:05.999999999",
	"2006-01-02",
}

// ParseTimestamp converts a raw timestamp value into UTC. Accepted shapes:
// time.Time (converted), numbers (POSIX seconds), and ISO-8601 strings,
// optionally carrying a named timezone abbreviation. Naive values are
// treated as already UTC. The boolean reports whether the value parsed;
// on failure the current UTC time is returned so ingestion never stalls
// on a bad clock field.
func ParseTimestamp(raw interface{}) (time.Time, bool) {
	switch v := raw.(type) {
	case time.Time:
		return v.UTC(), true
	case float64:
		return unixSeconds(v), true
	case int:
		return time.Unix(int64(v), 0).UTC(), true
	case int64:
		return time.Unix(v, 0).UTC(), true
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return unixSeconds(f), true
		}
	case string:
		if ts, ok := parseTimestampString(v); ok {
			return ts, true
		}
	}
	return time.Now().UTC(), false
}

func unixSeconds(v float64) time.Time {
	sec, frac := math.Modf(v)
	return time.Unix(int64(sec), int64(frac*1e9)).UTC()
}

func parseTimestampString(raw string) (time.Time, bool) {
	cleaned := strings.TrimSpace(raw)
	for _, sub := range namedOffsets {
		cleaned = strings.ReplaceAll(cleaned, sub.abbr, sub.offset)
	}
	// A space between the time and a substituted offset is not valid
	// ISO-8601; "10:00:00 +01:00" becomes "10:00:00+01:00".
	cleaned = strings.ReplaceAll(cleaned, " +", "+")
	cleaned = strings.ReplaceAll(cleaned, " -", "-")

	for _, layout := range isoLayouts {
		if ts, err := time.Parse(layout, cleaned); err == nil {
			return ts.UTC(), true
		}
	}
	return time.Time{}, false
}
