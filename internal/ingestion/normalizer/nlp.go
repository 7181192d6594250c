package normalizer

import (
	"regexp"
	"strings"
)

// DefaultIntent is assigned when no intent pattern matches a message.
const DefaultIntent = "general_message"

// intentPatterns is scanned first-match, so ordering is part of the
// contract: a message mentioning both enrollment and fees classifies as
// enrollment_inquiry.
var intentPatterns = []struct {
	intent  string
	pattern *regexp.Regexp
}{
	{"enrollment_inquiry", regexp.MustCompile(`(?i)\b(enroll|admission|apply|register)\b`)},
	{"program_inquiry", regexp.MustCompile(`(?i)\b(program|course|degree|master|bachelor)\b`)},
	{"fee_inquiry", regexp.MustCompile(`(?i)\b(fee|cost|price|tuition|payment)\b`)},
	{"support_request", regexp.MustCompile(`(?i)\b(help|support|problem|issue|error)\b`)},
	{"schedule_inquiry", regexp.MustCompile(`(?i)\b(schedule|deadline|start date|when)\b`)},
}

var entityPatterns = map[string]*regexp.Regexp{
	"email":        regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`),
	"phone":        regexp.MustCompile(`\+?\d[\d\-\s()]{7,}\d`),
	"program_name": regexp.MustCompile(`(?i)\b(?:B\.?Sc|M\.?Sc|MBA|B\.?A|M\.?A)\b\.?\s*\w*`),
}

// DetectIntent classifies a free-text message into the first matching
// intent, or DefaultIntent when none match. Rule-based on purpose: the
// ingestion path stays fast and deterministic with no model dependency.
func DetectIntent(text string) string {
	for _, ip := range intentPatterns {
		if ip.pattern.MatchString(text) {
			return ip.intent
		}
	}
	return DefaultIntent
}

// ExtractEntities pulls known entity types (email, phone, program_name)
// out of unstructured text. Entity types with no match are omitted.
func ExtractEntities(text string) map[string][]string {
	entities := make(map[string][]string)
	for entityType, pattern := range entityPatterns {
		matches := pattern.FindAllString(text, -1)
		if len(matches) == 0 {
			continue
		}
		values := make([]string, len(matches))
		for i, m := range matches {
			values[i] = strings.TrimSpace(m)
		}
		entities[entityType] = values
	}
	return entities
}
