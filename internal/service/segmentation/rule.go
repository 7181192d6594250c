package segmentation

import (
	"fmt"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

// Rule is one predicate over the profile document. And chains a further
// predicate; the chain matches only when every link matches.
type Rule struct {
	Field    string      `json:"field"`
	Operator string      `json:"operator"`
	Value    interface{} `json:"value"`
	And      *Rule       `json:"and,omitempty"`
}

var operators = map[string]bool{
	">=": true,
	"<=": true,
	">":  true,
	"<":  true,
	"==": true,
	"!=": true,
}

// Validate walks the rule chain and rejects empty fields and operators
// outside the supported set.
func (r *Rule) Validate() error {
	for link := r; link != nil; link = link.And {
		if link.Field == "" {
			return errors.NewValidationError("INVALID_SEGMENT_RULE", "rule field must not be empty")
		}
		if !operators[link.Operator] {
			return errors.NewValidationError("INVALID_SEGMENT_RULE",
				fmt.Sprintf("unsupported operator %q", link.Operator))
		}
	}
	return nil
}

// resolveField walks a dot path through nested maps of the profile
// document. A missing segment resolves to nil.
func resolveField(doc map[string]interface{}, path string) interface{} {
	var current interface{} = doc
	for _, part := range splitPath(path) {
		m, ok := current.(map[string]interface{})
		if !ok {
			return nil
		}
		current, ok = m[part]
		if !ok {
			return nil
		}
	}
	return current
}

func splitPath(path string) []string {
	var parts []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			parts = append(parts, path[start:i])
			start = i + 1
		}
	}
	return append(parts, path[start:])
}

// compare applies the operator to the resolved document value and the
// rule's expected value. Mismatched types never match.
func compare(actual interface{}, op string, want interface{}) bool {
	if a, b, ok := bothNumbers(actual, want); ok {
		switch op {
		case ">=":
			return a >= b
		case "<=":
			return a <= b
		case ">":
			return a > b
		case "<":
			return a < b
		case "==":
			return a == b
		case "!=":
			return a != b
		}
		return false
	}

	if a, aok := actual.(string); aok {
		b, bok := want.(string)
		if !bok {
			return false
		}
		switch op {
		case ">=":
			return a >= b
		case "<=":
			return a <= b
		case ">":
			return a > b
		case "<":
			return a < b
		case "==":
			return a == b
		case "!=":
			return a != b
		}
		return false
	}

	if a, aok := actual.(bool); aok {
		b, bok := want.(bool)
		if !bok {
			return false
		}
		switch op {
		case "==":
			return a == b
		case "!=":
			return a != b
		}
		return false
	}

	return false
}

// bothNumbers coerces the operands to float64 when both are numeric.
// Document values arrive as float64 from JSON decoding; rule values may
// be any Go numeric literal.
func bothNumbers(actual, want interface{}) (float64, float64, bool) {
	a, aok := asNumber(actual)
	b, bok := asNumber(want)
	return a, b, aok && bok
}

func asNumber(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case float32:
		return float64(n), true
	case int:
		return float64(n), true
	case int32:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}
