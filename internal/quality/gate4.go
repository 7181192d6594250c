// Package quality holds the push-time data guards applied before profile
// documents leave the platform for downstream destinations.
package quality

import (
	"fmt"
	"regexp"
	"sort"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

var emailShaped = regexp.MustCompile(`[A-Za-z0-9._%+-]+@[A-Za-z0-9.-]+\.[A-Za-z]{2,}`)

// exemptFields are allowed to carry email-shaped values: they are the
// designated identity columns of an outbound row.
var exemptFields = map[string]bool{
	"email":         true,
	"salesforce_id": true,
	"profile_id":    true,
}

// ValidateBeforePush is the reverse-ETL safety gate. It rejects documents
// lacking a profile_id and documents where an email-shaped value appears
// in any string field other than the designated identity columns, so a
// mis-mapped attribute cannot leak PII into a downstream destination.
// The walk covers nested objects and arrays; exemption applies to the
// leaf field name.
func ValidateBeforePush(doc map[string]interface{}) error {
	id, ok := doc["profile_id"].(string)
	if !ok || id == "" {
		return errors.NewGate4ViolationError("profile_id", "document lacks profile_id")
	}
	return walkFields("", doc)
}

func walkFields(prefix string, node map[string]interface{}) error {
	keys := make([]string, 0, len(node))
	for k := range node {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	for _, key := range keys {
		path := key
		if prefix != "" {
			path = prefix + "." + key
		}
		if err := checkValue(path, key, node[key]); err != nil {
			return err
		}
	}
	return nil
}

func checkValue(path, leaf string, value interface{}) error {
	switch v := value.(type) {
	case string:
		if exemptFields[leaf] {
			return nil
		}
		if emailShaped.MatchString(v) {
			return errors.NewGate4ViolationError(path,
				fmt.Sprintf("email-shaped value in field %s", path))
		}
	case map[string]interface{}:
		return walkFields(path, v)
	case []interface{}:
		for i, item := range v {
			if err := checkValue(fmt.Sprintf("%s[%d]", path, i), leaf, item); err != nil {
				return err
			}
		}
	}
	return nil
}
