package event

import (
	"fmt"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

// IdentifierType enumerates the cross-system identifier types that make up
// the identity graph edges.
type IdentifierType string

const (
	IdentifierEmail        IdentifierType = "email"
	IdentifierPhone        IdentifierType = "phone"
	IdentifierDeviceID     IdentifierType = "device_id"
	IdentifierSessionID    IdentifierType = "session_id"
	IdentifierSalesforceID IdentifierType = "salesforce_id"
)

// ResolutionOrder is the canonical identifier ordering produced by the
// normalizer and honored by the deterministic match cascade. The order is
// load-bearing: resolution results must be reproducible across runs.
var ResolutionOrder = []IdentifierType{
	IdentifierEmail,
	IdentifierPhone,
	IdentifierDeviceID,
	IdentifierSessionID,
	IdentifierSalesforceID,
}

// MaxIdentifierLength bounds identifier values.
const MaxIdentifierLength = 512

// ParseIdentifierType converts a string into an IdentifierType.
func ParseIdentifierType(s string) (IdentifierType, error) {
	switch IdentifierType(s) {
	case IdentifierEmail, IdentifierPhone, IdentifierDeviceID,
		IdentifierSessionID, IdentifierSalesforceID:
		return IdentifierType(s), nil
	default:
		return "", errors.NewValidationError("INVALID_IDENTIFIER_TYPE",
			fmt.Sprintf("unknown identifier type: %s", s))
	}
}

// Valid reports whether the type is one of the supported identifier types.
func (t IdentifierType) Valid() bool {
	_, err := ParseIdentifierType(string(t))
	return err == nil
}

// Identifier is a tagged (type, value) pair used to resolve a student across
// systems.
type Identifier struct {
	Type  IdentifierType `json:"type"`
	Value string         `json:"value"`
}

// NewIdentifier validates and constructs an Identifier.
func NewIdentifier(t IdentifierType, value string) (Identifier, error) {
	id := Identifier{Type: t, Value: value}
	if err := id.Validate(); err != nil {
		return Identifier{}, err
	}
	return id, nil
}

// Validate enforces the identifier invariants: known type, non-empty value,
// value length at most MaxIdentifierLength.
func (i Identifier) Validate() error {
	if !i.Type.Valid() {
		return errors.NewValidationError("INVALID_IDENTIFIER_TYPE",
			fmt.Sprintf("unknown identifier type: %s", i.Type))
	}
	if i.Value == "" {
		return errors.ErrEmptyIdentifier
	}
	if len(i.Value) > MaxIdentifierLength {
		return errors.ErrIdentifierTooLong
	}
	return nil
}

// String implements fmt.Stringer.
func (i Identifier) String() string {
	return fmt.Sprintf("%s:%s", i.Type, i.Value)
}
