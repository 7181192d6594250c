// Package audit provides the append-only, hash-chained audit trail recording
// identity resolution, consent-gate refusals, and erasure outcomes. Each
// entry links to its predecessor by SHA-256 so tampering with persisted
// history is detectable. Entries reference subjects by pseudonymous keys and
// survive erasure; the consent ledger keeps its own per-subject audit rows
// that are deleted with the subject.
package audit

import (
	"crypto/sha256"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/eduflowhq/cdp-backend/internal/domain/errors"
)

// Action classifies what an audit entry records.
type Action string

const (
	ActionProfileCreated  Action = "create"
	ActionProfileMerged   Action = "merge"
	ActionReviewFlagged   Action = "review_flag"
	ActionConsentDenied   Action = "consent_denied"
	ActionErasureReport   Action = "erasure_report"
	ActionErasureVerified Action = "erasure_verified"
)

var validActions = map[Action]bool{
	ActionProfileCreated:  true,
	ActionProfileMerged:   true,
	ActionReviewFlagged:   true,
	ActionConsentDenied:   true,
	ActionErasureReport:   true,
	ActionErasureVerified: true,
}

func (a Action) Valid() bool {
	return validActions[a]
}

func (a Action) String() string {
	return string(a)
}

// Entry is an immutable audit log record. Entries become immutable once
// their hash is computed; the store assigns SequenceNum before hashing.
type Entry struct {
	ID           uuid.UUID              `json:"id"`
	SequenceNum  int64                  `json:"sequence_num"`
	Action       Action                 `json:"action"`
	StudentID    string                 `json:"student_id,omitempty"`
	ProfileID    string                 `json:"profile_id,omitempty"`
	Details      map[string]interface{} `json:"details,omitempty"`
	Timestamp    time.Time              `json:"timestamp"`
	PreviousHash string                 `json:"previous_hash"`
	EntryHash    string                 `json:"entry_hash"`

	immutable bool
}

// NewEntry creates an audit entry. At least one of studentID or profileID
// must identify the subject. Details are re-encoded as generic JSON values:
// struct values hash by field order before storage but by sorted map keys
// after, so they are flattened up front to keep the digest reproducible.
func NewEntry(action Action, studentID, profileID string, details map[string]interface{}) (*Entry, error) {
	if !action.Valid() {
		return nil, errors.NewValidationError("INVALID_AUDIT_ACTION",
			fmt.Sprintf("unknown audit action: %s", action))
	}
	if studentID == "" && profileID == "" {
		return nil, errors.NewValidationError("MISSING_AUDIT_SUBJECT",
			"audit entry requires a student or profile reference")
	}
	normalized, err := normalizeDetails(details)
	if err != nil {
		return nil, errors.NewInternalError("failed to normalize audit details").WithCause(err)
	}
	return &Entry{
		ID:        uuid.New(),
		Action:    action,
		StudentID: studentID,
		ProfileID: profileID,
		Details:   normalized,
		Timestamp: time.Now().UTC(),
	}, nil
}

func normalizeDetails(details map[string]interface{}) (map[string]interface{}, error) {
	if details == nil {
		return nil, nil
	}
	raw, err := json.Marshal(details)
	if err != nil {
		return nil, err
	}
	var normalized map[string]interface{}
	if err := json.Unmarshal(raw, &normalized); err != nil {
		return nil, err
	}
	return normalized, nil
}

// ComputeHash links the entry to its predecessor and freezes it. The hash
// covers every integrity-relevant field; map keys marshal in sorted order so
// the digest is deterministic.
func (e *Entry) ComputeHash(previousHash string) (string, error) {
	if e.immutable {
		return "", errors.NewBusinessError("ENTRY_IMMUTABLE",
			"cannot recompute hash on a frozen audit entry")
	}

	e.PreviousHash = previousHash

	hashData := map[string]interface{}{
		"id":             e.ID.String(),
		"sequence_num":   e.SequenceNum,
		"timestamp_nano": e.Timestamp.UnixNano(),
		"action":         string(e.Action),
		"student_id":     e.StudentID,
		"profile_id":     e.ProfileID,
		"details":        e.Details,
		"previous_hash":  e.PreviousHash,
	}

	jsonBytes, err := json.Marshal(hashData)
	if err != nil {
		return "", errors.NewInternalError("failed to marshal audit hash data").WithCause(err)
	}

	hash := sha256.Sum256(jsonBytes)
	e.EntryHash = fmt.Sprintf("%x", hash)
	e.immutable = true

	return e.EntryHash, nil
}

// IsImmutable reports whether the entry has been frozen by ComputeHash.
func (e *Entry) IsImmutable() bool {
	return e.immutable
}

// Validate checks the entry's structural invariants.
func (e *Entry) Validate() error {
	if !e.Action.Valid() {
		return errors.NewValidationError("INVALID_AUDIT_ACTION",
			fmt.Sprintf("unknown audit action: %s", e.Action))
	}
	if e.StudentID == "" && e.ProfileID == "" {
		return errors.NewValidationError("MISSING_AUDIT_SUBJECT",
			"audit entry requires a student or profile reference")
	}
	if e.immutable && e.EntryHash == "" {
		return errors.NewValidationError("MISSING_HASH",
			"frozen audit entry must carry its hash")
	}
	return nil
}

// recomputeHash recalculates the digest without mutating the entry.
func (e *Entry) recomputeHash() (string, error) {
	hashData := map[string]interface{}{
		"id":             e.ID.String(),
		"sequence_num":   e.SequenceNum,
		"timestamp_nano": e.Timestamp.UnixNano(),
		"action":         string(e.Action),
		"student_id":     e.StudentID,
		"profile_id":     e.ProfileID,
		"details":        e.Details,
		"previous_hash":  e.PreviousHash,
	}
	jsonBytes, err := json.Marshal(hashData)
	if err != nil {
		return "", err
	}
	hash := sha256.Sum256(jsonBytes)
	return fmt.Sprintf("%x", hash), nil
}

// VerifyChain walks entries in slice order and reports whether every link
// and every digest checks out. Entries must be ordered by sequence number
// and start at the genesis entry.
func VerifyChain(entries []*Entry) (bool, error) {
	return VerifyChainFrom(entries, "")
}

// VerifyChainFrom verifies a chain segment anchored on a known predecessor
// hash, so a sequence range can be checked without replaying the whole log.
func VerifyChainFrom(entries []*Entry, previousHash string) (bool, error) {
	for _, entry := range entries {
		if err := entry.Validate(); err != nil {
			return false, err
		}
		if entry.PreviousHash != previousHash {
			return false, nil
		}
		computed, err := entry.recomputeHash()
		if err != nil {
			return false, errors.NewInternalError("failed to recompute audit hash").WithCause(err)
		}
		if computed != entry.EntryHash {
			return false, nil
		}
		previousHash = entry.EntryHash
	}
	return true, nil
}
