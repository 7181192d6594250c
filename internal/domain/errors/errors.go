package errors

import (
	"errors"
	"fmt"
)

// Error types for different failure domains in the pipeline
type ErrorType string

const (
	ErrorTypeValidation ErrorType = "validation"
	ErrorTypeBusiness   ErrorType = "business"
	ErrorTypeInternal   ErrorType = "internal"
	ErrorTypeExternal   ErrorType = "external"
	ErrorTypeNotFound   ErrorType = "not_found"
	ErrorTypeConflict   ErrorType = "conflict"
	ErrorTypeCompliance ErrorType = "compliance"
	ErrorTypeRateLimit  ErrorType = "rate_limit"
	ErrorTypeTransient  ErrorType = "transient"
)

// AppError represents a structured application error
type AppError struct {
	Type       ErrorType              `json:"type"`
	Code       string                 `json:"code"`
	Message    string                 `json:"message"`
	Details    map[string]interface{} `json:"details,omitempty"`
	Cause      error                  `json:"-"`
	Retryable  bool                   `json:"retryable"`
	StatusCode int                    `json:"status_code"`
}

func (e *AppError) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *AppError) Unwrap() error {
	return e.Cause
}

func (e *AppError) WithDetails(details map[string]interface{}) *AppError {
	e.Details = details
	return e
}

func (e *AppError) WithCause(cause error) *AppError {
	e.Cause = cause
	return e
}

// Error constructors
func NewValidationError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

// NewDeserializationError marks a bus payload that could not be decoded.
// These are routed to the DLQ, never retried.
func NewDeserializationError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       "DESERIALIZATION_FAILED",
		Message:    message,
		Retryable:  false,
		StatusCode: 400,
	}
}

// NewUnknownSourceError marks an event whose source is outside the valid set.
func NewUnknownSourceError(source string) *AppError {
	return &AppError{
		Type:       ErrorTypeValidation,
		Code:       "UNKNOWN_SOURCE",
		Message:    fmt.Sprintf("unknown event source: %s", source),
		Retryable:  false,
		StatusCode: 422,
		Details:    map[string]interface{}{"source": source},
	}
}

func NewBusinessError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeBusiness,
		Code:       code,
		Message:    message,
		Retryable:  false,
		StatusCode: 422,
	}
}

func NewNotFoundError(resource string) *AppError {
	return &AppError{
		Type:       ErrorTypeNotFound,
		Code:       "RESOURCE_NOT_FOUND",
		Message:    fmt.Sprintf("%s not found", resource),
		Retryable:  false,
		StatusCode: 404,
	}
}

func NewConflictError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "CONFLICT",
		Message:    message,
		Retryable:  false,
		StatusCode: 409,
	}
}

// NewOptimisticLockError marks a version CAS failure on a profile write.
// Retryable: callers re-read and retry up to their budget before surfacing.
func NewOptimisticLockError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeConflict,
		Code:       "OPTIMISTIC_LOCK_CONFLICT",
		Message:    message,
		Retryable:  true,
		StatusCode: 409,
	}
}

func NewInternalError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "INTERNAL_ERROR",
		Message:    message,
		Retryable:  true,
		StatusCode: 500,
	}
}

// NewTransientError marks a storage/bus failure worth retrying with backoff.
func NewTransientError(code, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeTransient,
		Code:       code,
		Message:    message,
		Retryable:  true,
		StatusCode: 503,
	}
}

func NewExternalError(service, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeExternal,
		Code:       "EXTERNAL_SERVICE_ERROR",
		Message:    fmt.Sprintf("%s service error: %s", service, message),
		Retryable:  true,
		StatusCode: 502,
		Details:    map[string]interface{}{"service": service},
	}
}

func NewComplianceError(violation, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeCompliance,
		Code:       "COMPLIANCE_VIOLATION",
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
		Details:    map[string]interface{}{"violation_type": violation},
	}
}

// NewConsentViolationError marks an activation attempt without channel
// consent. Hard refusal, audited as consent_denied, never retried.
func NewConsentViolationError(channel, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeCompliance,
		Code:       "CONSENT_DENIED",
		Message:    message,
		Retryable:  false,
		StatusCode: 403,
		Details:    map[string]interface{}{"channel": channel},
	}
}

// NewGate4ViolationError marks PII leaked into a non-PII field before an
// outbound sync. The sync row is aborted, audited, and alerted.
func NewGate4ViolationError(field, message string) *AppError {
	return &AppError{
		Type:       ErrorTypeCompliance,
		Code:       "GATE4_PII_LEAK",
		Message:    message,
		Retryable:  false,
		StatusCode: 422,
		Details:    map[string]interface{}{"field": field},
	}
}

func NewRateLimitError(message string) *AppError {
	return &AppError{
		Type:       ErrorTypeRateLimit,
		Code:       "RATE_LIMIT_EXCEEDED",
		Message:    message,
		Retryable:  true,
		StatusCode: 429,
	}
}

// NewPartialErasureError marks an erasure cascade that left residuals after
// per-store retries. Remediation is operator-driven, not automatic.
func NewPartialErasureError(studentID string, failedStores []string) *AppError {
	return &AppError{
		Type:       ErrorTypeInternal,
		Code:       "PARTIAL_ERASURE",
		Message:    fmt.Sprintf("erasure incomplete for subject %s", studentID),
		Retryable:  false,
		StatusCode: 500,
		Details: map[string]interface{}{
			"student_id":    studentID,
			"failed_stores": failedStores,
		},
	}
}

// Predefined common errors
var (
	ErrInvalidInput       = NewValidationError("INVALID_INPUT", "Invalid input provided")
	ErrProfileNotFound    = NewNotFoundError("profile")
	ErrConsentNotFound    = NewNotFoundError("consent record")
	ErrUnknownChannel     = NewValidationError("UNKNOWN_CHANNEL", "Unknown consent channel")
	ErrEmptyIdentifier    = NewValidationError("EMPTY_IDENTIFIER", "Identifier value must not be empty")
	ErrIdentifierTooLong  = NewValidationError("IDENTIFIER_TOO_LONG", "Identifier value exceeds 512 characters")
	ErrPublishExhausted   = NewTransientError("PUBLISH_RETRIES_EXHAUSTED", "Publish failed after maximum retries")
	ErrDuplicateProfileID = NewConflictError("Profile ID already exists")
)

// Wrap wraps an error with a message using fmt.Errorf with %w
func Wrap(err error, message string) error {
	if err == nil {
		return nil
	}
	return fmt.Errorf("%s: %w", message, err)
}

// WrapWithCode wraps an error and returns an AppError
func WrapWithCode(err error, code, message string) *AppError {
	appErr := NewInternalError(message).WithCause(err)
	appErr.Code = code
	return appErr
}

// IsType checks if an error is of a specific type
func IsType(err error, errorType ErrorType) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Type == errorType
	}
	return false
}

// IsRetryable checks if an error is retryable
func IsRetryable(err error) bool {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Retryable
	}
	return false
}

// GetCode extracts the machine-readable code from an error
func GetCode(err error) string {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.Code
	}
	return "INTERNAL_ERROR"
}

// GetStatusCode extracts HTTP status code from error
func GetStatusCode(err error) int {
	var appErr *AppError
	if errors.As(err, &appErr) {
		return appErr.StatusCode
	}
	return 500
}
