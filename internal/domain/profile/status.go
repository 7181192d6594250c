package profile

import "github.com/eduflowhq/cdp-backend/internal/domain/errors"

// EnrollmentStatus tracks a student's position in the enrollment funnel.
type EnrollmentStatus string

const (
	StatusAnonymous   EnrollmentStatus = "anonymous"
	StatusInquiry     EnrollmentStatus = "inquiry"
	StatusApplication EnrollmentStatus = "application"
	StatusEnrollment  EnrollmentStatus = "enrollment"
	StatusActive      EnrollmentStatus = "active"
	StatusAlumni      EnrollmentStatus = "alumni"
	StatusChurned     EnrollmentStatus = "churned"
)

var statusRank = map[EnrollmentStatus]int{
	StatusAnonymous:   0,
	StatusInquiry:     1,
	StatusApplication: 2,
	StatusEnrollment:  3,
	StatusActive:      4,
	StatusAlumni:      5,
	StatusChurned:     6,
}

// ParseEnrollmentStatus converts a raw string into an EnrollmentStatus.
func ParseEnrollmentStatus(s string) (EnrollmentStatus, error) {
	status := EnrollmentStatus(s)
	if !status.Valid() {
		return "", errors.NewValidationError("INVALID_ENROLLMENT_STATUS",
			"unknown enrollment status: "+s)
	}
	return status, nil
}

// Valid reports whether the status is a known funnel stage.
func (s EnrollmentStatus) Valid() bool {
	_, ok := statusRank[s]
	return ok
}

// Before reports whether s is an earlier funnel stage than other.
func (s EnrollmentStatus) Before(other EnrollmentStatus) bool {
	return statusRank[s] < statusRank[other]
}

func (s EnrollmentStatus) String() string {
	return string(s)
}
