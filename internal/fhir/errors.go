package fhir

import (
	"errors"
	"fmt"
	"net/http"
)

// Error taxonomy for the orchestration engine. Callers wrap these sentinels
// with %w and map them to HTTP statuses via StatusFor.
var (
	// ErrValidation covers unknown resource types, unsupported search
	// parameters, and malformed values.
	ErrValidation = errors.New("validation failed")

	// ErrNotFound is returned when a live read targets an absent resource.
	ErrNotFound = errors.New("resource not found")

	// ErrGone is returned when a tombstone exists for the id, or when a
	// pagination token has expired or is unknown.
	ErrGone = errors.New("resource gone")

	// ErrPreconditionFailed is returned when a conditional operation matches
	// more than one resource.
	ErrPreconditionFailed = errors.New("precondition failed")

	// ErrConflict is returned when transactional contention survives the
	// gateway's retries.
	ErrConflict = errors.New("transaction conflict")

	// ErrUnavailable is returned when the storage layer is unreachable: open
	// circuit breaker, timeout, or connection loss.
	ErrUnavailable = errors.New("storage unavailable")

	// ErrNotEnabled is returned for data-path operations against a bucket
	// without a fhir-config document.
	ErrNotEnabled = errors.New("bucket is not FHIR-enabled")
)

// UnsupportedTypeError marks a resource type with no mapping entry.
func UnsupportedTypeError(resourceType string) error {
	return fmt.Errorf("%w: unsupported resource type %q", ErrValidation, resourceType)
}

// IsNotFound reports whether err is (or wraps) ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsGone reports whether err is (or wraps) ErrGone.
func IsGone(err error) bool {
	return errors.Is(err, ErrGone)
}

// IsNotEnabled reports whether err is (or wraps) ErrNotEnabled.
func IsNotEnabled(err error) bool {
	return errors.Is(err, ErrNotEnabled)
}

// StatusFor maps an engine error to an HTTP status code.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotEnabled):
		return http.StatusBadRequest
	case errors.Is(err, ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, ErrGone):
		return http.StatusGone
	case errors.Is(err, ErrPreconditionFailed):
		return http.StatusPreconditionFailed
	case errors.Is(err, ErrConflict):
		return http.StatusConflict
	case errors.Is(err, ErrUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

// IssueCodeFor maps an engine error to a FHIR OperationOutcome issue code.
func IssueCodeFor(err error) string {
	switch {
	case errors.Is(err, ErrValidation), errors.Is(err, ErrNotEnabled):
		return "invalid"
	case errors.Is(err, ErrNotFound):
		return "not-found"
	case errors.Is(err, ErrGone):
		return "deleted"
	case errors.Is(err, ErrPreconditionFailed):
		return "multiple-matches"
	case errors.Is(err, ErrConflict):
		return "conflict"
	case errors.Is(err, ErrUnavailable):
		return "transient"
	default:
		return "exception"
	}
}
