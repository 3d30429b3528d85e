// Package apierr holds the error kinds every loadoor component boundary
// translates into. Low-level driver and transport errors never cross a
// boundary; they are logged where they happen and replaced by one of these.
package apierr

import (
	"errors"
	"fmt"
)

var (
	// ErrStorageUnavailable is returned for any failed store read or write.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrBackendUnavailable is returned when the job runner backend fails
	// for a reason other than "not found".
	ErrBackendUnavailable = errors.New("job runner backend unavailable")

	// ErrRunNotFound is returned when the backend has no job for a run.
	ErrRunNotFound = errors.New("run not found")

	// ErrJobNotFound is returned when no job definition exists for an id.
	ErrJobNotFound = errors.New("job not found")

	// ErrReportNotFound is returned when no report summary exists.
	ErrReportNotFound = errors.New("report not found")

	// ErrValidation is the kind matched by every ValidationError.
	ErrValidation = errors.New("validation failed")

	// ErrDecode is the kind matched by every DecodeError.
	ErrDecode = errors.New("decode failed")
)

// ValidationError describes a malformed request.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	if e.Field == "" {
		return e.Reason
	}

	return fmt.Sprintf("%s: %s", e.Field, e.Reason)
}

// Is reports ErrValidation as the kind of every ValidationError.
func (e *ValidationError) Is(target error) bool {
	return target == ErrValidation
}

// NewValidationError returns a ValidationError for the given field.
func NewValidationError(field, reason string) error {
	return &ValidationError{Field: field, Reason: reason}
}

// DecodeError describes a stored payload that could not be decoded.
type DecodeError struct {
	Payload string
	Err     error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decoding %s payload: %v", e.Payload, e.Err)
}

func (e *DecodeError) Unwrap() error {
	return e.Err
}

// Is reports ErrDecode as the kind of every DecodeError.
func (e *DecodeError) Is(target error) bool {
	return target == ErrDecode
}

// IsNotFound reports whether err is any of the not-found kinds.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrRunNotFound) ||
		errors.Is(err, ErrJobNotFound) ||
		errors.Is(err, ErrReportNotFound)
}
