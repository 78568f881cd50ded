package errs

import (
	"errors"
	"fmt"
)

// Sentinel categories for the subsystem. Callers match with errors.Is.
var (
	ErrValidation          = errors.New("validation error")
	ErrInvalidTransition   = errors.New("invalid transition")
	ErrNotFound            = errors.New("not found")
	ErrConcurrencyConflict = errors.New("concurrency conflict")
)

// Validation wraps a field-level input problem.
func Validation(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

// InvalidTransition reports a lifecycle state machine violation.
func InvalidTransition(from, to string) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
}

// NotFound reports a missing entity by kind and id.
func NotFound(kind, id string) error {
	return fmt.Errorf("%w: %s %s", ErrNotFound, kind, id)
}

// ConcurrencyConflict reports that the per-vehicle critical section could
// not be acquired within the configured wait bound.
func ConcurrencyConflict(vehicleID string) error {
	return fmt.Errorf("%w: vehicle %s ingestion lock wait exceeded", ErrConcurrencyConflict, vehicleID)
}
