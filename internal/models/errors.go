package models

import (
	"errors"
	"fmt"
)

// ErrNotFound marks lookups of unknown sessions or groups. Callers wrap it
// with context: fmt.Errorf("get session %s: %w", id, models.ErrNotFound).
var ErrNotFound = errors.New("not found")

// ValidationError rejects malformed identifiers or payloads before they are
// persisted.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

// Validationf builds a ValidationError for a field.
func Validationf(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// IsValidation reports whether err is (or wraps) a ValidationError.
func IsValidation(err error) bool {
	var ve *ValidationError
	return errors.As(err, &ve)
}

// StateInconsistency marks stored state that contradicts itself, e.g. an
// escalation request for a group with no issue history. It is logged and
// resolved through a safe default path rather than crashing the engine.
type StateInconsistency struct {
	Detail string
}

func (e *StateInconsistency) Error() string {
	return "state inconsistency: " + e.Detail
}
