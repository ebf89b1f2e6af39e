package patientflow

import (
	"errors"
	"fmt"
)

// Errors returned by the queue store. Callers match them with errors.Is.
var (
	ErrEntryNotFound            = errors.New("queue entry not found")
	ErrInvalidStateTransition   = errors.New("invalid state transition")
	ErrValidation               = errors.New("validation error")
	ErrDuplicateTokenAllocation = errors.New("duplicate token allocation")
)

func validationError(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func transitionError(from, to Status) error {
	return fmt.Errorf("%w: %s -> %s", ErrInvalidStateTransition, from, to)
}
