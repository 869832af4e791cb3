package model

import (
	"errors"
	"fmt"
)

var (
	// ErrValidation matches any *ValidationError via errors.Is.
	ErrValidation = errors.New("validation failed")
	// ErrInvalidTransition matches any *TransitionError via errors.Is.
	ErrInvalidTransition = errors.New("invalid status transition")
	ErrNotFound          = errors.New("not found")
	// ErrDownstreamUnavailable marks transient failures of the trading/funding collaborator.
	ErrDownstreamUnavailable = errors.New("downstream unavailable")
	// ErrConsistency is returned when a write would persist internally inconsistent data.
	ErrConsistency = errors.New("consistency violation")
	// ErrConcurrentUpdate is returned by a store when a compare-and-swap write lost the race.
	ErrConcurrentUpdate = errors.New("concurrent update")
)

// ValidationError reports malformed input together with the failing field.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

// Invalid is shorthand for building a *ValidationError.
func Invalid(field, format string, args ...any) error {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// TransitionError reports a lifecycle move the state machine does not allow.
// Op is set instead of To for operations that keep the status (update).
type TransitionError struct {
	ScheduleID string
	From       Status
	To         Status
	Op         string
}

func (e *TransitionError) Error() string {
	if e.Op != "" {
		return fmt.Sprintf("schedule %s: cannot %s while %s", e.ScheduleID, e.Op, e.From)
	}
	return fmt.Sprintf("schedule %s: cannot move from %s to %s", e.ScheduleID, e.From, e.To)
}

func (e *TransitionError) Is(target error) bool { return target == ErrInvalidTransition }
