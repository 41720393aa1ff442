package domain

import (
	"errors"
	"fmt"
	"strings"
)

var (
	ErrValidation             = errors.New("validation failed")
	ErrIllegalStateTransition = errors.New("illegal state transition")
	ErrDuplicateFireEvent     = errors.New("duplicate fire event")
	ErrDispatchFailure        = errors.New("dispatch failed")
	ErrCapacityExhausted      = errors.New("no worker capacity available")
	ErrSLAViolation           = errors.New("sla violated")
	ErrVersionConflict        = errors.New("version conflict")
	ErrNotFound               = errors.New("not found")
	ErrConflict               = errors.New("already exists")
	ErrCalendarConfig         = errors.New("calendar has no business days")
)

// ValidationError collects every problem found while checking a definition.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "validation failed: " + strings.Join(e.Problems, "; ")
}

func (e *ValidationError) Is(target error) bool { return target == ErrValidation }

func (e *ValidationError) add(format string, args ...any) {
	e.Problems = append(e.Problems, fmt.Sprintf(format, args...))
}

func (e *ValidationError) orNil() error {
	if e == nil || len(e.Problems) == 0 {
		return nil
	}
	return e
}

// TransitionError reports a state machine misuse on a Run or Worker.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	Action string
}

func (e *TransitionError) Error() string {
	return fmt.Sprintf("%s %s: cannot %s from %s", e.Entity, e.ID, e.Action, e.From)
}

func (e *TransitionError) Is(target error) bool { return target == ErrIllegalStateTransition }

// DispatchError wraps a target invocation failure, including timeouts.
type DispatchError struct {
	Kind TargetKind
	Err  error
}

func (e *DispatchError) Error() string {
	return fmt.Sprintf("dispatch %s: %v", strings.ToLower(string(e.Kind)), e.Err)
}

func (e *DispatchError) Is(target error) bool { return target == ErrDispatchFailure }

func (e *DispatchError) Unwrap() error { return e.Err }
