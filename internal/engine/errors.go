package engine

import (
	"fmt"
	"strings"

	"bountyline/internal/validation"
)

// PreconditionError reports a transition that is illegal from the listing's
// current state. It is a 400-class error.
type PreconditionError struct {
	Action Action
	State  State
	Reason string
}

func (e PreconditionError) Error() string {
	return fmt.Sprintf("cannot %s listing in state %s: %s", e.Action, e.State, e.Reason)
}

// RaceError reports that the state changed between the initial read and the
// write. Callers treat it as the wrapped PreconditionError.
type RaceError struct {
	Precondition PreconditionError
}

func (e RaceError) Error() string {
	return "listing changed concurrently: " + e.Precondition.Error()
}

func (e RaceError) Unwrap() error {
	return e.Precondition
}

type ValidationError struct {
	Violations []validation.Violation
}

func (e ValidationError) Error() string {
	parts := make([]string, 0, len(e.Violations))
	for _, v := range e.Violations {
		parts = append(parts, v.String())
	}
	return "validation failed: " + strings.Join(parts, "; ")
}
