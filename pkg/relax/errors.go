package relax

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrMissingCollaborator is returned by New when a required
	// collaborator is nil.
	ErrMissingCollaborator = errors.New("missing collaborator")

	// ErrConcurrentJob is returned when another live process already
	// operates on the same relaxation root.
	ErrConcurrentJob = errors.New("another job is running on this root")

	// ErrRetriesExhausted is returned when a run reached the configured
	// error limit. The failed attempt is left in place.
	ErrRetriesExhausted = errors.New("solver retries exhausted")

	// ErrEmptyTrace is returned when a complete run recorded no energies
	// but an energy comparison needs one.
	ErrEmptyTrace = errors.New("empty energy trace")

	// ErrMissingBaseInput is returned when a relax task finds no base
	// input snapshot in the root.
	ErrMissingBaseInput = errors.New("base input snapshot missing")
)

// FailureError reports the failure that exhausted the retries of a run.
type FailureError struct {
	// RunDir is the failed attempt, left in place.
	RunDir string

	// ErrorDirs are the earlier quarantined attempts of the same run.
	ErrorDirs []string

	// Failure is the first failure reported by the last attempt.
	Failure Failure
}

func (e *FailureError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "relax: %s after %d attempts", e.RunDir, len(e.ErrorDirs)+1)
	if e.Failure != nil {
		fmt.Fprintf(&b, ": %s: %s", e.Failure.Class(), e.Failure.Error())
	}
	return b.String()
}

func (e *FailureError) Unwrap() []error {
	if e.Failure == nil {
		return []error{ErrRetriesExhausted}
	}
	return []error{ErrRetriesExhausted, e.Failure}
}
