package domain

import (
	"errors"
	"fmt"
)

var (
	// ErrJobNotFound is returned when a job cannot be found in the store.
	ErrJobNotFound = errors.New("job not found")

	// ErrJobNotClaimable is returned when a conditional transition to
	// RUNNING matched no row (another caller won the race, or the job is
	// in a state the transition does not cover).
	ErrJobNotClaimable = errors.New("job not claimable")

	// ErrQueueEmpty is returned when a subject has no queued jobs to pop.
	ErrQueueEmpty = errors.New("no queued jobs for subject")
)

// GenerationError wraps a failure of the external generation call: the
// endpoint stayed unreachable across retries, or returned text that was
// unusable even after repair.
type GenerationError struct {
	Stage string
	Err   error
}

func (e *GenerationError) Error() string {
	if e.Stage != "" {
		return fmt.Sprintf("generation failed at %s: %v", e.Stage, e.Err)
	}
	return fmt.Sprintf("generation failed: %v", e.Err)
}

func (e *GenerationError) Unwrap() error { return e.Err }

// RepairError means structural recovery of malformed model output was not
// possible. Callers treat it exactly like a GenerationError.
type RepairError struct {
	Reason string
}

func (e *RepairError) Error() string {
	return "unrepairable structured output: " + e.Reason
}

// ValidationError means a stage parsed successfully but its output failed
// a minimum-content check. It rides the same attempt-accounting path as
// generation failures.
type ValidationError struct {
	Stage  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s validation failed: %s", e.Stage, e.Reason)
}
