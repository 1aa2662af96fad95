package pipeline

import (
	"context"
	"errors"
	"fmt"
)

// FailureKind classifies a stage failure. Every collaborator error is
// caught at the stage boundary and folded into exactly one kind; no raw
// upstream error escapes the orchestrator.
type FailureKind string

const (
	// FailureValidation marks malformed input rejected before any stage ran.
	FailureValidation FailureKind = "validation"
	// FailureTimeout marks a stage that exceeded its bounded wait.
	FailureTimeout FailureKind = "upstream_timeout"
	// FailureRejected marks a well-formed business-level refusal from
	// upstream, such as a rate limit or an empty result set.
	FailureRejected FailureKind = "upstream_rejected"
	// FailureUnavailable marks a transport or connectivity failure.
	FailureUnavailable FailureKind = "upstream_unavailable"
	// FailureInconsistent marks a stage that found no artifacts where an
	// earlier stage reported success. Always fatal.
	FailureInconsistent FailureKind = "inconsistent_state"
)

// ValidationError indicates the request was rejected before any stage
// executed; no side effects exist.
type ValidationError struct {
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("validation failed: %s", e.Reason)
}

// RejectedError indicates upstream reported a business-level failure.
type RejectedError struct {
	Service string
	Reason  string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("%s rejected the request: %s", e.Service, e.Reason)
}

// UnavailableError indicates a transport or connectivity failure talking
// to a collaborator.
type UnavailableError struct {
	Service string
	Err     error
}

func (e *UnavailableError) Error() string {
	return fmt.Sprintf("%s unavailable: %v", e.Service, e.Err)
}

func (e *UnavailableError) Unwrap() error {
	return e.Err
}

// InFlightError indicates another run for the same partition key has not
// finished yet.
type InFlightError struct {
	PartitionKey string
}

func (e *InFlightError) Error() string {
	return fmt.Sprintf("a run for %s is already in flight", e.PartitionKey)
}

// InconsistentStateError indicates a later stage found no artifacts where
// an earlier stage reported success.
type InconsistentStateError struct {
	Reason string
}

func (e *InconsistentStateError) Error() string {
	return fmt.Sprintf("inconsistent pipeline state: %s", e.Reason)
}

// Classify maps a stage-boundary error onto its failure kind.
func Classify(err error) FailureKind {
	if errors.Is(err, context.DeadlineExceeded) {
		return FailureTimeout
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return FailureValidation
	}
	var inconsistent *InconsistentStateError
	if errors.As(err, &inconsistent) {
		return FailureInconsistent
	}
	var rejected *RejectedError
	if errors.As(err, &rejected) {
		return FailureRejected
	}
	var unavailable *UnavailableError
	if errors.As(err, &unavailable) {
		return FailureUnavailable
	}

	// Unknown errors are treated as connectivity-class failures.
	return FailureUnavailable
}
