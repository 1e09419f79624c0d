// Package fault decides what happens to failed units of work: retry with
// backoff, requeue, rollback-and-escalate, or permanent failure. It also owns
// the per-kind circuit breakers that shield flapping executors.
package fault

import (
	"context"
	"errors"
	"fmt"

	"github.com/sony/gobreaker"
)

// Category classifies a failure for the decision table. First match wins.
type Category int

const (
	CategoryUnknown Category = iota
	CategoryTransient
	CategoryResourceUnavailable
	CategoryValidation
)

func (c Category) String() string {
	switch c {
	case CategoryTransient:
		return "transient"
	case CategoryResourceUnavailable:
		return "resource_unavailable"
	case CategoryValidation:
		return "validation_failed"
	default:
		return "unknown"
	}
}

// TransientError marks a failure as retryable (network/timeout-like).
type TransientError struct {
	Err error
}

func (e *TransientError) Error() string { return fmt.Sprintf("transient: %v", e.Err) }
func (e *TransientError) Unwrap() error { return e.Err }

// ResourceUnavailableError marks a failure caused by a missing or busy
// resource. Requeued after a fixed wait, not counted against retries.
type ResourceUnavailableError struct {
	Err error
}

func (e *ResourceUnavailableError) Error() string {
	return fmt.Sprintf("resource unavailable: %v", e.Err)
}
func (e *ResourceUnavailableError) Unwrap() error { return e.Err }

// ValidationError marks a failure as permanent: the input itself is bad.
// Never retried.
type ValidationError struct {
	Err error
}

func (e *ValidationError) Error() string { return fmt.Sprintf("validation failed: %v", e.Err) }
func (e *ValidationError) Unwrap() error { return e.Err }

// Transient wraps err as a transient failure.
func Transient(err error) error { return &TransientError{Err: err} }

// ResourceUnavailable wraps err as a resource-unavailable failure.
func ResourceUnavailable(err error) error { return &ResourceUnavailableError{Err: err} }

// Validation wraps err as a validation failure.
func Validation(err error) error { return &ValidationError{Err: err} }

// Classify maps an error onto the taxonomy. Task timeouts are transient; an
// open circuit counts as resource-unavailable so requeues don't burn retries.
func Classify(err error) Category {
	if err == nil {
		return CategoryUnknown
	}

	var validation *ValidationError
	if errors.As(err, &validation) {
		return CategoryValidation
	}

	var unavailable *ResourceUnavailableError
	if errors.As(err, &unavailable) {
		return CategoryResourceUnavailable
	}
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return CategoryResourceUnavailable
	}

	var transient *TransientError
	if errors.As(err, &transient) {
		return CategoryTransient
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return CategoryTransient
	}

	return CategoryUnknown
}
