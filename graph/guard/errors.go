package guard

import (
	"context"
	"errors"
	"fmt"
)

// ErrTransientResource marks a resource-acquisition failure that is safe to
// retry. Wrap it (errors.Join or fmt.Errorf with %w) so ExecuteResilient
// recognizes the failure as retry-eligible.
var ErrTransientResource = errors.New("transient resource failure")

// ErrCancelled is returned when a guarded operation observes cancellation
// at a suspension point. The returned error wraps ErrCancelled and carries
// the underlying context error's message.
var ErrCancelled = errors.New("operation cancelled")

// LimitError reports a guardrail violation: which limit was exceeded, the
// observed value, and the configured maximum.
//
// Observed and Max are in the limit's natural unit: milliseconds for
// durations, bytes for memory, plain counts for operations and recursion.
type LimitError struct {
	// Limit names the violated limit: "evaluation_timeout",
	// "operation_timeout", "memory", "single_allocation", "operations",
	// "recursion", "panic_mode".
	Limit string

	// Observed is the value that tripped the limit.
	Observed int64

	// Max is the configured bound.
	Max int64
}

// Error implements the error interface.
func (e *LimitError) Error() string {
	return fmt.Sprintf("guardrail violation: %s limit exceeded (observed %d, max %d)", e.Limit, e.Observed, e.Max)
}

// PreconditionError reports a failed precondition check with per-entry
// details.
type PreconditionError struct {
	// Details maps the offending entry name to the reason it was
	// rejected.
	Details map[string]string
}

// Error implements the error interface.
func (e *PreconditionError) Error() string {
	return fmt.Sprintf("precondition validation failed for %d entries", len(e.Details))
}

// IsViolation reports whether err is a guardrail limit violation.
func IsViolation(err error) bool {
	var le *LimitError
	return errors.As(err, &le)
}

// IsCancelled reports whether err represents cancellation, either via
// ErrCancelled or a raw context error.
func IsCancelled(err error) bool {
	return errors.Is(err, ErrCancelled) ||
		errors.Is(err, context.Canceled) ||
		errors.Is(err, context.DeadlineExceeded)
}

// retryable reports whether err is on the denylist-exempt set of transient
// kinds. Timeouts, cancellation, violations, configuration and precondition
// failures never retry; only failures marked ErrTransientResource do.
func retryable(err error) bool {
	if err == nil {
		return false
	}
	if IsCancelled(err) || IsViolation(err) {
		return false
	}
	if errors.Is(err, ErrInvalidConfig) {
		return false
	}
	var pe *PreconditionError
	if errors.As(err, &pe) {
		return false
	}
	return errors.Is(err, ErrTransientResource)
}
