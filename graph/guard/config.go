// Package guard provides bounded execution for node evaluation: resource,
// time and recursion limits, precondition validation, error boundaries,
// retry policies, and performance telemetry.
package guard

import (
	"errors"
	"fmt"
	"time"
)

// ViolationPolicy selects what happens when a guardrail limit is exceeded.
type ViolationPolicy int

const (
	// FailFast aborts the current operation with the violation error.
	FailFast ViolationPolicy = iota

	// LogAndContinue records the violation and lets the operation proceed.
	LogAndContinue

	// SwitchToSafeMode records the violation, halves all remaining budgets,
	// and lets execution continue in Safe mode until the context is reset.
	SwitchToSafeMode
)

// String returns the policy name for logging.
func (p ViolationPolicy) String() string {
	switch p {
	case FailFast:
		return "fail_fast"
	case LogAndContinue:
		return "log_and_continue"
	case SwitchToSafeMode:
		return "switch_to_safe_mode"
	default:
		return "unknown"
	}
}

// ErrInvalidConfig is returned by Config.Validate when a limit or threshold
// is out of range. Construction with an invalid config fails; it is never
// retried.
var ErrInvalidConfig = errors.New("invalid guardrail configuration")

// Config holds every guardrail knob enforced by a Context.
//
// Zero is not a usable configuration; start from one of the preset profiles
// (DefaultConfig, TestingConfig, PerformanceConfig, DevelopmentConfig) and
// override fields as needed. Validate reports the first out-of-range value.
type Config struct {
	// MaxEvaluationDuration is the wall-clock deadline for one top-level
	// evaluation call. Exceeding it cancels the evaluation.
	MaxEvaluationDuration time.Duration

	// MaxOperationDuration is the deadline for a single tracked operation
	// (one node evaluation or suboperation).
	MaxOperationDuration time.Duration

	// MaxMemoryBytes bounds the sum of tracked allocations for one
	// evaluation. Exceeding it cancels with a memory limit violation.
	MaxMemoryBytes int64

	// MaxSingleAllocationBytes rejects any single tracked allocation
	// larger than this.
	MaxSingleAllocationBytes int64

	// MaxOperationsPerEvaluation bounds the number of tracked
	// suboperations in one evaluation.
	MaxOperationsPerEvaluation int64

	// MaxRecursionDepth bounds the depth of nested ExecuteWithGuardrails
	// calls. The depth counter is shared by every goroutine using the
	// Context, so operations in flight on other goroutines count toward it
	// as well.
	MaxRecursionDepth int

	// MaxCPUPercent is a sampling target; readings above it emit warnings
	// but never cancel on their own.
	MaxCPUPercent float64

	// MemoryWarningThreshold is the fraction (0..1) of MaxMemoryBytes at
	// which a warning is emitted.
	MemoryWarningThreshold float64

	// PerformanceWarningInterval is the minimum gap between warning
	// emissions.
	PerformanceWarningInterval time.Duration

	// EnablePreconditionValidation turns input size and content checks
	// on or off.
	EnablePreconditionValidation bool

	// MaxPreconditionEntries bounds the number of entries accepted by
	// ValidatePreconditions when validation is enabled.
	MaxPreconditionEntries int

	// MaxPreconditionValueBytes bounds the size of a single string value
	// accepted by ValidatePreconditions.
	MaxPreconditionValueBytes int

	// ForbiddenContent lists substrings rejected by precondition
	// validation.
	ForbiddenContent []string

	// StrictMode elevates warnings to errors.
	StrictMode bool

	// DetailedViolationLogging enables verbose diagnostic output for
	// every violation.
	DetailedViolationLogging bool

	// EnableAutoRecovery switches the context to Safe mode on violation
	// instead of failing, regardless of OnViolation. Equivalent to
	// OnViolation = SwitchToSafeMode for non-fatal limits.
	EnableAutoRecovery bool

	// OnViolation selects the violation policy.
	OnViolation ViolationPolicy
}

// DefaultConfig returns the production profile: generous limits, validation
// on, warnings logged.
func DefaultConfig() Config {
	return Config{
		MaxEvaluationDuration:        30 * time.Second,
		MaxOperationDuration:         5 * time.Second,
		MaxMemoryBytes:               512 << 20, // 512 MiB
		MaxSingleAllocationBytes:     64 << 20,  // 64 MiB
		MaxOperationsPerEvaluation:   100_000,
		MaxRecursionDepth:            64,
		MaxCPUPercent:                85,
		MemoryWarningThreshold:       0.8,
		PerformanceWarningInterval:   5 * time.Second,
		EnablePreconditionValidation: true,
		MaxPreconditionEntries:       1024,
		MaxPreconditionValueBytes:    1 << 20, // 1 MiB
		OnViolation:                  FailFast,
	}
}

// TestingConfig returns tight limits with strict mode on, so tests surface
// violations as hard failures quickly.
func TestingConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxEvaluationDuration = 2 * time.Second
	cfg.MaxOperationDuration = 500 * time.Millisecond
	cfg.MaxMemoryBytes = 32 << 20
	cfg.MaxSingleAllocationBytes = 8 << 20
	cfg.MaxOperationsPerEvaluation = 10_000
	cfg.MaxRecursionDepth = 16
	cfg.MemoryWarningThreshold = 0.5
	cfg.PerformanceWarningInterval = 100 * time.Millisecond
	cfg.StrictMode = true
	return cfg
}

// PerformanceConfig returns loose limits with precondition validation off,
// for hosts that need maximum throughput and trust their nodes.
func PerformanceConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxEvaluationDuration = 5 * time.Minute
	cfg.MaxOperationDuration = time.Minute
	cfg.MaxMemoryBytes = 4 << 30
	cfg.MaxSingleAllocationBytes = 512 << 20
	cfg.MaxOperationsPerEvaluation = 10_000_000
	cfg.MaxRecursionDepth = 256
	cfg.EnablePreconditionValidation = false
	cfg.OnViolation = LogAndContinue
	return cfg
}

// DevelopmentConfig returns moderate limits with verbose violation logging
// and auto recovery enabled.
func DevelopmentConfig() Config {
	cfg := DefaultConfig()
	cfg.MaxEvaluationDuration = time.Minute
	cfg.MaxOperationDuration = 10 * time.Second
	cfg.DetailedViolationLogging = true
	cfg.EnableAutoRecovery = true
	cfg.OnViolation = SwitchToSafeMode
	return cfg
}

// Validate checks every limit and threshold. Durations must be positive,
// byte and count budgets non-negative, fractions within [0, 1].
func (c Config) Validate() error {
	if c.MaxEvaluationDuration <= 0 {
		return fmt.Errorf("%w: MaxEvaluationDuration must be positive, got %v", ErrInvalidConfig, c.MaxEvaluationDuration)
	}
	if c.MaxOperationDuration <= 0 {
		return fmt.Errorf("%w: MaxOperationDuration must be positive, got %v", ErrInvalidConfig, c.MaxOperationDuration)
	}
	if c.PerformanceWarningInterval <= 0 {
		return fmt.Errorf("%w: PerformanceWarningInterval must be positive, got %v", ErrInvalidConfig, c.PerformanceWarningInterval)
	}
	if c.MaxMemoryBytes < 0 {
		return fmt.Errorf("%w: MaxMemoryBytes must be non-negative, got %d", ErrInvalidConfig, c.MaxMemoryBytes)
	}
	if c.MaxSingleAllocationBytes < 0 {
		return fmt.Errorf("%w: MaxSingleAllocationBytes must be non-negative, got %d", ErrInvalidConfig, c.MaxSingleAllocationBytes)
	}
	if c.MaxOperationsPerEvaluation < 0 {
		return fmt.Errorf("%w: MaxOperationsPerEvaluation must be non-negative, got %d", ErrInvalidConfig, c.MaxOperationsPerEvaluation)
	}
	if c.MaxRecursionDepth < 0 {
		return fmt.Errorf("%w: MaxRecursionDepth must be non-negative, got %d", ErrInvalidConfig, c.MaxRecursionDepth)
	}
	if c.MemoryWarningThreshold < 0 || c.MemoryWarningThreshold > 1 {
		return fmt.Errorf("%w: MemoryWarningThreshold must be within [0, 1], got %g", ErrInvalidConfig, c.MemoryWarningThreshold)
	}
	if c.MaxCPUPercent < 0 || c.MaxCPUPercent > 100 {
		return fmt.Errorf("%w: MaxCPUPercent must be within [0, 100], got %g", ErrInvalidConfig, c.MaxCPUPercent)
	}
	return nil
}

// halved returns a copy of the config with all budgets cut in half. Used
// when the context enters Safe mode.
func (c Config) halved() Config {
	out := c
	out.MaxEvaluationDuration = c.MaxEvaluationDuration / 2
	out.MaxOperationDuration = c.MaxOperationDuration / 2
	out.MaxMemoryBytes = c.MaxMemoryBytes / 2
	out.MaxSingleAllocationBytes = c.MaxSingleAllocationBytes / 2
	out.MaxOperationsPerEvaluation = c.MaxOperationsPerEvaluation / 2
	out.MaxRecursionDepth = c.MaxRecursionDepth / 2
	return out
}
