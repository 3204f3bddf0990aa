package guard

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/time/rate"
)

// Context wraps node evaluation with the configured guardrails: limit
// validation, scoped operation tracking, error boundaries, retry, resource
// accounting and telemetry. One Context serves one Engine; it is safe for
// concurrent use by multiple evaluations.
//
// Capability handles for the renderer, audio and resource subsystems are
// carried opaquely; the engine never interprets them and nodes retrieve
// them through the accessors.
type Context struct {
	mu  sync.RWMutex
	cfg Config

	state   *ExecutionState
	monitor *PerformanceMonitor
	logger  zerolog.Logger

	// warnLimiter throttles warning emission to one per
	// PerformanceWarningInterval.
	warnLimiter *rate.Limiter

	renderer  any
	audio     any
	resources any
}

// Option configures a Context at construction.
type Option func(*Context)

// WithLogger sets the structured logger. Defaults to a disabled logger.
func WithLogger(logger zerolog.Logger) Option {
	return func(c *Context) { c.logger = logger }
}

// WithMonitor injects a shared performance monitor instead of a fresh one.
func WithMonitor(m *PerformanceMonitor) Option {
	return func(c *Context) { c.monitor = m }
}

// WithRenderer attaches the opaque renderer capability handle.
func WithRenderer(h any) Option {
	return func(c *Context) { c.renderer = h }
}

// WithAudio attaches the opaque audio capability handle.
func WithAudio(h any) Option {
	return func(c *Context) { c.audio = h }
}

// WithResources attaches the opaque resource-manager capability handle.
func WithResources(h any) Option {
	return func(c *Context) { c.resources = h }
}

// NewContext validates cfg and builds a Context around it. Construction
// fails on an invalid configuration; that failure is never retried.
func NewContext(cfg Config, opts ...Option) (*Context, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	c := &Context{
		cfg:         cfg,
		logger:      zerolog.New(io.Discard),
		warnLimiter: rate.NewLimiter(rate.Every(cfg.PerformanceWarningInterval), 1),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.monitor == nil {
		c.monitor = NewPerformanceMonitor()
	}
	c.state = newExecutionState(c.monitor)
	return c, nil
}

// NewTestContext builds a Context with the testing profile and panics on
// configuration errors. Intended for tests that need a ready context
// without error plumbing.
func NewTestContext(opts ...Option) *Context {
	c, err := NewContext(TestingConfig(), opts...)
	if err != nil {
		panic(err)
	}
	return c
}

// Config returns the effective configuration: the configured limits, or
// halved budgets while the context is in Safe mode.
func (c *Context) Config() Config {
	c.mu.RLock()
	cfg := c.cfg
	c.mu.RUnlock()
	if c.state.Mode() == Safe {
		return cfg.halved()
	}
	return cfg
}

// State returns the execution state for limit queries.
func (c *Context) State() *ExecutionState { return c.state }

// Monitor returns the performance monitor.
func (c *Context) Monitor() *PerformanceMonitor { return c.monitor }

// Logger returns the structured logger.
func (c *Context) Logger() *zerolog.Logger { return &c.logger }

// Renderer returns the opaque renderer capability handle.
func (c *Context) Renderer() any { return c.renderer }

// Audio returns the opaque audio capability handle.
func (c *Context) Audio() any { return c.audio }

// Resources returns the opaque resource-manager capability handle.
func (c *Context) Resources() any { return c.resources }

// BeginEvaluation restarts the per-evaluation clock and counters. Safe
// mode persists across evaluations; only Reset returns it to Normal.
func (c *Context) BeginEvaluation() { c.state.beginEvaluation() }

// Reset clears all counters, the violation buffer, and returns the context
// to Normal mode with full budgets.
func (c *Context) Reset() { c.state.Reset() }

// ValidateCanProceed checks every limit against the effective
// configuration in the fixed priority order
// timeout > memory > operations > recursion. Nodes call this periodically
// inside long loops as their cooperative checkpoint.
func (c *Context) ValidateCanProceed(opName string) error {
	if err := c.state.ValidateCanProceed(c.Config()); err != nil {
		var le *LimitError
		if errors.As(err, &le) && c.cfg.DetailedViolationLogging {
			c.logger.Debug().Str("operation", opName).Str("limit", le.Limit).
				Int64("observed", le.Observed).Int64("max", le.Max).
				Msg("validate_can_proceed failed")
		}
		return err
	}
	return nil
}

// ExecuteWithGuardrails runs op inside a tracked operation scope. The
// scope is admitted only if every limit holds (subject to the violation
// policy), the operation duration is recorded on every exit path, and a
// per-operation deadline overrun is reported as a violation afterwards.
func (c *Context) ExecuteWithGuardrails(ctx context.Context, name string, op func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	cfg := c.Config()
	if c.state.Mode() == Panic {
		return nil, &LimitError{Limit: "panic_mode", Observed: 1, Max: 0}
	}
	if err := c.state.ValidateCanProceed(cfg); err != nil {
		if verr := c.handleViolation(name, err); verr != nil {
			return nil, verr
		}
	}

	scope := c.state.startOperation(name)
	defer scope.End()

	out, err := op(ctx)
	scope.End()

	if err != nil {
		return nil, err
	}

	if cfg.MaxOperationDuration > 0 && scope.Duration() > cfg.MaxOperationDuration {
		v := &LimitError{
			Limit:    "operation_timeout",
			Observed: scope.Duration().Milliseconds(),
			Max:      cfg.MaxOperationDuration.Milliseconds(),
		}
		if verr := c.handleViolation(name, v); verr != nil {
			return out, verr
		}
	}
	return out, nil
}

// ExecuteWithGuardrailsAsync runs op under both the caller's context and
// the per-operation deadline. Cancellation is checked before the operation
// starts; a tripped deadline or external cancel returns ErrCancelled
// without waiting for an uncooperative op to finish (its result is
// discarded).
func (c *Context) ExecuteWithGuardrailsAsync(ctx context.Context, name string, op func(context.Context) (any, error)) (any, error) {
	if err := ctx.Err(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCancelled, err)
	}

	cfg := c.Config()
	opCtx := ctx
	var cancel context.CancelFunc
	if cfg.MaxOperationDuration > 0 {
		opCtx, cancel = context.WithTimeout(ctx, cfg.MaxOperationDuration)
		defer cancel()
	}

	type outcome struct {
		value any
		err   error
	}
	done := make(chan outcome, 1)

	go func() {
		v, err := c.ExecuteWithGuardrails(opCtx, name, op)
		done <- outcome{value: v, err: err}
	}()

	select {
	case <-opCtx.Done():
		return nil, fmt.Errorf("%w: %v", ErrCancelled, opCtx.Err())
	case res := <-done:
		return res.value, res.err
	}
}

// TryExecuteWithErrorBoundary runs op under guardrails and captures the
// outcome instead of propagating it: cancellation is reported separately
// from other failures, and neither escapes to the caller as a panic or
// unclassified error.
func (c *Context) TryExecuteWithErrorBoundary(ctx context.Context, name string, op func(context.Context) (any, error)) (value any, cancelled bool, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("operation %s panicked: %v", name, r)
			c.logger.Error().Str("operation", name).Interface("panic", r).Msg("error boundary captured panic")
		}
	}()

	value, err = c.ExecuteWithGuardrails(ctx, name, op)
	if err != nil && IsCancelled(err) {
		return nil, true, err
	}
	return value, false, err
}

// TrackResourceAllocation accounts bytes of kind against the memory
// budgets. A single allocation above MaxSingleAllocationBytes is rejected
// outright; crossing the warning threshold emits at most one warning per
// PerformanceWarningInterval (an error in strict mode). The hard memory
// cap itself is enforced at the next ValidateCanProceed.
func (c *Context) TrackResourceAllocation(kind string, bytes int64) error {
	cfg := c.Config()

	if cfg.MaxSingleAllocationBytes > 0 && bytes > cfg.MaxSingleAllocationBytes {
		v := &LimitError{Limit: "single_allocation", Observed: bytes, Max: cfg.MaxSingleAllocationBytes}
		if verr := c.handleViolation(kind, v); verr != nil {
			return verr
		}
		return nil
	}

	total := c.state.trackAllocation(bytes)
	c.monitor.RecordMetric("alloc."+kind, float64(bytes), "bytes")

	if cfg.MaxMemoryBytes > 0 && cfg.MemoryWarningThreshold > 0 {
		threshold := int64(float64(cfg.MaxMemoryBytes) * cfg.MemoryWarningThreshold)
		if total > threshold {
			if c.cfg.StrictMode {
				return &LimitError{Limit: "memory", Observed: total, Max: cfg.MaxMemoryBytes}
			}
			c.warn(func(e *zerolog.Event) {
				e.Str("kind", kind).Int64("allocated", total).Int64("max", cfg.MaxMemoryBytes).
					Msg("tracked allocations above warning threshold")
			})
		}
	}
	return nil
}

// ValidatePreconditions applies the configured size and content checks to
// the input map. Returns nil when validation is disabled or every entry
// passes; otherwise a PreconditionError detailing each rejected entry.
func (c *Context) ValidatePreconditions(inputs map[string]any) error {
	cfg := c.Config()
	if !cfg.EnablePreconditionValidation {
		return nil
	}

	details := make(map[string]string)
	if cfg.MaxPreconditionEntries > 0 && len(inputs) > cfg.MaxPreconditionEntries {
		details["(entries)"] = fmt.Sprintf("input count %d exceeds maximum %d", len(inputs), cfg.MaxPreconditionEntries)
	}
	for name, value := range inputs {
		s, ok := value.(string)
		if !ok {
			continue
		}
		if cfg.MaxPreconditionValueBytes > 0 && len(s) > cfg.MaxPreconditionValueBytes {
			details[name] = fmt.Sprintf("value size %d exceeds maximum %d", len(s), cfg.MaxPreconditionValueBytes)
			continue
		}
		for _, forbidden := range cfg.ForbiddenContent {
			if forbidden != "" && containsFold(s, forbidden) {
				details[name] = fmt.Sprintf("value contains forbidden content %q", forbidden)
				break
			}
		}
	}

	if len(details) == 0 {
		return nil
	}
	return &PreconditionError{Details: details}
}

// ExecuteResilient wraps op with retry: up to maxRetries additional
// attempts, each in a fresh operation scope, delayed by the policy.
// Only failures wrapping ErrTransientResource retry; timeouts,
// cancellation, violations and configuration errors return immediately.
func (c *Context) ExecuteResilient(ctx context.Context, name string, op func(context.Context) (any, error), maxRetries int, policy RetryPolicy) (any, error) {
	if policy == nil {
		policy = LinearBackoff{Base: 100 * time.Millisecond}
	}

	var lastErr error
	for attempt := 0; ; attempt++ {
		out, err := c.ExecuteWithGuardrails(ctx, name, op)
		if err == nil {
			return out, nil
		}
		lastErr = err

		if !retryable(err) || attempt >= maxRetries {
			return nil, lastErr
		}

		c.logger.Debug().Str("operation", name).Int("attempt", attempt).
			Err(err).Msg("retrying transient failure")

		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("%w: %v", ErrCancelled, ctx.Err())
		case <-time.After(policy.Delay(attempt)):
		}
	}
}

// WatchCPU samples host CPU utilization every interval until ctx is done,
// emitting a throttled warning whenever the reading is above
// MaxCPUPercent. Sampling never cancels work on its own.
func (c *Context) WatchCPU(ctx context.Context, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				percent, above, err := c.monitor.SampleCPU(c.cfg.MaxCPUPercent)
				if err != nil {
					continue
				}
				c.monitor.RecordMetric("cpu_percent", percent, "percent")
				if above {
					c.warn(func(e *zerolog.Event) {
						e.Float64("cpu_percent", percent).Float64("max", c.cfg.MaxCPUPercent).
							Msg("cpu utilization above target")
					})
				}
			}
		}
	}()
}

// handleViolation applies the violation policy to err. A nil return means
// the operation may continue (possibly in Safe mode); non-nil aborts it.
func (c *Context) handleViolation(opName string, err error) error {
	var v *LimitError
	if !errors.As(err, &v) {
		return err
	}

	policy := c.cfg.OnViolation
	if c.cfg.EnableAutoRecovery {
		policy = SwitchToSafeMode
	}

	mode := c.state.recordViolation(v, policy)

	logEvent := c.logger.Warn().Str("operation", opName).Str("limit", v.Limit).Str("policy", policy.String())
	if c.cfg.DetailedViolationLogging {
		logEvent = logEvent.Int64("observed", v.Observed).Int64("max", v.Max).Str("mode", mode.String())
	}
	logEvent.Msg("guardrail violation")

	if mode == Panic {
		return v
	}

	switch policy {
	case FailFast:
		return v
	case LogAndContinue:
		if c.cfg.StrictMode {
			return v
		}
		return nil
	case SwitchToSafeMode:
		return nil
	default:
		return v
	}
}

// warn emits a throttled warning: at most one per
// PerformanceWarningInterval.
func (c *Context) warn(fn func(*zerolog.Event)) {
	if !c.warnLimiter.Allow() {
		return
	}
	fn(c.logger.Warn())
}

// containsFold reports whether s contains substr, case-insensitive.
func containsFold(s, substr string) bool {
	return strings.Contains(strings.ToLower(s), strings.ToLower(substr))
}
