// Package emit provides event emission and observability for graph
// evaluation.
package emit

import "context"

// Emitter receives observability events from the evaluation engine.
//
// Emitters enable pluggable observability backends: structured logs,
// OpenTelemetry spans, in-memory capture for tests and dashboards, or
// nothing at all.
//
// Implementations must be safe for concurrent use, must not block
// evaluation, and must not panic; failures are handled internally.
type Emitter interface {
	// Emit delivers one event to the backend. It must not block
	// evaluation; slow backends buffer or drop.
	Emit(event Event)

	// EmitBatch delivers events in order in a single operation. It
	// amortizes backend round-trips for high-volume runs. Individual
	// event failures are logged, not returned; only catastrophic
	// failures surface as an error.
	EmitBatch(ctx context.Context, events []Event) error

	// Flush blocks until buffered events are delivered or ctx expires.
	// Call before shutdown to avoid event loss. Idempotent.
	Flush(ctx context.Context) error
}
