package emit

// Event is an observability event emitted during graph evaluation.
//
// The engine emits one event per run transition and per node outcome:
//   - "run_start", "run_complete" for top-level evaluation calls
//   - "node_evaluate", "node_evaluated" around a recomputation
//   - "node_cached" when a node is served from the cache
//   - "node_error" when a node's evaluation fails
//
// Events flow to an Emitter, which can log them, convert them to spans,
// buffer them for inspection, or drop them.
type Event struct {
	// RunID identifies the evaluation run that emitted this event.
	RunID string

	// Seq is the event's position in the run's evaluation order. Zero
	// for run-level events.
	Seq int

	// NodeID identifies the node this event concerns. Empty for
	// run-level events.
	NodeID string

	// Msg names the event kind.
	Msg string

	// Meta carries additional structured data. Common keys:
	// "duration_ms", "error", "mode", "evaluated", "cached", "failed".
	Meta map[string]any
}
