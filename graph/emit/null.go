package emit

import "context"

// NullEmitter discards all events. Use it when observability overhead is
// unwanted; it is safe for concurrent use and has zero cost.
type NullEmitter struct{}

// NewNullEmitter returns an emitter that drops everything.
func NewNullEmitter() *NullEmitter {
	return &NullEmitter{}
}

// Emit discards the event.
func (n *NullEmitter) Emit(Event) {}

// EmitBatch discards the events.
func (n *NullEmitter) EmitBatch(context.Context, []Event) error { return nil }

// Flush is a no-op.
func (n *NullEmitter) Flush(context.Context) error { return nil }
