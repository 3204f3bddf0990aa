package emit

import (
	"context"
	"fmt"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// OTelEmitter converts evaluation events into OpenTelemetry spans.
//
// Each event becomes a span named after event.Msg with the run id, seq
// and node id as attributes, plus every Meta entry. Events carrying an
// "error" meta entry set error status on the span. Events carrying a
// "duration_ms" entry get a span end time that reflects the recorded
// duration instead of an instant span.
//
// Setup:
//
//	tp := sdktrace.NewTracerProvider(sdktrace.WithBatcher(exporter))
//	otel.SetTracerProvider(tp)
//	emitter := emit.NewOTelEmitter(otel.Tracer("evalgraph"))
//	engine := graph.New(ec, graph.Options{Emitter: emitter})
type OTelEmitter struct {
	tracer trace.Tracer
}

// NewOTelEmitter returns an emitter creating spans with tracer.
func NewOTelEmitter(tracer trace.Tracer) *OTelEmitter {
	return &OTelEmitter{tracer: tracer}
}

// Emit creates one span for the event and ends it immediately (or after
// the recorded duration when present).
func (o *OTelEmitter) Emit(event Event) {
	ctx := context.Background()

	var opts []trace.SpanStartOption
	var endOpts []trace.SpanEndOption
	if ms, ok := durationMeta(event.Meta); ok {
		start := time.Now().Add(-ms)
		opts = append(opts, trace.WithTimestamp(start))
		endOpts = append(endOpts, trace.WithTimestamp(start.Add(ms)))
	}

	_, span := o.tracer.Start(ctx, event.Msg, opts...)
	defer span.End(endOpts...)

	span.SetAttributes(
		attribute.String("evalgraph.run_id", event.RunID),
		attribute.Int("evalgraph.seq", event.Seq),
	)
	if event.NodeID != "" {
		span.SetAttributes(attribute.String("evalgraph.node_id", event.NodeID))
	}
	for key, value := range event.Meta {
		span.SetAttributes(metaAttribute("evalgraph.meta."+key, value))
	}
	if errVal, ok := event.Meta["error"]; ok {
		span.SetStatus(codes.Error, fmt.Sprintf("%v", errVal))
	}
}

// EmitBatch creates one span per event, in order.
func (o *OTelEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		o.Emit(event)
	}
	return nil
}

// Flush is a no-op; span export is owned by the tracer provider, flush
// the provider on shutdown instead.
func (o *OTelEmitter) Flush(context.Context) error { return nil }

func durationMeta(meta map[string]any) (time.Duration, bool) {
	v, ok := meta["duration_ms"]
	if !ok {
		return 0, false
	}
	switch ms := v.(type) {
	case int64:
		return time.Duration(ms) * time.Millisecond, true
	case int:
		return time.Duration(ms) * time.Millisecond, true
	case float64:
		return time.Duration(ms * float64(time.Millisecond)), true
	default:
		return 0, false
	}
}

func metaAttribute(key string, value any) attribute.KeyValue {
	switch v := value.(type) {
	case string:
		return attribute.String(key, v)
	case bool:
		return attribute.Bool(key, v)
	case int:
		return attribute.Int(key, v)
	case int64:
		return attribute.Int64(key, v)
	case float64:
		return attribute.Float64(key, v)
	default:
		return attribute.String(key, fmt.Sprintf("%v", v))
	}
}
