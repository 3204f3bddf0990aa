package emit

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
)

// LogEmitter writes structured event output to a writer.
//
// Two output modes:
//   - Text (default): human-readable key=value lines.
//   - JSON: one JSON object per line (JSONL), machine-readable.
//
// Example text output:
//
//	[node_evaluated] run=4be71f seq=2 node=blur meta={"duration_ms":3}
//
// Example JSON output:
//
//	{"runID":"4be71f","seq":2,"nodeID":"blur","msg":"node_evaluated","meta":{"duration_ms":3}}
type LogEmitter struct {
	writer   io.Writer
	jsonMode bool
}

// NewLogEmitter returns a LogEmitter writing to writer (os.Stdout when
// nil), in JSON mode when jsonMode is true.
func NewLogEmitter(writer io.Writer, jsonMode bool) *LogEmitter {
	if writer == nil {
		writer = os.Stdout
	}
	return &LogEmitter{writer: writer, jsonMode: jsonMode}
}

// Emit writes one event in the configured format.
func (l *LogEmitter) Emit(event Event) {
	if l.jsonMode {
		l.emitJSON(event)
	} else {
		l.emitText(event)
	}
}

func (l *LogEmitter) emitJSON(event Event) {
	data, err := json.Marshal(struct {
		RunID  string         `json:"runID"`
		Seq    int            `json:"seq"`
		NodeID string         `json:"nodeID"`
		Msg    string         `json:"msg"`
		Meta   map[string]any `json:"meta"`
	}{
		RunID:  event.RunID,
		Seq:    event.Seq,
		NodeID: event.NodeID,
		Msg:    event.Msg,
		Meta:   event.Meta,
	})
	if err != nil {
		_, _ = fmt.Fprintf(l.writer, "{\"error\":\"failed to marshal event: %v\"}\n", err)
		return
	}
	_, _ = fmt.Fprintf(l.writer, "%s\n", data)
}

func (l *LogEmitter) emitText(event Event) {
	_, _ = fmt.Fprintf(l.writer, "[%s] run=%s seq=%d node=%s",
		event.Msg, event.RunID, event.Seq, event.NodeID)
	if len(event.Meta) > 0 {
		if metaJSON, err := json.Marshal(event.Meta); err == nil {
			_, _ = fmt.Fprintf(l.writer, " meta=%s", metaJSON)
		} else {
			_, _ = fmt.Fprintf(l.writer, " meta=%v", event.Meta)
		}
	}
	_, _ = fmt.Fprint(l.writer, "\n")
}

// EmitBatch writes all events in order. Returns nil; write failures are
// swallowed like in Emit.
func (l *LogEmitter) EmitBatch(_ context.Context, events []Event) error {
	for _, event := range events {
		l.Emit(event)
	}
	return nil
}

// Flush is a no-op: LogEmitter writes through to the underlying writer.
// Wrap the writer in a bufio.Writer and flush it directly if buffering is
// needed.
func (l *LogEmitter) Flush(context.Context) error { return nil }
