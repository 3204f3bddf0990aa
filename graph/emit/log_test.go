package emit

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"
)

func TestLogEmitter_Text(t *testing.T) {
	t.Run("formats run and node fields", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{RunID: "run-1", Seq: 2, NodeID: "blur", Msg: "node_evaluated"})

		out := buf.String()
		if !strings.Contains(out, "[node_evaluated]") {
			t.Errorf("output missing msg: %q", out)
		}
		if !strings.Contains(out, "run=run-1") || !strings.Contains(out, "node=blur") {
			t.Errorf("output missing fields: %q", out)
		}
	})

	t.Run("includes meta when present", func(t *testing.T) {
		var buf bytes.Buffer
		emitter := NewLogEmitter(&buf, false)

		emitter.Emit(Event{RunID: "r", Msg: "node_error", Meta: map[string]any{"error": "boom"}})

		if !strings.Contains(buf.String(), `meta=`) {
			t.Errorf("output missing meta: %q", buf.String())
		}
	})
}

func TestLogEmitter_JSON(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	emitter.Emit(Event{RunID: "run-1", Seq: 1, NodeID: "a", Msg: "node_cached"})

	var decoded struct {
		RunID  string `json:"runID"`
		Seq    int    `json:"seq"`
		NodeID string `json:"nodeID"`
		Msg    string `json:"msg"`
	}
	if err := json.Unmarshal(buf.Bytes(), &decoded); err != nil {
		t.Fatalf("output is not JSON: %v (%q)", err, buf.String())
	}
	if decoded.RunID != "run-1" || decoded.Seq != 1 || decoded.NodeID != "a" || decoded.Msg != "node_cached" {
		t.Errorf("decoded = %+v", decoded)
	}
}

func TestLogEmitter_Batch(t *testing.T) {
	var buf bytes.Buffer
	emitter := NewLogEmitter(&buf, true)

	events := []Event{
		{RunID: "r", Msg: "run_start"},
		{RunID: "r", Msg: "run_complete"},
	}
	if err := emitter.EmitBatch(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Errorf("lines = %d, want 2", len(lines))
	}
}

func TestLogEmitter_Flush(t *testing.T) {
	emitter := NewLogEmitter(&bytes.Buffer{}, false)
	if err := emitter.Flush(context.Background()); err != nil {
		t.Errorf("Flush = %v, want nil", err)
	}
}

func TestLogEmitter_NilWriterDefaultsToStdout(t *testing.T) {
	emitter := NewLogEmitter(nil, false)
	if emitter.writer == nil {
		t.Error("nil writer not defaulted")
	}
}
