package emit

import (
	"context"
	"sync"
	"testing"
)

func TestBufferedEmitter_History(t *testing.T) {
	t.Run("returns events in emission order", func(t *testing.T) {
		b := NewBufferedEmitter()
		b.Emit(Event{RunID: "r1", Seq: 0, Msg: "run_start"})
		b.Emit(Event{RunID: "r1", Seq: 1, NodeID: "a", Msg: "node_evaluated"})
		b.Emit(Event{RunID: "r2", Seq: 0, Msg: "run_start"})

		history := b.History("r1")
		if len(history) != 2 {
			t.Fatalf("len = %d, want 2", len(history))
		}
		if history[0].Msg != "run_start" || history[1].NodeID != "a" {
			t.Errorf("history = %+v", history)
		}
	})

	t.Run("unknown run yields empty non-nil slice", func(t *testing.T) {
		b := NewBufferedEmitter()
		if history := b.History("ghost"); history == nil || len(history) != 0 {
			t.Errorf("history = %v, want empty", history)
		}
	})

	t.Run("returned slice is a copy", func(t *testing.T) {
		b := NewBufferedEmitter()
		b.Emit(Event{RunID: "r", Msg: "run_start"})
		history := b.History("r")
		history[0].Msg = "mutated"
		if b.History("r")[0].Msg != "run_start" {
			t.Error("caller mutated internal state")
		}
	})
}

func TestBufferedEmitter_Filter(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{RunID: "r", Seq: 0, NodeID: "a", Msg: "node_evaluated"})
	b.Emit(Event{RunID: "r", Seq: 1, NodeID: "b", Msg: "node_error"})
	b.Emit(Event{RunID: "r", Seq: 2, NodeID: "a", Msg: "node_cached"})

	t.Run("by node", func(t *testing.T) {
		got := b.HistoryWithFilter("r", HistoryFilter{NodeID: "a"})
		if len(got) != 2 {
			t.Errorf("len = %d, want 2", len(got))
		}
	})

	t.Run("by message", func(t *testing.T) {
		got := b.HistoryWithFilter("r", HistoryFilter{Msg: "node_error"})
		if len(got) != 1 || got[0].NodeID != "b" {
			t.Errorf("got = %+v", got)
		}
	})

	t.Run("by sequence range", func(t *testing.T) {
		minSeq, maxSeq := 1, 2
		got := b.HistoryWithFilter("r", HistoryFilter{MinSeq: &minSeq, MaxSeq: &maxSeq})
		if len(got) != 2 {
			t.Errorf("len = %d, want 2", len(got))
		}
	})

	t.Run("combined filters use AND logic", func(t *testing.T) {
		got := b.HistoryWithFilter("r", HistoryFilter{NodeID: "a", Msg: "node_cached"})
		if len(got) != 1 || got[0].Seq != 2 {
			t.Errorf("got = %+v", got)
		}
	})

	t.Run("empty filter matches all", func(t *testing.T) {
		if got := b.HistoryWithFilter("r", HistoryFilter{}); len(got) != 3 {
			t.Errorf("len = %d, want 3", len(got))
		}
	})
}

func TestBufferedEmitter_Clear(t *testing.T) {
	b := NewBufferedEmitter()
	b.Emit(Event{RunID: "r1", Msg: "run_start"})
	b.Emit(Event{RunID: "r2", Msg: "run_start"})

	b.Clear("r1")
	if len(b.History("r1")) != 0 {
		t.Error("r1 not cleared")
	}
	if len(b.History("r2")) != 1 {
		t.Error("r2 cleared by mistake")
	}

	b.Clear("")
	if len(b.History("r2")) != 0 {
		t.Error("clear-all missed r2")
	}
}

func TestBufferedEmitter_Batch(t *testing.T) {
	b := NewBufferedEmitter()
	events := []Event{
		{RunID: "r", Seq: 0, Msg: "run_start"},
		{RunID: "r", Seq: 1, Msg: "run_complete"},
	}
	if err := b.EmitBatch(context.Background(), events); err != nil {
		t.Fatal(err)
	}
	if len(b.History("r")) != 2 {
		t.Errorf("len = %d, want 2", len(b.History("r")))
	}
}

func TestBufferedEmitter_Concurrent(t *testing.T) {
	b := NewBufferedEmitter()
	var wg sync.WaitGroup
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				b.Emit(Event{RunID: "r", Seq: i, Msg: "node_evaluated"})
				_ = b.History("r")
			}
		}()
	}
	wg.Wait()
	if len(b.History("r")) != 800 {
		t.Errorf("len = %d, want 800", len(b.History("r")))
	}
}
