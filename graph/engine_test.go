package graph

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/motionforge/evalgraph/graph/guard"
)

// newTestEngine builds an engine around a generous guardrail profile so
// engine behavior, not limits, drives the outcomes.
func newTestEngine(t *testing.T, opts Options) *Engine {
	t.Helper()
	ec, err := guard.NewContext(guard.DefaultConfig())
	if err != nil {
		t.Fatalf("NewContext failed: %v", err)
	}
	return New(ec, opts)
}

// countingNode evaluates to a fixed value and counts invocations.
type countingNode struct {
	id     string
	inputs map[string]any
	value  any
	calls  atomic.Int64
	fail   error
	delay  time.Duration
}

func (n *countingNode) ID() string                  { return n.id }
func (n *countingNode) Inputs() map[string]any      { return n.inputs }
func (n *countingNode) Outputs() map[string]string  { return map[string]string{"value": "any"} }
func (n *countingNode) SetInputs(in map[string]any) { n.inputs = in }

func (n *countingNode) Evaluate(ctx context.Context, _ *guard.Context) (any, error) {
	n.calls.Add(1)
	if n.delay > 0 {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(n.delay):
		}
	}
	if n.fail != nil {
		return nil, n.fail
	}
	return n.value, nil
}

func addCounting(t *testing.T, e *Engine, id string, inputs map[string]any, value any) *countingNode {
	t.Helper()
	node := &countingNode{id: id, inputs: inputs, value: value}
	if err := e.AddNode(node); err != nil {
		t.Fatalf("AddNode(%s) failed: %v", id, err)
	}
	return node
}

func ref(id string) NodeRef { return NodeRef{NodeID: id, Output: "value"} }

func TestEngine_AddNode(t *testing.T) {
	t.Run("discovers dependencies from refs", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		addCounting(t, e, "a", nil, 1)
		addCounting(t, e, "b", map[string]any{"in": ref("a")}, 2)

		if got := e.Tracker().DirectDependencies("b"); !equalStrings(got, []string{"a"}) {
			t.Errorf("DirectDependencies(b) = %v, want [a]", got)
		}
		st, err := e.State("b")
		if err != nil {
			t.Fatal(err)
		}
		if st.State != StateNew || !st.IsDirty {
			t.Errorf("initial state = %v dirty=%v, want new/dirty", st.State, st.IsDirty)
		}
	})

	t.Run("duplicate id rejected", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		addCounting(t, e, "a", nil, 1)
		err := e.AddNode(&countingNode{id: "a"})
		if !errors.Is(err, ErrDuplicateNode) {
			t.Errorf("AddNode dup = %v, want ErrDuplicateNode", err)
		}
	})

	t.Run("unknown ref leaves no registration", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		err := e.AddNode(&countingNode{id: "b", inputs: map[string]any{"in": ref("ghost")}})
		if !errors.Is(err, ErrUnknownNode) {
			t.Fatalf("AddNode = %v, want ErrUnknownNode", err)
		}
		if e.Tracker().Registered("b") {
			t.Error("failed AddNode left a registration behind")
		}
	})

	t.Run("empty id rejected", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		if err := e.AddNode(&countingNode{id: ""}); !errors.Is(err, ErrMalformedID) {
			t.Errorf("AddNode = %v, want ErrMalformedID", err)
		}
	})
}

func TestEngine_RemoveNode(t *testing.T) {
	e := newTestEngine(t, Options{})
	addCounting(t, e, "a", nil, 1)
	addCounting(t, e, "b", map[string]any{"in": ref("a")}, 2)

	result := e.EvaluateAll(context.Background())
	if !result.Success {
		t.Fatalf("EvaluateAll failed: %v", result.Errors)
	}

	if err := e.RemoveNode("b"); err != nil {
		t.Fatal(err)
	}
	if _, err := e.State("b"); !errors.Is(err, ErrUnknownNode) {
		t.Error("state survives removal")
	}
	if got := e.Tracker().Dependents("a"); len(got) != 0 {
		t.Errorf("a still has dependents: %v", got)
	}
	if err := e.RemoveNode("b"); !errors.Is(err, ErrUnknownNode) {
		t.Errorf("second remove = %v, want ErrUnknownNode", err)
	}
}

func TestEngine_UpdateNodeInputs(t *testing.T) {
	t.Run("unchanged signature is a no-op", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		addCounting(t, e, "a", map[string]any{"k": 1}, 1)
		addCounting(t, e, "b", map[string]any{"in": ref("a")}, 2)
		e.EvaluateAll(context.Background())

		if err := e.UpdateNodeInputs("a", map[string]any{"k": 1}, true); err != nil {
			t.Fatal(err)
		}
		if e.Tracker().DirtyNodeCount() != 0 {
			t.Errorf("no-op update dirtied nodes: %v", e.Tracker().DirtyNodes())
		}

		result := e.EvaluateAll(context.Background())
		if result.EvaluatedCount != 0 {
			t.Errorf("no-op update caused %d evaluations", result.EvaluatedCount)
		}
	})

	t.Run("changed signature dirties node only", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		addCounting(t, e, "a", map[string]any{"k": 1}, 1)
		addCounting(t, e, "b", map[string]any{"in": ref("a")}, 2)
		e.EvaluateAll(context.Background())

		if err := e.UpdateNodeInputs("a", map[string]any{"k": 2}, false); err != nil {
			t.Fatal(err)
		}
		if !e.Tracker().IsDirty("a") {
			t.Error("a not dirty after change")
		}
		if e.Tracker().IsDirty("b") {
			t.Error("b dirtied without propagation")
		}
	})

	t.Run("changed signature propagates when requested", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		addCounting(t, e, "a", map[string]any{"k": 1}, 1)
		addCounting(t, e, "b", map[string]any{"in": ref("a")}, 2)
		addCounting(t, e, "c", map[string]any{"in": ref("b")}, 3)
		e.EvaluateAll(context.Background())

		if err := e.UpdateNodeInputs("a", map[string]any{"k": 2}, true); err != nil {
			t.Fatal(err)
		}
		for _, id := range []string{"a", "b", "c"} {
			if !e.Tracker().IsDirty(id) {
				t.Errorf("%s not dirty after propagated update", id)
			}
		}
	})

	t.Run("unknown node fails", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		if err := e.UpdateNodeInputs("ghost", nil, false); !errors.Is(err, ErrUnknownNode) {
			t.Errorf("update = %v, want ErrUnknownNode", err)
		}
	})
}

func TestEngine_RebindDependencies(t *testing.T) {
	e := newTestEngine(t, Options{})
	addCounting(t, e, "a", nil, 1)
	addCounting(t, e, "b", nil, 2)
	node := addCounting(t, e, "c", map[string]any{"in": ref("a")}, 3)
	e.EvaluateAll(context.Background())

	// Retarget the ref: UpdateNodeInputs changes the signature but the
	// edge set only follows on RebindDependencies.
	if err := e.UpdateNodeInputs("c", map[string]any{"in": ref("b")}, false); err != nil {
		t.Fatal(err)
	}
	if got := e.Tracker().DirectDependencies("c"); !equalStrings(got, []string{"a"}) {
		t.Fatalf("edges rewired implicitly: %v", got)
	}
	_ = node

	if err := e.RebindDependencies("c"); err != nil {
		t.Fatal(err)
	}
	if got := e.Tracker().DirectDependencies("c"); !equalStrings(got, []string{"b"}) {
		t.Errorf("DirectDependencies(c) = %v, want [b]", got)
	}
	if !e.Tracker().IsDirty("c") {
		t.Error("c not dirty after rebind")
	}
}

func TestEngine_StateMachine(t *testing.T) {
	e := newTestEngine(t, Options{})
	node := addCounting(t, e, "a", nil, 1)

	// New -> Evaluated.
	result := e.EvaluateAll(context.Background())
	if !result.Success {
		t.Fatalf("EvaluateAll failed: %v", result.Errors)
	}
	st, _ := e.State("a")
	if st.State != StateEvaluated || st.IsDirty || !st.IsEvaluated {
		t.Errorf("state after evaluate = %+v", st)
	}
	if st.EvaluationCount != 1 {
		t.Errorf("EvaluationCount = %d, want 1", st.EvaluationCount)
	}

	// Evaluated -> Dirty -> Error.
	if err := e.UpdateNodeInputs("a", map[string]any{"k": 9}, false); err != nil {
		t.Fatal(err)
	}
	st, _ = e.State("a")
	if st.State != StateDirty {
		t.Errorf("state after update = %v, want dirty", st.State)
	}

	node.fail = errors.New("boom")
	result = e.EvaluateAll(context.Background())
	if result.Success {
		t.Error("run with failing node reported success")
	}
	st, _ = e.State("a")
	if st.State != StateError || !st.IsDirty {
		t.Errorf("state after failure = %+v, want error/dirty", st)
	}

	// Error -> Evaluated on a successful retry.
	node.fail = nil
	result = e.EvaluateAll(context.Background())
	if !result.Success {
		t.Fatalf("retry failed: %v", result.Errors)
	}
	st, _ = e.State("a")
	if st.State != StateEvaluated {
		t.Errorf("state after retry = %v, want evaluated", st.State)
	}
}

func TestEngine_GetResult(t *testing.T) {
	t.Run("cached value without re-evaluation", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		node := addCounting(t, e, "a", nil, 41)
		e.EvaluateAll(context.Background())

		value, err := e.GetResult(context.Background(), "a")
		if err != nil {
			t.Fatal(err)
		}
		if value.(int) != 41 {
			t.Errorf("value = %v, want 41", value)
		}
		if node.calls.Load() != 1 {
			t.Errorf("calls = %d, want 1 (no re-evaluation)", node.calls.Load())
		}
	})

	t.Run("re-evaluates on signature change", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		node := addCounting(t, e, "a", map[string]any{"k": 1}, "v")
		e.EvaluateAll(context.Background())

		if err := e.UpdateNodeInputs("a", map[string]any{"k": 2}, false); err != nil {
			t.Fatal(err)
		}
		if _, err := e.GetResult(context.Background(), "a"); err != nil {
			t.Fatal(err)
		}
		if node.calls.Load() != 2 {
			t.Errorf("calls = %d, want 2", node.calls.Load())
		}
	})

	t.Run("evaluates dependencies first", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		a := addCounting(t, e, "a", nil, 1)
		addCounting(t, e, "b", map[string]any{"in": ref("a")}, 2)

		value, err := e.GetResult(context.Background(), "b")
		if err != nil {
			t.Fatal(err)
		}
		if value.(int) != 2 {
			t.Errorf("value = %v, want 2", value)
		}
		if a.calls.Load() != 1 {
			t.Errorf("dependency calls = %d, want 1", a.calls.Load())
		}
	})

	t.Run("unknown node fails", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		if _, err := e.GetResult(context.Background(), "ghost"); !errors.Is(err, ErrUnknownNode) {
			t.Errorf("GetResult = %v, want ErrUnknownNode", err)
		}
	})
}

func TestEngine_EvaluateIncremental(t *testing.T) {
	t.Run("empty sources is a success no-op", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		addCounting(t, e, "a", nil, 1)

		result := e.EvaluateIncremental(context.Background(), nil)
		if !result.Success {
			t.Error("empty incremental reported failure")
		}
		if result.EvaluatedCount != 0 {
			t.Errorf("EvaluatedCount = %d, want 0", result.EvaluatedCount)
		}
	})

	t.Run("unknown source fails", func(t *testing.T) {
		e := newTestEngine(t, Options{})
		result := e.EvaluateIncremental(context.Background(), []string{"ghost"})
		if result.Success {
			t.Error("unknown source reported success")
		}
	})
}

func TestEngine_StrategySelection(t *testing.T) {
	buildChainedEngine := func(t *testing.T) *Engine {
		// Five independent pairs (ten nodes): p0 <- q0 ... p4 <- q4.
		e := newTestEngine(t, Options{})
		for _, id := range []string{"p0", "p1", "p2", "p3", "p4"} {
			addCounting(t, e, id, nil, 1)
		}
		for i, id := range []string{"q0", "q1", "q2", "q3", "q4"} {
			addCounting(t, e, id, map[string]any{"in": ref([]string{"p0", "p1", "p2", "p3", "p4"}[i])}, 2)
		}
		return e
	}

	t.Run("few dirty nodes choose incremental", func(t *testing.T) {
		e := buildChainedEngine(t)
		e.EvaluateAll(context.Background())

		if err := e.UpdateNodeInputs("p0", map[string]any{"k": 1}, true); err != nil {
			t.Fatal(err)
		}

		result := e.EvaluateOptimal(context.Background())
		if result.Mode != ModeIncremental {
			t.Errorf("mode = %s, want incremental", result.Mode)
		}
		if !result.Success {
			t.Fatalf("optimal run failed: %v", result.Errors)
		}
		if result.EvaluatedCount != 2 {
			t.Errorf("EvaluatedCount = %d, want 2 (p0 and q0)", result.EvaluatedCount)
		}
	})

	t.Run("mostly dirty graph chooses full", func(t *testing.T) {
		e := buildChainedEngine(t)
		e.EvaluateAll(context.Background())

		for _, id := range []string{"p0", "p1", "p2", "p3"} {
			if err := e.UpdateNodeInputs(id, map[string]any{"k": 7}, true); err != nil {
				t.Fatal(err)
			}
		}
		// 8 of 10 nodes dirty: over the 0.5 threshold.
		if got := e.Tracker().DirtyNodeCount(); got != 8 {
			t.Fatalf("DirtyNodeCount = %d, want 8", got)
		}

		result := e.EvaluateOptimal(context.Background())
		if result.Mode != ModeFull {
			t.Errorf("mode = %s, want full", result.Mode)
		}
		if !result.Success {
			t.Fatalf("optimal run failed: %v", result.Errors)
		}
		if result.EvaluatedCount != 8 {
			t.Errorf("EvaluatedCount = %d, want 8", result.EvaluatedCount)
		}
	})

	t.Run("clean graph chooses full and evaluates nothing", func(t *testing.T) {
		e := buildChainedEngine(t)
		e.EvaluateAll(context.Background())

		result := e.EvaluateOptimal(context.Background())
		if result.Mode != ModeFull {
			t.Errorf("mode = %s, want full", result.Mode)
		}
		if result.EvaluatedCount != 0 {
			t.Errorf("EvaluatedCount = %d, want 0", result.EvaluatedCount)
		}
	})
}

func TestEngine_DependentOfFailedNodeSkipped(t *testing.T) {
	e := newTestEngine(t, Options{})
	bad := addCounting(t, e, "bad", nil, nil)
	bad.fail = errors.New("boom")
	addCounting(t, e, "child", map[string]any{"in": ref("bad")}, 1)

	result := e.EvaluateAll(context.Background())
	if result.Success {
		t.Error("run reported success")
	}
	if result.FailedCount != 2 {
		t.Errorf("FailedCount = %d, want 2", result.FailedCount)
	}
	if _, recorded := result.Errors["child"]; !recorded {
		t.Error("skipped dependent not recorded in errors")
	}
}

func TestEngine_AbortOnFirstError(t *testing.T) {
	e := newTestEngine(t, Options{AbortOnFirstError: true})
	bad := addCounting(t, e, "a", nil, nil)
	bad.fail = errors.New("boom")
	good := addCounting(t, e, "b", nil, 1)

	result := e.EvaluateAll(context.Background())
	if result.Success {
		t.Error("run reported success")
	}
	if good.calls.Load() != 0 {
		t.Error("abort-on-first-error still evaluated later nodes")
	}
}

func TestEngine_ParallelWaves(t *testing.T) {
	e := newTestEngine(t, Options{MaxConcurrent: 4})
	root := addCounting(t, e, "root", nil, 0)
	for _, id := range []string{"w1", "w2", "w3", "w4"} {
		addCounting(t, e, id, map[string]any{"in": ref("root")}, 1)
	}
	addCounting(t, e, "sink", map[string]any{
		"a": ref("w1"), "b": ref("w2"), "c": ref("w3"), "d": ref("w4"),
	}, 2)

	result := e.EvaluateAll(context.Background())
	if !result.Success {
		t.Fatalf("parallel run failed: %v", result.Errors)
	}
	if result.EvaluatedCount != 6 {
		t.Errorf("EvaluatedCount = %d, want 6", result.EvaluatedCount)
	}
	if root.calls.Load() != 1 {
		t.Errorf("root evaluated %d times, want 1", root.calls.Load())
	}

	st, _ := e.State("sink")
	if st.State != StateEvaluated {
		t.Errorf("sink state = %v, want evaluated", st.State)
	}

	// Second run is pure cache.
	result = e.EvaluateAll(context.Background())
	if result.EvaluatedCount != 0 {
		t.Errorf("second parallel run evaluated %d nodes, want 0", result.EvaluatedCount)
	}
}

func TestEngine_Cancellation(t *testing.T) {
	e := newTestEngine(t, Options{})
	slow := addCounting(t, e, "slow", nil, 1)
	slow.delay = 50 * time.Millisecond
	addCounting(t, e, "after", map[string]any{"in": ref("slow")}, 2)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()

	result := e.EvaluateAll(ctx)
	if result.Success {
		t.Error("cancelled run reported success")
	}

	// No cache entry was written; the node stays dirty and a fresh run
	// retries it.
	st, _ := e.State("slow")
	if !st.IsDirty {
		t.Error("cancelled node lost its dirty flag")
	}
	slow.delay = 0
	result = e.EvaluateAll(context.Background())
	if !result.Success {
		t.Fatalf("retry failed: %v", result.Errors)
	}
}

func TestEngine_Stats(t *testing.T) {
	e := newTestEngine(t, Options{})
	addCounting(t, e, "a", nil, 1)
	addCounting(t, e, "b", map[string]any{"in": ref("a")}, 2)

	stats := e.Stats()
	if stats.NodeCount != 2 || stats.DirtyCount != 2 {
		t.Errorf("stats = %+v, want 2 nodes 2 dirty", stats)
	}

	e.EvaluateAll(context.Background())
	stats = e.Stats()
	if stats.DirtyCount != 0 {
		t.Errorf("DirtyCount after evaluate = %d, want 0", stats.DirtyCount)
	}
	if stats.StateCounts[StateEvaluated] != 2 {
		t.Errorf("StateCounts = %v, want 2 evaluated", stats.StateCounts)
	}
}

func TestEngine_ClearAllDirtyResetsContext(t *testing.T) {
	e := newTestEngine(t, Options{})
	addCounting(t, e, "a", nil, 1)

	e.ClearAllDirty()
	if e.Tracker().DirtyNodeCount() != 0 {
		t.Error("dirty nodes survive ClearAllDirty")
	}
	if e.Context().State().Mode() != guard.Normal {
		t.Errorf("mode = %v, want normal", e.Context().State().Mode())
	}
}
