package graph

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/motionforge/evalgraph/graph/emit"
	"github.com/motionforge/evalgraph/graph/guard"
	"github.com/motionforge/evalgraph/graph/store"
)

// NodeState is the lifecycle state of a node within the engine.
type NodeState int

const (
	// StateNew marks a node that was registered but never touched.
	StateNew NodeState = iota

	// StateClean marks a node whose dirty flag was cleared without an
	// evaluation (for example by ClearAllDirty).
	StateClean

	// StateDirty marks a node whose cached result is no longer trusted.
	StateDirty

	// StateEvaluated marks a node with a valid result for its current
	// signature.
	StateEvaluated

	// StateError marks a node whose last evaluation failed.
	StateError
)

// String returns the state name.
func (s NodeState) String() string {
	switch s {
	case StateNew:
		return "new"
	case StateClean:
		return "clean"
	case StateDirty:
		return "dirty"
	case StateEvaluated:
		return "evaluated"
	case StateError:
		return "error"
	default:
		return "unknown"
	}
}

// NodeEvaluationState is the per-node evaluation bookkeeping.
type NodeEvaluationState struct {
	State              NodeState
	IsEvaluated        bool
	IsDirty            bool
	LastEvaluationTime time.Time
	LastModifiedTime   time.Time
	EvaluationCount    int64
}

// EvaluationMode names the strategy a run used.
type EvaluationMode string

const (
	// ModeFull walks the whole graph in topological order.
	ModeFull EvaluationMode = "full"

	// ModeIncremental restricts the walk to the affected set plus its
	// clean dependencies.
	ModeIncremental EvaluationMode = "incremental"

	// ModeSingle evaluates one node and its transitive dependencies.
	ModeSingle EvaluationMode = "single"
)

// EvaluationResult aggregates the per-node outcomes of one top-level
// evaluation call.
type EvaluationResult struct {
	// RunID uniquely identifies this evaluation run.
	RunID string

	// Success is true when every attempted node evaluated cleanly and
	// the run was not cancelled.
	Success bool

	// Mode is the strategy that produced this result.
	Mode EvaluationMode

	// EvaluatedCount is the number of nodes actually recomputed.
	EvaluatedCount int

	// FailedCount is the number of nodes whose evaluation failed or was
	// skipped because a dependency failed.
	FailedCount int

	// CachedResultsUsed is the number of nodes served from the cache.
	CachedResultsUsed int

	// TotalEvaluationTime is the wall-clock duration of the run.
	TotalEvaluationTime time.Duration

	// EvaluationOrder is the topological order the run walked.
	EvaluationOrder []string

	// Errors maps failing node ids to their error messages.
	Errors map[string]string
}

// Options configures Engine behavior. Zero values select the defaults.
type Options struct {
	// CacheCapacity bounds the evaluation cache entry count.
	CacheCapacity int

	// CacheMaxIdle expires cache entries idle longer than this.
	CacheMaxIdle time.Duration

	// MaxConcurrent enables parallel evaluation of independent nodes in
	// one topological wave when greater than 1. Correctness never
	// requires it; the default is sequential execution.
	MaxConcurrent int

	// AbortOnFirstError stops a batch at the first failing node instead
	// of continuing with independent nodes.
	AbortOnFirstError bool

	// Metrics enables Prometheus metrics collection when non-nil.
	Metrics *PrometheusMetrics

	// Emitter receives evaluation events when non-nil.
	Emitter emit.Emitter

	// Store persists a run record per top-level evaluation when
	// non-nil. Persistence failures are logged, never propagated.
	Store store.Store
}

// Engine orchestrates incremental evaluation over the node graph. It owns
// the node registry, per-node evaluation state and signatures, the
// dependency tracker, the evaluation cache, and a per-node mutex map that
// guarantees a node is never evaluated by two goroutines at once.
//
// All public methods are safe for concurrent use. Multiple top-level
// evaluation calls may run concurrently; overlapping nodes serialize on
// the per-node mutex and the ordering constraints of the topological
// sort.
type Engine struct {
	mu sync.RWMutex

	nodes      map[string]Node
	states     map[string]*NodeEvaluationState
	signatures map[string]Signature
	nodeMu     map[string]*sync.Mutex

	tracker *Tracker
	cache   *Cache
	ec      *guard.Context

	opts    Options
	emitter emit.Emitter
	metrics *PrometheusMetrics
	history store.Store
}

// New builds an Engine around the given guardrail context.
func New(ec *guard.Context, opts Options) *Engine {
	return &Engine{
		nodes:      make(map[string]Node),
		states:     make(map[string]*NodeEvaluationState),
		signatures: make(map[string]Signature),
		nodeMu:     make(map[string]*sync.Mutex),
		tracker:    NewTracker(),
		cache:      NewCache(opts.CacheCapacity, opts.CacheMaxIdle),
		ec:         ec,
		opts:       opts,
		emitter:    opts.Emitter,
		metrics:    opts.Metrics,
		history:    opts.Store,
	}
}

// Tracker exposes the dependency tracker for structural queries.
func (e *Engine) Tracker() *Tracker { return e.tracker }

// Cache exposes the evaluation cache for statistics.
func (e *Engine) Cache() *Cache { return e.cache }

// Context exposes the guardrail context.
func (e *Engine) Context() *guard.Context { return e.ec }

// AddNode registers the node, discovers its dependencies by scanning the
// inputs for NodeRef values, and computes its initial signature. Fails
// with ErrDuplicateNode when the id exists, ErrUnknownNode when a
// referenced dependency is not registered, or a CycleError when a
// discovered edge would close a cycle. On failure no registration
// remains.
func (e *Engine) AddNode(node Node) error {
	id := node.ID()
	if id == "" {
		return ErrMalformedID
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[id]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, id)
	}
	if err := e.tracker.Register(id); err != nil {
		return err
	}

	refs := refInputs(node.Inputs())
	if err := e.tracker.AddDependenciesBatch(id, refs); err != nil {
		_ = e.tracker.Unregister(id)
		return err
	}

	e.nodes[id] = node
	e.states[id] = &NodeEvaluationState{
		State:            StateNew,
		IsDirty:          true,
		LastModifiedTime: time.Now(),
	}
	e.signatures[id] = ComputeSignature(node.Inputs(), refs)
	e.nodeMu[id] = &sync.Mutex{}

	e.metrics.SetDirtyNodes(e.tracker.DirtyNodeCount())
	return nil
}

// RemoveNode unregisters the node, removes all incident edges, and
// invalidates its cache entries. The identifier must not be reused.
func (e *Engine) RemoveNode(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if _, exists := e.nodes[id]; !exists {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	if err := e.tracker.Unregister(id); err != nil {
		return err
	}
	delete(e.nodes, id)
	delete(e.states, id)
	delete(e.signatures, id)
	delete(e.nodeMu, id)
	e.cache.InvalidateNode(id)

	e.metrics.SetDirtyNodes(e.tracker.DirtyNodeCount())
	return nil
}

// Node returns the registered node for id.
func (e *Engine) Node(id string) (Node, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	node, ok := e.nodes[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return node, nil
}

// State returns a copy of the node's evaluation state.
func (e *Engine) State(id string) (NodeEvaluationState, error) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	st, ok := e.states[id]
	if !ok {
		return NodeEvaluationState{}, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	return *st, nil
}

// UpdateNodeInputs replaces the node's inputs and recomputes its
// signature against the current dependency set. An unchanged signature is
// a no-op: nothing is dirtied and no cache entry is invalidated. A
// changed signature marks the node dirty (plus all transitive dependents
// when propagate is true) and invalidates the node's cache entries.
//
// Dependency edges are never rewired here: a caller that retargets a
// NodeRef input must follow up with RebindDependencies or explicit
// AddDependency/RemoveDependency calls.
func (e *Engine) UpdateNodeInputs(id string, inputs map[string]any, propagate bool) error {
	e.mu.Lock()
	node, ok := e.nodes[id]
	if !ok {
		e.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	newSig := ComputeSignature(inputs, e.tracker.DirectDependencies(id))
	if newSig == e.signatures[id] {
		e.mu.Unlock()
		return nil
	}

	if setter, ok := node.(interface{ SetInputs(map[string]any) }); ok {
		setter.SetInputs(inputs)
	}
	e.signatures[id] = newSig
	st := e.states[id]
	st.IsDirty = true
	if st.State != StateNew {
		st.State = StateDirty
	}
	st.LastModifiedTime = time.Now()
	e.mu.Unlock()

	e.cache.InvalidateNode(id)
	if propagate {
		if _, err := e.tracker.MarkDirtyWithDependents(id, DirtyNormal); err != nil {
			return err
		}
		e.mu.Lock()
		for _, dep := range e.tracker.TransitiveDependents(id) {
			if depState, ok := e.states[dep]; ok {
				depState.IsDirty = true
				if depState.State != StateNew {
					depState.State = StateDirty
				}
			}
		}
		e.mu.Unlock()
	} else if err := e.tracker.MarkDirty(id, DirtyNormal); err != nil {
		return err
	}

	e.metrics.SetDirtyNodes(e.tracker.DirtyNodeCount())
	return nil
}

// RebindDependencies rescans the node's inputs for NodeRef values and
// reconciles the tracker's edge set with them: stale edges are removed,
// new ones added atomically. A changed dependency set recomputes the
// signature and dirties the node even when input values are unchanged.
func (e *Engine) RebindDependencies(id string) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	node, ok := e.nodes[id]
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}

	want := refInputs(node.Inputs())
	wantSet := make(map[string]struct{}, len(want))
	for _, dep := range want {
		wantSet[dep] = struct{}{}
	}

	current := e.tracker.DirectDependencies(id)
	var toAdd []string
	for _, dep := range want {
		found := false
		for _, cur := range current {
			if cur == dep {
				found = true
				break
			}
		}
		if !found {
			toAdd = append(toAdd, dep)
		}
	}

	if err := e.tracker.AddDependenciesBatch(id, toAdd); err != nil {
		return err
	}
	for _, cur := range current {
		if _, keep := wantSet[cur]; !keep {
			e.tracker.RemoveDependency(id, cur)
		}
	}

	newSig := ComputeSignature(node.Inputs(), e.tracker.DirectDependencies(id))
	if newSig != e.signatures[id] {
		e.signatures[id] = newSig
		st := e.states[id]
		st.IsDirty = true
		if st.State != StateNew {
			st.State = StateDirty
		}
		st.LastModifiedTime = time.Now()
		e.cache.InvalidateNode(id)
		_ = e.tracker.MarkDirty(id, DirtyNormal)
	}
	return nil
}

// EvaluateAll walks the whole graph in topological order. Nodes whose
// signature still matches a cache entry are served from the cache; the
// rest are recomputed.
func (e *Engine) EvaluateAll(ctx context.Context) *EvaluationResult {
	order, err := e.tracker.TopologicalOrder(nil, false)
	if err != nil {
		return e.failedResult(ModeFull, err)
	}
	e.ec.Monitor().RecordFullRun()
	return e.evaluateOrder(ctx, ModeFull, order)
}

// EvaluateIncremental computes the affected set (the closure of sources
// under dependents) and evaluates the restricted topological order that
// also covers the affected set's clean dependencies. A source that is
// currently dirty has itself and its transitive dependents marked dirty
// first; a clean source's dependents are walked but not re-marked, so
// their current cache entries are served. An empty sources slice is a
// successful no-op.
func (e *Engine) EvaluateIncremental(ctx context.Context, sources []string) *EvaluationResult {
	if len(sources) == 0 {
		return &EvaluationResult{
			RunID:   uuid.NewString(),
			Success: true,
			Mode:    ModeIncremental,
			Errors:  map[string]string{},
		}
	}

	affected := make(map[string]struct{})
	dirtied := make(map[string]struct{})
	for _, src := range sources {
		if !e.tracker.Registered(src) {
			return e.failedResult(ModeIncremental, fmt.Errorf("%w: %s", ErrUnknownNode, src))
		}
		affected[src] = struct{}{}
		for _, dep := range e.tracker.TransitiveDependents(src) {
			affected[dep] = struct{}{}
		}
		// Only a currently-dirty source propagates dirtiness: a clean
		// source means its change was already absorbed, and re-marking
		// it would defeat the second-run-is-free property.
		if e.tracker.IsDirty(src) {
			dirtied[src] = struct{}{}
			for _, dep := range e.tracker.TransitiveDependents(src) {
				dirtied[dep] = struct{}{}
			}
		}
	}

	subset := make([]string, 0, len(affected))
	for id := range affected {
		subset = append(subset, id)
	}

	toMark := make([]string, 0, len(dirtied))
	for id := range dirtied {
		toMark = append(toMark, id)
	}
	e.tracker.MarkDirtyBatch(toMark, DirtyNormal)
	e.mu.Lock()
	for id := range dirtied {
		if st, ok := e.states[id]; ok {
			st.IsDirty = true
			if st.State != StateNew {
				st.State = StateDirty
			}
		}
	}
	e.mu.Unlock()

	order, err := e.tracker.TopologicalOrder(subset, true)
	if err != nil {
		return e.failedResult(ModeIncremental, err)
	}
	e.ec.Monitor().RecordIncrementalRun()
	return e.evaluateOrder(ctx, ModeIncremental, order)
}

// EvaluateNode evaluates id and all its transitive dependencies in
// topological order.
func (e *Engine) EvaluateNode(ctx context.Context, id string) *EvaluationResult {
	if !e.tracker.Registered(id) {
		return e.failedResult(ModeSingle, fmt.Errorf("%w: %s", ErrUnknownNode, id))
	}
	order, err := e.tracker.TopologicalOrder([]string{id}, true)
	if err != nil {
		return e.failedResult(ModeSingle, err)
	}
	return e.evaluateOrder(ctx, ModeSingle, order)
}

// GetResult returns the node's cached value when its signature still
// matches; otherwise it re-evaluates the node (and stale dependencies)
// and returns the fresh value.
func (e *Engine) GetResult(ctx context.Context, id string) (any, error) {
	e.mu.RLock()
	st, ok := e.states[id]
	sig := e.signatures[id]
	if !ok {
		e.mu.RUnlock()
		return nil, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	fresh := st.IsEvaluated && !st.IsDirty
	e.mu.RUnlock()

	if fresh {
		if value, hit := e.cache.Get(id, sig); hit {
			e.metrics.CacheHit()
			e.ec.Monitor().RecordCacheHit()
			return value, nil
		}
	}

	result := e.EvaluateNode(ctx, id)
	if msg, failed := result.Errors[id]; failed {
		return nil, &NodeError{NodeID: id, Message: msg}
	}
	if !result.Success {
		return nil, fmt.Errorf("evaluation of %s did not complete: %d failures", id, result.FailedCount)
	}

	e.mu.RLock()
	sig = e.signatures[id]
	e.mu.RUnlock()
	value, hit := e.cache.Get(id, sig)
	if !hit {
		return nil, &NodeError{NodeID: id, Message: "no cached value after evaluation"}
	}
	return value, nil
}

// EvaluateOptimal selects the strategy: full evaluation when nothing is
// dirty (the walk is pure cache hits) or when more than half the graph is
// dirty, incremental otherwise. Beyond half the graph, restricting the
// order costs more than it saves.
func (e *Engine) EvaluateOptimal(ctx context.Context) *EvaluationResult {
	dirty := e.tracker.DirtyNodes()
	total := e.tracker.NodeCount()

	if len(dirty) == 0 || total == 0 || float64(len(dirty))/float64(total) > 0.5 {
		return e.EvaluateAll(ctx)
	}
	return e.EvaluateIncremental(ctx, dirty)
}

// ClearAllDirty clears every node's dirty flag and resets the guardrail
// context to Normal mode with full budgets.
func (e *Engine) ClearAllDirty() {
	e.tracker.ClearAllDirty()
	e.mu.Lock()
	for _, st := range e.states {
		if st.IsDirty {
			st.IsDirty = false
			if !st.IsEvaluated {
				st.State = StateClean
			}
		}
	}
	e.mu.Unlock()
	e.ec.Reset()
	e.metrics.SetDirtyNodes(0)
}

// GraphStats is a snapshot of engine-level counters.
type GraphStats struct {
	NodeCount   int
	DirtyCount  int
	StateCounts map[NodeState]int
	Cache       CacheStats
}

// Stats returns a snapshot of the engine's counters.
func (e *Engine) Stats() GraphStats {
	e.mu.RLock()
	counts := make(map[NodeState]int)
	for _, st := range e.states {
		counts[st.State]++
	}
	nodeCount := len(e.nodes)
	e.mu.RUnlock()

	return GraphStats{
		NodeCount:   nodeCount,
		DirtyCount:  e.tracker.DirtyNodeCount(),
		StateCounts: counts,
		Cache:       e.cache.Stats(),
	}
}

// evaluateOrder runs the batch: every node in order, sequentially or in
// dependency-respecting waves, accumulating the per-node outcomes.
func (e *Engine) evaluateOrder(ctx context.Context, mode EvaluationMode, order []string) *EvaluationResult {
	start := time.Now()
	result := &EvaluationResult{
		RunID:           uuid.NewString(),
		Mode:            mode,
		EvaluationOrder: order,
		Errors:          map[string]string{},
	}

	e.ec.BeginEvaluation()
	e.emit(emit.Event{RunID: result.RunID, Msg: "run_start", Meta: map[string]any{
		"mode": string(mode), "nodes": len(order),
	}})

	if e.opts.MaxConcurrent > 1 {
		e.evaluateWaves(ctx, result, order)
	} else {
		e.evaluateSequential(ctx, result, order)
	}

	result.TotalEvaluationTime = time.Since(start)
	result.Success = result.FailedCount == 0 && ctx.Err() == nil

	e.metrics.SetDirtyNodes(e.tracker.DirtyNodeCount())
	e.emit(emit.Event{RunID: result.RunID, Msg: "run_complete", Meta: map[string]any{
		"success":   result.Success,
		"evaluated": result.EvaluatedCount,
		"cached":    result.CachedResultsUsed,
		"failed":    result.FailedCount,
	}})
	e.persistRun(result, start)
	return result
}

func (e *Engine) evaluateSequential(ctx context.Context, result *EvaluationResult, order []string) {
	failed := make(map[string]struct{})
	for seq, id := range order {
		if ctx.Err() != nil {
			result.Errors[id] = guard.ErrCancelled.Error()
			result.FailedCount++
			return
		}
		if dep, bad := e.failedDependency(id, failed); bad {
			result.Errors[id] = fmt.Sprintf("dependency %s failed", dep)
			result.FailedCount++
			failed[id] = struct{}{}
			if e.opts.AbortOnFirstError {
				return
			}
			continue
		}

		evaluated, cached, err := e.evaluateSingle(ctx, result.RunID, seq, id)
		switch {
		case err != nil:
			result.Errors[id] = err.Error()
			result.FailedCount++
			failed[id] = struct{}{}
			if e.opts.AbortOnFirstError {
				return
			}
		case evaluated:
			result.EvaluatedCount++
		case cached:
			result.CachedResultsUsed++
		}
	}
}

// evaluateWaves evaluates independent nodes of each topological wave
// concurrently, bounded by MaxConcurrent. No node starts before all its
// dependencies have finished.
func (e *Engine) evaluateWaves(ctx context.Context, result *EvaluationResult, order []string) {
	inOrder := make(map[string]struct{}, len(order))
	for _, id := range order {
		inOrder[id] = struct{}{}
	}

	done := make(map[string]struct{}, len(order))
	failed := make(map[string]struct{})
	var resultMu sync.Mutex

	seq := 0
	for len(done) < len(order) {
		if ctx.Err() != nil {
			resultMu.Lock()
			result.FailedCount++
			result.Errors["(run)"] = guard.ErrCancelled.Error()
			resultMu.Unlock()
			return
		}

		var wave []string
		for _, id := range order {
			if _, finished := done[id]; finished {
				continue
			}
			ready := true
			for _, dep := range e.tracker.DirectDependencies(id) {
				if _, in := inOrder[dep]; !in {
					continue
				}
				if _, finished := done[dep]; !finished {
					ready = false
					break
				}
			}
			if ready {
				wave = append(wave, id)
			}
		}
		if len(wave) == 0 {
			// Should be impossible on an acyclic order.
			return
		}

		g := new(errgroup.Group)
		g.SetLimit(e.opts.MaxConcurrent)
		for _, id := range wave {
			id := id
			waveSeq := seq
			seq++

			// A node's dependencies all finished in earlier waves, so
			// the failed set is stable for this check; take the lock
			// anyway because same-wave goroutines append their own
			// failures concurrently.
			resultMu.Lock()
			dep, bad := e.failedDependency(id, failed)
			if bad {
				result.Errors[id] = fmt.Sprintf("dependency %s failed", dep)
				result.FailedCount++
				failed[id] = struct{}{}
			}
			resultMu.Unlock()
			if bad {
				continue
			}

			g.Go(func() error {
				evaluated, cached, err := e.evaluateSingle(ctx, result.RunID, waveSeq, id)
				resultMu.Lock()
				defer resultMu.Unlock()
				switch {
				case err != nil:
					result.Errors[id] = err.Error()
					result.FailedCount++
					failed[id] = struct{}{}
				case evaluated:
					result.EvaluatedCount++
				case cached:
					result.CachedResultsUsed++
				}
				return nil
			})
		}
		_ = g.Wait()

		for _, id := range wave {
			done[id] = struct{}{}
		}
		if e.opts.AbortOnFirstError && result.FailedCount > 0 {
			return
		}
	}
}

// failedDependency reports whether any direct dependency of id is in the
// failed set of the current batch.
func (e *Engine) failedDependency(id string, failed map[string]struct{}) (string, bool) {
	for _, dep := range e.tracker.DirectDependencies(id) {
		if _, bad := failed[dep]; bad {
			return dep, true
		}
	}
	return "", false
}

// evaluateSingle evaluates one node under its per-node mutex:
// cache lookup for clean evaluated nodes, dependency-readiness
// validation, guardrailed Evaluate, cache insert and state transition.
func (e *Engine) evaluateSingle(ctx context.Context, runID string, seq int, id string) (evaluated, cached bool, err error) {
	mu := e.nodeMutex(id)
	if mu == nil {
		return false, false, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	mu.Lock()
	defer mu.Unlock()

	e.mu.RLock()
	node, ok := e.nodes[id]
	if !ok {
		e.mu.RUnlock()
		return false, false, fmt.Errorf("%w: %s", ErrUnknownNode, id)
	}
	st := *e.states[id]
	sig := e.signatures[id]
	e.mu.RUnlock()

	if st.IsEvaluated && !st.IsDirty {
		if _, hit := e.cache.Get(id, sig); hit {
			e.metrics.CacheHit()
			e.ec.Monitor().RecordCacheHit()
			e.emit(emit.Event{RunID: runID, Seq: seq, NodeID: id, Msg: "node_cached"})
			return false, true, nil
		}
	}
	// Every recomputation counts as a miss, whether the entry was absent,
	// expired, or invalidated by a signature change.
	e.metrics.CacheMiss()
	e.ec.Monitor().RecordCacheMiss()

	for _, dep := range e.tracker.DirectDependencies(id) {
		e.mu.RLock()
		depState, ok := e.states[dep]
		ready := ok && depState.State == StateEvaluated
		e.mu.RUnlock()
		if !ready {
			return false, false, fmt.Errorf("%w: %s requires %s", ErrDependencyNotReady, id, dep)
		}
	}

	e.metrics.EvaluationStarted()
	e.emit(emit.Event{RunID: runID, Seq: seq, NodeID: id, Msg: "node_evaluate"})
	start := time.Now()

	value, evalErr := e.ec.ExecuteWithGuardrails(ctx, "evaluate:"+id, func(opCtx context.Context) (any, error) {
		return node.Evaluate(opCtx, e.ec)
	})
	took := time.Since(start)

	if evalErr != nil {
		status := "error"
		if guard.IsCancelled(evalErr) {
			status = "cancelled"
		}
		e.metrics.EvaluationFinished(runID, id, status, took)
		e.ec.Monitor().RecordNodeEvaluation(id, took, false)
		if guard.IsViolation(evalErr) {
			var le *guard.LimitError
			if errors.As(evalErr, &le) {
				e.metrics.GuardrailViolation(le.Limit)
			}
		}
		e.setErrorState(id)
		e.emit(emit.Event{RunID: runID, Seq: seq, NodeID: id, Msg: "node_error", Meta: map[string]any{
			"error": evalErr.Error(),
		}})
		if guard.IsCancelled(evalErr) {
			// No cache entry, state stays dirty: the next run retries.
			return false, false, evalErr
		}
		return false, false, &NodeError{NodeID: id, Message: evalErr.Error(), Cause: evalErr}
	}

	// Cache write happens before the state transition to Evaluated, so a
	// reader observing Evaluated always finds the matching entry.
	e.cache.Put(id, sig, value)

	e.mu.Lock()
	cur := e.states[id]
	cur.State = StateEvaluated
	cur.IsEvaluated = true
	cur.IsDirty = false
	cur.LastEvaluationTime = time.Now()
	cur.EvaluationCount++
	e.mu.Unlock()
	_ = e.tracker.ClearDirty(id)

	e.metrics.EvaluationFinished(runID, id, "success", took)
	e.ec.Monitor().RecordNodeEvaluation(id, took, true)
	e.emit(emit.Event{RunID: runID, Seq: seq, NodeID: id, Msg: "node_evaluated", Meta: map[string]any{
		"duration_ms": took.Milliseconds(),
	}})
	return true, false, nil
}

func (e *Engine) setErrorState(id string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if st, ok := e.states[id]; ok {
		st.State = StateError
		st.IsDirty = true
	}
}

func (e *Engine) nodeMutex(id string) *sync.Mutex {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.nodeMu[id]
}

func (e *Engine) failedResult(mode EvaluationMode, err error) *EvaluationResult {
	return &EvaluationResult{
		RunID:       uuid.NewString(),
		Mode:        mode,
		FailedCount: 1,
		Errors:      map[string]string{"(run)": err.Error()},
	}
}

func (e *Engine) emit(ev emit.Event) {
	if e.emitter != nil {
		e.emitter.Emit(ev)
	}
}

func (e *Engine) persistRun(result *EvaluationResult, start time.Time) {
	if e.history == nil {
		return
	}
	rec := store.EvaluationRecord{
		RunID:             result.RunID,
		Mode:              string(result.Mode),
		StartedAt:         start,
		Duration:          result.TotalEvaluationTime,
		EvaluatedCount:    result.EvaluatedCount,
		FailedCount:       result.FailedCount,
		CachedResultsUsed: result.CachedResultsUsed,
		EvaluationOrder:   result.EvaluationOrder,
		Errors:            result.Errors,
	}
	saveCtx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.history.SaveRun(saveCtx, rec); err != nil {
		e.ec.Logger().Error().Err(err).Str("run_id", result.RunID).Msg("failed to persist run record")
	}
}
