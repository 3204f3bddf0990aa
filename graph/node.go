package graph

import (
	"context"

	"github.com/motionforge/evalgraph/graph/guard"
)

// Node is a unit of computation in the evaluation graph.
//
// A node declares named inputs and outputs and produces one value per
// evaluation. Nodes must be deterministic given equal inputs; side effects
// are permitted but must be idempotent under re-evaluation, because the
// engine may skip an evaluation entirely when the node's signature is
// unchanged.
//
// Inputs holding a NodeRef establish a dependency edge from this node to
// the referenced node; the engine discovers those edges when the node is
// added.
type Node interface {
	// ID returns the node's unique identifier within one engine.
	ID() string

	// Inputs returns the current input map. The engine iterates it in
	// sorted key order when computing signatures, so map iteration
	// order never leaks into caching behavior.
	Inputs() map[string]any

	// Outputs declares the node's output names and their value type
	// names. Informational; the engine does not interpret types.
	Outputs() map[string]string

	// Evaluate computes the node's value. ctx carries cancellation and
	// deadlines; ec exposes the guardrails (ValidateCanProceed for
	// cooperative checkpoints in long loops, resource tracking, and the
	// renderer/audio/resource capability handles).
	Evaluate(ctx context.Context, ec *guard.Context) (any, error)
}

// NodeRef is an input value denoting another node's output. An input
// carrying a NodeRef makes the owning node depend on the referenced node.
type NodeRef struct {
	// NodeID is the referenced node's identifier.
	NodeID string

	// Output names which of the referenced node's outputs is consumed.
	Output string
}

// FuncNode adapts a plain function into a Node, for nodes that need no
// state of their own.
//
// Example:
//
//	sum := graph.NewFuncNode("sum", inputs, func(ctx context.Context, ec *guard.Context) (any, error) {
//	    return a + b, nil
//	})
type FuncNode struct {
	id      string
	inputs  map[string]any
	outputs map[string]string
	fn      func(ctx context.Context, ec *guard.Context) (any, error)
}

// NewFuncNode builds a FuncNode with a single declared output named
// "value".
func NewFuncNode(id string, inputs map[string]any, fn func(ctx context.Context, ec *guard.Context) (any, error)) *FuncNode {
	return &FuncNode{
		id:      id,
		inputs:  inputs,
		outputs: map[string]string{"value": "any"},
		fn:      fn,
	}
}

// ID implements Node.
func (n *FuncNode) ID() string { return n.id }

// Inputs implements Node.
func (n *FuncNode) Inputs() map[string]any { return n.inputs }

// Outputs implements Node.
func (n *FuncNode) Outputs() map[string]string { return n.outputs }

// Evaluate implements Node.
func (n *FuncNode) Evaluate(ctx context.Context, ec *guard.Context) (any, error) {
	return n.fn(ctx, ec)
}

// SetInputs replaces the node's input map. Callers normally go through
// Engine.UpdateNodeInputs so the signature and dirty state stay in sync.
func (n *FuncNode) SetInputs(inputs map[string]any) { n.inputs = inputs }

// refInputs extracts the dependency ids referenced by a node's inputs, in
// sorted input-name order, deduplicated.
func refInputs(inputs map[string]any) []string {
	seen := make(map[string]struct{})
	var ids []string
	for _, name := range sortedKeys(inputs) {
		if ref, ok := inputs[name].(NodeRef); ok {
			if _, dup := seen[ref.NodeID]; !dup {
				seen[ref.NodeID] = struct{}{}
				ids = append(ids, ref.NodeID)
			}
		}
	}
	return ids
}
