package engine

import (
	"github.com/nodelab/flowd/internal/flow/model"
	"github.com/nodelab/flowd/internal/flow/store"
)

// assembleInput builds the input value for a node from its in-edges, using
// only edges whose source has a stored output. References are unwrapped per
// edge; sourceHandle projects a key out of mapping outputs; targetHandle
// shapes the callee-side keyword mapping.
func (x *Executor) assembleInput(req Request, plan *runPlan, node *model.Node, nodeOutputs map[string]any) any {
	var edges []*model.Edge
	for _, e := range plan.g.Incoming(node.ID) {
		if !plan.reachable[e.Source] {
			continue
		}
		if _, ok := nodeOutputs[e.Source]; !ok {
			continue
		}
		edges = append(edges, e)
	}

	if len(edges) == 0 {
		if node.ID == plan.startID && req.Params != nil {
			return req.Params
		}
		return nil
	}

	if len(edges) == 1 {
		e := edges[0]
		value := x.extractEdgeValue(req.ProjectID, nodeOutputs[e.Source], e.SourceHandle)
		if e.TargetHandle == "" {
			return value
		}
		// A mapping that already carries exactly the target-handle keys was
		// pre-structured upstream and is passed through untouched.
		if m, ok := value.(map[string]any); ok && keysMatchHandles(m, edges) {
			return m
		}
		return map[string]any{e.TargetHandle: value}
	}

	// Fan-in: one key per edge; colliding target handles resolve to the
	// last edge in declaration order.
	input := map[string]any{}
	for _, e := range edges {
		value := x.extractEdgeValue(req.ProjectID, nodeOutputs[e.Source], e.SourceHandle)
		key := e.TargetHandle
		if key == "" {
			key = "input_" + e.Source
		}
		input[key] = value
	}
	return input
}

// extractEdgeValue unwraps a stored output and applies sourceHandle
// projection when the unwrapped value is a mapping carrying that key.
func (x *Executor) extractEdgeValue(projectID string, v any, sourceHandle string) any {
	if _, ok := store.IsReference(v); ok {
		v = x.Store.Unwrap(projectID, v)
	}
	if m, ok := v.(map[string]any); ok && sourceHandle != "" {
		if projected, ok := m[sourceHandle]; ok {
			return projected
		}
	}
	return v
}

// keysMatchHandles reports whether m's key set is exactly the set of target
// handles on the edges. Any handleless edge disqualifies the match.
func keysMatchHandles(m map[string]any, edges []*model.Edge) bool {
	handles := map[string]bool{}
	for _, e := range edges {
		if e.TargetHandle == "" {
			return false
		}
		handles[e.TargetHandle] = true
	}
	if len(m) != len(handles) {
		return false
	}
	for k := range m {
		if !handles[k] {
			return false
		}
	}
	return true
}
