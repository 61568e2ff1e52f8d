package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/nodelab/flowd/internal/flow/model"
	"github.com/nodelab/flowd/internal/flow/store"
)

// Display strings on result nodes are capped at this many characters; the
// full value stays reachable through full_ref / raw_value.
const displayLimit = 1500

// execAux handles the zero-cost node kinds (start, text input, result)
// inline on the scheduler goroutine.
func (x *Executor) execAux(req Request, plan *runPlan, node *model.Node, nodeOutputs map[string]any) *NodeResult {
	switch {
	case node.IsStart():
		var out any
		if node.ID == plan.startID {
			out = req.Params
		}
		return &NodeResult{
			Status: StatusSuccess,
			Output: out,
			Logs:   []string{"Start node - flow initiated"},
		}
	case node.IsTextInput():
		return x.execTextInput(req, node)
	case node.IsResult():
		return x.execResult(req, plan, node, nodeOutputs)
	}
	// Unreachable: every non-main kind is handled above.
	return &NodeResult{Status: StatusError, Error: "unhandled node kind " + node.Type, Logs: []string{}}
}

func (x *Executor) execTextInput(req Request, node *model.Node) *NodeResult {
	seed, ok := req.TerminalSeed[node.ID]
	if ok {
		seed = unwrapSeed(seed)
	}
	if !ok || seed == nil || seed == "" {
		return &NodeResult{
			Status: StatusSuccess,
			Output: "",
			Logs:   []string{"Text Input node - no stored value"},
		}
	}
	return &NodeResult{
		Status: StatusSuccess,
		Output: seed,
		Logs:   []string{"Text Input node - using stored value"},
	}
}

// unwrapSeed peels the convenience envelopes the frontend may wrap seed
// values in.
func unwrapSeed(v any) any {
	m, ok := v.(map[string]any)
	if !ok {
		return v
	}
	for _, key := range []string{"value", "raw_value", "display"} {
		if inner, ok := m[key]; ok {
			return inner
		}
	}
	return v
}

func (x *Executor) execResult(req Request, plan *runPlan, node *model.Node, nodeOutputs map[string]any) *NodeResult {
	raw, has := x.resultInput(req, plan, node, nodeOutputs)
	if !has {
		if seed, ok := req.TerminalSeed[node.ID]; ok && seed != nil {
			raw = seed
			has = true
		}
	}
	if !has {
		raw = ""
	}

	var fullRef any
	actual := raw
	if ref, ok := store.IsReference(raw); ok {
		fullRef = ref
		actual = x.Store.Unwrap(req.ProjectID, raw)
	}
	display, truncated := renderDisplay(actual)

	return &NodeResult{
		Status: StatusSuccess,
		Output: actual,
		Logs:   []string{"Result node - passing through data"},
		DisplayMetadata: map[string]any{
			"display":      display,
			"full_ref":     fullRef,
			"is_truncated": truncated,
			"raw_value":    actual,
		},
	}
}

// resultInput assembles the incoming value for a result node. Fan-in goes
// through the same edge assembly main nodes use. A single edge keeps a
// reference envelope intact so display metadata can surface full_ref, except
// when a sourceHandle projects a key out of the stored value.
func (x *Executor) resultInput(req Request, plan *runPlan, node *model.Node, nodeOutputs map[string]any) (any, bool) {
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
	switch len(edges) {
	case 0:
		return nil, false
	case 1:
		e := edges[0]
		v := nodeOutputs[e.Source]
		if _, isRef := store.IsReference(v); isRef {
			if e.SourceHandle != "" {
				if m, ok := x.Store.Unwrap(req.ProjectID, v).(map[string]any); ok {
					if projected, ok := m[e.SourceHandle]; ok {
						return projected, true
					}
				}
			}
			return v, true
		}
		if m, ok := v.(map[string]any); ok && e.SourceHandle != "" {
			if projected, ok := m[e.SourceHandle]; ok {
				return projected, true
			}
		}
		return v, true
	default:
		return x.assembleInput(req, plan, node, nodeOutputs), true
	}
}

// renderDisplay produces the human-facing form of a result value. Strings
// and serialized aggregates are capped at displayLimit with a "..." marker;
// other scalars pass through untouched.
func renderDisplay(v any) (any, bool) {
	switch val := v.(type) {
	case string:
		if len(val) > displayLimit {
			return val[:displayLimit] + "...", true
		}
		return val, false
	case map[string]any, []any:
		b, err := json.MarshalIndent(val, "", "  ")
		s := ""
		if err != nil {
			s = fmt.Sprint(val)
		} else {
			s = string(b)
		}
		if len(s) > displayLimit {
			return s[:displayLimit] + "...", true
		}
		return s, false
	default:
		return v, false
	}
}

// execMain runs a user-code node through the evaluator and wraps its output
// per the store policy.
func (x *Executor) execMain(ctx context.Context, req Request, plan *runPlan, node *model.Node, input any, timeout time.Duration) *NodeResult {
	file := node.File()
	path := filepath.Join(plan.root, file)
	if _, err := os.Stat(path); err != nil {
		available := strings.Join(x.Resolver.NodeFiles(req.ProjectID), ", ")
		return &NodeResult{
			Status:    StatusError,
			Error:     fmt.Sprintf("node file not found: %s", path),
			Traceback: fmt.Sprintf("node file not found: %s (project files: %s)", path, available),
			Logs:      []string{},
		}
	}

	resp, err := x.Evaluator.Exec(ctx, req.ProjectID, file, input, timeout)
	if err != nil {
		return &NodeResult{Status: StatusError, Error: err.Error(), Logs: []string{}}
	}
	if !resp.OK {
		return &NodeResult{
			Status:          StatusError,
			Error:           resp.Error,
			Traceback:       resp.Traceback,
			ExecutionTimeMS: resp.TimeMS,
			Logs:            logsOrEmpty(resp.Logs),
		}
	}
	return &NodeResult{
		Status:          StatusSuccess,
		Output:          x.Store.Wrap(req.ProjectID, node.ID, resp.Output),
		ExecutionTimeMS: resp.TimeMS,
		Logs:            logsOrEmpty(resp.Logs),
	}
}

func logsOrEmpty(logs []string) []string {
	if logs == nil {
		return []string{}
	}
	return logs
}
