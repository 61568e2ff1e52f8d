// Package engine runs node flows: it computes the reachable slice around a
// start node, executes its nodes with bounded concurrency honoring the edge
// handle mappings, routes values through the object store, and reports
// per-node results either as one aggregate or as a live event stream.
package engine

import (
	"context"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/rs/zerolog"

	"github.com/nodelab/flowd/internal/flow/project"
	"github.com/nodelab/flowd/internal/flow/sandbox"
	"github.com/nodelab/flowd/internal/flow/store"
)

const (
	StatusSuccess = "success"
	StatusError   = "error"
	StatusSkipped = "skipped"
)

const (
	defaultMaxWorkers = 4
	defaultTimeoutSec = 30
)

// Evaluator executes one node's code. Implementations own timeout
// enforcement: Exec must return once timeout elapses, because the scheduler
// places no deadline of its own around the call. *worker.Manager is the
// production implementation; tests substitute in-process fakes.
type Evaluator interface {
	Exec(ctx context.Context, projectID, file string, input any, timeout time.Duration) (sandbox.Response, error)
}

// Executor wires the engine's collaborators. One Executor serves many runs.
type Executor struct {
	Resolver  *project.Resolver
	Store     *store.Store
	Evaluator Evaluator
	Log       zerolog.Logger
}

// Request describes one run. Zero-value optional fields take defaults from
// applyDefaults; pointer fields distinguish "unset" from explicit zero.
type Request struct {
	ProjectID    string
	StartNodeID  string
	Params       any
	TerminalSeed map[string]any
	MaxWorkers   *int
	TimeoutSec   *int
	HaltOnError  *bool
}

func (r *Request) applyDefaults() {
	if r.MaxWorkers == nil || *r.MaxWorkers < 1 {
		v := defaultMaxWorkers
		r.MaxWorkers = &v
	}
	if r.TimeoutSec == nil || *r.TimeoutSec < 1 {
		v := defaultTimeoutSec
		r.TimeoutSec = &v
	}
	if r.HaltOnError == nil {
		v := true
		r.HaltOnError = &v
	}
}

// NodeResult is the execution record of a single node.
type NodeResult struct {
	Status          string         `json:"status"`
	Output          any            `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	Traceback       string         `json:"traceback,omitempty"`
	ExecutionTimeMS float64        `json:"execution_time_ms"`
	Logs            []string       `json:"logs"`
	DisplayMetadata map[string]any `json:"display_metadata,omitempty"`
}

// Result is the aggregate outcome of a run.
type Result struct {
	Success              bool                   `json:"success"`
	RunID                string                 `json:"run_id"`
	ExecutionResults     map[string]*NodeResult `json:"execution_results"`
	ResultNodes          map[string]any         `json:"result_nodes"`
	ExecutionOrder       []string               `json:"execution_order"`
	TotalExecutionTimeMS float64                `json:"total_execution_time_ms"`
}

// Event is one streamed progress message: a flat object whose "type" key is
// start, node_complete, or complete.
type Event map[string]any

// ExecuteFlow runs the flow to completion and returns the aggregate record.
// Graph-level problems (missing start, cycle) surface as the error; node
// failures live in the per-node records.
func (x *Executor) ExecuteFlow(ctx context.Context, req Request) (*Result, error) {
	return x.run(ctx, req, nil)
}

// ExecuteFlowStreaming starts the flow and returns a channel of progress
// events, closed after the final complete event. Graph-level problems are
// returned synchronously before any event is emitted.
func (x *Executor) ExecuteFlowStreaming(ctx context.Context, req Request) (<-chan Event, error) {
	req.applyDefaults()
	plan, err := x.plan(req)
	if err != nil {
		return nil, err
	}
	events := make(chan Event)
	go func() {
		defer close(events)
		emit := func(ev Event) {
			select {
			case events <- ev:
			case <-ctx.Done():
			}
		}
		if _, err := x.execute(ctx, req, plan, emit); err != nil {
			x.Log.Error().Str("project", req.ProjectID).Err(err).Msg("streaming run aborted")
		}
	}()
	return events, nil
}

func (x *Executor) run(ctx context.Context, req Request, emit func(Event)) (*Result, error) {
	req.applyDefaults()
	plan, err := x.plan(req)
	if err != nil {
		return nil, err
	}
	return x.execute(ctx, req, plan, emit)
}

func newRunID(projectID string) string {
	return ulid.Make().String() + "-" + projectID
}
