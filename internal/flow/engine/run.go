package engine

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/nodelab/flowd/internal/flow/graph"
	"github.com/nodelab/flowd/internal/flow/model"
)

// runPlan is everything derived from the structure file before the first
// node executes: the reachable slice, its order, dependency sets, and the
// progress bookkeeping for events.
type runPlan struct {
	root      string
	g         *model.Graph
	startID   string
	reachable map[string]bool
	order     []string
	deps      map[string]map[string]bool

	mainIndex map[string]int // topological position among main nodes, 0-based
	mainTotal int

	inputResults  []string // result nodes with no in-edge from the slice
	outputResults []string
}

func (x *Executor) plan(req Request) (*runPlan, error) {
	root, err := x.Resolver.ProjectPath(req.ProjectID)
	if err != nil {
		return nil, err
	}
	g, err := model.Load(root)
	if err != nil {
		return nil, err
	}

	startID := req.StartNodeID
	if startID == "" {
		startID, err = g.FindStart()
		if err != nil {
			return nil, err
		}
	} else if g.Nodes[startID] == nil {
		return nil, fmt.Errorf("start node %s not found", startID)
	}

	reachable := graph.Reachable(g, startID)
	order, err := graph.TopoSort(g, reachable)
	if err != nil {
		return nil, err
	}

	plan := &runPlan{
		root:      root,
		g:         g,
		startID:   startID,
		reachable: reachable,
		order:     order,
		deps:      graph.Dependencies(g, reachable),
		mainIndex: map[string]int{},
	}
	for _, id := range order {
		node := g.Nodes[id]
		if node.IsMain() {
			plan.mainIndex[id] = plan.mainTotal
			plan.mainTotal++
		}
		if node.IsResult() {
			if len(plan.deps[id]) > 0 {
				plan.outputResults = append(plan.outputResults, id)
			} else {
				plan.inputResults = append(plan.inputResults, id)
			}
		}
	}
	return plan, nil
}

type completion struct {
	id  string
	rec *NodeResult
}

func (x *Executor) execute(ctx context.Context, req Request, plan *runPlan, emit func(Event)) (*Result, error) {
	if emit == nil {
		emit = func(Event) {}
	}
	runStart := time.Now()
	res := &Result{
		RunID:            newRunID(req.ProjectID),
		ExecutionResults: map[string]*NodeResult{},
		ResultNodes:      map[string]any{},
		ExecutionOrder:   plan.order,
	}
	x.Log.Info().
		Str("project", req.ProjectID).
		Str("run", res.RunID).
		Int("nodes", len(plan.order)).
		Int("main", plan.mainTotal).
		Msg("flow started")

	emit(Event{
		"type":                "start",
		"total_nodes":         plan.mainTotal,
		"execution_order":     plan.order,
		"affected_nodes":      plan.order,
		"input_result_nodes":  listOrEmpty(plan.inputResults),
		"output_result_nodes": listOrEmpty(plan.outputResults),
		"timestamp":           timestamp(),
	})

	halt := *req.HaltOnError
	maxWorkers := *req.MaxWorkers
	timeout := time.Duration(*req.TimeoutSec) * time.Second

	nodeOutputs := map[string]any{}
	skipOrigin := map[string]string{}
	completions := make(chan completion)
	inflight := map[string]bool{}
	running := 0
	completedMain := 0
	canceled := false

	finish := func(id string, rec *NodeResult) {
		res.ExecutionResults[id] = rec
		node := plan.g.Nodes[id]
		if rec.Status == StatusSuccess {
			nodeOutputs[id] = rec.Output
			if node.IsResult() {
				res.ResultNodes[id] = rec.Output
			}
		}
		switch {
		case node.IsResult():
			// Result nodes report the current progress count without
			// advancing it.
			emit(nodeCompleteEvent(node, rec, completedMain, plan.mainTotal))
		case node.IsMain():
			completedMain++
			emit(nodeCompleteEvent(node, rec, plan.mainIndex[id]+1, plan.mainTotal))
		}
	}

	depsDone := func(id string) bool {
		for dep := range plan.deps[id] {
			if _, ok := res.ExecutionResults[dep]; !ok {
				return false
			}
		}
		return true
	}
	// failedOrigin walks one dependency level: a direct error names the dep
	// itself, a skipped dep forwards the failure it was skipped for.
	failedOrigin := func(id string) string {
		for dep := range plan.deps[id] {
			rec := res.ExecutionResults[dep]
			if rec == nil {
				continue
			}
			if rec.Status == StatusError {
				return dep
			}
			if rec.Status == StatusSkipped && skipOrigin[dep] != "" {
				return skipOrigin[dep]
			}
		}
		return ""
	}

	for len(res.ExecutionResults) < len(plan.order) {
		if !canceled {
			progress := true
			for progress {
				progress = false
				for _, id := range plan.order {
					if _, done := res.ExecutionResults[id]; done || inflight[id] {
						continue
					}
					if !depsDone(id) {
						continue
					}
					node := plan.g.Nodes[id]
					if halt {
						if origin := failedOrigin(id); origin != "" {
							skipOrigin[id] = origin
							finish(id, &NodeResult{
								Status: StatusSkipped,
								Error:  fmt.Sprintf("Skipped due to error in dependency %s", origin),
								Logs:   []string{},
							})
							progress = true
							continue
						}
					}
					if !node.IsMain() {
						finish(id, x.execAux(req, plan, node, nodeOutputs))
						progress = true
						continue
					}
					if running >= maxWorkers {
						continue
					}
					input := x.assembleInput(req, plan, node, nodeOutputs)
					inflight[id] = true
					running++
					go func(id string, node *model.Node, input any) {
						completions <- completion{id: id, rec: x.execMain(ctx, req, plan, node, input, timeout)}
					}(id, node, input)
				}
			}
		}

		if len(res.ExecutionResults) == len(plan.order) {
			break
		}
		if running == 0 {
			if canceled {
				return res, ctx.Err()
			}
			return res, fmt.Errorf("execution stalled: %d of %d nodes never became ready",
				len(plan.order)-len(res.ExecutionResults), len(plan.order))
		}
		if canceled {
			c := <-completions
			running--
			delete(inflight, c.id)
			finish(c.id, c.rec)
			continue
		}
		select {
		case c := <-completions:
			running--
			delete(inflight, c.id)
			finish(c.id, c.rec)
		case <-ctx.Done():
			canceled = true
			x.Log.Warn().Str("run", res.RunID).Msg("run canceled, draining in-flight nodes")
		}
	}
	if canceled {
		return res, ctx.Err()
	}

	res.Success = true
	for _, rec := range res.ExecutionResults {
		if rec.Status == StatusError {
			res.Success = false
			break
		}
	}
	res.TotalExecutionTimeMS = roundMS(time.Since(runStart))

	emit(Event{
		"type":                    "complete",
		"execution_results":       res.ExecutionResults,
		"result_nodes":            res.ResultNodes,
		"execution_order":         plan.order,
		"total_execution_time_ms": res.TotalExecutionTimeMS,
		"timestamp":               timestamp(),
	})
	x.Log.Info().
		Str("run", res.RunID).
		Bool("success", res.Success).
		Float64("total_ms", res.TotalExecutionTimeMS).
		Msg("flow complete")
	return res, nil
}

func nodeCompleteEvent(node *model.Node, rec *NodeResult, index, total int) Event {
	title := node.Data.Title
	if title == "" {
		title = "Unknown"
	}
	return Event{
		"type":        "node_complete",
		"node_id":     node.ID,
		"node_title":  title,
		"node_index":  index,
		"total_nodes": total,
		"result":      rec,
		"timestamp":   timestamp(),
	}
}

func timestamp() float64 {
	return float64(time.Now().UnixNano()) / 1e9
}

func roundMS(d time.Duration) float64 {
	return math.Round(float64(d) / float64(time.Millisecond))
}

func listOrEmpty(ids []string) []string {
	if ids == nil {
		return []string{}
	}
	return ids
}
