// Package graph computes the executable slice of a project graph: the
// reachable set around a start node, its topological order, and per-node
// dependency sets.
package graph

import (
	"fmt"
	"sort"

	"github.com/nodelab/flowd/internal/flow/model"
)

// Reachable returns the set of nodes connected to startID by an undirected
// path. Ancestors are included on purpose: nodes that only feed inputs into
// the slice (configuration text inputs, seeded constants) must execute even
// when the start node does not dominate them.
func Reachable(g *model.Graph, startID string) map[string]bool {
	forward := map[string][]string{}
	backward := map[string][]string{}
	for _, e := range g.Edges {
		forward[e.Source] = append(forward[e.Source], e.Target)
		backward[e.Target] = append(backward[e.Target], e.Source)
	}

	reachable := map[string]bool{}
	queue := []string{startID}
	for len(queue) > 0 {
		current := queue[0]
		queue = queue[1:]
		if reachable[current] {
			continue
		}
		reachable[current] = true
		for _, next := range forward[current] {
			if !reachable[next] {
				queue = append(queue, next)
			}
		}
		for _, prev := range backward[current] {
			if !reachable[prev] {
				queue = append(queue, prev)
			}
		}
	}
	return reachable
}

// TopoSort orders the nodes of the reachable set with Kahn's algorithm.
// Ties are broken by the node declaration order from the structure file.
// A cycle inside the set is an error.
func TopoSort(g *model.Graph, reachable map[string]bool) ([]string, error) {
	declIndex := map[string]int{}
	for i, id := range g.Order {
		declIndex[id] = i
	}

	inDegree := map[string]int{}
	successors := map[string][]string{}
	for id := range reachable {
		inDegree[id] = 0
	}
	for _, e := range g.Edges {
		if reachable[e.Source] && reachable[e.Target] {
			successors[e.Source] = append(successors[e.Source], e.Target)
			inDegree[e.Target]++
		}
	}

	var ready []string
	for id, deg := range inDegree {
		if deg == 0 {
			ready = append(ready, id)
		}
	}
	sortByDecl := func(ids []string) {
		sort.SliceStable(ids, func(i, j int) bool { return declIndex[ids[i]] < declIndex[ids[j]] })
	}
	sortByDecl(ready)

	order := make([]string, 0, len(reachable))
	for len(ready) > 0 {
		current := ready[0]
		ready = ready[1:]
		order = append(order, current)
		var freed []string
		for _, next := range successors[current] {
			inDegree[next]--
			if inDegree[next] == 0 {
				freed = append(freed, next)
			}
		}
		sortByDecl(freed)
		ready = append(ready, freed...)
	}

	if len(order) != len(reachable) {
		return nil, fmt.Errorf("cycle detected in the flow graph (%d of %d nodes ordered)", len(order), len(reachable))
	}
	return order, nil
}

// Dependencies returns, for every node in the reachable set, the set of
// direct predecessors that are also in the reachable set.
func Dependencies(g *model.Graph, reachable map[string]bool) map[string]map[string]bool {
	deps := map[string]map[string]bool{}
	for id := range reachable {
		deps[id] = map[string]bool{}
	}
	for _, e := range g.Edges {
		if reachable[e.Source] && reachable[e.Target] {
			deps[e.Target][e.Source] = true
		}
	}
	return deps
}
