package graph

import (
	"strings"
	"testing"

	"github.com/nodelab/flowd/internal/flow/model"
)

func mustGraph(t *testing.T, nodes []string, edges [][2]string) *model.Graph {
	t.Helper()
	g := model.NewGraph()
	for _, id := range nodes {
		g.Nodes[id] = &model.Node{ID: id, Type: model.KindCustom}
		g.Order = append(g.Order, id)
	}
	for _, e := range edges {
		g.Edges = append(g.Edges, &model.Edge{Source: e[0], Target: e[1]})
	}
	return g
}

func TestReachable_IncludesDownstream(t *testing.T) {
	g := mustGraph(t, []string{"s", "a", "b", "x"}, [][2]string{{"s", "a"}, {"a", "b"}})
	r := Reachable(g, "s")
	for _, id := range []string{"s", "a", "b"} {
		if !r[id] {
			t.Errorf("%s should be reachable", id)
		}
	}
	if r["x"] {
		t.Error("x is disconnected and should not be reachable")
	}
}

func TestReachable_IncludesInputProvidingAncestors(t *testing.T) {
	// t feeds c, but start does not dominate t. t must still run.
	g := mustGraph(t, []string{"s", "t", "c", "r"}, [][2]string{
		{"s", "c"}, {"t", "c"}, {"c", "r"},
	})
	r := Reachable(g, "s")
	if !r["t"] {
		t.Fatal("ancestor t feeding reachable node c must be included")
	}
	if len(r) != 4 {
		t.Fatalf("reachable: got %d nodes want 4", len(r))
	}
}

func TestReachable_TransitiveAncestorClosure(t *testing.T) {
	// u feeds t which feeds c: the closure walks upstream repeatedly.
	g := mustGraph(t, []string{"s", "u", "t", "c"}, [][2]string{
		{"s", "c"}, {"u", "t"}, {"t", "c"},
	})
	r := Reachable(g, "s")
	if !r["u"] || !r["t"] {
		t.Fatalf("transitive ancestors missing: %v", r)
	}
}

func TestTopoSort_RespectsEdges(t *testing.T) {
	g := mustGraph(t, []string{"s", "a", "b", "r"}, [][2]string{
		{"s", "a"}, {"a", "b"}, {"b", "r"},
	})
	r := Reachable(g, "s")
	order, err := TopoSort(g, r)
	if err != nil {
		t.Fatalf("TopoSort: %v", err)
	}
	index := map[string]int{}
	for i, id := range order {
		index[id] = i
	}
	for _, e := range g.Edges {
		if index[e.Source] >= index[e.Target] {
			t.Errorf("edge %s->%s violates topological order %v", e.Source, e.Target, order)
		}
	}
}

func TestTopoSort_TiesBrokenByDeclarationOrder(t *testing.T) {
	// b and a are both ready after s; declaration order is s, b, a.
	g := mustGraph(t, []string{"s", "b", "a", "r"}, [][2]string{
		{"s", "b"}, {"s", "a"}, {"b", "r"}, {"a", "r"},
	})
	order, err := TopoSort(g, Reachable(g, "s"))
	if err != nil {
		t.Fatal(err)
	}
	if got := strings.Join(order, ","); got != "s,b,a,r" {
		t.Fatalf("order: got %s want s,b,a,r", got)
	}
}

func TestTopoSort_CycleDetected(t *testing.T) {
	g := mustGraph(t, []string{"a", "b"}, [][2]string{{"a", "b"}, {"b", "a"}})
	if _, err := TopoSort(g, Reachable(g, "a")); err == nil {
		t.Fatal("expected cycle error")
	} else if !strings.Contains(err.Error(), "cycle") {
		t.Fatalf("unexpected error: %v", err)
	}
}

func TestTopoSort_IgnoresEdgesOutsideReachableSet(t *testing.T) {
	g := mustGraph(t, []string{"s", "a", "x", "y"}, [][2]string{
		{"s", "a"}, {"x", "y"},
	})
	r := Reachable(g, "s")
	order, err := TopoSort(g, r)
	if err != nil {
		t.Fatal(err)
	}
	if len(order) != 2 {
		t.Fatalf("order should cover only reachable nodes, got %v", order)
	}
}

func TestDependencies(t *testing.T) {
	g := mustGraph(t, []string{"s", "a", "b", "c"}, [][2]string{
		{"s", "a"}, {"s", "b"}, {"a", "c"}, {"b", "c"},
	})
	deps := Dependencies(g, Reachable(g, "s"))
	if len(deps["c"]) != 2 || !deps["c"]["a"] || !deps["c"]["b"] {
		t.Fatalf("deps[c]: %v", deps["c"])
	}
	if len(deps["s"]) != 0 {
		t.Fatalf("deps[s] should be empty: %v", deps["s"])
	}
}
