// Package model holds the persisted graph shapes: nodes, edges, and the
// normalized Graph loaded from a project's structure.json.
package model

import (
	"fmt"
	"strings"
)

// Node kinds as stored in structure.json. Older structure files use
// "textInput" for text-input nodes; both spellings are accepted.
const (
	KindStart     = "start"
	KindResult    = "result"
	KindTextInput = "text_input"
	KindCustom    = "custom"
)

type NodeData struct {
	Title         string `json:"title,omitempty"`
	File          string `json:"file,omitempty"`
	ComponentType string `json:"componentType,omitempty"`
}

type Node struct {
	ID   string   `json:"id"`
	Type string   `json:"type"`
	Data NodeData `json:"data"`
}

// IsStart reports whether the node initiates a flow.
func (n *Node) IsStart() bool { return n != nil && n.Type == KindStart }

// IsResult reports whether the node is a terminal display node.
func (n *Node) IsResult() bool { return n != nil && n.Type == KindResult }

// IsTextInput recognizes text-input nodes by type, by componentType, and by
// the legacy title prefix used before componentType existed.
func (n *Node) IsTextInput() bool {
	if n == nil {
		return false
	}
	if n.Type == KindTextInput || n.Type == "textInput" {
		return true
	}
	if n.Data.ComponentType == "TextInput" {
		return true
	}
	return n.Type == KindCustom && strings.HasPrefix(n.Data.Title, "Text Input")
}

// IsMain reports whether the node counts toward run progress. Start, result,
// and text-input nodes are auxiliary; everything else is a main node.
func (n *Node) IsMain() bool {
	return n != nil && !n.IsStart() && !n.IsResult() && !n.IsTextInput()
}

// File returns the source artifact name for the node. When the structure file
// does not name one it is derived as "{id}_{sanitized(title)}.py".
func (n *Node) File() string {
	if n.Data.File != "" {
		return n.Data.File
	}
	title := n.Data.Title
	if title == "" {
		title = "Node_" + n.ID
	}
	return fmt.Sprintf("%s_%s.py", n.ID, sanitizeTitle(title))
}

func sanitizeTitle(title string) string {
	var b strings.Builder
	b.Grow(len(title))
	for _, r := range title {
		if r == '_' || ('0' <= r && r <= '9') || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') {
			b.WriteRune(r)
		} else {
			b.WriteRune('_')
		}
	}
	return b.String()
}

type EdgeData struct {
	Param string `json:"param,omitempty"`
}

type Edge struct {
	Source       string    `json:"source"`
	Target       string    `json:"target"`
	SourceHandle string    `json:"sourceHandle,omitempty"`
	TargetHandle string    `json:"targetHandle,omitempty"`
	Data         *EdgeData `json:"data,omitempty"`
}

// Param returns the legacy edge parameter name, if any.
func (e *Edge) Param() string {
	if e == nil || e.Data == nil {
		return ""
	}
	return e.Data.Param
}

// Graph is the normalized structure of a project: nodes keyed by id plus the
// declaration order from the structure file, and edges in declaration order.
// Edges whose endpoints do not both exist are dropped at load time.
type Graph struct {
	Nodes map[string]*Node
	Order []string
	Edges []*Edge
}

func NewGraph() *Graph {
	return &Graph{Nodes: map[string]*Node{}}
}

// Incoming returns the edges targeting id, in declaration order.
func (g *Graph) Incoming(id string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.Target == id {
			out = append(out, e)
		}
	}
	return out
}

// Outgoing returns the edges leaving id, in declaration order.
func (g *Graph) Outgoing(id string) []*Edge {
	var out []*Edge
	for _, e := range g.Edges {
		if e.Source == id {
			out = append(out, e)
		}
	}
	return out
}

// FindStart returns the id of the unique start node.
func (g *Graph) FindStart() (string, error) {
	var found []string
	for _, id := range g.Order {
		if g.Nodes[id].IsStart() {
			found = append(found, id)
		}
	}
	switch len(found) {
	case 0:
		return "", fmt.Errorf("no start node found in project")
	case 1:
		return found[0], nil
	default:
		return "", fmt.Errorf("multiple start nodes found: %s", strings.Join(found, ", "))
	}
}
