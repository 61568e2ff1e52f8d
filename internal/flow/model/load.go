package model

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed structure.schema.json
var structureSchema string

var (
	schemaOnce sync.Once
	schema     *jsonschema.Schema
	schemaErr  error
)

func compiledSchema() (*jsonschema.Schema, error) {
	schemaOnce.Do(func() {
		c := jsonschema.NewCompiler()
		if err := c.AddResource("structure.schema.json", bytes.NewReader([]byte(structureSchema))); err != nil {
			schemaErr = err
			return
		}
		schema, schemaErr = c.Compile("structure.schema.json")
	})
	return schema, schemaErr
}

type structureFile struct {
	Nodes []*Node `json:"nodes"`
	Edges []*Edge `json:"edges"`
}

// Load reads and normalizes {projectRoot}/structure.json. A missing file
// yields an empty graph; a malformed or schema-violating file is an error.
func Load(projectRoot string) (*Graph, error) {
	path := filepath.Join(projectRoot, "structure.json")
	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return NewGraph(), nil
		}
		return nil, fmt.Errorf("read structure: %w", err)
	}
	return Parse(raw)
}

// Parse normalizes raw structure.json bytes into a Graph.
func Parse(raw []byte) (*Graph, error) {
	sch, err := compiledSchema()
	if err != nil {
		return nil, fmt.Errorf("compile structure schema: %w", err)
	}
	var doc any
	if err := json.Unmarshal(raw, &doc); err != nil {
		return nil, fmt.Errorf("parse structure: %w", err)
	}
	if err := sch.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid structure: %w", err)
	}

	var sf structureFile
	if err := json.Unmarshal(raw, &sf); err != nil {
		return nil, fmt.Errorf("parse structure: %w", err)
	}

	g := NewGraph()
	for _, n := range sf.Nodes {
		if n == nil || n.ID == "" {
			continue
		}
		if _, dup := g.Nodes[n.ID]; dup {
			return nil, fmt.Errorf("duplicate node id: %s", n.ID)
		}
		if n.Type == "" {
			n.Type = KindCustom
		}
		g.Nodes[n.ID] = n
		g.Order = append(g.Order, n.ID)
	}
	// Retain only edges whose endpoints both exist.
	for _, e := range sf.Edges {
		if e == nil {
			continue
		}
		if _, ok := g.Nodes[e.Source]; !ok {
			continue
		}
		if _, ok := g.Nodes[e.Target]; !ok {
			continue
		}
		g.Edges = append(g.Edges, e)
	}
	return g, nil
}
