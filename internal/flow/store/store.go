// Package store implements the per-project object store that carries values
// between nodes. Small JSON-serializable values pass between nodes by value;
// everything else is parked here under a reference id and travels as a
// reference envelope {type, ref, preview, data_type, size}.
package store

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// Values larger than this (JSON-serialized) are stored by reference.
const inlineLimitBytes = 10 * 1024

const previewLimit = 100

// Store holds one keyed arena per project. Entries live until the project's
// arena is explicitly cleared; reference ids are unique within an arena for
// its lifetime but carry no cross-project guarantee.
type Store struct {
	mu       sync.Mutex
	projects map[string]map[string]any
	now      func() time.Time
}

func New() *Store {
	return &Store{
		projects: map[string]map[string]any{},
		now:      time.Now,
	}
}

// IsReference reports whether v is a reference envelope and returns its ref id.
func IsReference(v any) (string, bool) {
	m, ok := v.(map[string]any)
	if !ok {
		return "", false
	}
	if t, _ := m["type"].(string); t != "reference" {
		return "", false
	}
	ref, ok := m["ref"].(string)
	return ref, ok && ref != ""
}

// isOpaque recognizes the marker the evaluator emits for values that could
// not be serialized on the producing side. Such values always go to the store.
func isOpaque(v any) bool {
	m, ok := v.(map[string]any)
	if !ok {
		return false
	}
	t, _ := m["type"].(string)
	return t == "opaque"
}

// Wrap applies the output policy for a value produced by nodeID: scalars and
// nil pass through; aggregates that serialize under the inline limit pass
// through; everything else is parked and replaced by a reference envelope.
func (s *Store) Wrap(projectID, nodeID string, v any) any {
	switch v.(type) {
	case nil, bool, int, int64, float64, string, json.Number:
		return v
	}

	if !isOpaque(v) {
		if b, err := json.Marshal(v); err == nil && len(b) < inlineLimitBytes {
			return v
		}
	}
	return s.storeAsReference(projectID, nodeID, v)
}

func (s *Store) storeAsReference(projectID, nodeID string, v any) map[string]any {
	s.mu.Lock()
	defer s.mu.Unlock()

	arena := s.projects[projectID]
	if arena == nil {
		arena = map[string]any{}
		s.projects[projectID] = arena
	}

	ref := fmt.Sprintf("%s_%d", nodeID, s.now().UnixMilli())
	// Two wraps inside one millisecond must not collide.
	for bump := 1; ; bump++ {
		if _, taken := arena[ref]; !taken {
			break
		}
		ref = fmt.Sprintf("%s_%d_%d", nodeID, s.now().UnixMilli(), bump)
	}
	arena[ref] = v

	env := map[string]any{
		"type":      "reference",
		"ref":       ref,
		"preview":   Preview(v),
		"data_type": dataType(v),
	}
	if size := serializedSize(v); size > 0 {
		env["size"] = size
	}
	return env
}

// Unwrap depth-first replaces reference envelopes by their stored values.
// A missing reference degrades to the envelope's preview string; resolution
// never fails.
func (s *Store) Unwrap(projectID string, v any) any {
	switch val := v.(type) {
	case map[string]any:
		if ref, ok := IsReference(val); ok {
			s.mu.Lock()
			arena := s.projects[projectID]
			stored, found := arena[ref]
			s.mu.Unlock()
			if found {
				return stored
			}
			if preview, ok := val["preview"].(string); ok {
				return preview
			}
			return nil
		}
		out := make(map[string]any, len(val))
		for k, item := range val {
			out[k] = s.Unwrap(projectID, item)
		}
		return out
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = s.Unwrap(projectID, item)
		}
		return out
	default:
		return v
	}
}

// Clear removes the project's entire arena.
func (s *Store) Clear(projectID string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.projects, projectID)
}

type RefInfo struct {
	Ref  string `json:"ref"`
	Type string `json:"type"`
	Size int    `json:"size,omitempty"`
}

type Info struct {
	Exists bool      `json:"exists"`
	Count  int       `json:"count"`
	Refs   []RefInfo `json:"refs"`
}

// Describe reports the state of a project's arena for debugging surfaces.
func (s *Store) Describe(projectID string) Info {
	s.mu.Lock()
	defer s.mu.Unlock()

	arena, ok := s.projects[projectID]
	if !ok {
		return Info{Refs: []RefInfo{}}
	}
	info := Info{Exists: true, Count: len(arena), Refs: make([]RefInfo, 0, len(arena))}
	for ref, v := range arena {
		info.Refs = append(info.Refs, RefInfo{Ref: ref, Type: dataType(v), Size: serializedSize(v)})
	}
	sort.Slice(info.Refs, func(i, j int) bool { return info.Refs[i].Ref < info.Refs[j].Ref })
	return info
}

func dataType(v any) string {
	switch val := v.(type) {
	case nil:
		return "null"
	case bool:
		return "bool"
	case float64, int, int64, json.Number:
		return "number"
	case string:
		return "str"
	case []any:
		return "list"
	case map[string]any:
		if t, _ := val["type"].(string); t == "opaque" {
			if class, _ := val["class"].(string); class != "" {
				return class
			}
		}
		return "dict"
	default:
		return fmt.Sprintf("%T", v)
	}
}

func serializedSize(v any) int {
	b, err := json.Marshal(v)
	if err != nil {
		return 0
	}
	return len(b)
}

// Preview renders a short human-readable summary of a value, following
// type-specific heuristics: tabular shape, container length with a head
// sample, dict key sample, opaque class name.
func Preview(v any) string {
	switch val := v.(type) {
	case nil:
		return "None"
	case string:
		return truncate(val, previewLimit)
	case []any:
		if rows, cols, ok := tabularShape(val); ok {
			return fmt.Sprintf("Table: %d rows × %d cols", rows, cols)
		}
		p := fmt.Sprintf("list with %d items", len(val))
		if len(val) > 0 {
			p += fmt.Sprintf(" (first: %s)", truncate(fmt.Sprint(val[0]), 50))
		}
		return truncate(p, previewLimit+20)
	case map[string]any:
		if t, _ := val["type"].(string); t == "opaque" {
			class, _ := val["class"].(string)
			repr, _ := val["repr"].(string)
			if class == "" {
				class = "object"
			}
			if repr == "" {
				return class + " object"
			}
			return truncate(class+": "+repr, previewLimit)
		}
		keys := make([]string, 0, len(val))
		for k := range val {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		p := fmt.Sprintf("dict with %d keys", len(keys))
		if len(keys) > 0 {
			sample := keys
			suffix := ""
			if len(sample) > 3 {
				sample = sample[:3]
				suffix = "..."
			}
			p += fmt.Sprintf(" (%s%s)", strings.Join(sample, ", "), suffix)
		}
		return truncate(p, previewLimit+20)
	default:
		return truncate(fmt.Sprint(v), previewLimit)
	}
}

// tabularShape reports rows × cols when every element is itself a list.
func tabularShape(rows []any) (int, int, bool) {
	if len(rows) == 0 {
		return 0, 0, false
	}
	cols := -1
	for _, r := range rows {
		inner, ok := r.([]any)
		if !ok {
			return 0, 0, false
		}
		if cols == -1 {
			cols = len(inner)
		}
	}
	return len(rows), cols, true
}

func truncate(s string, limit int) string {
	if len(s) <= limit {
		return s
	}
	return s[:limit] + "..."
}
