package server

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"github.com/nodelab/flowd/internal/flow/engine"
	"github.com/nodelab/flowd/internal/flow/project"
	"github.com/nodelab/flowd/internal/flow/sandbox"
	"github.com/nodelab/flowd/internal/flow/store"
)

type scriptedEval struct {
	fn map[string]func(input any) (sandbox.Response, error)
}

func (f *scriptedEval) Exec(ctx context.Context, projectID, file string, input any, timeout time.Duration) (sandbox.Response, error) {
	handler, ok := f.fn[file]
	if !ok {
		return sandbox.Response{}, fmt.Errorf("no handler for %s", file)
	}
	return handler(input)
}

func testServer(t *testing.T, eval engine.Evaluator) (*Server, *store.Store) {
	t.Helper()
	root := t.TempDir()

	dir := filepath.Join(root, "proj")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		t.Fatal(err)
	}
	structure := `{
		"nodes": [
			{"id": "s", "type": "start", "data": {"title": "Start", "file": "s.py"}},
			{"id": "a", "type": "custom", "data": {"title": "Greet", "file": "a.py"}},
			{"id": "r", "type": "result", "data": {"title": "Out", "file": "r.py"}}
		],
		"edges": [
			{"source": "s", "target": "a"},
			{"source": "a", "target": "r"}
		]
	}`
	if err := os.WriteFile(filepath.Join(dir, "structure.json"), []byte(structure), 0o644); err != nil {
		t.Fatal(err)
	}
	script := "def RunScript(name: str = \"world\"):\n    return {\"greeting\": \"hi \" + name}\n"
	if err := os.WriteFile(filepath.Join(dir, "a.py"), []byte(script), 0o644); err != nil {
		t.Fatal(err)
	}

	st := store.New()
	x := &engine.Executor{
		Resolver:  project.NewResolver(root, ""),
		Store:     st,
		Evaluator: eval,
		Log:       zerolog.Nop(),
	}
	return New(Config{Addr: "127.0.0.1:0"}, x, nil, zerolog.Nop()), st
}

func TestServer_Health(t *testing.T) {
	s, _ := testServer(t, &scriptedEval{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/healthz", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["status"] != "ok" {
		t.Fatalf("body %v err %v", body, err)
	}
}

func TestServer_ExecuteStream(t *testing.T) {
	eval := &scriptedEval{fn: map[string]func(any) (sandbox.Response, error){
		"a.py": func(input any) (sandbox.Response, error) {
			return sandbox.Response{OK: true, Output: "done", TimeMS: 1}, nil
		},
	}}
	s, _ := testServer(t, eval)

	req := httptest.NewRequest("POST", "/api/projects/proj/execute/stream",
		strings.NewReader(`{"params": 1}`))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var types []string
	for _, line := range strings.Split(rec.Body.String(), "\n") {
		if !strings.HasPrefix(line, "data: {") {
			continue
		}
		var ev map[string]any
		if err := json.Unmarshal([]byte(strings.TrimPrefix(line, "data: ")), &ev); err != nil {
			t.Fatalf("bad event line %q: %v", line, err)
		}
		if typ, ok := ev["type"].(string); ok {
			types = append(types, typ)
		}
	}
	want := []string{"start", "node_complete", "node_complete", "complete"}
	if len(types) != len(want) {
		t.Fatalf("event types: %v", types)
	}
	for i, typ := range want {
		if types[i] != typ {
			t.Fatalf("event %d: got %s want %s (all: %v)", i, types[i], typ, types)
		}
	}
	if !strings.Contains(rec.Body.String(), "event: done") {
		t.Fatal("missing done marker")
	}
}

func TestServer_ExecuteStreamUnknownProject(t *testing.T) {
	s, _ := testServer(t, &scriptedEval{})
	req := httptest.NewRequest("POST", "/api/projects/nope/execute/stream", strings.NewReader("{}"))
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusBadRequest {
		t.Fatalf("status %d", rec.Code)
	}
	var body map[string]string
	if err := json.NewDecoder(rec.Body).Decode(&body); err != nil || body["error"] == "" {
		t.Fatalf("body %v err %v", body, err)
	}
}

func TestServer_StoreInfoAndClear(t *testing.T) {
	s, st := testServer(t, &scriptedEval{})
	st.Wrap("proj", "a", []any{strings.Repeat("x", 11*1024)})

	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/projects/proj/store", nil))
	var info store.Info
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if !info.Exists || info.Count != 1 {
		t.Fatalf("info %+v", info)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("DELETE", "/api/projects/proj/store", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("clear status %d", rec.Code)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/projects/proj/store", nil))
	if err := json.NewDecoder(rec.Body).Decode(&info); err != nil {
		t.Fatal(err)
	}
	if info.Exists {
		t.Fatalf("store should be empty after clear: %+v", info)
	}
}

func TestServer_NodeSignature(t *testing.T) {
	s, _ := testServer(t, &scriptedEval{})
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/projects/proj/nodes/a/signature", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("status %d: %s", rec.Code, rec.Body.String())
	}
	var sig struct {
		Mode         string `json:"mode"`
		FunctionName string `json:"function_name"`
	}
	if err := json.NewDecoder(rec.Body).Decode(&sig); err != nil {
		t.Fatal(err)
	}
	if sig.Mode != "script" || sig.FunctionName != "RunScript" {
		t.Fatalf("signature %+v", sig)
	}

	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, httptest.NewRequest("GET", "/api/projects/proj/nodes/ghost/signature", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("unknown node status %d", rec.Code)
	}
}

func TestServer_CSRFBlocksForeignOrigin(t *testing.T) {
	s, _ := testServer(t, &scriptedEval{})

	req := httptest.NewRequest("DELETE", "/api/projects/proj/store", nil)
	req.Header.Set("Origin", "https://evil.example.com")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusForbidden {
		t.Fatalf("foreign origin status %d", rec.Code)
	}

	req = httptest.NewRequest("DELETE", "/api/projects/proj/store", nil)
	req.Header.Set("Origin", "http://localhost:5173")
	rec = httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if rec.Code != http.StatusOK {
		t.Fatalf("localhost origin status %d", rec.Code)
	}
}
