package server

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"path/filepath"

	"github.com/nodelab/flowd/internal/flow/engine"
	"github.com/nodelab/flowd/internal/flow/model"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

// executeRequest is the execute/stream request body. result_node_values keeps
// its wire name from the UI, which persists result-node text client-side and
// replays it on the next run.
type executeRequest struct {
	StartNodeID  string         `json:"start_node_id"`
	Params       any            `json:"params"`
	TerminalSeed map[string]any `json:"result_node_values"`
	MaxWorkers   *int           `json:"max_workers"`
	TimeoutSec   *int           `json:"timeout_sec"`
	HaltOnError  *bool          `json:"halt_on_error"`
}

func (s *Server) handleExecuteStream(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")

	var body executeRequest
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}

	events, err := s.executor.ExecuteFlowStreaming(r.Context(), engine.Request{
		ProjectID:    projectID,
		StartNodeID:  body.StartNodeID,
		Params:       body.Params,
		TerminalSeed: body.TerminalSeed,
		MaxWorkers:   body.MaxWorkers,
		TimeoutSec:   body.TimeoutSec,
		HaltOnError:  body.HaltOnError,
	})
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	s.log.Info().Str("project", projectID).Str("start", body.StartNodeID).Msg("flow run started")

	b := NewBroadcaster()
	go func() {
		for ev := range events {
			b.Send(ev)
		}
		b.Close()
	}()
	WriteSSE(w, r, b)
}

func (s *Server) handleStoreInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.store.Describe(r.PathValue("id")))
}

func (s *Server) handleStoreClear(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	s.store.Clear(projectID)
	s.log.Info().Str("project", projectID).Msg("object store cleared")
	writeJSON(w, http.StatusOK, map[string]any{"cleared": true, "project_id": projectID})
}

func (s *Server) handleNodeSignature(w http.ResponseWriter, r *http.Request) {
	projectID := r.PathValue("id")
	nodeID := r.PathValue("node")

	root, err := s.resolver.ProjectPath(projectID)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	g, err := model.Load(root)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	node := g.Nodes[nodeID]
	if node == nil {
		writeError(w, http.StatusNotFound, "node "+nodeID+" not found")
		return
	}

	sig, err := s.analyzer.AnalyzeFile(filepath.Join(root, node.File()))
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, sig)
}
