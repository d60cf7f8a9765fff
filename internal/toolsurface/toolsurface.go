// Package toolsurface exposes thin read-only HTTP views over a task root's
// on-disk state: list known tasks, start one from a flow document, and
// inspect a single task's process records and statistics. It never mutates
// engine state directly — starting a task only writes a fresh task
// directory for the Watcher to pick up.
package toolsurface

import (
	"encoding/json"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"

	"github.com/reinflow/rein/internal/store"
	"github.com/reinflow/rein/internal/taskdir"
)

// Server serves the tool-exposure surface over a fixed task root.
type Server struct {
	taskRoot string
	mux      *http.ServeMux
}

// New builds a Server rooted at taskRoot and registers its routes.
func New(taskRoot string) *Server {
	s := &Server{taskRoot: taskRoot, mux: http.NewServeMux()}
	s.mux.HandleFunc("/v1/tasks", s.handleTasks)
	s.mux.HandleFunc("/v1/tasks/", s.handleTaskByID)
	s.mux.HandleFunc("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	return s
}

// ServeHTTP satisfies http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

type taskSummary struct {
	ID     string `json:"id"`
	Flow   string `json:"flow"`
	Status string `json:"status"`
}

// handleTasks serves GET /v1/tasks (list) and POST /v1/tasks (start).
func (s *Server) handleTasks(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodGet:
		s.list(w, r)
	case http.MethodPost:
		s.start(w, r)
	default:
		w.WriteHeader(http.StatusMethodNotAllowed)
	}
}

func (s *Server) list(w http.ResponseWriter, _ *http.Request) {
	entries, err := os.ReadDir(s.taskRoot)
	if err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	var out []taskSummary
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		dir := taskdir.New(filepath.Join(s.taskRoot, entry.Name()))
		desc, err := dir.ReadDescriptor()
		if err != nil {
			continue
		}
		status, _ := dir.ReadStatus()
		out = append(out, taskSummary{ID: desc.ID, Flow: desc.Flow, Status: status})
	}
	_ = json.NewEncoder(w).Encode(out)
}

type startRequest struct {
	Flow  string         `json:"flow"`
	Input map[string]any `json:"input,omitempty"`
}

func (s *Server) start(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "bad request", http.StatusBadRequest)
		return
	}
	if req.Flow == "" {
		http.Error(w, "flow is required", http.StatusBadRequest)
		return
	}

	id := uuid.NewString()
	dir := taskdir.New(filepath.Join(s.taskRoot, id))
	if err := dir.Init(); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	desc := &taskdir.Descriptor{ID: id, Flow: req.Flow, Input: req.Input, CreatedAt: time.Now()}
	if err := dir.WriteDescriptor(desc); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if err := dir.WriteStatus(taskdir.StatusPending); err != nil {
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.WriteHeader(http.StatusCreated)
	_ = json.NewEncoder(w).Encode(taskSummary{ID: id, Flow: req.Flow, Status: taskdir.StatusPending})
}

type inspectResponse struct {
	Task     taskSummary     `json:"task"`
	Records  []*store.Record `json:"records"`
	Stats    store.Stats     `json:"stats"`
	Versions []string        `json:"versions,omitempty"`
}

// handleTaskByID serves GET /v1/tasks/{id}.
func (s *Server) handleTaskByID(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.WriteHeader(http.StatusMethodNotAllowed)
		return
	}
	id := r.URL.Path[len("/v1/tasks/"):]
	if id == "" {
		http.NotFound(w, r)
		return
	}
	dir := taskdir.New(filepath.Join(s.taskRoot, id))
	desc, err := dir.ReadDescriptor()
	if err != nil {
		http.Error(w, fmt.Sprintf("task %q not found", id), http.StatusNotFound)
		return
	}
	status, _ := dir.ReadStatus()

	resp := inspectResponse{Task: taskSummary{ID: desc.ID, Flow: desc.Flow, Status: status}}

	if _, statErr := os.Stat(dir.DBPath()); statErr == nil {
		st, err := store.Open(dir.DBPath())
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		defer st.Close()
		resp.Records = st.All()
		resp.Stats = st.Stats()
		if versions, verr := st.Versions(); verr == nil {
			resp.Versions = versions
		}
	}

	_ = json.NewEncoder(w).Encode(resp)
}
