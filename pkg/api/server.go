package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/emberhive/hive/pkg/log"
	"github.com/emberhive/hive/pkg/metrics"
	"github.com/emberhive/hive/pkg/orchestrator"
	"github.com/emberhive/hive/pkg/registry"
	"github.com/emberhive/hive/pkg/types"
	"github.com/emberhive/hive/pkg/version"
)

// Config tunes the master server.
type Config struct {
	Addr string

	// PollWait bounds a worker long-poll. Default 5s.
	PollWait time.Duration
}

// Server exposes the orchestrator and worker registry over HTTP.
type Server struct {
	cfg     Config
	orch    *orchestrator.Orchestrator
	workers *registry.WorkerRegistry
	ver     *version.Probe
	http    *http.Server
}

// NewServer wires the master routes.
func NewServer(cfg Config, orch *orchestrator.Orchestrator, workers *registry.WorkerRegistry, ver *version.Probe) *Server {
	if cfg.PollWait <= 0 {
		cfg.PollWait = 5 * time.Second
	}
	s := &Server{
		cfg:     cfg,
		orch:    orch,
		workers: workers,
		ver:     ver,
	}
	s.http = &http.Server{
		Addr:    cfg.Addr,
		Handler: s.Handler(),
	}
	return s
}

// Handler returns the route table; exported for tests.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /workers/register", s.handleRegister)
	mux.HandleFunc("POST /workers/{id}/heartbeat", s.handleHeartbeat)
	mux.HandleFunc("GET /workers/{id}/poll", s.handlePoll)
	mux.HandleFunc("POST /workers/{id}/result", s.handleResult)
	mux.HandleFunc("POST /tasks", s.handleSubmit)
	mux.HandleFunc("DELETE /tasks/{id}", s.handleCancel)
	mux.HandleFunc("GET /stats", s.handleStats)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", metrics.Handler())
	return mux
}

// ListenAndServe blocks serving requests until Shutdown.
func (s *Server) ListenAndServe() error {
	logger := log.WithComponent("api")
	logger.Info().Str("addr", s.cfg.Addr).Msg("master server listening")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.http.Shutdown(ctx)
}

type registerRequest struct {
	WorkerID     string   `json:"worker_id"`
	Kind         string   `json:"kind"`
	Capabilities []string `json:"capabilities,omitempty"`
}

func (s *Server) handleRegister(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.WorkerID == "" || req.Kind == "" {
		writeError(w, http.StatusBadRequest, "worker_id and kind are required")
		return
	}

	// Registration is idempotent; a reconnect strands at most one task,
	// which goes straight back to the queue.
	if orphan := s.workers.Register(req.WorkerID, req.Kind, req.Capabilities); orphan != "" {
		s.orch.RequeueLost(orphan, "worker re-registered mid-task")
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker_id": req.WorkerID})
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.workers.Heartbeat(id, time.Now()); err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"worker_id": id})
}

type pollResponse struct {
	TaskID  string          `json:"task_id"`
	Kind    string          `json:"kind"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Timeout int             `json:"timeout,omitempty"` // seconds
}

func (s *Server) handlePoll(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	task, err := s.workers.Poll(r.Context(), id, s.cfg.PollWait)
	if err != nil {
		writeError(w, http.StatusNotFound, err.Error())
		return
	}
	if task == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}
	writeJSON(w, http.StatusOK, pollResponse{
		TaskID:  task.ID,
		Kind:    task.Kind,
		Payload: task.Payload,
		Timeout: int(task.Timeout / time.Second),
	})
}

type resultRequest struct {
	TaskID  string          `json:"task_id"`
	Success bool            `json:"success"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   string          `json:"error,omitempty"`
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req resultRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.TaskID == "" {
		writeError(w, http.StatusBadRequest, "task_id is required")
		return
	}
	if err := s.orch.HandleWorkerResult(id, req.TaskID, req.Success, req.Result, req.Error); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"task_id": req.TaskID})
}

type submitRequest struct {
	ID           string          `json:"id,omitempty"`
	Kind         string          `json:"kind"`
	Payload      json.RawMessage `json:"payload,omitempty"`
	Priority     int             `json:"priority"`
	Capabilities []string        `json:"capabilities,omitempty"`
	MaxAttempts  int             `json:"max_attempts,omitempty"`
	Timeout      int             `json:"timeout,omitempty"` // seconds
	Deadline     time.Time       `json:"deadline,omitempty"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.Kind == "" {
		writeError(w, http.StatusBadRequest, "kind is required")
		return
	}

	task := &types.Task{
		ID:           req.ID,
		Kind:         req.Kind,
		Payload:      req.Payload,
		Priority:     req.Priority,
		Capabilities: req.Capabilities,
		MaxAttempts:  req.MaxAttempts,
		Timeout:      time.Duration(req.Timeout) * time.Second,
		Deadline:     req.Deadline,
	}
	if task.ID == "" {
		task.ID = newTaskID()
	}

	// HTTP producers track completion via /stats and the archive; the
	// in-process handle is drained so resolution never blocks.
	handle, err := s.orch.Submit(task)
	if err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	go func() { <-handle }()

	writeJSON(w, http.StatusAccepted, map[string]string{"id": task.ID})
}

func (s *Server) handleCancel(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.orch.Cancel(id); err != nil {
		writeError(w, http.StatusConflict, err.Error())
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id})
}

func (s *Server) handleStats(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.orch.Stats())
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"commit": s.ver.Commit(),
	})
}

func newTaskID() string {
	return uuid.New().String()
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger := log.WithComponent("api")
		logger.Error().Err(err).Msg("failed to encode response")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
