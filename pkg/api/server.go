package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/cuemby/burrow/pkg/log"
	"github.com/cuemby/burrow/pkg/manager"
	"github.com/cuemby/burrow/pkg/metrics"
	"github.com/cuemby/burrow/pkg/types"
	"github.com/rs/zerolog"
)

// maxBodyBytes bounds request bodies
const maxBodyBytes = 1 << 20

// Config configures the HTTP API server
type Config struct {
	Addr string

	// ReadOnly rejects every request that would change engine state
	ReadOnly bool
}

// Server exposes the engine over HTTP/JSON together with the metrics and
// health endpoints
type Server struct {
	manager *manager.Manager
	config  Config
	mux     *http.ServeMux
	server  *http.Server
	logger  zerolog.Logger
}

// NewServer creates a new API server
func NewServer(mgr *manager.Manager, config Config) *Server {
	s := &Server{
		manager: mgr,
		config:  config,
		mux:     http.NewServeMux(),
		logger:  log.WithComponent("api"),
	}

	s.mux.Handle("GET /metrics", metrics.Handler())
	s.mux.HandleFunc("GET /health", metrics.HealthHandler())
	s.mux.HandleFunc("GET /ready", metrics.ReadyHandler())
	s.mux.HandleFunc("GET /live", metrics.LivenessHandler())
	s.mux.HandleFunc("GET /v1/status", s.status)

	s.mux.HandleFunc("GET /v1/workloads", s.listWorkloads)
	s.mux.HandleFunc("POST /v1/workloads", s.submitWorkload)
	s.mux.HandleFunc("GET /v1/workloads/{id}", s.getWorkload)
	s.mux.HandleFunc("DELETE /v1/workloads/{id}", s.deleteWorkload)
	s.mux.HandleFunc("POST /v1/workloads/{id}/stop", s.stopWorkload)
	s.mux.HandleFunc("GET /v1/workloads/{id}/statistics", s.workloadStatistics)
	s.mux.HandleFunc("GET /v1/workloads/{id}/scaling", s.scalingEvents)

	s.mux.HandleFunc("GET /v1/resources", s.listResources)
	s.mux.HandleFunc("POST /v1/resources", s.registerResource)
	s.mux.HandleFunc("GET /v1/resources/{id}", s.getResource)
	s.mux.HandleFunc("DELETE /v1/resources/{id}", s.deregisterResource)

	s.mux.HandleFunc("GET /v1/queue", s.queue)
	s.mux.HandleFunc("GET /v1/recoveries", s.recoveries)

	return s
}

// Handler returns the server's handler
func (s *Server) Handler() http.Handler {
	if s.config.ReadOnly {
		return ReadOnly(s.mux)
	}
	return s.mux
}

// Start serves until Stop is called
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              s.config.Addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       10 * time.Second,
		WriteTimeout:      10 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	s.logger.Info().Str("addr", s.config.Addr).Bool("read_only", s.config.ReadOnly).Msg("API server listening")
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to serve: %w", err)
	}
	return nil
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.server == nil {
		return nil
	}
	return s.server.Shutdown(ctx)
}

// ErrorResponse is the body of every failed request
type ErrorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, code int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(body)
}

// writeError maps engine errors onto HTTP status codes
func writeError(w http.ResponseWriter, err error) {
	code := http.StatusInternalServerError
	switch {
	case errors.Is(err, types.ErrWorkloadNotFound), errors.Is(err, types.ErrResourceNotFound):
		code = http.StatusNotFound
	case errors.Is(err, types.ErrDuplicateWorkload), errors.Is(err, types.ErrDuplicateResource),
		errors.Is(err, types.ErrResourceBusy), errors.Is(err, types.ErrInvalidTransition):
		code = http.StatusConflict
	case types.IsAdmissionError(err):
		code = http.StatusBadRequest
	}
	writeJSON(w, code, ErrorResponse{Error: err.Error()})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(v); err != nil {
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid request body: " + err.Error()})
		return false
	}
	return true
}

func (s *Server) listWorkloads(w http.ResponseWriter, r *http.Request) {
	var statuses []types.WorkloadStatus
	for _, st := range r.URL.Query()["status"] {
		statuses = append(statuses, types.WorkloadStatus(st))
	}
	writeJSON(w, http.StatusOK, s.manager.Workloads(statuses...))
}

func (s *Server) submitWorkload(w http.ResponseWriter, r *http.Request) {
	var spec types.WorkloadSpec
	if !decode(w, r, &spec) {
		return
	}
	workload, err := s.manager.Submit(r.Context(), spec)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, workload)
}

func (s *Server) getWorkload(w http.ResponseWriter, r *http.Request) {
	workload, err := s.manager.Workload(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, workload)
}

func (s *Server) stopWorkload(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if err := s.manager.StopWorkload(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	s.getWorkload(w, r)
}

func (s *Server) deleteWorkload(w http.ResponseWriter, r *http.Request) {
	if err := s.manager.DeleteWorkload(r.Context(), r.PathValue("id")); err != nil {
		writeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) workloadStatistics(w http.ResponseWriter, r *http.Request) {
	stats, err := s.manager.Statistics(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (s *Server) scalingEvents(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if _, err := s.manager.Workload(id); err != nil {
		writeError(w, err)
		return
	}
	events := s.manager.ScalingEvents(id)
	if events == nil {
		events = []types.ScalingEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// RegisterRequest is the body of a resource registration
type RegisterRequest struct {
	types.ResourceInstance
	Config map[string]string `json:"config,omitempty"`
}

func (s *Server) listResources(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Resources())
}

func (s *Server) registerResource(w http.ResponseWriter, r *http.Request) {
	var req RegisterRequest
	if !decode(w, r, &req) {
		return
	}
	inst := &types.ResourceInstance{
		ID:        req.ID,
		Capacity:  req.Capacity,
		ProbeType: req.ProbeType,
		ProbeAddr: req.ProbeAddr,
	}
	if err := s.manager.RegisterResource(r.Context(), inst, req.Config); err != nil {
		writeError(w, err)
		return
	}
	registered, err := s.manager.Resource(inst.ID)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, registered)
}

func (s *Server) getResource(w http.ResponseWriter, r *http.Request) {
	inst, err := s.manager.Resource(r.PathValue("id"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, inst)
}

// DeregisterResponse lists the workloads handed to recovery
type DeregisterResponse struct {
	Orphaned []string `json:"orphaned"`
}

func (s *Server) deregisterResource(w http.ResponseWriter, r *http.Request) {
	orphan := false
	if v := r.URL.Query().Get("orphan"); v != "" {
		parsed, err := strconv.ParseBool(v)
		if err != nil {
			writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: "invalid orphan parameter"})
			return
		}
		orphan = parsed
	}

	orphaned, err := s.manager.DeregisterResource(r.Context(), r.PathValue("id"), orphan)
	if err != nil {
		writeError(w, err)
		return
	}
	if orphaned == nil {
		orphaned = []string{}
	}
	writeJSON(w, http.StatusOK, DeregisterResponse{Orphaned: orphaned})
}

// QueueEntry is one queued workload with its current score
type QueueEntry struct {
	WorkloadID string         `json:"workload_id"`
	Priority   types.Priority `json:"priority"`
	Score      float64        `json:"score"`
	RetryCount int            `json:"retry_count"`
	EnqueuedAt time.Time      `json:"enqueued_at"`
}

func (s *Server) queue(w http.ResponseWriter, r *http.Request) {
	snapshot := s.manager.Queue()
	out := make([]QueueEntry, 0, len(snapshot))
	for _, e := range snapshot {
		out = append(out, QueueEntry{
			WorkloadID: e.ID,
			Priority:   e.Priority,
			Score:      e.Score,
			RetryCount: e.RetryCount,
			EnqueuedAt: e.EnqueuedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) recoveries(w http.ResponseWriter, r *http.Request) {
	results := s.manager.RecoveryResults()
	if results == nil {
		results = []types.RecoveryResult{}
	}
	writeJSON(w, http.StatusOK, results)
}
