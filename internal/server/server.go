// Package server exposes the engine's HTTP control surface: job CRUD and
// control commands, registry introspection, checkpoint management,
// artifact downloads, live event streaming over SSE, and prometheus
// metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/nevindra/atelier"
	"github.com/r3labs/sse/v2"
	"golang.org/x/sync/errgroup"
)

// Server wires the engine components behind an http.Server.
type Server struct {
	manager     *atelier.Manager
	agents      *atelier.AgentRegistry
	templates   *atelier.TemplateRegistry
	stream      *atelier.StreamGateway
	checkpoints atelier.CheckpointStore
	artifacts   atelier.ArtifactSink

	sse    *sse.Server
	httpd  *http.Server
	logger *slog.Logger
}

// Option configures a Server.
type Option func(*Server)

// WithLogger sets the structured logger. If not set, no logs are emitted.
func WithLogger(l *slog.Logger) Option {
	return func(s *Server) { s.logger = l }
}

// WithCheckpoints exposes the checkpoint endpoints.
func WithCheckpoints(cs atelier.CheckpointStore) Option {
	return func(s *Server) { s.checkpoints = cs }
}

// WithArtifacts exposes the artifact download endpoint.
func WithArtifacts(sink atelier.ArtifactSink) Option {
	return func(s *Server) { s.artifacts = sink }
}

// WithMetrics mounts /metrics with engine gauges sourced from the bus and
// gateway counters.
func WithMetrics(m *Metrics) Option {
	return func(s *Server) { s.mountMetrics(m) }
}

// nopLogger discards all output.
var nopLogger = slog.New(discardHandler{})

type discardHandler struct{}

func (discardHandler) Enabled(context.Context, slog.Level) bool  { return false }
func (discardHandler) Handle(context.Context, slog.Record) error { return nil }
func (d discardHandler) WithAttrs([]slog.Attr) slog.Handler      { return d }
func (d discardHandler) WithGroup(string) slog.Handler           { return d }

// New builds the server and its routes.
func New(addr string, manager *atelier.Manager, agents *atelier.AgentRegistry,
	templates *atelier.TemplateRegistry, stream *atelier.StreamGateway, opts ...Option) *Server {

	events := sse.New()
	events.AutoReplay = false

	s := &Server{
		manager:   manager,
		agents:    agents,
		templates: templates,
		stream:    stream,
		sse:       events,
		logger:    nopLogger,
	}
	mux := http.NewServeMux()
	s.httpd = &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	s.routes(mux)
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Server) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /jobs", s.handleSubmit)
	mux.HandleFunc("GET /jobs", s.handleListJobs)
	mux.HandleFunc("GET /jobs/{id}", s.handleGetJob)
	mux.HandleFunc("POST /jobs/{id}/pause", s.control(s.manager.Pause))
	mux.HandleFunc("POST /jobs/{id}/resume", s.control(s.manager.Resume))
	mux.HandleFunc("POST /jobs/{id}/step", s.control(s.manager.Step))
	mux.HandleFunc("POST /jobs/{id}/cancel", s.control(s.manager.Cancel))
	mux.HandleFunc("POST /jobs/{id}/archive", s.control(s.manager.Archive))
	mux.HandleFunc("POST /jobs/{id}/unarchive", s.control(s.manager.Unarchive))
	mux.HandleFunc("POST /jobs/{id}/retry", s.handleRetry)
	mux.HandleFunc("DELETE /jobs/{id}", s.control(s.manager.Delete))
	mux.HandleFunc("GET /jobs/{id}/logs/stream", s.handleLogsStream)
	mux.HandleFunc("GET /jobs/{id}/artifacts", s.handleJobArtifacts)
	mux.HandleFunc("GET /artifacts/{ref...}", s.handleArtifactDownload)
	mux.HandleFunc("GET /agents", s.handleAgents)
	mux.HandleFunc("GET /agents/board", s.handleAgentBoard)
	mux.HandleFunc("GET /workflows", s.handleWorkflows)
	mux.HandleFunc("GET /checkpoints", s.handleListCheckpoints)
	mux.HandleFunc("POST /checkpoints/{id}/restore", s.handleRestoreCheckpoint)
	mux.HandleFunc("DELETE /checkpoints/{id}", s.handleDeleteCheckpoint)
}

func (s *Server) mountMetrics(m *Metrics) {
	mux := s.httpd.Handler.(*http.ServeMux)
	mux.Handle("GET /metrics", m.Handler())
}

// Run serves until ctx is cancelled, then drains with a grace period.
func (s *Server) Run(ctx context.Context) error {
	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		s.logger.Info("http server listening", "addr", s.httpd.Addr)
		if err := s.httpd.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return s.httpd.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

// --- Job handlers ---

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	var req atelier.SubmitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeErr(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	job, err := s.manager.Submit(req)
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]any{
		"job_id": job.ID,
		"status": job.Status,
	})
}

func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := atelier.JobFilter{
		Status:          atelier.JobStatus(q.Get("status")),
		IncludeArchived: q.Get("include_archived") == "true",
	}
	if f.Status != "" && !f.Status.Valid() {
		writeErr(w, http.StatusBadRequest, "unknown status "+string(f.Status))
		return
	}
	f.Limit, _ = strconv.Atoi(q.Get("limit"))
	f.Offset, _ = strconv.Atoi(q.Get("offset"))
	jobs := s.manager.List(f)
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Get(r.PathValue("id"))
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// control adapts a manager command into a POST handler returning the
// refreshed job record.
func (s *Server) control(cmd func(jobID string) error) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := r.PathValue("id")
		if err := cmd(id); err != nil {
			s.writeEngineErr(w, err)
			return
		}
		job, err := s.manager.Get(id)
		if err != nil {
			// Delete removes the record; report the command's success.
			writeJSON(w, http.StatusOK, map[string]any{"job_id": id, "status": "deleted"})
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	job, err := s.manager.Retry(r.PathValue("id"))
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// --- Streaming ---

// handleLogsStream bridges one stream session onto an SSE response. Each
// request gets its own ephemeral stream so replays never cross observers.
func (s *Server) handleLogsStream(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("id")
	if _, err := s.manager.Get(jobID); err != nil {
		s.writeEngineErr(w, err)
		return
	}
	var filters []string
	if f := r.URL.Query().Get("filter"); f != "" {
		filters = strings.Split(f, ",")
	}
	session := s.stream.Attach(jobID, filters...)
	defer session.Close()

	streamID := atelier.NewID()
	s.sse.CreateStream(streamID)
	defer s.sse.RemoveStream(streamID)

	go func() {
		for ev := range session.Events() {
			data, err := json.Marshal(ev)
			if err != nil {
				continue
			}
			s.sse.Publish(streamID, &sse.Event{
				Event: []byte(ev.Type),
				Data:  data,
			})
		}
		s.sse.RemoveStream(streamID)
	}()

	q := r.URL.Query()
	q.Set("stream", streamID)
	r.URL.RawQuery = q.Encode()
	s.sse.ServeHTTP(w, r)
}

// --- Artifacts ---

func (s *Server) handleJobArtifacts(w http.ResponseWriter, r *http.Request) {
	ec, err := s.manager.Context(r.PathValue("id"))
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"artifacts": ec.Artifacts()})
}

func (s *Server) handleArtifactDownload(w http.ResponseWriter, r *http.Request) {
	if s.artifacts == nil {
		writeErr(w, http.StatusNotFound, "no artifact sink configured")
		return
	}
	ref := atelier.BlobRef{Path: r.PathValue("ref")}
	data, err := s.artifacts.Read(r.Context(), ref)
	if err != nil {
		writeErr(w, http.StatusNotFound, "artifact not found")
		return
	}
	w.Header().Set("Content-Type", "application/octet-stream")
	w.WriteHeader(http.StatusOK)
	w.Write(data)
}

// --- Registries ---

func (s *Server) handleAgents(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.agents.List()})
}

func (s *Server) handleAgentBoard(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"agents": s.stream.AgentBoard()})
}

func (s *Server) handleWorkflows(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"workflows": s.templates.List()})
}

// --- Checkpoints ---

func (s *Server) handleListCheckpoints(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		writeErr(w, http.StatusNotFound, "no checkpoint store configured")
		return
	}
	jobID := r.URL.Query().Get("job_id")
	if jobID == "" {
		writeErr(w, http.StatusBadRequest, "job_id query parameter is required")
		return
	}
	metas, err := s.checkpoints.List(jobID)
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoints": metas, "count": len(metas)})
}

func (s *Server) handleRestoreCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		writeErr(w, http.StatusNotFound, "no checkpoint store configured")
		return
	}
	id := atelier.CheckpointID(r.PathValue("id"))
	snap, err := s.checkpoints.Restore(id)
	if err != nil {
		s.writeEngineErr(w, err)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	w.Write(snap)
}

func (s *Server) handleDeleteCheckpoint(w http.ResponseWriter, r *http.Request) {
	if s.checkpoints == nil {
		writeErr(w, http.StatusNotFound, "no checkpoint store configured")
		return
	}
	id := atelier.CheckpointID(r.PathValue("id"))
	if err := s.checkpoints.Delete(id); err != nil {
		s.writeEngineErr(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"checkpoint_id": id, "status": "deleted"})
}

// --- Response helpers ---

// writeEngineErr maps engine errors onto HTTP statuses: not-found
// sentinels to 404, invalid-input kinds to 400, everything else to 500.
func (s *Server) writeEngineErr(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, atelier.ErrTemplateNotFound),
		errors.Is(err, atelier.ErrJobNotFound),
		errors.Is(err, atelier.ErrCheckpointNotFound):
		writeErr(w, http.StatusNotFound, err.Error())
	case atelier.KindOf(err) == atelier.KindInvalidInputs:
		writeErr(w, http.StatusBadRequest, atelier.Redact(err.Error()))
	default:
		s.logger.Error("request failed", "error", atelier.Redact(err.Error()))
		writeErr(w, http.StatusInternalServerError, atelier.Redact(err.Error()))
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeErr(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"error": msg})
}
