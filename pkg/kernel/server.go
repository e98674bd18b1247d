package kernel

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"

	"gameforge/internal/core/domain"
	"gameforge/internal/core/services"
)

// Server is the HTTP surface of the generation kernel: job submission,
// status, live event streams, version history, and restore.
type Server struct {
	logger    *slog.Logger
	mgr       *services.JobManager
	processor *services.Processor
	versions  *services.VersionStore
	dirFor    func(domain.ProjectID) string

	// baseCtx outlives individual requests; generation jobs run on it so a
	// client disconnect does not kill the job.
	baseCtx     context.Context
	corsOrigins []string
}

func NewServer(
	logger *slog.Logger,
	mgr *services.JobManager,
	processor *services.Processor,
	versions *services.VersionStore,
	dirFor func(domain.ProjectID) string,
	baseCtx context.Context,
	corsOrigins []string,
) *Server {
	if baseCtx == nil {
		baseCtx = context.Background()
	}
	return &Server{
		logger:      logger,
		mgr:         mgr,
		processor:   processor,
		versions:    versions,
		dirFor:      dirFor,
		baseCtx:     baseCtx,
		corsOrigins: corsOrigins,
	}
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(cors.New(cors.Options{
		AllowedOrigins: s.corsOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
	}).Handler)

	r.Get("/healthz", s.handleHealth)
	r.Handle("/metrics", promhttp.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/projects/{projectID}", func(r chi.Router) {
			r.Post("/generate", s.handleGenerate)
			r.Get("/jobs", s.handleListJobs)
			r.Get("/versions", s.handleListVersions)
			r.Post("/restore", s.handleRestore)
		})
		r.Route("/jobs/{jobID}", func(r chi.Router) {
			r.Get("/", s.handleGetJob)
			r.Get("/events", s.handleJobEvents)
			r.Post("/cancel", s.handleCancelJob)
		})
	})

	return r
}

type generateRequest struct {
	UserID    string `json:"user_id"`
	Message   string `json:"message"`
	Dimension string `json:"dimension,omitempty"`
}

type generateResponse struct {
	JobID      string `json:"job_id"`
	Status     string `json:"status"`
	IsExisting bool   `json:"is_existing"`
}

// handleGenerate admits a job and kicks off processing in the background.
// POST /v1/projects/{projectID}/generate
func (s *Server) handleGenerate(w http.ResponseWriter, r *http.Request) {
	projectID := domain.ProjectID(chi.URLParam(r, "projectID"))

	var req generateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.Message == "" {
		writeError(w, http.StatusBadRequest, "user_id and message are required")
		return
	}

	job, isExisting, err := s.mgr.Create(r.Context(), domain.UserID(req.UserID), projectID)
	if err != nil {
		switch {
		case errors.Is(err, services.ErrUserLimitExceeded):
			writeError(w, http.StatusTooManyRequests, "you already have the maximum number of jobs running")
		case errors.Is(err, services.ErrSystemLimitExceeded):
			writeError(w, http.StatusTooManyRequests, "the system is at capacity, try again shortly")
		default:
			s.logger.Error("job admission failed", "project_id", projectID, "error", err)
			writeError(w, http.StatusInternalServerError, "could not create job")
		}
		return
	}

	if !isExisting {
		go s.processor.Process(s.baseCtx, job, services.ProcessRequest{
			Message:   req.Message,
			Dimension: req.Dimension,
		})
	}

	writeJSON(w, http.StatusAccepted, generateResponse{
		JobID:      string(job.ID),
		Status:     string(job.Status),
		IsExisting: isExisting,
	})
}

// GET /v1/jobs/{jobID}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	jobID := domain.JobID(chi.URLParam(r, "jobID"))

	job, err := s.mgr.Get(r.Context(), jobID)
	if err != nil {
		if errors.Is(err, domain.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		s.logger.Error("failed to get job", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// POST /v1/jobs/{jobID}/cancel
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	jobID := domain.JobID(chi.URLParam(r, "jobID"))

	err := s.mgr.Cancel(r.Context(), jobID)
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, map[string]string{"status": string(domain.JobStatusCancelled)})
	case errors.Is(err, domain.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job not found")
	case errors.Is(err, domain.ErrJobTerminal):
		writeError(w, http.StatusConflict, "job already finished")
	default:
		s.logger.Error("cancel failed", "job_id", jobID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// GET /v1/projects/{projectID}/jobs
func (s *Server) handleListJobs(w http.ResponseWriter, r *http.Request) {
	projectID := domain.ProjectID(chi.URLParam(r, "projectID"))

	jobs, err := s.mgr.ListByProject(r.Context(), projectID)
	if err != nil {
		s.logger.Error("failed to list jobs", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"jobs": jobs, "count": len(jobs)})
}

// GET /v1/projects/{projectID}/versions
func (s *Server) handleListVersions(w http.ResponseWriter, r *http.Request) {
	projectID := domain.ProjectID(chi.URLParam(r, "projectID"))

	versions, err := s.versions.Log(r.Context(), s.dirFor(projectID))
	if err != nil {
		s.logger.Error("failed to list versions", "project_id", projectID, "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"versions": versions, "count": len(versions)})
}

type restoreRequest struct {
	VersionID string `json:"version_id"`
}

// handleRestore runs the append-only restore protocol. Restores are refused
// while the project has an active job; they would race its file writes.
// POST /v1/projects/{projectID}/restore
func (s *Server) handleRestore(w http.ResponseWriter, r *http.Request) {
	projectID := domain.ProjectID(chi.URLParam(r, "projectID"))

	var req restoreRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || req.VersionID == "" {
		writeError(w, http.StatusBadRequest, "version_id is required")
		return
	}

	// Hold the project lock across check and checkout so no job can be
	// admitted mid-restore.
	unlock := s.mgr.LockProject(projectID)
	defer unlock()

	if active, err := s.mgr.ActiveJob(r.Context(), projectID); err == nil && active != nil {
		writeError(w, http.StatusConflict, "project has a job in progress")
		return
	}

	result := s.versions.Restore(r.Context(), s.dirFor(projectID), req.VersionID)
	if !result.Success {
		writeJSON(w, http.StatusUnprocessableEntity, result)
		return
	}
	writeJSON(w, http.StatusOK, result)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
