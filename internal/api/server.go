// Package api exposes the HTTP interface for the task orchestrator.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/leadgrid/scraperd/internal/health"
	"github.com/leadgrid/scraperd/internal/metrics"
	"github.com/leadgrid/scraperd/internal/middleware"
	"github.com/leadgrid/scraperd/internal/supervisor"
	"github.com/leadgrid/scraperd/internal/task"
)

// TaskService is the slice of the lifecycle manager the API drives.
type TaskService interface {
	CreateTask(ctx context.Context, t task.Task) (task.Task, error)
	StartTask(ctx context.Context, id int64) error
	PauseTask(ctx context.Context, id int64) error
	ResumeTask(ctx context.Context, id int64) error
	CancelTask(ctx context.Context, id int64) error
	GetTask(ctx context.Context, id int64) (task.Task, error)
	GetProgress(id int64) (task.Progress, bool)
	ListResults(ctx context.Context, id int64) ([]task.Result, error)
}

// ProcessLister exposes the supervisor's worker registry.
type ProcessLister interface {
	ActiveProcesses() []supervisor.Handle
	ProcessCount() int
}

// HealthSource serves readiness reports.
type HealthSource interface {
	Check(ctx context.Context) health.Report
	Last() (health.Report, bool)
}

// NotificationSource lists recent operator notifications.
type NotificationSource interface {
	Notifications() []task.Notification
}

// Server wires HTTP handlers to the orchestrator services.
type Server struct {
	router    chi.Router
	tasks     TaskService
	processes ProcessLister
	checker   HealthSource
	notes     NotificationSource
	platforms []string
	logger    *zap.Logger
}

// NewServer constructs a Server with middleware and routes. The notification
// source may be nil when no in-memory notifier is configured.
func NewServer(
	tasks TaskService,
	processes ProcessLister,
	checker HealthSource,
	notes NotificationSource,
	platforms []string,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		tasks:     tasks,
		processes: processes,
		checker:   checker,
		notes:     notes,
		platforms: platforms,
		logger:    logger,
	}

	r := chi.NewRouter()
	r.Use(s.requestIDMiddleware)
	r.Use(s.loggingMiddleware)
	r.Use(s.recoverMiddleware)
	r.Use(middleware.Metrics)
	r.Use(timeoutMiddleware(60 * time.Second))

	r.Get("/healthz", s.healthz)
	r.Get("/readyz", s.readyz)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	r.Route("/v1", func(r chi.Router) {
		r.Route("/tasks", func(r chi.Router) {
			r.Post("/", s.createTask)
			r.Route("/{task_id}", func(r chi.Router) {
				r.Get("/", s.getTask)
				r.Get("/progress", s.getProgress)
				r.Get("/results", s.getResults)
				r.Post("/start", s.startTask)
				r.Post("/pause", s.pauseTask)
				r.Post("/resume", s.resumeTask)
				r.Post("/cancel", s.cancelTask)
			})
		})
		r.Get("/processes", s.listProcesses)
		r.Get("/platforms", s.listPlatforms)
		r.Get("/notifications", s.listNotifications)
	})

	s.router = r
	return s
}

// Handler returns the router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) healthz(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) readyz(w http.ResponseWriter, r *http.Request) {
	report, ok := s.checker.Last()
	if !ok {
		report = s.checker.Check(r.Context())
	}
	status := http.StatusOK
	if !report.Healthy {
		status = http.StatusServiceUnavailable
	}
	s.writeJSON(w, status, report)
}

type createTaskRequest struct {
	Platform    string     `json:"platform"`
	Keywords    []string   `json:"keywords"`
	Location    string     `json:"location"`
	MaxPages    int        `json:"max_pages"`
	Concurrency int        `json:"concurrency"`
	DelayMs     int        `json:"delay_ms"`
	Headless    bool       `json:"headless"`
	ScheduledAt *time.Time `json:"scheduled_at"`
	Start       bool       `json:"start"`
}

func (s *Server) createTask(w http.ResponseWriter, r *http.Request) {
	var req createTaskRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON")
		return
	}
	created, err := s.tasks.CreateTask(r.Context(), task.Task{
		Platform:    req.Platform,
		Keywords:    req.Keywords,
		Location:    req.Location,
		MaxPages:    req.MaxPages,
		Concurrency: req.Concurrency,
		DelayMs:     req.DelayMs,
		Headless:    req.Headless,
		ScheduledAt: req.ScheduledAt,
	})
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	if req.Start {
		if err := s.tasks.StartTask(r.Context(), created.ID); err != nil {
			s.writeTaskError(w, err)
			return
		}
		created, err = s.tasks.GetTask(r.Context(), created.ID)
		if err != nil {
			s.writeTaskError(w, err)
			return
		}
	}
	s.writeJSON(w, http.StatusCreated, map[string]any{"task": created})
}

func (s *Server) getTask(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	t, err := s.tasks.GetTask(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"task": t})
}

func (s *Server) getProgress(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if _, err := s.tasks.GetTask(r.Context(), id); err != nil {
		s.writeTaskError(w, err)
		return
	}
	p, _ := s.tasks.GetProgress(id)
	s.writeJSON(w, http.StatusOK, map[string]any{"progress": p})
}

func (s *Server) getResults(w http.ResponseWriter, r *http.Request) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	results, err := s.tasks.ListResults(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"results": results, "count": len(results)})
}

func (s *Server) startTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.tasks.StartTask, task.StatusInProgress)
}

func (s *Server) pauseTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.tasks.PauseTask, task.StatusPaused)
}

func (s *Server) resumeTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.tasks.ResumeTask, task.StatusInProgress)
}

func (s *Server) cancelTask(w http.ResponseWriter, r *http.Request) {
	s.transition(w, r, s.tasks.CancelTask, task.StatusCancelled)
}

func (s *Server) transition(w http.ResponseWriter, r *http.Request, op func(context.Context, int64) error, requested task.Status) {
	id, ok := s.taskID(w, r)
	if !ok {
		return
	}
	if err := op(r.Context(), id); err != nil {
		s.writeTaskError(w, err)
		return
	}
	t, err := s.tasks.GetTask(r.Context(), id)
	if err != nil {
		s.writeTaskError(w, err)
		return
	}
	s.writeJSON(w, http.StatusAccepted, map[string]any{
		"task":      t,
		"requested": string(requested),
	})
}

func (s *Server) listProcesses(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{
		"processes": s.processes.ActiveProcesses(),
		"count":     s.processes.ProcessCount(),
	})
}

func (s *Server) listPlatforms(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]any{"platforms": s.platforms})
}

func (s *Server) listNotifications(w http.ResponseWriter, _ *http.Request) {
	if s.notes == nil {
		s.writeJSON(w, http.StatusOK, map[string]any{"notifications": []task.Notification{}})
		return
	}
	s.writeJSON(w, http.StatusOK, map[string]any{"notifications": s.notes.Notifications()})
}

func (s *Server) taskID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	raw := chi.URLParam(r, "task_id")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		s.writeError(w, http.StatusBadRequest, "task id must be a positive integer")
		return 0, false
	}
	return id, true
}

// writeTaskError maps domain errors onto HTTP statuses.
func (s *Server) writeTaskError(w http.ResponseWriter, err error) {
	var (
		validationErr *task.ValidationError
		transitionErr *task.InvalidTransitionError
		spawnErr      *task.SpawnError
	)
	switch {
	case errors.As(err, &validationErr):
		s.writeError(w, http.StatusBadRequest, validationErr.Error())
	case errors.Is(err, task.ErrNotFound):
		s.writeError(w, http.StatusNotFound, "task not found")
	case errors.As(err, &transitionErr):
		s.writeError(w, http.StatusConflict, transitionErr.Error())
	case errors.Is(err, task.ErrAlreadyRunning):
		s.writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &spawnErr):
		s.writeError(w, http.StatusBadGateway, spawnErr.Error())
	default:
		s.writeError(w, http.StatusInternalServerError, err.Error())
	}
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		s.logger.Error("write JSON response failed", zap.Error(err))
	}
}

func (s *Server) writeError(w http.ResponseWriter, status int, msg string) {
	s.writeJSON(w, status, map[string]string{"error": msg})
}

type requestIDKey struct{}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqID := uuid.NewString()
		ctx := context.WithValue(r.Context(), requestIDKey{}, reqID)
		w.Header().Set("X-Request-ID", reqID)
		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := &statusWriter{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(ww, r)
		s.logger.Info("request completed",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.status),
			zap.Int64("duration_ms", time.Since(start).Milliseconds()),
		)
	})
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.logger.Error("panic recovered", zap.Any("panic", rec))
				s.writeError(w, http.StatusInternalServerError, "internal server error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func timeoutMiddleware(d time.Duration) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.TimeoutHandler(next, d, "request timed out")
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (sw *statusWriter) WriteHeader(code int) {
	sw.status = code
	sw.ResponseWriter.WriteHeader(code)
}
