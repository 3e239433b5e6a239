package api

import (
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-playground/validator/v10"
	"github.com/kylemclaren/claude-goals/internal/lifecycle"
	"github.com/kylemclaren/claude-goals/internal/scheduler"
	"github.com/kylemclaren/claude-goals/internal/stream"
)

// Server represents the API server
type Server struct {
	lifecycle *lifecycle.Manager
	scheduler *scheduler.Scheduler
	streamMgr *stream.Manager
	validate  *validator.Validate
	logger    *slog.Logger
	router    chi.Router

	heartbeat time.Duration
}

// NewServer creates a new API server. sched may be nil when the API runs
// without a driver loop; a nil streamMgr gets a private manager.
func NewServer(lc *lifecycle.Manager, sched *scheduler.Scheduler, streamMgr *stream.Manager, logger *slog.Logger) *Server {
	if streamMgr == nil {
		streamMgr = stream.NewManager()
	}
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	s := &Server{
		lifecycle: lc,
		scheduler: sched,
		streamMgr: streamMgr,
		validate:  validator.New(validator.WithRequiredStructEnabled()),
		logger:    logger,
		router:    chi.NewRouter(),
		heartbeat: 15 * time.Second,
	}
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.requestLogger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Get("/api/v1/health", s.HealthCheck)

	// Tasks
	r.Get("/api/v1/tasks", s.ListTasks)
	r.Post("/api/v1/tasks", s.CreateTask)
	r.Post("/api/v1/tasks/duplicates", s.FindDuplicate)
	r.Post("/api/v1/tasks/expire", s.ExpireTasks)
	r.Get("/api/v1/tasks/{id}", s.GetTask)
	r.Post("/api/v1/tasks/{id}/accept", s.AcceptTask)
	r.Post("/api/v1/tasks/{id}/transition", s.TransitionTask)
	r.Put("/api/v1/tasks/{id}/scope", s.UpdateScope)
	r.Post("/api/v1/tasks/{id}/checkpoint", s.Checkpoint)
	r.Post("/api/v1/tasks/{id}/complete", s.CompleteTask)
	r.Post("/api/v1/tasks/{id}/schedule", s.ScheduleTask)
	r.Get("/api/v1/tasks/{id}/rate-limit", s.RateLimit)

	// Plans
	r.Get("/api/v1/tasks/{id}/plan", s.GetPlan)
	r.Post("/api/v1/tasks/{id}/steps/{stepId}", s.ReportStep)
	r.Get("/api/v1/tasks/{id}/stream", s.StreamTask)
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}

// requestLogger logs each request through the server's slog logger
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		defer func() {
			s.logger.Info("http request",
				"method", r.Method,
				"path", r.URL.Path,
				"status", ww.Status(),
				"bytes", ww.BytesWritten(),
				"duration", time.Since(start).Round(time.Microsecond),
				"request_id", middleware.GetReqID(r.Context()))
		}()
		next.ServeHTTP(ww, r)
	})
}

// CORS allows browser clients on other origins
func CORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Accept, Content-Type, Authorization, X-Request-ID")

		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		next.ServeHTTP(w, r)
	})
}
