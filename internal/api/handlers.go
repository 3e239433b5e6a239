package api

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-playground/validator/v10"
	"github.com/kylemclaren/claude-goals/internal/db"
	"github.com/kylemclaren/claude-goals/internal/lifecycle"
	"github.com/kylemclaren/claude-goals/internal/plan"
	"github.com/kylemclaren/claude-goals/internal/version"
)

// HealthCheck handles GET /api/v1/health
func (s *Server) HealthCheck(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:  "ok",
		Version: version.Version,
	}
	if s.scheduler != nil {
		resp.NextCycleAt = s.scheduler.NextCycleTime()
		resp.SchedulerLive = resp.NextCycleAt != nil
	}
	s.jsonResponse(w, http.StatusOK, resp)
}

// ListTasks handles GET /api/v1/tasks
func (s *Server) ListTasks(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := db.TaskFilter{AccountID: q.Get("account_id")}

	for _, raw := range q["status"] {
		for _, part := range strings.Split(raw, ",") {
			status := db.Status(strings.TrimSpace(part))
			if !status.Valid() {
				s.errorResponse(w, http.StatusBadRequest, "Invalid status filter", fmt.Errorf("unknown status %q", part))
				return
			}
			filter.Statuses = append(filter.Statuses, status)
		}
	}
	if limitStr := q.Get("limit"); limitStr != "" {
		if l, err := strconv.Atoi(limitStr); err == nil && l > 0 {
			filter.Limit = l
		}
	}

	tasks, err := s.lifecycle.ListTasks(r.Context(), filter)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to fetch tasks", err)
		return
	}
	if tasks == nil {
		tasks = []*db.Task{}
	}
	s.jsonResponse(w, http.StatusOK, TaskListResponse{Tasks: tasks, Total: len(tasks)})
}

// CreateTask handles POST /api/v1/tasks
func (s *Server) CreateTask(w http.ResponseWriter, r *http.Request) {
	var req CreateTaskRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	if !req.AllowDuplicate {
		existing, err := s.lifecycle.FindDuplicate(r.Context(), req.AccountID, req.Goal)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "Failed to check for duplicates", err)
			return
		}
		if existing != nil {
			s.jsonResponse(w, http.StatusConflict, DuplicateConflictResponse{
				Error: "A similar goal is already open",
				Code:  "duplicate",
				Task:  existing,
			})
			return
		}
	}

	task, err := s.lifecycle.CreateTask(r.Context(), lifecycle.NewTask{
		AccountID:     req.AccountID,
		ThreadID:      req.ThreadID,
		Goal:          req.Goal,
		Scope:         req.Scope,
		Priority:      req.Priority,
		MaxIterations: req.MaxIterations,
		FatigueBudget: req.FatigueBudget,
		TTL:           time.Duration(req.TTLSeconds) * time.Second,
		Deadline:      req.Deadline,
	})
	if err != nil {
		s.lifecycleError(w, "Failed to create task", err)
		return
	}
	s.jsonResponse(w, http.StatusCreated, task)
}

// FindDuplicate handles POST /api/v1/tasks/duplicates
func (s *Server) FindDuplicate(w http.ResponseWriter, r *http.Request) {
	var req DuplicateRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	existing, err := s.lifecycle.FindDuplicate(r.Context(), req.AccountID, req.Goal)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to check for duplicates", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, DuplicateResponse{Duplicate: existing != nil, Task: existing})
}

// ExpireTasks handles POST /api/v1/tasks/expire
func (s *Server) ExpireTasks(w http.ResponseWriter, r *http.Request) {
	n, err := s.lifecycle.ExpireStaleTasks(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, "Failed to expire tasks", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, ExpireResponse{Expired: n})
}

// GetTask handles GET /api/v1/tasks/{id}
func (s *Server) GetTask(w http.ResponseWriter, r *http.Request) {
	task, err := s.lifecycle.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lifecycleError(w, "Failed to fetch task", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// AcceptTask handles POST /api/v1/tasks/{id}/accept
func (s *Server) AcceptTask(w http.ResponseWriter, r *http.Request) {
	var req AcceptRequest
	if !s.decode(w, r, &req, true) {
		return
	}

	task, err := s.lifecycle.AcceptTask(r.Context(), chi.URLParam(r, "id"), req.Scope)
	if err != nil {
		s.lifecycleError(w, "Failed to accept task", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// TransitionTask handles POST /api/v1/tasks/{id}/transition
func (s *Server) TransitionTask(w http.ResponseWriter, r *http.Request) {
	var req TransitionRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	id := chi.URLParam(r, "id")
	var (
		task *db.Task
		err  error
	)
	switch req.Status {
	case db.StatusAccepted:
		// acceptance through the generic route still honours the active cap
		task, err = s.lifecycle.AcceptTask(r.Context(), id, nil)
	default:
		task, err = s.lifecycle.Transition(r.Context(), id, req.Status)
	}
	if err != nil {
		s.lifecycleError(w, "Failed to transition task", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// UpdateScope handles PUT /api/v1/tasks/{id}/scope
func (s *Server) UpdateScope(w http.ResponseWriter, r *http.Request) {
	var req ScopeRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	res, err := s.lifecycle.UpdateScope(r.Context(), chi.URLParam(r, "id"), req.Scope)
	if err != nil {
		s.lifecycleError(w, "Failed to update scope", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, res)
}

// Checkpoint handles POST /api/v1/tasks/{id}/checkpoint
func (s *Server) Checkpoint(w http.ResponseWriter, r *http.Request) {
	var req CheckpointRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	if p := req.Progress.Plan; p != nil {
		if err := plan.ValidateDAG(p.Steps); err != nil {
			s.errorResponse(w, http.StatusUnprocessableEntity, "Invalid plan", err)
			return
		}
		for i := range p.Steps {
			if p.Steps[i].Status == "" {
				p.Steps[i].Status = plan.StepPending
			}
			if !p.Steps[i].Status.Valid() {
				s.errorResponse(w, http.StatusUnprocessableEntity, "Invalid plan",
					fmt.Errorf("step %s has unknown status %q", p.Steps[i].ID, p.Steps[i].Status))
				return
			}
		}
		plan.RecomputeBlocked(p)
	}

	task, err := s.lifecycle.Checkpoint(r.Context(), chi.URLParam(r, "id"), req.Progress, req.Fragment)
	if err != nil {
		s.lifecycleError(w, "Failed to checkpoint task", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// CompleteTask handles POST /api/v1/tasks/{id}/complete
func (s *Server) CompleteTask(w http.ResponseWriter, r *http.Request) {
	var req CompleteRequest
	if !s.decode(w, r, &req, true) {
		return
	}
	if len(req.Artifact) > 0 && !json.Valid(req.Artifact) {
		s.errorResponse(w, http.StatusUnprocessableEntity, "Artifact must be valid JSON", nil)
		return
	}

	task, err := s.lifecycle.CompleteTask(r.Context(), chi.URLParam(r, "id"), req.Result, req.Artifact)
	if err != nil {
		s.lifecycleError(w, "Failed to complete task", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// ScheduleTask handles POST /api/v1/tasks/{id}/schedule
func (s *Server) ScheduleTask(w http.ResponseWriter, r *http.Request) {
	var req ScheduleRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	task, err := s.lifecycle.SetNextRun(r.Context(), chi.URLParam(r, "id"), time.Duration(req.DelaySeconds)*time.Second)
	if err != nil {
		s.lifecycleError(w, "Failed to schedule task", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// RateLimit handles GET /api/v1/tasks/{id}/rate-limit
func (s *Server) RateLimit(w http.ResponseWriter, r *http.Request) {
	task, err := s.lifecycle.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lifecycleError(w, "Failed to fetch task", err)
		return
	}

	s.jsonResponse(w, http.StatusOK, RateLimitResponse{
		TaskID:           task.ID,
		Allowed:          s.lifecycle.WithinRateLimit(task.Progress),
		CyclesThisHour:   task.Progress.CyclesThisHour,
		MaxCyclesPerHour: s.lifecycle.Config().MaxCyclesPerHour,
		LastCycleAt:      task.Progress.LastCycleAt,
	})
}

// GetPlan handles GET /api/v1/tasks/{id}/plan
func (s *Server) GetPlan(w http.ResponseWriter, r *http.Request) {
	task, err := s.lifecycle.GetTask(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.lifecycleError(w, "Failed to fetch task", err)
		return
	}
	p := task.Progress.Plan
	if p == nil {
		s.errorResponse(w, http.StatusNotFound, "Task has no plan yet", nil)
		return
	}

	ready := plan.ReadySteps(p)
	if ready == nil {
		ready = []plan.Step{}
	}
	s.jsonResponse(w, http.StatusOK, PlanResponse{
		TaskID:    task.ID,
		Plan:      p,
		Ready:     ready,
		Coverage:  plan.Coverage(p),
		CostClass: plan.EstimateCost(p),
	})
}

// ReportStep handles POST /api/v1/tasks/{id}/steps/{stepId}
func (s *Server) ReportStep(w http.ResponseWriter, r *http.Request) {
	var req StepReportRequest
	if !s.decode(w, r, &req, false) {
		return
	}

	u := plan.StepUpdate{
		Status:        req.Status,
		ResultSummary: req.ResultSummary,
		FailureReason: req.FailureReason,
		SkipReason:    req.SkipReason,
		SkippedBy:     req.SkippedBy,
		Retryable:     req.Retryable,
	}
	if u.Status == plan.StepSkipped && u.SkippedBy == "" {
		u.SkippedBy = "api"
	}

	task, err := s.lifecycle.ReportStep(r.Context(), chi.URLParam(r, "id"), chi.URLParam(r, "stepId"), u, req.Fragment)
	if err != nil {
		s.lifecycleError(w, "Failed to record step", err)
		return
	}
	s.jsonResponse(w, http.StatusOK, task)
}

// Helper functions

// decode reads a JSON body into dst and validates it. An empty body is
// accepted when optional is set.
func (s *Server) decode(w http.ResponseWriter, r *http.Request, dst any, optional bool) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		if !optional || !errors.Is(err, io.EOF) {
			s.errorResponse(w, http.StatusBadRequest, "Invalid request body", err)
			return false
		}
	}

	if err := s.validate.Struct(dst); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Field(), fe.Tag()))
			}
			err = errors.New(strings.Join(msgs, "; "))
		}
		s.jsonResponse(w, http.StatusUnprocessableEntity, ErrorResponse{
			Error:   "Validation failed",
			Code:    "validation_failed",
			Details: err.Error(),
		})
		return false
	}
	return true
}

// lifecycleError maps lifecycle and plan errors to HTTP statuses
func (s *Server) lifecycleError(w http.ResponseWriter, message string, err error) {
	status, code := http.StatusInternalServerError, ""
	switch {
	case errors.Is(err, lifecycle.ErrNotFound):
		status, code = http.StatusNotFound, "not_found"
	case errors.Is(err, plan.ErrStepNotFound):
		status, code = http.StatusNotFound, "step_not_found"
	case errors.Is(err, lifecycle.ErrInvalidTransition):
		status, code = http.StatusConflict, "invalid_transition"
	case errors.Is(err, lifecycle.ErrNoPlan):
		status, code = http.StatusConflict, "no_plan"
	case errors.Is(err, lifecycle.ErrCapacityExceeded):
		status, code = http.StatusTooManyRequests, "capacity_exceeded"
	case errors.Is(err, lifecycle.ErrRateLimited):
		status, code = http.StatusTooManyRequests, "rate_limited"
	case errors.Is(err, lifecycle.ErrInvalidTask):
		status, code = http.StatusUnprocessableEntity, "invalid_task"
	}
	if status == http.StatusInternalServerError {
		s.logger.Error(message, "error", err)
	}
	s.jsonResponse(w, status, ErrorResponse{Error: message, Code: code, Details: err.Error()})
}

func (s *Server) jsonResponse(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func (s *Server) errorResponse(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{
		Error: message,
	}
	if err != nil {
		resp.Details = err.Error()
	}
	s.jsonResponse(w, status, resp)
}
