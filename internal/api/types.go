package api

import (
	"encoding/json"
	"time"

	"github.com/kylemclaren/claude-goals/internal/db"
	"github.com/kylemclaren/claude-goals/internal/lifecycle"
	"github.com/kylemclaren/claude-goals/internal/plan"
)

// CreateTaskRequest represents a task creation request
type CreateTaskRequest struct {
	AccountID      string     `json:"account_id" validate:"required"`
	ThreadID       string     `json:"thread_id,omitempty"`
	Goal           string     `json:"goal" validate:"required,max=2000"`
	Scope          string     `json:"scope,omitempty" validate:"max=2000"`
	Priority       int        `json:"priority,omitempty" validate:"omitempty,min=1,max=10"`
	MaxIterations  int        `json:"max_iterations,omitempty" validate:"omitempty,min=1"`
	FatigueBudget  float64    `json:"fatigue_budget,omitempty" validate:"gte=0"`
	TTLSeconds     int        `json:"ttl_seconds,omitempty" validate:"omitempty,min=1"`
	Deadline       *time.Time `json:"deadline,omitempty"`
	AllowDuplicate bool       `json:"allow_duplicate,omitempty"`
}

// DuplicateRequest asks whether an account already has a similar open goal
type DuplicateRequest struct {
	AccountID string `json:"account_id" validate:"required"`
	Goal      string `json:"goal" validate:"required"`
}

// DuplicateResponse carries the matching task, if any
type DuplicateResponse struct {
	Duplicate bool     `json:"duplicate"`
	Task      *db.Task `json:"task,omitempty"`
}

// AcceptRequest optionally replaces the scope on acceptance
type AcceptRequest struct {
	Scope *string `json:"scope,omitempty" validate:"omitempty,max=2000"`
}

// TransitionRequest represents a status change
type TransitionRequest struct {
	Status db.Status `json:"status" validate:"required,oneof=proposed accepted in_progress paused completed cancelled expired"`
}

// ScopeRequest replaces a task's scope
type ScopeRequest struct {
	Scope string `json:"scope" validate:"required,max=2000"`
}

// CheckpointRequest records progress for a task
type CheckpointRequest struct {
	Progress lifecycle.ProgressPatch `json:"progress"`
	Fragment string                  `json:"fragment,omitempty"`
}

// CompleteRequest finishes a task
type CompleteRequest struct {
	Result   string          `json:"result,omitempty"`
	Artifact json.RawMessage `json:"artifact,omitempty"`
}

// ScheduleRequest delays the next cycle of a task
type ScheduleRequest struct {
	DelaySeconds int `json:"delay_seconds" validate:"gte=0"`
}

// StepReportRequest is an external executor's report for one step
type StepReportRequest struct {
	Status        plan.StepStatus `json:"status" validate:"required,oneof=pending in_progress completed failed skipped"`
	ResultSummary string          `json:"result_summary,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	SkipReason    string          `json:"skip_reason,omitempty"`
	SkippedBy     string          `json:"skipped_by,omitempty"`
	Retryable     bool            `json:"retryable,omitempty"`
	Fragment      string          `json:"fragment,omitempty"`
}

// TaskListResponse represents a list of tasks
type TaskListResponse struct {
	Tasks []*db.Task `json:"tasks"`
	Total int        `json:"total"`
}

// PlanResponse describes a task's plan and what can run next
type PlanResponse struct {
	TaskID    string         `json:"task_id"`
	Plan      *plan.Plan     `json:"plan"`
	Ready     []plan.Step    `json:"ready"`
	Coverage  float64        `json:"coverage"`
	CostClass plan.CostClass `json:"cost_class"`
}

// RateLimitResponse reports whether a task may run another cycle now
type RateLimitResponse struct {
	TaskID           string     `json:"task_id"`
	Allowed          bool       `json:"allowed"`
	CyclesThisHour   int        `json:"cycles_this_hour"`
	MaxCyclesPerHour int        `json:"max_cycles_per_hour"`
	LastCycleAt      *time.Time `json:"last_cycle_at,omitempty"`
}

// ExpireResponse reports how many tasks were expired
type ExpireResponse struct {
	Expired int64 `json:"expired"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details string `json:"details,omitempty"`
}

// DuplicateConflictResponse is returned when creation finds a similar task
type DuplicateConflictResponse struct {
	Error string   `json:"error"`
	Code  string   `json:"code"`
	Task  *db.Task `json:"task"`
}

// HealthResponse represents the health check response
type HealthResponse struct {
	Status        string     `json:"status"`
	Version       string     `json:"version,omitempty"`
	NextCycleAt   *time.Time `json:"next_cycle_at,omitempty"`
	SchedulerLive bool       `json:"scheduler_live"`
}

// SSEOutputChunk represents an output chunk sent via SSE
type SSEOutputChunk struct {
	TaskID    string `json:"task_id"`
	StepID    string `json:"step_id"`
	Text      string `json:"text"`
	Timestamp string `json:"timestamp"`
	IsError   bool   `json:"is_error,omitempty"`
}

// SSECompletionEvent represents a completion event sent via SSE
type SSECompletionEvent struct {
	TaskID string `json:"task_id"`
	StepID string `json:"step_id"`
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
}
