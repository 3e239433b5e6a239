package db

import (
	"encoding/json"
	"time"

	"github.com/kylemclaren/claude-goals/internal/plan"
)

// Status represents the lifecycle state of a task
type Status string

const (
	StatusProposed   Status = "proposed"
	StatusAccepted   Status = "accepted"
	StatusInProgress Status = "in_progress"
	StatusPaused     Status = "paused"
	StatusCompleted  Status = "completed"
	StatusCancelled  Status = "cancelled"
	StatusExpired    Status = "expired"
)

// AllStatuses lists every task status in lifecycle order
var AllStatuses = []Status{
	StatusProposed, StatusAccepted, StatusInProgress, StatusPaused,
	StatusCompleted, StatusCancelled, StatusExpired,
}

// IsTerminal reports whether no further transitions are possible.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusExpired
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	for _, known := range AllStatuses {
		if s == known {
			return true
		}
	}
	return false
}

// Progress is the scheduling state stored alongside a task
type Progress struct {
	Plan             *plan.Plan  `json:"plan,omitempty"`
	CyclesThisHour   int         `json:"cycles_this_hour"`
	LastCycleAt      *time.Time  `json:"last_cycle_at,omitempty"`
	CoverageEstimate float64     `json:"coverage_estimate"`
	LastSummary      string      `json:"last_summary,omitempty"`
	DeferCount       int         `json:"defer_count"`
	ReplanRequested  bool        `json:"replan_requested,omitempty"`
	SupersededPlans  []plan.Plan `json:"superseded_plans,omitempty"`
}

// Task is a durable, multi-cycle goal
type Task struct {
	ID             string          `json:"id"`
	AccountID      string          `json:"account_id"`
	ThreadID       string          `json:"thread_id,omitempty"`
	Goal           string          `json:"goal"`
	Scope          string          `json:"scope"`
	Status         Status          `json:"status"`
	Priority       int             `json:"priority"`
	Progress       Progress        `json:"progress"`
	Result         string          `json:"result"`
	ResultArtifact json.RawMessage `json:"result_artifact,omitempty"`
	IterationsUsed int             `json:"iterations_used"`
	MaxIterations  int             `json:"max_iterations"`
	FatigueBudget  float64         `json:"fatigue_budget"`
	CreatedAt      time.Time       `json:"created_at"`
	UpdatedAt      time.Time       `json:"updated_at"`
	ExpiresAt      time.Time       `json:"expires_at"`
	Deadline       *time.Time      `json:"deadline,omitempty"`
	NextRunAfter   *time.Time      `json:"next_run_after,omitempty"`
}

// TaskFilter narrows ListTasks; zero values match everything
type TaskFilter struct {
	AccountID string
	Statuses  []Status
	Limit     int
}
