package plan

import (
	"errors"
	"time"
)

// StepStatus represents the persisted state of a step
type StepStatus string

const (
	StepPending    StepStatus = "pending"
	StepInProgress StepStatus = "in_progress"
	StepCompleted  StepStatus = "completed"
	StepFailed     StepStatus = "failed"
	StepSkipped    StepStatus = "skipped"
)

// IsTerminal reports whether the step has finished, successfully or not.
func (s StepStatus) IsTerminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// Resolved reports whether the status satisfies a dependency.
// Failed steps do not unblock their dependents.
func (s StepStatus) Resolved() bool {
	return s == StepCompleted || s == StepSkipped
}

// Valid reports whether s is one of the persisted step statuses.
func (s StepStatus) Valid() bool {
	switch s {
	case StepPending, StepInProgress, StepCompleted, StepFailed, StepSkipped:
		return true
	default:
		return false
	}
}

// CostClass classifies how expensive a plan is to execute
type CostClass string

const (
	CostCheap     CostClass = "cheap"
	CostExpensive CostClass = "expensive"
)

// ReasonWaitingOnDependencies is recorded when a plan is blocked only by
// steps that are still running.
const ReasonWaitingOnDependencies = "waiting on in-progress dependencies"

// ErrStepNotFound is returned when a step id is not part of the plan
var ErrStepNotFound = errors.New("step not found")

// Step is one unit of work inside a plan
type Step struct {
	ID            string     `json:"id"`
	Description   string     `json:"description"`
	DependsOn     []string   `json:"depends_on"`
	ToolsNeeded   []string   `json:"tools_needed"`
	Status        StepStatus `json:"status"`
	ResultSummary string     `json:"result_summary,omitempty"`
	SkipReason    string     `json:"skip_reason,omitempty"`
	SkippedBy     string     `json:"skipped_by,omitempty"`
	FailureReason string     `json:"failure_reason,omitempty"`
	Retryable     bool       `json:"retryable,omitempty"`
	StartedAt     *time.Time `json:"started_at,omitempty"`
	CompletedAt   *time.Time `json:"completed_at,omitempty"`
}

// Plan is the decomposition of one version of a task's goal
type Plan struct {
	Version                 int       `json:"version"`
	DecomposedAt            time.Time `json:"decomposed_at"`
	DecompositionConfidence float64   `json:"decomposition_confidence"`
	CostClass               CostClass `json:"cost_class"`
	// BlockedOn is nil when the plan is not blocked. An empty, non-nil slice
	// means the plan waits on running steps rather than failed ones.
	BlockedOn     []string `json:"blocked_on"`
	BlockedReason string   `json:"blocked_reason,omitempty"`
	Steps         []Step   `json:"steps"`
}

// IsBlocked reports whether no pending step can currently run.
func (p *Plan) IsBlocked() bool {
	return p.BlockedOn != nil
}

// Step returns the step with the given id.
func (p *Plan) Step(id string) (*Step, bool) {
	for i := range p.Steps {
		if p.Steps[i].ID == id {
			return &p.Steps[i], true
		}
	}
	return nil, false
}

// Done reports whether every step has reached a terminal status.
func (p *Plan) Done() bool {
	for _, s := range p.Steps {
		if !s.Status.IsTerminal() {
			return false
		}
	}
	return true
}

// Clone returns a deep copy of the plan.
func (p *Plan) Clone() *Plan {
	if p == nil {
		return nil
	}
	c := *p
	if p.BlockedOn != nil {
		c.BlockedOn = append([]string{}, p.BlockedOn...)
	}
	c.Steps = make([]Step, len(p.Steps))
	for i, s := range p.Steps {
		s.DependsOn = append([]string(nil), s.DependsOn...)
		s.ToolsNeeded = append([]string(nil), s.ToolsNeeded...)
		if s.StartedAt != nil {
			t := *s.StartedAt
			s.StartedAt = &t
		}
		if s.CompletedAt != nil {
			t := *s.CompletedAt
			s.CompletedAt = &t
		}
		c.Steps[i] = s
	}
	return &c
}
