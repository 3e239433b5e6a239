package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"math/rand/v2"
	"strings"
	"time"

	"github.com/kylemclaren/claude-goals/internal/config"
	"github.com/kylemclaren/claude-goals/internal/db"
	"github.com/kylemclaren/claude-goals/internal/plan"
)

// Store is the persistence the manager needs. *db.DB satisfies it.
type Store interface {
	CreateTask(ctx context.Context, task *db.Task) error
	GetTask(ctx context.Context, id string) (*db.Task, error)
	ListTasks(ctx context.Context, filter db.TaskFilter) ([]*db.Task, error)
	UpdateTask(ctx context.Context, id string, fn func(tx db.Tx, task *db.Task) error) (*db.Task, error)
	NextEligibleTask(ctx context.Context, now time.Time) (*db.Task, error)
	ExpireTasks(ctx context.Context, now time.Time, statuses []db.Status) (int64, error)
}

// Manager owns the task state machine and the fairness policy around it.
type Manager struct {
	store  Store
	cfg    config.LifecycleConfig
	now    func() time.Time
	rand   func() float64
	logger *slog.Logger
}

// Option configures a Manager
type Option func(*Manager)

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) { m.now = now }
}

// WithRand replaces the uniform [0, 1) source used for jitter.
func WithRand(r func() float64) Option {
	return func(m *Manager) { m.rand = r }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) { m.logger = l }
}

// New creates a lifecycle manager
func New(store Store, cfg config.LifecycleConfig, opts ...Option) *Manager {
	m := &Manager{
		store:  store,
		cfg:    cfg,
		now:    time.Now,
		rand:   rand.Float64,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// Config returns the policy the manager was built with.
func (m *Manager) Config() config.LifecycleConfig {
	return m.cfg
}

// NewTask describes a goal to be created in proposed status. Zero values
// take the configured defaults.
type NewTask struct {
	AccountID     string
	ThreadID      string
	Goal          string
	Scope         string
	Priority      int
	MaxIterations int
	FatigueBudget float64
	TTL           time.Duration
	Deadline      *time.Time
}

// CreateTask stores a new proposed task
func (m *Manager) CreateTask(ctx context.Context, in NewTask) (*db.Task, error) {
	if strings.TrimSpace(in.AccountID) == "" {
		return nil, fmt.Errorf("%w: account id is required", ErrInvalidTask)
	}
	if strings.TrimSpace(in.Goal) == "" {
		return nil, fmt.Errorf("%w: goal is required", ErrInvalidTask)
	}

	priority := in.Priority
	if priority == 0 {
		priority = m.cfg.DefaultPriority
	}
	maxIterations := in.MaxIterations
	if maxIterations <= 0 {
		maxIterations = m.cfg.DefaultMaxIterations
	}
	ttl := in.TTL
	if ttl <= 0 {
		ttl = m.cfg.TaskTTL
	}

	task := &db.Task{
		AccountID:     in.AccountID,
		ThreadID:      in.ThreadID,
		Goal:          strings.TrimSpace(in.Goal),
		Scope:         in.Scope,
		Status:        db.StatusProposed,
		Priority:      priority,
		MaxIterations: maxIterations,
		FatigueBudget: in.FatigueBudget,
		ExpiresAt:     m.now().Add(ttl),
		Deadline:      in.Deadline,
	}
	if err := m.store.CreateTask(ctx, task); err != nil {
		return nil, err
	}
	m.logger.Info("task created", "task_id", task.ID, "account_id", task.AccountID)
	return task, nil
}

// GetTask returns a task by id
func (m *Manager) GetTask(ctx context.Context, id string) (*db.Task, error) {
	return m.store.GetTask(ctx, id)
}

// ListTasks returns tasks matching filter
func (m *Manager) ListTasks(ctx context.Context, filter db.TaskFilter) ([]*db.Task, error) {
	return m.store.ListTasks(ctx, filter)
}

// Transition moves a task to status to. It fails with ErrInvalidTransition,
// leaving the task untouched, when the move is not in the transition table.
func (m *Manager) Transition(ctx context.Context, id string, to db.Status) (*db.Task, error) {
	return m.transition(ctx, id, to, nil)
}

func (m *Manager) transition(ctx context.Context, id string, to db.Status, mutate func(tx db.Tx, task *db.Task) error) (*db.Task, error) {
	var from db.Status
	task, err := m.store.UpdateTask(ctx, id, func(tx db.Tx, task *db.Task) error {
		from = task.Status
		if !CanTransition(from, to) {
			return fmt.Errorf("%w: %s -> %s", ErrInvalidTransition, from, to)
		}
		if mutate != nil {
			if err := mutate(tx, task); err != nil {
				return err
			}
		}
		task.Status = to
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("task transitioned", "task_id", id, "from", from, "to", to)
	return task, nil
}

// Pause moves an in-progress task to paused.
func (m *Manager) Pause(ctx context.Context, id string) (*db.Task, error) {
	return m.Transition(ctx, id, db.StatusPaused)
}

// Resume moves a paused task back to in_progress and makes it eligible
// immediately.
func (m *Manager) Resume(ctx context.Context, id string) (*db.Task, error) {
	return m.transition(ctx, id, db.StatusInProgress, func(_ db.Tx, task *db.Task) error {
		task.NextRunAfter = nil
		return nil
	})
}

// Cancel moves any non-terminal task to cancelled.
func (m *Manager) Cancel(ctx context.Context, id string) (*db.Task, error) {
	return m.Transition(ctx, id, db.StatusCancelled)
}

// AcceptTask moves a proposed task to accepted, optionally replacing its
// scope. The account's active-task count is read in the same transaction.
func (m *Manager) AcceptTask(ctx context.Context, id string, scope *string) (*db.Task, error) {
	return m.transition(ctx, id, db.StatusAccepted, func(tx db.Tx, task *db.Task) error {
		active, err := tx.CountTasks(ctx, task.AccountID, activeStatuses)
		if err != nil {
			return err
		}
		if active >= m.cfg.MaxActiveTasks {
			return fmt.Errorf("%w: account %s has %d active tasks (max %d)",
				ErrCapacityExceeded, task.AccountID, active, m.cfg.MaxActiveTasks)
		}
		if scope != nil {
			task.Scope = *scope
		}
		return nil
	})
}

// ScopeUpdate reports how UpdateScope reconciled the new scope.
type ScopeUpdate struct {
	Task        *db.Task `json:"task"`
	Overlap     float64  `json:"overlap"`
	SoftRestart bool     `json:"soft_restart"`
}

// UpdateScope replaces the scope of an accepted, in-progress or paused task.
// A new scope sharing little text with the old one resets coverage and asks
// for a new plan; otherwise progress is kept and the expansion is noted.
// Giving an unscoped task its first scope only narrows the goal, so it is
// never a restart. Existing plan steps are never deleted.
func (m *Manager) UpdateScope(ctx context.Context, id, newScope string) (*ScopeUpdate, error) {
	var result ScopeUpdate
	task, err := m.store.UpdateTask(ctx, id, func(_ db.Tx, task *db.Task) error {
		switch task.Status {
		case db.StatusAccepted, db.StatusInProgress, db.StatusPaused:
		default:
			return fmt.Errorf("%w: cannot update scope while %s", ErrInvalidTransition, task.Status)
		}

		result.Overlap = plan.Jaccard(task.Scope, newScope)
		progress := &task.Progress
		firstScope := strings.TrimSpace(task.Scope) == ""
		if !firstScope && result.Overlap < m.cfg.ScopeOverlapThreshold {
			result.SoftRestart = true
			progress.CoverageEstimate = 0
			note := fmt.Sprintf("[%s] Scope changed (overlap %.2f), restarting: %s",
				m.now().UTC().Format(time.RFC3339), result.Overlap, newScope)
			progress.LastSummary = joinNonEmpty("\n", note, progress.LastSummary)
			if progress.Plan != nil {
				progress.ReplanRequested = true
			}
		} else {
			verb := "expanded"
			if firstScope {
				verb = "set"
			}
			note := fmt.Sprintf("[%s] Scope %s: %s", m.now().UTC().Format(time.RFC3339), verb, newScope)
			progress.LastSummary = joinNonEmpty("\n", progress.LastSummary, note)
		}
		task.Scope = newScope
		return nil
	})
	if err != nil {
		return nil, err
	}
	result.Task = task
	m.logger.Info("task scope updated", "task_id", id, "overlap", result.Overlap, "soft_restart", result.SoftRestart)
	return &result, nil
}

// ProgressPatch holds the progress fields a checkpoint overwrites. Nil
// fields are left as stored; SupersededPlans is appended.
type ProgressPatch struct {
	Plan             *plan.Plan  `json:"plan,omitempty"`
	CyclesThisHour   *int        `json:"cycles_this_hour,omitempty"`
	LastCycleAt      *time.Time  `json:"last_cycle_at,omitempty"`
	CoverageEstimate *float64    `json:"coverage_estimate,omitempty"`
	LastSummary      *string     `json:"last_summary,omitempty"`
	DeferCount       *int        `json:"defer_count,omitempty"`
	ReplanRequested  *bool       `json:"replan_requested,omitempty"`
	SupersededPlans  []plan.Plan `json:"superseded_plans,omitempty"`
}

// Apply merges the patch into p.
func (pp ProgressPatch) Apply(p *db.Progress) {
	if pp.Plan != nil {
		p.Plan = pp.Plan.Clone()
	}
	if pp.CyclesThisHour != nil {
		p.CyclesThisHour = *pp.CyclesThisHour
	}
	if pp.LastCycleAt != nil {
		t := *pp.LastCycleAt
		p.LastCycleAt = &t
	}
	if pp.CoverageEstimate != nil {
		p.CoverageEstimate = *pp.CoverageEstimate
	}
	if pp.LastSummary != nil {
		p.LastSummary = *pp.LastSummary
	}
	if pp.DeferCount != nil {
		p.DeferCount = *pp.DeferCount
	}
	if pp.ReplanRequested != nil {
		p.ReplanRequested = *pp.ReplanRequested
	}
	p.SupersededPlans = append(p.SupersededPlans, pp.SupersededPlans...)
}

// Checkpoint merges patch into the task's progress, counts one iteration and
// appends fragment to the accumulated result. The first checkpoint of an
// accepted task moves it to in_progress. Proposed and terminal tasks are
// rejected with ErrInvalidTransition.
func (m *Manager) Checkpoint(ctx context.Context, id string, patch ProgressPatch, fragment string) (*db.Task, error) {
	return m.checkpoint(ctx, id, fragment, func(task *db.Task) error {
		patch.Apply(&task.Progress)
		return nil
	})
}

// ReportStep records a step status reported by an external executor as one
// checkpoint. The plan is read and written in the same transaction as the
// checkpoint so concurrent reports do not overwrite each other.
func (m *Manager) ReportStep(ctx context.Context, id, stepID string, u plan.StepUpdate, fragment string) (*db.Task, error) {
	if u.At.IsZero() {
		u.At = m.now().UTC()
	}
	return m.checkpoint(ctx, id, fragment, func(task *db.Task) error {
		p := task.Progress.Plan
		if p == nil {
			return fmt.Errorf("%w: %s", ErrNoPlan, id)
		}
		if err := plan.UpdateStepStatus(p, stepID, u); err != nil {
			return err
		}
		task.Progress.CoverageEstimate = plan.Coverage(p)
		return nil
	})
}

func (m *Manager) checkpoint(ctx context.Context, id, fragment string, mutate func(task *db.Task) error) (*db.Task, error) {
	task, err := m.store.UpdateTask(ctx, id, func(_ db.Tx, task *db.Task) error {
		switch task.Status {
		case db.StatusAccepted:
			task.Status = db.StatusInProgress
		case db.StatusInProgress, db.StatusPaused:
		default:
			return fmt.Errorf("%w: cannot checkpoint while %s", ErrInvalidTransition, task.Status)
		}
		if err := mutate(task); err != nil {
			return err
		}
		task.IterationsUsed++
		if fragment != "" {
			task.Result = joinNonEmpty("\n\n", task.Result, fragment)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Debug("task checkpointed", "task_id", id, "iterations_used", task.IterationsUsed)
	return task, nil
}

// CompleteTask moves an in-progress task to completed and stores its final
// result. An empty result keeps the accumulated text.
func (m *Manager) CompleteTask(ctx context.Context, id, result string, artifact json.RawMessage) (*db.Task, error) {
	return m.transition(ctx, id, db.StatusCompleted, func(_ db.Tx, task *db.Task) error {
		if result != "" {
			task.Result = result
		}
		if len(artifact) > 0 {
			task.ResultArtifact = artifact
		}
		task.NextRunAfter = nil
		return nil
	})
}

// CheckRateLimit reports whether the task may run another cycle now. It is
// advisory: Checkpoint does not consult it.
func (m *Manager) CheckRateLimit(ctx context.Context, id string) (bool, error) {
	task, err := m.store.GetTask(ctx, id)
	if err != nil {
		return false, err
	}
	return m.WithinRateLimit(task.Progress), nil
}

// WithinRateLimit applies the hourly cycle cap to p.
func (m *Manager) WithinRateLimit(p db.Progress) bool {
	if p.LastCycleAt == nil || m.now().Sub(*p.LastCycleAt) >= time.Hour {
		return true
	}
	return p.CyclesThisHour < m.cfg.MaxCyclesPerHour
}

// CyclePatch returns the counter update for a cycle that runs now: the
// hourly count restarts at 1 once an hour has passed since the last cycle.
func (m *Manager) CyclePatch(p db.Progress) ProgressPatch {
	now := m.now()
	cycles := p.CyclesThisHour + 1
	if p.LastCycleAt == nil || now.Sub(*p.LastCycleAt) >= time.Hour {
		cycles = 1
	}
	return ProgressPatch{CyclesThisHour: &cycles, LastCycleAt: &now}
}

// GetEligibleTask returns the next task to run, or nil when none is due.
func (m *Manager) GetEligibleTask(ctx context.Context) (*db.Task, error) {
	return m.store.NextEligibleTask(ctx, m.now())
}

// SetNextRun makes the task ineligible until now + delay*jitter.
func (m *Manager) SetNextRun(ctx context.Context, id string, delay time.Duration) (*db.Task, error) {
	return m.store.UpdateTask(ctx, id, func(_ db.Tx, task *db.Task) error {
		next := m.jittered(delay)
		task.NextRunAfter = &next
		return nil
	})
}

// Defer pushes a task back without spending an iteration.
func (m *Manager) Defer(ctx context.Context, id string, delay time.Duration) (*db.Task, error) {
	task, err := m.store.UpdateTask(ctx, id, func(_ db.Tx, task *db.Task) error {
		next := m.jittered(delay)
		task.NextRunAfter = &next
		task.Progress.DeferCount++
		return nil
	})
	if err != nil {
		return nil, err
	}
	m.logger.Info("task deferred", "task_id", id, "next_run_after", task.NextRunAfter, "defer_count", task.Progress.DeferCount)
	return task, nil
}

func (m *Manager) jittered(delay time.Duration) time.Time {
	jitter := m.cfg.JitterMin + m.rand()*(m.cfg.JitterMax-m.cfg.JitterMin)
	return m.now().Add(time.Duration(float64(delay) * jitter))
}

// FindDuplicate returns the first non-terminal task of the account whose
// goal is more similar to goal than the duplicate threshold, or nil.
func (m *Manager) FindDuplicate(ctx context.Context, accountID, goal string) (*db.Task, error) {
	tasks, err := m.store.ListTasks(ctx, db.TaskFilter{AccountID: accountID, Statuses: openStatuses})
	if err != nil {
		return nil, err
	}
	for _, task := range tasks {
		if plan.Jaccard(goal, task.Goal) > m.cfg.DuplicateThreshold {
			return task, nil
		}
	}
	return nil, nil
}

// ExpireStaleTasks expires every accepted, in-progress or paused task past
// its expires_at and returns how many changed.
func (m *Manager) ExpireStaleTasks(ctx context.Context) (int64, error) {
	n, err := m.store.ExpireTasks(ctx, m.now(), expirableStatuses)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		m.logger.Info("expired stale tasks", "count", n)
	}
	return n, nil
}

func joinNonEmpty(sep string, parts ...string) string {
	var kept []string
	for _, p := range parts {
		if p != "" {
			kept = append(kept, p)
		}
	}
	return strings.Join(kept, sep)
}
