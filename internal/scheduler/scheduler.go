package scheduler

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/kylemclaren/claude-goals/internal/config"
	"github.com/kylemclaren/claude-goals/internal/db"
	"github.com/kylemclaren/claude-goals/internal/executor"
	"github.com/kylemclaren/claude-goals/internal/lifecycle"
	"github.com/kylemclaren/claude-goals/internal/plan"
	"github.com/kylemclaren/claude-goals/internal/planner"
	"github.com/kylemclaren/claude-goals/internal/stream"
	"github.com/kylemclaren/claude-goals/internal/webhook"
	"github.com/robfig/cron/v3"
)

// ErrCycleInProgress is returned when RunCycle is called while another
// cycle is still running in this process.
var ErrCycleInProgress = errors.New("cycle already in progress")

// streamMaxAge is how long finished, unwatched step output is kept
const streamMaxAge = time.Hour

// Decomposer produces a plan for a goal
type Decomposer interface {
	Decompose(ctx context.Context, req planner.Request) (*plan.Plan, error)
}

// StepRunner performs one plan step
type StepRunner interface {
	RunStep(ctx context.Context, task *db.Task, step plan.Step) executor.Outcome
}

// Notifier delivers task events
type Notifier interface {
	Notify(ctx context.Context, ev webhook.Event) error
}

// Action describes what a cycle did
type Action string

const (
	ActionIdle        Action = "idle"
	ActionRateLimited Action = "rate_limited"
	ActionPlanned     Action = "planned"
	ActionPlanFailed  Action = "plan_failed"
	ActionStepRun     Action = "step_run"
	ActionWaiting     Action = "waiting"
	ActionCompleted   Action = "completed"
	ActionPaused      Action = "paused"
)

// CycleResult reports the outcome of one RunCycle
type CycleResult struct {
	Action  Action
	TaskID  string
	StepID  string
	Outcome *executor.Outcome
}

// Scheduler is the driver loop: it picks one eligible task per cycle and
// advances it by a single planning or step action.
type Scheduler struct {
	cron      *cron.Cron
	lifecycle *lifecycle.Manager
	planner   Decomposer
	runner    StepRunner
	notifier  Notifier
	streams   *stream.Manager
	cfg       config.SchedulerConfig
	logger    *slog.Logger

	cycleMu     sync.Mutex
	mu          sync.RWMutex
	running     bool
	cycleEntry  cron.EntryID
	expiryEntry cron.EntryID
	ctx         context.Context
	cancel      context.CancelFunc
}

// Option configures a Scheduler
type Option func(*Scheduler)

// WithNotifier sets where completion and pause events are sent.
func WithNotifier(n Notifier) Option {
	return func(s *Scheduler) { s.notifier = n }
}

// WithStreamManager lets the expiry job drop stale step output streams.
func WithStreamManager(m *stream.Manager) Option {
	return func(s *Scheduler) { s.streams = m }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(s *Scheduler) { s.logger = l }
}

// New creates a new scheduler
func New(lc *lifecycle.Manager, p Decomposer, r StepRunner, cfg config.SchedulerConfig, opts ...Option) *Scheduler {
	s := &Scheduler{
		cron:      cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		lifecycle: lc,
		planner:   p,
		runner:    r,
		cfg:       cfg,
		logger:    slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start registers the cycle and expiry jobs and starts the cron loop
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.running {
		return nil
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())

	cycleEntry, err := s.cron.AddFunc(s.cfg.CycleSpec, func() {
		res, err := s.RunCycle(s.ctx)
		switch {
		case errors.Is(err, lifecycle.ErrRateLimited), errors.Is(err, ErrCycleInProgress):
			s.logger.Debug("cycle skipped", "task_id", res.TaskID, "reason", err)
		case err != nil:
			s.logger.Error("cycle failed", "task_id", res.TaskID, "action", res.Action, "error", err)
		}
	})
	if err != nil {
		return fmt.Errorf("invalid cycle spec: %w", err)
	}

	expiryEntry, err := s.cron.AddFunc(s.cfg.ExpirySpec, func() {
		if _, err := s.SweepExpired(s.ctx); err != nil {
			s.logger.Error("expiry sweep failed", "error", err)
		}
		if s.streams != nil {
			s.streams.CleanupOldStreams(streamMaxAge)
		}
	})
	if err != nil {
		s.cron.Remove(cycleEntry)
		return fmt.Errorf("invalid expiry spec: %w", err)
	}

	s.cycleEntry = cycleEntry
	s.expiryEntry = expiryEntry
	s.cron.Start()
	s.running = true
	s.logger.Info("scheduler started", "cycle_spec", s.cfg.CycleSpec, "expiry_spec", s.cfg.ExpirySpec)
	return nil
}

// Stop stops the cron loop, cancels any running cycle and waits for it
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.cancel()
	s.mu.Unlock()

	ctx := s.cron.Stop()
	<-ctx.Done()

	s.mu.Lock()
	s.cron.Remove(s.cycleEntry)
	s.cron.Remove(s.expiryEntry)
	s.mu.Unlock()
	s.logger.Info("scheduler stopped")
}

// NextCycleTime returns when the next cycle job fires, or nil when stopped
func (s *Scheduler) NextCycleTime() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if !s.running {
		return nil
	}
	entry := s.cron.Entry(s.cycleEntry)
	if entry.Next.IsZero() {
		return nil
	}
	return &entry.Next
}

// SweepExpired expires stale tasks
func (s *Scheduler) SweepExpired(ctx context.Context) (int64, error) {
	return s.lifecycle.ExpireStaleTasks(ctx)
}

// RunCycle advances the single most eligible task by one action.
func (s *Scheduler) RunCycle(ctx context.Context) (CycleResult, error) {
	if !s.cycleMu.TryLock() {
		return CycleResult{Action: ActionIdle}, ErrCycleInProgress
	}
	defer s.cycleMu.Unlock()

	task, err := s.lifecycle.GetEligibleTask(ctx)
	if err != nil {
		return CycleResult{Action: ActionIdle}, fmt.Errorf("select eligible task: %w", err)
	}
	if task == nil {
		return CycleResult{Action: ActionIdle}, nil
	}
	res := CycleResult{TaskID: task.ID}

	if !s.lifecycle.WithinRateLimit(task.Progress) {
		res.Action = ActionRateLimited
		if _, err := s.lifecycle.Defer(ctx, task.ID, s.cfg.RateLimitDelay); err != nil {
			return res, err
		}
		return res, fmt.Errorf("%w: %s", lifecycle.ErrRateLimited, task.ID)
	}

	if task.Progress.Plan == nil || task.Progress.ReplanRequested {
		return s.planTask(ctx, task)
	}
	return s.runStep(ctx, task)
}

func (s *Scheduler) planTask(ctx context.Context, task *db.Task) (CycleResult, error) {
	res := CycleResult{TaskID: task.ID}
	old := task.Progress.Plan

	req := planner.Request{
		Goal:          task.Goal,
		Scope:         task.Scope,
		MemoryContext: memoryContext(task),
		Version:       1,
	}
	if old != nil {
		req.Version = old.Version + 1
	}

	p, err := s.planner.Decompose(ctx, req)
	if err != nil {
		res.Action = ActionPlanFailed
		if _, deferErr := s.lifecycle.Defer(ctx, task.ID, s.cfg.RetryDelay); deferErr != nil {
			return res, errors.Join(err, deferErr)
		}
		return res, fmt.Errorf("decompose %s: %w", task.ID, err)
	}

	summary := fmt.Sprintf("Planned %d steps (version %d, confidence %.2f)", len(p.Steps), p.Version, p.DecompositionConfidence)
	_, installed, err := s.lifecycle.InstallPlan(ctx, task.ID, lifecycle.PlanInstall{
		Plan:    p,
		Scope:   req.Scope,
		Summary: summary,
	})
	if err != nil {
		return res, fmt.Errorf("checkpoint plan: %w", err)
	}
	res.Action = ActionPlanned
	if !installed {
		s.logger.Info("plan discarded after scope change", "task_id", task.ID, "version", p.Version)
		return res, nil
	}
	s.logger.Info("task planned", "task_id", task.ID, "version", p.Version, "steps", len(p.Steps))
	return res, nil
}

func (s *Scheduler) runStep(ctx context.Context, task *db.Task) (CycleResult, error) {
	res := CycleResult{TaskID: task.ID}
	p := task.Progress.Plan

	if plan.Coverage(p) >= 1 {
		return s.complete(ctx, task, p.Version)
	}

	ready := plan.ReadySteps(p)
	if len(ready) == 0 {
		if reason, failed := failureReason(p); failed {
			return s.pause(ctx, task, reason)
		}
		res.Action = ActionWaiting
		_, err := s.lifecycle.SetNextRun(ctx, task.ID, s.cfg.CycleDelay)
		return res, err
	}

	step := ready[0]
	res.StepID = step.ID
	startedAt := time.Now().UTC()
	outcome := s.runner.RunStep(ctx, task, step)
	res.Outcome = &outcome

	update, err := stepUpdate(outcome)
	if err != nil {
		return res, err
	}
	var fragment string
	if outcome.Status == plan.StepCompleted && outcome.ResultSummary != "" {
		fragment = fmt.Sprintf("### %s\n%s", step.Description, outcome.ResultSummary)
	}

	// the stored plan may have moved on while the step ran
	updated, err := s.lifecycle.RecordStepResult(ctx, task.ID, lifecycle.StepResult{
		StepID:      step.ID,
		PlanVersion: p.Version,
		StartedAt:   startedAt,
		Update:      update,
		Summary:     stepSummary(step, outcome),
		Fragment:    fragment,
	})
	if err != nil {
		return res, fmt.Errorf("checkpoint step %s: %w", step.ID, err)
	}
	res.Action = ActionStepRun

	switch updated.Status {
	case db.StatusCompleted:
		res.Action = ActionCompleted
		s.notify(ctx, webhook.Event{Kind: webhook.EventCompleted, Task: updated, Detail: updated.Progress.LastSummary})
		return res, nil
	case db.StatusInProgress:
	default:
		// paused or cancelled while the step ran
		return res, nil
	}

	current := updated.Progress.Plan
	if !updated.Progress.ReplanRequested && current != nil && current.Version == p.Version {
		if reason, failed := failureReason(current); failed {
			return s.pause(ctx, updated, reason)
		}
	}

	delay := s.cfg.CycleDelay
	if outcome.Status == plan.StepFailed {
		delay = s.cfg.RetryDelay
	}
	if _, err := s.lifecycle.SetNextRun(ctx, task.ID, delay); err != nil {
		return res, err
	}
	return res, nil
}

func (s *Scheduler) complete(ctx context.Context, task *db.Task, planVersion int) (CycleResult, error) {
	res := CycleResult{TaskID: task.ID, Action: ActionCompleted}
	done, err := s.lifecycle.CompletePlan(ctx, task.ID, planVersion)
	if errors.Is(err, lifecycle.ErrPlanChanged) {
		res.Action = ActionWaiting
		s.logger.Debug("completion skipped", "task_id", task.ID, "reason", err)
		return res, nil
	}
	if err != nil {
		return res, fmt.Errorf("complete task: %w", err)
	}
	s.notify(ctx, webhook.Event{Kind: webhook.EventCompleted, Task: done, Detail: done.Progress.LastSummary})
	return res, nil
}

func (s *Scheduler) pause(ctx context.Context, task *db.Task, reason string) (CycleResult, error) {
	res := CycleResult{TaskID: task.ID, Action: ActionPaused}
	paused, err := s.lifecycle.Pause(ctx, task.ID)
	if err != nil {
		return res, fmt.Errorf("pause task: %w", err)
	}
	s.logger.Warn("task paused", "task_id", task.ID, "reason", reason)
	s.notify(ctx, webhook.Event{Kind: webhook.EventPaused, Task: paused, Detail: reason})
	return res, nil
}

func (s *Scheduler) notify(ctx context.Context, ev webhook.Event) {
	if s.notifier == nil {
		return
	}
	if err := s.notifier.Notify(ctx, ev); err != nil {
		s.logger.Warn("notification failed", "task_id", ev.Task.ID, "error", err)
	}
}

// stepUpdate converts an executor outcome into the step's final update.
// Retryable failures put the step back to pending so a later cycle runs it
// again.
func stepUpdate(o executor.Outcome) (plan.StepUpdate, error) {
	u := plan.StepUpdate{
		Status:        o.Status,
		ResultSummary: o.ResultSummary,
		FailureReason: o.FailureReason,
		Retryable:     o.Retryable,
	}
	switch o.Status {
	case plan.StepSkipped:
		u.SkipReason = o.SkipReason
		u.SkippedBy = "executor"
	case plan.StepFailed:
		if o.Retryable {
			u.Status = plan.StepPending
		}
	case plan.StepCompleted:
	default:
		return plan.StepUpdate{}, fmt.Errorf("executor returned non-terminal status %q", o.Status)
	}
	return u, nil
}

// failureReason reports whether failed steps stop the plan from finishing:
// either pending work is blocked on them, or nothing is left to run.
func failureReason(p *plan.Plan) (string, bool) {
	if p.IsBlocked() && len(p.BlockedOn) > 0 {
		return p.BlockedReason, true
	}

	var failed []string
	for _, st := range p.Steps {
		switch st.Status {
		case plan.StepPending, plan.StepInProgress:
			return "", false
		case plan.StepFailed:
			failed = append(failed, st.ID)
		}
	}
	if len(failed) == 0 {
		return "", false
	}
	sort.Strings(failed)
	return "plan finished with failed steps: " + strings.Join(failed, ", "), true
}

func stepSummary(step plan.Step, o executor.Outcome) string {
	switch {
	case o.Status == plan.StepFailed && o.Retryable:
		return fmt.Sprintf("Step %s failed, will retry: %s", step.ID, o.FailureReason)
	case o.Status == plan.StepFailed:
		return fmt.Sprintf("Step %s failed: %s", step.ID, o.FailureReason)
	case o.Status == plan.StepSkipped:
		return fmt.Sprintf("Step %s skipped: %s", step.ID, o.SkipReason)
	default:
		return fmt.Sprintf("Step %s completed: %s", step.ID, o.ResultSummary)
	}
}

// memoryContext carries what earlier work learned into a new decomposition
func memoryContext(task *db.Task) string {
	var lines []string
	if task.Progress.LastSummary != "" {
		lines = append(lines, task.Progress.LastSummary)
	}
	if p := task.Progress.Plan; p != nil {
		for _, st := range p.Steps {
			if st.Status == plan.StepCompleted && st.ResultSummary != "" {
				lines = append(lines, fmt.Sprintf("- %s: %s", st.Description, st.ResultSummary))
			}
		}
	}
	return strings.Join(lines, "\n")
}
