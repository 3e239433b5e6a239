package lifecycle

import (
	"context"
	"fmt"
	"time"

	"github.com/kylemclaren/claude-goals/internal/db"
	"github.com/kylemclaren/claude-goals/internal/plan"
)

// PlanInstall is a decomposition produced by the driver loop for the task as
// it looked when planning started.
type PlanInstall struct {
	Plan    *plan.Plan
	Scope   string
	Summary string
}

// InstallPlan stores a new plan as one checkpoint, archiving the plan it
// replaces and clearing a pending replan request. The cycle counters are
// advanced in the same transaction. When the scope changed while the plan
// was being built the plan is discarded, a replan stays requested and
// installed is false.
func (m *Manager) InstallPlan(ctx context.Context, id string, in PlanInstall) (task *db.Task, installed bool, err error) {
	task, err = m.checkpoint(ctx, id, "", func(task *db.Task) error {
		progress := &task.Progress
		m.CyclePatch(*progress).Apply(progress)

		if task.Scope != in.Scope {
			progress.ReplanRequested = true
			progress.LastSummary = joinNonEmpty("\n", progress.LastSummary,
				fmt.Sprintf("Plan version %d discarded: scope changed while planning", in.Plan.Version))
			return nil
		}

		if progress.Plan != nil {
			progress.SupersededPlans = append(progress.SupersededPlans, *progress.Plan.Clone())
		}
		progress.Plan = in.Plan.Clone()
		progress.CoverageEstimate = plan.Coverage(progress.Plan)
		progress.ReplanRequested = false
		progress.LastSummary = in.Summary
		installed = true
		return nil
	})
	if err != nil {
		return nil, false, err
	}
	return task, installed, nil
}

// StepResult is the outcome of one step the driver loop ran against plan
// version PlanVersion.
type StepResult struct {
	StepID      string
	PlanVersion int
	StartedAt   time.Time
	Update      plan.StepUpdate
	Summary     string
	Fragment    string
}

// RecordStepResult applies a step outcome to the plan as stored now, so
// step reports and scope changes made while the step ran survive. It counts
// one iteration and advances the cycle counters.
//
// The outcome is dropped when the plan was replaced in the meantime. A step
// already resolved by a report is left as reported. While a replan is
// pending the step is still recorded but coverage stays reset and the task
// is never completed. Otherwise a fully covered plan completes the task in
// the same transaction.
func (m *Manager) RecordStepResult(ctx context.Context, id string, r StepResult) (*db.Task, error) {
	completed := false
	task, err := m.checkpoint(ctx, id, "", func(task *db.Task) error {
		progress := &task.Progress
		m.CyclePatch(*progress).Apply(progress)

		p := progress.Plan
		if p == nil || p.Version != r.PlanVersion {
			progress.LastSummary = joinNonEmpty("\n", progress.LastSummary,
				fmt.Sprintf("%s (plan version %d replaced, result dropped)", r.Summary, r.PlanVersion))
			return nil
		}
		step, ok := p.Step(r.StepID)
		if !ok {
			return fmt.Errorf("%w: %s", plan.ErrStepNotFound, r.StepID)
		}
		if step.Status.Resolved() {
			return nil
		}

		if err := plan.UpdateStepStatus(p, r.StepID, plan.StepUpdate{Status: plan.StepInProgress, At: r.StartedAt}); err != nil {
			return err
		}
		if r.Update.At.IsZero() {
			r.Update.At = m.now().UTC()
		}
		if err := plan.UpdateStepStatus(p, r.StepID, r.Update); err != nil {
			return err
		}
		if r.Fragment != "" {
			task.Result = joinNonEmpty("\n\n", task.Result, r.Fragment)
		}

		if progress.ReplanRequested {
			progress.LastSummary = joinNonEmpty("\n", progress.LastSummary, r.Summary)
			return nil
		}
		progress.CoverageEstimate = plan.Coverage(p)
		progress.LastSummary = r.Summary

		if progress.CoverageEstimate >= 1 && task.Status == db.StatusInProgress {
			task.Status = db.StatusCompleted
			task.NextRunAfter = nil
			completed = true
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if completed {
		m.logger.Info("task completed", "task_id", id, "iterations_used", task.IterationsUsed)
	}
	return task, nil
}

// CompletePlan completes an in-progress task whose stored plan is version
// planVersion, fully covered and not waiting for a replan. Any other state
// returns ErrPlanChanged and leaves the task untouched.
func (m *Manager) CompletePlan(ctx context.Context, id string, planVersion int) (*db.Task, error) {
	return m.transition(ctx, id, db.StatusCompleted, func(_ db.Tx, task *db.Task) error {
		p := task.Progress.Plan
		switch {
		case p == nil || p.Version != planVersion:
			return fmt.Errorf("%w: plan version changed", ErrPlanChanged)
		case task.Progress.ReplanRequested:
			return fmt.Errorf("%w: replan requested", ErrPlanChanged)
		case plan.Coverage(p) < 1:
			return fmt.Errorf("%w: plan not finished", ErrPlanChanged)
		}
		task.Progress.CoverageEstimate = 1
		task.NextRunAfter = nil
		return nil
	})
}
