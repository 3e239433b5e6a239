package lifecycle

import (
	"context"
	"testing"
	"time"

	"github.com/kylemclaren/claude-goals/internal/db"
	"github.com/kylemclaren/claude-goals/internal/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func twoStepPlan(version int) *plan.Plan {
	return &plan.Plan{Version: version, Steps: []plan.Step{
		{ID: "A", Description: "choose the destination city", Status: plan.StepPending},
		{ID: "B", Description: "book a hotel in the city", DependsOn: []string{"A"}, Status: plan.StepPending},
	}}
}

// inProgressTask returns an accepted task with an installed plan
func inProgressTask(t *testing.T, m *Manager, scope string) *db.Task {
	t.Helper()
	ctx := context.Background()
	task := createTask(t, m, "acct", "plan a weekend trip")
	_, err := m.AcceptTask(ctx, task.ID, &scope)
	require.NoError(t, err)
	task, installed, err := m.InstallPlan(ctx, task.ID, PlanInstall{Plan: twoStepPlan(1), Scope: scope, Summary: "planned"})
	require.NoError(t, err)
	require.True(t, installed)
	return task
}

func TestInstallPlan(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	task := inProgressTask(t, m, "Lisbon")

	assert.Equal(t, db.StatusInProgress, task.Status)
	assert.Equal(t, 1, task.IterationsUsed)
	assert.Equal(t, 1, task.Progress.CyclesThisHour)
	assert.Equal(t, clock.now, *task.Progress.LastCycleAt)
	assert.Equal(t, "planned", task.Progress.LastSummary)

	task, installed, err := m.InstallPlan(ctx, task.ID, PlanInstall{Plan: twoStepPlan(2), Scope: "Lisbon", Summary: "replanned"})
	require.NoError(t, err)
	assert.True(t, installed)
	assert.Equal(t, 2, task.Progress.Plan.Version)
	require.Len(t, task.Progress.SupersededPlans, 1)
	assert.Equal(t, 1, task.Progress.SupersededPlans[0].Version)

	// planned for a scope that has since changed
	task, installed, err = m.InstallPlan(ctx, task.ID, PlanInstall{Plan: twoStepPlan(3), Scope: "Porto", Summary: "stale"})
	require.NoError(t, err)
	assert.False(t, installed)
	assert.Equal(t, 2, task.Progress.Plan.Version)
	assert.True(t, task.Progress.ReplanRequested)
	assert.Contains(t, task.Progress.LastSummary, "scope changed while planning")
	assert.Equal(t, 3, task.IterationsUsed)
}

func TestRecordStepResult(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	task := inProgressTask(t, m, "Lisbon")
	started := clock.now
	clock.Advance(5 * time.Minute)

	task, err := m.RecordStepResult(ctx, task.ID, StepResult{
		StepID:      "A",
		PlanVersion: 1,
		StartedAt:   started,
		Update:      plan.StepUpdate{Status: plan.StepCompleted, ResultSummary: "Lisbon"},
		Summary:     "Step A completed: Lisbon",
		Fragment:    "### choose\nLisbon",
	})
	require.NoError(t, err)
	a := mustStep(t, task.Progress.Plan, "A")
	assert.Equal(t, plan.StepCompleted, a.Status)
	assert.Equal(t, started, *a.StartedAt)
	assert.Equal(t, clock.now.UTC(), *a.CompletedAt)
	assert.Equal(t, 0.5, task.Progress.CoverageEstimate)
	assert.Equal(t, "Step A completed: Lisbon", task.Progress.LastSummary)
	assert.Equal(t, "### choose\nLisbon", task.Result)
	assert.Equal(t, 2, task.Progress.CyclesThisHour)
	assert.Equal(t, db.StatusInProgress, task.Status)

	task, err = m.RecordStepResult(ctx, task.ID, StepResult{
		StepID:      "B",
		PlanVersion: 1,
		StartedAt:   clock.now,
		Update:      plan.StepUpdate{Status: plan.StepCompleted},
		Summary:     "Step B completed",
	})
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, task.Status)
	assert.Equal(t, 1.0, task.Progress.CoverageEstimate)
	assert.Nil(t, task.NextRunAfter)
}

func TestRecordStepResult_KeepsReportedStep(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	task := inProgressTask(t, m, "Lisbon")

	_, err := m.ReportStep(ctx, task.ID, "A", plan.StepUpdate{Status: plan.StepSkipped, SkipReason: "already decided", SkippedBy: "api"}, "")
	require.NoError(t, err)

	task, err = m.RecordStepResult(ctx, task.ID, StepResult{
		StepID:      "A",
		PlanVersion: 1,
		Update:      plan.StepUpdate{Status: plan.StepCompleted, ResultSummary: "Porto"},
		Summary:     "Step A completed: Porto",
		Fragment:    "### choose\nPorto",
	})
	require.NoError(t, err)
	a := mustStep(t, task.Progress.Plan, "A")
	assert.Equal(t, plan.StepSkipped, a.Status)
	assert.Equal(t, "api", a.SkippedBy)
	assert.Empty(t, task.Result)
}

func TestRecordStepResult_PendingReplan(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	task := inProgressTask(t, m, "weekend in Lisbon")
	_, err := m.ReportStep(ctx, task.ID, "A", plan.StepUpdate{Status: plan.StepCompleted}, "")
	require.NoError(t, err)

	res, err := m.UpdateScope(ctx, task.ID, "renovate the kitchen cabinets")
	require.NoError(t, err)
	require.True(t, res.SoftRestart)

	task, err = m.RecordStepResult(ctx, task.ID, StepResult{
		StepID:      "B",
		PlanVersion: 1,
		Update:      plan.StepUpdate{Status: plan.StepCompleted},
		Summary:     "Step B completed",
	})
	require.NoError(t, err)
	assert.Equal(t, db.StatusInProgress, task.Status, "a pending replan blocks completion")
	assert.Equal(t, plan.StepCompleted, mustStep(t, task.Progress.Plan, "B").Status)
	assert.Zero(t, task.Progress.CoverageEstimate)
	assert.True(t, task.Progress.ReplanRequested)
	assert.Contains(t, task.Progress.LastSummary, "restarting")
	assert.Contains(t, task.Progress.LastSummary, "Step B completed")

	_, err = m.CompletePlan(ctx, task.ID, 1)
	assert.ErrorIs(t, err, ErrPlanChanged)
}

func TestRecordStepResult_ReplacedPlan(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	task := inProgressTask(t, m, "Lisbon")
	_, _, err := m.InstallPlan(ctx, task.ID, PlanInstall{Plan: twoStepPlan(2), Scope: "Lisbon", Summary: "replanned"})
	require.NoError(t, err)

	task, err = m.RecordStepResult(ctx, task.ID, StepResult{
		StepID:      "A",
		PlanVersion: 1,
		Update:      plan.StepUpdate{Status: plan.StepCompleted},
		Summary:     "Step A completed",
		Fragment:    "late",
	})
	require.NoError(t, err)
	assert.Equal(t, plan.StepPending, mustStep(t, task.Progress.Plan, "A").Status)
	assert.Contains(t, task.Progress.LastSummary, "result dropped")
	assert.Empty(t, task.Result)
}

func TestCompletePlan(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	task := inProgressTask(t, m, "Lisbon")

	_, err := m.CompletePlan(ctx, task.ID, 1)
	assert.ErrorIs(t, err, ErrPlanChanged, "unfinished plan")

	for _, id := range []string{"A", "B"} {
		_, err = m.ReportStep(ctx, task.ID, id, plan.StepUpdate{Status: plan.StepCompleted}, "")
		require.NoError(t, err)
	}
	_, err = m.CompletePlan(ctx, task.ID, 2)
	assert.ErrorIs(t, err, ErrPlanChanged, "wrong version")

	done, err := m.CompletePlan(ctx, task.ID, 1)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, done.Status)

	_, err = m.CompletePlan(ctx, task.ID, 1)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}
