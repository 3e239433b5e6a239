package plan

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func tripPlan() *Plan {
	return &Plan{
		Version: 1,
		Steps: []Step{
			{ID: "A", Description: "list candidate destinations for the trip", Status: StepPending},
			{ID: "C", Description: "book flights to the chosen city", DependsOn: []string{"A"}, Status: StepPending},
			{ID: "B", Description: "find hotels in the chosen city", DependsOn: []string{"A"}, Status: StepPending},
		},
	}
}

func ids(steps []Step) []string {
	out := make([]string, len(steps))
	for i, s := range steps {
		out[i] = s.ID
	}
	return out
}

func TestReadySteps_RootFirst(t *testing.T) {
	p := tripPlan()
	assert.Equal(t, []string{"A"}, ids(ReadySteps(p)))
}

func TestReadySteps_AfterRootCompleted(t *testing.T) {
	p := tripPlan()
	require.NoError(t, UpdateStepStatus(p, "A", StepUpdate{Status: StepCompleted}))

	// B and C have equal depth and no tools; "find hotels..." is shorter
	assert.Equal(t, []string{"B", "C"}, ids(ReadySteps(p)))
}

func TestReadySteps_Ordering(t *testing.T) {
	p := &Plan{Steps: []Step{
		{ID: "root", Description: "root", Status: StepCompleted},
		{ID: "deep", Description: "x", DependsOn: []string{"mid"}, Status: StepPending},
		{ID: "mid", Description: "mid", DependsOn: []string{"root"}, Status: StepCompleted},
		{ID: "tools", Description: "s", ToolsNeeded: []string{"web_search"}, Status: StepPending},
		{ID: "b-long", Description: "a longer description", Status: StepPending},
		{ID: "a-long", Description: "a longer description", Status: StepPending},
		{ID: "short", Description: "short", Status: StepPending},
	}}

	// depth 0 first (no tools by length then id, then tools), then depth 2
	assert.Equal(t, []string{"short", "a-long", "b-long", "tools", "deep"}, ids(ReadySteps(p)))
}

func TestReadySteps_FailedDependencyDoesNotUnblock(t *testing.T) {
	p := tripPlan()
	require.NoError(t, UpdateStepStatus(p, "A", StepUpdate{Status: StepFailed, FailureReason: "no network"}))
	assert.Empty(t, ReadySteps(p))
}

func TestReadySteps_SkippedDependencyUnblocks(t *testing.T) {
	p := tripPlan()
	require.NoError(t, UpdateStepStatus(p, "A", StepUpdate{Status: StepSkipped, SkipReason: "already known"}))
	assert.Len(t, ReadySteps(p), 2)
}

func TestUpdateStepStatus_Timestamps(t *testing.T) {
	p := tripPlan()
	t1 := time.Date(2026, 1, 1, 10, 0, 0, 0, time.UTC)
	t2 := t1.Add(time.Minute)
	t3 := t2.Add(time.Minute)

	require.NoError(t, UpdateStepStatus(p, "A", StepUpdate{Status: StepInProgress, At: t1}))
	require.NoError(t, UpdateStepStatus(p, "A", StepUpdate{Status: StepInProgress, At: t2}))
	step, _ := p.Step("A")
	require.NotNil(t, step.StartedAt)
	assert.Equal(t, t1, *step.StartedAt, "started_at is set only once")
	assert.Nil(t, step.CompletedAt)

	require.NoError(t, UpdateStepStatus(p, "A", StepUpdate{Status: StepCompleted, ResultSummary: "Lisbon, Porto", At: t3}))
	step, _ = p.Step("A")
	require.NotNil(t, step.CompletedAt)
	assert.Equal(t, t3, *step.CompletedAt)
	assert.Equal(t, "Lisbon, Porto", step.ResultSummary)
}

func TestUpdateStepStatus_Errors(t *testing.T) {
	p := tripPlan()
	assert.ErrorIs(t, UpdateStepStatus(p, "missing", StepUpdate{Status: StepCompleted}), ErrStepNotFound)
	assert.Error(t, UpdateStepStatus(p, "A", StepUpdate{Status: "ready"}))
}

func TestBlockedState(t *testing.T) {
	p := tripPlan()

	require.NoError(t, UpdateStepStatus(p, "A", StepUpdate{Status: StepInProgress}))
	assert.True(t, p.IsBlocked())
	assert.Empty(t, p.BlockedOn)
	assert.Equal(t, ReasonWaitingOnDependencies, p.BlockedReason)

	require.NoError(t, UpdateStepStatus(p, "A", StepUpdate{Status: StepFailed, FailureReason: "timeout", Retryable: true}))
	assert.Equal(t, []string{"A"}, p.BlockedOn)
	assert.Contains(t, p.BlockedReason, "A")

	require.NoError(t, UpdateStepStatus(p, "A", StepUpdate{Status: StepCompleted}))
	assert.False(t, p.IsBlocked())
	assert.Empty(t, p.BlockedReason)

	require.NoError(t, UpdateStepStatus(p, "B", StepUpdate{Status: StepCompleted}))
	require.NoError(t, UpdateStepStatus(p, "C", StepUpdate{Status: StepCompleted}))
	assert.False(t, p.IsBlocked())
	assert.True(t, p.Done())
}

func TestCoverage_Monotonic(t *testing.T) {
	p := tripPlan()
	assert.Equal(t, 0.0, Coverage(&Plan{}))

	last := Coverage(p)
	assert.Equal(t, 0.0, last)
	for _, u := range []struct {
		id     string
		status StepStatus
	}{
		{"A", StepCompleted},
		{"B", StepSkipped},
		{"C", StepCompleted},
	} {
		require.NoError(t, UpdateStepStatus(p, u.id, StepUpdate{Status: u.status}))
		cov := Coverage(p)
		assert.GreaterOrEqual(t, cov, last)
		last = cov
	}
	assert.Equal(t, 1.0, last)
}

func TestEstimateCost(t *testing.T) {
	p := tripPlan()
	assert.Equal(t, CostCheap, EstimateCost(p))

	p.Steps[1].ToolsNeeded = []string{"web_search"}
	assert.Equal(t, CostExpensive, EstimateCost(p))
}

func TestClone(t *testing.T) {
	p := tripPlan()
	c := p.Clone()
	c.Steps[0].Status = StepCompleted
	c.Steps[1].DependsOn[0] = "Z"
	assert.Equal(t, StepPending, p.Steps[0].Status)
	assert.Equal(t, "A", p.Steps[1].DependsOn[0])
}
