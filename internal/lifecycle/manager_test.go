package lifecycle

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"github.com/kylemclaren/claude-goals/internal/config"
	"github.com/kylemclaren/claude-goals/internal/db"
	"github.com/kylemclaren/claude-goals/internal/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	now time.Time
}

func (c *testClock) Now() time.Time { return c.now }

func (c *testClock) Advance(d time.Duration) { c.now = c.now.Add(d) }

func newTestManager(t *testing.T) (*Manager, *db.DB, *testClock) {
	t.Helper()
	database, err := db.New(filepath.Join(t.TempDir(), "goals.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close() })

	clock := &testClock{now: time.Now().UTC().Truncate(time.Second)}
	m := New(database, config.Default().Lifecycle,
		WithClock(clock.Now),
		WithRand(func() float64 { return 0.5 }),
	)
	return m, database, clock
}

func createTask(t *testing.T, m *Manager, account, goal string) *db.Task {
	t.Helper()
	task, err := m.CreateTask(context.Background(), NewTask{AccountID: account, Goal: goal})
	require.NoError(t, err)
	return task
}

// forceStatus bypasses the state machine to set up a test
func forceStatus(t *testing.T, store *db.DB, id string, status db.Status) {
	t.Helper()
	_, err := store.UpdateTask(context.Background(), id, func(_ db.Tx, task *db.Task) error {
		task.Status = status
		return nil
	})
	require.NoError(t, err)
}

func TestCreateTask_Defaults(t *testing.T) {
	m, _, clock := newTestManager(t)
	task := createTask(t, m, "acct", "  research best Python testing frameworks ")

	assert.Equal(t, db.StatusProposed, task.Status)
	assert.Equal(t, "research best Python testing frameworks", task.Goal)
	assert.Equal(t, 5, task.Priority)
	assert.Equal(t, 50, task.MaxIterations)
	assert.Equal(t, clock.now.Add(168*time.Hour), task.ExpiresAt)
}

func TestCreateTask_Invalid(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.CreateTask(context.Background(), NewTask{AccountID: "acct"})
	assert.ErrorIs(t, err, ErrInvalidTask)
	_, err = m.CreateTask(context.Background(), NewTask{Goal: "a goal"})
	assert.ErrorIs(t, err, ErrInvalidTask)
}

func TestTransition_AllPairs(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	allowed := map[db.Status]map[db.Status]bool{
		db.StatusProposed:   {db.StatusAccepted: true, db.StatusCancelled: true},
		db.StatusAccepted:   {db.StatusInProgress: true, db.StatusCancelled: true},
		db.StatusInProgress: {db.StatusCompleted: true, db.StatusPaused: true, db.StatusCancelled: true, db.StatusExpired: true},
		db.StatusPaused:     {db.StatusInProgress: true, db.StatusCancelled: true, db.StatusExpired: true},
	}

	for _, from := range db.AllStatuses {
		for _, to := range db.AllStatuses {
			t.Run(fmt.Sprintf("%s->%s", from, to), func(t *testing.T) {
				task := createTask(t, m, "acct-"+string(from)+string(to), "goal")
				forceStatus(t, store, task.ID, from)

				got, err := m.Transition(ctx, task.ID, to)
				stored, getErr := m.GetTask(ctx, task.ID)
				require.NoError(t, getErr)

				if allowed[from][to] {
					require.NoError(t, err)
					assert.Equal(t, to, got.Status)
					assert.Equal(t, to, stored.Status)
				} else {
					assert.ErrorIs(t, err, ErrInvalidTransition)
					assert.Equal(t, from, stored.Status, "status unchanged on rejection")
				}
				assert.Equal(t, allowed[from][to], CanTransition(from, to))
			})
		}
	}
}

func TestTransition_NotFound(t *testing.T) {
	m, _, _ := newTestManager(t)
	_, err := m.Transition(context.Background(), "task-missing", db.StatusAccepted)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestNextStatuses(t *testing.T) {
	assert.Nil(t, NextStatuses(db.StatusCompleted))
	next := NextStatuses(db.StatusProposed)
	next[0] = db.StatusExpired
	assert.Equal(t, db.StatusAccepted, NextStatuses(db.StatusProposed)[0], "returned slice is a copy")
}

func TestAcceptTask_Capacity(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	for i := 0; i < 4; i++ {
		task := createTask(t, m, "acct", fmt.Sprintf("goal %d", i))
		_, err := m.AcceptTask(ctx, task.ID, nil)
		require.NoError(t, err)
	}
	running := createTask(t, m, "acct", "running goal")
	forceStatus(t, store, running.ID, db.StatusInProgress)

	// paused and other accounts' tasks do not count
	paused := createTask(t, m, "acct", "paused goal")
	forceStatus(t, store, paused.ID, db.StatusPaused)
	other := createTask(t, m, "other", "other goal")
	_, err := m.AcceptTask(ctx, other.ID, nil)
	require.NoError(t, err)

	overflow := createTask(t, m, "acct", "one too many")
	_, err = m.AcceptTask(ctx, overflow.ID, nil)
	assert.ErrorIs(t, err, ErrCapacityExceeded)

	stored, err := m.GetTask(ctx, overflow.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusProposed, stored.Status)

	_, err = m.Cancel(ctx, running.ID)
	require.NoError(t, err)
	_, err = m.AcceptTask(ctx, overflow.ID, nil)
	assert.NoError(t, err)
}

func TestAcceptTask_Scope(t *testing.T) {
	m, _, _ := newTestManager(t)
	task := createTask(t, m, "acct", "plan a trip")

	scope := "three days in Lisbon"
	got, err := m.AcceptTask(context.Background(), task.ID, &scope)
	require.NoError(t, err)
	assert.Equal(t, db.StatusAccepted, got.Status)
	assert.Equal(t, scope, got.Scope)

	_, err = m.AcceptTask(context.Background(), task.ID, nil)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestUpdateScope(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	task := createTask(t, m, "acct", "plan a trip")
	scope := "weekend trip to Lisbon with museums"
	_, err := m.AcceptTask(ctx, task.ID, &scope)
	require.NoError(t, err)

	steps := []plan.Step{{ID: "A", Description: "list museums in Lisbon worth visiting", Status: plan.StepCompleted}}
	coverage := 0.5
	summary := "found five museums"
	_, err = m.Checkpoint(ctx, task.ID, ProgressPatch{
		Plan:             &plan.Plan{Version: 1, Steps: steps},
		CoverageEstimate: &coverage,
		LastSummary:      &summary,
	}, "")
	require.NoError(t, err)

	t.Run("delta keeps progress", func(t *testing.T) {
		res, err := m.UpdateScope(ctx, task.ID, "weekend trip to Lisbon with museums and food")
		require.NoError(t, err)
		assert.False(t, res.SoftRestart)
		assert.GreaterOrEqual(t, res.Overlap, 0.3)
		assert.Equal(t, 0.5, res.Task.Progress.CoverageEstimate)
		assert.False(t, res.Task.Progress.ReplanRequested)
		assert.Contains(t, res.Task.Progress.LastSummary, "found five museums\n")
		assert.Contains(t, res.Task.Progress.LastSummary, "Scope expanded")
		assert.Equal(t, "weekend trip to Lisbon with museums and food", res.Task.Scope)
	})

	t.Run("low overlap soft restarts", func(t *testing.T) {
		res, err := m.UpdateScope(ctx, task.ID, "renovate the kitchen cabinets")
		require.NoError(t, err)
		assert.True(t, res.SoftRestart)
		assert.Less(t, res.Overlap, 0.3)
		assert.Zero(t, res.Task.Progress.CoverageEstimate)
		assert.True(t, res.Task.Progress.ReplanRequested)
		assert.Contains(t, res.Task.Progress.LastSummary, "restarting")
		require.NotNil(t, res.Task.Progress.Plan)
		assert.Len(t, res.Task.Progress.Plan.Steps, 1, "steps are not deleted")
	})

	t.Run("first scope is a refinement", func(t *testing.T) {
		unscoped := createTask(t, m, "acct", "learn to bake sourdough bread")
		_, err := m.AcceptTask(ctx, unscoped.ID, nil)
		require.NoError(t, err)
		_, err = m.Checkpoint(ctx, unscoped.ID, ProgressPatch{
			Plan:             &plan.Plan{Version: 1, Steps: steps},
			CoverageEstimate: &coverage,
		}, "")
		require.NoError(t, err)

		res, err := m.UpdateScope(ctx, unscoped.ID, "rye flour only")
		require.NoError(t, err)
		assert.False(t, res.SoftRestart)
		assert.Zero(t, res.Overlap)
		assert.Equal(t, 0.5, res.Task.Progress.CoverageEstimate)
		assert.False(t, res.Task.Progress.ReplanRequested)
		assert.Contains(t, res.Task.Progress.LastSummary, "Scope set: rye flour only")
	})

	t.Run("rejected when proposed or terminal", func(t *testing.T) {
		proposed := createTask(t, m, "acct", "another goal")
		_, err := m.UpdateScope(ctx, proposed.ID, "x")
		assert.ErrorIs(t, err, ErrInvalidTransition)

		forceStatus(t, store, proposed.ID, db.StatusCompleted)
		_, err = m.UpdateScope(ctx, proposed.ID, "x")
		assert.ErrorIs(t, err, ErrInvalidTransition)
	})
}

func TestCheckpoint_Idempotent(t *testing.T) {
	m, _, _ := newTestManager(t)
	ctx := context.Background()
	task := createTask(t, m, "acct", "write a report")
	_, err := m.AcceptTask(ctx, task.ID, nil)
	require.NoError(t, err)

	coverage := 0.25
	patch := ProgressPatch{CoverageEstimate: &coverage}

	first, err := m.Checkpoint(ctx, task.ID, patch, "part one")
	require.NoError(t, err)
	assert.Equal(t, db.StatusInProgress, first.Status, "first checkpoint starts the task")
	assert.Equal(t, 1, first.IterationsUsed)

	second, err := m.Checkpoint(ctx, task.ID, patch, "part one")
	require.NoError(t, err)
	assert.Equal(t, 2, second.IterationsUsed)
	assert.Equal(t, "part one\n\npart one", second.Result)
	assert.Equal(t, 0.25, second.Progress.CoverageEstimate)

	third, err := m.Checkpoint(ctx, task.ID, ProgressPatch{}, "")
	require.NoError(t, err)
	assert.Equal(t, 3, third.IterationsUsed)
	assert.Equal(t, "part one\n\npart one", third.Result, "result is append-only")
	assert.Equal(t, 0.25, third.Progress.CoverageEstimate, "nil patch fields keep stored values")
}

func TestCheckpoint_Rejected(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	proposed := createTask(t, m, "acct", "goal")
	_, err := m.Checkpoint(ctx, proposed.ID, ProgressPatch{}, "x")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	forceStatus(t, store, proposed.ID, db.StatusCancelled)
	_, err = m.Checkpoint(ctx, proposed.ID, ProgressPatch{}, "x")
	assert.ErrorIs(t, err, ErrInvalidTransition)

	stored, err := m.GetTask(ctx, proposed.ID)
	require.NoError(t, err)
	assert.Zero(t, stored.IterationsUsed)
	assert.Empty(t, stored.Result)
}

func TestCompleteTask(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	task := createTask(t, m, "acct", "goal")

	_, err := m.CompleteTask(ctx, task.ID, "done", nil)
	assert.ErrorIs(t, err, ErrInvalidTransition, "proposed tasks cannot complete")

	forceStatus(t, store, task.ID, db.StatusInProgress)
	artifact := json.RawMessage(`{"days":3}`)
	got, err := m.CompleteTask(ctx, task.ID, "final itinerary", artifact)
	require.NoError(t, err)
	assert.Equal(t, db.StatusCompleted, got.Status)
	assert.Equal(t, "final itinerary", got.Result)
	assert.JSONEq(t, `{"days":3}`, string(got.ResultArtifact))

	_, err = m.Transition(ctx, task.ID, db.StatusInProgress)
	assert.ErrorIs(t, err, ErrInvalidTransition)
}

func TestCheckRateLimit(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()
	task := createTask(t, m, "acct", "goal")

	ok, err := m.CheckRateLimit(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok, "never run")

	setCycles := func(count int, last time.Time) {
		_, err := store.UpdateTask(ctx, task.ID, func(_ db.Tx, task *db.Task) error {
			task.Progress.CyclesThisHour = count
			task.Progress.LastCycleAt = &last
			return nil
		})
		require.NoError(t, err)
	}

	setCycles(3+5, clock.now.Add(-2*time.Hour))
	ok, err = m.CheckRateLimit(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok, "window reset after an hour")

	setCycles(3+5, clock.now.Add(-10*time.Minute))
	ok, err = m.CheckRateLimit(ctx, task.ID)
	require.NoError(t, err)
	assert.False(t, ok)

	setCycles(2, clock.now.Add(-10*time.Minute))
	ok, err = m.CheckRateLimit(ctx, task.ID)
	require.NoError(t, err)
	assert.True(t, ok)

	_, err = m.CheckRateLimit(ctx, "task-missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestCyclePatch(t *testing.T) {
	m, _, clock := newTestManager(t)

	recent := clock.now.Add(-5 * time.Minute)
	patch := m.CyclePatch(db.Progress{CyclesThisHour: 2, LastCycleAt: &recent})
	assert.Equal(t, 3, *patch.CyclesThisHour)
	assert.Equal(t, clock.now, *patch.LastCycleAt)

	old := clock.now.Add(-90 * time.Minute)
	patch = m.CyclePatch(db.Progress{CyclesThisHour: 7, LastCycleAt: &old})
	assert.Equal(t, 1, *patch.CyclesThisHour)

	patch = m.CyclePatch(db.Progress{})
	assert.Equal(t, 1, *patch.CyclesThisHour)
}

func TestGetEligibleTask(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()

	got, err := m.GetEligibleTask(ctx)
	require.NoError(t, err)
	assert.Nil(t, got)

	low, err := m.CreateTask(ctx, NewTask{AccountID: "a", Goal: "low", Priority: 8})
	require.NoError(t, err)
	high, err := m.CreateTask(ctx, NewTask{AccountID: "a", Goal: "high", Priority: 2})
	require.NoError(t, err)
	createTask(t, m, "a", "never accepted")

	_, err = m.AcceptTask(ctx, low.ID, nil)
	require.NoError(t, err)
	_, err = m.AcceptTask(ctx, high.ID, nil)
	require.NoError(t, err)

	got, err = m.GetEligibleTask(ctx)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, high.ID, got.ID)

	_, err = m.SetNextRun(ctx, high.ID, time.Hour)
	require.NoError(t, err)
	got, err = m.GetEligibleTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, low.ID, got.ID)

	clock.Advance(2 * time.Hour)
	got, err = m.GetEligibleTask(ctx)
	require.NoError(t, err)
	assert.Equal(t, high.ID, got.ID)
}

func TestSetNextRun_Jitter(t *testing.T) {
	for _, tt := range []struct {
		rand float64
		want time.Duration
	}{
		{0, 70 * time.Second},
		{0.5, 100 * time.Second},
		{0.999999, 130 * time.Second},
	} {
		m, _, clock := newTestManager(t)
		m.rand = func() float64 { return tt.rand }
		task := createTask(t, m, "acct", "goal")

		got, err := m.SetNextRun(context.Background(), task.ID, 100*time.Second)
		require.NoError(t, err)
		require.NotNil(t, got.NextRunAfter)
		delay := got.NextRunAfter.Sub(clock.now)
		assert.InDelta(t, tt.want.Seconds(), delay.Seconds(), 0.01)
		assert.GreaterOrEqual(t, delay, 70*time.Second)
		assert.LessOrEqual(t, delay, 130*time.Second)
	}
}

func TestDefer(t *testing.T) {
	m, _, clock := newTestManager(t)
	task := createTask(t, m, "acct", "goal")

	got, err := m.Defer(context.Background(), task.ID, 10*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 1, got.Progress.DeferCount)
	assert.Zero(t, got.IterationsUsed)
	assert.Equal(t, clock.now.Add(10*time.Minute), *got.NextRunAfter)
}

func TestFindDuplicate(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()

	existing := createTask(t, m, "acct", "research best Python testing frameworks please")
	createTask(t, m, "acct", "buy groceries for dinner tonight")

	dup, err := m.FindDuplicate(ctx, "acct", "research best Python testing frameworks")
	require.NoError(t, err)
	require.NotNil(t, dup)
	assert.Equal(t, existing.ID, dup.ID)

	dup, err = m.FindDuplicate(ctx, "acct", "plan a birthday party for Sam")
	require.NoError(t, err)
	assert.Nil(t, dup)

	dup, err = m.FindDuplicate(ctx, "someone-else", "research best Python testing frameworks")
	require.NoError(t, err)
	assert.Nil(t, dup, "other accounts are not compared")

	forceStatus(t, store, existing.ID, db.StatusCompleted)
	dup, err = m.FindDuplicate(ctx, "acct", "research best Python testing frameworks")
	require.NoError(t, err)
	assert.Nil(t, dup, "terminal tasks are not compared")
}

func TestExpireStaleTasks(t *testing.T) {
	m, store, clock := newTestManager(t)
	ctx := context.Background()

	ids := map[db.Status]string{}
	for _, s := range []db.Status{db.StatusProposed, db.StatusAccepted, db.StatusInProgress, db.StatusPaused, db.StatusCompleted} {
		task := createTask(t, m, "acct", "goal "+string(s))
		forceStatus(t, store, task.ID, s)
		ids[s] = task.ID
	}

	n, err := m.ExpireStaleTasks(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)

	clock.Advance(169 * time.Hour)
	n, err = m.ExpireStaleTasks(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)

	for s, id := range ids {
		got, err := m.GetTask(ctx, id)
		require.NoError(t, err)
		switch s {
		case db.StatusAccepted, db.StatusInProgress, db.StatusPaused:
			assert.Equal(t, db.StatusExpired, got.Status, s)
		default:
			assert.Equal(t, s, got.Status)
		}
	}
}

func TestPauseResume(t *testing.T) {
	m, store, _ := newTestManager(t)
	ctx := context.Background()
	task := createTask(t, m, "acct", "goal")
	forceStatus(t, store, task.ID, db.StatusInProgress)

	_, err := m.Defer(ctx, task.ID, time.Hour)
	require.NoError(t, err)
	paused, err := m.Pause(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusPaused, paused.Status)

	resumed, err := m.Resume(ctx, task.ID)
	require.NoError(t, err)
	assert.Equal(t, db.StatusInProgress, resumed.Status)
	assert.Nil(t, resumed.NextRunAfter)
}

func TestReportStep(t *testing.T) {
	m, _, clock := newTestManager(t)
	ctx := context.Background()
	task := createTask(t, m, "acct", "plan a weekend trip")

	_, err := m.ReportStep(ctx, task.ID, "A", plan.StepUpdate{Status: plan.StepCompleted}, "")
	assert.ErrorIs(t, err, ErrInvalidTransition, "proposed tasks take no reports")

	_, err = m.AcceptTask(ctx, task.ID, nil)
	require.NoError(t, err)
	_, err = m.ReportStep(ctx, task.ID, "A", plan.StepUpdate{Status: plan.StepCompleted}, "")
	assert.ErrorIs(t, err, ErrNoPlan)

	p := &plan.Plan{Version: 1, Steps: []plan.Step{
		{ID: "A", Description: "choose a destination", Status: plan.StepPending},
		{ID: "B", Description: "book a hotel", DependsOn: []string{"A"}, Status: plan.StepPending},
	}}
	_, err = m.Checkpoint(ctx, task.ID, ProgressPatch{Plan: p}, "")
	require.NoError(t, err)

	_, err = m.ReportStep(ctx, task.ID, "Z", plan.StepUpdate{Status: plan.StepCompleted}, "")
	assert.ErrorIs(t, err, plan.ErrStepNotFound)

	got, err := m.ReportStep(ctx, task.ID, "A", plan.StepUpdate{Status: plan.StepCompleted, ResultSummary: "Porto"}, "Chose Porto.")
	require.NoError(t, err)
	assert.Equal(t, 0.5, got.Progress.CoverageEstimate)
	assert.Equal(t, 2, got.IterationsUsed)
	assert.Equal(t, "Chose Porto.", got.Result)

	a, _ := got.Progress.Plan.Step("A")
	assert.Equal(t, plan.StepCompleted, a.Status)
	require.NotNil(t, a.CompletedAt)
	assert.True(t, a.CompletedAt.Equal(clock.now))
	assert.Equal(t, []plan.Step{*mustStep(t, got.Progress.Plan, "B")}, plan.ReadySteps(got.Progress.Plan))
}

func mustStep(t *testing.T, p *plan.Plan, id string) *plan.Step {
	t.Helper()
	s, ok := p.Step(id)
	require.True(t, ok)
	return s
}
