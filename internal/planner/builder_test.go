package planner

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/kylemclaren/claude-goals/internal/config"
	"github.com/kylemclaren/claude-goals/internal/plan"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const tripReply = "Here is the plan:\n```json\n" + `{
  "steps": [
    {"id": "A", "description": "pick the destination city for the trip", "depends_on": [], "tools_needed": []},
    {"id": "B", "description": "find hotels in the chosen city", "depends_on": ["A"], "tools_needed": ["web_search"]},
    {"id": "C", "description": "book flights to the chosen city", "depends_on": ["A"], "tools_needed": ["web_search"]}
  ],
  "decomposition_confidence": 0.85
}` + "\n```\nLet me know if you need changes."

func replyWith(reply string) CollaboratorFunc {
	return func(context.Context, Request) (string, error) { return reply, nil }
}

func newBuilder(c Collaborator) *Builder {
	fixed := time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC)
	return New(c, config.Default().Planner, WithClock(func() time.Time { return fixed }))
}

func TestDecompose_Success(t *testing.T) {
	var got Request
	collab := CollaboratorFunc(func(_ context.Context, req Request) (string, error) {
		got = req
		return tripReply, nil
	})

	p, err := newBuilder(collab).Decompose(context.Background(), Request{
		Goal:          "write a trip itinerary",
		Scope:         "three days in Lisbon",
		MemoryContext: "prefers trains",
	})
	require.NoError(t, err)
	require.NotNil(t, p)

	assert.Equal(t, "write a trip itinerary", got.Goal)
	assert.Equal(t, config.Default().Planner.Capabilities, got.Capabilities, "capabilities default from config")

	assert.Equal(t, 1, p.Version)
	assert.Equal(t, time.Date(2026, 10, 1, 12, 0, 0, 0, time.UTC), p.DecomposedAt)
	assert.Equal(t, 0.85, p.DecompositionConfidence)
	assert.Equal(t, plan.CostExpensive, p.CostClass)
	assert.Nil(t, p.BlockedOn)
	require.Len(t, p.Steps, 3)
	for _, s := range p.Steps {
		assert.Equal(t, plan.StepPending, s.Status)
		assert.Empty(t, s.ResultSummary)
		assert.Nil(t, s.StartedAt)
		assert.Nil(t, s.CompletedAt)
		assert.NotNil(t, s.DependsOn)
	}
	assert.Equal(t, []string{"A"}, p.Steps[1].DependsOn)
}

func TestDecompose_Version(t *testing.T) {
	p, err := newBuilder(replyWith(tripReply)).Decompose(context.Background(), Request{Goal: "g", Version: 3})
	require.NoError(t, err)
	assert.Equal(t, 3, p.Version)
}

func TestDecompose_CheapPlan(t *testing.T) {
	reply := `{"steps":[
		{"id":"1","description":"outline the main sections of the essay","depends_on":[]},
		{"id":"2","description":"draft an introduction paragraph from the outline","depends_on":["1"]}
	],"decomposition_confidence":0.9}`
	p, err := newBuilder(replyWith(reply)).Decompose(context.Background(), Request{Goal: "write an essay"})
	require.NoError(t, err)
	assert.Equal(t, plan.CostCheap, p.CostClass)
	assert.NotNil(t, p.Steps[0].ToolsNeeded)
}

func TestDecompose_Rejections(t *testing.T) {
	tests := []struct {
		name    string
		reply   string
		wantErr error
	}{
		{
			name:    "no json",
			reply:   "I cannot help with that.",
			wantErr: ErrValidationFailed,
		},
		{
			name: "cycle",
			reply: `{"steps":[
				{"id":"A","description":"collect the raw sales figures","depends_on":["C"]},
				{"id":"B","description":"clean the collected sales records","depends_on":["A"]},
				{"id":"C","description":"summarize the cleaned quarterly numbers","depends_on":["B"]},
				{"id":"D","description":"send the report to stakeholders","depends_on":[]}
			],"decomposition_confidence":0.9}`,
			wantErr: plan.ErrCycle,
		},
		{
			name: "unknown dependency",
			reply: `{"steps":[
				{"id":"A","description":"collect the raw sales figures","depends_on":[]},
				{"id":"B","description":"clean the collected sales records","depends_on":["Z"]}
			],"decomposition_confidence":0.9}`,
			wantErr: ErrValidationFailed,
		},
		{
			name: "description too short",
			reply: `{"steps":[
				{"id":"A","description":"collect figures","depends_on":[]},
				{"id":"B","description":"clean the collected sales records","depends_on":["A"]}
			],"decomposition_confidence":0.9}`,
			wantErr: ErrValidationFailed,
		},
		{
			name: "duplicate steps",
			reply: `{"steps":[
				{"id":"A","description":"collect the raw sales figures today","depends_on":[]},
				{"id":"B","description":"collect the raw sales figures","depends_on":["A"]}
			],"decomposition_confidence":0.9}`,
			wantErr: ErrValidationFailed,
		},
		{
			name: "too few steps",
			reply: `{"steps":[
				{"id":"A","description":"collect the raw sales figures","depends_on":[]}
			],"decomposition_confidence":0.9}`,
			wantErr: ErrValidationFailed,
		},
		{
			name: "low confidence",
			reply: `{"steps":[
				{"id":"A","description":"collect the raw sales figures","depends_on":[]},
				{"id":"B","description":"clean the collected sales records","depends_on":["A"]}
			],"decomposition_confidence":0.2}`,
			wantErr: ErrValidationFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p, err := newBuilder(replyWith(tt.reply)).Decompose(context.Background(), Request{Goal: "quarterly report"})
			assert.Nil(t, p)
			assert.ErrorIs(t, err, ErrValidationFailed)
			assert.ErrorIs(t, err, tt.wantErr)
		})
	}
}

func TestDecompose_TooManySteps(t *testing.T) {
	cfg := config.Default().Planner
	cfg.MaxSteps = 2
	p, err := New(replyWith(tripReply), cfg).Decompose(context.Background(), Request{Goal: "trip"})
	assert.Nil(t, p)
	assert.ErrorIs(t, err, ErrValidationFailed)
	assert.Contains(t, err.Error(), "3 steps")
}

func TestDecompose_CollaboratorError(t *testing.T) {
	boom := errors.New("claude unavailable")
	calls := 0
	collab := CollaboratorFunc(func(context.Context, Request) (string, error) {
		calls++
		return "", boom
	})

	p, err := newBuilder(collab).Decompose(context.Background(), Request{Goal: "trip"})
	assert.Nil(t, p)
	assert.ErrorIs(t, err, boom)
	assert.NotErrorIs(t, err, ErrValidationFailed)
	assert.Equal(t, 1, calls, "no retry")
}
