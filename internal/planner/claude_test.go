package planner

import (
	"context"
	"errors"
	"testing"

	"github.com/kylemclaren/claude-goals/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRenderPrompt(t *testing.T) {
	out, err := renderPrompt(Request{
		Goal:          "write a trip itinerary",
		Scope:         "three days in Lisbon",
		MemoryContext: "prefers trains over flights",
		Capabilities:  []string{"web_search", "web_fetch"},
	}, 2, 8, 4, 30)
	require.NoError(t, err)

	assert.Contains(t, out, "## Goal\nwrite a trip itinerary")
	assert.Contains(t, out, "## Scope\nthree days in Lisbon")
	assert.Contains(t, out, "prefers trains over flights")
	assert.Contains(t, out, "- web_search\n- web_fetch")
	assert.Contains(t, out, "between 2 and 8 steps")
	assert.Contains(t, out, "4-30 words")
}

func TestRenderPrompt_Minimal(t *testing.T) {
	out, err := renderPrompt(Request{Goal: "tidy the garage"}, 2, 8, 4, 30)
	require.NoError(t, err)

	assert.NotContains(t, out, "## Scope")
	assert.NotContains(t, out, "already known")
	assert.Contains(t, out, "- none")
}

func TestClaudeCollaborator_Plan(t *testing.T) {
	cfg := config.Default().Planner
	c := NewClaudeCollaborator(cfg)

	var gotName string
	var gotArgs []string
	c.run = func(_ context.Context, name string, args ...string) ([]byte, error) {
		gotName, gotArgs = name, args
		return []byte(tripReply), nil
	}

	reply, err := c.Plan(context.Background(), Request{Goal: "write a trip itinerary", Capabilities: cfg.Capabilities})
	require.NoError(t, err)
	assert.Equal(t, tripReply, reply)
	assert.Equal(t, "claude", gotName)
	require.Len(t, gotArgs, 2)
	assert.Equal(t, "-p", gotArgs[0])
	assert.Contains(t, gotArgs[1], "write a trip itinerary")

	p, err := New(c, cfg).Decompose(context.Background(), Request{Goal: "write a trip itinerary"})
	require.NoError(t, err)
	assert.Len(t, p.Steps, 3)
}

func TestClaudeCollaborator_RunError(t *testing.T) {
	c := NewClaudeCollaborator(config.Default().Planner)
	boom := errors.New("exit status 1")
	c.run = func(context.Context, string, ...string) ([]byte, error) { return nil, boom }

	_, err := c.Plan(context.Background(), Request{Goal: "g"})
	assert.ErrorIs(t, err, boom)
}
