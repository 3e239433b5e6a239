package planner

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strings"

	"github.com/kylemclaren/claude-goals/internal/config"
)

// commandRunner runs name with args and returns its stdout.
type commandRunner func(ctx context.Context, name string, args ...string) ([]byte, error)

func runCommand(ctx context.Context, name string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, name, args...)
	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		return nil, fmt.Errorf("%w: %s", err, strings.TrimSpace(stderr.String()))
	}
	return stdout.Bytes(), nil
}

// ClaudeCollaborator asks the Claude CLI to decompose goals.
type ClaudeCollaborator struct {
	cfg config.PlannerConfig
	run commandRunner
}

// NewClaudeCollaborator creates a collaborator that shells out to
// cfg.Command in print mode.
func NewClaudeCollaborator(cfg config.PlannerConfig) *ClaudeCollaborator {
	return &ClaudeCollaborator{cfg: cfg, run: runCommand}
}

// Plan renders the decomposition prompt and returns the CLI's reply.
func (c *ClaudeCollaborator) Plan(ctx context.Context, req Request) (string, error) {
	prompt, err := renderPrompt(req, c.cfg.MinSteps, c.cfg.MaxSteps, c.cfg.MinStepWords, c.cfg.MaxStepWords)
	if err != nil {
		return "", fmt.Errorf("render prompt: %w", err)
	}

	if c.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.Timeout)
		defer cancel()
	}

	out, err := c.run(ctx, c.cfg.Command, "-p", prompt)
	if err != nil {
		return "", fmt.Errorf("run %s: %w", c.cfg.Command, err)
	}
	return string(out), nil
}
