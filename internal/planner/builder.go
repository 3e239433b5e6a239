package planner

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"time"

	"github.com/kylemclaren/claude-goals/internal/config"
	"github.com/kylemclaren/claude-goals/internal/llmjson"
	"github.com/kylemclaren/claude-goals/internal/plan"
)

// Builder decomposes goals into plans and rejects anything that does not
// pass validation.
type Builder struct {
	collab Collaborator
	cfg    config.PlannerConfig
	now    func() time.Time
	logger *slog.Logger
}

// Option configures a Builder
type Option func(*Builder)

// WithClock replaces time.Now for DecomposedAt.
func WithClock(now func() time.Time) Option {
	return func(b *Builder) { b.now = now }
}

// WithLogger sets the logger
func WithLogger(l *slog.Logger) Option {
	return func(b *Builder) { b.logger = l }
}

// New creates a plan builder
func New(collab Collaborator, cfg config.PlannerConfig, opts ...Option) *Builder {
	b := &Builder{
		collab: collab,
		cfg:    cfg,
		now:    time.Now,
		logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Decompose asks the collaborator for a plan and validates it: DAG shape,
// then step quality, then step count, then confidence. It returns a fresh
// plan with every step pending, or nil and an error. Rejections wrap
// ErrValidationFailed; collaborator errors are returned as is, without
// retry.
func (b *Builder) Decompose(ctx context.Context, req Request) (*plan.Plan, error) {
	if req.Capabilities == nil {
		req.Capabilities = b.cfg.Capabilities
	}

	raw, err := b.collab.Plan(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("planning collaborator: %w", err)
	}

	resp, err := llmjson.Extract[Response](raw)
	if err != nil {
		return nil, fmt.Errorf("%w: unreadable reply: %w", ErrValidationFailed, err)
	}

	steps := make([]plan.Step, 0, len(resp.Steps))
	for _, rs := range resp.Steps {
		steps = append(steps, plan.Step{
			ID:          strings.TrimSpace(rs.ID),
			Description: strings.TrimSpace(rs.Description),
			DependsOn:   nonNil(rs.DependsOn),
			ToolsNeeded: nonNil(rs.ToolsNeeded),
			Status:      plan.StepPending,
		})
	}

	if err := plan.ValidateDAG(steps); err != nil {
		return nil, b.reject(req, fmt.Errorf("%w: %w", ErrValidationFailed, err))
	}

	rules := plan.QualityRules{
		MinWords:           b.cfg.MinStepWords,
		MaxWords:           b.cfg.MaxStepWords,
		DuplicateThreshold: b.cfg.StepDuplicateThreshold,
	}
	if issues := plan.ValidateStepQuality(steps, rules); len(issues) > 0 {
		return nil, b.reject(req, fmt.Errorf("%w: %s", ErrValidationFailed, strings.Join(issues, "; ")))
	}

	if n := len(steps); n < b.cfg.MinSteps || n > b.cfg.MaxSteps {
		return nil, b.reject(req, fmt.Errorf("%w: %d steps, want %d-%d", ErrValidationFailed, n, b.cfg.MinSteps, b.cfg.MaxSteps))
	}

	if resp.DecompositionConfidence < b.cfg.MinConfidence {
		return nil, b.reject(req, fmt.Errorf("%w: confidence %.2f below %.2f",
			ErrValidationFailed, resp.DecompositionConfidence, b.cfg.MinConfidence))
	}

	version := req.Version
	if version <= 0 {
		version = 1
	}
	p := &plan.Plan{
		Version:                 version,
		DecomposedAt:            b.now().UTC(),
		DecompositionConfidence: resp.DecompositionConfidence,
		Steps:                   steps,
	}
	p.CostClass = plan.EstimateCost(p)

	b.logger.Info("goal decomposed", "steps", len(steps), "confidence", resp.DecompositionConfidence, "cost_class", p.CostClass)
	return p, nil
}

func (b *Builder) reject(req Request, err error) error {
	b.logger.Warn("decomposition rejected", "goal", req.Goal, "error", err)
	return err
}

func nonNil(s []string) []string {
	out := make([]string, 0, len(s))
	for _, v := range s {
		if v = strings.TrimSpace(v); v != "" {
			out = append(out, v)
		}
	}
	return out
}
