package executor

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os/exec"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kylemclaren/claude-goals/internal/config"
	"github.com/kylemclaren/claude-goals/internal/db"
	"github.com/kylemclaren/claude-goals/internal/llmjson"
	"github.com/kylemclaren/claude-goals/internal/plan"
	"github.com/kylemclaren/claude-goals/internal/stream"
)

// maxSummaryLen caps a summary taken from plain-text output
const maxSummaryLen = 500

// Executor runs plan steps through the Claude CLI
type Executor struct {
	cfg       config.ExecutorConfig
	streamMgr *stream.Manager
	logger    *slog.Logger
}

// New creates a new executor
func New(cfg config.ExecutorConfig, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Executor{cfg: cfg, logger: logger}
}

// SetStreamManager sets the stream manager for real-time output
func (e *Executor) SetStreamManager(mgr *stream.Manager) {
	e.streamMgr = mgr
}

// Outcome is what the executor reports for a step
type Outcome struct {
	Status        plan.StepStatus `json:"status"`
	ResultSummary string          `json:"result_summary,omitempty"`
	FailureReason string          `json:"failure_reason,omitempty"`
	SkipReason    string          `json:"skip_reason,omitempty"`
	Retryable     bool            `json:"retryable,omitempty"`
	Output        string          `json:"-"`
	Duration      time.Duration   `json:"-"`
}

// streamEvent represents a Claude CLI stream-json event
type streamEvent struct {
	Type  string `json:"type"`
	Event struct {
		Type  string `json:"type"`
		Index int    `json:"index"`
		Delta struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"delta,omitempty"`
	} `json:"event,omitempty"`
	Result  string `json:"result,omitempty"`
	IsError bool   `json:"is_error,omitempty"`
}

// RunStep performs one step of task and reports its outcome. Process and
// timeout failures come back as retryable failed outcomes.
func (e *Executor) RunStep(ctx context.Context, task *db.Task, step plan.Step) Outcome {
	startTime := time.Now()

	prompt, err := RenderStepPrompt(task, step)
	if err != nil {
		return Outcome{Status: plan.StepFailed, FailureReason: fmt.Sprintf("render prompt: %v", err)}
	}

	if e.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.Timeout)
		defer cancel()
	}

	var output string
	if e.streamMgr != nil {
		e.streamMgr.Begin(task.ID, step.ID)
		output, err = e.runStreaming(ctx, task.ID, prompt)
	} else {
		output, err = e.runBuffered(ctx, prompt)
	}

	var outcome Outcome
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		outcome = Outcome{Status: plan.StepFailed, FailureReason: "step timed out after " + e.cfg.Timeout.String(), Retryable: true}
	case err != nil:
		outcome = Outcome{Status: plan.StepFailed, FailureReason: err.Error(), Retryable: true}
	default:
		outcome = ParseOutcome(output)
	}
	outcome.Output = output
	outcome.Duration = time.Since(startTime)

	if e.streamMgr != nil {
		e.streamMgr.Complete(task.ID, string(outcome.Status), outcome.FailureReason)
	}
	e.logger.Info("step finished",
		"task_id", task.ID, "step_id", step.ID, "status", outcome.Status,
		"retryable", outcome.Retryable, "duration", outcome.Duration.Round(time.Millisecond))
	return outcome
}

func (e *Executor) baseArgs() []string {
	args := []string{"-p"}
	if e.cfg.SkipPermissions {
		// unattended runs cannot answer permission prompts
		args = append(args, "--dangerously-skip-permissions")
	}
	return args
}

// runStreaming runs the CLI in stream-json mode, publishing text as it arrives
func (e *Executor) runStreaming(ctx context.Context, taskID, prompt string) (string, error) {
	args := append(e.baseArgs(), "--output-format", "stream-json", "--verbose", "--include-partial-messages", prompt)
	cmd := exec.CommandContext(ctx, e.cfg.Command, args...)
	cmd.Dir = e.cfg.WorkingDir

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return "", fmt.Errorf("failed to create stdout pipe: %w", err)
	}
	var stderrOutput strings.Builder
	cmd.Stderr = &stderrOutput

	if err := cmd.Start(); err != nil {
		return "", fmt.Errorf("failed to start command: %w", err)
	}

	var outputBuilder strings.Builder
	var final string
	var finalIsError bool
	scanner := bufio.NewScanner(stdout)
	// Increase buffer size for large JSON lines
	buf := make([]byte, 0, 64*1024)
	scanner.Buffer(buf, 1024*1024)

	for scanner.Scan() {
		line := scanner.Text()
		if line == "" {
			continue
		}

		ev, ok := parseStreamLine(line)
		if !ok {
			continue
		}
		if text := ev.deltaText(); text != "" {
			outputBuilder.WriteString(text)
			e.streamMgr.PublishText(taskID, text)
		}
		if ev.Type == "result" {
			final, finalIsError = ev.Result, ev.IsError
		}
	}

	if err := cmd.Wait(); err != nil {
		e.streamMgr.PublishError(taskID, stderrOutput.String())
		return outputBuilder.String(), commandError(err, stderrOutput.String())
	}

	output := outputBuilder.String()
	if final != "" {
		output = final
	}
	if finalIsError {
		return output, fmt.Errorf("claude reported an error: %s", strings.TrimSpace(output))
	}
	return output, nil
}

// runBuffered runs the CLI in plain print mode
func (e *Executor) runBuffered(ctx context.Context, prompt string) (string, error) {
	cmd := exec.CommandContext(ctx, e.cfg.Command, append(e.baseArgs(), prompt)...)
	cmd.Dir = e.cfg.WorkingDir

	var stdout, stderr strings.Builder
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	if err := cmd.Run(); err != nil {
		return stdout.String(), commandError(err, stderr.String())
	}
	return stdout.String(), nil
}

func commandError(err error, stderr string) error {
	if stderr = strings.TrimSpace(stderr); stderr != "" {
		return fmt.Errorf("%w: %s", err, stderr)
	}
	return err
}

// parseStreamLine decodes a Claude CLI stream-json line
func parseStreamLine(line string) (streamEvent, bool) {
	var event streamEvent
	if err := json.Unmarshal([]byte(line), &event); err != nil {
		// Not valid JSON, might be raw output
		return event, false
	}
	return event, true
}

// deltaText returns the text carried by a content_block_delta event
func (ev streamEvent) deltaText() string {
	if ev.Type == "stream_event" && ev.Event.Type == "content_block_delta" && ev.Event.Delta.Type == "text_delta" {
		return ev.Event.Delta.Text
	}
	return ""
}

// ParseOutcome reads the trailing status object from a step reply. Replies
// without one count as completed with the text as the summary.
func ParseOutcome(output string) Outcome {
	candidate := output
	if idx := strings.LastIndex(output, `{"status"`); idx != -1 {
		candidate = output[idx:]
	}

	reply, err := llmjson.Extract[Outcome](candidate)
	if err != nil || !reply.Status.Valid() {
		return Outcome{Status: plan.StepCompleted, ResultSummary: summarize(output)}
	}

	switch reply.Status {
	case plan.StepCompleted, plan.StepFailed, plan.StepSkipped:
	default:
		reply.Status = plan.StepCompleted
	}
	if reply.Status == plan.StepCompleted && reply.ResultSummary == "" {
		reply.ResultSummary = summarize(output)
	}
	if reply.Status == plan.StepFailed && reply.FailureReason == "" {
		reply.FailureReason = "step reported failure without a reason"
	}
	if reply.Status != plan.StepFailed {
		reply.Retryable = false
	}
	return reply
}

func summarize(output string) string {
	if idx := strings.LastIndex(output, `{"status"`); idx != -1 {
		output = output[:idx]
	}
	output = strings.TrimSpace(output)
	if len(output) > maxSummaryLen {
		n := maxSummaryLen
		for n > 0 && !utf8.RuneStart(output[n]) {
			n--
		}
		output = output[:n] + "..."
	}
	return output
}
