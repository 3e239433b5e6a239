package webhook

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/kylemclaren/claude-goals/internal/config"
	"github.com/kylemclaren/claude-goals/internal/db"
)

// EventKind names what happened to a task
type EventKind string

const (
	EventCompleted EventKind = "completed"
	EventPaused    EventKind = "paused"
)

// Event is a task notification
type Event struct {
	Kind   EventKind
	Task   *db.Task
	Detail string
	At     time.Time
}

func (e Event) body() string {
	if e.Kind == EventCompleted && e.Task.Result != "" {
		return e.Task.Result
	}
	return e.Detail
}

func (e Event) coverage() string {
	return fmt.Sprintf("%.0f%%", e.Task.Progress.CoverageEstimate*100)
}

func (e Event) iterations() string {
	return fmt.Sprintf("%d/%d", e.Task.IterationsUsed, e.Task.MaxIterations)
}

// Notifier sends task events to every configured destination
type Notifier struct {
	discord    *Discord
	slack      *Slack
	discordURL string
	slackURL   string
	logger     *slog.Logger
}

// NewNotifier creates a notifier for the webhook URLs in cfg. Empty URLs
// are skipped.
func NewNotifier(cfg config.NotifyConfig, logger *slog.Logger) *Notifier {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return &Notifier{
		discord:    NewDiscord(),
		slack:      NewSlack(),
		discordURL: cfg.DiscordWebhook,
		slackURL:   cfg.SlackWebhook,
		logger:     logger,
	}
}

// Enabled reports whether any destination is configured.
func (n *Notifier) Enabled() bool {
	return n.discordURL != "" || n.slackURL != ""
}

// Notify delivers ev to each destination and joins their errors.
func (n *Notifier) Notify(ctx context.Context, ev Event) error {
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	var errs []error
	if n.discordURL != "" {
		if err := n.discord.SendEvent(ctx, n.discordURL, ev); err != nil {
			errs = append(errs, fmt.Errorf("discord: %w", err))
		}
	}
	if n.slackURL != "" {
		if err := n.slack.SendEvent(ctx, n.slackURL, ev); err != nil {
			errs = append(errs, fmt.Errorf("slack: %w", err))
		}
	}

	err := errors.Join(errs...)
	if err != nil {
		n.logger.Warn("webhook delivery failed", "task_id", ev.Task.ID, "event", ev.Kind, "error", err)
	}
	return err
}
