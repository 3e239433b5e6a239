package main

import (
	"fmt"
	"log/slog"

	"github.com/kylemclaren/claude-goals/internal/config"
	"github.com/kylemclaren/claude-goals/internal/db"
	"github.com/kylemclaren/claude-goals/internal/executor"
	"github.com/kylemclaren/claude-goals/internal/lifecycle"
	"github.com/kylemclaren/claude-goals/internal/planner"
	"github.com/kylemclaren/claude-goals/internal/scheduler"
	"github.com/kylemclaren/claude-goals/internal/stream"
	"github.com/kylemclaren/claude-goals/internal/webhook"
)

// app is the wired component graph shared by every command
type app struct {
	cfg       config.Config
	logger    *slog.Logger
	db        *db.DB
	lifecycle *lifecycle.Manager
	streams   *stream.Manager
	scheduler *scheduler.Scheduler
}

func newApp(cfg config.Config, logger *slog.Logger) (*app, error) {
	database, err := db.New(cfg.DatabasePath())
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}

	lc := lifecycle.New(database, cfg.Lifecycle, lifecycle.WithLogger(logger))
	streams := stream.NewManager()

	exec := executor.New(cfg.Executor, logger)
	exec.SetStreamManager(streams)
	builder := planner.New(planner.NewClaudeCollaborator(cfg.Planner), cfg.Planner, planner.WithLogger(logger))

	opts := []scheduler.Option{
		scheduler.WithStreamManager(streams),
		scheduler.WithLogger(logger),
	}
	if notifier := webhook.NewNotifier(cfg.Notify, logger); notifier.Enabled() {
		opts = append(opts, scheduler.WithNotifier(notifier))
	}

	return &app{
		cfg:       cfg,
		logger:    logger,
		db:        database,
		lifecycle: lc,
		streams:   streams,
		scheduler: scheduler.New(lc, builder, exec, cfg.Scheduler, opts...),
	}, nil
}

func (a *app) Close() error {
	a.scheduler.Stop()
	return a.db.Close()
}
