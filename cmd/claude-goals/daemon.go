package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/kylemclaren/claude-goals/internal/api"
	"github.com/spf13/cobra"
)

const shutdownTimeout = 30 * time.Second

func (c *cli) daemonCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "daemon",
		Short: "Run the scheduler in the foreground (for services)",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return c.runBackground(cmd, false)
		},
	}
}

func (c *cli) serveCmd() *cobra.Command {
	var port int
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the scheduler and the HTTP API server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Flags().Changed("port") {
				c.cfg.Server.Port = port
			}
			return c.runBackground(cmd, true)
		},
	}
	cmd.Flags().IntVarP(&port, "port", "p", 8080, "HTTP server port (overrides server.port)")
	return cmd
}

// runBackground owns the data directory through the PID file, starts the
// scheduler and, when serve is set, the API server, until SIGINT or SIGTERM.
func (c *cli) runBackground(cmd *cobra.Command, serve bool) error {
	out := cmd.OutOrStdout()
	pid := os.Getpid()
	pids := newPIDFile(c.cfg.PIDPath())

	a, err := c.openApp(os.Stderr)
	if err != nil {
		return err
	}
	defer a.Close()

	if err := pids.Acquire(pid); err != nil {
		return err
	}
	defer func() { _ = pids.Release(pid) }()

	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}

	ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	fmt.Fprintln(out, "claude-goals daemon started")
	fmt.Fprintf(out, "PID: %d\n", pid)
	fmt.Fprintf(out, "Database: %s\n", a.cfg.DatabasePath())

	if !serve {
		<-ctx.Done()
		fmt.Fprintln(out, "\nShutting down...")
		return nil
	}

	server := api.NewServer(a.lifecycle, a.scheduler, a.streams, a.logger)
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", a.cfg.Server.Port),
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()
	fmt.Fprintf(out, "API server listening on %s\n", srv.Addr)

	select {
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("api server: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	fmt.Fprintln(out, "\nShutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return srv.Shutdown(shutdownCtx)
}
