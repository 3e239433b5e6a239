package main

import (
	"fmt"
	"io"
	"os"
	"path/filepath"

	"github.com/kylemclaren/claude-goals/internal/config"
	"github.com/kylemclaren/claude-goals/internal/tui"
	"github.com/kylemclaren/claude-goals/internal/version"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

// cli carries the persistent flags and the loaded configuration
type cli struct {
	cfgFile string
	account string
	cfg     config.Config
}

func newRootCmd() *cobra.Command {
	c := &cli{}

	root := &cobra.Command{
		Use:   "claude-goals",
		Short: "Persistent goal execution with Claude",
		Long: `claude-goals decomposes long-running goals into plans of dependent steps
and works through them in the background, one bounded cycle at a time.

Run without a subcommand to launch the interactive TUI.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "version" {
				return nil
			}
			cfg, err := config.Load(c.cfgFile)
			if err != nil {
				return err
			}
			c.cfg = cfg
			return nil
		},
		RunE: c.runTUI,
	}

	root.PersistentFlags().StringVarP(&c.cfgFile, "config", "c", "", "config file (default is <data dir>/config.yaml)")
	root.PersistentFlags().StringVar(&c.account, "account", "local", "account that owns created and listed goals")

	root.AddCommand(
		c.daemonCmd(),
		c.serveCmd(),
		c.createCmd(),
		c.listCmd(),
		c.acceptCmd(),
		c.expireCmd(),
		versionCmd(),
	)
	return root
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Show version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version.Info())
		},
	}
}

// runTUI launches the TUI. When a daemon already owns the data directory
// the TUI only edits goals and leaves cycles to the daemon.
func (c *cli) runTUI(cmd *cobra.Command, args []string) error {
	// the TUI owns the terminal, so logs go to a file
	if err := os.MkdirAll(c.cfg.DataDir, 0o755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	logFile, err := os.OpenFile(filepath.Join(c.cfg.DataDir, "claude-goals.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return fmt.Errorf("opening log file: %w", err)
	}
	defer logFile.Close()

	a, err := newApp(c.cfg, c.cfg.Log.NewLogger(logFile))
	if err != nil {
		return err
	}
	defer a.Close()

	if pid, running := newPIDFile(c.cfg.PIDPath()).Running(); running {
		fmt.Fprintf(cmd.OutOrStdout(), "Daemon running (PID %d), TUI in client mode\n", pid)
		return tui.Run(a.lifecycle, nil, c.account)
	}

	if err := a.scheduler.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	return tui.Run(a.lifecycle, a.scheduler, c.account)
}

func (c *cli) openApp(logOut io.Writer) (*app, error) {
	return newApp(c.cfg, c.cfg.Log.NewLogger(logOut))
}
