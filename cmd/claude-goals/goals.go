package main

import (
	"fmt"
	"os"
	"strings"

	"github.com/kylemclaren/claude-goals/internal/db"
	"github.com/kylemclaren/claude-goals/internal/lifecycle"
	"github.com/kylemclaren/claude-goals/internal/tui"
	"github.com/spf13/cobra"
)

func (c *cli) createCmd() *cobra.Command {
	var (
		in             lifecycle.NewTask
		allowDuplicate bool
	)
	cmd := &cobra.Command{
		Use:   "create <goal>",
		Short: "Propose a new goal",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			in.AccountID = c.account
			in.Goal = strings.Join(args, " ")

			if !allowDuplicate {
				dup, err := a.lifecycle.FindDuplicate(cmd.Context(), in.AccountID, in.Goal)
				if err != nil {
					return err
				}
				if dup != nil {
					return fmt.Errorf("a similar goal is already open: %s (%s)", dup.ID, dup.Goal)
				}
			}

			task, err := a.lifecycle.CreateTask(cmd.Context(), in)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created goal %s (%s)\n", task.ID, task.Status)
			return nil
		},
	}
	cmd.Flags().StringVar(&in.Scope, "scope", "", "constraints on how the goal is pursued")
	cmd.Flags().IntVar(&in.Priority, "priority", 0, "priority from 1 (highest) to 10 (lowest)")
	cmd.Flags().IntVar(&in.MaxIterations, "max-iterations", 0, "iteration budget")
	cmd.Flags().DurationVar(&in.TTL, "ttl", 0, "time until the goal expires")
	cmd.Flags().BoolVar(&allowDuplicate, "allow-duplicate", false, "create even when a similar goal is open")
	return cmd
}

func (c *cli) listCmd() *cobra.Command {
	var statuses []string
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List goals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			filter := db.TaskFilter{AccountID: c.account}
			for _, s := range statuses {
				status := db.Status(s)
				if !status.Valid() {
					return fmt.Errorf("invalid status %q", s)
				}
				filter.Statuses = append(filter.Statuses, status)
			}

			a, err := c.openApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			tasks, err := a.lifecycle.ListTasks(cmd.Context(), filter)
			if err != nil {
				return err
			}
			if len(tasks) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "No goals.")
				return nil
			}

			fmt.Fprintln(cmd.OutOrStdout(), tui.TaskTable(tasks))
			return nil
		},
	}
	cmd.Flags().StringSliceVarP(&statuses, "status", "s", nil, "only show these statuses")
	return cmd
}

func (c *cli) acceptCmd() *cobra.Command {
	var scope string
	cmd := &cobra.Command{
		Use:   "accept <id>",
		Short: "Accept a proposed goal so the scheduler picks it up",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			var scopePtr *string
			if cmd.Flags().Changed("scope") {
				scopePtr = &scope
			}
			task, err := a.lifecycle.AcceptTask(cmd.Context(), args[0], scopePtr)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Accepted goal %s\n", task.ID)
			return nil
		},
	}
	cmd.Flags().StringVar(&scope, "scope", "", "replace the goal's scope while accepting")
	return cmd
}

func (c *cli) expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Expire goals past their TTL",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.openApp(os.Stderr)
			if err != nil {
				return err
			}
			defer a.Close()

			n, err := a.lifecycle.ExpireStaleTasks(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Expired %d goal(s)\n", n)
			return nil
		},
	}
}
