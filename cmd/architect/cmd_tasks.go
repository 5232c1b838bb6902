package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"architect/pkg/eventlog"
	"architect/pkg/protocol"
	"architect/pkg/queue"
)

// newTasksCmd creates the "architect tasks" subcommand.
func newTasksCmd(cfgPath *string) *cobra.Command {
	var status, worker string
	var limit int

	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "List tasks",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			tasks, err := e.store.List(cmd.Context(), queue.ListOpts{
				Status: protocol.TaskStatus(status),
				Worker: worker,
				Limit:  limit,
			})
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			for _, t := range tasks {
				assignee := t.AssignedWorker
				if assignee == "" {
					assignee = "-"
				}
				fmt.Fprintf(out, "%-5d %-12s p%-3d %-11s %-10s %s\n",
					t.ID, t.Status, t.Priority, t.WorkType, assignee, truncate(t.Content, 60))
			}
			if len(tasks) == 0 {
				fmt.Fprintln(out, "no tasks")
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by status")
	cmd.Flags().StringVar(&worker, "worker", "", "filter by assigned worker")
	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

// newTaskCmd creates the "architect task" subcommand showing one task with
// its audit trail.
func newTaskCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "task <id>",
		Short: "Show one task and its events",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid task id %q", args[0])
			}
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			ctx := cmd.Context()
			t, err := e.store.Get(ctx, id)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "task %d: %s\n", t.ID, t.Status)
			fmt.Fprintf(out, "  content:   %s\n", t.Content)
			fmt.Fprintf(out, "  work type: %s (priority %d)\n", t.WorkType, t.Priority)
			fmt.Fprintf(out, "  directory: %s\n", t.WorkingDirectory)
			fmt.Fprintf(out, "  created:   %s\n", t.CreatedAt)
			if t.AssignedWorker != "" {
				fmt.Fprintf(out, "  worker:    %s (since %s)\n", t.AssignedWorker, t.AssignedAt)
			}
			if t.RetryCount > 0 {
				fmt.Fprintf(out, "  retries:   %d/%d\n", t.RetryCount, t.MaxRetries)
			}
			if t.LastError != "" {
				fmt.Fprintf(out, "  last err:  %s\n", t.LastError)
			}

			events, err := eventlog.Query(ctx, e.db, eventlog.QueryOpts{TaskID: id, Limit: 20})
			if err != nil {
				return err
			}
			if len(events) > 0 {
				fmt.Fprintln(out, "events:")
				for _, ev := range events {
					fmt.Fprintf(out, "  %s %-16s %s %s\n", ev.CreatedAt, ev.Type, ev.Worker, ev.Payload)
				}
			}
			return nil
		},
	}
}

// truncate shortens s to at most n display runes; byte slicing would cut
// multibyte characters in half.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n-3]) + "..."
}
