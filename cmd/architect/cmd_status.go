package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"architect/pkg/protocol"
)

// newStatusCmd creates the "architect status" subcommand.
func newStatusCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show queue, worker, and lock summary",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()
			return runStatus(cmd, e)
		},
	}
}

func runStatus(cmd *cobra.Command, e *engine) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()

	stats, err := e.store.Stats(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, "Tasks:")
	for _, status := range []protocol.TaskStatus{
		protocol.TaskPending, protocol.TaskAssigned, protocol.TaskInProgress,
		protocol.TaskCompleted, protocol.TaskFailed, protocol.TaskCancelled,
	} {
		if n := stats[status]; n > 0 {
			fmt.Fprintf(out, "  %-12s %d\n", status, n)
		}
	}
	if len(stats) == 0 {
		fmt.Fprintln(out, "  (empty queue)")
	}

	workers, err := e.registry.List(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Workers (%d):\n", len(workers))
	for _, w := range workers {
		printWorker(out, w)
	}

	locks, err := e.locks.ListActive(ctx)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "Locks (%d):\n", len(locks))
	for _, l := range locks {
		fmt.Fprintf(out, "  %s held by %s until %s\n", l.DirectoryPath, l.HolderWorker, l.ExpiresAt)
	}
	return nil
}

func printWorker(out io.Writer, w protocol.Worker) {
	loc := ""
	if w.Remote() {
		loc = " @" + w.Location
	}
	task := ""
	if w.CurrentTaskID != 0 {
		task = fmt.Sprintf(" task=%d", w.CurrentTaskID)
	}
	affinity := protocol.JoinAffinity(w.Affinity)
	if affinity == "" {
		affinity = "any"
	}
	fmt.Fprintf(out, "  %-12s %s%s [%s]%s\n", w.Name, w.Status, loc, affinity, task)
}
