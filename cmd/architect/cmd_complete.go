package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

// newCompleteCmd creates the "architect complete" subcommand: the manual
// override for when a worker finished but the monitor has not noticed.
func newCompleteCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "complete <worker>",
		Short: "Mark a worker's current task as done",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			ctx := cmd.Context()
			name := args[0]

			w, err := e.registry.Get(ctx, name)
			if err != nil {
				return err
			}
			if w == nil {
				return fmt.Errorf("worker %s is not registered", name)
			}
			if w.CurrentTaskID == 0 {
				return fmt.Errorf("worker %s has no current task", name)
			}

			task, err := e.store.Get(ctx, w.CurrentTaskID)
			if err != nil {
				return err
			}
			if err := e.store.Complete(ctx, task.ID); err != nil {
				return err
			}
			_, _ = e.locks.Release(ctx, task.WorkingDirectory, name)
			if err := e.registry.MarkIdle(ctx, name); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d completed, worker %s idle\n", task.ID, name)
			return nil
		},
	}
}
