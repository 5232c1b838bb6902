package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// newRetryCmd creates the "architect retry" subcommand.
func newRetryCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Requeue a failed task with a fresh retry budget",
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

			if err := e.store.RetryFailed(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d requeued\n", id)
			return nil
		},
	}
}
