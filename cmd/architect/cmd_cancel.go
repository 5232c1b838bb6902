package main

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

// newCancelCmd creates the "architect cancel" subcommand.
func newCancelCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "cancel <id>",
		Short: "Cancel a pending or assigned task",
		Long:  "Cancels a task that has not started running. To stop a task\nalready in progress, send an abort_task directive instead.",
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

			if err := e.store.Cancel(cmd.Context(), id); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d cancelled\n", id)
			return nil
		},
	}
}
