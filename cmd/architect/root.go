package main

import (
	"fmt"

	"architect/internal/appversion"

	"github.com/spf13/cobra"
)

// newRootCmd creates the root architect command with all subcommands
// attached.
func newRootCmd() *cobra.Command {
	var cfgPath string

	cmd := &cobra.Command{
		Use:           "architect",
		Short:         "Task assignment and distributed execution engine",
		Long:          "architect queues prompt tasks, assigns them to tmux workers\n(local or remote), and watches their output for recovery.",
		Version:       fmt.Sprintf("architect %s", appversion.String()),
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	cmd.SetVersionTemplate("{{.Version}}\n")
	cmd.PersistentFlags().StringVar(&cfgPath, "config", "", "path to config file (TOML)")

	cmd.AddCommand(
		newServeCmd(&cfgPath),
		newStatusCmd(&cfgPath),
		newAssignCmd(&cfgPath),
		newCompleteCmd(&cfgPath),
		newTasksCmd(&cfgPath),
		newTaskCmd(&cfgPath),
		newRetryCmd(&cfgPath),
		newCancelCmd(&cfgPath),
		newWorkerCmd(&cfgPath),
		newDirectiveCmd(&cfgPath),
	)

	return cmd
}
