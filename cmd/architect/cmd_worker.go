package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"architect/pkg/protocol"
)

// newWorkerCmd creates the "architect worker" subcommand tree.
func newWorkerCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "worker",
		Short: "Manage the worker registry",
	}
	cmd.AddCommand(
		newWorkerAddCmd(cfgPath),
		newWorkerRmCmd(cfgPath),
		newWorkerListCmd(cfgPath),
	)
	return cmd
}

func newWorkerAddCmd(cfgPath *string) *cobra.Command {
	var location, affinity string

	cmd := &cobra.Command{
		Use:   "add <name> <tmux-session>",
		Short: "Register a worker",
		Long:  "Registers a tmux pane as an execution target. The session is a\ntmux target like \"agents:0.1\". A location other than \"local\"\nis treated as an ssh host.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			w := protocol.Worker{
				Name:     args[0],
				Session:  args[1],
				Location: location,
				Affinity: protocol.SplitAffinity(affinity),
			}
			if err := e.registry.Add(cmd.Context(), w); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %s registered\n", w.Name)
			return nil
		},
	}

	cmd.Flags().StringVar(&location, "location", protocol.LocalLocation,
		"\"local\" or an ssh host")
	cmd.Flags().StringVar(&affinity, "affinity", "",
		"comma-separated work types this worker accepts (empty = all)")
	return cmd
}

func newWorkerRmCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "rm <name>",
		Short: "Remove a worker registration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			removed, err := e.registry.Remove(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			if !removed {
				return fmt.Errorf("worker %s is not registered", args[0])
			}
			fmt.Fprintf(cmd.OutOrStdout(), "worker %s removed\n", args[0])
			return nil
		},
	}
}

func newWorkerListCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List registered workers",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			workers, err := e.registry.List(cmd.Context())
			if err != nil {
				return err
			}
			if len(workers) == 0 {
				fmt.Fprintln(cmd.OutOrStdout(), "no workers registered")
				return nil
			}
			for _, w := range workers {
				printWorker(cmd.OutOrStdout(), w)
			}
			return nil
		},
	}
}
