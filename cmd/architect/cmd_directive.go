package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"architect/pkg/protocol"
)

// newDirectiveCmd creates the "architect directive" subcommand tree.
func newDirectiveCmd(cfgPath *string) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "directive",
		Short: "Send and inspect oversight directives",
	}
	cmd.AddCommand(
		newDirectiveSendCmd(cfgPath),
		newDirectiveListCmd(cfgPath),
		newDirectiveAckCmd(cfgPath),
	)
	return cmd
}

func newDirectiveSendCmd(cfgPath *string) *cobra.Command {
	var target string

	cmd := &cobra.Command{
		Use:   "send <type> <content>",
		Short: "Issue a directive",
		Long: `Issues a directive to the engine. Types:
  guidance         advisory text for workers
  constraint       a rule workers must observe
  priority_change  content is "<task_id> <priority>"
  escalation_rule  a rule for the monitor's escalations
  abort_task       content is the task id; mandatory, idempotent`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			id, err := e.directives.Send(cmd.Context(),
				protocol.DirectiveType(args[0]), args[1], target)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "directive %s issued\n", id)
			return nil
		},
	}

	cmd.Flags().StringVar(&target, "target", protocol.TargetAll,
		"worker name, or \"all\"")
	return cmd
}

func newDirectiveListCmd(cfgPath *string) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "list",
		Short: "List directives, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			directives, err := e.directives.List(cmd.Context(), limit)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			if len(directives) == 0 {
				fmt.Fprintln(out, "no directives")
				return nil
			}
			for _, d := range directives {
				ack := ""
				if d.Status == protocol.DirectiveAcknowledged {
					ack = " (ack by " + d.AcknowledgedBy + ")"
				}
				fmt.Fprintf(out, "%s %-15s %-8s %-8s %s%s\n",
					d.IssuedAt, d.Type, d.Target, d.Status, truncate(d.Content, 50), ack)
			}
			return nil
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "maximum rows")
	return cmd
}

func newDirectiveAckCmd(cfgPath *string) *cobra.Command {
	return &cobra.Command{
		Use:   "ack <id>",
		Short: "Acknowledge a directive by hand",
		Long: "Acknowledges a directive on behalf of the operator, applying its\n" +
			"effect (a priority_change updates the referenced task). Normally\n" +
			"the monitor does this; ack is the manual override.",
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			if err := e.directives.Acknowledge(cmd.Context(), args[0], "operator"); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "directive %s acknowledged\n", args[0])
			return nil
		},
	}
}
