package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"architect/pkg/protocol"
	"architect/pkg/queue"
)

// newAssignCmd creates the "architect assign" subcommand.
func newAssignCmd(cfgPath *string) *cobra.Command {
	var priority int
	var workType string

	cmd := &cobra.Command{
		Use:   "assign <description> <working_directory> [worker]",
		Short: "Submit a task to the queue",
		Long:  "Classifies the description, runs it through the deduplication\nguard, and enqueues it. An optional worker name pins the task\nto that worker.",
		Args:  cobra.RangeArgs(2, 3),
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEngine(*cfgPath)
			if err != nil {
				return err
			}
			defer func() { _ = e.Close() }()

			content, workDir := args[0], args[1]
			target := ""
			if len(args) == 3 {
				target = args[2]
			}

			wt, prio := e.classifier.Classify(content)
			if workType != "" {
				wt = protocol.WorkType(workType)
			}
			if cmd.Flags().Changed("priority") {
				prio = priority
			}

			task, outcome, err := e.store.Submit(cmd.Context(), queue.SubmitParams{
				Content:          content,
				WorkingDirectory: workDir,
				TargetWorker:     target,
				WorkType:         wt,
				Priority:         prio,
			})
			if err != nil {
				return err
			}
			if outcome.Duplicate() {
				fmt.Fprintf(cmd.OutOrStdout(), "duplicate of task %d (%s)\n",
					outcome.ExistingID, outcome.ExistingStatus)
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "task %d queued (%s, priority %d)\n",
				task.ID, task.WorkType, task.Priority)
			return nil
		},
	}

	cmd.Flags().IntVar(&priority, "priority", 0, "override the classified priority")
	cmd.Flags().StringVar(&workType, "work-type", "", "override the classified work type")
	return cmd
}
