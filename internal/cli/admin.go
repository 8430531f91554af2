package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/PipeOpsHQ/flowexec/runtime/queue"
	"github.com/PipeOpsHQ/flowexec/state"
)

func newQueueCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and administer the job queue",
	}
	cmd.PersistentFlags().Int("limit", 50, "maximum entries to list")

	cmd.AddCommand(
		&cobra.Command{
			Use:   "counts",
			Short: "Show waiting, active, completed and failed job counts",
			Args:  cobra.NoArgs,
			RunE: queueAction(func(ctx context.Context, cmd *cobra.Command, q queue.Queue) error {
				counts, err := q.Counts(ctx)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), counts)
			}),
		},
		&cobra.Command{
			Use:   "jobs",
			Short: "List waiting and active jobs",
			Args:  cobra.NoArgs,
			RunE: queueAction(func(ctx context.Context, cmd *cobra.Command, q queue.Queue) error {
				limit, _ := cmd.Flags().GetInt("limit")
				jobs, err := q.List(ctx, limit)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), jobs)
			}),
		},
		&cobra.Command{
			Use:   "events",
			Short: "List recent job lifecycle events",
			Args:  cobra.NoArgs,
			RunE: queueAction(func(ctx context.Context, cmd *cobra.Command, q queue.Queue) error {
				limit, _ := cmd.Flags().GetInt("limit")
				events, err := q.ListEvents(ctx, limit)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), events)
			}),
		},
		&cobra.Command{
			Use:   "failed",
			Short: "List retained failed jobs",
			Args:  cobra.NoArgs,
			RunE: queueAction(func(ctx context.Context, cmd *cobra.Command, q queue.Queue) error {
				limit, _ := cmd.Flags().GetInt("limit")
				failed, err := q.ListFailed(ctx, limit)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), failed)
			}),
		},
		newQueuePurgeCmd(),
	)
	return cmd
}

func newQueuePurgeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "purge",
		Short: "Delete every job, result and lifecycle event",
		Args:  cobra.NoArgs,
		RunE: queueAction(func(ctx context.Context, cmd *cobra.Command, q queue.Queue) error {
			if yes, _ := cmd.Flags().GetBool("yes"); !yes {
				return fmt.Errorf("purge is destructive; pass --yes to confirm")
			}
			if err := q.Purge(ctx); err != nil {
				return err
			}
			_, err := fmt.Fprintln(cmd.OutOrStdout(), "queue purged")
			return err
		}),
	}
	cmd.Flags().Bool("yes", false, "confirm the purge")
	return cmd
}

func queueAction(fn func(ctx context.Context, cmd *cobra.Command, q queue.Queue) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, _ []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			q, err := a.jobQueue(ctx)
			if err != nil {
				return err
			}
			return fn(ctx, cmd, q)
		})
	}
}

func newCheckpointCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:     "checkpoint",
		Aliases: []string{"checkpoints"},
		Short:   "Inspect and clear conversation checkpoints",
	}

	show := &cobra.Command{
		Use:   "show <thread-id>",
		Short: "Show the current state of a thread",
		Args:  cobra.ExactArgs(1),
		RunE: saverAction(func(ctx context.Context, cmd *cobra.Command, s state.Saver, threadID string) error {
			tuple, err := state.LoadCurrent(ctx, s, threadID)
			if err != nil {
				return err
			}
			return writeOutput(cmd.OutOrStdout(), tuple)
		}),
	}

	history := &cobra.Command{
		Use:   "history <thread-id>",
		Short: "List a thread's checkpoints, newest first",
		Args:  cobra.ExactArgs(1),
		RunE: saverAction(func(ctx context.Context, cmd *cobra.Command, s state.Saver, threadID string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "CHECKPOINT\tPARENT\tSOURCE\tSTEP\tMESSAGES\tTIME")
			rows := 0
			for tuple, err := range s.List(ctx, threadID, state.ListOptions{Limit: limit}) {
				if err != nil {
					return err
				}
				parent := "-"
				if tuple.ParentConfig != nil {
					parent = tuple.ParentConfig.CheckpointID
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%d\t%d\t%s\n",
					tuple.Config.CheckpointID,
					parent,
					tuple.Metadata.Source,
					tuple.Metadata.Step,
					len(tuple.Checkpoint.ChannelValues.Messages),
					tuple.Checkpoint.Timestamp.Format("2006-01-02 15:04:05"),
				)
				rows++
			}
			if rows == 0 {
				return fmt.Errorf("thread %q: %w", threadID, state.ErrNotFound)
			}
			return tw.Flush()
		}),
	}
	history.Flags().Int("limit", 20, "maximum checkpoints to list")

	clearCmd := &cobra.Command{
		Use:   "clear <thread-id>",
		Short: "Clear a thread's messages (--delete removes its checkpoints)",
		Args:  cobra.ExactArgs(1),
		RunE: saverAction(func(ctx context.Context, cmd *cobra.Command, s state.Saver, threadID string) error {
			hard, _ := cmd.Flags().GetBool("delete")
			if hard {
				if err := s.DeleteThread(ctx, threadID); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "thread %s deleted\n", threadID)
				return err
			}
			if err := s.ClearThread(ctx, threadID); err != nil {
				return err
			}
			_, err := fmt.Fprintf(cmd.OutOrStdout(), "thread %s cleared\n", threadID)
			return err
		}),
	}
	clearCmd.Flags().Bool("delete", false, "delete the checkpoints instead of clearing their messages")

	cmd.AddCommand(show, history, clearCmd)
	return cmd
}

func saverAction(fn func(ctx context.Context, cmd *cobra.Command, s state.Saver, threadID string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		return withApp(cmd, func(ctx context.Context, a *app) error {
			s, err := a.checkpointSaver(ctx)
			if err != nil {
				return err
			}
			return fn(ctx, cmd, s, args[0])
		})
	}
}

func writeOutput(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
