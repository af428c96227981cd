package cli

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/dispatch"
	"github.com/agentworkforce/relaysync/internal/drain"
	"github.com/agentworkforce/relaysync/internal/outbox"
)

func NewQueueCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "queue",
		Short: "Inspect and resolve queued requests",
	}
	cmd.AddCommand(newQueueListCommand(rootOpts))
	cmd.AddCommand(newQueueRetryCommand(rootOpts))
	cmd.AddCommand(newQueueDiscardCommand(rootOpts))
	return cmd
}

func newQueueListCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List queued requests oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			items, err := eng.Drain.Queue(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "failed to read outbox", err)
			}
			if items == nil {
				items = []outbox.Envelope{}
			}
			return opts.formatter(cmd).Success(items, func(w io.Writer) {
				renderQueue(w, items)
			})
		},
	}
}

func renderQueue(w io.Writer, items []outbox.Envelope) {
	if len(items) == 0 {
		fmt.Fprintln(w, "queue is empty")
		return
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tQUEUED\tMETHOD\tURL\tINTENT")
	for _, env := range items {
		intent := env.Intent
		if intent == "" {
			intent = "-"
		}
		queued := time.Unix(0, env.Timestamp).UTC().Format(time.RFC3339)
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", env.ID, queued, env.Method, env.URL, intent)
	}
	_ = tw.Flush()
}

func newQueueRetryCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "retry <id>",
		Short: "Replay one queued request now, regardless of its position",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			result, err := eng.Drain.RetryItem(commandContext(cmd), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "retry failed", err)
			}
			if !result.Found {
				return NewExitError(ExitFailure, fmt.Sprintf("no queued request with id %s", args[0]))
			}
			if err := opts.formatter(cmd).Success(result, func(w io.Writer) {
				fmt.Fprintf(w, "%s: %s (http %d)\n", args[0], result.Outcome, result.Status)
			}); err != nil {
				return err
			}
			if result.Outcome != dispatch.OutcomeSuccess && result.Outcome != dispatch.OutcomeDiscard {
				return NewExitError(ExitFailure, "request is still queued")
			}
			return nil
		},
	}
}

func newQueueDiscardCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "discard <id>",
		Short: "Remove a queued request without sending it",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			removed, err := eng.Drain.DiscardItem(commandContext(cmd), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "discard failed", err)
			}
			if !removed {
				return NewExitError(ExitFailure, fmt.Sprintf("no queued request with id %s", args[0]))
			}
			return opts.formatter(cmd).Success(map[string]any{"id": args[0], "discarded": true}, func(w io.Writer) {
				fmt.Fprintf(w, "discarded %s\n", args[0])
			})
		},
	}
}

// NewDrainCommand replays the whole queue once, stopping at the first
// request that cannot be delivered.
func NewDrainCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "drain",
		Short: "Replay queued requests oldest first until empty or blocked",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			summary, err := eng.Drain.DrainNow(commandContext(cmd))
			if err != nil {
				return WrapExitError(ExitCommandError, "drain failed", err)
			}
			if err := opts.formatter(cmd).Success(summary, func(w io.Writer) {
				renderSummary(w, summary)
			}); err != nil {
				return err
			}
			if summary.BlockedOn != "" {
				return NewExitError(ExitFailure, "drain blocked on "+summary.BlockedOn)
			}
			return nil
		},
	}
}

func renderSummary(w io.Writer, summary drain.Summary) {
	fmt.Fprintf(w, "sent %d, discarded %d\n", summary.Sent, summary.Discarded)
	if summary.BlockedOn != "" {
		fmt.Fprintf(w, "blocked on %s\n", summary.BlockedOn)
	}
}
