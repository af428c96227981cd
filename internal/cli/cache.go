package cli

import (
	"fmt"
	"io"
	"strings"

	"github.com/spf13/cobra"
)

type PrefetchOptions struct {
	*RootOptions
	Session string
}

func NewPrefetchCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &PrefetchOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "prefetch [url...]",
		Short: "Fetch and cache pages for offline use",
		Long: `Fetch each URL and store it in the session cache. With no arguments the
RELAYSYNC_PREFETCH_URLS list is used. A run is skipped while offline or when
the same session completed one within RELAYSYNC_PREFETCH_MIN_INTERVAL.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			ctx := commandContext(cmd)
			eng.Connectivity.Probe(ctx)
			urls := args
			if len(urls) == 0 {
				urls = eng.Config.PrefetchURLs
			}
			cookieHeader := ""
			if opts.Session != "" {
				cookieHeader = eng.Config.SessionCookie + "=" + opts.Session
			}
			result, err := eng.Prefetch.MaybePrefetch(ctx, cookieHeader, urls)
			if err != nil {
				return WrapExitError(ExitFailure, "prefetch failed", err)
			}
			return opts.formatter(cmd).Success(result, func(w io.Writer) {
				if result.Skipped != "" {
					fmt.Fprintf(w, "skipped: %s\n", result.Skipped)
					return
				}
				fmt.Fprintf(w, "cached %d/%d (%d not cached)\n", result.Completed-result.Failed, result.Total, result.Failed)
			})
		},
	}
	cmd.Flags().StringVar(&opts.Session, "session", "", "session cookie value to prefetch for (default anonymous)")
	return cmd
}

func NewPurgeCommand(opts *RootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "purge <resource-id>",
		Short: "Evict cached views of a resource and drop its queued deletes",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := strings.TrimSpace(args[0])
			if id == "" {
				return NewExitError(ExitCommandError, "resource id must not be empty")
			}
			eng, err := opts.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			report, err := eng.Invalidator.PurgeRelatedTo(commandContext(cmd), id)
			if err != nil {
				return WrapExitError(ExitCommandError, "purge failed", err)
			}
			return opts.formatter(cmd).Success(report, func(w io.Writer) {
				fmt.Fprintf(w, "evicted %d cache entries, dropped %d queued requests\n", report.CacheEntries, len(report.DiscardedQueue))
			})
		},
	}
}

func NewCacheCommand(rootOpts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "cache",
		Short: "Manage the session cache",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "evict-generation <generation>",
		Short: "Drop every cache partition of a generation",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			eng, err := rootOpts.openEngine()
			if err != nil {
				return err
			}
			defer eng.Close()

			dropped, err := eng.Cache.EvictGeneration(commandContext(cmd), args[0])
			if err != nil {
				return WrapExitError(ExitCommandError, "evict failed", err)
			}
			data := map[string]any{"generation": args[0], "partitions": dropped}
			return rootOpts.formatter(cmd).Success(data, func(w io.Writer) {
				fmt.Fprintf(w, "dropped %d partitions of generation %s\n", dropped, args[0])
			})
		},
	})
	return cmd
}
