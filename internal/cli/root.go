// Package cli is the relaysync command tree. Every command builds its own
// engine in-process from the environment configuration.
package cli

import (
	"context"
	"fmt"
	"io"
	"os"
	"slices"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/config"
	"github.com/agentworkforce/relaysync/internal/engine"
	"github.com/agentworkforce/relaysync/internal/logging"
)

// RootOptions holds global flags for all commands.
type RootOptions struct {
	Verbose bool
	Format  string // "json" | "text"

	// LoadConfig replaces config.Load (for testing).
	LoadConfig func() (config.Config, error)
	// LogWriter receives engine logs; nil means stderr.
	LogWriter io.Writer
}

// ValidFormats defines the allowed output formats.
var ValidFormats = []string{"text", "json"}

// NewRootCommand creates the root command for the relaysync CLI.
func NewRootCommand() *cobra.Command {
	return newRootCommand(&RootOptions{})
}

func newRootCommand(opts *RootOptions) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "relaysync",
		Short: "Offline outbox and session cache for a remote CRUD API",
		Long: `relaysync queues mutating requests while the upstream is unreachable,
replays them in order when it comes back, and keeps a per-session read cache
coherent with what the server has confirmed.`,
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if !slices.Contains(ValidFormats, opts.Format) {
				return fmt.Errorf("invalid format %q: must be one of %v", opts.Format, ValidFormats)
			}
			return nil
		},
	}

	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "verbose output")
	cmd.PersistentFlags().StringVar(&opts.Format, "format", "text", "output format (json|text)")

	cmd.AddCommand(NewServeCommand(opts))
	cmd.AddCommand(NewQueueCommand(opts))
	cmd.AddCommand(NewDrainCommand(opts))
	cmd.AddCommand(NewPrefetchCommand(opts))
	cmd.AddCommand(NewPurgeCommand(opts))
	cmd.AddCommand(NewCacheCommand(opts))

	return cmd
}

func (o *RootOptions) loadConfig() (config.Config, error) {
	if o.LoadConfig != nil {
		return o.LoadConfig()
	}
	return config.Load()
}

func (o *RootOptions) formatter(cmd *cobra.Command) *OutputFormatter {
	return &OutputFormatter{
		Format:    o.Format,
		Writer:    cmd.OutOrStdout(),
		ErrWriter: cmd.ErrOrStderr(),
		Verbose:   o.Verbose,
	}
}

// openEngine builds an engine for a one-shot command. The engine is not
// started; commands drive the components they need directly.
func (o *RootOptions) openEngine() (*engine.Engine, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	level := cfg.LogLevel
	if o.Verbose {
		level = "debug"
	}
	w := o.LogWriter
	if w == nil {
		w = os.Stderr
	}
	eng, err := engine.New(engine.Options{
		Config: cfg,
		Logger: logging.New(level, cfg.LogPretty, w),
	})
	if err != nil {
		return nil, WrapExitError(ExitCommandError, "failed to open engine", err)
	}
	return eng, nil
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}
