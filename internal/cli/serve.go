package cli

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/agentworkforce/relaysync/internal/httpapi"
)

type ServeOptions struct {
	*RootOptions
	Addr string

	// Ready is called with the bound listener address (for testing).
	Ready func(addr string)
}

func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the sync engine and its local control API",
		Long: `Run the sync engine: replay the outbox whenever the upstream is reachable,
probe connectivity, and serve the control API, websocket event stream and
queue dashboard.

Example:
  RELAYSYNC_UPSTREAM_URL=https://tasks.example.com relaysync serve
  relaysync serve --addr 127.0.0.1:9000 --verbose`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(cmd, opts)
		},
	}
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides RELAYSYNC_ADDR)")
	return cmd
}

func runServe(cmd *cobra.Command, opts *ServeOptions) error {
	eng, err := opts.openEngine()
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := eng.Close(); closeErr != nil {
			eng.Logger.Error().Err(closeErr).Msg("error closing engine")
		}
	}()
	if err := eng.Config.RequireUpstream(); err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}

	ctx, cancel := context.WithCancel(commandContext(cmd))
	defer cancel()
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)
	go func() {
		select {
		case sig := <-sigChan:
			eng.Logger.Info().Str("signal", sig.String()).Msg("received signal, shutting down")
			cancel()
		case <-ctx.Done():
		}
	}()

	if err := eng.Start(ctx); err != nil {
		return WrapExitError(ExitCommandError, "failed to start engine", err)
	}

	addr := eng.Config.Addr
	if opts.Addr != "" {
		addr = opts.Addr
	}
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to listen", err)
	}
	server := &http.Server{
		Handler:           httpapi.NewServerWithConfig(eng, httpapi.ServerConfigFromEngine(eng)),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	eng.Logger.Info().Str("addr", listener.Addr().String()).Str("upstream", eng.Config.UpstreamURL).Msg("relaysync listening")
	if opts.Ready != nil {
		opts.Ready(listener.Addr().String())
	}

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return WrapExitError(ExitFailure, "server failed", err)
		}
	}
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer shutdownCancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		eng.Logger.Warn().Err(err).Msg("http shutdown incomplete")
	}
	return nil
}
