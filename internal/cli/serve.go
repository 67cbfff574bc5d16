package cli

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/chunkledger/internal/api"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	Addr string
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		Long: `Run the session, chunk and verification API.

On start the server resumes chunk attempts a previous run left between
upload and ledger commit, and marks attempts whose bytes were lost as
unavailable so they can be resubmitted.

Example:
  chunkledger serve --config chunkledger.yaml
  chunkledger serve --addr :9090 --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides http.addr)")
	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := opts.loadConfig(cmd)
	if err != nil {
		return err
	}
	if opts.Addr != "" {
		cfg.HTTP.Addr = opts.Addr
	}
	logger := slog.Default()

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, cancel := context.WithCancel(parentCtx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigChan)

	go func() {
		select {
		case sig := <-sigChan:
			slog.Info("received signal, shutting down", "signal", sig)
			cancel()
		case <-ctx.Done():
		}
	}()

	a, err := openApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := a.Close(); closeErr != nil {
			slog.Error("error during shutdown", "error", closeErr)
		}
	}()

	if err := a.sessions.Recover(ctx); err != nil {
		return WrapExitError(ExitFailure, "failed to recover unfinished chunks", err)
	}

	srv := api.New(a.sessions, a.verifier, a.store, a.pipeline,
		api.WithGatherer(a.registry), api.WithEvents(a.bus),
		api.WithGateway(cfg.ContentStore.Gateway), api.WithLogger(logger))

	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", cfg.HTTP.Addr)
	if err := srv.ListenAndServe(ctx, cfg.HTTP.Addr); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}
	return nil
}
