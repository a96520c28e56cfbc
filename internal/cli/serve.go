package cli

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/txgate/internal/coordinator"
	"github.com/roach88/txgate/internal/gate"
	"github.com/roach88/txgate/internal/journal"
	"github.com/roach88/txgate/internal/session"
	"github.com/roach88/txgate/internal/transport"
)

// ServeOptions holds flags for the serve command.
type ServeOptions struct {
	*RootOptions
	ConfigFile string
	Addr       string // overrides server.addr
	Database   string // overrides journal.path
}

// NewServeCommand creates the serve command.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &ServeOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve sessions over HTTP",
		Long: `Start the HTTP server.

Each session keeps an in-memory key/value document. Writers modify it
under POST /sessions/{id}/write/{action} with the X-Tx header; readers
render it under GET /sessions/{id}/read/{resource}. With --db every gate
decision is journaled for txgate trace.

Examples:
  txgate serve
  txgate serve --config txgate.cue
  txgate serve --addr 127.0.0.1:9000 --db ./journal.db --verbose`,
		Args:          cobra.NoArgs,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runServe(opts, cmd)
		},
	}

	cmd.Flags().StringVar(&opts.ConfigFile, "config", "", "path to CUE config file")
	cmd.Flags().StringVar(&opts.Addr, "addr", "", "listen address (overrides config)")
	cmd.Flags().StringVar(&opts.Database, "db", "", "path to journal database (overrides config)")

	return cmd
}

func runServe(opts *ServeOptions, cmd *cobra.Command) error {
	cfg, err := loadConfig(opts.ConfigFile)
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid configuration", err)
	}
	if opts.Addr != "" {
		cfg.Server.Addr = opts.Addr
	}
	if opts.Database != "" {
		cfg.Journal.Path = opts.Database
	}

	logger := newLogger(cmd.ErrOrStderr(), opts.Verbose, cfg.Log.Level)

	factory, err := gate.NewFactory(cfg.Gate, gate.WithFactoryLogger(logger))
	if err != nil {
		return WrapExitError(ExitCommandError, "invalid gate configuration", err)
	}
	sessions := session.NewManager(factory, session.WithLogger(logger))

	copts := []coordinator.Option{coordinator.WithLogger(logger)}
	if cfg.Journal.Path != "" {
		logger.Info("opening journal", "path", cfg.Journal.Path)
		st, err := journal.Open(cfg.Journal.Path)
		if err != nil {
			return WrapExitError(ExitCommandError, "failed to open journal", err)
		}
		defer func() {
			if closeErr := st.Close(); closeErr != nil {
				logger.Error("error closing journal", "error", closeErr)
			}
		}()
		copts = append(copts, coordinator.WithRecorder(st))
	}

	srv := transport.NewServer(sessions, coordinator.New(copts...), transport.NewMemoryApp(),
		transport.WithLogger(logger))

	parentCtx := cmd.Context()
	if parentCtx == nil {
		parentCtx = context.Background()
	}
	ctx, stop := signal.NotifyContext(parentCtx, os.Interrupt, syscall.SIGTERM)
	defer stop()

	fmt.Fprintf(cmd.OutOrStdout(), "Listening on %s. Press Ctrl-C to stop.\n", cfg.Server.Addr)
	if err := srv.ListenAndServe(ctx, cfg.Server.Addr); err != nil {
		return WrapExitError(ExitFailure, "server error", err)
	}

	logger.Info("server stopped gracefully")
	return nil
}
