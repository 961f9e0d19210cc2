package cli

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/roach88/blobcore/internal/config"
	"github.com/roach88/blobcore/internal/principal"
)

// DaemonOptions holds the flags shared by serve and node. Each overrides
// the configuration key of the same name.
type DaemonOptions struct {
	*RootOptions
	Listen    string
	Database  string
	PublicURL string
}

func (o *DaemonOptions) addFlags(cmd *cobra.Command) {
	cmd.Flags().StringVar(&o.Listen, "listen", "", "host:port to listen on (overrides listen)")
	cmd.Flags().StringVar(&o.Database, "db", "", "path to SQLite database (overrides database)")
	cmd.Flags().StringVar(&o.PublicURL, "public-url", "", "externally reachable base URL (overrides public_url)")
}

// effectiveConfig loads the configuration, applies flag overrides and
// validates the result.
func (o *DaemonOptions) effectiveConfig(cmd *cobra.Command) (*config.Config, *principal.Signer, error) {
	cfg, err := o.loadConfig()
	if err != nil {
		return nil, nil, err
	}
	flags := cmd.Flags()
	if flags.Changed("listen") {
		cfg.Listen = o.Listen
	}
	if flags.Changed("db") {
		cfg.Database = o.Database
	}
	if flags.Changed("public-url") {
		cfg.PublicURL = o.PublicURL
	}
	if err := cfg.Validate(); err != nil {
		return nil, nil, WrapExitError(ExitFailure, "invalid configuration", err)
	}
	signer, err := cfg.Signer()
	if err != nil {
		return nil, nil, WrapExitError(ExitFailure, "invalid identity", err)
	}
	return cfg, signer, nil
}

type daemonBuilder func(ctx context.Context, cfg *config.Config, signer *principal.Signer) (*daemon, error)

// runDaemon builds a daemon and serves it until SIGINT or SIGTERM.
func runDaemon(cmd *cobra.Command, opts *DaemonOptions, role string, build daemonBuilder) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	cfg, signer, err := opts.effectiveConfig(cmd)
	if err != nil {
		return err
	}

	shutdown, err := initTelemetry(ctx, TelemetryConfig{
		ServiceName: "blobcore-" + role,
		Export:      cfg.Tracing,
		Writer:      cmd.ErrOrStderr(),
	})
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start telemetry", err)
	}
	defer func() {
		if err := shutdown(context.Background()); err != nil {
			slog.Warn("telemetry shutdown failed", "error", err)
		}
	}()

	d, err := build(ctx, cfg, signer)
	if err != nil {
		return WrapExitError(ExitCommandError, "failed to start "+role, err)
	}
	defer func() {
		if err := d.Close(); err != nil {
			slog.Error("close store failed", "error", err)
		}
	}()

	slog.Info("starting "+role, "did", signer.DID(), "database", cfg.Database, "public_url", cfg.PublicURL)
	if err := listenAndServe(ctx, cfg.Listen, d.handler, nil); err != nil {
		return WrapExitError(ExitCommandError, role+" stopped", err)
	}
	return nil
}

// NewServeCommand creates the serve command, which runs the upload service.
func NewServeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}
	var settings serviceSettings

	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the upload service",
		Long: `Run the upload service: blob allocation and acceptance, replication
to storage providers, receipt conclusion and index publication.

Agent messages are served at / and blob uploads and downloads under /blob/.

Examples:
  blobcore serve --config service.yaml
  blobcore serve --config service.yaml --listen 0.0.0.0:8080 --db /var/lib/blobcore/service.db`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts, "service", func(ctx context.Context, cfg *config.Config, signer *principal.Signer) (*daemon, error) {
				return newServiceDaemon(ctx, cfg, signer, settings)
			})
		},
	}
	opts.addFlags(cmd)
	cmd.Flags().BoolVar(&settings.retryFailed, "retry-failed", false, "let replication choose providers whose earlier allocation failed")

	return cmd
}

// NewNodeCommand creates the node command, which runs a storage node.
func NewNodeCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &DaemonOptions{RootOptions: rootOpts}

	cmd := &cobra.Command{
		Use:   "node",
		Short: "Run a storage node",
		Long: `Run a storage node that takes blob allocations and replicas from an
upload service. The configuration must name the upload_service that
transfer receipts are concluded to.

Examples:
  blobcore node --config node.yaml`,
		SilenceUsage:  true,
		SilenceErrors: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runDaemon(cmd, opts, "node", newNodeDaemon)
		},
	}
	opts.addFlags(cmd)

	return cmd
}
