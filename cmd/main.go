// Supervisor Server
//
// Runs the request supervisor behind a gRPC session stream and, optionally,
// an HTTP API. The run command serves one NDJSON stream over stdin/stdout.
//
// Usage:
//
//	supervisor serve                          # gRPC :50051, HTTP :8080
//	supervisor serve --config supervisor.yaml
//	supervisor run < requests.ndjson
//	SUPERVISOR_LOG_LEVEL=debug supervisor serve
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap/zapcore"

	"github.com/jeeves-cluster-organization/supervisor/coreengine/config"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/envelope"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/grpc"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/httpapi"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/logging"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/observability"
	"github.com/jeeves-cluster-organization/supervisor/coreengine/transport"
)

var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type rootOptions struct {
	configPath string
	logLevel   string
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "supervisor",
		Short: "Request supervisor for rule and content workflows",
		Long: `supervisor classifies inbound requests, walks the matching workflow
graph one step at a time and suspends for human review when a step asks for it.

Configuration is read from --config (YAML), then SUPERVISOR_* environment
variables. A .env file in the working directory is loaded first.`,
		Version:      version,
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to YAML config file")
	root.PersistentFlags().StringVar(&opts.logLevel, "log-level", "", "override log.level (debug, info, warn, error)")

	root.AddCommand(newServeCmd(opts))
	root.AddCommand(newRunCmd(opts))
	root.AddCommand(newVersionCmd())
	return root
}

// loadConfig applies flag overrides on top of the loaded configuration.
func (o *rootOptions) loadConfig() (*config.Config, error) {
	cfg, err := config.Load(o.configPath)
	if err != nil {
		return nil, err
	}
	if o.logLevel != "" {
		cfg.Log.Level = o.logLevel
		if err := cfg.Validate(); err != nil {
			return nil, err
		}
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, out io.Writer) (*logging.Logger, error) {
	opts := logging.Options{
		Level:  cfg.Log.Level,
		Format: cfg.Log.Format,
		Fields: map[string]string{"service": cfg.Observability.ServiceName},
	}
	if out != nil {
		opts.Output = zapcore.Lock(zapcore.AddSync(out))
	}
	return logging.New(opts)
}

// =============================================================================
// SERVE
// =============================================================================

func newServeCmd(opts *rootOptions) *cobra.Command {
	var grpcAddr, httpAddr string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve session streams over gRPC and the HTTP API",
		Long: `Serve starts the gRPC session service and, unless http.address is empty,
the HTTP API. It stops gracefully on SIGINT or SIGTERM.

Examples:
  supervisor serve
  supervisor serve --grpc-addr :7000 --http-addr ""`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			if cmd.Flags().Changed("grpc-addr") {
				cfg.GRPC.Address = grpcAddr
			}
			if cmd.Flags().Changed("http-addr") {
				cfg.HTTP.Address = httpAddr
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServe(ctx, cfg)
		},
	}
	cmd.Flags().StringVar(&grpcAddr, "grpc-addr", "", "override grpc.address")
	cmd.Flags().StringVar(&httpAddr, "http-addr", "", "override http.address (empty disables)")
	return cmd
}

func runServe(ctx context.Context, cfg *config.Config) error {
	logger, err := newLogger(cfg, nil)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	logger.Info("supervisor_starting",
		"version", version,
		"grpc_address", cfg.GRPC.Address,
		"http_address", cfg.HTTP.Address,
	)

	shutdownTracer, err := observability.InitTracer(ctx, cfg.TracerConfig())
	if err != nil {
		return fmt.Errorf("failed to initialize tracing: %w", err)
	}
	defer func() {
		tctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := shutdownTracer(tctx); err != nil {
			logger.Warn("tracer_shutdown_failed", "error", err.Error())
		}
	}()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	stopCleanup := a.manager.StartCleanupLoop()
	defer stopCleanup()

	gs, err := grpc.NewGracefulServer(grpc.NewSessionServer(logger, a.sup), cfg.GRPC.Address)
	if err != nil {
		return err
	}

	errCh := make(chan error, 2)
	go func() {
		// Shutdown is driven below so it can be bounded by shutdown_timeout.
		if err := gs.Start(context.WithoutCancel(ctx)); err != nil {
			errCh <- fmt.Errorf("grpc server: %w", err)
		}
	}()

	var httpServer *httpapi.Server
	if cfg.HTTP.Address != "" {
		httpServer, err = httpapi.NewServer(httpapi.Deps{
			Manager: a.manager,
			Engine:  a.engine,
			Bus:     a.bus,
			Logger:  logger,
		}, &httpapi.Config{Address: cfg.HTTP.Address})
		if err != nil {
			gs.Stop()
			return err
		}
		go func() {
			if err := httpServer.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				errCh <- fmt.Errorf("http server: %w", err)
			}
		}()
	}

	logger.Info("supervisor_serving")

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown_signal_received", "reason", context.Cause(ctx).Error())
	case runErr = <-errCh:
		logger.Error("server_failed", "error", runErr.Error())
	}

	if httpServer != nil {
		hctx, cancel := context.WithTimeout(context.Background(), cfg.GRPC.ShutdownTimeout)
		if err := httpServer.Shutdown(hctx); err != nil {
			logger.Warn("http_shutdown_failed", "error", err.Error())
		}
		cancel()
	}
	gs.ShutdownWithTimeout(cfg.GRPC.ShutdownTimeout)
	logger.Info("supervisor_stopped")
	return runErr
}

// =============================================================================
// RUN
// =============================================================================

func newRunCmd(opts *rootOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Serve one NDJSON envelope stream over stdin and stdout",
		Long: `Run reads one request envelope per line from stdin and writes every
response envelope as one line to stdout. Logs go to stderr.

Lines that do not decode are answered with a malformed_envelope error
envelope and the stream continues.

Examples:
  supervisor run < requests.ndjson
  supervisor run --session-id sess_local < requests.ndjson`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runStdio(ctx, cfg, sessionID, cmd.InOrStdin(), cmd.OutOrStdout(), cmd.ErrOrStderr())
		},
	}
	cmd.Flags().StringVar(&sessionID, "session-id", "", "session ID used for rejected lines (default: generated)")
	return cmd
}

func runStdio(ctx context.Context, cfg *config.Config, sessionID string, in io.Reader, out, logOut io.Writer) error {
	logger, err := newLogger(cfg, logOut)
	if err != nil {
		return err
	}
	defer func() { _ = logger.Sync() }()

	a, err := buildApp(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer a.Close()

	if sessionID == "" {
		sessionID = envelope.NewSessionID()
	}
	return transport.Serve(ctx, in, out, a.manager, sessionID, logger)
}

// =============================================================================
// VERSION
// =============================================================================

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "supervisor %s (protocol %s)\n", version, envelope.ProtocolVersion)
		},
	}
}
