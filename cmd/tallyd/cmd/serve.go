package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/marmos91/tallyd/internal/logger"
	"github.com/marmos91/tallyd/pkg/config"
	"github.com/marmos91/tallyd/pkg/protocol"
	"github.com/marmos91/tallyd/pkg/server"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the tallyd server",
	Long: `Start the registry and every enabled adapter. SIGINT or SIGTERM stops
accepting clients, lets in-flight commands finish and exits once connections
have drained or the shutdown timeout expires.`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return err
	}

	logCloser, err := logger.Configure(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.Output)
	if err != nil {
		return err
	}
	defer func() { _ = logCloser.Close() }()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	return serve(ctx, cfg)
}

// serve wires the configured components together and blocks until ctx is
// cancelled or an adapter fails.
func serve(ctx context.Context, cfg *config.Config) error {
	logger.Info("tallyd v%s starting (log level %s)", Version, cfg.Logging.Level)

	metricsResult := config.InitializeMetrics(cfg)

	j, err := config.CreateJournal(ctx, &cfg.Journal)
	if err != nil {
		return fmt.Errorf("failed to create journal: %w", err)
	}

	reg, err := config.InitializeRegistry(ctx, cfg, j, metricsResult.LedgerMetrics)
	if err != nil {
		_ = j.Close()
		return fmt.Errorf("failed to initialize registry: %w", err)
	}

	srv := server.New(protocol.NewDispatcher(reg))
	srv.StopTimeout = cfg.Server.ShutdownTimeout
	srv.AddCloser("journal", j)

	adapters, err := config.CreateAdapters(cfg, metricsResult.TCPMetrics)
	if err != nil {
		_ = j.Close()
		return err
	}
	for _, a := range adapters {
		if err := srv.AddAdapter(a); err != nil {
			_ = j.Close()
			return err
		}
	}

	serveCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	var metricsDone chan error
	if metricsResult.Server != nil {
		metricsDone = make(chan error, 1)
		go func() { metricsDone <- metricsResult.Server.Start(serveCtx) }()
	}

	logger.Info("Server is running. Press Ctrl+C to stop.")
	serveErr := srv.Serve(serveCtx)

	// Adapters are down; release the metrics endpoint too
	cancel()
	if metricsDone != nil {
		if err := <-metricsDone; err != nil {
			logger.Warn("Metrics server: %v", err)
		}
	}

	if serveErr != nil {
		logger.Error("Server stopped with error: %v", serveErr)
		return serveErr
	}

	logger.Info("Server stopped gracefully")
	return nil
}
