package commands

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/dyluth/nightshift/internal/logging"
	"github.com/dyluth/nightshift/internal/printer"
)

var runSeed int64

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Run every configured worker until interrupted",
	Long: `Run loads the configuration, connects to the store and starts one loop per
worker. Each loop alternates production and experimental cycles. On SIGINT or
SIGTERM every loop finishes its current cycle, flushes its counters and stops;
loops that exceed supervisor.shutdown_timeout are abandoned.

Examples:
  # Run with ./nightshift.yml
  nightshift run

  # Run a specific config with a fixed random seed
  nightshift run -c deploy/nightshift.yml --seed 42`,
	RunE: runRun,
}

func init() {
	runCmd.Flags().Int64Var(&runSeed, "seed", 0, "Random seed for experiment scheduling and jitter (0 = time based)")
	rootCmd.AddCommand(runCmd)
}

func runRun(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	logger, err := logging.New(cfg.Logging.Level, cfg.Logging.Format, verbose)
	if err != nil {
		return printer.Error("failed to initialize logging", err.Error(), nil)
	}
	defer logger.Sync()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	store, err := openStore(ctx, cfg, logger)
	if err != nil {
		return printer.ErrorWithContext("store unavailable", err.Error(),
			map[string]string{"Backend": cfg.Store.Backend, "Instance": cfg.Instance}, nil)
	}
	defer store.Close()

	seed := runSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	d, err := newDeployment(cfg, store, seed, logger)
	if err != nil {
		return printer.Error("failed to build deployment", err.Error(), nil)
	}
	if err := d.start(ctx); err != nil {
		return printer.Error("failed to start workers", err.Error(), nil)
	}

	logger.Info("Nightshift running",
		zap.String("instance", cfg.Instance),
		zap.String("backend", cfg.Store.Backend),
		zap.Strings("workers", cfg.WorkerNames()),
		zap.Int64("seed", seed))

	<-ctx.Done()
	logger.Info("Shutdown signal received, stopping workers")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Supervisor.ShutdownTimeout.Duration)
	defer cancel()
	if err := d.stop(shutdownCtx); err != nil {
		logger.Error("Shutdown incomplete", zap.Error(err))
		return err
	}

	logger.Info("Nightshift stopped")
	return nil
}
