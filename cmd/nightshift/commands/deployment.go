package commands

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/dyluth/nightshift/internal/autonomy"
	"github.com/dyluth/nightshift/internal/config"
	"github.com/dyluth/nightshift/internal/dreamer"
	"github.com/dyluth/nightshift/internal/knowledge"
	"github.com/dyluth/nightshift/internal/routine"
	"github.com/dyluth/nightshift/internal/worker"
	"github.com/dyluth/nightshift/pkg/ledger"
)

// deployment is every long-lived component of `nightshift run`.
type deployment struct {
	exchange    *knowledge.Exchange
	coordinator *dreamer.Dreamer
	gate        *autonomy.Gate
	supervisor  *worker.Supervisor
	health      *worker.HealthServer
}

// newDeployment wires the components for cfg. Each worker gets its own
// random source derived from seed so jitter is independent across loops.
func newDeployment(cfg *config.Config, store ledger.Store, seed int64, logger *zap.Logger) (*deployment, error) {
	exchange, err := knowledge.NewExchange(store, knowledge.SpecsFromConfig(cfg.Knowledge), cfg.Knowledge.InboxSize, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create knowledge exchange: %w", err)
	}

	generator, err := dreamer.GeneratorFromConfig(cfg.Dreamer)
	if err != nil {
		return nil, fmt.Errorf("failed to create proposal generator: %w", err)
	}

	coordinator, err := dreamer.New(store, generator, exchange, dreamer.NewSource(seed), dreamer.SettingsFromConfig(cfg.Dreamer), logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create dreamer: %w", err)
	}

	level, thresholds, err := autonomy.FromConfig(cfg.Autonomy)
	if err != nil {
		return nil, fmt.Errorf("invalid autonomy settings: %w", err)
	}

	var executor autonomy.Executor = &autonomy.LogExecutor{Logger: logger.Named("executor")}
	if len(cfg.Autonomy.ExecutorCommand) > 0 {
		executor = &autonomy.CommandExecutor{
			Command: cfg.Autonomy.ExecutorCommand,
			Timeout: cfg.Autonomy.ExecutorTimeout.Duration,
			Logger:  logger.Named("executor"),
		}
	}

	gate, err := autonomy.NewGate(level, thresholds, executor, logger)
	if err != nil {
		return nil, fmt.Errorf("failed to create autonomy gate: %w", err)
	}

	names := cfg.WorkerNames()
	loops := make([]*worker.Loop, 0, len(names))
	for i, name := range names {
		w := cfg.Workers[name]

		kind, err := routine.NewCommandKind(name, w)
		if err != nil {
			return nil, err
		}

		loop, err := worker.NewLoop(worker.LoopConfig{
			Name:          name,
			Kind:          w.Kind,
			PrimaryMetric: w.PrimaryMetric,
			Interval:      w.Interval.Duration,
			Jitter:        *cfg.Loop.Jitter,
			FlushEvery:    cfg.Loop.FlushEvery,
			StatsBuffer:   cfg.Loop.StatsBuffer,
			FlushTimeout:  cfg.Loop.FlushTimeout.Duration,
		}, kind, coordinator, exchange, gate, store, dreamer.NewSource(seed+int64(i)+1), logger)
		if err != nil {
			return nil, err
		}
		loops = append(loops, loop)
	}

	supervisor, err := worker.NewSupervisor(store, exchange, loops, cfg.Supervisor.ShutdownTimeout.Duration, logger)
	if err != nil {
		return nil, err
	}

	d := &deployment{
		exchange:    exchange,
		coordinator: coordinator,
		gate:        gate,
		supervisor:  supervisor,
	}
	if !cfg.Supervisor.DisableHealth {
		d.health = worker.NewHealthServer(cfg.Supervisor.HealthAddr, store, supervisor, logger)
	}
	return d, nil
}

// start launches the workers and then the health endpoint.
func (d *deployment) start(ctx context.Context) error {
	if err := d.supervisor.Start(ctx); err != nil {
		return err
	}
	if d.health != nil {
		if err := d.health.Start(); err != nil {
			_ = d.supervisor.Stop()
			return err
		}
	}
	return nil
}

// stop shuts the health endpoint down and waits for the workers.
func (d *deployment) stop(ctx context.Context) error {
	if d.health != nil {
		if err := d.health.Shutdown(ctx); err != nil {
			return fmt.Errorf("failed to stop health server: %w", err)
		}
	}
	return d.supervisor.Stop()
}
