package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/nightshift/internal/autonomy"
	"github.com/dyluth/nightshift/internal/dreamer"
	"github.com/dyluth/nightshift/internal/knowledge"
	"github.com/dyluth/nightshift/pkg/ledger"
)

// Coordinator is the experiment scheduling surface the loop depends on.
type Coordinator interface {
	ShouldExperiment(worker string) bool
	BeginExperiment(ctx context.Context, worker string, ectx dreamer.ExperimentContext) (string, *dreamer.Proposal, error)
	CompleteExperiment(ctx context.Context, id string, outcome dreamer.Outcome) (*ledger.ExperimentRecord, error)
}

// Exchange is the knowledge surface the loop depends on.
type Exchange interface {
	Publish(ctx context.Context, source, knowledgeType string, payload map[string]interface{}, confidence float64) (*ledger.KnowledgeItem, error)
	Consume(worker string) (*ledger.KnowledgeItem, bool)
	Freshness(item *ledger.KnowledgeItem, now time.Time) float64
}

// Gate screens proposed actions before they leave the process.
type Gate interface {
	Submit(ctx context.Context, proposal *autonomy.Proposal) (autonomy.Action, error)
}

// LoopConfig is the per-worker tuning of a loop.
type LoopConfig struct {
	Name          string
	Kind          string
	PrimaryMetric string
	Interval      time.Duration
	Jitter        float64 // Fraction of Interval, uniform in ±Jitter
	FlushEvery    int     // Cycles between stats flushes
	StatsBuffer   int     // Maximum unflushed deltas
	FlushTimeout  time.Duration
}

// Validate checks the loop settings.
func (c *LoopConfig) Validate() error {
	if c.Name == "" {
		return fmt.Errorf("worker name cannot be empty")
	}
	if c.Interval <= 0 {
		return fmt.Errorf("worker '%s': interval must be positive", c.Name)
	}
	if c.Jitter < 0 || c.Jitter >= 1 {
		return fmt.Errorf("worker '%s': jitter must be within [0,1)", c.Name)
	}
	if c.FlushEvery < 1 {
		return fmt.Errorf("worker '%s': flush interval must be >= 1 cycle", c.Name)
	}
	if c.StatsBuffer < 1 {
		return fmt.Errorf("worker '%s': stats buffer must be >= 1", c.Name)
	}
	if c.FlushTimeout <= 0 {
		return fmt.Errorf("worker '%s': flush timeout must be positive", c.Name)
	}
	return nil
}

// Loop runs one worker until its context is cancelled.
// Only the loop goroutine mutates counters; mu guards the health snapshot.
type Loop struct {
	cfg      LoopConfig
	kind     Kind
	coord    Coordinator
	exchange Exchange
	gate     Gate
	stats    *statsBuffer
	jitter   dreamer.Source
	applied  *knowledge.Applied
	logger   *zap.Logger
	now      func() time.Time

	baseline ledger.Metrics
	delta    ledger.StatsDelta

	mu     sync.Mutex
	health WorkerHealth
}

// NewLoop wires a loop. jitter supplies the sleep perturbation.
func NewLoop(cfg LoopConfig, kind Kind, coord Coordinator, exchange Exchange, gate Gate, sink StatsSink, jitter dreamer.Source, logger *zap.Logger) (*Loop, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if kind == nil || coord == nil || exchange == nil || gate == nil || sink == nil || jitter == nil {
		return nil, fmt.Errorf("worker '%s': all collaborators are required", cfg.Name)
	}

	logger = logger.Named("worker").With(zap.String("worker", cfg.Name))
	return &Loop{
		cfg:      cfg,
		kind:     kind,
		coord:    coord,
		exchange: exchange,
		gate:     gate,
		stats:    newStatsBuffer(sink, cfg.StatsBuffer, cfg.FlushTimeout, logger),
		jitter:   jitter,
		applied:  knowledge.NewApplied(4096),
		logger:   logger,
		now:      time.Now,
		delta:    ledger.StatsDelta{WorkerName: cfg.Name},
		health: WorkerHealth{
			Name:  cfg.Name,
			Kind:  cfg.Kind,
			State: StateIdle,
		},
	}, nil
}

// Name returns the worker name.
func (l *Loop) Name() string {
	return l.cfg.Name
}

// Kind returns the worker's routing kind.
func (l *Loop) Kind() string {
	return l.cfg.Kind
}

// Health returns a snapshot of the loop's counters and state.
func (l *Loop) Health() WorkerHealth {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.health
}

// Run executes cycles until ctx is cancelled. A cycle in progress when ctx is
// cancelled runs to completion; pending counters are flushed before returning.
func (l *Loop) Run(ctx context.Context) error {
	l.logger.Info("Worker loop started", zap.Duration("interval", l.cfg.Interval))

	// Cycles run detached from cancellation so bookkeeping always completes
	cycleCtx := context.WithoutCancel(ctx)

	for ctx.Err() == nil {
		l.runCycle(cycleCtx)

		if l.delta.Cycles >= int64(l.cfg.FlushEvery) {
			l.flushStats(cycleCtx)
		}

		l.setState(StateSleeping)
		timer := time.NewTimer(l.sleepDuration())
		select {
		case <-ctx.Done():
			timer.Stop()
		case <-timer.C:
		}
		l.setState(StateIdle)
	}

	l.setState(StateStopping)
	l.flushStats(cycleCtx)
	l.setState(StateStopped)

	h := l.Health()
	l.logger.Info("Worker loop stopped",
		zap.Int64("cycles_run", h.CyclesRun),
		zap.Int64("experiments_run", h.ExperimentsRun),
		zap.Int64("error_count", h.ErrorCount),
		zap.Int("pending_flushes", h.PendingFlushes))
	return nil
}

// sleepDuration returns interval·(1 ± jitter).
func (l *Loop) sleepDuration() time.Duration {
	factor := 1 + l.cfg.Jitter*(2*l.jitter.Float64()-1)
	return time.Duration(float64(l.cfg.Interval) * factor)
}

// runCycle executes one full cycle. It never returns an error: routine
// failures are counted and logged.
func (l *Loop) runCycle(ctx context.Context) {
	start := l.now()
	l.delta.Cycles++
	l.updateHealth(func(h *WorkerHealth) { h.CyclesRun++ })

	l.applyKnowledge(ctx)

	l.setState(StateDeciding)
	if l.baseline != nil && l.coord.ShouldExperiment(l.cfg.Name) {
		l.setState(StateExperimental)
		l.experimentalCycle(ctx)
	} else {
		l.setState(StateProduction)
		l.productionCycle(ctx)
	}

	end := l.now()
	elapsed := end.Sub(start).Milliseconds()
	l.delta.TotalTimeMs += elapsed
	l.delta.LastRunMs = end.UnixMilli()
	l.updateHealth(func(h *WorkerHealth) {
		h.TotalTimeMs += elapsed
		h.LastRunMs = end.UnixMilli()
	})
}

// applyKnowledge drains the inbox and hands unseen items to the kind, weighted by freshness.
func (l *Loop) applyKnowledge(ctx context.Context) {
	consumer, ok := l.kind.(KnowledgeConsumer)

	for {
		item, more := l.exchange.Consume(l.cfg.Name)
		if !more {
			return
		}
		if !ok || !l.applied.Mark(item.ID) {
			continue
		}

		freshness := l.exchange.Freshness(item, l.now())
		if err := consumer.ApplyKnowledge(ctx, item, freshness); err != nil {
			l.logger.Warn("Failed to apply knowledge",
				zap.String("item_id", item.ID),
				zap.String("type", item.KnowledgeType),
				zap.Error(err))
		}
	}
}

func (l *Loop) productionCycle(ctx context.Context) {
	result, err := l.kind.RunProduction(ctx)
	if err != nil {
		l.recordError(&RoutineError{Worker: l.cfg.Name, Mode: ModeProduction, Err: err})
		return
	}
	if result == nil {
		return
	}

	if len(result.Metrics) > 0 {
		l.baseline = result.Metrics.Clone()
	}

	for _, finding := range result.Findings {
		_, err := l.exchange.Publish(ctx, l.cfg.Name, finding.Type, finding.Payload, finding.Confidence)
		var vErr *knowledge.ValidationError
		switch {
		case errors.As(err, &vErr):
			l.logger.Warn("Finding rejected", zap.String("type", finding.Type), zap.Error(err))
		case err != nil:
			l.logger.Error("Failed to publish finding", zap.String("type", finding.Type), zap.Error(err))
		}
	}

	for i := range result.Proposals {
		proposal := result.Proposals[i]
		proposal.Worker = l.cfg.Name
		action, err := l.gate.Submit(ctx, &proposal)
		if err != nil {
			l.logger.Error("Proposed action failed",
				zap.String("summary", proposal.Summary),
				zap.String("action", string(action)),
				zap.Error(err))
		}
	}
}

func (l *Loop) experimentalCycle(ctx context.Context) {
	id, proposal, err := l.coord.BeginExperiment(ctx, l.cfg.Name, dreamer.ExperimentContext{
		Kind:          l.cfg.Kind,
		PrimaryMetric: l.cfg.PrimaryMetric,
		Baseline:      l.baseline.Clone(),
		CyclesRun:     l.Health().CyclesRun,
	})
	if err != nil {
		// No record exists: the cycle is skipped and counted as an error
		l.recordError(err)
		return
	}

	l.delta.Experiments++
	l.updateHealth(func(h *WorkerHealth) { h.ExperimentsRun++ })

	outcome := dreamer.Outcome{}
	result, err := l.kind.RunExperimental(ctx, proposal)
	switch {
	case err != nil:
		l.recordError(&RoutineError{Worker: l.cfg.Name, Mode: ModeExperimental, Err: err})
		outcome.Failed = true
		outcome.Reason = err.Error()
	case result == nil:
		outcome.Failed = true
		outcome.Reason = "experimental routine returned no result"
	default:
		outcome.ResultMetrics = result.Metrics
		outcome.Success = result.Success
	}

	if _, err := l.coord.CompleteExperiment(ctx, id, outcome); err != nil {
		var acErr *dreamer.AlreadyCompletedError
		if errors.As(err, &acErr) {
			return
		}
		l.recordError(fmt.Errorf("failed to complete experiment %s: %w", id, err))
	}
}

func (l *Loop) recordError(err error) {
	l.delta.Errors++
	l.updateHealth(func(h *WorkerHealth) {
		h.ErrorCount++
		h.LastError = err.Error()
	})
	l.logger.Warn("Cycle error", zap.Error(err))
}

// flushStats queues the current delta and writes everything buffered.
func (l *Loop) flushStats(ctx context.Context) {
	delta := l.delta
	l.delta = ledger.StatsDelta{WorkerName: l.cfg.Name}
	l.stats.add(&delta)

	_ = l.stats.flush(ctx)

	l.updateHealth(func(h *WorkerHealth) {
		h.PendingFlushes = l.stats.size()
		h.DroppedFlushes = l.stats.dropped
	})
}

func (l *Loop) setState(state State) {
	l.updateHealth(func(h *WorkerHealth) { h.State = state })
}

func (l *Loop) updateHealth(fn func(h *WorkerHealth)) {
	l.mu.Lock()
	fn(&l.health)
	l.mu.Unlock()
}
