// Package dreamer owns the experiment lifecycle: when experiments run, how
// their outcomes are recorded, and which ones are promoted.
package dreamer

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dyluth/nightshift/pkg/ledger"
)

// SuccessfulFixType is the knowledge type emitted for promoted experiments.
const SuccessfulFixType = "successful_fix"

// promotionConfidence is the confidence attached to knowledge from a promoted experiment.
const promotionConfidence = 0.9

// Ledger is the slice of the store the coordinator needs.
type Ledger interface {
	CreateExperiment(ctx context.Context, rec *ledger.ExperimentRecord) error
	GetExperiment(ctx context.Context, id string) (*ledger.ExperimentRecord, error)
	CompleteExperiment(ctx context.Context, id string, outcome *ledger.Outcome) (*ledger.ExperimentRecord, error)
}

// Publisher shares promoted experiments with other workers.
type Publisher interface {
	Publish(ctx context.Context, source, knowledgeType string, payload map[string]interface{}, confidence float64) (*ledger.KnowledgeItem, error)
}

// Outcome is what a worker reports at the end of an experimental cycle.
// Failed means the routine could not execute; ResultMetrics are then optional.
type Outcome struct {
	ResultMetrics ledger.Metrics
	Success       bool
	Failed        bool
	Reason        string
}

// Dreamer is the coordinator. It is the only writer of experiment outcomes.
// All methods are safe for concurrent use.
type Dreamer struct {
	store     Ledger
	generator ProposalGenerator
	publisher Publisher
	source    Source
	settings  Settings
	logger    *zap.Logger
	now       func() time.Time

	completions keyedMutex
}

// New creates a coordinator. publisher may be nil, in which case promotions are not shared.
func New(store Ledger, generator ProposalGenerator, publisher Publisher, source Source, settings Settings, logger *zap.Logger) (*Dreamer, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if generator == nil {
		return nil, fmt.Errorf("proposal generator cannot be nil")
	}
	if source == nil {
		return nil, fmt.Errorf("random source cannot be nil")
	}
	if settings.ExperimentRate < 0 || settings.ExperimentRate > 1 {
		return nil, fmt.Errorf("experiment rate must be within [0,1], got %v", settings.ExperimentRate)
	}
	if settings.PromotionThreshold < 0 {
		return nil, fmt.Errorf("promotion threshold must be >= 0, got %v", settings.PromotionThreshold)
	}
	if settings.ProposalTimeout <= 0 {
		return nil, fmt.Errorf("proposal timeout must be positive")
	}

	return &Dreamer{
		store:     store,
		generator: generator,
		publisher: publisher,
		source:    source,
		settings:  settings,
		logger:    logger.Named("dreamer"),
		now:       time.Now,
	}, nil
}

// ShouldExperiment draws an independent Bernoulli trial at the configured rate.
func (d *Dreamer) ShouldExperiment(worker string) bool {
	return d.source.Float64() < d.settings.ExperimentRate
}

// BeginExperiment obtains a proposal and records a running experiment against the baseline.
// Generator failures return *ProposalGenerationError and record nothing.
func (d *Dreamer) BeginExperiment(ctx context.Context, worker string, ectx ExperimentContext) (string, *Proposal, error) {
	ectx.Worker = worker

	proposeCtx, cancel := context.WithTimeout(ctx, d.settings.ProposalTimeout)
	proposal, err := d.generator.Propose(proposeCtx, worker, ectx)
	cancel()
	if err != nil {
		return "", nil, &ProposalGenerationError{Worker: worker, Err: err}
	}
	if proposal == nil {
		return "", nil, &ProposalGenerationError{Worker: worker, Err: errors.New("generator returned no proposal")}
	}
	if err := proposal.Validate(); err != nil {
		return "", nil, &ProposalGenerationError{Worker: worker, Err: err}
	}

	primary := primaryMetric(proposal.TargetMetrics, ectx)
	if _, ok := ectx.Baseline[primary]; !ok {
		return "", nil, fmt.Errorf("baseline for worker '%s' has no value for primary metric %q", worker, primary)
	}

	rec := &ledger.ExperimentRecord{
		ID:              uuid.New().String(),
		WorkerName:      worker,
		Name:            proposal.Name,
		Hypothesis:      proposal.Hypothesis,
		Approach:        proposal.Approach,
		PrimaryMetric:   primary,
		TargetMetrics:   proposal.TargetMetrics,
		BaselineMetrics: ectx.Baseline.Clone(),
		Status:          ledger.ExperimentStatusRunning,
		StartedAtMs:     d.now().UnixMilli(),
	}
	if rec.Name == "" {
		rec.Name = "experiment-" + rec.ID[:8]
		proposal.Name = rec.Name
	}

	if err := d.store.CreateExperiment(ctx, rec); err != nil {
		return "", nil, fmt.Errorf("failed to record experiment: %w", err)
	}

	d.logger.Info("Experiment started",
		zap.String("experiment_id", rec.ID),
		zap.String("worker", worker),
		zap.String("name", rec.Name),
		zap.String("primary_metric", primary),
		zap.Float64("baseline", rec.BaselineMetrics[primary]))

	return rec.ID, proposal, nil
}

// primaryMetric is the first target metric present in the baseline,
// falling back to the worker's configured primary metric.
func primaryMetric(targets []string, ectx ExperimentContext) string {
	for _, name := range targets {
		if _, ok := ectx.Baseline[name]; ok {
			return name
		}
	}
	return ectx.PrimaryMetric
}

// CompleteExperiment records the single outcome of a running experiment and applies
// the promotion rule. A second call for the same ID returns *AlreadyCompletedError.
func (d *Dreamer) CompleteExperiment(ctx context.Context, id string, outcome Outcome) (*ledger.ExperimentRecord, error) {
	unlock := d.completions.Lock(id)
	defer unlock()

	rec, err := d.store.GetExperiment(ctx, id)
	if err != nil {
		return nil, fmt.Errorf("failed to load experiment %s: %w", id, err)
	}
	if rec.Status.Terminal() {
		return nil, d.alreadyCompleted(rec)
	}

	result := d.evaluate(rec, outcome)

	updated, err := d.store.CompleteExperiment(ctx, id, result)
	if ledger.IsAlreadyCompleted(err) {
		return nil, d.alreadyCompleted(rec)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to record outcome for experiment %s: %w", id, err)
	}

	fields := []zap.Field{
		zap.String("experiment_id", id),
		zap.String("worker", updated.WorkerName),
		zap.String("status", string(updated.Status)),
		zap.Bool("promoted", updated.Promoted),
	}
	if updated.Improvement != nil {
		fields = append(fields, zap.Float64("improvement", *updated.Improvement))
	}
	if updated.FailureReason != "" {
		fields = append(fields, zap.String("reason", updated.FailureReason))
	}
	d.logger.Info("Experiment completed", fields...)

	if updated.Promoted {
		d.sharePromotion(ctx, updated)
	}
	return updated, nil
}

// evaluate turns a reported outcome into the ledger update.
func (d *Dreamer) evaluate(rec *ledger.ExperimentRecord, outcome Outcome) *ledger.Outcome {
	completedAt := d.now().UnixMilli()
	if completedAt < rec.StartedAtMs {
		completedAt = rec.StartedAtMs
	}
	if completedAt <= 0 {
		completedAt = 1
	}

	if outcome.Failed {
		reason := outcome.Reason
		if reason == "" {
			reason = "experimental routine failed"
		}
		return &ledger.Outcome{
			Status:        ledger.ExperimentStatusFailed,
			ResultMetrics: outcome.ResultMetrics,
			FailureReason: reason,
			CompletedAtMs: completedAt,
		}
	}

	result, ok := outcome.ResultMetrics[rec.PrimaryMetric]
	if !ok {
		return &ledger.Outcome{
			Status:        ledger.ExperimentStatusFailed,
			ResultMetrics: outcome.ResultMetrics,
			FailureReason: fmt.Sprintf("primary metric %q missing from result", rec.PrimaryMetric),
			CompletedAtMs: completedAt,
		}
	}

	improvement := ledger.Improvement(rec.BaselineMetrics[rec.PrimaryMetric], result)
	success := outcome.Success
	return &ledger.Outcome{
		Status:        ledger.ExperimentStatusCompleted,
		ResultMetrics: outcome.ResultMetrics,
		Success:       &success,
		Improvement:   &improvement,
		Promoted:      success && improvement >= d.settings.PromotionThreshold,
		CompletedAtMs: completedAt,
	}
}

func (d *Dreamer) alreadyCompleted(rec *ledger.ExperimentRecord) error {
	d.logger.Warn("Duplicate experiment completion discarded",
		zap.String("experiment_id", rec.ID),
		zap.String("worker", rec.WorkerName))
	return &AlreadyCompletedError{ExperimentID: rec.ID}
}

// sharePromotion emits a successful_fix item. Failure is logged, never returned:
// the outcome is already durable.
func (d *Dreamer) sharePromotion(ctx context.Context, rec *ledger.ExperimentRecord) {
	if d.publisher == nil {
		return
	}

	payload := map[string]interface{}{
		"experiment_id":  rec.ID,
		"name":           rec.Name,
		"hypothesis":     rec.Hypothesis,
		"approach":       rec.Approach,
		"primary_metric": rec.PrimaryMetric,
		"improvement":    *rec.Improvement,
	}
	if _, err := d.publisher.Publish(ctx, rec.WorkerName, SuccessfulFixType, payload, promotionConfidence); err != nil {
		d.logger.Error("Failed to publish promoted experiment",
			zap.String("experiment_id", rec.ID),
			zap.Error(err))
	}
}
