package ledger

import (
	"fmt"
	"math"

	"github.com/google/uuid"
)

// Epsilon bounds the improvement denominator so a zero baseline never divides by zero.
const Epsilon = 1e-9

// Metrics maps a metric name to its value. Callers normalise every metric so
// that a higher value is always better before reporting it.
type Metrics map[string]float64

// Clone returns a copy that can be stored without aliasing the caller's map.
func (m Metrics) Clone() Metrics {
	out := make(Metrics, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// ExperimentStatus is the lifecycle state of an experiment record.
type ExperimentStatus string

const (
	// ExperimentStatusRunning marks an experiment whose outcome has not been reported
	ExperimentStatusRunning ExperimentStatus = "running"

	// ExperimentStatusCompleted marks an experiment that produced result metrics
	ExperimentStatusCompleted ExperimentStatus = "completed"

	// ExperimentStatusFailed marks an experiment whose routine failed to execute
	ExperimentStatusFailed ExperimentStatus = "failed"
)

// Validate checks if the ExperimentStatus is a valid enum value.
func (s ExperimentStatus) Validate() error {
	switch s {
	case ExperimentStatusRunning, ExperimentStatusCompleted, ExperimentStatusFailed:
		return nil
	default:
		return fmt.Errorf("unknown experiment status: %q", s)
	}
}

// Terminal reports whether no further transition is allowed from this status.
func (s ExperimentStatus) Terminal() bool {
	return s == ExperimentStatusCompleted || s == ExperimentStatusFailed
}

// ExperimentRecord is the audit trail of a single experimental cycle.
// It is created in the running state and receives exactly one outcome.
type ExperimentRecord struct {
	ID              string           `json:"id"`
	WorkerName      string           `json:"worker_name"`
	Name            string           `json:"name"`
	Hypothesis      string           `json:"hypothesis"`
	Approach        string           `json:"approach"`
	PrimaryMetric   string           `json:"primary_metric"`
	TargetMetrics   []string         `json:"target_metrics"`
	BaselineMetrics Metrics          `json:"baseline_metrics"`
	ResultMetrics   Metrics          `json:"result_metrics,omitempty"`
	Status          ExperimentStatus `json:"status"`
	Success         *bool            `json:"success,omitempty"`
	Improvement     *float64         `json:"improvement,omitempty"`
	Promoted        bool             `json:"promoted"`
	FailureReason   string           `json:"failure_reason,omitempty"`
	StartedAtMs     int64            `json:"started_at_ms"`
	CompletedAtMs   int64            `json:"completed_at_ms,omitempty"`
}

// Validate checks the fields required when a record is first created.
func (r *ExperimentRecord) Validate() error {
	if !isValidUUID(r.ID) {
		return fmt.Errorf("invalid experiment ID: not a valid UUID")
	}

	if r.WorkerName == "" {
		return fmt.Errorf("worker_name cannot be empty")
	}

	if r.PrimaryMetric == "" {
		return fmt.Errorf("primary_metric cannot be empty")
	}

	if err := r.Status.Validate(); err != nil {
		return fmt.Errorf("invalid status: %w", err)
	}

	if r.Promoted && !r.promotable() {
		return fmt.Errorf("promoted experiment must be completed and successful")
	}

	return nil
}

func (r *ExperimentRecord) promotable() bool {
	return r.Status == ExperimentStatusCompleted && r.Success != nil && *r.Success && r.Improvement != nil
}

// Outcome is the single mutation applied to a running record.
type Outcome struct {
	Status        ExperimentStatus `json:"status"`
	ResultMetrics Metrics          `json:"result_metrics,omitempty"`
	Success       *bool            `json:"success,omitempty"`
	Improvement   *float64         `json:"improvement,omitempty"`
	Promoted      bool             `json:"promoted"`
	FailureReason string           `json:"failure_reason,omitempty"`
	CompletedAtMs int64            `json:"completed_at_ms"`
}

// Validate checks that the outcome describes a terminal state consistently.
func (o *Outcome) Validate() error {
	if !o.Status.Terminal() {
		return fmt.Errorf("outcome status must be terminal, got %q", o.Status)
	}
	if o.Promoted {
		if o.Status != ExperimentStatusCompleted || o.Success == nil || !*o.Success || o.Improvement == nil {
			return fmt.Errorf("promoted outcome must be completed and successful")
		}
	}
	if o.CompletedAtMs <= 0 {
		return fmt.Errorf("completed_at_ms must be set")
	}
	return nil
}

// Apply returns a copy of the record with the outcome applied.
func (r *ExperimentRecord) Apply(o *Outcome) *ExperimentRecord {
	updated := *r
	updated.Status = o.Status
	updated.ResultMetrics = o.ResultMetrics
	updated.Success = o.Success
	updated.Improvement = o.Improvement
	updated.Promoted = o.Promoted
	updated.FailureReason = o.FailureReason
	updated.CompletedAtMs = o.CompletedAtMs
	return &updated
}

// Improvement returns (result − baseline) / max(|baseline|, Epsilon).
func Improvement(baseline, result float64) float64 {
	return (result - baseline) / math.Max(math.Abs(baseline), Epsilon)
}

// KnowledgeItem is an immutable finding shared between workers.
// Freshness is derived from CreatedAtMs and the type's half-life, never stored.
type KnowledgeItem struct {
	ID            string         `json:"id"`
	SourceWorker  string         `json:"source_worker"`
	KnowledgeType string         `json:"knowledge_type"`
	Payload       map[string]any `json:"payload"`
	Confidence    float64        `json:"confidence"`
	CreatedAtMs   int64          `json:"created_at_ms"`
	HalfLifeSec   int64          `json:"decay_half_life_seconds"`
}

// Validate checks if the KnowledgeItem has valid field values.
func (k *KnowledgeItem) Validate() error {
	if !isValidUUID(k.ID) {
		return fmt.Errorf("invalid knowledge ID: not a valid UUID")
	}

	if k.SourceWorker == "" {
		return fmt.Errorf("source_worker cannot be empty")
	}

	if k.KnowledgeType == "" {
		return fmt.Errorf("knowledge_type cannot be empty")
	}

	if k.Confidence < 0 || k.Confidence > 1 || math.IsNaN(k.Confidence) {
		return fmt.Errorf("confidence must be within [0,1], got %v", k.Confidence)
	}

	if k.HalfLifeSec <= 0 {
		return fmt.Errorf("decay_half_life_seconds must be positive, got %d", k.HalfLifeSec)
	}

	return nil
}

// WorkerStats holds cumulative counters for one worker.
type WorkerStats struct {
	WorkerName     string `json:"worker_name" db:"worker_name"`
	CyclesRun      int64  `json:"cycles_run" db:"cycles_run"`
	ExperimentsRun int64  `json:"experiments_run" db:"experiments_run"`
	TotalTimeMs    int64  `json:"total_time_ms" db:"total_time_ms"`
	ErrorCount     int64  `json:"error_count" db:"error_count"`
	LastRunMs      int64  `json:"last_run_ms" db:"last_run_ms"`
}

// StatsDelta is an increment to a worker's persisted counters.
// LastRunMs replaces the stored value when it is newer.
type StatsDelta struct {
	WorkerName  string `json:"worker_name"`
	Cycles      int64  `json:"cycles"`
	Experiments int64  `json:"experiments"`
	TotalTimeMs int64  `json:"total_time_ms"`
	Errors      int64  `json:"errors"`
	LastRunMs   int64  `json:"last_run_ms"`
}

// Validate checks the delta preserves cycles >= experiments.
func (d *StatsDelta) Validate() error {
	if d.WorkerName == "" {
		return fmt.Errorf("worker_name cannot be empty")
	}
	if d.Cycles < 0 || d.Experiments < 0 || d.TotalTimeMs < 0 || d.Errors < 0 {
		return fmt.Errorf("stats delta cannot be negative")
	}
	if d.Experiments > d.Cycles {
		return fmt.Errorf("experiments (%d) cannot exceed cycles (%d)", d.Experiments, d.Cycles)
	}
	return nil
}

// Empty reports whether the delta carries nothing to persist.
func (d *StatsDelta) Empty() bool {
	return d.Cycles == 0 && d.Experiments == 0 && d.TotalTimeMs == 0 && d.Errors == 0
}

// isValidUUID checks if a string is a valid UUID format.
func isValidUUID(s string) bool {
	_, err := uuid.Parse(s)
	return err == nil
}
