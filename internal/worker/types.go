// Package worker drives each worker's production/experimental cycle and
// supervises the set of running loops.
package worker

import (
	"context"
	"fmt"

	"github.com/dyluth/nightshift/internal/autonomy"
	"github.com/dyluth/nightshift/internal/dreamer"
	"github.com/dyluth/nightshift/pkg/ledger"
)

// Kind is the capability every worker kind implements. The loop is generic over it.
type Kind interface {
	RunProduction(ctx context.Context) (*Result, error)
	RunExperimental(ctx context.Context, proposal *dreamer.Proposal) (*ExperimentResult, error)
}

// KnowledgeConsumer is implemented by kinds that use shared knowledge.
// Items may be delivered more than once; the loop skips IDs it has already applied.
type KnowledgeConsumer interface {
	ApplyKnowledge(ctx context.Context, item *ledger.KnowledgeItem, freshness float64) error
}

// Result is the output of a production cycle.
type Result struct {
	Metrics   ledger.Metrics      `json:"metrics"`
	Findings  []Finding           `json:"findings,omitempty"`
	Proposals []autonomy.Proposal `json:"proposals,omitempty"`
}

// Finding is knowledge a routine wants to share.
type Finding struct {
	Type       string                 `json:"type"`
	Payload    map[string]interface{} `json:"payload"`
	Confidence float64                `json:"confidence"`
}

// ExperimentResult is the output of an experimental cycle.
// Metrics must be normalised so that higher is better.
type ExperimentResult struct {
	Metrics ledger.Metrics `json:"metrics"`
	Success bool           `json:"success"`
}

// Mode names the routine that failed.
type Mode string

const (
	ModeProduction   Mode = "production"
	ModeExperimental Mode = "experimental"
)

// RoutineError wraps a failure from a worker-specific routine.
// It is counted and logged; it never stops the loop.
type RoutineError struct {
	Worker string
	Mode   Mode
	Err    error
}

func (e *RoutineError) Error() string {
	return fmt.Sprintf("%s routine failed for worker '%s': %v", e.Mode, e.Worker, e.Err)
}

func (e *RoutineError) Unwrap() error {
	return e.Err
}

// State is a loop's position in its cycle.
type State string

const (
	StateIdle         State = "idle"
	StateDeciding     State = "deciding"
	StateProduction   State = "production"
	StateExperimental State = "experimental"
	StateSleeping     State = "sleeping"
	StateStopping     State = "stopping"
	StateStopped      State = "stopped"
)

// WorkerHealth is a point-in-time snapshot of one loop.
type WorkerHealth struct {
	Name           string `json:"name"`
	Kind           string `json:"kind"`
	State          State  `json:"state"`
	CyclesRun      int64  `json:"cycles_run"`
	ExperimentsRun int64  `json:"experiments_run"`
	ErrorCount     int64  `json:"error_count"`
	TotalTimeMs    int64  `json:"total_time_ms"`
	LastRunMs      int64  `json:"last_run_ms,omitempty"`
	LastError      string `json:"last_error,omitempty"`
	PendingFlushes int    `json:"pending_flushes"`
	DroppedFlushes int64  `json:"dropped_flushes"`
	Abandoned      bool   `json:"abandoned,omitempty"`
}
