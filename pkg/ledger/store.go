package ledger

import "context"

// Store persists experiment records, knowledge items and worker statistics.
// Implementations must be safe for concurrent use by many worker loops.
//
// CompleteExperiment must be atomic per experiment ID: the outcome is written
// only if the stored status is still running. Otherwise it returns
// ErrAlreadyCompleted (or ErrNotFound) and leaves the record unchanged.
type Store interface {
	Ping(ctx context.Context) error
	Close() error

	CreateExperiment(ctx context.Context, rec *ExperimentRecord) error
	GetExperiment(ctx context.Context, id string) (*ExperimentRecord, error)
	CompleteExperiment(ctx context.Context, id string, outcome *Outcome) (*ExperimentRecord, error)
	ListExperiments(ctx context.Context, criteria *Criteria) ([]*ExperimentRecord, error)

	AppendKnowledge(ctx context.Context, item *KnowledgeItem) error
	GetKnowledge(ctx context.Context, id string) (*KnowledgeItem, error)
	ListKnowledge(ctx context.Context, criteria *Criteria) ([]*KnowledgeItem, error)

	FlushWorkerStats(ctx context.Context, delta *StatsDelta) error
	GetWorkerStats(ctx context.Context, workerName string) (*WorkerStats, error)
	ListWorkerStats(ctx context.Context) ([]*WorkerStats, error)
}

var (
	_ Store = (*Client)(nil)
	_ Store = (*SQLStore)(nil)
)
