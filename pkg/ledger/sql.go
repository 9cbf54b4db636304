package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/jmoiron/sqlx"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const sqlSchema = `
CREATE TABLE IF NOT EXISTS experiments (
	id               TEXT PRIMARY KEY,
	worker_name      TEXT NOT NULL,
	name             TEXT NOT NULL,
	hypothesis       TEXT NOT NULL,
	approach         TEXT NOT NULL,
	primary_metric   TEXT NOT NULL,
	target_metrics   TEXT NOT NULL,
	baseline_metrics TEXT NOT NULL,
	result_metrics   TEXT NOT NULL DEFAULT '',
	status           TEXT NOT NULL,
	success          INTEGER,
	improvement      DOUBLE PRECISION,
	promoted         INTEGER NOT NULL DEFAULT 0,
	failure_reason   TEXT NOT NULL DEFAULT '',
	started_at_ms    BIGINT NOT NULL,
	completed_at_ms  BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS experiments_started_idx ON experiments (started_at_ms);
CREATE TABLE IF NOT EXISTS knowledge (
	id                      TEXT PRIMARY KEY,
	source_worker           TEXT NOT NULL,
	knowledge_type          TEXT NOT NULL,
	payload                 TEXT NOT NULL,
	confidence              DOUBLE PRECISION NOT NULL,
	created_at_ms           BIGINT NOT NULL,
	decay_half_life_seconds BIGINT NOT NULL
);
CREATE INDEX IF NOT EXISTS knowledge_created_idx ON knowledge (created_at_ms);
CREATE TABLE IF NOT EXISTS worker_stats (
	worker_name     TEXT PRIMARY KEY,
	cycles_run      BIGINT NOT NULL DEFAULT 0,
	experiments_run BIGINT NOT NULL DEFAULT 0,
	total_time_ms   BIGINT NOT NULL DEFAULT 0,
	error_count     BIGINT NOT NULL DEFAULT 0,
	last_run_ms     BIGINT NOT NULL DEFAULT 0
);
`

// SQLStore persists the ledger in SQLite or PostgreSQL.
// Booleans are stored as 0/1 integers so the same schema serves both drivers.
type SQLStore struct {
	db *sqlx.DB
}

// OpenSQL connects to the database and creates the schema if needed.
// driver is "sqlite" (pure Go, modernc.org/sqlite) or "postgres" (lib/pq).
func OpenSQL(ctx context.Context, driver, dsn string) (*SQLStore, error) {
	switch driver {
	case "sqlite", "postgres":
	default:
		return nil, fmt.Errorf("unsupported SQL driver %q (must be sqlite or postgres)", driver)
	}
	if dsn == "" {
		return nil, fmt.Errorf("dsn cannot be empty")
	}

	db, err := sqlx.Open(driver, dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s database: %w", driver, err)
	}

	// SQLite allows a single writer; serialize through one connection
	if driver == "sqlite" {
		db.SetMaxOpenConns(1)
	}

	store := &SQLStore{db: db}
	if err := store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return store, nil
}

// SQLiteDSN builds a modernc.org/sqlite DSN for a file path with WAL and a busy timeout.
func SQLiteDSN(path string) string {
	return "file:" + path + "?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)"
}

func (s *SQLStore) migrate(ctx context.Context) error {
	for _, stmt := range strings.Split(sqlSchema, ";") {
		if strings.TrimSpace(stmt) == "" {
			continue
		}
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("failed to apply schema: %w", err)
		}
	}
	return nil
}

// Ping verifies database connectivity.
func (s *SQLStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Close closes the database handle.
func (s *SQLStore) Close() error {
	return s.db.Close()
}

type experimentRow struct {
	ID              string          `db:"id"`
	WorkerName      string          `db:"worker_name"`
	Name            string          `db:"name"`
	Hypothesis      string          `db:"hypothesis"`
	Approach        string          `db:"approach"`
	PrimaryMetric   string          `db:"primary_metric"`
	TargetMetrics   string          `db:"target_metrics"`
	BaselineMetrics string          `db:"baseline_metrics"`
	ResultMetrics   string          `db:"result_metrics"`
	Status          string          `db:"status"`
	Success         sql.NullInt64   `db:"success"`
	Improvement     sql.NullFloat64 `db:"improvement"`
	Promoted        int64           `db:"promoted"`
	FailureReason   string          `db:"failure_reason"`
	StartedAtMs     int64           `db:"started_at_ms"`
	CompletedAtMs   int64           `db:"completed_at_ms"`
}

func (row *experimentRow) record() (*ExperimentRecord, error) {
	var targets []string
	if row.TargetMetrics != "" {
		if err := json.Unmarshal([]byte(row.TargetMetrics), &targets); err != nil {
			return nil, fmt.Errorf("failed to unmarshal target_metrics: %w", err)
		}
	}
	baseline, err := unmarshalMetrics(row.BaselineMetrics)
	if err != nil {
		return nil, fmt.Errorf("failed to unmarshal baseline_metrics: %w", err)
	}
	var result Metrics
	if row.ResultMetrics != "" {
		if result, err = unmarshalMetrics(row.ResultMetrics); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result_metrics: %w", err)
		}
	}

	rec := &ExperimentRecord{
		ID:              row.ID,
		WorkerName:      row.WorkerName,
		Name:            row.Name,
		Hypothesis:      row.Hypothesis,
		Approach:        row.Approach,
		PrimaryMetric:   row.PrimaryMetric,
		TargetMetrics:   nonNilStrings(targets),
		BaselineMetrics: baseline,
		ResultMetrics:   result,
		Status:          ExperimentStatus(row.Status),
		Promoted:        row.Promoted != 0,
		FailureReason:   row.FailureReason,
		StartedAtMs:     row.StartedAtMs,
		CompletedAtMs:   row.CompletedAtMs,
	}
	if row.Success.Valid {
		b := row.Success.Int64 != 0
		rec.Success = &b
	}
	if row.Improvement.Valid {
		f := row.Improvement.Float64
		rec.Improvement = &f
	}
	return rec, nil
}

func nullableBool(b *bool) sql.NullInt64 {
	if b == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: boolInt(*b), Valid: true}
}

func nullableFloat(f *float64) sql.NullFloat64 {
	if f == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *f, Valid: true}
}

func boolInt(b bool) int64 {
	if b {
		return 1
	}
	return 0
}

// CreateExperiment inserts a new running experiment record.
func (s *SQLStore) CreateExperiment(ctx context.Context, rec *ExperimentRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid experiment: %w", err)
	}
	if rec.Status != ExperimentStatusRunning {
		return fmt.Errorf("invalid experiment: new records must be running, got %q", rec.Status)
	}

	targetsJSON, err := json.Marshal(nonNilStrings(rec.TargetMetrics))
	if err != nil {
		return fmt.Errorf("failed to marshal target_metrics: %w", err)
	}
	baselineJSON, err := marshalMetrics(rec.BaselineMetrics)
	if err != nil {
		return fmt.Errorf("failed to marshal baseline_metrics: %w", err)
	}

	query := s.db.Rebind(`INSERT INTO experiments
		(id, worker_name, name, hypothesis, approach, primary_metric, target_metrics,
		 baseline_metrics, status, started_at_ms)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		rec.ID, rec.WorkerName, rec.Name, rec.Hypothesis, rec.Approach, rec.PrimaryMetric,
		string(targetsJSON), baselineJSON, string(rec.Status), rec.StartedAtMs,
	)
	if err != nil {
		return fmt.Errorf("failed to insert experiment: %w", err)
	}
	return nil
}

// GetExperiment retrieves an experiment record by ID.
func (s *SQLStore) GetExperiment(ctx context.Context, id string) (*ExperimentRecord, error) {
	var row experimentRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM experiments WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment: %w", err)
	}
	return row.record()
}

// CompleteExperiment applies the outcome only while the row is still running.
// A zero-row update is disambiguated into ErrNotFound or ErrAlreadyCompleted.
func (s *SQLStore) CompleteExperiment(ctx context.Context, id string, outcome *Outcome) (*ExperimentRecord, error) {
	if err := outcome.Validate(); err != nil {
		return nil, fmt.Errorf("invalid outcome: %w", err)
	}

	resultJSON := ""
	if outcome.ResultMetrics != nil {
		data, err := marshalMetrics(outcome.ResultMetrics)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal result_metrics: %w", err)
		}
		resultJSON = data
	}

	query := s.db.Rebind(`UPDATE experiments SET
		status = ?, result_metrics = ?, success = ?, improvement = ?,
		promoted = ?, failure_reason = ?, completed_at_ms = ?
		WHERE id = ? AND status = 'running'`)
	res, err := s.db.ExecContext(ctx, query,
		string(outcome.Status), resultJSON, nullableBool(outcome.Success), nullableFloat(outcome.Improvement),
		boolInt(outcome.Promoted), outcome.FailureReason, outcome.CompletedAtMs, id,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to complete experiment: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return nil, fmt.Errorf("failed to read update result: %w", err)
	}
	if affected == 0 {
		if _, err := s.GetExperiment(ctx, id); err != nil {
			return nil, err
		}
		return nil, ErrAlreadyCompleted
	}

	return s.GetExperiment(ctx, id)
}

// ListExperiments returns records matching the criteria, oldest first.
func (s *SQLStore) ListExperiments(ctx context.Context, criteria *Criteria) ([]*ExperimentRecord, error) {
	var (
		conds []string
		args  []interface{}
	)
	if criteria != nil {
		if criteria.SinceTimestampMs > 0 {
			conds = append(conds, "started_at_ms >= ?")
			args = append(args, criteria.SinceTimestampMs)
		}
		if criteria.UntilTimestampMs > 0 {
			conds = append(conds, "started_at_ms <= ?")
			args = append(args, criteria.UntilTimestampMs)
		}
		if criteria.Worker != "" {
			conds = append(conds, "worker_name = ?")
			args = append(args, criteria.Worker)
		}
		if criteria.Status != "" {
			conds = append(conds, "status = ?")
			args = append(args, string(criteria.Status))
		}
		if criteria.Promoted != nil {
			conds = append(conds, "promoted = ?")
			args = append(args, boolInt(*criteria.Promoted))
		}
	}

	query := "SELECT * FROM experiments"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY started_at_ms"

	var rows []experimentRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list experiments: %w", err)
	}

	records := make([]*ExperimentRecord, 0, len(rows))
	for i := range rows {
		rec, err := rows[i].record()
		if err != nil {
			return nil, fmt.Errorf("failed to decode experiment %s: %w", rows[i].ID, err)
		}
		records = append(records, rec)
	}
	return sortExperiments(records, criteria.limit()), nil
}

type knowledgeRow struct {
	ID            string  `db:"id"`
	SourceWorker  string  `db:"source_worker"`
	KnowledgeType string  `db:"knowledge_type"`
	Payload       string  `db:"payload"`
	Confidence    float64 `db:"confidence"`
	CreatedAtMs   int64   `db:"created_at_ms"`
	HalfLifeSec   int64   `db:"decay_half_life_seconds"`
}

func (row *knowledgeRow) item() (*KnowledgeItem, error) {
	payload := map[string]any{}
	if row.Payload != "" {
		if err := json.Unmarshal([]byte(row.Payload), &payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	return &KnowledgeItem{
		ID:            row.ID,
		SourceWorker:  row.SourceWorker,
		KnowledgeType: row.KnowledgeType,
		Payload:       payload,
		Confidence:    row.Confidence,
		CreatedAtMs:   row.CreatedAtMs,
		HalfLifeSec:   row.HalfLifeSec,
	}, nil
}

// AppendKnowledge inserts an immutable knowledge item.
func (s *SQLStore) AppendKnowledge(ctx context.Context, item *KnowledgeItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid knowledge item: %w", err)
	}
	payloadJSON, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("failed to marshal payload: %w", err)
	}

	query := s.db.Rebind(`INSERT INTO knowledge
		(id, source_worker, knowledge_type, payload, confidence, created_at_ms, decay_half_life_seconds)
		VALUES (?, ?, ?, ?, ?, ?, ?)`)
	_, err = s.db.ExecContext(ctx, query,
		item.ID, item.SourceWorker, item.KnowledgeType, string(payloadJSON),
		item.Confidence, item.CreatedAtMs, item.HalfLifeSec,
	)
	if err != nil {
		return fmt.Errorf("failed to insert knowledge item: %w", err)
	}
	return nil
}

// GetKnowledge retrieves a knowledge item by ID.
func (s *SQLStore) GetKnowledge(ctx context.Context, id string) (*KnowledgeItem, error) {
	var row knowledgeRow
	err := s.db.GetContext(ctx, &row, s.db.Rebind(`SELECT * FROM knowledge WHERE id = ?`), id)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge item: %w", err)
	}
	return row.item()
}

// ListKnowledge returns items matching the criteria, oldest first.
// The type glob is evaluated in Go since LIKE and GLOB differ between drivers.
func (s *SQLStore) ListKnowledge(ctx context.Context, criteria *Criteria) ([]*KnowledgeItem, error) {
	var (
		conds []string
		args  []interface{}
	)
	if criteria != nil {
		if criteria.SinceTimestampMs > 0 {
			conds = append(conds, "created_at_ms >= ?")
			args = append(args, criteria.SinceTimestampMs)
		}
		if criteria.UntilTimestampMs > 0 {
			conds = append(conds, "created_at_ms <= ?")
			args = append(args, criteria.UntilTimestampMs)
		}
		if criteria.Worker != "" {
			conds = append(conds, "source_worker = ?")
			args = append(args, criteria.Worker)
		}
	}

	query := "SELECT * FROM knowledge"
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at_ms"

	var rows []knowledgeRow
	if err := s.db.SelectContext(ctx, &rows, s.db.Rebind(query), args...); err != nil {
		return nil, fmt.Errorf("failed to list knowledge: %w", err)
	}

	items := make([]*KnowledgeItem, 0, len(rows))
	for i := range rows {
		item, err := rows[i].item()
		if err != nil {
			return nil, fmt.Errorf("failed to decode knowledge item %s: %w", rows[i].ID, err)
		}
		if criteria.MatchesKnowledge(item) {
			items = append(items, item)
		}
	}
	return sortKnowledge(items, criteria.limit()), nil
}

// FlushWorkerStats upserts the delta into the worker's counters.
func (s *SQLStore) FlushWorkerStats(ctx context.Context, delta *StatsDelta) error {
	if err := delta.Validate(); err != nil {
		return fmt.Errorf("invalid stats delta: %w", err)
	}

	query := s.db.Rebind(`INSERT INTO worker_stats
		(worker_name, cycles_run, experiments_run, total_time_ms, error_count, last_run_ms)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT (worker_name) DO UPDATE SET
			cycles_run = worker_stats.cycles_run + excluded.cycles_run,
			experiments_run = worker_stats.experiments_run + excluded.experiments_run,
			total_time_ms = worker_stats.total_time_ms + excluded.total_time_ms,
			error_count = worker_stats.error_count + excluded.error_count,
			last_run_ms = CASE WHEN excluded.last_run_ms > worker_stats.last_run_ms
				THEN excluded.last_run_ms ELSE worker_stats.last_run_ms END`)
	_, err := s.db.ExecContext(ctx, query,
		delta.WorkerName, delta.Cycles, delta.Experiments, delta.TotalTimeMs, delta.Errors, delta.LastRunMs,
	)
	if err != nil {
		return fmt.Errorf("failed to flush worker stats: %w", err)
	}
	return nil
}

// GetWorkerStats returns the persisted counters for a worker.
func (s *SQLStore) GetWorkerStats(ctx context.Context, workerName string) (*WorkerStats, error) {
	var stats WorkerStats
	err := s.db.GetContext(ctx, &stats, s.db.Rebind(`SELECT * FROM worker_stats WHERE worker_name = ?`), workerName)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read worker stats: %w", err)
	}
	return &stats, nil
}

// ListWorkerStats returns every worker's counters sorted by name.
func (s *SQLStore) ListWorkerStats(ctx context.Context) ([]*WorkerStats, error) {
	var stats []*WorkerStats
	if err := s.db.SelectContext(ctx, &stats, `SELECT * FROM worker_stats ORDER BY worker_name`); err != nil {
		return nil, fmt.Errorf("failed to list worker stats: %w", err)
	}
	return stats, nil
}
