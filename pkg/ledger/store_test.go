package ledger

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testStoreContract exercises the behaviour every Store implementation must share.
func testStoreContract(t *testing.T, newStore func(t *testing.T) Store) {
	ctx := context.Background()

	t.Run("ping", func(t *testing.T) {
		store := newStore(t)
		assert.NoError(t, store.Ping(ctx))
	})

	t.Run("create and get experiment", func(t *testing.T) {
		store := newStore(t)
		rec := newRunningRecord()
		require.NoError(t, store.CreateExperiment(ctx, rec))

		got, err := store.GetExperiment(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, rec.ID, got.ID)
		assert.Equal(t, rec.WorkerName, got.WorkerName)
		assert.Equal(t, rec.Hypothesis, got.Hypothesis)
		assert.Equal(t, rec.TargetMetrics, got.TargetMetrics)
		assert.Equal(t, rec.BaselineMetrics, got.BaselineMetrics)
		assert.Equal(t, ExperimentStatusRunning, got.Status)
		assert.Nil(t, got.Success)
		assert.Nil(t, got.Improvement)
		assert.False(t, got.Promoted)
	})

	t.Run("create rejects non-running record", func(t *testing.T) {
		store := newStore(t)
		rec := newRunningRecord()
		rec.Status = ExperimentStatusCompleted
		assert.Error(t, store.CreateExperiment(ctx, rec))
	})

	t.Run("get missing experiment", func(t *testing.T) {
		store := newStore(t)
		_, err := store.GetExperiment(ctx, uuid.New().String())
		assert.True(t, IsNotFound(err))
	})

	t.Run("complete experiment once", func(t *testing.T) {
		store := newStore(t)
		rec := newRunningRecord()
		require.NoError(t, store.CreateExperiment(ctx, rec))

		outcome := &Outcome{
			Status:        ExperimentStatusCompleted,
			ResultMetrics: Metrics{"throughput": 125},
			Success:       boolPtr(true),
			Improvement:   floatPtr(0.25),
			Promoted:      true,
			CompletedAtMs: rec.StartedAtMs + 1000,
		}
		updated, err := store.CompleteExperiment(ctx, rec.ID, outcome)
		require.NoError(t, err)
		assert.Equal(t, ExperimentStatusCompleted, updated.Status)
		assert.True(t, updated.Promoted)
		require.NotNil(t, updated.Success)
		assert.True(t, *updated.Success)
		require.NotNil(t, updated.Improvement)
		assert.InDelta(t, 0.25, *updated.Improvement, 1e-12)
		assert.Equal(t, Metrics{"throughput": 125}, updated.ResultMetrics)

		second := &Outcome{
			Status:        ExperimentStatusFailed,
			FailureReason: "late",
			CompletedAtMs: rec.StartedAtMs + 2000,
		}
		_, err = store.CompleteExperiment(ctx, rec.ID, second)
		assert.True(t, IsAlreadyCompleted(err))

		got, err := store.GetExperiment(ctx, rec.ID)
		require.NoError(t, err)
		assert.Equal(t, ExperimentStatusCompleted, got.Status)
		assert.Empty(t, got.FailureReason)
		assert.Equal(t, rec.StartedAtMs+1000, got.CompletedAtMs)
	})

	t.Run("complete missing experiment", func(t *testing.T) {
		store := newStore(t)
		_, err := store.CompleteExperiment(ctx, uuid.New().String(), &Outcome{
			Status:        ExperimentStatusFailed,
			CompletedAtMs: 1,
		})
		assert.True(t, IsNotFound(err))
	})

	t.Run("concurrent completion has one winner", func(t *testing.T) {
		store := newStore(t)
		rec := newRunningRecord()
		require.NoError(t, store.CreateExperiment(ctx, rec))

		var (
			wg        sync.WaitGroup
			successes atomic.Int32
			conflicts atomic.Int32
		)
		for i := 0; i < 8; i++ {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				_, err := store.CompleteExperiment(ctx, rec.ID, &Outcome{
					Status:        ExperimentStatusFailed,
					FailureReason: "attempt",
					CompletedAtMs: rec.StartedAtMs + int64(i) + 1,
				})
				switch {
				case err == nil:
					successes.Add(1)
				case IsAlreadyCompleted(err):
					conflicts.Add(1)
				}
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(1), successes.Load())
		assert.Equal(t, int32(7), conflicts.Load())
	})

	t.Run("list experiments with criteria", func(t *testing.T) {
		store := newStore(t)
		var ids []string
		for i, worker := range []string{"alpha", "beta", "alpha"} {
			rec := newRunningRecord()
			rec.WorkerName = worker
			rec.StartedAtMs = int64(1000 * (i + 1))
			require.NoError(t, store.CreateExperiment(ctx, rec))
			ids = append(ids, rec.ID)
		}
		_, err := store.CompleteExperiment(ctx, ids[2], &Outcome{
			Status:        ExperimentStatusCompleted,
			ResultMetrics: Metrics{"throughput": 150},
			Success:       boolPtr(true),
			Improvement:   floatPtr(0.5),
			Promoted:      true,
			CompletedAtMs: 5000,
		})
		require.NoError(t, err)

		all, err := store.ListExperiments(ctx, nil)
		require.NoError(t, err)
		require.Len(t, all, 3)
		assert.Equal(t, ids, []string{all[0].ID, all[1].ID, all[2].ID})

		alpha, err := store.ListExperiments(ctx, &Criteria{Worker: "alpha"})
		require.NoError(t, err)
		assert.Len(t, alpha, 2)

		promoted, err := store.ListExperiments(ctx, &Criteria{Promoted: boolPtr(true)})
		require.NoError(t, err)
		require.Len(t, promoted, 1)
		assert.Equal(t, ids[2], promoted[0].ID)

		running, err := store.ListExperiments(ctx, &Criteria{Status: ExperimentStatusRunning})
		require.NoError(t, err)
		assert.Len(t, running, 2)

		windowed, err := store.ListExperiments(ctx, &Criteria{SinceTimestampMs: 1500, UntilTimestampMs: 2500})
		require.NoError(t, err)
		require.Len(t, windowed, 1)
		assert.Equal(t, ids[1], windowed[0].ID)

		limited, err := store.ListExperiments(ctx, &Criteria{Limit: 2})
		require.NoError(t, err)
		require.Len(t, limited, 2)
		assert.Equal(t, ids[2], limited[1].ID)
	})

	t.Run("knowledge append and list", func(t *testing.T) {
		store := newStore(t)
		items := []*KnowledgeItem{
			{ID: uuid.New().String(), SourceWorker: "alpha", KnowledgeType: "successful_fix",
				Payload: map[string]any{"experiment_id": "e1"}, Confidence: 0.9, CreatedAtMs: 1000, HalfLifeSec: 3600},
			{ID: uuid.New().String(), SourceWorker: "beta", KnowledgeType: "failure_report",
				Payload: map[string]any{"error": "boom"}, Confidence: 0.5, CreatedAtMs: 2000, HalfLifeSec: 60},
		}
		for _, item := range items {
			require.NoError(t, store.AppendKnowledge(ctx, item))
		}

		got, err := store.GetKnowledge(ctx, items[0].ID)
		require.NoError(t, err)
		assert.Equal(t, "e1", got.Payload["experiment_id"])
		assert.InDelta(t, 0.9, got.Confidence, 1e-12)
		assert.Equal(t, int64(3600), got.HalfLifeSec)

		all, err := store.ListKnowledge(ctx, nil)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, items[0].ID, all[0].ID)

		fixes, err := store.ListKnowledge(ctx, &Criteria{TypeGlob: "successful_*"})
		require.NoError(t, err)
		require.Len(t, fixes, 1)
		assert.Equal(t, items[0].ID, fixes[0].ID)

		fromBeta, err := store.ListKnowledge(ctx, &Criteria{Worker: "beta"})
		require.NoError(t, err)
		require.Len(t, fromBeta, 1)

		_, err = store.GetKnowledge(ctx, uuid.New().String())
		assert.True(t, IsNotFound(err))
	})

	t.Run("knowledge rejects invalid item", func(t *testing.T) {
		store := newStore(t)
		err := store.AppendKnowledge(ctx, &KnowledgeItem{ID: uuid.New().String()})
		assert.Error(t, err)
	})

	t.Run("worker stats accumulate", func(t *testing.T) {
		store := newStore(t)
		require.NoError(t, store.FlushWorkerStats(ctx, &StatsDelta{
			WorkerName: "alpha", Cycles: 10, Experiments: 2, TotalTimeMs: 500, Errors: 1, LastRunMs: 2000,
		}))
		require.NoError(t, store.FlushWorkerStats(ctx, &StatsDelta{
			WorkerName: "alpha", Cycles: 5, Experiments: 1, TotalTimeMs: 250, LastRunMs: 1500,
		}))
		require.NoError(t, store.FlushWorkerStats(ctx, &StatsDelta{
			WorkerName: "beta", Cycles: 1, LastRunMs: 100,
		}))

		stats, err := store.GetWorkerStats(ctx, "alpha")
		require.NoError(t, err)
		assert.Equal(t, int64(15), stats.CyclesRun)
		assert.Equal(t, int64(3), stats.ExperimentsRun)
		assert.Equal(t, int64(750), stats.TotalTimeMs)
		assert.Equal(t, int64(1), stats.ErrorCount)
		assert.Equal(t, int64(2000), stats.LastRunMs)

		all, err := store.ListWorkerStats(ctx)
		require.NoError(t, err)
		require.Len(t, all, 2)
		assert.Equal(t, "alpha", all[0].WorkerName)
		assert.Equal(t, "beta", all[1].WorkerName)

		_, err = store.GetWorkerStats(ctx, "gamma")
		assert.True(t, IsNotFound(err))
	})

	t.Run("worker stats reject invalid delta", func(t *testing.T) {
		store := newStore(t)
		err := store.FlushWorkerStats(ctx, &StatsDelta{WorkerName: "alpha", Cycles: 1, Experiments: 2})
		assert.Error(t, err)
	})
}
