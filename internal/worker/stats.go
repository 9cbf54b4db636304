package worker

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/dyluth/nightshift/pkg/ledger"
)

// StatsSink persists counter deltas.
type StatsSink interface {
	FlushWorkerStats(ctx context.Context, delta *ledger.StatsDelta) error
}

// statsBuffer holds deltas that have not reached the store yet.
// When full, the oldest delta is dropped: stats are best-effort telemetry.
type statsBuffer struct {
	sink     StatsSink
	capacity int
	budget   time.Duration
	logger   *zap.Logger

	pending []*ledger.StatsDelta
	dropped int64
}

func newStatsBuffer(sink StatsSink, capacity int, budget time.Duration, logger *zap.Logger) *statsBuffer {
	return &statsBuffer{
		sink:     sink,
		capacity: capacity,
		budget:   budget,
		logger:   logger,
	}
}

// add queues a delta, evicting the oldest when at capacity.
func (b *statsBuffer) add(delta *ledger.StatsDelta) {
	if delta.Empty() {
		return
	}
	if len(b.pending) >= b.capacity {
		oldest := b.pending[0]
		b.pending = b.pending[1:]
		b.dropped++
		b.logger.Warn("Stats buffer full, dropped oldest delta",
			zap.Int64("cycles", oldest.Cycles),
			zap.Int64("errors", oldest.Errors),
			zap.Int64("dropped_total", b.dropped))
	}
	b.pending = append(b.pending, delta)
}

// flush writes queued deltas in order with exponential backoff.
// Deltas that could not be written stay queued for the next flush.
func (b *statsBuffer) flush(ctx context.Context) error {
	for len(b.pending) > 0 {
		delta := b.pending[0]

		policy := backoff.NewExponentialBackOff()
		policy.InitialInterval = 50 * time.Millisecond
		policy.MaxInterval = time.Second
		policy.MaxElapsedTime = b.budget

		err := backoff.Retry(func() error {
			return b.sink.FlushWorkerStats(ctx, delta)
		}, backoff.WithContext(policy, ctx))
		if err != nil {
			b.logger.Warn("Stats flush failed, keeping deltas buffered",
				zap.Int("pending", len(b.pending)),
				zap.Error(err))
			return err
		}
		b.pending = b.pending[1:]
	}
	return nil
}

func (b *statsBuffer) size() int {
	return len(b.pending)
}
