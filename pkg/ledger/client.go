package ledger

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strconv"
	"sync"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

// completeScript writes the outcome fields only while the record is running.
// Returns -1 when the record is missing, 0 when it already left running, 1 on success.
var completeScript = redis.NewScript(`
local status = redis.call('HGET', KEYS[1], 'status')
if not status then
	return -1
end
if status ~= 'running' then
	return 0
end
redis.call('HSET', KEYS[1], unpack(ARGV))
return 1
`)

// flushStatsScript increments a worker's counters and keeps the newest last-run stamp.
var flushStatsScript = redis.NewScript(`
redis.call('HINCRBY', KEYS[1], 'cycles_run', ARGV[1])
redis.call('HINCRBY', KEYS[1], 'experiments_run', ARGV[2])
redis.call('HINCRBY', KEYS[1], 'total_time_ms', ARGV[3])
redis.call('HINCRBY', KEYS[1], 'error_count', ARGV[4])
local last = tonumber(redis.call('HGET', KEYS[1], 'last_run_ms') or '0')
if tonumber(ARGV[5]) > last then
	redis.call('HSET', KEYS[1], 'last_run_ms', ARGV[5])
end
redis.call('SADD', KEYS[2], ARGV[6])
return 1
`)

// Client provides instance-scoped Redis persistence for the ledger.
// All keys and channels are namespaced with the instance name.
// The client is safe for concurrent use from many goroutines.
type Client struct {
	rdb          *redis.Client
	instanceName string
	logger       *zap.Logger
}

// ClientOption customizes a Client.
type ClientOption func(*Client)

// WithLogger sets the logger used for event publication failures.
func WithLogger(logger *zap.Logger) ClientOption {
	return func(c *Client) {
		if logger != nil {
			c.logger = logger.Named("ledger")
		}
	}
}

// NewClient creates a new ledger client for the specified instance.
// Returns an error if instanceName is empty.
func NewClient(redisOpts *redis.Options, instanceName string, opts ...ClientOption) (*Client, error) {
	if instanceName == "" {
		return nil, fmt.Errorf("instance name cannot be empty")
	}

	c := &Client{
		rdb:          redis.NewClient(redisOpts),
		instanceName: instanceName,
		logger:       zap.NewNop(),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// Close closes the Redis connection. Implements io.Closer.
func (c *Client) Close() error {
	return c.rdb.Close()
}

// Ping verifies Redis connectivity.
func (c *Client) Ping(ctx context.Context) error {
	return c.rdb.Ping(ctx).Err()
}

// RedisClient exposes the underlying connection for diagnostics.
func (c *Client) RedisClient() *redis.Client {
	return c.rdb
}

// CreateExperiment writes a new running experiment record and indexes it by start time.
func (c *Client) CreateExperiment(ctx context.Context, rec *ExperimentRecord) error {
	if err := rec.Validate(); err != nil {
		return fmt.Errorf("invalid experiment: %w", err)
	}
	if rec.Status != ExperimentStatusRunning {
		return fmt.Errorf("invalid experiment: new records must be running, got %q", rec.Status)
	}

	hash, err := ExperimentToHash(rec)
	if err != nil {
		return fmt.Errorf("failed to serialize experiment: %w", err)
	}

	key := ExperimentKey(c.instanceName, rec.ID)
	created, err := c.rdb.Exists(ctx, key).Result()
	if err != nil {
		return fmt.Errorf("failed to check experiment existence: %w", err)
	}
	if created > 0 {
		return fmt.Errorf("experiment %s already exists", rec.ID)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, hash)
		pipe.ZAdd(ctx, ExperimentIndexKey(c.instanceName), redis.Z{
			Score:  float64(rec.StartedAtMs),
			Member: rec.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write experiment to Redis: %w", err)
	}

	return nil
}

// GetExperiment retrieves an experiment record by ID.
// Returns ErrNotFound if the record doesn't exist.
func (c *Client) GetExperiment(ctx context.Context, id string) (*ExperimentRecord, error) {
	hashData, err := c.rdb.HGetAll(ctx, ExperimentKey(c.instanceName, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment from Redis: %w", err)
	}

	// HGetAll returns an empty map for missing keys
	if len(hashData) == 0 {
		return nil, ErrNotFound
	}

	rec, err := HashToExperiment(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize experiment: %w", err)
	}

	return rec, nil
}

// CompleteExperiment atomically applies the outcome if the record is still running.
// The check and the write happen inside one Lua script, so concurrent callers
// for the same ID observe exactly one success.
func (c *Client) CompleteExperiment(ctx context.Context, id string, outcome *Outcome) (*ExperimentRecord, error) {
	if err := outcome.Validate(); err != nil {
		return nil, fmt.Errorf("invalid outcome: %w", err)
	}

	args, err := OutcomeToArgs(outcome)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize outcome: %w", err)
	}

	key := ExperimentKey(c.instanceName, id)
	res, err := completeScript.Run(ctx, c.rdb, []string{key}, args...).Int()
	if err != nil {
		return nil, fmt.Errorf("failed to complete experiment in Redis: %w", err)
	}

	switch res {
	case -1:
		return nil, ErrNotFound
	case 0:
		return nil, ErrAlreadyCompleted
	}

	rec, err := c.GetExperiment(ctx, id)
	if err != nil {
		return nil, err
	}

	c.publishEvent(ctx, ExperimentEventsChannel(c.instanceName), rec.ID, rec)
	return rec, nil
}

// ListExperiments returns records matching the criteria, oldest first.
// The start-time index bounds the scan when a time range is given.
func (c *Client) ListExperiments(ctx context.Context, criteria *Criteria) ([]*ExperimentRecord, error) {
	ids, err := c.rangeIndex(ctx, ExperimentIndexKey(c.instanceName), criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to read experiment index: %w", err)
	}

	hashes, err := c.fetchHashes(ctx, ids, func(id string) string { return ExperimentKey(c.instanceName, id) })
	if err != nil {
		return nil, fmt.Errorf("failed to read experiments: %w", err)
	}

	records := make([]*ExperimentRecord, 0, len(hashes))
	for _, hash := range hashes {
		rec, err := HashToExperiment(hash)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize experiment %s: %w", hash["id"], err)
		}
		if criteria.MatchesExperiment(rec) {
			records = append(records, rec)
		}
	}

	return sortExperiments(records, criteria.limit()), nil
}

// AppendKnowledge stores an immutable knowledge item and publishes it to the knowledge events channel.
func (c *Client) AppendKnowledge(ctx context.Context, item *KnowledgeItem) error {
	if err := item.Validate(); err != nil {
		return fmt.Errorf("invalid knowledge item: %w", err)
	}

	hash, err := KnowledgeToHash(item)
	if err != nil {
		return fmt.Errorf("failed to serialize knowledge item: %w", err)
	}

	_, err = c.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, KnowledgeKey(c.instanceName, item.ID), hash)
		pipe.ZAdd(ctx, KnowledgeIndexKey(c.instanceName), redis.Z{
			Score:  float64(item.CreatedAtMs),
			Member: item.ID,
		})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to write knowledge item to Redis: %w", err)
	}

	c.publishEvent(ctx, KnowledgeEventsChannel(c.instanceName), item.ID, item)
	return nil
}

// publishEvent announces a committed write. Events are at-most-once notices
// on top of the indexes, so a failure is logged and never undoes the write.
func (c *Client) publishEvent(ctx context.Context, channel, id string, v interface{}) {
	payload, err := json.Marshal(v)
	if err == nil {
		err = c.rdb.Publish(ctx, channel, payload).Err()
	}
	if err != nil {
		c.logger.Warn("Failed to publish event",
			zap.String("channel", channel),
			zap.String("id", id),
			zap.Error(err))
	}
}

// GetKnowledge retrieves a knowledge item by ID.
func (c *Client) GetKnowledge(ctx context.Context, id string) (*KnowledgeItem, error) {
	hashData, err := c.rdb.HGetAll(ctx, KnowledgeKey(c.instanceName, id)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge item from Redis: %w", err)
	}
	if len(hashData) == 0 {
		return nil, ErrNotFound
	}

	item, err := HashToKnowledge(hashData)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize knowledge item: %w", err)
	}
	return item, nil
}

// ListKnowledge returns knowledge items matching the criteria, oldest first.
func (c *Client) ListKnowledge(ctx context.Context, criteria *Criteria) ([]*KnowledgeItem, error) {
	ids, err := c.rangeIndex(ctx, KnowledgeIndexKey(c.instanceName), criteria)
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge index: %w", err)
	}

	hashes, err := c.fetchHashes(ctx, ids, func(id string) string { return KnowledgeKey(c.instanceName, id) })
	if err != nil {
		return nil, fmt.Errorf("failed to read knowledge items: %w", err)
	}

	items := make([]*KnowledgeItem, 0, len(hashes))
	for _, hash := range hashes {
		item, err := HashToKnowledge(hash)
		if err != nil {
			return nil, fmt.Errorf("failed to deserialize knowledge item %s: %w", hash["id"], err)
		}
		if criteria.MatchesKnowledge(item) {
			items = append(items, item)
		}
	}

	return sortKnowledge(items, criteria.limit()), nil
}

// FlushWorkerStats adds a counter delta to the worker's persisted statistics.
func (c *Client) FlushWorkerStats(ctx context.Context, delta *StatsDelta) error {
	if err := delta.Validate(); err != nil {
		return fmt.Errorf("invalid stats delta: %w", err)
	}

	keys := []string{
		WorkerStatsKey(c.instanceName, delta.WorkerName),
		WorkerIndexKey(c.instanceName),
	}
	err := flushStatsScript.Run(ctx, c.rdb, keys,
		delta.Cycles, delta.Experiments, delta.TotalTimeMs, delta.Errors,
		delta.LastRunMs, delta.WorkerName,
	).Err()
	if err != nil {
		return fmt.Errorf("failed to flush worker stats: %w", err)
	}
	return nil
}

// GetWorkerStats returns the persisted counters for a worker.
func (c *Client) GetWorkerStats(ctx context.Context, workerName string) (*WorkerStats, error) {
	hashData, err := c.rdb.HGetAll(ctx, WorkerStatsKey(c.instanceName, workerName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read worker stats: %w", err)
	}
	if len(hashData) == 0 {
		return nil, ErrNotFound
	}
	return HashToWorkerStats(workerName, hashData), nil
}

// ListWorkerStats returns the persisted counters of every worker that has flushed, sorted by name.
func (c *Client) ListWorkerStats(ctx context.Context) ([]*WorkerStats, error) {
	names, err := c.rdb.SMembers(ctx, WorkerIndexKey(c.instanceName)).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read worker index: %w", err)
	}

	stats := make([]*WorkerStats, 0, len(names))
	for _, name := range names {
		s, err := c.GetWorkerStats(ctx, name)
		if err != nil {
			if IsNotFound(err) {
				continue
			}
			return nil, err
		}
		stats = append(stats, s)
	}

	sortWorkerStats(stats)
	return stats, nil
}

// rangeIndex reads member IDs from a time-scored index within the criteria's range.
func (c *Client) rangeIndex(ctx context.Context, key string, criteria *Criteria) ([]string, error) {
	lo, hi := "-inf", "+inf"
	if criteria != nil {
		if criteria.SinceTimestampMs > 0 {
			lo = strconv.FormatInt(criteria.SinceTimestampMs, 10)
		}
		if criteria.UntilTimestampMs > 0 {
			hi = strconv.FormatInt(criteria.UntilTimestampMs, 10)
		}
	}
	return c.rdb.ZRangeByScore(ctx, key, &redis.ZRangeBy{Min: lo, Max: hi}).Result()
}

// fetchHashes pipelines HGETALL for each ID, skipping keys that have vanished.
func (c *Client) fetchHashes(ctx context.Context, ids []string, keyFor func(string) string) ([]map[string]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := c.rdb.Pipeline()
	cmds := make([]*redis.MapStringStringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.HGetAll(ctx, keyFor(id))
	}
	if _, err := pipe.Exec(ctx); err != nil && err != redis.Nil {
		return nil, err
	}

	hashes := make([]map[string]string, 0, len(cmds))
	for _, cmd := range cmds {
		hash, err := cmd.Result()
		if err != nil {
			return nil, err
		}
		if len(hash) > 0 {
			hashes = append(hashes, hash)
		}
	}
	return hashes, nil
}

// Subscription is an active Pub/Sub subscription delivering decoded events of type T.
// Caller must call Close() when done.
type Subscription[T any] struct {
	events <-chan *T
	errors <-chan error
	cancel func()
	once   sync.Once
}

// KnowledgeSubscription streams appended knowledge items.
type KnowledgeSubscription = Subscription[KnowledgeItem]

// ExperimentSubscription streams experiments as they complete.
type ExperimentSubscription = Subscription[ExperimentRecord]

// Events returns the channel of decoded events.
// The channel is closed when the subscription is closed or the context is cancelled.
func (s *Subscription[T]) Events() <-chan *T {
	return s.events
}

// Errors returns the channel of non-fatal subscription errors.
func (s *Subscription[T]) Errors() <-chan error {
	return s.errors
}

// Close stops the subscription. Safe to call multiple times.
func (s *Subscription[T]) Close() error {
	s.once.Do(s.cancel)
	return nil
}

// SubscribeKnowledgeEvents subscribes to knowledge items appended to this instance.
// Delivery is at-most-once (Redis Pub/Sub); the sorted-set index remains the source of truth.
func (c *Client) SubscribeKnowledgeEvents(ctx context.Context) (*KnowledgeSubscription, error) {
	return subscribe[KnowledgeItem](ctx, c.rdb, KnowledgeEventsChannel(c.instanceName), "knowledge")
}

// SubscribeExperimentEvents subscribes to experiment outcomes recorded on this instance.
// Same delivery guarantees as SubscribeKnowledgeEvents.
func (c *Client) SubscribeExperimentEvents(ctx context.Context) (*ExperimentSubscription, error) {
	return subscribe[ExperimentRecord](ctx, c.rdb, ExperimentEventsChannel(c.instanceName), "experiment")
}

func subscribe[T any](ctx context.Context, rdb *redis.Client, channel, what string) (*Subscription[T], error) {
	pubsub := rdb.Subscribe(ctx, channel)

	// Wait for the subscription to be confirmed so no event is missed after return
	if _, err := pubsub.Receive(ctx); err != nil {
		pubsub.Close()
		return nil, fmt.Errorf("failed to subscribe to %s events: %w", what, err)
	}

	eventsChan := make(chan *T, 10)
	errorsChan := make(chan error, 10)
	subCtx, cancelFunc := context.WithCancel(ctx)

	go func() {
		defer close(eventsChan)
		defer close(errorsChan)
		defer pubsub.Close()

		ch := pubsub.Channel()
		for {
			select {
			case <-subCtx.Done():
				return
			case msg, ok := <-ch:
				if !ok {
					return
				}

				var event T
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					select {
					case errorsChan <- fmt.Errorf("failed to unmarshal %s event: %w", what, err):
					case <-subCtx.Done():
						return
					}
					continue
				}

				select {
				case eventsChan <- &event:
				case <-subCtx.Done():
					return
				}
			}
		}
	}()

	return &Subscription[T]{
		events: eventsChan,
		errors: errorsChan,
		cancel: cancelFunc,
	}, nil
}

func sortWorkerStats(stats []*WorkerStats) {
	sort.Slice(stats, func(i, j int) bool {
		return stats[i].WorkerName < stats[j].WorkerName
	})
}
