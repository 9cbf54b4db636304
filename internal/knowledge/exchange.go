// Package knowledge routes findings between workers and weighs them by age.
package knowledge

import (
	"context"
	"fmt"
	"maps"
	"math"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/dyluth/nightshift/pkg/ledger"
)

// Appender is the slice of the ledger the exchange writes to.
type Appender interface {
	AppendKnowledge(ctx context.Context, item *ledger.KnowledgeItem) error
}

// Exchange validates, persists and fans out knowledge items.
// Each registered worker owns a bounded inbox; delivery is at-least-once
// from the consumer's point of view, so consumers must apply items idempotently.
type Exchange struct {
	store     Appender
	types     map[string]TypeSpec
	inboxSize int
	logger    *zap.Logger
	now       func() time.Time

	mu      sync.RWMutex
	inboxes map[string]chan *ledger.KnowledgeItem
	kinds   map[string]string
}

// NewExchange creates an exchange for the given type table.
func NewExchange(store Appender, types map[string]TypeSpec, inboxSize int, logger *zap.Logger) (*Exchange, error) {
	if store == nil {
		return nil, fmt.Errorf("store cannot be nil")
	}
	if inboxSize < 1 {
		return nil, fmt.Errorf("inbox size must be >= 1, got %d", inboxSize)
	}
	for name, spec := range types {
		if spec.HalfLife < time.Second {
			return nil, fmt.Errorf("knowledge type '%s': half-life must be at least 1s", name)
		}
	}

	return &Exchange{
		store:     store,
		types:     types,
		inboxSize: inboxSize,
		logger:    logger.Named("knowledge"),
		now:       time.Now,
		inboxes:   make(map[string]chan *ledger.KnowledgeItem),
		kinds:     make(map[string]string),
	}, nil
}

// Register creates the inbox for a worker. Registering twice is an error.
func (x *Exchange) Register(worker, kind string) error {
	x.mu.Lock()
	defer x.mu.Unlock()

	if _, exists := x.inboxes[worker]; exists {
		return fmt.Errorf("worker '%s' already registered", worker)
	}
	x.inboxes[worker] = make(chan *ledger.KnowledgeItem, x.inboxSize)
	x.kinds[worker] = kind
	return nil
}

// Publish validates the payload against its type, persists one item and
// enqueues it to every interested worker except the source.
func (x *Exchange) Publish(ctx context.Context, source, knowledgeType string, payload map[string]interface{}, confidence float64) (*ledger.KnowledgeItem, error) {
	spec, ok := x.types[knowledgeType]
	if !ok {
		return nil, &ValidationError{KnowledgeType: knowledgeType, Reason: "unknown knowledge type"}
	}
	if source == "" {
		return nil, &ValidationError{KnowledgeType: knowledgeType, Reason: "source worker is required"}
	}
	if confidence < 0 || confidence > 1 || math.IsNaN(confidence) {
		return nil, &ValidationError{
			KnowledgeType: knowledgeType,
			Reason:        fmt.Sprintf("confidence must be within [0,1], got %v", confidence),
		}
	}
	if missing := spec.missingFields(payload); len(missing) > 0 {
		return nil, &ValidationError{KnowledgeType: knowledgeType, MissingFields: missing}
	}

	item := &ledger.KnowledgeItem{
		ID:            uuid.New().String(),
		SourceWorker:  source,
		KnowledgeType: knowledgeType,
		Payload:       maps.Clone(payload),
		Confidence:    confidence,
		CreatedAtMs:   x.now().UnixMilli(),
		HalfLifeSec:   int64(spec.HalfLife / time.Second),
	}
	if err := x.store.AppendKnowledge(ctx, item); err != nil {
		return nil, fmt.Errorf("failed to persist knowledge item: %w", err)
	}

	recipients := x.deliver(spec, item)
	x.logger.Debug("Knowledge published",
		zap.String("item_id", item.ID),
		zap.String("type", knowledgeType),
		zap.String("source", source),
		zap.Int("recipients", recipients))

	return item, nil
}

// deliver enqueues the item to each recipient, dropping the oldest queued notice when an inbox is full.
func (x *Exchange) deliver(spec TypeSpec, item *ledger.KnowledgeItem) int {
	x.mu.RLock()
	defer x.mu.RUnlock()

	recipients := 0
	for worker, inbox := range x.inboxes {
		if worker == item.SourceWorker || !spec.routesTo(x.kinds[worker]) {
			continue
		}
		recipients++

		for _, dropped := range enqueue(inbox, item) {
			x.logger.Warn("Inbox full, dropped oldest knowledge notice",
				zap.String("worker", worker),
				zap.String("dropped_item_id", dropped.ID))
		}
	}
	return recipients
}

// enqueue sends item, evicting queued notices until there is room.
func enqueue(inbox chan *ledger.KnowledgeItem, item *ledger.KnowledgeItem) []*ledger.KnowledgeItem {
	var dropped []*ledger.KnowledgeItem
	for {
		select {
		case inbox <- item:
			return dropped
		default:
		}

		select {
		case old := <-inbox:
			dropped = append(dropped, old)
		default:
		}
	}
}

// Consume pops the next item from the worker's inbox without blocking.
func (x *Exchange) Consume(worker string) (*ledger.KnowledgeItem, bool) {
	x.mu.RLock()
	inbox, ok := x.inboxes[worker]
	x.mu.RUnlock()
	if !ok {
		return nil, false
	}

	select {
	case item := <-inbox:
		return item, true
	default:
		return nil, false
	}
}

// Pending returns the number of queued items for a worker.
func (x *Exchange) Pending(worker string) int {
	x.mu.RLock()
	defer x.mu.RUnlock()
	return len(x.inboxes[worker])
}

// Freshness weighs an item by its age at now.
func (x *Exchange) Freshness(item *ledger.KnowledgeItem, now time.Time) float64 {
	return Freshness(item, now)
}

// Types returns the known knowledge types sorted by name.
func (x *Exchange) Types() []TypeSpec {
	specs := make([]TypeSpec, 0, len(x.types))
	for _, spec := range x.types {
		specs = append(specs, spec)
	}
	sort.Slice(specs, func(i, j int) bool { return specs[i].Name < specs[j].Name })
	return specs
}
