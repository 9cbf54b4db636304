// Package routine provides worker kinds backed by external commands.
//
// A command reads one JSON request on stdin and writes one JSON response on
// stdout. Production requests carry the knowledge applied since the last
// production run; experimental requests carry the proposal under test.
package routine

import (
	"context"
	"fmt"
	"sync"

	"github.com/dyluth/nightshift/internal/config"
	"github.com/dyluth/nightshift/internal/dreamer"
	"github.com/dyluth/nightshift/internal/subprocess"
	"github.com/dyluth/nightshift/internal/worker"
	"github.com/dyluth/nightshift/pkg/ledger"
)

// maxKnowledge bounds the knowledge carried into one production request.
const maxKnowledge = 64

// Request is the JSON document written to the routine's stdin.
type Request struct {
	Mode      worker.Mode       `json:"mode"`
	Worker    string            `json:"worker"`
	Kind      string            `json:"kind"`
	Knowledge []WeightedItem    `json:"knowledge,omitempty"`
	Proposal  *dreamer.Proposal `json:"proposal,omitempty"`
}

// WeightedItem is a knowledge item with its freshness at the time it was applied.
type WeightedItem struct {
	Item      *ledger.KnowledgeItem `json:"item"`
	Freshness float64               `json:"freshness"`
}

// CommandKind runs the configured production and experimental commands.
type CommandKind struct {
	worker       string
	kind         string
	production   subprocess.Command
	experimental subprocess.Command

	mu      sync.Mutex
	pending []WeightedItem
}

// NewCommandKind builds a kind from the worker's configuration.
func NewCommandKind(name string, w config.Worker) (*CommandKind, error) {
	if len(w.ProductionCommand) == 0 {
		return nil, fmt.Errorf("worker '%s': production command is empty", name)
	}
	experimental := w.ExperimentalCommand
	if len(experimental) == 0 {
		experimental = w.ProductionCommand
	}

	return &CommandKind{
		worker:       name,
		kind:         w.Kind,
		production:   command(w.ProductionCommand, w),
		experimental: command(experimental, w),
	}, nil
}

func command(args []string, w config.Worker) subprocess.Command {
	return subprocess.Command{
		Args:    args,
		Timeout: w.Timeout.Duration,
		Env:     w.Environment,
	}
}

// ApplyKnowledge queues the item for the next production request,
// keeping only the most recent items.
func (k *CommandKind) ApplyKnowledge(ctx context.Context, item *ledger.KnowledgeItem, freshness float64) error {
	k.mu.Lock()
	defer k.mu.Unlock()

	if len(k.pending) >= maxKnowledge {
		k.pending = k.pending[1:]
	}
	k.pending = append(k.pending, WeightedItem{Item: item, Freshness: freshness})
	return nil
}

// RunProduction runs the production command. Queued knowledge is consumed
// only when the command succeeds.
func (k *CommandKind) RunProduction(ctx context.Context) (*worker.Result, error) {
	k.mu.Lock()
	knowledge := make([]WeightedItem, len(k.pending))
	copy(knowledge, k.pending)
	k.mu.Unlock()

	req := &Request{
		Mode:      worker.ModeProduction,
		Worker:    k.worker,
		Kind:      k.kind,
		Knowledge: knowledge,
	}

	var result worker.Result
	if _, err := subprocess.RunJSON(ctx, k.production, req, &result); err != nil {
		return nil, err
	}

	k.mu.Lock()
	if len(k.pending) >= len(knowledge) {
		k.pending = k.pending[len(knowledge):]
	} else {
		k.pending = nil
	}
	k.mu.Unlock()

	return &result, nil
}

// RunExperimental runs the experimental command against the proposal.
func (k *CommandKind) RunExperimental(ctx context.Context, proposal *dreamer.Proposal) (*worker.ExperimentResult, error) {
	req := &Request{
		Mode:     worker.ModeExperimental,
		Worker:   k.worker,
		Kind:     k.kind,
		Proposal: proposal,
	}

	var result worker.ExperimentResult
	if _, err := subprocess.RunJSON(ctx, k.experimental, req, &result); err != nil {
		return nil, err
	}
	if len(result.Metrics) == 0 {
		return nil, fmt.Errorf("experimental routine reported no metrics")
	}
	return &result, nil
}
