package dreamer

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/dyluth/nightshift/internal/config"
	"github.com/dyluth/nightshift/internal/subprocess"
	"github.com/dyluth/nightshift/pkg/ledger"
)

// ExperimentContext is what a generator knows about the worker when proposing.
type ExperimentContext struct {
	Worker        string         `json:"worker"`
	Kind          string         `json:"kind"`
	PrimaryMetric string         `json:"primary_metric"`
	Baseline      ledger.Metrics `json:"baseline"`
	CyclesRun     int64          `json:"cycles_run"`
}

// Proposal is the experiment a generator suggests.
type Proposal struct {
	Name          string   `json:"name"`
	Hypothesis    string   `json:"hypothesis"`
	Approach      string   `json:"approach"`
	TargetMetrics []string `json:"target_metrics"`
}

// Validate checks that the proposal can be recorded.
func (p *Proposal) Validate() error {
	if p.Hypothesis == "" {
		return fmt.Errorf("hypothesis cannot be empty")
	}
	return nil
}

// ProposalGenerator suggests experiments. Implementations must honour ctx cancellation.
type ProposalGenerator interface {
	Propose(ctx context.Context, worker string, ectx ExperimentContext) (*Proposal, error)
}

// CommandGenerator asks an external command for a proposal.
// The command receives the ExperimentContext as JSON on stdin and must print a Proposal as JSON.
type CommandGenerator struct {
	Command []string
}

// Propose runs the command under ctx.
func (g *CommandGenerator) Propose(ctx context.Context, worker string, ectx ExperimentContext) (*Proposal, error) {
	var proposal Proposal
	if _, err := subprocess.RunJSON(ctx, subprocess.Command{Args: g.Command}, &ectx, &proposal); err != nil {
		return nil, err
	}
	return &proposal, nil
}

// StaticGenerator cycles through a fixed catalogue, independently per worker.
type StaticGenerator struct {
	catalogue []Proposal

	mu   sync.Mutex
	next map[string]int
}

// DefaultCatalogue is used when neither a generator command nor a catalogue is configured.
func DefaultCatalogue() []Proposal {
	return []Proposal{
		{
			Name:       "widen-search",
			Hypothesis: "Examining a wider slice of the project per cycle finds more improvements",
			Approach:   "double the routine's scan scope for one cycle",
		},
		{
			Name:       "narrow-focus",
			Hypothesis: "Concentrating on the most recently changed files yields higher quality results",
			Approach:   "restrict the routine to files changed since the last cycle",
		},
		{
			Name:       "alternate-strategy",
			Hypothesis: "The routine's secondary strategy outperforms its default",
			Approach:   "run the routine with its alternate strategy enabled",
		},
	}
}

// NewStaticGenerator returns a generator over the catalogue.
func NewStaticGenerator(catalogue []Proposal) (*StaticGenerator, error) {
	if len(catalogue) == 0 {
		return nil, fmt.Errorf("catalogue cannot be empty")
	}
	for i := range catalogue {
		if err := catalogue[i].Validate(); err != nil {
			return nil, fmt.Errorf("catalogue entry %d: %w", i, err)
		}
	}
	return &StaticGenerator{catalogue: catalogue, next: make(map[string]int)}, nil
}

// Propose returns the worker's next catalogue entry.
func (g *StaticGenerator) Propose(ctx context.Context, worker string, ectx ExperimentContext) (*Proposal, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	g.mu.Lock()
	i := g.next[worker]
	g.next[worker] = (i + 1) % len(g.catalogue)
	g.mu.Unlock()

	p := g.catalogue[i]
	p.TargetMetrics = append([]string(nil), p.TargetMetrics...)
	return &p, nil
}

// GeneratorFromConfig picks the command generator when a command is configured,
// otherwise the static catalogue (or DefaultCatalogue when none is given).
func GeneratorFromConfig(cfg *config.DreamerConfig) (ProposalGenerator, error) {
	if len(cfg.ProposalCommand) > 0 {
		return &CommandGenerator{Command: cfg.ProposalCommand}, nil
	}

	catalogue := DefaultCatalogue()
	if len(cfg.Catalogue) > 0 {
		catalogue = make([]Proposal, 0, len(cfg.Catalogue))
		for _, tmpl := range cfg.Catalogue {
			catalogue = append(catalogue, Proposal{
				Name:          tmpl.Name,
				Hypothesis:    tmpl.Hypothesis,
				Approach:      tmpl.Approach,
				TargetMetrics: tmpl.TargetMetrics,
			})
		}
	}
	return NewStaticGenerator(catalogue)
}

// SettingsFromConfig extracts the scheduling and promotion parameters.
func SettingsFromConfig(cfg *config.DreamerConfig) Settings {
	s := DefaultSettings()
	if cfg.ExperimentRate != nil {
		s.ExperimentRate = *cfg.ExperimentRate
	}
	if cfg.PromotionThreshold != nil {
		s.PromotionThreshold = *cfg.PromotionThreshold
	}
	if cfg.ProposalTimeout.Duration > 0 {
		s.ProposalTimeout = cfg.ProposalTimeout.Duration
	}
	return s
}

// Settings are the coordinator's tunables.
type Settings struct {
	ExperimentRate     float64
	PromotionThreshold float64
	ProposalTimeout    time.Duration
}

// DefaultSettings returns rate 0.15, threshold 0.20 and a 30s proposal timeout.
func DefaultSettings() Settings {
	return Settings{
		ExperimentRate:     0.15,
		PromotionThreshold: 0.20,
		ProposalTimeout:    30 * time.Second,
	}
}
