package autonomy

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/dyluth/nightshift/internal/subprocess"
)

// Proposal is an action a worker wants to take outside the process.
type Proposal struct {
	Worker     string                 `json:"worker"`
	Summary    string                 `json:"summary"`
	Confidence float64                `json:"confidence"`
	Payload    map[string]interface{} `json:"payload,omitempty"`
}

// Executor carries out an action already authorized by the Gate.
type Executor interface {
	Execute(ctx context.Context, action Action, proposal *Proposal) error
}

// Gate screens proposals with Authorize before any executor sees them.
// It is the only path from workers to an Executor.
type Gate struct {
	level      Level
	thresholds Thresholds
	executor   Executor
	logger     *zap.Logger
}

// NewGate creates a gate for the deployment's autonomy settings.
func NewGate(level Level, thresholds Thresholds, executor Executor, logger *zap.Logger) (*Gate, error) {
	if err := level.Validate(); err != nil {
		return nil, err
	}
	if err := thresholds.Validate(); err != nil {
		return nil, err
	}
	if executor == nil {
		return nil, fmt.Errorf("executor cannot be nil")
	}
	return &Gate{
		level:      level,
		thresholds: thresholds,
		executor:   executor,
		logger:     logger.Named("autonomy"),
	}, nil
}

// Submit authorizes the proposal and, unless rejected, hands it to the executor.
// The returned action is what was decided, even if execution fails.
func (g *Gate) Submit(ctx context.Context, proposal *Proposal) (Action, error) {
	action := Authorize(proposal.Confidence, g.level, g.thresholds)
	if action == ActionReject {
		g.logger.Info("Proposal rejected: insufficient confidence",
			zap.String("worker", proposal.Worker),
			zap.String("summary", proposal.Summary),
			zap.Float64("confidence", proposal.Confidence),
			zap.String("level", string(g.level)))
		return action, nil
	}

	if err := g.executor.Execute(ctx, action, proposal); err != nil {
		return action, fmt.Errorf("executor failed for %s: %w", action, err)
	}
	return action, nil
}

// LogExecutor records authorized actions without performing them.
type LogExecutor struct {
	Logger *zap.Logger
}

// Execute logs the decision.
func (e *LogExecutor) Execute(ctx context.Context, action Action, proposal *Proposal) error {
	e.Logger.Info("Action authorized",
		zap.String("action", string(action)),
		zap.String("worker", proposal.Worker),
		zap.String("summary", proposal.Summary),
		zap.Float64("confidence", proposal.Confidence))
	return nil
}

// CommandExecutor runs an external command for each authorized action.
// The command receives {"action": ..., "proposal": {...}} as JSON on stdin.
type CommandExecutor struct {
	Command []string
	Timeout time.Duration
	Logger  *zap.Logger
}

type executorInput struct {
	Action   Action    `json:"action"`
	Proposal *Proposal `json:"proposal"`
}

// Execute runs the command and fails on a non-zero exit.
func (e *CommandExecutor) Execute(ctx context.Context, action Action, proposal *Proposal) error {
	result, err := subprocess.Run(ctx, subprocess.Command{
		Args:    e.Command,
		Timeout: e.Timeout,
	}, &executorInput{Action: action, Proposal: proposal})
	if err != nil {
		return err
	}

	e.Logger.Info("Action executed",
		zap.String("action", string(action)),
		zap.String("worker", proposal.Worker),
		zap.Duration("duration", result.Duration),
		zap.String("output", subprocess.Truncate(string(result.Stdout), 200)))
	return nil
}
