// Package autonomy decides how far a worker's output may go without human
// approval, and carries authorized actions to an executor.
package autonomy

import (
	"fmt"
	"math"

	"github.com/dyluth/nightshift/internal/config"
)

// Level is the deployment's ceiling on automatic action.
type Level string

const (
	LevelProposeOnly Level = config.LevelProposeOnly
	LevelAutoCommit  Level = config.LevelAutoCommit
	LevelAutoMerge   Level = config.LevelAutoMerge
)

// Action is the outcome of authorization.
type Action string

const (
	ActionReject      Action = "reject"
	ActionProposeOnly Action = "propose_only"
	ActionAutoCommit  Action = "auto_commit"
	ActionAutoMerge   Action = "auto_merge"
)

// Thresholds are the minimum confidences for each tier, ascending.
type Thresholds struct {
	ProposeOnly float64 `json:"propose_only"`
	AutoCommit  float64 `json:"auto_commit"`
	AutoMerge   float64 `json:"auto_merge"`
}

// DefaultThresholds returns 0.70 / 0.80 / 0.90.
func DefaultThresholds() Thresholds {
	return Thresholds{ProposeOnly: 0.70, AutoCommit: 0.80, AutoMerge: 0.90}
}

// Validate checks if the Level is a valid enum value.
func (l Level) Validate() error {
	switch l {
	case LevelProposeOnly, LevelAutoCommit, LevelAutoMerge:
		return nil
	default:
		return fmt.Errorf("invalid autonomy level: %s (must be 'propose_only', 'auto_commit', or 'auto_merge')", l)
	}
}

// Validate checks that thresholds lie in [0,1] and ascend.
func (t Thresholds) Validate() error {
	for _, v := range []float64{t.ProposeOnly, t.AutoCommit, t.AutoMerge} {
		if v < 0 || v > 1 || math.IsNaN(v) {
			return fmt.Errorf("thresholds must be within [0,1], got %v", v)
		}
	}
	if !(t.ProposeOnly <= t.AutoCommit && t.AutoCommit <= t.AutoMerge) {
		return fmt.Errorf("thresholds must ascend: propose_only <= auto_commit <= auto_merge")
	}
	return nil
}

// FromConfig extracts the level and thresholds from a loaded configuration.
func FromConfig(cfg *config.AutonomyConfig) (Level, Thresholds, error) {
	level := Level(cfg.Level)
	if err := level.Validate(); err != nil {
		return "", Thresholds{}, err
	}
	t := DefaultThresholds()
	if cfg.Thresholds != nil {
		if cfg.Thresholds.ProposeOnly != nil {
			t.ProposeOnly = *cfg.Thresholds.ProposeOnly
		}
		if cfg.Thresholds.AutoCommit != nil {
			t.AutoCommit = *cfg.Thresholds.AutoCommit
		}
		if cfg.Thresholds.AutoMerge != nil {
			t.AutoMerge = *cfg.Thresholds.AutoMerge
		}
	}
	if err := t.Validate(); err != nil {
		return "", Thresholds{}, err
	}
	return level, t, nil
}

// Authorize returns the highest action whose threshold the confidence meets,
// never above the ceiling set by level. Confidence below the lowest tier, NaN,
// or an unknown level yields ActionReject.
func Authorize(confidence float64, level Level, thresholds Thresholds) Action {
	if math.IsNaN(confidence) {
		return ActionReject
	}

	var ceiling int
	switch level {
	case LevelProposeOnly:
		ceiling = 1
	case LevelAutoCommit:
		ceiling = 2
	case LevelAutoMerge:
		ceiling = 3
	default:
		return ActionReject
	}

	tiers := []struct {
		min    float64
		action Action
	}{
		{thresholds.AutoMerge, ActionAutoMerge},
		{thresholds.AutoCommit, ActionAutoCommit},
		{thresholds.ProposeOnly, ActionProposeOnly},
	}
	for i, tier := range tiers {
		rank := len(tiers) - i
		if rank > ceiling {
			continue
		}
		if confidence >= tier.min {
			return tier.action
		}
	}
	return ActionReject
}

// Automatic reports whether the action changes the repository without a human.
func (a Action) Automatic() bool {
	return a == ActionAutoCommit || a == ActionAutoMerge
}
