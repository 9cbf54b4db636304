package dreamer

import "fmt"

// ProposalGenerationError means no usable proposal arrived. No experiment
// record exists for the cycle; the caller skips it.
type ProposalGenerationError struct {
	Worker string
	Err    error
}

func (e *ProposalGenerationError) Error() string {
	return fmt.Sprintf("proposal generation failed for worker '%s': %v", e.Worker, e.Err)
}

func (e *ProposalGenerationError) Unwrap() error {
	return e.Err
}

// AlreadyCompletedError reports a duplicate completion. The record is unchanged.
type AlreadyCompletedError struct {
	ExperimentID string
}

func (e *AlreadyCompletedError) Error() string {
	return fmt.Sprintf("experiment %s already completed", e.ExperimentID)
}
