package report

import (
	"context"
	"fmt"
	"io"

	"github.com/dyluth/nightshift/pkg/ledger"
)

// Subscription yields events of type T as they are published.
type Subscription[T any] interface {
	Events() <-chan *T
	Errors() <-chan error
}

// FollowKnowledge streams newly published items matching criteria as JSON
// lines until ctx is cancelled or the subscription ends.
func FollowKnowledge(ctx context.Context, sub Subscription[ledger.KnowledgeItem], criteria *ledger.Criteria, w io.Writer) error {
	return follow(ctx, sub, "knowledge", criteria.MatchesKnowledge, w)
}

// FollowExperiments streams experiment outcomes matching criteria as JSON lines.
func FollowExperiments(ctx context.Context, sub Subscription[ledger.ExperimentRecord], criteria *ledger.Criteria, w io.Writer) error {
	return follow(ctx, sub, "experiment", criteria.MatchesExperiment, w)
}

func follow[T any](ctx context.Context, sub Subscription[T], what string, matches func(*T) bool, w io.Writer) error {
	for {
		select {
		case <-ctx.Done():
			return nil
		case err, ok := <-sub.Errors():
			if !ok {
				return nil
			}
			return fmt.Errorf("%s subscription failed: %w", what, err)
		case event, ok := <-sub.Events():
			if !ok {
				return nil
			}
			if !matches(event) {
				continue
			}
			if err := FormatJSONLines(w, []*T{event}); err != nil {
				return err
			}
		}
	}
}
