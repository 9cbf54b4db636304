// Package report renders the ledger for the read-only CLI commands.
package report

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/google/uuid"

	"github.com/dyluth/nightshift/pkg/ledger"
)

// Format selects the listing layout.
type Format string

const (
	// FormatTable prints an aligned table with truncated fields
	FormatTable Format = "table"

	// FormatJSONL prints one complete JSON document per line
	FormatJSONL Format = "jsonl"
)

// ParseFormat validates a --output flag value.
func ParseFormat(s string) (Format, error) {
	switch Format(s) {
	case FormatTable, FormatJSONL:
		return Format(s), nil
	case "":
		return FormatTable, nil
	default:
		return "", fmt.Errorf("unknown output format: %s (use 'table' or 'jsonl')", s)
	}
}

// Reader is the read side of the ledger.
type Reader interface {
	GetExperiment(ctx context.Context, id string) (*ledger.ExperimentRecord, error)
	ListExperiments(ctx context.Context, criteria *ledger.Criteria) ([]*ledger.ExperimentRecord, error)
	GetKnowledge(ctx context.Context, id string) (*ledger.KnowledgeItem, error)
	ListKnowledge(ctx context.Context, criteria *ledger.Criteria) ([]*ledger.KnowledgeItem, error)
	ListWorkerStats(ctx context.Context) ([]*ledger.WorkerStats, error)
}

// NotFoundError reports an ID with no record behind it.
type NotFoundError struct {
	What string
	ID   string
}

func (e *NotFoundError) Error() string {
	return fmt.Sprintf("%s with ID '%s' not found", e.What, e.ID)
}

// IsNotFound returns true if the error is a NotFoundError.
func IsNotFound(err error) bool {
	var nf *NotFoundError
	return errors.As(err, &nf)
}

// ListExperiments writes matching experiments, oldest first.
func ListExperiments(ctx context.Context, r Reader, criteria *ledger.Criteria, format Format, w io.Writer, now time.Time) error {
	records, err := r.ListExperiments(ctx, criteria)
	if err != nil {
		return fmt.Errorf("failed to list experiments: %w", err)
	}

	switch format {
	case FormatTable:
		FormatExperimentTable(w, records, now)
		return nil
	case FormatJSONL:
		return FormatJSONLines(w, records)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// ListKnowledge writes matching knowledge items, oldest first.
// The table includes each item's freshness at now.
func ListKnowledge(ctx context.Context, r Reader, criteria *ledger.Criteria, format Format, w io.Writer, now time.Time) error {
	items, err := r.ListKnowledge(ctx, criteria)
	if err != nil {
		return fmt.Errorf("failed to list knowledge: %w", err)
	}

	switch format {
	case FormatTable:
		FormatKnowledgeTable(w, items, now)
		return nil
	case FormatJSONL:
		return FormatJSONLines(w, items)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// ListStats writes the persisted counters of every worker.
func ListStats(ctx context.Context, r Reader, format Format, w io.Writer, now time.Time) error {
	stats, err := r.ListWorkerStats(ctx)
	if err != nil {
		return fmt.Errorf("failed to list worker stats: %w", err)
	}

	switch format {
	case FormatTable:
		FormatStatsTable(w, stats, now)
		return nil
	case FormatJSONL:
		return FormatJSONLines(w, stats)
	default:
		return fmt.Errorf("unknown output format: %s", format)
	}
}

// GetExperiment writes one experiment as indented JSON.
func GetExperiment(ctx context.Context, r Reader, id string, w io.Writer) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid experiment ID format: must be a valid UUID")
	}

	rec, err := r.GetExperiment(ctx, id)
	if err != nil {
		if ledger.IsNotFound(err) {
			return &NotFoundError{What: "experiment", ID: id}
		}
		return fmt.Errorf("failed to fetch experiment: %w", err)
	}
	return FormatJSON(w, rec)
}

// GetKnowledge writes one knowledge item as indented JSON.
func GetKnowledge(ctx context.Context, r Reader, id string, w io.Writer) error {
	if _, err := uuid.Parse(id); err != nil {
		return fmt.Errorf("invalid knowledge ID format: must be a valid UUID")
	}

	item, err := r.GetKnowledge(ctx, id)
	if err != nil {
		if ledger.IsNotFound(err) {
			return &NotFoundError{What: "knowledge item", ID: id}
		}
		return fmt.Errorf("failed to fetch knowledge item: %w", err)
	}
	return FormatJSON(w, item)
}
