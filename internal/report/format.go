package report

import (
	"encoding/json"
	"fmt"
	"io"
	"reflect"
	"strings"
	"time"

	"github.com/dyluth/nightshift/internal/knowledge"
	"github.com/dyluth/nightshift/pkg/ledger"
)

// FormatExperimentTable writes one row per experiment and returns the row count.
func FormatExperimentTable(w io.Writer, records []*ledger.ExperimentRecord, now time.Time) int {
	if len(records) == 0 {
		fmt.Fprintln(w, "No experiments found")
		return 0
	}

	row := "%-8s %-16s %-24s %-9s %-9s %-5s %-8s %s\n"
	fmt.Fprintf(w, row, "ID", "WORKER", "NAME", "STATUS", "IMPROVE", "PROMO", "AGE", "METRIC")
	fmt.Fprintf(w, row, "--------", "----------------", "------------------------", "---------", "---------", "-----", "--------", "----------------")

	promoted := 0
	for _, r := range records {
		if r.Promoted {
			promoted++
		}
		fmt.Fprintf(w, row,
			shortID(r.ID),
			truncate(r.WorkerName, 16),
			truncate(r.Name, 24),
			r.Status,
			formatImprovement(r.Improvement),
			formatBool(r.Promoted),
			formatAge(r.StartedAtMs, now),
			r.PrimaryMetric,
		)
	}

	fmt.Fprintf(w, "\n%s found, %d promoted\n", plural(len(records), "experiment"), promoted)
	return len(records)
}

// FormatKnowledgeTable writes one row per item, including freshness at now.
func FormatKnowledgeTable(w io.Writer, items []*ledger.KnowledgeItem, now time.Time) int {
	if len(items) == 0 {
		fmt.Fprintln(w, "No knowledge items found")
		return 0
	}

	row := "%-8s %-20s %-16s %-5s %-6s %-8s %s\n"
	fmt.Fprintf(w, row, "ID", "TYPE", "SOURCE", "CONF", "FRESH", "AGE", "PAYLOAD")
	fmt.Fprintf(w, row, "--------", "--------------------", "----------------", "-----", "------", "--------", "----------------------------------------")

	for _, k := range items {
		fmt.Fprintf(w, row,
			shortID(k.ID),
			truncate(k.KnowledgeType, 20),
			truncate(k.SourceWorker, 16),
			fmt.Sprintf("%.2f", k.Confidence),
			fmt.Sprintf("%.3f", knowledge.Freshness(k, now)),
			formatAge(k.CreatedAtMs, now),
			formatPayload(k.Payload),
		)
	}

	fmt.Fprintf(w, "\n%s found\n", plural(len(items), "knowledge item"))
	return len(items)
}

// FormatStatsTable writes one row per worker.
func FormatStatsTable(w io.Writer, stats []*ledger.WorkerStats, now time.Time) int {
	if len(stats) == 0 {
		fmt.Fprintln(w, "No worker statistics recorded")
		return 0
	}

	row := "%-16s %8s %8s %8s %10s %s\n"
	fmt.Fprintf(w, row, "WORKER", "CYCLES", "EXPTS", "ERRORS", "AVG", "LAST RUN")
	fmt.Fprintf(w, row, "----------------", "--------", "--------", "--------", "----------", "--------")

	for _, s := range stats {
		avg := "-"
		if s.CyclesRun > 0 {
			avg = (time.Duration(s.TotalTimeMs/s.CyclesRun) * time.Millisecond).String()
		}
		fmt.Fprintf(w, row,
			truncate(s.WorkerName, 16),
			fmt.Sprint(s.CyclesRun),
			fmt.Sprint(s.ExperimentsRun),
			fmt.Sprint(s.ErrorCount),
			avg,
			formatAge(s.LastRunMs, now),
		)
	}
	return len(stats)
}

// FormatJSONLines writes each element of a slice as one compact JSON line.
func FormatJSONLines(w io.Writer, v interface{}) error {
	rv := reflect.ValueOf(v)
	if rv.Kind() != reflect.Slice {
		return fmt.Errorf("expected a slice, got %T", v)
	}

	enc := json.NewEncoder(w)
	for i := 0; i < rv.Len(); i++ {
		if err := enc.Encode(rv.Index(i).Interface()); err != nil {
			return fmt.Errorf("failed to write JSONL output: %w", err)
		}
	}
	return nil
}

// FormatJSON writes v as indented JSON followed by a newline.
func FormatJSON(w io.Writer, v interface{}) error {
	data, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	if _, err := w.Write(data); err != nil {
		return fmt.Errorf("failed to write JSON output: %w", err)
	}
	fmt.Fprintln(w)
	return nil
}

func shortID(id string) string {
	if len(id) > 8 {
		return id[:8]
	}
	return id
}

func truncate(s string, max int) string {
	if s == "" {
		return "-"
	}
	if len(s) > max {
		return s[:max-3] + "..."
	}
	return s
}

func formatImprovement(v *float64) string {
	if v == nil {
		return "-"
	}
	return fmt.Sprintf("%+.1f%%", *v*100)
}

func formatBool(b bool) string {
	if b {
		return "yes"
	}
	return "-"
}

// formatPayload renders the payload as compact JSON cut to 40 characters.
func formatPayload(payload map[string]interface{}) string {
	if len(payload) == 0 {
		return "-"
	}
	data, err := json.Marshal(payload)
	if err != nil {
		return "<invalid>"
	}
	s := strings.ReplaceAll(string(data), "\n", " ")
	if len(s) > 40 {
		return s[:37] + "..."
	}
	return s
}

// formatAge renders a Unix-millisecond timestamp relative to now.
func formatAge(timestampMs int64, now time.Time) string {
	if timestampMs == 0 {
		return "-"
	}

	diff := now.Sub(time.UnixMilli(timestampMs))
	switch {
	case diff < 0:
		return "now"
	case diff < time.Minute:
		return fmt.Sprintf("%ds ago", int(diff.Seconds()))
	case diff < time.Hour:
		return fmt.Sprintf("%dm ago", int(diff.Minutes()))
	case diff < 24*time.Hour:
		return fmt.Sprintf("%dh ago", int(diff.Hours()))
	default:
		return fmt.Sprintf("%dd ago", int(diff.Hours()/24))
	}
}

func plural(n int, noun string) string {
	if n == 1 {
		return fmt.Sprintf("1 %s", noun)
	}
	return fmt.Sprintf("%d %ss", n, noun)
}
