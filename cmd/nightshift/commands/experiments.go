package commands

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/nightshift/internal/printer"
	"github.com/dyluth/nightshift/internal/report"
	"github.com/dyluth/nightshift/internal/timespec"
	"github.com/dyluth/nightshift/pkg/ledger"
)

var (
	experimentsOutput   string
	experimentsSince    string
	experimentsUntil    string
	experimentsWorker   string
	experimentsStatus   string
	experimentsPromoted bool
	experimentsLimit    int
	experimentsFollow   bool
)

var experimentsCmd = &cobra.Command{
	Use:   "experiments [EXPERIMENT_ID]",
	Short: "Inspect the experiment ledger",
	Long: `Inspect experiment records in list, get or follow mode.

List Mode (no EXPERIMENT_ID):
  Displays experiments matching filters as a table or JSONL stream, oldest first.

Get Mode (with EXPERIMENT_ID):
  Displays the complete record as pretty-printed JSON.

Follow Mode (--follow, Redis backend only):
  Streams experiments as they complete, matching --worker/--status/--promoted, as JSONL.

Examples:
  # Everything promoted in the last week
  nightshift experiments --promoted --since=7d

  # Failed experiments of one worker as JSONL
  nightshift experiments --worker=optimizer --status=failed -o jsonl

  # Watch promotions as they happen
  nightshift experiments --follow --promoted

  # One record
  nightshift experiments 3f2b9c1e-8d4a-4e0f-9a51-6c2d7e8f9a0b`,
	Args: cobra.MaximumNArgs(1),
	RunE: runExperiments,
}

func init() {
	experimentsCmd.Flags().StringVarP(&experimentsOutput, "output", "o", "table", "Output format: table or jsonl (ignored in get mode)")
	experimentsCmd.Flags().StringVar(&experimentsSince, "since", "", "Show experiments started after time (duration, days, date or RFC3339)")
	experimentsCmd.Flags().StringVar(&experimentsUntil, "until", "", "Show experiments started before time")
	experimentsCmd.Flags().StringVar(&experimentsWorker, "worker", "", "Filter by worker name (exact match)")
	experimentsCmd.Flags().StringVar(&experimentsStatus, "status", "", "Filter by status: running, completed or failed")
	experimentsCmd.Flags().BoolVar(&experimentsPromoted, "promoted", false, "Show only promoted experiments")
	experimentsCmd.Flags().IntVar(&experimentsLimit, "limit", 0, "Show at most N most recent experiments (0 = all)")
	experimentsCmd.Flags().BoolVarP(&experimentsFollow, "follow", "f", false, "Stream experiments as they complete")
	rootCmd.AddCommand(experimentsCmd)
}

func runExperiments(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	criteria, format, err := experimentCriteria(cmd, time.Now())
	if err != nil {
		return err
	}

	_, store, err := connect(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	if len(args) == 1 {
		if err := report.GetExperiment(ctx, store, args[0], cmd.OutOrStdout()); err != nil {
			if report.IsNotFound(err) {
				return printer.Error("experiment not found", err.Error(), []string{"List experiments:\n  nightshift experiments"})
			}
			return printer.Error("failed to get experiment", err.Error(), nil)
		}
		return nil
	}

	if experimentsFollow {
		return followExperiments(ctx, cmd, store, criteria)
	}

	if err := report.ListExperiments(ctx, store, criteria, format, cmd.OutOrStdout(), time.Now()); err != nil {
		return printer.Error("failed to list experiments", err.Error(), nil)
	}
	return nil
}

// experimentCriteria turns the list flags into ledger criteria.
func experimentCriteria(cmd *cobra.Command, now time.Time) (*ledger.Criteria, report.Format, error) {
	format, err := report.ParseFormat(experimentsOutput)
	if err != nil {
		return nil, "", printer.Error("invalid output format", err.Error(), []string{"Valid formats: table, jsonl"})
	}

	window, err := timespec.ParseRange(experimentsSince, experimentsUntil, now)
	if err != nil {
		return nil, "", printer.Error("invalid time range", err.Error(), []string{"Use a duration (2h), days (7d), a date (2026-10-01) or RFC3339"})
	}

	criteria := &ledger.Criteria{
		Worker:           experimentsWorker,
		SinceTimestampMs: window.SinceMs,
		UntilTimestampMs: window.UntilMs,
		Limit:            experimentsLimit,
	}

	if experimentsStatus != "" {
		status := ledger.ExperimentStatus(experimentsStatus)
		if err := status.Validate(); err != nil {
			return nil, "", printer.Error("invalid status", err.Error(), []string{"Valid statuses: running, completed, failed"})
		}
		criteria.Status = status
	}

	if cmd.Flags().Changed("promoted") {
		promoted := experimentsPromoted
		criteria.Promoted = &promoted
	}

	return criteria, format, nil
}

func followExperiments(ctx context.Context, cmd *cobra.Command, store ledger.Store, criteria *ledger.Criteria) error {
	client, ok := store.(*ledger.Client)
	if !ok {
		return printer.Error("follow not supported",
			fmt.Sprintf("--follow needs the redis backend; this deployment uses %T", store),
			[]string{"Poll instead:\n  nightshift experiments --since=5m"})
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	sub, err := client.SubscribeExperimentEvents(ctx)
	if err != nil {
		return printer.Error("failed to subscribe", err.Error(), nil)
	}
	defer sub.Close()

	live := *criteria
	live.SinceTimestampMs, live.UntilTimestampMs = 0, 0

	return report.FollowExperiments(ctx, sub, &live, cmd.OutOrStdout())
}
