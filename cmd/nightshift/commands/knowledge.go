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
	knowledgeOutput string
	knowledgeSince  string
	knowledgeUntil  string
	knowledgeType   string
	knowledgeSource string
	knowledgeLimit  int
	knowledgeFollow bool
)

var knowledgeCmd = &cobra.Command{
	Use:   "knowledge [ITEM_ID]",
	Short: "Inspect shared knowledge and its freshness",
	Long: `Inspect knowledge items in list, get or follow mode.

List Mode (no ITEM_ID):
  Displays items matching filters, oldest first. The table shows each item's
  freshness now: exp(-age/half_life), 1.0 for a brand new item.

Get Mode (with ITEM_ID):
  Displays the complete item as pretty-printed JSON.

Follow Mode (--follow, Redis backend only):
  Streams newly published items matching --type/--source as JSONL until interrupted.

Examples:
  nightshift knowledge --type="successful_*" --since=3d
  nightshift knowledge --source=linter -o jsonl | jq .payload
  nightshift knowledge --follow --type=failure_report`,
	Args: cobra.MaximumNArgs(1),
	RunE: runKnowledge,
}

func init() {
	knowledgeCmd.Flags().StringVarP(&knowledgeOutput, "output", "o", "table", "Output format: table or jsonl (ignored in get and follow mode)")
	knowledgeCmd.Flags().StringVar(&knowledgeSince, "since", "", "Show items created after time (duration, days, date or RFC3339)")
	knowledgeCmd.Flags().StringVar(&knowledgeUntil, "until", "", "Show items created before time")
	knowledgeCmd.Flags().StringVar(&knowledgeType, "type", "", "Filter by knowledge type (glob pattern)")
	knowledgeCmd.Flags().StringVar(&knowledgeSource, "source", "", "Filter by source worker (exact match)")
	knowledgeCmd.Flags().IntVar(&knowledgeLimit, "limit", 0, "Show at most N most recent items (0 = all)")
	knowledgeCmd.Flags().BoolVarP(&knowledgeFollow, "follow", "f", false, "Stream new items as they are published")
	rootCmd.AddCommand(knowledgeCmd)
}

func runKnowledge(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	format, err := report.ParseFormat(knowledgeOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: table, jsonl"})
	}

	window, err := timespec.ParseRange(knowledgeSince, knowledgeUntil, time.Now())
	if err != nil {
		return printer.Error("invalid time range", err.Error(), []string{"Use a duration (2h), days (7d), a date (2026-10-01) or RFC3339"})
	}

	criteria := &ledger.Criteria{
		Worker:           knowledgeSource,
		SinceTimestampMs: window.SinceMs,
		UntilTimestampMs: window.UntilMs,
		TypeGlob:         knowledgeType,
		Limit:            knowledgeLimit,
	}

	_, store, err := connect(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	switch {
	case len(args) == 1:
		if err := report.GetKnowledge(ctx, store, args[0], cmd.OutOrStdout()); err != nil {
			if report.IsNotFound(err) {
				return printer.Error("knowledge item not found", err.Error(), []string{"List items:\n  nightshift knowledge"})
			}
			return printer.Error("failed to get knowledge item", err.Error(), nil)
		}
		return nil
	case knowledgeFollow:
		return followKnowledge(ctx, cmd, store, criteria)
	default:
		if err := report.ListKnowledge(ctx, store, criteria, format, cmd.OutOrStdout(), time.Now()); err != nil {
			return printer.Error("failed to list knowledge", err.Error(), nil)
		}
		return nil
	}
}

func followKnowledge(ctx context.Context, cmd *cobra.Command, store ledger.Store, criteria *ledger.Criteria) error {
	client, ok := store.(*ledger.Client)
	if !ok {
		return printer.Error("follow not supported",
			fmt.Sprintf("--follow needs the redis backend; this deployment uses %T", store),
			[]string{"Poll instead:\n  nightshift knowledge --since=5m"})
	}

	ctx, stop := signal.NotifyContext(ctx, os.Interrupt)
	defer stop()

	sub, err := client.SubscribeKnowledgeEvents(ctx)
	if err != nil {
		return printer.Error("failed to subscribe", err.Error(), nil)
	}
	defer sub.Close()

	// Time filters apply to history only; a live stream has no upper bound
	live := *criteria
	live.SinceTimestampMs, live.UntilTimestampMs = 0, 0

	return report.FollowKnowledge(ctx, sub, &live, cmd.OutOrStdout())
}
