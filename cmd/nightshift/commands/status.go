package commands

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/dyluth/nightshift/internal/printer"
	"github.com/dyluth/nightshift/internal/report"
	"github.com/dyluth/nightshift/internal/worker"
)

var (
	statusOutput string
	statusLive   string
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Show per-worker counters",
	Long: `Status prints the counters each worker has flushed to the store: cycles,
experiments, errors, average cycle time and the last run.

With --live it instead queries the /status endpoint of a running deployment,
which also shows each loop's current state and any unflushed counters.

Examples:
  nightshift status
  nightshift status --output=jsonl
  nightshift status --live http://localhost:8080`,
	RunE: runStatus,
}

func init() {
	statusCmd.Flags().StringVarP(&statusOutput, "output", "o", "table", "Output format: table or jsonl")
	statusCmd.Flags().StringVar(&statusLive, "live", "", "Base URL of a running deployment's health server")
	rootCmd.AddCommand(statusCmd)
}

func runStatus(cmd *cobra.Command, args []string) error {
	ctx := context.Background()

	format, err := report.ParseFormat(statusOutput)
	if err != nil {
		return printer.Error("invalid output format", err.Error(), []string{"Valid formats: table, jsonl"})
	}

	if statusLive != "" {
		return liveStatus(ctx, cmd, statusLive)
	}

	_, store, err := connect(ctx)
	if err != nil {
		return err
	}
	defer store.Close()

	return report.ListStats(ctx, store, format, cmd.OutOrStdout(), time.Now())
}

func liveStatus(ctx context.Context, cmd *cobra.Command, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/status", nil)
	if err != nil {
		return printer.Error("invalid --live URL", err.Error(), nil)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return printer.Error("deployment unreachable", err.Error(), []string{"Check that `nightshift run` is running and supervisor.health_addr is reachable"})
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return printer.Error("status request failed", fmt.Sprintf("HTTP %d from %s", resp.StatusCode, req.URL), nil)
	}

	var status worker.StatusResponse
	if err := json.NewDecoder(resp.Body).Decode(&status); err != nil {
		return fmt.Errorf("invalid status response: %w", err)
	}

	out := cmd.OutOrStdout()
	row := "%-16s %-14s %8s %8s %8s %8s  %s\n"
	fmt.Fprintf(out, row, "WORKER", "STATE", "CYCLES", "EXPTS", "ERRORS", "PENDING", "LAST ERROR")
	for _, h := range status.Workers {
		state := string(h.State)
		if h.Abandoned {
			state = "abandoned"
		}
		lastErr := h.LastError
		if lastErr == "" {
			lastErr = "-"
		}
		fmt.Fprintf(out, row, h.Name, printer.Colorize(state), fmt.Sprint(h.CyclesRun), fmt.Sprint(h.ExperimentsRun),
			fmt.Sprint(h.ErrorCount), fmt.Sprint(h.PendingFlushes), lastErr)
	}
	return nil
}
