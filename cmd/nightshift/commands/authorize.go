package commands

import (
	"fmt"
	"os"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/dyluth/nightshift/internal/autonomy"
	"github.com/dyluth/nightshift/internal/config"
	"github.com/dyluth/nightshift/internal/printer"
)

var authorizeLevel string

var authorizeCmd = &cobra.Command{
	Use:   "authorize CONFIDENCE",
	Short: "Show the action a confidence score would be allowed",
	Long: `Authorize evaluates the autonomy policy for one confidence score using the
thresholds and level from the configuration (or the defaults 0.70/0.80/0.90
with propose_only when no configuration file exists).

The result is the highest tier the confidence meets, never above the level:
reject, propose_only, auto_commit or auto_merge.

Examples:
  nightshift authorize 0.85
  nightshift authorize 0.95 --level auto_commit`,
	Args: cobra.ExactArgs(1),
	RunE: runAuthorize,
}

func init() {
	authorizeCmd.Flags().StringVar(&authorizeLevel, "level", "", "Override the configured autonomy level")
	rootCmd.AddCommand(authorizeCmd)
}

func runAuthorize(cmd *cobra.Command, args []string) error {
	confidence, err := strconv.ParseFloat(args[0], 64)
	if err != nil || confidence < 0 || confidence > 1 {
		return printer.Error("invalid confidence", fmt.Sprintf("%q is not a number within [0,1]", args[0]), nil)
	}

	autonomyCfg := config.AutonomyConfig{Level: config.LevelProposeOnly}
	if _, statErr := os.Stat(configPath); statErr == nil {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		autonomyCfg = *cfg.Autonomy
	}
	if authorizeLevel != "" {
		autonomyCfg.Level = authorizeLevel
	}

	level, thresholds, err := autonomy.FromConfig(&autonomyCfg)
	if err != nil {
		return printer.Error("invalid autonomy settings", err.Error(),
			[]string{"Valid levels: propose_only, auto_commit, auto_merge"})
	}

	action := autonomy.Authorize(confidence, level, thresholds)
	fmt.Fprintf(cmd.OutOrStdout(), "%s\n", printer.Colorize(string(action)))
	fmt.Fprintf(cmd.OutOrStdout(), "  confidence %.2f, level %s, thresholds %.2f/%.2f/%.2f\n",
		confidence, level, thresholds.ProposeOnly, thresholds.AutoCommit, thresholds.AutoMerge)
	return nil
}
