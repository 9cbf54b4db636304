package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/nightshift/internal/printer"
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Check the configuration file without starting workers",
	RunE:  runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	printer.New(out, cmd.ErrOrStderr()).Success("%s is valid\n", configPath)
	fmt.Fprintf(out, "  instance:   %s\n", cfg.Instance)
	fmt.Fprintf(out, "  store:      %s\n", cfg.Store.Backend)
	fmt.Fprintf(out, "  autonomy:   %s\n", cfg.Autonomy.Level)
	fmt.Fprintf(out, "  experiment: rate %.2f, promotion threshold %.2f\n", *cfg.Dreamer.ExperimentRate, *cfg.Dreamer.PromotionThreshold)
	for _, name := range cfg.WorkerNames() {
		w := cfg.Workers[name]
		fmt.Fprintf(out, "  worker:     %s (kind %s, every %s, metric %s)\n", name, w.Kind, w.Interval.Duration, w.PrimaryMetric)
	}
	return nil
}
