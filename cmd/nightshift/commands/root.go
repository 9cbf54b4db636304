package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/dyluth/nightshift/internal/config"
)

var (
	version string
	commit  string
	date    string

	configPath string
	verbose    bool
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "nightshift",
	Short: "Nightshift - autonomous workers that experiment while you sleep",
	Long: `Nightshift runs a fixed set of background workers that keep improving a
software project. Each worker alternates production cycles with occasional
experiments; experiments that beat the baseline by the promotion threshold
are promoted and shared with the other workers as knowledge.

All state lives in the configured store (Redis, SQLite or PostgreSQL), so the
read commands work against a running deployment.`,
	Version: version,
	RunE: func(cmd *cobra.Command, args []string) error {
		return cmd.Help()
	},
	FParseErrWhitelist: cobra.FParseErrWhitelist{},
}

// Execute runs the root command. Errors are printed by the commands themselves.
func Execute() error {
	rootCmd.SilenceErrors = true
	rootCmd.SilenceUsage = true
	return rootCmd.Execute()
}

// SetVersionInfo sets the version information for the CLI
func SetVersionInfo(v, c, d string) {
	version = v
	commit = c
	date = d
	rootCmd.Version = fmt.Sprintf("%s (commit: %s, built: %s)", v, c, d)
}

func init() {
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", config.DefaultFilename, "Path to the configuration file")
	rootCmd.PersistentFlags().BoolVarP(&verbose, "verbose", "v", false, "Enable debug logging")
}
