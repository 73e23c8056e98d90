package cli

import (
	"github.com/envforge-io/envforge/internal/logging"
	"github.com/spf13/cobra"
)

var logLevel string

var rootCmd = &cobra.Command{
	Use:   "envforge",
	Short: "Unattended environment reconstruction",
	Long: `Envforge destroys and recreates a full multi-service environment, or
stands it up in an alternate region, with zero human intervention:

  • Checkpointed, resumable phase execution
  • Conflict resolution against the declarative engine's state
  • Dependency-ordered teardown with low-level fallbacks
  • Health-gated deploys and DNS cutover`,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logging.Init(logLevel)
	},
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "Log level (debug, info, warn, error)")
	rootCmd.AddCommand(rebuildCmd)
	rootCmd.AddCommand(standupCmd)
	rootCmd.AddCommand(phasesCmd)
	rootCmd.AddCommand(versionCmd)
}
