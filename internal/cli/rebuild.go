package cli

import (
	"github.com/envforge-io/envforge/internal/orch"
	"github.com/spf13/cobra"
)

var rebuildFlags runFlags

var rebuildCmd = &cobra.Command{
	Use:   "rebuild",
	Short: "Destroy and recreate the environment in place",
	Long: `Tears the environment down in dependency order, clears the declarative
state, recreates everything, and gates on health before finishing. Progress
is checkpointed after every phase; a failed run resumes with --resume without
repeating destructive work.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlan(cmd, &rebuildFlags, orch.ModeRebuild)
	},
}

func init() {
	rebuildFlags.register(rebuildCmd)
}
