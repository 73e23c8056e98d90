package cli

import (
	"github.com/envforge-io/envforge/internal/orch"
	"github.com/spf13/cobra"
)

var standupFlags runFlags

var standupCmd = &cobra.Command{
	Use:   "standup",
	Short: "Stand the environment up in its alternate region",
	Long: `Recreates the environment in the manifest's alternate region and cuts
the public DNS record over once every critical service passes its health
gate. Nothing in the original region is touched.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		return runPlan(cmd, &standupFlags, orch.ModeStandup)
	},
}

func init() {
	standupFlags.register(standupCmd)
}
