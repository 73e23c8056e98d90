package cli

import (
	"fmt"
	"path/filepath"

	"github.com/envforge-io/envforge/internal/config"
	"github.com/envforge-io/envforge/internal/conflict"
	"github.com/envforge-io/envforge/internal/imagebuild"
	"github.com/envforge-io/envforge/internal/orch"
	"github.com/envforge-io/envforge/internal/phases"
	"github.com/envforge-io/envforge/internal/teardown"
	"github.com/envforge-io/envforge/internal/terraform"
	"github.com/spf13/cobra"
)

var (
	phasesManifest string
	phasesMode     string
)

// phasesCmd prints the plan without executing it, so an operator can pick a
// --phase=N index or see which phases are destructive before saying yes.
var phasesCmd = &cobra.Command{
	Use:   "phases",
	Short: "List the phases a mode would run",
	RunE: func(cmd *cobra.Command, args []string) error {
		mode := orch.Mode(phasesMode)
		if mode != orch.ModeRebuild && mode != orch.ModeStandup {
			return fmt.Errorf("unknown mode %q (want rebuild or standup)", phasesMode)
		}

		manifestPath, err := filepath.Abs(phasesManifest)
		if err != nil {
			return fmt.Errorf("failed to resolve manifest path: %w", err)
		}
		loader := config.NewLoader(filepath.Dir(manifestPath))
		env, err := loader.Load(cmd.Context(), filepath.Base(manifestPath), nil)
		if err != nil {
			return fmt.Errorf("failed to load manifest: %w", err)
		}

		// Plan assembly needs no live platform access; actions close over
		// their collaborators and nothing runs here.
		engine := terraform.NewCLI(env.Engine.Dir)
		plan, err := phases.Build(fmt.Sprintf("%s-%s", env.Name, mode), mode, phases.Deps{
			Env:      env,
			Engine:   engine,
			Resolver: conflict.NewResolver(engine, nil, nil, nil),
			Teardown: teardown.New(nil),
			Builder:  imagebuild.NewBuilder(cmd.OutOrStdout()),
			ImageTag: "preview",
		})
		if err != nil {
			return err
		}

		renderPlanTable(cmd.OutOrStdout(), plan, nil)
		return nil
	},
}

func init() {
	phasesCmd.Flags().StringVar(&phasesManifest, "env", "env.pkl", "Environment manifest")
	phasesCmd.Flags().StringVar(&phasesMode, "mode", "rebuild", "Plan mode (rebuild, standup)")
}
