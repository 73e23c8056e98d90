package cli

import (
	"fmt"
	"os"
	"path/filepath"

	"github.com/envforge-io/envforge/internal/checkpoint"
	"github.com/envforge-io/envforge/internal/config"
	"github.com/envforge-io/envforge/internal/conflict"
	"github.com/envforge-io/envforge/internal/imagebuild"
	"github.com/envforge-io/envforge/internal/orch"
	"github.com/envforge-io/envforge/internal/phases"
	"github.com/envforge-io/envforge/internal/platform"
	"github.com/envforge-io/envforge/internal/teardown"
	"github.com/envforge-io/envforge/internal/terraform"
	"github.com/spf13/cobra"
)

// runFlags are shared by rebuild and standup.
type runFlags struct {
	manifest          string
	region            string
	tag               string
	yes               bool
	resume            bool
	fromPhase         int
	parallelism       int
	checkpointBackend string
	failOnWarn        bool
	reportFile        string
}

func (f *runFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.manifest, "env", "env.pkl", "Environment manifest")
	cmd.Flags().StringVar(&f.region, "region", "", "Override the manifest's region")
	cmd.Flags().StringVar(&f.tag, "tag", "", "Image tag to build and deploy (required)")
	cmd.Flags().BoolVar(&f.yes, "yes", false, "Skip interactive approval of the plan")
	cmd.Flags().BoolVar(&f.resume, "resume", false, "Resume from the last checkpoint")
	cmd.Flags().IntVar(&f.fromPhase, "phase", 0, "Start at phase N, treating earlier phases as done")
	cmd.Flags().IntVar(&f.parallelism, "parallelism", 0, "Bound intra-phase unit fan-out")
	cmd.Flags().StringVar(&f.checkpointBackend, "checkpoint-backend", "", "Override checkpoint backend (file, s3)")
	cmd.Flags().BoolVar(&f.failOnWarn, "fail-on-warn", false, "Treat warn outcomes as fatal")
	cmd.Flags().StringVar(&f.reportFile, "report", "", "Write the run report JSON to a file")
	cmd.MarkFlagRequired("tag")
}

func runPlan(cmd *cobra.Command, flags *runFlags, mode orch.Mode) error {
	ctx := cmd.Context()

	manifestPath, err := filepath.Abs(flags.manifest)
	if err != nil {
		return fmt.Errorf("failed to resolve manifest path: %w", err)
	}
	loader := config.NewLoader(filepath.Dir(manifestPath))

	props := map[string]string{}
	if flags.region != "" {
		props["region"] = flags.region
	}
	env, err := loader.Load(ctx, filepath.Base(manifestPath), props)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}

	region := flags.region
	if region == "" {
		region, err = env.RegionFor(mode == orch.ModeStandup)
		if err != nil {
			return err
		}
	}

	clients, err := platform.New(ctx, region)
	if err != nil {
		return fmt.Errorf("failed to create platform clients: %w", err)
	}

	engine := terraform.NewCLI(env.Engine.Dir)
	if env.Engine.Binary != "" {
		engine.Binary = env.Engine.Binary
	}
	engine.Vars = env.Engine.Vars
	engine.VarFile = env.Engine.VarFile

	tear := teardown.New(clients)
	locks := platform.NewStateLockChecker(clients, env.Engine.LockTable)
	resolver := conflict.NewResolver(engine, clients, tear, locks)

	deps := phases.Deps{
		Env:      env,
		Clients:  clients,
		Engine:   engine,
		Resolver: resolver,
		Teardown: tear,
		Builder:  imagebuild.NewBuilder(os.Stdout),
		ImageTag: flags.tag,
	}

	planID := fmt.Sprintf("%s-%s", env.Name, mode)
	plan, err := phases.Build(planID, mode, deps)
	if err != nil {
		return err
	}
	plan.FailOnWarn = flags.failOnWarn
	if flags.parallelism > 0 {
		plan.DefaultParallelism = flags.parallelism
	}

	store, err := openCheckpointStore(cmd, flags, env)
	if err != nil {
		return err
	}
	orchestrator := orch.New(store, orch.NewRunner(plan.DefaultParallelism))

	resume, err := resolveResume(cmd, flags, plan, orchestrator)
	if err != nil {
		return err
	}

	renderPlanTable(cmd.OutOrStdout(), plan, resume)
	if mode == orch.ModeRebuild && !flags.yes {
		fmt.Fprintf(cmd.OutOrStdout(), "\nThis will DESTROY and recreate environment %q in %s. Proceed? (y/n): ", env.Name, region)
		var response string
		fmt.Fscanln(cmd.InOrStdin(), &response)
		if response != "y" && response != "yes" {
			fmt.Fprintln(cmd.OutOrStdout(), "Run cancelled.")
			return nil
		}
	}

	report, runErr := orchestrator.Run(ctx, plan, resume)
	if report != nil {
		renderReport(cmd.OutOrStdout(), report)
		if flags.reportFile != "" {
			if err := writeReport(flags.reportFile, report); err != nil {
				fmt.Fprintf(cmd.ErrOrStderr(), "failed to write report: %v\n", err)
			}
		}
	}
	return runErr
}

// openCheckpointStore honors the manifest's backend with a flag override.
func openCheckpointStore(cmd *cobra.Command, flags *runFlags, env *config.Environment) (checkpoint.Store, error) {
	backend := env.Checkpoint.Backend
	if flags.checkpointBackend != "" {
		backend = flags.checkpointBackend
	}
	switch backend {
	case "", "file":
		dir := env.Checkpoint.Dir
		if dir == "" {
			dir = filepath.Join(".", ".envforge")
		}
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create checkpoint dir: %w", err)
		}
		return checkpoint.NewFileStore(dir), nil
	case "s3":
		return checkpoint.NewS3Store(cmd.Context(), checkpoint.S3Config{
			Bucket:    env.Checkpoint.Bucket,
			Prefix:    env.Checkpoint.Prefix,
			Region:    env.Region,
			LockTable: env.Checkpoint.LockTable,
		})
	default:
		return nil, fmt.Errorf("unknown checkpoint backend %q", backend)
	}
}

// resolveResume turns --resume or --phase=N into the checkpoint the
// orchestrator skips through. --phase=N is the operator override: it
// declares phases below N complete without a stored checkpoint.
func resolveResume(cmd *cobra.Command, flags *runFlags, plan *orch.Plan, o *orch.Orchestrator) (*checkpoint.Checkpoint, error) {
	if flags.fromPhase > 0 {
		if flags.fromPhase >= len(plan.Phases) {
			return nil, fmt.Errorf("plan has %d phases; cannot start at phase %d", len(plan.Phases), flags.fromPhase)
		}
		return &checkpoint.Checkpoint{
			PlanID:              plan.ID,
			CompletedPhaseIndex: flags.fromPhase - 1,
			PhaseContext:        map[string]string{},
		}, nil
	}
	if !flags.resume {
		return nil, nil
	}
	cp, err := o.Resume(cmd.Context(), plan.ID)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		fmt.Fprintln(cmd.OutOrStdout(), "No checkpoint found; starting from the beginning.")
	}
	return cp, nil
}

func writeReport(path string, report *orch.RunReport) error {
	data, err := report.MarshalIndent()
	if err != nil {
		return err
	}
	return os.WriteFile(path, data, 0o644)
}
