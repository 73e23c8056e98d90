// Package phases assembles the concrete plans the orchestrator runs. A
// rebuild tears the environment down in dependency order before recreating
// it in place; a standup recreates it in the alternate region and finishes
// with a DNS cutover.
package phases

import (
	"context"
	"fmt"
	"time"

	"github.com/envforge-io/envforge/internal/config"
	"github.com/envforge-io/envforge/internal/conflict"
	"github.com/envforge-io/envforge/internal/gate"
	"github.com/envforge-io/envforge/internal/imagebuild"
	"github.com/envforge-io/envforge/internal/orch"
	"github.com/envforge-io/envforge/internal/platform"
	"github.com/envforge-io/envforge/internal/teardown"
	"github.com/envforge-io/envforge/internal/terraform"
)

// Context keys carried between phases.
const (
	keyImageTag = "image.tag"
	keyRepoURI  = "registry.uri"
	keyBuildID  = "ci.buildID"
	keyDNSPrior = "dns.prior"
)

// Deps are the collaborators a plan's actions close over.
type Deps struct {
	Env      *config.Environment
	Clients  *platform.Clients
	Engine   terraform.Engine
	Resolver *conflict.Resolver
	Teardown *teardown.Executor
	Builder  *imagebuild.Builder

	// ImageTag is the tag pushed and deployed this run, usually a short
	// VCS revision.
	ImageTag string
}

// Build assembles the plan for a mode. Phase indexes are assigned in
// assembly order so the two modes can share phase constructors.
func Build(planID string, mode orch.Mode, deps Deps) (*orch.Plan, error) {
	if deps.ImageTag == "" {
		return nil, fmt.Errorf("image tag is required")
	}

	var phases []orch.Phase
	phases = append(phases, validatePhase(deps))

	if mode == orch.ModeRebuild {
		phases = append(phases, teardownPhases(deps)...)
		phases = append(phases, destroyPhase(deps))
	}

	phases = append(phases,
		applyPhase(deps),
		datastoreGatePhase(deps),
		buildImagesPhase(deps),
		verificationBuildPhase(deps),
		deployPhase(deps),
		serviceHealthPhase(deps, true),
		serviceHealthPhase(deps, false),
	)

	if mode == orch.ModeStandup {
		phases = append(phases, cutoverPhase(deps))
	}
	phases = append(phases, verifyPhase(deps))

	for i := range phases {
		phases[i].Index = i
	}
	plan := &orch.Plan{
		ID:                 planID,
		Mode:               mode,
		Phases:             phases,
		DefaultParallelism: 4,
	}
	if err := plan.Validate(); err != nil {
		return nil, err
	}
	return plan, nil
}

// validatePhase fails fast on the inputs every later phase depends on:
// secret hygiene and engine initialization. Nothing destructive has happened
// yet, so a fatal here costs nothing.
func validatePhase(deps Deps) orch.Phase {
	return orch.Phase{
		Name:       "validate inputs",
		Idempotent: true,
		OnFailure:  orch.FailFatal,
		Preconditions: []orch.Precondition{
			{
				Name: "secrets are clean",
				Check: func(ctx context.Context, _ orch.Context) (bool, error) {
					for _, name := range deps.Env.Secrets {
						if _, err := deps.Clients.FetchSecret(ctx, name); err != nil {
							return false, err
						}
					}
					return true, nil
				},
			},
		},
		Action: func(ctx context.Context, _ orch.Context) (orch.Context, error) {
			if err := deps.Engine.Init(ctx, nil); err != nil {
				return nil, err
			}
			return orch.Context{keyImageTag: deps.ImageTag}, nil
		},
	}
}

// teardownPhases exposes each row of the teardown table as its own phase so
// a crash between rows resumes at the first undone row instead of repeating
// completed deletions.
func teardownPhases(deps Deps) []orch.Phase {
	target := teardown.Target{
		Cluster:      deps.Env.Compute.Cluster,
		Services:     serviceNames(deps.Env),
		DatastoreID:  deps.Env.Datastore.Identifier,
		PeeringName:  deps.Env.Network.PeeringName,
		VpcName:      deps.Env.Network.VpcName,
		ReservedCidr: deps.Env.Network.ReservedCidr,
	}
	steps := deps.Teardown.Steps(target)
	phases := make([]orch.Phase, 0, len(steps))
	for _, step := range steps {
		run := step.Run
		phases = append(phases, orch.Phase{
			Name:        step.Name,
			Destructive: true,
			Idempotent:  true,
			OnFailure:   orch.FailFatal,
			Retry:       orch.RetrySpec{MaxAttempts: 3, Delay: 10 * time.Second},
			Action: func(ctx context.Context, _ orch.Context) (orch.Context, error) {
				return nil, run(ctx)
			},
		})
	}
	return phases
}

// destroyPhase clears whatever the teardown table did not own out of the
// declarative state, so the subsequent apply starts from a clean slate.
func destroyPhase(deps Deps) orch.Phase {
	return orch.Phase{
		Name:        "destroy declared remainder",
		Destructive: true,
		Idempotent:  true,
		OnFailure:   orch.FailFatal,
		Action: func(ctx context.Context, _ orch.Context) (orch.Context, error) {
			// Nothing in state means a replay of an already-completed destroy.
			if addrs, err := deps.Engine.StateList(ctx); err == nil && len(addrs) == 0 {
				return orch.Context{"destroy.resources": "0"}, nil
			}
			res, err := deps.Resolver.ResolveDestroy(ctx)
			if err != nil {
				return nil, err
			}
			return orch.Context{"destroy.resources": fmt.Sprintf("%d", res.Destroyed)}, nil
		},
	}
}

// applyPhase recreates the declared infrastructure. Conflicts against
// residue from the old environment are classified and remediated by the
// resolver rather than retried blindly.
func applyPhase(deps Deps) orch.Phase {
	return orch.Phase{
		Name:       "recreate infrastructure",
		Idempotent: true,
		OnFailure:  orch.FailFatal,
		Action: func(ctx context.Context, _ orch.Context) (orch.Context, error) {
			res, err := deps.Resolver.ResolveApply(ctx, nil)
			if err != nil {
				return nil, err
			}
			return orch.Context{
				"apply.added":   fmt.Sprintf("%d", res.Added),
				"apply.changed": fmt.Sprintf("%d", res.Changed),
			}, nil
		},
	}
}

func datastoreGatePhase(deps Deps) orch.Phase {
	return orch.Phase{
		Name:       "await datastore ready",
		Idempotent: true,
		OnFailure:  orch.FailFatal,
		Action: func(ctx context.Context, _ orch.Context) (orch.Context, error) {
			return nil, gate.Await(ctx, gate.Condition{
				Name:     "datastore available",
				Timeout:  30 * time.Minute,
				Interval: 30 * time.Second,
				Critical: true,
				Probe: func(ctx context.Context) (gate.Status, error) {
					ready, err := deps.Clients.DatastoreReady(ctx, deps.Env.Datastore.Identifier)
					if err != nil {
						return gate.NotReady, err
					}
					if ready {
						return gate.Ready, nil
					}
					return gate.NotReady, fmt.Errorf("datastore %s not yet available", deps.Env.Datastore.Identifier)
				},
			})
		},
	}
}

// buildImagesPhase fans out one unit per service: build, local smoke start,
// push. Units are independent by construction; a shared base layer is the
// daemon's problem, not an ordering dependency.
func buildImagesPhase(deps Deps) orch.Phase {
	return orch.Phase{
		Name:       "build service images",
		Idempotent: true,
		OnFailure:  orch.FailFatal,
		Units: func(pc orch.Context) []orch.Unit {
			tag := pc[keyImageTag]
			units := make([]orch.Unit, 0, len(deps.Env.Compute.Services))
			for _, svc := range deps.Env.Compute.Services {
				svc := svc
				units = append(units, orch.Unit{
					Name: "image " + svc.Name,
					Run: func(ctx context.Context) error {
						return buildAndPush(ctx, deps, svc, tag)
					},
				})
			}
			return units
		},
	}
}

func buildAndPush(ctx context.Context, deps Deps, svc config.Service, tag string) error {
	spec := imagebuild.Spec{
		Name:       fmt.Sprintf("%s-%s:%s", deps.Env.Name, svc.Name, tag),
		ContextDir: svc.Image.ContextDir,
		Dockerfile: svc.Image.Dockerfile,
		SmokePort:  svc.Image.SmokePort,
	}
	if _, err := deps.Builder.Build(ctx, spec); err != nil {
		return err
	}
	if err := deps.Builder.SmokeStart(ctx, spec, 10*time.Second); err != nil {
		return err
	}
	repoURI, err := deps.Clients.EnsureRepository(ctx, svc.Image.Repository)
	if err != nil {
		return err
	}
	auth, err := deps.Clients.RegistryCredentials(ctx)
	if err != nil {
		return err
	}
	_, err = deps.Builder.Push(ctx, spec, repoURI, tag, auth)
	return err
}

// verificationBuildPhase triggers the environment's CI project and waits for
// it. Failure warns rather than aborts: the environment is already rebuilt,
// and a broken verification pipeline should not strand it behind a fatal
// checkpoint.
func verificationBuildPhase(deps Deps) orch.Phase {
	return orch.Phase{
		Name:       "run verification build",
		Idempotent: true,
		OnFailure:  orch.FailWarn,
		Action: func(ctx context.Context, pc orch.Context) (orch.Context, error) {
			// No CI project configured means there is nothing to verify.
			if deps.Env.CI.Project == "" {
				return nil, nil
			}
			id, err := deps.Clients.TriggerBuild(ctx, deps.Env.CI.Project, map[string]string{
				"IMAGE_TAG":   pc[keyImageTag],
				"ENVIRONMENT": deps.Env.Name,
			})
			if err != nil {
				return nil, err
			}
			err = gate.Await(ctx, gate.Condition{
				Name:     "verification build",
				Timeout:  20 * time.Minute,
				Interval: 15 * time.Second,
				Probe: func(ctx context.Context) (gate.Status, error) {
					state, err := deps.Clients.ObserveBuild(ctx, id)
					if err != nil {
						return gate.NotReady, err
					}
					done, err := state.BuildSucceeded()
					if err != nil {
						return gate.Fatal, err
					}
					if done {
						return gate.Ready, nil
					}
					return gate.NotReady, fmt.Errorf("build %s still running", id)
				},
			})
			return orch.Context{keyBuildID: id}, err
		},
	}
}

func deployPhase(deps Deps) orch.Phase {
	return orch.Phase{
		Name:       "deploy workloads",
		Idempotent: true,
		OnFailure:  orch.FailFatal,
		Units: func(_ orch.Context) []orch.Unit {
			units := make([]orch.Unit, 0, len(deps.Env.Compute.Services))
			for _, svc := range deps.Env.Compute.Services {
				svc := svc
				units = append(units, orch.Unit{
					Name: "deploy " + svc.Name,
					Run: func(ctx context.Context) error {
						return deps.Clients.DeployWorkload(ctx, deps.Env.Compute.Cluster, svc.Name, svc.DesiredCount)
					},
				})
			}
			return units
		},
	}
}

// serviceHealthPhase gates services reaching their desired count and passing
// load balancer health checks. Critical services get a fatal phase of their
// own; the rest share a warn phase, so a sidecar missing its health check
// never strands the environment behind a fatal checkpoint.
func serviceHealthPhase(deps Deps, critical bool) orch.Phase {
	name := "await critical service health"
	policy := orch.FailFatal
	if !critical {
		name = "await remaining service health"
		policy = orch.FailWarn
	}
	return orch.Phase{
		Name:       name,
		Idempotent: true,
		OnFailure:  policy,
		Action: func(ctx context.Context, _ orch.Context) (orch.Context, error) {
			for _, svc := range deps.Env.Compute.Services {
				if svc.Critical != critical {
					continue
				}
				err := gate.Await(ctx, gate.Condition{
					Name:     "service " + svc.Name,
					Timeout:  15 * time.Minute,
					Interval: 15 * time.Second,
					Critical: critical,
					Probe:    serviceProbe(deps, svc),
				})
				if err != nil {
					return nil, err
				}
			}
			return nil, nil
		},
	}
}

func serviceProbe(deps Deps, svc config.Service) gate.Probe {
	return func(ctx context.Context) (gate.Status, error) {
		stable, err := deps.Clients.WorkloadStable(ctx, deps.Env.Compute.Cluster, svc.Name)
		if err != nil {
			return gate.NotReady, err
		}
		if !stable {
			return gate.NotReady, fmt.Errorf("service %s below desired count", svc.Name)
		}
		if svc.TargetGroupArn == "" {
			return gate.Ready, nil
		}
		healthy, err := deps.Clients.TargetsHealthy(ctx, svc.TargetGroupArn)
		if err != nil {
			return gate.NotReady, err
		}
		if !healthy {
			return gate.NotReady, fmt.Errorf("service %s has unhealthy targets", svc.Name)
		}
		return gate.Ready, nil
	}
}

// cutoverPhase repoints the public record at the alternate environment. Only
// a standup plan carries it; a rebuild keeps its records.
func cutoverPhase(deps Deps) orch.Phase {
	return orch.Phase{
		Name:       "cut over dns",
		Idempotent: true,
		OnFailure:  orch.FailFatal,
		Action: func(ctx context.Context, _ orch.Context) (orch.Context, error) {
			zoneID, err := deps.Clients.FindHostedZone(ctx, deps.Env.DNS.Zone)
			if err != nil {
				return nil, err
			}
			prior, err := deps.Clients.ResolveRecord(ctx, zoneID, deps.Env.DNS.Record)
			if err != nil {
				return nil, err
			}
			target := fmt.Sprintf("%s.%s", deps.Env.Name, deps.Env.DNS.Zone)
			if err := deps.Clients.CutoverDNS(ctx, zoneID, deps.Env.DNS.Record, target, deps.Env.DNS.TTL); err != nil {
				return nil, err
			}
			return orch.Context{keyDNSPrior: prior}, nil
		},
	}
}

// verifyPhase is the terminal readthrough: certificate issued and the public
// endpoint answering. Failures warn; everything load-bearing was already gated.
func verifyPhase(deps Deps) orch.Phase {
	return orch.Phase{
		Name:       "verify environment",
		Idempotent: true,
		OnFailure:  orch.FailWarn,
		Action: func(ctx context.Context, _ orch.Context) (orch.Context, error) {
			if deps.Env.DNS.Zone == "" {
				return nil, nil
			}
			err := gate.Await(ctx, gate.Condition{
				Name:     "certificate issued",
				Timeout:  10 * time.Minute,
				Interval: 30 * time.Second,
				Probe: func(ctx context.Context) (gate.Status, error) {
					issued, err := deps.Clients.CertificateIssued(ctx, deps.Env.DNS.Record)
					if err != nil {
						if orch.ClassOf(err) == orch.ClassUnknown {
							return gate.Fatal, err
						}
						return gate.NotReady, err
					}
					if issued {
						return gate.Ready, nil
					}
					return gate.NotReady, fmt.Errorf("certificate for %s pending validation", deps.Env.DNS.Record)
				},
			})
			if err != nil {
				return nil, err
			}
			return nil, gate.Await(ctx, gate.Condition{
				Name:     "endpoint responding",
				Timeout:  5 * time.Minute,
				Interval: 15 * time.Second,
				Probe:    gate.HTTPProbe(nil, "https://"+deps.Env.DNS.Record),
			})
		},
	}
}

func serviceNames(env *config.Environment) []string {
	names := make([]string, 0, len(env.Compute.Services))
	for _, svc := range env.Compute.Services {
		names = append(names, svc.Name)
	}
	return names
}
