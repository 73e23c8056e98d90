// Package config evaluates the environment manifest. Manifests are Pkl
// modules so an environment family can share a template and override per
// region or per tier.
package config

import (
	"context"
	"fmt"
	"net/url"

	"github.com/apple/pkl-go/pkl"
)

// Environment is the evaluated manifest for one environment.
type Environment struct {
	// Name identifies the environment; it prefixes every resource name.
	Name string `pkl:"name"`

	// Region is where the environment lives. AlternateRegion is where a
	// standup run recreates it.
	Region          string `pkl:"region"`
	AlternateRegion string `pkl:"alternateRegion"`

	Network   Network   `pkl:"network"`
	Datastore Datastore `pkl:"datastore"`
	Compute   Compute   `pkl:"compute"`
	Registry  Registry  `pkl:"registry"`
	DNS       DNS       `pkl:"dns"`
	CI        CI        `pkl:"ci"`

	Checkpoint Checkpoint `pkl:"checkpoint"`
	Engine     Engine     `pkl:"engine"`

	Secrets []string `pkl:"secrets"`
}

type Network struct {
	VpcName      string `pkl:"vpcName"`
	PeeringName  string `pkl:"peeringName"`
	ReservedCidr string `pkl:"reservedCidr"`
}

type Datastore struct {
	Identifier string `pkl:"identifier"`
}

type Compute struct {
	Cluster  string    `pkl:"cluster"`
	Services []Service `pkl:"services"`
}

type Service struct {
	Name           string `pkl:"name"`
	DesiredCount   int32  `pkl:"desiredCount"`
	TargetGroupArn string `pkl:"targetGroupArn"`
	Image          Image  `pkl:"image"`

	// Critical services sit on the environment's minimum viable readiness
	// path; a health gate timeout on one fails the run instead of warning.
	Critical bool `pkl:"critical"`
}

type Image struct {
	Repository string `pkl:"repository"`
	ContextDir string `pkl:"contextDir"`
	Dockerfile string `pkl:"dockerfile"`
	SmokePort  int    `pkl:"smokePort"`
}

type Registry struct {
	Repository string `pkl:"repository"`
}

type DNS struct {
	Zone   string `pkl:"zone"`
	Record string `pkl:"record"`
	TTL    int64  `pkl:"ttl"`
}

type CI struct {
	Project string `pkl:"project"`
}

// Checkpoint selects where run progress is persisted. Backend is "file" or
// "s3".
type Checkpoint struct {
	Backend   string `pkl:"backend"`
	Dir       string `pkl:"dir"`
	Bucket    string `pkl:"bucket"`
	Prefix    string `pkl:"prefix"`
	LockTable string `pkl:"lockTable"`
}

// Engine points at the declarative definitions the black-box engine applies.
type Engine struct {
	Binary  string            `pkl:"binary"`
	Dir     string            `pkl:"dir"`
	VarFile string            `pkl:"varFile"`
	Vars    map[string]string `pkl:"vars"`

	// LockTable is the DynamoDB table the engine's own state backend locks
	// through. It is distinct from the checkpoint lock table.
	LockTable string `pkl:"lockTable"`
}

// Loader evaluates Pkl manifests rooted at a project directory.
type Loader struct {
	projectDir string
}

func NewLoader(projectDir string) *Loader {
	return &Loader{projectDir: projectDir}
}

// Load evaluates the manifest at entryPoint. Properties become external
// properties visible to the module, which is how --region overrides reach
// the manifest.
func (l *Loader) Load(ctx context.Context, entryPoint string, properties map[string]string) (*Environment, error) {
	u, err := url.Parse("file://" + l.projectDir + "/")
	if err != nil {
		return nil, fmt.Errorf("failed to parse project directory URL: %w", err)
	}

	opts := []func(*pkl.EvaluatorOptions){pkl.PreconfiguredOptions}
	if len(properties) > 0 {
		opts = append(opts, func(o *pkl.EvaluatorOptions) {
			if o.Properties == nil {
				o.Properties = make(map[string]string)
			}
			for k, v := range properties {
				o.Properties[k] = v
			}
		})
	}

	evaluator, err := pkl.NewProjectEvaluator(ctx, u, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create PKL evaluator: %w", err)
	}
	defer evaluator.Close()

	var env Environment
	if err := evaluator.EvaluateModule(ctx, pkl.FileSource(entryPoint), &env); err != nil {
		return nil, fmt.Errorf("failed to evaluate manifest: %w", err)
	}
	if err := env.Validate(); err != nil {
		return nil, err
	}
	return &env, nil
}

// Validate checks the fields every run depends on.
func (e *Environment) Validate() error {
	if e.Name == "" {
		return fmt.Errorf("manifest missing environment name")
	}
	if e.Region == "" {
		return fmt.Errorf("manifest for %s missing region", e.Name)
	}
	if e.Compute.Cluster == "" {
		return fmt.Errorf("manifest for %s missing compute cluster", e.Name)
	}
	if len(e.Compute.Services) == 0 {
		return fmt.Errorf("manifest for %s declares no services", e.Name)
	}
	switch e.Checkpoint.Backend {
	case "", "file":
	case "s3":
		if e.Checkpoint.Bucket == "" {
			return fmt.Errorf("manifest for %s selects s3 checkpoints without a bucket", e.Name)
		}
	default:
		return fmt.Errorf("manifest for %s has unknown checkpoint backend %q", e.Name, e.Checkpoint.Backend)
	}
	return nil
}

// RegionFor returns the region a mode operates in: rebuilds stay put,
// standups move to the alternate region.
func (e *Environment) RegionFor(standup bool) (string, error) {
	if !standup {
		return e.Region, nil
	}
	if e.AlternateRegion == "" {
		return "", fmt.Errorf("manifest for %s has no alternate region", e.Name)
	}
	return e.AlternateRegion, nil
}
