package phases

import (
	"context"
	"testing"

	"github.com/envforge-io/envforge/internal/config"
	"github.com/envforge-io/envforge/internal/orch"
	"github.com/envforge-io/envforge/internal/teardown"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testDeps() Deps {
	return Deps{
		Env: &config.Environment{
			Name:            "core",
			Region:          "eu-west-1",
			AlternateRegion: "eu-central-1",
			Network: config.Network{
				VpcName:      "core-vpc",
				PeeringName:  "core-peering",
				ReservedCidr: "10.8.0.0/24",
			},
			Datastore: config.Datastore{Identifier: "core-db"},
			Compute: config.Compute{
				Cluster: "core",
				Services: []config.Service{
					{Name: "api", DesiredCount: 2, Critical: true},
					{Name: "worker", DesiredCount: 1},
				},
			},
			DNS: config.DNS{Zone: "example.com", Record: "app.example.com", TTL: 60},
			CI:  config.CI{Project: "core-verify"},
		},
		Teardown: teardown.New(nil),
		ImageTag: "abc123",
	}
}

func phaseNames(plan *orch.Plan) []string {
	names := make([]string, 0, len(plan.Phases))
	for _, ph := range plan.Phases {
		names = append(names, ph.Name)
	}
	return names
}

func TestBuild_RebuildPlan(t *testing.T) {
	plan, err := Build("core-rebuild", orch.ModeRebuild, testDeps())
	require.NoError(t, err)
	require.NoError(t, plan.Validate())

	assert.Equal(t, []string{
		"validate inputs",
		"stop workloads",
		"delete datastore",
		"delete network peering",
		"release address reservation",
		"delete network",
		"destroy declared remainder",
		"recreate infrastructure",
		"await datastore ready",
		"build service images",
		"run verification build",
		"deploy workloads",
		"await critical service health",
		"await remaining service health",
		"verify environment",
	}, phaseNames(plan))
}

func TestBuild_StandupPlanHasNoDestruction(t *testing.T) {
	plan, err := Build("core-standup", orch.ModeStandup, testDeps())
	require.NoError(t, err)

	for _, ph := range plan.Phases {
		assert.False(t, ph.Destructive, "standup phase %q must not be destructive", ph.Name)
	}
	assert.Contains(t, phaseNames(plan), "cut over dns")
	assert.NotContains(t, phaseNames(plan), "delete datastore")
}

func TestBuild_DestructivePhasesAreMarked(t *testing.T) {
	plan, err := Build("core-rebuild", orch.ModeRebuild, testDeps())
	require.NoError(t, err)

	destructive := map[string]bool{}
	for _, ph := range plan.Phases {
		destructive[ph.Name] = ph.Destructive
	}
	assert.True(t, destructive["stop workloads"])
	assert.True(t, destructive["delete datastore"])
	assert.True(t, destructive["delete network"])
	assert.True(t, destructive["destroy declared remainder"])
	assert.False(t, destructive["recreate infrastructure"])
	assert.False(t, destructive["build service images"])
}

func TestBuild_TeardownPrecedesApply(t *testing.T) {
	plan, err := Build("core-rebuild", orch.ModeRebuild, testDeps())
	require.NoError(t, err)

	index := map[string]int{}
	for _, ph := range plan.Phases {
		index[ph.Name] = ph.Index
	}
	assert.Less(t, index["stop workloads"], index["delete datastore"])
	assert.Less(t, index["delete datastore"], index["delete network peering"])
	assert.Less(t, index["delete network peering"], index["release address reservation"])
	assert.Less(t, index["release address reservation"], index["delete network"])
	assert.Less(t, index["delete network"], index["destroy declared remainder"])
	assert.Less(t, index["destroy declared remainder"], index["recreate infrastructure"])
}

func TestBuild_FailurePolicies(t *testing.T) {
	plan, err := Build("core-rebuild", orch.ModeRebuild, testDeps())
	require.NoError(t, err)

	policies := map[string]orch.FailurePolicy{}
	for _, ph := range plan.Phases {
		policies[ph.Name] = ph.OnFailure
	}
	assert.Equal(t, orch.FailFatal, policies["recreate infrastructure"])
	assert.Equal(t, orch.FailFatal, policies["await critical service health"])
	assert.Equal(t, orch.FailWarn, policies["await remaining service health"])
	assert.Equal(t, orch.FailWarn, policies["run verification build"])
	assert.Equal(t, orch.FailWarn, policies["verify environment"])
}

func TestBuild_RequiresImageTag(t *testing.T) {
	deps := testDeps()
	deps.ImageTag = ""
	_, err := Build("core-rebuild", orch.ModeRebuild, deps)
	assert.Error(t, err)
}

func TestBuild_UnitFanOutPerService(t *testing.T) {
	plan, err := Build("core-rebuild", orch.ModeRebuild, testDeps())
	require.NoError(t, err)

	for _, ph := range plan.Phases {
		if ph.Name != "deploy workloads" {
			continue
		}
		units := ph.Units(orch.Context{})
		require.Len(t, units, 2)
		assert.Equal(t, "deploy api", units[0].Name)
		assert.Equal(t, "deploy worker", units[1].Name)
		return
	}
	t.Fatal("deploy workloads phase not found")
}

func TestVerificationBuildSkipsWithoutProject(t *testing.T) {
	deps := testDeps()
	deps.Env.CI.Project = ""
	plan, err := Build("core-rebuild", orch.ModeRebuild, deps)
	require.NoError(t, err)

	for _, ph := range plan.Phases {
		if ph.Name != "run verification build" {
			continue
		}
		updates, err := ph.Action(context.Background(), orch.Context{})
		require.NoError(t, err)
		assert.Nil(t, updates)
		return
	}
	t.Fatal("run verification build phase not found")
}
