package platform

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/codebuild"
	cbtypes "github.com/aws/aws-sdk-go-v2/service/codebuild/types"
	"github.com/envforge-io/envforge/internal/logging"
)

// BuildState is the observed state of one CI build.
type BuildState struct {
	ID       string
	Complete bool
	Status   cbtypes.StatusType
}

// TriggerBuild starts a CI project build and returns its ID. Environment
// overrides let a rebuild pin the image tag without editing the project.
func (c *Clients) TriggerBuild(ctx context.Context, project string, env map[string]string) (string, error) {
	var overrides []cbtypes.EnvironmentVariable
	for k, v := range env {
		overrides = append(overrides, cbtypes.EnvironmentVariable{
			Name:  aws.String(k),
			Value: aws.String(v),
			Type:  cbtypes.EnvironmentVariableTypePlaintext,
		})
	}
	out, err := c.codebuildClient.StartBuild(ctx, &codebuild.StartBuildInput{
		ProjectName:                  aws.String(project),
		EnvironmentVariablesOverride: overrides,
	})
	if err != nil {
		return "", Classify(fmt.Sprintf("start build %s", project), err)
	}
	id := aws.ToString(out.Build.Id)
	logging.Info("triggered build", "project", project, "id", id)
	return id, nil
}

// ObserveBuild reports whether a build finished and how it ended.
func (c *Clients) ObserveBuild(ctx context.Context, id string) (BuildState, error) {
	out, err := c.codebuildClient.BatchGetBuilds(ctx, &codebuild.BatchGetBuildsInput{
		Ids: []string{id},
	})
	if err != nil {
		return BuildState{}, Classify(fmt.Sprintf("observe build %s", id), err)
	}
	if len(out.Builds) == 0 {
		return BuildState{}, Classify(fmt.Sprintf("observe build %s", id),
			fmt.Errorf("build not found"))
	}
	b := out.Builds[0]
	return BuildState{
		ID:       id,
		Complete: b.BuildComplete,
		Status:   b.BuildStatus,
	}, nil
}

// BuildSucceeded distinguishes still-running from terminal failure so the
// caller's gate can keep polling or abort.
func (s BuildState) BuildSucceeded() (done bool, err error) {
	if !s.Complete {
		return false, nil
	}
	if s.Status == cbtypes.StatusTypeSucceeded {
		return true, nil
	}
	return false, fmt.Errorf("build %s finished with status %s", s.ID, s.Status)
}
