package platform

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/ecr"
	ecrtypes "github.com/aws/aws-sdk-go-v2/service/ecr/types"
	"github.com/envforge-io/envforge/internal/logging"
)

// RegistryAuth carries the credentials and endpoint for pushing images.
type RegistryAuth struct {
	Username string
	Password string
	Endpoint string
}

func (c *Clients) findRepository(ctx context.Context, name string) (uri string, exists bool, err error) {
	out, err := c.ecrClient.DescribeRepositories(ctx, &ecr.DescribeRepositoriesInput{
		RepositoryNames: []string{name},
	})
	if err != nil {
		if IsNotFound(err) {
			return "", false, nil
		}
		return "", false, Classify(fmt.Sprintf("describe repository %s", name), err)
	}
	if len(out.Repositories) == 0 {
		return "", false, nil
	}
	return aws.ToString(out.Repositories[0].RepositoryUri), true, nil
}

// EnsureRepository creates the image repository if it does not already exist
// and returns its URI.
func (c *Clients) EnsureRepository(ctx context.Context, name string) (string, error) {
	uri, exists, err := c.findRepository(ctx, name)
	if err != nil {
		return "", err
	}
	if exists {
		return uri, nil
	}

	logging.Info("creating image repository", "name", name)
	created, err := c.ecrClient.CreateRepository(ctx, &ecr.CreateRepositoryInput{
		RepositoryName: aws.String(name),
		ImageScanningConfiguration: &ecrtypes.ImageScanningConfiguration{
			ScanOnPush: true,
		},
	})
	if err != nil {
		if IsAlreadyExists(err) {
			return c.EnsureRepository(ctx, name)
		}
		return "", Classify(fmt.Sprintf("create repository %s", name), err)
	}
	return aws.ToString(created.Repository.RepositoryUri), nil
}

// RegistryCredentials returns short-lived push credentials for the registry.
func (c *Clients) RegistryCredentials(ctx context.Context) (RegistryAuth, error) {
	out, err := c.ecrClient.GetAuthorizationToken(ctx, &ecr.GetAuthorizationTokenInput{})
	if err != nil {
		return RegistryAuth{}, Classify("get registry authorization token", err)
	}
	if len(out.AuthorizationData) == 0 {
		return RegistryAuth{}, Classify("get registry authorization token", fmt.Errorf("no authorization data returned"))
	}
	data := out.AuthorizationData[0]
	raw, err := base64.StdEncoding.DecodeString(aws.ToString(data.AuthorizationToken))
	if err != nil {
		return RegistryAuth{}, fmt.Errorf("decode registry token: %w", err)
	}
	user, pass, ok := strings.Cut(string(raw), ":")
	if !ok {
		return RegistryAuth{}, fmt.Errorf("malformed registry token")
	}
	return RegistryAuth{
		Username: user,
		Password: pass,
		Endpoint: strings.TrimPrefix(aws.ToString(data.ProxyEndpoint), "https://"),
	}, nil
}
