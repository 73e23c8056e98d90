// Package imagebuild builds and pushes service images through the local
// Docker daemon. Rebuilds that cannot reach the remote CI pipeline fall back
// to building here.
package imagebuild

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/image"
	dockerregistry "github.com/docker/docker/api/types/registry"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/archive"
	"github.com/docker/go-connections/nat"
	"github.com/envforge-io/envforge/internal/logging"
	"github.com/envforge-io/envforge/internal/platform"
	v1 "github.com/opencontainers/image-spec/specs-go/v1"
)

// Spec describes one image to produce.
type Spec struct {
	Name       string
	ContextDir string
	Dockerfile string
	BuildArgs  map[string]*string

	// SmokePort, when set, is the container port probed by SmokeStart.
	SmokePort int
}

// Builder wraps a lazily-created Docker client.
type Builder struct {
	client *client.Client
	out    io.Writer
}

// NewBuilder returns a Builder streaming daemon output to w.
func NewBuilder(w io.Writer) *Builder {
	return &Builder{out: w}
}

func (b *Builder) ensureClient() error {
	if b.client != nil {
		return nil
	}
	cli, err := client.NewClientWithOpts(client.FromEnv, client.WithAPIVersionNegotiation())
	if err != nil {
		return fmt.Errorf("failed to create Docker client: %w", err)
	}
	b.client = cli
	return nil
}

// Build produces the image and returns its ID.
func (b *Builder) Build(ctx context.Context, spec Spec) (string, error) {
	if err := b.ensureClient(); err != nil {
		return "", err
	}

	tar, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{})
	if err != nil {
		return "", fmt.Errorf("failed to create build context tar: %w", err)
	}

	opts := types.ImageBuildOptions{
		Tags:       []string{spec.Name},
		Dockerfile: spec.Dockerfile,
		BuildArgs:  spec.BuildArgs,
		Remove:     true,
	}

	resp, err := b.client.ImageBuild(ctx, tar, opts)
	if err != nil {
		return "", fmt.Errorf("failed to build image: %w", err)
	}
	defer resp.Body.Close()

	// Drain output to prevent blocking
	io.Copy(b.out, resp.Body)

	inspect, _, err := b.client.ImageInspectWithRaw(ctx, spec.Name)
	if err != nil {
		return "", fmt.Errorf("failed to inspect built image: %w", err)
	}
	return inspect.ID, nil
}

// Push tags the image into the registry and pushes it.
func (b *Builder) Push(ctx context.Context, spec Spec, repoURI, tag string, auth platform.RegistryAuth) (string, error) {
	if err := b.ensureClient(); err != nil {
		return "", err
	}

	ref := fmt.Sprintf("%s:%s", repoURI, tag)
	if err := b.client.ImageTag(ctx, spec.Name, ref); err != nil {
		return "", fmt.Errorf("failed to tag image: %w", err)
	}

	encoded, err := encodeAuth(auth)
	if err != nil {
		return "", err
	}
	reader, err := b.client.ImagePush(ctx, ref, image.PushOptions{RegistryAuth: encoded})
	if err != nil {
		return "", fmt.Errorf("failed to push image: %w", err)
	}
	defer reader.Close()
	io.Copy(b.out, reader)

	logging.Info("pushed image", "ref", ref)
	return ref, nil
}

// SmokeStart runs the freshly built image locally and checks it stays up
// long enough to bind its port. Catches images that crash on boot before
// they reach the remote environment.
func (b *Builder) SmokeStart(ctx context.Context, spec Spec, wait time.Duration) error {
	if err := b.ensureClient(); err != nil {
		return err
	}
	if spec.SmokePort == 0 {
		return nil
	}

	port, err := nat.NewPort("tcp", fmt.Sprintf("%d", spec.SmokePort))
	if err != nil {
		return fmt.Errorf("invalid smoke port: %w", err)
	}
	created, err := b.client.ContainerCreate(ctx, &container.Config{
		Image:        spec.Name,
		ExposedPorts: nat.PortSet{port: struct{}{}},
	}, &container.HostConfig{
		PortBindings: nat.PortMap{port: []nat.PortBinding{{HostIP: "127.0.0.1"}}},
	}, nil, &v1.Platform{}, "")
	if err != nil {
		return fmt.Errorf("failed to create smoke container: %w", err)
	}
	defer func() {
		b.client.ContainerRemove(context.WithoutCancel(ctx), created.ID, container.RemoveOptions{Force: true})
	}()

	if err := b.client.ContainerStart(ctx, created.ID, container.StartOptions{}); err != nil {
		return fmt.Errorf("failed to start smoke container: %w", err)
	}

	select {
	case <-time.After(wait):
	case <-ctx.Done():
		return ctx.Err()
	}

	inspect, err := b.client.ContainerInspect(ctx, created.ID)
	if err != nil {
		return fmt.Errorf("failed to inspect smoke container: %w", err)
	}
	if !inspect.State.Running {
		return fmt.Errorf("image %s exited during smoke start (exit code %d)", spec.Name, inspect.State.ExitCode)
	}
	return nil
}

func encodeAuth(auth platform.RegistryAuth) (string, error) {
	payload, err := json.Marshal(dockerregistry.AuthConfig{
		Username:      auth.Username,
		Password:      auth.Password,
		ServerAddress: auth.Endpoint,
	})
	if err != nil {
		return "", fmt.Errorf("failed to encode registry auth: %w", err)
	}
	return base64.URLEncoding.EncodeToString(payload), nil
}
