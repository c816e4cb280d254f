// Package registry builds container images, pushes them, and verifies the
// pushed artifacts against the registry. all Docker SDK calls are isolated
// here so no other package imports the Docker SDK directly; the rest of the
// controller sees only the Daemon and Registry interfaces and the Pipeline.
package registry

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/image"
	dockerclient "github.com/docker/docker/client"
	"github.com/docker/docker/pkg/jsonmessage"
	"github.com/moby/go-archive"
	"go.uber.org/zap"
)

// Daemon is the narrow surface the pipeline needs from the local container
// daemon. the Docker implementation lives below; tests substitute a fake.
type Daemon interface {
	// Ping verifies the daemon is reachable. read-only; used by the validator.
	Ping(ctx context.Context) error

	// BuildImage builds the context into an image carrying all of spec.Tags
	BuildImage(ctx context.Context, spec BuildSpec) error

	// PushImage pushes one fully qualified reference using the given
	// base64-encoded registry auth
	PushImage(ctx context.Context, imageRef string, registryAuth string) error

	// LocalDigest returns the manifest digest the daemon associates with the
	// pushed reference (its local view of what the registry now holds)
	LocalDigest(ctx context.Context, imageRef string) (string, error)
}

// BuildSpec holds the parameters for one image build. grouping them in a
// struct keeps the Daemon signature stable as options are added.
type BuildSpec struct {
	// ContextDir is the build context directory on the host
	ContextDir string

	// Dockerfile is the Dockerfile path relative to the context
	Dockerfile string

	// Tags are the full references the built image is tagged with. the
	// pipeline always passes the version tag plus the floating "latest" alias.
	Tags []string
}

// DockerClient wraps the Docker SDK client with a logger. the SDK client
// manages the connection to the daemon and is safe to share across
// goroutines, so one DockerClient serves all parallel builds.
type DockerClient struct {
	sdk    *dockerclient.Client
	logger *zap.Logger
}

// ensure the concrete client satisfies the interface the pipeline consumes.
var _ Daemon = (*DockerClient)(nil)

// NewDockerClient connects to the Docker daemon using the default socket
// path (honouring DOCKER_HOST et al.) and pings it to fail fast if the
// daemon is unreachable. an unreachable daemon means no artifact can be
// built, so the caller should abort immediately.
func NewDockerClient(logger *zap.Logger) (*DockerClient, error) {
	sdk, err := dockerclient.NewClientWithOpts(
		dockerclient.FromEnv,
		dockerclient.WithAPIVersionNegotiation(),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create docker sdk client: %w", err)
	}

	client := &DockerClient{sdk: sdk, logger: logger}

	// a 5-second timeout is enough for a local socket response. if this
	// times out, Docker is either not running or the socket path is wrong.
	pingCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx); err != nil {
		return nil, fmt.Errorf("docker daemon unreachable: %w", err)
	}

	logger.Info("docker client connected", zap.String("host", sdk.DaemonHost()))
	return client, nil
}

// Ping sends a lightweight ping request to the daemon.
func (client *DockerClient) Ping(ctx context.Context) error {
	if _, err := client.sdk.Ping(ctx); err != nil {
		return fmt.Errorf("docker ping failed: %w", err)
	}
	return nil
}

// Close releases the underlying SDK connection. deferred by the caller
// immediately after NewDockerClient returns successfully.
func (client *DockerClient) Close() error {
	return client.sdk.Close()
}

// BuildImage tars the build context and streams it to the daemon. the build
// output stream is consumed fully: the daemon reports build failures as an
// error frame inside the stream, not as an HTTP error, so returning before
// the stream is drained would report success for a failed build.
func (client *DockerClient) BuildImage(ctx context.Context, spec BuildSpec) error {
	buildContext, err := archive.TarWithOptions(spec.ContextDir, &archive.TarOptions{})
	if err != nil {
		return fmt.Errorf("failed to tar build context %q: %w", spec.ContextDir, err)
	}
	defer buildContext.Close()

	response, err := client.sdk.ImageBuild(ctx, buildContext, types.ImageBuildOptions{
		Tags:       spec.Tags,
		Dockerfile: spec.Dockerfile,
		Remove:     true,
	})
	if err != nil {
		return fmt.Errorf("failed to start image build for %q: %w", spec.ContextDir, err)
	}
	defer response.Body.Close()

	// DisplayJSONMessagesStream surfaces the in-stream error frame as a
	// *jsonmessage.JSONError. output itself is discarded; the structured
	// logger already records per-component progress.
	if err := jsonmessage.DisplayJSONMessagesStream(response.Body, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("image build failed for %q: %w", spec.ContextDir, err)
	}

	client.logger.Info("image built",
		zap.String("context", spec.ContextDir),
		zap.Strings("tags", spec.Tags),
	)
	return nil
}

// PushImage pushes one reference and drains the push stream the same way
// BuildImage drains the build stream.
func (client *DockerClient) PushImage(ctx context.Context, imageRef string, registryAuth string) error {
	response, err := client.sdk.ImagePush(ctx, imageRef, image.PushOptions{RegistryAuth: registryAuth})
	if err != nil {
		return fmt.Errorf("failed to start push for %q: %w", imageRef, err)
	}
	defer response.Close()

	if err := jsonmessage.DisplayJSONMessagesStream(response, io.Discard, 0, false, nil); err != nil {
		return fmt.Errorf("push failed for %q: %w", imageRef, err)
	}
	return nil
}

// LocalDigest returns the manifest digest the daemon recorded for the pushed
// reference. the daemon assigns RepoDigests only once a push completes, so
// this must be called after PushImage.
func (client *DockerClient) LocalDigest(ctx context.Context, imageRef string) (string, error) {
	inspect, err := client.sdk.ImageInspect(ctx, imageRef)
	if err != nil {
		return "", fmt.Errorf("failed to inspect %q: %w", imageRef, err)
	}

	// RepoDigests entries look like "host/repo@sha256:...". match on the
	// repository part of the pushed reference (everything before the tag).
	repository := imageRef
	if index := strings.LastIndex(imageRef, ":"); index > strings.LastIndex(imageRef, "/") {
		repository = imageRef[:index]
	}
	for _, repoDigest := range inspect.RepoDigests {
		if rest, found := strings.CutPrefix(repoDigest, repository+"@"); found {
			return rest, nil
		}
	}
	return "", fmt.Errorf("daemon has no digest recorded for %q (was it pushed?)", imageRef)
}
