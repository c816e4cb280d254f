package registry

// pipeline.go is the artifact pipeline: build every component image, push
// each with bounded retries, and verify the pushed content against the
// registry. the pipeline mutates nothing except the registry and the local
// daemon; later phases consume the returned ArtifactBuild records.

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"go.uber.org/zap"

	"github.com/arena-platform/arena-deploy/config"
	"github.com/arena-platform/arena-deploy/errdefs"
	"github.com/arena-platform/arena-deploy/models"
)

// ArtifactStore persists artifact progress under the attempt. the db
// package's Database satisfies it.
type ArtifactStore interface {
	SaveArtifact(correlationID string, artifact models.ArtifactBuild) error
}

// Pipeline holds the dependencies for the build-and-push phase. constructed
// once per attempt and carries no per-artifact state; each Run call is
// independent.
type Pipeline struct {
	daemon   Daemon
	registry Registry
	store    ArtifactStore
	cfg      *config.Config
	logger   *zap.Logger
}

// NewPipeline constructs a Pipeline with its required dependencies.
func NewPipeline(daemon Daemon, reg Registry, store ArtifactStore, cfg *config.Config, logger *zap.Logger) *Pipeline {
	return &Pipeline{daemon: daemon, registry: reg, store: store, cfg: cfg, logger: logger}
}

// Run builds every configured component image, then pushes and verifies each
// artifact. it returns a record per component reflecting how far that
// component got. on any error the whole attempt must fail: no partially
// pushed image may be referenced by later phases.
//
// builds run in parallel unless parallel_builds is false; pushes always run
// in parallel because they are network-bound. within each stage a failing
// sub-task never cancels its siblings: the stage completes when every
// sub-task has resolved, so the end state is deterministic.
func (pipeline *Pipeline) Run(ctx context.Context, correlationID string, versionTag string) ([]models.ArtifactBuild, error) {
	artifacts := make([]models.ArtifactBuild, len(pipeline.cfg.Components))
	for index, component := range pipeline.cfg.Components {
		repository, _ := pipeline.cfg.RepositoryFor(component.Name)
		artifacts[index] = models.ArtifactBuild{
			Component:    component.Name,
			BuildContext: component.Context,
			ImageRef:     repository + ":" + versionTag,
		}
	}

	// ===== stage 1: builds
	if err := pipeline.buildAll(ctx, correlationID, artifacts, versionTag); err != nil {
		return artifacts, err
	}

	// ===== stage 2: pushes + digest verification
	if err := pipeline.pushAll(ctx, correlationID, artifacts); err != nil {
		return artifacts, err
	}

	return artifacts, nil
}

func (pipeline *Pipeline) buildAll(ctx context.Context, correlationID string, artifacts []models.ArtifactBuild, versionTag string) error {
	buildErrors := make([]error, len(artifacts))

	buildOne := func(index int) {
		component := pipeline.cfg.Components[index]
		repository, _ := pipeline.cfg.RepositoryFor(component.Name)

		dockerfile := component.Dockerfile
		if dockerfile == "" {
			dockerfile = "Dockerfile"
		}

		started := time.Now()
		err := pipeline.daemon.BuildImage(ctx, BuildSpec{
			ContextDir: component.Context,
			Dockerfile: dockerfile,
			// the image carries both the release tag and the floating
			// "latest" alias; only the release tag is ever deployed.
			Tags: []string{repository + ":" + versionTag, repository + ":latest"},
		})
		if err != nil {
			buildErrors[index] = fmt.Errorf("build failed for component %q: %w", component.Name, err)
			return
		}

		pipeline.logger.Info("component built",
			zap.String("correlation_id", correlationID),
			zap.String("component", component.Name),
			zap.Duration("elapsed", time.Since(started)),
		)
		pipeline.persist(correlationID, artifacts[index])
	}

	if pipeline.cfg.ParallelBuilds {
		var waitGroup sync.WaitGroup
		for index := range artifacts {
			waitGroup.Add(1)
			go func(index int) {
				defer waitGroup.Done()
				buildOne(index)
			}(index)
		}
		waitGroup.Wait()
	} else {
		for index := range artifacts {
			buildOne(index)
		}
	}

	return errors.Join(buildErrors...)
}

func (pipeline *Pipeline) pushAll(ctx context.Context, correlationID string, artifacts []models.ArtifactBuild) error {
	pushAuth, err := pipeline.registry.PushAuth(ctx)
	if err != nil {
		return errdefs.WrapTransient(err)
	}

	pushErrors := make([]error, len(artifacts))
	var waitGroup sync.WaitGroup
	for index := range artifacts {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			pushErrors[index] = pipeline.pushAndVerify(ctx, correlationID, &artifacts[index], pushAuth)
			pipeline.persist(correlationID, artifacts[index])
		}(index)
	}
	waitGroup.Wait()

	return errors.Join(pushErrors...)
}

// pushAndVerify pushes one artifact with up to push_attempts tries under
// exponential backoff (base delay doubled per attempt, capped), then
// compares the daemon's digest for the pushed reference byte-for-byte
// against the digest the registry reports. a mismatch is an integrity
// failure: it signals corruption, not transience, and is never retried.
func (pipeline *Pipeline) pushAndVerify(ctx context.Context, correlationID string, artifact *models.ArtifactBuild, pushAuth string) error {
	exponential := backoff.NewExponentialBackOff()
	exponential.InitialInterval = pipeline.cfg.PushBackoffBase
	exponential.Multiplier = 2
	exponential.MaxInterval = pipeline.cfg.PushBackoffCap

	push := func() (struct{}, error) {
		artifact.PushAttempts++
		return struct{}{}, pipeline.daemon.PushImage(ctx, artifact.ImageRef, pushAuth)
	}

	_, err := backoff.Retry(ctx, push,
		backoff.WithBackOff(exponential),
		backoff.WithMaxTries(uint(pipeline.cfg.PushAttempts)),
	)
	if err != nil {
		return errdefs.WrapTransient(fmt.Errorf(
			"push exhausted %d attempts for %q: %w", artifact.PushAttempts, artifact.ImageRef, err))
	}

	localDigest, err := pipeline.daemon.LocalDigest(ctx, artifact.ImageRef)
	if err != nil {
		return errdefs.WrapIntegrity(fmt.Errorf("no local digest for %q: %w", artifact.ImageRef, err))
	}
	artifact.LocalDigest = localDigest

	remoteDigest, err := pipeline.registry.RemoteDigest(ctx, artifact.ImageRef)
	if err != nil {
		return errdefs.WrapTransient(fmt.Errorf("remote digest lookup failed for %q: %w", artifact.ImageRef, err))
	}
	artifact.RemoteDigest = remoteDigest

	if localDigest != remoteDigest {
		return errdefs.WrapIntegrity(fmt.Errorf(
			"digest mismatch for %q: local %s, registry %s", artifact.ImageRef, localDigest, remoteDigest))
	}

	pipeline.logger.Info("artifact pushed and verified",
		zap.String("correlation_id", correlationID),
		zap.String("image_ref", artifact.ImageRef),
		zap.String("digest", localDigest),
		zap.Int("push_attempts", artifact.PushAttempts),
	)
	return nil
}

// persist saves artifact progress best-effort. losing a progress row is not
// worth failing a deployment over; the returned slice is authoritative.
func (pipeline *Pipeline) persist(correlationID string, artifact models.ArtifactBuild) {
	if pipeline.store == nil {
		return
	}
	if err := pipeline.store.SaveArtifact(correlationID, artifact); err != nil {
		pipeline.logger.Warn("artifact record not persisted",
			zap.String("correlation_id", correlationID),
			zap.String("component", artifact.Component),
			zap.Error(err),
		)
	}
}
