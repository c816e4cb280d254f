// Package rollout replaces running services with new specification versions
// and waits for each rollout to stabilize. the controller's single most
// important job happens before anything mutates: capturing each service's
// stable predecessor version, which is the only record rollback will trust.
package rollout

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/arena-platform/arena-deploy/config"
	"github.com/arena-platform/arena-deploy/errdefs"
	"github.com/arena-platform/arena-deploy/models"
	"github.com/arena-platform/arena-deploy/orch"
)

// Store persists per-service rollout progress under the attempt.
type Store interface {
	SaveRollout(correlationID string, rollout models.ServiceRolloutResult) error
}

// Controller drives service rollouts. the clock is injected so tests can
// step through poll cycles without waiting wall-clock time.
type Controller struct {
	orchestrator orch.Orchestrator
	store        Store
	cfg          *config.Config
	clock        clock.WithTicker
	logger       *zap.Logger
}

// NewController wires a Controller with a real clock.
func NewController(orchestrator orch.Orchestrator, store Store, cfg *config.Config, logger *zap.Logger) *Controller {
	return NewControllerWithClock(orchestrator, store, cfg, clock.RealClock{}, logger)
}

// NewControllerWithClock is the test constructor.
func NewControllerWithClock(orchestrator orch.Orchestrator, store Store, cfg *config.Config, clk clock.WithTicker, logger *zap.Logger) *Controller {
	return &Controller{orchestrator: orchestrator, store: store, cfg: cfg, clock: clk, logger: logger}
}

// CapturePredecessors observes every service's current primary specification
// version and persists one rollout record per service BEFORE any rollout is
// triggered. a predecessor only counts when the service is fully stable at
// observation time; an unstable service gets an empty predecessor, which the
// rollback controller treats as "nothing safe to revert to".
//
// any observation failure aborts the attempt here, while nothing has mutated.
func (controller *Controller) CapturePredecessors(ctx context.Context, correlationID string) ([]models.ServiceRolloutResult, error) {
	rollouts := make([]models.ServiceRolloutResult, 0, len(controller.cfg.Services))
	for _, service := range controller.cfg.Services {
		state, err := controller.orchestrator.ResolveActiveSpec(ctx, service.Cluster, service.Name)
		if err != nil {
			return nil, fmt.Errorf("failed to capture predecessor for service %q: %w", service.Name, err)
		}

		record := models.ServiceRolloutResult{
			Service: service.Name,
			Cluster: service.Cluster,
		}
		if state.Stable() {
			record.PreviousSpecVersion = state.SpecVersion
		} else {
			controller.logger.Warn("service has no stable predecessor; rollback will be impossible for it",
				zap.String("correlation_id", correlationID),
				zap.String("service", service.Name),
				zap.String("observed_spec_version", state.SpecVersion),
			)
		}

		if err := controller.store.SaveRollout(correlationID, record); err != nil {
			return nil, fmt.Errorf("failed to persist predecessor for service %q: %w", service.Name, err)
		}
		rollouts = append(rollouts, record)
	}
	return rollouts, nil
}

// Execute registers the new specification version for every service, triggers
// all rollouts, and waits for each to stabilize. services roll out in
// parallel; a failing service never cancels its siblings, so every service
// reaches a recorded terminal state before Execute returns.
//
// any timed-out or failed rollout makes the whole phase fail with the
// convergence-timeout bucket, which the pipeline answers with a rollback.
func (controller *Controller) Execute(ctx context.Context, correlationID, versionTag string, rollouts []models.ServiceRolloutResult) ([]models.ServiceRolloutResult, error) {
	rolloutErrors := make([]error, len(rollouts))

	var waitGroup sync.WaitGroup
	for index := range rollouts {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			rolloutErrors[index] = controller.rollOutService(ctx, correlationID, versionTag, &rollouts[index])
			if err := controller.store.SaveRollout(correlationID, rollouts[index]); err != nil {
				controller.logger.Warn("rollout record not persisted",
					zap.String("correlation_id", correlationID),
					zap.String("service", rollouts[index].Service),
					zap.Error(err),
				)
			}
		}(index)
	}
	waitGroup.Wait()

	return rollouts, errors.Join(rolloutErrors...)
}

func (controller *Controller) rollOutService(ctx context.Context, correlationID, versionTag string, rollout *models.ServiceRolloutResult) error {
	repository, found := controller.cfg.RepositoryFor(rollout.Service)
	if !found {
		return fmt.Errorf("service %q has no component repository", rollout.Service)
	}
	imageRef := repository + ":" + versionTag

	newVersion, err := controller.orchestrator.RegisterSpecVersion(ctx, rollout.Cluster, rollout.Service, imageRef)
	if err != nil {
		return fmt.Errorf("service %q: %w", rollout.Service, err)
	}
	rollout.NewSpecVersion = newVersion

	if err := controller.orchestrator.TriggerRollout(ctx, rollout.Cluster, rollout.Service, newVersion); err != nil {
		return fmt.Errorf("service %q: %w", rollout.Service, err)
	}

	status, elapsed, err := controller.AwaitStability(ctx, rollout.Cluster, rollout.Service, newVersion)
	rollout.Status = status
	rollout.Elapsed = elapsed
	if err != nil {
		return fmt.Errorf("service %q: %w", rollout.Service, err)
	}
	if status == models.RolloutTimedOut {
		return errdefs.WrapConvergenceTimeout(fmt.Errorf(
			"service %q did not stabilize on %q within %s", rollout.Service, newVersion, controller.cfg.RolloutTimeout))
	}

	controller.logger.Info("service rollout stable",
		zap.String("correlation_id", correlationID),
		zap.String("service", rollout.Service),
		zap.String("spec_version", newVersion),
		zap.Duration("elapsed", elapsed),
	)
	return nil
}

// AwaitStability polls the service at the configured interval until the
// target specification version is primary and fully stable, or the per-service
// deadline passes. observation errors during polling are tolerated until the
// deadline: a throttled describe call must not fail a rollout that is
// converging fine. the rollback controller reuses this to watch reversions.
func (controller *Controller) AwaitStability(ctx context.Context, cluster, service, specVersion string) (models.RolloutStatus, time.Duration, error) {
	started := controller.clock.Now()
	deadline := started.Add(controller.cfg.RolloutTimeout)

	ticker := controller.clock.NewTicker(controller.cfg.RolloutPollInterval)
	defer ticker.Stop()

	var lastObservationError error
	for {
		state, err := controller.orchestrator.ResolveActiveSpec(ctx, cluster, service)
		switch {
		case err != nil:
			lastObservationError = err
			controller.logger.Warn("rollout observation failed, will re-poll",
				zap.String("service", service),
				zap.Error(err),
			)
		case state.SpecVersion == specVersion && state.Stable():
			return models.RolloutPrimaryStable, controller.clock.Since(started), nil
		}

		if !controller.clock.Now().Before(deadline) {
			return models.RolloutTimedOut, controller.clock.Since(started), lastObservationError
		}

		select {
		case <-ctx.Done():
			return models.RolloutTimedOut, controller.clock.Since(started), ctx.Err()
		case <-ticker.C():
		}
	}
}
