// Package rollback reverts an environment to the state captured before a
// failed attempt: services back to their recorded predecessor specification
// versions, infrastructure back to the pre-apply state snapshot, and (when
// the attempt flagged it) data back via the external restore facility.
//
// rollback trusts only what was captured BEFORE the attempt mutated
// anything. it never asks the orchestration API what to revert to, because
// after a partial rollout that answer is already poisoned.
package rollback

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/arena-platform/arena-deploy/config"
	"github.com/arena-platform/arena-deploy/errdefs"
	"github.com/arena-platform/arena-deploy/models"
	"github.com/arena-platform/arena-deploy/orch"
)

// StabilityWaiter polls a service until a specification version is primary
// and stable or the deadline passes. the rollout controller satisfies it, so
// forward rollouts and reversions share one poll discipline.
type StabilityWaiter interface {
	AwaitStability(ctx context.Context, cluster, service, specVersion string) (models.RolloutStatus, time.Duration, error)
}

// StateRestorer restores the infrastructure state snapshot taken before the
// failed attempt's apply. the infra provisioner satisfies it.
type StateRestorer interface {
	RestoreSnapshot(ctx context.Context, snapshotID string) error
}

// DataRestorer runs the environment's external data restore facility.
type DataRestorer interface {
	Restore(ctx context.Context, correlationID string) error
}

// Verifier re-runs the health battery after reversion. built per rollback so
// its stability checks target the predecessor versions, not the failed ones.
type Verifier interface {
	Verify(ctx context.Context, correlationID string) ([]models.HealthCheckResult, error)
}

// Store persists the reversion outcome on the attempt's rollout rows.
type Store interface {
	SaveRollout(correlationID string, rollout models.ServiceRolloutResult) error
}

// Recorder is the audit surface rollback stamps its steps onto.
type Recorder interface {
	Record(correlationID, action, reason string)
}

// Controller executes a rollback. exactly one Execute call happens per
// failed attempt; nothing in the pipeline ever retries a rollback, so a
// failed rollback is terminal by construction.
type Controller struct {
	orchestrator  orch.Orchestrator
	waiter        StabilityWaiter
	stateRestorer StateRestorer
	dataRestorer  DataRestorer
	store         Store
	recorder      Recorder
	cfg           *config.Config
	logger        *zap.Logger
}

// NewController wires a rollback Controller.
func NewController(
	orchestrator orch.Orchestrator,
	waiter StabilityWaiter,
	stateRestorer StateRestorer,
	dataRestorer DataRestorer,
	store Store,
	recorder Recorder,
	cfg *config.Config,
	logger *zap.Logger,
) *Controller {
	return &Controller{
		orchestrator:  orchestrator,
		waiter:        waiter,
		stateRestorer: stateRestorer,
		dataRestorer:  dataRestorer,
		store:         store,
		recorder:      recorder,
		cfg:           cfg,
		logger:        logger,
	}
}

// Execute reverts everything the attempt touched, then re-verifies with the
// given verifier. order matters: services first (stop the bleeding at the
// traffic layer), then infrastructure state, then data.
//
// a missing predecessor on ANY service aborts before a single reversion is
// triggered and maps to the rollback-impossible bucket. every other failure
// along the way maps to rollback-failed. both are terminal.
func (controller *Controller) Execute(ctx context.Context, attempt *models.DeploymentAttempt, verifier Verifier) error {
	for _, rollout := range attempt.Rollouts {
		if rollout.PreviousSpecVersion == "" {
			reason := fmt.Sprintf("service %q has no stable predecessor recorded", rollout.Service)
			controller.recorder.Record(attempt.CorrelationID, "rollback_impossible", reason)
			return errdefs.WrapRollbackImpossible(errors.New(reason))
		}
	}

	controller.recorder.Record(attempt.CorrelationID, "rollback_started", "")

	if err := controller.revertServices(ctx, attempt); err != nil {
		controller.recorder.Record(attempt.CorrelationID, "rollback_failed", err.Error())
		return errdefs.WrapRollbackFailed(err)
	}

	if attempt.InfraResult != nil && attempt.InfraResult.SnapshotID != "" {
		if err := controller.stateRestorer.RestoreSnapshot(ctx, attempt.InfraResult.SnapshotID); err != nil {
			controller.recorder.Record(attempt.CorrelationID, "rollback_failed", err.Error())
			return errdefs.WrapRollbackFailed(fmt.Errorf("infrastructure state restore failed: %w", err))
		}
		controller.recorder.Record(attempt.CorrelationID, "infrastructure_restored", attempt.InfraResult.SnapshotID)
	}

	if attempt.RequiresDataRestore {
		if err := controller.dataRestorer.Restore(ctx, attempt.CorrelationID); err != nil {
			controller.recorder.Record(attempt.CorrelationID, "rollback_failed", err.Error())
			return errdefs.WrapRollbackFailed(err)
		}
		controller.recorder.Record(attempt.CorrelationID, "data_restored", "")
	}

	if _, err := verifier.Verify(ctx, attempt.CorrelationID); err != nil {
		controller.recorder.Record(attempt.CorrelationID, "rollback_failed",
			"environment unhealthy after reversion")
		return errdefs.WrapRollbackFailed(fmt.Errorf("environment unhealthy after reversion: %w", err))
	}

	controller.recorder.Record(attempt.CorrelationID, "rollback_completed", "")
	controller.logger.Info("rollback completed",
		zap.String("correlation_id", attempt.CorrelationID),
		zap.String("environment", attempt.Environment),
	)
	return nil
}

// revertServices triggers every service's reversion in parallel and waits
// for each to stabilize on its predecessor. a failing service never cancels
// its siblings: reverting as much as possible beats stopping early.
func (controller *Controller) revertServices(ctx context.Context, attempt *models.DeploymentAttempt) error {
	revertErrors := make([]error, len(attempt.Rollouts))

	var waitGroup sync.WaitGroup
	for index := range attempt.Rollouts {
		waitGroup.Add(1)
		go func(index int) {
			defer waitGroup.Done()
			revertErrors[index] = controller.revertService(ctx, attempt.CorrelationID, &attempt.Rollouts[index])
		}(index)
	}
	waitGroup.Wait()

	return errors.Join(revertErrors...)
}

func (controller *Controller) revertService(ctx context.Context, correlationID string, rollout *models.ServiceRolloutResult) error {
	target := rollout.PreviousSpecVersion

	if err := controller.orchestrator.TriggerRollout(ctx, rollout.Cluster, rollout.Service, target); err != nil {
		return fmt.Errorf("service %q: reversion not accepted: %w", rollout.Service, err)
	}

	status, elapsed, err := controller.waiter.AwaitStability(ctx, rollout.Cluster, rollout.Service, target)
	if err != nil {
		return fmt.Errorf("service %q: reversion did not stabilize: %w", rollout.Service, err)
	}
	if status != models.RolloutPrimaryStable {
		return fmt.Errorf("service %q: reversion to %q timed out after %s", rollout.Service, target, elapsed)
	}

	rollout.RevertedTo = &target
	if saveErr := controller.store.SaveRollout(correlationID, *rollout); saveErr != nil {
		controller.logger.Warn("reversion record not persisted",
			zap.String("correlation_id", correlationID),
			zap.String("service", rollout.Service),
			zap.Error(saveErr),
		)
	}

	controller.recorder.Record(correlationID, "service_reverted",
		fmt.Sprintf("%s -> %s", rollout.Service, target))
	return nil
}
