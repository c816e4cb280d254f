// Package deployer owns the attempt lifecycle: it sequences the phases,
// records every transition, decides when a failure escalates to rollback,
// and guarantees exactly one terminal state per attempt. all domain work is
// delegated; everything the pipeline touches directly is bookkeeping.
package deployer

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arena-platform/arena-deploy/config"
	"github.com/arena-platform/arena-deploy/errdefs"
	"github.com/arena-platform/arena-deploy/metrics"
	"github.com/arena-platform/arena-deploy/models"
	"github.com/arena-platform/arena-deploy/orch"
	"github.com/arena-platform/arena-deploy/rollback"
)

// Validator is the pre-flight gate.
type Validator interface {
	Validate(ctx context.Context, versionTag string) error
}

// ArtifactBuilder builds, pushes and verifies the component images.
type ArtifactBuilder interface {
	Run(ctx context.Context, correlationID, versionTag string) ([]models.ArtifactBuild, error)
}

// InfraApplier drives the provisioning tool.
type InfraApplier interface {
	EnsureWorkspace(ctx context.Context) error
	SnapshotState(ctx context.Context, correlationID string) (*models.InfrastructureSnapshot, error)
	Apply(ctx context.Context, correlationID string) (*models.InfrastructureApplyResult, bool, error)
	RestoreSnapshot(ctx context.Context, snapshotID string) error
}

// RolloutController captures predecessors and executes service rollouts.
type RolloutController interface {
	CapturePredecessors(ctx context.Context, correlationID string) ([]models.ServiceRolloutResult, error)
	Execute(ctx context.Context, correlationID, versionTag string, rollouts []models.ServiceRolloutResult) ([]models.ServiceRolloutResult, error)
}

// RollbackController reverts a failed attempt.
type RollbackController interface {
	Execute(ctx context.Context, attempt *models.DeploymentAttempt, verifier rollback.Verifier) error
}

// VerifierFactory builds a health battery whose service stability checks
// target the given specification versions (service name -> spec version).
// the pipeline calls it with the new versions after a rollout and with the
// predecessor versions after a reversion.
type VerifierFactory func(targets map[string]string) rollback.Verifier

// AttemptStore is the persistence surface the pipeline needs. the db
// package's Database satisfies it.
type AttemptStore interface {
	InsertAttempt(attempt *models.DeploymentAttempt) error
	UpdateAttemptStatus(correlationID string, status models.AttemptStatus) error
	SetFailureReason(correlationID string, reason string) error
	SetRequiresDataRestore(correlationID string, required bool) error
	ActiveAttemptExists(environment string) (bool, error)
	LatestAttempt(environment string) (*models.DeploymentAttempt, error)
	SaveRollout(correlationID string, rollout models.ServiceRolloutResult) error
	ListSnapshots(environment string) ([]*models.InfrastructureSnapshot, error)
}

// Recorder is the audit surface.
type Recorder interface {
	Record(correlationID, action, reason string)
	RecordAs(correlationID, actor, action, reason string)
}

// DeploymentPipeline sequences one attempt through its phases. one pipeline
// instance serves one CLI invocation.
type DeploymentPipeline struct {
	store           AttemptStore
	validator       Validator
	artifacts       ArtifactBuilder
	infra           InfraApplier
	rollouts        RolloutController
	rollbacks       RollbackController
	orchestrator    orch.Orchestrator
	verifierFactory VerifierFactory
	recorder        Recorder
	cfg             *config.Config
	logger          *zap.Logger
}

// NewDeploymentPipeline wires a pipeline from its phase controllers.
func NewDeploymentPipeline(
	store AttemptStore,
	validator Validator,
	artifacts ArtifactBuilder,
	infraApplier InfraApplier,
	rollouts RolloutController,
	rollbacks RollbackController,
	orchestrator orch.Orchestrator,
	verifierFactory VerifierFactory,
	recorder Recorder,
	cfg *config.Config,
	logger *zap.Logger,
) *DeploymentPipeline {
	return &DeploymentPipeline{
		store:           store,
		validator:       validator,
		artifacts:       artifacts,
		infra:           infraApplier,
		rollouts:        rollouts,
		rollbacks:       rollbacks,
		orchestrator:    orchestrator,
		verifierFactory: verifierFactory,
		recorder:        recorder,
		cfg:             cfg,
		logger:          logger,
	}
}

// Deploy runs one deployment attempt end to end and returns the attempt
// record alongside the terminal error, if any. the caller maps the error to
// an exit code; the attempt record carries everything else.
//
// cancellation (ctrl-c) aborts the attempt cleanly up to and including the
// infrastructure phase. once the rollout phase begins the attempt is past
// the point of no return: the pipeline detaches from the caller's
// cancellation and runs to a terminal state regardless.
func (pipeline *DeploymentPipeline) Deploy(ctx context.Context, versionTag string) (*models.DeploymentAttempt, error) {
	environment := pipeline.cfg.Environment

	// ===== mutual exclusion
	active, err := pipeline.store.ActiveAttemptExists(environment)
	if err != nil {
		return nil, fmt.Errorf("failed to check for active attempts: %w", err)
	}
	if active {
		return nil, errdefs.WrapValidation(fmt.Errorf(
			"another attempt is already active for environment %q", environment))
	}

	attempt := &models.DeploymentAttempt{
		CorrelationID: uuid.NewString(),
		Environment:   environment,
		VersionTag:    versionTag,
		Status:        models.StatusValidating,
		StartedAt:     time.Now().UTC(),
	}
	if err := pipeline.store.InsertAttempt(attempt); err != nil {
		return nil, fmt.Errorf("failed to record attempt: %w", err)
	}
	pipeline.recorder.Record(attempt.CorrelationID, "attempt_started", versionTag)
	pipeline.logger.Info("deployment attempt started",
		zap.String("correlation_id", attempt.CorrelationID),
		zap.String("environment", environment),
		zap.String("version_tag", versionTag),
	)

	// ===== phase: validating
	phaseStarted := time.Now()
	if err := pipeline.validator.Validate(ctx, versionTag); err != nil {
		return attempt, pipeline.fail(attempt, "validating", err)
	}
	metrics.ObservePhase(environment, "validating", time.Since(phaseStarted))

	// ===== phase: building
	if err := pipeline.enterPhase(attempt, models.StatusBuilding); err != nil {
		return attempt, pipeline.fail(attempt, "building", err)
	}
	phaseStarted = time.Now()
	artifacts, buildErr := pipeline.artifacts.Run(ctx, attempt.CorrelationID, versionTag)
	attempt.Artifacts = artifacts
	if buildErr != nil {
		// images may have reached the registry but nothing in the
		// environment references them; failing here needs no rollback.
		return attempt, pipeline.fail(attempt, "building", buildErr)
	}
	metrics.ObservePhase(environment, "building", time.Since(phaseStarted))

	// ===== predecessors, captured before anything in the environment mutates
	rollouts, err := pipeline.rollouts.CapturePredecessors(ctx, attempt.CorrelationID)
	if err != nil {
		return attempt, pipeline.fail(attempt, "building", err)
	}
	attempt.Rollouts = rollouts

	// ===== phase: applying infrastructure
	if err := pipeline.enterPhase(attempt, models.StatusApplyingInfra); err != nil {
		return attempt, pipeline.fail(attempt, "applying_infra", err)
	}
	phaseStarted = time.Now()
	if err := pipeline.applyInfrastructure(ctx, attempt); err != nil {
		return attempt, pipeline.fail(attempt, "applying_infra", err)
	}
	metrics.ObservePhase(environment, "applying_infra", time.Since(phaseStarted))

	// ===== phase: rolling out (point of no return)
	detachedCtx := context.WithoutCancel(ctx)
	if err := pipeline.enterPhase(attempt, models.StatusRollingOut); err != nil {
		return attempt, pipeline.fail(attempt, "rolling_out", err)
	}
	pipeline.recorder.Record(attempt.CorrelationID, "point_of_no_return",
		"rollout started; attempt can no longer be aborted")

	phaseStarted = time.Now()
	rollouts, rolloutErr := pipeline.rollouts.Execute(detachedCtx, attempt.CorrelationID, versionTag, attempt.Rollouts)
	attempt.Rollouts = rollouts
	metrics.ObservePhase(environment, "rolling_out", time.Since(phaseStarted))
	if rolloutErr != nil {
		// a rollout that never stabilized is not verified further; the only
		// remaining question is whether the reversion lands cleanly.
		return attempt, pipeline.rollBack(detachedCtx, attempt, "rolling_out", rolloutErr)
	}

	// ===== phase: verifying
	if err := pipeline.enterPhase(attempt, models.StatusVerifying); err != nil {
		return attempt, pipeline.fail(attempt, "verifying", err)
	}
	phaseStarted = time.Now()
	verifier := pipeline.verifierFactory(newSpecTargets(attempt.Rollouts))
	_, verifyErr := verifier.Verify(detachedCtx, attempt.CorrelationID)
	metrics.ObservePhase(environment, "verifying", time.Since(phaseStarted))
	if verifyErr != nil {
		return attempt, pipeline.rollBack(detachedCtx, attempt, "verifying", verifyErr)
	}

	// ===== success
	pipeline.tagServices(detachedCtx, attempt)
	return attempt, pipeline.succeed(attempt)
}

// applyInfrastructure snapshots state, applies the plan, and flags the
// attempt for data restore when the plan touched data-bearing resources.
// the snapshot is best-effort: a failure is logged and the apply proceeds
// with an empty snapshot id, which makes any later rollback skip the state
// restore step. on apply failure the snapshot, when one exists, is restored
// immediately: no services have rolled out yet, so infrastructure is the
// only thing to unwind.
func (pipeline *DeploymentPipeline) applyInfrastructure(ctx context.Context, attempt *models.DeploymentAttempt) error {
	if err := pipeline.infra.EnsureWorkspace(ctx); err != nil {
		return err
	}

	snapshot, snapshotErr := pipeline.infra.SnapshotState(ctx, attempt.CorrelationID)
	if snapshotErr != nil {
		pipeline.recorder.Record(attempt.CorrelationID, "snapshot_failed", snapshotErr.Error())
		pipeline.logger.Warn("pre-apply state snapshot failed; proceeding without one",
			zap.String("correlation_id", attempt.CorrelationID),
			zap.Error(snapshotErr),
		)
	} else {
		pipeline.recorder.Record(attempt.CorrelationID, "snapshot_taken", snapshot.ID)
	}

	result, touchesData, applyErr := pipeline.infra.Apply(ctx, attempt.CorrelationID)
	if snapshot != nil {
		result.SnapshotID = snapshot.ID
	}
	attempt.InfraResult = result

	if touchesData {
		attempt.RequiresDataRestore = true
		if err := pipeline.store.SetRequiresDataRestore(attempt.CorrelationID, true); err != nil {
			pipeline.logger.Warn("data-restore flag not persisted",
				zap.String("correlation_id", attempt.CorrelationID),
				zap.Error(err),
			)
		}
	}

	if applyErr != nil {
		if snapshot == nil {
			return applyErr
		}
		if restoreErr := pipeline.infra.RestoreSnapshot(ctx, snapshot.ID); restoreErr != nil {
			pipeline.recorder.Record(attempt.CorrelationID, "rollback_failed", restoreErr.Error())
			return errdefs.WrapRollbackFailed(fmt.Errorf(
				"apply failed (%v) and state restore also failed: %w", applyErr, restoreErr))
		}
		pipeline.recorder.Record(attempt.CorrelationID, "infrastructure_restored", snapshot.ID)
		return applyErr
	}
	return nil
}

// RollBackLatest is the operator rollback command: revert the environment to
// the state captured by the most recent deployment attempt. it creates a new
// attempt record so the reversion has its own correlation id and audit trail.
func (pipeline *DeploymentPipeline) RollBackLatest(ctx context.Context) (*models.DeploymentAttempt, error) {
	environment := pipeline.cfg.Environment

	active, err := pipeline.store.ActiveAttemptExists(environment)
	if err != nil {
		return nil, fmt.Errorf("failed to check for active attempts: %w", err)
	}
	if active {
		return nil, errdefs.WrapValidation(fmt.Errorf(
			"another attempt is already active for environment %q", environment))
	}

	source, err := pipeline.store.LatestAttempt(environment)
	if err != nil {
		return nil, errdefs.WrapValidation(fmt.Errorf(
			"no deployment attempt recorded for environment %q: %w", environment, err))
	}
	if len(source.Rollouts) == 0 {
		return nil, errdefs.WrapValidation(fmt.Errorf(
			"attempt %s never captured service state; nothing to revert", source.CorrelationID))
	}

	if err := pipeline.validator.Validate(ctx, ""); err != nil {
		return nil, err
	}

	attempt := &models.DeploymentAttempt{
		CorrelationID:       uuid.NewString(),
		Environment:         environment,
		VersionTag:          source.VersionTag,
		Status:              models.StatusRollingBack,
		Rollouts:            source.Rollouts,
		RequiresDataRestore: source.RequiresDataRestore,
		StartedAt:           time.Now().UTC(),
	}
	for index := range attempt.Rollouts {
		attempt.Rollouts[index].RevertedTo = nil
	}
	attempt.InfraResult = pipeline.lookUpInfraResult(source.CorrelationID)

	if err := pipeline.store.InsertAttempt(attempt); err != nil {
		return nil, fmt.Errorf("failed to record rollback attempt: %w", err)
	}
	for _, rollout := range attempt.Rollouts {
		if err := pipeline.store.SaveRollout(attempt.CorrelationID, rollout); err != nil {
			return attempt, fmt.Errorf("failed to record rollback targets: %w", err)
		}
	}
	pipeline.recorder.RecordAs(attempt.CorrelationID, "operator", "rollback_requested",
		"reverting attempt "+source.CorrelationID)

	verifier := pipeline.verifierFactory(previousSpecTargets(attempt.Rollouts))
	if rollbackErr := pipeline.rollbacks.Execute(context.WithoutCancel(ctx), attempt, verifier); rollbackErr != nil {
		metrics.RollbacksTotal.WithLabelValues(environment, errdefs.Bucket(rollbackErr)).Inc()
		return attempt, pipeline.fail(attempt, "rolling_back", rollbackErr)
	}
	metrics.RollbacksTotal.WithLabelValues(environment, "completed").Inc()
	return attempt, pipeline.succeed(attempt)
}

// lookUpInfraResult reconstructs the snapshot linkage for an attempt from
// the snapshots table. nil when the attempt never took a snapshot.
func (pipeline *DeploymentPipeline) lookUpInfraResult(correlationID string) *models.InfrastructureApplyResult {
	snapshots, err := pipeline.store.ListSnapshots(pipeline.cfg.Environment)
	if err != nil {
		pipeline.logger.Warn("snapshot lookup failed; infrastructure will not be restored",
			zap.String("correlation_id", correlationID),
			zap.Error(err),
		)
		return nil
	}
	for _, snapshot := range snapshots {
		if snapshot.CorrelationID == correlationID {
			return &models.InfrastructureApplyResult{SnapshotID: snapshot.ID, Applied: true}
		}
	}
	return nil
}

// rollBack escalates a failed rollout or verification to the compensating
// path. exactly one rollback happens per attempt; its outcome decides the
// terminal error (and with it the exit code), while the attempt's failure
// reason always names the original cause.
func (pipeline *DeploymentPipeline) rollBack(ctx context.Context, attempt *models.DeploymentAttempt, phase string, cause error) error {
	environment := pipeline.cfg.Environment

	if err := pipeline.enterPhase(attempt, models.StatusRollingBack); err != nil {
		return pipeline.fail(attempt, phase, fmt.Errorf("%v (additionally: %w)", cause, err))
	}
	pipeline.recorder.Record(attempt.CorrelationID, "rollback_initiated",
		fmt.Sprintf("phase=%s bucket=%s", phase, errdefs.Bucket(cause)))

	phaseStarted := time.Now()
	verifier := pipeline.verifierFactory(previousSpecTargets(attempt.Rollouts))
	rollbackErr := pipeline.rollbacks.Execute(ctx, attempt, verifier)
	metrics.ObservePhase(environment, "rolling_back", time.Since(phaseStarted))

	if rollbackErr != nil {
		metrics.RollbacksTotal.WithLabelValues(environment, errdefs.Bucket(rollbackErr)).Inc()
		return pipeline.fail(attempt, phase, fmt.Errorf("%w (deployment failure: %v)", rollbackErr, cause))
	}

	metrics.RollbacksTotal.WithLabelValues(environment, "completed").Inc()
	return pipeline.fail(attempt, phase, cause)
}

// tagServices stamps deployment metadata onto each service. best-effort:
// a tagging failure is logged and the attempt still succeeds.
func (pipeline *DeploymentPipeline) tagServices(ctx context.Context, attempt *models.DeploymentAttempt) {
	tags := map[string]string{
		"arena-deploy/version-tag":    attempt.VersionTag,
		"arena-deploy/correlation-id": attempt.CorrelationID,
		"arena-deploy/deployed-at":    time.Now().UTC().Format(time.RFC3339),
	}

	tagged := true
	for _, rollout := range attempt.Rollouts {
		if err := pipeline.orchestrator.TagService(ctx, rollout.Cluster, rollout.Service, tags); err != nil {
			tagged = false
			pipeline.logger.Warn("service not tagged",
				zap.String("correlation_id", attempt.CorrelationID),
				zap.String("service", rollout.Service),
				zap.Error(err),
			)
		}
	}
	if attempt.InfraResult != nil {
		attempt.InfraResult.Tagged = tagged
	}
}

// enterPhase transitions the attempt's status and audits the transition.
func (pipeline *DeploymentPipeline) enterPhase(attempt *models.DeploymentAttempt, status models.AttemptStatus) error {
	attempt.Status = status
	if err := pipeline.store.UpdateAttemptStatus(attempt.CorrelationID, status); err != nil {
		return fmt.Errorf("failed to transition attempt to %s: %w", status, err)
	}
	pipeline.recorder.Record(attempt.CorrelationID, "status_"+strings.ToLower(string(status)), "")
	return nil
}

// fail drives the attempt to its FAILED terminal state with a one-line
// failure reason naming the phase, the error bucket, and the cause.
func (pipeline *DeploymentPipeline) fail(attempt *models.DeploymentAttempt, phase string, cause error) error {
	reason := fmt.Sprintf("phase=%s bucket=%s: %v", phase, errdefs.Bucket(cause), cause)
	attempt.FailureReason = &reason
	attempt.Status = models.StatusFailed

	if err := pipeline.store.SetFailureReason(attempt.CorrelationID, reason); err != nil {
		pipeline.logger.Warn("failure reason not persisted", zap.Error(err))
	}
	if err := pipeline.store.UpdateAttemptStatus(attempt.CorrelationID, models.StatusFailed); err != nil {
		pipeline.logger.Warn("terminal status not persisted", zap.Error(err))
	}

	pipeline.recorder.Record(attempt.CorrelationID, "attempt_failed", reason)
	metrics.AttemptsTotal.WithLabelValues(attempt.Environment, string(models.StatusFailed)).Inc()
	pipeline.logger.Error("deployment attempt failed",
		zap.String("correlation_id", attempt.CorrelationID),
		zap.String("phase", phase),
		zap.String("bucket", errdefs.Bucket(cause)),
		zap.Error(cause),
	)
	return cause
}

// succeed drives the attempt to its SUCCEEDED terminal state.
func (pipeline *DeploymentPipeline) succeed(attempt *models.DeploymentAttempt) error {
	attempt.Status = models.StatusSucceeded
	if err := pipeline.store.UpdateAttemptStatus(attempt.CorrelationID, models.StatusSucceeded); err != nil {
		pipeline.logger.Warn("terminal status not persisted", zap.Error(err))
	}
	pipeline.recorder.Record(attempt.CorrelationID, "attempt_succeeded", "")
	metrics.AttemptsTotal.WithLabelValues(attempt.Environment, string(models.StatusSucceeded)).Inc()
	pipeline.logger.Info("deployment attempt succeeded",
		zap.String("correlation_id", attempt.CorrelationID),
		zap.String("environment", attempt.Environment),
		zap.String("version_tag", attempt.VersionTag),
	)
	return nil
}

// Summary renders the single human-readable terminal line the CLI prints.
func Summary(attempt *models.DeploymentAttempt, err error) string {
	if attempt == nil {
		return fmt.Sprintf("failed before an attempt was recorded: %v", err)
	}
	if err == nil {
		return fmt.Sprintf("%s: %s %s succeeded (attempt %s)",
			attempt.Environment, attempt.VersionTag, attempt.Status, attempt.CorrelationID)
	}
	return fmt.Sprintf("%s: %s failed, bucket=%s (attempt %s): %v",
		attempt.Environment, attempt.VersionTag, errdefs.Bucket(err), attempt.CorrelationID, err)
}

// newSpecTargets maps each service to the specification version this attempt
// rolled out.
func newSpecTargets(rollouts []models.ServiceRolloutResult) map[string]string {
	targets := make(map[string]string, len(rollouts))
	for _, rollout := range rollouts {
		targets[rollout.Service] = rollout.NewSpecVersion
	}
	return targets
}

// previousSpecTargets maps each service to its captured predecessor.
func previousSpecTargets(rollouts []models.ServiceRolloutResult) map[string]string {
	targets := make(map[string]string, len(rollouts))
	for _, rollout := range rollouts {
		targets[rollout.Service] = rollout.PreviousSpecVersion
	}
	return targets
}
