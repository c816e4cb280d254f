// Package models defines the data structures shared across the application.
// this package has no imports from other internal packages, making it the
// foundation of the dependency graph. every other package (db, deployer,
// rollout, health, handlers) imports from here.
package models

import "time"

// AttemptStatus represents the current lifecycle state of a deployment attempt.
// using a named string type instead of plain string enforces that only valid
// status values are used at compile time when combined with the constants below.
type AttemptStatus string

const (
	// StatusValidating means pre-flight environment validation is running.
	// nothing has been mutated yet; the attempt can still be aborted freely.
	StatusValidating AttemptStatus = "VALIDATING"

	// StatusBuilding means container images are being built and pushed
	StatusBuilding AttemptStatus = "BUILDING"

	// StatusApplyingInfra means the declarative infrastructure plan is being applied
	StatusApplyingInfra AttemptStatus = "APPLYING_INFRA"

	// StatusRollingOut means services are being replaced with new specification
	// versions. from this point on the attempt can no longer be externally
	// aborted; the only way out is verification plus (on failure) rollback.
	StatusRollingOut AttemptStatus = "ROLLING_OUT"

	// StatusVerifying means the health check battery is running against the
	// updated environment
	StatusVerifying AttemptStatus = "VERIFYING"

	// StatusSucceeded is terminal: rollout completed and verification passed
	StatusSucceeded AttemptStatus = "SUCCEEDED"

	// StatusRollingBack means verification failed and the compensating path
	// is reverting services and infrastructure
	StatusRollingBack AttemptStatus = "ROLLING_BACK"

	// StatusFailed is terminal: the attempt did not converge. the failure
	// bucket and reason live on the attempt's FailureReason field.
	StatusFailed AttemptStatus = "FAILED"
)

// Terminal reports whether the status is one of the two end states.
// a terminal attempt is never mutated again by any controller.
func (status AttemptStatus) Terminal() bool {
	return status == StatusSucceeded || status == StatusFailed
}

// Active reports whether an attempt in this status holds the environment's
// mutual-exclusion slot. a new attempt for the same environment must not
// start while another attempt is rolling out, verifying, or rolling back.
func (status AttemptStatus) Active() bool {
	return status == StatusRollingOut || status == StatusVerifying || status == StatusRollingBack
}

// RolloutStatus is the terminal outcome of a single service rollout.
type RolloutStatus string

const (
	// RolloutPrimaryStable means the new specification version became primary
	// and its running replica count reached the desired count before the deadline
	RolloutPrimaryStable RolloutStatus = "PRIMARY_STABLE"

	// RolloutTimedOut means the deadline elapsed before the new version stabilized
	RolloutTimedOut RolloutStatus = "TIMED_OUT"
)

// DeploymentAttempt identifies one end-to-end run of the deploy (or rollback)
// workflow. it maps 1:1 to the attempts table in SQLite and is the struct
// passed between the database layer, the deployer pipeline, and the HTTP handlers.
//
// the attempt is mutated only by the controller that owns the current phase,
// never concurrently by two phases, and never again once Status is terminal.
type DeploymentAttempt struct {
	// CorrelationID is a UUID v4, generated at creation time, used as the
	// primary key and stamped on every audit record and log line for this run
	CorrelationID string `json:"correlation_id" db:"correlation_id"`

	// Environment is the validated target environment name ("staging", "production")
	Environment string `json:"environment" db:"environment"`

	// VersionTag is the release tag being shipped, e.g. "v1.2.3"
	VersionTag string `json:"version_tag" db:"version_tag"`

	// Status is the current lifecycle state of the attempt
	Status AttemptStatus `json:"status" db:"status"`

	// FailureReason carries the human-readable summary for FAILED attempts:
	// the phase, the error bucket, and the first failing reason.
	// nil while the attempt is running and for SUCCEEDED attempts.
	FailureReason *string `json:"failure_reason,omitempty" db:"failure_reason"`

	// Artifacts holds one entry per built component, in configuration order
	Artifacts []ArtifactBuild `json:"artifacts,omitempty"`

	// InfraResult is populated by the infrastructure applier phase
	InfraResult *InfrastructureApplyResult `json:"infra_result,omitempty"`

	// Rollouts holds one entry per logical service touched by this attempt
	Rollouts []ServiceRolloutResult `json:"rollouts,omitempty"`

	// HealthChecks holds the results of the most recent verification run
	HealthChecks []HealthCheckResult `json:"health_checks,omitempty"`

	// RequiresDataRestore is set by the infra phase when the applied plan
	// touched schema or data resources, and tells the rollback controller
	// to trigger the external database restore.
	RequiresDataRestore bool `json:"requires_data_restore" db:"requires_data_restore"`

	// StartedAt is set once when the attempt row is inserted
	StartedAt time.Time `json:"started_at" db:"started_at"`

	// FinishedAt is set when Status reaches a terminal state, nil before that
	FinishedAt *time.Time `json:"finished_at,omitempty" db:"finished_at"`
}

// ArtifactBuild records one component's image build and push outcome.
// Invariant: RemoteDigest must equal LocalDigest before the artifact counts
// as pushed; a mismatch is an integrity failure, never retried.
type ArtifactBuild struct {
	// Component is the logical component name from configuration ("web", "worker")
	Component string `json:"component" db:"component"`

	// BuildContext is the source build context the image was built from
	BuildContext string `json:"build_context" db:"build_context"`

	// ImageRef is the fully qualified, version-tagged reference the image
	// was pushed under, e.g. "123.dkr.ecr.../arena/web:v1.2.3"
	ImageRef string `json:"image_ref" db:"image_ref"`

	// LocalDigest is the manifest digest the local daemon reports for the
	// pushed reference. empty until the push stream completes.
	LocalDigest string `json:"local_digest" db:"local_digest"`

	// RemoteDigest is the manifest digest the registry reports for the same
	// reference, fetched independently after the push. set after push.
	RemoteDigest string `json:"remote_digest" db:"remote_digest"`

	// PushAttempts counts how many push calls were made (1..N)
	PushAttempts int `json:"push_attempts" db:"push_attempts"`
}

// Verified reports whether the artifact passed digest verification.
func (artifact ArtifactBuild) Verified() bool {
	return artifact.LocalDigest != "" && artifact.LocalDigest == artifact.RemoteDigest
}

// InfrastructureApplyResult records the outcome of the infrastructure phase.
type InfrastructureApplyResult struct {
	// SnapshotID references the InfrastructureSnapshot taken before the apply.
	// empty when the best-effort snapshot failed (logged, non-fatal).
	SnapshotID string `json:"snapshot_id,omitempty" db:"snapshot_id"`

	// Workspace is the provisioning-tool workspace the plan was applied in
	Workspace string `json:"workspace" db:"workspace"`

	// Applied is true once the apply completed inside its deadline
	Applied bool `json:"applied" db:"applied"`

	// Tagged is true when post-apply deployment-metadata tagging succeeded.
	// tagging failures are logged but do not fail the attempt.
	Tagged bool `json:"tagged" db:"tagged"`

	// Elapsed is how long the apply took
	Elapsed time.Duration `json:"elapsed" db:"elapsed"`
}

// ServiceRolloutResult records one logical service's rollout within an attempt.
// owned exclusively by the rollout controller during rollout; read-only
// afterward except that the rollback controller appends the reversion entry.
type ServiceRolloutResult struct {
	// Service is the logical service name ("web", "worker")
	Service string `json:"service" db:"service"`

	// Cluster is the orchestration cluster the service runs in
	Cluster string `json:"cluster" db:"cluster"`

	// PreviousSpecVersion is the specification version that was primary AND
	// fully stable immediately before this attempt began. captured before
	// the first rollout is triggered, never queried at rollback time.
	// empty means no stable predecessor existed (rollback impossible).
	PreviousSpecVersion string `json:"previous_spec_version" db:"previous_spec_version"`

	// NewSpecVersion is the specification version registered by this attempt
	NewSpecVersion string `json:"new_spec_version" db:"new_spec_version"`

	// Elapsed is how long the controller waited for the rollout to stabilize
	Elapsed time.Duration `json:"elapsed" db:"elapsed"`

	// Status is the terminal rollout outcome for this service
	Status RolloutStatus `json:"status" db:"status"`

	// RevertedTo is appended by the rollback controller: the specification
	// version the service was reverted to. nil when no reversion happened.
	RevertedTo *string `json:"reverted_to,omitempty" db:"reverted_to"`
}

// HealthCheckResult is the outcome of a single named check within one
// verification run. checks are independent; the attempt's aggregate health
// is pass iff every required check passed.
type HealthCheckResult struct {
	// Check is the check name, e.g. "service-stability/web", "datastore", "api"
	Check string `json:"check" db:"check_name"`

	// Target identifies the probed resource (service ARN, DSN host, URL)
	Target string `json:"target" db:"target"`

	// Passed is the boolean gate signal for this check
	Passed bool `json:"passed" db:"passed"`

	// Required distinguishes gate checks from advisory checks. an advisory
	// check that fails degrades the report but does not fail verification.
	Required bool `json:"required" db:"required"`

	// Metrics carries the numeric observations the check made, keyed by
	// metric name (e.g. "latency_ms", "memory_used_percent")
	Metrics map[string]float64 `json:"metrics,omitempty"`

	// Detail is the human-readable explanation of the outcome
	Detail string `json:"detail" db:"detail"`
}

// HealthReport is the JSON document written to the configured report path
// after every verification run, whether it passed or not.
type HealthReport struct {
	Timestamp   time.Time           `json:"timestamp"`
	Environment string              `json:"environment"`
	Attempt     string              `json:"attempt"`
	Healthy     bool                `json:"healthy"`
	Checks      []HealthCheckResult `json:"checks"`
}

// AggregateHealth computes the gate signal for a set of check results:
// pass iff every required check passed. advisory failures are visible in
// the report but never fail the gate.
func AggregateHealth(results []HealthCheckResult) bool {
	for _, result := range results {
		if result.Required && !result.Passed {
			return false
		}
	}
	return true
}

// AuditRecord is one append-only traceability entry. one record exists per
// externally observable state-changing action (status update, rollback
// initiation, snapshot creation). records are written, never read back to
// drive control flow.
type AuditRecord struct {
	CorrelationID string    `json:"correlation_id" db:"correlation_id"`
	Actor         string    `json:"actor" db:"actor"`
	Action        string    `json:"action" db:"action"`
	Reason        *string   `json:"reason,omitempty" db:"reason"`
	RecordedAt    time.Time `json:"recorded_at" db:"recorded_at"`
}

// InfrastructureSnapshot is a point-in-time copy of the provisioning tool's
// persisted state, created before every apply. it is the rollback source of
// truth for infrastructure and is not consulted during forward deployment.
type InfrastructureSnapshot struct {
	// ID is a UUID v4 assigned when the snapshot is taken
	ID string `json:"id" db:"id"`

	// CorrelationID ties the snapshot to the attempt that took it
	CorrelationID string `json:"correlation_id" db:"correlation_id"`

	// Environment the snapshot belongs to
	Environment string `json:"environment" db:"environment"`

	// Path is the local file holding the state copy
	Path string `json:"path" db:"path"`

	// ObjectURL is the optional object-storage durability copy (s3://...).
	// nil when no backup bucket is configured or the upload failed.
	ObjectURL *string `json:"object_url,omitempty" db:"object_url"`

	// TakenAt is when the state was captured
	TakenAt time.Time `json:"taken_at" db:"taken_at"`
}
