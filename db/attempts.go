package db

// attempts.go contains all SQL for the attempts, artifacts and rollouts
// tables. each function is a method on *Database. the attempt row is mutated
// only by the controller owning the current phase, so no row-level locking
// beyond SQLite's single writer is needed.

import (
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/arena-platform/arena-deploy/models"
)

// ErrRecordNotFound is returned when no row matches the given id. callers
// check this sentinel to distinguish "not found" from a real database error.
var ErrRecordNotFound = errors.New("record not found")

// InsertAttempt writes a new attempt row. the attempt must have
// CorrelationID, Environment, VersionTag and Status populated by the caller.
func (database *Database) InsertAttempt(attempt *models.DeploymentAttempt) error {
	query := `
		INSERT INTO attempts (
			correlation_id, environment, version_tag,
			status, requires_data_restore, started_at
		) VALUES (?, ?, ?, ?, ?, ?)
	`
	attempt.StartedAt = time.Now().UTC()

	_, err := database.connection.Exec(query,
		attempt.CorrelationID,
		attempt.Environment,
		attempt.VersionTag,
		attempt.Status,
		attempt.RequiresDataRestore,
		attempt.StartedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert attempt %q: %w", attempt.CorrelationID, err)
	}
	return nil
}

// UpdateAttemptStatus moves an attempt to a new lifecycle status. when the
// status is terminal, finished_at is set in the same statement so a terminal
// row is never observable without its end timestamp.
func (database *Database) UpdateAttemptStatus(correlationID string, status models.AttemptStatus) error {
	var result sql.Result
	var err error
	if status.Terminal() {
		query := `UPDATE attempts SET status = ?, finished_at = ? WHERE correlation_id = ?`
		result, err = database.connection.Exec(query, status, time.Now().UTC(), correlationID)
	} else {
		query := `UPDATE attempts SET status = ? WHERE correlation_id = ?`
		result, err = database.connection.Exec(query, status, correlationID)
	}
	if err != nil {
		return fmt.Errorf("failed to update status for attempt %q: %w", correlationID, err)
	}
	return requireOneRow(result, correlationID)
}

// SetFailureReason records the terminal human-readable summary for an attempt.
func (database *Database) SetFailureReason(correlationID string, reason string) error {
	query := `UPDATE attempts SET failure_reason = ? WHERE correlation_id = ?`
	result, err := database.connection.Exec(query, reason, correlationID)
	if err != nil {
		return fmt.Errorf("failed to set failure reason for attempt %q: %w", correlationID, err)
	}
	return requireOneRow(result, correlationID)
}

// SetRequiresDataRestore flags the attempt for the rollback controller's
// optional data-restore step.
func (database *Database) SetRequiresDataRestore(correlationID string, required bool) error {
	query := `UPDATE attempts SET requires_data_restore = ? WHERE correlation_id = ?`
	result, err := database.connection.Exec(query, required, correlationID)
	if err != nil {
		return fmt.Errorf("failed to flag data restore for attempt %q: %w", correlationID, err)
	}
	return requireOneRow(result, correlationID)
}

// SaveHealthChecks stores the most recent verification run's results on the
// attempt as JSON. the checks are only ever read back whole.
func (database *Database) SaveHealthChecks(correlationID string, checks []models.HealthCheckResult) error {
	encoded, err := json.Marshal(checks)
	if err != nil {
		return fmt.Errorf("failed to encode health checks for attempt %q: %w", correlationID, err)
	}
	query := `UPDATE attempts SET health_checks = ? WHERE correlation_id = ?`
	result, err := database.connection.Exec(query, string(encoded), correlationID)
	if err != nil {
		return fmt.Errorf("failed to save health checks for attempt %q: %w", correlationID, err)
	}
	return requireOneRow(result, correlationID)
}

// ActiveAttemptExists reports whether any attempt for the environment is
// currently ROLLING_OUT, VERIFYING or ROLLING_BACK. the deployer checks this
// before starting a new attempt: two attempts must never mutate the same
// environment concurrently.
func (database *Database) ActiveAttemptExists(environment string) (bool, error) {
	query := `
		SELECT COUNT(1) FROM attempts
		WHERE environment = ? AND status IN (?, ?, ?)
	`
	var count int
	err := database.connection.QueryRow(query, environment,
		models.StatusRollingOut, models.StatusVerifying, models.StatusRollingBack,
	).Scan(&count)
	if err != nil {
		return false, fmt.Errorf("failed to check active attempts for %q: %w", environment, err)
	}
	return count > 0, nil
}

// GetAttempt fetches a single attempt with its artifacts and rollouts.
func (database *Database) GetAttempt(correlationID string) (*models.DeploymentAttempt, error) {
	query := `
		SELECT correlation_id, environment, version_tag, status, failure_reason,
		       health_checks, requires_data_restore, started_at, finished_at
		FROM attempts WHERE correlation_id = ?
	`
	attempt, err := scanAttempt(database.connection.QueryRow(query, correlationID))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get attempt %q: %w", correlationID, err)
	}

	attempt.Artifacts, err = database.listArtifacts(correlationID)
	if err != nil {
		return nil, err
	}
	attempt.Rollouts, err = database.listRollouts(correlationID)
	if err != nil {
		return nil, err
	}
	return attempt, nil
}

// ListAttempts returns all attempts for an environment, newest first.
// pass an empty environment to list across environments.
func (database *Database) ListAttempts(environment string) ([]*models.DeploymentAttempt, error) {
	query := `
		SELECT correlation_id, environment, version_tag, status, failure_reason,
		       health_checks, requires_data_restore, started_at, finished_at
		FROM attempts
	`
	args := []any{}
	if environment != "" {
		query += ` WHERE environment = ?`
		args = append(args, environment)
	}
	query += ` ORDER BY started_at DESC`

	rows, err := database.connection.Query(query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list attempts: %w", err)
	}
	defer rows.Close()

	var attempts []*models.DeploymentAttempt
	for rows.Next() {
		attempt, err := scanAttempt(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan attempt row: %w", err)
		}
		attempts = append(attempts, attempt)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating attempt rows: %w", err)
	}
	return attempts, nil
}

// LatestAttempt returns the newest attempt for an environment, or
// ErrRecordNotFound when the environment has never been deployed.
// the manual rollback command uses this to find what to revert.
func (database *Database) LatestAttempt(environment string) (*models.DeploymentAttempt, error) {
	query := `
		SELECT correlation_id FROM attempts
		WHERE environment = ? ORDER BY started_at DESC LIMIT 1
	`
	var correlationID string
	err := database.connection.QueryRow(query, environment).Scan(&correlationID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find latest attempt for %q: %w", environment, err)
	}
	return database.GetAttempt(correlationID)
}

// SaveArtifact upserts one component's build/push record under the attempt.
// called once after the build and again after push/verification, so the row
// always reflects the furthest point the artifact reached.
func (database *Database) SaveArtifact(correlationID string, artifact models.ArtifactBuild) error {
	query := `
		INSERT INTO artifacts (
			correlation_id, component, build_context, image_ref,
			local_digest, remote_digest, push_attempts
		) VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (correlation_id, component) DO UPDATE SET
			image_ref = excluded.image_ref,
			local_digest = excluded.local_digest,
			remote_digest = excluded.remote_digest,
			push_attempts = excluded.push_attempts
	`
	_, err := database.connection.Exec(query,
		correlationID, artifact.Component, artifact.BuildContext, artifact.ImageRef,
		artifact.LocalDigest, artifact.RemoteDigest, artifact.PushAttempts,
	)
	if err != nil {
		return fmt.Errorf("failed to save artifact %q for attempt %q: %w", artifact.Component, correlationID, err)
	}
	return nil
}

// SaveRollout upserts one service's rollout record under the attempt.
// the predecessor capture writes the row first (before any rollout is
// triggered); the rollout controller updates it as the wait resolves.
func (database *Database) SaveRollout(correlationID string, rollout models.ServiceRolloutResult) error {
	query := `
		INSERT INTO rollouts (
			correlation_id, service, cluster, previous_spec_version,
			new_spec_version, elapsed_ms, status, reverted_to
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (correlation_id, service) DO UPDATE SET
			previous_spec_version = excluded.previous_spec_version,
			new_spec_version = excluded.new_spec_version,
			elapsed_ms = excluded.elapsed_ms,
			status = excluded.status,
			reverted_to = excluded.reverted_to
	`
	_, err := database.connection.Exec(query,
		correlationID, rollout.Service, rollout.Cluster, rollout.PreviousSpecVersion,
		rollout.NewSpecVersion, rollout.Elapsed.Milliseconds(), rollout.Status, rollout.RevertedTo,
	)
	if err != nil {
		return fmt.Errorf("failed to save rollout %q for attempt %q: %w", rollout.Service, correlationID, err)
	}
	return nil
}

func (database *Database) listArtifacts(correlationID string) ([]models.ArtifactBuild, error) {
	query := `
		SELECT component, build_context, image_ref, local_digest, remote_digest, push_attempts
		FROM artifacts WHERE correlation_id = ? ORDER BY component
	`
	rows, err := database.connection.Query(query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list artifacts for attempt %q: %w", correlationID, err)
	}
	defer rows.Close()

	var artifacts []models.ArtifactBuild
	for rows.Next() {
		var artifact models.ArtifactBuild
		if err := rows.Scan(
			&artifact.Component, &artifact.BuildContext, &artifact.ImageRef,
			&artifact.LocalDigest, &artifact.RemoteDigest, &artifact.PushAttempts,
		); err != nil {
			return nil, fmt.Errorf("failed to scan artifact row: %w", err)
		}
		artifacts = append(artifacts, artifact)
	}
	return artifacts, rows.Err()
}

func (database *Database) listRollouts(correlationID string) ([]models.ServiceRolloutResult, error) {
	query := `
		SELECT service, cluster, previous_spec_version, new_spec_version, elapsed_ms, status, reverted_to
		FROM rollouts WHERE correlation_id = ? ORDER BY service
	`
	rows, err := database.connection.Query(query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list rollouts for attempt %q: %w", correlationID, err)
	}
	defer rows.Close()

	var rollouts []models.ServiceRolloutResult
	for rows.Next() {
		var rollout models.ServiceRolloutResult
		var elapsedMilliseconds int64
		if err := rows.Scan(
			&rollout.Service, &rollout.Cluster, &rollout.PreviousSpecVersion,
			&rollout.NewSpecVersion, &elapsedMilliseconds, &rollout.Status, &rollout.RevertedTo,
		); err != nil {
			return nil, fmt.Errorf("failed to scan rollout row: %w", err)
		}
		rollout.Elapsed = time.Duration(elapsedMilliseconds) * time.Millisecond
		rollouts = append(rollouts, rollout)
	}
	return rollouts, rows.Err()
}

func scanAttempt(row scanner) (*models.DeploymentAttempt, error) {
	var attempt models.DeploymentAttempt
	var healthChecks sql.NullString

	err := row.Scan(
		&attempt.CorrelationID,
		&attempt.Environment,
		&attempt.VersionTag,
		&attempt.Status,
		&attempt.FailureReason,
		&healthChecks,
		&attempt.RequiresDataRestore,
		&attempt.StartedAt,
		&attempt.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	if healthChecks.Valid && healthChecks.String != "" {
		if err := json.Unmarshal([]byte(healthChecks.String), &attempt.HealthChecks); err != nil {
			return nil, fmt.Errorf("failed to decode health checks for attempt %q: %w", attempt.CorrelationID, err)
		}
	}
	return &attempt, nil
}

// requireOneRow turns a zero-rows-affected UPDATE into ErrRecordNotFound so
// a typo'd correlation id cannot silently no-op a status transition.
func requireOneRow(result sql.Result, correlationID string) error {
	rowsAffected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected for attempt %q: %w", correlationID, err)
	}
	if rowsAffected == 0 {
		return ErrRecordNotFound
	}
	return nil
}
