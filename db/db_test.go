package db

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arena-platform/arena-deploy/models"
)

func openTestDatabase(t *testing.T) *Database {
	t.Helper()
	database, err := OpenDatabase(filepath.Join(t.TempDir(), "test.db"), zap.NewNop())
	require.NoError(t, err)
	t.Cleanup(func() { database.CloseDatabase() })
	return database
}

func insertTestAttempt(t *testing.T, database *Database, environment string, status models.AttemptStatus) *models.DeploymentAttempt {
	t.Helper()
	attempt := &models.DeploymentAttempt{
		CorrelationID: "attempt-" + environment + "-" + string(status) + "-" + time.Now().Format("150405.000000000"),
		Environment:   environment,
		VersionTag:    "v1.2.3",
		Status:        status,
	}
	require.NoError(t, database.InsertAttempt(attempt))
	return attempt
}

func TestAttemptRoundTrip(t *testing.T) {
	database := openTestDatabase(t)
	attempt := insertTestAttempt(t, database, "staging", models.StatusValidating)

	loaded, err := database.GetAttempt(attempt.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, attempt.CorrelationID, loaded.CorrelationID)
	assert.Equal(t, "staging", loaded.Environment)
	assert.Equal(t, "v1.2.3", loaded.VersionTag)
	assert.Equal(t, models.StatusValidating, loaded.Status)
	assert.Nil(t, loaded.FailureReason)
	assert.Nil(t, loaded.FinishedAt)
}

func TestGetAttemptNotFound(t *testing.T) {
	database := openTestDatabase(t)
	_, err := database.GetAttempt("no-such-attempt")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestTerminalStatusSetsFinishedAt(t *testing.T) {
	database := openTestDatabase(t)
	attempt := insertTestAttempt(t, database, "staging", models.StatusVerifying)

	require.NoError(t, database.UpdateAttemptStatus(attempt.CorrelationID, models.StatusSucceeded))

	loaded, err := database.GetAttempt(attempt.CorrelationID)
	require.NoError(t, err)
	assert.Equal(t, models.StatusSucceeded, loaded.Status)
	require.NotNil(t, loaded.FinishedAt)
	assert.WithinDuration(t, time.Now().UTC(), *loaded.FinishedAt, time.Minute)
}

func TestUpdateUnknownAttemptReturnsNotFound(t *testing.T) {
	database := openTestDatabase(t)
	err := database.UpdateAttemptStatus("no-such-attempt", models.StatusFailed)
	assert.ErrorIs(t, err, ErrRecordNotFound)
}

func TestActiveAttemptExists(t *testing.T) {
	database := openTestDatabase(t)

	exists, err := database.ActiveAttemptExists("staging")
	require.NoError(t, err)
	assert.False(t, exists, "empty database should have no active attempt")

	// VALIDATING and terminal states do not hold the environment slot
	insertTestAttempt(t, database, "staging", models.StatusValidating)
	insertTestAttempt(t, database, "staging", models.StatusFailed)
	exists, err = database.ActiveAttemptExists("staging")
	require.NoError(t, err)
	assert.False(t, exists)

	insertTestAttempt(t, database, "staging", models.StatusRollingOut)
	exists, err = database.ActiveAttemptExists("staging")
	require.NoError(t, err)
	assert.True(t, exists)

	// a different environment is unaffected
	exists, err = database.ActiveAttemptExists("production")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestSaveArtifactUpserts(t *testing.T) {
	database := openTestDatabase(t)
	attempt := insertTestAttempt(t, database, "staging", models.StatusBuilding)

	artifact := models.ArtifactBuild{
		Component:    "web",
		BuildContext: "./src/backend",
		ImageRef:     "registry.example.com/arena/web:v1.2.3",
	}
	require.NoError(t, database.SaveArtifact(attempt.CorrelationID, artifact))

	artifact.LocalDigest = "sha256:abc"
	artifact.RemoteDigest = "sha256:abc"
	artifact.PushAttempts = 2
	require.NoError(t, database.SaveArtifact(attempt.CorrelationID, artifact))

	loaded, err := database.GetAttempt(attempt.CorrelationID)
	require.NoError(t, err)
	require.Len(t, loaded.Artifacts, 1)
	assert.Equal(t, "sha256:abc", loaded.Artifacts[0].LocalDigest)
	assert.Equal(t, 2, loaded.Artifacts[0].PushAttempts)
	assert.True(t, loaded.Artifacts[0].Verified())
}

func TestSaveRolloutPreservesPredecessorAcrossUpdate(t *testing.T) {
	database := openTestDatabase(t)
	attempt := insertTestAttempt(t, database, "staging", models.StatusRollingOut)

	// the capture writes the predecessor first, before any rollout starts
	rollout := models.ServiceRolloutResult{
		Service:             "web",
		Cluster:             "arena-staging",
		PreviousSpecVersion: "task-def:41",
	}
	require.NoError(t, database.SaveRollout(attempt.CorrelationID, rollout))

	rollout.NewSpecVersion = "task-def:42"
	rollout.Status = models.RolloutPrimaryStable
	rollout.Elapsed = 90 * time.Second
	require.NoError(t, database.SaveRollout(attempt.CorrelationID, rollout))

	loaded, err := database.GetAttempt(attempt.CorrelationID)
	require.NoError(t, err)
	require.Len(t, loaded.Rollouts, 1)
	assert.Equal(t, "task-def:41", loaded.Rollouts[0].PreviousSpecVersion)
	assert.Equal(t, "task-def:42", loaded.Rollouts[0].NewSpecVersion)
	assert.Equal(t, models.RolloutPrimaryStable, loaded.Rollouts[0].Status)
	assert.Equal(t, 90*time.Second, loaded.Rollouts[0].Elapsed)
}

func TestSaveHealthChecksRoundTrip(t *testing.T) {
	database := openTestDatabase(t)
	attempt := insertTestAttempt(t, database, "staging", models.StatusVerifying)

	checks := []models.HealthCheckResult{
		{Check: "api", Target: "https://example.com/api/health", Passed: true, Required: true,
			Metrics: map[string]float64{"latency_ms": 812}},
		{Check: "utilization/arena-staging", Target: "arena-staging", Passed: false, Required: false,
			Detail: "cpu 91.0% exceeds advisory threshold 80.0%"},
	}
	require.NoError(t, database.SaveHealthChecks(attempt.CorrelationID, checks))

	loaded, err := database.GetAttempt(attempt.CorrelationID)
	require.NoError(t, err)
	require.Len(t, loaded.HealthChecks, 2)
	assert.Equal(t, checks, loaded.HealthChecks)
	assert.True(t, models.AggregateHealth(loaded.HealthChecks), "advisory failure must not fail the gate")
}

func TestLatestAttempt(t *testing.T) {
	database := openTestDatabase(t)

	_, err := database.LatestAttempt("staging")
	assert.ErrorIs(t, err, ErrRecordNotFound)

	insertTestAttempt(t, database, "staging", models.StatusFailed)
	time.Sleep(5 * time.Millisecond)
	newest := insertTestAttempt(t, database, "staging", models.StatusSucceeded)

	latest, err := database.LatestAttempt("staging")
	require.NoError(t, err)
	assert.Equal(t, newest.CorrelationID, latest.CorrelationID)
}

func TestAuditRecordsKeepInsertionOrder(t *testing.T) {
	database := openTestDatabase(t)
	attempt := insertTestAttempt(t, database, "staging", models.StatusValidating)

	actions := []string{"attempt_started", "status_building", "point_of_no_return", "attempt_failed"}
	for _, action := range actions {
		require.NoError(t, database.InsertAuditRecord(&models.AuditRecord{
			CorrelationID: attempt.CorrelationID,
			Actor:         "arena-deploy",
			Action:        action,
		}))
	}

	records, err := database.ListAuditRecords(attempt.CorrelationID)
	require.NoError(t, err)
	require.Len(t, records, len(actions))
	for index, record := range records {
		assert.Equal(t, actions[index], record.Action)
		assert.False(t, record.RecordedAt.IsZero())
	}
}

func TestSnapshotRoundTripAndOrdering(t *testing.T) {
	database := openTestDatabase(t)

	older := &models.InfrastructureSnapshot{
		ID: "snap-1", CorrelationID: "attempt-1", Environment: "staging",
		Path: "/backups/one.tfstate", TakenAt: time.Now().UTC().Add(-time.Hour),
	}
	objectURL := "s3://bucket/staging/snap-2.tfstate"
	newer := &models.InfrastructureSnapshot{
		ID: "snap-2", CorrelationID: "attempt-2", Environment: "staging",
		Path: "/backups/two.tfstate", ObjectURL: &objectURL, TakenAt: time.Now().UTC(),
	}
	require.NoError(t, database.InsertSnapshot(older))
	require.NoError(t, database.InsertSnapshot(newer))

	snapshots, err := database.ListSnapshots("staging")
	require.NoError(t, err)
	require.Len(t, snapshots, 2)
	assert.Equal(t, "snap-2", snapshots[0].ID, "newest snapshot first")
	require.NotNil(t, snapshots[0].ObjectURL)
	assert.Equal(t, objectURL, *snapshots[0].ObjectURL)

	require.NoError(t, database.DeleteSnapshot("snap-1"))
	_, err = database.GetSnapshot("snap-1")
	assert.ErrorIs(t, err, ErrRecordNotFound)
}
