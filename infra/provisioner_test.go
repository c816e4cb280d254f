package infra

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arena-platform/arena-deploy/config"
	"github.com/arena-platform/arena-deploy/errdefs"
	"github.com/arena-platform/arena-deploy/models"
)

// fakeRunner scripts terraform invocations by their first arguments.
type fakeRunner struct {
	mu      sync.Mutex
	calls   []string
	outputs map[string][]byte
	errs    map[string]error
	block   map[string]bool
}

func (runner *fakeRunner) Run(ctx context.Context, _ string, _ string, args ...string) ([]byte, error) {
	key := strings.Join(args, " ")
	runner.mu.Lock()
	runner.calls = append(runner.calls, key)
	runner.mu.Unlock()

	for prefix := range runner.block {
		if strings.HasPrefix(key, prefix) {
			<-ctx.Done()
			return nil, ctx.Err()
		}
	}
	for prefix, err := range runner.errs {
		if strings.HasPrefix(key, prefix) {
			return nil, err
		}
	}
	for prefix, output := range runner.outputs {
		if strings.HasPrefix(key, prefix) {
			return output, nil
		}
	}
	return nil, nil
}

func (runner *fakeRunner) called(prefix string) bool {
	runner.mu.Lock()
	defer runner.mu.Unlock()
	for _, call := range runner.calls {
		if strings.HasPrefix(call, prefix) {
			return true
		}
	}
	return false
}

// memorySnapshotStore is an in-memory SnapshotStore.
type memorySnapshotStore struct {
	snapshots []*models.InfrastructureSnapshot
}

func (store *memorySnapshotStore) InsertSnapshot(snapshot *models.InfrastructureSnapshot) error {
	store.snapshots = append([]*models.InfrastructureSnapshot{snapshot}, store.snapshots...)
	return nil
}

func (store *memorySnapshotStore) GetSnapshot(id string) (*models.InfrastructureSnapshot, error) {
	for _, snapshot := range store.snapshots {
		if snapshot.ID == id {
			return snapshot, nil
		}
	}
	return nil, errors.New("snapshot not found")
}

func (store *memorySnapshotStore) ListSnapshots(string) ([]*models.InfrastructureSnapshot, error) {
	return store.snapshots, nil
}

func (store *memorySnapshotStore) DeleteSnapshot(id string) error {
	for index, snapshot := range store.snapshots {
		if snapshot.ID == id {
			store.snapshots = append(store.snapshots[:index], store.snapshots[index+1:]...)
			return nil
		}
	}
	return errors.New("snapshot not found")
}

func infraTestConfig(t *testing.T) *config.Config {
	return &config.Config{
		Environment:       "staging",
		TerraformDir:      t.TempDir(),
		StateBackupDir:    t.TempDir(),
		SnapshotRetention: 2,
		ApplyTimeout:      time.Minute,
	}
}

const noChangesPlanJSON = `{"resource_changes":[
	{"type":"aws_ecs_service","change":{"actions":["update"]}},
	{"type":"aws_db_instance","change":{"actions":["no-op"]}}
]}`

const dataTouchingPlanJSON = `{"resource_changes":[
	{"type":"aws_db_instance","change":{"actions":["update"]}}
]}`

func TestEnsureWorkspaceCreatesWhenSelectFails(t *testing.T) {
	runner := &fakeRunner{errs: map[string]error{"workspace select": errors.New("no such workspace")}}
	prov := NewProvisioner(runner, &memorySnapshotStore{}, nil, infraTestConfig(t), zap.NewNop())

	require.NoError(t, prov.EnsureWorkspace(context.Background()))
	assert.True(t, runner.called("init"))
	assert.True(t, runner.called("workspace new staging"))
}

func TestApplyReportsDataTouchingPlan(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{"show -json": []byte(dataTouchingPlanJSON)}}
	prov := NewProvisioner(runner, &memorySnapshotStore{}, nil, infraTestConfig(t), zap.NewNop())

	result, touchesData, err := prov.Apply(context.Background(), "attempt-1")
	require.NoError(t, err)
	assert.True(t, touchesData)
	assert.True(t, result.Applied)
	assert.Equal(t, "staging", result.Workspace)
}

func TestApplyNoOpDataChangeIsNotFlagged(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{"show -json": []byte(noChangesPlanJSON)}}
	prov := NewProvisioner(runner, &memorySnapshotStore{}, nil, infraTestConfig(t), zap.NewNop())

	_, touchesData, err := prov.Apply(context.Background(), "attempt-1")
	require.NoError(t, err)
	assert.False(t, touchesData)
}

func TestApplyDeadlineMapsToConvergenceTimeout(t *testing.T) {
	runner := &fakeRunner{
		outputs: map[string][]byte{"show -json": []byte(noChangesPlanJSON)},
		block:   map[string]bool{"apply -input=false -no-color": true},
	}
	cfg := infraTestConfig(t)
	cfg.ApplyTimeout = 10 * time.Millisecond
	prov := NewProvisioner(runner, &memorySnapshotStore{}, nil, cfg, zap.NewNop())

	_, _, err := prov.Apply(context.Background(), "attempt-1")
	require.Error(t, err)
	assert.True(t, errdefs.IsConvergenceTimeout(err))
}

func TestSnapshotStateWritesFileAndPrunes(t *testing.T) {
	runner := &fakeRunner{outputs: map[string][]byte{"state pull": []byte(`{"version":4}`)}}
	store := &memorySnapshotStore{}
	cfg := infraTestConfig(t)
	prov := NewProvisioner(runner, store, nil, cfg, zap.NewNop())

	var paths []string
	for attempt := 1; attempt <= 3; attempt++ {
		snapshot, err := prov.SnapshotState(context.Background(), fmt.Sprintf("attempt-%d", attempt))
		require.NoError(t, err)
		assert.Nil(t, snapshot.ObjectURL, "no bucket configured")

		contents, readErr := os.ReadFile(snapshot.Path)
		require.NoError(t, readErr)
		assert.Equal(t, `{"version":4}`, string(contents))
		paths = append(paths, snapshot.Path)
	}

	assert.Len(t, store.snapshots, 2, "retention keeps the newest two")
	_, err := os.Stat(paths[0])
	assert.True(t, os.IsNotExist(err), "oldest snapshot file pruned")
	_, err = os.Stat(paths[2])
	assert.NoError(t, err)
}

func TestRestoreSnapshotPushesStateAndReapplies(t *testing.T) {
	cfg := infraTestConfig(t)
	statePath := filepath.Join(cfg.StateBackupDir, "staging-snap.tfstate")
	require.NoError(t, os.WriteFile(statePath, []byte(`{"version":4}`), 0o600))

	runner := &fakeRunner{}
	store := &memorySnapshotStore{}
	require.NoError(t, store.InsertSnapshot(&models.InfrastructureSnapshot{
		ID: "snap-1", CorrelationID: "attempt-1", Environment: "staging", Path: statePath,
	}))
	prov := NewProvisioner(runner, store, nil, cfg, zap.NewNop())

	require.NoError(t, prov.RestoreSnapshot(context.Background(), "snap-1"))
	assert.True(t, runner.called("state push -force "+statePath))
	assert.True(t, runner.called("apply -input=false -auto-approve"))
}

func TestRestoreSnapshotFailsWithoutFileOrDurabilityCopy(t *testing.T) {
	cfg := infraTestConfig(t)
	store := &memorySnapshotStore{}
	require.NoError(t, store.InsertSnapshot(&models.InfrastructureSnapshot{
		ID: "snap-1", Environment: "staging", Path: filepath.Join(cfg.StateBackupDir, "gone.tfstate"),
	}))
	prov := NewProvisioner(&fakeRunner{}, store, nil, cfg, zap.NewNop())

	err := prov.RestoreSnapshot(context.Background(), "snap-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no durability copy")
}

func TestSplitObjectURL(t *testing.T) {
	bucket, key, err := splitObjectURL("s3://my-bucket/staging/snap.tfstate")
	require.NoError(t, err)
	assert.Equal(t, "my-bucket", bucket)
	assert.Equal(t, "staging/snap.tfstate", key)

	_, _, err = splitObjectURL("https://example.com/x")
	assert.Error(t, err)

	_, _, err = splitObjectURL("s3://bucket-only")
	assert.Error(t, err)
}

func TestDataRestorerRequiresConfiguredCommand(t *testing.T) {
	cfg := infraTestConfig(t)
	restorer := NewDataRestorer(&fakeRunner{}, cfg, zap.NewNop())

	err := restorer.Restore(context.Background(), "attempt-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "data_restore_command")
}

func TestDataRestorerRunsConfiguredCommand(t *testing.T) {
	cfg := infraTestConfig(t)
	cfg.DataRestoreCommand = "/opt/arena/bin/restore.sh --env staging"
	runner := &fakeRunner{}
	restorer := NewDataRestorer(runner, cfg, zap.NewNop())

	require.NoError(t, restorer.Restore(context.Background(), "attempt-1"))
	assert.True(t, runner.called("--env staging"), "arguments split from the configured command line")
}
