package cli

import (
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/arena-platform/arena-deploy/audit"
	"github.com/arena-platform/arena-deploy/db"
)

type recordingCloser struct {
	closed bool
	err    error
}

func (closer *recordingCloser) Close() error {
	closer.closed = true
	return closer.err
}

func newTestControllerSet(t *testing.T, daemon *recordingCloser) *controllerSet {
	dir := t.TempDir()
	logger := zap.NewNop()
	database, err := db.OpenDatabase(filepath.Join(dir, "arena-deploy.db"), logger)
	require.NoError(t, err)
	recorder, err := audit.NewRecorder(database, filepath.Join(dir, "audit.log"), logger)
	require.NoError(t, err)

	return &controllerSet{
		database: database,
		recorder: recorder,
		daemon:   daemon,
		logger:   logger,
	}
}

func TestCloseReleasesDockerClient(t *testing.T) {
	daemon := &recordingCloser{}
	set := newTestControllerSet(t, daemon)

	set.close()
	assert.True(t, daemon.closed)
}

func TestCloseToleratesDaemonCloseFailure(t *testing.T) {
	daemon := &recordingCloser{err: errors.New("connection already gone")}
	set := newTestControllerSet(t, daemon)

	// must not panic and must still release the database
	set.close()
	assert.True(t, daemon.closed)
}
