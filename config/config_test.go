package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const minimalConfigYAML = `
region: eu-west-1
registry_host: registry.example.com
components:
  - name: web
    context: ./src/backend
    repository: arena/web
services:
  - name: web
    cluster: arena-staging
`

func writeConfigFile(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "staging.yaml")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o644))
	return path
}

func TestLoadAppliesDefaults(t *testing.T) {
	cfg, err := Load("staging", writeConfigFile(t, minimalConfigYAML))
	require.NoError(t, err)

	assert.Equal(t, "staging", cfg.Environment)
	assert.Equal(t, 3, cfg.PushAttempts)
	assert.Equal(t, 2*time.Second, cfg.PushBackoffBase)
	assert.Equal(t, 30*time.Second, cfg.PushBackoffCap)
	assert.Equal(t, 600*time.Second, cfg.ApplyTimeout)
	assert.Equal(t, 10*time.Second, cfg.RolloutPollInterval)
	assert.Equal(t, 3, cfg.HealthRetries)
	assert.Equal(t, 30*time.Second, cfg.HealthRetryInterval)
	assert.Equal(t, 2000*time.Millisecond, cfg.APILatencyThreshold)
	assert.True(t, cfg.ParallelBuilds)
}

func TestLoadRejectsUnknownEnvironment(t *testing.T) {
	_, err := Load("sandbox", writeConfigFile(t, minimalConfigYAML))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "allow-list")
}

func TestValidateRejectsServiceWithoutComponent(t *testing.T) {
	contents := minimalConfigYAML + `
  - name: worker
    cluster: arena-staging
`
	_, err := Load("staging", writeConfigFile(t, contents))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `service "worker" has no matching component`)
}

func TestValidateRejectsEmptyComponents(t *testing.T) {
	contents := `
region: eu-west-1
registry_host: registry.example.com
components: []
services:
  - name: web
    cluster: arena-staging
`
	_, err := Load("staging", writeConfigFile(t, contents))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no components")
}

func TestValidateRejectsNonPositivePollInterval(t *testing.T) {
	contents := minimalConfigYAML + `
rollout_poll_interval: 0s
`
	_, err := Load("staging", writeConfigFile(t, contents))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "rollout_poll_interval")
}

func TestRepositoryFor(t *testing.T) {
	cfg, err := Load("staging", writeConfigFile(t, minimalConfigYAML))
	require.NoError(t, err)

	repository, found := cfg.RepositoryFor("web")
	assert.True(t, found)
	assert.Equal(t, "registry.example.com/arena/web", repository)

	_, found = cfg.RepositoryFor("unknown")
	assert.False(t, found)
}

func TestLoadMissingFileFails(t *testing.T) {
	_, err := Load("staging", filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}
