package health

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	clocktesting "k8s.io/utils/clock/testing"

	"github.com/arena-platform/arena-deploy/config"
	"github.com/arena-platform/arena-deploy/errdefs"
	"github.com/arena-platform/arena-deploy/models"
)

// scriptedCheck returns a scripted pass/fail sequence across battery runs.
type scriptedCheck struct {
	mu       sync.Mutex
	name     string
	required bool
	script   []bool
	runs     int
}

func (check *scriptedCheck) Name() string   { return check.name }
func (check *scriptedCheck) Required() bool { return check.required }

func (check *scriptedCheck) Run(context.Context) models.HealthCheckResult {
	check.mu.Lock()
	defer check.mu.Unlock()
	passed := false
	if check.runs < len(check.script) {
		passed = check.script[check.runs]
	}
	check.runs++
	return models.HealthCheckResult{
		Check:    check.name,
		Target:   "scripted",
		Passed:   passed,
		Required: check.required,
		Detail:   "scripted result",
	}
}

type recordingHealthStore struct {
	mu    sync.Mutex
	saves int
}

func (store *recordingHealthStore) SaveHealthChecks(string, []models.HealthCheckResult) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.saves++
	return nil
}

func verifierTestConfig(t *testing.T) *config.Config {
	return &config.Config{
		Environment:         "staging",
		HealthRetries:       3,
		HealthRetryInterval: 30 * time.Second,
		ReportPath:          filepath.Join(t.TempDir(), "health-report.json"),
	}
}

func driveVerifier[T any](fakeClock *clocktesting.FakeClock, done <-chan T) T {
	for {
		select {
		case result := <-done:
			return result
		default:
			if fakeClock.HasWaiters() {
				fakeClock.Step(30 * time.Second)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestVerifyPassesOnLaterRun(t *testing.T) {
	check := &scriptedCheck{name: "api", required: true, script: []bool{false, false, true}}
	cfg := verifierTestConfig(t)
	store := &recordingHealthStore{}
	fakeClock := clocktesting.NewFakeClock(time.Now())
	verifier := NewVerifierWithClock([]Check{check}, store, cfg, fakeClock, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := verifier.Verify(context.Background(), "attempt-1")
		done <- err
	}()
	err := driveVerifier(fakeClock, done)

	require.NoError(t, err)
	assert.Equal(t, 3, check.runs, "passed on exactly the third run")
	assert.Equal(t, 3, store.saves, "results persisted after every run")
}

func TestVerifyFailsAfterExhaustingRetries(t *testing.T) {
	check := &scriptedCheck{name: "datastore", required: true}
	cfg := verifierTestConfig(t)
	fakeClock := clocktesting.NewFakeClock(time.Now())
	verifier := NewVerifierWithClock([]Check{check}, nil, cfg, fakeClock, zap.NewNop())

	done := make(chan error, 1)
	go func() {
		_, err := verifier.Verify(context.Background(), "attempt-1")
		done <- err
	}()
	err := driveVerifier(fakeClock, done)

	require.Error(t, err)
	assert.True(t, errdefs.IsConvergenceTimeout(err),
		"exhausted verification is a convergence outcome, not an internal error")
	assert.Contains(t, err.Error(), "datastore")
	assert.Equal(t, 3, check.runs)
}

func TestAdvisoryFailureDoesNotGate(t *testing.T) {
	gate := &scriptedCheck{name: "api", required: true, script: []bool{true}}
	advisory := &scriptedCheck{name: "utilization/arena-staging", required: false}
	cfg := verifierTestConfig(t)
	verifier := NewVerifierWithClock([]Check{gate, advisory}, nil, cfg,
		clocktesting.NewFakeClock(time.Now()), zap.NewNop())

	results, err := verifier.Verify(context.Background(), "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, 1, gate.runs, "battery passed on the first run")
	require.Len(t, results, 2)
	assert.False(t, results[1].Passed)
}

func TestVerifyWritesReportEvenOnFailure(t *testing.T) {
	check := &scriptedCheck{name: "api", required: true}
	cfg := verifierTestConfig(t)
	cfg.HealthRetries = 1
	verifier := NewVerifierWithClock([]Check{check}, nil, cfg,
		clocktesting.NewFakeClock(time.Now()), zap.NewNop())

	_, err := verifier.Verify(context.Background(), "attempt-1")
	require.Error(t, err)

	contents, readErr := os.ReadFile(cfg.ReportPath)
	require.NoError(t, readErr)

	var report models.HealthReport
	require.NoError(t, json.Unmarshal(contents, &report))
	assert.Equal(t, "staging", report.Environment)
	assert.Equal(t, "attempt-1", report.Attempt)
	assert.False(t, report.Healthy)
	require.Len(t, report.Checks, 1)
	assert.Equal(t, "api", report.Checks[0].Check)
}

func TestAPICheckPassesWithinThresholds(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set(ProcessingTimeHeader, "120")
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	check := APICheck{
		URL:                 server.URL,
		LatencyThreshold:    2 * time.Second,
		ProcessingThreshold: 1500 * time.Millisecond,
	}
	result := check.Run(context.Background())
	assert.True(t, result.Passed, result.Detail)
	assert.Equal(t, float64(120), result.Metrics["processing_ms"])
}

func TestAPICheckFailsOnServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	check := APICheck{URL: server.URL, LatencyThreshold: 2 * time.Second}
	result := check.Run(context.Background())
	assert.False(t, result.Passed)
	assert.Contains(t, result.Detail, "500")
}

func TestAPICheckFailsOnSlowProcessingHeader(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(writer http.ResponseWriter, _ *http.Request) {
		writer.Header().Set(ProcessingTimeHeader, "4000")
		writer.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	check := APICheck{
		URL:                 server.URL,
		LatencyThreshold:    2 * time.Second,
		ProcessingThreshold: 1500 * time.Millisecond,
	}
	result := check.Run(context.Background())
	assert.False(t, result.Passed)
	assert.Contains(t, result.Detail, "processing time")
}

func TestAPICheckFailsOnUnreachableEndpoint(t *testing.T) {
	check := APICheck{URL: "http://127.0.0.1:1/health", LatencyThreshold: time.Second}
	result := check.Run(context.Background())
	assert.False(t, result.Passed)
}
