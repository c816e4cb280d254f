package rollout

import (
	"context"
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
	"github.com/arena-platform/arena-deploy/orch"
)

// fakeOrchestrator simulates service rollouts: before a trigger it reports
// the initial state; afterwards it reports the triggered version, becoming
// stable after a configured number of polls (or never).
type fakeOrchestrator struct {
	mu          sync.Mutex
	initial     map[string]orch.ServiceState
	stableAfter map[string]int
	neverStable map[string]bool
	polls       map[string]int
	triggered   map[string]string
	registered  map[string]string
}

func newFakeOrchestrator() *fakeOrchestrator {
	return &fakeOrchestrator{
		initial:     map[string]orch.ServiceState{},
		stableAfter: map[string]int{},
		neverStable: map[string]bool{},
		polls:       map[string]int{},
		triggered:   map[string]string{},
		registered:  map[string]string{},
	}
}

func (fake *fakeOrchestrator) ResolveActiveSpec(_ context.Context, _, service string) (orch.ServiceState, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()

	target, rolledOut := fake.triggered[service]
	if !rolledOut {
		return fake.initial[service], nil
	}

	fake.polls[service]++
	switch {
	case fake.neverStable[service]:
		return orch.ServiceState{SpecVersion: target, Running: 0, Desired: 2, Rollouts: 2}, nil
	case fake.polls[service] >= fake.stableAfter[service]:
		return orch.ServiceState{SpecVersion: target, Running: 2, Desired: 2, Rollouts: 1}, nil
	default:
		return orch.ServiceState{SpecVersion: target, Running: 1, Desired: 2, Rollouts: 2}, nil
	}
}

func (fake *fakeOrchestrator) RegisterSpecVersion(_ context.Context, _, service, imageRef string) (string, error) {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	version := service + "-td:new"
	fake.registered[service] = imageRef
	return version, nil
}

func (fake *fakeOrchestrator) TriggerRollout(_ context.Context, _, service, specVersion string) error {
	fake.mu.Lock()
	defer fake.mu.Unlock()
	fake.triggered[service] = specVersion
	return nil
}

func (fake *fakeOrchestrator) TagService(context.Context, string, string, map[string]string) error {
	return nil
}

type recordingRolloutStore struct {
	mu    sync.Mutex
	saved []models.ServiceRolloutResult
}

func (store *recordingRolloutStore) SaveRollout(_ string, rollout models.ServiceRolloutResult) error {
	store.mu.Lock()
	defer store.mu.Unlock()
	store.saved = append(store.saved, rollout)
	return nil
}

func rolloutTestConfig() *config.Config {
	return &config.Config{
		Environment:  "staging",
		RegistryHost: "registry.example.com",
		Components: []config.Component{
			{Name: "web", Context: "./src/backend", Repository: "arena/web"},
			{Name: "worker", Context: "./src/backend", Repository: "arena/worker"},
		},
		Services: []config.Service{
			{Name: "web", Cluster: "arena-staging"},
			{Name: "worker", Cluster: "arena-staging"},
		},
		RolloutTimeout:      30 * time.Second,
		RolloutPollInterval: 10 * time.Second,
	}
}

// driveClock steps the fake clock whenever the controller is blocked on a
// tick, until the work under test finishes.
func driveClock[T any](fakeClock *clocktesting.FakeClock, done <-chan T) T {
	for {
		select {
		case result := <-done:
			return result
		default:
			if fakeClock.HasWaiters() {
				fakeClock.Step(10 * time.Second)
			}
			time.Sleep(time.Millisecond)
		}
	}
}

func TestCapturePredecessorsRecordsStableVersions(t *testing.T) {
	orchestrator := newFakeOrchestrator()
	orchestrator.initial["web"] = orch.ServiceState{SpecVersion: "web-td:41", Running: 2, Desired: 2, Rollouts: 1}
	orchestrator.initial["worker"] = orch.ServiceState{SpecVersion: "worker-td:17", Running: 2, Desired: 2, Rollouts: 1}
	store := &recordingRolloutStore{}
	controller := NewControllerWithClock(orchestrator, store, rolloutTestConfig(),
		clocktesting.NewFakeClock(time.Now()), zap.NewNop())

	rollouts, err := controller.CapturePredecessors(context.Background(), "attempt-1")
	require.NoError(t, err)
	require.Len(t, rollouts, 2)
	assert.Equal(t, "web-td:41", rollouts[0].PreviousSpecVersion)
	assert.Equal(t, "worker-td:17", rollouts[1].PreviousSpecVersion)

	// persisted before any rollout could possibly be triggered
	assert.Len(t, store.saved, 2)
	assert.Empty(t, orchestrator.triggered)
}

func TestCapturePredecessorsLeavesUnstableServiceEmpty(t *testing.T) {
	orchestrator := newFakeOrchestrator()
	orchestrator.initial["web"] = orch.ServiceState{SpecVersion: "web-td:41", Running: 2, Desired: 2, Rollouts: 1}
	// mid-rollout at capture time: two deployments in flight
	orchestrator.initial["worker"] = orch.ServiceState{SpecVersion: "worker-td:17", Running: 1, Desired: 2, Rollouts: 2}
	controller := NewControllerWithClock(orchestrator, &recordingRolloutStore{}, rolloutTestConfig(),
		clocktesting.NewFakeClock(time.Now()), zap.NewNop())

	rollouts, err := controller.CapturePredecessors(context.Background(), "attempt-1")
	require.NoError(t, err)
	assert.Equal(t, "web-td:41", rollouts[0].PreviousSpecVersion)
	assert.Empty(t, rollouts[1].PreviousSpecVersion, "an unstable service has no trustworthy predecessor")
}

func TestExecuteStabilizesAllServices(t *testing.T) {
	orchestrator := newFakeOrchestrator()
	orchestrator.stableAfter["web"] = 1
	orchestrator.stableAfter["worker"] = 3
	fakeClock := clocktesting.NewFakeClock(time.Now())
	store := &recordingRolloutStore{}
	controller := NewControllerWithClock(orchestrator, store, rolloutTestConfig(), fakeClock, zap.NewNop())

	rollouts := []models.ServiceRolloutResult{
		{Service: "web", Cluster: "arena-staging", PreviousSpecVersion: "web-td:41"},
		{Service: "worker", Cluster: "arena-staging", PreviousSpecVersion: "worker-td:17"},
	}

	type outcome struct {
		rollouts []models.ServiceRolloutResult
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := controller.Execute(context.Background(), "attempt-1", "v1.2.3", rollouts)
		done <- outcome{result, err}
	}()
	result := driveClock(fakeClock, done)

	require.NoError(t, result.err)
	for _, rollout := range result.rollouts {
		assert.Equal(t, models.RolloutPrimaryStable, rollout.Status)
		assert.Equal(t, rollout.Service+"-td:new", rollout.NewSpecVersion)
	}
	assert.Equal(t, "registry.example.com/arena/web:v1.2.3", orchestrator.registered["web"])
	assert.Equal(t, "registry.example.com/arena/worker:v1.2.3", orchestrator.registered["worker"])
}

func TestAwaitStabilityIsIdempotentOnSettledService(t *testing.T) {
	// a settled, untriggered service never changes state; querying it
	// repeatedly must report the same terminal outcome every time
	orchestrator := newFakeOrchestrator()
	orchestrator.initial["web"] = orch.ServiceState{SpecVersion: "web-td:42", Running: 2, Desired: 2, Rollouts: 1}
	controller := NewControllerWithClock(orchestrator, &recordingRolloutStore{}, rolloutTestConfig(),
		clocktesting.NewFakeClock(time.Now()), zap.NewNop())

	for poll := 0; poll < 5; poll++ {
		status, _, err := controller.AwaitStability(context.Background(), "arena-staging", "web", "web-td:42")
		require.NoError(t, err)
		assert.Equal(t, models.RolloutPrimaryStable, status)
	}
	assert.Empty(t, orchestrator.triggered, "observation mutates nothing")
}

func TestExecuteTimesOutUnstableServiceButFinishesSiblings(t *testing.T) {
	orchestrator := newFakeOrchestrator()
	orchestrator.stableAfter["web"] = 1
	orchestrator.neverStable["worker"] = true
	fakeClock := clocktesting.NewFakeClock(time.Now())
	controller := NewControllerWithClock(orchestrator, &recordingRolloutStore{}, rolloutTestConfig(), fakeClock, zap.NewNop())

	rollouts := []models.ServiceRolloutResult{
		{Service: "web", Cluster: "arena-staging", PreviousSpecVersion: "web-td:41"},
		{Service: "worker", Cluster: "arena-staging", PreviousSpecVersion: "worker-td:17"},
	}

	type outcome struct {
		rollouts []models.ServiceRolloutResult
		err      error
	}
	done := make(chan outcome, 1)
	go func() {
		result, err := controller.Execute(context.Background(), "attempt-1", "v1.2.3", rollouts)
		done <- outcome{result, err}
	}()
	result := driveClock(fakeClock, done)

	require.Error(t, result.err)
	assert.True(t, errdefs.IsConvergenceTimeout(result.err))
	assert.Equal(t, models.RolloutPrimaryStable, result.rollouts[0].Status,
		"the healthy sibling still ran to completion")
	assert.Equal(t, models.RolloutTimedOut, result.rollouts[1].Status)
}
