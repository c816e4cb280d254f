// Package orch abstracts the container orchestration API the rollout and
// rollback controllers drive. the controllers never see the cloud SDK; they
// see logical services, opaque specification versions, and a stability
// signal. the ECS adapter lives in ecs.go; tests substitute a fake.
package orch

import "context"

// ServiceState is one observation of a logical service. the rollout
// controller polls it until the target specification version is primary and
// stable, or the deadline passes.
type ServiceState struct {
	// SpecVersion is the specification version currently designated primary
	SpecVersion string

	// Running and Desired are the primary version's replica counts
	Running int
	Desired int

	// Rollouts is how many rollouts the service currently has in flight.
	// a settled service has exactly one.
	Rollouts int
}

// Stable reports whether the service has settled: a single rollout whose
// running replica count matches the desired count.
func (state ServiceState) Stable() bool {
	return state.Rollouts == 1 && state.Desired > 0 && state.Running == state.Desired
}

// Orchestrator is the surface the rollout and rollback controllers need.
type Orchestrator interface {
	// ResolveActiveSpec observes the service's current primary specification
	// version and its stability. read-only.
	ResolveActiveSpec(ctx context.Context, cluster, service string) (ServiceState, error)

	// RegisterSpecVersion derives a new specification version from the
	// service's current one, binding the given image reference, and returns
	// the new version's identifier. registration mutates nothing running.
	RegisterSpecVersion(ctx context.Context, cluster, service, imageRef string) (string, error)

	// TriggerRollout directs the service to replace its replicas with the
	// given specification version. returns once the rollout is accepted,
	// not once it converges; convergence is observed via ResolveActiveSpec.
	TriggerRollout(ctx context.Context, cluster, service, specVersion string) error

	// TagService stamps deployment metadata onto the service resource.
	// best-effort; callers log failures and move on.
	TagService(ctx context.Context, cluster, service string, tags map[string]string) error
}
