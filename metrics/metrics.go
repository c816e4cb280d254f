// Package metrics exposes the controller's Prometheus collectors. all
// collectors are registered with promauto at init time and served by the
// `serve` command at /metrics.
package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	// AttemptsTotal counts finished deployment attempts by terminal status.
	AttemptsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_deploy_attempts_total",
		Help: "Finished deployment attempts by environment and terminal status",
	}, []string{"environment", "status"})

	// RollbacksTotal counts rollback executions by outcome.
	RollbacksTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_deploy_rollbacks_total",
		Help: "Rollback executions by environment and outcome",
	}, []string{"environment", "outcome"})

	// PhaseDuration observes wall-clock time spent per pipeline phase.
	PhaseDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "arena_deploy_phase_duration_seconds",
		Help:    "Wall-clock duration of each deployment phase",
		Buckets: prometheus.ExponentialBuckets(1, 2, 12),
	}, []string{"environment", "phase"})

	// HealthCheckFailures counts individual health check failures by check name.
	HealthCheckFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "arena_deploy_health_check_failures_total",
		Help: "Individual health check failures by check name",
	}, []string{"environment", "check"})
)

// ObservePhase records one phase duration.
func ObservePhase(environment, phase string, elapsed time.Duration) {
	PhaseDuration.WithLabelValues(environment, phase).Observe(elapsed.Seconds())
}
