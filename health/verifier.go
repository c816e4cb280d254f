package health

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
	"k8s.io/utils/clock"

	"github.com/arena-platform/arena-deploy/config"
	"github.com/arena-platform/arena-deploy/errdefs"
	"github.com/arena-platform/arena-deploy/metrics"
	"github.com/arena-platform/arena-deploy/models"
)

// Store persists the most recent verification results on the attempt.
type Store interface {
	SaveHealthChecks(correlationID string, checks []models.HealthCheckResult) error
}

// Verifier runs the whole check battery with bounded retries. one Verifier
// is built per verification phase; the battery it holds is fixed for the
// phase's lifetime.
type Verifier struct {
	checks []Check
	store  Store
	cfg    *config.Config
	clock  clock.Clock
	logger *zap.Logger
}

// NewVerifier wires a Verifier with a real clock.
func NewVerifier(checks []Check, store Store, cfg *config.Config, logger *zap.Logger) *Verifier {
	return NewVerifierWithClock(checks, store, cfg, clock.RealClock{}, logger)
}

// NewVerifierWithClock is the test constructor.
func NewVerifierWithClock(checks []Check, store Store, cfg *config.Config, clk clock.Clock, logger *zap.Logger) *Verifier {
	return &Verifier{checks: checks, store: store, cfg: cfg, clock: clk, logger: logger}
}

// Verify runs the battery up to health_retries times with a fixed delay
// between runs. the battery passes when every required check passes in a
// single run; advisory failures are reported but never gate. a JSON report
// is written after EVERY run, pass or fail, so the file always reflects the
// latest evidence even when a later retry would have overwritten a pass.
//
// the returned results are from the last run executed.
func (verifier *Verifier) Verify(ctx context.Context, correlationID string) ([]models.HealthCheckResult, error) {
	var results []models.HealthCheckResult

	for attempt := 1; attempt <= verifier.cfg.HealthRetries; attempt++ {
		results = verifier.runBattery(ctx)

		verifier.writeReport(correlationID, results)
		if verifier.store != nil {
			if err := verifier.store.SaveHealthChecks(correlationID, results); err != nil {
				verifier.logger.Warn("health check results not persisted",
					zap.String("correlation_id", correlationID),
					zap.Error(err),
				)
			}
		}

		if models.AggregateHealth(results) {
			verifier.logger.Info("verification passed",
				zap.String("correlation_id", correlationID),
				zap.Int("attempt", attempt),
			)
			return results, nil
		}

		for _, result := range results {
			if !result.Passed {
				metrics.HealthCheckFailures.WithLabelValues(verifier.cfg.Environment, result.Check).Inc()
				verifier.logger.Warn("health check failed",
					zap.String("correlation_id", correlationID),
					zap.String("check", result.Check),
					zap.Bool("required", result.Required),
					zap.String("detail", result.Detail),
				)
			}
		}

		if attempt < verifier.cfg.HealthRetries {
			select {
			case <-ctx.Done():
				return results, errdefs.WrapConvergenceTimeout(
					fmt.Errorf("verification interrupted: %w", ctx.Err()))
			case <-verifier.clock.After(verifier.cfg.HealthRetryInterval):
			}
		}
	}

	// exhaustion is a convergence outcome: the environment never reached
	// health within its allotted runs
	return results, errdefs.WrapConvergenceTimeout(fmt.Errorf("verification failed after %d runs: %s",
		verifier.cfg.HealthRetries, failedCheckNames(results)))
}

// runBattery executes all checks in parallel and returns their results in
// battery order regardless of completion order.
func (verifier *Verifier) runBattery(ctx context.Context) []models.HealthCheckResult {
	results := make([]models.HealthCheckResult, len(verifier.checks))

	var waitGroup sync.WaitGroup
	for index, check := range verifier.checks {
		waitGroup.Add(1)
		go func(index int, check Check) {
			defer waitGroup.Done()
			results[index] = check.Run(ctx)
		}(index, check)
	}
	waitGroup.Wait()

	return results
}

// writeReport writes the JSON health report to the configured path. report
// failures are logged and swallowed: the report is evidence, not control flow.
func (verifier *Verifier) writeReport(correlationID string, results []models.HealthCheckResult) {
	report := models.HealthReport{
		Timestamp:   time.Now().UTC(),
		Environment: verifier.cfg.Environment,
		Attempt:     correlationID,
		Healthy:     models.AggregateHealth(results),
		Checks:      results,
	}

	encoded, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		verifier.logger.Warn("health report not encodable", zap.Error(err))
		return
	}
	if err := os.WriteFile(verifier.cfg.ReportPath, encoded, 0o644); err != nil {
		verifier.logger.Warn("health report not written",
			zap.String("path", verifier.cfg.ReportPath),
			zap.Error(err),
		)
	}
}

func failedCheckNames(results []models.HealthCheckResult) string {
	names := ""
	for _, result := range results {
		if result.Required && !result.Passed {
			if names != "" {
				names += ", "
			}
			names += result.Check
		}
	}
	return names
}
