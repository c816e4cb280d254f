// Package infra drives the declarative provisioning tool (terraform) for the
// infrastructure phase: workspace selection, pre-apply state snapshots, the
// deadline-bounded apply, and state restoration during rollback. the
// controller treats the resource definitions themselves as an opaque blob; it
// only ever runs the tool against the configured directory.
package infra

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"go.uber.org/zap"

	"github.com/arena-platform/arena-deploy/config"
	"github.com/arena-platform/arena-deploy/errdefs"
	"github.com/arena-platform/arena-deploy/models"
)

// TerraformBinary is the provisioning tool executable resolved on PATH.
const TerraformBinary = "terraform"

// CommandRunner executes one external command in a directory and returns its
// stdout. the exec-backed implementation lives below; tests substitute a fake
// so no test ever shells out.
type CommandRunner interface {
	Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error)
}

// ExecRunner runs commands through os/exec. stderr is folded into the
// returned error because terraform writes its diagnostics there.
type ExecRunner struct{}

var _ CommandRunner = ExecRunner{}

func (ExecRunner) Run(ctx context.Context, dir string, name string, args ...string) ([]byte, error) {
	command := exec.CommandContext(ctx, name, args...)
	command.Dir = dir

	var stdout, stderr bytes.Buffer
	command.Stdout = &stdout
	command.Stderr = &stderr

	if err := command.Run(); err != nil {
		return stdout.Bytes(), fmt.Errorf("%s %v: %w: %s", name, args, err, stderr.String())
	}
	return stdout.Bytes(), nil
}

// SnapshotStore is the persistence surface the provisioner needs for snapshot
// bookkeeping. the db package's Database satisfies it.
type SnapshotStore interface {
	InsertSnapshot(snapshot *models.InfrastructureSnapshot) error
	GetSnapshot(id string) (*models.InfrastructureSnapshot, error)
	ListSnapshots(environment string) ([]*models.InfrastructureSnapshot, error)
	DeleteSnapshot(id string) error
}

// Provisioner owns every interaction with the provisioning tool. one
// Provisioner is constructed per attempt; it carries no mutable state of its
// own, so all methods are safe to call in sequence from the pipeline.
type Provisioner struct {
	runner  CommandRunner
	store   SnapshotStore
	objects ObjectStore
	cfg     *config.Config
	logger  *zap.Logger
}

// NewProvisioner wires a Provisioner. objects may be nil when no backup
// bucket is configured; snapshots then stay local-only.
func NewProvisioner(runner CommandRunner, store SnapshotStore, objects ObjectStore, cfg *config.Config, logger *zap.Logger) *Provisioner {
	return &Provisioner{runner: runner, store: store, objects: objects, cfg: cfg, logger: logger}
}

// EnsureWorkspace initializes the working directory and selects the
// environment's workspace, creating it on first use. idempotent.
func (prov *Provisioner) EnsureWorkspace(ctx context.Context) error {
	if _, err := prov.runner.Run(ctx, prov.cfg.TerraformDir, TerraformBinary, "init", "-input=false", "-no-color"); err != nil {
		return fmt.Errorf("provisioner init failed: %w", err)
	}

	if _, err := prov.runner.Run(ctx, prov.cfg.TerraformDir, TerraformBinary, "workspace", "select", prov.cfg.Environment); err != nil {
		if _, createErr := prov.runner.Run(ctx, prov.cfg.TerraformDir, TerraformBinary, "workspace", "new", prov.cfg.Environment); createErr != nil {
			return fmt.Errorf("workspace %q neither selectable nor creatable: %w", prov.cfg.Environment, createErr)
		}
	}
	return nil
}

// Apply plans and applies the environment's resource definitions under the
// configured deadline. the saved plan file guarantees the apply executes
// exactly the changes that were inspected. the second return value reports
// whether the applied plan touched data-bearing resources, which tells the
// pipeline to flag the attempt for an external data restore on rollback.
//
// a deadline overrun maps to the convergence-timeout bucket; every other
// failure surfaces as-is for the pipeline to classify.
func (prov *Provisioner) Apply(ctx context.Context, correlationID string) (*models.InfrastructureApplyResult, bool, error) {
	applyCtx, cancel := context.WithTimeout(ctx, prov.cfg.ApplyTimeout)
	defer cancel()

	planPath := filepath.Join(os.TempDir(), "arena-deploy-plan-"+correlationID)
	defer os.Remove(planPath)

	started := time.Now()
	result := &models.InfrastructureApplyResult{Workspace: prov.cfg.Environment}

	if _, err := prov.runner.Run(applyCtx, prov.cfg.TerraformDir, TerraformBinary,
		"plan", "-input=false", "-no-color", "-out", planPath); err != nil {
		return result, false, prov.classify(applyCtx, fmt.Errorf("plan failed: %w", err))
	}

	touchesData, err := prov.planTouchesData(applyCtx, planPath)
	if err != nil {
		return result, false, prov.classify(applyCtx, err)
	}

	if _, err := prov.runner.Run(applyCtx, prov.cfg.TerraformDir, TerraformBinary,
		"apply", "-input=false", "-no-color", planPath); err != nil {
		return result, touchesData, prov.classify(applyCtx, fmt.Errorf("apply failed: %w", err))
	}

	result.Applied = true
	result.Elapsed = time.Since(started)
	prov.logger.Info("infrastructure applied",
		zap.String("correlation_id", correlationID),
		zap.String("workspace", result.Workspace),
		zap.Bool("touches_data", touchesData),
		zap.Duration("elapsed", result.Elapsed),
	)
	return result, touchesData, nil
}

// dataBearingTypes are resource types whose modification can invalidate
// stored data, which makes a later rollback require the external restore.
var dataBearingTypes = map[string]bool{
	"aws_db_instance":                   true,
	"aws_rds_cluster":                   true,
	"aws_rds_cluster_instance":          true,
	"aws_dynamodb_table":                true,
	"aws_elasticache_cluster":           true,
	"aws_elasticache_replication_group": true,
}

// planTouchesData renders the saved plan as JSON and reports whether any
// data-bearing resource has a non-noop change queued.
func (prov *Provisioner) planTouchesData(ctx context.Context, planPath string) (bool, error) {
	rendered, err := prov.runner.Run(ctx, prov.cfg.TerraformDir, TerraformBinary, "show", "-json", planPath)
	if err != nil {
		return false, fmt.Errorf("plan inspection failed: %w", err)
	}

	var plan struct {
		ResourceChanges []struct {
			Type   string `json:"type"`
			Change struct {
				Actions []string `json:"actions"`
			} `json:"change"`
		} `json:"resource_changes"`
	}
	if err := json.Unmarshal(rendered, &plan); err != nil {
		return false, fmt.Errorf("plan JSON is malformed: %w", err)
	}

	for _, change := range plan.ResourceChanges {
		if !dataBearingTypes[change.Type] {
			continue
		}
		for _, action := range change.Change.Actions {
			if action != "no-op" {
				return true, nil
			}
		}
	}
	return false, nil
}

// classify maps a deadline overrun to the convergence-timeout bucket.
func (prov *Provisioner) classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return errdefs.WrapConvergenceTimeout(fmt.Errorf(
			"infrastructure apply exceeded its %s deadline: %w", prov.cfg.ApplyTimeout, err))
	}
	return err
}
