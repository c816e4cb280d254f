package infra

// restore.go runs the external data restore facility. the controller knows
// nothing about how the restore works; it runs the configured command and
// trusts its exit code, the same way an operator would run it by hand.

import (
	"context"
	"fmt"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/arena-platform/arena-deploy/config"
)

// DataRestorer invokes the environment's configured data restore command
// during rollback when the failed attempt's infrastructure changes touched
// data-bearing resources.
type DataRestorer struct {
	runner CommandRunner
	cfg    *config.Config
	logger *zap.Logger
}

// NewDataRestorer wires a DataRestorer.
func NewDataRestorer(runner CommandRunner, cfg *config.Config, logger *zap.Logger) *DataRestorer {
	return &DataRestorer{runner: runner, cfg: cfg, logger: logger}
}

// Restore runs the configured restore command. a flagged restore with no
// command configured is an error: silently skipping it would leave the
// environment reverted in code but not in data.
func (restorer *DataRestorer) Restore(ctx context.Context, correlationID string) error {
	fields := strings.Fields(restorer.cfg.DataRestoreCommand)
	if len(fields) == 0 {
		return fmt.Errorf("attempt requires a data restore but environment %q has no data_restore_command configured",
			restorer.cfg.Environment)
	}

	restorer.logger.Info("running external data restore",
		zap.String("correlation_id", correlationID),
		zap.String("command", fields[0]),
	)

	started := time.Now()
	if _, err := restorer.runner.Run(ctx, "", fields[0], fields[1:]...); err != nil {
		return fmt.Errorf("data restore command failed: %w", err)
	}

	restorer.logger.Info("external data restore finished",
		zap.String("correlation_id", correlationID),
		zap.Duration("elapsed", time.Since(started)),
	)
	return nil
}
