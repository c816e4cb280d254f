// Package audit records one entry per externally observable state-changing
// action: status transitions, snapshot creation, rollback initiation.
// every entry lands in two sinks at once: an append-only SQLite row (for the
// read API) and a correlation-id-tagged JSON line in the audit log file (for
// log shipping). entries are traceability only; nothing reads them back to
// drive control flow.
package audit

import (
	"fmt"
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/arena-platform/arena-deploy/db"
	"github.com/arena-platform/arena-deploy/models"
)

// Actor is stamped on records written by the controller itself, as opposed
// to a human operator invoking the rollback command.
const Actor = "arena-deploy"

// Recorder writes audit entries. construct one per process with NewRecorder
// and share it; both sinks are safe for concurrent use.
type Recorder struct {
	database *db.Database
	line     *zap.Logger
	app      *zap.Logger
}

// NewRecorder opens the append-only audit log file and wires the database
// sink. the file logger is a bare JSON encoder with no sampling or caller
// annotation: one line per record, append-only, never truncated.
func NewRecorder(database *db.Database, auditLogPath string, appLogger *zap.Logger) (*Recorder, error) {
	file, err := os.OpenFile(auditLogPath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log %q: %w", auditLogPath, err)
	}

	encoderConfig := zap.NewProductionEncoderConfig()
	encoderConfig.TimeKey = "timestamp"
	encoderConfig.EncodeTime = zapcore.ISO8601TimeEncoder
	core := zapcore.NewCore(zapcore.NewJSONEncoder(encoderConfig), zapcore.AddSync(file), zapcore.InfoLevel)

	return &Recorder{
		database: database,
		line:     zap.New(core),
		app:      appLogger,
	}, nil
}

// Record appends one audit entry attributed to the controller itself.
func (recorder *Recorder) Record(correlationID, action, reason string) {
	recorder.RecordAs(correlationID, Actor, action, reason)
}

// RecordAs appends one audit entry with an explicit actor; the operator
// rollback command uses it so human-initiated actions are distinguishable.
// a reason may be empty. sink failures are logged to the application logger
// but never propagate: an attempt must not fail because its paper trail
// hiccuped.
func (recorder *Recorder) RecordAs(correlationID, actor, action, reason string) {
	record := models.AuditRecord{
		CorrelationID: correlationID,
		Actor:         actor,
		Action:        action,
	}
	if reason != "" {
		record.Reason = &reason
	}

	if err := recorder.database.InsertAuditRecord(&record); err != nil {
		recorder.app.Warn("audit record not persisted",
			zap.String("correlation_id", correlationID),
			zap.String("action", action),
			zap.Error(err),
		)
	}

	fields := []zap.Field{
		zap.String("correlation_id", correlationID),
		zap.String("actor", record.Actor),
		zap.String("action", action),
	}
	if reason != "" {
		fields = append(fields, zap.String("reason", reason))
	}
	recorder.line.Info("audit", fields...)
}

// Sync flushes the file sink. deferred by the CLI before exit.
func (recorder *Recorder) Sync() {
	_ = recorder.line.Sync()
}
