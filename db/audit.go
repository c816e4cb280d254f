package db

// audit.go holds the audit_records queries. the table is append-only by
// construction: this file defines an INSERT and a SELECT, nothing else, and
// no other file touches the table. audit rows are written for traceability
// and exposed over the read API; control flow never reads them back.

import (
	"fmt"
	"time"

	"github.com/arena-platform/arena-deploy/models"
)

// InsertAuditRecord appends one audit record.
func (database *Database) InsertAuditRecord(record *models.AuditRecord) error {
	query := `
		INSERT INTO audit_records (correlation_id, actor, action, reason, recorded_at)
		VALUES (?, ?, ?, ?, ?)
	`
	if record.RecordedAt.IsZero() {
		record.RecordedAt = time.Now().UTC()
	}
	_, err := database.connection.Exec(query,
		record.CorrelationID, record.Actor, record.Action, record.Reason, record.RecordedAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert audit record %q for %q: %w", record.Action, record.CorrelationID, err)
	}
	return nil
}

// ListAuditRecords returns all records for a correlation id in insertion order.
func (database *Database) ListAuditRecords(correlationID string) ([]models.AuditRecord, error) {
	query := `
		SELECT correlation_id, actor, action, reason, recorded_at
		FROM audit_records WHERE correlation_id = ? ORDER BY id
	`
	rows, err := database.connection.Query(query, correlationID)
	if err != nil {
		return nil, fmt.Errorf("failed to list audit records for %q: %w", correlationID, err)
	}
	defer rows.Close()

	var records []models.AuditRecord
	for rows.Next() {
		var record models.AuditRecord
		if err := rows.Scan(
			&record.CorrelationID, &record.Actor, &record.Action, &record.Reason, &record.RecordedAt,
		); err != nil {
			return nil, fmt.Errorf("failed to scan audit record row: %w", err)
		}
		records = append(records, record)
	}
	return records, rows.Err()
}
