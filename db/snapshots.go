package db

// snapshots.go holds the snapshots table queries. a snapshot row records
// where a pre-apply infrastructure state copy lives; the file itself is
// managed by the infra package.

import (
	"database/sql"
	"errors"
	"fmt"

	"github.com/arena-platform/arena-deploy/models"
)

// InsertSnapshot records a newly taken infrastructure state snapshot.
func (database *Database) InsertSnapshot(snapshot *models.InfrastructureSnapshot) error {
	query := `
		INSERT INTO snapshots (id, correlation_id, environment, path, object_url, taken_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`
	_, err := database.connection.Exec(query,
		snapshot.ID, snapshot.CorrelationID, snapshot.Environment,
		snapshot.Path, snapshot.ObjectURL, snapshot.TakenAt,
	)
	if err != nil {
		return fmt.Errorf("failed to insert snapshot %q: %w", snapshot.ID, err)
	}
	return nil
}

// GetSnapshot fetches one snapshot by id.
func (database *Database) GetSnapshot(id string) (*models.InfrastructureSnapshot, error) {
	query := `
		SELECT id, correlation_id, environment, path, object_url, taken_at
		FROM snapshots WHERE id = ?
	`
	snapshot, err := scanSnapshot(database.connection.QueryRow(query, id))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrRecordNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get snapshot %q: %w", id, err)
	}
	return snapshot, nil
}

// ListSnapshots returns all snapshots for an environment, newest first.
// the infra package uses this for retention pruning.
func (database *Database) ListSnapshots(environment string) ([]*models.InfrastructureSnapshot, error) {
	query := `
		SELECT id, correlation_id, environment, path, object_url, taken_at
		FROM snapshots WHERE environment = ? ORDER BY taken_at DESC
	`
	rows, err := database.connection.Query(query, environment)
	if err != nil {
		return nil, fmt.Errorf("failed to list snapshots for %q: %w", environment, err)
	}
	defer rows.Close()

	var snapshots []*models.InfrastructureSnapshot
	for rows.Next() {
		snapshot, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan snapshot row: %w", err)
		}
		snapshots = append(snapshots, snapshot)
	}
	return snapshots, rows.Err()
}

// DeleteSnapshot removes a snapshot row after its file has been pruned.
func (database *Database) DeleteSnapshot(id string) error {
	result, err := database.connection.Exec(`DELETE FROM snapshots WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("failed to delete snapshot %q: %w", id, err)
	}
	return requireOneRow(result, id)
}

func scanSnapshot(row scanner) (*models.InfrastructureSnapshot, error) {
	var snapshot models.InfrastructureSnapshot
	err := row.Scan(
		&snapshot.ID, &snapshot.CorrelationID, &snapshot.Environment,
		&snapshot.Path, &snapshot.ObjectURL, &snapshot.TakenAt,
	)
	if err != nil {
		return nil, err
	}
	return &snapshot, nil
}
