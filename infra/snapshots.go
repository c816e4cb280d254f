package infra

// snapshots.go covers the rollback side of the infrastructure phase: the
// pre-apply state snapshot, the optional object-storage durability copy, and
// restoration of a snapshot during rollback.

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/s3/manager"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/arena-platform/arena-deploy/models"
)

// ObjectStore is the narrow object-storage surface used for snapshot
// durability copies.
type ObjectStore interface {
	Upload(ctx context.Context, bucket, key string, body io.Reader) error
	Download(ctx context.Context, bucket, key string, target io.WriterAt) error
}

// S3ObjectStore implements ObjectStore on the AWS transfer manager, which
// handles multipart transfers for large state files.
type S3ObjectStore struct {
	uploader   *manager.Uploader
	downloader *manager.Downloader
}

var _ ObjectStore = (*S3ObjectStore)(nil)

// NewS3ObjectStore wraps an S3 client.
func NewS3ObjectStore(client *s3.Client) *S3ObjectStore {
	return &S3ObjectStore{
		uploader:   manager.NewUploader(client),
		downloader: manager.NewDownloader(client),
	}
}

func (store *S3ObjectStore) Upload(ctx context.Context, bucket, key string, body io.Reader) error {
	_, err := store.uploader.Upload(ctx, &s3.PutObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
		Body:   body,
	})
	if err != nil {
		return fmt.Errorf("failed to upload s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

func (store *S3ObjectStore) Download(ctx context.Context, bucket, key string, target io.WriterAt) error {
	_, err := store.downloader.Download(ctx, target, &s3.GetObjectInput{
		Bucket: aws.String(bucket),
		Key:    aws.String(key),
	})
	if err != nil {
		return fmt.Errorf("failed to download s3://%s/%s: %w", bucket, key, err)
	}
	return nil
}

// SnapshotState captures the provisioning tool's current persisted state
// before anything is applied. the local file is the restore source of truth;
// the object-storage copy is best-effort durability and its failure only
// degrades, never blocks, the attempt. older local snapshots beyond the
// retention count are pruned after the new one is recorded.
func (prov *Provisioner) SnapshotState(ctx context.Context, correlationID string) (*models.InfrastructureSnapshot, error) {
	state, err := prov.runner.Run(ctx, prov.cfg.TerraformDir, TerraformBinary, "state", "pull")
	if err != nil {
		return nil, fmt.Errorf("state pull failed: %w", err)
	}

	if err := os.MkdirAll(prov.cfg.StateBackupDir, 0o755); err != nil {
		return nil, fmt.Errorf("failed to create state backup dir %q: %w", prov.cfg.StateBackupDir, err)
	}

	snapshot := &models.InfrastructureSnapshot{
		ID:            uuid.NewString(),
		CorrelationID: correlationID,
		Environment:   prov.cfg.Environment,
		TakenAt:       time.Now().UTC(),
	}
	snapshot.Path = filepath.Join(prov.cfg.StateBackupDir,
		fmt.Sprintf("%s-%s.tfstate", snapshot.Environment, snapshot.ID))

	if err := os.WriteFile(snapshot.Path, state, 0o600); err != nil {
		return nil, fmt.Errorf("failed to write state snapshot %q: %w", snapshot.Path, err)
	}

	if prov.objects != nil && prov.cfg.StateBackupBucket != "" {
		key := fmt.Sprintf("%s/%s.tfstate", snapshot.Environment, snapshot.ID)
		if err := prov.objects.Upload(ctx, prov.cfg.StateBackupBucket, key, bytes.NewReader(state)); err != nil {
			prov.logger.Warn("snapshot durability copy failed, continuing with local snapshot only",
				zap.String("snapshot_id", snapshot.ID),
				zap.Error(err),
			)
		} else {
			objectURL := fmt.Sprintf("s3://%s/%s", prov.cfg.StateBackupBucket, key)
			snapshot.ObjectURL = &objectURL
		}
	}

	if err := prov.store.InsertSnapshot(snapshot); err != nil {
		return nil, fmt.Errorf("failed to record snapshot: %w", err)
	}

	prov.pruneSnapshots(snapshot.Environment)

	prov.logger.Info("infrastructure state snapshot taken",
		zap.String("correlation_id", correlationID),
		zap.String("snapshot_id", snapshot.ID),
		zap.String("path", snapshot.Path),
	)
	return snapshot, nil
}

// RestoreSnapshot pushes a previously captured state back into the
// provisioning tool and re-applies so the real resources converge to the
// restored definitions. the local snapshot file is preferred; when it is gone
// the object-storage copy is fetched instead.
func (prov *Provisioner) RestoreSnapshot(ctx context.Context, snapshotID string) error {
	snapshot, err := prov.store.GetSnapshot(snapshotID)
	if err != nil {
		return fmt.Errorf("snapshot %q not found: %w", snapshotID, err)
	}

	statePath := snapshot.Path
	if _, err := os.Stat(statePath); err != nil {
		statePath, err = prov.fetchDurabilityCopy(ctx, snapshot)
		if err != nil {
			return err
		}
		defer os.Remove(statePath)
	}

	if _, err := prov.runner.Run(ctx, prov.cfg.TerraformDir, TerraformBinary,
		"state", "push", "-force", statePath); err != nil {
		return fmt.Errorf("state push failed for snapshot %q: %w", snapshotID, err)
	}

	applyCtx, cancel := context.WithTimeout(ctx, prov.cfg.ApplyTimeout)
	defer cancel()
	if _, err := prov.runner.Run(applyCtx, prov.cfg.TerraformDir, TerraformBinary,
		"apply", "-input=false", "-auto-approve", "-no-color"); err != nil {
		return prov.classify(applyCtx, fmt.Errorf("post-restore apply failed: %w", err))
	}

	prov.logger.Info("infrastructure state restored",
		zap.String("snapshot_id", snapshotID),
		zap.String("state_path", statePath),
	)
	return nil
}

// fetchDurabilityCopy downloads the snapshot's object-storage copy to a
// temporary file and returns its path.
func (prov *Provisioner) fetchDurabilityCopy(ctx context.Context, snapshot *models.InfrastructureSnapshot) (string, error) {
	if snapshot.ObjectURL == nil || prov.objects == nil {
		return "", fmt.Errorf("snapshot %q has no local file and no durability copy", snapshot.ID)
	}

	bucket, key, err := splitObjectURL(*snapshot.ObjectURL)
	if err != nil {
		return "", err
	}

	file, err := os.CreateTemp("", "arena-deploy-restore-*.tfstate")
	if err != nil {
		return "", fmt.Errorf("failed to create temp file for snapshot download: %w", err)
	}
	defer file.Close()

	if err := prov.objects.Download(ctx, bucket, key, file); err != nil {
		os.Remove(file.Name())
		return "", err
	}
	return file.Name(), nil
}

// splitObjectURL breaks "s3://bucket/key" into its parts.
func splitObjectURL(objectURL string) (bucket, key string, err error) {
	trimmed, found := strings.CutPrefix(objectURL, "s3://")
	if !found {
		return "", "", fmt.Errorf("object URL %q is not an s3:// URL", objectURL)
	}
	bucket, key, found = strings.Cut(trimmed, "/")
	if !found || bucket == "" || key == "" {
		return "", "", fmt.Errorf("object URL %q is missing bucket or key", objectURL)
	}
	return bucket, key, nil
}

// pruneSnapshots deletes local snapshots beyond the retention count, oldest
// first. pruning is best-effort housekeeping and never fails the attempt.
func (prov *Provisioner) pruneSnapshots(environment string) {
	snapshots, err := prov.store.ListSnapshots(environment)
	if err != nil {
		prov.logger.Warn("snapshot pruning skipped", zap.Error(err))
		return
	}
	if prov.cfg.SnapshotRetention < 1 || len(snapshots) <= prov.cfg.SnapshotRetention {
		return
	}

	for _, stale := range snapshots[prov.cfg.SnapshotRetention:] {
		if err := os.Remove(stale.Path); err != nil && !os.IsNotExist(err) {
			prov.logger.Warn("stale snapshot file not removed",
				zap.String("snapshot_id", stale.ID),
				zap.Error(err),
			)
			continue
		}
		if err := prov.store.DeleteSnapshot(stale.ID); err != nil {
			prov.logger.Warn("stale snapshot row not removed",
				zap.String("snapshot_id", stale.ID),
				zap.Error(err),
			)
		}
	}
}
