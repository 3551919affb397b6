package services

import (
	"context"
	"encoding/json"
	"fmt"

	"cloud.google.com/go/storage"

	"github.com/Lllllllleong/filepipelinedashboard/internal/gcp"
	"github.com/Lllllllleong/filepipelinedashboard/internal/models"
)

// RunReporter archives the summary of a finalized cycle.
type RunReporter interface {
	ReportRun(ctx context.Context, summary models.RunSummary) error
}

// StorageReporter writes each summary to runs/<day>/<cycleId>.json in a bucket.
type StorageReporter struct {
	bucket *storage.BucketHandle
}

func NewStorageReporter(client *storage.Client, bucket string) *StorageReporter {
	return &StorageReporter{bucket: client.Bucket(bucket)}
}

func (r *StorageReporter) ReportRun(ctx context.Context, summary models.RunSummary) error {
	content, err := json.MarshalIndent(summary, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal run summary: %w", err)
	}
	if err := gcp.SaveToGCSAtomically(ctx, r.bucket, runObjectName(summary), string(content)); err != nil {
		return fmt.Errorf("failed to save run summary for cycle %s: %w", summary.CycleID, err)
	}
	return nil
}

func runObjectName(summary models.RunSummary) string {
	return fmt.Sprintf("runs/%s/%s.json", summary.Day, summary.CycleID)
}
