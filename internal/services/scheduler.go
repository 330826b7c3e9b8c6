package services

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// RunScheduler triggers a folder scan on a fixed interval until ctx is
// cancelled. A tick that arrives while the previous scan is still running
// is skipped; the pipeline's own guard makes the skip race-free.
func RunScheduler(ctx context.Context, pipeline *IngestionFunction, interval time.Duration, inboxFolderID, archiveFolderID string) error {
	slog.Info("Scheduler started.", "interval", interval, "inboxFolder", inboxFolderID, "archiveFolder", archiveFolderID)

	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			slog.Info("Scheduler stopping.", "reason", ctx.Err())
			return nil
		case <-ticker.C:
			success, fail, err := pipeline.IngestFolder(ctx, inboxFolderID, archiveFolderID)
			if err != nil {
				if errors.Is(err, ErrScanInProgress) {
					slog.Warn("Skipping tick, previous scan still running.")
					continue
				}
				slog.Error("Scheduled scan failed.", "error", err)
				continue
			}
			slog.Info("Scheduled scan finished.", "successCount", success, "failCount", fail)
		}
	}
}
