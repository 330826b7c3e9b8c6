package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/Lllllllleong/reportflow/internal/gcp"
	"github.com/Lllllllleong/reportflow/internal/models"
	"github.com/Lllllllleong/reportflow/internal/store"
)

// ErrScanInProgress is returned when a folder scan is requested while a
// previous scan is still running.
var ErrScanInProgress = errors.New("a folder scan is already in progress")

// ErrDuplicateUpload is returned when an uploaded file's source path is
// already recorded.
var ErrDuplicateUpload = errors.New("a report with this source path already exists")

// FolderClient is the remote folder surface the pipeline consumes. Each
// operation handles its own transport retries; the pipeline treats a single
// error as terminal for that call.
type FolderClient interface {
	List(ctx context.Context, folderID string) ([]models.RemoteFile, error)
	Download(ctx context.Context, fileID, destPath string) error
	Upload(ctx context.Context, localPath, folderID, name string) (string, error)
	Delete(ctx context.Context, fileID string) error
}

// Analyzer produces a structured analysis of report text. Failures it can
// describe come back as *gcp.AnalysisError; anything else is unexpected.
type Analyzer interface {
	Analyze(ctx context.Context, text string) (map[string]any, error)
}

// IngestionFunction moves files from a watched inbox folder into the record
// store and an archive folder, one file at a time. A scan never runs
// concurrently with itself.
type IngestionFunction struct {
	Store    *store.Store
	Folder   FolderClient
	Analyzer Analyzer
	TempDir  string

	scanMu sync.Mutex
}

func NewIngestionFunction(st *store.Store, folder FolderClient, analyzer Analyzer, tempDir string) *IngestionFunction {
	return &IngestionFunction{Store: st, Folder: folder, Analyzer: analyzer, TempDir: tempDir}
}

// tempPath builds a collision-avoiding local path for a remote file. The
// remote id prefix keeps two same-named files in one scan from clobbering
// each other.
func (f *IngestionFunction) tempPath(remoteID, filename string) string {
	return filepath.Join(f.TempDir, fmt.Sprintf("%s_%s", remoteID, filepath.Base(filename)))
}

// IngestOne runs the full per-file procedure: download, extract, record,
// analyze, archive. It reports whether the file ended in a durable state
// (archived, even partially). Every failure is recorded on the report row;
// nothing is retried here.
func (f *IngestionFunction) IngestOne(ctx context.Context, file models.RemoteFile, sourceFolderID, archiveFolderID string) bool {
	sourcePath := models.SourcePrefixRemote + file.ID
	logCtx := slog.With("fileId", file.ID, "filename", file.Name)

	// provenance travels on every row for this file, failed or not
	metadata := map[string]any{
		"origin":           "folder_scan",
		"remote_file_id":   file.ID,
		"source_folder_id": sourceFolderID,
		"extension":        strings.ToLower(filepath.Ext(file.Name)),
	}

	localPath := f.tempPath(file.ID, file.Name)
	if err := f.Folder.Download(ctx, file.ID, localPath); err != nil {
		logCtx.Error("Download failed.", "error", err)
		if _, insertErr := f.Store.InsertReport(ctx, file.Name, nil, sourcePath, metadata, models.StatusDownloadError); insertErr != nil {
			logCtx.Error("Failed to record download error.", "error", insertErr)
		}
		return false
	}
	defer func() {
		if err := os.Remove(localPath); err != nil && !os.IsNotExist(err) {
			logCtx.Warn("Failed to remove temporary file.", "path", localPath, "error", err)
		}
	}()

	content := ExtractText(localPath)
	id, err := f.Store.InsertReport(ctx, file.Name, &content, sourcePath, metadata, models.StatusPending)
	if err != nil {
		logCtx.Error("Failed to insert report row.", "error", err)
		return false
	}
	if _, err := f.Store.UpdateStatus(ctx, id, models.StatusParsed, nil); err != nil {
		logCtx.Error("Failed to mark report parsed.", "reportId", id, "error", err)
		return false
	}
	logCtx = logCtx.With("reportId", id)

	f.analyzeReport(ctx, logCtx, id, content)

	return f.archive(ctx, logCtx, id, file, localPath, archiveFolderID)
}

// analyzeReport runs the analysis step and records its outcome. Sentinel or
// empty content skips analysis entirely, leaving the row at parsed.
func (f *IngestionFunction) analyzeReport(ctx context.Context, logCtx *slog.Logger, id int64, content string) {
	if content == "" || IsSentinel(content) {
		logCtx.Info("Skipping analysis for empty or unextractable content.")
		return
	}

	result, err := f.Analyzer.Analyze(ctx, content)
	if err != nil {
		var analysisErr *gcp.AnalysisError
		if errors.As(err, &analysisErr) {
			payload, marshalErr := json.Marshal(analysisErr)
			if marshalErr != nil {
				payload = []byte(fmt.Sprintf(`{"error":%q}`, analysisErr.Message))
			}
			if _, updErr := f.Store.UpdateAnalysis(ctx, id, string(payload), models.StatusAnalysisFailed); updErr != nil {
				logCtx.Error("Failed to record analysis failure.", "error", updErr)
			}
			logCtx.Warn("Analysis failed.", "kind", analysisErr.Kind, "error", analysisErr.Message)
			return
		}

		// anything the analyzer could not classify
		if _, updErr := f.Store.UpdateStatus(ctx, id, models.StatusProcessingException, nil); updErr != nil {
			logCtx.Error("Failed to record processing exception.", "error", updErr)
		}
		if _, metaErr := f.Store.UpdateMetadata(ctx, id, map[string]any{"processing_error": err.Error()}); metaErr != nil {
			logCtx.Error("Failed to record processing exception detail.", "error", metaErr)
		}
		logCtx.Error("Unexpected analysis error.", "error", err)
		return
	}

	resultJSON, err := json.Marshal(result)
	if err != nil {
		logCtx.Error("Failed to serialize analysis result.", "error", err)
		if _, updErr := f.Store.UpdateStatus(ctx, id, models.StatusProcessingException, nil); updErr != nil {
			logCtx.Error("Failed to record processing exception.", "error", updErr)
		}
		if _, metaErr := f.Store.UpdateMetadata(ctx, id, map[string]any{"processing_error": err.Error()}); metaErr != nil {
			logCtx.Error("Failed to record processing exception detail.", "error", metaErr)
		}
		return
	}
	if _, err := f.Store.UpdateAnalysis(ctx, id, string(resultJSON), models.StatusAnalysisComplete); err != nil {
		logCtx.Error("Failed to store analysis result.", "error", err)
		return
	}
	logCtx.Info("Analysis complete.")
}

// archive uploads the unchanged local bytes to the archive folder and then
// deletes the inbox original. A failed delete after a successful upload
// still counts as success: better a stray inbox copy than losing the file.
func (f *IngestionFunction) archive(ctx context.Context, logCtx *slog.Logger, id int64, file models.RemoteFile, localPath, archiveFolderID string) bool {
	archivedID, err := f.Folder.Upload(ctx, localPath, archiveFolderID, file.Name)
	if err != nil {
		logCtx.Error("Archive upload failed.", "error", err)
		if _, updErr := f.Store.UpdateStatus(ctx, id, models.StatusArchiveUploadError, nil); updErr != nil {
			logCtx.Error("Failed to record archive upload error.", "error", updErr)
		}
		return false
	}

	status := models.StatusArchived
	archiveStatus := "deleted"
	if err := f.Folder.Delete(ctx, file.ID); err != nil {
		logCtx.Warn("Failed to delete inbox original after archiving.", "error", err)
		status = models.StatusPartialArchive
		archiveStatus = fmt.Sprintf("delete failed: %v", err)
	}

	if _, err := f.Store.UpdateStatus(ctx, id, status, nil); err != nil {
		logCtx.Error("Failed to record archive status.", "error", err)
	}
	if _, err := f.Store.UpdateMetadata(ctx, id, map[string]any{
		"archived_remote_id": archivedID,
		"archive_status":     archiveStatus,
	}); err != nil {
		logCtx.Error("Failed to record archive metadata.", "error", err)
	}
	logCtx.Info("File archived.", "archivedId", archivedID, "status", status)
	return true
}

// IngestFolder scans the source folder once and processes every new file
// sequentially, in listing order. Only one scan runs at a time; an
// overlapping call returns ErrScanInProgress immediately.
func (f *IngestionFunction) IngestFolder(ctx context.Context, sourceFolderID, archiveFolderID string) (successCount, failCount int, err error) {
	if !f.scanMu.TryLock() {
		return 0, 0, ErrScanInProgress
	}
	defer f.scanMu.Unlock()

	files, err := f.Folder.List(ctx, sourceFolderID)
	if err != nil {
		return 0, 0, fmt.Errorf("list source folder %s: %w", sourceFolderID, err)
	}
	slog.Info("Starting folder scan.", "sourceFolder", sourceFolderID, "fileCount", len(files))

	for _, file := range files {
		if file.MimeType == gcp.FolderMimeType {
			slog.Info("Skipping subfolder.", "name", file.Name)
			continue
		}
		if file.ID == "" || file.Name == "" {
			slog.Warn("Skipping malformed listing entry.", "id", file.ID, "name", file.Name)
			failCount++
			continue
		}

		exists, existsErr := f.Store.ExistsBySourcePath(ctx, models.SourcePrefixRemote+file.ID)
		if existsErr != nil {
			slog.Error("Dedup check failed.", "fileId", file.ID, "error", existsErr)
			failCount++
			continue
		}
		if exists {
			slog.Info("Skipping already-processed file.", "fileId", file.ID, "filename", file.Name)
			continue
		}

		if f.IngestOne(ctx, file, sourceFolderID, archiveFolderID) {
			successCount++
		} else {
			failCount++
		}
	}

	slog.Info("Folder scan complete.", "successCount", successCount, "failCount", failCount)
	return successCount, failCount, nil
}

// IngestUploaded processes a file supplied directly by a caller instead of
// appearing in the watched folder. The file is extracted, recorded and
// analyzed in place; no remote round-trip happens. The caller owns the
// local file's cleanup.
func (f *IngestionFunction) IngestUploaded(ctx context.Context, localPath, filename string) (int64, error) {
	sourcePath := models.SourcePrefixUpload + filename
	logCtx := slog.With("filename", filename)

	exists, err := f.Store.ExistsBySourcePath(ctx, sourcePath)
	if err != nil {
		return 0, err
	}
	if exists {
		return 0, fmt.Errorf("%s: %w", sourcePath, ErrDuplicateUpload)
	}

	content := ExtractText(localPath)
	id, err := f.Store.InsertReport(ctx, filename, &content, sourcePath, map[string]any{
		"origin":    "upload",
		"extension": strings.ToLower(filepath.Ext(filename)),
	}, models.StatusPending)
	if err != nil {
		return 0, err
	}
	if _, err := f.Store.UpdateStatus(ctx, id, models.StatusParsed, nil); err != nil {
		return 0, err
	}
	logCtx = logCtx.With("reportId", id)

	f.analyzeReport(ctx, logCtx, id, content)
	logCtx.Info("Uploaded report ingested.")
	return id, nil
}
