package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Lllllllleong/reportflow/internal/gcp"
	"github.com/Lllllllleong/reportflow/internal/models"
	"github.com/Lllllllleong/reportflow/internal/store"
)

type fakeFolder struct {
	files       []models.RemoteFile
	contents    map[string]string
	listErr     error
	downloadErr error
	uploadErr   error
	deleteErr   error

	uploads []string
	deletes []string
}

func (f *fakeFolder) List(_ context.Context, _ string) ([]models.RemoteFile, error) {
	return f.files, f.listErr
}

func (f *fakeFolder) Download(_ context.Context, fileID, destPath string) error {
	if f.downloadErr != nil {
		return f.downloadErr
	}
	body, ok := f.contents[fileID]
	if !ok {
		return fmt.Errorf("no such file: %s", fileID)
	}
	return os.WriteFile(destPath, []byte(body), 0o644)
}

func (f *fakeFolder) Upload(_ context.Context, _, _, name string) (string, error) {
	if f.uploadErr != nil {
		return "", f.uploadErr
	}
	f.uploads = append(f.uploads, name)
	return "arch-" + name, nil
}

func (f *fakeFolder) Delete(_ context.Context, fileID string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletes = append(f.deletes, fileID)
	return nil
}

type fakeAnalyzer struct {
	calls  int
	result map[string]any
	err    error
}

func (a *fakeAnalyzer) Analyze(_ context.Context, _ string) (map[string]any, error) {
	a.calls++
	return a.result, a.err
}

func newTestPipeline(t *testing.T, folder *fakeFolder, analyzer *fakeAnalyzer) (*IngestionFunction, *store.Store) {
	t.Helper()
	st, err := store.Open(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	require.NoError(t, st.Init(context.Background()))
	return NewIngestionFunction(st, folder, analyzer, t.TempDir()), st
}

func TestIngestFolderEndToEnd(t *testing.T) {
	folder := &fakeFolder{
		files:    []models.RemoteFile{{ID: "f1", Name: "weekly.txt", MimeType: "text/plain"}},
		contents: map[string]string{"f1": "Weekly status: all systems nominal."},
	}
	analyzer := &fakeAnalyzer{result: map[string]any{
		"main_findings":     "All systems nominal.",
		"potential_risks":   "None noted.",
		"suggested_actions": "No action required.",
	}}
	pipeline, st := newTestPipeline(t, folder, analyzer)
	ctx := context.Background()

	success, fail, err := pipeline.IngestFolder(ctx, "inbox", "archive")
	require.NoError(t, err)
	assert.Equal(t, 1, success)
	assert.Equal(t, 0, fail)
	assert.Equal(t, 1, analyzer.calls)
	assert.Equal(t, []string{"weekly.txt"}, folder.uploads)
	assert.Equal(t, []string{"f1"}, folder.deletes)

	r, err := st.GetReport(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, r.Status)
	assert.Equal(t, "remote_id:f1", r.SourcePath)
	require.NotNil(t, r.Content)
	assert.Equal(t, "Weekly status: all systems nominal.", *r.Content)
	require.NotNil(t, r.AnalysisJSON)

	var analysis map[string]any
	require.NoError(t, json.Unmarshal([]byte(*r.AnalysisJSON), &analysis))
	assert.Contains(t, analysis, "main_findings")

	assert.Equal(t, "arch-weekly.txt", r.Metadata["archived_remote_id"])
	assert.Equal(t, "deleted", r.Metadata["archive_status"])

	// provenance details survive the archive-metadata merge
	assert.Equal(t, "f1", r.Metadata["remote_file_id"])
	assert.Equal(t, "inbox", r.Metadata["source_folder_id"])
	assert.Equal(t, ".txt", r.Metadata["extension"])

	// temp file is cleaned up
	entries, err := os.ReadDir(pipeline.TempDir)
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestIngestFolderDedupIdempotence(t *testing.T) {
	folder := &fakeFolder{
		files:    []models.RemoteFile{{ID: "f1", Name: "weekly.txt", MimeType: "text/plain"}},
		contents: map[string]string{"f1": "body"},
	}
	analyzer := &fakeAnalyzer{result: map[string]any{"main_findings": "nothing new"}}
	pipeline, st := newTestPipeline(t, folder, analyzer)
	ctx := context.Background()

	success, fail, err := pipeline.IngestFolder(ctx, "inbox", "archive")
	require.NoError(t, err)
	assert.Equal(t, 1, success)
	assert.Equal(t, 0, fail)

	// unchanged source folder: the row's source_path blocks re-processing
	success, fail, err = pipeline.IngestFolder(ctx, "inbox", "archive")
	require.NoError(t, err)
	assert.Equal(t, 0, success)
	assert.Equal(t, 0, fail)
	assert.Equal(t, 1, analyzer.calls)

	reports, err := st.ListReports(ctx, 10, 0)
	require.NoError(t, err)
	assert.Len(t, reports, 1)
}

func TestIngestFolderSkipsSubfolders(t *testing.T) {
	folder := &fakeFolder{
		files: []models.RemoteFile{
			{ID: "d1", Name: "old-reports", MimeType: gcp.FolderMimeType},
			{ID: "f1", Name: "a.txt", MimeType: "text/plain"},
		},
		contents: map[string]string{"f1": "body"},
	}
	analyzer := &fakeAnalyzer{result: map[string]any{"ok": true}}
	pipeline, _ := newTestPipeline(t, folder, analyzer)

	success, fail, err := pipeline.IngestFolder(context.Background(), "inbox", "archive")
	require.NoError(t, err)
	assert.Equal(t, 1, success)
	assert.Equal(t, 0, fail)
}

func TestIngestFolderListFailureAborts(t *testing.T) {
	folder := &fakeFolder{listErr: errors.New("folder not found")}
	pipeline, _ := newTestPipeline(t, folder, &fakeAnalyzer{})

	_, _, err := pipeline.IngestFolder(context.Background(), "inbox", "archive")
	assert.ErrorContains(t, err, "folder not found")
}

func TestIngestFolderSingleFlight(t *testing.T) {
	pipeline, _ := newTestPipeline(t, &fakeFolder{}, &fakeAnalyzer{})

	pipeline.scanMu.Lock()
	defer pipeline.scanMu.Unlock()

	_, _, err := pipeline.IngestFolder(context.Background(), "inbox", "archive")
	assert.ErrorIs(t, err, ErrScanInProgress)
}

func TestIngestOneSentinelSkipsAnalysis(t *testing.T) {
	folder := &fakeFolder{
		files:    []models.RemoteFile{{ID: "f1", Name: "scan.pdf", MimeType: "application/pdf"}},
		contents: map[string]string{"f1": "%PDF-1.4 binary"},
	}
	analyzer := &fakeAnalyzer{}
	pipeline, st := newTestPipeline(t, folder, analyzer)
	ctx := context.Background()

	success, fail, err := pipeline.IngestFolder(ctx, "inbox", "archive")
	require.NoError(t, err)
	assert.Equal(t, 1, success)
	assert.Equal(t, 0, fail)
	assert.Zero(t, analyzer.calls)

	r, err := st.GetReport(ctx, 1)
	require.NoError(t, err)
	require.NotNil(t, r.Content)
	assert.Equal(t, "[unsupported file type: .pdf]", *r.Content)
	assert.Nil(t, r.AnalysisJSON)
	// skipped analysis, but the file is still archived
	assert.Equal(t, models.StatusArchived, r.Status)
}

func TestIngestOneDownloadError(t *testing.T) {
	folder := &fakeFolder{
		files:       []models.RemoteFile{{ID: "f1", Name: "weekly.txt", MimeType: "text/plain"}},
		downloadErr: errors.New("transport closed"),
	}
	analyzer := &fakeAnalyzer{}
	pipeline, st := newTestPipeline(t, folder, analyzer)
	ctx := context.Background()

	success, fail, err := pipeline.IngestFolder(ctx, "inbox", "archive")
	require.NoError(t, err)
	assert.Equal(t, 0, success)
	assert.Equal(t, 1, fail)
	assert.Zero(t, analyzer.calls)

	r, err := st.GetReport(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusDownloadError, r.Status)
	assert.Nil(t, r.Content)

	// the failed row still records where the file came from
	assert.Equal(t, "f1", r.Metadata["remote_file_id"])
	assert.Equal(t, "inbox", r.Metadata["source_folder_id"])
	assert.Equal(t, ".txt", r.Metadata["extension"])

	// the failed row still blocks retries on the next scan
	success, fail, err = pipeline.IngestFolder(ctx, "inbox", "archive")
	require.NoError(t, err)
	assert.Equal(t, 0, success)
	assert.Equal(t, 0, fail)
}

func TestIngestOneArchiveUploadError(t *testing.T) {
	folder := &fakeFolder{
		files:     []models.RemoteFile{{ID: "f1", Name: "weekly.txt", MimeType: "text/plain"}},
		contents:  map[string]string{"f1": "body"},
		uploadErr: errors.New("quota exceeded"),
	}
	analyzer := &fakeAnalyzer{result: map[string]any{"ok": true}}
	pipeline, st := newTestPipeline(t, folder, analyzer)
	ctx := context.Background()

	success, fail, err := pipeline.IngestFolder(ctx, "inbox", "archive")
	require.NoError(t, err)
	assert.Equal(t, 0, success)
	assert.Equal(t, 1, fail)

	r, err := st.GetReport(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchiveUploadError, r.Status)
	assert.Empty(t, folder.deletes)
}

func TestIngestOnePartialArchive(t *testing.T) {
	folder := &fakeFolder{
		files:     []models.RemoteFile{{ID: "f1", Name: "weekly.txt", MimeType: "text/plain"}},
		contents:  map[string]string{"f1": "body"},
		deleteErr: errors.New("permission denied"),
	}
	analyzer := &fakeAnalyzer{result: map[string]any{"ok": true}}
	pipeline, st := newTestPipeline(t, folder, analyzer)
	ctx := context.Background()

	// archived copy exists, so a lingering inbox duplicate is a success
	success, fail, err := pipeline.IngestFolder(ctx, "inbox", "archive")
	require.NoError(t, err)
	assert.Equal(t, 1, success)
	assert.Equal(t, 0, fail)

	r, err := st.GetReport(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusPartialArchive, r.Status)
	assert.Equal(t, "arch-weekly.txt", r.Metadata["archived_remote_id"])
	assert.Contains(t, r.Metadata["archive_status"], "delete failed")
}

func TestIngestOneAnalysisFailedPayload(t *testing.T) {
	folder := &fakeFolder{
		files:    []models.RemoteFile{{ID: "f1", Name: "weekly.txt", MimeType: "text/plain"}},
		contents: map[string]string{"f1": "body"},
	}
	analyzer := &fakeAnalyzer{err: &gcp.AnalysisError{
		Kind:    gcp.KindParse,
		Message: "parse analysis response: invalid character 'T'",
		RawText: "The report looks fine to me!",
	}}
	pipeline, st := newTestPipeline(t, folder, analyzer)
	ctx := context.Background()

	success, _, err := pipeline.IngestFolder(ctx, "inbox", "archive")
	require.NoError(t, err)
	assert.Equal(t, 1, success)

	r, err := st.GetReport(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, r.Status)
	require.NotNil(t, r.AnalysisJSON)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(*r.AnalysisJSON), &payload))
	assert.Equal(t, string(gcp.KindParse), payload["error_kind"])
	assert.Equal(t, "The report looks fine to me!", payload["raw_text"])
}

func TestIngestOneProcessingException(t *testing.T) {
	folder := &fakeFolder{
		files:    []models.RemoteFile{{ID: "f1", Name: "weekly.txt", MimeType: "text/plain"}},
		contents: map[string]string{"f1": "body"},
	}
	analyzer := &fakeAnalyzer{err: errors.New("runtime panic: nil map write")}
	pipeline, st := newTestPipeline(t, folder, analyzer)
	ctx := context.Background()

	success, fail, err := pipeline.IngestFolder(ctx, "inbox", "archive")
	require.NoError(t, err)
	assert.Equal(t, 1, success)
	assert.Equal(t, 0, fail)

	r, err := st.GetReport(ctx, 1)
	require.NoError(t, err)
	// archived after the exception; the exception itself is in metadata
	assert.Equal(t, models.StatusArchived, r.Status)
	assert.Equal(t, "runtime panic: nil map write", r.Metadata["processing_error"])
	assert.Nil(t, r.AnalysisJSON)
}

func TestIngestOneUnserializableResult(t *testing.T) {
	folder := &fakeFolder{
		files:    []models.RemoteFile{{ID: "f1", Name: "weekly.txt", MimeType: "text/plain"}},
		contents: map[string]string{"f1": "body"},
	}
	// channels cannot be marshalled to JSON
	analyzer := &fakeAnalyzer{result: map[string]any{"bad": make(chan int)}}
	pipeline, st := newTestPipeline(t, folder, analyzer)
	ctx := context.Background()

	success, _, err := pipeline.IngestFolder(ctx, "inbox", "archive")
	require.NoError(t, err)
	assert.Equal(t, 1, success)

	r, err := st.GetReport(ctx, 1)
	require.NoError(t, err)
	assert.Equal(t, models.StatusArchived, r.Status)
	assert.Nil(t, r.AnalysisJSON)
	assert.Contains(t, r.Metadata["processing_error"], "unsupported type")
}

func TestIngestUploaded(t *testing.T) {
	analyzer := &fakeAnalyzer{result: map[string]any{"main_findings": "notes look fine"}}
	pipeline, st := newTestPipeline(t, &fakeFolder{}, analyzer)
	ctx := context.Background()

	path := writeTempFile(t, "notes.md", "# Standup notes")
	id, err := pipeline.IngestUploaded(ctx, path, "notes.md")
	require.NoError(t, err)

	r, err := st.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, "upload:notes.md", r.SourcePath)
	assert.Equal(t, models.StatusAnalysisComplete, r.Status)
	require.NotNil(t, r.Content)
	assert.Equal(t, "# Standup notes", *r.Content)

	// same filename again is rejected before insert
	_, err = pipeline.IngestUploaded(ctx, path, "notes.md")
	assert.ErrorIs(t, err, ErrDuplicateUpload)
}

func TestIngestUploadedUnsupportedEndsParsed(t *testing.T) {
	analyzer := &fakeAnalyzer{}
	pipeline, st := newTestPipeline(t, &fakeFolder{}, analyzer)
	ctx := context.Background()

	path := writeTempFile(t, "report.docx", "PK binary")
	id, err := pipeline.IngestUploaded(ctx, path, "report.docx")
	require.NoError(t, err)
	assert.Zero(t, analyzer.calls)

	r, err := st.GetReport(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, models.StatusParsed, r.Status)
	require.NotNil(t, r.Content)
	assert.Equal(t, "[unsupported file type: .docx]", *r.Content)
}
