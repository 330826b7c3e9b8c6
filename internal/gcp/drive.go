package gcp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"

	drive "google.golang.org/api/drive/v3"
	"google.golang.org/api/option"

	"github.com/Lllllllleong/reportflow/internal/models"
)

// FolderMimeType marks Drive folders in listing results; the ingestion
// pipeline skips them.
const FolderMimeType = "application/vnd.google-apps.folder"

// DriveClient wraps the Google Drive API for the folder operations the
// ingestion pipeline needs. Transport-level retries are handled by the
// underlying googleapi client; callers treat one failed call as terminal.
type DriveClient struct {
	service *drive.Service
}

// NewDriveClient creates a client from service-account JSON key content.
func NewDriveClient(ctx context.Context, serviceAccountJSON []byte) (*DriveClient, error) {
	if len(serviceAccountJSON) == 0 {
		return nil, fmt.Errorf("NewDriveClient: service account JSON cannot be empty")
	}

	service, err := drive.NewService(ctx,
		option.WithCredentialsJSON(serviceAccountJSON),
		option.WithScopes(drive.DriveScope),
	)
	if err != nil {
		return nil, fmt.Errorf("drive.NewService: %w", err)
	}

	return &DriveClient{service: service}, nil
}

// List returns every non-trashed object directly inside folderID, following
// pagination until the listing is complete.
func (c *DriveClient) List(ctx context.Context, folderID string) ([]models.RemoteFile, error) {
	logCtx := slog.With("folderId", folderID)

	var files []models.RemoteFile
	query := fmt.Sprintf("'%s' in parents and trashed=false", folderID)
	pageToken := ""
	for {
		call := c.service.Files.List().
			Q(query).
			PageSize(100).
			Fields("nextPageToken, files(id, name, mimeType)").
			Context(ctx)
		if pageToken != "" {
			call = call.PageToken(pageToken)
		}

		resp, err := call.Do()
		if err != nil {
			logCtx.Error("Failed to list Drive folder.", "error", err)
			return nil, fmt.Errorf("list drive folder %s: %w", folderID, err)
		}

		for _, f := range resp.Files {
			files = append(files, models.RemoteFile{ID: f.Id, Name: f.Name, MimeType: f.MimeType})
		}

		pageToken = resp.NextPageToken
		if pageToken == "" {
			break
		}
	}

	logCtx.Info("Listed Drive folder.", "itemCount", len(files))
	return files, nil
}

// Download streams the object's content to destPath.
func (c *DriveClient) Download(ctx context.Context, fileID, destPath string) error {
	resp, err := c.service.Files.Get(fileID).Context(ctx).Download()
	if err != nil {
		return fmt.Errorf("download drive file %s: %w", fileID, err)
	}
	defer resp.Body.Close()

	out, err := os.Create(destPath)
	if err != nil {
		return fmt.Errorf("create local file %s: %w", destPath, err)
	}
	defer out.Close()

	if _, err := io.Copy(out, resp.Body); err != nil {
		return fmt.Errorf("copy drive file %s to %s: %w", fileID, destPath, err)
	}
	return nil
}

// Upload creates a new object named name inside folderID from the local
// file and returns its Drive id.
func (c *DriveClient) Upload(ctx context.Context, localPath, folderID, name string) (string, error) {
	f, err := os.Open(localPath)
	if err != nil {
		return "", fmt.Errorf("open local file %s: %w", localPath, err)
	}
	defer f.Close()

	created, err := c.service.Files.Create(&drive.File{
		Name:    name,
		Parents: []string{folderID},
	}).Media(f).Fields("id").Context(ctx).Do()
	if err != nil {
		return "", fmt.Errorf("upload %s to drive folder %s: %w", name, folderID, err)
	}
	return created.Id, nil
}

// Delete permanently removes the object from Drive.
func (c *DriveClient) Delete(ctx context.Context, fileID string) error {
	if err := c.service.Files.Delete(fileID).Context(ctx).Do(); err != nil {
		return fmt.Errorf("delete drive file %s: %w", fileID, err)
	}
	return nil
}
