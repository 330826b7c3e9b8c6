package models

import "time"

// Report is the main record for an ingested report document. It tracks the
// extracted content, the AI analysis result, and the archive status of the
// original file.
type Report struct {
	ID               int64          `json:"id"`
	OriginalFilename string         `json:"originalFilename"`
	Content          *string        `json:"content"`
	SourcePath       string         `json:"sourcePath"`
	ProcessedAt      time.Time      `json:"processedAt"`
	Status           string         `json:"status"`
	Metadata         map[string]any `json:"metadata,omitempty"`
	AnalysisJSON     *string        `json:"analysisJson,omitempty"`
}

// Report status values. "pending" is the database default; every other value
// is written by the ingestion pipeline and never by a user.
const (
	StatusPending             = "pending"
	StatusParsed              = "parsed"
	StatusAnalysisComplete    = "analysis_complete"
	StatusAnalysisFailed      = "analysis_failed"
	StatusProcessingException = "processing_exception"
	StatusArchived            = "archived"
	StatusPartialArchive      = "partial_archive"
	StatusArchiveUploadError  = "archive_upload_error"
	StatusDownloadError       = "download_error"
)

// Source path prefixes. A report's source_path is its dedup key: one row per
// distinct source_path, checked before every insert from a folder scan.
const (
	SourcePrefixRemote = "remote_id:"
	SourcePrefixUpload = "upload:"
)

// PromptTemplate is a stored, user-editable prompt for the chat feature.
type PromptTemplate struct {
	ID           int64     `json:"id"`
	Name         string    `json:"name"`
	TemplateText string    `json:"templateText"`
	Category     string    `json:"category,omitempty"`
	CreatedAt    time.Time `json:"createdAt"`
	UpdatedAt    time.Time `json:"updatedAt"`
}

// RemoteFile is one entry from a remote folder listing.
type RemoteFile struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	MimeType string `json:"mimeType"`
}
