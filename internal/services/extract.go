package services

import (
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
)

// Sentinel markers stand in for content that could not be extracted. They are
// stored as the report's content so that a row always exists, but the
// pipeline must never forward them to the analysis model.
const (
	sentinelNotFound    = "[file not found: %s]"
	sentinelUnsupported = "[unsupported file type: %s]"
	sentinelReadError   = "[file read error: %v]"
)

// textExtensions are read verbatim as UTF-8. PDF and Word extraction is a
// deliberate stub: those extensions fall through to the unsupported marker.
var textExtensions = map[string]bool{
	".txt": true,
	".md":  true,
}

// ExtractText returns the plain-text content of the file at path, or a
// bracketed sentinel marker describing why extraction was not possible. It
// never fails: every error mode is encoded in the returned string.
func ExtractText(path string) string {
	ext := strings.ToLower(filepath.Ext(path))
	logCtx := slog.With("path", path, "extension", ext)

	if !textExtensions[ext] {
		logCtx.Warn("Unsupported file type, returning sentinel content.")
		return fmt.Sprintf(sentinelUnsupported, ext)
	}

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			logCtx.Error("File not found during extraction.")
			return fmt.Sprintf(sentinelNotFound, path)
		}
		logCtx.Error("Failed to read file during extraction.", "error", err)
		return fmt.Sprintf(sentinelReadError, err)
	}

	logCtx.Info("Extracted plain text content.", "bytes", len(data))
	return string(data)
}

// IsSentinel reports whether content is one of the extractor's marker
// strings rather than real document text.
func IsSentinel(content string) bool {
	trimmed := strings.TrimSpace(content)
	return strings.HasPrefix(trimmed, "[") && strings.HasSuffix(trimmed, "]") &&
		(strings.HasPrefix(trimmed, "[file not found:") ||
			strings.HasPrefix(trimmed, "[unsupported file type:") ||
			strings.HasPrefix(trimmed, "[file read error:"))
}
