package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds everything the process needs, loaded once at startup and
// passed by reference into the services. There are no ambient globals.
type Config struct {
	ListenAddr string

	// Gemini
	GeminiAPIKey string
	GeminiModel  string
	MaxRetries   int
	RetryDelay   time.Duration

	// Google Drive (service account JSON content; empty disables the
	// remote-folder features)
	ServiceAccountJSON string
	InboxFolderID      string
	ArchiveFolderID    string

	// Storage
	ReportsDBPath string
	TempDir       string

	// Scheduler
	ScanInterval time.Duration
}

// GetEnv is a helper to read an environment variable or return a default value.
func GetEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvInt(key string, fallback int) (int, error) {
	raw := GetEnv(key, "")
	if raw == "" {
		return fallback, nil
	}
	v, err := strconv.Atoi(raw)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q: %w", key, raw, err)
	}
	return v, nil
}

// FromEnv loads the configuration from the environment.
func FromEnv() (*Config, error) {
	maxRetries, err := getEnvInt("GEMINI_MAX_RETRIES", 1)
	if err != nil {
		return nil, err
	}
	retryDelaySecs, err := getEnvInt("GEMINI_RETRY_DELAY_SECONDS", 5)
	if err != nil {
		return nil, err
	}
	scanIntervalMins, err := getEnvInt("SCAN_INTERVAL_MINUTES", 15)
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		ListenAddr:         GetEnv("LISTEN_ADDR", ":8080"),
		GeminiAPIKey:       GetEnv("GEMINI_API_KEY", ""),
		GeminiModel:        GetEnv("GEMINI_MODEL", "gemini-1.5-pro"),
		MaxRetries:         maxRetries,
		RetryDelay:         time.Duration(retryDelaySecs) * time.Second,
		ServiceAccountJSON: GetEnv("GOOGLE_SERVICE_ACCOUNT_JSON", ""),
		InboxFolderID:      GetEnv("INBOX_FOLDER_ID", ""),
		ArchiveFolderID:    GetEnv("ARCHIVE_FOLDER_ID", ""),
		ReportsDBPath:      GetEnv("REPORTS_DB_PATH", "data/reports.sqlite"),
		TempDir:            GetEnv("TEMP_DOWNLOAD_DIR", ""),
		ScanInterval:       time.Duration(scanIntervalMins) * time.Minute,
	}

	if cfg.TempDir == "" {
		cfg.TempDir = os.TempDir()
	}

	return cfg, nil
}

// SchedulerConfigured reports whether the folder scan can run: it needs the
// Drive credentials and both folder ids.
func (c *Config) SchedulerConfigured() bool {
	return c.ServiceAccountJSON != "" && c.InboxFolderID != "" && c.ArchiveFolderID != ""
}
