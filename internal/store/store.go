package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"

	_ "github.com/mattn/go-sqlite3"

	"github.com/Lllllllleong/reportflow/internal/models"
)

// ErrNotFound is returned when a lookup targets a row that does not exist.
var ErrNotFound = errors.New("record not found")

const createReportsTable = `
CREATE TABLE IF NOT EXISTS reports (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  original_filename TEXT NOT NULL,
  content TEXT,
  source_path TEXT,
  processed_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
  status TEXT DEFAULT 'pending',
  metadata TEXT,
  analysis_json TEXT
)`

const createPromptsTable = `
CREATE TABLE IF NOT EXISTS prompt_templates (
  id INTEGER PRIMARY KEY AUTOINCREMENT,
  name TEXT UNIQUE NOT NULL,
  template_text TEXT NOT NULL,
  category TEXT,
  created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
  updated_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
)`

// Store persists reports and prompt templates in SQLite. Every primitive is
// a single statement; nothing here needs multi-statement transactions.
type Store struct {
	db   *sql.DB
	path string
}

// Open opens (and creates, if necessary) the database at path. For
// ":memory:" the pool is pinned to a single connection, since each SQLite
// in-memory connection is its own database; database/sql then serializes
// all callers onto that one connection.
func Open(path string) (*Store, error) {
	if path != ":memory:" {
		if dir := filepath.Dir(path); dir != "." && dir != "" {
			if err := os.MkdirAll(dir, 0o755); err != nil {
				return nil, fmt.Errorf("create database directory %s: %w", dir, err)
			}
		}
	}

	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database %s: %w", path, err)
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}

	return &Store{db: db, path: path}, nil
}

// Init creates the tables when they do not exist yet.
func (s *Store) Init(ctx context.Context) error {
	for _, stmt := range []string{createReportsTable, createPromptsTable} {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return s.wrapErr(err, stmt)
		}
	}
	slog.Info("Record store initialized.", "path", s.path)
	return nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

// Ping verifies the database is reachable; the health endpoint uses it.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// wrapErr logs the failed statement with enough context to diagnose it and
// returns a wrapped generic store error. The store never retries.
func (s *Store) wrapErr(err error, query string, params ...any) error {
	snippet := query
	if len(snippet) > 100 {
		snippet = snippet[:100]
	}
	slog.Error("Store statement failed.", "path", s.path, "query", snippet, "params", params, "error", err)
	return fmt.Errorf("store: %w", err)
}

// InsertReport creates a new report row and returns its id. metadata may be
// nil; it is serialized to JSON.
func (s *Store) InsertReport(ctx context.Context, filename string, content *string, sourcePath string, metadata map[string]any, status string) (int64, error) {
	var metadataStr any
	if metadata != nil {
		b, err := json.Marshal(metadata)
		if err != nil {
			return 0, fmt.Errorf("marshal report metadata: %w", err)
		}
		metadataStr = string(b)
	}

	query := "INSERT INTO reports (original_filename, content, source_path, metadata, status) VALUES (?, ?, ?, ?, ?)"
	res, err := s.db.ExecContext(ctx, query, filename, content, sourcePath, metadataStr, status)
	if err != nil {
		return 0, s.wrapErr(err, query, filename, sourcePath, status)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return 0, s.wrapErr(err, query, filename, sourcePath, status)
	}
	slog.Info("Inserted report.", "reportId", id, "filename", filename, "sourcePath", sourcePath, "status", status)
	return id, nil
}

// GetReport returns the full report row, or ErrNotFound.
func (s *Store) GetReport(ctx context.Context, id int64) (*models.Report, error) {
	query := "SELECT id, original_filename, content, source_path, processed_at, status, metadata, analysis_json FROM reports WHERE id = ?"

	var (
		r            models.Report
		content      sql.NullString
		sourcePath   sql.NullString
		metadataStr  sql.NullString
		analysisJSON sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, id).Scan(
		&r.ID, &r.OriginalFilename, &content, &sourcePath, &r.ProcessedAt, &r.Status, &metadataStr, &analysisJSON,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("report %d: %w", id, ErrNotFound)
		}
		return nil, s.wrapErr(err, query, id)
	}

	if content.Valid {
		r.Content = &content.String
	}
	r.SourcePath = sourcePath.String
	if analysisJSON.Valid {
		r.AnalysisJSON = &analysisJSON.String
	}
	if metadataStr.Valid && metadataStr.String != "" {
		if err := json.Unmarshal([]byte(metadataStr.String), &r.Metadata); err != nil {
			return nil, fmt.Errorf("decode metadata for report %d: %w", id, err)
		}
	}
	return &r, nil
}

// UpdateStatus sets the status, optionally the content, and refreshes
// processed_at. It reports whether a row was affected.
func (s *Store) UpdateStatus(ctx context.Context, id int64, status string, content *string) (bool, error) {
	query := "UPDATE reports SET status = ?, processed_at = CURRENT_TIMESTAMP WHERE id = ?"
	args := []any{status, id}
	if content != nil {
		query = "UPDATE reports SET status = ?, content = ?, processed_at = CURRENT_TIMESTAMP WHERE id = ?"
		args = []any{status, *content, id}
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, s.wrapErr(err, query, status, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.wrapErr(err, query, status, id)
	}
	if n == 0 {
		slog.Warn("Status update affected no rows.", "reportId", id, "status", status)
		return false, nil
	}
	slog.Info("Updated report status.", "reportId", id, "status", status)
	return true, nil
}

// UpdateAnalysis stores the serialized analysis result (or error payload)
// together with the resulting status.
func (s *Store) UpdateAnalysis(ctx context.Context, id int64, analysisJSON, status string) (bool, error) {
	query := "UPDATE reports SET analysis_json = ?, status = ?, processed_at = CURRENT_TIMESTAMP WHERE id = ?"
	res, err := s.db.ExecContext(ctx, query, analysisJSON, status, id)
	if err != nil {
		return false, s.wrapErr(err, query, status, id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, s.wrapErr(err, query, status, id)
	}
	return n > 0, nil
}

// UpdateMetadata merges partial into the report's existing metadata map.
// Existing keys not named in partial are preserved. Returns false when the
// report does not exist.
func (s *Store) UpdateMetadata(ctx context.Context, id int64, partial map[string]any) (bool, error) {
	current, err := s.GetReport(ctx, id)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			slog.Warn("Metadata update for missing report.", "reportId", id)
			return false, nil
		}
		return false, err
	}

	merged := current.Metadata
	if merged == nil {
		merged = make(map[string]any, len(partial))
	}
	for k, v := range partial {
		merged[k] = v
	}
	b, err := json.Marshal(merged)
	if err != nil {
		return false, fmt.Errorf("marshal merged metadata: %w", err)
	}

	query := "UPDATE reports SET metadata = ?, processed_at = CURRENT_TIMESTAMP WHERE id = ?"
	if _, err := s.db.ExecContext(ctx, query, string(b), id); err != nil {
		return false, s.wrapErr(err, query, id)
	}
	return true, nil
}

// ExistsBySourcePath is the dedup primitive: it reports whether any report
// row carries this source_path, regardless of its status.
func (s *Store) ExistsBySourcePath(ctx context.Context, sourcePath string) (bool, error) {
	query := "SELECT 1 FROM reports WHERE source_path = ? LIMIT 1"
	var one int
	err := s.db.QueryRowContext(ctx, query, sourcePath).Scan(&one)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return false, nil
		}
		return false, s.wrapErr(err, query, sourcePath)
	}
	return true, nil
}

// ListReports returns recent reports, newest first, without their content
// or analysis bodies.
func (s *Store) ListReports(ctx context.Context, limit, offset int) ([]models.Report, error) {
	query := "SELECT id, original_filename, source_path, processed_at, status FROM reports ORDER BY processed_at DESC, id DESC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, s.wrapErr(err, query, limit, offset)
	}
	defer rows.Close()

	var reports []models.Report
	for rows.Next() {
		var (
			r          models.Report
			sourcePath sql.NullString
		)
		if err := rows.Scan(&r.ID, &r.OriginalFilename, &sourcePath, &r.ProcessedAt, &r.Status); err != nil {
			return nil, s.wrapErr(err, query, limit, offset)
		}
		r.SourcePath = sourcePath.String
		reports = append(reports, r)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrapErr(err, query, limit, offset)
	}
	return reports, nil
}

// InsertPromptTemplate stores a new named template.
func (s *Store) InsertPromptTemplate(ctx context.Context, name, templateText, category string) (int64, error) {
	query := "INSERT INTO prompt_templates (name, template_text, category) VALUES (?, ?, ?)"
	res, err := s.db.ExecContext(ctx, query, name, templateText, category)
	if err != nil {
		return 0, s.wrapErr(err, query, name, category)
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, s.wrapErr(err, query, name, category)
	}
	return id, nil
}

// GetPromptTemplateByName returns the template, or ErrNotFound.
func (s *Store) GetPromptTemplateByName(ctx context.Context, name string) (*models.PromptTemplate, error) {
	query := "SELECT id, name, template_text, category, created_at, updated_at FROM prompt_templates WHERE name = ?"

	var (
		t        models.PromptTemplate
		category sql.NullString
	)
	err := s.db.QueryRowContext(ctx, query, name).Scan(&t.ID, &t.Name, &t.TemplateText, &category, &t.CreatedAt, &t.UpdatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("prompt template %q: %w", name, ErrNotFound)
		}
		return nil, s.wrapErr(err, query, name)
	}
	t.Category = category.String
	return &t, nil
}

// ListPromptTemplates returns templates ordered by name.
func (s *Store) ListPromptTemplates(ctx context.Context, limit, offset int) ([]models.PromptTemplate, error) {
	query := "SELECT id, name, template_text, category, created_at, updated_at FROM prompt_templates ORDER BY name ASC LIMIT ? OFFSET ?"
	rows, err := s.db.QueryContext(ctx, query, limit, offset)
	if err != nil {
		return nil, s.wrapErr(err, query, limit, offset)
	}
	defer rows.Close()

	var templates []models.PromptTemplate
	for rows.Next() {
		var (
			t        models.PromptTemplate
			category sql.NullString
		)
		if err := rows.Scan(&t.ID, &t.Name, &t.TemplateText, &category, &t.CreatedAt, &t.UpdatedAt); err != nil {
			return nil, s.wrapErr(err, query, limit, offset)
		}
		t.Category = category.String
		templates = append(templates, t)
	}
	if err := rows.Err(); err != nil {
		return nil, s.wrapErr(err, query, limit, offset)
	}
	return templates, nil
}
