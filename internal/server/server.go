package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/mattn/go-sqlite3"

	"github.com/Lllllllleong/reportflow/internal/config"
	"github.com/Lllllllleong/reportflow/internal/gcp"
	"github.com/Lllllllleong/reportflow/internal/models"
	"github.com/Lllllllleong/reportflow/internal/services"
	"github.com/Lllllllleong/reportflow/internal/store"
)

// GeminiService is the slice of the Gemini client the API needs.
type GeminiService interface {
	Summarize(ctx context.Context, text string) (string, error)
	Configure(ctx context.Context, apiKey string) error
	Configured() bool
}

// Server exposes the report store and pipeline over HTTP.
type Server struct {
	cfg      *config.Config
	store    *store.Store
	gemini   GeminiService
	pipeline *services.IngestionFunction

	// driveConfigured gates the endpoints that need the remote folder;
	// uploads and reads work without it.
	driveConfigured bool
}

func New(cfg *config.Config, st *store.Store, gemini GeminiService, pipeline *services.IngestionFunction, driveConfigured bool) *Server {
	return &Server{
		cfg:             cfg,
		store:           st,
		gemini:          gemini,
		pipeline:        pipeline,
		driveConfigured: driveConfigured,
	}
}

// Router builds the gin engine with all routes registered.
func (s *Server) Router() *gin.Engine {
	engine := gin.New()
	engine.Use(gin.Recovery(), requestLogger())

	v1 := engine.Group("/api/v1")
	{
		v1.GET("/health", s.handleHealth)
		v1.POST("/keys", s.handleSetKeys)
		v1.GET("/reports", s.handleListReports)
		v1.GET("/reports/:id", s.handleGetReport)
		v1.POST("/reports/upload", s.handleUpload)
		v1.POST("/reports/:id/summarize", s.handleSummarize)
		v1.POST("/ingest/run", s.handleIngestRun)
		v1.GET("/prompts", s.handleListPrompts)
		v1.POST("/prompts", s.handleCreatePrompt)
		v1.POST("/chat/prompt", s.handleChatPrompt)
	}
	return engine
}

// Run serves the API until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:    s.cfg.ListenAddr,
		Handler: s.Router(),
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("HTTP server listening.", "addr", s.cfg.ListenAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("http server shutdown: %w", err)
		}
		return nil
	}
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		slog.Info("Request handled.",
			"method", c.Request.Method,
			"path", c.Request.URL.Path,
			"status", c.Writer.Status(),
			"duration", time.Since(start),
		)
	}
}

func (s *Server) handleHealth(c *gin.Context) {
	components := map[string]string{
		"store":  "ok",
		"gemini": "not_configured",
		"drive":  "not_configured",
	}
	status := "ok"

	if err := s.store.Ping(c.Request.Context()); err != nil {
		components["store"] = "unavailable"
		status = "degraded"
	}
	if s.gemini.Configured() {
		components["gemini"] = "ok"
	}
	if s.driveConfigured {
		components["drive"] = "ok"
	}

	c.JSON(http.StatusOK, models.HealthResponse{Status: status, Components: components})
}

func (s *Server) handleSetKeys(c *gin.Context) {
	var req models.SetKeysRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.GeminiAPIKey) == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "geminiApiKey is required"})
		return
	}

	if err := s.gemini.Configure(c.Request.Context(), req.GeminiAPIKey); err != nil {
		slog.Error("Failed to configure Gemini client.", "error", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to configure gemini client"})
		return
	}
	c.JSON(http.StatusOK, gin.H{"status": "configured"})
}

func (s *Server) handleListReports(c *gin.Context) {
	limit := queryInt(c, "limit", 50)
	offset := queryInt(c, "offset", 0)

	reports, err := s.store.ListReports(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list reports"})
		return
	}
	if reports == nil {
		reports = []models.Report{}
	}
	c.JSON(http.StatusOK, reports)
}

func (s *Server) handleGetReport(c *gin.Context) {
	report, ok := s.reportFromParam(c)
	if !ok {
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleUpload(c *gin.Context) {
	fileHeader, err := c.FormFile("file")
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "a 'file' form field is required"})
		return
	}

	filename := filepath.Base(fileHeader.Filename)
	tempPath := filepath.Join(s.cfg.TempDir, fmt.Sprintf("upload_%d_%s", time.Now().UnixNano(), filename))
	if err := c.SaveUploadedFile(fileHeader, tempPath); err != nil {
		slog.Error("Failed to save uploaded file.", "filename", filename, "error", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to store uploaded file"})
		return
	}
	defer func() {
		if err := os.Remove(tempPath); err != nil && !os.IsNotExist(err) {
			slog.Warn("Failed to remove uploaded temp file.", "path", tempPath, "error", err)
		}
	}()

	id, err := s.pipeline.IngestUploaded(c.Request.Context(), tempPath, filename)
	if err != nil {
		if errors.Is(err, services.ErrDuplicateUpload) {
			c.JSON(http.StatusConflict, models.ErrorResponse{Error: "a report with this filename was already uploaded"})
			return
		}
		slog.Error("Upload ingestion failed.", "filename", filename, "error", err)
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to ingest uploaded file"})
		return
	}

	report, err := s.store.GetReport(c.Request.Context(), id)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to load ingested report"})
		return
	}
	c.JSON(http.StatusCreated, models.UploadResponse{ReportID: id, Status: report.Status})
}

func (s *Server) handleSummarize(c *gin.Context) {
	report, ok := s.reportFromParam(c)
	if !ok {
		return
	}
	if report.Content == nil || *report.Content == "" || services.IsSentinel(*report.Content) {
		c.JSON(http.StatusUnprocessableEntity, models.ErrorResponse{Error: "report has no extractable content to summarize"})
		return
	}

	summary, err := s.gemini.Summarize(c.Request.Context(), *report.Content)
	if err != nil {
		var analysisErr *gcp.AnalysisError
		if errors.As(err, &analysisErr) && analysisErr.Kind == gcp.KindNotConfigured {
			c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: analysisErr.Message})
			return
		}
		slog.Error("Summarize failed.", "reportId", report.ID, "error", err)
		c.JSON(http.StatusBadGateway, models.ErrorResponse{Error: "summarization failed"})
		return
	}

	c.JSON(http.StatusOK, models.SummarizeResponse{ReportID: report.ID, Summary: summary})
}

func (s *Server) handleIngestRun(c *gin.Context) {
	if !s.driveConfigured {
		c.JSON(http.StatusServiceUnavailable, models.ErrorResponse{Error: "remote folder client is not configured"})
		return
	}

	success, fail, err := s.pipeline.IngestFolder(c.Request.Context(), s.cfg.InboxFolderID, s.cfg.ArchiveFolderID)
	if err != nil {
		if errors.Is(err, services.ErrScanInProgress) {
			c.JSON(http.StatusConflict, models.ErrorResponse{Error: "a scan is already in progress"})
			return
		}
		slog.Error("Manual folder scan failed.", "error", err)
		c.JSON(http.StatusBadGateway, models.ErrorResponse{Error: "folder scan failed"})
		return
	}
	c.JSON(http.StatusOK, models.IngestRunResponse{SuccessCount: success, FailCount: fail})
}

func (s *Server) handleListPrompts(c *gin.Context) {
	limit := queryInt(c, "limit", 100)
	offset := queryInt(c, "offset", 0)

	templates, err := s.store.ListPromptTemplates(c.Request.Context(), limit, offset)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to list prompt templates"})
		return
	}
	if templates == nil {
		templates = []models.PromptTemplate{}
	}
	c.JSON(http.StatusOK, templates)
}

func (s *Server) handleCreatePrompt(c *gin.Context) {
	var req models.CreatePromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Name) == "" || strings.TrimSpace(req.TemplateText) == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "name and templateText are required"})
		return
	}

	id, err := s.store.InsertPromptTemplate(c.Request.Context(), req.Name, req.TemplateText, req.Category)
	if err != nil {
		var sqliteErr sqlite3.Error
		if errors.As(err, &sqliteErr) && sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique {
			c.JSON(http.StatusConflict, models.ErrorResponse{Error: "a template with this name already exists"})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to store prompt template"})
		return
	}

	template, err := s.store.GetPromptTemplateByName(c.Request.Context(), req.Name)
	if err != nil {
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to load stored template"})
		return
	}
	slog.Info("Prompt template created.", "templateId", id, "name", req.Name)
	c.JSON(http.StatusCreated, template)
}

func (s *Server) handleChatPrompt(c *gin.Context) {
	var req models.ChatPromptRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "invalid request body"})
		return
	}
	if strings.TrimSpace(req.Question) == "" {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "question is required"})
		return
	}

	report, err := s.store.GetReport(c.Request.Context(), req.ReportID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "report not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to load report"})
		return
	}
	if report.Content == nil || *report.Content == "" || services.IsSentinel(*report.Content) {
		c.JSON(http.StatusUnprocessableEntity, models.ErrorResponse{Error: "report has no content to ask about"})
		return
	}

	prompt := services.BuildContextualQAPrompt(*report.Content, req.History, req.Question)
	c.JSON(http.StatusOK, models.ChatPromptResponse{Prompt: prompt})
}

// reportFromParam resolves the :id path parameter to a report, writing the
// error response itself when that fails.
func (s *Server) reportFromParam(c *gin.Context) (*models.Report, bool) {
	id, err := strconv.ParseInt(c.Param("id"), 10, 64)
	if err != nil {
		c.JSON(http.StatusBadRequest, models.ErrorResponse{Error: "report id must be an integer"})
		return nil, false
	}

	report, err := s.store.GetReport(c.Request.Context(), id)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			c.JSON(http.StatusNotFound, models.ErrorResponse{Error: "report not found"})
			return nil, false
		}
		c.JSON(http.StatusInternalServerError, models.ErrorResponse{Error: "failed to load report"})
		return nil, false
	}
	return report, true
}

func queryInt(c *gin.Context, name string, fallback int) int {
	raw := c.Query(name)
	if raw == "" {
		return fallback
	}
	v, err := strconv.Atoi(raw)
	if err != nil || v < 0 {
		return fallback
	}
	return v
}
