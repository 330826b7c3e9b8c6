package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	"golang.org/x/sync/errgroup"

	"github.com/Lllllllleong/reportflow/internal/config"
	"github.com/Lllllllleong/reportflow/internal/gcp"
	"github.com/Lllllllleong/reportflow/internal/server"
	"github.com/Lllllllleong/reportflow/internal/services"
	"github.com/Lllllllleong/reportflow/internal/store"
)

func main() {
	slog.SetDefault(slog.New(slog.NewJSONHandler(os.Stdout, nil)))

	if err := godotenv.Load(); err != nil {
		slog.Info("No .env file found, using process environment.")
	}
	cfg, err := config.FromEnv()
	if err != nil {
		slog.Error("Invalid configuration.", "error", err)
		os.Exit(1)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg); err != nil {
		slog.Error("Service exited with error.", "error", err)
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config) error {
	st, err := store.Open(cfg.ReportsDBPath)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Init(ctx); err != nil {
		return err
	}

	gemini, err := gcp.NewGeminiClient(ctx, cfg.GeminiAPIKey, cfg.GeminiModel, cfg.MaxRetries, cfg.RetryDelay)
	if err != nil {
		return err
	}
	defer gemini.Close()

	var folder services.FolderClient
	driveConfigured := false
	if cfg.ServiceAccountJSON != "" {
		drive, err := gcp.NewDriveClient(ctx, []byte(cfg.ServiceAccountJSON))
		if err != nil {
			return err
		}
		folder = drive
		driveConfigured = cfg.InboxFolderID != "" && cfg.ArchiveFolderID != ""
	}
	if !driveConfigured {
		slog.Warn("Drive credentials or folder ids missing; folder scanning is disabled.")
	}

	pipeline := services.NewIngestionFunction(st, folder, gemini, cfg.TempDir)
	srv := server.New(cfg, st, gemini, pipeline, driveConfigured)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	if driveConfigured && cfg.SchedulerConfigured() {
		g.Go(func() error {
			return services.RunScheduler(gctx, pipeline, cfg.ScanInterval, cfg.InboxFolderID, cfg.ArchiveFolderID)
		})
	}

	return g.Wait()
}
