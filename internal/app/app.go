// Package app assembles the store, ingestion service and HTTP surface from configuration.
package app

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/rpattn/accessingest/internal/config"
	"github.com/rpattn/accessingest/internal/db"
	"github.com/rpattn/accessingest/internal/export"
	"github.com/rpattn/accessingest/internal/ingestion"
	"github.com/rpattn/accessingest/internal/middleware"
	"github.com/rpattn/accessingest/internal/repository"

	"github.com/rs/cors"
)

// App holds the wired components. Close releases the underlying store.
type App struct {
	Config    config.Config
	Logger    *slog.Logger
	Store     repository.AccessRecordRepository
	Logs      repository.IngestionLogRepository
	Exports   *export.Service
	Ingestion *ingestion.Service
	Jobs      *ingestion.JobManager

	closers []func()
}

// New opens the configured store, applies migrations and builds the ingestion service.
func New(ctx context.Context, cfg config.Config, logger *slog.Logger) (*App, error) {
	if logger == nil {
		logger = slog.Default()
	}
	a := &App{Config: cfg, Logger: logger}
	if err := a.openStore(ctx); err != nil {
		a.Close()
		return nil, err
	}

	settings, err := Settings(cfg.Ingestion)
	if err != nil {
		a.Close()
		return nil, err
	}

	exportOpts := []export.Option{export.WithLogger(logger)}
	if cfg.Ingestion.RetryDirectory != "" {
		exportOpts = append(exportOpts, export.WithExportDirectory(cfg.Ingestion.RetryDirectory))
	}
	a.Exports = export.NewService(exportOpts...)

	a.Ingestion = ingestion.NewService(a.Store, settings,
		ingestion.WithLogRepository(a.Logs),
		ingestion.WithRetryFiles(a.Exports),
		ingestion.WithJobTimeout(cfg.Ingestion.JobTimeout),
		ingestion.WithLogger(logger),
	)
	a.Jobs = ingestion.NewJobManager(a.Ingestion, ingestion.WithRetention(cfg.Ingestion.JobRetention))
	return a, nil
}

func (a *App) openStore(ctx context.Context) error {
	switch a.Config.Store.Driver {
	case config.StoreMemory:
		a.Store = repository.NewMemoryAccessRecordRepository()
		a.Logs = repository.NewMemoryIngestionLogRepository()
	case config.StoreSQLite:
		handle, err := db.OpenSQLite(ctx, a.Config.Store.SQLitePath)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, func() { _ = handle.Close() })
		if err := db.RunSQLiteMigrations(handle, a.Logger); err != nil {
			return err
		}
		a.Store = repository.NewSQLiteAccessRecordRepository(handle)
		a.Logs = repository.NewSQLiteIngestionLogRepository(handle)
	case config.StorePostgres:
		if err := db.RunMigrations(a.Config.Database, a.Logger); err != nil {
			return err
		}
		conn, err := db.NewConnection(ctx, a.Config.Database, a.Logger)
		if err != nil {
			return err
		}
		a.closers = append(a.closers, conn.Close)
		a.Store = repository.NewAccessRecordRepository(conn, conn.Pool)
		a.Logs = repository.NewIngestionLogRepository(conn.Pool)
	default:
		return fmt.Errorf("unknown store driver %q", a.Config.Store.Driver)
	}
	a.Logger.Info("store ready", "driver", a.Config.Store.Driver)
	return nil
}

// Close releases resources in reverse order of acquisition.
func (a *App) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

// Handler returns the HTTP surface with CORS and request logging applied.
func (a *App) Handler() http.Handler {
	mux := http.NewServeMux()
	ingestHandler := ingestion.NewHTTPHandler(a.Ingestion, a.Jobs,
		ingestion.WithHandlerLogRepository(a.Logs),
		ingestion.WithDownloadLinks(a.Exports.BuildDownloadURL),
		ingestion.WithSpoolDirectory(a.Config.Ingestion.SpoolDirectory),
	)
	mux.Handle("/ingest", ingestHandler)
	mux.Handle("/ingest/", ingestHandler)
	mux.Handle("/retry-files/", export.NewHTTPHandler(a.Exports))
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})

	corsHandler := cors.New(cors.Options{
		AllowedOrigins:   a.Config.Server.AllowedOrigins,
		AllowCredentials: true,
		AllowedMethods:   []string{http.MethodGet, http.MethodPost, http.MethodOptions},
		AllowedHeaders:   []string{"*"},
	})
	return corsHandler.Handler(middleware.RequestIDMiddleware(middleware.LoggingMiddleware(a.Logger)(mux)))
}

// Settings converts the ingestion config section into pipeline settings.
func Settings(cfg config.IngestionConfig) (ingestion.Settings, error) {
	loc, err := cfg.Location()
	if err != nil {
		return ingestion.Settings{}, err
	}
	settings := ingestion.DefaultSettings()
	settings.Location = loc
	settings.DayFirst = cfg.DayFirst
	if cfg.ChunkSize > 0 {
		settings.ChunkSize = cfg.ChunkSize
	}
	if cfg.BatchSize > 0 {
		settings.BatchSize = cfg.BatchSize
	}
	if cfg.ValidationWorkers > 0 {
		settings.ValidationWorkers = cfg.ValidationWorkers
	}
	if cfg.InsertWorkers > 0 {
		settings.InsertWorkers = cfg.InsertWorkers
	}
	if cfg.RetryAttempts > 0 {
		settings.Retry.MaxAttempts = cfg.RetryAttempts
	}
	if cfg.RetryDelay > 0 {
		settings.Retry.InitialDelay = cfg.RetryDelay
	}
	if cfg.BatchTimeout > 0 {
		settings.BatchTimeout = cfg.BatchTimeout
	}
	if cfg.MaxFileSizeMB > 0 {
		settings.Limits.MaxFileSize = cfg.MaxFileSizeMB << 20
	}
	if cfg.MaxRows > 0 {
		settings.Limits.MaxRows = cfg.MaxRows
	}
	if cfg.MaxAppendRecords > 0 {
		settings.Limits.MaxAppendRecords = cfg.MaxAppendRecords
	}
	return settings, nil
}
