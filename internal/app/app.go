// Package app wires configuration to the stage clients and the pipeline
// orchestrator.
package app

import (
	"context"
	"fmt"

	"github.com/mangalytics/mangalytics/internal/config"
	"github.com/mangalytics/mangalytics/internal/db"
	"github.com/mangalytics/mangalytics/internal/docparse"
	"github.com/mangalytics/mangalytics/internal/email"
	"github.com/mangalytics/mangalytics/internal/extraction"
	"github.com/mangalytics/mangalytics/internal/manga"
	"github.com/mangalytics/mangalytics/internal/pipeline"
	"github.com/mangalytics/mangalytics/internal/scraper"
	"github.com/mangalytics/mangalytics/internal/server"
	"github.com/mangalytics/mangalytics/internal/storage"
	"github.com/mangalytics/mangalytics/internal/types"
	"github.com/mangalytics/mangalytics/pkg/logger"
)

// Application holds the wired collaborators for one process.
type Application struct {
	cfg          *config.Config
	db           *db.DB
	store        *storage.Store
	scraper      *scraper.Client
	extractor    *extraction.Client
	generator    *manga.Generator
	narrator     *manga.GeminiNarrator
	orchestrator *pipeline.Orchestrator
}

// New connects to the backing services and builds the stage clients.
func New(ctx context.Context, cfg *config.Config) (*Application, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	logger.Init(logger.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	database, err := db.Connect(ctx, cfg.Database.URL)
	if err != nil {
		return nil, fmt.Errorf("connect database: %w", err)
	}
	if err := database.EnsureSchema(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("ensure schema: %w", err)
	}

	store, err := storage.New(storage.Config{
		Endpoint:        cfg.Storage.Endpoint,
		AccessKey:       cfg.Storage.AccessKey,
		SecretKey:       cfg.Storage.SecretKey,
		UseSSL:          cfg.Storage.UseSSL,
		DocumentsBucket: cfg.Storage.DocumentsBucket,
		FiguresBucket:   cfg.Storage.FiguresBucket,
		PanelsBucket:    cfg.Storage.PanelsBucket,
	})
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("connect object store: %w", err)
	}
	if err := store.EnsureBuckets(ctx); err != nil {
		database.Close()
		return nil, fmt.Errorf("ensure buckets: %w", err)
	}

	narrator, err := manga.NewGeminiNarrator(ctx, cfg.Gemini.APIKey, cfg.Gemini.Model)
	if err != nil {
		database.Close()
		return nil, fmt.Errorf("create narrator: %w", err)
	}

	parser := docparse.NewClient(docparse.Config{
		BaseURL:      cfg.Docparse.BaseURL,
		APIKey:       cfg.Docparse.APIKey,
		MaxPages:     cfg.Docparse.MaxPages,
		PollInterval: cfg.Docparse.PollInterval(),
		PollTimeout:  cfg.Docparse.PollTimeout(),
	})

	sender := email.NewClient(email.Config{
		APIKey:  cfg.Email.APIKey,
		BaseURL: cfg.Email.BaseURL,
		From:    cfg.Email.From,
	})

	a := &Application{
		cfg:      cfg,
		db:       database,
		store:    store,
		narrator: narrator,
		scraper: scraper.New(store, scraper.Options{
			MaxDocuments:        cfg.Scraper.MaxDocuments,
			UseBrowser:          cfg.Scraper.UseBrowser,
			DownloadConcurrency: cfg.Scraper.DownloadConcurrency,
			SearchBaseURL:       cfg.Scraper.SearchBaseURL,
		}),
		extractor: extraction.New(store, parser, database),
		generator: manga.New(database, store, narrator, sender),
	}

	a.orchestrator = pipeline.New(a.scraper, a.extractor, a.generator, pipeline.Config{
		MaxExtractDocuments: cfg.Pipeline.MaxExtractDocuments,
		AcquireTimeout:      cfg.Pipeline.AcquireTimeout(),
		ExtractTimeout:      cfg.Pipeline.ExtractTimeout(),
		GenerateTimeout:     cfg.Pipeline.GenerateTimeout(),
	})

	return a, nil
}

// Run executes one full pipeline run for the given subscription.
func (a *Application) Run(ctx context.Context, req types.SubscriptionRequest) (*pipeline.Summary, error) {
	return a.orchestrator.Run(ctx, req)
}

// Serve starts the HTTP API and blocks until shutdown.
func (a *Application) Serve() error {
	srv := server.New(server.Config{
		Addr:            a.cfg.Server.Addr,
		ShutdownTimeout: a.cfg.Server.ShutdownTimeout(),
		MaxDocuments:    a.cfg.Pipeline.MaxExtractDocuments,
	}, a.orchestrator, server.Stages{
		Acquirer:  a.scraper,
		Extractor: a.extractor,
		Generator: a.generator,
		Previewer: a.scraper,
	})
	defer a.Close()
	return srv.Start()
}

// Close releases the held connections.
func (a *Application) Close() {
	if a.narrator != nil {
		_ = a.narrator.Close()
	}
	if a.db != nil {
		a.db.Close()
	}
}
