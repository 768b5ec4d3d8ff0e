package app

import (
	"context"
	"fmt"
	"time"

	"github.com/ternarybob/arbor"
	"github.com/ternarybob/rake/internal/common"
	"github.com/ternarybob/rake/internal/handlers"
	"github.com/ternarybob/rake/internal/interfaces"
	"github.com/ternarybob/rake/internal/pipeline"
	"github.com/ternarybob/rake/internal/services/embeddings"
	"github.com/ternarybob/rake/internal/services/ratelimit"
	"github.com/ternarybob/rake/internal/services/retry"
	"github.com/ternarybob/rake/internal/services/scheduler"
	"github.com/ternarybob/rake/internal/services/telemetry"
	"github.com/ternarybob/rake/internal/services/vectorstore"
	"github.com/ternarybob/rake/internal/sources"
	"github.com/ternarybob/rake/internal/storage"
)

// App holds all application components and dependencies
type App struct {
	Config *common.Config
	Logger arbor.ILogger

	StorageManager interfaces.StorageManager
	Telemetry      *telemetry.Client
	RetryPolicy    *retry.Policy

	Registry     *sources.Registry
	VectorStore  interfaces.VectorStore
	Orchestrator *pipeline.Orchestrator
	Scheduler    *scheduler.Scheduler

	// HTTP handlers
	JobHandler    *handlers.JobHandler
	SourceHandler *handlers.SourceHandler
	APIHandler    *handlers.APIHandler

	// retention sweep lifecycle
	retentionStop chan struct{}
	retentionDone chan struct{}
}

// New initializes the application with all dependencies
func New(cfg *common.Config, logger arbor.ILogger) (*App, error) {
	app := &App{
		Config: cfg,
		Logger: logger,
	}

	if err := app.initStorage(); err != nil {
		return nil, fmt.Errorf("failed to initialize storage: %w", err)
	}

	app.initTelemetry()
	app.initSources()

	if err := app.initPipeline(); err != nil {
		return nil, fmt.Errorf("failed to initialize pipeline: %w", err)
	}

	app.initHandlers()

	if err := app.initScheduler(); err != nil {
		return nil, fmt.Errorf("failed to initialize scheduler: %w", err)
	}

	app.initRetention()

	logger.Info().
		Str("storage", cfg.Storage.Type).
		Str("embedding_model", cfg.OpenAI.EmbeddingModel).
		Bool("scheduler", cfg.Scheduler.Enabled).
		Msg("Application initialized")

	return app, nil
}

func (a *App) initStorage() error {
	manager, err := storage.NewStorageManager(a.Logger, a.Config)
	if err != nil {
		return err
	}
	a.StorageManager = manager
	return nil
}

func (a *App) initTelemetry() {
	timeout := parseDuration(a.Config.Telemetry.Timeout, 5*time.Second)
	a.Telemetry = telemetry.NewClient(
		a.Config.Telemetry.Endpoint,
		timeout,
		a.Config.Telemetry.Enabled,
		a.Logger,
	)

	policy := retry.NewPolicy()
	if a.Config.Pipeline.RetryAttempts > 0 {
		policy.MaxAttempts = a.Config.Pipeline.RetryAttempts
	}
	policy.InitialBackoff = parseDuration(a.Config.Pipeline.RetryDelay, policy.InitialBackoff)
	policy.MaxBackoff = parseDuration(a.Config.Pipeline.RetryMaxBackoff, policy.MaxBackoff)
	if a.Config.Pipeline.RetryMultiplier > 1 {
		policy.BackoffMultiplier = a.Config.Pipeline.RetryMultiplier
	}
	policy.Sink = a.Telemetry
	a.RetryPolicy = policy
}

func (a *App) initSources() {
	cfg := a.Config.Sources

	secLimiter := ratelimit.New(parseDuration(cfg.SECEdgar.RateLimit, 100*time.Millisecond))
	scrapeLimiter := ratelimit.New(parseDuration(cfg.URLScrape.DefaultDelay, time.Second))

	registry := sources.NewRegistry()
	registry.Register(sources.NewFileUploadAdapter(cfg.Files.MaxFileBytes, a.Logger))
	registry.Register(sources.NewSECEdgarAdapter(
		cfg.SECEdgar.UserAgent,
		cfg.SECEdgar.MaxDocBytes,
		secLimiter,
		a.RetryPolicy,
		a.Logger,
	))
	registry.Register(sources.NewURLScrapeAdapter(
		cfg.URLScrape.UserAgent,
		parseDuration(cfg.URLScrape.Timeout, 30*time.Second),
		cfg.URLScrape.MaxBodyBytes,
		scrapeLimiter,
		a.RetryPolicy,
		a.Logger,
	))
	registry.Register(sources.NewAPIFetchAdapter(5, a.RetryPolicy, a.Logger))
	registry.Register(sources.NewDatabaseQueryAdapter(60*time.Second, a.Logger))

	a.Registry = registry
}

func (a *App) initPipeline() error {
	cfg := a.Config.Pipeline

	tokenizer, err := pipeline.NewTokenizer()
	if err != nil {
		return err
	}

	cleaner := pipeline.NewCleaner(cfg.MinContentLength, a.Logger)

	chunker, err := pipeline.NewChunker(tokenizer, pipeline.ChunkerConfig{
		Strategy:            pipeline.ChunkStrategy(cfg.ChunkStrategy),
		ChunkSize:           cfg.ChunkSize,
		Overlap:             cfg.ChunkOverlap,
		MinChunkTokens:      cfg.MinChunkTokens,
		SimilarityThreshold: cfg.SimilarityThresh,
	}, a.Logger)
	if err != nil {
		return err
	}

	provider, err := embeddings.NewOpenAIProvider(
		a.Config.OpenAI.APIKey,
		a.Config.OpenAI.EmbeddingModel,
		a.Config.OpenAI.CostPer1K,
		a.Logger,
	)
	if err != nil {
		return err
	}
	embedder := pipeline.NewEmbedder(provider, a.RetryPolicy, a.Config.OpenAI.BatchSize, cfg.MaxWorkers, a.Logger)

	a.VectorStore = vectorstore.NewChromaStore(vectorstore.Config{
		Host:     a.Config.Chroma.Host,
		Port:     a.Config.Chroma.Port,
		Tenant:   a.Config.Chroma.Tenant,
		Database: a.Config.Chroma.Database,
	}, a.Logger)
	storer := pipeline.NewStorer(a.VectorStore, a.Logger)

	a.Orchestrator = pipeline.NewOrchestrator(
		a.StorageManager.JobStorage(),
		a.Registry,
		cleaner,
		chunker,
		embedder,
		storer,
		a.Telemetry,
		cfg.MaxWorkers,
		a.Logger,
	)
	return nil
}

func (a *App) initHandlers() {
	jobStorage := a.StorageManager.JobStorage()
	a.JobHandler = handlers.NewJobHandler(a.Orchestrator, jobStorage, a.Logger)
	a.SourceHandler = handlers.NewSourceHandler(a.Registry, a.Logger)
	a.APIHandler = handlers.NewAPIHandler(jobStorage, a.VectorStore, a.Logger)
}

func (a *App) initScheduler() error {
	if !a.Config.Scheduler.Enabled {
		return nil
	}

	sched, err := scheduler.New(
		a.Config.Scheduler.DefinitionsFile,
		a.StorageManager.JobStorage(),
		a.Orchestrator,
		a.Logger,
	)
	if err != nil {
		return err
	}
	if err := sched.Start(); err != nil {
		return err
	}
	a.Scheduler = sched
	return nil
}

// initRetention starts the background sweep that prunes terminal jobs
// older than the configured retention window.
func (a *App) initRetention() {
	retention := parseDuration(a.Config.Storage.Retention, 0)
	if retention <= 0 {
		return
	}

	a.retentionStop = make(chan struct{})
	a.retentionDone = make(chan struct{})
	go a.runRetentionSweep(retention)
}

func (a *App) runRetentionSweep(retention time.Duration) {
	defer close(a.retentionDone)

	ticker := time.NewTicker(time.Hour)
	defer ticker.Stop()

	for {
		select {
		case <-a.retentionStop:
			return
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
			deleted, err := a.StorageManager.JobStorage().DeleteOlderThan(ctx, time.Now().UTC().Add(-retention))
			cancel()
			if err != nil {
				a.Logger.Warn().Err(err).Msg("Job retention sweep failed")
				continue
			}
			if deleted > 0 {
				a.Logger.Info().
					Int("deleted", deleted).
					Str("retention", retention.String()).
					Msg("Pruned expired jobs")
			}
		}
	}
}

// Close shuts the application down in dependency order: stop accepting
// new scheduled jobs, drain running jobs, then release backends.
func (a *App) Close() error {
	if a.retentionStop != nil {
		close(a.retentionStop)
		<-a.retentionDone
	}
	if a.Scheduler != nil {
		a.Scheduler.Stop()
	}
	if a.Orchestrator != nil {
		a.Orchestrator.Wait()
	}
	if a.Telemetry != nil {
		if err := a.Telemetry.Close(); err != nil {
			a.Logger.Warn().Err(err).Msg("Telemetry close failed")
		}
	}
	if a.StorageManager != nil {
		if err := a.StorageManager.Close(); err != nil {
			return fmt.Errorf("storage close failed: %w", err)
		}
	}
	return nil
}

// parseDuration parses a config duration string, falling back on the
// default when empty or malformed.
func parseDuration(value string, fallback time.Duration) time.Duration {
	if value == "" {
		return fallback
	}
	parsed, err := time.ParseDuration(value)
	if err != nil {
		return fallback
	}
	return parsed
}
