package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/bobarin/friendflix/internal/api"
	"github.com/bobarin/friendflix/internal/config"
	"github.com/bobarin/friendflix/internal/db"
	"github.com/bobarin/friendflix/internal/genres"
	"github.com/bobarin/friendflix/internal/memstore"
	"github.com/bobarin/friendflix/internal/pipeline"
	"github.com/bobarin/friendflix/internal/queue"
	"github.com/bobarin/friendflix/internal/services"
	"github.com/bobarin/friendflix/internal/storage"
	"github.com/bobarin/friendflix/internal/worker"
	"github.com/panjf2000/ants/v2"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// appStore is everything the process needs from persistence.
type appStore interface {
	pipeline.ProjectStore
	api.Store
	worker.StaleLister
}

func main() {
	// Load configuration
	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load config")
	}
	setupLogging(cfg)

	log.Info().Msg("Starting Friendflix API...")

	catalog, err := genres.Load(cfg.GenresFile)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to load genre catalog")
	}
	log.Info().Int("genres", len(catalog.All())).Msg("Loaded genre catalog")

	// Connect to database, or keep everything in memory in dev mode
	var store appStore
	if cfg.DatabaseURL != "" {
		database, err := db.New(cfg.DatabaseURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to database")
		}
		defer database.Close()

		schemaCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
		err = database.EnsureSchema(schemaCtx)
		cancel()
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to ensure schema")
		}
		store = database
		log.Info().Msg("Connected to database")
	} else {
		store = memstore.New()
		log.Warn().Msg("No DATABASE_URL set, using in-memory store (dev mode)")
	}

	// Connect to Redis queue when configured
	var (
		q           *queue.Queue
		enqueuer    worker.Enqueuer
		heartbeater pipeline.Heartbeater
		heartbeats  worker.HeartbeatChecker
	)
	if cfg.RedisURL != "" {
		q, err = queue.New(cfg.RedisURL)
		if err != nil {
			log.Fatal().Err(err).Msg("Failed to connect to queue")
		}
		defer q.Close()
		enqueuer, heartbeater, heartbeats = q, q, q
		log.Info().Msg("Connected to Redis queue")
	} else {
		log.Warn().Msg("No REDIS_URL set, pipelines run in this process")
	}

	// Initialize storage
	stor, err := newStorage(cfg)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to initialize storage")
	}
	log.Info().Str("backend", cfg.StorageBackend).Msg("Initialized storage")

	// Initialize services
	openaiSvc := services.NewOpenAIService(cfg.OpenAIKey, cfg.OpenAIModel)
	if cfg.OpenAIBaseURL != "" {
		openaiSvc = services.NewOpenAIServiceWithBaseURL(cfg.OpenAIKey, cfg.OpenAIModel, cfg.OpenAIBaseURL)
	}
	ffmpegSvc := services.NewFFmpegService()
	fetcher := services.NewFetcher()

	var (
		videoJobs pipeline.MediaJobClient
		remover   pipeline.BackgroundRemover
	)
	if cfg.FalKey != "" {
		fal := services.NewFalClient(cfg.FalKey, cfg.FalVideoModel, cfg.FalRembgModel)
		remover = fal
		videoJobs = fal
	}
	if cfg.VideoProvider == "veo" {
		videoJobs = services.NewVeoService(cfg.GeminiKey, cfg.VeoModel, stor)
		log.Info().Str("model", cfg.VeoModel).Msg("Video provider: Veo")
	} else {
		log.Info().Str("model", cfg.FalVideoModel).Msg("Video provider: fal")
	}
	if remover == nil {
		log.Warn().Msg("No FAL_KEY set, background removal disabled")
	}

	workerPool, err := ants.NewPool(cfg.PreprocessWorkers)
	if err != nil {
		log.Fatal().Err(err).Msg("Failed to create preprocessing pool")
	}
	defer workerPool.Release()

	policy := pipeline.ScenePolicyAny
	if cfg.ScenePolicy == "all" {
		policy = pipeline.ScenePolicyAll
	}

	machine := pipeline.NewMachine(pipeline.MachineConfig{
		Store:        store,
		Catalog:      catalog,
		Preprocessor: pipeline.NewPreprocessor(remover, stor, fetcher, store, workerPool),
		Synthesizer:  pipeline.NewScriptSynthesizer(openaiSvc),
		Scenes: pipeline.NewSceneOrchestrator(videoJobs, store, stor.PublicURL, pipeline.SceneOptions{
			Concurrency:   cfg.SceneConcurrency,
			PollInterval:  cfg.ScenePollInterval,
			MaxWait:       cfg.SceneMaxWait,
			SubmitRetries: cfg.SceneSubmitRetries,
			ForceOriginal: cfg.UseOriginalPhotos,
		}),
		Assembler:     pipeline.NewAssembler(ffmpegSvc, fetcher, stor, cfg.WorkDir, cfg.MusicDir),
		Policy:        policy,
		WatchInterval: cfg.RunWatchInterval,
	})

	supervisor := pipeline.NewSupervisor(machine, heartbeater, pipeline.SupervisorOptions{
		HeartbeatInterval: cfg.HeartbeatInterval,
		HeartbeatTTL:      cfg.HeartbeatTTL,
	})

	// Without a worker in this process, queued runs wait for another one.
	if !cfg.WorkerEnabled && enqueuer == nil {
		log.Warn().Msg("WORKER_ENABLED=false without REDIS_URL, starting pipelines in this process anyway")
	}
	dispatcher := worker.NewDispatcher(machine, enqueuer, supervisor)

	// Create API handler
	handler := api.NewHandler(store, stor, catalog, dispatcher, supervisor)
	router := api.NewRouter(handler, api.RouterConfig{
		BackendAPIKey:      cfg.BackendAPIKey,
		CorsAllowedOrigins: cfg.CorsAllowedOrigins,
	})

	if cfg.BackendAPIKey != "" {
		log.Info().Msg("API key authentication enabled")
	} else {
		log.Warn().Msg("No BACKEND_API_KEY set, API is unprotected (dev mode)")
	}

	// Start HTTP server
	server := &http.Server{
		Addr:    ":" + cfg.APIPort,
		Handler: router,
	}

	// Start worker and sweeper if enabled
	workerCtx, workerCancel := context.WithCancel(context.Background())
	defer workerCancel()
	if cfg.WorkerEnabled {
		if q != nil {
			log.Info().Int("concurrency", cfg.MaxConcurrentPipelines).Msg("Worker enabled, consuming run queue...")
			go worker.New(q, supervisor).Start(workerCtx, cfg.MaxConcurrentPipelines)
		}
		sweeper := worker.NewSweeper(store, heartbeats, supervisor, machine, cfg.StaleAfter)
		go sweeper.Run(workerCtx, cfg.SweepInterval)
	}

	// Start server in goroutine
	go func() {
		log.Info().Str("port", cfg.APIPort).Msg("API server listening")
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal().Err(err).Msg("Server error")
		}
	}()

	// Wait for interrupt signal
	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("Shutting down server...")

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Shutdown HTTP server first so no new runs start
	if err := server.Shutdown(ctx); err != nil {
		log.Error().Err(err).Msg("Server forced to shutdown")
	}

	// Shutdown worker, then cancel in-flight runs
	workerCancel()
	if err := supervisor.Shutdown(ctx); err != nil {
		log.Error().Err(err).Int("active", supervisor.Active()).Msg("Runs did not exit before deadline")
	}

	log.Info().Msg("Server exited")
}

func setupLogging(cfg *config.Config) {
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = time.RFC3339

	if cfg.LogFormat == "console" {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	}
}

func newStorage(cfg *config.Config) (storage.Store, error) {
	if cfg.StorageBackend == "minio" {
		m, err := storage.NewMinIO(cfg.MinIOEndpoint, cfg.MinIOAccessKey, cfg.MinIOSecretKey, cfg.MinIOBucket, cfg.MinIOUseSSL)
		if err != nil {
			return nil, err
		}
		ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		// providers fetch objects by URL, so the read policy must be in place before any run
		if err := m.EnsureBucket(ctx); err != nil {
			return nil, err
		}
		return m, nil
	}
	return storage.NewSupabase(cfg.SupabaseURL, cfg.SupabaseServiceKey, cfg.SupabaseStorageBucket), nil
}
