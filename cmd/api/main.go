package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"

	"batchd/internal/adapter/repo"
	"batchd/internal/datagen"
	"batchd/internal/domain"
	"batchd/internal/executor"
	"batchd/internal/http/handlers"
	httpapi "batchd/internal/http/httpapi"
	"batchd/internal/infra"
	"batchd/internal/orchestrator"
	"batchd/internal/pipeline"
	"batchd/internal/storage"
)

func main() {
	_ = godotenv.Load()

	cfg, err := infra.LoadConfig()
	if err != nil {
		panic(err)
	}
	logger := infra.NewLogger(cfg.AppEnv)

	ctx := context.Background()

	// Job store: postgres in production, plain files everywhere else.
	var store domain.JobStore
	switch cfg.StoreDriver {
	case infra.StoreDriverPostgres:
		pool, err := infra.NewDBPool(ctx, cfg)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to connect database")
		}
		defer pool.Close()
		store = repo.NewJobStore(pool)
	default:
		fs, err := storage.NewFileStore(cfg.DataDir)
		if err != nil {
			logger.Fatal().Err(err).Msg("failed to open job store")
		}
		store = fs
	}

	// Executors, one per job kind.
	registry := executor.NewRegistry()
	registry.Register(domain.JobKindBulkPipeline, pipeline.NewRunner(pipeline.Options{
		BaseURL: cfg.PipelineRunnerURL,
		Logger:  &logger,
	}))
	gen, err := datagen.NewGenerator(cfg.DataGenOutputDir, &logger)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init data generator")
	}
	registry.Register(domain.JobKindDataGen, gen)

	var exec executor.Executor = registry
	if cfg.OperationTimeout > 0 {
		exec = executor.WithTimeout(exec, cfg.OperationTimeout)
	}

	opts := []orchestrator.Option{}
	if cfg.PersistSync {
		opts = append(opts, orchestrator.WithSyncPersist())
	}
	engine, err := orchestrator.New(store, exec, logger, opts...)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to start orchestrator")
	}

	app := handlers.NewApp(engine, logger)
	router := httpapi.NewRouter(app, logger)
	server := infra.NewHTTPServer(cfg, router)

	go func() {
		logger.Info().Msgf("batchd API listening on %s", server.Addr())
		if err := server.Start(); err != nil && err != http.ErrServerClosed {
			logger.Fatal().Err(err).Msg("http server failed")
		}
	}()

	stop := make(chan os.Signal, 1)
	signal.Notify(stop, syscall.SIGINT, syscall.SIGTERM)
	<-stop

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to shutdown server")
	}
	// Running jobs checkpoint as interrupted so a restart can recover them.
	if err := engine.Close(shutdownCtx); err != nil {
		logger.Error().Err(err).Msg("failed to drain orchestrator")
	}
	logger.Info().Msg("server stopped")
}
