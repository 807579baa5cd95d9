// Command filings-api runs the HTTP service: conversation management,
// filing ingestion, adaptive retrieval, and the websocket progress stream.
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/redis/go-redis/v9"

	"github.com/filingsage/filingsage/internal/api"
	"github.com/filingsage/filingsage/internal/blob"
	"github.com/filingsage/filingsage/internal/cache"
	"github.com/filingsage/filingsage/internal/chat"
	"github.com/filingsage/filingsage/internal/chunk"
	"github.com/filingsage/filingsage/internal/config"
	"github.com/filingsage/filingsage/internal/edgar"
	"github.com/filingsage/filingsage/internal/embedding"
	"github.com/filingsage/filingsage/internal/extract"
	"github.com/filingsage/filingsage/internal/observability"
	"github.com/filingsage/filingsage/internal/pipeline"
	"github.com/filingsage/filingsage/internal/progress"
	"github.com/filingsage/filingsage/internal/retrieval"
	"github.com/filingsage/filingsage/internal/storage"
)

func main() {
	configPath := flag.String("config", "", "path to YAML config file")
	flag.Parse()

	_ = godotenv.Load()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}

	logger := observability.NewLogger(observability.LogConfig{
		Level:       cfg.Observability.LogLevel,
		Format:      cfg.Observability.LogFormat,
		ServiceName: cfg.Observability.ServiceName,
	})

	if err := run(cfg, logger); err != nil {
		logger.Fatal().Err(err).Msg("server exited")
	}
}

func run(cfg *config.Config, logger *observability.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	driver := cfg.Database.Driver
	sqlDriver := driver
	if driver == "sqlite" {
		sqlDriver = "sqlite3"
	}
	db, err := sql.Open(sqlDriver, cfg.DatabaseDSN())
	if err != nil {
		return fmt.Errorf("open database: %w", err)
	}
	defer db.Close()
	if driver == "postgres" {
		db.SetMaxOpenConns(cfg.Database.Postgres.MaxOpenConns)
		db.SetMaxIdleConns(cfg.Database.Postgres.MaxIdleConns)
		db.SetConnMaxLifetime(cfg.Database.Postgres.ConnMaxLifetime)
	} else {
		db.SetMaxOpenConns(cfg.Database.SQLite.MaxOpenConns)
	}
	if err := storage.EnsureSchema(ctx, db, driver); err != nil {
		return err
	}
	repos := storage.NewRepositories(db)

	// Vector rows live in pgvector when Postgres is the backing store; dev
	// mode keeps them in the in-memory index alongside sqlite.
	var vectors interface {
		pipeline.VectorWriter
		retrieval.VectorSearcher
		api.VectorDeleter
	}
	if driver == "postgres" {
		vectors = storage.NewPGVectorStore(db)
	} else {
		vectors = storage.NewMemVectorStore()
	}

	var bus progress.Bus
	var locks cache.Client
	if cfg.Progress.Driver == "redis" {
		rdb := redis.NewClient(&redis.Options{
			Addr:     cfg.Progress.Redis.Addr,
			Password: cfg.Progress.Redis.Password,
			DB:       cfg.Progress.Redis.DB,
			PoolSize: cfg.Progress.Redis.PoolSize,
		})
		if err := rdb.Ping(ctx).Err(); err != nil {
			return fmt.Errorf("ping redis: %w", err)
		}
		bus = progress.NewRedisBus(rdb, logger)
		locks = cache.NewRedisClient(rdb)
	} else {
		bus = progress.NewMemoryBus()
		locks = cache.NewMemoryClient()
	}
	defer bus.Close()

	fetcher, err := edgar.NewClient(edgar.Config{
		BaseURL:              cfg.Edgar.BaseURL,
		DataBaseURL:          cfg.Edgar.DataBaseURL,
		UserAgent:            cfg.Edgar.UserAgent,
		MinRequestInterval:   cfg.Edgar.MinRequestInterval,
		MaxFilingsToDownload: cfg.Edgar.MaxFilingsToDownload,
		Timeout:              cfg.Edgar.RequestTimeout,
	})
	if err != nil {
		return err
	}

	embedder, err := embedding.NewClient(embedding.Config{
		BaseURL: cfg.Embedding.BaseURL,
		APIKey:  cfg.Embedding.APIKey,
		Model:   cfg.Embedding.Model,
		Timeout: cfg.Embedding.Timeout,
	})
	if err != nil {
		return err
	}
	chatClient, err := chat.NewClient(chat.Config{
		BaseURL:   cfg.Chat.BaseURL,
		APIKey:    cfg.Chat.APIKey,
		Model:     cfg.Chat.Model,
		FastModel: cfg.Chat.FastModel,
		Timeout:   cfg.Chat.Timeout,
	})
	if err != nil {
		return err
	}

	chunker, err := chunk.NewChunker(cfg.Pipeline.ChunkSize, cfg.Pipeline.ChunkOverlap)
	if err != nil {
		return err
	}
	blobs := blob.NewStore(cfg.Blob.BaseDir)

	orchestrator := pipeline.NewOrchestrator(pipeline.Options{
		Fetcher:       fetcher,
		Blobs:         blobs,
		Extractor:     extract.NewExtractor(),
		Chunker:       chunker,
		Embedder:      embedder,
		Vectors:       vectors,
		Documents:     repos.Documents,
		Conversations: repos.Conversations,
		Bus:           bus,
		Locks:         locks,
		LockTTL:       cfg.Pipeline.PersistLockTTL,
		BatchSize:     cfg.Embedding.BatchSize,
		Logger:        logger,
	})
	pool := pipeline.NewPool(orchestrator, cfg.Pipeline.MaxConcurrentJobs, logger)
	defer pool.Shutdown()

	// Pick up batches a previous process left mid-pipeline.
	if resumed, err := pool.ResumeIncomplete(); err != nil {
		logger.Warn().Err(err).Msg("resume incomplete batches")
	} else if resumed > 0 {
		logger.Info().Int("count", resumed).Msg("resumed incomplete batches")
	}

	answerer := retrieval.NewAnswerer(retrieval.AnswererOptions{
		Classifier:    retrieval.NewClassifier(chatClient, logger),
		Selector:      retrieval.NewStrategySelector(cfg.Retrieval),
		Preprocessor:  retrieval.NewPreprocessor(chatClient, logger),
		Embedder:      embedder,
		Vectors:       vectors,
		Messages:      repos.Messages,
		Conversations: repos.Conversations,
		Documents:     repos.Documents,
		Chat:          chatClient,
		Logger:        logger,
	})

	server := api.NewServer(repos, answerer, pool, blobs, vectors, progress.NewWSHandler(bus, logger), logger)

	httpServer := &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Server.Host, cfg.Server.Port),
		Handler:      server.Router(),
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		logger.Info().Str("addr", httpServer.Addr).Msg("listening")
		errCh <- httpServer.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.GracefulShutdown)
	defer cancel()
	return httpServer.Shutdown(shutdownCtx)
}
