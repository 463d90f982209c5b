// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"

	"github.com/markdave123-py/mediawhisperer/internal/api/handlers"
	"github.com/markdave123-py/mediawhisperer/internal/config"
	"github.com/markdave123-py/mediawhisperer/internal/core"
	"github.com/markdave123-py/mediawhisperer/internal/core/conversation"
	db "github.com/markdave123-py/mediawhisperer/internal/core/database"
	"github.com/markdave123-py/mediawhisperer/internal/core/ingestion_engine"
	"github.com/markdave123-py/mediawhisperer/internal/core/llm"
	objectclient "github.com/markdave123-py/mediawhisperer/internal/core/object-client"
	"github.com/markdave123-py/mediawhisperer/internal/core/retrieval"
	"github.com/markdave123-py/mediawhisperer/internal/services"
)

// Providers are the external collaborators the application is built on.
type Providers struct {
	DB       core.DbClient
	Storage  core.ObjectClient
	Embedder core.EmbeddingProvider
	LLM      core.LLMProvider
	// Closers are released by App.Close after the database.
	Closers []io.Closer
}

type App struct {
	DBClient     core.DbClient
	ObjectClient core.ObjectClient
	DocProcessor ingestion_engine.Ingestor
	Server       *Server

	closers []io.Closer
}

// NewApp connects the configured providers and assembles the application.
func NewApp(ctx context.Context, cfg *config.Config) (*App, error) {
	appCtx, cancel := context.WithTimeout(ctx, 5*time.Minute)
	defer cancel()

	var p Providers
	fail := func(err error) (*App, error) {
		closeAll(p.Closers)
		if p.DB != nil {
			_ = p.DB.Close()
		}
		return nil, err
	}

	dbClient, err := db.NewDatabaseClient(appCtx, cfg)
	if err != nil {
		return fail(err)
	}
	p.DB = dbClient
	zap.S().Infow("App: database initialized and ready", "driver", cfg.DBDriver)

	switch cfg.ObjectStore {
	case config.ObjectStoreLocal:
		p.Storage, err = objectclient.NewLocalClient(cfg.LocalStorageDir)
	default:
		p.Storage, err = objectclient.NewS3Client(appCtx, cfg)
	}
	if err != nil {
		return fail(err)
	}
	zap.S().Infow("App: object client initialized and ready", "store", cfg.ObjectStore)

	geminiEmbedder, err := llm.NewGeminiEmbedder(appCtx, cfg.AIAPIKey, cfg.EmbedModel)
	if err != nil {
		return fail(fmt.Errorf("couldn't initialize the embedder, %w", err))
	}
	p.Closers = append(p.Closers, geminiEmbedder)

	geminiLLM, err := llm.NewGeminiLLM(appCtx, cfg.AIAPIKey, cfg.GenModel)
	if err != nil {
		return fail(fmt.Errorf("couldn't initialize the llm, %w", err))
	}
	p.Closers = append(p.Closers, geminiLLM)

	p.Embedder = llm.NewLimitedEmbedder(geminiEmbedder, cfg.EmbedConcurrency, cfg.EmbedRPS)
	p.LLM = llm.NewLimitedLLM(geminiLLM, cfg.CompletionConcurrency)

	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return fail(fmt.Errorf("parse REDIS_URL: %w", err))
		}
		rdb := redis.NewClient(opts)
		p.Closers = append(p.Closers, rdb)
		if err := rdb.Ping(appCtx).Err(); err != nil {
			zap.S().Warnw("App: redis unreachable, embeddings will be computed uncached until it recovers", "error", err)
		}
		p.Embedder = llm.NewCachedEmbedder(p.Embedder, rdb, cfg.EmbedModel, cfg.EmbedCacheTTL)
		zap.S().Infow("App: embedding cache enabled", "ttl", cfg.EmbedCacheTTL)
	}

	application, err := Assemble(cfg, p)
	if err != nil {
		return fail(err)
	}
	return application, nil
}

// Assemble wires the pipeline, retrieval, conversations and HTTP surface
// on top of already connected providers.
func Assemble(cfg *config.Config, p Providers) (*App, error) {
	retry := llm.RetryPolicy{
		MaxAttempts:  cfg.RetryMaxAttempts,
		InitialDelay: cfg.RetryInitialDelay,
		MaxDelay:     cfg.RetryMaxDelay,
		Timeout:      cfg.ProviderTimeout,
	}

	docIngestor, err := ingestion_engine.NewDocumentIngestor(p.DB, p.Storage, ingestion_engine.NewMediaExtractor(
		ingestion_engine.NewPDFExtractor(),
		ingestion_engine.NewDocconvExtractor(false),
	), p.Embedder, ingestion_engine.IngestConfig{
		Workers:            cfg.IngestWorkers,
		QueueSize:          cfg.IngestQueue,
		ChunkMaxTokens:     cfg.ChunkMaxTokens,
		ChunkOverlapTokens: cfg.ChunkOverlapTokens,
		EmbedBatchSize:     cfg.EmbedBatchSize,
		EmbedConcurrency:   cfg.EmbedConcurrency,
		EmbedDim:           cfg.EmbedDim,
		Bucket:             cfg.BucketName,
		Retry:              retry,
	})
	if err != nil {
		return nil, err
	}

	retriever := retrieval.NewRetriever(p.DB, p.Embedder, retry, cfg.RetrievalTopK, cfg.EmbedDim)
	engine := conversation.NewEngine(p.DB, retriever, p.LLM, conversation.Config{
		TopK:            cfg.RetrievalTopK,
		ContextTokens:   cfg.ContextTokens,
		HistoryMessages: cfg.HistoryMessages,
		HistoryTokens:   cfg.HistoryTokens,
		Retry:           retry.WithTimeout(cfg.CompletionTimeout),
	})
	docs := services.NewDocumentService(p.DB, p.Storage, docIngestor, cfg.BucketName, cfg.MaxUploadBytes, cfg.FetchTimeout)

	server := NewServer(cfg,
		handlers.NewDocumentHandler(docs, retriever, cfg.MaxUploadBytes),
		handlers.NewConversationHandler(engine),
	)

	return &App{
		DBClient:     p.DB,
		ObjectClient: p.Storage,
		DocProcessor: docIngestor,
		Server:       server,
		closers:      p.Closers,
	}, nil
}

// Run starts the pipeline, requeues unfinished documents and serves HTTP
// until ctx is done.
func (a *App) Run(ctx context.Context) error {
	a.DocProcessor.Start(ctx)
	if n, err := a.DocProcessor.Recover(ctx); err != nil {
		zap.S().Warnw("App: recovering unfinished documents failed", "error", err)
	} else if n > 0 {
		zap.S().Infow("App: requeued unfinished documents", "count", n)
	}

	errCh := make(chan error, 1)
	go func() { errCh <- a.Server.Start() }()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	return errors.Join(a.Server.Shutdown(shutdownCtx), <-errCh)
}

// Close stops the pipeline and releases providers.
func (a *App) Close() {
	if a.DocProcessor != nil {
		a.DocProcessor.Stop()
	}
	if a.DBClient != nil {
		_ = a.DBClient.Close()
	}
	closeAll(a.closers)
}

func closeAll(closers []io.Closer) {
	for _, c := range closers {
		if err := c.Close(); err != nil {
			zap.S().Warnw("App: close failed", "error", err)
		}
	}
}
