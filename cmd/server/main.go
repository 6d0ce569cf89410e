package main

import (
	"context"
	"fmt"
	"log"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/redis/go-redis/v9"

	"github.com/weekijie/sturgeon/internal/cache"
	"github.com/weekijie/sturgeon/internal/config"
	"github.com/weekijie/sturgeon/internal/gcpclient"
	"github.com/weekijie/sturgeon/internal/middleware"
	"github.com/weekijie/sturgeon/internal/repository"
	"github.com/weekijie/sturgeon/internal/router"
	"github.com/weekijie/sturgeon/internal/service"
)

const Version = "0.1.0"

// app bundles every long-lived collaborator main wires together, so run()
// can close them during shutdown.
type app struct {
	pgPool     *pgxpool.Pool
	genai      *gcpclient.GenAIAdapter
	specialist *gcpclient.GenAIAdapter
	docai      *gcpclient.DocumentAIAdapter
	storage    *gcpclient.StorageAdapter
	embedCache *cache.EmbeddingCache

	router *router.Dependencies
}

func getPort() string {
	if port := os.Getenv("PORT"); port != "" {
		return port
	}
	return "8080"
}

// buildApp constructs the full dependency graph: config, database, GCP
// adapters, the pipeline services, and the RAG index. The guideline index
// build runs to completion here,
// before run() starts the HTTP listener.
func buildApp(ctx context.Context) (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, fmt.Errorf("buildApp: %w", err)
	}

	pgPool, err := repository.NewPool(ctx, cfg.DatabaseURL, cfg.DatabaseMaxConns)
	if err != nil {
		return nil, fmt.Errorf("buildApp: db: %w", err)
	}
	chunkRepo := repository.NewChunkRepo(pgPool)

	storageAdapter, err := gcpclient.NewStorageAdapter(ctx)
	if err != nil {
		return nil, fmt.Errorf("buildApp: storage: %w", err)
	}

	docaiAdapter, err := gcpclient.NewDocumentAIAdapter(ctx, cfg.GCPProject, cfg.DocAILocation)
	if err != nil {
		return nil, fmt.Errorf("buildApp: docai: %w", err)
	}
	processor := fmt.Sprintf("projects/%s/locations/%s/processors/%s", cfg.GCPProject, cfg.DocAILocation, cfg.DocAIProcessorID)

	embeddingAdapter, err := gcpclient.NewEmbeddingAdapter(ctx, cfg.GCPProject, cfg.EmbeddingLocation, cfg.EmbeddingModel)
	if err != nil {
		return nil, fmt.Errorf("buildApp: embedding: %w", err)
	}

	// Orchestrator defaults to the Vertex-backed model, but operators can
	// point it at any OpenAI-compatible endpoint instead (local dev against
	// a self-hosted model, or a provider Vertex doesn't front) without
	// touching the specialist path.
	var orchestratorClient service.OrchestratorClient
	var orchestratorAdapter *gcpclient.GenAIAdapter
	if cfg.CustomOrchestratorBaseURL != "" {
		orchestratorClient = gcpclient.NewBYOLLMClient(cfg.CustomOrchestratorAPIKey, cfg.CustomOrchestratorBaseURL, cfg.CustomOrchestratorModel)
	} else {
		orchestratorAdapter, err = gcpclient.NewGenAIAdapter(ctx, cfg.GCPProject, cfg.GCPLocation, cfg.OrchestratorModel)
		if err != nil {
			return nil, fmt.Errorf("buildApp: orchestrator genai: %w", err)
		}
		orchestratorClient = orchestratorAdapter
	}
	specialistGenAI, err := gcpclient.NewGenAIAdapter(ctx, cfg.GCPProject, cfg.GCPLocation, cfg.SpecialistModel)
	if err != nil {
		return nil, fmt.Errorf("buildApp: specialist genai: %w", err)
	}
	specialistAdapter := gcpclient.NewSpecialistAdapter(specialistGenAI)

	embedCache := cache.NewEmbeddingCache(time.Duration(cfg.RAGCacheTTLSeconds) * time.Second)
	cachedEmbedder := cache.NewCachedEmbedder(embeddingAdapter, embedCache)

	// The query cache is in-process by default; REDIS_URL switches it to a
	// shared Redis cache so multiple replicas reuse each other's retrievals.
	var ragCache interface {
		service.RAGCache
		Len() int
	}
	if cfg.RedisURL != "" {
		redisOpts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			return nil, fmt.Errorf("buildApp: parse REDIS_URL: %w", err)
		}
		ragCache = cache.NewRedisRAGCache(redis.NewClient(redisOpts), time.Duration(cfg.RAGCacheTTLSeconds)*time.Second)
		slog.Info("RAG query cache backed by redis", "addr", redisOpts.Addr)
	} else {
		ragCache = cache.NewRAGCache(time.Duration(cfg.RAGCacheTTLSeconds)*time.Second, cfg.RAGCacheMaxEntries)
	}

	chunker := service.NewChunkerService(cfg.ChunkSizeTokens, percentOf(cfg.ChunkSizeTokens, cfg.ChunkOverlapPercent))
	embedder := service.NewEmbedderService(embeddingAdapter, chunkRepo)
	indexer := service.NewGuidelineIndexer(chunker, embedder)
	if err := indexer.Build(ctx, cfg.GuidelineCorpusDir); err != nil {
		return nil, fmt.Errorf("buildApp: guideline index: %w", err)
	}

	labParser := service.NewLabParserService(docaiAdapter, processor, storageAdapter)
	validator := service.NewHallucinationValidator()
	normalizer := service.NewCitationNormalizer()
	invoker := service.NewSpecialistInvoker(specialistAdapter)

	retriever := service.NewRetrieverService(cachedEmbedder, chunkRepo)
	retriever.SetBM25(chunkRepo)
	retriever.SetCache(ragCache)

	metricsReg := prometheus.NewRegistry()
	metrics := middleware.NewMetrics(metricsReg)
	retriever.SetBlockedHook(metrics.IncrementRAGQueryBlocked)

	orchestrated := service.NewOrchestratedExecutor(orchestratorClient, retriever, invoker, validator)
	specialistOnly := service.NewSpecialistOnlyExecutor(invoker, validator)
	executor := service.NewFallbackExecutor(orchestrated, specialistOnly)

	sessions := service.NewSessionStore(cfg.MaxSessions)
	gate := service.NewConcurrencyGate(cfg.RAGInputConcurrency, cfg.RAGInputConcurrencyMax)

	deps := &router.Dependencies{
		DB:         pgPool,
		Chunks:     chunkRepo,
		RAGCache:   ragCache,
		Version:    Version,
		Metrics:    metrics,
		MetricsReg: metricsReg,
		Sessions:   sessions,
		Gate:       gate,
		Validator:  validator,
		Normalizer: normalizer,
		Invoker:    invoker,
		Parser:     labParser,
		Executor:   executor,
	}

	return &app{
		pgPool:     pgPool,
		genai:      orchestratorAdapter,
		specialist: specialistGenAI,
		docai:      docaiAdapter,
		storage:    storageAdapter,
		embedCache: embedCache,
		router:     deps,
	}, nil
}

// percentOf returns whole*percent/100, translating the configured
// chunk-overlap percentage into the character count ChunkerService expects.
func percentOf(whole, percent int) int {
	return whole * percent / 100
}

func (a *app) close() {
	a.embedCache.Stop()
	if a.genai != nil {
		a.genai.Close()
	}
	a.specialist.Close()
	a.docai.Close()
	a.storage.Close()
	a.pgPool.Close()
}

func run() error {
	ctx := context.Background()
	app, err := buildApp(ctx)
	if err != nil {
		return err
	}

	r := router.New(app.router)

	port := getPort()
	srv := &http.Server{
		Addr:        ":" + port,
		Handler:     r,
		ReadTimeout: 15 * time.Second,
		// No write timeout here: debate-turn/differential/analyze-image run
		// long specialist calls, bounded instead by their per-route timeouts.
		IdleTimeout: 60 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		slog.Info("sturgeon starting", "version", Version, "port", port)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
		close(errCh)
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)

	select {
	case sig := <-quit:
		slog.Info("received signal, shutting down gracefully", "signal", sig.String())
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}

	// Total specialist budget bounds how long an in-flight turn can
	// take; give shutdown the same ceiling so a turn in progress can finish
	// rather than being cut off mid-call.
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 180*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}

	app.close()
	slog.Info("server stopped")
	return nil
}

func main() {
	if err := run(); err != nil {
		log.Fatal(err)
	}
}
