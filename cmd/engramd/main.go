// Command engramd runs the engram semantic memory server: an MCP stdio
// surface in front of Qdrant + Postgres, plus the background extraction
// workers.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog/log"

	"engram/internal/chunker"
	"engram/internal/config"
	"engram/internal/embedcache"
	"engram/internal/embeddings"
	"engram/internal/extractor"
	"engram/internal/ingest"
	"engram/internal/jobs"
	"engram/internal/logging"
	"engram/internal/resolver"
	"engram/internal/retrieval"
	"engram/internal/server"
	"engram/internal/store"
	"engram/internal/telemetry"
	"engram/internal/vectorstore"
	"engram/internal/worker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		logging.Setup("info", "console", "")
		log.Fatal().Err(err).Msg("config_load_failed")
	}
	logging.Setup(cfg.LogLevel, cfg.LogFormat, cfg.LogPath)
	log.Info().Msg("engram_starting")

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	metrics, telemetryShutdown, err := telemetry.Setup(ctx, cfg.Telemetry)
	if err != nil {
		log.Fatal().Err(err).Msg("telemetry_setup_failed")
	}

	st, err := store.Open(ctx, cfg.Postgres, cfg.Embedding.Dimensions)
	if err != nil {
		log.Fatal().Err(err).Msg("postgres_open_failed")
	}
	defer st.Close()
	if err := st.Bootstrap(ctx); err != nil {
		log.Fatal().Err(err).Msg("schema_bootstrap_failed")
	}

	vectors, err := vectorstore.NewQdrant(ctx, cfg.Qdrant, cfg.Embedding.Dimensions)
	if err != nil {
		log.Fatal().Err(err).Msg("qdrant_open_failed")
	}
	defer vectors.Close()

	cache, err := embedcache.New(cfg.Redis)
	if err != nil {
		log.Fatal().Err(err).Msg("redis_open_failed")
	}
	if cache != nil {
		defer cache.Close()
		log.Info().Str("addr", cfg.Redis.Addr).Msg("embed_cache_enabled")
	}

	embedder := embeddings.NewClient(cfg.Embedding, cache)
	chunks := chunker.New(cfg.Chunking.SinglePieceMaxTokens,
		cfg.Chunking.ChunkTargetTokens, cfg.Chunking.ChunkOverlapTokens)
	queue := jobs.NewQueue(st.Pool(), cfg.Queue.MaxAttempts)

	ingestor := ingest.New(&ingest.SQLPersister{Store: st, Queue: queue},
		vectors, embedder, chunks, cfg.Qdrant)
	engine := retrieval.NewEngine(vectors, st, embedder, cfg.Retrieval, cfg.Qdrant)

	ext := extractor.NewAnthropic(cfg.Extractor)
	res := resolver.New(st, embedder, cfg.Entity.MergeThreshold, cfg.Entity.ReviewThreshold)
	pool := worker.NewPool(queue, st, ext, res, embedder, cfg.Queue).WithMetrics(metrics)
	pool.Start(ctx)

	srv := server.New(ingestor, engine, st, queue, vectors, embedder, cfg.Qdrant).
		WithMetrics(metrics)

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	errCh := make(chan error, 1)
	go func() { errCh <- srv.Run(ctx) }()

	select {
	case err := <-errCh:
		if err != nil {
			log.Error().Err(err).Msg("mcp_server_error")
		}
	case sig := <-sigCh:
		log.Info().Str("signal", sig.String()).Msg("shutdown_requested")
	}

	// Drain: stop claiming, finish in-flight jobs, flush telemetry.
	pool.Stop()
	cancel()
	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()
	if err := telemetryShutdown(shutdownCtx); err != nil {
		log.Warn().Err(err).Msg("telemetry_shutdown_incomplete")
	}
	log.Info().Msg("engram_stopped")
}
