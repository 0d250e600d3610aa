// Package config loads engram configuration from environment variables,
// optionally seeded from a .env file.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

type PostgresConfig struct {
	DSN     string
	PoolMin int
	PoolMax int
}

type QdrantConfig struct {
	URL               string
	ContentCollection string
	ChunksCollection  string
}

type EmbeddingConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	Dimensions     int
	BatchSize      int
	MaxRetries     int
	TimeoutSeconds int
	MaxConcurrency int
}

type ExtractorConfig struct {
	APIKey         string
	BaseURL        string
	Model          string
	TimeoutSeconds int
	MaxConcurrency int
}

type ChunkingConfig struct {
	SinglePieceMaxTokens int
	ChunkTargetTokens    int
	ChunkOverlapTokens   int
}

type QueueConfig struct {
	PollIntervalMs       int
	MaxAttempts          int
	WorkerID             string
	WorkerCount          int
	StuckJobThresholdSec int
}

type RetrievalConfig struct {
	RRFConstant          int
	Overfetch            int
	GraphDepth           int
	GraphBudget          int
	GraphEdgeRelations   []string
	HopWeight            float64
	SharedEntityWeight   float64
	EdgeConfidenceWeight float64
	RecallTimeoutSeconds int
}

type EntityConfig struct {
	MergeThreshold  float64
	ReviewThreshold float64
}

type RedisConfig struct {
	Addr        string
	Password    string
	DB          int
	CacheTTLSec int
}

type TelemetryConfig struct {
	OTLPEndpoint string
}

type Config struct {
	Postgres  PostgresConfig
	Qdrant    QdrantConfig
	Embedding EmbeddingConfig
	Extractor ExtractorConfig
	Chunking  ChunkingConfig
	Queue     QueueConfig
	Retrieval RetrievalConfig
	Entity    EntityConfig
	Redis     RedisConfig
	Telemetry TelemetryConfig
	LogLevel  string
	LogFormat string
	LogPath   string
}

// Load reads configuration from environment variables (optionally .env).
// .env values override the OS environment so local development behaves
// deterministically.
func Load() (Config, error) {
	_ = godotenv.Overload()

	cfg := Config{}

	cfg.Postgres.DSN = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.Postgres.PoolMin = envInt("POOL_MIN", 2)
	cfg.Postgres.PoolMax = envInt("POOL_MAX", 10)

	cfg.Qdrant.URL = strings.TrimSpace(os.Getenv("QDRANT_URL"))
	cfg.Qdrant.ContentCollection = envStr("QDRANT_CONTENT_COLLECTION", "content")
	cfg.Qdrant.ChunksCollection = envStr("QDRANT_CHUNKS_COLLECTION", "chunks")

	cfg.Embedding.APIKey = strings.TrimSpace(os.Getenv("OPENAI_API_KEY"))
	cfg.Embedding.BaseURL = strings.TrimSpace(os.Getenv("OPENAI_BASE_URL"))
	cfg.Embedding.Model = envStr("OPENAI_EMBEDDING_MODEL", "text-embedding-3-large")
	cfg.Embedding.Dimensions = envInt("EMBEDDING_DIMENSIONS", 3072)
	cfg.Embedding.BatchSize = envInt("EMBEDDING_BATCH_SIZE", 2048)
	cfg.Embedding.MaxRetries = envInt("EMBEDDING_MAX_RETRIES", 3)
	cfg.Embedding.TimeoutSeconds = envInt("EMBEDDING_TIMEOUT_S", 30)
	cfg.Embedding.MaxConcurrency = envInt("EMBED_MAX_CONCURRENCY", 4)

	cfg.Extractor.APIKey = strings.TrimSpace(os.Getenv("ANTHROPIC_API_KEY"))
	cfg.Extractor.BaseURL = strings.TrimSpace(os.Getenv("ANTHROPIC_BASE_URL"))
	cfg.Extractor.Model = strings.TrimSpace(os.Getenv("ANTHROPIC_MODEL"))
	cfg.Extractor.TimeoutSeconds = envInt("EXTRACTION_TIMEOUT_S", 60)
	cfg.Extractor.MaxConcurrency = envInt("LLM_MAX_CONCURRENCY", 4)

	cfg.Chunking.SinglePieceMaxTokens = envInt("SINGLE_PIECE_MAX_TOKENS", 1200)
	cfg.Chunking.ChunkTargetTokens = envInt("CHUNK_TARGET_TOKENS", 900)
	cfg.Chunking.ChunkOverlapTokens = envInt("CHUNK_OVERLAP_TOKENS", 100)

	cfg.Queue.PollIntervalMs = envInt("QUEUE_POLL_INTERVAL_MS", 1000)
	cfg.Queue.MaxAttempts = envInt("EVENT_MAX_ATTEMPTS", 5)
	cfg.Queue.WorkerID = strings.TrimSpace(os.Getenv("WORKER_ID"))
	cfg.Queue.WorkerCount = envInt("WORKER_COUNT", 2)
	cfg.Queue.StuckJobThresholdSec = envInt("STUCK_JOB_THRESHOLD_S", 600)

	cfg.Retrieval.RRFConstant = envInt("RRF_CONSTANT", 60)
	cfg.Retrieval.Overfetch = envInt("RETRIEVAL_OVERFETCH", 3)
	cfg.Retrieval.GraphDepth = envInt("GRAPH_DEPTH", 2)
	cfg.Retrieval.GraphBudget = envInt("GRAPH_BUDGET", 20)
	cfg.Retrieval.GraphEdgeRelations = envList("GRAPH_EDGE_RELATIONS",
		[]string{"event_actor", "event_subject", "entity_edge", "revision_membership"})
	cfg.Retrieval.HopWeight = envFloat("GRAPH_HOP_WEIGHT", 1.0)
	cfg.Retrieval.SharedEntityWeight = envFloat("GRAPH_SHARED_ENTITY_WEIGHT", 0.1)
	cfg.Retrieval.EdgeConfidenceWeight = envFloat("GRAPH_EDGE_CONFIDENCE_WEIGHT", 0.05)
	cfg.Retrieval.RecallTimeoutSeconds = envInt("RECALL_TIMEOUT_S", 20)

	cfg.Entity.MergeThreshold = envFloat("ENTITY_MERGE_THRESHOLD", 0.85)
	cfg.Entity.ReviewThreshold = envFloat("ENTITY_REVIEW_THRESHOLD", 0.70)

	cfg.Redis.Addr = strings.TrimSpace(os.Getenv("REDIS_ADDR"))
	cfg.Redis.Password = strings.TrimSpace(os.Getenv("REDIS_PASSWORD"))
	cfg.Redis.DB = envInt("REDIS_DB", 0)
	cfg.Redis.CacheTTLSec = envInt("EMBED_CACHE_TTL_S", 86400)

	cfg.Telemetry.OTLPEndpoint = strings.TrimSpace(os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"))

	cfg.LogLevel = envStr("LOG_LEVEL", "info")
	cfg.LogFormat = envStr("LOG_FORMAT", "json")
	cfg.LogPath = strings.TrimSpace(os.Getenv("LOG_PATH"))

	return cfg, cfg.validate()
}

func (c Config) validate() error {
	if c.Postgres.DSN == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}
	if c.Qdrant.URL == "" {
		return fmt.Errorf("QDRANT_URL is required")
	}
	if c.Embedding.Dimensions <= 0 {
		return fmt.Errorf("EMBEDDING_DIMENSIONS must be positive")
	}
	if c.Chunking.ChunkOverlapTokens >= c.Chunking.ChunkTargetTokens {
		return fmt.Errorf("CHUNK_OVERLAP_TOKENS must be smaller than CHUNK_TARGET_TOKENS")
	}
	if c.Entity.ReviewThreshold > c.Entity.MergeThreshold {
		return fmt.Errorf("ENTITY_REVIEW_THRESHOLD must not exceed ENTITY_MERGE_THRESHOLD")
	}
	return nil
}

func envStr(key, def string) string {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		return v
	}
	return def
}

func envInt(key string, def int) int {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return def
}

func envFloat(key string, def float64) float64 {
	if v := strings.TrimSpace(os.Getenv(key)); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return def
}

func envList(key string, def []string) []string {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return def
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	if len(out) == 0 {
		return def
	}
	return out
}
