// Package store is the Postgres layer: artifact revisions, chunks, semantic
// events with pgvector embeddings, the entity graph, and the job queue rows.
package store

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	pgxvec "github.com/pgvector/pgvector-go/pgx"

	"engram/internal/config"
)

type Store struct {
	pool *pgxpool.Pool
	dim  int
}

// Open builds the connection pool. A single transaction always uses exactly
// one pooled connection; pgvector types are registered per connection.
func Open(ctx context.Context, cfg config.PostgresConfig, embeddingDim int) (*Store, error) {
	pcfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres DSN: %w", err)
	}
	if cfg.PoolMin > 0 {
		pcfg.MinConns = int32(cfg.PoolMin)
	}
	if cfg.PoolMax > 0 {
		pcfg.MaxConns = int32(cfg.PoolMax)
	}
	pcfg.AfterConnect = func(ctx context.Context, conn *pgx.Conn) error {
		return pgxvec.RegisterTypes(ctx, conn)
	}
	pool, err := pgxpool.NewWithConfig(ctx, pcfg)
	if err != nil {
		return nil, fmt.Errorf("open postgres pool: %w", err)
	}
	return &Store{pool: pool, dim: embeddingDim}, nil
}

// Pool exposes the underlying pool for collaborators that own their own SQL
// (the job queue) and for transactional commits spanning packages.
func (s *Store) Pool() *pgxpool.Pool { return s.pool }

func (s *Store) Ping(ctx context.Context) error { return s.pool.Ping(ctx) }

func (s *Store) Close() { s.pool.Close() }

// Bootstrap creates the schema. Idempotent; the pgvector extension must be
// installable on the target database.
func (s *Store) Bootstrap(ctx context.Context) error {
	stmts := []string{
		`CREATE EXTENSION IF NOT EXISTS vector`,

		`CREATE TABLE IF NOT EXISTS artifact_revision (
			artifact_uid     TEXT NOT NULL,
			revision_id      TEXT NOT NULL,
			artifact_id      TEXT NOT NULL,
			content_hash     TEXT NOT NULL,
			artifact_type    TEXT NOT NULL,
			source_system    TEXT NOT NULL,
			source_id        TEXT NOT NULL,
			source_ts        TIMESTAMPTZ,
			title            TEXT,
			document_date    TEXT,
			author           TEXT,
			participants     TEXT[],
			sensitivity      TEXT NOT NULL DEFAULT 'normal',
			visibility_scope TEXT NOT NULL DEFAULT 'me',
			retention_policy TEXT,
			content          TEXT NOT NULL,
			token_count      INTEGER NOT NULL,
			is_chunked       BOOLEAN NOT NULL DEFAULT FALSE,
			chunk_count      INTEGER NOT NULL DEFAULT 0,
			is_latest        BOOLEAN NOT NULL DEFAULT TRUE,
			ingested_at      TIMESTAMPTZ NOT NULL DEFAULT now(),
			PRIMARY KEY (artifact_uid, revision_id)
		)`,
		`CREATE INDEX IF NOT EXISTS artifact_revision_source_idx
			ON artifact_revision (source_system, source_id)`,
		`CREATE INDEX IF NOT EXISTS artifact_revision_artifact_id_idx
			ON artifact_revision (artifact_id)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS artifact_revision_latest_idx
			ON artifact_revision (artifact_uid) WHERE is_latest`,

		`CREATE TABLE IF NOT EXISTS chunk (
			chunk_id     TEXT PRIMARY KEY,
			artifact_uid TEXT NOT NULL,
			revision_id  TEXT NOT NULL,
			artifact_id  TEXT NOT NULL,
			chunk_index  INTEGER NOT NULL,
			content      TEXT NOT NULL,
			start_char   INTEGER NOT NULL,
			end_char     INTEGER NOT NULL,
			token_count  INTEGER NOT NULL,
			content_hash TEXT NOT NULL,
			FOREIGN KEY (artifact_uid, revision_id)
				REFERENCES artifact_revision (artifact_uid, revision_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS chunk_artifact_idx ON chunk (artifact_id, chunk_index)`,

		`CREATE TABLE IF NOT EXISTS event_jobs (
			job_id             UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			job_type           TEXT NOT NULL,
			artifact_uid       TEXT NOT NULL,
			revision_id        TEXT NOT NULL,
			status             TEXT NOT NULL DEFAULT 'PENDING',
			attempts           INTEGER NOT NULL DEFAULT 0,
			max_attempts       INTEGER NOT NULL DEFAULT 5,
			next_run_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			locked_at          TIMESTAMPTZ,
			locked_by          TEXT,
			last_error_code    TEXT,
			last_error_message TEXT,
			created_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			updated_at         TIMESTAMPTZ NOT NULL DEFAULT now(),
			UNIQUE (artifact_uid, revision_id, job_type)
		)`,
		`CREATE INDEX IF NOT EXISTS event_jobs_claim_idx
			ON event_jobs (job_type, status, next_run_at)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS semantic_event (
			event_id          UUID PRIMARY KEY,
			artifact_uid      TEXT NOT NULL,
			revision_id       TEXT NOT NULL,
			category          TEXT NOT NULL,
			narrative         TEXT NOT NULL,
			event_time        TIMESTAMPTZ,
			subject_json      JSONB NOT NULL,
			actors_json       JSONB NOT NULL,
			confidence        DOUBLE PRECISION NOT NULL,
			embedding         vector(%d),
			extraction_run_id UUID,
			created_at        TIMESTAMPTZ NOT NULL DEFAULT now(),
			FOREIGN KEY (artifact_uid, revision_id)
				REFERENCES artifact_revision (artifact_uid, revision_id) ON DELETE CASCADE,
			CHECK (confidence >= 0 AND confidence <= 1)
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS semantic_event_revision_idx
			ON semantic_event (artifact_uid, revision_id)`,

		`CREATE TABLE IF NOT EXISTS event_evidence (
			evidence_id  UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			event_id     UUID NOT NULL REFERENCES semantic_event (event_id) ON DELETE CASCADE,
			artifact_uid TEXT NOT NULL,
			revision_id  TEXT NOT NULL,
			chunk_id     TEXT,
			start_char   INTEGER NOT NULL,
			end_char     INTEGER NOT NULL,
			quote        TEXT NOT NULL,
			CHECK (end_char > start_char)
		)`,

		fmt.Sprintf(`CREATE TABLE IF NOT EXISTS entity (
			entity_id               UUID PRIMARY KEY,
			entity_type             TEXT NOT NULL,
			canonical_name          TEXT NOT NULL,
			role                    TEXT,
			organization            TEXT,
			email                   TEXT,
			context_embedding       vector(%d),
			needs_review            BOOLEAN NOT NULL DEFAULT FALSE,
			mention_count           INTEGER NOT NULL DEFAULT 0,
			first_seen_artifact_uid TEXT,
			first_seen_revision_id  TEXT,
			created_at              TIMESTAMPTZ NOT NULL DEFAULT now()
		)`, s.dim),
		`CREATE INDEX IF NOT EXISTS entity_name_idx ON entity (entity_type, canonical_name)`,
		`CREATE INDEX IF NOT EXISTS entity_email_idx ON entity (email) WHERE email IS NOT NULL`,

		`CREATE TABLE IF NOT EXISTS entity_alias (
			entity_id    UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
			surface_form TEXT NOT NULL,
			PRIMARY KEY (entity_id, surface_form)
		)`,
		`CREATE INDEX IF NOT EXISTS entity_alias_form_idx ON entity_alias (surface_form)`,

		`CREATE TABLE IF NOT EXISTS entity_mention (
			mention_id   UUID PRIMARY KEY DEFAULT gen_random_uuid(),
			entity_id    UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
			artifact_uid TEXT NOT NULL,
			revision_id  TEXT NOT NULL,
			chunk_id     TEXT,
			start_char   INTEGER,
			end_char     INTEGER,
			surface_form TEXT NOT NULL,
			FOREIGN KEY (artifact_uid, revision_id)
				REFERENCES artifact_revision (artifact_uid, revision_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS entity_mention_revision_idx
			ON entity_mention (artifact_uid, revision_id)`,
		`CREATE INDEX IF NOT EXISTS entity_mention_entity_idx ON entity_mention (entity_id)`,

		`CREATE TABLE IF NOT EXISTS event_actor (
			event_id  UUID NOT NULL REFERENCES semantic_event (event_id) ON DELETE CASCADE,
			entity_id UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
			role      TEXT NOT NULL,
			PRIMARY KEY (event_id, entity_id)
		)`,

		`CREATE TABLE IF NOT EXISTS event_subject (
			event_id  UUID NOT NULL REFERENCES semantic_event (event_id) ON DELETE CASCADE,
			entity_id UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
			PRIMARY KEY (event_id, entity_id)
		)`,

		`CREATE TABLE IF NOT EXISTS entity_edge (
			source_entity_id  UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
			target_entity_id  UUID NOT NULL REFERENCES entity (entity_id) ON DELETE CASCADE,
			relationship_type TEXT NOT NULL,
			artifact_uid      TEXT NOT NULL,
			revision_id       TEXT NOT NULL,
			confidence        DOUBLE PRECISION NOT NULL DEFAULT 0,
			evidence_quote    TEXT,
			PRIMARY KEY (source_entity_id, target_entity_id, relationship_type, artifact_uid),
			FOREIGN KEY (artifact_uid, revision_id)
				REFERENCES artifact_revision (artifact_uid, revision_id) ON DELETE CASCADE
		)`,
		`CREATE INDEX IF NOT EXISTS entity_edge_target_idx ON entity_edge (target_entity_id)`,
	}
	for _, stmt := range stmts {
		if _, err := s.pool.Exec(ctx, stmt); err != nil {
			return fmt.Errorf("bootstrap schema: %w", err)
		}
	}
	return nil
}
