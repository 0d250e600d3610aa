// Package ingest implements the remember pipeline: validation, content
// addressing, dedup, chunking, and the two-phase write across the vector
// and relational stores.
package ingest

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog/log"

	"engram/internal/chunker"
	"engram/internal/config"
	"engram/internal/embeddings"
	"engram/internal/jobs"
	"engram/internal/memerr"
	"engram/internal/store"
	"engram/internal/vectorstore"
)

var artifactTypes = map[string]bool{
	"email": true, "doc": true, "chat": true, "transcript": true, "note": true,
}

var sensitivities = map[string]bool{"normal": true, "sensitive": true}

var visibilities = map[string]bool{"me": true, "team": true, "public": true}

// Request is a validated-on-entry remember call.
type Request struct {
	Content         string
	Context         string
	Title           string
	SourceSystem    string
	SourceID        string
	SourceTS        *time.Time
	Author          string
	Participants    []string
	DocumentDate    string
	Sensitivity     string
	Visibility      string
	RetentionPolicy string
}

// Result reports what remember did.
type Result struct {
	ArtifactUID string     `json:"artifact_uid"`
	ArtifactID  string     `json:"artifact_id"`
	RevisionID  string     `json:"revision_id"`
	Status      string     `json:"status"`
	JobID       *uuid.UUID `json:"job_id,omitempty"`
	TokenCount  int        `json:"token_count"`
	IsChunked   bool       `json:"is_chunked"`
	ChunkCount  int        `json:"chunk_count"`
}

// Persister is the relational side of phase two; *SQLPersister implements
// it on the real store, tests substitute a fake.
type Persister interface {
	LookupUID(ctx context.Context, sourceSystem, sourceID string) (string, bool, error)
	LatestRevision(ctx context.Context, uid string) (*store.ArtifactRevision, bool, error)
	RevisionCount(ctx context.Context, uid string) (int, error)
	// PersistRevision writes the revision row, its chunk mirror, and the
	// extraction job in one transaction, returning the job id.
	PersistRevision(ctx context.Context, rev store.ArtifactRevision, chunks []store.ChunkRow) (uuid.UUID, error)
}

type Ingestor struct {
	persister Persister
	vectors   vectorstore.Store
	embedder  embeddings.Embedder
	chunks    *chunker.Chunker
	cfg       config.QdrantConfig
}

func New(persister Persister, vectors vectorstore.Store, embedder embeddings.Embedder,
	ch *chunker.Chunker, qcfg config.QdrantConfig) *Ingestor {
	return &Ingestor{persister: persister, vectors: vectors, embedder: embedder, chunks: ch, cfg: qcfg}
}

// Remember runs the full ingest contract.
func (ing *Ingestor) Remember(ctx context.Context, req Request) (*Result, error) {
	if err := normalize(&req); err != nil {
		return nil, err
	}

	content := Canonicalize(req.Content)
	hash := HashContent(content)
	artifactID := ArtifactID(hash)
	if req.SourceID == "" {
		req.SourceID = hash
	}

	uid, found, err := ing.persister.LookupUID(ctx, req.SourceSystem, req.SourceID)
	if err != nil {
		return nil, err
	}
	if !found {
		uid = MintUID(req.SourceSystem, req.SourceID)
	}

	latest, hasLatest, err := ing.persister.LatestRevision(ctx, uid)
	if err != nil {
		return nil, err
	}
	if hasLatest && latest.ContentHash == hash {
		log.Info().Str("artifact_uid", uid).Str("artifact_id", artifactID).
			Msg("artifact_unchanged")
		return &Result{
			ArtifactUID: uid,
			ArtifactID:  latest.ArtifactID,
			RevisionID:  latest.RevisionID,
			Status:      "unchanged",
			TokenCount:  latest.TokenCount,
			IsChunked:   latest.IsChunked,
			ChunkCount:  latest.ChunkCount,
		}, nil
	}

	n, err := ing.persister.RevisionCount(ctx, uid)
	if err != nil {
		return nil, err
	}
	revisionID := fmt.Sprintf("rev_%03d", n+1)

	pieces := ing.chunks.Chunk(content, artifactID)
	_, tokenCount := ing.chunks.ShouldChunk(content)
	now := time.Now().UTC()

	// Phase 1: every embedding this revision needs, before any write.
	texts := []string{content}
	for _, ch := range pieces {
		texts = append(texts, ch.Content)
	}
	vectors, err := ing.embedder.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, err
	}

	rev := store.ArtifactRevision{
		ArtifactUID:     uid,
		RevisionID:      revisionID,
		ArtifactID:      artifactID,
		ContentHash:     hash,
		ArtifactType:    req.Context,
		SourceSystem:    req.SourceSystem,
		SourceID:        req.SourceID,
		SourceTS:        req.SourceTS,
		Title:           req.Title,
		DocumentDate:    req.DocumentDate,
		Author:          req.Author,
		Participants:    req.Participants,
		Sensitivity:     req.Sensitivity,
		VisibilityScope: req.Visibility,
		RetentionPolicy: req.RetentionPolicy,
		Content:         content,
		TokenCount:      tokenCount,
		IsChunked:       len(pieces) > 0,
		ChunkCount:      len(pieces),
		IngestedAt:      now,
	}

	// Phase 2a: vector upserts under content-addressed ids.
	basePayload := map[string]string{
		"artifact_id":      artifactID,
		"artifact_uid":     uid,
		"revision_id":      revisionID,
		"token_count":      strconv.Itoa(tokenCount),
		"content_hash":     hash,
		"sensitivity":      req.Sensitivity,
		"visibility_scope": req.Visibility,
		"ingested_at":      now.Format(time.RFC3339),
	}
	if req.Title != "" {
		basePayload["title"] = req.Title
	}
	if err := ing.vectors.Upsert(ctx, ing.cfg.ContentCollection, []vectorstore.Point{{
		ID:      artifactID,
		Vector:  vectors[0],
		Payload: basePayload,
	}}); err != nil {
		return nil, err
	}
	upserted := []string{artifactID}

	var chunkRows []store.ChunkRow
	if len(pieces) > 0 {
		points := make([]vectorstore.Point, 0, len(pieces))
		for i, ch := range pieces {
			payload := map[string]string{}
			for k, v := range basePayload {
				payload[k] = v
			}
			payload["chunk_index"] = strconv.Itoa(ch.Index)
			payload["start_char"] = strconv.Itoa(ch.StartChar)
			payload["end_char"] = strconv.Itoa(ch.EndChar)
			payload["token_count"] = strconv.Itoa(ch.TokenCount)
			payload["content_hash"] = ch.ContentHash
			points = append(points, vectorstore.Point{
				ID:      ch.ChunkID,
				Vector:  vectors[i+1],
				Payload: payload,
			})
			chunkRows = append(chunkRows, store.ChunkRow{
				ChunkID:     ch.ChunkID,
				ArtifactUID: uid,
				RevisionID:  revisionID,
				ArtifactID:  artifactID,
				ChunkIndex:  ch.Index,
				Content:     ch.Content,
				StartChar:   ch.StartChar,
				EndChar:     ch.EndChar,
				TokenCount:  ch.TokenCount,
				ContentHash: ch.ContentHash,
			})
		}
		if err := ing.vectors.Upsert(ctx, ing.cfg.ChunksCollection, points); err != nil {
			ing.compensate(ctx, upserted, nil)
			return nil, err
		}
		for _, p := range points {
			upserted = append(upserted, p.ID)
		}
	}

	// Phase 2b/2c: revision row plus extraction job, atomically.
	jobID, err := ing.persister.PersistRevision(ctx, rev, chunkRows)
	if err != nil {
		ing.compensate(ctx, []string{artifactID}, upserted[1:])
		return nil, err
	}

	log.Info().Str("artifact_uid", uid).Str("artifact_id", artifactID).
		Str("revision_id", revisionID).Int("token_count", tokenCount).
		Int("chunks", len(pieces)).Str("job_id", jobID.String()).
		Msg("artifact_ingested")
	return &Result{
		ArtifactUID: uid,
		ArtifactID:  artifactID,
		RevisionID:  revisionID,
		Status:      "queued",
		JobID:       &jobID,
		TokenCount:  tokenCount,
		IsChunked:   rev.IsChunked,
		ChunkCount:  rev.ChunkCount,
	}, nil
}

// compensate deletes vector entries that can no longer be paired with a
// committed relational row. Failures here leave orphans, so they are logged
// as permanent reconciliation warnings.
func (ing *Ingestor) compensate(ctx context.Context, contentIDs, chunkIDs []string) {
	if err := ing.vectors.Delete(ctx, ing.cfg.ContentCollection, contentIDs); err != nil {
		log.Error().Err(err).Strs("ids", contentIDs).Msg("vector_compensation_incomplete")
	}
	if len(chunkIDs) == 0 {
		return
	}
	if err := ing.vectors.Delete(ctx, ing.cfg.ChunksCollection, chunkIDs); err != nil {
		log.Error().Err(err).Strs("ids", chunkIDs).Msg("vector_compensation_incomplete")
	}
}

func normalize(req *Request) error {
	if strings.TrimSpace(req.Content) == "" {
		return memerr.New(memerr.KindValidation, "content must not be empty")
	}
	if !artifactTypes[req.Context] {
		return memerr.New(memerr.KindValidation,
			"context must be one of email, doc, chat, transcript, note")
	}
	if req.Sensitivity == "" {
		req.Sensitivity = "normal"
	}
	if !sensitivities[req.Sensitivity] {
		return memerr.New(memerr.KindValidation, "sensitivity must be normal or sensitive")
	}
	if req.Visibility == "" {
		req.Visibility = "me"
	}
	if !visibilities[req.Visibility] {
		return memerr.New(memerr.KindValidation, "visibility must be me, team, or public")
	}
	if req.SourceSystem == "" {
		req.SourceSystem = "mcp"
	}
	return nil
}

// Canonicalize normalizes line endings and trailing whitespace so hashes
// are stable across transports.
func Canonicalize(content string) string {
	content = strings.ReplaceAll(content, "\r\n", "\n")
	return strings.TrimRight(content, " \t\n")
}

// HashContent is the full SHA-256 of canonicalized content, hex-encoded.
func HashContent(content string) string {
	sum := sha256.Sum256([]byte(content))
	return hex.EncodeToString(sum[:])
}

// ArtifactID is the content-addressed handle: "art_" plus the first 12 hex
// chars of the content hash.
func ArtifactID(contentHash string) string {
	return "art_" + contentHash[:12]
}

// MintUID derives a stable artifact uid from the logical source identity.
func MintUID(sourceSystem, sourceID string) string {
	sum := sha256.Sum256([]byte(sourceSystem + "\x00" + sourceID))
	return "au_" + hex.EncodeToString(sum[:8])
}

// SQLPersister is the production Persister on the real store and queue.
type SQLPersister struct {
	Store *store.Store
	Queue *jobs.Queue
}

func (p *SQLPersister) LookupUID(ctx context.Context, ss, sid string) (string, bool, error) {
	return p.Store.LookupUID(ctx, ss, sid)
}

func (p *SQLPersister) LatestRevision(ctx context.Context, uid string) (*store.ArtifactRevision, bool, error) {
	return p.Store.LatestRevision(ctx, uid)
}

func (p *SQLPersister) RevisionCount(ctx context.Context, uid string) (int, error) {
	return p.Store.RevisionCount(ctx, uid)
}

func (p *SQLPersister) PersistRevision(ctx context.Context, rev store.ArtifactRevision, chunks []store.ChunkRow) (uuid.UUID, error) {
	var jobID uuid.UUID
	err := p.Store.WithTx(ctx, func(tx pgx.Tx) error {
		if err := p.Store.InsertRevisionTx(ctx, tx, rev, chunks); err != nil {
			return err
		}
		var err error
		jobID, err = p.Queue.EnqueueTx(ctx, tx, rev.ArtifactUID, rev.RevisionID, jobs.JobTypeExtractEvents)
		return err
	})
	return jobID, err
}
