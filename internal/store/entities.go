package store

import (
	"context"
	"errors"
	"strings"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"engram/internal/memerr"
)

const entitySelect = `SELECT e.entity_id, e.entity_type, e.canonical_name, e.role,
	e.organization, e.email, e.context_embedding, e.needs_review, e.mention_count,
	e.first_seen_artifact_uid, e.first_seen_revision_id, e.created_at
	FROM entity e`

func scanEntity(row pgx.Row) (*Entity, error) {
	var ent Entity
	var role, org, email, firstUID, firstRev *string
	var emb *pgvector.Vector
	err := row.Scan(&ent.EntityID, &ent.EntityType, &ent.CanonicalName, &role, &org,
		&email, &emb, &ent.NeedsReview, &ent.MentionCount, &firstUID, &firstRev,
		&ent.CreatedAt)
	if err != nil {
		return nil, err
	}
	ent.Role = deref(role)
	ent.Organization = deref(org)
	ent.Email = deref(email)
	ent.FirstSeenArtifactUID = deref(firstUID)
	ent.FirstSeenRevisionID = deref(firstRev)
	if emb != nil {
		ent.ContextEmbedding = emb.Slice()
	}
	return &ent, nil
}

// CandidatesByForms returns entities of entityType whose canonical name or
// any alias matches one of the given surface forms exactly.
func (s *Store) CandidatesByForms(ctx context.Context, entityType string, forms []string) ([]Entity, error) {
	if len(forms) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, entitySelect+`
		WHERE e.entity_type = $1 AND (
			e.canonical_name = ANY($2)
			OR e.entity_id IN (SELECT entity_id FROM entity_alias WHERE surface_form = ANY($2))
		)`, entityType, forms)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "lookup entity candidates")
	}
	defer rows.Close()
	return collectEntities(rows)
}

// CandidatesByEmail returns entities of entityType with an exact email match.
func (s *Store) CandidatesByEmail(ctx context.Context, entityType, email string) ([]Entity, error) {
	if email == "" {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, entitySelect+
		` WHERE e.entity_type = $1 AND e.email = $2`, entityType, email)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "lookup entity by email")
	}
	defer rows.Close()
	return collectEntities(rows)
}

func collectEntities(rows pgx.Rows) ([]Entity, error) {
	var out []Entity
	for rows.Next() {
		ent, err := scanEntity(rows)
		if err != nil {
			return nil, memerr.Wrap(memerr.KindStorage, err, "scan entity")
		}
		out = append(out, *ent)
	}
	return out, rows.Err()
}

// GetEntity loads one entity with its aliases.
func (s *Store) GetEntity(ctx context.Context, id uuid.UUID) (*Entity, error) {
	ent, err := scanEntity(s.pool.QueryRow(ctx, entitySelect+` WHERE e.entity_id = $1`, id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, memerr.New(memerr.KindNotFound, "entity %s", id)
	}
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "load entity")
	}
	rows, err := s.pool.Query(ctx,
		`SELECT surface_form FROM entity_alias WHERE entity_id = $1 ORDER BY surface_form`, id)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "load aliases")
	}
	defer rows.Close()
	for rows.Next() {
		var form string
		if err := rows.Scan(&form); err != nil {
			return nil, memerr.Wrap(memerr.KindStorage, err, "scan alias")
		}
		ent.Aliases = append(ent.Aliases, form)
	}
	return ent, rows.Err()
}

// CreateEntity inserts a new entity and its initial aliases.
func (s *Store) CreateEntity(ctx context.Context, ent Entity, aliases []string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		var emb any
		if ent.ContextEmbedding != nil {
			emb = pgvector.NewVector(ent.ContextEmbedding)
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO entity (entity_id, entity_type, canonical_name, role,
				organization, email, context_embedding, needs_review, mention_count,
				first_seen_artifact_uid, first_seen_revision_id, created_at)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
			ent.EntityID, ent.EntityType, ent.CanonicalName, nullable(ent.Role),
			nullable(ent.Organization), nullable(ent.Email), emb, ent.NeedsReview,
			ent.MentionCount, nullable(ent.FirstSeenArtifactUID),
			nullable(ent.FirstSeenRevisionID), ent.CreatedAt); err != nil {
			return memerr.Wrap(memerr.KindStorage, err, "insert entity")
		}
		return addAliasesTx(ctx, tx, ent.EntityID, aliases)
	})
}

// MergeEntity records a successful resolution against an existing entity:
// new aliases, refreshed running-average context embedding, bumped mention
// count, and enriched context fields (never overwriting non-empty values).
func (s *Store) MergeEntity(ctx context.Context, id uuid.UUID, aliases []string,
	contextEmbedding []float32, mentionCount int, role, org, email string) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		var emb any
		if contextEmbedding != nil {
			emb = pgvector.NewVector(contextEmbedding)
		}
		if _, err := tx.Exec(ctx,
			`UPDATE entity SET
				context_embedding = COALESCE($2, context_embedding),
				mention_count = $3,
				role = COALESCE(role, $4),
				organization = COALESCE(organization, $5),
				email = COALESCE(email, $6)
			 WHERE entity_id = $1`,
			id, emb, mentionCount, nullable(role), nullable(org), nullable(email)); err != nil {
			return memerr.Wrap(memerr.KindStorage, err, "update entity")
		}
		return addAliasesTx(ctx, tx, id, aliases)
	})
}

func addAliasesTx(ctx context.Context, tx pgx.Tx, id uuid.UUID, aliases []string) error {
	for _, a := range aliases {
		if a == "" {
			continue
		}
		if _, err := tx.Exec(ctx,
			`INSERT INTO entity_alias (entity_id, surface_form) VALUES ($1,$2)
			 ON CONFLICT DO NOTHING`, id, a); err != nil {
			return memerr.Wrap(memerr.KindStorage, err, "insert alias")
		}
	}
	return nil
}

// EntitiesForArtifacts returns entity ids linked to any of the artifact
// uids through event actors, event subjects, or mentions.
func (s *Store) EntitiesForArtifacts(ctx context.Context, uids []string) ([]uuid.UUID, error) {
	if len(uids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT entity_id FROM (
			SELECT ea.entity_id FROM event_actor ea
				JOIN semantic_event se ON se.event_id = ea.event_id
				WHERE se.artifact_uid = ANY($1)
			UNION ALL
			SELECT es.entity_id FROM event_subject es
				JOIN semantic_event se ON se.event_id = es.event_id
				WHERE se.artifact_uid = ANY($1)
			UNION ALL
			SELECT em.entity_id FROM entity_mention em WHERE em.artifact_uid = ANY($1)
		 ) ids`, uids)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "entities for artifacts")
	}
	defer rows.Close()
	var out []uuid.UUID
	for rows.Next() {
		var id uuid.UUID
		if err := rows.Scan(&id); err != nil {
			return nil, memerr.Wrap(memerr.KindStorage, err, "scan entity id")
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ArtifactLink is one artifact reached from an entity frontier, with the
// connecting entities.
type ArtifactLink struct {
	ArtifactUID    string
	SharedEntities int
	EntityIDs      []uuid.UUID
}

// Graph relation names admissible for expansion, mirrored in configuration.
const (
	RelEventActor         = "event_actor"
	RelEventSubject       = "event_subject"
	RelEntityEdge         = "entity_edge"
	RelRevisionMembership = "revision_membership"
)

// ArtifactsForEntities returns artifact uids connected to any of the given
// entities through the enabled relations, with the connecting entity ids.
func (s *Store) ArtifactsForEntities(ctx context.Context, entityIDs []uuid.UUID, relations []string) ([]ArtifactLink, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	enabled := map[string]bool{}
	for _, r := range relations {
		enabled[r] = true
	}
	var subqueries []string
	if enabled[RelEventActor] {
		subqueries = append(subqueries,
			`SELECT se.artifact_uid, ea.entity_id FROM event_actor ea
				JOIN semantic_event se ON se.event_id = ea.event_id
				WHERE ea.entity_id = ANY($1)`)
	}
	if enabled[RelEventSubject] {
		subqueries = append(subqueries,
			`SELECT se.artifact_uid, es.entity_id FROM event_subject es
				JOIN semantic_event se ON se.event_id = es.event_id
				WHERE es.entity_id = ANY($1)`)
	}
	if enabled[RelRevisionMembership] {
		subqueries = append(subqueries,
			`SELECT em.artifact_uid, em.entity_id FROM entity_mention em
				WHERE em.entity_id = ANY($1)`)
	}
	if len(subqueries) == 0 {
		return nil, nil
	}
	q := `SELECT artifact_uid, count(DISTINCT entity_id), array_agg(DISTINCT entity_id) FROM (` +
		strings.Join(subqueries, " UNION ") + `) links GROUP BY artifact_uid`
	rows, err := s.pool.Query(ctx, q, entityIDs)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "artifacts for entities")
	}
	defer rows.Close()
	var out []ArtifactLink
	for rows.Next() {
		var link ArtifactLink
		if err := rows.Scan(&link.ArtifactUID, &link.SharedEntities, &link.EntityIDs); err != nil {
			return nil, memerr.Wrap(memerr.KindStorage, err, "scan artifact link")
		}
		out = append(out, link)
	}
	return out, rows.Err()
}

// EdgesTouching returns edges where either endpoint is in entityIDs,
// optionally restricted to the given relationship types.
func (s *Store) EdgesTouching(ctx context.Context, entityIDs []uuid.UUID, edgeTypes []string) ([]EdgeRecord, error) {
	if len(entityIDs) == 0 {
		return nil, nil
	}
	q := `SELECT source_entity_id, target_entity_id, relationship_type,
		artifact_uid, revision_id, confidence, evidence_quote
		FROM entity_edge
		WHERE (source_entity_id = ANY($1) OR target_entity_id = ANY($1))`
	args := []any{entityIDs}
	if len(edgeTypes) > 0 {
		q += ` AND relationship_type = ANY($2)`
		args = append(args, edgeTypes)
	}
	rows, err := s.pool.Query(ctx, q, args...)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "load edges")
	}
	defer rows.Close()
	var out []EdgeRecord
	for rows.Next() {
		var e EdgeRecord
		var quote *string
		if err := rows.Scan(&e.SourceEntityID, &e.TargetEntityID, &e.RelationshipType,
			&e.ArtifactUID, &e.RevisionID, &e.Confidence, &quote); err != nil {
			return nil, memerr.Wrap(memerr.KindStorage, err, "scan edge")
		}
		e.EvidenceQuote = deref(quote)
		out = append(out, e)
	}
	return out, rows.Err()
}

// ArtifactIDsForUIDs maps artifact uids to their latest revision rows.
func (s *Store) ArtifactIDsForUIDs(ctx context.Context, uids []string) (map[string]*ArtifactRevision, error) {
	if len(uids) == 0 {
		return map[string]*ArtifactRevision{}, nil
	}
	rows, err := s.pool.Query(ctx,
		revisionSelect+` WHERE artifact_uid = ANY($1) AND is_latest`, uids)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "load latest revisions")
	}
	defer rows.Close()
	out := make(map[string]*ArtifactRevision, len(uids))
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, memerr.Wrap(memerr.KindStorage, err, "scan revision")
		}
		out[rev.ArtifactUID] = rev
	}
	return out, rows.Err()
}

// EntitiesByIDs loads entity rows for the given ids.
func (s *Store) EntitiesByIDs(ctx context.Context, ids []uuid.UUID) ([]Entity, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx, entitySelect+` WHERE e.entity_id = ANY($1)`, ids)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "load entities")
	}
	defer rows.Close()
	return collectEntities(rows)
}
