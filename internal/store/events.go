package store

import (
	"context"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/pgvector/pgvector-go"

	"engram/internal/memerr"
)

// CommitExtraction atomically replaces the event set for a revision.
// Existing events (and their cascaded evidence, actors, and subjects) are
// deleted, then the new events, mention rows, and edge upserts are written
// in the same transaction, so readers never observe a partial event set.
func (s *Store) CommitExtraction(ctx context.Context, uid, revisionID string,
	events []EventRecord, mentions []MentionRecord, edges []EdgeRecord) error {
	return s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx,
			`DELETE FROM semantic_event WHERE artifact_uid=$1 AND revision_id=$2`,
			uid, revisionID); err != nil {
			return memerr.Wrap(memerr.KindStorage, err, "clear prior events")
		}
		if _, err := tx.Exec(ctx,
			`DELETE FROM entity_mention WHERE artifact_uid=$1 AND revision_id=$2`,
			uid, revisionID); err != nil {
			return memerr.Wrap(memerr.KindStorage, err, "clear prior mentions")
		}
		for _, ev := range events {
			if err := insertEventTx(ctx, tx, ev); err != nil {
				return err
			}
		}
		for _, m := range mentions {
			if _, err := tx.Exec(ctx,
				`INSERT INTO entity_mention (entity_id, artifact_uid, revision_id,
					chunk_id, start_char, end_char, surface_form)
				 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
				m.EntityID, m.ArtifactUID, m.RevisionID, nullable(m.ChunkID),
				m.StartChar, m.EndChar, m.SurfaceForm); err != nil {
				return memerr.Wrap(memerr.KindStorage, err, "insert mention")
			}
		}
		for _, e := range edges {
			if _, err := tx.Exec(ctx,
				`INSERT INTO entity_edge (source_entity_id, target_entity_id,
					relationship_type, artifact_uid, revision_id, confidence, evidence_quote)
				 VALUES ($1,$2,$3,$4,$5,$6,$7)
				 ON CONFLICT (source_entity_id, target_entity_id, relationship_type, artifact_uid)
				 DO UPDATE SET
					confidence = GREATEST(entity_edge.confidence, EXCLUDED.confidence),
					evidence_quote = COALESCE(EXCLUDED.evidence_quote, entity_edge.evidence_quote),
					revision_id = EXCLUDED.revision_id`,
				e.SourceEntityID, e.TargetEntityID, e.RelationshipType, e.ArtifactUID,
				e.RevisionID, e.Confidence, nullable(e.EvidenceQuote)); err != nil {
				return memerr.Wrap(memerr.KindStorage, err, "upsert entity edge")
			}
		}
		return nil
	})
}

func insertEventTx(ctx context.Context, tx pgx.Tx, ev EventRecord) error {
	subjectJSON, err := json.Marshal(ev.Subject)
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, err, "marshal subject")
	}
	actors := ev.Actors
	if actors == nil {
		actors = []ActorRef{}
	}
	actorsJSON, err := json.Marshal(actors)
	if err != nil {
		return memerr.Wrap(memerr.KindInternal, err, "marshal actors")
	}
	if _, err := tx.Exec(ctx,
		`INSERT INTO semantic_event (event_id, artifact_uid, revision_id, category,
			narrative, event_time, subject_json, actors_json, confidence, embedding,
			extraction_run_id, created_at)
		 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`,
		ev.EventID, ev.ArtifactUID, ev.RevisionID, ev.Category, ev.Narrative,
		ev.EventTime, subjectJSON, actorsJSON, ev.Confidence,
		pgvector.NewVector(ev.Embedding), ev.ExtractionRunID, ev.CreatedAt); err != nil {
		return memerr.Wrap(memerr.KindStorage, err, "insert event")
	}
	for _, sp := range ev.Evidence {
		if _, err := tx.Exec(ctx,
			`INSERT INTO event_evidence (event_id, artifact_uid, revision_id,
				chunk_id, start_char, end_char, quote)
			 VALUES ($1,$2,$3,$4,$5,$6,$7)`,
			ev.EventID, ev.ArtifactUID, ev.RevisionID, nullable(sp.ChunkID),
			sp.StartChar, sp.EndChar, sp.Quote); err != nil {
			return memerr.Wrap(memerr.KindStorage, err, "insert evidence")
		}
	}
	for _, link := range ev.ActorLinks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO event_actor (event_id, entity_id, role) VALUES ($1,$2,$3)
			 ON CONFLICT (event_id, entity_id) DO UPDATE SET role = EXCLUDED.role`,
			ev.EventID, link.EntityID, link.Role); err != nil {
			return memerr.Wrap(memerr.KindStorage, err, "insert event actor")
		}
	}
	for _, subj := range ev.Subjects {
		if _, err := tx.Exec(ctx,
			`INSERT INTO event_subject (event_id, entity_id) VALUES ($1,$2)
			 ON CONFLICT (event_id, entity_id) DO NOTHING`,
			ev.EventID, subj); err != nil {
			return memerr.Wrap(memerr.KindStorage, err, "insert event subject")
		}
	}
	return nil
}

const eventSelect = `SELECT event_id, artifact_uid, revision_id, category, narrative,
	event_time, subject_json, actors_json, confidence, extraction_run_id, created_at
	FROM semantic_event`

func scanEvents(rows pgx.Rows) ([]EventRecord, error) {
	var out []EventRecord
	for rows.Next() {
		var ev EventRecord
		var subjectJSON, actorsJSON []byte
		var runID *uuid.UUID
		if err := rows.Scan(&ev.EventID, &ev.ArtifactUID, &ev.RevisionID, &ev.Category,
			&ev.Narrative, &ev.EventTime, &subjectJSON, &actorsJSON, &ev.Confidence,
			&runID, &ev.CreatedAt); err != nil {
			return nil, err
		}
		if runID != nil {
			ev.ExtractionRunID = *runID
		}
		if err := json.Unmarshal(subjectJSON, &ev.Subject); err != nil {
			return nil, err
		}
		if err := json.Unmarshal(actorsJSON, &ev.Actors); err != nil {
			return nil, err
		}
		out = append(out, ev)
	}
	return out, rows.Err()
}

// EventsForRevision returns the committed events for one revision, with
// evidence attached when withEvidence is set.
func (s *Store) EventsForRevision(ctx context.Context, uid, revisionID string, withEvidence bool) ([]EventRecord, error) {
	rows, err := s.pool.Query(ctx,
		eventSelect+` WHERE artifact_uid=$1 AND revision_id=$2 ORDER BY created_at, event_id`,
		uid, revisionID)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "load events")
	}
	events, err := scanEvents(rows)
	rows.Close()
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "scan events")
	}
	if !withEvidence || len(events) == 0 {
		return events, nil
	}
	ids := make([]uuid.UUID, len(events))
	byID := make(map[uuid.UUID]*EventRecord, len(events))
	for i := range events {
		ids[i] = events[i].EventID
		byID[events[i].EventID] = &events[i]
	}
	evRows, err := s.pool.Query(ctx,
		`SELECT evidence_id, event_id, artifact_uid, revision_id, chunk_id,
			start_char, end_char, quote
		 FROM event_evidence WHERE event_id = ANY($1) ORDER BY start_char`, ids)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "load evidence")
	}
	defer evRows.Close()
	for evRows.Next() {
		var sp EvidenceSpan
		var chunkID *string
		if err := evRows.Scan(&sp.EvidenceID, &sp.EventID, &sp.ArtifactUID,
			&sp.RevisionID, &chunkID, &sp.StartChar, &sp.EndChar, &sp.Quote); err != nil {
			return nil, memerr.Wrap(memerr.KindStorage, err, "scan evidence")
		}
		sp.ChunkID = deref(chunkID)
		if ev, ok := byID[sp.EventID]; ok {
			ev.Evidence = append(ev.Evidence, sp)
		}
	}
	return events, evRows.Err()
}

// SearchEvents ranks events by cosine distance between their narrative
// embedding and the query vector.
func (s *Store) SearchEvents(ctx context.Context, vector []float32, limit int) ([]EventRecord, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.pool.Query(ctx,
		eventSelect+` WHERE embedding IS NOT NULL
		 ORDER BY embedding <=> $1 LIMIT $2`, pgvector.NewVector(vector), limit)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "search events")
	}
	defer rows.Close()
	events, err := scanEvents(rows)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "scan events")
	}
	return events, nil
}

// ActorAndSubjectEntities returns the entity ids linked to the given events.
func (s *Store) ActorAndSubjectEntities(ctx context.Context, eventIDs []uuid.UUID) ([]uuid.UUID, error) {
	if len(eventIDs) == 0 {
		return nil, nil
	}
	rows, err := s.pool.Query(ctx,
		`SELECT DISTINCT entity_id FROM (
			SELECT entity_id FROM event_actor WHERE event_id = ANY($1)
			UNION ALL
			SELECT entity_id FROM event_subject WHERE event_id = ANY($1)
		 ) ids`, eventIDs)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "load event entities")
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
