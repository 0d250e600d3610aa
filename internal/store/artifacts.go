package store

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"

	"engram/internal/memerr"
)

// WithTx runs fn inside a single transaction on one pooled connection.
func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return memerr.Wrap(memerr.KindStorage, err, "begin transaction")
	}
	defer tx.Rollback(ctx)
	if err := fn(tx); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return memerr.Wrap(memerr.KindStorage, err, "commit transaction")
	}
	return nil
}

// LookupUID finds the artifact uid owning (source_system, source_id).
func (s *Store) LookupUID(ctx context.Context, sourceSystem, sourceID string) (string, bool, error) {
	var uid string
	err := s.pool.QueryRow(ctx,
		`SELECT artifact_uid FROM artifact_revision
		 WHERE source_system = $1 AND source_id = $2
		 ORDER BY ingested_at DESC LIMIT 1`, sourceSystem, sourceID).Scan(&uid)
	if errors.Is(err, pgx.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, memerr.Wrap(memerr.KindStorage, err, "lookup artifact uid")
	}
	return uid, true, nil
}

// LatestRevision returns the revision flagged is_latest for uid.
func (s *Store) LatestRevision(ctx context.Context, uid string) (*ArtifactRevision, bool, error) {
	row := s.pool.QueryRow(ctx, revisionSelect+` WHERE artifact_uid = $1 AND is_latest`, uid)
	rev, err := scanRevision(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, memerr.Wrap(memerr.KindStorage, err, "load latest revision")
	}
	return rev, true, nil
}

// GetRevision loads one specific revision.
func (s *Store) GetRevision(ctx context.Context, uid, revisionID string) (*ArtifactRevision, bool, error) {
	row := s.pool.QueryRow(ctx,
		revisionSelect+` WHERE artifact_uid = $1 AND revision_id = $2`, uid, revisionID)
	rev, err := scanRevision(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, memerr.Wrap(memerr.KindStorage, err, "load revision")
	}
	return rev, true, nil
}

// RevisionCount returns how many revisions exist for uid.
func (s *Store) RevisionCount(ctx context.Context, uid string) (int, error) {
	var n int
	err := s.pool.QueryRow(ctx,
		`SELECT count(*) FROM artifact_revision WHERE artifact_uid = $1`, uid).Scan(&n)
	if err != nil {
		return 0, memerr.Wrap(memerr.KindStorage, err, "count revisions")
	}
	return n, nil
}

// InsertRevisionTx demotes the prior latest revision and inserts rev with
// its chunk mirror rows, all inside the caller's transaction.
func (s *Store) InsertRevisionTx(ctx context.Context, tx pgx.Tx, rev ArtifactRevision, chunks []ChunkRow) error {
	if _, err := tx.Exec(ctx,
		`UPDATE artifact_revision SET is_latest = FALSE
		 WHERE artifact_uid = $1 AND is_latest`, rev.ArtifactUID); err != nil {
		return memerr.Wrap(memerr.KindStorage, err, "demote prior revision")
	}
	_, err := tx.Exec(ctx,
		`INSERT INTO artifact_revision (
			artifact_uid, revision_id, artifact_id, content_hash, artifact_type,
			source_system, source_id, source_ts, title, document_date, author,
			participants, sensitivity, visibility_scope, retention_policy,
			content, token_count, is_chunked, chunk_count, is_latest, ingested_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16,$17,$18,$19,TRUE,$20)`,
		rev.ArtifactUID, rev.RevisionID, rev.ArtifactID, rev.ContentHash, rev.ArtifactType,
		rev.SourceSystem, rev.SourceID, rev.SourceTS, nullable(rev.Title), nullable(rev.DocumentDate),
		nullable(rev.Author), rev.Participants, rev.Sensitivity, rev.VisibilityScope,
		nullable(rev.RetentionPolicy), rev.Content, rev.TokenCount, rev.IsChunked,
		rev.ChunkCount, rev.IngestedAt)
	if err != nil {
		return memerr.Wrap(memerr.KindStorage, err, "insert artifact revision")
	}
	for _, ch := range chunks {
		if _, err := tx.Exec(ctx,
			`INSERT INTO chunk (chunk_id, artifact_uid, revision_id, artifact_id,
				chunk_index, content, start_char, end_char, token_count, content_hash)
			 VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`,
			ch.ChunkID, ch.ArtifactUID, ch.RevisionID, ch.ArtifactID,
			ch.ChunkIndex, ch.Content, ch.StartChar, ch.EndChar, ch.TokenCount, ch.ContentHash); err != nil {
			return memerr.Wrap(memerr.KindStorage, err, "insert chunk %s", ch.ChunkID)
		}
	}
	return nil
}

// RevisionByArtifactID resolves a content-addressed artifact id. The 12-hex
// prefix can collide across contents; fullHash disambiguates when non-empty.
func (s *Store) RevisionByArtifactID(ctx context.Context, artifactID, fullHash string) (*ArtifactRevision, bool, error) {
	q := revisionSelect + ` WHERE artifact_id = $1`
	args := []any{artifactID}
	if fullHash != "" {
		q += ` AND content_hash = $2`
		args = append(args, fullHash)
	}
	q += ` ORDER BY ingested_at DESC LIMIT 1`
	row := s.pool.QueryRow(ctx, q, args...)
	rev, err := scanRevision(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, memerr.Wrap(memerr.KindStorage, err, "load revision by artifact id")
	}
	return rev, true, nil
}

// RevisionsByArtifactIDs loads revision rows for a set of artifact ids,
// keyed by artifact id. Missing ids are simply absent from the result.
func (s *Store) RevisionsByArtifactIDs(ctx context.Context, ids []string) (map[string]*ArtifactRevision, error) {
	if len(ids) == 0 {
		return map[string]*ArtifactRevision{}, nil
	}
	rows, err := s.pool.Query(ctx, revisionSelect+` WHERE artifact_id = ANY($1)`, ids)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "load revisions")
	}
	defer rows.Close()
	out := make(map[string]*ArtifactRevision, len(ids))
	for rows.Next() {
		rev, err := scanRevision(rows)
		if err != nil {
			return nil, memerr.Wrap(memerr.KindStorage, err, "scan revision")
		}
		out[rev.ArtifactID] = rev
	}
	return out, rows.Err()
}

// ChunksByArtifactID returns the chunk mirror rows in index order.
func (s *Store) ChunksByArtifactID(ctx context.Context, artifactID string) ([]ChunkRow, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT chunk_id, artifact_uid, revision_id, artifact_id, chunk_index,
			content, start_char, end_char, token_count, content_hash
		 FROM chunk WHERE artifact_id = $1 ORDER BY chunk_index`, artifactID)
	if err != nil {
		return nil, memerr.Wrap(memerr.KindStorage, err, "load chunks")
	}
	defer rows.Close()
	var out []ChunkRow
	for rows.Next() {
		var ch ChunkRow
		if err := rows.Scan(&ch.ChunkID, &ch.ArtifactUID, &ch.RevisionID, &ch.ArtifactID,
			&ch.ChunkIndex, &ch.Content, &ch.StartChar, &ch.EndChar, &ch.TokenCount,
			&ch.ContentHash); err != nil {
			return nil, memerr.Wrap(memerr.KindStorage, err, "scan chunk")
		}
		out = append(out, ch)
	}
	return out, rows.Err()
}

// DeleteRevision removes one revision and everything scoped to it. Entity
// rows survive; their mentions for this revision cascade away.
func (s *Store) DeleteRevision(ctx context.Context, uid, revisionID string) (DeletedCounts, error) {
	var counts DeletedCounts
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		countQueries := []struct {
			dst *int
			sql string
		}{
			{&counts.Chunks, `SELECT count(*) FROM chunk WHERE artifact_uid=$1 AND revision_id=$2`},
			{&counts.Events, `SELECT count(*) FROM semantic_event WHERE artifact_uid=$1 AND revision_id=$2`},
			{&counts.Evidence, `SELECT count(*) FROM event_evidence WHERE artifact_uid=$1 AND revision_id=$2`},
			{&counts.Mentions, `SELECT count(*) FROM entity_mention WHERE artifact_uid=$1 AND revision_id=$2`},
			{&counts.Edges, `SELECT count(*) FROM entity_edge WHERE artifact_uid=$1 AND revision_id=$2`},
		}
		for _, cq := range countQueries {
			if err := tx.QueryRow(ctx, cq.sql, uid, revisionID).Scan(cq.dst); err != nil {
				return memerr.Wrap(memerr.KindStorage, err, "count cascade")
			}
		}
		tag, err := tx.Exec(ctx,
			`DELETE FROM artifact_revision WHERE artifact_uid=$1 AND revision_id=$2`,
			uid, revisionID)
		if err != nil {
			return memerr.Wrap(memerr.KindStorage, err, "delete revision")
		}
		counts.Revisions = int(tag.RowsAffected())
		return nil
	})
	return counts, err
}

const revisionSelect = `SELECT artifact_uid, revision_id, artifact_id, content_hash,
	artifact_type, source_system, source_id, source_ts, title, document_date,
	author, participants, sensitivity, visibility_scope, retention_policy,
	content, token_count, is_chunked, chunk_count, is_latest, ingested_at
	FROM artifact_revision`

func scanRevision(row pgx.Row) (*ArtifactRevision, error) {
	var rev ArtifactRevision
	var title, docDate, author, retention *string
	err := row.Scan(&rev.ArtifactUID, &rev.RevisionID, &rev.ArtifactID, &rev.ContentHash,
		&rev.ArtifactType, &rev.SourceSystem, &rev.SourceID, &rev.SourceTS, &title,
		&docDate, &author, &rev.Participants, &rev.Sensitivity, &rev.VisibilityScope,
		&retention, &rev.Content, &rev.TokenCount, &rev.IsChunked, &rev.ChunkCount,
		&rev.IsLatest, &rev.IngestedAt)
	if err != nil {
		return nil, err
	}
	rev.Title = deref(title)
	rev.DocumentDate = deref(docDate)
	rev.Author = deref(author)
	rev.RetentionPolicy = deref(retention)
	return &rev, nil
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
