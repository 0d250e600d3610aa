package worker

import (
	"context"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"engram/internal/extractor"
	"engram/internal/resolver"
	"engram/internal/store"
)

// piece is one unit of text handed to the extractor: a chunk, or the whole
// content of an unchunked revision.
type piece struct {
	chunkID   string
	index     int
	startChar int
	text      string
}

func piecesForRevision(rev *store.ArtifactRevision, chunks []store.ChunkRow) []piece {
	if len(chunks) == 0 {
		return []piece{{text: rev.Content}}
	}
	out := make([]piece, 0, len(chunks))
	for _, ch := range chunks {
		out = append(out, piece{
			chunkID:   ch.ChunkID,
			index:     ch.ChunkIndex,
			startChar: ch.StartChar,
			text:      ch.Content,
		})
	}
	return out
}

// extractAll runs per-piece extraction concurrently, preserving piece order.
func (w *Worker) extractAll(ctx context.Context, pieces []piece) ([]*extractor.ChunkExtraction, error) {
	results := make([]*extractor.ChunkExtraction, len(pieces))
	g, gctx := errgroup.WithContext(ctx)
	for i, p := range pieces {
		g.Go(func() error {
			out, err := w.extractor.ExtractChunk(gctx, extractor.ChunkRequest{
				Text:       p.text,
				ChunkIndex: p.index,
				ChunkID:    p.chunkID,
				StartChar:  p.startChar,
			})
			if err != nil {
				return err
			}
			translateOffsets(out, p.startChar)
			results[i] = out
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return results, nil
}

// translateOffsets converts chunk-local character offsets to
// revision-global ones.
func translateOffsets(out *extractor.ChunkExtraction, startChar int) {
	if startChar == 0 {
		return
	}
	for i := range out.Events {
		for j := range out.Events[i].Evidence {
			out.Events[i].Evidence[j].StartChar += startChar
			out.Events[i].Evidence[j].EndChar += startChar
		}
	}
	for i := range out.Entities {
		out.Entities[i].StartChar += startChar
		out.Entities[i].EndChar += startChar
	}
}

// normalizeWS collapses runs of whitespace so quote matching tolerates
// formatting differences between the model output and the source.
func normalizeWS(s string) string {
	return strings.Join(strings.Fields(s), " ")
}

// quoteAppears reports whether the quote occurs in the revision content up
// to whitespace normalization.
func quoteAppears(quote, content string) bool {
	q := normalizeWS(quote)
	if q == "" {
		return false
	}
	return strings.Contains(normalizeWS(content), q)
}

// validateEvents normalizes and filters the canonical event list, dropping
// events with no grounded evidence left.
func validateEvents(events []extractor.Event, content string) []extractor.Event {
	var out []extractor.Event
	for _, ev := range events {
		if !extractor.ValidateEvent(&ev) {
			log.Warn().Str("category", ev.Category).Msg("event_dropped_invalid")
			continue
		}
		var grounded []extractor.EvidenceSpan
		for _, sp := range ev.Evidence {
			if quoteAppears(sp.Quote, content) {
				grounded = append(grounded, sp)
			} else {
				log.Warn().Str("quote", sp.Quote).Msg("evidence_dropped_unmatched")
			}
		}
		if len(grounded) == 0 {
			log.Warn().Str("narrative", ev.Narrative).Msg("event_dropped_no_evidence")
			continue
		}
		ev.Evidence = grounded
		out = append(out, ev)
	}
	return out
}

// resolveEntities resolves every merged entity and returns the surface-form
// lookup map, the mention rows, and any POSSIBLY_SAME hint edges.
func (w *Worker) resolveEntities(ctx context.Context, entities []extractor.Entity,
	artifact resolver.ArtifactContext) (map[string]uuid.UUID, []store.MentionRecord, []store.EdgeRecord, error) {
	refs := map[string]uuid.UUID{}
	var mentions []store.MentionRecord
	var hints []store.EdgeRecord
	for _, ent := range entities {
		res, err := w.resolver.Resolve(ctx, ent, artifact)
		if err != nil {
			return nil, nil, nil, err
		}
		for _, form := range append([]string{ent.CanonicalSuggestion, ent.SurfaceForm}, ent.AliasesInDoc...) {
			if key := refKey(form); key != "" {
				if _, taken := refs[key]; !taken {
					refs[key] = res.EntityID
				}
			}
		}
		mention := store.MentionRecord{
			EntityID:    res.EntityID,
			ArtifactUID: artifact.ArtifactUID,
			RevisionID:  artifact.RevisionID,
			ChunkID:     ent.ChunkID,
			StartChar:   ent.StartChar,
			EndChar:     ent.EndChar,
			SurfaceForm: ent.SurfaceForm,
		}
		mentions = append(mentions, mention)
		if res.Hint != nil {
			hints = append(hints, *res.Hint)
		}
	}
	return refs, mentions, hints, nil
}

func refKey(form string) string {
	return strings.ToLower(strings.TrimSpace(form))
}

// buildEvents assembles the committed event records: embeddings attached,
// actor and subject refs resolved where possible (unresolved refs stay
// textual via actors_json and evidence).
func buildEvents(events []extractor.Event, embeddings [][]float32,
	refs map[string]uuid.UUID, uid, revisionID string, runID uuid.UUID) []store.EventRecord {
	now := time.Now().UTC()
	out := make([]store.EventRecord, 0, len(events))
	for i, ev := range events {
		rec := store.EventRecord{
			EventID:         uuid.New(),
			ArtifactUID:     uid,
			RevisionID:      revisionID,
			Category:        ev.Category,
			Narrative:       ev.Narrative,
			EventTime:       ev.ParsedEventTime(),
			Subject:         store.SubjectRef{Type: ev.Subject.Type, Ref: ev.Subject.Ref},
			Confidence:      ev.Confidence,
			Embedding:       embeddings[i],
			ExtractionRunID: runID,
			CreatedAt:       now,
		}
		seenActor := map[uuid.UUID]bool{}
		for _, actor := range ev.Actors {
			rec.Actors = append(rec.Actors, store.ActorRef{Ref: actor.Ref, Role: actor.Role})
			if id, ok := refs[refKey(actor.Ref)]; ok && !seenActor[id] {
				seenActor[id] = true
				rec.ActorLinks = append(rec.ActorLinks, store.EventEntityLink{EntityID: id, Role: actor.Role})
			}
		}
		if id, ok := refs[refKey(ev.Subject.Ref)]; ok {
			rec.Subjects = append(rec.Subjects, id)
		}
		for _, sp := range ev.Evidence {
			rec.Evidence = append(rec.Evidence, store.EvidenceSpan{
				EventID:     rec.EventID,
				ArtifactUID: uid,
				RevisionID:  revisionID,
				ChunkID:     sp.ChunkID,
				StartChar:   sp.StartChar,
				EndChar:     sp.EndChar,
				Quote:       sp.Quote,
			})
		}
		out = append(out, rec)
	}
	return out
}

// buildEdges maps merged relationships onto resolved entity ids; relations
// with an unresolved endpoint are skipped.
func buildEdges(rels []extractor.Relationship, refs map[string]uuid.UUID,
	uid, revisionID string) []store.EdgeRecord {
	var out []store.EdgeRecord
	for _, rel := range rels {
		src, okSrc := refs[refKey(rel.Source)]
		dst, okDst := refs[refKey(rel.Target)]
		if !okSrc || !okDst || src == dst {
			continue
		}
		out = append(out, store.EdgeRecord{
			SourceEntityID:   src,
			TargetEntityID:   dst,
			RelationshipType: rel.Type,
			ArtifactUID:      uid,
			RevisionID:       revisionID,
			Confidence:       rel.Confidence,
			EvidenceQuote:    rel.EvidenceQuote,
		})
	}
	return out
}
