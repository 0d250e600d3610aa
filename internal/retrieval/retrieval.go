// Package retrieval answers recall queries with multi-index vector search,
// reciprocal-rank fusion, artifact/chunk dedup, and graph expansion.
package retrieval

import (
	"context"
	"sort"
	"time"

	"github.com/rs/zerolog/log"

	"engram/internal/chunker"
	"engram/internal/config"
	"engram/internal/embeddings"
	"engram/internal/memerr"
	"engram/internal/store"
	"engram/internal/vectorstore"
)

// Options control one recall call.
type Options struct {
	Limit           int
	Expand          bool
	IncludeEvents   bool
	IncludeEntities bool
	IncludeEdges    bool
	EdgeTypes       []string
	GraphBudget     int
	// ID short-circuits search and returns a single artifact.
	ID string
}

// ResultItem is one primary recall result.
type ResultItem struct {
	ArtifactID  string      `json:"artifact_id"`
	ArtifactUID string      `json:"artifact_uid"`
	RevisionID  string      `json:"revision_id"`
	Title       string      `json:"title,omitempty"`
	Content     string      `json:"content"`
	ChunkID     string      `json:"chunk_id,omitempty"`
	ChunkIndex  *int        `json:"chunk_index,omitempty"`
	Score       float64     `json:"score"`
	Indices     []string    `json:"indices,omitempty"`
	Events      []EventView `json:"events,omitempty"`
}

// RelatedItem is a graph-expansion result.
type RelatedItem struct {
	ArtifactID     string  `json:"artifact_id"`
	ArtifactUID    string  `json:"artifact_uid"`
	Title          string  `json:"title,omitempty"`
	Score          float64 `json:"score"`
	HopDistance    int     `json:"hop_distance"`
	SharedEntities int     `json:"shared_entities"`
}

// EventView is the caller-facing event shape.
type EventView struct {
	EventID    string           `json:"event_id"`
	Category   string           `json:"category"`
	Narrative  string           `json:"narrative"`
	EventTime  *time.Time       `json:"event_time,omitempty"`
	Subject    store.SubjectRef `json:"subject"`
	Actors     []store.ActorRef `json:"actors"`
	Confidence float64          `json:"confidence"`
	Evidence   []EvidenceView   `json:"evidence,omitempty"`
}

// EvidenceView is one evidence span in a response.
type EvidenceView struct {
	ChunkID   string `json:"chunk_id,omitempty"`
	StartChar int    `json:"start_char"`
	EndChar   int    `json:"end_char"`
	Quote     string `json:"quote"`
}

// EntityView is the caller-facing entity shape.
type EntityView struct {
	EntityID      string `json:"entity_id"`
	EntityType    string `json:"entity_type"`
	CanonicalName string `json:"canonical_name"`
	Role          string `json:"role,omitempty"`
	Organization  string `json:"organization,omitempty"`
	Email         string `json:"email,omitempty"`
	NeedsReview   bool   `json:"needs_review,omitempty"`
}

// EdgeView is one traversed relation in a response.
type EdgeView struct {
	SourceEntityID string  `json:"source_entity_id"`
	TargetEntityID string  `json:"target_entity_id"`
	Type           string  `json:"relationship_type"`
	Confidence     float64 `json:"confidence"`
}

// Response is the full recall answer. Results and Related are disjoint.
type Response struct {
	Results  []ResultItem  `json:"results"`
	Related  []RelatedItem `json:"related,omitempty"`
	Entities []EntityView  `json:"entities,omitempty"`
	Edges    []EdgeView    `json:"edges,omitempty"`
}

type Engine struct {
	vectors  vectorstore.Store
	st       *store.Store
	embedder embeddings.Embedder
	cfg      config.RetrievalConfig
	qcfg     config.QdrantConfig
}

func NewEngine(vectors vectorstore.Store, st *store.Store, embedder embeddings.Embedder,
	cfg config.RetrievalConfig, qcfg config.QdrantConfig) *Engine {
	return &Engine{vectors: vectors, st: st, embedder: embedder, cfg: cfg, qcfg: qcfg}
}

// Recall answers a query under the configured wall-clock budget.
func (e *Engine) Recall(ctx context.Context, query string, opts Options) (*Response, error) {
	if opts.ID != "" {
		return e.recallByID(ctx, opts)
	}
	if query == "" {
		return nil, memerr.New(memerr.KindValidation, "query must not be empty")
	}
	if opts.Limit <= 0 {
		opts.Limit = 10
	}
	if opts.GraphBudget <= 0 {
		opts.GraphBudget = e.cfg.GraphBudget
	}
	if e.cfg.RecallTimeoutSeconds > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx,
			time.Duration(e.cfg.RecallTimeoutSeconds)*time.Second)
		defer cancel()
	}

	queryVec, err := e.embedder.Embed(ctx, query)
	if err != nil {
		return nil, err
	}

	overfetch := opts.Limit * e.cfg.Overfetch
	if overfetch <= 0 {
		overfetch = opts.Limit * 3
	}
	lists := map[string][]string{}
	for _, coll := range []string{e.qcfg.ContentCollection, e.qcfg.ChunksCollection} {
		hits, err := e.vectors.Query(ctx, coll, queryVec, overfetch, nil)
		if err != nil {
			return nil, err
		}
		ids := make([]string, 0, len(hits))
		for _, h := range hits {
			ids = append(ids, h.ID)
		}
		lists[coll] = ids
	}
	if opts.IncludeEvents {
		if ids, err := e.eventIndexList(ctx, queryVec, overfetch); err == nil {
			lists["events"] = ids
		} else {
			log.Warn().Err(err).Msg("event_index_skipped")
		}
	}

	fused := FuseRRF(lists, e.cfg.RRFConstant)
	deduped := DedupByArtifact(fused)

	// Stale vector entries have no revision row; drop them.
	artifactIDs := make([]string, 0, len(deduped))
	for _, c := range deduped {
		artifactIDs = append(artifactIDs, c.ArtifactID)
	}
	revisions, err := e.st.RevisionsByArtifactIDs(ctx, artifactIDs)
	if err != nil {
		return nil, err
	}
	var kept []Candidate
	for _, c := range deduped {
		if _, ok := revisions[c.ArtifactID]; ok {
			kept = append(kept, c)
		}
	}
	if len(kept) > opts.Limit {
		kept = kept[:opts.Limit]
	}

	resp := &Response{Results: make([]ResultItem, 0, len(kept))}
	for _, c := range kept {
		item, err := e.hydrate(ctx, c, revisions[c.ArtifactID], opts.IncludeEvents)
		if err != nil {
			return nil, err
		}
		resp.Results = append(resp.Results, *item)
	}

	if opts.Expand || opts.IncludeEntities || opts.IncludeEdges {
		if err := e.expand(ctx, resp, opts); err != nil {
			return nil, err
		}
	}
	log.Debug().Int("results", len(resp.Results)).Int("related", len(resp.Related)).
		Msg("recall_complete")
	return resp, nil
}

func (e *Engine) recallByID(ctx context.Context, opts Options) (*Response, error) {
	rev, ok, err := e.st.RevisionByArtifactID(ctx, opts.ID, "")
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, memerr.New(memerr.KindNotFound, "artifact %s", opts.ID)
	}
	item := ResultItem{
		ArtifactID:  rev.ArtifactID,
		ArtifactUID: rev.ArtifactUID,
		RevisionID:  rev.RevisionID,
		Title:       rev.Title,
		Content:     rev.Content,
		Score:       1,
	}
	if opts.IncludeEvents {
		events, err := e.st.EventsForRevision(ctx, rev.ArtifactUID, rev.RevisionID, true)
		if err != nil {
			return nil, err
		}
		item.Events = eventViews(events)
	}
	return &Response{Results: []ResultItem{item}}, nil
}

// eventIndexList searches the pgvector event index and projects hits onto
// their artifacts' latest revisions.
func (e *Engine) eventIndexList(ctx context.Context, queryVec []float32, limit int) ([]string, error) {
	events, err := e.st.SearchEvents(ctx, queryVec, limit)
	if err != nil {
		return nil, err
	}
	uids := make([]string, 0, len(events))
	seen := map[string]bool{}
	for _, ev := range events {
		if !seen[ev.ArtifactUID] {
			seen[ev.ArtifactUID] = true
			uids = append(uids, ev.ArtifactUID)
		}
	}
	revs, err := e.st.ArtifactIDsForUIDs(ctx, uids)
	if err != nil {
		return nil, err
	}
	ids := make([]string, 0, len(uids))
	for _, uid := range uids {
		if rev, ok := revs[uid]; ok {
			ids = append(ids, rev.ArtifactID)
		}
	}
	return ids, nil
}

func (e *Engine) hydrate(ctx context.Context, c Candidate, rev *store.ArtifactRevision, withEvents bool) (*ResultItem, error) {
	item := &ResultItem{
		ArtifactID:  c.ArtifactID,
		ArtifactUID: rev.ArtifactUID,
		RevisionID:  rev.RevisionID,
		Title:       rev.Title,
		Content:     rev.Content,
		Score:       c.Score,
		Indices:     c.Indices,
	}
	if c.IsChunk {
		chunks, err := e.st.ChunksByArtifactID(ctx, c.ArtifactID)
		if err != nil {
			return nil, err
		}
		if target, siblings, ok := findChunk(chunks, c.ID); ok {
			item.ChunkID = c.ID
			idx := target.Index
			item.ChunkIndex = &idx
			item.Content = chunker.ExpandNeighbors(target, siblings)
		}
	}
	if withEvents {
		events, err := e.st.EventsForRevision(ctx, rev.ArtifactUID, rev.RevisionID, true)
		if err != nil {
			return nil, err
		}
		item.Events = eventViews(events)
	}
	return item, nil
}

func findChunk(rows []store.ChunkRow, chunkID string) (chunker.Chunk, []chunker.Chunk, bool) {
	siblings := make([]chunker.Chunk, 0, len(rows))
	var target *chunker.Chunk
	for _, r := range rows {
		ch := chunker.Chunk{
			ChunkID:    r.ChunkID,
			ArtifactID: r.ArtifactID,
			Index:      r.ChunkIndex,
			Content:    r.Content,
			StartChar:  r.StartChar,
			EndChar:    r.EndChar,
			TokenCount: r.TokenCount,
		}
		siblings = append(siblings, ch)
		if r.ChunkID == chunkID {
			target = &siblings[len(siblings)-1]
		}
	}
	if target == nil {
		return chunker.Chunk{}, nil, false
	}
	return *target, siblings, true
}

func (e *Engine) expand(ctx context.Context, resp *Response, opts Options) error {
	primaryUIDs := make([]string, 0, len(resp.Results))
	for _, r := range resp.Results {
		primaryUIDs = append(primaryUIDs, r.ArtifactUID)
	}
	seedEntities, err := e.st.EntitiesForArtifacts(ctx, primaryUIDs)
	if err != nil {
		return err
	}

	var related []RelatedArtifact
	var edges []store.EdgeRecord
	if opts.Expand {
		related, edges = ExpandGraph(ctx, e.st, primaryUIDs, seedEntities, GraphOptions{
			Relations:            e.cfg.GraphEdgeRelations,
			EdgeTypes:            opts.EdgeTypes,
			Depth:                e.cfg.GraphDepth,
			Budget:               opts.GraphBudget,
			HopWeight:            e.cfg.HopWeight,
			SharedEntityWeight:   e.cfg.SharedEntityWeight,
			EdgeConfidenceWeight: e.cfg.EdgeConfidenceWeight,
		})
	}
	if len(related) > 0 {
		uids := make([]string, 0, len(related))
		for _, r := range related {
			uids = append(uids, r.ArtifactUID)
		}
		revs, err := e.st.ArtifactIDsForUIDs(ctx, uids)
		if err != nil {
			return err
		}
		for _, r := range related {
			rev, ok := revs[r.ArtifactUID]
			if !ok {
				continue
			}
			resp.Related = append(resp.Related, RelatedItem{
				ArtifactID:     rev.ArtifactID,
				ArtifactUID:    r.ArtifactUID,
				Title:          rev.Title,
				Score:          r.Score,
				HopDistance:    r.Hop,
				SharedEntities: r.SharedEntities,
			})
		}
	}
	if opts.IncludeEntities && len(seedEntities) > 0 {
		entities, err := e.st.EntitiesByIDs(ctx, seedEntities)
		if err != nil {
			return err
		}
		sort.Slice(entities, func(i, j int) bool {
			return entities[i].CanonicalName < entities[j].CanonicalName
		})
		for _, ent := range entities {
			resp.Entities = append(resp.Entities, EntityView{
				EntityID:      ent.EntityID.String(),
				EntityType:    ent.EntityType,
				CanonicalName: ent.CanonicalName,
				Role:          ent.Role,
				Organization:  ent.Organization,
				Email:         ent.Email,
				NeedsReview:   ent.NeedsReview,
			})
		}
	}
	if opts.IncludeEdges {
		for _, edge := range edges {
			resp.Edges = append(resp.Edges, EdgeView{
				SourceEntityID: edge.SourceEntityID.String(),
				TargetEntityID: edge.TargetEntityID.String(),
				Type:           edge.RelationshipType,
				Confidence:     edge.Confidence,
			})
		}
	}
	return nil
}

func eventViews(events []store.EventRecord) []EventView {
	out := make([]EventView, 0, len(events))
	for _, ev := range events {
		view := EventView{
			EventID:    ev.EventID.String(),
			Category:   ev.Category,
			Narrative:  ev.Narrative,
			EventTime:  ev.EventTime,
			Subject:    ev.Subject,
			Actors:     ev.Actors,
			Confidence: ev.Confidence,
		}
		for _, sp := range ev.Evidence {
			view.Evidence = append(view.Evidence, EvidenceView{
				ChunkID:   sp.ChunkID,
				StartChar: sp.StartChar,
				EndChar:   sp.EndChar,
				Quote:     sp.Quote,
			})
		}
		out = append(out, view)
	}
	return out
}
