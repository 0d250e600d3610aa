// Package resolver maps surface forms in text to canonical entities via
// exact candidate lookup plus context-embedding similarity.
package resolver

import (
	"context"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"

	"engram/internal/embeddings"
	"engram/internal/extractor"
	"engram/internal/store"
)

// Outcome says how a surface form was resolved.
type Outcome string

const (
	OutcomeMerged            Outcome = "merged"
	OutcomeCreated           Outcome = "created"
	OutcomeCreatedForReview  Outcome = "created_needs_review"
	PossiblySameRelationship         = "POSSIBLY_SAME"
)

// Directory is the entity-store surface the resolver needs; *store.Store
// implements it.
type Directory interface {
	CandidatesByForms(ctx context.Context, entityType string, forms []string) ([]store.Entity, error)
	CandidatesByEmail(ctx context.Context, entityType, email string) ([]store.Entity, error)
	CreateEntity(ctx context.Context, ent store.Entity, aliases []string) error
	MergeEntity(ctx context.Context, id uuid.UUID, aliases []string,
		contextEmbedding []float32, mentionCount int, role, org, email string) error
}

// ArtifactContext locates the mention being resolved.
type ArtifactContext struct {
	ArtifactUID string
	RevisionID  string
	DocTitle    string
}

// Resolution is the outcome for one extracted entity.
type Resolution struct {
	EntityID uuid.UUID
	Outcome  Outcome
	Score    float64
	// Hint is a POSSIBLY_SAME edge toward the best rejected candidate,
	// set only for review-band creations.
	Hint *store.EdgeRecord
}

type Resolver struct {
	dir             Directory
	embedder        embeddings.Embedder
	mergeThreshold  float64
	reviewThreshold float64
}

func New(dir Directory, embedder embeddings.Embedder, mergeThreshold, reviewThreshold float64) *Resolver {
	return &Resolver{
		dir:             dir,
		embedder:        embedder,
		mergeThreshold:  mergeThreshold,
		reviewThreshold: reviewThreshold,
	}
}

// Resolve maps one extracted entity to a canonical entity id, creating or
// merging as the score dictates.
func (r *Resolver) Resolve(ctx context.Context, ent extractor.Entity, artifact ArtifactContext) (*Resolution, error) {
	candidates, err := r.lookupCandidates(ctx, ent)
	if err != nil {
		return nil, err
	}

	contextEmb, err := r.embedder.Embed(ctx, contextString(ent, artifact))
	if err != nil {
		return nil, err
	}

	scored := scoreCandidates(candidates, contextEmb, ent)
	aliases := aliasSet(ent)

	if len(scored) > 0 && scored[0].score >= r.mergeThreshold {
		best := scored[0]
		merged := runningAverage(best.entity.ContextEmbedding, contextEmb, best.entity.MentionCount)
		if err := r.dir.MergeEntity(ctx, best.entity.EntityID, aliases, merged,
			best.entity.MentionCount+1, ent.ContextClues.Role, ent.ContextClues.Org,
			ent.ContextClues.Email); err != nil {
			return nil, err
		}
		log.Debug().Str("entity_id", best.entity.EntityID.String()).
			Str("surface_form", ent.SurfaceForm).Float64("score", best.score).
			Msg("entity_merged")
		return &Resolution{EntityID: best.entity.EntityID, Outcome: OutcomeMerged, Score: best.score}, nil
	}

	newEntity := store.Entity{
		EntityID:             uuid.New(),
		EntityType:           ent.Type,
		CanonicalName:        ent.CanonicalSuggestion,
		Role:                 ent.ContextClues.Role,
		Organization:         ent.ContextClues.Org,
		Email:                ent.ContextClues.Email,
		ContextEmbedding:     contextEmb,
		MentionCount:         1,
		FirstSeenArtifactUID: artifact.ArtifactUID,
		FirstSeenRevisionID:  artifact.RevisionID,
		CreatedAt:            time.Now().UTC(),
	}
	res := &Resolution{EntityID: newEntity.EntityID, Outcome: OutcomeCreated}
	if len(scored) > 0 && scored[0].score >= r.reviewThreshold {
		newEntity.NeedsReview = true
		res.Outcome = OutcomeCreatedForReview
		res.Score = scored[0].score
		res.Hint = &store.EdgeRecord{
			SourceEntityID:   newEntity.EntityID,
			TargetEntityID:   scored[0].entity.EntityID,
			RelationshipType: PossiblySameRelationship,
			ArtifactUID:      artifact.ArtifactUID,
			RevisionID:       artifact.RevisionID,
			Confidence:       scored[0].score,
		}
	}
	if err := r.dir.CreateEntity(ctx, newEntity, aliases); err != nil {
		return nil, err
	}
	log.Debug().Str("entity_id", newEntity.EntityID.String()).
		Str("surface_form", ent.SurfaceForm).Str("outcome", string(res.Outcome)).
		Msg("entity_created")
	return res, nil
}

func (r *Resolver) lookupCandidates(ctx context.Context, ent extractor.Entity) ([]store.Entity, error) {
	forms := aliasSet(ent)
	byForm, err := r.dir.CandidatesByForms(ctx, ent.Type, forms)
	if err != nil {
		return nil, err
	}
	seen := map[uuid.UUID]bool{}
	var out []store.Entity
	for _, c := range byForm {
		if !seen[c.EntityID] {
			seen[c.EntityID] = true
			out = append(out, c)
		}
	}
	if ent.ContextClues.Email != "" {
		byEmail, err := r.dir.CandidatesByEmail(ctx, ent.Type, ent.ContextClues.Email)
		if err != nil {
			return nil, err
		}
		for _, c := range byEmail {
			if !seen[c.EntityID] {
				seen[c.EntityID] = true
				out = append(out, c)
			}
		}
	}
	return out, nil
}

type scoredCandidate struct {
	entity store.Entity
	score  float64
}

// scoreCandidates ranks candidates by context-embedding cosine similarity
// with exact-match boosts, capped at 1.0. Ties prefer more mentions, then
// the older entity.
func scoreCandidates(candidates []store.Entity, contextEmb []float32, ent extractor.Entity) []scoredCandidate {
	scored := make([]scoredCandidate, 0, len(candidates))
	for _, c := range candidates {
		s := Cosine(contextEmb, c.ContextEmbedding)
		if ent.ContextClues.Email != "" && strings.EqualFold(ent.ContextClues.Email, c.Email) {
			s += 0.10
		}
		if ent.ContextClues.Role != "" && ent.ContextClues.Org != "" &&
			strings.EqualFold(ent.ContextClues.Role, c.Role) &&
			strings.EqualFold(ent.ContextClues.Org, c.Organization) {
			s += 0.05
		}
		if s > 1.0 {
			s = 1.0
		}
		scored = append(scored, scoredCandidate{entity: c, score: s})
	}
	sort.Slice(scored, func(i, j int) bool {
		if scored[i].score != scored[j].score {
			return scored[i].score > scored[j].score
		}
		if scored[i].entity.MentionCount != scored[j].entity.MentionCount {
			return scored[i].entity.MentionCount > scored[j].entity.MentionCount
		}
		return scored[i].entity.CreatedAt.Before(scored[j].entity.CreatedAt)
	})
	return scored
}

// contextString builds the text embedded as the mention's context.
func contextString(ent extractor.Entity, artifact ArtifactContext) string {
	parts := []string{ent.CanonicalSuggestion}
	if ent.ContextClues.Role != "" {
		parts = append(parts, ent.ContextClues.Role)
	}
	if ent.ContextClues.Org != "" {
		parts = append(parts, ent.ContextClues.Org)
	}
	if ent.ContextClues.Email != "" {
		parts = append(parts, ent.ContextClues.Email)
	}
	if artifact.DocTitle != "" {
		parts = append(parts, artifact.DocTitle)
	}
	return strings.Join(parts, " | ")
}

// aliasSet unions the canonical suggestion, the surface form, and in-doc
// aliases, deduplicated and order-preserving.
func aliasSet(ent extractor.Entity) []string {
	var out []string
	seen := map[string]bool{}
	for _, f := range append([]string{ent.CanonicalSuggestion, ent.SurfaceForm}, ent.AliasesInDoc...) {
		f = strings.TrimSpace(f)
		if f == "" || seen[f] {
			continue
		}
		seen[f] = true
		out = append(out, f)
	}
	return out
}

// runningAverage folds a new context embedding into the stored one,
// weighted by the prior mention count.
func runningAverage(old, next []float32, mentionCount int) []float32 {
	if len(old) != len(next) || mentionCount <= 0 {
		return next
	}
	n := float64(mentionCount)
	out := make([]float32, len(old))
	for i := range old {
		out[i] = float32((float64(old[i])*n + float64(next[i])) / (n + 1))
	}
	return out
}

// Cosine is the cosine similarity between two vectors; mismatched or empty
// vectors score 0.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, na, nb float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		na += float64(a[i]) * float64(a[i])
		nb += float64(b[i]) * float64(b[i])
	}
	if na == 0 || nb == 0 {
		return 0
	}
	return dot / (math.Sqrt(na) * math.Sqrt(nb))
}
