package resolver

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/extractor"
	"engram/internal/store"
)

type fakeDirectory struct {
	entities map[uuid.UUID]store.Entity
	aliases  map[uuid.UUID][]string
	merges   int
	creates  int
}

func newFakeDirectory() *fakeDirectory {
	return &fakeDirectory{
		entities: map[uuid.UUID]store.Entity{},
		aliases:  map[uuid.UUID][]string{},
	}
}

func (f *fakeDirectory) CandidatesByForms(_ context.Context, entityType string, forms []string) ([]store.Entity, error) {
	var out []store.Entity
	for id, ent := range f.entities {
		if ent.EntityType != entityType {
			continue
		}
		for _, form := range forms {
			if ent.CanonicalName == form || containsString(f.aliases[id], form) {
				out = append(out, ent)
				break
			}
		}
	}
	return out, nil
}

func (f *fakeDirectory) CandidatesByEmail(_ context.Context, entityType, email string) ([]store.Entity, error) {
	var out []store.Entity
	for _, ent := range f.entities {
		if ent.EntityType == entityType && ent.Email == email {
			out = append(out, ent)
		}
	}
	return out, nil
}

func (f *fakeDirectory) CreateEntity(_ context.Context, ent store.Entity, aliases []string) error {
	f.creates++
	f.entities[ent.EntityID] = ent
	f.aliases[ent.EntityID] = aliases
	return nil
}

func (f *fakeDirectory) MergeEntity(_ context.Context, id uuid.UUID, aliases []string,
	contextEmbedding []float32, mentionCount int, role, org, email string) error {
	f.merges++
	ent := f.entities[id]
	ent.ContextEmbedding = contextEmbedding
	ent.MentionCount = mentionCount
	f.entities[id] = ent
	f.aliases[id] = append(f.aliases[id], aliases...)
	return nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

// fixedEmbedder returns the same vector for every input so candidate
// similarity is fully controlled by the stored candidate embeddings.
type fixedEmbedder struct {
	vec []float32
}

func (f *fixedEmbedder) Embed(context.Context, string) ([]float32, error) {
	return f.vec, nil
}
func (f *fixedEmbedder) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}
func (f *fixedEmbedder) Dimension() int             { return len(f.vec) }
func (f *fixedEmbedder) Ping(context.Context) error { return nil }

func aliceEntity(emb []float32) store.Entity {
	return store.Entity{
		EntityID:         uuid.New(),
		EntityType:       "person",
		CanonicalName:    "Alice Chen",
		Role:             "PM",
		Organization:     "Acme",
		Email:            "achen@acme.com",
		ContextEmbedding: emb,
		MentionCount:     3,
		CreatedAt:        time.Now().Add(-time.Hour),
	}
}

func extracted() extractor.Entity {
	return extractor.Entity{
		SurfaceForm:         "Alice",
		CanonicalSuggestion: "Alice Chen",
		Type:                "person",
		ContextClues:        extractor.ContextClues{Role: "PM", Org: "Acme"},
		AliasesInDoc:        []string{"A. Chen"},
	}
}

func TestResolveMergesHighSimilarity(t *testing.T) {
	dir := newFakeDirectory()
	existing := aliceEntity([]float32{1, 0, 0})
	dir.entities[existing.EntityID] = existing
	dir.aliases[existing.EntityID] = []string{"Alice"}

	r := New(dir, &fixedEmbedder{vec: []float32{1, 0, 0}}, 0.85, 0.70)
	res, err := r.Resolve(context.Background(), extracted(),
		ArtifactContext{ArtifactUID: "au_1", RevisionID: "rev_001", DocTitle: "Planning"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeMerged, res.Outcome)
	assert.Equal(t, existing.EntityID, res.EntityID)
	assert.Equal(t, 1, dir.merges)
	assert.Equal(t, 0, dir.creates)
	assert.Equal(t, 4, dir.entities[existing.EntityID].MentionCount)
}

func TestResolveCreatesForReviewInMidBand(t *testing.T) {
	dir := newFakeDirectory()
	// Candidate similarity ~0.75: same direction but partly rotated.
	existing := aliceEntity([]float32{0.75, 0.661, 0})
	dir.entities[existing.EntityID] = existing
	dir.aliases[existing.EntityID] = []string{"Alice"}

	r := New(dir, &fixedEmbedder{vec: []float32{1, 0, 0}}, 0.95, 0.70)
	res, err := r.Resolve(context.Background(), extracted(),
		ArtifactContext{ArtifactUID: "au_1", RevisionID: "rev_001"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreatedForReview, res.Outcome)
	assert.NotEqual(t, existing.EntityID, res.EntityID)
	require.NotNil(t, res.Hint)
	assert.Equal(t, PossiblySameRelationship, res.Hint.RelationshipType)
	assert.Equal(t, existing.EntityID, res.Hint.TargetEntityID)
	assert.True(t, dir.entities[res.EntityID].NeedsReview)
}

func TestResolveCreatesWhenNoCandidates(t *testing.T) {
	dir := newFakeDirectory()
	r := New(dir, &fixedEmbedder{vec: []float32{1, 0, 0}}, 0.85, 0.70)
	res, err := r.Resolve(context.Background(), extracted(),
		ArtifactContext{ArtifactUID: "au_1", RevisionID: "rev_001"})
	require.NoError(t, err)

	assert.Equal(t, OutcomeCreated, res.Outcome)
	assert.Nil(t, res.Hint)
	assert.Equal(t, 1, dir.creates)
	created := dir.entities[res.EntityID]
	assert.False(t, created.NeedsReview)
	assert.Equal(t, "au_1", created.FirstSeenArtifactUID)
	assert.Contains(t, dir.aliases[res.EntityID], "Alice Chen")
	assert.Contains(t, dir.aliases[res.EntityID], "Alice")
	assert.Contains(t, dir.aliases[res.EntityID], "A. Chen")
}

func TestScoreBoostsAndTieBreaks(t *testing.T) {
	emb := []float32{1, 0, 0}
	withEmail := aliceEntity(emb)
	without := aliceEntity(emb)
	without.Email = ""
	without.MentionCount = 10

	scored := scoreCandidates([]store.Entity{without, withEmail}, emb, extractor.Entity{
		Type:         "person",
		ContextClues: extractor.ContextClues{Email: "achen@acme.com"},
	})
	require.Len(t, scored, 2)
	// Both cosine 1.0 capped; email boost cannot push past the cap, so the
	// tie-break prefers the candidate with more mentions.
	assert.Equal(t, without.EntityID, scored[0].entity.EntityID)

	// With imperfect cosine the email boost decides.
	partial := []float32{0.9, 0.436, 0}
	withEmail.ContextEmbedding = partial
	without.ContextEmbedding = partial
	scored = scoreCandidates([]store.Entity{without, withEmail}, emb, extractor.Entity{
		Type:         "person",
		ContextClues: extractor.ContextClues{Email: "achen@acme.com"},
	})
	assert.Equal(t, withEmail.EntityID, scored[0].entity.EntityID)
}

func TestRunningAverage(t *testing.T) {
	avg := runningAverage([]float32{1, 1}, []float32{0, 0}, 3)
	assert.InDelta(t, 0.75, float64(avg[0]), 1e-6)
	// No prior mentions: the new embedding wins outright.
	assert.Equal(t, []float32{0.5}, runningAverage(nil, []float32{0.5}, 0))
}

func TestCosine(t *testing.T) {
	assert.InDelta(t, 1.0, Cosine([]float32{1, 0}, []float32{2, 0}), 1e-9)
	assert.InDelta(t, 0.0, Cosine([]float32{1, 0}, []float32{0, 1}), 1e-9)
	assert.Equal(t, 0.0, Cosine([]float32{1}, []float32{1, 2}))
}
