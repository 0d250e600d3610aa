package retrieval

import (
	"context"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/store"
)

type fakeGraph struct {
	artifactEntities map[string][]uuid.UUID
	edges            []store.EdgeRecord
}

func (f *fakeGraph) EntitiesForArtifacts(_ context.Context, uids []string) ([]uuid.UUID, error) {
	seen := map[uuid.UUID]bool{}
	var out []uuid.UUID
	for _, uid := range uids {
		for _, e := range f.artifactEntities[uid] {
			if !seen[e] {
				seen[e] = true
				out = append(out, e)
			}
		}
	}
	return out, nil
}

func (f *fakeGraph) ArtifactsForEntities(_ context.Context, ids []uuid.UUID, _ []string) ([]store.ArtifactLink, error) {
	want := map[uuid.UUID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	links := map[string]*store.ArtifactLink{}
	for uid, ents := range f.artifactEntities {
		for _, e := range ents {
			if !want[e] {
				continue
			}
			l, ok := links[uid]
			if !ok {
				l = &store.ArtifactLink{ArtifactUID: uid}
				links[uid] = l
			}
			l.SharedEntities++
			l.EntityIDs = append(l.EntityIDs, e)
		}
	}
	var out []store.ArtifactLink
	for _, l := range links {
		out = append(out, *l)
	}
	return out, nil
}

func (f *fakeGraph) EdgesTouching(_ context.Context, ids []uuid.UUID, _ []string) ([]store.EdgeRecord, error) {
	want := map[uuid.UUID]bool{}
	for _, id := range ids {
		want[id] = true
	}
	var out []store.EdgeRecord
	for _, e := range f.edges {
		if want[e.SourceEntityID] || want[e.TargetEntityID] {
			out = append(out, e)
		}
	}
	return out, nil
}

func defaultOpts() GraphOptions {
	return GraphOptions{
		Relations: []string{
			store.RelEventActor, store.RelEventSubject,
			store.RelEntityEdge, store.RelRevisionMembership,
		},
		Depth:                2,
		Budget:               20,
		HopWeight:            1.0,
		SharedEntityWeight:   0.1,
		EdgeConfidenceWeight: 0.05,
	}
}

func TestExpandFindsArtifactSharingEntity(t *testing.T) {
	x := uuid.New()
	g := &fakeGraph{artifactEntities: map[string][]uuid.UUID{
		"au_a": {x},
		"au_b": {x},
	}}
	related, _ := ExpandGraph(context.Background(), g, []string{"au_a"}, []uuid.UUID{x}, defaultOpts())
	require.Len(t, related, 1)
	assert.Equal(t, "au_b", related[0].ArtifactUID)
	assert.Equal(t, 1, related[0].Hop)
	assert.InDelta(t, 1.0+0.1, related[0].Score, 1e-9)
}

func TestExpandExcludesPrimaries(t *testing.T) {
	x := uuid.New()
	g := &fakeGraph{artifactEntities: map[string][]uuid.UUID{
		"au_a": {x},
	}}
	related, _ := ExpandGraph(context.Background(), g, []string{"au_a"}, []uuid.UUID{x}, defaultOpts())
	assert.Empty(t, related, "primary artifacts never reappear as related")
}

func TestExpandFollowsEntityEdges(t *testing.T) {
	x, y := uuid.New(), uuid.New()
	g := &fakeGraph{
		artifactEntities: map[string][]uuid.UUID{
			"au_a": {x},
			"au_c": {y},
		},
		edges: []store.EdgeRecord{{
			SourceEntityID:   x,
			TargetEntityID:   y,
			RelationshipType: "works_for",
			ArtifactUID:      "au_a",
			Confidence:       0.8,
		}},
	}
	related, edges := ExpandGraph(context.Background(), g, []string{"au_a"}, []uuid.UUID{x}, defaultOpts())
	require.Len(t, related, 1)
	assert.Equal(t, "au_c", related[0].ArtifactUID)
	assert.Equal(t, 2, related[0].Hop)
	// Score: 1/2 hop + 0.1 shared + 0.05*0.8 edge confidence.
	assert.InDelta(t, 0.5+0.1+0.04, related[0].Score, 1e-9)
	require.Len(t, edges, 1)
	assert.Equal(t, "works_for", edges[0].RelationshipType)
}

func TestExpandRespectsBudget(t *testing.T) {
	x := uuid.New()
	g := &fakeGraph{artifactEntities: map[string][]uuid.UUID{"au_p": {x}}}
	for i := 0; i < 30; i++ {
		uid := uuid.New().String()
		g.artifactEntities["au_"+uid[:8]] = []uuid.UUID{x}
	}
	opts := defaultOpts()
	opts.Budget = 5
	related, _ := ExpandGraph(context.Background(), g, []string{"au_p"}, []uuid.UUID{x}, opts)
	assert.Len(t, related, 5)
}

func TestExpandSurvivesCycles(t *testing.T) {
	x, y := uuid.New(), uuid.New()
	g := &fakeGraph{
		artifactEntities: map[string][]uuid.UUID{"au_a": {x}, "au_b": {y}},
		edges: []store.EdgeRecord{
			{SourceEntityID: x, TargetEntityID: y, RelationshipType: "peer", ArtifactUID: "au_a", Confidence: 0.5},
			{SourceEntityID: y, TargetEntityID: x, RelationshipType: "peer", ArtifactUID: "au_b", Confidence: 0.5},
		},
	}
	opts := defaultOpts()
	opts.Depth = 4
	related, _ := ExpandGraph(context.Background(), g, []string{"au_a"}, []uuid.UUID{x}, opts)
	require.Len(t, related, 1)
	assert.Equal(t, "au_b", related[0].ArtifactUID)
}

func TestExpandReturnsPartialOnCancel(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	x := uuid.New()
	g := &fakeGraph{artifactEntities: map[string][]uuid.UUID{"au_b": {x}}}
	related, _ := ExpandGraph(ctx, g, []string{"au_a"}, []uuid.UUID{x}, defaultOpts())
	assert.Empty(t, related)
}
