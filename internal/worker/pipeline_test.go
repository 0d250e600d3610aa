package worker

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"engram/internal/extractor"
	"engram/internal/store"
)

func TestTranslateOffsets(t *testing.T) {
	out := &extractor.ChunkExtraction{
		Events: []extractor.Event{{
			Evidence: []extractor.EvidenceSpan{{StartChar: 10, EndChar: 20}},
		}},
		Entities: []extractor.Entity{{StartChar: 5, EndChar: 9}},
	}
	translateOffsets(out, 100)
	assert.Equal(t, 110, out.Events[0].Evidence[0].StartChar)
	assert.Equal(t, 120, out.Events[0].Evidence[0].EndChar)
	assert.Equal(t, 105, out.Entities[0].StartChar)
	assert.Equal(t, 109, out.Entities[0].EndChar)
}

func TestQuoteAppearsWhitespaceNormalized(t *testing.T) {
	content := "Alice decided\n  to ship   on April 1st."
	assert.True(t, quoteAppears("decided to ship on April 1st", content))
	assert.True(t, quoteAppears("Alice  decided", content))
	assert.False(t, quoteAppears("ship on May 1st", content))
	assert.False(t, quoteAppears("   ", content))
}

func TestValidateEventsDropsUngrounded(t *testing.T) {
	content := "Alice decided to ship on April 1st."
	good := extractor.Event{
		Category:   "decision",
		Narrative:  "Alice decided to ship.",
		Subject:    extractor.Subject{Type: "person", Ref: "Alice"},
		Confidence: 0.9,
		Evidence: []extractor.EvidenceSpan{
			{Quote: "decided to ship on April 1st", StartChar: 6, EndChar: 34},
			{Quote: "completely invented quote", StartChar: 0, EndChar: 10},
		},
	}
	fabricated := extractor.Event{
		Category:   "Decision",
		Narrative:  "Bob cancelled the launch.",
		Subject:    extractor.Subject{Type: "person", Ref: "Bob"},
		Confidence: 0.9,
		Evidence:   []extractor.EvidenceSpan{{Quote: "cancelled the launch", StartChar: 0, EndChar: 10}},
	}
	out := validateEvents([]extractor.Event{good, fabricated}, content)
	require.Len(t, out, 1)
	assert.Equal(t, "Decision", out[0].Category, "category normalized")
	require.Len(t, out[0].Evidence, 1, "ungrounded evidence dropped")
}

func TestBuildEventsResolvesRefs(t *testing.T) {
	alice := uuid.New()
	refs := map[string]uuid.UUID{"alice": alice, "alice chen": alice}
	events := []extractor.Event{{
		Category:   "Decision",
		Narrative:  "Alice decided to ship.",
		Subject:    extractor.Subject{Type: "person", Ref: "Alice Chen"},
		Actors:     []extractor.Actor{{Ref: "Alice", Role: "owner"}, {Ref: "Zed", Role: "other"}},
		Confidence: 0.9,
		Evidence:   []extractor.EvidenceSpan{{Quote: "q", StartChar: 0, EndChar: 1}},
	}}
	runID := uuid.New()
	records := buildEvents(events, [][]float32{{0.1, 0.2}}, refs, "au_1", "rev_001", runID)
	require.Len(t, records, 1)
	rec := records[0]

	assert.Equal(t, runID, rec.ExtractionRunID)
	require.Len(t, rec.ActorLinks, 1, "unresolved actor stays textual only")
	assert.Equal(t, alice, rec.ActorLinks[0].EntityID)
	assert.Len(t, rec.Actors, 2, "actors_json keeps every ref")
	require.Len(t, rec.Subjects, 1)
	assert.Equal(t, alice, rec.Subjects[0])
	require.Len(t, rec.Evidence, 1)
	assert.Equal(t, rec.EventID, rec.Evidence[0].EventID)
}

func TestBuildEventsDedupesActorLinks(t *testing.T) {
	alice := uuid.New()
	refs := map[string]uuid.UUID{"alice": alice, "a. chen": alice}
	events := []extractor.Event{{
		Category:   "Meeting",
		Narrative:  "Sync.",
		Subject:    extractor.Subject{Type: "other", Ref: "sync"},
		Actors:     []extractor.Actor{{Ref: "Alice", Role: "owner"}, {Ref: "A. Chen", Role: "contributor"}},
		Confidence: 0.5,
		Evidence:   []extractor.EvidenceSpan{{Quote: "q", StartChar: 0, EndChar: 1}},
	}}
	records := buildEvents(events, [][]float32{nil}, refs, "au_1", "rev_001", uuid.New())
	require.Len(t, records[0].ActorLinks, 1, "one link per (event, entity)")
}

func TestBuildEdgesSkipsUnresolved(t *testing.T) {
	alice, acme := uuid.New(), uuid.New()
	refs := map[string]uuid.UUID{"alice": alice, "acme": acme}
	edges := buildEdges([]extractor.Relationship{
		{Source: "Alice", Target: "Acme", Type: "works_for", Confidence: 0.8, EvidenceQuote: "Alice works at Acme"},
		{Source: "Alice", Target: "Unknown Corp", Type: "works_for", Confidence: 0.8},
		{Source: "Alice", Target: "alice", Type: "self", Confidence: 0.8},
	}, refs, "au_1", "rev_001")
	require.Len(t, edges, 1)
	assert.Equal(t, alice, edges[0].SourceEntityID)
	assert.Equal(t, acme, edges[0].TargetEntityID)
	assert.Equal(t, "works_for", edges[0].RelationshipType)
}

func TestPiecesForRevision(t *testing.T) {
	rev := &store.ArtifactRevision{Content: "whole text"}
	ps := piecesForRevision(rev, nil)
	require.Len(t, ps, 1)
	assert.Equal(t, "whole text", ps[0].text)
	assert.Equal(t, "", ps[0].chunkID)

	chunks := []store.ChunkRow{
		{ChunkID: "c0", ChunkIndex: 0, StartChar: 0, Content: "first"},
		{ChunkID: "c1", ChunkIndex: 1, StartChar: 100, Content: "second"},
	}
	ps = piecesForRevision(rev, chunks)
	require.Len(t, ps, 2)
	assert.Equal(t, 100, ps[1].startChar)
}
