package extractor

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNormalizeCategory(t *testing.T) {
	cases := []struct{ in, want string }{
		{"decision", "Decision"},
		{"Decisions", "Decision"},
		{"  risk ", "Risk"},
		{"QualityRisk", "QualityRisk"},
		{"commitments", "Commitment"},
		{"Progress", "Progress"},
		{"", ""},
	}
	for _, c := range cases {
		assert.Equal(t, c.want, NormalizeCategory(c.in), "in=%q", c.in)
	}
}

func validEvent() Event {
	return Event{
		Category:   "Decision",
		Narrative:  "Alice decided to ship on April 1st.",
		Subject:    Subject{Type: "project", Ref: "launch"},
		Actors:     []Actor{{Ref: "Alice", Role: "owner"}},
		Confidence: 0.9,
		Evidence:   []EvidenceSpan{{Quote: "decided to ship on April 1st", StartChar: 6, EndChar: 34}},
	}
}

func TestValidateEvent(t *testing.T) {
	ev := validEvent()
	assert.True(t, ValidateEvent(&ev))

	noEvidence := validEvent()
	noEvidence.Evidence = nil
	assert.False(t, ValidateEvent(&noEvidence))

	badSpan := validEvent()
	badSpan.Evidence[0].EndChar = badSpan.Evidence[0].StartChar
	assert.False(t, ValidateEvent(&badSpan))

	badConfidence := validEvent()
	badConfidence.Confidence = 1.2
	assert.False(t, ValidateEvent(&badConfidence))

	noSubject := validEvent()
	noSubject.Subject.Ref = ""
	assert.False(t, ValidateEvent(&noSubject))

	weirdRole := validEvent()
	weirdRole.Actors[0].Role = "protagonist"
	require.True(t, ValidateEvent(&weirdRole))
	assert.Equal(t, "other", weirdRole.Actors[0].Role)
}

func TestValidateEntityDefaults(t *testing.T) {
	ent := Entity{SurfaceForm: "Alice", Type: "superhero", Confidence: 7}
	require.True(t, ValidateEntity(&ent))
	assert.Equal(t, "other", ent.Type)
	assert.Equal(t, 0.9, ent.Confidence)
	assert.Equal(t, "Alice", ent.CanonicalSuggestion)

	empty := Entity{SurfaceForm: "  "}
	assert.False(t, ValidateEntity(&empty))
}

func TestDecodeJSONSalvagesFences(t *testing.T) {
	raw := "Here is the result:\n```json\n{\"events\": [], \"entities_mentioned\": []}\n```\nDone."
	var out ChunkExtraction
	require.NoError(t, decodeJSON(raw, &out))
	assert.Empty(t, out.Events)

	var bad ChunkExtraction
	err := decodeJSON("not even close", &bad)
	require.Error(t, err)
}

func TestMergeEntitiesUnionsAliases(t *testing.T) {
	a := Entity{
		SurfaceForm:         "Alice Chen",
		CanonicalSuggestion: "Alice Chen",
		Type:                "person",
		ContextClues:        ContextClues{Role: "PM"},
		AliasesInDoc:        []string{"Alice"},
		Confidence:          0.8,
	}
	b := Entity{
		SurfaceForm:         "A. Chen",
		CanonicalSuggestion: "alice chen",
		Type:                "person",
		ContextClues:        ContextClues{Org: "Acme", Email: "achen@acme.com"},
		Confidence:          0.95,
	}
	merged := MergeEntities([][]Entity{{a}, {b}})
	require.Len(t, merged, 1)
	got := merged[0]
	assert.Equal(t, "Alice Chen", got.SurfaceForm)
	assert.Contains(t, got.AliasesInDoc, "Alice")
	assert.Contains(t, got.AliasesInDoc, "A. Chen")
	assert.Equal(t, "PM", got.ContextClues.Role)
	assert.Equal(t, "Acme", got.ContextClues.Org)
	assert.Equal(t, "achen@acme.com", got.ContextClues.Email)
	assert.Equal(t, 0.95, got.Confidence)
}

func TestMergeRelationships(t *testing.T) {
	rels := MergeRelationships([][]Relationship{
		{{Source: "Alice", Target: "Acme", Type: "works_for", Confidence: 0.7}},
		{{Source: "alice", Target: "acme", Type: "works_for", Confidence: 0.9, EvidenceQuote: "Alice works at Acme"}},
		{{Source: "", Target: "Acme", Type: "works_for"}},
	})
	require.Len(t, rels, 1)
	assert.Equal(t, 0.9, rels[0].Confidence)
	assert.Equal(t, "Alice works at Acme", rels[0].EvidenceQuote)
}

func TestParsedEventTime(t *testing.T) {
	ev := Event{EventTime: "2024-03-15T14:30:00Z"}
	require.NotNil(t, ev.ParsedEventTime())
	assert.Equal(t, 2024, ev.ParsedEventTime().Year())

	assert.Nil(t, Event{}.ParsedEventTime())
	assert.Nil(t, Event{EventTime: "next Tuesday"}.ParsedEventTime())
}
