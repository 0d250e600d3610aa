package extractor

import (
	"encoding/json"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/rs/zerolog/log"

	"engram/internal/memerr"
)

var entityTypes = map[string]bool{
	"person": true, "org": true, "project": true,
	"object": true, "place": true, "other": true,
}

var actorRoles = map[string]bool{
	"owner": true, "contributor": true, "reviewer": true,
	"stakeholder": true, "other": true,
}

// decodeJSON parses a model response, salvaging fenced code blocks and
// stray prose around the JSON object.
func decodeJSON(raw string, v any) error {
	s := strings.TrimSpace(raw)
	if i := strings.Index(s, "```"); i >= 0 {
		s = s[i+3:]
		s = strings.TrimPrefix(s, "json")
		if j := strings.Index(s, "```"); j >= 0 {
			s = s[:j]
		}
	}
	if i := strings.Index(s, "{"); i > 0 {
		s = s[i:]
	}
	if j := strings.LastIndex(s, "}"); j >= 0 && j < len(s)-1 {
		s = s[:j+1]
	}
	if err := json.Unmarshal([]byte(strings.TrimSpace(s)), v); err != nil {
		return memerr.Wrap(memerr.KindExtraction, err, "unparseable model output")
	}
	return nil
}

// NormalizeCategory maps a raw category to Capitalized-singular form:
// trimmed, one trailing "s" dropped (never from an "ss" ending), first rune
// upper-cased, the rest untouched so camel-case categories survive.
func NormalizeCategory(raw string) string {
	c := strings.TrimSpace(raw)
	if c == "" {
		return ""
	}
	if len(c) > 3 && strings.HasSuffix(c, "s") && !strings.HasSuffix(c, "ss") {
		c = c[:len(c)-1]
	}
	r, size := utf8.DecodeRuneInString(c)
	return string(unicode.ToUpper(r)) + c[size:]
}

// ValidateEvent checks an extracted event and normalizes it in place.
// Invalid events are dropped by the caller, not fatal to the batch.
func ValidateEvent(ev *Event) bool {
	ev.Category = NormalizeCategory(ev.Category)
	if ev.Category == "" || strings.TrimSpace(ev.Narrative) == "" {
		return false
	}
	if ev.Confidence < 0 || ev.Confidence > 1 {
		return false
	}
	if strings.TrimSpace(ev.Subject.Ref) == "" {
		return false
	}
	if ev.Subject.Type == "" {
		ev.Subject.Type = "other"
	}
	for i := range ev.Actors {
		if strings.TrimSpace(ev.Actors[i].Ref) == "" {
			return false
		}
		if !actorRoles[ev.Actors[i].Role] {
			ev.Actors[i].Role = "other"
		}
	}
	if len(ev.Evidence) == 0 {
		return false
	}
	for _, sp := range ev.Evidence {
		if sp.EndChar <= sp.StartChar || strings.TrimSpace(sp.Quote) == "" {
			return false
		}
	}
	return true
}

// ValidateEntity checks an extracted entity and normalizes it in place.
func ValidateEntity(ent *Entity) bool {
	if strings.TrimSpace(ent.SurfaceForm) == "" {
		return false
	}
	if !entityTypes[ent.Type] {
		log.Debug().Str("type", ent.Type).Str("surface_form", ent.SurfaceForm).
			Msg("entity_type_defaulted")
		ent.Type = "other"
	}
	if ent.Confidence < 0 || ent.Confidence > 1 {
		ent.Confidence = 0.9
	}
	if strings.TrimSpace(ent.CanonicalSuggestion) == "" {
		ent.CanonicalSuggestion = ent.SurfaceForm
	}
	return true
}

// MergeEntities deduplicates per-chunk entities by normalized canonical
// suggestion and type, unioning aliases and keeping the strongest context
// clues. The first occurrence's offsets win.
func MergeEntities(chunkEntities [][]Entity) []Entity {
	type key struct{ name, typ string }
	var order []key
	merged := map[key]*Entity{}
	for _, entities := range chunkEntities {
		for i := range entities {
			ent := entities[i]
			if !ValidateEntity(&ent) {
				continue
			}
			k := key{strings.ToLower(strings.TrimSpace(ent.CanonicalSuggestion)), ent.Type}
			existing, ok := merged[k]
			if !ok {
				cp := ent
				merged[k] = &cp
				order = append(order, k)
				continue
			}
			for _, alias := range append(ent.AliasesInDoc, ent.SurfaceForm) {
				if alias != existing.SurfaceForm && !contains(existing.AliasesInDoc, alias) {
					existing.AliasesInDoc = append(existing.AliasesInDoc, alias)
				}
			}
			if existing.ContextClues.Role == "" {
				existing.ContextClues.Role = ent.ContextClues.Role
			}
			if existing.ContextClues.Org == "" {
				existing.ContextClues.Org = ent.ContextClues.Org
			}
			if existing.ContextClues.Email == "" {
				existing.ContextClues.Email = ent.ContextClues.Email
			}
			if ent.Confidence > existing.Confidence {
				existing.Confidence = ent.Confidence
			}
		}
	}
	out := make([]Entity, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	return out
}

// MergeRelationships deduplicates relationships by (source, target, type),
// keeping the strongest confidence and preferring non-empty quotes.
func MergeRelationships(chunkRels [][]Relationship) []Relationship {
	type key struct{ src, dst, typ string }
	var order []key
	merged := map[key]*Relationship{}
	for _, rels := range chunkRels {
		for _, rel := range rels {
			if strings.TrimSpace(rel.Source) == "" || strings.TrimSpace(rel.Target) == "" ||
				strings.TrimSpace(rel.Type) == "" {
				continue
			}
			k := key{strings.ToLower(rel.Source), strings.ToLower(rel.Target), strings.ToLower(rel.Type)}
			existing, ok := merged[k]
			if !ok {
				cp := rel
				merged[k] = &cp
				order = append(order, k)
				continue
			}
			if rel.Confidence > existing.Confidence {
				existing.Confidence = rel.Confidence
			}
			if existing.EvidenceQuote == "" {
				existing.EvidenceQuote = rel.EvidenceQuote
			}
		}
	}
	out := make([]Relationship, 0, len(order))
	for _, k := range order {
		out = append(out, *merged[k])
	}
	return out
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
