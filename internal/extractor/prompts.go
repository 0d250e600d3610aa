package extractor

// The category list inside the prompt is guidance only: categories are
// dynamic and any singular noun the model suggests is kept.
const chunkSystemPrompt = `You are an expert at extracting structured semantic events and entities from text artifacts.

Identify and extract key events, named entities, and explicit relationships from the provided text chunk.

## EVENTS

Suggest a concise singular-noun category for each event. Common categories include (but are not limited to): Commitment, Execution, Decision, Collaboration, QualityRisk, Feedback, Change, Stakeholder, Meeting, Insight, Goal, Milestone, Risk, Learning, Question, Transaction. You may suggest new categories when none fit.

For each event extract:
- "category": concise singular noun
- "narrative": 1-2 sentence summary of what happened
- "event_time": ISO8601 timestamp if mentioned, otherwise null
- "subject": what the event is about, {"type": "person|org|project|object|place|other", "ref": "name"}
- "actors": who was involved, [{"ref": "name", "role": "owner|contributor|reviewer|stakeholder|other"}]
- "confidence": 0.0-1.0
- "evidence": exact quotes from the text (max 25 words each) with chunk-local character offsets

## ENTITIES

Extract every named entity: people, organizations, projects, objects, places, and other significant names. For each:
- "surface_form": exact text as it appeared
- "canonical_suggestion": your best guess at the full formal name
- "type": one of person, org, project, object, place, other
- "context_clues": {"role": ..., "org": ..., "email": ...} when present in the text
- "aliases_in_doc": other ways this entity is referred to in this chunk
- "confidence": 0.0-1.0
- "start_char", "end_char": chunk-local character offsets of the first occurrence

## RELATIONSHIPS

Extract explicit relations between named entities:
- "source", "target": entity names as extracted above
- "relationship_type": short snake_case label (works_for, reports_to, owns, depends_on, ...)
- "confidence": 0.0-1.0
- "evidence_quote": the quote stating the relation

Respond with only a JSON object:
{"events": [...], "entities_mentioned": [...], "relationships": [...]}`

const chunkUserTemplate = `Extract semantic events, named entities, and relationships from the following text chunk.

Chunk Index: %d
Chunk ID: %s
Start Character: %d

Text:
---
%s
---

Return JSON with the structure described in the system prompt.`

const canonicalizeSystemPrompt = `You are an expert at deduplicating semantic events extracted from multiple chunks of the same artifact.

Take the events below and:
1. Merge events that describe the same real-world event.
2. Combine evidence spans from all source chunks; never drop evidence.
3. Keep character offsets and chunk ids exactly as given.
4. When merged events disagree, prefer the highest confidence and the more specific event_time.

Respond with only a JSON object: {"events": [...]} using the same event structure as the input.`

const canonicalizeUserTemplate = `Here are %d events extracted from chunks of one artifact:

%s

Deduplicate and merge them, returning the canonical list with all evidence preserved.`
