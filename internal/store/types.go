package store

import (
	"time"

	"github.com/google/uuid"
)

// ArtifactRevision is one immutable version of an artifact.
type ArtifactRevision struct {
	ArtifactUID     string
	RevisionID      string
	ArtifactID      string
	ContentHash     string
	ArtifactType    string
	SourceSystem    string
	SourceID        string
	SourceTS        *time.Time
	Title           string
	DocumentDate    string
	Author          string
	Participants    []string
	Sensitivity     string
	VisibilityScope string
	RetentionPolicy string
	Content         string
	TokenCount      int
	IsChunked       bool
	ChunkCount      int
	IsLatest        bool
	IngestedAt      time.Time
}

// ChunkRow mirrors a vector-store chunk in the relational store so workers
// and neighbor expansion can read chunk text without the vector store.
type ChunkRow struct {
	ChunkID     string
	ArtifactUID string
	RevisionID  string
	ArtifactID  string
	ChunkIndex  int
	Content     string
	StartChar   int
	EndChar     int
	TokenCount  int
	ContentHash string
}

// SubjectRef describes what an event is about.
type SubjectRef struct {
	Type string `json:"type"`
	Ref  string `json:"ref"`
}

// ActorRef names a participant in an event.
type ActorRef struct {
	Ref  string `json:"ref"`
	Role string `json:"role"`
}

// EvidenceSpan is one textual justification for an event.
type EvidenceSpan struct {
	EvidenceID  uuid.UUID
	EventID     uuid.UUID
	ArtifactUID string
	RevisionID  string
	ChunkID     string
	StartChar   int
	EndChar     int
	Quote       string
}

// EventRecord is a semantic event with everything committed alongside it.
type EventRecord struct {
	EventID         uuid.UUID
	ArtifactUID     string
	RevisionID      string
	Category        string
	Narrative       string
	EventTime       *time.Time
	Subject         SubjectRef
	Actors          []ActorRef
	Confidence      float64
	Embedding       []float32
	ExtractionRunID uuid.UUID
	CreatedAt       time.Time

	Evidence   []EvidenceSpan
	ActorLinks []EventEntityLink
	Subjects   []uuid.UUID
}

// EventEntityLink ties an event to a resolved entity with a role.
type EventEntityLink struct {
	EntityID uuid.UUID
	Role     string
}

// Entity is a canonical identity spanning artifacts.
type Entity struct {
	EntityID             uuid.UUID
	EntityType           string
	CanonicalName        string
	Role                 string
	Organization         string
	Email                string
	ContextEmbedding     []float32
	NeedsReview          bool
	MentionCount         int
	FirstSeenArtifactUID string
	FirstSeenRevisionID  string
	CreatedAt            time.Time
	Aliases              []string
}

// MentionRecord is one occurrence of a surface form inside a revision.
type MentionRecord struct {
	EntityID    uuid.UUID
	ArtifactUID string
	RevisionID  string
	ChunkID     string
	StartChar   int
	EndChar     int
	SurfaceForm string
}

// EdgeRecord is an explicit extracted relation between two entities,
// scoped to the artifact that evidenced it.
type EdgeRecord struct {
	SourceEntityID   uuid.UUID
	TargetEntityID   uuid.UUID
	RelationshipType string
	ArtifactUID      string
	RevisionID       string
	Confidence       float64
	EvidenceQuote    string
}

// DeletedCounts reports what a forget cascade removed.
type DeletedCounts struct {
	Revisions int `json:"revisions"`
	Chunks    int `json:"chunks"`
	Events    int `json:"events"`
	Evidence  int `json:"evidence"`
	Mentions  int `json:"mentions"`
	Edges     int `json:"edges"`
}
