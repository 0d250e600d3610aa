// Package chunker splits artifact text into token windows for embedding.
package chunker

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"

	"engram/internal/tokens"
)

// BoundaryMarker separates neighboring chunks in expanded context.
const BoundaryMarker = "[CHUNK BOUNDARY]"

// Chunk is one token window of an artifact revision.
type Chunk struct {
	ChunkID     string
	ArtifactID  string
	Index       int
	Content     string
	StartChar   int
	EndChar     int
	TokenCount  int
	ContentHash string
}

// Chunker produces dense token-window chunks with overlap.
type Chunker struct {
	SinglePieceMax int
	Target         int
	Overlap        int
}

func New(singlePieceMax, target, overlap int) *Chunker {
	return &Chunker{SinglePieceMax: singlePieceMax, Target: target, Overlap: overlap}
}

// ShouldChunk reports whether text exceeds the single-piece threshold,
// along with its token count. Content at exactly the threshold stays whole.
func (c *Chunker) ShouldChunk(text string) (bool, int) {
	n := tokens.Count(text)
	return n > c.SinglePieceMax, n
}

// Chunk splits text into windows of Target tokens advancing by
// Target-Overlap. Returns nil when the text is at or under the threshold.
// Indices are dense from 0; the final chunk may be short.
func (c *Chunker) Chunk(text, artifactID string) []Chunk {
	should, _ := c.ShouldChunk(text)
	if !should {
		return nil
	}
	spans := tokens.Encode(text)
	step := c.Target - c.Overlap
	if step <= 0 {
		step = c.Target
	}

	var out []Chunk
	for pos, idx := 0, 0; pos < len(spans); pos, idx = pos+step, idx+1 {
		end := pos + c.Target
		if end > len(spans) {
			end = len(spans)
		}
		content, startChar, endChar := tokens.Window(text, spans, pos, end)
		sum := sha256.Sum256([]byte(content))
		hash := hex.EncodeToString(sum[:])
		out = append(out, Chunk{
			ChunkID:     ChunkID(artifactID, idx, hash),
			ArtifactID:  artifactID,
			Index:       idx,
			Content:     content,
			StartChar:   startChar,
			EndChar:     endChar,
			TokenCount:  end - pos,
			ContentHash: hash,
		})
		if end == len(spans) {
			break
		}
	}
	return out
}

// ChunkID builds the canonical chunk identifier
// {artifact_id}::chunk::{index:03d}::{hash8}.
func ChunkID(artifactID string, index int, contentHash string) string {
	return fmt.Sprintf("%s::chunk::%03d::%s", artifactID, index, contentHash[:8])
}

// ArtifactIDOf extracts the artifact id from a chunk or artifact id.
func ArtifactIDOf(id string) string {
	if i := strings.Index(id, "::"); i >= 0 {
		return id[:i]
	}
	return id
}

// IsChunkID reports whether id follows the chunk id grammar.
func IsChunkID(id string) bool {
	return strings.Contains(id, "::chunk::")
}

// ExpandNeighbors concatenates the target chunk with its immediate
// siblings, separated by boundary markers. siblings must be the full
// ordered chunk list of one artifact; absent neighbors are skipped.
func ExpandNeighbors(target Chunk, siblings []Chunk) string {
	var prev, next *Chunk
	for i := range siblings {
		switch siblings[i].Index {
		case target.Index - 1:
			prev = &siblings[i]
		case target.Index + 1:
			next = &siblings[i]
		}
	}
	parts := make([]string, 0, 5)
	if prev != nil {
		parts = append(parts, prev.Content, BoundaryMarker)
	}
	parts = append(parts, target.Content)
	if next != nil {
		parts = append(parts, BoundaryMarker, next.Content)
	}
	return strings.Join(parts, "\n")
}
