package retrieval

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFuseRRFSingleIndexPreservesOrder(t *testing.T) {
	fused := FuseRRF(map[string][]string{
		"content": {"art_a", "art_b", "art_c"},
	}, 60)
	require.Len(t, fused, 3)
	assert.Equal(t, "art_a", fused[0].ID)
	assert.Equal(t, "art_b", fused[1].ID)
	assert.Equal(t, "art_c", fused[2].ID)
}

func TestFuseRRFScores(t *testing.T) {
	fused := FuseRRF(map[string][]string{
		"content": {"art_a", "art_b"},
		"chunks":  {"art_b", "art_a"},
	}, 60)
	require.Len(t, fused, 2)
	// Symmetric ranks: equal scores, deterministic id tie-break.
	assert.InDelta(t, fused[0].Score, fused[1].Score, 1e-12)
	assert.Equal(t, "art_a", fused[0].ID)
	assert.InDelta(t, 1.0/61+1.0/62, fused[0].Score, 1e-12)
}

func TestFuseRRFCrossIndexBeatsSingle(t *testing.T) {
	fused := FuseRRF(map[string][]string{
		"content": {"art_a", "art_b"},
		"chunks":  {"art_b"},
	}, 60)
	require.Len(t, fused, 2)
	assert.Equal(t, "art_b", fused[0].ID, "item present in both indices outranks rank-1 single hit")
}

func TestDedupPrefersChunkOverArtifact(t *testing.T) {
	chunkID := "art_0123456789ab::chunk::002::deadbeef"
	fused := FuseRRF(map[string][]string{
		"content": {"art_0123456789ab"},
		"chunks":  {chunkID},
	}, 60)
	deduped := DedupByArtifact(fused)
	require.Len(t, deduped, 1)
	assert.Equal(t, chunkID, deduped[0].ID)
	assert.True(t, deduped[0].IsChunk)
}

func TestDedupKeepsBestChunk(t *testing.T) {
	c1 := "art_0123456789ab::chunk::001::11111111"
	c2 := "art_0123456789ab::chunk::002::22222222"
	other := "art_ffffffffffff"
	fused := FuseRRF(map[string][]string{
		"chunks":  {c2, c1},
		"content": {other},
	}, 60)
	deduped := DedupByArtifact(fused)
	require.Len(t, deduped, 2)
	ids := []string{deduped[0].ID, deduped[1].ID}
	assert.Contains(t, ids, c2)
	assert.NotContains(t, ids, c1)
}

func TestDedupGroupsByArtifactPrefix(t *testing.T) {
	fused := []Candidate{
		{ID: "art_aaaaaaaaaaaa::chunk::000::11111111", ArtifactID: "art_aaaaaaaaaaaa", IsChunk: true, Score: 0.5},
		{ID: "art_aaaaaaaaaaaa", ArtifactID: "art_aaaaaaaaaaaa", Score: 0.4},
		{ID: "art_bbbbbbbbbbbb", ArtifactID: "art_bbbbbbbbbbbb", Score: 0.3},
	}
	deduped := DedupByArtifact(fused)
	require.Len(t, deduped, 2)
	assert.Equal(t, "art_aaaaaaaaaaaa::chunk::000::11111111", deduped[0].ID)
	assert.Equal(t, "art_bbbbbbbbbbbb", deduped[1].ID)
}
