package vectorstore

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryQueryOrdersByCosine(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx, "chunks", []Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]string{"artifact_id": "art_a"}},
		{ID: "b", Vector: []float32{0.9, 0.1}},
		{ID: "c", Vector: []float32{0, 1}},
	}))

	hits, err := m.Query(ctx, "chunks", []float32{1, 0}, 2, nil)
	require.NoError(t, err)
	require.Len(t, hits, 2)
	assert.Equal(t, "a", hits[0].ID)
	assert.Equal(t, "b", hits[1].ID)
}

func TestMemoryFilter(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx, "content", []Point{
		{ID: "a", Vector: []float32{1, 0}, Payload: map[string]string{"visibility_scope": "me"}},
		{ID: "b", Vector: []float32{1, 0}, Payload: map[string]string{"visibility_scope": "team"}},
	}))
	hits, err := m.Query(ctx, "content", []float32{1, 0}, 10, map[string]string{"visibility_scope": "team"})
	require.NoError(t, err)
	require.Len(t, hits, 1)
	assert.Equal(t, "b", hits[0].ID)
}

func TestMemoryDelete(t *testing.T) {
	m := NewMemory()
	ctx := context.Background()
	require.NoError(t, m.Upsert(ctx, "content", []Point{{ID: "a", Vector: []float32{1}}}))
	require.NoError(t, m.Delete(ctx, "content", []string{"a", "missing"}))
	assert.Equal(t, 0, m.Count("content"))
}
