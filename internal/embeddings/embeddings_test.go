package embeddings

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDeterministicEmbedderIsStable(t *testing.T) {
	e := NewDeterministic(16)
	a1, err := e.Embed(context.Background(), "alpha")
	require.NoError(t, err)
	a2, err := e.Embed(context.Background(), "alpha")
	require.NoError(t, err)
	b, err := e.Embed(context.Background(), "beta")
	require.NoError(t, err)

	assert.Equal(t, a1, a2)
	assert.NotEqual(t, a1, b)
	assert.Len(t, a1, 16)
}

type mapCache struct {
	mu sync.Mutex
	m  map[string][]float32
}

func (c *mapCache) Get(_ context.Context, key string) ([]float32, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	v, ok := c.m[key]
	return v, ok
}

func (c *mapCache) Set(_ context.Context, key string, vec []float32) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.m[key] = vec
}

func TestCacheKeyIncludesModel(t *testing.T) {
	a := &Client{model: "text-embedding-3-large"}
	b := &Client{model: "text-embedding-3-small"}
	assert.NotEqual(t, a.cacheKey("same text"), b.cacheKey("same text"))
	assert.Equal(t, a.cacheKey("same text"), a.cacheKey("same text"))
}

func TestCacheRoundTrip(t *testing.T) {
	cache := &mapCache{m: map[string][]float32{}}
	c := &Client{model: "m", cache: cache}
	ctx := context.Background()

	_, ok := c.cacheGet(ctx, "hello")
	assert.False(t, ok)

	c.cacheSet(ctx, "hello", []float32{1, 2, 3})
	vec, ok := c.cacheGet(ctx, "hello")
	require.True(t, ok)
	assert.Equal(t, []float32{1, 2, 3}, vec)
}

func TestNilCacheIsSafe(t *testing.T) {
	c := &Client{model: "m"}
	_, ok := c.cacheGet(context.Background(), "x")
	assert.False(t, ok)
	c.cacheSet(context.Background(), "x", []float32{1})
}
