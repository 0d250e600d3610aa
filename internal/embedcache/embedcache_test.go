package embedcache

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestEncodeDecodeRoundTrip(t *testing.T) {
	vec := []float32{0.25, -1.5, 3.1415, 0}
	assert.Equal(t, vec, decode(encode(vec)))
}

func TestDecodeRejectsTruncated(t *testing.T) {
	assert.Nil(t, decode([]byte{1, 2, 3}))
}

func TestNilCacheIsSafe(t *testing.T) {
	var c *RedisCache
	_, ok := c.Get(context.Background(), "k")
	assert.False(t, ok)
	c.Set(context.Background(), "k", []float32{1})
	assert.NoError(t, c.Close())
}
