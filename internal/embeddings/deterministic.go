package embeddings

import (
	"context"
	"hash/fnv"
	"math"
)

// deterministic is a lightweight embedder for tests: vectors depend only on
// the input text, and similar inputs do not collide.
type deterministic struct {
	dim int
}

// NewDeterministic returns an Embedder whose output is a pure function of
// the input text. Suitable for tests only.
func NewDeterministic(dim int) Embedder {
	if dim <= 0 {
		dim = 8
	}
	return &deterministic{dim: dim}
}

func (d *deterministic) Dimension() int             { return d.dim }
func (d *deterministic) Ping(context.Context) error { return nil }

func (d *deterministic) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := d.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

func (d *deterministic) EmbedBatch(_ context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, t := range texts {
		out[i] = d.vector(t)
	}
	return out, nil
}

func (d *deterministic) vector(text string) []float32 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(text))
	seed := h.Sum64()
	vec := make([]float32, d.dim)
	var norm float64
	for i := range vec {
		seed = seed*6364136223846793005 + 1442695040888963407
		v := float64(int64(seed)) / math.MaxInt64
		vec[i] = float32(v)
		norm += v * v
	}
	norm = math.Sqrt(norm)
	if norm > 0 {
		for i := range vec {
			vec[i] = float32(float64(vec[i]) / norm)
		}
	}
	return vec
}
