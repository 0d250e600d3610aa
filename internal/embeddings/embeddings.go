// Package embeddings produces dense vectors for text via the OpenAI API.
package embeddings

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v5"
	openai "github.com/openai/openai-go/v2"
	"github.com/openai/openai-go/v2/option"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"engram/internal/config"
	"engram/internal/memerr"
)

// Embedder converts text to embedding vectors.
type Embedder interface {
	// EmbedBatch returns one vector per input text, in input order.
	EmbedBatch(ctx context.Context, texts []string) ([][]float32, error)
	// Embed returns the vector for a single text.
	Embed(ctx context.Context, text string) ([]float32, error)
	// Dimension returns the embedding dimensionality.
	Dimension() int
	// Ping checks the provider is reachable.
	Ping(ctx context.Context) error
}

// Cache is an optional read-through vector cache. Implementations must be
// safe for concurrent use; a nil Cache disables caching.
type Cache interface {
	Get(ctx context.Context, key string) ([]float32, bool)
	Set(ctx context.Context, key string, vec []float32)
}

// Client is the OpenAI-backed embedder. Calls are batched, retried with
// exponential backoff, and bounded by a process-wide semaphore so parallel
// ingests share one provider rate budget.
type Client struct {
	sdk        openai.Client
	model      string
	dim        int
	batchSize  int
	maxRetries int
	timeout    time.Duration
	sem        *semaphore.Weighted
	cache      Cache
}

func NewClient(cfg config.EmbeddingConfig, cache Cache) *Client {
	opts := []option.RequestOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.BaseURL != "" {
		opts = append(opts, option.WithBaseURL(cfg.BaseURL))
	}
	batch := cfg.BatchSize
	if batch <= 0 || batch > 2048 {
		batch = 2048
	}
	conc := cfg.MaxConcurrency
	if conc <= 0 {
		conc = 4
	}
	return &Client{
		sdk:        openai.NewClient(opts...),
		model:      cfg.Model,
		dim:        cfg.Dimensions,
		batchSize:  batch,
		maxRetries: cfg.MaxRetries,
		timeout:    time.Duration(cfg.TimeoutSeconds) * time.Second,
		sem:        semaphore.NewWeighted(int64(conc)),
		cache:      cache,
	}
}

func (c *Client) Dimension() int { return c.dim }

func (c *Client) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := c.call(ctx, []string{"ping"})
	return err
}

func (c *Client) Embed(ctx context.Context, text string) ([]float32, error) {
	vecs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vecs[0], nil
}

// EmbedBatch embeds texts, serving cache hits locally and fetching the
// remainder in provider-sized batches.
func (c *Client) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, len(texts))
	var missing []int
	for i, t := range texts {
		if vec, ok := c.cacheGet(ctx, t); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, i)
	}
	for start := 0; start < len(missing); start += c.batchSize {
		end := start + c.batchSize
		if end > len(missing) {
			end = len(missing)
		}
		batch := make([]string, 0, end-start)
		for _, idx := range missing[start:end] {
			batch = append(batch, texts[idx])
		}
		vecs, err := c.embedWithRetry(ctx, batch)
		if err != nil {
			return nil, err
		}
		for j, idx := range missing[start:end] {
			out[idx] = vecs[j]
			c.cacheSet(ctx, texts[idx], vecs[j])
		}
	}
	return out, nil
}

func (c *Client) embedWithRetry(ctx context.Context, batch []string) ([][]float32, error) {
	expo := backoff.NewExponentialBackOff()
	expo.InitialInterval = 500 * time.Millisecond
	tries := uint(c.maxRetries)
	if tries == 0 {
		tries = 1
	}
	vecs, err := backoff.Retry(ctx, func() ([][]float32, error) {
		vecs, callErr := c.call(ctx, batch)
		if callErr == nil {
			return vecs, nil
		}
		if !memerr.Retryable(callErr) || isRejection(callErr) {
			return nil, backoff.Permanent(callErr)
		}
		log.Warn().Err(callErr).Int("batch", len(batch)).Msg("embedding_retry")
		return nil, callErr
	}, backoff.WithBackOff(expo), backoff.WithMaxTries(tries))
	if err != nil {
		return nil, err
	}
	return vecs, nil
}

func (c *Client) call(ctx context.Context, batch []string) ([][]float32, error) {
	if err := c.sem.Acquire(ctx, 1); err != nil {
		return nil, memerr.Wrap(memerr.KindTimeout, err, "embedding slot")
	}
	defer c.sem.Release(1)

	callCtx := ctx
	if c.timeout > 0 {
		var cancel context.CancelFunc
		callCtx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}
	resp, err := c.sdk.Embeddings.New(callCtx, openai.EmbeddingNewParams{
		Input:      openai.EmbeddingNewParamsInputUnion{OfArrayOfStrings: batch},
		Model:      openai.EmbeddingModel(c.model),
		Dimensions: openai.Int(int64(c.dim)),
	})
	if err != nil {
		return nil, classify(err)
	}
	if len(resp.Data) != len(batch) {
		return nil, memerr.New(memerr.KindEmbedding,
			"provider returned %d vectors for %d inputs", len(resp.Data), len(batch))
	}
	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		vec := make([]float32, len(d.Embedding))
		for j, f := range d.Embedding {
			vec[j] = float32(f)
		}
		out[d.Index] = vec
	}
	return out, nil
}

func classify(err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		switch {
		case apierr.StatusCode == 429:
			return memerr.Wrap(memerr.KindRateLimit, err, "embedding provider throttled")
		case apierr.StatusCode >= 500:
			return memerr.Wrap(memerr.KindEmbedding, err, "embedding provider error")
		default:
			return memerr.Wrap(memerr.KindEmbedding, err, "embedding request rejected")
		}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return memerr.Wrap(memerr.KindTimeout, err, "embedding call timed out")
	}
	return memerr.Wrap(memerr.KindEmbedding, err, "embedding call failed")
}

// isRejection reports a non-throttle 4xx: retrying cannot help.
func isRejection(err error) bool {
	var apierr *openai.Error
	if !errors.As(err, &apierr) {
		return false
	}
	return apierr.StatusCode >= 400 && apierr.StatusCode < 500 && apierr.StatusCode != 429
}

func (c *Client) cacheKey(text string) string {
	sum := sha256.Sum256([]byte(text))
	return fmt.Sprintf("emb:%s:%s", c.model, hex.EncodeToString(sum[:8]))
}

func (c *Client) cacheGet(ctx context.Context, text string) ([]float32, bool) {
	if c.cache == nil {
		return nil, false
	}
	return c.cache.Get(ctx, c.cacheKey(text))
}

func (c *Client) cacheSet(ctx context.Context, text string, vec []float32) {
	if c.cache == nil {
		return
	}
	c.cache.Set(ctx, c.cacheKey(text), vec)
}
