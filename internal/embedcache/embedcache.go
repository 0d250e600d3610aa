// Package embedcache provides a Redis-backed cache for embedding vectors.
//
// Embeddings are pure functions of (model, text), so cached vectors never
// go stale; the TTL only bounds memory. The cache is optional: a nil
// *RedisCache satisfies embeddings.Cache and disables caching.
package embedcache

import (
	"context"
	"encoding/binary"
	"math"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"engram/internal/config"
)

type RedisCache struct {
	client *redis.Client
	ttl    time.Duration
}

// New connects to Redis when an address is configured; returns nil (cache
// disabled) otherwise.
func New(cfg config.RedisConfig) (*RedisCache, error) {
	if cfg.Addr == "" {
		return nil, nil
	}
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.Addr,
		Password: cfg.Password,
		DB:       cfg.DB,
	})
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, err
	}
	ttl := time.Duration(cfg.CacheTTLSec) * time.Second
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RedisCache{client: client, ttl: ttl}, nil
}

func (c *RedisCache) Get(ctx context.Context, key string) ([]float32, bool) {
	if c == nil || c.client == nil {
		return nil, false
	}
	raw, err := c.client.Get(ctx, key).Bytes()
	if err != nil {
		if err != redis.Nil {
			log.Debug().Err(err).Str("key", key).Msg("embed_cache_get_error")
		}
		return nil, false
	}
	vec := decode(raw)
	if vec == nil {
		return nil, false
	}
	return vec, true
}

func (c *RedisCache) Set(ctx context.Context, key string, vec []float32) {
	if c == nil || c.client == nil {
		return
	}
	if err := c.client.Set(ctx, key, encode(vec), c.ttl).Err(); err != nil {
		log.Debug().Err(err).Str("key", key).Msg("embed_cache_set_error")
	}
}

func (c *RedisCache) Close() error {
	if c == nil || c.client == nil {
		return nil
	}
	return c.client.Close()
}

func encode(vec []float32) []byte {
	buf := make([]byte, 4*len(vec))
	for i, f := range vec {
		binary.LittleEndian.PutUint32(buf[4*i:], math.Float32bits(f))
	}
	return buf
}

func decode(raw []byte) []float32 {
	if len(raw)%4 != 0 {
		return nil
	}
	vec := make([]float32, len(raw)/4)
	for i := range vec {
		vec[i] = math.Float32frombits(binary.LittleEndian.Uint32(raw[4*i:]))
	}
	return vec
}
