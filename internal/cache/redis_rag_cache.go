package cache

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/weekijie/sturgeon/internal/service"
)

const (
	redisRAGKeyPrefix = "rag:query:"
	redisOpTimeout    = 2 * time.Second
)

// RedisRAGCache is a Redis-backed implementation of service.RAGCache for
// multi-replica deployments, where each replica's in-memory cache would
// otherwise miss on queries another replica already answered. Entries carry
// the same TTL as the in-memory cache; the entry cap is delegated to the
// Redis maxmemory policy rather than re-implemented client-side.
//
// All operations are best-effort: a Redis fault degrades to a cache miss,
// never a failed retrieval.
type RedisRAGCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRAGCache creates a RedisRAGCache on an already-configured client.
func NewRedisRAGCache(client *redis.Client, ttl time.Duration) *RedisRAGCache {
	if ttl <= 0 {
		ttl = defaultRAGCacheTTL
	}
	return &RedisRAGCache{client: client, ttl: ttl}
}

// Get returns the cached chunks for key if present and unexpired.
func (c *RedisRAGCache) Get(key string) ([]service.RankedChunk, bool) {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	raw, err := c.client.Get(ctx, redisRAGKeyPrefix+key).Bytes()
	if err == redis.Nil {
		return nil, false
	}
	if err != nil {
		slog.Warn("[RAG-CACHE] redis get failed", "error", err)
		return nil, false
	}
	var chunks []service.RankedChunk
	if err := json.Unmarshal(raw, &chunks); err != nil {
		slog.Warn("[RAG-CACHE] redis entry corrupt, dropping", "error", err)
		c.client.Del(ctx, redisRAGKeyPrefix+key)
		return nil, false
	}
	return chunks, true
}

// Set stores chunks for key with the cache TTL.
func (c *RedisRAGCache) Set(key string, chunks []service.RankedChunk) {
	raw, err := json.Marshal(chunks)
	if err != nil {
		slog.Warn("[RAG-CACHE] redis marshal failed", "error", err)
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()
	if err := c.client.Set(ctx, redisRAGKeyPrefix+key, raw, c.ttl).Err(); err != nil {
		slog.Warn("[RAG-CACHE] redis set failed", "error", err)
	}
}

// Len counts the cache's entries by scanning the key prefix. Used only by
// the health payload, so the scan is bounded by the op timeout rather than
// guaranteed exhaustive.
func (c *RedisRAGCache) Len() int {
	ctx, cancel := context.WithTimeout(context.Background(), redisOpTimeout)
	defer cancel()

	var count, cursor uint64
	for {
		keys, next, err := c.client.Scan(ctx, cursor, redisRAGKeyPrefix+"*", 100).Result()
		if err != nil {
			slog.Warn("[RAG-CACHE] redis scan failed", "error", err)
			return int(count)
		}
		count += uint64(len(keys))
		cursor = next
		if cursor == 0 {
			return int(count)
		}
	}
}
