// Package format provides conversion between Anthropic and Google Generative AI formats.
// This file corresponds to src/format/signature-cache.js in the Node.js version.
package format

import (
	"context"
	"sync"
	"time"

	"github.com/dgraph-io/ristretto"

	"github.com/antigravity-proxy/antigravity-proxy-go/internal/config"
	"github.com/antigravity-proxy/antigravity-proxy-go/pkg/redis"
)

// SignatureCache caches Gemini thoughtSignatures for tool calls and thinking blocks.
// Gemini models require thoughtSignature on tool calls, but Claude Code strips non-standard fields.
// This cache stores signatures so they can be restored in subsequent requests.
//
// Redis is the durable tier (used when configured, surviving restarts).
// The in-process fallback tier is a ristretto cache bounded by entry count
// rather than an unbounded map, so a signature-cache-only deployment can't
// grow without limit across a long-lived process.
type SignatureCache struct {
	redisClient *redis.Client
	useRedis    bool

	memoryCache   *ristretto.Cache
	thinkingCache *ristretto.Cache
}

// signatureCacheMaxEntries bounds the in-process tier; ristretto sizes its
// internal structures off NumCounters (~10x MaxCost is the documented rule
// of thumb) and MaxCost here is a plain entry count since every entry costs 1.
const signatureCacheMaxEntries = 10_000

// NewSignatureCache creates a new SignatureCache
func NewSignatureCache(redisClient *redis.Client) *SignatureCache {
	cache := &SignatureCache{
		redisClient: redisClient,
		useRedis:    redisClient != nil,
	}

	newBoundedCache := func() *ristretto.Cache {
		c, err := ristretto.NewCache(&ristretto.Config{
			NumCounters: signatureCacheMaxEntries * 10,
			MaxCost:     signatureCacheMaxEntries,
			BufferItems: 64,
		})
		if err != nil {
			// ristretto.NewCache only fails on invalid config; the literal
			// above is always valid, so this is unreachable in practice.
			panic(err)
		}
		return c
	}
	cache.memoryCache = newBoundedCache()
	cache.thinkingCache = newBoundedCache()

	return cache
}

type signatureEntry struct {
	Signature string
	Timestamp time.Time
}

type thinkingEntry struct {
	ModelFamily string
	Timestamp   time.Time
}

// CacheSignature stores a signature for a tool_use_id
func (c *SignatureCache) CacheSignature(toolUseID, signature string) {
	if toolUseID == "" || signature == "" {
		return
	}

	ttl := time.Duration(config.GeminiSignatureCacheTTLMs) * time.Millisecond

	if c.useRedis {
		ctx := context.Background()
		_ = c.redisClient.SetSignature(ctx, toolUseID, signature, ttl)
	}
	c.memoryCache.SetWithTTL(toolUseID, &signatureEntry{Signature: signature, Timestamp: time.Now()}, 1, ttl)
}

// GetCachedSignature retrieves a cached signature for a tool_use_id
func (c *SignatureCache) GetCachedSignature(toolUseID string) string {
	if toolUseID == "" {
		return ""
	}

	if c.useRedis {
		ctx := context.Background()
		signature, err := c.redisClient.GetSignature(ctx, toolUseID)
		if err == nil && signature != "" {
			return signature
		}
	}

	if v, ok := c.memoryCache.Get(toolUseID); ok {
		return v.(*signatureEntry).Signature
	}
	return ""
}

// CacheThinkingSignature caches a thinking block signature with its model family
func (c *SignatureCache) CacheThinkingSignature(signature, modelFamily string) {
	if signature == "" || len(signature) < config.MinSignatureLength {
		return
	}

	ttl := time.Duration(config.GeminiSignatureCacheTTLMs) * time.Millisecond

	if c.useRedis {
		ctx := context.Background()
		_ = c.redisClient.SetThinkingSignature(ctx, signature, modelFamily, ttl)
	}
	c.thinkingCache.SetWithTTL(signature, &thinkingEntry{ModelFamily: modelFamily, Timestamp: time.Now()}, 1, ttl)
}

// GetCachedSignatureFamily returns the cached model family for a thinking signature
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}

	if c.useRedis {
		ctx := context.Background()
		family, err := c.redisClient.GetThinkingSignature(ctx, signature)
		if err == nil && family != "" {
			return family
		}
	}

	if v, ok := c.thinkingCache.Get(signature); ok {
		return v.(*thinkingEntry).ModelFamily
	}
	return ""
}

// ClearThinkingSignatureCache clears all entries from the thinking signature cache
func (c *SignatureCache) ClearThinkingSignatureCache() {
	// Redis entries auto-expire via TTL; the in-process tier is cleared
	// outright since it has no per-deployment partitioning to preserve.
	c.thinkingCache.Clear()
}

// Global instance for convenience
var globalSignatureCache *SignatureCache
var signatureCacheOnce sync.Once

// InitGlobalSignatureCache initializes the global signature cache
func InitGlobalSignatureCache(redisClient *redis.Client) {
	signatureCacheOnce.Do(func() {
		globalSignatureCache = NewSignatureCache(redisClient)
	})
}

// GetGlobalSignatureCache returns the global signature cache instance
func GetGlobalSignatureCache() *SignatureCache {
	if globalSignatureCache == nil {
		// Fallback to memory-only cache if not initialized
		globalSignatureCache = NewSignatureCache(nil)
	}
	return globalSignatureCache
}

// ClearThinkingSignatureCache clears the global thinking signature cache
func ClearThinkingSignatureCache() {
	GetGlobalSignatureCache().ClearThinkingSignatureCache()
}
