package format

import (
	"context"
	"sync"
	"time"

	"github.com/kestrelix/antigravity-relay/internal/config"
	"github.com/kestrelix/antigravity-relay/internal/utils"
	"github.com/kestrelix/antigravity-relay/pkg/redis"
)

// SignatureCache remembers thought signatures across turns. Tool-call
// signatures are keyed by tool-use ID; thinking signatures map to the model
// family that produced them. Backed by redis when available, otherwise an
// in-process map with TTL eviction.
type SignatureCache struct {
	redis *redis.Client

	mu          sync.RWMutex
	signatures  map[string]cacheEntry
	thinkingSig map[string]cacheEntry
}

type cacheEntry struct {
	value     string
	expiresAt time.Time
}

var (
	globalCache     *SignatureCache
	globalCacheOnce sync.Once
)

// InitGlobalSignatureCache sets the process-wide cache. Pass nil rdb for
// memory-only operation.
func InitGlobalSignatureCache(rdb *redis.Client) {
	globalCacheOnce.Do(func() {
		globalCache = NewSignatureCache(rdb)
	})
}

// GetGlobalSignatureCache returns the process-wide cache, creating a
// memory-only one on first use.
func GetGlobalSignatureCache() *SignatureCache {
	InitGlobalSignatureCache(nil)
	return globalCache
}

// NewSignatureCache creates a cache. rdb may be nil.
func NewSignatureCache(rdb *redis.Client) *SignatureCache {
	return &SignatureCache{
		redis:       rdb,
		signatures:  make(map[string]cacheEntry),
		thinkingSig: make(map[string]cacheEntry),
	}
}

func (c *SignatureCache) ttl() time.Duration {
	return time.Duration(config.GeminiSignatureCacheTTLMs) * time.Millisecond
}

// CacheSignature stores a tool-call signature by tool-use ID.
func (c *SignatureCache) CacheSignature(toolID, signature string) {
	if toolID == "" || signature == "" || signature == config.GeminiSkipSignature {
		return
	}
	if c.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.redis.SetSignature(ctx, toolID, signature, c.ttl()); err != nil {
			utils.Warn("[SignatureCache] redis write failed: %v", err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked()
	c.signatures[toolID] = cacheEntry{value: signature, expiresAt: time.Now().Add(c.ttl())}
}

// GetCachedSignature returns the signature for a tool-use ID, or "".
func (c *SignatureCache) GetCachedSignature(toolID string) string {
	if toolID == "" {
		return ""
	}
	if c.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return c.redis.GetSignature(ctx, toolID)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.signatures[toolID]
	if !ok || time.Now().After(entry.expiresAt) {
		return ""
	}
	return entry.value
}

// CacheThinkingSignature records the model family that produced a thinking
// signature, so later requests can tell whether it is safe to replay.
func (c *SignatureCache) CacheThinkingSignature(signature, model string) {
	if signature == "" || len(signature) < config.MinSignatureLength {
		return
	}
	family := config.GetModelFamily(model)
	if family == config.ModelFamilyUnknown {
		return
	}
	if c.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		if err := c.redis.SetThinkingSignature(ctx, signature, string(family), c.ttl()); err != nil {
			utils.Warn("[SignatureCache] redis write failed: %v", err)
		}
		return
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	c.evictExpiredLocked()
	c.thinkingSig[signature] = cacheEntry{value: string(family), expiresAt: time.Now().Add(c.ttl())}
}

// GetCachedSignatureFamily returns the model family for a thinking
// signature, or "" when unknown.
func (c *SignatureCache) GetCachedSignatureFamily(signature string) string {
	if signature == "" {
		return ""
	}
	if c.redis != nil {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		return c.redis.GetThinkingSignature(ctx, signature)
	}

	c.mu.RLock()
	defer c.mu.RUnlock()
	entry, ok := c.thinkingSig[signature]
	if !ok || time.Now().After(entry.expiresAt) {
		return ""
	}
	return entry.value
}

// ClearThinkingSignatureCache drops the in-memory maps. Redis entries age
// out by TTL.
func (c *SignatureCache) ClearThinkingSignatureCache() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.signatures = make(map[string]cacheEntry)
	c.thinkingSig = make(map[string]cacheEntry)
}

func (c *SignatureCache) evictExpiredLocked() {
	now := time.Now()
	for k, v := range c.signatures {
		if now.After(v.expiresAt) {
			delete(c.signatures, k)
		}
	}
	for k, v := range c.thinkingSig {
		if now.After(v.expiresAt) {
			delete(c.thinkingSig, k)
		}
	}
}
