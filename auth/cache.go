package auth

import (
	"context"
	"encoding/json"
	"time"

	"github.com/redis/go-redis/v9"

	"rag.evalgo.org/common"
)

// cacheKeyPrefix namespaces validated-token entries in Redis.
const cacheKeyPrefix = "auth:token:"

// maxCacheTTL bounds how stale a cached validation may be. Revocation is
// visible node-locally at once and cluster-wide within this window.
const maxCacheTTL = 60 * time.Second

// Principal is the validated identity attached to a request.
type Principal struct {
	UserID  string   `json:"user_id"`
	Roles   []string `json:"roles"`
	TokenID string   `json:"token_id"`
}

// HasRole reports whether the principal carries the role.
func (p *Principal) HasRole(role string) bool {
	for _, r := range p.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// tokenCache is the Redis-backed validation cache keyed by token hash. A nil
// client disables caching; every lookup then hits the store.
type tokenCache struct {
	client *redis.Client
}

func (c *tokenCache) get(ctx context.Context, hash string) *Principal {
	if c.client == nil {
		return nil
	}
	raw, err := c.client.Get(ctx, cacheKeyPrefix+hash).Result()
	if err != nil {
		return nil
	}
	var p Principal
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		return nil
	}
	return &p
}

func (c *tokenCache) put(ctx context.Context, hash string, p *Principal, tokenExpiry time.Time) {
	if c.client == nil {
		return
	}
	ttl := maxCacheTTL
	if remaining := time.Until(tokenExpiry); remaining < ttl {
		ttl = remaining
	}
	if ttl <= 0 {
		return
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return
	}
	if err := c.client.Set(ctx, cacheKeyPrefix+hash, raw, ttl).Err(); err != nil {
		common.Logger.WithError(err).Debug("failed to cache token validation")
	}
}

func (c *tokenCache) invalidate(ctx context.Context, hash string) {
	if c.client == nil {
		return
	}
	if err := c.client.Del(ctx, cacheKeyPrefix+hash).Err(); err != nil {
		common.Logger.WithError(err).Debug("failed to invalidate token cache")
	}
}
