package config

import (
	"context"
	"fmt"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

// settingsKey is the Redis hash holding runtime overrides.
const settingsKey = "settings:overrides"

// settingsCacheTTL bounds how stale a node's view of the overrides may be.
const settingsCacheTTL = 60 * time.Second

// RuntimeKeys enumerates the settings that may be overridden at runtime.
// Writes to any other key are rejected with an error.
var RuntimeKeys = []string{
	"model.default_name",
	"model.context_window",
	"retrieval.default_k",
	"retrieval.similarity_threshold",
	"retrieval.reserved_completion_tokens",
	"chunking.target_chars",
	"chunking.overlap_chars",
	"ingest.max_retries",
	"ingest.backoff_base_ms",
	"auth.access_token_ttl",
	"auth.refresh_token_ttl",
	"rate_limits.standard",
	"rate_limits.chat",
	"rate_limits.upload",
	"rate_limits.admin",
}

// Settings resolves configuration values in the documented order: runtime
// overrides (Redis, cached locally for at most sixty seconds) fall back to
// the values loaded from file/env/defaults. Request-level overrides are the
// caller's concern and never reach this type.
type Settings struct {
	cfg    *Config
	client *redis.Client

	mu        sync.RWMutex
	overrides map[string]string
	fetched   time.Time
}

// NewSettings builds a resolver over the static configuration. The Redis
// client may be nil, in which case only static values are served.
func NewSettings(cfg *Config, client *redis.Client) *Settings {
	return &Settings{cfg: cfg, client: client}
}

// Static returns the underlying static configuration.
func (s *Settings) Static() *Config { return s.cfg }

// Override persists a runtime override. Propagation to other nodes takes at
// most settingsCacheTTL.
func (s *Settings) Override(ctx context.Context, key, value string) error {
	if !isRuntimeKey(key) {
		return fmt.Errorf("setting %q is not runtime-overridable", key)
	}
	if s.client == nil {
		return fmt.Errorf("runtime overrides require redis")
	}
	if err := s.client.HSet(ctx, settingsKey, key, value).Err(); err != nil {
		return fmt.Errorf("failed to persist override %s: %w", key, err)
	}
	s.invalidate()
	return nil
}

// ClearOverride removes a runtime override, restoring the static value.
func (s *Settings) ClearOverride(ctx context.Context, key string) error {
	if s.client == nil {
		return fmt.Errorf("runtime overrides require redis")
	}
	if err := s.client.HDel(ctx, settingsKey, key).Err(); err != nil {
		return fmt.Errorf("failed to clear override %s: %w", key, err)
	}
	s.invalidate()
	return nil
}

// Overrides returns the current override map.
func (s *Settings) Overrides(ctx context.Context) map[string]string {
	return s.snapshot(ctx)
}

func (s *Settings) invalidate() {
	s.mu.Lock()
	s.fetched = time.Time{}
	s.mu.Unlock()
}

// snapshot returns the override map, refreshing from Redis when the local
// copy is older than settingsCacheTTL. Redis failures fall back to the last
// known snapshot; static values still apply.
func (s *Settings) snapshot(ctx context.Context) map[string]string {
	s.mu.RLock()
	if time.Since(s.fetched) < settingsCacheTTL {
		defer s.mu.RUnlock()
		return s.overrides
	}
	s.mu.RUnlock()

	if s.client == nil {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if time.Since(s.fetched) < settingsCacheTTL {
		return s.overrides
	}
	vals, err := s.client.HGetAll(ctx, settingsKey).Result()
	if err != nil {
		return s.overrides
	}
	s.overrides = vals
	s.fetched = time.Now()
	return s.overrides
}

func (s *Settings) lookup(ctx context.Context, key string) (string, bool) {
	v, ok := s.snapshot(ctx)[key]
	return v, ok
}

// String resolves a string setting.
func (s *Settings) String(ctx context.Context, key, fallback string) string {
	if v, ok := s.lookup(ctx, key); ok && v != "" {
		return v
	}
	return fallback
}

// Int resolves an integer setting.
func (s *Settings) Int(ctx context.Context, key string, fallback int) int {
	if v, ok := s.lookup(ctx, key); ok {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return fallback
}

// Float resolves a float setting.
func (s *Settings) Float(ctx context.Context, key string, fallback float64) float64 {
	if v, ok := s.lookup(ctx, key); ok {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return fallback
}

// Duration resolves a duration setting. Overrides use Go duration syntax
// ("45m") or plain milliseconds for *_ms keys.
func (s *Settings) Duration(ctx context.Context, key string, fallback time.Duration) time.Duration {
	if v, ok := s.lookup(ctx, key); ok {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if ms, err := strconv.Atoi(v); err == nil {
			return time.Duration(ms) * time.Millisecond
		}
	}
	return fallback
}

func isRuntimeKey(key string) bool {
	for _, k := range RuntimeKeys {
		if k == key {
			return true
		}
	}
	return false
}
