package config

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestSettings(t *testing.T) (*Settings, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	cfg := &Config{
		Retrieval: RetrievalConfig{DefaultK: 5, SimilarityThreshold: 0.0},
		Model:     ModelConfig{DefaultName: "claude-sonnet-4-5", ContextWindow: 200000},
	}
	return NewSettings(cfg, client), mr
}

func TestSettingsStaticFallback(t *testing.T) {
	s, _ := newTestSettings(t)
	ctx := context.Background()

	assert.Equal(t, 5, s.Int(ctx, "retrieval.default_k", s.Static().Retrieval.DefaultK))
	assert.Equal(t, "claude-sonnet-4-5", s.String(ctx, "model.default_name", s.Static().Model.DefaultName))
}

func TestSettingsOverride(t *testing.T) {
	s, _ := newTestSettings(t)
	ctx := context.Background()

	require.NoError(t, s.Override(ctx, "retrieval.default_k", "10"))
	assert.Equal(t, 10, s.Int(ctx, "retrieval.default_k", 5))

	require.NoError(t, s.ClearOverride(ctx, "retrieval.default_k"))
	assert.Equal(t, 5, s.Int(ctx, "retrieval.default_k", 5))
}

func TestSettingsRejectsUnknownKey(t *testing.T) {
	s, _ := newTestSettings(t)
	assert.Error(t, s.Override(context.Background(), "server.port", "9999"))
}

func TestSettingsDuration(t *testing.T) {
	s, _ := newTestSettings(t)
	ctx := context.Background()

	require.NoError(t, s.Override(ctx, "auth.access_token_ttl", "45m"))
	assert.Equal(t, 45*time.Minute, s.Duration(ctx, "auth.access_token_ttl", time.Hour))

	require.NoError(t, s.Override(ctx, "ingest.backoff_base_ms", "1500"))
	assert.Equal(t, 1500*time.Millisecond, s.Duration(ctx, "ingest.backoff_base_ms", time.Second))
}

func TestSettingsBadOverrideFallsBack(t *testing.T) {
	s, _ := newTestSettings(t)
	ctx := context.Background()

	require.NoError(t, s.Override(ctx, "retrieval.similarity_threshold", "not-a-number"))
	assert.Equal(t, 0.25, s.Float(ctx, "retrieval.similarity_threshold", 0.25))
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.Port)
	assert.Equal(t, 1024, cfg.Queue.MaxLength)
	assert.Equal(t, 1000, cfg.Chunking.TargetChars)
	assert.Equal(t, 200, cfg.Chunking.OverlapChars)
	assert.Equal(t, 5, cfg.Chat.MaxToolIterations)
	assert.Equal(t, time.Hour, cfg.Auth.AccessTokenTTL)
}
