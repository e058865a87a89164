package provider

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestAnthropicPingSendsCredentials(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "secret", r.Header.Get("x-api-key"))
		assert.NotEmpty(t, r.Header.Get("anthropic-version"))
		w.WriteHeader(http.StatusOK)
	}))
	t.Cleanup(server.Close)

	p := &anthropicProvider{apiKey: "secret", pingURL: server.URL, http: server.Client()}
	require.NoError(t, p.Ping(context.Background()))
}

func TestAnthropicPingWithoutEndpointIsHealthy(t *testing.T) {
	pinger, ok := NewAnthropicFromClient(nil).(Pinger)
	require.True(t, ok)
	assert.NoError(t, pinger.Ping(context.Background()))
}
