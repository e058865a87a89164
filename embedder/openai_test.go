package embedder

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
)

func testEmbedder(t *testing.T, handler http.HandlerFunc) Embedder {
	t.Helper()
	server := httptest.NewServer(handler)
	t.Cleanup(server.Close)
	return NewOpenAI(config.EmbedderConfig{
		BaseURL:   server.URL,
		Model:     "test-embed",
		Dimension: 3,
		BatchSize: 2,
		Timeout:   5 * time.Second,
	})
}

func TestOpenAIEmbedBatchesAndOrders(t *testing.T) {
	var calls int
	e := testEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		calls++
		var req embeddingRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "test-embed", req.Model)

		resp := embeddingResponse{}
		// Deliver out of input order; the client must reorder by index.
		for i := len(req.Input) - 1; i >= 0; i-- {
			resp.Data = append(resp.Data, struct {
				Index     int       `json:"index"`
				Embedding []float32 `json:"embedding"`
			}{Index: i, Embedding: []float32{float32(i), 0, 0}})
		}
		json.NewEncoder(w).Encode(resp)
	})

	vectors, err := e.Embed(context.Background(), []string{"a", "b", "c"})
	require.NoError(t, err)
	require.Len(t, vectors, 3)
	assert.Equal(t, 2, calls)
	assert.Equal(t, []float32{0, 0, 0}, vectors[0])
	assert.Equal(t, []float32{1, 0, 0}, vectors[1])
	assert.Equal(t, []float32{0, 0, 0}, vectors[2])
}

func TestOpenAIEmbedServerErrorIsUnavailable(t *testing.T) {
	e := testEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, "boom", http.StatusBadGateway)
	})

	_, err := e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, common.KindUnavailable, common.KindOf(err))
}

func TestOpenAIEmbedClientErrorIsValidation(t *testing.T) {
	e := testEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		http.Error(w, `{"error":{"message":"bad input"}}`, http.StatusBadRequest)
	})

	_, err := e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, common.KindValidation, common.KindOf(err))
}

func TestOpenAIEmbedDimensionMismatch(t *testing.T) {
	e := testEmbedder(t, func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(map[string]interface{}{
			"data": []map[string]interface{}{
				{"index": 0, "embedding": []float32{1, 2}},
			},
		})
	})

	_, err := e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, common.KindValidation, common.KindOf(err))
}

func TestOpenAIEmbedUnreachable(t *testing.T) {
	e := NewOpenAI(config.EmbedderConfig{
		BaseURL:   "http://127.0.0.1:1",
		Model:     "test-embed",
		Dimension: 3,
		BatchSize: 2,
		Timeout:   time.Second,
	})

	_, err := e.Embed(context.Background(), []string{"a"})
	require.Error(t, err)
	assert.Equal(t, common.KindUnavailable, common.KindOf(err))
}

func TestDeterministicEmbedderIsStable(t *testing.T) {
	d := NewDeterministic(8)

	a, err := d.Embed(context.Background(), []string{"hello", "world", "hello"})
	require.NoError(t, err)
	require.Len(t, a, 3)
	assert.Equal(t, a[0], a[2])
	assert.NotEqual(t, a[0], a[1])

	var norm float64
	for _, f := range a[0] {
		norm += float64(f) * float64(f)
	}
	assert.InDelta(t, 1.0, norm, 1e-5)
}
