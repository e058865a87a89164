package embedder

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
)

// openaiEmbedder calls an OpenAI-compatible /v1/embeddings endpoint. Large
// inputs are split into batches of at most cfg.BatchSize texts per request.
type openaiEmbedder struct {
	baseURL   string
	apiKey    string
	model     string
	dimension int
	batchSize int
	client    *http.Client
}

// NewOpenAI builds an Embedder over the configured endpoint.
func NewOpenAI(cfg config.EmbedderConfig) Embedder {
	return &openaiEmbedder{
		baseURL:   strings.TrimRight(cfg.BaseURL, "/"),
		apiKey:    cfg.APIKey,
		model:     cfg.Model,
		dimension: cfg.Dimension,
		batchSize: cfg.BatchSize,
		client:    &http.Client{Timeout: cfg.Timeout},
	}
}

func (e *openaiEmbedder) Dimension() int { return e.dimension }

type embeddingRequest struct {
	Model string   `json:"model"`
	Input []string `json:"input"`
}

type embeddingResponse struct {
	Data []struct {
		Index     int       `json:"index"`
		Embedding []float32 `json:"embedding"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error"`
}

func (e *openaiEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	out := make([][]float32, 0, len(texts))
	batch := e.batchSize
	if batch <= 0 {
		batch = 64
	}
	for start := 0; start < len(texts); start += batch {
		end := start + batch
		if end > len(texts) {
			end = len(texts)
		}
		vectors, err := e.embedBatch(ctx, texts[start:end])
		if err != nil {
			return nil, err
		}
		out = append(out, vectors...)
	}
	return out, nil
}

func (e *openaiEmbedder) embedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	body, err := json.Marshal(embeddingRequest{Model: e.model, Input: texts})
	if err != nil {
		return nil, common.Wrap(common.KindInternal, "EMBED_ENCODE", "encoding embedding request", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, e.baseURL+"/v1/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, common.Wrap(common.KindInternal, "EMBED_REQUEST", "building embedding request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if e.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+e.apiKey)
	}

	resp, err := e.client.Do(req)
	if err != nil {
		if errors.Is(err, context.Canceled) {
			return nil, err
		}
		return nil, common.Wrap(common.KindUnavailable, "EMBED_UNAVAILABLE", "embedding service unreachable", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 64<<20))
	if err != nil {
		return nil, common.Wrap(common.KindUnavailable, "EMBED_UNAVAILABLE", "reading embedding response", err)
	}

	switch {
	case resp.StatusCode == http.StatusOK:
	case resp.StatusCode == http.StatusTooManyRequests:
		return nil, common.E(common.KindRateLimited, "EMBED_RATE_LIMITED", "embedding service rate limited")
	case resp.StatusCode >= 500:
		return nil, common.E(common.KindUnavailable, "EMBED_UNAVAILABLE",
			fmt.Sprintf("embedding service returned %d", resp.StatusCode))
	default:
		return nil, common.E(common.KindValidation, "EMBED_REJECTED",
			fmt.Sprintf("embedding service rejected the request with %d: %s",
				resp.StatusCode, truncate(string(payload), 512)))
	}

	var parsed embeddingResponse
	if err := json.Unmarshal(payload, &parsed); err != nil {
		return nil, common.Wrap(common.KindUnavailable, "EMBED_DECODE", "decoding embedding response", err)
	}
	if parsed.Error != nil {
		return nil, common.E(common.KindValidation, "EMBED_REJECTED", parsed.Error.Message)
	}
	if len(parsed.Data) != len(texts) {
		return nil, common.E(common.KindUnavailable, "EMBED_INCOMPLETE",
			fmt.Sprintf("expected %d embeddings, got %d", len(texts), len(parsed.Data)))
	}

	vectors := make([][]float32, len(texts))
	for _, item := range parsed.Data {
		if item.Index < 0 || item.Index >= len(texts) {
			return nil, common.E(common.KindUnavailable, "EMBED_INCOMPLETE", "embedding response index out of range")
		}
		if len(item.Embedding) != e.dimension {
			return nil, common.E(common.KindValidation, "DIMENSION_MISMATCH",
				fmt.Sprintf("embedding has dimension %d, configured dimension is %d",
					len(item.Embedding), e.dimension))
		}
		vectors[item.Index] = item.Embedding
	}
	for i, v := range vectors {
		if v == nil {
			return nil, common.E(common.KindUnavailable, "EMBED_INCOMPLETE",
				fmt.Sprintf("missing embedding for input %d", i))
		}
	}
	return vectors, nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
