// Package embedder turns text into fixed-dimension vectors via an
// OpenAI-compatible embeddings endpoint.
package embedder

import "context"

// Embedder is the embedding contract. Implementations return one vector per
// input, in input order, each with the configured dimension.
type Embedder interface {
	Embed(ctx context.Context, texts []string) ([][]float32, error)
	Dimension() int
}
