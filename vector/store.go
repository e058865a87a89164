// Package vector provides the similarity index over chunk embeddings. The
// index is derived state: every record can be rebuilt from the transactional
// store, and deletes are idempotent so compensating cleanup can run more than
// once.
package vector

import "context"

// Record is one embedded chunk in the index.
type Record struct {
	ChunkID      string
	DocumentID   string
	CollectionID string
	Ordinal      int
	Page         int
	Section      string
	Embedding    []float32
}

// Query is a similarity search request. CollectionIDs narrows the search to
// the given collections; empty means no collection filter.
type Query struct {
	Embedding     []float32
	K             int
	Threshold     float64
	CollectionIDs []string
	DocumentIDs   []string
}

// Match is one search hit. Score is cosine similarity in [-1, 1], higher is
// closer.
type Match struct {
	ChunkID      string
	DocumentID   string
	CollectionID string
	Ordinal      int
	Page         int
	Section      string
	Score        float64
}

// Store is the similarity index contract.
type Store interface {
	// Upsert writes the records, replacing any existing entry per chunk id.
	Upsert(ctx context.Context, records []Record) error
	// Search returns up to K matches at or above the threshold, ordered by
	// descending score.
	Search(ctx context.Context, q Query) ([]Match, error)
	// DeleteByDocument removes all records of the given documents. Missing
	// documents are not an error.
	DeleteByDocument(ctx context.Context, documentIDs ...string) error
	// DeleteByCollection removes all records of the given collections.
	DeleteByCollection(ctx context.Context, collectionIDs ...string) error
	// Count reports the number of indexed records, for readiness reporting.
	Count(ctx context.Context) (int64, error)
}
