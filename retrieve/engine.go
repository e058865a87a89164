// Package retrieve turns a question into a packed context block with
// citations. It embeds the normalized question, over-fetches candidates from
// the vector index, hydrates them from the transactional store, and greedily
// packs chunks into the caller's token budget.
package retrieve

import (
	"context"
	"sort"
	"strings"
	"time"

	"github.com/sirupsen/logrus"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
	"rag.evalgo.org/db"
	"rag.evalgo.org/db/repository"
	"rag.evalgo.org/embedder"
	"rag.evalgo.org/vector"
)

const (
	// maxK bounds both the requested k and the over-fetch width.
	maxK = 50

	embedTimeout  = 30 * time.Second
	searchTimeout = 5 * time.Second
)

// Request describes one retrieval call. K at or below zero uses the
// configured default. Threshold, when nil, uses the configured default.
type Request struct {
	OwnerID       string
	Question      string
	CollectionIDs []string
	DocumentIDs   []string
	K             int
	Threshold     *float64

	// Token accounting for the packing budget.
	ContextWindow      int
	SystemPromptTokens int
	HistoryTokens      int
	ReservedCompletion int
}

// Chunk is one packed context chunk.
type Chunk struct {
	ChunkID    string  `json:"chunk_id"`
	DocumentID string  `json:"document_id"`
	Ordinal    int     `json:"ordinal"`
	Text       string  `json:"text"`
	TokenCount int     `json:"token_count"`
	Score      float64 `json:"score"`
}

// Citation points a packed chunk back at its source document.
type Citation struct {
	DocumentID     string                 `json:"document_id"`
	ChunkID        string                 `json:"chunk_id"`
	Score          float64                `json:"score"`
	SourceMetadata map[string]interface{} `json:"source_metadata"`
}

// Result is the retrieval outcome. InsufficientContext is set when nothing
// fit the budget; Truncated when at least one surviving candidate was left
// out for budget reasons.
type Result struct {
	Chunks              []Chunk    `json:"chunks"`
	Citations           []Citation `json:"citations"`
	Truncated           bool       `json:"truncated"`
	InsufficientContext bool       `json:"insufficient_context"`
}

// TokenCount sums the packed chunks' token estimates.
func (r *Result) TokenCount() int {
	total := 0
	for _, chunk := range r.Chunks {
		total += chunk.TokenCount
	}
	return total
}

// ContextText renders the packed chunks as one block for prompt injection.
func (r *Result) ContextText() string {
	parts := make([]string, 0, len(r.Chunks))
	for _, chunk := range r.Chunks {
		parts = append(parts, chunk.Text)
	}
	return strings.Join(parts, "\n\n---\n\n")
}

// Engine runs retrieval over the vector index and the document store.
type Engine struct {
	repos    *repository.Repositories
	vectors  vector.Store
	embedder embedder.Embedder
	settings *config.Settings
}

// NewEngine wires the retrieval dependencies.
func NewEngine(repos *repository.Repositories, vectors vector.Store, emb embedder.Embedder, settings *config.Settings) *Engine {
	return &Engine{repos: repos, vectors: vectors, embedder: emb, settings: settings}
}

// Retrieve executes the full retrieval algorithm. Collection filters are
// expanded to the full subtree of each named collection; collections the
// owner cannot see fail with forbidden.
func (e *Engine) Retrieve(ctx context.Context, req Request) (*Result, error) {
	question := normalize(req.Question)
	if question == "" {
		return nil, common.E(common.KindValidation, "EMPTY_QUERY", "question must not be empty")
	}
	if req.K > maxK {
		return nil, common.E(common.KindValidation, "K_TOO_LARGE", "k must be at most 50")
	}

	static := e.settings.Static()
	k := req.K
	if k <= 0 {
		k = e.settings.Int(ctx, "retrieval.default_k", defaultInt(static.Retrieval.DefaultK, 5))
	}
	threshold := e.settings.Float(ctx, "retrieval.similarity_threshold", static.Retrieval.SimilarityThreshold)
	if req.Threshold != nil {
		threshold = *req.Threshold
	}

	collectionIDs, err := e.expandCollections(ctx, req.OwnerID, req.CollectionIDs)
	if err != nil {
		return nil, err
	}

	embedCtx, cancelEmbed := context.WithTimeout(ctx, embedTimeout)
	defer cancelEmbed()
	vectors, err := e.embedder.Embed(embedCtx, []string{question})
	if err != nil {
		return nil, err
	}

	overFetch := k * 3
	if overFetch > maxK {
		overFetch = maxK
	}

	searchCtx, cancelSearch := context.WithTimeout(ctx, searchTimeout)
	defer cancelSearch()
	matches, err := e.vectors.Search(searchCtx, vector.Query{
		Embedding:     vectors[0],
		K:             overFetch,
		Threshold:     threshold,
		CollectionIDs: collectionIDs,
		DocumentIDs:   req.DocumentIDs,
	})
	if err != nil {
		return nil, err
	}
	if len(matches) == 0 {
		return &Result{InsufficientContext: true}, nil
	}

	candidates, err := e.hydrate(ctx, matches)
	if err != nil {
		return nil, err
	}

	result := pack(candidates, k, e.budget(ctx, req))
	common.Logger.WithFields(logrus.Fields{
		"matches":      len(matches),
		"packed":       len(result.Chunks),
		"truncated":    result.Truncated,
		"insufficient": result.InsufficientContext,
	}).Debug("retrieval complete")
	return result, nil
}

// budget computes the packing token budget from the request's accounting.
func (e *Engine) budget(ctx context.Context, req Request) int {
	static := e.settings.Static()
	window := req.ContextWindow
	if window <= 0 {
		window = e.settings.Int(ctx, "model.context_window", defaultInt(static.Model.ContextWindow, 200000))
	}
	reserved := req.ReservedCompletion
	if reserved <= 0 {
		reserved = e.settings.Int(ctx, "retrieval.reserved_completion_tokens",
			defaultInt(static.Retrieval.ReservedCompletionTokens, 1024))
	}
	budget := window - req.SystemPromptTokens - reserved - req.HistoryTokens
	if budget < 0 {
		budget = 0
	}
	return budget
}

// expandCollections resolves each filter to its full subtree and checks
// ownership. An empty filter searches everything the index holds for the
// owner's documents.
func (e *Engine) expandCollections(ctx context.Context, ownerID string, ids []string) ([]string, error) {
	if len(ids) == 0 {
		return nil, nil
	}
	seen := make(map[string]bool)
	expanded := make([]string, 0, len(ids))
	for _, id := range ids {
		col, err := e.repos.Collections.Get(ctx, id)
		if err != nil {
			return nil, err
		}
		if ownerID != "" && col.OwnerID != ownerID {
			return nil, common.E(common.KindForbidden, "COLLECTION_FORBIDDEN",
				"collection "+id+" belongs to another user")
		}
		subtree, err := e.repos.Collections.Subtree(ctx, id)
		if err != nil {
			return nil, err
		}
		for _, node := range subtree {
			if !seen[node.ID] {
				seen[node.ID] = true
				expanded = append(expanded, node.ID)
			}
		}
	}
	return expanded, nil
}

// candidate pairs a vector match with its hydrated chunk and document.
type candidate struct {
	match vector.Match
	chunk *db.Chunk
	doc   *db.Document
}

// hydrate loads chunk text in one batch and document metadata per distinct
// document. Matches whose chunk vanished since indexing are dropped.
func (e *Engine) hydrate(ctx context.Context, matches []vector.Match) ([]candidate, error) {
	ids := make([]string, 0, len(matches))
	for _, m := range matches {
		ids = append(ids, m.ChunkID)
	}
	chunks, err := e.repos.Documents.ChunksByIDs(ctx, ids)
	if err != nil {
		return nil, err
	}
	byID := make(map[string]*db.Chunk, len(chunks))
	for _, chunk := range chunks {
		byID[chunk.ID] = chunk
	}

	docs := make(map[string]*db.Document)
	candidates := make([]candidate, 0, len(matches))
	for _, m := range matches {
		chunk, ok := byID[m.ChunkID]
		if !ok {
			continue
		}
		doc, ok := docs[chunk.DocumentID]
		if !ok {
			doc, err = e.repos.Documents.Get(ctx, chunk.DocumentID)
			if err != nil {
				if common.IsKind(err, common.KindNotFound) {
					continue
				}
				return nil, err
			}
			docs[chunk.DocumentID] = doc
		}
		candidates = append(candidates, candidate{match: m, chunk: chunk, doc: doc})
	}
	return candidates, nil
}

// pack sorts candidates and greedily fills the budget, considering at most k
// of them.
func pack(candidates []candidate, k, budget int) *Result {
	sort.SliceStable(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.match.Score != b.match.Score {
			return a.match.Score > b.match.Score
		}
		if !a.doc.UpdatedAt.Equal(b.doc.UpdatedAt) {
			return a.doc.UpdatedAt.After(b.doc.UpdatedAt)
		}
		return a.chunk.Ordinal < b.chunk.Ordinal
	})

	result := &Result{}
	remaining := budget
	considered := 0
	for _, cand := range candidates {
		if considered >= k {
			break
		}
		considered++
		tokens := cand.chunk.TokenCount
		if tokens == 0 {
			tokens = common.EstimateTokens(cand.chunk.Text)
		}
		if tokens > remaining {
			result.Truncated = true
			continue
		}
		remaining -= tokens
		result.Chunks = append(result.Chunks, Chunk{
			ChunkID:    cand.chunk.ID,
			DocumentID: cand.chunk.DocumentID,
			Ordinal:    cand.chunk.Ordinal,
			Text:       cand.chunk.Text,
			TokenCount: tokens,
			Score:      cand.match.Score,
		})
		result.Citations = append(result.Citations, Citation{
			DocumentID: cand.chunk.DocumentID,
			ChunkID:    cand.chunk.ID,
			Score:      cand.match.Score,
			SourceMetadata: map[string]interface{}{
				"title":         cand.doc.Title,
				"file_name":     cand.doc.FileName,
				"mime_type":     cand.doc.MimeType,
				"collection_id": cand.doc.CollectionID,
				"ordinal":       cand.chunk.Ordinal,
				"page":          cand.chunk.Page,
				"section":       cand.chunk.Section,
			},
		})
	}
	if len(result.Chunks) == 0 {
		result.InsufficientContext = true
	}
	return result
}

// normalize lowercases, trims, and collapses internal whitespace.
func normalize(s string) string {
	return strings.Join(strings.Fields(strings.ToLower(s)), " ")
}

func defaultInt(v, fallback int) int {
	if v > 0 {
		return v
	}
	return fallback
}
