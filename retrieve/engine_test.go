package retrieve

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
	"rag.evalgo.org/db"
	"rag.evalgo.org/db/repository"
	"rag.evalgo.org/vector"
)

// fixedEmbedder returns the same vector for every input and records the
// normalized question it was given.
type fixedEmbedder struct {
	vec  []float32
	seen []string
}

func (f *fixedEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	f.seen = append(f.seen, texts...)
	out := make([][]float32, len(texts))
	for i := range texts {
		out[i] = f.vec
	}
	return out, nil
}

func (f *fixedEmbedder) Dimension() int { return len(f.vec) }

// scriptedVectors serves canned matches and records the query.
type scriptedVectors struct {
	vector.Store

	matches []vector.Match
	lastQ   vector.Query
}

func (s *scriptedVectors) Search(ctx context.Context, q vector.Query) ([]vector.Match, error) {
	s.lastQ = q
	var out []vector.Match
	for _, m := range s.matches {
		if m.Score < q.Threshold {
			continue
		}
		out = append(out, m)
	}
	if q.K > 0 && len(out) > q.K {
		out = out[:q.K]
	}
	return out, nil
}

type stubCollections struct {
	repository.Collections

	cols     map[string]*db.Collection
	subtrees map[string][]*db.Collection
}

func (s *stubCollections) Get(ctx context.Context, id string) (*db.Collection, error) {
	if col, ok := s.cols[id]; ok {
		return col, nil
	}
	return nil, common.E(common.KindNotFound, "COLLECTION_NOT_FOUND", "no such collection")
}

func (s *stubCollections) Subtree(ctx context.Context, id string) ([]*db.Collection, error) {
	if nodes, ok := s.subtrees[id]; ok {
		return nodes, nil
	}
	return []*db.Collection{s.cols[id]}, nil
}

type stubDocuments struct {
	repository.Documents

	docs   map[string]*db.Document
	chunks map[string]*db.Chunk
}

func (s *stubDocuments) Get(ctx context.Context, id string) (*db.Document, error) {
	if doc, ok := s.docs[id]; ok {
		return doc, nil
	}
	return nil, common.E(common.KindNotFound, "DOCUMENT_NOT_FOUND", "no such document")
}

func (s *stubDocuments) ChunksByIDs(ctx context.Context, ids []string) ([]*db.Chunk, error) {
	var out []*db.Chunk
	for _, id := range ids {
		if chunk, ok := s.chunks[id]; ok {
			out = append(out, chunk)
		}
	}
	return out, nil
}

type fixture struct {
	engine  *Engine
	emb     *fixedEmbedder
	vectors *scriptedVectors
	docs    *stubDocuments
	cols    *stubCollections
}

func newFixture() *fixture {
	cfg := &config.Config{
		Model:     config.ModelConfig{ContextWindow: 8000},
		Retrieval: config.RetrievalConfig{DefaultK: 5, ReservedCompletionTokens: 1000},
	}
	emb := &fixedEmbedder{vec: []float32{1, 0, 0}}
	vectors := &scriptedVectors{}
	docs := &stubDocuments{docs: map[string]*db.Document{}, chunks: map[string]*db.Chunk{}}
	cols := &stubCollections{cols: map[string]*db.Collection{}, subtrees: map[string][]*db.Collection{}}
	repos := &repository.Repositories{Documents: docs, Collections: cols}
	return &fixture{
		engine:  NewEngine(repos, vectors, emb, config.NewSettings(cfg, nil)),
		emb:     emb,
		vectors: vectors,
		docs:    docs,
		cols:    cols,
	}
}

func (f *fixture) addChunk(chunkID, docID string, ordinal, tokens int, score float64, updated time.Time) {
	if _, ok := f.docs.docs[docID]; !ok {
		f.docs.docs[docID] = &db.Document{
			ID: docID, CollectionID: "col-1", Title: "Doc " + docID,
			FileName: docID + ".md", MimeType: "text/markdown", UpdatedAt: updated,
		}
	}
	f.docs.chunks[chunkID] = &db.Chunk{
		ID: chunkID, DocumentID: docID, Ordinal: ordinal,
		Text: "chunk " + chunkID, TokenCount: tokens,
	}
	f.vectors.matches = append(f.vectors.matches, vector.Match{
		ChunkID: chunkID, DocumentID: docID, CollectionID: "col-1",
		Ordinal: ordinal, Score: score,
	})
}

func TestRetrieveRanksAndCites(t *testing.T) {
	f := newFixture()
	now := time.Now()
	f.addChunk("c-low", "doc-1", 0, 100, 0.55, now)
	f.addChunk("c-high", "doc-2", 3, 100, 0.92, now)
	f.addChunk("c-mid", "doc-1", 1, 100, 0.70, now)

	result, err := f.engine.Retrieve(context.Background(), Request{
		OwnerID:  "user-1",
		Question: "  What   IS the Answer? ",
		K:        3,
	})
	require.NoError(t, err)

	require.Len(t, result.Chunks, 3)
	assert.Equal(t, "c-high", result.Chunks[0].ChunkID)
	assert.Equal(t, "c-mid", result.Chunks[1].ChunkID)
	assert.Equal(t, "c-low", result.Chunks[2].ChunkID)
	assert.False(t, result.Truncated)
	assert.False(t, result.InsufficientContext)

	// Question was normalized before embedding.
	require.Len(t, f.emb.seen, 1)
	assert.Equal(t, "what is the answer?", f.emb.seen[0])

	// Over-fetch is 3k.
	assert.Equal(t, 9, f.vectors.lastQ.K)

	require.Len(t, result.Citations, 3)
	top := result.Citations[0]
	assert.Equal(t, "doc-2", top.DocumentID)
	assert.Equal(t, "c-high", top.ChunkID)
	assert.Equal(t, 0.92, top.Score)
	assert.Equal(t, "Doc doc-2", top.SourceMetadata["title"])
	assert.Equal(t, 3, top.SourceMetadata["ordinal"])
}

func TestRetrieveOverFetchCap(t *testing.T) {
	f := newFixture()
	f.addChunk("c-1", "doc-1", 0, 10, 0.9, time.Now())

	_, err := f.engine.Retrieve(context.Background(), Request{Question: "q", K: 40})
	require.NoError(t, err)
	assert.Equal(t, 50, f.vectors.lastQ.K)
}

func TestRetrieveKTooLarge(t *testing.T) {
	f := newFixture()
	_, err := f.engine.Retrieve(context.Background(), Request{Question: "q", K: 51})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindValidation))
}

func TestRetrieveEmptyQuestion(t *testing.T) {
	f := newFixture()
	_, err := f.engine.Retrieve(context.Background(), Request{Question: "   "})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindValidation))
	assert.Equal(t, "EMPTY_QUERY", common.CodeOf(err))
}

func TestRetrieveThresholdFiltersMatches(t *testing.T) {
	f := newFixture()
	now := time.Now()
	f.addChunk("c-1", "doc-1", 0, 10, 0.9, now)
	f.addChunk("c-2", "doc-1", 1, 10, 0.2, now)

	threshold := 0.5
	result, err := f.engine.Retrieve(context.Background(), Request{
		Question: "q", K: 5, Threshold: &threshold,
	})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	assert.Equal(t, "c-1", result.Chunks[0].ChunkID)
}

func TestRetrieveNoMatchesIsInsufficient(t *testing.T) {
	f := newFixture()
	result, err := f.engine.Retrieve(context.Background(), Request{Question: "q", K: 5})
	require.NoError(t, err)
	assert.True(t, result.InsufficientContext)
	assert.Empty(t, result.Chunks)
}

func TestRetrieveBudgetPacking(t *testing.T) {
	f := newFixture()
	now := time.Now()
	// Budget: 8000 - 1000 reserved - 6500 history = 500 tokens.
	f.addChunk("c-big", "doc-1", 0, 400, 0.95, now)
	f.addChunk("c-huge", "doc-1", 1, 300, 0.90, now)
	f.addChunk("c-small", "doc-1", 2, 90, 0.85, now)

	result, err := f.engine.Retrieve(context.Background(), Request{
		Question:      "q",
		K:             3,
		HistoryTokens: 6500,
	})
	require.NoError(t, err)

	// c-big fits (400), c-huge overflows (300 > 100 left), c-small fits.
	require.Len(t, result.Chunks, 2)
	assert.Equal(t, "c-big", result.Chunks[0].ChunkID)
	assert.Equal(t, "c-small", result.Chunks[1].ChunkID)
	assert.True(t, result.Truncated)
}

func TestRetrieveNothingFitsIsInsufficient(t *testing.T) {
	f := newFixture()
	f.addChunk("c-1", "doc-1", 0, 5000, 0.95, time.Now())

	result, err := f.engine.Retrieve(context.Background(), Request{
		Question:      "q",
		K:             1,
		HistoryTokens: 6500,
	})
	require.NoError(t, err)
	assert.Empty(t, result.Chunks)
	assert.True(t, result.InsufficientContext)
	assert.True(t, result.Truncated)
}

func TestRetrieveTieBreaks(t *testing.T) {
	f := newFixture()
	older := time.Now().Add(-time.Hour)
	newer := time.Now()
	f.addChunk("c-old", "doc-old", 0, 10, 0.8, older)
	f.addChunk("c-new-5", "doc-new", 5, 10, 0.8, newer)
	f.addChunk("c-new-2", "doc-new", 2, 10, 0.8, newer)

	result, err := f.engine.Retrieve(context.Background(), Request{Question: "q", K: 3})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 3)
	assert.Equal(t, "c-new-2", result.Chunks[0].ChunkID)
	assert.Equal(t, "c-new-5", result.Chunks[1].ChunkID)
	assert.Equal(t, "c-old", result.Chunks[2].ChunkID)
}

func TestRetrieveExpandsCollectionSubtree(t *testing.T) {
	f := newFixture()
	parent := &db.Collection{ID: "col-parent", OwnerID: "user-1"}
	child := &db.Collection{ID: "col-child", OwnerID: "user-1", ParentID: &parent.ID}
	f.cols.cols["col-parent"] = parent
	f.cols.subtrees["col-parent"] = []*db.Collection{parent, child}
	f.addChunk("c-1", "doc-1", 0, 10, 0.9, time.Now())

	_, err := f.engine.Retrieve(context.Background(), Request{
		OwnerID:       "user-1",
		Question:      "q",
		K:             5,
		CollectionIDs: []string{"col-parent"},
	})
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"col-parent", "col-child"}, f.vectors.lastQ.CollectionIDs)
}

func TestRetrieveForeignCollectionForbidden(t *testing.T) {
	f := newFixture()
	f.cols.cols["col-x"] = &db.Collection{ID: "col-x", OwnerID: "someone-else"}

	_, err := f.engine.Retrieve(context.Background(), Request{
		OwnerID:       "user-1",
		Question:      "q",
		CollectionIDs: []string{"col-x"},
	})
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindForbidden))
}

func TestRetrieveDropsVanishedChunks(t *testing.T) {
	f := newFixture()
	f.addChunk("c-1", "doc-1", 0, 10, 0.9, time.Now())
	f.vectors.matches = append(f.vectors.matches, vector.Match{
		ChunkID: "c-ghost", DocumentID: "doc-ghost", Score: 0.99,
	})

	result, err := f.engine.Retrieve(context.Background(), Request{Question: "q", K: 5})
	require.NoError(t, err)
	require.Len(t, result.Chunks, 1)
	assert.Equal(t, "c-1", result.Chunks[0].ChunkID)
}

func TestResultContextText(t *testing.T) {
	r := &Result{Chunks: []Chunk{{Text: "alpha", TokenCount: 2}, {Text: "beta", TokenCount: 3}}}
	assert.Equal(t, "alpha\n\n---\n\nbeta", r.ContextText())
	assert.Equal(t, 5, r.TokenCount())
}
