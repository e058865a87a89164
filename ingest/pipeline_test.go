package ingest

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
	"rag.evalgo.org/db"
	"rag.evalgo.org/db/repository"
	"rag.evalgo.org/embedder"
	"rag.evalgo.org/queue"
	"rag.evalgo.org/storage"
	"rag.evalgo.org/vector"
)

// stubDocuments is an in-memory Documents repository covering what the
// pipeline touches. The mutex matters: the progress heartbeat publishes
// concurrently with the pipeline goroutine.
type stubDocuments struct {
	repository.Documents

	mu       sync.Mutex
	docs     map[string]*db.Document
	chunks   map[string][]*db.Chunk
	progress []string
}

func newStubDocuments() *stubDocuments {
	return &stubDocuments{
		docs:   make(map[string]*db.Document),
		chunks: make(map[string][]*db.Chunk),
	}
}

func (s *stubDocuments) Get(ctx context.Context, id string) (*db.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return nil, common.E(common.KindNotFound, "DOCUMENT_NOT_FOUND", "no such document")
	}
	copied := *doc
	return &copied, nil
}

func (s *stubDocuments) UpdateStatus(ctx context.Context, id, status string, processedAt *time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return common.E(common.KindNotFound, "DOCUMENT_NOT_FOUND", "no such document")
	}
	doc.Status = status
	doc.ProcessedAt = processedAt
	return nil
}

func (s *stubDocuments) UpdateProgress(ctx context.Context, id, stage string, percent int, message string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	doc, ok := s.docs[id]
	if !ok {
		return common.E(common.KindNotFound, "DOCUMENT_NOT_FOUND", "no such document")
	}
	doc.ProgressStage = stage
	doc.ProgressPercent = percent
	doc.ProgressMessage = message
	s.progress = append(s.progress, stage)
	return nil
}

func (s *stubDocuments) ReplaceChunks(ctx context.Context, documentID string, chunks []*db.Chunk) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, chunk := range chunks {
		chunk.ID = fmt.Sprintf("%s-chunk-%d", documentID, i)
	}
	s.chunks[documentID] = chunks
	if doc, ok := s.docs[documentID]; ok {
		doc.ChunkCount = len(chunks)
	}
	return nil
}

func (s *stubDocuments) PurgeChunks(ctx context.Context, documentID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.chunks, documentID)
	return nil
}

func pipelineFixture(t *testing.T) (*Pipeline, *stubDocuments, *storage.MemoryBlobStore, *vector.MemoryStore) {
	t.Helper()
	docs := newStubDocuments()
	blobs := storage.NewMemoryBlobStore()
	vectors := vector.NewMemoryStore(8)
	repos := &repository.Repositories{Documents: docs}
	pipeline := NewPipeline(
		repos, blobs, vectors, embedder.NewDeterministic(8),
		config.ChunkingConfig{TargetChars: 200, OverlapChars: 20, MinChars: 10},
		4, nil,
	)
	return pipeline, docs, blobs, vectors
}

func seedDocument(t *testing.T, docs *stubDocuments, blobs *storage.MemoryBlobStore, id, text string) queue.Job {
	t.Helper()
	key := storage.UploadKey(id)
	err := blobs.Put(context.Background(), key, strings.NewReader(text), int64(len(text)), "text/plain")
	require.NoError(t, err)
	docs.docs[id] = &db.Document{
		ID:           id,
		CollectionID: "col-1",
		Title:        "doc " + id,
		MimeType:     "text/plain",
		SizeBytes:    int64(len(text)),
		Status:       db.DocumentStatusPending,
	}
	return queue.Job{DocumentID: id, CollectionID: "col-1", StorageKey: key}
}

func TestPipelineProcessSuccess(t *testing.T) {
	pipeline, docs, blobs, vectors := pipelineFixture(t)
	text := strings.Repeat("A sentence about retrieval quality and ranking. ", 30)
	job := seedDocument(t, docs, blobs, "doc-1", text)

	require.NoError(t, pipeline.Process(context.Background(), job))

	doc := docs.docs["doc-1"]
	assert.Equal(t, db.DocumentStatusComplete, doc.Status)
	require.NotNil(t, doc.ProcessedAt)
	assert.Equal(t, 100, doc.ProgressPercent)

	chunks := docs.chunks["doc-1"]
	require.NotEmpty(t, chunks)
	count, err := vectors.Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(len(chunks)), count)

	// Stage progression passed through every band in order.
	assert.Equal(t, StageFetching, docs.progress[0])
	assert.Contains(t, docs.progress, StageSplitting)
	assert.Contains(t, docs.progress, StageStoring)
	assert.Equal(t, StageFinalizing, docs.progress[len(docs.progress)-1])
}

func TestPipelineReprocessIsIdempotent(t *testing.T) {
	pipeline, docs, blobs, vectors := pipelineFixture(t)
	text := strings.Repeat("Stable content that does not change between runs. ", 20)
	job := seedDocument(t, docs, blobs, "doc-2", text)

	require.NoError(t, pipeline.Process(context.Background(), job))
	first, err := vectors.Count(context.Background())
	require.NoError(t, err)

	// Force a second run over the same document.
	docs.docs["doc-2"].Status = db.DocumentStatusPending
	require.NoError(t, pipeline.Process(context.Background(), job))
	second, err := vectors.Count(context.Background())
	require.NoError(t, err)

	assert.Equal(t, first, second)
	assert.Len(t, docs.chunks["doc-2"], int(second))
}

func TestPipelineSkipsCompletedDocument(t *testing.T) {
	pipeline, docs, blobs, _ := pipelineFixture(t)
	job := seedDocument(t, docs, blobs, "doc-3", "short but sufficient text")
	docs.docs["doc-3"].Status = db.DocumentStatusComplete

	require.NoError(t, pipeline.Process(context.Background(), job))
	assert.Empty(t, docs.progress)
}

func TestPipelineSkipsMissingDocument(t *testing.T) {
	pipeline, _, _, _ := pipelineFixture(t)
	err := pipeline.Process(context.Background(), queue.Job{DocumentID: "ghost", StorageKey: "uploads/ghost"})
	assert.NoError(t, err)
}

func TestPipelineUnsupportedTypeFailsPermanently(t *testing.T) {
	pipeline, docs, blobs, vectors := pipelineFixture(t)
	job := seedDocument(t, docs, blobs, "doc-4", "binary-ish payload")
	docs.docs["doc-4"].MimeType = "application/zip"

	err := pipeline.Process(context.Background(), job)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindValidation))
	assert.False(t, common.Retryable(err))

	// Compensation left no partial output behind.
	count, countErr := vectors.Count(context.Background())
	require.NoError(t, countErr)
	assert.Zero(t, count)
	assert.Empty(t, docs.chunks["doc-4"])
}

func TestPipelineMissingBlobIsRetryable(t *testing.T) {
	pipeline, docs, blobs, _ := pipelineFixture(t)
	job := seedDocument(t, docs, blobs, "doc-5", "text")
	require.NoError(t, blobs.Delete(context.Background(), job.StorageKey))

	err := pipeline.Process(context.Background(), job)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindNotFound))
}

// slowEmbedder blocks each batch long enough for the progress heartbeat to
// fire while the embedding stage makes no batch-boundary updates.
type slowEmbedder struct {
	inner embedder.Embedder
	delay time.Duration
}

func (s *slowEmbedder) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	time.Sleep(s.delay)
	return s.inner.Embed(ctx, texts)
}

func (s *slowEmbedder) Dimension() int { return s.inner.Dimension() }

func TestPipelineHeartbeatCoversSlowBatches(t *testing.T) {
	oldCadence := progressCadence
	progressCadence = 40 * time.Millisecond
	t.Cleanup(func() { progressCadence = oldCadence })

	docs := newStubDocuments()
	blobs := storage.NewMemoryBlobStore()
	vectors := vector.NewMemoryStore(8)
	pipeline := NewPipeline(
		&repository.Repositories{Documents: docs}, blobs, vectors,
		&slowEmbedder{inner: embedder.NewDeterministic(8), delay: 150 * time.Millisecond},
		config.ChunkingConfig{TargetChars: 200, OverlapChars: 20, MinChars: 10},
		4, nil,
	)
	text := strings.Repeat("A sentence about retrieval quality and ranking. ", 10)
	job := seedDocument(t, docs, blobs, "doc-7", text)

	require.NoError(t, pipeline.Process(context.Background(), job))

	// The snapshot before the blocked batch is the splitting boundary. A
	// quiet run records it exactly twice (band entry and exit); the
	// heartbeat republishes it while the embedder blocks.
	splits := 0
	for _, stage := range docs.progress {
		if stage == StageSplitting {
			splits++
		}
	}
	assert.Greater(t, splits, 2, "no update arrived within the cadence window during a slow batch")
}

func TestPipelineSizeMismatchFailsPermanently(t *testing.T) {
	pipeline, docs, blobs, _ := pipelineFixture(t)
	job := seedDocument(t, docs, blobs, "doc-8", "the stored payload text")
	docs.docs["doc-8"].SizeBytes += 5

	err := pipeline.Process(context.Background(), job)
	require.Error(t, err)
	assert.True(t, common.IsKind(err, common.KindValidation))
	assert.False(t, common.Retryable(err))
	assert.Equal(t, "SIZE_MISMATCH", common.CodeOf(err))
}

func TestPipelineMarkFailed(t *testing.T) {
	pipeline, docs, blobs, _ := pipelineFixture(t)
	seedDocument(t, docs, blobs, "doc-6", "text")

	pipeline.MarkFailed(context.Background(), "doc-6", "embedding backend unreachable")

	doc := docs.docs["doc-6"]
	assert.Equal(t, db.DocumentStatusFailed, doc.Status)
	assert.Equal(t, "embedding backend unreachable", doc.ProgressMessage)
	assert.Equal(t, 100, doc.ProgressPercent)
}
