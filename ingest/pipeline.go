package ingest

import (
	"context"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/sirupsen/logrus"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
	"rag.evalgo.org/db"
	"rag.evalgo.org/db/repository"
	"rag.evalgo.org/embedder"
	"rag.evalgo.org/queue"
	qredis "rag.evalgo.org/queue/redis"
	"rag.evalgo.org/storage"
	"rag.evalgo.org/vector"
)

// Stage names with their percent bands. Progress within a stage is
// interpolated inside the band so the bar moves monotonically.
const (
	StageFetching   = "fetching"   // 0-5
	StageParsing    = "parsing"    // 5-15
	StageSplitting  = "splitting"  // 15-30
	StageEmbedding  = "embedding"  // 30-80
	StageStoring    = "storing"    // 80-95
	StageFinalizing = "finalizing" // 95-100
)

// progressCadence bounds the silence between progress updates: intra-stage
// updates are coalesced to at most one per interval, and the heartbeat
// republishes the current snapshot whenever a stage stays quiet longer than
// the interval (a slow embedding batch, a large blob fetch). Stage
// boundaries always go out.
var progressCadence = 2 * time.Second

// maxDocumentBytes caps how much of a blob the pipeline reads.
const maxDocumentBytes = 256 << 20

// Pipeline processes one ingestion job end to end. Reprocessing is
// idempotent per document: any partial chunks and vector records from an
// earlier attempt are purged before new ones are written.
type Pipeline struct {
	repos     *repository.Repositories
	blobs     storage.BlobStore
	vectors   vector.Store
	embedder  embedder.Embedder
	chunker   *Chunker
	progress  *qredis.Broadcast
	batchSize int
}

// NewPipeline wires the pipeline dependencies. progress may be nil when no
// live updates are needed (tests, backfills).
func NewPipeline(
	repos *repository.Repositories,
	blobs storage.BlobStore,
	vectors vector.Store,
	emb embedder.Embedder,
	chunking config.ChunkingConfig,
	embedBatch int,
	progress *qredis.Broadcast,
) *Pipeline {
	if embedBatch <= 0 {
		embedBatch = 64
	}
	return &Pipeline{
		repos:     repos,
		blobs:     blobs,
		vectors:   vectors,
		embedder:  emb,
		chunker:   NewChunker(chunking),
		progress:  progress,
		batchSize: embedBatch,
	}
}

// Process runs the full pipeline for a job. Returned errors keep their
// taxonomy kind so the worker can decide between retry and permanent
// failure. On failure the partial chunks and vector records are purged.
func (p *Pipeline) Process(ctx context.Context, job queue.Job) error {
	log := common.Logger.WithFields(logrus.Fields{
		"document_id": job.DocumentID,
		"attempt":     job.Attempt,
	})

	doc, err := p.repos.Documents.Get(ctx, job.DocumentID)
	if err != nil {
		if common.IsKind(err, common.KindNotFound) {
			// Deleted while queued; nothing to do.
			log.Info("document gone before processing, skipping")
			return nil
		}
		return err
	}
	if doc.Status == db.DocumentStatusComplete {
		log.Info("document already complete, skipping")
		return nil
	}

	if err := p.repos.Documents.UpdateStatus(ctx, doc.ID, db.DocumentStatusProcessing, nil); err != nil {
		return err
	}

	reporter := newReporter(p, doc.ID)
	stopHeartbeat := reporter.heartbeat(ctx)
	err = p.run(ctx, job, doc, reporter, log)
	stopHeartbeat()
	if err != nil {
		p.compensate(doc.ID, log)
		return err
	}

	now := time.Now()
	if err := p.repos.Documents.UpdateStatus(ctx, doc.ID, db.DocumentStatusComplete, &now); err != nil {
		return err
	}
	reporter.stage(ctx, StageFinalizing, 100, "complete")
	reporter.status(ctx, db.DocumentStatusComplete)
	log.WithField("chunks", doc.ChunkCount).Info("document ingested")
	return nil
}

func (p *Pipeline) run(
	ctx context.Context,
	job queue.Job,
	doc *db.Document,
	reporter *reporter,
	log *logrus.Entry,
) error {
	// Idempotency: wipe leftovers from any earlier attempt.
	if err := p.vectors.DeleteByDocument(ctx, doc.ID); err != nil {
		return err
	}
	if err := p.repos.Documents.PurgeChunks(ctx, doc.ID); err != nil {
		return err
	}

	reporter.stage(ctx, StageFetching, 0, "fetching "+humanize.Bytes(uint64(doc.SizeBytes)))
	body, err := p.blobs.Get(ctx, job.StorageKey)
	if err != nil {
		return err
	}
	data, err := io.ReadAll(io.LimitReader(body, maxDocumentBytes))
	closeErr := body.Close()
	if err != nil {
		return common.Wrap(common.KindUnavailable, "BLOB_READ", "reading uploaded file", err)
	}
	if closeErr != nil {
		log.WithError(closeErr).Warn("closing blob reader")
	}
	if doc.SizeBytes > 0 && int64(len(data)) != doc.SizeBytes {
		return common.E(common.KindValidation, "SIZE_MISMATCH",
			fmt.Sprintf("stored blob is %s but the document declares %s",
				humanize.Bytes(uint64(len(data))), humanize.Bytes(uint64(doc.SizeBytes))))
	}
	reporter.stage(ctx, StageFetching, 5, "fetched")

	reporter.stage(ctx, StageParsing, 5, "extracting text")
	text, err := ExtractText(data, doc.MimeType)
	if err != nil {
		return err
	}
	reporter.stage(ctx, StageParsing, 15, "extracted")

	reporter.stage(ctx, StageSplitting, 15, "splitting")
	pieces := p.chunker.Split(text)
	if len(pieces) == 0 {
		return common.E(common.KindValidation, "EMPTY_DOCUMENT", "document contains no extractable text")
	}
	reporter.stage(ctx, StageSplitting, 30, fmt.Sprintf("%d chunks", len(pieces)))

	records := make([]vector.Record, 0, len(pieces))
	chunks := make([]*db.Chunk, 0, len(pieces))
	for start := 0; start < len(pieces); start += p.batchSize {
		end := start + p.batchSize
		if end > len(pieces) {
			end = len(pieces)
		}
		texts := make([]string, 0, end-start)
		for _, piece := range pieces[start:end] {
			texts = append(texts, piece.Text)
		}
		vectors, err := p.embedder.Embed(ctx, texts)
		if err != nil {
			return err
		}
		for i, piece := range pieces[start:end] {
			chunk := &db.Chunk{
				DocumentID: doc.ID,
				Ordinal:    piece.Ordinal,
				Text:       piece.Text,
				TokenCount: piece.TokenCount,
			}
			chunks = append(chunks, chunk)
			records = append(records, vector.Record{
				DocumentID:   doc.ID,
				CollectionID: doc.CollectionID,
				Ordinal:      piece.Ordinal,
				Embedding:    vectors[i],
			})
		}
		// Interpolate inside the embedding band (30-80).
		percent := 30 + (50*end)/len(pieces)
		reporter.throttled(ctx, StageEmbedding, percent,
			fmt.Sprintf("embedded %d/%d chunks", end, len(pieces)))
	}

	reporter.stage(ctx, StageStoring, 80, "storing chunks")
	if err := p.repos.Documents.ReplaceChunks(ctx, doc.ID, chunks); err != nil {
		return err
	}
	// Chunk ids are assigned by ReplaceChunks; copy them onto the records.
	for i, chunk := range chunks {
		records[i].ChunkID = chunk.ID
	}
	if err := p.vectors.Upsert(ctx, records); err != nil {
		return err
	}
	reporter.stage(ctx, StageStoring, 95, "stored")

	reporter.stage(ctx, StageFinalizing, 95, "finalizing")
	doc.ChunkCount = len(chunks)
	return nil
}

// compensate removes partial output after a failed run so a retry starts
// clean. Runs on a fresh context because the job context may be dead.
func (p *Pipeline) compensate(documentID string, log *logrus.Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.vectors.DeleteByDocument(ctx, documentID); err != nil {
		log.WithError(err).Error("failed to purge vector records after failed ingest")
	}
	if err := p.repos.Documents.PurgeChunks(ctx, documentID); err != nil {
		log.WithError(err).Error("failed to purge chunks after failed ingest")
	}
}

// MarkFailed records the terminal failure state and notifies subscribers.
func (p *Pipeline) MarkFailed(ctx context.Context, documentID, reason string) {
	if err := p.repos.Documents.UpdateStatus(ctx, documentID, db.DocumentStatusFailed, nil); err != nil {
		common.Logger.WithError(err).WithField("document_id", documentID).
			Error("failed to mark document as failed")
	}
	if err := p.repos.Documents.UpdateProgress(ctx, documentID, StageFinalizing, 100, reason); err != nil {
		common.Logger.WithError(err).WithField("document_id", documentID).
			Error("failed to record failure reason")
	}
	if p.progress != nil {
		_ = p.progress.Publish(ctx, qredis.Event{
			DocumentID: documentID,
			Stage:      StageFinalizing,
			Percent:    100,
			Message:    reason,
			Status:     db.DocumentStatusFailed,
		})
	}
}

// reporter persists and broadcasts progress. It keeps the latest
// (stage, percent, message) snapshot so the heartbeat can republish it
// while a stage is blocked in a long call.
type reporter struct {
	pipeline   *Pipeline
	documentID string

	mu       sync.Mutex
	lastSent time.Time
	curStage string
	percent  int
	message  string
}

func newReporter(p *Pipeline, documentID string) *reporter {
	return &reporter{pipeline: p, documentID: documentID}
}

// stage reports a stage boundary; always persisted and broadcast.
func (r *reporter) stage(ctx context.Context, stage string, percent int, message string) {
	r.mu.Lock()
	r.lastSent = time.Now()
	r.curStage, r.percent, r.message = stage, percent, message
	r.mu.Unlock()
	r.send(ctx, stage, percent, message)
}

// throttled reports intra-stage progress at most every progressCadence.
// Skipped updates still refresh the snapshot the heartbeat republishes.
func (r *reporter) throttled(ctx context.Context, stage string, percent int, message string) {
	r.mu.Lock()
	r.curStage, r.percent, r.message = stage, percent, message
	fresh := time.Since(r.lastSent) < progressCadence
	if !fresh {
		r.lastSent = time.Now()
	}
	r.mu.Unlock()
	if fresh {
		return
	}
	r.send(ctx, stage, percent, message)
}

// heartbeat republishes the latest snapshot whenever nothing has gone out
// for half a cadence interval, keeping the gap between updates under
// progressCadence even while the pipeline is blocked in a slow stage. The
// returned stop function waits for the goroutine to exit.
func (r *reporter) heartbeat(ctx context.Context) func() {
	stop := make(chan struct{})
	done := make(chan struct{})
	go func() {
		defer close(done)
		ticker := time.NewTicker(progressCadence / 2)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-stop:
				return
			case <-ticker.C:
				r.mu.Lock()
				stage, percent, message := r.curStage, r.percent, r.message
				stale := stage != "" && time.Since(r.lastSent) >= progressCadence/2
				if stale {
					r.lastSent = time.Now()
				}
				r.mu.Unlock()
				if stale {
					r.send(ctx, stage, percent, message)
				}
			}
		}
	}()
	return func() {
		close(stop)
		<-done
	}
}

func (r *reporter) send(ctx context.Context, stage string, percent int, message string) {
	if err := r.pipeline.repos.Documents.UpdateProgress(ctx, r.documentID, stage, percent, message); err != nil {
		common.Logger.WithError(err).WithField("document_id", r.documentID).
			Warn("failed to persist progress")
	}
	if r.pipeline.progress != nil {
		_ = r.pipeline.progress.Publish(ctx, qredis.Event{
			DocumentID: r.documentID,
			Stage:      stage,
			Percent:    percent,
			Message:    message,
			Status:     db.DocumentStatusProcessing,
		})
	}
}

func (r *reporter) status(ctx context.Context, status string) {
	if r.pipeline.progress != nil {
		_ = r.pipeline.progress.Publish(ctx, qredis.Event{
			DocumentID: r.documentID,
			Stage:      StageFinalizing,
			Percent:    100,
			Message:    "complete",
			Status:     status,
		})
	}
}
