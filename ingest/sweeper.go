package ingest

import (
	"context"
	"time"

	"rag.evalgo.org/common"
	"rag.evalgo.org/db/repository"
	"rag.evalgo.org/storage"
)

// sweepBatch bounds how many expired uploads one pass reclaims.
const sweepBatch = 100

// Sweeper reclaims uploads that were never bound to a document. Expired
// uploads have their blob deleted and their row flipped to the expired
// state, so a later bind attempt fails with gone.
type Sweeper struct {
	uploads  repository.Uploads
	blobs    storage.BlobStore
	interval time.Duration
}

// NewSweeper builds the sweeper. interval defaults to ten minutes.
func NewSweeper(uploads repository.Uploads, blobs storage.BlobStore, interval time.Duration) *Sweeper {
	if interval <= 0 {
		interval = 10 * time.Minute
	}
	return &Sweeper{uploads: uploads, blobs: blobs, interval: interval}
}

// Run sweeps on the interval until the context is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if n, err := s.Sweep(ctx); err != nil {
				common.Logger.WithError(err).Error("upload sweep failed")
			} else if n > 0 {
				common.Logger.WithField("reclaimed", n).Info("expired uploads reclaimed")
			}
		}
	}
}

// Sweep reclaims one batch of expired uploads and reports how many.
func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	expired, err := s.uploads.ListExpirable(ctx, time.Now(), sweepBatch)
	if err != nil {
		return 0, err
	}
	reclaimed := 0
	for _, upload := range expired {
		if err := s.blobs.Delete(ctx, upload.StorageKey); err != nil {
			common.Logger.WithError(err).WithField("upload_id", upload.ID).
				Warn("failed to delete expired upload blob")
			continue
		}
		if err := s.uploads.MarkExpired(ctx, upload.ID); err != nil {
			common.Logger.WithError(err).WithField("upload_id", upload.ID).
				Warn("failed to mark upload expired")
			continue
		}
		reclaimed++
	}
	return reclaimed, nil
}
