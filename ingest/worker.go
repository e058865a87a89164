package ingest

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/sirupsen/logrus"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
	"rag.evalgo.org/queue"
)

// Pool manages the ingestion workers. Each worker consumes jobs from the
// shared queue, runs the pipeline, and acknowledges the delivery. Failed
// jobs are re-published with an incremented attempt counter and exponential
// backoff until the retry budget is spent, then the document is marked
// failed.
type Pool struct {
	pipeline *Pipeline
	jobs     queue.JobQueue
	cfg      config.IngestConfig
	workers  int

	wg     sync.WaitGroup
	cancel context.CancelFunc
}

// NewPool creates a worker pool. workers defaults to 2 when not positive.
func NewPool(pipeline *Pipeline, jobs queue.JobQueue, cfg config.IngestConfig, workers int) *Pool {
	if workers <= 0 {
		workers = 2
	}
	return &Pool{
		pipeline: pipeline,
		jobs:     jobs,
		cfg:      cfg,
		workers:  workers,
	}
}

// Start launches the workers. They run until Stop is called or the parent
// context is cancelled.
func (p *Pool) Start(ctx context.Context) error {
	ctx, p.cancel = context.WithCancel(ctx)

	deliveries, err := p.jobs.Consume(ctx, p.workers)
	if err != nil {
		return err
	}

	common.Logger.WithField("workers", p.workers).Info("starting ingestion workers")
	for i := 0; i < p.workers; i++ {
		p.wg.Add(1)
		go p.worker(ctx, i, deliveries)
	}
	return nil
}

// Stop cancels the workers and waits for in-flight jobs to finish.
func (p *Pool) Stop() {
	if p.cancel != nil {
		p.cancel()
	}
	p.wg.Wait()
	common.Logger.Info("ingestion workers stopped")
}

func (p *Pool) worker(ctx context.Context, id int, deliveries <-chan queue.Delivery) {
	defer p.wg.Done()
	log := common.Logger.WithField("worker", id)
	log.Debug("ingestion worker started")

	for {
		select {
		case <-ctx.Done():
			return
		case delivery, ok := <-deliveries:
			if !ok {
				return
			}
			p.handle(ctx, log, delivery)
		}
	}
}

func (p *Pool) handle(ctx context.Context, log *logrus.Entry, delivery queue.Delivery) {
	job := delivery.Job
	err := p.pipeline.Process(ctx, job)
	if err == nil {
		if ackErr := delivery.Ack(); ackErr != nil {
			log.WithError(ackErr).Error("failed to ack completed job")
		}
		return
	}

	if ctx.Err() != nil {
		// Shutting down; give the job back to the queue untouched.
		_ = delivery.Nack(true)
		return
	}

	log = log.WithFields(logrus.Fields{
		"document_id": job.DocumentID,
		"attempt":     job.Attempt,
	})

	if !common.Retryable(err) {
		log.WithError(err).Warn("ingestion failed permanently")
		p.pipeline.MarkFailed(ctx, job.DocumentID, err.Error())
		_ = delivery.Ack()
		return
	}

	if job.Attempt >= p.cfg.MaxRetries {
		log.WithError(err).Error("ingestion retries exhausted")
		p.pipeline.MarkFailed(ctx, job.DocumentID,
			fmt.Sprintf("failed after %d attempts: %s", job.Attempt, err.Error()))
		_ = delivery.Ack()
		return
	}

	delay := p.backoff(job.Attempt)
	log.WithError(err).WithField("retry_in", delay).Warn("ingestion failed, will retry")

	select {
	case <-time.After(delay):
	case <-ctx.Done():
		_ = delivery.Nack(true)
		return
	}

	retry := job
	retry.Attempt++
	retry.EnqueuedAt = time.Now()
	if pubErr := p.jobs.Publish(ctx, retry); pubErr != nil {
		log.WithError(pubErr).Error("failed to re-enqueue job, returning to queue")
		_ = delivery.Nack(true)
		return
	}
	_ = delivery.Ack()
}

// backoff doubles the base delay per attempt and clamps it at the cap.
func (p *Pool) backoff(attempt int) time.Duration {
	delay := p.cfg.BackoffBase
	for i := 1; i < attempt; i++ {
		delay *= 2
		if delay >= p.cfg.BackoffCap {
			return p.cfg.BackoffCap
		}
	}
	if delay > p.cfg.BackoffCap {
		return p.cfg.BackoffCap
	}
	return delay
}
