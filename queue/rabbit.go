// Package queue provides the ingestion job queue backed by RabbitMQ.
// Documents enter the queue when an upload is bound and leave it when a
// worker finishes or gives up. The queue is durable and bounded: when the
// backlog reaches its configured maximum, further enqueues are rejected so
// callers can surface backpressure instead of growing memory on the broker.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/streadway/amqp"

	"rag.evalgo.org/common"
	"rag.evalgo.org/config"
)

// Job is one ingestion work item. Attempt counts from 1 and travels with the
// job so retries survive a worker restart.
type Job struct {
	DocumentID   string    `json:"document_id"`
	CollectionID string    `json:"collection_id"`
	StorageKey   string    `json:"storage_key"`
	Attempt      int       `json:"attempt"`
	EnqueuedAt   time.Time `json:"enqueued_at"`
}

// Delivery is one received job with its acknowledgement handles. Ack removes
// the job from the queue; Nack with requeue puts it back for another worker.
type Delivery struct {
	Job  Job
	Ack  func() error
	Nack func(requeue bool) error
}

// JobQueue is the publishing and consuming contract for ingestion jobs.
type JobQueue interface {
	// Publish enqueues a job. A full queue fails with a busy error.
	Publish(ctx context.Context, job Job) error

	// Consume delivers jobs with manual acknowledgement. prefetch bounds
	// unacknowledged deliveries per consumer.
	Consume(ctx context.Context, prefetch int) (<-chan Delivery, error)

	// Depth reports the current backlog size.
	Depth() (int, error)

	// Close closes the channel and connection.
	Close() error
}

// RabbitQueue implements JobQueue over a RabbitMQ connection.
//
// Fields:
//   - connection: The AMQP connection to the RabbitMQ server
//   - channel: The AMQP channel used for publishing and consuming
//   - config: Queue name and bounds
type RabbitQueue struct {
	connection AMQPConnection
	channel    AMQPChannel
	config     config.QueueConfig
}

// NewRabbitQueue connects to RabbitMQ and declares the bounded durable
// ingestion queue.
//
// The function:
//  1. Connects to the RabbitMQ server using the URL from config
//  2. Opens a channel on the connection
//  3. Declares a durable queue with x-max-length and reject-publish overflow
//  4. Returns a new RabbitQueue instance
//
// The queue survives broker restarts; jobs are published persistent. If any
// step fails the function cleans up created resources before returning.
func NewRabbitQueue(cfg config.QueueConfig) (*RabbitQueue, error) {
	dialer := &RealAMQPDialer{}
	return NewRabbitQueueWithDialer(cfg, dialer)
}

// NewRabbitQueueWithDialer creates the queue with an injected dialer for
// testing.
func NewRabbitQueueWithDialer(cfg config.QueueConfig, dialer AMQPDialer) (*RabbitQueue, error) {
	conn, err := dialer.Dial(cfg.URL)
	if err != nil {
		return nil, common.Wrap(common.KindUnavailable, "QUEUE_UNAVAILABLE", "failed to connect to RabbitMQ", err)
	}

	ch, err := conn.Channel()
	if err != nil {
		conn.Close()
		return nil, common.Wrap(common.KindUnavailable, "QUEUE_UNAVAILABLE", "failed to open a channel", err)
	}

	args := amqp.Table{}
	if cfg.MaxLength > 0 {
		args["x-max-length"] = int32(cfg.MaxLength)
		args["x-overflow"] = "reject-publish"
	}
	_, err = ch.QueueDeclare(
		cfg.Name, // name
		true,     // durable
		false,    // delete when unused
		false,    // exclusive
		false,    // no-wait
		args,
	)
	if err != nil {
		ch.Close()
		conn.Close()
		return nil, common.Wrap(common.KindUnavailable, "QUEUE_UNAVAILABLE", "failed to declare queue", err)
	}

	return &RabbitQueue{
		connection: conn,
		channel:    ch,
		config:     cfg,
	}, nil
}

// Publish enqueues an ingestion job.
//
// The function:
//  1. Checks the backlog against the configured maximum
//  2. Marshals the job to JSON
//  3. Publishes it persistent to the default exchange with the queue name as
//     routing key
func (r *RabbitQueue) Publish(ctx context.Context, job Job) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if r.config.MaxLength > 0 {
		state, err := r.channel.QueueInspect(r.config.Name)
		if err == nil && state.Messages >= r.config.MaxLength {
			return common.E(common.KindBusy, "QUEUE_FULL",
				fmt.Sprintf("ingestion queue holds %d jobs, limit is %d", state.Messages, r.config.MaxLength)).
				WithSuggestions("retry after the backlog drains")
		}
	}

	body, err := json.Marshal(job)
	if err != nil {
		return common.Wrap(common.KindInternal, "QUEUE_ENCODE", "failed to marshal job", err)
	}

	err = r.channel.Publish(
		"",            // exchange (empty string means default exchange)
		r.config.Name, // routing key (queue name)
		false,         // mandatory
		false,         // immediate
		amqp.Publishing{
			ContentType:  "application/json",
			DeliveryMode: amqp.Persistent,
			Body:         body,
		},
	)
	if err != nil {
		return common.Wrap(common.KindUnavailable, "QUEUE_UNAVAILABLE", "failed to publish job", err)
	}

	common.Logger.WithField("document_id", job.DocumentID).
		WithField("attempt", job.Attempt).
		Debug("enqueued ingestion job")
	return nil
}

// Consume starts delivering jobs with manual acknowledgement. Deliveries
// that fail to decode are dropped with a nack and no requeue.
func (r *RabbitQueue) Consume(ctx context.Context, prefetch int) (<-chan Delivery, error) {
	if prefetch > 0 {
		if err := r.channel.Qos(prefetch, 0, false); err != nil {
			return nil, common.Wrap(common.KindUnavailable, "QUEUE_UNAVAILABLE", "failed to set prefetch", err)
		}
	}
	raw, err := r.channel.Consume(
		r.config.Name, // queue
		"",            // consumer
		false,         // auto-ack
		false,         // exclusive
		false,         // no-local
		false,         // no-wait
		nil,           // arguments
	)
	if err != nil {
		return nil, common.Wrap(common.KindUnavailable, "QUEUE_UNAVAILABLE", "failed to start consumer", err)
	}

	out := make(chan Delivery)
	go func() {
		defer close(out)
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-raw:
				if !ok {
					return
				}
				var job Job
				if err := json.Unmarshal(msg.Body, &job); err != nil {
					common.Logger.WithError(err).Error("dropping undecodable ingestion job")
					_ = msg.Nack(false, false)
					continue
				}
				delivery := Delivery{
					Job:  job,
					Ack:  func() error { return msg.Ack(false) },
					Nack: func(requeue bool) error { return msg.Nack(false, requeue) },
				}
				select {
				case out <- delivery:
				case <-ctx.Done():
					_ = msg.Nack(false, true)
					return
				}
			}
		}
	}()
	return out, nil
}

// Depth reports the number of jobs waiting in the queue.
func (r *RabbitQueue) Depth() (int, error) {
	state, err := r.channel.QueueInspect(r.config.Name)
	if err != nil {
		return 0, common.Wrap(common.KindUnavailable, "QUEUE_UNAVAILABLE", "failed to inspect queue", err)
	}
	return state.Messages, nil
}

// Close closes the RabbitMQ connection and channel.
//
// The function:
//  1. Closes the channel if it exists
//  2. Closes the connection if it exists
//  3. Handles nil pointers gracefully
func (r *RabbitQueue) Close() error {
	if r.channel != nil {
		r.channel.Close()
	}
	if r.connection != nil {
		r.connection.Close()
	}
	return nil
}

var _ JobQueue = (*RabbitQueue)(nil)
