// Package redis provides the Redis-backed progress broadcast channel.
// Ingestion workers publish document progress events here; API instances
// subscribe and forward them to connected SSE clients, so progress reaches
// the client regardless of which instance processed the document.
package redis

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"rag.evalgo.org/common"
)

// channelPrefix namespaces the pub/sub channels, one per document.
const channelPrefix = "ingest:progress:"

// Event is one progress update for a document.
type Event struct {
	DocumentID string    `json:"document_id"`
	Stage      string    `json:"stage"`
	Percent    int       `json:"percent"`
	Message    string    `json:"message"`
	Status     string    `json:"status"`
	At         time.Time `json:"at"`
}

// Broadcast publishes and subscribes to document progress events.
type Broadcast struct {
	client *redis.Client
}

// NewBroadcast creates a progress broadcaster over an existing Redis client.
func NewBroadcast(client *redis.Client) *Broadcast {
	return &Broadcast{client: client}
}

// NewBroadcastFromURL connects to Redis and verifies the connection.
func NewBroadcastFromURL(ctx context.Context, redisURL string) (*Broadcast, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("failed to parse Redis URL: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, common.Wrap(common.KindUnavailable, "REDIS_UNAVAILABLE", "failed to connect to Redis", err)
	}
	return &Broadcast{client: client}, nil
}

// Publish sends a progress event for the document. Publishing never blocks
// on slow subscribers; Redis drops events for channels with no listeners.
func (b *Broadcast) Publish(ctx context.Context, event Event) error {
	if event.At.IsZero() {
		event.At = time.Now()
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return common.Wrap(common.KindInternal, "PROGRESS_ENCODE", "failed to marshal progress event", err)
	}
	if err := b.client.Publish(ctx, channelPrefix+event.DocumentID, payload).Err(); err != nil {
		return common.Wrap(common.KindUnavailable, "REDIS_UNAVAILABLE", "failed to publish progress event", err)
	}
	return nil
}

// Subscribe delivers progress events for one document until the context is
// cancelled. Undecodable payloads are skipped.
func (b *Broadcast) Subscribe(ctx context.Context, documentID string) (<-chan Event, error) {
	sub := b.client.Subscribe(ctx, channelPrefix+documentID)
	if _, err := sub.Receive(ctx); err != nil {
		_ = sub.Close()
		return nil, common.Wrap(common.KindUnavailable, "REDIS_UNAVAILABLE", "failed to subscribe to progress channel", err)
	}

	out := make(chan Event, 16)
	go func() {
		defer close(out)
		defer func() { _ = sub.Close() }()
		messages := sub.Channel()
		for {
			select {
			case <-ctx.Done():
				return
			case msg, ok := <-messages:
				if !ok {
					return
				}
				var event Event
				if err := json.Unmarshal([]byte(msg.Payload), &event); err != nil {
					common.Logger.WithError(err).Warn("skipping undecodable progress event")
					continue
				}
				select {
				case out <- event:
				case <-ctx.Done():
					return
				}
			}
		}
	}()
	return out, nil
}

// Close closes the Redis connection.
func (b *Broadcast) Close() error {
	return b.client.Close()
}
