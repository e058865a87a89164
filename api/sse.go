package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/labstack/echo/v4"

	"rag.evalgo.org/common"
)

const (
	// sseHeartbeatInterval is the maximum silence on a stream; a comment
	// frame is written whenever no event went out in this window.
	sseHeartbeatInterval = 15 * time.Second

	// sseHighWater is the maximum backlog of frames queued for a consumer
	// before the stream is dropped with SLOW_CONSUMER.
	sseHighWater = 1 << 20

	sseQueueDepth = 256
)

// sseStream writes server-sent events to one client. A writer goroutine
// drains a frame queue so a stalled client never blocks the producer; when
// the queued backlog exceeds the high-water mark the stream terminates.
type sseStream struct {
	frames  chan []byte
	pending atomic.Int64
	done    chan struct{}
	closed  sync.Once

	mu      sync.Mutex
	dropped bool
}

// newSSEStream prepares the response for event streaming and starts the
// writer. The stream stops when the request context is cancelled (client
// disconnect) or Close is called.
func newSSEStream(c echo.Context) (*sseStream, error) {
	flusher, ok := c.Response().Writer.(http.Flusher)
	if !ok {
		return nil, common.E(common.KindInternal, "STREAMING_UNSUPPORTED", "response writer does not support streaming")
	}

	header := c.Response().Header()
	header.Set(echo.HeaderContentType, "text/event-stream")
	header.Set("Cache-Control", "no-cache")
	header.Set("Connection", "keep-alive")
	header.Set("X-Accel-Buffering", "no")
	c.Response().WriteHeader(http.StatusOK)
	flusher.Flush()

	s := &sseStream{
		frames: make(chan []byte, sseQueueDepth),
		done:   make(chan struct{}),
	}

	ctx := c.Request().Context()
	w := c.Response().Writer
	go func() {
		defer close(s.done)
		heartbeat := time.NewTicker(sseHeartbeatInterval)
		defer heartbeat.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case frame, ok := <-s.frames:
				if !ok {
					return
				}
				s.pending.Add(int64(-len(frame)))
				if _, err := w.Write(frame); err != nil {
					return
				}
				flusher.Flush()
				heartbeat.Reset(sseHeartbeatInterval)
			case <-heartbeat.C:
				if _, err := w.Write([]byte(":\n\n")); err != nil {
					return
				}
				flusher.Flush()
			}
		}
	}()
	return s, nil
}

// Send queues one event. It returns false once the stream is unusable: the
// client disconnected or fell too far behind.
func (s *sseStream) Send(event string, payload interface{}) bool {
	data, err := json.Marshal(payload)
	if err != nil {
		common.Logger.WithError(err).Error("failed to encode SSE payload")
		return true
	}
	frame := []byte(fmt.Sprintf("event: %s\ndata: %s\n\n", event, data))

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.dropped {
		return false
	}
	if s.pending.Load()+int64(len(frame)) > sseHighWater {
		s.dropLocked()
		return false
	}
	select {
	case s.frames <- frame:
		s.pending.Add(int64(len(frame)))
		return true
	default:
		s.dropLocked()
		return false
	}
}

// dropLocked terminates a stream whose consumer cannot keep up. The error
// frame is best-effort; the backlog that caused the drop may prevent its
// delivery. Callers hold s.mu.
func (s *sseStream) dropLocked() {
	if s.dropped {
		return
	}
	s.dropped = true
	frame := []byte("event: error\ndata: {\"code\":\"SLOW_CONSUMER\",\"message\":\"client cannot keep up with the event stream\"}\n\n")
	select {
	case s.frames <- frame:
	default:
	}
	s.closed.Do(func() { close(s.frames) })
}

// Close ends the stream and waits for the writer to finish.
func (s *sseStream) Close() {
	s.mu.Lock()
	s.dropped = true
	s.closed.Do(func() { close(s.frames) })
	s.mu.Unlock()
	<-s.done
}

// wantsSSE reports whether the client asked for an event stream.
func wantsSSE(c echo.Context) bool {
	for _, part := range strings.Split(c.Request().Header.Get(echo.HeaderAccept), ",") {
		media, _, _ := strings.Cut(part, ";")
		if strings.TrimSpace(media) == "text/event-stream" {
			return true
		}
	}
	return false
}
