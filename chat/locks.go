package chat

import (
	"context"
	"sync"

	"rag.evalgo.org/common"
)

// conversationLocks serializes orchestrator runs per conversation. Waiters
// block until the holder releases or their context dies, so cancellation
// never leaks a held lock.
type conversationLocks struct {
	mu   sync.Mutex
	held map[string]chan struct{}
}

func newConversationLocks() *conversationLocks {
	return &conversationLocks{held: make(map[string]chan struct{})}
}

// acquire blocks until the conversation is free. The returned function
// releases the lock and must be called exactly once.
func (l *conversationLocks) acquire(ctx context.Context, id string) (func(), error) {
	for {
		l.mu.Lock()
		ch, busy := l.held[id]
		if !busy {
			done := make(chan struct{})
			l.held[id] = done
			l.mu.Unlock()
			var once sync.Once
			return func() {
				once.Do(func() {
					l.mu.Lock()
					delete(l.held, id)
					l.mu.Unlock()
					close(done)
				})
			}, nil
		}
		l.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, common.Wrap(common.KindUnavailable, "CONVERSATION_BUSY",
				"another reply is in flight for this conversation", ctx.Err())
		case <-ch:
			// Holder released; try again.
		}
	}
}
