package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"

	"github.com/offlinehq/syncengine/internal/logctx"
)

// Bus is the asynchronous channel between the background engine and its
// foreground clients. Events are fire-and-forget: a subscriber that cannot
// keep up has events dropped rather than blocking the engine.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event
	bufSize     int
	closed      bool
}

// New creates a bus whose subscriber channels buffer bufSize events.
func New(bufSize int) *Bus {
	if bufSize <= 0 {
		bufSize = 16
	}

	return &Bus{
		subscribers: make(map[string]chan Event),
		bufSize:     bufSize,
	}
}

// Subscribe registers a new foreground client and returns its id and event
// channel. The channel is closed on Unsubscribe or Close.
func (b *Bus) Subscribe() (string, <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	id := uuid.New().String()
	ch := make(chan Event, b.bufSize)

	if b.closed {
		close(ch)

		return id, ch
	}

	b.subscribers[id] = ch

	return id, ch
}

// Unsubscribe removes a client and closes its channel. Unknown ids are
// ignored.
func (b *Bus) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if ch, ok := b.subscribers[id]; ok {
		delete(b.subscribers, id)
		close(ch)
	}
}

// Publish broadcasts an event to every subscriber without blocking.
func (b *Bus) Publish(ctx context.Context, event Event) {
	logger := logctx.LoggerFromContext(ctx)

	b.mu.RLock()
	defer b.mu.RUnlock()

	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			logger.Warn("dropping event for slow subscriber", "subscriber_id", id)
		}
	}
}

// SubscriberCount returns how many clients are currently subscribed.
func (b *Bus) SubscriberCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()

	return len(b.subscribers)
}

// Close closes every subscriber channel. Publish after Close is a no-op.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}

	b.closed = true

	for id, ch := range b.subscribers {
		delete(b.subscribers, id)
		close(ch)
	}
}
