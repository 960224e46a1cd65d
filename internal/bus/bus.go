// Package bus carries normalized events from ingest to the dispatcher and
// broadcasts state notices to in-process subscribers.
package bus

import (
	"context"
	"sync"
	"time"

	"github.com/nextlevelbuilder/firewatch/internal/events"
)

// Envelope is one normalized event with its origin topic.
type Envelope struct {
	Topic      string
	Event      events.Event
	ReceivedAt time.Time
}

// Notice is a broadcast to subscribers (state changes, dispatch outcomes).
type Notice struct {
	Name    string
	Payload interface{}
}

// NoticeHandler must not block.
type NoticeHandler func(Notice)

// MessageBus routes envelopes from ingest to a single consumer and fans
// notices out to subscribers.
type MessageBus struct {
	inbound chan Envelope

	subscribers map[string]NoticeHandler
	subMu       sync.RWMutex
}

// New creates a bus with the given inbound queue capacity.
func New(capacity int) *MessageBus {
	if capacity <= 0 {
		capacity = 100
	}
	return &MessageBus{
		inbound:     make(chan Envelope, capacity),
		subscribers: make(map[string]NoticeHandler),
	}
}

// Publish queues an envelope, blocking while the queue is full until ctx is done.
func (mb *MessageBus) Publish(ctx context.Context, env Envelope) error {
	select {
	case mb.inbound <- env:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Consume blocks until an envelope is available or ctx is cancelled.
func (mb *MessageBus) Consume(ctx context.Context) (Envelope, bool) {
	select {
	case env := <-mb.inbound:
		return env, true
	case <-ctx.Done():
		return Envelope{}, false
	}
}

// Pending returns the number of queued envelopes.
func (mb *MessageBus) Pending() int {
	return len(mb.inbound)
}

// Subscribe registers a notice subscriber under id, replacing any previous one.
func (mb *MessageBus) Subscribe(id string, handler NoticeHandler) {
	mb.subMu.Lock()
	defer mb.subMu.Unlock()
	mb.subscribers[id] = handler
}

// Unsubscribe removes a notice subscriber.
func (mb *MessageBus) Unsubscribe(id string) {
	mb.subMu.Lock()
	defer mb.subMu.Unlock()
	delete(mb.subscribers, id)
}

// Broadcast delivers a notice to all subscribers.
func (mb *MessageBus) Broadcast(n Notice) {
	mb.subMu.RLock()
	defer mb.subMu.RUnlock()
	for _, handler := range mb.subscribers {
		handler(n)
	}
}
