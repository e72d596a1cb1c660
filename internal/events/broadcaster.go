// ABOUTME: In-memory fan-out broadcaster for request lifecycle events
// ABOUTME: Delivers new_request, request_updated, and refresh events to live observers

package events

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/greyzone/greyzone/internal/store"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64
)

// Type names a lifecycle event.
type Type string

const (
	// TypeNewRequest is published when a request is submitted
	TypeNewRequest Type = "new_request"
	// TypeRequestUpdated is published on every status change of a request
	TypeRequestUpdated Type = "request_updated"
	// TypeRefresh tells observers to reload the whole list
	TypeRefresh Type = "refresh"
)

// Event is one lifecycle notification. Request is nil for refresh events.
type Event struct {
	Type    Type
	Request *store.Request
	At      time.Time
}

// Broadcaster provides in-memory pub/sub for lifecycle events. Delivery is
// best effort: a subscriber that falls behind loses events rather than
// slowing anyone else down.
type Broadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]chan Event // subID -> ch
	closed      bool
	logger      *slog.Logger
}

// NewBroadcaster creates a broadcaster. Pass nil logger for default.
func NewBroadcaster(logger *slog.Logger) *Broadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &Broadcaster{
		subscribers: make(map[string]chan Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers a subscriber. Returns a channel that receives events and
// a subscription ID for later unsubscription. The subscription is
// automatically cleaned up when ctx is cancelled. Subscribing to a closed
// broadcaster returns an already closed channel.
func (b *Broadcaster) Subscribe(ctx context.Context) (<-chan Event, string) {
	subID := uuid.New().String()
	ch := make(chan Event, subscriberBufferSize)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, subID
	}
	b.subscribers[subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "sub_id", subID)

	// Auto-cleanup on context cancellation
	go func() {
		<-ctx.Done()
		b.Unsubscribe(subID)
	}()

	return ch, subID
}

// Publish sends an event to all subscribers. A zero At is stamped with the
// current time. Non-blocking: events are dropped for subscribers whose
// channels are full.
func (b *Broadcaster) Publish(event Event) {
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()

	// Sends never block, so holding the read lock keeps Unsubscribe from
	// closing a channel mid-send
	for id, ch := range b.subscribers {
		select {
		case ch <- event:
		default:
			b.logger.Debug("dropped event for slow subscriber",
				"sub_id", id,
				"type", event.Type)
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *Broadcaster) Unsubscribe(subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch, exists := b.subscribers[subID]
	if !exists {
		return
	}

	delete(b.subscribers, subID)
	close(ch)

	b.logger.Debug("subscriber removed", "sub_id", subID)
}

// Count returns the number of live subscribers.
func (b *Broadcaster) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subscribers)
}

// Close shuts down the broadcaster and closes all subscriber channels.
func (b *Broadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for subID, ch := range b.subscribers {
		close(ch)
		delete(b.subscribers, subID)
	}
	b.closed = true

	b.logger.Debug("broadcaster closed")
}
