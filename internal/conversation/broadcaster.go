// ABOUTME: In-memory fan-out of session events for live observers
// ABOUTME: Publishes state changes and history entries to subscribers of a thread or of all threads

package conversation

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"
)

const (
	// subscriberBufferSize is the channel buffer for each subscriber.
	subscriberBufferSize = 64

	// AllThreads subscribes to events of every thread.
	AllThreads = "*"
)

// EventKind distinguishes session events.
type EventKind string

const (
	EventState   EventKind = "state"
	EventMessage EventKind = "message"
)

// Event is one observable step of a session.
type Event struct {
	ThreadID string    `json:"thread_id"`
	Duck     string    `json:"duck"`
	Kind     EventKind `json:"kind"`
	State    string    `json:"state,omitempty"`
	Role     string    `json:"role,omitempty"`
	Content  string    `json:"content,omitempty"`
	At       time.Time `json:"at"`
}

// EventBroadcaster provides in-memory pub/sub of session events. A nil
// *EventBroadcaster drops everything published to it.
type EventBroadcaster struct {
	mu          sync.RWMutex
	subscribers map[string]map[string]chan *Event // threadID -> subID -> ch
	logger      *slog.Logger
}

// NewEventBroadcaster creates a broadcaster. Pass nil logger for default.
func NewEventBroadcaster(logger *slog.Logger) *EventBroadcaster {
	if logger == nil {
		logger = slog.Default()
	}
	return &EventBroadcaster{
		subscribers: make(map[string]map[string]chan *Event),
		logger:      logger.With("component", "broadcaster"),
	}
}

// Subscribe registers for events of threadID, or of every thread when
// threadID is AllThreads. The subscription ends when ctx is cancelled.
func (b *EventBroadcaster) Subscribe(ctx context.Context, threadID string) (<-chan *Event, string) {
	subID := uuid.New().String()
	ch := make(chan *Event, subscriberBufferSize)

	b.mu.Lock()
	if _, ok := b.subscribers[threadID]; !ok {
		b.subscribers[threadID] = make(map[string]chan *Event)
	}
	b.subscribers[threadID][subID] = ch
	b.mu.Unlock()

	b.logger.Debug("subscriber added", "thread_id", threadID, "sub_id", subID)

	go func() {
		<-ctx.Done()
		b.Unsubscribe(threadID, subID)
	}()

	return ch, subID
}

// Publish delivers ev to subscribers of its thread and of AllThreads.
// Subscribers whose buffers are full miss the event.
func (b *EventBroadcaster) Publish(ev *Event) {
	if b == nil {
		return
	}
	if ev.At.IsZero() {
		ev.At = time.Now()
	}

	// Sends happen under the read lock so Unsubscribe cannot close a
	// channel mid-send; they never block.
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, key := range []string{ev.ThreadID, AllThreads} {
		for _, ch := range b.subscribers[key] {
			select {
			case ch <- ev:
			default:
				b.logger.Debug("dropped event for slow subscriber", "thread_id", ev.ThreadID, "kind", ev.Kind)
			}
		}
	}
}

// Unsubscribe removes a subscription and closes its channel.
func (b *EventBroadcaster) Unsubscribe(threadID, subID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	subs, ok := b.subscribers[threadID]
	if !ok {
		return
	}
	ch, exists := subs[subID]
	if !exists {
		return
	}

	delete(subs, subID)
	close(ch)
	if len(subs) == 0 {
		delete(b.subscribers, threadID)
	}

	b.logger.Debug("subscriber removed", "thread_id", threadID, "sub_id", subID)
}

// Close closes all subscriber channels.
func (b *EventBroadcaster) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	for threadID, subs := range b.subscribers {
		for subID, ch := range subs {
			close(ch)
			delete(subs, subID)
		}
		delete(b.subscribers, threadID)
	}
	b.logger.Debug("broadcaster closed")
}
