package source

import (
	"sync"
	"time"

	"github.com/google/uuid"
)

// SwitchEvent records one source switch. From is empty for the initial
// selection at startup.
type SwitchEvent struct {
	ID        string    `json:"id"`
	From      string    `json:"from,omitempty"`
	To        string    `json:"to"`
	Reason    string    `json:"reason"`
	Timestamp time.Time `json:"timestamp"`
	Emergency bool      `json:"emergency"`
}

// newSwitchEvent builds an event with a fresh identity and timestamp.
func newSwitchEvent(from, to, reason string, emergency bool) SwitchEvent {
	return SwitchEvent{
		ID:        uuid.NewString(),
		From:      from,
		To:        to,
		Reason:    reason,
		Timestamp: time.Now(),
		Emergency: emergency,
	}
}

// eventBus fans switch events out to subscribers and keeps a bounded
// history. Delivery is non-blocking: a subscriber that falls behind loses
// events rather than stalling the switcher.
type eventBus struct {
	mu          sync.Mutex
	subscribers map[string]chan SwitchEvent
	history     []SwitchEvent
	historyCap  int
}

func newEventBus(historyCap int) *eventBus {
	if historyCap <= 0 {
		historyCap = 100
	}
	return &eventBus{
		subscribers: make(map[string]chan SwitchEvent),
		historyCap:  historyCap,
	}
}

// Subscribe registers a new subscriber and returns its id and channel.
// The channel is buffered; events are dropped for subscribers whose
// buffer is full.
func (b *eventBus) Subscribe(buffer int) (string, <-chan SwitchEvent) {
	if buffer <= 0 {
		buffer = 16
	}
	id := uuid.NewString()
	ch := make(chan SwitchEvent, buffer)

	b.mu.Lock()
	b.subscribers[id] = ch
	b.mu.Unlock()

	return id, ch
}

// Unsubscribe removes a subscriber and closes its channel. It is safe to
// call with an unknown id.
func (b *eventBus) Unsubscribe(id string) {
	b.mu.Lock()
	ch, exists := b.subscribers[id]
	if exists {
		delete(b.subscribers, id)
	}
	b.mu.Unlock()

	if exists {
		close(ch)
	}
}

// Publish appends to history and fans out to all subscribers.
func (b *eventBus) Publish(event SwitchEvent) {
	b.mu.Lock()
	b.history = append(b.history, event)
	if len(b.history) > b.historyCap {
		b.history = b.history[len(b.history)-b.historyCap:]
	}
	subs := make([]chan SwitchEvent, 0, len(b.subscribers))
	for _, ch := range b.subscribers {
		subs = append(subs, ch)
	}
	b.mu.Unlock()

	for _, ch := range subs {
		select {
		case ch <- event:
		default:
			// Subscriber buffer full; drop rather than block
		}
	}
}

// History returns a copy of the retained events, oldest first.
func (b *eventBus) History() []SwitchEvent {
	b.mu.Lock()
	defer b.mu.Unlock()

	out := make([]SwitchEvent, len(b.history))
	copy(out, b.history)
	return out
}

// Close closes all subscriber channels.
func (b *eventBus) Close() {
	b.mu.Lock()
	subs := b.subscribers
	b.subscribers = make(map[string]chan SwitchEvent)
	b.mu.Unlock()

	for _, ch := range subs {
		close(ch)
	}
}
