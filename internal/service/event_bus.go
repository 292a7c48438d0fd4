package service

import (
	"sync"
	"time"
)

// EventType classifies session events.
type EventType string

const (
	EventPhase    EventType = "phase"
	EventLiveness EventType = "liveness"
	EventMatch    EventType = "match"
	EventPassword EventType = "password"
	EventActuator EventType = "actuator"
	EventOutcome  EventType = "outcome"
)

// Event is a session notification delivered to subscribers.
type Event struct {
	Type      EventType `json:"type"`
	SessionID string    `json:"session_id,omitempty"`
	Phase     Phase     `json:"phase"`
	Message   string    `json:"message,omitempty"`
	Data      any       `json:"data,omitempty"`
	At        time.Time `json:"at"`
}

const defaultSubscriberBuffer = 64

// EventBus fans session events out to subscribers. Publishing never blocks:
// a subscriber whose buffer is full misses the event.
type EventBus struct {
	mu     sync.RWMutex
	subs   map[uint64]chan Event
	nextID uint64
	closed bool
	buffer int
	onDrop func()
}

// NewEventBus creates an event bus. onDrop, if non-nil, is called for every dropped event.
func NewEventBus(onDrop func()) *EventBus {
	return &EventBus{
		subs:   make(map[uint64]chan Event),
		buffer: defaultSubscriberBuffer,
		onDrop: onDrop,
	}
}

// Subscribe returns an event channel and a cancel function. The channel is
// closed by cancel or by Close.
func (b *EventBus) Subscribe() (<-chan Event, func()) {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.buffer)
	if b.closed {
		close(ch)
		return ch, func() {}
	}
	id := b.nextID
	b.nextID++
	b.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()
			if c, ok := b.subs[id]; ok {
				delete(b.subs, id)
				close(c)
			}
		})
	}
}

// Publish delivers e to every subscriber that has room.
func (b *EventBus) Publish(e Event) {
	if e.At.IsZero() {
		e.At = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
			if b.onDrop != nil {
				b.onDrop()
			}
		}
	}
}

// Subscribers returns the number of active subscribers.
func (b *EventBus) Subscribers() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close closes every subscriber channel. Idempotent.
func (b *EventBus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for id, ch := range b.subs {
		delete(b.subs, id)
		close(ch)
	}
}
