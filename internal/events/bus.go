// Package events fans out queue, timer and reminder notifications to
// subscribers such as the reminder system and the dispatch journal.
package events

import (
	"sync"
	"time"
)

// EventType represents the type of event being published.
type EventType string

const (
	// EventQueueChanged is published after every queue mutation.
	EventQueueChanged EventType = "queue_changed"
	// EventPromptSent is published after a prompt or follow-up was forwarded.
	EventPromptSent EventType = "prompt_sent"
	// EventAnswerReceived is published when a completion signal was matched to an item.
	EventAnswerReceived EventType = "answer_received"
	// EventDispatchFailed is published when forwarding a prompt failed.
	EventDispatchFailed EventType = "dispatch_failed"
	// EventReminderQueued is published when a reminder item was inserted.
	EventReminderQueued EventType = "reminder_queued"
	// EventTimerFired is published when a timed entry enqueued a prompt.
	EventTimerFired EventType = "timer_fired"
)

// AllEventTypes lists every type, in publication order of a typical dispatch.
var AllEventTypes = []EventType{
	EventQueueChanged,
	EventPromptSent,
	EventAnswerReceived,
	EventDispatchFailed,
	EventReminderQueued,
	EventTimerFired,
}

// Event represents a system event.
type Event struct {
	Type      EventType
	Timestamp time.Time
	Data      map[string]interface{}
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Publisher is what components need to emit events; *Bus implements it.
type Publisher interface {
	Publish(eventType EventType, data map[string]interface{})
}

// Bus is a non-blocking event bus using Publish/Subscribe pattern.
// Each subscriber receives its events in publication order on its own
// goroutine. If a subscriber's channel is full, the event is dropped.
type Bus struct {
	mu          sync.RWMutex
	subscribers map[EventType][]chan Event
	bufferSize  int
	closed      bool
}

// NewBus creates a new event bus with the specified buffer size per subscriber.
func NewBus(bufferSize int) *Bus {
	if bufferSize <= 0 {
		bufferSize = 100
	}
	return &Bus{
		subscribers: make(map[EventType][]chan Event),
		bufferSize:  bufferSize,
	}
}

// Subscribe registers fn for eventType and returns an unsubscribe function.
func (b *Bus) Subscribe(eventType EventType, fn Subscriber) func() {
	b.mu.Lock()
	defer b.mu.Unlock()

	ch := make(chan Event, b.bufferSize)
	if b.closed {
		close(ch)
		return func() {}
	}
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			deliver(fn, event)
		}
	}()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			defer b.mu.Unlock()

			subs := b.subscribers[eventType]
			for i, subCh := range subs {
				if subCh == ch {
					b.subscribers[eventType] = append(subs[:i:i], subs[i+1:]...)
					close(ch)
					break
				}
			}
		})
	}
}

// SubscribeAll registers fn for every event type behind a single unsubscribe.
func (b *Bus) SubscribeAll(fn Subscriber) func() {
	unsubs := make([]func(), 0, len(AllEventTypes))
	for _, et := range AllEventTypes {
		unsubs = append(unsubs, b.Subscribe(et, fn))
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func deliver(fn Subscriber, event Event) {
	// A panicking subscriber must not take the bus down.
	defer func() { _ = recover() }()
	fn(event)
}

// Publish sends an event to all subscribers of the given type without blocking.
func (b *Bus) Publish(eventType EventType, data map[string]interface{}) {
	b.mu.RLock()
	defer b.mu.RUnlock()

	if b.closed {
		return
	}

	event := Event{
		Type:      eventType,
		Timestamp: time.Now().UTC(),
		Data:      data,
	}

	for _, ch := range b.subscribers[eventType] {
		select {
		case ch <- event:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return
	}
	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}
