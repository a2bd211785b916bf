// Package events publishes task lifecycle events and records them to an audit log.
package events

import (
	"sync"
	"time"
)

// EventType names a task lifecycle transition.
type EventType string

const (
	// EventTaskPromoted is published when a TODO manifest is moved to WORKING.
	EventTaskPromoted EventType = "task_promoted"
	// EventTaskForwarded is published when a TODO manifest is moved to the host boundary.
	EventTaskForwarded EventType = "task_forwarded"
	// EventTaskStarted is published right before a script runs.
	EventTaskStarted EventType = "task_started"
	// EventTaskRetrying is published when a failed attempt stays in WORKING.
	EventTaskRetrying EventType = "task_retrying"
	// EventTaskCompleted is published when a task lands in DONE with COMPLETED.
	EventTaskCompleted EventType = "task_completed"
	// EventTaskFailed is published when a task lands in DONE with FAILED.
	EventTaskFailed EventType = "task_failed"
	// EventTaskQuarantined is published when a malformed manifest is parked.
	EventTaskQuarantined EventType = "task_quarantined"
)

// AllEventTypes lists every type the daemon publishes.
var AllEventTypes = []EventType{
	EventTaskPromoted,
	EventTaskForwarded,
	EventTaskStarted,
	EventTaskRetrying,
	EventTaskCompleted,
	EventTaskFailed,
	EventTaskQuarantined,
}

// Event is one lifecycle transition of a task file.
type Event struct {
	Type      EventType `json:"event_type"`
	Timestamp time.Time `json:"timestamp"`
	File      string    `json:"file"`
	TaskID    string    `json:"task_id,omitempty"`
	Stage     string    `json:"stage,omitempty"`
	Attempt   int       `json:"attempt,omitempty"`
	ExitCode  *int      `json:"exit_code,omitempty"`
	Detail    string    `json:"detail,omitempty"`
}

// Subscriber is a function that receives events.
type Subscriber func(Event)

// Bus is a non-blocking event bus. Events are delivered asynchronously via
// buffered channels; when a subscriber's channel is full the event is dropped
// for that subscriber.
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
	b.subscribers[eventType] = append(b.subscribers[eventType], ch)

	go func() {
		for event := range ch {
			func() {
				// A panicking subscriber must not take the bus down.
				defer func() { _ = recover() }()
				fn(event)
			}()
		}
	}()

	return func() {
		b.mu.Lock()
		defer b.mu.Unlock()

		subs := b.subscribers[eventType]
		for i, subCh := range subs {
			if subCh == ch {
				b.subscribers[eventType] = append(subs[:i], subs[i+1:]...)
				close(ch)
				break
			}
		}
	}
}

// SubscribeAll registers fn for every published event type.
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

// Publish stamps e and hands it to all subscribers of its type without blocking.
// A nil Bus drops everything, so callers need no guard.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	if b.closed {
		return
	}

	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	for _, ch := range b.subscribers[e.Type] {
		select {
		case ch <- e:
		default:
		}
	}
}

// Close closes all subscriber channels and clears subscriptions.
func (b *Bus) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()

	b.closed = true
	for eventType, subs := range b.subscribers {
		for _, ch := range subs {
			close(ch)
		}
		delete(b.subscribers, eventType)
	}
}

// IntPtr is a helper for Event.ExitCode.
func IntPtr(n int) *int { return &n }
