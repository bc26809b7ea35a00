// Package events provides a publish/subscribe event bus for operational
// observability. Conversation agents, the timer scheduler, and the
// config entry manager publish; the /api/events WebSocket stream
// subscribes. The bus is nil-safe: calling Publish or Emit on a nil
// *Bus is a no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from a conversation agent.
	SourceAgent = "agent"
	// SourceScheduler identifies events from the timer scheduler.
	SourceScheduler = "scheduler"
	// SourceEntries identifies events from the config entry manager.
	SourceEntries = "entries"
)

// Kind constants describe the type of event within a source.
const (
	// KindRequestStart signals the webhook call for a turn is starting.
	// Data: agent, conversation_id, text_len.
	KindRequestStart = "request_start"
	// KindRequestComplete signals a webhook call returned a reply.
	// Data: agent, conversation_id, reply_len, elapsed_ms.
	KindRequestComplete = "request_complete"
	// KindRequestFailed signals a webhook call failed.
	// Data: agent, conversation_id, error, elapsed_ms.
	KindRequestFailed = "request_failed"

	// KindTimerSet signals a timer was created or replaced.
	// Data: timer_id, service, delay_s.
	KindTimerSet = "timer_set"
	// KindTimerExtended signals a pending timer was pushed back.
	// Data: timer_id, service, delay_s.
	KindTimerExtended = "timer_extended"
	// KindTimerCancelled signals a pending timer was removed.
	// Data: timer_id.
	KindTimerCancelled = "timer_cancelled"
	// KindTimerFired signals a timer expired and its service call began.
	// Data: timer_id, service.
	KindTimerFired = "timer_fired"
	// KindTimerComplete signals a fired timer's service call finished.
	// Data: timer_id, service, ok, duration_ms.
	KindTimerComplete = "timer_complete"

	// KindEntryAdded signals a config entry was set up.
	// Data: entry_id, name.
	KindEntryAdded = "entry_added"
	// KindEntryRemoved signals a config entry was unloaded.
	// Data: entry_id, name.
	KindEntryRemoved = "entry_removed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast event bus. Subscribers receive events
// on buffered channels; slow subscribers miss events rather than
// blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel returned by Subscribe
	// back to the bidirectional channel stored in subs, so Unsubscribe
	// can accept the caller's <-chan Event.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish sends an event to all subscribers. If a subscriber's channel
// is full, the event is dropped for that subscriber. Safe to call on a
// nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit stamps and publishes an event. Safe to call on a nil receiver.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}

// Subscribe returns a channel that receives published events. The
// caller must eventually call Unsubscribe. bufSize controls the channel
// buffer; 64 suits WebSocket consumers.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes the channel. Calling it
// twice with the same channel is a no-op.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	sendCh, ok := b.recvToSend[ch]
	if !ok {
		return
	}
	delete(b.subs, sendCh)
	delete(b.recvToSend, ch)
	close(sendCh)
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
