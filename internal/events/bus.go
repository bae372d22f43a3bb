// Package events is an in-process publish/subscribe bus for operational
// events: poll cycles, config flow results, entry lifecycle changes. The
// web UI streams them to browsers over a WebSocket. Publishing on a nil
// *Bus is a no-op so components can run without one.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	SourceCoordinator = "coordinator"
	SourceFlow        = "flow"
	SourceBridge      = "bridge"
)

// Kinds.
const (
	// KindPollStart: entry_id.
	KindPollStart = "poll_start"
	// KindPollComplete: entry_id, values, duration_ms.
	KindPollComplete = "poll_complete"
	// KindPollFailed: entry_id, error, duration_ms.
	KindPollFailed = "poll_failed"

	// KindFlowError: flow_id, step, errors.
	KindFlowError = "flow_error"
	// KindFlowAbort: flow_id, reason.
	KindFlowAbort = "flow_abort"

	// KindEntryCreated: entry_id, title.
	KindEntryCreated = "entry_created"
	// KindEntryLoaded: entry_id, entities.
	KindEntryLoaded = "entry_loaded"
	// KindEntryUnloaded: entry_id.
	KindEntryUnloaded = "entry_unloaded"
	// KindEntryRemoved: entry_id.
	KindEntryRemoved = "entry_removed"
	// KindOptionsUpdated: entry_id, include_aggregate, added, removed.
	KindOptionsUpdated = "options_updated"
)

// Event is a single operational event.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus. Slow subscribers miss events
// rather than blocking publishers.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend lets Unsubscribe take the receive-only view handed to
	// callers.
	recvToSend map[<-chan Event]chan Event
}

// New creates an empty bus.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with buffer space. A zero
// Timestamp is set to now.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
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

// Subscribe returns a channel of published events. Callers must
// Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recvToSend[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
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
