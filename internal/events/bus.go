// Package events is the explicit change-notification channel between
// the orchestrator, the server directory and their observers (the
// WebSocket stream, the MQTT mirror, tests). Publishers call Publish or
// Emit; observers Subscribe and read a buffered channel. The bus is
// nil-safe: publishing on a nil *Bus is a no-op, so components accept
// an optional bus without guard checks.
package events

import (
	"sync"
	"sync/atomic"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceAgent identifies events from the orchestrator loop.
	SourceAgent = "agent"
	// SourceDirectory identifies events from the tool server directory.
	SourceDirectory = "directory"
	// SourceWatcher identifies events from background health watching.
	SourceWatcher = "watcher"
)

// Kind constants describe the type of event within a source.
const (
	// KindMessageAppended signals a message was appended to a
	// conversation. Data: conversation_id, index, role, tool_name,
	// tool_calls, diagnostic.
	KindMessageAppended = "message_appended"
	// KindStateChanged signals an orchestrator state transition.
	// Data: conversation_id, from, to.
	KindStateChanged = "state_changed"
	// KindToolCall signals the start of a tool execution.
	// Data: conversation_id, server, tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: conversation_id, tool, call_id, ok, truncated, duration_ms.
	KindToolDone = "tool_done"
	// KindPrimed signals a priming exchange finished.
	// Data: server, tools, ok.
	KindPrimed = "primed"
	// KindTurnComplete signals a user turn finished normally.
	// Data: conversation_id, tool_calls, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindTurnFailed signals a user turn ended in error or was stopped.
	// Data: conversation_id, error, stopped.
	KindTurnFailed = "turn_failed"

	// KindServerStatus signals a tool server status change.
	// Data: server_id, name, status, previous, error.
	KindServerStatus = "server_status"
	// KindServerChanged signals a directory mutation.
	// Data: server_id, action.
	KindServerChanged = "server_changed"
	// KindSelectionChanged signals a new active server or model.
	// Data: server_id, model.
	KindSelectionChanged = "selection_changed"
)

// Event represents a single event published by a component.
type Event struct {
	// Seq increases by one for every event published on a bus.
	Seq uint64 `json:"seq"`
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
	seq atomic.Uint64

	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recvToSend maps the receive-only channel handed to subscribers
	// back to the channel stored in subs.
	recvToSend map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{
		subs:       make(map[chan Event]struct{}),
		recvToSend: make(map[<-chan Event]chan Event),
	}
}

// Publish stamps e with the next sequence number (and a timestamp if it
// has none) and offers it to every subscriber. Full subscribers miss
// the event. Safe to call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}

	b.mu.RLock()
	defer b.mu.RUnlock()
	e.Seq = b.seq.Add(1)
	for ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Emit is shorthand for publishing an event built from its parts.
func (b *Bus) Emit(source, kind string, data map[string]any) {
	b.Publish(Event{Source: source, Kind: kind, Data: data})
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

// Unsubscribe removes a subscription and closes its channel. Unknown or
// already removed channels are ignored.
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
