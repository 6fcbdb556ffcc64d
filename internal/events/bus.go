// Package events is Warden's in-process publish/subscribe bus for turn
// and memory lifecycle events. Publishers never wait: a subscriber
// whose buffer is full misses the event. Publish and Emit on a nil
// *Bus are no-ops, so components can hold an optional bus without
// guard checks.
package events

import (
	"sync"
	"time"
)

// Sources.
const (
	// SourceAgent identifies events from the agent loop.
	SourceAgent = "agent"
	// SourceMemory identifies events from memory consolidation.
	SourceMemory = "memory"
)

// Kinds.
const (
	// KindTurnStart: a turn began. Data: turn_id, session.
	KindTurnStart = "turn_start"
	// KindLLMCall: a provider call is starting. Data: turn_id, iter, model.
	KindLLMCall = "llm_call"
	// KindToolCall: a tool call is starting. Data: turn_id, tool.
	KindToolCall = "tool_call"
	// KindToolDone: a tool call finished. Data: turn_id, tool, ok,
	// duration_ms.
	KindToolDone = "tool_done"
	// KindTurnComplete: a turn persisted its answer. Data: turn_id,
	// session, iterations, tools_used, degraded, elapsed_ms.
	KindTurnComplete = "turn_complete"
	// KindConsolidated: old messages were summarized into memory.
	// Data: session, dropped, kept.
	KindConsolidated = "consolidated"
	// KindConsolidationFallback: summarization failed and old messages
	// were truncated instead. Data: session, dropped, kept, reason.
	KindConsolidationFallback = "consolidation_fallback"
)

// Event is one published occurrence.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// Bus is a non-blocking broadcast bus.
type Bus struct {
	mu   sync.RWMutex
	subs map[chan Event]struct{}
	// recv maps the receive-only view handed to subscribers back to
	// the channel the bus sends on.
	recv map[<-chan Event]chan Event
}

// New returns an empty bus.
func New() *Bus {
	return &Bus{
		subs: make(map[chan Event]struct{}),
		recv: make(map[<-chan Event]chan Event),
	}
}

// Publish delivers e to every subscriber with room in its buffer.
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

// Emit publishes an event stamped with the current time.
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

// Subscribe returns a channel of published events buffered to bufSize.
// Call Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = struct{}{}
	b.recv[ch] = ch
	return ch
}

// Unsubscribe removes and closes a subscription. Unknown or already
// removed channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.recv[ch]
	if !ok {
		return
	}
	delete(b.subs, send)
	delete(b.recv, ch)
	close(send)
}

// SubscriberCount returns the number of active subscriptions.
func (b *Bus) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}
