// Package events carries operational notifications out of the chat and
// MCP layers. [Bus] broadcasts activity (runs starting and finishing,
// MCP syncs, tool calls) to any number of websocket subscribers, and
// [Queue] hands one run's progress to the single consumer streaming it.
//
// Neither is required for correctness: a nil *Bus drops everything, and
// producers never block on a slow consumer.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceChat identifies events from the chat engine.
	SourceChat = "chat"
	// SourceMCP identifies events from the MCP session manager.
	SourceMCP = "mcp"
	// SourceRun identifies events from the session run runtime.
	SourceRun = "run"
)

// Kind constants describe the type of event within a source.
const (
	// KindLLMCall signals the start of a completion request.
	// Data: iter, model, stream.
	KindLLMCall = "llm_call"
	// KindLLMResponse signals completion of a completion request.
	// Data: iter, model, tokens_in, tokens_out, tool_calls.
	KindLLMResponse = "llm_response"
	// KindToolCall signals the start of a tool execution.
	// Data: tool, call_id.
	KindToolCall = "tool_call"
	// KindToolDone signals completion of a tool execution.
	// Data: tool, call_id, ok, duration_ms.
	KindToolDone = "tool_done"

	// KindMCPSync signals the end of a refresh for one MCP server.
	// Data: server, ok, tool_count, error, transport.
	KindMCPSync = "mcp_sync"

	// KindRunStart signals a chat run was started for a session.
	// Data: run_id, session_id.
	KindRunStart = "run_start"
	// KindRunComplete signals a chat run finished.
	// Data: run_id, session_id, status, elapsed_ms.
	KindRunComplete = "run_complete"
)

// Event represents a single operational event published by a component.
type Event struct {
	Timestamp time.Time      `json:"ts"`
	Source    string         `json:"source"`
	Kind      string         `json:"kind"`
	Data      map[string]any `json:"data,omitempty"`
}

// NewEvent stamps an event with the current time.
func NewEvent(source, kind string, data map[string]any) Event {
	return Event{Timestamp: time.Now(), Source: source, Kind: kind, Data: data}
}

// Bus is a non-blocking broadcast bus. Each subscriber owns a buffered
// channel; when it is full the event is dropped for that subscriber.
type Bus struct {
	mu   sync.RWMutex
	subs map[<-chan Event]chan Event
}

// New creates a new event bus ready for use.
func New() *Bus {
	return &Bus{subs: make(map[<-chan Event]chan Event)}
}

// Publish delivers e to every subscriber that has room for it. Safe to
// call on a nil receiver.
func (b *Bus) Publish(e Event) {
	if b == nil {
		return
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	for _, ch := range b.subs {
		select {
		case ch <- e:
		default:
		}
	}
}

// Subscribe returns a channel of published events buffered to bufSize.
// Callers must Unsubscribe when done.
func (b *Bus) Subscribe(bufSize int) <-chan Event {
	ch := make(chan Event, bufSize)
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[ch] = ch
	return ch
}

// Unsubscribe removes a subscription and closes its channel. Unknown
// channels are ignored.
func (b *Bus) Unsubscribe(ch <-chan Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	send, ok := b.subs[ch]
	if !ok {
		return
	}
	delete(b.subs, ch)
	close(send)
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
