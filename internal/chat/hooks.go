package chat

import (
	"github.com/AliyahZombie/Plotrix/internal/llm"
)

// Milestone event types delivered to Hooks.OnEvent.
const (
	EventAssistantToolCalls = "assistant_tool_calls"
	EventToolResult         = "tool_result"
	EventAssistantFinal     = "assistant_final"
	EventTransportError     = "transport_error"
)

// Event is a turn-level milestone.
type Event struct {
	Type       string         `json:"type"`
	Iteration  int            `json:"iteration"`
	Content    string         `json:"content,omitempty"`
	ToolCalls  []llm.ToolCall `json:"tool_calls,omitempty"`
	Call       *llm.ToolCall  `json:"call,omitempty"`
	ToolCallID string         `json:"tool_call_id,omitempty"`
	Name       string         `json:"name,omitempty"`
	Error      string         `json:"error,omitempty"`
}

// Hooks are optional progress callbacks. Both are best-effort: a panic
// inside a hook is recovered and discarded.
type Hooks struct {
	// OnStream receives low-level streaming deltas. Streaming is only
	// attempted when it is set.
	OnStream func(llm.StreamEvent)

	// OnEvent receives turn-level milestones.
	OnEvent func(Event)
}

func (h *Hooks) streaming() bool {
	return h != nil && h.OnStream != nil
}

func (e *Engine) stream(h *Hooks, ev llm.StreamEvent) {
	if h == nil || h.OnStream == nil {
		return
	}
	defer e.recoverHook("stream")
	h.OnStream(ev)
}

func (e *Engine) emit(h *Hooks, ev Event) {
	if h == nil || h.OnEvent == nil {
		return
	}
	defer e.recoverHook("event")
	h.OnEvent(ev)
}

func (e *Engine) recoverHook(hook string) {
	if r := recover(); r != nil {
		e.logger.Debug("hook panicked", "hook", hook, "panic", r)
	}
}
