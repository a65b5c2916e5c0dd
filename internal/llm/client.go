// Package llm talks to OpenAI-compatible chat-completions endpoints.
//
// It owns the typed message model (Message, ToolCall, Tool), request
// construction rules such as token-limit precedence, and both response
// modes: a buffered JSON body and a "data: " event stream whose tool-call
// fragments are reassembled by [ToolCallAccumulator].
package llm

import "context"

// Client is the interface the chat engine drives.
type Client interface {
	// Chat sends a buffered chat completion request.
	Chat(ctx context.Context, req *ChatRequest) (*ChatResponse, error)

	// ChatStream sends a streaming request. Content and tool-call deltas
	// are delivered to callback as they arrive; the assembled response is
	// returned when the stream ends.
	ChatStream(ctx context.Context, req *ChatRequest, callback StreamCallback) (*ChatResponse, error)
}
