package llm

import (
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

// ErrInvalidArguments is wrapped by ParseArguments failures.
var ErrInvalidArguments = errors.New("invalid tool arguments")

// Message roles.
const (
	RoleSystem    = "system"
	RoleUser      = "user"
	RoleAssistant = "assistant"
	RoleTool      = "tool"
)

// Message is one entry of a conversation. Content is nil when absent,
// which is distinct from an empty string on the wire.
type Message struct {
	Role       string     `json:"role"`
	Content    *string    `json:"content,omitempty"`
	Name       string     `json:"name,omitempty"`
	ToolCallID string     `json:"tool_call_id,omitempty"`
	ToolCalls  []ToolCall `json:"tool_calls,omitempty"`
}

// TextMessage returns a message with the given role and text content.
func TextMessage(role, text string) Message {
	return Message{Role: role, Content: &text}
}

// ToolMessage returns the tool-role reply to the call with callID.
func ToolMessage(callID, content string) Message {
	return Message{Role: RoleTool, ToolCallID: callID, Content: &content}
}

// Text returns the message content, or "" when absent.
func (m Message) Text() string {
	if m.Content == nil {
		return ""
	}
	return *m.Content
}

// ToolCall is a model request to invoke a function.
type ToolCall struct {
	ID       string       `json:"id"`
	Type     string       `json:"type"`
	Function FunctionCall `json:"function"`
}

// FunctionCall names the function and carries its JSON-encoded arguments.
type FunctionCall struct {
	Name      string `json:"name"`
	Arguments string `json:"arguments"`
}

// Tool is a catalogue entry offered to the model.
type Tool struct {
	Type     string       `json:"type"`
	Function ToolFunction `json:"function"`
}

// ToolFunction describes a callable function and its JSON Schema.
type ToolFunction struct {
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	Parameters  any    `json:"parameters"`
}

// NewTool returns a function tool definition.
func NewTool(name, description string, parameters any) Tool {
	return Tool{
		Type:     "function",
		Function: ToolFunction{Name: name, Description: description, Parameters: parameters},
	}
}

// ChatRequest is the body POSTed to /v1/chat/completions. Optional
// generation parameters are pointers so that "not configured" is omitted
// rather than sent as zero.
type ChatRequest struct {
	Model               string    `json:"model"`
	Messages            []Message `json:"messages"`
	Tools               []Tool    `json:"tools,omitempty"`
	ToolChoice          string    `json:"tool_choice,omitempty"`
	Stream              bool      `json:"stream,omitempty"`
	Temperature         *float64  `json:"temperature,omitempty"`
	MaxCompletionTokens *int      `json:"max_completion_tokens,omitempty"`
	MaxOutputTokens     *int      `json:"max_output_tokens,omitempty"`
	MaxTokens           *int      `json:"max_tokens,omitempty"`
}

// SetTokenLimit sets exactly one token-limit field. completion wins over
// output, which wins over legacy; nil values are skipped.
func (r *ChatRequest) SetTokenLimit(completion, output, legacy *int) {
	r.MaxCompletionTokens, r.MaxOutputTokens, r.MaxTokens = nil, nil, nil
	switch {
	case completion != nil:
		r.MaxCompletionTokens = completion
	case output != nil:
		r.MaxOutputTokens = output
	case legacy != nil:
		r.MaxTokens = legacy
	}
}

// Usage is the token accounting reported by the endpoint.
type Usage struct {
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	TotalTokens      int `json:"total_tokens"`
}

// ChatResponse is the parsed first choice of a completion.
type ChatResponse struct {
	Model        string
	Content      *string
	ToolCalls    []ToolCall
	FinishReason string
	Usage        Usage
}

// StreamEventKind identifies the type of stream event.
type StreamEventKind int

const (
	// KindStart is emitted before a streamed request is sent.
	KindStart StreamEventKind = iota

	// KindContent carries one content fragment in Content.
	KindContent

	// KindToolCalls carries the tool calls accumulated so far.
	KindToolCalls

	// KindEnd is emitted after a stream completes; Content and ToolCalls
	// hold the assembled result.
	KindEnd
)

func (k StreamEventKind) String() string {
	switch k {
	case KindStart:
		return "start"
	case KindContent:
		return "content_delta"
	case KindToolCalls:
		return "tool_calls"
	case KindEnd:
		return "end"
	default:
		return fmt.Sprintf("StreamEventKind(%d)", int(k))
	}
}

// MarshalText lets event kinds appear by name in JSON.
func (k StreamEventKind) MarshalText() ([]byte, error) {
	return []byte(k.String()), nil
}

// StreamEvent is one low-level streaming notification.
type StreamEvent struct {
	Kind      StreamEventKind `json:"type"`
	Content   string          `json:"content,omitempty"`
	ToolCalls []ToolCall      `json:"tool_calls,omitempty"`
}

// StreamCallback receives streaming events.
type StreamCallback func(event StreamEvent)

// ParseArguments decodes a tool call's argument string into an object.
// Blank arguments decode to an empty object.
func ParseArguments(raw string) (map[string]any, error) {
	if strings.TrimSpace(raw) == "" {
		return map[string]any{}, nil
	}
	var args map[string]any
	if err := json.Unmarshal([]byte(raw), &args); err != nil {
		return nil, fmt.Errorf("%w: %w", ErrInvalidArguments, err)
	}
	if args == nil {
		return nil, fmt.Errorf("%w: expected a JSON object", ErrInvalidArguments)
	}
	return args, nil
}
