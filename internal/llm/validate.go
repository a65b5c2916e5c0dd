package llm

import (
	"errors"
	"fmt"
)

// ErrInvalidHistory is wrapped by every ValidateHistory failure.
var ErrInvalidHistory = errors.New("invalid message history")

// ValidateHistory checks the structural rules of a conversation: known
// roles, at most one system message and only in first position, and
// every tool message answering a tool_call_id of the assistant message
// that precedes its run of tool replies.
func ValidateHistory(messages []Message) error {
	var pending map[string]bool
	for i, m := range messages {
		switch m.Role {
		case RoleSystem:
			if i != 0 {
				return fmt.Errorf("%w: system message at position %d", ErrInvalidHistory, i)
			}
			pending = nil
		case RoleUser:
			pending = nil
		case RoleAssistant:
			pending = nil
			if len(m.ToolCalls) > 0 {
				pending = make(map[string]bool, len(m.ToolCalls))
				for _, tc := range m.ToolCalls {
					pending[tc.ID] = true
				}
			}
		case RoleTool:
			if pending == nil {
				return fmt.Errorf("%w: tool message at position %d does not follow an assistant tool call", ErrInvalidHistory, i)
			}
			if !pending[m.ToolCallID] {
				return fmt.Errorf("%w: tool message at position %d answers unknown call %q", ErrInvalidHistory, i, m.ToolCallID)
			}
		default:
			return fmt.Errorf("%w: unknown role %q at position %d", ErrInvalidHistory, m.Role, i)
		}
	}
	return nil
}
