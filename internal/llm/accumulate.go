package llm

import (
	"errors"
	"fmt"
)

// MaxToolCallIndex is the highest streamed tool-call index accepted.
// Snapshot allocates one slot per index up to the highest seen, so an
// unbounded index from the endpoint would exhaust memory.
const MaxToolCallIndex = 127

// ErrToolCallIndex reports a streamed tool-call index outside
// [0, MaxToolCallIndex].
var ErrToolCallIndex = errors.New("tool call index out of range")

// ToolCallDelta is one streamed fragment of a tool call. Index selects
// the call; every other field is appended to, or fills in, that call.
type ToolCallDelta struct {
	Index    *int   `json:"index,omitempty"`
	ID       string `json:"id,omitempty"`
	Type     string `json:"type,omitempty"`
	Function struct {
		Name      string `json:"name,omitempty"`
		Arguments string `json:"arguments,omitempty"`
	} `json:"function"`
}

// ToolCallAccumulator rebuilds tool calls from streamed fragments. Calls
// are ordered by index, never by arrival, so interleaved fragments of
// parallel calls reassemble correctly. Indices may arrive sparsely.
type ToolCallAccumulator struct {
	calls map[int]*ToolCall
	max   int
}

// NewToolCallAccumulator returns an empty accumulator.
func NewToolCallAccumulator() *ToolCallAccumulator {
	return &ToolCallAccumulator{calls: make(map[int]*ToolCall), max: -1}
}

// Add merges deltas. A delta without an index targets index 0. Deltas
// are applied in order up to the first one whose index is out of range;
// that one and the rest are rejected with [ErrToolCallIndex].
func (a *ToolCallAccumulator) Add(deltas []ToolCallDelta) error {
	for _, d := range deltas {
		idx := 0
		if d.Index != nil {
			idx = *d.Index
		}
		if idx < 0 || idx > MaxToolCallIndex {
			return fmt.Errorf("%w: %d", ErrToolCallIndex, idx)
		}

		tc, ok := a.calls[idx]
		if !ok {
			tc = &ToolCall{Type: "function"}
			a.calls[idx] = tc
		}
		if idx > a.max {
			a.max = idx
		}

		if d.ID != "" {
			tc.ID = d.ID
		}
		if d.Type != "" {
			tc.Type = d.Type
		}
		if d.Function.Name != "" {
			tc.Function.Name = d.Function.Name
		}
		tc.Function.Arguments += d.Function.Arguments
	}
	return nil
}

// Len returns the number of slots, including gaps.
func (a *ToolCallAccumulator) Len() int {
	return a.max + 1
}

// Snapshot returns every slot from 0 to the highest index seen. Slots
// that have not received a fragment are empty placeholders.
func (a *ToolCallAccumulator) Snapshot() []ToolCall {
	if a.max < 0 {
		return nil
	}
	out := make([]ToolCall, a.max+1)
	for i := range out {
		if tc, ok := a.calls[i]; ok {
			out[i] = *tc
		} else {
			out[i] = ToolCall{Type: "function"}
		}
	}
	return out
}

// Calls returns the reconstructed calls in index order, without the
// placeholders for indices that never received a fragment.
func (a *ToolCallAccumulator) Calls() []ToolCall {
	var out []ToolCall
	for i := 0; i <= a.max; i++ {
		if tc, ok := a.calls[i]; ok {
			out = append(out, *tc)
		}
	}
	return out
}
