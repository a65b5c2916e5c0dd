package dice

import (
	"encoding/json"
	"math"
	"strconv"
	"strings"
)

// Built-in tool surfaced to the model.
const (
	ToolName        = "roll_dice"
	ToolDescription = "Roll a TRPG dice expression like 2d6+1, 4d6kh3, d%."
)

// ToolParameters returns the JSON schema of the roll_dice arguments.
func ToolParameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"expression": map[string]any{"type": "string"},
			"seed":       map[string]any{"type": []string{"integer", "null"}},
		},
		"required":             []string{"expression"},
		"additionalProperties": false,
	}
}

// ToolArgs are the decoded roll_dice arguments.
type ToolArgs struct {
	Expression string
	Seed       *int64
}

// ParseToolArgs decodes raw tool-call arguments. Arguments that are not
// a JSON object are taken as the expression itself. Seeds may arrive as
// integers, floats or numeric strings; anything else is ignored.
func ParseToolArgs(raw string) ToolArgs {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ToolArgs{}
	}

	var obj map[string]any
	if err := json.Unmarshal([]byte(raw), &obj); err != nil {
		if json.Valid([]byte(raw)) {
			return ToolArgs{}
		}
		return ToolArgs{Expression: raw}
	}

	var args ToolArgs
	if s, ok := obj["expression"].(string); ok {
		args.Expression = s
	}
	args.Seed = toSeed(obj["seed"])
	return args
}

func toSeed(v any) *int64 {
	var n int64
	switch s := v.(type) {
	case float64:
		if math.IsNaN(s) || math.IsInf(s, 0) {
			return nil
		}
		n = int64(s)
	case string:
		i, err := strconv.ParseInt(strings.TrimSpace(s), 10, 64)
		if err != nil {
			return nil
		}
		n = i
	default:
		return nil
	}
	return &n
}

// RunTool executes a roll_dice call and returns the JSON tool result.
// Failures are reported in the result as {"error": ...}; RunTool never
// fails.
func RunTool(rawArgs string) string {
	args := ParseToolArgs(rawArgs)
	if strings.TrimSpace(args.Expression) == "" {
		return errorJSON(map[string]any{"error": "roll_dice requires expression"})
	}

	res, err := Roll(args.Expression, args.Seed)
	if err != nil {
		return errorJSON(map[string]any{"error": err.Error(), "expression": args.Expression})
	}
	data, err := json.Marshal(res)
	if err != nil {
		return errorJSON(map[string]any{"error": err.Error(), "expression": args.Expression})
	}
	return string(data)
}

func errorJSON(v map[string]any) string {
	data, _ := json.Marshal(v)
	return string(data)
}
