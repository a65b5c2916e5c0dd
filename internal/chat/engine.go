// Package chat runs the tool-augmented completion loop: it sends the
// conversation to the completion endpoint, executes the tool calls the
// model asks for (the built-in dice roller in-process, everything else
// through the MCP manager) and repeats until the model answers without
// tool calls or the iteration cap is reached.
package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/dice"
	"github.com/AliyahZombie/Plotrix/internal/events"
	"github.com/AliyahZombie/Plotrix/internal/llm"
	"github.com/AliyahZombie/Plotrix/internal/mcp"
	"github.com/AliyahZombie/Plotrix/internal/usage"
)

const tracerName = "github.com/AliyahZombie/Plotrix/internal/chat"

var (
	// ErrCancelled is returned when the caller's context ends mid-chat.
	// It wraps the context error.
	ErrCancelled = errors.New("chat cancelled")

	// ErrDidNotConverge is returned when the model keeps requesting tool
	// calls past the iteration cap.
	ErrDidNotConverge = errors.New("tool call loop did not converge")

	errUnknownTool = errors.New("unknown tool")
)

// ToolCatalog is the external tool surface the engine can offer and
// invoke. *mcp.Manager implements it.
type ToolCatalog interface {
	OpenAITools(ctx context.Context) []llm.Tool
	CallTool(ctx context.Context, publicName string, args map[string]any) (*mcp.ToolResult, error)
}

// UsageRecorder receives the token usage of every completion request.
// *usage.Store implements it.
type UsageRecorder interface {
	Record(ctx context.Context, rec usage.Record) error
}

// Config wires an Engine.
type Config struct {
	Provider string
	Model    string
	Chat     config.ChatConfig

	// Tools is optional; without it only the dice tool is offered.
	Tools ToolCatalog
	// Usage is optional.
	Usage UsageRecorder
	// Bus is optional.
	Bus *events.Bus
}

// Engine drives chat completions with tool calling. An Engine holds no
// per-conversation state and may serve concurrent Chat calls.
type Engine struct {
	logger *slog.Logger
	client llm.Client
	cfg    Config
	tracer trace.Tracer
}

// NewEngine returns an engine that sends requests through client.
func NewEngine(logger *slog.Logger, client llm.Client, cfg Config) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.Chat.MaxIterations <= 0 {
		cfg.Chat.MaxIterations = config.DefaultMaxIterations
	}
	return &Engine{
		logger: logger.With("provider", cfg.Provider, "model", cfg.Model),
		client: client,
		cfg:    cfg,
		tracer: otel.Tracer(tracerName),
	}
}

// Chat runs the completion loop over messages and returns the final
// assistant text and the extended history. messages is never modified.
// On any error the returned history is nil, so callers keep their
// original list.
func (e *Engine) Chat(ctx context.Context, messages []llm.Message, hooks *Hooks) (string, []llm.Message, error) {
	if err := llm.ValidateHistory(messages); err != nil {
		return "", nil, err
	}
	if err := ctx.Err(); err != nil {
		return "", nil, cancelled(err)
	}

	history := slices.Clone(messages)
	tools := e.toolList(ctx)
	streaming := e.cfg.Chat.Stream && hooks.streaming()

	for iter := 1; iter <= e.cfg.Chat.MaxIterations; iter++ {
		if err := ctx.Err(); err != nil {
			return "", nil, cancelled(err)
		}

		resp, err := e.complete(ctx, iter, history, tools, streaming, hooks)
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return "", nil, cancelled(ctxErr)
			}
			return "", nil, err
		}

		if len(resp.ToolCalls) == 0 {
			text := textOf(resp.Content)
			history = append(history, llm.TextMessage(llm.RoleAssistant, text))
			e.emit(hooks, Event{Type: EventAssistantFinal, Iteration: iter, Content: text})
			return text, history, nil
		}

		content := textOf(resp.Content)
		history = append(history, llm.Message{
			Role:      llm.RoleAssistant,
			Content:   &content,
			ToolCalls: resp.ToolCalls,
		})
		e.emit(hooks, Event{
			Type:      EventAssistantToolCalls,
			Iteration: iter,
			Content:   content,
			ToolCalls: resp.ToolCalls,
		})

		for _, tc := range resp.ToolCalls {
			result := e.runTool(ctx, iter, tc, hooks)
			history = append(history, llm.ToolMessage(tc.ID, result))
			e.emit(hooks, Event{
				Type:       EventToolResult,
				Iteration:  iter,
				Call:       &tc,
				ToolCallID: tc.ID,
				Content:    result,
			})
			if err := ctx.Err(); err != nil {
				return "", nil, cancelled(err)
			}
		}
	}

	return "", nil, fmt.Errorf("%w after %d iterations", ErrDidNotConverge, e.cfg.Chat.MaxIterations)
}

// toolList builds the catalogue once per Chat: the dice tool first,
// then whatever the MCP side offers.
func (e *Engine) toolList(ctx context.Context) []llm.Tool {
	var tools []llm.Tool
	if e.cfg.Chat.RollToolEnabled() {
		tools = append(tools, llm.NewTool(dice.ToolName, dice.ToolDescription, dice.ToolParameters()))
	}
	if e.cfg.Tools != nil {
		tools = append(tools, e.cfg.Tools.OpenAITools(ctx)...)
	}
	return tools
}

func (e *Engine) request(history []llm.Message, tools []llm.Tool) *llm.ChatRequest {
	req := &llm.ChatRequest{
		Model:       e.cfg.Model,
		Messages:    history,
		Temperature: e.cfg.Chat.Temperature,
	}
	if len(tools) > 0 {
		req.Tools = tools
		req.ToolChoice = "auto"
	}
	req.SetTokenLimit(e.cfg.Chat.MaxCompletionTokens, e.cfg.Chat.MaxOutputTokens, e.cfg.Chat.MaxTokens)
	return req
}

// complete performs one round trip. A failed stream is retried once as
// a buffered request.
func (e *Engine) complete(ctx context.Context, iter int, history []llm.Message, tools []llm.Tool, streaming bool, hooks *Hooks) (*llm.ChatResponse, error) {
	ctx, span := e.tracer.Start(ctx, "chat.turn", trace.WithAttributes(
		attribute.Int("chat.iteration", iter),
		attribute.String("llm.model", e.cfg.Model),
		attribute.Bool("llm.stream", streaming),
	))
	defer span.End()

	e.cfg.Bus.Publish(events.NewEvent(events.SourceChat, events.KindLLMCall, map[string]any{
		"iter":   iter,
		"model":  e.cfg.Model,
		"stream": streaming,
	}))

	req := e.request(history, tools)
	start := time.Now()

	var (
		resp     *llm.ChatResponse
		err      error
		streamed bool
	)
	if streaming {
		e.stream(hooks, llm.StreamEvent{Kind: llm.KindStart})
		resp, err = e.client.ChatStream(ctx, req, func(ev llm.StreamEvent) { e.stream(hooks, ev) })
		if err == nil {
			streamed = true
			e.stream(hooks, llm.StreamEvent{Kind: llm.KindEnd, Content: textOf(resp.Content), ToolCalls: resp.ToolCalls})
		} else if ctx.Err() == nil {
			e.logger.Warn("streaming failed, falling back to buffered request", "iter", iter, "error", err)
			e.emit(hooks, Event{Type: EventTransportError, Iteration: iter, Error: err.Error()})
		}
	}
	if !streamed && ctx.Err() == nil {
		resp, err = e.client.Chat(ctx, req)
	}
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	if resp == nil {
		return nil, ctx.Err()
	}

	span.SetAttributes(
		attribute.Int("llm.tokens_in", resp.Usage.PromptTokens),
		attribute.Int("llm.tokens_out", resp.Usage.CompletionTokens),
		attribute.Int("llm.tool_calls", len(resp.ToolCalls)),
	)
	e.logger.Debug("completion finished",
		"iter", iter,
		"streamed", streamed,
		"tool_calls", len(resp.ToolCalls),
		"elapsed", time.Since(start).Round(time.Millisecond),
	)
	e.cfg.Bus.Publish(events.NewEvent(events.SourceChat, events.KindLLMResponse, map[string]any{
		"iter":       iter,
		"model":      resp.Model,
		"tokens_in":  resp.Usage.PromptTokens,
		"tokens_out": resp.Usage.CompletionTokens,
		"tool_calls": len(resp.ToolCalls),
	}))
	e.recordUsage(ctx, iter, streamed, resp)
	return resp, nil
}

func (e *Engine) recordUsage(ctx context.Context, iter int, streamed bool, resp *llm.ChatResponse) {
	if e.cfg.Usage == nil {
		return
	}
	a := usage.AttributionFrom(ctx)
	model := resp.Model
	if model == "" {
		model = e.cfg.Model
	}
	rec := usage.Record{
		RunID:        a.RunID,
		SessionID:    a.SessionID,
		Source:       a.Source,
		Provider:     e.cfg.Provider,
		Model:        model,
		Iteration:    iter,
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
		Streamed:     streamed,
	}
	if err := e.cfg.Usage.Record(context.WithoutCancel(ctx), rec); err != nil {
		e.logger.Warn("failed to record usage", "error", err)
	}
}

// runTool executes one tool call. It always produces result content;
// failures are reported to the model as {"error": ...}.
func (e *Engine) runTool(ctx context.Context, iter int, tc llm.ToolCall, hooks *Hooks) string {
	name := tc.Function.Name
	ctx, span := e.tracer.Start(ctx, "chat.tool", trace.WithAttributes(
		attribute.String("tool.name", name),
		attribute.String("tool.call_id", tc.ID),
	))
	defer span.End()

	e.cfg.Bus.Publish(events.NewEvent(events.SourceChat, events.KindToolCall, map[string]any{
		"tool":    name,
		"call_id": tc.ID,
	}))
	start := time.Now()

	content, err := e.dispatch(ctx, tc)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		e.logger.Debug("tool call failed", "iter", iter, "tool", name, "error", err)
		if isServerError(err) {
			e.emit(hooks, Event{Type: EventTransportError, Iteration: iter, Name: name, Error: err.Error()})
		}
		content = errorContent(err.Error())
	}

	e.cfg.Bus.Publish(events.NewEvent(events.SourceChat, events.KindToolDone, map[string]any{
		"tool":        name,
		"call_id":     tc.ID,
		"ok":          err == nil,
		"duration_ms": time.Since(start).Milliseconds(),
	}))
	return content
}

func (e *Engine) dispatch(ctx context.Context, tc llm.ToolCall) (string, error) {
	name := tc.Function.Name
	if name == dice.ToolName && e.cfg.Chat.RollToolEnabled() {
		return dice.RunTool(tc.Function.Arguments), nil
	}

	if e.cfg.Tools == nil {
		return "", fmt.Errorf("%w: %s", errUnknownTool, name)
	}
	args, err := llm.ParseArguments(tc.Function.Arguments)
	if err != nil {
		return "", err
	}
	res, err := e.cfg.Tools.CallTool(ctx, name, args)
	switch {
	case errors.Is(err, mcp.ErrUnknownTool):
		return "", fmt.Errorf("%w: %s", errUnknownTool, name)
	case err != nil:
		return "", err
	case res.IsError:
		return errorContent(res.Text), nil
	}
	return res.Text, nil
}

// isServerError reports whether err came from talking to an MCP server
// rather than from resolving the call locally.
func isServerError(err error) bool {
	return !errors.Is(err, mcp.ErrServerDisabled) &&
		!errors.Is(err, mcp.ErrServerNotInitialized) &&
		!errors.Is(err, llm.ErrInvalidArguments) &&
		!errors.Is(err, errUnknownTool)
}

func errorContent(msg string) string {
	data, _ := json.Marshal(map[string]string{"error": msg})
	return string(data)
}

func textOf(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}

func cancelled(err error) error {
	return fmt.Errorf("%w: %w", ErrCancelled, err)
}
