package chat

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"slices"
	"strings"
	"sync"
	"testing"

	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/dice"
	"github.com/AliyahZombie/Plotrix/internal/events"
	"github.com/AliyahZombie/Plotrix/internal/llm"
	"github.com/AliyahZombie/Plotrix/internal/mcp"
	"github.com/AliyahZombie/Plotrix/internal/usage"
)

// mockLLM answers requests from respond and records every request.
type mockLLM struct {
	mu       sync.Mutex
	respond  func(call int, req *llm.ChatRequest) (*llm.ChatResponse, error)
	requests []llm.ChatRequest
	streamed []bool

	streamErr    error
	streamDeltas []llm.StreamEvent
}

func (m *mockLLM) record(req *llm.ChatRequest, stream bool) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *req
	cp.Messages = slices.Clone(req.Messages)
	m.requests = append(m.requests, cp)
	m.streamed = append(m.streamed, stream)
	return len(m.requests)
}

func (m *mockLLM) Chat(_ context.Context, req *llm.ChatRequest) (*llm.ChatResponse, error) {
	n := m.record(req, false)
	return m.respond(n, req)
}

func (m *mockLLM) ChatStream(_ context.Context, req *llm.ChatRequest, cb llm.StreamCallback) (*llm.ChatResponse, error) {
	n := m.record(req, true)
	if m.streamErr != nil {
		return nil, m.streamErr
	}
	for _, ev := range m.streamDeltas {
		cb(ev)
	}
	return m.respond(n, req)
}

func (m *mockLLM) calls() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.requests)
}

func ptr[T any](v T) *T { return &v }

func finalResp(text string) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", Content: ptr(text), Usage: llm.Usage{PromptTokens: 10, CompletionTokens: 2}}
}

func toolResp(calls ...llm.ToolCall) *llm.ChatResponse {
	return &llm.ChatResponse{Model: "test-model", ToolCalls: calls, Usage: llm.Usage{PromptTokens: 5, CompletionTokens: 1}}
}

func call(id, name, args string) llm.ToolCall {
	return llm.ToolCall{ID: id, Type: "function", Function: llm.FunctionCall{Name: name, Arguments: args}}
}

// script returns responses in order and fails past the end.
func script(resps ...*llm.ChatResponse) func(int, *llm.ChatRequest) (*llm.ChatResponse, error) {
	return func(n int, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
		if n > len(resps) {
			return nil, fmt.Errorf("unexpected request %d", n)
		}
		return resps[n-1], nil
	}
}

type fakeCatalog struct {
	mu      sync.Mutex
	tools   []llm.Tool
	results map[string]*mcp.ToolResult
	errs    map[string]error
	called  []string
	args    []map[string]any
	onCall  func()
}

func (f *fakeCatalog) OpenAITools(context.Context) []llm.Tool { return f.tools }

func (f *fakeCatalog) CallTool(_ context.Context, name string, args map[string]any) (*mcp.ToolResult, error) {
	f.mu.Lock()
	f.called = append(f.called, name)
	f.args = append(f.args, args)
	f.mu.Unlock()
	if f.onCall != nil {
		f.onCall()
	}
	if err := f.errs[name]; err != nil {
		return nil, err
	}
	if res, ok := f.results[name]; ok {
		return res, nil
	}
	return nil, fmt.Errorf("%w: %s", mcp.ErrUnknownTool, name)
}

type usageRecorder struct {
	mu   sync.Mutex
	recs []usage.Record
}

func (u *usageRecorder) Record(_ context.Context, rec usage.Record) error {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.recs = append(u.recs, rec)
	return nil
}

func newTestEngine(client llm.Client, cfg Config) *Engine {
	if cfg.Model == "" {
		cfg.Model = "test-model"
	}
	if cfg.Provider == "" {
		cfg.Provider = "test"
	}
	return NewEngine(nil, client, cfg)
}

func userMessages(text string) []llm.Message {
	return []llm.Message{
		llm.TextMessage(llm.RoleSystem, "You are a GM."),
		llm.TextMessage(llm.RoleUser, text),
	}
}

// eventRecorder collects milestone types in delivery order.
type eventRecorder struct {
	mu     sync.Mutex
	events []Event
}

func (r *eventRecorder) hook(ev Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, ev)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Type
	}
	return out
}

func TestChat_RollDiceEndToEnd(t *testing.T) {
	client := &mockLLM{respond: script(
		toolResp(call("call_1", dice.ToolName, `{"expression":"2d6+1"}`)),
		finalResp("You rolled well."),
	)}
	rec := &eventRecorder{}
	e := newTestEngine(client, Config{})

	input := userMessages("roll 2d6+1 for me")
	text, history, err := e.Chat(context.Background(), input, &Hooks{OnEvent: rec.hook})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if text != "You rolled well." {
		t.Errorf("text = %q", text)
	}
	if client.calls() != 2 {
		t.Fatalf("requests = %d, want 2", client.calls())
	}

	// The tool reply must be in the second request.
	second := client.requests[1].Messages
	last := second[len(second)-1]
	if last.Role != llm.RoleTool || last.ToolCallID != "call_1" {
		t.Fatalf("last message of second request = %+v", last)
	}
	var roll struct {
		Expr  string `json:"expr"`
		Total *int   `json:"total"`
	}
	if err := json.Unmarshal([]byte(last.Text()), &roll); err != nil {
		t.Fatalf("tool content is not JSON: %v (%s)", err, last.Text())
	}
	if roll.Expr != "2d6+1" {
		t.Errorf("expr = %q, want 2d6+1", roll.Expr)
	}
	if roll.Total == nil || *roll.Total < 3 || *roll.Total > 13 {
		t.Errorf("total = %v, want 3..13", roll.Total)
	}

	if len(history) != len(input)+3 {
		t.Fatalf("history len = %d, want %d", len(history), len(input)+3)
	}
	assistant := history[len(input)]
	if assistant.Role != llm.RoleAssistant || len(assistant.ToolCalls) != 1 || assistant.Content == nil {
		t.Errorf("assistant tool-call message = %+v", assistant)
	}
	final := history[len(history)-1]
	if final.Role != llm.RoleAssistant || final.Text() != "You rolled well." || len(final.ToolCalls) != 0 {
		t.Errorf("final message = %+v", final)
	}

	want := []string{EventAssistantToolCalls, EventToolResult, EventAssistantFinal}
	if got := rec.types(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if ev := rec.events[1]; ev.ToolCallID != "call_1" || ev.Call == nil || ev.Call.Function.Name != dice.ToolName {
		t.Errorf("tool_result event = %+v", ev)
	}
}

func TestChat_DidNotConverge(t *testing.T) {
	for _, n := range []int{1, 3, 8} {
		t.Run(fmt.Sprintf("cap_%d", n), func(t *testing.T) {
			client := &mockLLM{respond: func(i int, _ *llm.ChatRequest) (*llm.ChatResponse, error) {
				return toolResp(call(fmt.Sprintf("c%d", i), dice.ToolName, `{"expression":"1d4"}`)), nil
			}}
			e := newTestEngine(client, Config{Chat: config.ChatConfig{MaxIterations: n}})

			_, history, err := e.Chat(context.Background(), userMessages("loop"), nil)
			if !errors.Is(err, ErrDidNotConverge) {
				t.Fatalf("err = %v, want ErrDidNotConverge", err)
			}
			if history != nil {
				t.Errorf("history = %v, want nil on failure", history)
			}
			if client.calls() != n {
				t.Errorf("requests = %d, want exactly %d", client.calls(), n)
			}
		})
	}
}

func TestChat_DoesNotMutateInput(t *testing.T) {
	client := &mockLLM{respond: script(
		toolResp(call("c1", dice.ToolName, `{"expression":"d20"}`)),
		finalResp("done"),
	)}
	e := newTestEngine(client, Config{})

	input := make([]llm.Message, 2, 10) // spare capacity must not be written
	copy(input, userMessages("roll"))
	before := slices.Clone(input[:cap(input)])

	_, history, err := e.Chat(context.Background(), input, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(input) != 2 {
		t.Errorf("input len changed to %d", len(input))
	}
	after := input[:cap(input)]
	for i := range before {
		if before[i].Role != after[i].Role || before[i].Text() != after[i].Text() {
			t.Fatalf("input backing array modified at %d", i)
		}
	}
	for i := range input {
		if history[i].Role != input[i].Role || history[i].Text() != input[i].Text() {
			t.Errorf("history[%d] = %+v, want %+v", i, history[i], input[i])
		}
	}
}

func TestChat_CancelledBeforeStart(t *testing.T) {
	client := &mockLLM{respond: script(finalResp("never"))}
	e := newTestEngine(client, Config{})

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, history, err := e.Chat(ctx, userMessages("hi"), nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("err = %v, want to wrap context.Canceled", err)
	}
	if history != nil {
		t.Error("history should be nil")
	}
	if client.calls() != 0 {
		t.Errorf("requests = %d, want 0", client.calls())
	}
}

func TestChat_CancelledAfterTool(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	catalog := &fakeCatalog{
		results: map[string]*mcp.ToolResult{"mcp__s__slow": {Text: "ok"}},
		onCall:  cancel,
	}
	client := &mockLLM{respond: script(
		toolResp(call("c1", "mcp__s__slow", `{}`), call("c2", "mcp__s__slow", `{}`)),
		finalResp("unreachable"),
	)}
	e := newTestEngine(client, Config{Tools: catalog})

	_, _, err := e.Chat(ctx, userMessages("go"), nil)
	if !errors.Is(err, ErrCancelled) {
		t.Fatalf("err = %v, want ErrCancelled", err)
	}
	if client.calls() != 1 {
		t.Errorf("requests = %d, want 1", client.calls())
	}
	if len(catalog.called) != 1 {
		t.Errorf("tool calls = %d, want 1 (stop after the cancelling tool)", len(catalog.called))
	}
}

func TestChat_TransportErrorPreservesCaller(t *testing.T) {
	boom := errors.New("connection refused")
	client := &mockLLM{respond: func(int, *llm.ChatRequest) (*llm.ChatResponse, error) { return nil, boom }}
	e := newTestEngine(client, Config{})

	_, history, err := e.Chat(context.Background(), userMessages("hi"), nil)
	if !errors.Is(err, boom) {
		t.Fatalf("err = %v, want %v", err, boom)
	}
	if errors.Is(err, ErrCancelled) {
		t.Error("transport error must not look like cancellation")
	}
	if history != nil {
		t.Error("history should be nil")
	}
}

func TestChat_InvalidHistory(t *testing.T) {
	client := &mockLLM{respond: script(finalResp("x"))}
	e := newTestEngine(client, Config{})

	msgs := []llm.Message{
		llm.TextMessage(llm.RoleUser, "hi"),
		llm.ToolMessage("nope", "{}"),
	}
	_, _, err := e.Chat(context.Background(), msgs, nil)
	if !errors.Is(err, llm.ErrInvalidHistory) {
		t.Fatalf("err = %v, want ErrInvalidHistory", err)
	}
	if client.calls() != 0 {
		t.Errorf("requests = %d, want 0", client.calls())
	}
}

func TestChat_RequestShape(t *testing.T) {
	mcpTool := llm.NewTool("mcp__lore__lookup", "Look up lore", map[string]any{"type": "object"})

	tests := []struct {
		name      string
		chat      config.ChatConfig
		catalog   ToolCatalog
		wantTools []string
	}{
		{
			name:      "dice only",
			wantTools: []string{dice.ToolName},
		},
		{
			name:      "dice first then mcp",
			catalog:   &fakeCatalog{tools: []llm.Tool{mcpTool}},
			wantTools: []string{dice.ToolName, "mcp__lore__lookup"},
		},
		{
			name:      "dice disabled",
			chat:      config.ChatConfig{EnableToolRoll: ptr(false)},
			catalog:   &fakeCatalog{tools: []llm.Tool{mcpTool}},
			wantTools: []string{"mcp__lore__lookup"},
		},
		{
			name: "no tools",
			chat: config.ChatConfig{EnableToolRoll: ptr(false)},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockLLM{respond: script(finalResp("ok"))}
			e := newTestEngine(client, Config{Chat: tt.chat, Tools: tt.catalog})
			if _, _, err := e.Chat(context.Background(), userMessages("hi"), nil); err != nil {
				t.Fatalf("Chat: %v", err)
			}
			req := client.requests[0]
			var names []string
			for _, tool := range req.Tools {
				names = append(names, tool.Function.Name)
			}
			if !slices.Equal(names, tt.wantTools) {
				t.Errorf("tools = %v, want %v", names, tt.wantTools)
			}
			wantChoice := ""
			if len(tt.wantTools) > 0 {
				wantChoice = "auto"
			}
			if req.ToolChoice != wantChoice {
				t.Errorf("tool_choice = %q, want %q", req.ToolChoice, wantChoice)
			}
			if req.Model != "test-model" {
				t.Errorf("model = %q", req.Model)
			}
		})
	}
}

func TestChat_TokenLimitPrecedence(t *testing.T) {
	client := &mockLLM{respond: script(finalResp("ok"))}
	e := newTestEngine(client, Config{Chat: config.ChatConfig{
		MaxTokens:           ptr(100),
		MaxOutputTokens:     ptr(200),
		MaxCompletionTokens: ptr(300),
	}})
	if _, _, err := e.Chat(context.Background(), userMessages("hi"), nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	body, err := json.Marshal(client.requests[0])
	if err != nil {
		t.Fatal(err)
	}
	s := string(body)
	if !strings.Contains(s, `"max_completion_tokens":300`) {
		t.Errorf("body missing max_completion_tokens: %s", s)
	}
	for _, field := range []string{"max_output_tokens", "max_tokens\"", "temperature"} {
		if strings.Contains(s, field) {
			t.Errorf("body should not contain %s: %s", field, s)
		}
	}
}

func TestChat_ToolFailuresBecomeResults(t *testing.T) {
	tests := []struct {
		name      string
		call      llm.ToolCall
		catalog   *fakeCatalog
		chat      config.ChatConfig
		wantError string
		wantText  string
	}{
		{
			name:      "unknown tool without catalog",
			call:      call("c1", "mystery", `{}`),
			wantError: "unknown tool: mystery",
		},
		{
			name:      "unknown tool in catalog",
			call:      call("c1", "mcp__x__y", `{}`),
			catalog:   &fakeCatalog{},
			wantError: "unknown tool: mcp__x__y",
		},
		{
			name:      "malformed arguments",
			call:      call("c1", "mcp__x__y", `{"broken`),
			catalog:   &fakeCatalog{results: map[string]*mcp.ToolResult{"mcp__x__y": {Text: "unused"}}},
			wantError: "invalid tool arguments",
		},
		{
			name: "server failure",
			call: call("c1", "mcp__x__y", `{}`),
			catalog: &fakeCatalog{errs: map[string]error{
				"mcp__x__y": fmt.Errorf("%w: bad json", mcp.ErrInvalidResponse),
			}},
			wantError: "invalid JSON-RPC response: bad json",
		},
		{
			name: "tool reported error",
			call: call("c1", "mcp__x__y", `{}`),
			catalog: &fakeCatalog{results: map[string]*mcp.ToolResult{
				"mcp__x__y": {Text: "no such monster", IsError: true},
			}},
			wantError: "no such monster",
		},
		{
			name:      "dice syntax error",
			call:      call("c1", dice.ToolName, `{"expression":"2d"}`),
			wantError: "",
		},
		{
			name:      "dice disabled",
			call:      call("c1", dice.ToolName, `{"expression":"1d6"}`),
			chat:      config.ChatConfig{EnableToolRoll: ptr(false)},
			wantError: "unknown tool: roll_dice",
		},
		{
			name: "success",
			call: call("c1", "mcp__x__y", `{"q":"dragons"}`),
			catalog: &fakeCatalog{results: map[string]*mcp.ToolResult{
				"mcp__x__y": {Text: "Dragons hoard gold."},
			}},
			wantText: "Dragons hoard gold.",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			client := &mockLLM{respond: script(toolResp(tt.call), finalResp("ok"))}
			cfg := Config{Chat: tt.chat}
			if tt.catalog != nil {
				cfg.Tools = tt.catalog
			}
			e := newTestEngine(client, cfg)

			_, history, err := e.Chat(context.Background(), userMessages("go"), nil)
			if err != nil {
				t.Fatalf("Chat must not fail on tool errors: %v", err)
			}
			toolMsg := history[3]
			if toolMsg.Role != llm.RoleTool || toolMsg.ToolCallID != "c1" {
				t.Fatalf("tool message = %+v", toolMsg)
			}
			if tt.wantText != "" {
				if toolMsg.Text() != tt.wantText {
					t.Errorf("content = %q, want %q", toolMsg.Text(), tt.wantText)
				}
				return
			}
			var body map[string]any
			if err := json.Unmarshal([]byte(toolMsg.Text()), &body); err != nil {
				t.Fatalf("content is not JSON: %q", toolMsg.Text())
			}
			msg, ok := body["error"].(string)
			if !ok {
				t.Fatalf("content has no error: %q", toolMsg.Text())
			}
			if !strings.HasPrefix(msg, tt.wantError) {
				t.Errorf("error = %q, want prefix %q", msg, tt.wantError)
			}
		})
	}
}

func TestChat_ToolsRunSequentiallyInOrder(t *testing.T) {
	catalog := &fakeCatalog{results: map[string]*mcp.ToolResult{
		"mcp__a__one": {Text: "1"},
		"mcp__a__two": {Text: "2"},
	}}
	client := &mockLLM{respond: script(
		toolResp(
			call("c1", "mcp__a__one", `{"n":1}`),
			call("c2", dice.ToolName, `{"expression":"1d1"}`),
			call("c3", "mcp__a__two", ``),
		),
		finalResp("ok"),
	)}
	rec := &eventRecorder{}
	e := newTestEngine(client, Config{Tools: catalog})

	_, history, err := e.Chat(context.Background(), userMessages("go"), &Hooks{OnEvent: rec.hook})
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if !slices.Equal(catalog.called, []string{"mcp__a__one", "mcp__a__two"}) {
		t.Errorf("called = %v", catalog.called)
	}
	if catalog.args[0]["n"] != float64(1) || len(catalog.args[1]) != 0 {
		t.Errorf("args = %v", catalog.args)
	}
	var ids []string
	for _, m := range history[3:6] {
		ids = append(ids, m.ToolCallID)
	}
	if !slices.Equal(ids, []string{"c1", "c2", "c3"}) {
		t.Errorf("tool message order = %v", ids)
	}
	want := []string{EventAssistantToolCalls, EventToolResult, EventToolResult, EventToolResult, EventAssistantFinal}
	if got := rec.types(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
}

func TestChat_Streaming(t *testing.T) {
	client := &mockLLM{
		respond: script(finalResp("Hello there")),
		streamDeltas: []llm.StreamEvent{
			{Kind: llm.KindContent, Content: "Hello"},
			{Kind: llm.KindContent, Content: " there"},
		},
	}
	var kinds []llm.StreamEventKind
	var endContent string
	hooks := &Hooks{OnStream: func(ev llm.StreamEvent) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == llm.KindEnd {
			endContent = ev.Content
		}
	}}
	e := newTestEngine(client, Config{Chat: config.ChatConfig{Stream: true}})

	text, _, err := e.Chat(context.Background(), userMessages("hi"), hooks)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if text != "Hello there" {
		t.Errorf("text = %q", text)
	}
	want := []llm.StreamEventKind{llm.KindStart, llm.KindContent, llm.KindContent, llm.KindEnd}
	if !slices.Equal(kinds, want) {
		t.Errorf("stream kinds = %v, want %v", kinds, want)
	}
	if endContent != "Hello there" {
		t.Errorf("end content = %q", endContent)
	}
	if !client.streamed[0] {
		t.Error("request was not streamed")
	}
}

func TestChat_StreamingRequiresHook(t *testing.T) {
	client := &mockLLM{respond: script(finalResp("ok"))}
	e := newTestEngine(client, Config{Chat: config.ChatConfig{Stream: true}})

	if _, _, err := e.Chat(context.Background(), userMessages("hi"), &Hooks{OnEvent: func(Event) {}}); err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if client.streamed[0] {
		t.Error("streamed without a stream hook")
	}
}

func TestChat_StreamFallback(t *testing.T) {
	client := &mockLLM{
		respond:   script(finalResp("buffered answer")),
		streamErr: errors.New("stream setup failed"),
	}
	rec := &eventRecorder{}
	hooks := &Hooks{OnStream: func(llm.StreamEvent) {}, OnEvent: rec.hook}
	e := newTestEngine(client, Config{Chat: config.ChatConfig{Stream: true}})

	text, _, err := e.Chat(context.Background(), userMessages("hi"), hooks)
	if err != nil {
		t.Fatalf("Chat must fall back, got %v", err)
	}
	if text != "buffered answer" {
		t.Errorf("text = %q", text)
	}
	if !slices.Equal(client.streamed, []bool{true, false}) {
		t.Errorf("streamed = %v, want [true false]", client.streamed)
	}
	want := []string{EventTransportError, EventAssistantFinal}
	if got := rec.types(); !slices.Equal(got, want) {
		t.Errorf("events = %v, want %v", got, want)
	}
	if rec.events[0].Error != "stream setup failed" {
		t.Errorf("transport_error = %+v", rec.events[0])
	}
}

func TestChat_HookPanicsAreContained(t *testing.T) {
	client := &mockLLM{
		respond: script(
			toolResp(call("c1", dice.ToolName, `{"expression":"1d6"}`)),
			finalResp("fine"),
		),
		streamDeltas: []llm.StreamEvent{{Kind: llm.KindContent, Content: "x"}},
	}
	hooks := &Hooks{
		OnStream: func(llm.StreamEvent) { panic("stream hook bug") },
		OnEvent:  func(Event) { panic("event hook bug") },
	}
	e := newTestEngine(client, Config{Chat: config.ChatConfig{Stream: true}})

	text, history, err := e.Chat(context.Background(), userMessages("hi"), hooks)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if text != "fine" || len(history) != 5 {
		t.Errorf("text = %q, history len = %d", text, len(history))
	}
	if !slices.Equal(client.streamed, []bool{true, true}) {
		t.Errorf("streamed = %v; a panicking hook must not force fallback", client.streamed)
	}
}

func TestChat_RecordsUsage(t *testing.T) {
	client := &mockLLM{respond: script(
		toolResp(call("c1", dice.ToolName, `{"expression":"1d6"}`)),
		finalResp("done"),
	)}
	rec := &usageRecorder{}
	e := newTestEngine(client, Config{Usage: rec})

	ctx := usage.WithAttribution(context.Background(), usage.Attribution{RunID: "run-1", SessionID: "sess-1", Source: "web"})
	if _, _, err := e.Chat(ctx, userMessages("hi"), nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	if len(rec.recs) != 2 {
		t.Fatalf("records = %d, want 2", len(rec.recs))
	}
	first := rec.recs[0]
	if first.RunID != "run-1" || first.SessionID != "sess-1" || first.Source != "web" {
		t.Errorf("attribution = %+v", first)
	}
	if first.Iteration != 1 || first.InputTokens != 5 || first.Provider != "test" || first.Model != "test-model" {
		t.Errorf("record = %+v", first)
	}
	if rec.recs[1].Iteration != 2 || rec.recs[1].OutputTokens != 2 {
		t.Errorf("second record = %+v", rec.recs[1])
	}
}

func TestChat_PublishesBusEvents(t *testing.T) {
	bus := events.New()
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	client := &mockLLM{respond: script(
		toolResp(call("c1", dice.ToolName, `{"expression":"1d6"}`)),
		finalResp("done"),
	)}
	e := newTestEngine(client, Config{Bus: bus})
	if _, _, err := e.Chat(context.Background(), userMessages("hi"), nil); err != nil {
		t.Fatalf("Chat: %v", err)
	}

	var kinds []string
	for len(ch) > 0 {
		kinds = append(kinds, (<-ch).Kind)
	}
	want := []string{
		events.KindLLMCall, events.KindLLMResponse,
		events.KindToolCall, events.KindToolDone,
		events.KindLLMCall, events.KindLLMResponse,
	}
	if !slices.Equal(kinds, want) {
		t.Errorf("bus kinds = %v, want %v", kinds, want)
	}
}
