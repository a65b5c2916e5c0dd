package session

import (
	"context"
	"errors"
	"fmt"
	"io"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/AliyahZombie/Plotrix/internal/chat"
	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/events"
	"github.com/AliyahZombie/Plotrix/internal/llm"
	"github.com/AliyahZombie/Plotrix/internal/usage"
)

type chatFunc func(ctx context.Context, messages []llm.Message, hooks *chat.Hooks) (string, []llm.Message, error)

func (f chatFunc) Chat(ctx context.Context, messages []llm.Message, hooks *chat.Hooks) (string, []llm.Message, error) {
	return f(ctx, messages, hooks)
}

// echoChatter answers every conversation with "echo: <last user text>".
var echoChatter = chatFunc(func(_ context.Context, messages []llm.Message, hooks *chat.Hooks) (string, []llm.Message, error) {
	reply := "echo: " + messages[len(messages)-1].Text()
	hooks.OnStream(llm.StreamEvent{Kind: llm.KindContent, Content: reply})
	hooks.OnEvent(chat.Event{Type: chat.EventAssistantFinal, Content: reply})
	return reply, append(slices.Clone(messages), llm.TextMessage(llm.RoleAssistant, reply)), nil
})

func drain(t *testing.T, run *Run) []RunEvent {
	t.Helper()
	var out []RunEvent
	for {
		ev, err := run.Events.Next(context.Background(), 5*time.Second)
		if errors.Is(err, io.EOF) {
			return out
		}
		if err != nil {
			t.Fatalf("Next: %v", err)
		}
		out = append(out, ev)
	}
}

func types(evs []RunEvent) []string {
	out := make([]string, len(evs))
	for i, ev := range evs {
		out[i] = ev.Type
	}
	return out
}

func TestCreate(t *testing.T) {
	s := NewStore(nil, nil)

	tests := []struct {
		name   string
		prompt string
		want   int
	}{
		{name: "with system prompt", prompt: "You are a GM.", want: 1},
		{name: "blank prompt", prompt: "   ", want: 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sess := s.Create(tt.prompt)
			if len(sess.ID) != 32 || strings.Contains(sess.ID, "-") {
				t.Errorf("ID = %q, want 32 hex chars", sess.ID)
			}
			if sess.Title != "Session "+sess.ID[:6] {
				t.Errorf("Title = %q", sess.Title)
			}
			if len(sess.Messages) != tt.want {
				t.Fatalf("messages = %d, want %d", len(sess.Messages), tt.want)
			}
			if tt.want == 1 && (sess.Messages[0].Role != llm.RoleSystem || sess.Messages[0].Text() != tt.prompt) {
				t.Errorf("system message = %+v", sess.Messages[0])
			}
		})
	}
}

func TestGet_ReturnsCopy(t *testing.T) {
	s := NewStore(nil, nil)
	sess := s.Create("sys")

	got, err := s.Get(sess.ID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	got.Messages = append(got.Messages, llm.TextMessage(llm.RoleUser, "sneaky"))

	again, _ := s.Get(sess.ID)
	if len(again.Messages) != 1 {
		t.Errorf("store was mutated through a snapshot: %d messages", len(again.Messages))
	}

	if _, err := s.Get("missing"); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestList_SortedByUpdated(t *testing.T) {
	s := NewStore(nil, nil)
	base := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	tick := 0
	s.now = func() time.Time {
		tick++
		return base.Add(time.Duration(tick) * time.Minute)
	}

	a := s.Create("sys")
	b := s.Create("")
	c := s.Create("sys")
	if _, err := s.Reset(a.ID, "sys"); err != nil {
		t.Fatal(err)
	}

	list := s.List()
	var ids []string
	for _, sum := range list {
		ids = append(ids, sum.ID)
	}
	if want := []string{a.ID, c.ID, b.ID}; !slices.Equal(ids, want) {
		t.Errorf("order = %v, want %v", ids, want)
	}
	if list[2].MessageCount != 0 || list[0].MessageCount != 1 {
		t.Errorf("message counts = %d, %d", list[0].MessageCount, list[2].MessageCount)
	}
}

func TestReset(t *testing.T) {
	s := NewStore(nil, nil)
	sess := s.Create("old prompt")
	run, err := s.StartChatRun(context.Background(), sess.ID, "hello", echoChatter)
	if err != nil {
		t.Fatal(err)
	}
	drain(t, run)

	got, err := s.Reset(sess.ID, "new prompt")
	if err != nil {
		t.Fatalf("Reset: %v", err)
	}
	if len(got.Messages) != 1 || got.Messages[0].Text() != "new prompt" {
		t.Errorf("messages = %+v", got.Messages)
	}
	if _, err := s.Reset("missing", ""); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v", err)
	}
}

func TestRenameAndDelete(t *testing.T) {
	s := NewStore(nil, nil)
	sess := s.Create("")

	got, err := s.Rename(sess.ID, "  Dragon Heist ")
	if err != nil {
		t.Fatalf("Rename: %v", err)
	}
	if got.Title != "Dragon Heist" {
		t.Errorf("Title = %q", got.Title)
	}
	if _, err := s.Rename(sess.ID, " "); err == nil {
		t.Error("expected error for blank title")
	}

	if err := s.Delete(sess.ID); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if _, err := s.Get(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get after delete: %v", err)
	}
	if err := s.Delete(sess.ID); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Delete: %v", err)
	}
}

func TestStartChatRun_Success(t *testing.T) {
	bus := events.New()
	busCh := bus.Subscribe(16)
	defer bus.Unsubscribe(busCh)

	s := NewStore(nil, bus)
	sess := s.Create("sys")

	run, err := s.StartChatRun(context.Background(), sess.ID, "roll for me", echoChatter)
	if err != nil {
		t.Fatalf("StartChatRun: %v", err)
	}
	evs := drain(t, run)

	if want := []string{RunEventStream, RunEventEvent, RunEventDone}; !slices.Equal(types(evs), want) {
		t.Fatalf("events = %v, want %v", types(evs), want)
	}
	if evs[2].Assistant != "echo: roll for me" {
		t.Errorf("assistant = %q", evs[2].Assistant)
	}
	if _, ok := evs[0].Event.(llm.StreamEvent); !ok {
		t.Errorf("stream payload = %T", evs[0].Event)
	}
	if _, ok := evs[1].Event.(chat.Event); !ok {
		t.Errorf("event payload = %T", evs[1].Event)
	}

	<-run.Done()
	if status, _ := run.Status(); status != StatusDone {
		t.Errorf("status = %q", status)
	}

	got, _ := s.Get(sess.ID)
	if len(got.Messages) != 3 {
		t.Fatalf("messages = %d, want 3", len(got.Messages))
	}
	if got.Messages[1].Role != llm.RoleUser || got.Messages[2].Text() != "echo: roll for me" {
		t.Errorf("messages = %+v", got.Messages)
	}

	var kinds []string
	for len(busCh) > 0 {
		kinds = append(kinds, (<-busCh).Kind)
	}
	if want := []string{events.KindRunStart, events.KindRunComplete}; !slices.Equal(kinds, want) {
		t.Errorf("bus kinds = %v, want %v", kinds, want)
	}
}

func TestStartChatRun_Error(t *testing.T) {
	s := NewStore(nil, nil)
	sess := s.Create("sys")

	failing := chatFunc(func(context.Context, []llm.Message, *chat.Hooks) (string, []llm.Message, error) {
		return "", nil, fmt.Errorf("%w after 8 iterations", chat.ErrDidNotConverge)
	})
	run, err := s.StartChatRun(context.Background(), sess.ID, "hi", failing)
	if err != nil {
		t.Fatal(err)
	}
	evs := drain(t, run)
	if want := []string{RunEventError}; !slices.Equal(types(evs), want) {
		t.Fatalf("events = %v, want %v", types(evs), want)
	}
	if !strings.Contains(evs[0].Error, "did not converge") {
		t.Errorf("error = %q", evs[0].Error)
	}
	<-run.Done()
	status, errText := run.Status()
	if status != StatusError || errText == "" {
		t.Errorf("status = %q, %q", status, errText)
	}

	// The user message stays; no assistant reply was added.
	got, _ := s.Get(sess.ID)
	if len(got.Messages) != 2 || got.Messages[1].Text() != "hi" {
		t.Errorf("messages = %+v", got.Messages)
	}
}

func TestCancelRun(t *testing.T) {
	s := NewStore(nil, nil)
	sess := s.Create("")

	started := make(chan struct{})
	blocking := chatFunc(func(ctx context.Context, _ []llm.Message, _ *chat.Hooks) (string, []llm.Message, error) {
		close(started)
		<-ctx.Done()
		return "", nil, fmt.Errorf("%w: %w", chat.ErrCancelled, ctx.Err())
	})
	run, err := s.StartChatRun(context.Background(), sess.ID, "wait", blocking)
	if err != nil {
		t.Fatal(err)
	}
	<-started

	if err := s.CancelRun(run.ID); err != nil {
		t.Fatalf("CancelRun: %v", err)
	}
	evs := drain(t, run)
	if want := []string{RunEventCancelRequested, RunEventCancelled}; !slices.Equal(types(evs), want) {
		t.Errorf("events = %v, want %v", types(evs), want)
	}
	<-run.Done()
	if status, _ := run.Status(); status != StatusCancelled {
		t.Errorf("status = %q", status)
	}

	if err := s.CancelRun("missing"); !errors.Is(err, ErrRunNotFound) {
		t.Errorf("err = %v, want ErrRunNotFound", err)
	}
}

func TestStartChatRun_OnePerSession(t *testing.T) {
	s := NewStore(nil, nil)
	sess := s.Create("")

	release := make(chan struct{})
	slow := chatFunc(func(_ context.Context, m []llm.Message, _ *chat.Hooks) (string, []llm.Message, error) {
		<-release
		return "ok", m, nil
	})
	run, err := s.StartChatRun(context.Background(), sess.ID, "first", slow)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := s.StartChatRun(context.Background(), sess.ID, "second", slow); !errors.Is(err, ErrSessionBusy) {
		t.Errorf("err = %v, want ErrSessionBusy", err)
	}
	close(release)
	drain(t, run)
	<-run.Done()

	next, err := s.StartChatRun(context.Background(), sess.ID, "third", echoChatter)
	if err != nil {
		t.Fatalf("run after completion: %v", err)
	}
	drain(t, next)

	if _, err := s.StartChatRun(context.Background(), "missing", "x", echoChatter); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("err = %v, want ErrSessionNotFound", err)
	}
}

func TestStartChatRun_OutlivesRequestContext(t *testing.T) {
	s := NewStore(nil, nil)
	sess := s.Create("")

	var gotAttr usage.Attribution
	ctx, cancel := context.WithCancel(context.Background())
	release := make(chan struct{})
	chatter := chatFunc(func(ctx context.Context, m []llm.Message, _ *chat.Hooks) (string, []llm.Message, error) {
		<-release
		gotAttr = usage.AttributionFrom(ctx)
		if err := ctx.Err(); err != nil {
			return "", nil, err
		}
		return "ok", m, nil
	})

	run, err := s.StartChatRun(ctx, sess.ID, "hi", chatter)
	if err != nil {
		t.Fatal(err)
	}
	cancel() // the HTTP request that started the run is gone
	close(release)

	evs := drain(t, run)
	if want := []string{RunEventDone}; !slices.Equal(types(evs), want) {
		t.Fatalf("events = %v, want %v", types(evs), want)
	}
	if gotAttr.RunID != run.ID || gotAttr.SessionID != sess.ID || gotAttr.Source != "web" {
		t.Errorf("attribution = %+v", gotAttr)
	}
}

func TestShutdown(t *testing.T) {
	s := NewStore(nil, nil)
	sess := s.Create("")

	blocking := chatFunc(func(ctx context.Context, _ []llm.Message, _ *chat.Hooks) (string, []llm.Message, error) {
		<-ctx.Done()
		return "", nil, fmt.Errorf("%w: %w", chat.ErrCancelled, ctx.Err())
	})
	run, err := s.StartChatRun(context.Background(), sess.ID, "hi", blocking)
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	select {
	case <-run.Done():
	default:
		t.Error("run still active after Shutdown")
	}
}

func TestMCPCache(t *testing.T) {
	c := NewMCPCache(nil)
	defer c.Close()

	cfgA := config.MCPConfig{Servers: map[string]config.MCPServerConfig{
		"dice": {URL: "http://127.0.0.1:1/mcp", Transport: config.TransportAuto},
	}}
	cfgB := config.MCPConfig{Servers: map[string]config.MCPServerConfig{
		"dice": {URL: "http://127.0.0.1:2/mcp", Transport: config.TransportAuto},
	}}

	first := c.Get(cfgA)
	if again := c.Get(cfgA); again != first {
		t.Error("same config should reuse the manager")
	}
	if changed := c.Get(cfgB); changed == first {
		t.Error("changed config should rebuild the manager")
	}
	if err := c.Close(); err != nil {
		t.Errorf("Close: %v", err)
	}
}
