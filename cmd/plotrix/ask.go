package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"strings"

	"github.com/google/uuid"

	"github.com/AliyahZombie/Plotrix/internal/chat"
	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/llm"
	"github.com/AliyahZombie/Plotrix/internal/mcp"
	"github.com/AliyahZombie/Plotrix/internal/usage"
)

const cliSource = "cli"

// cliSession bundles what a terminal conversation needs: the engine,
// plus whatever has to be closed afterwards.
type cliSession struct {
	cfg    *config.Config
	engine *chat.Engine
	mgr    *mcp.Manager
	usage  *usage.Store
}

func (c *cliSession) Close() {
	if c.mgr != nil {
		_ = c.mgr.Close()
	}
	if c.usage != nil {
		_ = c.usage.Close()
	}
}

// newCLISession wires an engine the same way the server does, logging
// to stderr so stdout carries only the conversation.
func newCLISession(stderr io.Writer, opts options) (*cliSession, *slog.Logger, error) {
	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return nil, nil, err
	}
	if opts.logLevel == "" && cfg.LogLevel == "" {
		opts.logLevel = "warn"
	}
	logger, err := newLogger(stderr, cfg, opts)
	if err != nil {
		return nil, nil, err
	}

	provider, p := cfg.Provider()
	ecfg := chat.Config{Provider: provider, Model: p.Model, Chat: cfg.Chat}

	sess := &cliSession{cfg: cfg}
	if len(cfg.MCP.Servers) > 0 {
		sess.mgr = mcp.NewManager(cfg.MCP, logger)
		ecfg.Tools = sess.mgr
	}
	store, err := openUsage(cfg, logger)
	if err != nil {
		sess.Close()
		return nil, nil, err
	}
	if store != nil {
		sess.usage = store
		ecfg.Usage = store
	}

	client := llm.NewOpenAIClient(provider, p, logger)
	sess.engine = chat.NewEngine(logger, client, ecfg)
	return sess, logger, nil
}

// initialHistory seeds a conversation with the configured system prompt.
func initialHistory(cfg *config.Config) []llm.Message {
	if strings.TrimSpace(cfg.Chat.SystemPrompt) == "" {
		return nil
	}
	return []llm.Message{llm.TextMessage(llm.RoleSystem, cfg.Chat.SystemPrompt)}
}

// terminalHooks prints streamed text to stdout and tool activity to
// stderr. streamed reports whether any content reached stdout this turn.
func terminalHooks(stdout, stderr io.Writer, stream bool, streamed *bool) *chat.Hooks {
	hooks := &chat.Hooks{
		OnEvent: func(ev chat.Event) {
			switch ev.Type {
			case chat.EventAssistantToolCalls:
				for _, tc := range ev.ToolCalls {
					fmt.Fprintf(stderr, "[tool] %s %s\n", tc.Function.Name, tc.Function.Arguments)
				}
			case chat.EventToolResult:
				fmt.Fprintf(stderr, "[result] %s\n", ev.Content)
			case chat.EventTransportError:
				fmt.Fprintf(stderr, "[warn] %s\n", ev.Error)
			}
		},
	}
	if stream {
		hooks.OnStream = func(ev llm.StreamEvent) {
			if ev.Kind == llm.KindContent && ev.Content != "" {
				*streamed = true
				fmt.Fprint(stdout, ev.Content)
			}
		}
	}
	return hooks
}

// runAsk answers a single question and exits.
func runAsk(ctx context.Context, stdout, stderr io.Writer, opts options, question string) error {
	sess, _, err := newCLISession(stderr, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	ctx = usage.WithAttribution(ctx, usage.Attribution{
		RunID:     uuid.NewString(),
		SessionID: "ask",
		Source:    cliSource,
	})

	history := append(initialHistory(sess.cfg), llm.TextMessage(llm.RoleUser, question))
	var streamed bool
	answer, _, err := sess.engine.Chat(ctx, history, terminalHooks(stdout, stderr, sess.cfg.Chat.Stream, &streamed))
	if err != nil {
		return fmt.Errorf("ask: %w", err)
	}
	printAnswer(stdout, answer, streamed)
	return nil
}

// runChat runs a line-oriented conversation on stdin. "/reset" starts
// over; "/quit" or EOF ends the session. A failed turn leaves history
// as it was before the turn.
func runChat(ctx context.Context, stdin io.Reader, stdout, stderr io.Writer, opts options) error {
	sess, _, err := newCLISession(stderr, opts)
	if err != nil {
		return err
	}
	defer sess.Close()

	sessionID := uuid.NewString()
	history := initialHistory(sess.cfg)
	scanner := bufio.NewScanner(stdin)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)

	fmt.Fprintln(stdout, "Plotrix chat. /reset clears the conversation, /quit exits.")
	for {
		fmt.Fprint(stdout, "> ")
		if !scanner.Scan() {
			fmt.Fprintln(stdout)
			return scanner.Err()
		}
		line := strings.TrimSpace(scanner.Text())
		switch line {
		case "":
			continue
		case "/quit", "/exit":
			return nil
		case "/reset":
			history = initialHistory(sess.cfg)
			fmt.Fprintln(stdout, "(conversation reset)")
			continue
		}

		turnCtx := usage.WithAttribution(ctx, usage.Attribution{
			RunID:     uuid.NewString(),
			SessionID: sessionID,
			Source:    cliSource,
		})
		next := append(append([]llm.Message(nil), history...), llm.TextMessage(llm.RoleUser, line))

		var streamed bool
		answer, updated, err := sess.engine.Chat(turnCtx, next, terminalHooks(stdout, stderr, sess.cfg.Chat.Stream, &streamed))
		if err != nil {
			if errors.Is(err, chat.ErrCancelled) {
				return nil
			}
			fmt.Fprintf(stderr, "error: %v\n", err)
			continue
		}
		history = updated
		printAnswer(stdout, answer, streamed)
	}
}

func printAnswer(w io.Writer, answer string, streamed bool) {
	if streamed {
		fmt.Fprintln(w)
		return
	}
	fmt.Fprintln(w, answer)
}
