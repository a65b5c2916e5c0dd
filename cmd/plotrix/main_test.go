package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/diceserver"
	"github.com/AliyahZombie/Plotrix/internal/mcp"
)

func runCmd(t *testing.T, stdin string, args ...string) (string, string, error) {
	t.Helper()
	var stdout, stderr bytes.Buffer
	err := run(context.Background(), strings.NewReader(stdin), &stdout, &stderr, args)
	return stdout.String(), stderr.String(), err
}

// fakeCompletions serves /v1/chat/completions. A user turn mentioning
// "roll" gets a roll_dice call; a tool reply is echoed back; anything
// else is echoed as "echo: <text>".
func fakeCompletions(t *testing.T) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req struct {
			Messages []struct {
				Role    string `json:"role"`
				Content string `json:"content"`
			} `json:"messages"`
		}
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, err.Error(), http.StatusBadRequest)
			return
		}
		last := req.Messages[len(req.Messages)-1]
		w.Header().Set("Content-Type", "application/json")
		switch {
		case last.Role == "tool":
			writeCompletion(w, map[string]any{"content": "rolled " + last.Content})
		case strings.Contains(last.Content, "roll"):
			writeCompletion(w, map[string]any{
				"content": nil,
				"tool_calls": []map[string]any{{
					"id":   "call_1",
					"type": "function",
					"function": map[string]any{
						"name":      "roll_dice",
						"arguments": `{"expression":"1d1+2"}`,
					},
				}},
			})
		default:
			writeCompletion(w, map[string]any{"content": fmt.Sprintf("echo: %s (%d msgs)", last.Content, len(req.Messages))})
		}
	}))
	t.Cleanup(srv.Close)
	return srv
}

func writeCompletion(w http.ResponseWriter, msg map[string]any) {
	msg["role"] = "assistant"
	_ = json.NewEncoder(w).Encode(map[string]any{
		"model":   "gpt-test",
		"choices": []map[string]any{{"message": msg, "finish_reason": "stop"}},
		"usage":   map[string]int{"prompt_tokens": 1, "completion_tokens": 1, "total_tokens": 2},
	})
}

// writeConfig writes a config pointing at baseURL and returns its path.
func writeConfig(t *testing.T, baseURL string, mutate func(*config.Config)) string {
	t.Helper()
	t.Setenv("OPENAI_API_KEY", "")
	t.Setenv("PLOTRIX_API_KEY", "")

	cfg := config.Default()
	name, p := cfg.Provider()
	p.BaseURL = baseURL
	p.Model = "gpt-test"
	cfg.Providers[name] = p
	cfg.Chat.Stream = false
	if mutate != nil {
		mutate(cfg)
	}
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := config.Save(path, cfg); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestRun_Usage(t *testing.T) {
	for _, args := range [][]string{nil, {"-h"}, {"--help"}} {
		out, _, err := runCmd(t, "", args...)
		if err != nil {
			t.Fatalf("run(%v): %v", args, err)
		}
		if !strings.Contains(out, "Usage: plotrix") {
			t.Errorf("run(%v) output missing usage:\n%s", args, out)
		}
	}
}

func TestRun_Errors(t *testing.T) {
	tests := []struct {
		args []string
		want string
	}{
		{args: []string{"frobnicate"}, want: "unknown command"},
		{args: []string{"-bogus", "version"}, want: "unknown flag"},
		{args: []string{"-o", "xml", "version"}, want: "unknown output format"},
		{args: []string{"ask"}, want: "usage: plotrix ask"},
		{args: []string{"roll"}, want: "usage: plotrix roll"},
		{args: []string{"roll", "-seed", "x", "d6"}, want: "seed must be int"},
		{args: []string{"mcp"}, want: "usage: plotrix mcp"},
		{args: []string{"mcp", "dance"}, want: "unknown mcp command"},
		{args: []string{"-config", "/nonexistent/plotrix.yaml", "ask", "hi"}, want: "config file not found"},
	}
	for _, tt := range tests {
		t.Run(strings.Join(tt.args, " "), func(t *testing.T) {
			_, _, err := runCmd(t, "", tt.args...)
			if err == nil || !strings.Contains(err.Error(), tt.want) {
				t.Errorf("err = %v, want containing %q", err, tt.want)
			}
		})
	}
}

func TestRun_Version(t *testing.T) {
	out, _, err := runCmd(t, "", "version")
	if err != nil {
		t.Fatal(err)
	}
	if !strings.Contains(out, "go_version:") {
		t.Errorf("text output:\n%s", out)
	}

	out, _, err = runCmd(t, "", "-o", "json", "version")
	if err != nil {
		t.Fatal(err)
	}
	var info map[string]string
	if err := json.Unmarshal([]byte(out), &info); err != nil {
		t.Fatalf("json output: %v\n%s", err, out)
	}
	if info["name"] != "plotrix" {
		t.Errorf("name = %q", info["name"])
	}
}

func TestRun_Roll(t *testing.T) {
	a, _, err := runCmd(t, "", "roll", "-seed", "7", "4d6kh3")
	if err != nil {
		t.Fatal(err)
	}
	b, _, err := runCmd(t, "", "roll", "-seed=7", "4d6", "kh3")
	if err != nil {
		t.Fatal(err)
	}
	if a != b {
		t.Errorf("seeded rolls differ:\n%s\n%s", a, b)
	}
	if !strings.HasPrefix(a, "4d6kh3 => ") {
		t.Errorf("output = %q", a)
	}

	out, _, err := runCmd(t, "", "-o", "json", "roll", "2d1+1")
	if err != nil {
		t.Fatal(err)
	}
	var res struct {
		Total int `json:"total"`
	}
	if err := json.Unmarshal([]byte(out), &res); err != nil || res.Total != 3 {
		t.Errorf("json roll = %q (%v)", out, err)
	}

	if _, _, err := runCmd(t, "", "roll", "2d"); err == nil {
		t.Error("expected a syntax error")
	}
}

func TestRun_Ask(t *testing.T) {
	srv := fakeCompletions(t)
	path := writeConfig(t, srv.URL, nil)

	out, _, err := runCmd(t, "", "-config", path, "ask", "hello", "there")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if got := strings.TrimSpace(out); got != "echo: hello there (2 msgs)" {
		t.Errorf("answer = %q", got)
	}
}

func TestRun_AskUsesDiceTool(t *testing.T) {
	srv := fakeCompletions(t)
	dbPath := filepath.Join(t.TempDir(), "usage.db")
	path := writeConfig(t, srv.URL, func(c *config.Config) { c.Usage.DBPath = dbPath })

	out, stderr, err := runCmd(t, "", "-config", path, "ask", "roll", "for", "initiative")
	if err != nil {
		t.Fatalf("ask: %v", err)
	}
	if !strings.Contains(out, `"total":3`) {
		t.Errorf("answer = %q", out)
	}
	if !strings.Contains(stderr, "[tool] roll_dice") {
		t.Errorf("stderr missing tool trace:\n%s", stderr)
	}
	if _, err := os.Stat(dbPath); err != nil {
		t.Errorf("usage ledger not created: %v", err)
	}
}

func TestRun_Chat(t *testing.T) {
	srv := fakeCompletions(t)
	path := writeConfig(t, srv.URL, nil)

	stdin := "first\nsecond\n/reset\nthird\n/quit\nnever\n"
	out, _, err := runCmd(t, stdin, "-config", path, "chat")
	if err != nil {
		t.Fatalf("chat: %v", err)
	}
	// History grows by two per turn and starts over after /reset.
	for _, want := range []string{"echo: first (2 msgs)", "echo: second (4 msgs)", "(conversation reset)", "echo: third (2 msgs)"} {
		if !strings.Contains(out, want) {
			t.Errorf("output missing %q:\n%s", want, out)
		}
	}
	if strings.Contains(out, "never") {
		t.Error("input after /quit was processed")
	}
}

func TestRun_ChatEOF(t *testing.T) {
	srv := fakeCompletions(t)
	path := writeConfig(t, srv.URL, nil)
	if _, _, err := runCmd(t, "only\n", "-config", path, "chat"); err != nil {
		t.Fatalf("chat: %v", err)
	}
}

func TestRun_MCP(t *testing.T) {
	dice := httptest.NewServer(diceserver.Handler(diceserver.New(nil)))
	defer dice.Close()

	path := writeConfig(t, "http://127.0.0.1:1", func(c *config.Config) {
		c.MCP.Servers = map[string]config.MCPServerConfig{
			"dice": {
				URL:             dice.URL,
				Transport:       config.TransportStreamableHTTP,
				ProtocolVersion: config.DefaultProtocolVersion,
				TimeoutSec:      5,
				Enabled:         true,
			},
		}
	})

	out, _, err := runCmd(t, "", "-config", path, "mcp", "tools")
	if err != nil {
		t.Fatalf("mcp tools: %v", err)
	}
	if !strings.Contains(out, "mcp__dice__roll_dice") {
		t.Errorf("tools output:\n%s", out)
	}

	out, _, err = runCmd(t, "", "-config", path, "-o", "json", "mcp", "status", "dice")
	if err != nil {
		t.Fatalf("mcp status: %v", err)
	}
	var status map[string]mcp.ServerStatus
	if err := json.Unmarshal([]byte(out), &status); err != nil {
		t.Fatalf("status json: %v\n%s", err, out)
	}
	if st := status["dice"]; !st.Initialized || st.ToolCount == nil || *st.ToolCount != 1 {
		t.Errorf("status = %+v", st)
	}

	if _, _, err := runCmd(t, "", "-config", path, "mcp", "sync", "ghost"); err == nil {
		t.Error("sync of an unknown server should fail")
	}
}

func TestRun_MCPNoServers(t *testing.T) {
	path := writeConfig(t, "http://127.0.0.1:1", nil)
	_, _, err := runCmd(t, "", "-config", path, "mcp", "status")
	if err == nil || !strings.Contains(err.Error(), "no MCP servers") {
		t.Errorf("err = %v", err)
	}
}
