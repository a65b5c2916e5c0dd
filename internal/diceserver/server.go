// Package diceserver exposes the dice roller as an MCP server built on
// the official Go SDK. It backs the plotrix-dice-mcp binary and serves as
// a real MCP peer in tests.
package diceserver

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	mcpsdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/AliyahZombie/Plotrix/internal/buildinfo"
	"github.com/AliyahZombie/Plotrix/internal/dice"
)

// RollInput is the roll_dice tool input.
type RollInput struct {
	Expression string `json:"expression" jsonschema:"dice expression such as 2d6+1, 4d6kh3 or d%"`
	Seed       *int64 `json:"seed,omitempty" jsonschema:"optional seed for a reproducible roll"`
}

// New builds an MCP server with the roll_dice tool registered.
func New(logger *slog.Logger) *mcpsdk.Server {
	if logger == nil {
		logger = slog.Default()
	}
	server := mcpsdk.NewServer(&mcpsdk.Implementation{
		Name:    buildinfo.Name + "-dice",
		Version: buildinfo.Version,
	}, nil)

	mcpsdk.AddTool(server, &mcpsdk.Tool{
		Name:        dice.ToolName,
		Description: dice.ToolDescription,
	}, rollHandler(logger))
	return server
}

func rollHandler(logger *slog.Logger) mcpsdk.ToolHandlerFor[RollInput, any] {
	return func(ctx context.Context, _ *mcpsdk.CallToolRequest, in RollInput) (*mcpsdk.CallToolResult, any, error) {
		res, err := dice.Roll(in.Expression, in.Seed)
		if err != nil {
			logger.Debug("roll rejected", "expression", in.Expression, "error", err)
			body, _ := json.Marshal(map[string]any{"error": err.Error(), "expression": in.Expression})
			return &mcpsdk.CallToolResult{
				IsError: true,
				Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(body)}},
			}, nil, nil
		}

		body, err := json.Marshal(res)
		if err != nil {
			return nil, nil, err
		}
		logger.Debug("rolled", "expression", res.Expr, "total", res.Total)
		return &mcpsdk.CallToolResult{
			Content: []mcpsdk.Content{&mcpsdk.TextContent{Text: string(body)}},
		}, nil, nil
	}
}

// Handler serves server over streamable HTTP.
func Handler(server *mcpsdk.Server) http.Handler {
	return mcpsdk.NewStreamableHTTPHandler(func(*http.Request) *mcpsdk.Server {
		return server
	}, nil)
}

// ServeStdio runs server over stdin/stdout until ctx is done or the
// client disconnects.
func ServeStdio(ctx context.Context, server *mcpsdk.Server) error {
	return server.Run(ctx, &mcpsdk.StdioTransport{})
}
