package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync/atomic"

	"github.com/AliyahZombie/Plotrix/internal/buildinfo"
)

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// Schema returns the tool's input schema as a JSON object. A missing or
// non-object schema yields an empty object schema.
func (d ToolDefinition) Schema() map[string]any {
	var m map[string]any
	if len(d.InputSchema) > 0 && json.Unmarshal(d.InputSchema, &m) == nil && m != nil {
		return m
	}
	return map[string]any{"type": "object", "properties": map[string]any{}}
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// ToolResult is the outcome of a successful tools/call exchange.
type ToolResult struct {
	// Text is the joined text content, or the JSON-encoded result when
	// the result has no text parts. Never empty.
	Text string `json:"text"`

	// Raw is the result object exactly as the server sent it.
	Raw json.RawMessage `json:"raw,omitempty"`

	// IsError mirrors the MCP isError flag: the tool ran and failed.
	IsError bool `json:"is_error,omitempty"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the initialize response result.
type InitializeResult struct {
	ProtocolVersion string          `json:"protocolVersion"`
	ServerInfo      serverInfo      `json:"serverInfo"`
	Capabilities    json.RawMessage `json:"capabilities,omitempty"`
}

// Client speaks the MCP protocol operations (initialize, tools/list,
// tools/call) to one server over any [Transport].
type Client struct {
	name            string
	protocolVersion string
	transport       Transport
	logger          *slog.Logger
	nextID          atomic.Int64
}

// NewClient creates an MCP client for the given server.
func NewClient(name, protocolVersion string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:            name,
		protocolVersion: protocolVersion,
		transport:       transport,
		logger:          logger.With("mcp_server", name, "transport", transport.Kind()),
	}
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// TransportKind names the wire strategy in use.
func (c *Client) TransportKind() string {
	return c.transport.Kind()
}

// Initialize sends the initialize request. The initialized notification
// that completes the handshake is sent by [Client.NotifyInitialized].
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	params := map[string]any{
		"protocolVersion": c.protocolVersion,
		"capabilities":    map[string]any{"tools": map[string]any{}},
		"clientInfo": map[string]any{
			"name":    buildinfo.Name,
			"version": buildinfo.Version,
		},
	}

	raw, err := c.call(ctx, "initialize", params)
	if err != nil {
		return nil, fmt.Errorf("initialize: %w", err)
	}

	var result InitializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, fmt.Errorf("%w: initialize result: %v", ErrInvalidResponse, err)
	}

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)
	return &result, nil
}

// NotifyInitialized sends notifications/initialized. Failures are logged
// and swallowed; servers that reject it still serve tools.
func (c *Client) NotifyInitialized(ctx context.Context) {
	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", map[string]any{})); err != nil {
		c.logger.Debug("initialized notification failed", "error", err)
	}
}

// ListTools calls tools/list. A result without a tools array is an error.
// Entries without a name are skipped.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	raw, err := c.call(ctx, "tools/list", map[string]any{})
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result struct {
		Tools json.RawMessage `json:"tools"`
	}
	if err := json.Unmarshal(raw, &result); err != nil || !isJSONArray(result.Tools) {
		return nil, errors.New("tools/list returned no tools")
	}

	var entries []json.RawMessage
	if err := json.Unmarshal(result.Tools, &entries); err != nil {
		return nil, fmt.Errorf("%w: tools/list: %v", ErrInvalidResponse, err)
	}

	tools := make([]ToolDefinition, 0, len(entries))
	for _, e := range entries {
		var d ToolDefinition
		if err := json.Unmarshal(e, &d); err != nil || d.Name == "" {
			continue
		}
		tools = append(tools, d)
	}

	c.logger.Info("discovered MCP tools", "count", len(tools))
	return tools, nil
}

// CallTool invokes a tool by its server-side name.
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (*ToolResult, error) {
	if args == nil {
		args = map[string]any{}
	}
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	raw, err := c.call(ctx, "tools/call", params)
	if err != nil {
		return nil, fmt.Errorf("tools/call %s: %w", name, err)
	}
	return parseToolResult(raw), nil
}

// Ping checks whether the server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, "ping", nil)
	return err
}

// Close shuts down the client and its transport.
func (c *Client) Close() error {
	c.logger.Debug("closing MCP client")
	return c.transport.Close()
}

// call issues a JSON-RPC request and validates the reply: the id must
// match and error objects are returned as *RPCError.
func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	id := c.nextID.Add(1)
	resp, err := c.transport.Send(ctx, NewRequest(id, method, params))
	if err != nil {
		return nil, err
	}
	if err := checkResponse(resp, id); err != nil {
		return nil, err
	}
	return resp.Result, nil
}

// parseToolResult joins the text parts of a tools/call result. Results
// that are not objects or carry no text fall back to their JSON form.
func parseToolResult(raw json.RawMessage) *ToolResult {
	out := &ToolResult{Raw: raw}

	var result callToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		out.Text = string(raw)
		return out
	}
	out.IsError = result.IsError

	var parts []string
	for _, b := range result.Content {
		if b.Type == "text" {
			parts = append(parts, b.Text)
		}
	}
	out.Text = strings.TrimSpace(strings.Join(parts, "\n"))
	if out.Text == "" {
		out.Text = string(raw)
	}
	return out
}

func isJSONArray(raw json.RawMessage) bool {
	return bytes.HasPrefix(bytes.TrimSpace(raw), []byte("["))
}
