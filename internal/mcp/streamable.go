package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"

	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/httpkit"
)

// maxResponseBytes caps a single JSON-RPC response body.
const maxResponseBytes = 10 << 20

// StreamableTransport communicates with an MCP server over streamable
// HTTP. Each JSON-RPC request is one POST; the reply is either a JSON
// body or an event stream carrying the response.
type StreamableTransport struct {
	url             string
	protocolVersion string
	httpClient      *http.Client
	logger          *slog.Logger

	mu        sync.RWMutex
	sessionID string
}

// NewStreamableTransport creates a streamable HTTP transport. No network
// traffic happens until the first Send.
func NewStreamableTransport(cfg TransportConfig) *StreamableTransport {
	return &StreamableTransport{
		url:             cfg.URL,
		protocolVersion: cfg.ProtocolVersion,
		httpClient:      cfg.httpClient(cfg.Timeout),
		logger:          cfg.logger(),
	}
}

// Kind reports [KindStreamableHTTP].
func (t *StreamableTransport) Kind() string { return KindStreamableHTTP }

// SessionID returns the session identifier captured from the server, if any.
func (t *StreamableTransport) SessionID() string {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.sessionID
}

// Send POSTs req and returns the first JSON-RPC response in the reply.
func (t *StreamableTransport) Send(ctx context.Context, req *Request) (*Response, error) {
	httpResp, err := t.post(ctx, req)
	if err != nil {
		return nil, err
	}
	defer httpkit.DrainAndClose(httpResp.Body, 1<<20)

	mediaType, _, _ := mime.ParseMediaType(httpResp.Header.Get("Content-Type"))
	if mediaType == "text/event-stream" {
		return t.readStream(httpResp.Body)
	}

	body, err := io.ReadAll(io.LimitReader(httpResp.Body, maxResponseBytes))
	if err != nil {
		return nil, fmt.Errorf("read response body: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "mcp response", "method", req.Method, "body", string(body))
	return decodeResponse(body)
}

// readStream returns the first response found in an event stream,
// skipping server requests, notifications and unparseable events.
func (t *StreamableTransport) readStream(r io.Reader) (*Response, error) {
	var found *Response
	err := ReadEvents(r, func(ev Event) bool {
		data := strings.TrimSpace(ev.Data)
		if data == "" || data == "[DONE]" {
			return true
		}
		m, err := decodeResponse([]byte(data))
		if err != nil {
			t.logger.Debug("skipping unparseable stream event", "error", err)
			return true
		}
		if m.IsResponse() {
			found = m
			return false
		}
		return true
	})
	if err != nil {
		return nil, fmt.Errorf("read event stream: %w", err)
	}
	if found == nil {
		return nil, ErrNoResponse
	}
	return found, nil
}

// Notify POSTs a notification. Any 2xx status is accepted.
func (t *StreamableTransport) Notify(ctx context.Context, notif *Notification) error {
	httpResp, err := t.post(ctx, notif)
	if err != nil {
		return err
	}
	httpkit.DrainAndClose(httpResp.Body, 1<<20)
	return nil
}

// post sends one JSON-RPC message and returns the successful response.
// The session id header is captured on every reply.
func (t *StreamableTransport) post(ctx context.Context, msg any) (*http.Response, error) {
	body, err := json.Marshal(msg)
	if err != nil {
		return nil, fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, config.LevelTrace, "mcp request", "body", string(body))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create HTTP request: %w", err)
	}
	setHeaders(httpReq, "application/json, text/event-stream", t.protocolVersion, t.SessionID())

	httpResp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("HTTP request to %s: %w", t.url, err)
	}

	if sid := httpResp.Header.Get("Mcp-Session-Id"); sid != "" {
		t.mu.Lock()
		t.sessionID = sid
		t.mu.Unlock()
	}

	if !httpkit.IsSuccess(httpResp.StatusCode) {
		errBody := httpkit.ReadErrorBody(httpResp.Body, 1<<20)
		return nil, fmt.Errorf("http %d: %s", httpResp.StatusCode, errBody)
	}
	return httpResp, nil
}

// Close is a no-op; connections are pooled by the HTTP client.
func (t *StreamableTransport) Close() error {
	return nil
}
