package mcp

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/httpkit"
)

// Transport kinds reported by [Transport.Kind].
const (
	KindStreamableHTTP = config.TransportStreamableHTTP
	KindLegacySSE      = config.TransportLegacySSE
)

// defaultEndpointWait bounds how long a legacy transport waits for the
// server to announce its POST endpoint.
const defaultEndpointWait = 5 * time.Second

// Transport exchanges JSON-RPC messages with one MCP server.
type Transport interface {
	// Send delivers req and returns the server's reply to it. The reply
	// is returned as received; [Client] validates it.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify delivers a notification. No reply is expected.
	Notify(ctx context.Context, notif *Notification) error

	// Kind names the wire strategy.
	Kind() string

	// Close releases the transport's connections and goroutines.
	Close() error
}

// TransportConfig configures either transport for one server.
type TransportConfig struct {
	// Name is the configured server name, used for logging.
	Name string

	// URL is the server endpoint. For legacy SSE it is the base the
	// /sse stream is derived from.
	URL string

	// ProtocolVersion is sent in the MCP-Protocol-Version header.
	ProtocolVersion string

	// Timeout bounds each call.
	Timeout time.Duration

	// Headers are merged into every request and win over defaults.
	Headers map[string]string

	// InsecureSkipVerify disables TLS verification. Explicit opt-in only.
	InsecureSkipVerify bool

	// EndpointWait bounds the legacy endpoint discovery wait.
	EndpointWait time.Duration

	// Logger is the structured logger for transport diagnostics.
	Logger *slog.Logger
}

// NewTransportConfig derives a TransportConfig from server configuration.
func NewTransportConfig(name string, s config.MCPServerConfig, logger *slog.Logger) TransportConfig {
	return TransportConfig{
		Name:               name,
		URL:                s.URL,
		ProtocolVersion:    s.ProtocolVersion,
		Timeout:            s.Timeout(),
		Headers:            s.Headers,
		InsecureSkipVerify: s.InsecureSkipVerify(),
		Logger:             logger,
	}
}

func (c TransportConfig) logger() *slog.Logger {
	l := c.Logger
	if l == nil {
		l = slog.Default()
	}
	return l.With("mcp_server", c.Name)
}

// httpClient builds a client for this server. A zero timeout yields a
// client for long-lived streams whose header wait is still bounded.
func (c TransportConfig) httpClient(timeout time.Duration) *http.Client {
	opts := []httpkit.ClientOption{
		httpkit.WithTimeout(timeout),
		httpkit.WithHeaders(c.Headers),
	}
	if timeout == 0 {
		opts = append(opts, httpkit.WithResponseHeaderTimeout(c.Timeout))
	}
	if c.InsecureSkipVerify {
		opts = append(opts, httpkit.WithTLSInsecureSkipVerify())
	}
	return httpkit.NewClient(opts...)
}

// setHeaders applies the headers every MCP request carries. Configured
// extra headers are applied later by the client and override these.
func setHeaders(req *http.Request, accept, protocolVersion, sessionID string) {
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", accept)
	if protocolVersion != "" {
		req.Header.Set("MCP-Protocol-Version", protocolVersion)
	}
	if sessionID != "" {
		req.Header.Set("Mcp-Session-Id", sessionID)
	}
}
