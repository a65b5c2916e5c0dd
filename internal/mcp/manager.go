package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/events"
	"github.com/AliyahZombie/Plotrix/internal/llm"
)

const tracerName = "github.com/AliyahZombie/Plotrix/internal/mcp"

// Tool is one discovered server tool and the public name it is exposed under.
type Tool struct {
	Server      string         `json:"server"`
	Name        string         `json:"name"`
	PublicName  string         `json:"public_name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"input_schema"`
}

// ServerStatus is the health snapshot of one configured server.
type ServerStatus struct {
	Name            string     `json:"name"`
	Enabled         bool       `json:"enabled"`
	URL             string     `json:"url"`
	Transport       string     `json:"transport"`
	ActiveTransport string     `json:"active_transport,omitempty"`
	Initialized     bool       `json:"initialized"`
	ToolCount       *int       `json:"tool_count"`
	LastError       string     `json:"last_error,omitempty"`
	LastSync        *time.Time `json:"last_sync,omitempty"`
}

// DialFunc opens a transport of the given kind.
type DialFunc func(ctx context.Context, kind string, cfg TransportConfig) (Transport, error)

// Dial is the production DialFunc.
func Dial(ctx context.Context, kind string, cfg TransportConfig) (Transport, error) {
	if kind == KindLegacySSE {
		return NewLegacySSETransport(ctx, cfg)
	}
	return NewStreamableTransport(cfg), nil
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithBus publishes an [events.KindMCPSync] event after each server refresh.
func WithBus(b *events.Bus) ManagerOption {
	return func(m *Manager) { m.bus = b }
}

// WithDialer replaces the transport factory.
func WithDialer(d DialFunc) ManagerOption {
	return func(m *Manager) { m.dial = d }
}

// Manager owns one [Client] per configured server, each server's health
// snapshot, and the merged tool catalogue.
//
// Status never waits on the network: refreshes are serialized by their
// own lock and only take the state lock to publish whole entries.
type Manager struct {
	logger *slog.Logger
	bus    *events.Bus
	dial   DialFunc
	tracer trace.Tracer

	refreshMu  sync.Mutex
	autoSynced bool

	mu      sync.RWMutex
	closed  bool
	servers map[string]config.MCPServerConfig
	clients map[string]*Client
	runtime map[string]ServerStatus
	tools   map[string][]Tool
	index   map[string]Tool
}

// NewManager creates a manager for the configured servers. Disabled
// servers are kept so their status can be displayed. No connections are
// made until a refresh.
func NewManager(cfg config.MCPConfig, logger *slog.Logger, opts ...ManagerOption) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		logger:  logger,
		dial:    Dial,
		tracer:  otel.Tracer(tracerName),
		servers: make(map[string]config.MCPServerConfig, len(cfg.Servers)),
		clients: make(map[string]*Client),
		runtime: make(map[string]ServerStatus, len(cfg.Servers)),
		tools:   make(map[string][]Tool),
		index:   make(map[string]Tool),
	}
	for _, opt := range opts {
		opt(m)
	}
	for name, s := range cfg.Servers {
		m.servers[name] = s
		m.runtime[name] = ServerStatus{Name: name, Enabled: s.Enabled}
	}
	return m
}

// HasServers reports whether any server is enabled and has a URL.
func (m *Manager) HasServers() bool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, s := range m.servers {
		if s.Enabled && s.URL != "" {
			return true
		}
	}
	return false
}

// Status returns a snapshot of every configured server.
func (m *Manager) Status() map[string]ServerStatus {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make(map[string]ServerStatus, len(m.servers))
	for name, s := range m.servers {
		st := m.runtime[name]
		st.Name = name
		st.Enabled = s.Enabled
		st.URL = s.URL
		st.Transport = s.Transport
		out[name] = st
	}
	return out
}

// SetEnabled toggles a server at runtime. Its tools stay catalogued but
// are withheld from [Manager.OpenAITools] and refused by
// [Manager.CallTool] while disabled.
func (m *Manager) SetEnabled(name string, enabled bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.servers[name]
	if !ok {
		return fmt.Errorf("unknown mcp server %q", name)
	}
	s.Enabled = enabled
	m.servers[name] = s
	return nil
}

// RefreshTools initializes and lists tools for one server, or for every
// server when name is empty. Per-server failures are recorded in the
// status snapshot rather than returned; the error reports only an
// unknown server name or a cancelled context.
func (m *Manager) RefreshTools(ctx context.Context, name string) error {
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()
	return m.refreshLocked(ctx, name)
}

func (m *Manager) refreshLocked(ctx context.Context, name string) error {
	targets, err := m.targets(name)
	if err != nil {
		return err
	}
	for _, n := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		m.mu.RLock()
		s := m.servers[n]
		m.mu.RUnlock()
		m.refreshServer(ctx, n, s)
	}
	return nil
}

func (m *Manager) targets(name string) ([]string, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if name != "" {
		if _, ok := m.servers[name]; !ok {
			return nil, fmt.Errorf("unknown mcp server %q", name)
		}
		return []string{name}, nil
	}
	names := make([]string, 0, len(m.servers))
	for n := range m.servers {
		names = append(names, n)
	}
	sort.Strings(names)
	return names, nil
}

func (m *Manager) refreshServer(ctx context.Context, name string, s config.MCPServerConfig) {
	if !s.Enabled {
		m.updateRuntime(name, func(st *ServerStatus) {
			st.Initialized = false
			st.LastError = ""
		})
		return
	}
	if s.URL == "" {
		m.updateRuntime(name, func(st *ServerStatus) {
			st.Initialized = false
			st.LastError = "missing url"
		})
		return
	}

	ctx, span := m.tracer.Start(ctx, "mcp.refresh", trace.WithAttributes(
		attribute.String("mcp.server", name),
		attribute.String("mcp.transport", s.Transport),
	))
	defer span.End()

	logger := m.logger.With("mcp_server", name)
	start := time.Now()

	client, defs, err := m.discover(ctx, name, s)
	if err != nil {
		logger.Warn("mcp refresh failed", "error", err, "elapsed", time.Since(start))
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		m.updateRuntime(name, func(st *ServerStatus) {
			st.Initialized = false
			st.LastError = err.Error()
		})
		m.bus.Publish(events.NewEvent(events.SourceMCP, events.KindMCPSync, map[string]any{
			"server": name,
			"ok":     false,
			"error":  err.Error(),
		}))
		return
	}

	now := time.Now()
	count := len(defs)
	m.mu.Lock()
	if m.closed {
		m.mu.Unlock()
		client.Close()
		logger.Debug("mcp refresh finished after close; client discarded")
		return
	}
	if old := m.clients[name]; old != nil && old != client {
		go old.Close()
	}
	m.clients[name] = client
	m.replaceTools(name, defs)
	st := m.runtime[name]
	st.Initialized = true
	st.LastError = ""
	st.LastSync = &now
	st.ToolCount = &count
	st.ActiveTransport = client.TransportKind()
	m.runtime[name] = st
	m.mu.Unlock()

	span.SetAttributes(attribute.Int("mcp.tool_count", count))
	logger.Info("mcp tools synced",
		"tools", count,
		"transport", client.TransportKind(),
		"elapsed", time.Since(start),
	)
	m.bus.Publish(events.NewEvent(events.SourceMCP, events.KindMCPSync, map[string]any{
		"server":     name,
		"ok":         true,
		"tool_count": count,
		"transport":  client.TransportKind(),
	}))
}

// discover runs initialize, the initialized notification and tools/list.
// An existing client is reused. For transport "auto" a failed streamable
// initialize is retried exactly once over legacy SSE; the legacy error
// is the one reported. A freshly dialed client that fails is closed.
func (m *Manager) discover(ctx context.Context, name string, s config.MCPServerConfig) (*Client, []ToolDefinition, error) {
	m.mu.RLock()
	client := m.clients[name]
	m.mu.RUnlock()

	auto := s.Transport == "" || s.Transport == config.TransportAuto
	fresh := false
	if client == nil {
		kind := s.Transport
		if auto {
			kind = KindStreamableHTTP
		}
		c, err := m.connect(ctx, name, s, kind)
		if err != nil {
			return nil, nil, err
		}
		client, fresh = c, true
	}

	_, err := client.Initialize(ctx)
	if err != nil && auto && client.TransportKind() != KindLegacySSE && ctx.Err() == nil {
		m.logger.Info("streamable initialize failed, trying legacy sse",
			"mcp_server", name, "error", err)
		if fresh {
			client.Close()
		}
		legacy, dialErr := m.connect(ctx, name, s, KindLegacySSE)
		if dialErr != nil {
			return nil, nil, dialErr
		}
		client, fresh = legacy, true
		_, err = client.Initialize(ctx)
	}

	var defs []ToolDefinition
	if err == nil {
		client.NotifyInitialized(ctx)
		defs, err = client.ListTools(ctx)
	}
	if err != nil {
		if fresh {
			client.Close()
		}
		return nil, nil, err
	}
	return client, defs, nil
}

func (m *Manager) connect(ctx context.Context, name string, s config.MCPServerConfig, kind string) (*Client, error) {
	t, err := m.dial(ctx, kind, NewTransportConfig(name, s, m.logger))
	if err != nil {
		return nil, err
	}
	return NewClient(name, s.ProtocolVersion, t, m.logger), nil
}

// replaceTools swaps one server's catalogue entries. Callers hold m.mu.
func (m *Manager) replaceTools(server string, defs []ToolDefinition) {
	for public, t := range m.index {
		if t.Server == server {
			delete(m.index, public)
		}
	}
	tools := make([]Tool, 0, len(defs))
	for _, d := range defs {
		public := PublicName(server, d.Name)
		t := Tool{
			Server:      server,
			Name:        d.Name,
			PublicName:  public,
			Description: d.Description,
			InputSchema: d.Schema(),
		}
		tools = append(tools, t)
		m.index[public] = t
	}
	m.tools[server] = tools
}

func (m *Manager) updateRuntime(name string, fn func(*ServerStatus)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	st := m.runtime[name]
	fn(&st)
	m.runtime[name] = st
}

// ensureSynced runs one full refresh the first time the catalogue is
// needed while empty.
func (m *Manager) ensureSynced(ctx context.Context) {
	if !m.HasServers() {
		return
	}
	m.refreshMu.Lock()
	defer m.refreshMu.Unlock()

	m.mu.RLock()
	empty := len(m.index) == 0
	m.mu.RUnlock()
	if m.autoSynced || !empty {
		return
	}
	m.autoSynced = true
	if err := m.refreshLocked(ctx, ""); err != nil {
		m.logger.Debug("lazy mcp refresh interrupted", "error", err)
	}
}

// Tools returns the catalogue, optionally filtered to one server,
// ordered by server name then discovery order.
func (m *Manager) Tools(ctx context.Context, server string) []Tool {
	m.ensureSynced(ctx)
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.toolsLocked(server, false)
}

func (m *Manager) toolsLocked(server string, enabledOnly bool) []Tool {
	names := make([]string, 0, len(m.tools))
	for n := range m.tools {
		if server != "" && n != server {
			continue
		}
		if enabledOnly && !m.servers[n].Enabled {
			continue
		}
		names = append(names, n)
	}
	sort.Strings(names)

	var out []Tool
	for _, n := range names {
		out = append(out, m.tools[n]...)
	}
	return out
}

// OpenAITools returns the catalogue as function tools for a completion
// request. It is empty when no server is enabled.
func (m *Manager) OpenAITools(ctx context.Context) []llm.Tool {
	if !m.HasServers() {
		return nil
	}
	m.ensureSynced(ctx)

	m.mu.RLock()
	defer m.mu.RUnlock()
	tools := m.toolsLocked("", true)
	out := make([]llm.Tool, 0, len(tools))
	for _, t := range tools {
		out = append(out, llm.NewTool(t.PublicName, t.Description, t.InputSchema))
	}
	return out
}

// Lookup resolves a public name to its catalogue entry.
func (m *Manager) Lookup(publicName string) (Tool, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	t, ok := m.index[publicName]
	return t, ok
}

// CallTool invokes a catalogued tool by public name. It never initializes
// a server implicitly.
func (m *Manager) CallTool(ctx context.Context, publicName string, args map[string]any) (*ToolResult, error) {
	m.mu.RLock()
	tool, ok := m.index[publicName]
	s := m.servers[tool.Server]
	client := m.clients[tool.Server]
	m.mu.RUnlock()

	switch {
	case !ok:
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, publicName)
	case !s.Enabled:
		return nil, fmt.Errorf("%w: %s", ErrServerDisabled, tool.Server)
	case client == nil:
		return nil, fmt.Errorf("%w: %s", ErrServerNotInitialized, tool.Server)
	}

	ctx, span := m.tracer.Start(ctx, "mcp.call_tool", trace.WithAttributes(
		attribute.String("mcp.server", tool.Server),
		attribute.String("mcp.tool", tool.Name),
	))
	defer span.End()

	res, err := client.CallTool(ctx, tool.Name, args)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return nil, err
	}
	return res, nil
}

// Close closes every client. The manager must not be used afterwards;
// a refresh still in flight closes its client instead of publishing it.
func (m *Manager) Close() error {
	m.mu.Lock()
	m.closed = true
	clients := m.clients
	m.clients = make(map[string]*Client)
	m.mu.Unlock()

	var errs []error
	for name, c := range clients {
		if err := c.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s: %w", name, err))
		}
	}
	return errors.Join(errs...)
}
