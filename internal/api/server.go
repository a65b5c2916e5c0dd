// Package api serves the Plotrix web API: sessions and their chat runs,
// run progress over SSE or websocket, configuration editing, dice rolls,
// MCP status and sync, and token usage.
package api

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/AliyahZombie/Plotrix/internal/buildinfo"
	"github.com/AliyahZombie/Plotrix/internal/chat"
	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/events"
	"github.com/AliyahZombie/Plotrix/internal/llm"
	"github.com/AliyahZombie/Plotrix/internal/session"
	"github.com/AliyahZombie/Plotrix/internal/usage"
)

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// ClientFactory builds the completion client for a provider.
type ClientFactory func(name string, p config.ProviderConfig, logger *slog.Logger) llm.Client

func defaultClientFactory(name string, p config.ProviderConfig, logger *slog.Logger) llm.Client {
	return llm.NewOpenAIClient(name, p, logger)
}

// Option configures a Server.
type Option func(*Server)

// WithUsage serves the usage ledger and records chat usage into it.
func WithUsage(store *usage.Store) Option {
	return func(s *Server) { s.usage = store }
}

// WithBus feeds the activity websocket and is passed to every engine.
func WithBus(bus *events.Bus) Option {
	return func(s *Server) { s.bus = bus }
}

// WithClientFactory replaces how completion clients are built.
func WithClientFactory(f ClientFactory) Option {
	return func(s *Server) { s.newClient = f }
}

// WithMCPCache replaces the MCP manager cache.
func WithMCPCache(c *session.MCPCache) Option {
	return func(s *Server) { s.mcp = c }
}

// Server is the HTTP API server.
type Server struct {
	address    string
	port       int
	configPath string
	logger     *slog.Logger

	sessions  *session.Store
	mcp       *session.MCPCache
	usage     *usage.Store
	bus       *events.Bus
	newClient ClientFactory
	upgrader  websocket.Upgrader

	srvMu  sync.Mutex
	server *http.Server

	cfgMu  sync.RWMutex
	cfg    *config.Config
	client llm.Client
}

// NewServer creates a server around the loaded configuration. configPath
// is where PUT /api/config writes.
func NewServer(cfg *config.Config, configPath string, logger *slog.Logger, opts ...Option) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		address:    cfg.Listen.Address,
		port:       cfg.Listen.Port,
		configPath: configPath,
		logger:     logger,
		newClient:  defaultClientFactory,
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.mcp == nil {
		s.mcp = session.NewMCPCache(logger, mcpOptions(s.bus)...)
	}
	s.sessions = session.NewStore(logger, s.bus)
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 4096,
		CheckOrigin:     localOrigin,
	}
	s.setConfig(cfg)
	return s
}

// Sessions exposes the session store.
func (s *Server) Sessions() *session.Store {
	return s.sessions
}

// Config returns the live configuration. Callers must not modify it.
func (s *Server) Config() *config.Config {
	s.cfgMu.RLock()
	defer s.cfgMu.RUnlock()
	return s.cfg
}

func (s *Server) setConfig(cfg *config.Config) {
	name, p := cfg.Provider()
	client := s.newClient(name, p, s.logger)

	s.cfgMu.Lock()
	s.cfg = cfg
	s.client = client
	s.cfgMu.Unlock()
}

// engine builds a chat engine over the live configuration.
func (s *Server) engine() *chat.Engine {
	s.cfgMu.RLock()
	cfg, client := s.cfg, s.client
	s.cfgMu.RUnlock()

	name, p := cfg.Provider()
	ec := chat.Config{
		Provider: name,
		Model:    p.Model,
		Chat:     cfg.Chat,
		Bus:      s.bus,
	}
	if mgr := s.mcp.Get(cfg.MCP); mgr.HasServers() {
		ec.Tools = mgr
	}
	if s.usage != nil {
		ec.Usage = s.usage
	}
	return chat.NewEngine(s.logger, client, ec)
}

// Handler returns the API routes.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /api/health", s.handleHealth)
	mux.HandleFunc("GET /api/version", s.handleVersion)

	mux.HandleFunc("GET /api/config", s.handleGetConfig)
	mux.HandleFunc("PUT /api/config", s.handlePutConfig)

	mux.HandleFunc("POST /api/sessions", s.handleSessionCreate)
	mux.HandleFunc("GET /api/sessions", s.handleSessionList)
	mux.HandleFunc("GET /api/sessions/{id}", s.handleSessionGet)
	mux.HandleFunc("PATCH /api/sessions/{id}", s.handleSessionRename)
	mux.HandleFunc("DELETE /api/sessions/{id}", s.handleSessionDelete)
	mux.HandleFunc("POST /api/sessions/{id}/reset", s.handleSessionReset)
	mux.HandleFunc("POST /api/sessions/{id}/message", s.handleSessionMessage)

	mux.HandleFunc("GET /api/runs/{id}", s.handleRunGet)
	mux.HandleFunc("GET /api/runs/{id}/events", s.handleRunEvents)
	mux.HandleFunc("GET /api/runs/{id}/ws", s.handleRunWebsocket)
	mux.HandleFunc("POST /api/runs/{id}/cancel", s.handleRunCancel)

	mux.HandleFunc("POST /api/dice/roll", s.handleDiceRoll)

	mux.HandleFunc("GET /api/mcp/servers", s.handleMCPServers)
	mux.HandleFunc("POST /api/mcp/sync", s.handleMCPSync)
	mux.HandleFunc("GET /api/mcp/tools", s.handleMCPTools)

	mux.HandleFunc("GET /api/usage", s.handleUsage)
	mux.HandleFunc("GET /api/activity/ws", s.handleActivityWebsocket)

	return s.withCORS(s.withLogging(mux))
}

// Start begins serving HTTP requests. It blocks until the server stops.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      120 * time.Second, // streams extend their own deadline
		BaseContext:       func(net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting API server", "address", addr, "port", s.port)

	s.srvMu.Lock()
	s.server = srv
	s.srvMu.Unlock()
	return srv.ListenAndServe()
}

// Shutdown stops accepting requests, cancels active runs and closes MCP
// connections.
func (s *Server) Shutdown(ctx context.Context) error {
	s.srvMu.Lock()
	srv := s.server
	s.srvMu.Unlock()

	var err error
	if srv != nil {
		err = srv.Shutdown(ctx)
	}
	if serr := s.sessions.Shutdown(ctx); serr != nil {
		s.logger.Warn("runs still active at shutdown", "error", serr)
	}
	if cerr := s.mcp.Close(); cerr != nil {
		s.logger.Warn("failed to close MCP connections", "error", cerr)
	}
	return err
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// withCORS lets a browser UI served from localhost call the API.
func (s *Server) withCORS(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if origin := r.Header.Get("Origin"); origin != "" && isLocalOrigin(origin) {
			w.Header().Set("Access-Control-Allow-Origin", origin)
			w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, PATCH, DELETE, OPTIONS")
			w.Header().Set("Access-Control-Allow-Headers", "*")
			w.Header().Add("Vary", "Origin")
			if r.Method == http.MethodOptions {
				w.WriteHeader(http.StatusNoContent)
				return
			}
		}
		next.ServeHTTP(w, r)
	})
}

func isLocalOrigin(origin string) bool {
	u, err := url.Parse(origin)
	if err != nil || u.Scheme != "http" {
		return false
	}
	switch u.Hostname() {
	case "localhost", "127.0.0.1":
		return true
	}
	return false
}

func localOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	return origin == "" || isLocalOrigin(origin)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{
		"name":    buildinfo.Name,
		"version": buildinfo.Version,
		"status":  "ok",
	}, s.logger)
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, buildinfo.Info(), s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, map[string]string{"status": "healthy"}, s.logger)
}
