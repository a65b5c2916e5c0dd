package session

import (
	"log/slog"
	"sync"

	"github.com/AliyahZombie/Plotrix/internal/config"
	"github.com/AliyahZombie/Plotrix/internal/mcp"
)

// MCPCache keeps one MCP manager per configuration snapshot. Asking for
// a different configuration closes the old manager and builds a new one,
// so live connections always match the saved config.
type MCPCache struct {
	logger *slog.Logger
	opts   []mcp.ManagerOption

	mu  sync.Mutex
	cfg config.MCPConfig
	mgr *mcp.Manager
}

// NewMCPCache returns an empty cache. opts are passed to every manager
// it builds.
func NewMCPCache(logger *slog.Logger, opts ...mcp.ManagerOption) *MCPCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &MCPCache{logger: logger, opts: opts}
}

// Get returns the manager for cfg, rebuilding it when cfg differs from
// the cached snapshot.
func (c *MCPCache) Get(cfg config.MCPConfig) *mcp.Manager {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.mgr != nil && c.cfg.Equal(cfg) {
		return c.mgr
	}
	if c.mgr != nil {
		c.logger.Info("mcp configuration changed, rebuilding manager")
		if err := c.mgr.Close(); err != nil {
			c.logger.Warn("failed to close previous mcp manager", "error", err)
		}
	}
	c.cfg = cfg
	c.mgr = mcp.NewManager(cfg, c.logger, c.opts...)
	return c.mgr
}

// Close closes the cached manager.
func (c *MCPCache) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.mgr == nil {
		return nil
	}
	err := c.mgr.Close()
	c.mgr = nil
	return err
}
