// Package config handles Plotrix configuration loading.
//
// Configuration is read once from YAML, normalised, and has the
// environment override applied (see env.go). The resulting *Config is
// treated as immutable by every consumer; a changed file is picked up by
// loading a fresh value, never by mutating a shared one.
package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"reflect"
	"slices"
	"time"

	"gopkg.in/yaml.v3"
)

// Defaults applied during normalisation.
const (
	DefaultProviderName    = "default"
	DefaultBaseURL         = "https://api.openai.com"
	DefaultModel           = "gpt-4o-mini"
	DefaultSystemPrompt    = "You are a helpful TRPG GM assistant."
	DefaultProtocolVersion = "2025-06-18"
	DefaultMaxIterations   = 8
	DefaultPort            = 8765

	defaultProviderTimeout = 60 * time.Second
	defaultMCPTimeout      = 30 * time.Second
)

// MCP transport selectors accepted in mcp.servers.<name>.transport.
const (
	TransportAuto           = "auto"
	TransportStreamableHTTP = "streamable_http"
	TransportLegacySSE      = "legacy_sse"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config) is checked first by FindConfig.
// Then: ./config.yaml, $XDG_CONFIG_HOME/plotrix/config.yaml (or
// ~/.config/plotrix/config.yaml), /etc/plotrix/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if xdg := os.Getenv("XDG_CONFIG_HOME"); xdg != "" {
		paths = append(paths, filepath.Join(xdg, "plotrix", "config.yaml"))
	} else if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "plotrix", "config.yaml"))
	}

	paths = append(paths, "/etc/plotrix/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all Plotrix configuration.
type Config struct {
	ActiveProvider string                    `yaml:"active_provider" json:"active_provider"`
	Providers      map[string]ProviderConfig `yaml:"providers" json:"providers"`
	Chat           ChatConfig                `yaml:"chat" json:"chat"`
	MCP            MCPConfig                 `yaml:"mcp" json:"mcp"`
	Listen         ListenConfig              `yaml:"listen" json:"listen"`
	Usage          UsageConfig               `yaml:"usage" json:"usage"`
	LogLevel       string                    `yaml:"log_level" json:"log_level"`
}

// ProviderConfig describes one OpenAI-compatible completion endpoint.
type ProviderConfig struct {
	BaseURL      string            `yaml:"base_url" json:"base_url"`
	APIKey       string            `yaml:"api_key" json:"api_key"`
	TimeoutSec   float64           `yaml:"timeout_sec" json:"timeout_sec"`
	VerifyTLS    *bool             `yaml:"verify_tls,omitempty" json:"verify_tls,omitempty"`
	ExtraHeaders map[string]string `yaml:"extra_headers,omitempty" json:"extra_headers,omitempty"`
	Models       []string          `yaml:"models,omitempty" json:"models,omitempty"`
	Model        string            `yaml:"model" json:"model"`
}

// Timeout returns the request timeout for buffered completions.
func (p ProviderConfig) Timeout() time.Duration {
	return seconds(p.TimeoutSec, defaultProviderTimeout)
}

// InsecureSkipVerify reports whether TLS verification was explicitly disabled.
func (p ProviderConfig) InsecureSkipVerify() bool {
	return p.VerifyTLS != nil && !*p.VerifyTLS
}

// ChatConfig controls the request the chat engine builds each turn.
// Pointer fields are optional: nil means "let the endpoint decide" and the
// field is omitted from the request body.
type ChatConfig struct {
	SystemPrompt        string   `yaml:"system_prompt" json:"system_prompt"`
	Temperature         *float64 `yaml:"temperature,omitempty" json:"temperature,omitempty"`
	MaxTokens           *int     `yaml:"max_tokens,omitempty" json:"max_tokens,omitempty"`
	MaxCompletionTokens *int     `yaml:"max_completion_tokens,omitempty" json:"max_completion_tokens,omitempty"`
	MaxOutputTokens     *int     `yaml:"max_output_tokens,omitempty" json:"max_output_tokens,omitempty"`
	Stream              bool     `yaml:"stream" json:"stream"`
	EnableToolRoll      *bool    `yaml:"enable_tool_roll,omitempty" json:"enable_tool_roll,omitempty"`
	MaxIterations       int      `yaml:"max_iterations" json:"max_iterations"`
}

// RollToolEnabled reports whether the built-in dice tool is offered to
// the model. It defaults to true.
func (c ChatConfig) RollToolEnabled() bool {
	return c.EnableToolRoll == nil || *c.EnableToolRoll
}

// MCPConfig lists the MCP servers Plotrix may talk to.
type MCPConfig struct {
	Servers map[string]MCPServerConfig `yaml:"servers" json:"servers"`
}

// MCPServerConfig describes one MCP server.
type MCPServerConfig struct {
	URL             string            `yaml:"url" json:"url"`
	Transport       string            `yaml:"transport" json:"transport"`
	ProtocolVersion string            `yaml:"protocol_version" json:"protocol_version"`
	TimeoutSec      float64           `yaml:"timeout_sec" json:"timeout_sec"`
	VerifyTLS       *bool             `yaml:"verify_tls,omitempty" json:"verify_tls,omitempty"`
	Headers         map[string]string `yaml:"headers,omitempty" json:"headers,omitempty"`
	Enabled         bool              `yaml:"enabled" json:"enabled"`
}

// Timeout returns the per-call deadline for this server.
func (s MCPServerConfig) Timeout() time.Duration {
	return seconds(s.TimeoutSec, defaultMCPTimeout)
}

// InsecureSkipVerify reports whether TLS verification was explicitly disabled.
func (s MCPServerConfig) InsecureSkipVerify() bool {
	return s.VerifyTLS != nil && !*s.VerifyTLS
}

// Names returns the configured server names in sorted order.
func (m MCPConfig) Names() []string {
	names := make([]string, 0, len(m.Servers))
	for name := range m.Servers {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// Equal reports whether two MCP configurations describe the same servers.
// A change means every live MCP connection must be rebuilt.
func (m MCPConfig) Equal(other MCPConfig) bool {
	return reflect.DeepEqual(m.Servers, other.Servers)
}

// ListenConfig defines the API server settings.
type ListenConfig struct {
	Address string `yaml:"address" json:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port" json:"port"`
}

// UsageConfig controls the token usage ledger. An empty DBPath disables it.
type UsageConfig struct {
	DBPath string `yaml:"db_path" json:"db_path"`
}

// Load reads configuration from a YAML file, normalises it and applies
// the API-key environment override.
func Load(path string) (*Config, error) {
	cfg, err := LoadFile(path)
	if err != nil {
		return nil, err
	}
	if err := applyEnv(cfg, nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFile reads and normalises a YAML file without the API-key
// override. It is the on-disk view used when rewriting the file.
func LoadFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	expanded := os.ExpandEnv(string(data))

	cfg := &Config{}
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, fmt.Errorf("config %s: %w", path, err)
	}
	return cfg, nil
}

// Decode parses a JSON configuration document, as submitted by the web
// UI, and normalises it.
func Decode(data []byte) (*Config, error) {
	cfg := &Config{}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("decode config: %w", err)
	}
	if err := cfg.normalize(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// WithEnv returns a copy of c with the API-key environment override
// applied.
func (c *Config) WithEnv() (*Config, error) {
	out := c.clone()
	if err := applyEnv(out, nil); err != nil {
		return nil, err
	}
	return out, nil
}

// LoadOrDefault loads path when it is non-empty and falls back to
// Default otherwise. The environment override applies in both cases.
func LoadOrDefault(path string) (*Config, error) {
	if path != "" {
		return Load(path)
	}
	cfg := Default()
	if err := applyEnv(cfg, nil); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	cfg := &Config{}
	_ = cfg.normalize()
	return cfg
}

// Save writes cfg to path as YAML with owner-only permissions.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("marshal config: %w", err)
	}
	if dir := filepath.Dir(path); dir != "" {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return fmt.Errorf("create config dir: %w", err)
		}
	}
	return os.WriteFile(path, data, 0o600)
}

// Provider returns the active provider's name and settings. An unknown
// or empty active_provider resolves to the first provider by name.
func (c *Config) Provider() (string, ProviderConfig) {
	if p, ok := c.Providers[c.ActiveProvider]; ok {
		return c.ActiveProvider, p
	}
	names := make([]string, 0, len(c.Providers))
	for name := range c.Providers {
		names = append(names, name)
	}
	if len(names) == 0 {
		return DefaultProviderName, ProviderConfig{BaseURL: DefaultBaseURL, Model: DefaultModel}
	}
	slices.Sort(names)
	return names[0], c.Providers[names[0]]
}

func (c *Config) normalize() error {
	if len(c.Providers) == 0 {
		c.Providers = map[string]ProviderConfig{
			DefaultProviderName: {},
		}
	}
	for name, p := range c.Providers {
		if p.BaseURL == "" {
			p.BaseURL = DefaultBaseURL
		}
		if p.Model == "" {
			if len(p.Models) > 0 {
				p.Model = p.Models[0]
			} else {
				p.Model = DefaultModel
			}
		}
		c.Providers[name] = p
	}
	if _, ok := c.Providers[c.ActiveProvider]; !ok {
		c.ActiveProvider, _ = c.Provider()
	}

	if c.Chat.SystemPrompt == "" {
		c.Chat.SystemPrompt = DefaultSystemPrompt
	}
	if c.Chat.MaxIterations <= 0 {
		c.Chat.MaxIterations = DefaultMaxIterations
	}

	for name, s := range c.MCP.Servers {
		switch s.Transport {
		case "":
			s.Transport = TransportAuto
		case TransportAuto, TransportStreamableHTTP, TransportLegacySSE:
		default:
			return fmt.Errorf("mcp server %q: unknown transport %q (valid: %s, %s, %s)",
				name, s.Transport, TransportAuto, TransportStreamableHTTP, TransportLegacySSE)
		}
		if s.ProtocolVersion == "" {
			s.ProtocolVersion = DefaultProtocolVersion
		}
		c.MCP.Servers[name] = s
	}

	if c.Listen.Port == 0 {
		c.Listen.Port = DefaultPort
	}
	return nil
}

func seconds(v float64, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return time.Duration(v * float64(time.Second))
}
