package config

import (
	"maps"
	"strings"
)

// RedactedValue is the placeholder that replaces secret values in
// configuration returned to clients.
const RedactedValue = "__REDACTED__"

// isSecretKey reports whether a header or field name carries a credential.
func isSecretKey(k string) bool {
	k = strings.ToLower(k)
	for _, needle := range []string{"key", "token", "secret", "authorization"} {
		if strings.Contains(k, needle) {
			return true
		}
	}
	return false
}

// Redacted returns a deep copy of c with API keys and credential-bearing
// headers replaced by [RedactedValue].
func (c *Config) Redacted() *Config {
	out := c.clone()
	for name, p := range out.Providers {
		if p.APIKey != "" {
			p.APIKey = RedactedValue
		}
		p.ExtraHeaders = redactHeaders(p.ExtraHeaders)
		out.Providers[name] = p
	}
	for name, s := range out.MCP.Servers {
		s.Headers = redactHeaders(s.Headers)
		out.MCP.Servers[name] = s
	}
	return out
}

// MergeRedacted restores secrets in incoming that a client echoed back as
// [RedactedValue], taking the real value from old. Values absent from old are
// cleared rather than persisted as the placeholder.
func MergeRedacted(incoming, old *Config) *Config {
	out := incoming.clone()
	for name, p := range out.Providers {
		prev := old.Providers[name]
		if p.APIKey == RedactedValue {
			p.APIKey = prev.APIKey
		}
		p.ExtraHeaders = restoreHeaders(p.ExtraHeaders, prev.ExtraHeaders)
		out.Providers[name] = p
	}
	for name, s := range out.MCP.Servers {
		s.Headers = restoreHeaders(s.Headers, old.MCP.Servers[name].Headers)
		out.MCP.Servers[name] = s
	}
	return out
}

func redactHeaders(h map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if isSecretKey(k) && v != "" {
			v = RedactedValue
		}
		out[k] = v
	}
	return out
}

func restoreHeaders(h, prev map[string]string) map[string]string {
	if h == nil {
		return nil
	}
	out := make(map[string]string, len(h))
	for k, v := range h {
		if v == RedactedValue {
			v = prev[k]
		}
		out[k] = v
	}
	return out
}

func (c *Config) clone() *Config {
	out := *c
	out.Providers = make(map[string]ProviderConfig, len(c.Providers))
	for name, p := range c.Providers {
		p.ExtraHeaders = maps.Clone(p.ExtraHeaders)
		p.Models = append([]string(nil), p.Models...)
		out.Providers[name] = p
	}
	if c.MCP.Servers != nil {
		out.MCP.Servers = make(map[string]MCPServerConfig, len(c.MCP.Servers))
		for name, s := range c.MCP.Servers {
			s.Headers = maps.Clone(s.Headers)
			out.MCP.Servers[name] = s
		}
	}
	return &out
}
