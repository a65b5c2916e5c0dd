package mcp

import (
	"crypto/sha256"
	"encoding/hex"
	"regexp"
)

// maxPublicNameLen is the longest tool name chat-completion endpoints accept.
const maxPublicNameLen = 64

var unsafeNameChars = regexp.MustCompile(`[^A-Za-z0-9_-]`)

// PublicName derives the name a server tool is exposed under:
// mcp__<server>__<tool>. A name that is already within [A-Za-z0-9_-] and
// at most 64 characters is used as is. Otherwise every other character
// is replaced by "_", the result is cut to 54 characters, and "_" plus a
// 9-digit hash of the unsanitised name is appended, so two tools whose
// names differ only in replaced characters never share a public name.
func PublicName(server, tool string) string {
	raw := "mcp__" + server + "__" + tool
	sanitized := unsafeNameChars.ReplaceAllString(raw, "_")
	if sanitized == raw && len(sanitized) <= maxPublicNameLen {
		return sanitized
	}
	return hashedName(sanitized, raw)
}

// hashedName truncates sanitized and appends a short digest of raw.
func hashedName(sanitized, raw string) string {
	sum := sha256.Sum256([]byte(raw))
	prefix := sanitized
	if len(prefix) > 54 {
		prefix = prefix[:54]
	}
	return prefix + "_" + hex.EncodeToString(sum[:])[:9]
}
