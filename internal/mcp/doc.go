// Package mcp is Plotrix's Model Context Protocol client. It discovers
// tools on remote MCP servers and invokes them on the model's behalf.
//
// MCP speaks JSON-RPC 2.0 over HTTP. Two wire strategies implement
// [Transport]: [StreamableTransport] POSTs every call and reads either a
// JSON body or a single-response event stream, and [LegacySSETransport]
// holds a long-lived event stream for replies while POSTing requests to
// an endpoint the server announces. [Client] layers the protocol
// operations (initialize, tools/list, tools/call) on either one, and
// [Manager] owns one Client per configured server, tracks each server's
// health, and publishes the merged tool catalogue under collision-safe
// public names.
package mcp
