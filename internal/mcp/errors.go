package mcp

import "errors"

// Protocol and transport conditions. Callers match with errors.Is.
var (
	// ErrInvalidResponse means a reply was not a well-formed JSON-RPC response.
	ErrInvalidResponse = errors.New("invalid JSON-RPC response")

	// ErrIDMismatch means a reply's id differs from the request's id.
	ErrIDMismatch = errors.New("JSON-RPC response id mismatch")

	// ErrNoResponse means an event-stream reply ended without a response.
	ErrNoResponse = errors.New("no JSON-RPC response in event stream")

	// ErrEndpointNotDiscovered means a legacy SSE server has not announced
	// its POST endpoint.
	ErrEndpointNotDiscovered = errors.New("legacy sse endpoint not discovered")

	// ErrTimeout means no matching response arrived before the deadline.
	ErrTimeout = errors.New("timed out waiting for response")

	// ErrClosed means the transport has been closed.
	ErrClosed = errors.New("transport closed")

	// ErrUnknownTool means a public tool name is not in the catalogue.
	ErrUnknownTool = errors.New("unknown mcp tool")

	// ErrServerDisabled means the tool's server is disabled in configuration.
	ErrServerDisabled = errors.New("mcp server disabled")

	// ErrServerNotInitialized means no client exists yet for the tool's server.
	ErrServerNotInitialized = errors.New("mcp server not initialized")
)
