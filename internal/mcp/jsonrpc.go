package mcp

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strconv"
)

// jsonrpcVersion is the JSON-RPC protocol version used by MCP.
const jsonrpcVersion = "2.0"

// Request is a JSON-RPC 2.0 request message.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest creates a JSON-RPC 2.0 request with the given method and params.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{
		JSONRPC: jsonrpcVersion,
		ID:      id,
		Method:  method,
		Params:  params,
	}
}

// Response is an inbound JSON-RPC 2.0 message. Servers may also push
// requests and notifications on the same channel; those carry Method and
// are not responses (see IsResponse).
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// IsResponse reports whether m is a reply to a request: it has an id and
// a result or error, and no method.
func (m *Response) IsResponse() bool {
	if m == nil || m.JSONRPC != jsonrpcVersion || m.Method != "" {
		return false
	}
	if len(m.ID) == 0 || bytes.Equal(m.ID, []byte("null")) {
		return false
	}
	return m.Result != nil || m.Error != nil
}

// IDInt returns the numeric id. Servers that echo ids as numeric strings
// are accepted.
func (m *Response) IDInt() (int64, bool) {
	if len(m.ID) == 0 {
		return 0, false
	}
	var n json.Number
	if err := json.Unmarshal(m.ID, &n); err == nil {
		v, err := n.Int64()
		return v, err == nil
	}
	var s string
	if err := json.Unmarshal(m.ID, &s); err == nil {
		v, err := strconv.ParseInt(s, 10, 64)
		return v, err == nil
	}
	return 0, false
}

// RawID encodes an integer id for a Response.
func RawID(id int64) json.RawMessage {
	return json.RawMessage(strconv.FormatInt(id, 10))
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

// Error implements the error interface for RPCError.
func (e *RPCError) Error() string {
	return fmt.Sprintf("jsonrpc error %d: %s", e.Code, e.Message)
}

// Notification is a JSON-RPC 2.0 notification (no ID, no response expected).
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification creates a JSON-RPC 2.0 notification.
func NewNotification(method string, params any) *Notification {
	return &Notification{
		JSONRPC: jsonrpcVersion,
		Method:  method,
		Params:  params,
	}
}

// decodeResponse parses one inbound message.
func decodeResponse(data []byte) (*Response, error) {
	var m Response
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidResponse, err)
	}
	return &m, nil
}

// checkResponse enforces that m is a well-formed reply to request id.
// JSON-RPC error objects are returned as *RPCError.
func checkResponse(m *Response, id int64) error {
	if !m.IsResponse() {
		return fmt.Errorf("%w: not a JSON-RPC response", ErrInvalidResponse)
	}
	got, ok := m.IDInt()
	if !ok || got != id {
		return fmt.Errorf("%w: sent %d, got %s", ErrIDMismatch, id, string(m.ID))
	}
	if m.Error != nil {
		return m.Error
	}
	return nil
}
