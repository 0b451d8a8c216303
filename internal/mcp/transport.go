package mcp

import (
	"context"
	"encoding/json"
	"fmt"
)

// Transport is the interface for MCP server communication.
// Implementations handle the details of sending JSON-RPC requests and
// receiving responses over a specific transport (stdio subprocess,
// streamable HTTP, or WebSocket).
type Transport interface {
	// Send sends a JSON-RPC request and returns the matching response.
	// The transport handles framing, encoding, and correlation. After
	// the underlying channel has closed, Send fails immediately with
	// an error matching ErrDisconnected.
	Send(ctx context.Context, req *Request) (*Response, error)

	// Notify sends a JSON-RPC notification (no response expected).
	Notify(ctx context.Context, notif *Notification) error

	// Close shuts down the transport and releases resources. For stdio
	// transports this terminates the subprocess. Close is idempotent.
	Close() error
}

// MCP frames its messages as JSON-RPC 2.0. Requests carry an id that
// Conn allocates from a per-connection counter; the stdio and WebSocket
// transports key their pending maps on it, the HTTP transport echoes it
// through a single request/response round trip. Notifications carry no
// id and get no reply.

const jsonrpcVersion = "2.0"

// Request is one outbound call frame.
type Request struct {
	JSONRPC string `json:"jsonrpc"`
	ID      int64  `json:"id"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewRequest builds a call frame for Transport.Send.
func NewRequest(id int64, method string, params any) *Request {
	return &Request{JSONRPC: jsonrpcVersion, ID: id, Method: method, Params: params}
}

// Notification is a fire-and-forget frame for Transport.Notify.
type Notification struct {
	JSONRPC string `json:"jsonrpc"`
	Method  string `json:"method"`
	Params  any    `json:"params,omitempty"`
}

// NewNotification builds a notification frame.
func NewNotification(method string, params any) *Notification {
	return &Notification{JSONRPC: jsonrpcVersion, Method: method, Params: params}
}

// Response is the server's reply to a Request. A well-formed reply
// carries either a result payload or an error object, not both. The
// result stays raw until the caller knows which shape to decode.
type Response struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      int64           `json:"id"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// decodeResult unmarshals the raw result payload into v.
func (r *Response) decodeResult(v any) error {
	if len(r.Result) == 0 {
		return fmt.Errorf("response %d has no result", r.ID)
	}
	return json.Unmarshal(r.Result, v)
}

// RPCError is the error object of a failed call. The server rejected
// the request; the channel itself is still fine.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func (e *RPCError) Error() string {
	return fmt.Sprintf("server error %d: %s", e.Code, e.Message)
}
