package mcp

import "errors"

// Sentinel errors for the connection failure modes. Callers classify
// failures with errors.Is; every error returned by this package wraps
// exactly one of these (or a context error for caller cancellation).
var (
	// ErrConnection indicates the server could not be started or the
	// handshake failed. Fatal to this connection only.
	ErrConnection = errors.New("mcp: connection failed")

	// ErrProtocol indicates a malformed MCP message. The connection
	// remains usable; callers should treat the single call as failed.
	ErrProtocol = errors.New("mcp: protocol error")

	// ErrDisconnected indicates the underlying channel has closed
	// (process exit, socket close). The connection is dead: all
	// subsequent calls fail immediately without reconnection.
	ErrDisconnected = errors.New("mcp: connection closed")

	// ErrToolTimeout indicates a tool call exceeded its configured
	// deadline. The connection remains usable for subsequent calls;
	// the late response, if any, is discarded.
	ErrToolTimeout = errors.New("mcp: tool call timed out")
)
