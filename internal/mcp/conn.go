// Package mcp implements a client for the Model Context Protocol: JSON-RPC
// framing, stdio/HTTP/WebSocket transports, and a connection type that owns
// the handshake, tool discovery, and tool invocation for one server.
package mcp

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/mcpchat/mcpchat/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// supportedVersions are the protocol versions we accept from a server.
var supportedVersions = []string{"2024-11-05", "2025-03-26", "2025-06-18"}

// DefaultCallTimeout bounds a single tools/call round trip when no
// timeout is configured.
const DefaultCallTimeout = 30 * time.Second

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// serverInfo is returned in the initialize response.
type serverInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// serverCapabilities describes what an MCP server supports.
type serverCapabilities struct {
	Tools *struct{} `json:"tools,omitempty"`
}

// initializeResult is the full initialize response result.
type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	ServerInfo      serverInfo         `json:"serverInfo"`
	Capabilities    serverCapabilities `json:"capabilities"`
}

// Conn is one connection to one MCP server. It owns exactly one
// transport (and therefore one subprocess or socket) for its lifetime
// and provides the typed protocol operations: Connect (handshake),
// ListTools, CallTool, Ping, Close.
//
// Once the underlying channel dies the connection is marked dead and
// every subsequent call fails fast with ErrDisconnected; reconnection
// is a caller decision, not this type's.
type Conn struct {
	name        string
	transport   Transport
	logger      *slog.Logger
	callTimeout time.Duration
	nextID      atomic.Int64

	mu          sync.RWMutex
	initialized bool
	dead        bool
	closed      bool
	serverName  string
	serverVer   string
	tools       []ToolDefinition
}

// ConnOption configures a Conn.
type ConnOption func(*Conn)

// WithCallTimeout sets the per-call deadline for CallTool. Zero keeps
// DefaultCallTimeout.
func WithCallTimeout(d time.Duration) ConnOption {
	return func(c *Conn) {
		if d > 0 {
			c.callTimeout = d
		}
	}
}

// NewConn creates a connection for the given server. The transport
// determines how messages are delivered (stdio, HTTP, or WebSocket).
func NewConn(name string, transport Transport, logger *slog.Logger, opts ...ConnOption) *Conn {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Conn{
		name:        name,
		transport:   transport,
		logger:      logger.With("mcp_server", name),
		callTimeout: DefaultCallTimeout,
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Name returns the server name this connection belongs to.
func (c *Conn) Name() string {
	return c.name
}

// Connect performs the MCP handshake: sends an initialize request,
// verifies the negotiated protocol version, and sends the
// notifications/initialized notification. Failures wrap ErrConnection.
func (c *Conn) Connect(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "mcpchat",
			"version": buildinfo.Version,
		},
	}

	resp, err := c.send(ctx, "initialize", params)
	if err != nil {
		c.markDeadOn(err)
		return fmt.Errorf("%w: initialize %s: %v", ErrConnection, c.name, err)
	}

	var result initializeResult
	if err := resp.decodeResult(&result); err != nil {
		return fmt.Errorf("%w: unmarshal initialize result: %v", ErrConnection, err)
	}

	if !slices.Contains(supportedVersions, result.ProtocolVersion) {
		return fmt.Errorf("%w: server %s negotiated unsupported protocol version %q",
			ErrConnection, c.name, result.ProtocolVersion)
	}

	c.mu.Lock()
	c.initialized = true
	c.serverName = result.ServerInfo.Name
	c.serverVer = result.ServerInfo.Version
	c.tools = nil // tool list is refreshed at (re)connection only
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Send the initialized notification to complete the handshake.
	if err := c.transport.Notify(ctx, NewNotification("notifications/initialized", nil)); err != nil {
		return fmt.Errorf("%w: send initialized notification: %v", ErrConnection, err)
	}

	return nil
}

// ListTools calls tools/list and returns the available tool definitions.
// The list is cached for the life of the connection; it changes only at
// (re)connection, never concurrently with an in-flight call.
func (c *Conn) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	if err := c.usable(); err != nil {
		return nil, err
	}

	resp, err := c.send(ctx, "tools/list", nil)
	if err != nil {
		c.markDeadOn(err)
		return nil, fmt.Errorf("tools/list: %w", c.classify(err))
	}

	var result toolsListResult
	if err := resp.decodeResult(&result); err != nil {
		return nil, fmt.Errorf("%w: unmarshal tools/list result: %v", ErrProtocol, err)
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by name with the given arguments, bounded by
// the configured per-call timeout. The result is extracted from the
// response content blocks as a single string. Non-text content blocks
// are described inline (e.g., "[image]").
//
// A timed-out call returns an error wrapping ErrToolTimeout and leaves
// the connection usable. A dead channel returns ErrDisconnected and
// marks the connection so later calls fail fast.
func (c *Conn) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	if err := c.usable(); err != nil {
		return "", err
	}

	callCtx, cancel := context.WithTimeout(ctx, c.callTimeout)
	defer cancel()

	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.send(callCtx, "tools/call", params)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return "", fmt.Errorf("%w: tool %s after %s", ErrToolTimeout, name, c.callTimeout)
		}
		c.markDeadOn(err)
		return "", fmt.Errorf("tools/call %s: %w", name, c.classify(err))
	}

	var result callToolResult
	if err := resp.decodeResult(&result); err != nil {
		return "", fmt.Errorf("%w: unmarshal tools/call result: %v", ErrProtocol, err)
	}

	text := extractText(result.Content)

	if result.IsError {
		return "", fmt.Errorf("tool %s returned error: %s", name, text)
	}

	return text, nil
}

// Ping checks whether the MCP server is responsive.
func (c *Conn) Ping(ctx context.Context) error {
	if err := c.usable(); err != nil {
		return err
	}
	_, err := c.send(ctx, "ping", nil)
	c.markDeadOn(err)
	return err
}

// Close shuts down the connection and its transport. Pending calls are
// unblocked by the transport teardown. Idempotent.
func (c *Conn) Close() error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.mu.Unlock()

	c.logger.Info("closing MCP connection")
	return c.transport.Close()
}

// usable fails fast when the connection is dead or closed.
func (c *Conn) usable() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.closed {
		return fmt.Errorf("%w: connection %s is closed", ErrDisconnected, c.name)
	}
	if c.dead {
		return fmt.Errorf("%w: connection %s is dead", ErrDisconnected, c.name)
	}
	return nil
}

// markDeadOn marks the connection dead when err indicates channel loss.
func (c *Conn) markDeadOn(err error) {
	if err == nil || !errors.Is(err, ErrDisconnected) {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.dead {
		c.dead = true
		c.logger.Warn("MCP connection marked dead")
	}
}

// classify folds transport errors that carry no taxonomy into
// ErrProtocol so callers always get a classified error.
func (c *Conn) classify(err error) error {
	switch {
	case err == nil,
		errors.Is(err, ErrConnection),
		errors.Is(err, ErrDisconnected),
		errors.Is(err, ErrProtocol),
		errors.Is(err, ErrToolTimeout),
		errors.Is(err, context.Canceled),
		errors.Is(err, context.DeadlineExceeded):
		return err
	default:
		return fmt.Errorf("%w: %v", ErrProtocol, err)
	}
}

// send issues a JSON-RPC request and checks for protocol-level errors.
func (c *Conn) send(ctx context.Context, method string, params any) (*Response, error) {
	id := c.nextID.Add(1)
	req := NewRequest(id, method, params)

	resp, err := c.transport.Send(ctx, req)
	if err != nil {
		return nil, err
	}

	if resp.Error != nil {
		return nil, resp.Error
	}

	return resp, nil
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
